// Package origin implements the browser Origin policy shared by the CORS
// layer and the signaling WebSocket upgrade.
package origin

import (
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Normalize validates a browser Origin value and returns it as
// scheme://host[:port] with default ports removed, plus the host[:port] part.
func Normalize(raw string) (normalized, host string, ok bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", false
	}
	if raw == "null" {
		return "null", "", true
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = canonicalHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// Policy holds a normalized allow list. An empty list means same host only.
type Policy struct {
	allowed []string
}

func NewPolicy(allowed []string) Policy {
	return Policy{allowed: allowed}
}

func (p Policy) AllowAny() bool {
	for _, a := range p.allowed {
		if a == "*" {
			return true
		}
	}
	return false
}

// Allows reports whether a request carrying originHeader may reach a resource
// served at requestHost. Requests without an Origin header are not browser
// cross-origin requests and are always allowed.
func (p Policy) Allows(originHeader, requestHost string) bool {
	if strings.TrimSpace(originHeader) == "" {
		return true
	}
	normalized, host, ok := Normalize(originHeader)
	if !ok {
		return false
	}
	if len(p.allowed) > 0 {
		for _, a := range p.allowed {
			if a == "*" || a == normalized {
				return true
			}
		}
		return false
	}
	if normalized == "null" {
		return false
	}

	// Scheme is ignored: TLS is often terminated in front of the server.
	scheme, _, _ := strings.Cut(normalized, "://")
	reqHost, ok := canonicalHost(requestHost, scheme)
	return ok && reqHost == host
}

// CheckOrigin adapts the policy to websocket.Upgrader.CheckOrigin.
func (p Policy) CheckOrigin(r *http.Request) bool {
	if len(r.Header.Values("Origin")) > 1 {
		return false
	}
	return p.Allows(r.Header.Get("Origin"), r.Host)
}

func canonicalHost(raw, scheme string) (string, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return "", false
	}

	hostname, port := raw, ""
	if h, p, err := net.SplitHostPort(raw); err == nil {
		hostname, port = h, p
		if n, err := strconv.ParseUint(port, 10, 16); err != nil || n == 0 {
			return "", false
		}
	} else if strings.Count(raw, ":") > 0 && !strings.HasPrefix(raw, "[") {
		return "", false
	}
	hostname = strings.TrimSuffix(strings.TrimPrefix(hostname, "["), "]")
	if hostname == "" {
		return "", false
	}

	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if port == "" {
		return hostname, true
	}
	return hostname + ":" + port, true
}
