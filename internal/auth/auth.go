package auth

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/wilsonzlin/aero/proxy/screenshare-signal/internal/config"
)

// Principal is the authenticated side of a signaling connection. UserID is
// empty for API key auth.
type Principal struct {
	UserID string
}

type Verifier interface {
	Verify(credential string) (Principal, error)
}

// NewVerifier returns nil for AuthModeNone; callers skip the auth phase.
func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return nil, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return NewTokens(cfg.JWTSecret, cfg.JWTTTL), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

var ErrMissingCredentials = errors.New("missing credentials")

// CredentialFromQuery reads apiKey/token from the query string. Each mode
// prefers its own parameter but accepts the other as an alias.
func CredentialFromQuery(mode config.AuthMode, q url.Values) (string, error) {
	return pick(mode, q.Get("apiKey"), q.Get("token"))
}

// CredentialFromRequest checks the Authorization and X-API-Key headers before
// falling back to the query string.
func CredentialFromRequest(mode config.AuthMode, r *http.Request) (string, error) {
	if mode == config.AuthModeNone {
		return "", nil
	}
	if scheme, value, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " "); ok {
		value = strings.TrimSpace(value)
		switch strings.ToLower(scheme) {
		case "bearer", "apikey":
			if value != "" {
				return value, nil
			}
		}
	}
	if apiKey := strings.TrimSpace(r.Header.Get("X-API-Key")); apiKey != "" {
		return apiKey, nil
	}
	return CredentialFromQuery(mode, r.URL.Query())
}

// WireAuthMessage is the first frame a client sends when it did not put its
// credential in the upgrade request.
type WireAuthMessage struct {
	Type   string `json:"type"`
	APIKey string `json:"apiKey,omitempty"`
	Token  string `json:"token,omitempty"`
}

func CredentialFromAuthMessage(mode config.AuthMode, msg WireAuthMessage) (string, error) {
	return pick(mode, msg.APIKey, msg.Token)
}

func pick(mode config.AuthMode, apiKey, token string) (string, error) {
	var first, second string
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey:
		first, second = apiKey, token
	case config.AuthModeJWT:
		first, second = token, apiKey
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
	if first != "" {
		return first, nil
	}
	if second != "" {
		return second, nil
	}
	return "", ErrMissingCredentials
}
