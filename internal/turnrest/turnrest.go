// Package turnrest mints coturn-compatible TURN REST credentials.
//
//	username   = <unix_expiry>:<prefix>:<session id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// See https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/screenshare-signal/internal/config"
)

type Issuer struct {
	sharedSecret   []byte
	ttlSeconds     int64
	usernamePrefix string
	now            func() time.Time
	newSessionID   func() string
}

func NewIssuer(cfg config.TurnRESTConfig) (*Issuer, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.TTLSeconds <= 0 {
		return nil, errors.New("TTLSeconds must be > 0")
	}
	if cfg.UsernamePrefix == "" {
		return nil, errors.New("UsernamePrefix is required")
	}
	if strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("UsernamePrefix must not contain ':'")
	}
	return &Issuer{
		sharedSecret:   []byte(cfg.SharedSecret),
		ttlSeconds:     cfg.TTLSeconds,
		usernamePrefix: cfg.UsernamePrefix,
		now:            time.Now,
		newSessionID:   uuid.NewString,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	ExpiresAt  time.Time
}

func (i *Issuer) Generate(sessionID string) (Credentials, error) {
	if sessionID == "" {
		return Credentials{}, errors.New("sessionID is required")
	}
	if strings.Contains(sessionID, ":") {
		return Credentials{}, errors.New("sessionID must not contain ':'")
	}
	expiry := i.now().UTC().Unix() + i.ttlSeconds
	username := fmt.Sprintf("%d:%s:%s", expiry, i.usernamePrefix, sessionID)
	return Credentials{
		Username:   username,
		Credential: sign(i.sharedSecret, username),
		ExpiresAt:  time.Unix(expiry, 0).UTC(),
	}, nil
}

// Apply returns a copy of servers with fresh credentials on every TURN entry.
// STUN-only entries are left untouched.
func (i *Issuer) Apply(servers []webrtc.ICEServer) ([]webrtc.ICEServer, error) {
	if len(servers) == 0 {
		return servers, nil
	}
	creds, err := i.Generate(i.newSessionID())
	if err != nil {
		return nil, err
	}
	out := make([]webrtc.ICEServer, len(servers))
	for n, server := range servers {
		out[n] = server
		if config.HasTURNURL(server) {
			out[n].Username = creds.Username
			out[n].Credential = creds.Credential
		}
	}
	return out, nil
}

func sign(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
