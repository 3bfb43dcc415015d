package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Tokens issues and verifies the HS256 account tokens handed out by the
// register and login endpoints. The same tokens authenticate signaling
// connections in jwt mode.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokens(secret string, ttl time.Duration) *Tokens {
	return &Tokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

type accountClaims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

func (t *Tokens) Issue(userID string) (string, error) {
	if userID == "" {
		return "", errors.New("auth: empty user id")
	}
	now := t.now()
	claims := accountClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry. Every failure maps to
// ErrInvalidCredentials.
func (t *Tokens) Verify(token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" || len(t.secret) == 0 {
		return Principal{}, ErrInvalidCredentials
	}

	var claims accountClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil || claims.UserID == "" {
		return Principal{}, ErrInvalidCredentials
	}
	return Principal{UserID: claims.UserID}, nil
}
