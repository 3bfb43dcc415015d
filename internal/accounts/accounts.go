// Package accounts implements username/password registration and login.
// Successful calls return a signed session token that the signaling
// endpoint accepts when AUTH_MODE=jwt.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/wilsonzlin/aero/proxy/screenshare-signal/internal/auth"
)

const (
	minUsernameLen = 3
	maxUsernameLen = 64
	minPasswordLen = 6
	// bcrypt ignores everything past 72 bytes.
	maxPasswordLen = 72
)

var (
	ErrUserExists         = errors.New("user already exists")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// ValidationError describes a rejected register request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

type User struct {
	ID           string
	Username     string
	PasswordHash []byte
	CreatedAt    time.Time
}

// Session is returned by Register and Login.
type Session struct {
	Token    string `json:"token"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type Service struct {
	store  Store
	tokens *auth.Tokens
	cost   int
	now    func() time.Time
}

func NewService(store Store, tokens *auth.Tokens, bcryptCost int) *Service {
	if bcryptCost == 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	return &Service{store: store, tokens: tokens, cost: bcryptCost, now: time.Now}
}

func (s *Service) Register(ctx context.Context, username, password string) (Session, error) {
	username = strings.TrimSpace(username)
	if err := validate(username, password); err != nil {
		return Session{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return Session{}, fmt.Errorf("hash password: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Session{}, fmt.Errorf("generate user id: %w", err)
	}
	user := User{
		ID:           id.String(),
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return Session{}, err
	}
	return s.session(user)
}

func (s *Service) Login(ctx context.Context, username, password string) (Session, error) {
	user, err := s.store.UserByUsername(ctx, strings.TrimSpace(username))
	if errors.Is(err, ErrUserNotFound) {
		return Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, err
	}
	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		return Session{}, ErrInvalidCredentials
	}
	return s.session(user)
}

// Ping reports whether the backing store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) session(user User) (Session, error) {
	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}
	return Session{Token: token, UserID: user.ID, Username: user.Username}, nil
}

func validate(username, password string) error {
	switch n := utf8.RuneCountInString(username); {
	case n < minUsernameLen:
		return &ValidationError{Field: "username", Message: fmt.Sprintf("Username must be at least %d characters", minUsernameLen)}
	case n > maxUsernameLen:
		return &ValidationError{Field: "username", Message: fmt.Sprintf("Username must be at most %d characters", maxUsernameLen)}
	}
	switch n := len(password); {
	case n < minPasswordLen:
		return &ValidationError{Field: "password", Message: fmt.Sprintf("Password must be at least %d characters", minPasswordLen)}
	case n > maxPasswordLen:
		return &ValidationError{Field: "password", Message: fmt.Sprintf("Password must be at most %d bytes", maxPasswordLen)}
	}
	return nil
}
