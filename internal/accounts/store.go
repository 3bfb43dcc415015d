package accounts

import (
	"context"
	"fmt"
	"sync"

	"github.com/wilsonzlin/aero/proxy/screenshare-signal/internal/config"
)

// Store persists users. Usernames are unique; CreateUser reports a clash as
// ErrUserExists and UserByUsername reports a miss as ErrUserNotFound.
type Store interface {
	CreateUser(ctx context.Context, user User) error
	UserByUsername(ctx context.Context, username string) (User, error)
	Ping(ctx context.Context) error
	Close() error
}

// OpenStore picks a Store implementation from a DATABASE_URL value.
func OpenStore(ctx context.Context, databaseURL string) (Store, error) {
	driver, dsn := config.DatabaseDriver(databaseURL)
	switch driver {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return OpenSQLite(ctx, dsn)
	case "postgres":
		return OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported DATABASE_URL %q", databaseURL)
	}
}

// MemoryStore keeps users for the lifetime of the process.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]User)}
}

func (s *MemoryStore) CreateUser(_ context.Context, user User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.Username]; ok {
		return ErrUserExists
	}
	s.users[user.Username] = user
	return nil
}

func (s *MemoryStore) UserByUsername(_ context.Context, username string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[username]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
