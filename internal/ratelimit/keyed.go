// Package ratelimit holds the per-key limiters guarding the account
// endpoints.
package ratelimit

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultMaxKeys = 10_000

// Keyed keeps one token bucket per key (usually a client IP). The least
// recently used bucket is evicted once MaxKeys is reached; an evicted key
// starts again with a full bucket.
type Keyed struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	maxKeys int

	mu    sync.Mutex
	byKey map[string]*list.Element
	lru   *list.List
}

type keyedEntry struct {
	key     string
	limiter *rate.Limiter
}

type KeyedConfig struct {
	// PerMinute is both the refill rate and the burst.
	PerMinute int
	MaxKeys   int
	Now       func() time.Time
}

func NewKeyed(cfg KeyedConfig) *Keyed {
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = defaultMaxKeys
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	burst := cfg.PerMinute
	if burst < 1 {
		burst = 1
	}
	return &Keyed{
		limit:   rate.Every(time.Minute / time.Duration(burst)),
		burst:   burst,
		now:     cfg.Now,
		maxKeys: cfg.MaxKeys,
		byKey:   make(map[string]*list.Element),
		lru:     list.New(),
	}
}

// Allow consumes one token from key's bucket.
func (k *Keyed) Allow(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	if elem, ok := k.byKey[key]; ok {
		k.lru.MoveToFront(elem)
		return elem.Value.(*keyedEntry).limiter.AllowN(k.now(), 1)
	}

	for k.lru.Len() >= k.maxKeys {
		oldest := k.lru.Back()
		k.lru.Remove(oldest)
		delete(k.byKey, oldest.Value.(*keyedEntry).key)
	}
	entry := &keyedEntry{key: key, limiter: rate.NewLimiter(k.limit, k.burst)}
	k.byKey[key] = k.lru.PushFront(entry)
	return entry.limiter.AllowN(k.now(), 1)
}

func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lru.Len()
}
