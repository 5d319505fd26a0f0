// Package dedup records which keys have already been acted on.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Marker claims keys once. Claim returns true for the first caller and false
// for every later caller until the key expires.
type Marker interface {
	Claim(ctx context.Context, key string) (bool, error)
}

type redisMarker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func (m *redisMarker) Claim(ctx context.Context, key string) (bool, error) {
	// SETNX false => already exists => already claimed
	return m.client.SetNX(ctx, m.prefix+":"+key, "1", m.ttl).Result()
}

// MemoryMarker is a process-local Marker.
type MemoryMarker struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	ttl    time.Duration
	now    func() time.Time
	nextGC time.Time
}

// NewMemoryMarker returns a Marker whose claims live for ttl. A non-positive
// ttl keeps claims for the life of the process.
func NewMemoryMarker(ttl time.Duration) *MemoryMarker {
	m := &MemoryMarker{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
	m.nextGC = m.now().Add(ttl)
	return m
}

func (m *MemoryMarker) Claim(_ context.Context, key string) (bool, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if exp, ok := m.seen[key]; ok && (m.ttl <= 0 || exp.After(now)) {
		return false, nil
	}

	m.seen[key] = now.Add(m.ttl)
	if m.ttl > 0 && now.After(m.nextGC) {
		for k, exp := range m.seen {
			if exp.Before(now) {
				delete(m.seen, k)
			}
		}
		m.nextGC = now.Add(m.ttl)
	}

	return true, nil
}

// New builds a Redis marker and falls back to in-memory on failure. The
// returned error reports why Redis was not used; the marker is always usable.
func New(addr, pass string, db int, prefix string, ttl time.Duration) (Marker, error) {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if addr == "" {
		return NewMemoryMarker(ttl), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: pass,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return NewMemoryMarker(ttl), err
	}

	return &redisMarker{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}, nil
}
