// Package idempotency maps caller-supplied reference ids onto payout
// ids so a replayed request resolves to the original payout.
package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "payout:ref:"

// Redis reserves reference ids with SET NX and a retention TTL, shared
// across service instances.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedis creates a Redis-backed deduper.
func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &Redis{rdb: rdb, ttl: ttl}
}

// Reserve claims key for id. When another payout already owns the key,
// the owner's id and false are returned.
func (r *Redis) Reserve(ctx context.Context, key string, id uuid.UUID) (uuid.UUID, bool, error) {
	ok, err := r.rdb.SetNX(ctx, keyPrefix+key, id.String(), r.ttl).Result()
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to reserve reference: %w", err)
	}
	if ok {
		return id, true, nil
	}

	raw, err := r.rdb.Get(ctx, keyPrefix+key).Result()
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to load reference owner: %w", err)
	}
	owner, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("malformed reference owner %q: %w", raw, err)
	}
	return owner, false, nil
}

// Memory is an in-process deduper for tests and single-node runs.
type Memory struct {
	mu   sync.Mutex
	keys map[string]uuid.UUID
}

// NewMemory creates an empty in-memory deduper.
func NewMemory() *Memory {
	return &Memory{keys: make(map[string]uuid.UUID)}
}

// Reserve claims key for id.
func (m *Memory) Reserve(ctx context.Context, key string, id uuid.UUID) (uuid.UUID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if owner, ok := m.keys[key]; ok {
		return owner, false, nil
	}
	m.keys[key] = id
	return id, true, nil
}
