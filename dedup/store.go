// Package dedup gives consumers an idempotency check keyed by event id.
// The bus delivers at least once; handlers call FirstDelivery before
// applying side effects and skip events they have already seen.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client is the slice of the redis API the store uses. *redis.Client
// satisfies it.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Store marks event ids as seen with a TTL. The TTL bounds memory and
// only needs to outlive the transport's redelivery window.
type Store struct {
	client Client
	prefix string
	ttl    time.Duration
}

func NewStore(client Client, prefix string, ttl time.Duration) *Store {
	if prefix == "" {
		prefix = "erpbus:seen:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{client: client, prefix: prefix, ttl: ttl}
}

// FirstDelivery marks eventID as seen and reports whether this was the
// first time. The check and the mark are one atomic SETNX, so two
// concurrent deliveries of the same event cannot both see true.
func (s *Store) FirstDelivery(ctx context.Context, eventID string) (bool, error) {
	first, err := s.client.SetNX(ctx, s.prefix+eventID, 1, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup: mark %s: %w", eventID, err)
	}
	return first, nil
}

// ReadyCheck pings redis, for /readyz.
func ReadyCheck(client Client) func(context.Context) error {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}
