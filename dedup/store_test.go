package dedup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type fakeClient struct {
	keys map[string]bool
	fail error
}

func (c *fakeClient) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	if c.fail != nil {
		cmd := redis.NewBoolCmd(ctx)
		cmd.SetErr(c.fail)
		return cmd
	}
	first := !c.keys[key]
	c.keys[key] = true
	return redis.NewBoolResult(first, nil)
}

func (c *fakeClient) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", c.fail)
}

func TestFirstDelivery(t *testing.T) {
	store := NewStore(&fakeClient{keys: make(map[string]bool)}, "", time.Hour)

	first, err := store.FirstDelivery(context.Background(), "evt-1")
	if err != nil {
		t.Fatalf("FirstDelivery failed: %v", err)
	}
	if !first {
		t.Fatal("expected first delivery to report true")
	}

	again, err := store.FirstDelivery(context.Background(), "evt-1")
	if err != nil {
		t.Fatalf("FirstDelivery failed: %v", err)
	}
	if again {
		t.Fatal("expected redelivery to report false")
	}

	other, err := store.FirstDelivery(context.Background(), "evt-2")
	if err != nil {
		t.Fatalf("FirstDelivery failed: %v", err)
	}
	if !other {
		t.Fatal("distinct event id must report true")
	}
}

func TestFirstDelivery_PropagatesError(t *testing.T) {
	boom := errors.New("redis down")
	store := NewStore(&fakeClient{fail: boom}, "", time.Hour)

	_, err := store.FirstDelivery(context.Background(), "evt-1")
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped redis error, got %v", err)
	}
}
