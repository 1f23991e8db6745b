package cache

import (
	"context"
	"testing"
	"time"
)

var _ Cache = (*MemoryCache)(nil)

func newMemCache(t *testing.T) *MemoryCache {
	t.Helper()
	c := NewMemoryCache(context.Background())
	t.Cleanup(c.Close)
	return c
}

func TestMemoryCache_RoundTrip(t *testing.T) {
	c := newMemCache(t)
	ctx := context.Background()

	key := chatKey("what is 2+2?")
	if _, ok := c.Get(ctx, key); ok {
		t.Fatal("expected miss for a request never cached")
	}

	if err := c.Set(ctx, key, []byte(chatReply), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := c.Get(ctx, key)
	if !ok || string(got) != chatReply {
		t.Fatalf("Get = %q, %v; want the stored reply body", got, ok)
	}

	if _, ok := c.Get(ctx, chatKey("what is 2+3?")); ok {
		t.Fatal("distinct translated requests must not share cached replies")
	}
}

func TestMemoryCache_LazyExpiry(t *testing.T) {
	c := newMemCache(t)
	ctx := context.Background()

	key := chatKey("tell me a joke")
	if err := c.Set(ctx, key, []byte(chatReply), 10*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	if _, ok := c.Get(ctx, key); ok {
		t.Fatal("reply should have expired with the TTL")
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, expired entry should be evicted on access", c.Len())
	}
}

func TestMemoryCache_ZeroTTLDefaultsToAnHour(t *testing.T) {
	c := newMemCache(t)
	ctx := context.Background()

	key := chatKey("cached with zero ttl")
	if err := c.Set(ctx, key, []byte(chatReply), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok := c.Get(ctx, key); !ok {
		t.Fatal("zero TTL should fall back to the default, not expire at once")
	}
}

func TestMemoryCache_Delete(t *testing.T) {
	c := newMemCache(t)
	ctx := context.Background()

	key := chatKey("stale answer")
	if err := c.Set(ctx, key, []byte(chatReply), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := c.Get(ctx, key); ok {
		t.Fatal("reply should be gone after Delete")
	}

	if err := c.Delete(ctx, chatKey("never cached")); err != nil {
		t.Fatalf("Delete of unseen key: %v", err)
	}
}
