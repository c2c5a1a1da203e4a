package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"rosterhub/pkg/domain"
)

type countingProducer struct {
	calls int
	value []domain.Collaborator
	err   error
}

func (p *countingProducer) produce(context.Context) ([]domain.Collaborator, error) {
	p.calls++
	return p.value, p.err
}

func newRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCache(client, ""), mr
}

// exercise runs the shared contract against both implementations.
func exercise(t *testing.T, c CollaboratorCache) {
	t.Helper()
	ctx := context.Background()
	p := &countingProducer{value: []domain.Collaborator{{ID: "c1", Name: "Ana", CPF: "11111111111"}}}

	for i := 0; i < 2; i++ {
		got, err := c.Remember(ctx, "u1", time.Minute, p.produce)
		if err != nil {
			t.Fatalf("remember: %v", err)
		}
		if len(got) != 1 || got[0].ID != "c1" {
			t.Fatalf("unexpected list %+v", got)
		}
	}
	if p.calls != 1 {
		t.Fatalf("producer called %d times, want 1", p.calls)
	}

	if err := c.Forget(ctx, "u1"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if err := c.Forget(ctx, "u1"); err != nil {
		t.Fatalf("second forget must be a no-op: %v", err)
	}
	if _, err := c.Remember(ctx, "u1", time.Minute, p.produce); err != nil {
		t.Fatalf("remember after forget: %v", err)
	}
	if p.calls != 2 {
		t.Fatalf("producer called %d times after forget, want 2", p.calls)
	}

	// Producer errors are not cached.
	failing := &countingProducer{err: errors.New("db down")}
	if _, err := c.Remember(ctx, "u2", time.Minute, failing.produce); err == nil {
		t.Fatal("expected producer error")
	}
	empty := &countingProducer{}
	for i := 0; i < 2; i++ {
		got, err := c.Remember(ctx, "u2", time.Minute, empty.produce)
		if err != nil || got == nil || len(got) != 0 {
			t.Fatalf("empty list = %+v, %v", got, err)
		}
	}
	if empty.calls != 1 {
		t.Fatalf("empty lists should be cached, producer called %d times", empty.calls)
	}
}

func TestMemoryCacheContract(t *testing.T) {
	exercise(t, NewMemoryCache())
}

func TestRedisCacheContract(t *testing.T) {
	c, _ := newRedisCache(t)
	exercise(t, c)
}

func TestMemoryCacheExpires(t *testing.T) {
	c := NewMemoryCache()
	now := time.Now()
	c.now = func() time.Time { return now }
	p := &countingProducer{}

	_, _ = c.Remember(context.Background(), "u1", DefaultTTL, p.produce)
	now = now.Add(DefaultTTL + time.Second)
	_, _ = c.Remember(context.Background(), "u1", DefaultTTL, p.produce)
	if p.calls != 2 {
		t.Fatalf("expired entry served, producer calls = %d", p.calls)
	}
}

func TestRedisCacheExpiresAndUsesPrefix(t *testing.T) {
	c, mr := newRedisCache(t)
	p := &countingProducer{value: []domain.Collaborator{{ID: "c1"}}}
	if _, err := c.Remember(context.Background(), "u1", DefaultTTL, p.produce); err != nil {
		t.Fatalf("remember: %v", err)
	}
	if ttl := mr.TTL("roster:collaborators:u1"); ttl != DefaultTTL {
		t.Fatalf("ttl = %v", ttl)
	}
	mr.FastForward(DefaultTTL + time.Second)
	if _, err := c.Remember(context.Background(), "u1", DefaultTTL, p.produce); err != nil {
		t.Fatalf("remember: %v", err)
	}
	if p.calls != 2 {
		t.Fatalf("producer calls = %d, want 2", p.calls)
	}
}

func TestRedisCacheFallsBackWhenRedisIsDown(t *testing.T) {
	c, mr := newRedisCache(t)
	mr.Close()
	p := &countingProducer{value: []domain.Collaborator{{ID: "c1"}}}
	got, err := c.Remember(context.Background(), "u1", DefaultTTL, p.produce)
	if err != nil || len(got) != 1 {
		t.Fatalf("Remember = %+v, %v", got, err)
	}
}
