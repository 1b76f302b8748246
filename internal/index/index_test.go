package index_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/basket/go-evalplane/internal/index"
)

func newTestRedisIndex(t *testing.T) *index.RedisIndex {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return index.NewWithClient(client)
}

func TestRedisIndex_SetGetDel(t *testing.T) {
	idx := newTestRedisIndex(t)
	ctx := context.Background()

	if err := idx.Set(ctx, "eval:eval-1", "runner-a", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	v, ok, err := idx.Get(ctx, "eval:eval-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || v != "runner-a" {
		t.Fatalf("expected runner-a, got %q ok=%v", v, ok)
	}

	if err := idx.Del(ctx, "eval:eval-1"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, ok, err := idx.Get(ctx, "eval:eval-1"); err != nil || ok {
		t.Fatalf("expected absent after del, ok=%v err=%v", ok, err)
	}
}

func TestRedisIndex_Get_MissingKey(t *testing.T) {
	idx := newTestRedisIndex(t)
	if _, ok, err := idx.Get(context.Background(), "nope"); err != nil || ok {
		t.Fatalf("expected absent, ok=%v err=%v", ok, err)
	}
}

func TestRedisIndex_SetMembers(t *testing.T) {
	idx := newTestRedisIndex(t)
	ctx := context.Background()

	if err := idx.SAdd(ctx, "pool:default", "runner-a"); err != nil {
		t.Fatalf("sadd: %v", err)
	}
	if err := idx.SAdd(ctx, "pool:default", "runner-b"); err != nil {
		t.Fatalf("sadd: %v", err)
	}

	members, err := idx.SMembers(ctx, "pool:default")
	if err != nil {
		t.Fatalf("smembers: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %v", members)
	}

	if err := idx.SRem(ctx, "pool:default", "runner-a"); err != nil {
		t.Fatalf("srem: %v", err)
	}
	members, err = idx.SMembers(ctx, "pool:default")
	if err != nil {
		t.Fatalf("smembers after srem: %v", err)
	}
	if len(members) != 1 || members[0] != "runner-b" {
		t.Fatalf("expected only runner-b remaining, got %v", members)
	}
}

func TestRedisIndex_Refresh(t *testing.T) {
	idx := newTestRedisIndex(t)
	ctx := context.Background()

	if err := idx.Set(ctx, "eval:eval-2", "runner-a", 50*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := idx.Refresh(ctx, "eval:eval-2", time.Minute); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	v, ok, err := idx.Get(ctx, "eval:eval-2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || v != "runner-a" {
		t.Fatalf("expected key to survive past its original TTL after refresh, ok=%v v=%q", ok, v)
	}
}
