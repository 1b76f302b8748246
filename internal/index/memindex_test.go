package index_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/go-evalplane/internal/index"
)

func TestMemIndex_SetGetDel(t *testing.T) {
	idx := index.NewMemIndex()
	ctx := context.Background()

	if err := idx.Set(ctx, "eval:eval-1", "runner-a", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := idx.Get(ctx, "eval:eval-1")
	if err != nil || !ok || v != "runner-a" {
		t.Fatalf("get = %q, %v, %v", v, ok, err)
	}

	_ = idx.Del(ctx, "eval:eval-1")
	if _, ok, _ := idx.Get(ctx, "eval:eval-1"); ok {
		t.Fatal("expected absent after del")
	}
}

func TestMemIndex_ExpiresAfterTTL(t *testing.T) {
	idx := index.NewMemIndex()
	ctx := context.Background()

	_ = idx.Set(ctx, "eval:eval-2", "runner-a", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	if _, ok, _ := idx.Get(ctx, "eval:eval-2"); ok {
		t.Fatal("expected key to have expired")
	}
}

func TestMemIndex_Refresh_ExtendsTTL(t *testing.T) {
	idx := index.NewMemIndex()
	ctx := context.Background()

	_ = idx.Set(ctx, "eval:eval-3", "runner-a", 20*time.Millisecond)
	_ = idx.Refresh(ctx, "eval:eval-3", time.Minute)

	time.Sleep(40 * time.Millisecond)
	if _, ok, _ := idx.Get(ctx, "eval:eval-3"); !ok {
		t.Fatal("expected key to survive past its original TTL after refresh")
	}
}

func TestMemIndex_SetMembership(t *testing.T) {
	idx := index.NewMemIndex()
	ctx := context.Background()

	_ = idx.SAdd(ctx, "pool:default", "runner-a")
	_ = idx.SAdd(ctx, "pool:default", "runner-b")

	members, err := idx.SMembers(ctx, "pool:default")
	if err != nil || len(members) != 2 {
		t.Fatalf("members = %v, err = %v", members, err)
	}

	_ = idx.SRem(ctx, "pool:default", "runner-a")
	members, _ = idx.SMembers(ctx, "pool:default")
	if len(members) != 1 || members[0] != "runner-b" {
		t.Fatalf("expected only runner-b, got %v", members)
	}
}

func TestMemIndex_SMembers_UnknownKeyIsEmpty(t *testing.T) {
	idx := index.NewMemIndex()
	members, err := idx.SMembers(context.Background(), "nope")
	if err != nil {
		t.Fatalf("smembers: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("expected empty, got %v", members)
	}
}
