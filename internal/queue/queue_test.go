package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/go-evalplane/internal/queue"
)

func TestMemQueue_EnqueueClaimAck(t *testing.T) {
	q := queue.NewMemQueue()
	ctx := context.Background()

	if err := q.Enqueue(ctx, "eval-1", "default"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	item, err := q.Claim(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if item.EvalID != "eval-1" {
		t.Fatalf("EvalID = %q, want eval-1", item.EvalID)
	}

	if err := q.Ack(ctx, item.ID, item.LeaseOwner); err != nil {
		t.Fatalf("ack: %v", err)
	}

	if _, err := q.Claim(ctx, 30*time.Second); err != queue.ErrEmpty {
		t.Fatalf("expected ErrEmpty after ack, got %v", err)
	}
}

func TestMemQueue_Claim_SkipsLeasedItem(t *testing.T) {
	q := queue.NewMemQueue()
	ctx := context.Background()
	_ = q.Enqueue(ctx, "eval-1", "default")

	first, err := q.Claim(ctx, time.Minute)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}

	if _, err := q.Claim(ctx, time.Minute); err != queue.ErrEmpty {
		t.Fatalf("expected ErrEmpty while first claim's lease is active, got %v", err)
	}

	// Once the lease expires the item becomes claimable again.
	_ = q.Ack(ctx, first.ID, first.LeaseOwner)
}

func TestMemQueue_Nack_RetriesUntilMaxAttempts(t *testing.T) {
	q := queue.NewMemQueue()
	ctx := context.Background()
	_ = q.Enqueue(ctx, "eval-1", "default")

	for attempt := 0; attempt < 2; attempt++ {
		item, err := q.Claim(ctx, time.Minute)
		if err != nil {
			t.Fatalf("claim attempt %d: %v", attempt, err)
		}
		deadLettered, err := q.Nack(ctx, item.ID, item.LeaseOwner, 3, 0)
		if err != nil {
			t.Fatalf("nack attempt %d: %v", attempt, err)
		}
		if deadLettered {
			t.Fatalf("should not dead-letter before maxAttempts, attempt %d", attempt)
		}
	}

	item, err := q.Claim(ctx, time.Minute)
	if err != nil {
		t.Fatalf("final claim: %v", err)
	}
	deadLettered, err := q.Nack(ctx, item.ID, item.LeaseOwner, 3, 0)
	if err != nil {
		t.Fatalf("final nack: %v", err)
	}
	if !deadLettered {
		t.Fatal("expected dead-letter after reaching maxAttempts")
	}

	if _, err := q.Claim(ctx, time.Minute); err != queue.ErrEmpty {
		t.Fatalf("expected ErrEmpty after dead-letter, got %v", err)
	}
}

func TestMemQueue_DeadLetter_Immediate(t *testing.T) {
	q := queue.NewMemQueue()
	ctx := context.Background()
	_ = q.Enqueue(ctx, "eval-1", "gpu")

	item, err := q.Claim(ctx, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := q.DeadLetter(ctx, item.ID, item.LeaseOwner, "no_live_runner"); err != nil {
		t.Fatalf("dead-letter: %v", err)
	}
	if _, err := q.Claim(ctx, time.Minute); err != queue.ErrEmpty {
		t.Fatalf("expected ErrEmpty after dead-letter, got %v", err)
	}
}

func TestMemQueue_Ack_WrongLeaseOwnerRejected(t *testing.T) {
	q := queue.NewMemQueue()
	ctx := context.Background()
	_ = q.Enqueue(ctx, "eval-1", "default")

	item, err := q.Claim(ctx, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := q.Ack(ctx, item.ID, "someone-else"); err != queue.ErrNotOwner {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestMemQueue_Depth(t *testing.T) {
	q := queue.NewMemQueue()
	ctx := context.Background()
	_ = q.Enqueue(ctx, "eval-1", "default")
	_ = q.Enqueue(ctx, "eval-2", "default")

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 2 {
		t.Fatalf("depth = %d, want 2", depth)
	}

	item, _ := q.Claim(ctx, time.Minute)
	depth, err = q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth after claim: %v", err)
	}
	if depth != 1 {
		t.Fatalf("depth after claim = %d, want 1", depth)
	}
	_ = q.Ack(ctx, item.ID, item.LeaseOwner)
}
