package reactor

import (
	"context"
	"time"

	"github.com/basket/go-evalplane/internal/bus"
	"github.com/basket/go-evalplane/internal/eval"
)

// lostRunnerGraceMultiple bounds how long past timeout_s+grace a running
// evaluation is given before the reconciler gives up on ever seeing a
// terminal event and marks it failed itself.
const lostRunnerGraceMultiple = 2

func (r *Reactor) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(r.config.ReconcileInterval)
	defer ticker.Stop()

	r.reconcileTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reconcileTick(ctx)
		}
	}
}

// reconcileTick scans the running-evaluations membership set and marks
// anything whose Runner has gone silent well past its own timeout as
// lost, a safety net for crashed Runners that never get to publish their
// own terminal event.
func (r *Reactor) reconcileTick(ctx context.Context) {
	ids, err := r.index.SMembers(ctx, runningSetKey)
	if err != nil {
		r.logger.Error("reactor: reconcile sweep failed to list running set", "error", err)
		return
	}

	now := time.Now()
	for _, id := range ids {
		r.reconcileOne(ctx, id, now)
	}
}

func (r *Reactor) reconcileOne(ctx context.Context, id string, now time.Time) {
	e, err := r.store.Get(ctx, id)
	if err != nil {
		// Membership set points at a record we can't find: drop the
		// stale entry and move on.
		_ = r.index.SRem(ctx, runningSetKey, id)
		return
	}

	if e.Status != eval.StatusRunning {
		// Already terminal; the set entry is stale (its own handler's
		// SRem likely raced this sweep). Clean it up idempotently.
		_ = r.index.SRem(ctx, runningSetKey, id)
		return
	}

	if e.StartedAt == nil {
		return
	}
	deadline := e.StartedAt.Add(time.Duration(e.TimeoutS)*time.Second + lostRunnerGraceMultiple*r.config.IndexGrace)
	if now.Before(deadline) {
		return
	}

	completedAt := now
	err = r.store.Update(ctx, id, eval.StatusRunning, func(ev *eval.Evaluation) {
		ev.Status = eval.StatusFailed
		ev.ErrorMessage = "runner went silent past its deadline"
		ev.CompletedAt = &completedAt
	})
	if err != nil {
		r.logger.Error("reactor: reconcile transition failed", "id", id, "error", err)
		return
	}

	_ = r.index.Del(ctx, routingKey(id))
	_ = r.index.SRem(ctx, runningSetKey, id)
	r.bus.Publish(bus.TopicEvalFailed, bus.EvalFailedEvent{
		ID:           id,
		Reason:       eval.ReasonLostRunner,
		ErrorMessage: "runner went silent past its deadline",
		CompletedAt:  completedAt.Format(time.RFC3339Nano),
	})
}
