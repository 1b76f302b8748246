// Package reactor is the Storage Reactor: the only component that writes
// to the Store. It consumes evaluation lifecycle events off the Bus and
// applies them as conditional, status-DAG-guarded updates, and separately
// runs a periodic reconciler sweep that catches evaluations whose Runner
// went silent without ever publishing a terminal event.
package reactor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-evalplane/internal/bus"
	"github.com/basket/go-evalplane/internal/eval"
	"github.com/basket/go-evalplane/internal/index"
	"github.com/basket/go-evalplane/internal/store"
)

const runningSetKey = "running_evaluations"

// Config parameterizes the Reactor.
type Config struct {
	IndexGrace        time.Duration // TTL headroom beyond timeout_s
	ReconcileInterval time.Duration
}

// Reactor owns all Store writes, driven by Bus events plus a reconciler
// sweep for lost Runners.
type Reactor struct {
	store  store.Store
	index  index.Index
	bus    *bus.Bus
	logger *slog.Logger
	config Config

	handlers map[string]func(context.Context, bus.Event)

	sub    *bus.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Reactor. A zero Config gets sensible
// defaults (60s index grace, 30s reconcile interval).
func New(st store.Store, idx index.Index, eventBus *bus.Bus, cfg Config, logger *slog.Logger) *Reactor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IndexGrace <= 0 {
		cfg.IndexGrace = 60 * time.Second
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 30 * time.Second
	}

	r := &Reactor{
		store:  st,
		index:  idx,
		bus:    eventBus,
		logger: logger,
		config: cfg,
	}
	r.handlers = map[string]func(context.Context, bus.Event){
		bus.TopicEvalQueued:    r.handleQueued,
		bus.TopicEvalStarted:   r.handleStarted,
		bus.TopicEvalHeartbeat: r.handleHeartbeat,
		bus.TopicEvalCompleted: r.handleCompleted,
		bus.TopicEvalFailed:    r.handleFailed,
		bus.TopicEvalCancelled: r.handleCancelled,
	}
	return r
}

// Start subscribes to the evaluation lifecycle topics and begins the
// reconciler sweep. Safe to call once per Reactor.
func (r *Reactor) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.sub = r.bus.Subscribe("eval.")

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.consumeLoop(ctx)
	}()
	go func() {
		defer r.wg.Done()
		r.reconcileLoop(ctx)
	}()
}

// Stop cancels the Reactor's loops and waits for them to exit.
func (r *Reactor) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Reactor) consumeLoop(ctx context.Context) {
	defer r.bus.Unsubscribe(r.sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.sub.Ch():
			if !ok {
				return
			}
			handler, known := r.handlers[ev.Topic]
			if !known {
				continue
			}
			handler(ctx, ev)
		}
	}
}

func (r *Reactor) handleQueued(ctx context.Context, ev bus.Event) {
	payload, ok := ev.Payload.(bus.EvalQueuedEvent)
	if !ok {
		return
	}
	createdAt, err := time.Parse(time.RFC3339Nano, payload.CreatedAt)
	if err != nil {
		createdAt = time.Now()
	}
	err = r.store.Insert(ctx, eval.Evaluation{
		ID:            payload.ID,
		SourceText:    payload.SourceText,
		LanguageTag:   payload.LanguageTag,
		TimeoutS:      payload.TimeoutS,
		ResourceClass: payload.ResourceClass,
		Status:        eval.StatusQueued,
		CreatedAt:     createdAt,
	})
	if err != nil {
		if err == store.ErrConflict {
			r.logger.Info("reactor: dropped redelivered eval.queued", "id", payload.ID)
			return
		}
		r.logger.Error("reactor: insert failed", "id", payload.ID, "error", err)
		return
	}
	r.bus.Publish(bus.TopicStoreCreated, bus.StoreCreatedEvent{ID: payload.ID})
}

func (r *Reactor) handleStarted(ctx context.Context, ev bus.Event) {
	payload, ok := ev.Payload.(bus.EvalStartedEvent)
	if !ok {
		return
	}
	startedAt, err := time.Parse(time.RFC3339Nano, payload.StartedAt)
	if err != nil {
		startedAt = time.Now()
	}

	err = r.store.Update(ctx, payload.ID, eval.StatusQueued, func(e *eval.Evaluation) {
		e.Status = eval.StatusRunning
		e.StartedAt = &startedAt
		e.RunnerID = payload.RunnerID
		e.ContainerID = payload.ContainerID
	})
	if err != nil {
		if err == store.ErrConflict {
			r.logConflict(ctx, "start", payload.ID, eval.StatusRunning)
			return
		}
		r.logger.Error("reactor: start transition failed", "id", payload.ID, "error", err)
		return
	}

	e, err := r.store.Get(ctx, payload.ID)
	if err != nil {
		r.logger.Error("reactor: reload after start failed", "id", payload.ID, "error", err)
		return
	}
	ttl := r.ttlFor(e.TimeoutS)
	if err := r.index.Set(ctx, routingKey(payload.ID), payload.RunnerID, ttl); err != nil {
		r.logger.Error("reactor: index set failed", "id", payload.ID, "error", err)
	}
	if err := r.index.SAdd(ctx, runningSetKey, payload.ID); err != nil {
		r.logger.Error("reactor: index sadd failed", "id", payload.ID, "error", err)
	}
	r.bus.Publish(bus.TopicStoreUpdated, bus.StoreUpdatedEvent{ID: payload.ID, Status: string(eval.StatusRunning)})
}

func (r *Reactor) handleHeartbeat(ctx context.Context, ev bus.Event) {
	payload, ok := ev.Payload.(bus.EvalHeartbeatEvent)
	if !ok {
		return
	}
	e, err := r.store.Get(ctx, payload.ID)
	if err != nil {
		return
	}
	_ = r.index.Refresh(ctx, routingKey(payload.ID), r.ttlFor(e.TimeoutS))
}

func (r *Reactor) handleCompleted(ctx context.Context, ev bus.Event) {
	payload, ok := ev.Payload.(bus.EvalCompletedEvent)
	if !ok {
		return
	}
	completedAt, err := time.Parse(time.RFC3339Nano, payload.CompletedAt)
	if err != nil {
		completedAt = time.Now()
	}
	r.applyTerminal(ctx, payload.ID, eval.StatusCompleted, func(e *eval.Evaluation) {
		exitCode := payload.ExitCode
		e.ExitCode = &exitCode
		e.OutputPreview = payload.OutputPreview
		e.OutputRef = payload.OutputRef
		e.CompletedAt = &completedAt
	})
}

func (r *Reactor) handleFailed(ctx context.Context, ev bus.Event) {
	payload, ok := ev.Payload.(bus.EvalFailedEvent)
	if !ok {
		return
	}
	completedAt, err := time.Parse(time.RFC3339Nano, payload.CompletedAt)
	if err != nil {
		completedAt = time.Now()
	}
	r.applyTerminal(ctx, payload.ID, eval.StatusFailed, func(e *eval.Evaluation) {
		e.ExitCode = payload.ExitCode
		e.ErrorMessage = payload.ErrorMessage
		e.CompletedAt = &completedAt
	})
}

func (r *Reactor) handleCancelled(ctx context.Context, ev bus.Event) {
	payload, ok := ev.Payload.(bus.EvalCancelledEvent)
	if !ok {
		return
	}
	completedAt, err := time.Parse(time.RFC3339Nano, payload.CompletedAt)
	if err != nil {
		completedAt = time.Now()
	}
	r.applyTerminal(ctx, payload.ID, eval.StatusCancelled, func(e *eval.Evaluation) {
		e.CompletedAt = &completedAt
	})
}

// applyTerminal applies a terminal transition regardless of whether the
// evaluation is currently queued or running, and is a no-op if it has
// already reached a terminal status (handles redelivery and the
// reconciler racing a late-arriving Runner event).
func (r *Reactor) applyTerminal(ctx context.Context, id string, to eval.Status, apply func(*eval.Evaluation)) {
	e, err := r.store.Get(ctx, id)
	if err != nil {
		r.logger.Error("reactor: lookup before terminal transition failed", "id", id, "error", err)
		return
	}
	if eval.Terminal(e.Status) {
		return
	}

	err = r.store.Update(ctx, id, e.Status, func(e *eval.Evaluation) {
		e.Status = to
		apply(e)
	})
	if err != nil {
		if err == store.ErrConflict {
			r.logConflict(ctx, "terminal:"+string(to), id, to)
			return
		}
		r.logger.Error("reactor: terminal transition failed", "id", id, "to", to, "error", err)
		return
	}

	_ = r.index.Del(ctx, routingKey(id))
	_ = r.index.SRem(ctx, runningSetKey, id)
	r.bus.Publish(bus.TopicStoreUpdated, bus.StoreUpdatedEvent{ID: id, Status: string(to)})
}

// logConflict distinguishes a benign redelivery (the evaluation already
// sits at or past the transition's target) from a genuinely illegal
// transition observed out of order, and logs each at a level matching its
// severity: both are logged and dropped, per the Reactor's conflict
// policy, but only the latter deserves attention.
func (r *Reactor) logConflict(ctx context.Context, transition, id string, target eval.Status) {
	e, err := r.store.Get(ctx, id)
	if err != nil {
		r.logger.Warn("reactor: dropped conflicting transition, current state unknown", "transition", transition, "id", id, "error", err)
		return
	}
	if e.Status == target || eval.Terminal(e.Status) {
		r.logger.Info("reactor: dropped redelivered transition", "transition", transition, "id", id, "current_status", e.Status)
		return
	}
	r.logger.Warn("reactor: dropped out-of-order transition", "transition", transition, "id", id, "current_status", e.Status, "target", target)
}

func (r *Reactor) ttlFor(timeoutS int) time.Duration {
	return time.Duration(timeoutS)*time.Second + r.config.IndexGrace
}

func routingKey(id string) string {
	return "eval:" + id
}
