// Package dispatcher moves queued evaluations onto live Runners. It
// holds no cross-request state beyond an in-memory Runner roster
// refreshed from periodic /health polls, so it is safe to run many
// Dispatcher processes concurrently and to restart any of them at any
// time: it holds no global mutable state.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-evalplane/internal/bus"
	"github.com/basket/go-evalplane/internal/config"
	"github.com/basket/go-evalplane/internal/queue"
	"github.com/basket/go-evalplane/internal/store"
)

// Config parameterizes the Dispatcher's claim loop.
type Config struct {
	WorkerCount      int
	PollInterval     time.Duration
	DispatchDeadline time.Duration
	RetryMax         int
	RetryBase        time.Duration
	RunnerLiveness   time.Duration
	HealthPollEvery  time.Duration
}

// RetryBackoff returns the nack-to-redelivery delay for the given attempt
// number (0-indexed): RetryBase * 2^attempt, per the exponential retry
// policy — matches config.Config.RetryBackoff's formula but operates on
// the dispatcher's own already-resolved time.Duration.
func (c Config) RetryBackoff(attempt int) time.Duration {
	backoff := c.RetryBase
	for i := 0; i < attempt; i++ {
		backoff *= 2
	}
	return backoff
}

// FromAppConfig derives dispatcher tuning from the process-wide config.
func FromAppConfig(cfg config.Config) Config {
	return Config{
		WorkerCount:      4,
		PollInterval:     200 * time.Millisecond,
		DispatchDeadline: time.Duration(cfg.DispatchDeadlineS) * time.Second,
		RetryMax:         cfg.RetryMax,
		RetryBase:        time.Duration(cfg.RetryBaseS) * time.Second,
		RunnerLiveness:   time.Duration(cfg.RunnerLivenessS) * time.Second,
		HealthPollEvery:  5 * time.Second,
	}
}

// Dispatcher claims items from the queue and places them on Runners.
type Dispatcher struct {
	store  store.Store
	queue  queue.Queue
	bus    *bus.Bus
	config Config
	logger *slog.Logger
	client *http.Client

	roster roster

	wg   sync.WaitGroup
	once sync.Once

	lastError atomic.Pointer[string]
}

// New constructs a Dispatcher. topology seeds the initial Runner set
// per resource class; the roster is refreshed continuously afterward
// by /health polling, so a missing or stale topology only delays
// discovery rather than blocking it permanently.
func New(st store.Store, q queue.Queue, eventBus *bus.Bus, topology config.Topology, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.DispatchDeadline <= 0 {
		cfg.DispatchDeadline = 10 * time.Second
	}
	if cfg.HealthPollEvery <= 0 {
		cfg.HealthPollEvery = 5 * time.Second
	}

	d := &Dispatcher{
		store:  st,
		queue:  q,
		bus:    eventBus,
		config: cfg,
		logger: logger,
		client: &http.Client{},
		roster: newRoster(topology),
	}
	return d
}

// Start launches the claim-loop workers and the health-poll loop.
// Safe to call once; subsequent calls are no-ops.
func (d *Dispatcher) Start(ctx context.Context) {
	d.once.Do(func() {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.healthPollLoop(ctx)
		}()
		for i := 0; i < d.config.WorkerCount; i++ {
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				d.claimLoop(ctx)
			}()
		}
	})
}

// Wait blocks until all Dispatcher goroutines have exited (normally
// only after ctx is cancelled).
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) setLastError(err error) {
	msg := err.Error()
	d.lastError.Store(&msg)
}

func (d *Dispatcher) claimLoop(ctx context.Context) {
	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		item, err := d.queue.Claim(ctx, d.config.DispatchDeadline*3)
		if err == queue.ErrEmpty {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}
		if err != nil {
			d.setLastError(fmt.Errorf("claim: %w", err))
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}

		d.dispatchOne(ctx, item)
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, item queue.Item) {
	ev, err := d.store.Get(ctx, item.EvalID)
	if err != nil {
		// Store insert lags behind the queue enqueue:
		// treat as transient and retry shortly, not against the
		// evaluation's own retry budget.
		if _, nerr := d.queue.Nack(ctx, item.ID, item.LeaseOwner, d.config.RetryMax+1, 2*time.Second); nerr != nil {
			d.setLastError(fmt.Errorf("nack not-yet-visible item: %w", nerr))
		}
		return
	}

	candidates := d.roster.live(item.ResourceClass, d.config.RunnerLiveness)
	if len(candidates) == 0 {
		if _, err := d.queue.Nack(ctx, item.ID, item.LeaseOwner, d.config.RetryMax, d.config.RetryBackoff(item.Attempt)); err != nil {
			d.setLastError(fmt.Errorf("nack no-live-runner: %w", err))
		}
		return
	}

	runnerURL, ok := d.roster.pickIdle(ctx, d.client, item.ResourceClass, candidates)
	if !ok {
		if _, err := d.queue.Nack(ctx, item.ID, item.LeaseOwner, d.config.RetryMax, d.config.RetryBackoff(item.Attempt)); err != nil {
			d.setLastError(fmt.Errorf("nack all-busy: %w", err))
		}
		return
	}

	resp, err := d.postRun(ctx, runnerURL, ev.ID, ev.SourceText, ev.LanguageTag, ev.TimeoutS)
	if err != nil {
		if _, nerr := d.queue.Nack(ctx, item.ID, item.LeaseOwner, d.config.RetryMax, d.config.RetryBackoff(item.Attempt)); nerr != nil {
			d.setLastError(fmt.Errorf("nack after dispatch error: %w", nerr))
		}
		return
	}

	switch {
	case resp.statusCode >= 200 && resp.statusCode < 300:
		d.bus.Publish(bus.TopicEvalStarted, bus.EvalStartedEvent{
			ID:          ev.ID,
			RunnerID:    runnerURL,
			ContainerID: resp.body.ContainerID,
			StartedAt:   time.Now().Format(time.RFC3339Nano),
		})
		if err := d.queue.Ack(ctx, item.ID, item.LeaseOwner); err != nil {
			d.setLastError(fmt.Errorf("ack: %w", err))
		}
	case resp.statusCode >= 400 && resp.statusCode < 500 && resp.statusCode != http.StatusServiceUnavailable:
		// Validation rejection or an already-accepted duplicate: either
		// way the item is resolved.
		if err := d.queue.Ack(ctx, item.ID, item.LeaseOwner); err != nil {
			d.setLastError(fmt.Errorf("ack duplicate/rejected: %w", err))
		}
	default:
		deadLettered, err := d.queue.Nack(ctx, item.ID, item.LeaseOwner, d.config.RetryMax, d.config.RetryBackoff(item.Attempt))
		if err != nil {
			d.setLastError(fmt.Errorf("nack after %d: %w", resp.statusCode, err))
			return
		}
		if deadLettered {
			d.bus.Publish(bus.TopicEvalFailed, bus.EvalFailedEvent{
				ID:           ev.ID,
				Reason:       "retries_exhausted",
				ErrorMessage: fmt.Sprintf("dispatch failed after %d attempts", d.config.RetryMax),
				CompletedAt:  time.Now().Format(time.RFC3339Nano),
			})
		}
	}
}

type runResponseEnvelope struct {
	ContainerID string `json:"container_id"`
}

type dispatchResponse struct {
	statusCode int
	body       runResponseEnvelope
}

func (d *Dispatcher) postRun(ctx context.Context, runnerURL, id, sourceText, languageTag string, timeoutS int) (dispatchResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.DispatchDeadline)
	defer cancel()

	payload, err := json.Marshal(map[string]any{
		"id":           id,
		"source_text":  sourceText,
		"language_tag": languageTag,
		"timeout_s":    timeoutS,
	})
	if err != nil {
		return dispatchResponse{}, fmt.Errorf("marshal run request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, runnerURL+"/run", bytes.NewReader(payload))
	if err != nil {
		return dispatchResponse{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Trace-Id", id)

	resp, err := d.client.Do(req)
	if err != nil {
		return dispatchResponse{}, fmt.Errorf("post /run: %w", err)
	}
	defer resp.Body.Close()

	var body runResponseEnvelope
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return dispatchResponse{statusCode: resp.StatusCode, body: body}, nil
}
