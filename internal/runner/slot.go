package runner

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-evalplane/internal/bus"
	"github.com/basket/go-evalplane/internal/eval"
	"github.com/basket/go-evalplane/internal/shared"
)

// slotState is the per-Runner execution state. At most one evaluation
// ever occupies a Runner at a time.
type slotState string

const (
	slotIdle     slotState = "idle"
	slotSpawning slotState = "spawning"
	slotRunning  slotState = "running"
)

// Slot is the sole execution slot owned by a Runner instance. It is
// guarded by a mutex rather than channels, since exactly one binding
// can ever exist.
type Slot struct {
	mu sync.Mutex

	state       slotState
	evalID      string
	containerID string
	startedAt   time.Time
	timeoutS    int

	sandbox Sandbox
	eventBus *bus.Bus
	logger   *slog.Logger
	runnerID string
	previewLimit int

	heartbeatStop chan struct{}
	killRequested atomic.Bool
}

// defaultPreviewLimit is used when NewSlot is given a non-positive limit
// (e.g. zero-value config in a test).
const defaultPreviewLimit = 100 * 1024

// NewSlot constructs an idle Slot bound to the given Sandbox and Bus.
// previewLimit caps the combined stdout/stderr preview attached to a
// terminal event; a non-positive value falls back to defaultPreviewLimit.
func NewSlot(sandbox Sandbox, eventBus *bus.Bus, runnerID string, previewLimit int, logger *slog.Logger) *Slot {
	if logger == nil {
		logger = slog.Default()
	}
	if previewLimit <= 0 {
		previewLimit = defaultPreviewLimit
	}
	return &Slot{
		state:        slotIdle,
		sandbox:      sandbox,
		eventBus:     eventBus,
		runnerID:     runnerID,
		previewLimit: previewLimit,
		logger:       logger,
	}
}

// AdmitResult describes how a /run request was handled.
type AdmitResult int

const (
	// AdmitAccepted: a fresh spawn was started.
	AdmitAccepted AdmitResult = iota
	// AdmitDuplicate: the slot already holds this exact evalID — the
	// call is treated as an idempotent success.
	AdmitDuplicate
	// AdmitBusy: the slot is occupied by a different evaluation.
	AdmitBusy
)

// Admit attempts to bind evalID to this slot and, on success, spawns
// the sandboxed execution and starts the background completion
// watcher plus heartbeat goroutine. heartbeatInterval of 0 disables
// heartbeats (used in tests).
func (s *Slot) Admit(ctx context.Context, evalID, languageTag, sourceText string, timeoutS int, memoryMB, cpuShares int64, heartbeatInterval time.Duration) (AdmitResult, string, error) {
	s.mu.Lock()
	if s.state != slotIdle {
		busy := s.evalID != evalID
		id := s.evalID
		containerID := s.containerID
		s.mu.Unlock()
		if busy {
			return AdmitBusy, "", nil
		}
		return AdmitDuplicate, containerID, nil
	}
	s.state = slotSpawning
	s.evalID = evalID
	s.timeoutS = timeoutS
	s.killRequested.Store(false)
	s.mu.Unlock()

	containerID, err := s.sandbox.Spawn(ctx, languageTag, sourceText, memoryMB, cpuShares)
	if err != nil {
		s.logger.Error("spawn failed", "eval_id", evalID, "trace_id", shared.TraceID(ctx), "error", err)
		s.finish(eval.ReasonSpawnError, nil, err.Error())
		return AdmitAccepted, "", err
	}
	s.logger.Info("evaluation admitted", "eval_id", evalID, "trace_id", shared.TraceID(ctx), "container_id", containerID)

	s.mu.Lock()
	s.state = slotRunning
	s.containerID = containerID
	s.startedAt = time.Now()
	if heartbeatInterval > 0 {
		s.heartbeatStop = make(chan struct{})
	}
	stop := s.heartbeatStop
	s.mu.Unlock()

	// eval.started is published by the Dispatcher once it has this
	// response, not by the Runner itself — the
	// Runner's own bus contribution is limited to terminal events and
	// heartbeats.
	go s.awaitCompletion(context.Background(), evalID, containerID, timeoutS)
	if stop != nil {
		go s.heartbeatLoop(evalID, heartbeatInterval, stop)
	}

	return AdmitAccepted, containerID, nil
}

func (s *Slot) heartbeatLoop(evalID string, interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.eventBus.Publish(bus.TopicEvalHeartbeat, bus.EvalHeartbeatEvent{ID: evalID})
		case <-stop:
			return
		}
	}
}

// awaitCompletion owns the single background ContainerWait call and
// guarantees exactly one terminal event is published per accepted id.
func (s *Slot) awaitCompletion(parent context.Context, evalID, containerID string, timeoutS int) {
	ctx, cancel := context.WithTimeout(parent, time.Duration(timeoutS)*time.Second)
	defer cancel()

	result, err := s.sandbox.Await(ctx, containerID)
	if err != nil {
		if ctx.Err() != nil {
			s.finish(eval.ReasonTimeout, intPtr(124), "execution exceeded timeout_s")
			return
		}
		s.finish(eval.ReasonSpawnError, nil, err.Error())
		return
	}

	class := eval.ClassifyExitCode(result.ExitCode)
	switch {
	case result.ExitCode == 0:
		s.eventBus.Publish(bus.TopicEvalCompleted, bus.EvalCompletedEvent{
			ID:            evalID,
			ExitCode:      result.ExitCode,
			OutputPreview: s.previewOf(result.Stdout, result.Stderr),
			OutputRef:     "",
			CompletedAt:   time.Now().Format(time.RFC3339Nano),
		})
	case result.ExitCode == 137 && s.killRequested.Load():
		s.eventBus.Publish(bus.TopicEvalCancelled, bus.EvalCancelledEvent{
			ID:          evalID,
			CompletedAt: time.Now().Format(time.RFC3339Nano),
		})
		s.reset()
		return
	case result.ExitCode == 137:
		s.finish(eval.ReasonOOM, intPtr(result.ExitCode), "container killed, likely out of memory")
		return
	default:
		s.eventBus.Publish(bus.TopicEvalFailed, bus.EvalFailedEvent{
			ID:           evalID,
			ExitCode:     intPtr(result.ExitCode),
			Reason:       class,
			ErrorMessage: result.Stderr,
			CompletedAt:  time.Now().Format(time.RFC3339Nano),
		})
	}

	s.reset()
}

func (s *Slot) finish(reason string, exitCode *int, errMsg string) {
	s.mu.Lock()
	evalID := s.evalID
	s.mu.Unlock()

	s.eventBus.Publish(bus.TopicEvalFailed, bus.EvalFailedEvent{
		ID:           evalID,
		ExitCode:     exitCode,
		Reason:       reason,
		ErrorMessage: errMsg,
		CompletedAt:  time.Now().Format(time.RFC3339Nano),
	})
	s.reset()
}

func (s *Slot) reset() {
	s.mu.Lock()
	if s.heartbeatStop != nil {
		close(s.heartbeatStop)
		s.heartbeatStop = nil
	}
	s.state = slotIdle
	s.evalID = ""
	s.containerID = ""
	s.mu.Unlock()
}

// Kill terminates the current occupant, if any, and returns whether an
// evaluation was actually running. The container's own completion
// goroutine publishes eval.cancelled once ContainerWait observes the
// exit, so Kill itself does not publish.
func (s *Slot) Kill(ctx context.Context, evalID string) (bool, error) {
	s.mu.Lock()
	if s.state == slotIdle || s.evalID != evalID {
		s.mu.Unlock()
		return false, nil
	}
	containerID := s.containerID
	s.mu.Unlock()

	s.killRequested.Store(true)
	if err := s.sandbox.Kill(ctx, containerID); err != nil {
		return false, err
	}
	return true, nil
}

// Running reports the currently occupying evaluation, if any.
type Running struct {
	ID        string
	StartedAt time.Time
	TimeoutS  int
}

func (s *Slot) Running() []Running {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == slotIdle {
		return nil
	}
	return []Running{{ID: s.evalID, StartedAt: s.startedAt, TimeoutS: s.timeoutS}}
}

func intPtr(v int) *int { return &v }

// previewOf returns the first previewLimit bytes of stdout and stderr
// combined, stdout first, matching how a terminal's combined output
// stream would have interleaved them in the absence of real interleaving
// information.
func (s *Slot) previewOf(stdout, stderr string) string {
	combined := stdout + stderr
	if len(combined) <= s.previewLimit {
		return combined
	}
	return combined[:s.previewLimit]
}
