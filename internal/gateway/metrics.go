package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/basket/go-evalplane/internal/audit"
	"github.com/basket/go-evalplane/internal/eval"
	"github.com/basket/go-evalplane/internal/store"
)

// snapshotCounts tallies evaluations by status for the diagnostic and
// Prometheus metrics surfaces. It walks the Store once per scrape rather
// than maintaining live counters, which is fine at the cardinality this
// control plane runs at.
type snapshotCounts struct {
	queued    int
	running   int
	completed int
	failed    int
	cancelled int
}

func (s *Server) snapshot(r *http.Request) snapshotCounts {
	var counts snapshotCounts
	for _, status := range []eval.Status{eval.StatusQueued, eval.StatusRunning, eval.StatusCompleted, eval.StatusFailed, eval.StatusCancelled} {
		results, err := s.store.List(r.Context(), store.ListFilter{Status: status})
		if err != nil {
			continue
		}
		switch status {
		case eval.StatusQueued:
			counts.queued = len(results)
		case eval.StatusRunning:
			counts.running = len(results)
		case eval.StatusCompleted:
			counts.completed = len(results)
		case eval.StatusFailed:
			counts.failed = len(results)
		case eval.StatusCancelled:
			counts.cancelled = len(results)
		}
	}
	return counts
}

// handleMetrics is the human/JSON diagnostic view: evaluation counts by
// status, queue depth, and rejected-submission totals.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	counts := s.snapshot(r)
	depth, _ := s.queue.Depth(r.Context())
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	payload := map[string]any{
		"queued_evaluations":    counts.queued,
		"running_evaluations":   counts.running,
		"completed_evaluations": counts.completed,
		"failed_evaluations":    counts.failed,
		"cancelled_evaluations": counts.cancelled,
		"queue_depth":           depth,
		"submissions_rejected":  audit.RejectedCount(),
		"rate_limit_buckets":    s.rateLimit.BucketCount(),
		"alloc_bytes":           mem.Alloc,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

// handlePrometheusMetrics exposes the same counters in the Prometheus text
// exposition format, hand-rolled rather than via a client library since the
// gauge set here is small and fixed.
func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	counts := s.snapshot(r)
	depth, _ := s.queue.Depth(r.Context())
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "# HELP evalplane_queued_evaluations Number of evaluations awaiting dispatch.\n")
	fmt.Fprintf(w, "# TYPE evalplane_queued_evaluations gauge\n")
	fmt.Fprintf(w, "evalplane_queued_evaluations %d\n", counts.queued)
	fmt.Fprintf(w, "# HELP evalplane_running_evaluations Number of evaluations currently bound to a Runner.\n")
	fmt.Fprintf(w, "# TYPE evalplane_running_evaluations gauge\n")
	fmt.Fprintf(w, "evalplane_running_evaluations %d\n", counts.running)
	fmt.Fprintf(w, "# HELP evalplane_completed_evaluations Total evaluations that finished successfully.\n")
	fmt.Fprintf(w, "# TYPE evalplane_completed_evaluations gauge\n")
	fmt.Fprintf(w, "evalplane_completed_evaluations %d\n", counts.completed)
	fmt.Fprintf(w, "# HELP evalplane_failed_evaluations Total evaluations that ended in failure.\n")
	fmt.Fprintf(w, "# TYPE evalplane_failed_evaluations gauge\n")
	fmt.Fprintf(w, "evalplane_failed_evaluations %d\n", counts.failed)
	fmt.Fprintf(w, "# HELP evalplane_cancelled_evaluations Total evaluations killed before completion.\n")
	fmt.Fprintf(w, "# TYPE evalplane_cancelled_evaluations gauge\n")
	fmt.Fprintf(w, "evalplane_cancelled_evaluations %d\n", counts.cancelled)
	fmt.Fprintf(w, "# HELP evalplane_queue_depth Number of items currently claimable off the queue.\n")
	fmt.Fprintf(w, "# TYPE evalplane_queue_depth gauge\n")
	fmt.Fprintf(w, "evalplane_queue_depth %d\n", depth)
	fmt.Fprintf(w, "# HELP evalplane_submissions_rejected_total Total submissions rejected at the Gateway.\n")
	fmt.Fprintf(w, "# TYPE evalplane_submissions_rejected_total counter\n")
	fmt.Fprintf(w, "evalplane_submissions_rejected_total %d\n", audit.RejectedCount())
	fmt.Fprintf(w, "# HELP evalplane_rate_limit_buckets Number of tracked per-key rate limit buckets.\n")
	fmt.Fprintf(w, "# TYPE evalplane_rate_limit_buckets gauge\n")
	fmt.Fprintf(w, "evalplane_rate_limit_buckets %d\n", s.rateLimit.BucketCount())
	fmt.Fprintf(w, "# HELP evalplane_alloc_bytes Current allocated memory in bytes.\n")
	fmt.Fprintf(w, "# TYPE evalplane_alloc_bytes gauge\n")
	fmt.Fprintf(w, "evalplane_alloc_bytes %d\n", mem.Alloc)
}
