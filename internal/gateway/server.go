// Package gateway is the external HTTP surface: submission, status
// lookup, log/kill proxying to the owning Runner, and the auth/CORS/
// rate-limit middleware chain in front of all of it.
package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/basket/go-evalplane/internal/audit"
	"github.com/basket/go-evalplane/internal/bus"
	"github.com/basket/go-evalplane/internal/config"
	"github.com/basket/go-evalplane/internal/eval"
	"github.com/basket/go-evalplane/internal/index"
	"github.com/basket/go-evalplane/internal/queue"
	"github.com/basket/go-evalplane/internal/shared"
	"github.com/basket/go-evalplane/internal/store"
)

// Server is the Gateway's HTTP handler set.
type Server struct {
	store  store.Store
	queue  queue.Queue
	index  index.Index
	bus    *bus.Bus
	config config.Config
	logger *slog.Logger
	client *http.Client

	auth      *AuthMiddleware
	cors      func(http.Handler) http.Handler
	rateLimit *RateLimitMiddleware
}

// NewServer constructs the Gateway's handler set from its backends and
// the process-wide config.
func NewServer(st store.Store, q queue.Queue, idx index.Index, eventBus *bus.Bus, cfg config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:     st,
		queue:     q,
		index:     idx,
		bus:       eventBus,
		config:    cfg,
		logger:    logger,
		client:    &http.Client{},
		auth:      NewAuthMiddleware(cfg.Auth),
		cors:      NewCORSMiddleware(cfg.CORS),
		rateLimit: NewRateLimitMiddleware(cfg.RateLimit),
	}
}

// Routes builds the full handler chain: CORS, size limit, auth, rate
// limit wrapping a Go 1.22+ ServeMux with the submission/status/logs/
// kill surface.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /eval", s.handleSubmit)
	mux.HandleFunc("GET /eval/{id}", s.handleGet)
	mux.HandleFunc("GET /eval", s.handleList)
	mux.HandleFunc("GET /eval/{id}/logs", s.handleLogs)
	mux.HandleFunc("POST /eval/{id}/kill", s.handleKill)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /metrics/prometheus", s.handlePrometheusMetrics)

	var h http.Handler = mux
	h = s.rateLimit.Wrap(h)
	h = s.auth.Wrap(h)
	h = RequestSizeLimitMiddleware(int64(s.config.MaxRequestBytes))(h)
	h = s.cors(h)
	return h
}

type submitRequest struct {
	SourceText    string `json:"source_text"`
	LanguageTag   string `json:"language_tag"`
	TimeoutS      int    `json:"timeout_s"`
	ResourceClass string `json:"resource_class"`
}

type submitResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ResourceClass == "" {
		req.ResourceClass = "default"
	}

	actor := requestActor(r)

	if err := eval.ValidateSubmission(req.SourceText, req.LanguageTag, req.TimeoutS, s.config.MaxSourceBytes, s.config.MinTimeoutS, s.config.MaxTimeoutS); err != nil {
		audit.Record("submit", "", actor, "rejected", err.Error())
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.config.QueueHighWatermark > 0 {
		depth, err := s.queue.Depth(r.Context())
		if err == nil && depth >= s.config.QueueHighWatermark {
			audit.Record("submit", "", actor, "rejected", "queue at capacity")
			writeJSONError(w, http.StatusServiceUnavailable, "queue at capacity")
			return
		}
	}

	id := newEvalID()
	ctx := shared.WithTraceID(r.Context(), id)
	if err := s.queue.Enqueue(ctx, id, req.ResourceClass); err != nil {
		s.logger.Error("gateway: enqueue failed", "id", id, "trace_id", shared.TraceID(ctx), "error", err)
		audit.Record("submit", id, actor, "rejected", "enqueue failed")
		writeJSONError(w, http.StatusInternalServerError, "failed to enqueue evaluation")
		return
	}

	s.bus.Publish(bus.TopicEvalQueued, bus.EvalQueuedEvent{
		ID:            id,
		SourceText:    req.SourceText,
		LanguageTag:   req.LanguageTag,
		TimeoutS:      req.TimeoutS,
		ResourceClass: req.ResourceClass,
		CreatedAt:     time.Now().Format(time.RFC3339Nano),
	})

	audit.Record("submit", id, actor, "accepted", "")
	writeJSON(w, http.StatusAccepted, submitResponse{ID: id, Status: string(eval.StatusQueued)})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	e, err := s.store.Get(r.Context(), id)
	if err == nil {
		writeJSON(w, http.StatusOK, e)
		return
	}
	if err != store.ErrNotFound {
		writeJSONError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	// The Reactor's Store insert is asynchronous relative to submit: a
	// client polling immediately after submit can race it. If the
	// Routing Index already knows about this id, it is at least as far
	// along as running and the Store write is merely still in flight —
	// report a transient queued status rather than a spurious 404.
	if _, ok, idxErr := s.index.Get(r.Context(), "eval:"+id); idxErr == nil && ok {
		writeJSON(w, http.StatusOK, eval.Evaluation{ID: id, Status: eval.StatusQueued})
		return
	}
	writeJSONError(w, http.StatusNotFound, "evaluation not found")
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	filter := store.ListFilter{}
	if raw := r.URL.Query().Get("status"); raw != "" {
		filter.Status = eval.Status(raw)
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			filter.Limit = v
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			filter.Offset = v
		}
	}

	results, err := s.store.List(r.Context(), filter)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, results)
}

type logsResponse struct {
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	IsRunning bool   `json:"is_running"`
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	e, err := s.store.Get(r.Context(), id)
	if err != nil {
		if err == store.ErrNotFound {
			writeJSONError(w, http.StatusNotFound, "evaluation not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	if eval.Terminal(e.Status) {
		writeJSON(w, http.StatusOK, logsResponse{Stdout: e.OutputPreview, IsRunning: false})
		return
	}

	runnerURL, ok, err := s.index.Get(r.Context(), "eval:"+id)
	if err != nil || !ok {
		writeJSON(w, http.StatusOK, logsResponse{IsRunning: e.Status == eval.StatusRunning})
		return
	}

	proxyCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(proxyCtx, http.MethodGet, runnerURL+"/logs/"+id, nil)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "runner unreachable")
		return
	}
	resp, err := s.client.Do(req)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "runner unreachable")
		return
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
}

type killResponse struct {
	Killed bool `json:"killed"`
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	actor := requestActor(r)

	runnerURL, ok, err := s.index.Get(r.Context(), "eval:"+id)
	if err != nil || !ok {
		audit.Record("kill", id, actor, "not_running", "")
		writeJSON(w, http.StatusOK, killResponse{Killed: false})
		return
	}

	proxyCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(proxyCtx, http.MethodPost, runnerURL+"/kill/"+id, nil)
	if err != nil {
		audit.Record("kill", id, actor, "error", err.Error())
		writeJSON(w, http.StatusInternalServerError, killResponse{Killed: false})
		return
	}
	resp, err := s.client.Do(req)
	if err != nil {
		audit.Record("kill", id, actor, "error", err.Error())
		writeJSON(w, http.StatusOK, killResponse{Killed: false})
		return
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	var parsed killResponse
	if json.Unmarshal(body, &parsed) == nil && parsed.Killed {
		audit.Record("kill", id, actor, "killed", "")
	} else {
		audit.Record("kill", id, actor, "not_running", "")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
}

// requestActor identifies the authenticated caller for audit purposes,
// falling back to the remote address when auth is disabled.
func requestActor(r *http.Request) string {
	if entry := KeyEntryFromContext(r.Context()); entry != nil {
		return "key:" + entry.Description
	}
	return "addr:" + r.RemoteAddr
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
