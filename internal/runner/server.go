package runner

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/basket/go-evalplane/internal/shared"
)

// Server exposes the Runner's HTTP surface: /run, /logs/{id},
// /kill/{id}, /running, /health.
type Server struct {
	slot             *Slot
	heartbeatEvery   time.Duration
	defaultMemoryMB  int64
	defaultCPUShares int64
	logger           *slog.Logger
	startedAt        time.Time
}

// NewServer constructs a Server around a single Slot.
func NewServer(slot *Slot, heartbeatEvery time.Duration, memoryMB, cpuShares int64, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		slot:             slot,
		heartbeatEvery:   heartbeatEvery,
		defaultMemoryMB:  memoryMB,
		defaultCPUShares: cpuShares,
		logger:           logger,
		startedAt:        time.Now(),
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /run", s.handleRun)
	mux.HandleFunc("GET /logs/{id}", s.handleLogs)
	mux.HandleFunc("POST /kill/{id}", s.handleKill)
	mux.HandleFunc("GET /running", s.handleRunning)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

type runRequest struct {
	ID          string `json:"id"`
	SourceText  string `json:"source_text"`
	LanguageTag string `json:"language_tag"`
	TimeoutS    int    `json:"timeout_s"`
}

type runResponse struct {
	Status      string `json:"status"`
	RunnerID    string `json:"runner_id"`
	ContainerID string `json:"container_id"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" || req.SourceText == "" || req.LanguageTag == "" {
		writeJSONError(w, http.StatusBadRequest, "id, source_text, and language_tag are required")
		return
	}

	traceID := r.Header.Get("X-Trace-Id")
	if traceID == "" {
		traceID = req.ID
	}
	ctx := shared.WithTraceID(r.Context(), traceID)

	result, containerID, err := s.slot.Admit(ctx, req.ID, req.LanguageTag, req.SourceText, req.TimeoutS, s.defaultMemoryMB, s.defaultCPUShares, s.heartbeatEvery)
	switch result {
	case AdmitBusy:
		writeJSONError(w, http.StatusServiceUnavailable, "busy")
		return
	case AdmitDuplicate:
		writeJSON(w, http.StatusOK, runResponse{Status: "running", RunnerID: s.slot.runnerID, ContainerID: containerID})
		return
	case AdmitAccepted:
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "spawn failed: "+err.Error())
			return
		}
		writeJSON(w, http.StatusOK, runResponse{Status: "running", RunnerID: s.slot.runnerID, ContainerID: containerID})
	}
}

type logsResponse struct {
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	IsRunning bool   `json:"is_running"`
	ExitCode  *int   `json:"exit_code,omitempty"`
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	running := s.slot.Running()
	isRunning := len(running) == 1 && running[0].ID == id
	// The Runner does not keep a separate log buffer; live output is
	// not observable mid-run without a streaming reader on the
	// container's log endpoint. This surface reports liveness; the
	// Reactor's terminal event carries the captured output.
	writeJSON(w, http.StatusOK, logsResponse{IsRunning: isRunning})
}

type killResponse struct {
	Killed bool `json:"killed"`
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	killed, err := s.slot.Kill(r.Context(), id)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "kill failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, killResponse{Killed: killed})
}

type runningEntry struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	TimeoutS  int       `json:"timeout_s"`
}

func (s *Server) handleRunning(w http.ResponseWriter, r *http.Request) {
	running := s.slot.Running()
	out := make([]runningEntry, 0, len(running))
	for _, e := range running {
		out = append(out, runningEntry{ID: e.ID, StartedAt: e.StartedAt, TimeoutS: e.TimeoutS})
	}
	writeJSON(w, http.StatusOK, out)
}

type healthResponse struct {
	Live        bool      `json:"live"`
	HeartbeatTS time.Time `json:"heartbeat_ts"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Live: true, HeartbeatTS: time.Now()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
