package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/go-evalplane/internal/bus"
	"github.com/basket/go-evalplane/internal/config"
	"github.com/basket/go-evalplane/internal/eval"
	"github.com/basket/go-evalplane/internal/index"
	"github.com/basket/go-evalplane/internal/queue"
	"github.com/basket/go-evalplane/internal/store"
)

func testConfig() config.Config {
	cfg := config.Config{
		MaxSourceBytes:  1 << 20,
		MaxRequestBytes: 2 << 20,
		MinTimeoutS:     1,
		MaxTimeoutS:     900,
	}
	cfg.CORS.Enabled = false
	cfg.RateLimit.Enabled = false
	return cfg
}

func newTestServer() (*Server, store.Store, queue.Queue, *bus.Bus) {
	st := store.NewMemStore()
	q := queue.NewMemQueue()
	idx := index.NewMemIndex()
	eventBus := bus.New()
	return NewServer(st, q, idx, eventBus, testConfig(), nil), st, q, eventBus
}

func TestHandleSubmit_AcceptsValidSubmission(t *testing.T) {
	srv, _, q, eventBus := newTestServer()
	sub := eventBus.Subscribe(bus.TopicEvalQueued)
	defer eventBus.Unsubscribe(sub)

	body, _ := json.Marshal(submitRequest{SourceText: "print(1)", LanguageTag: "python3", TimeoutS: 30})
	req := httptest.NewRequest(http.MethodPost, "/eval", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp submitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.ID == "" || resp.Status != string(eval.StatusQueued) {
		t.Fatalf("unexpected response: %+v", resp)
	}

	depth, err := q.Depth(t.Context())
	if err != nil || depth != 1 {
		t.Fatalf("expected queue depth 1, got %d (err=%v)", depth, err)
	}

	select {
	case ev := <-sub.Ch():
		queued, ok := ev.Payload.(bus.EvalQueuedEvent)
		if !ok || queued.ID != resp.ID {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for eval.queued")
	}
}

func TestHandleSubmit_RejectsInvalidSubmission(t *testing.T) {
	srv, _, _, _ := newTestServer()
	body, _ := json.Marshal(submitRequest{SourceText: "print(1)", LanguageTag: "ruby", TimeoutS: 30})
	req := httptest.NewRequest(http.MethodPost, "/eval", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleSubmit_HighWatermarkRejects(t *testing.T) {
	srv, _, _, _ := newTestServer()
	srv.config.QueueHighWatermark = 1

	body, _ := json.Marshal(submitRequest{SourceText: "print(1)", LanguageTag: "python3", TimeoutS: 30})
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/eval", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		srv.Routes().ServeHTTP(rec, req)
		if i == 0 && rec.Code != http.StatusAccepted {
			t.Fatalf("first submit should succeed, got %d", rec.Code)
		}
		if i == 1 && rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("second submit should be rejected at watermark, got %d: %s", rec.Code, rec.Body.String())
		}
	}
}

func TestHandleGet_NotFound(t *testing.T) {
	srv, _, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/eval/missing", nil)
	req.SetPathValue("id", "missing")
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleGet_ReturnsInsertedEvaluation(t *testing.T) {
	srv, st, _, _ := newTestServer()
	if err := st.Insert(t.Context(), eval.Evaluation{
		ID: "eval-1", SourceText: "print(1)", LanguageTag: "python3",
		TimeoutS: 30, Status: eval.StatusQueued, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/eval/eval-1", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var got eval.Evaluation
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != "eval-1" {
		t.Fatalf("unexpected evaluation: %+v", got)
	}
}

func TestHandleGet_FallsBackToIndexWhenStoreInsertStillInFlight(t *testing.T) {
	srv, _, _, _ := newTestServer()
	if err := srv.index.Set(t.Context(), "eval:eval-1", "http://runner-1", time.Minute); err != nil {
		t.Fatalf("index set: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/eval/eval-1", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from index fallback, got %d: %s", rec.Code, rec.Body.String())
	}
	var got eval.Evaluation
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != "eval-1" || got.Status != eval.StatusQueued {
		t.Fatalf("unexpected evaluation: %+v", got)
	}
}

func TestHandleList_FiltersByStatus(t *testing.T) {
	srv, st, _, _ := newTestServer()
	_ = st.Insert(t.Context(), eval.Evaluation{ID: "a", Status: eval.StatusQueued, CreatedAt: time.Now()})
	_ = st.Insert(t.Context(), eval.Evaluation{ID: "b", Status: eval.StatusCompleted, CreatedAt: time.Now()})

	req := httptest.NewRequest(http.MethodGet, "/eval?status=completed", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	var results []eval.Evaluation
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(results) != 1 || results[0].ID != "b" {
		t.Fatalf("expected only completed eval b, got %+v", results)
	}
}

func TestHandleLogs_TerminalReturnsPersistedPreview(t *testing.T) {
	srv, st, _, _ := newTestServer()
	_ = st.Insert(t.Context(), eval.Evaluation{
		ID: "eval-1", Status: eval.StatusCompleted, OutputPreview: "done\n", CreatedAt: time.Now(),
	})

	req := httptest.NewRequest(http.MethodGet, "/eval/eval-1/logs", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	var resp logsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.IsRunning || resp.Stdout != "done\n" {
		t.Fatalf("unexpected logs response: %+v", resp)
	}
}

func TestHandleLogs_RunningWithoutIndexEntryReportsRunningOnly(t *testing.T) {
	srv, st, _, _ := newTestServer()
	_ = st.Insert(t.Context(), eval.Evaluation{ID: "eval-1", Status: eval.StatusRunning, CreatedAt: time.Now()})

	req := httptest.NewRequest(http.MethodGet, "/eval/eval-1/logs", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	var resp logsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.IsRunning {
		t.Fatalf("expected is_running=true, got %+v", resp)
	}
}

func TestHandleLogs_ProxyFailureReturnsBadGateway(t *testing.T) {
	srv, st, _, _ := newTestServer()
	_ = st.Insert(t.Context(), eval.Evaluation{ID: "eval-1", Status: eval.StatusRunning, CreatedAt: time.Now()})
	if err := srv.index.Set(t.Context(), "eval:eval-1", "http://127.0.0.1:1", time.Minute); err != nil {
		t.Fatalf("index set: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/eval/eval-1/logs", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 on unreachable runner, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleMetrics_ReportsEvaluationCounts(t *testing.T) {
	srv, st, _, _ := newTestServer()
	_ = st.Insert(t.Context(), eval.Evaluation{ID: "a", Status: eval.StatusQueued, CreatedAt: time.Now()})
	_ = st.Insert(t.Context(), eval.Evaluation{ID: "b", Status: eval.StatusRunning, CreatedAt: time.Now()})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload["queued_evaluations"].(float64) != 1 || payload["running_evaluations"].(float64) != 1 {
		t.Fatalf("unexpected metrics payload: %+v", payload)
	}
}

func TestHandlePrometheusMetrics_ExposesTextFormat(t *testing.T) {
	srv, st, _, _ := newTestServer()
	_ = st.Insert(t.Context(), eval.Evaluation{ID: "a", Status: eval.StatusQueued, CreatedAt: time.Now()})

	req := httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("evalplane_queued_evaluations 1")) {
		t.Fatalf("expected queued gauge in prometheus output, got: %s", rec.Body.String())
	}
}

func TestHandleKill_NoIndexEntryReportsFalse(t *testing.T) {
	srv, _, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/eval/eval-1/kill", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	var resp killResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Killed {
		t.Fatalf("expected killed=false without a routing entry, got %+v", resp)
	}
}
