package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/orrn/weighprint/internal/api/handlers"
	"github.com/orrn/weighprint/internal/api/middleware"
	"github.com/orrn/weighprint/internal/core"
	"github.com/orrn/weighprint/internal/db"
	"github.com/orrn/weighprint/internal/pdfcache"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubRenderer struct {
	err error
}

func (r *stubRenderer) Render(context.Context, core.Payload) ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	return []byte("%PDF-1.4 ticket"), nil
}

type countingPublisher struct {
	mu    sync.Mutex
	count int
}

func (p *countingPublisher) Publish(string, interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count++
	return nil
}

type testServer struct {
	router    *gin.Engine
	manager   *core.JobManager
	renderer  *stubRenderer
	publisher *countingPublisher
	auth      *middleware.AuthMiddleware
}

func newTestServer(t *testing.T, secret string, checks map[string]handlers.Check) *testServer {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "orchestrator.db"), db.OrchestratorMigrations)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	logger := log.New()
	logger.SetOutput(io.Discard)

	s := &testServer{
		renderer:  &stubRenderer{},
		publisher: &countingPublisher{},
		auth:      middleware.NewAuthMiddleware(secret),
	}
	s.manager = core.NewJobManager(db.NewJobOperations(conn), s.renderer, pdfcache.NewMemory(time.Hour),
		s.publisher, core.JobManagerConfig{BaseTopic: "weigh", PublicBaseURL: "http://scale.local/api"}, logger)
	s.router = NewRouter(Deps{
		Jobs:     s.manager,
		Machines: s.manager.Machines(),
		Auth:     s.auth,
		Checks:   checks,
		Logger:   logger,
	})
	return s
}

func (s *testServer) do(method, path, body, token string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

const createBody = `{"machineId":"weigh1","idempotencyKey":"K1","copies":2,"ticketId":42,"code":"PC-42","plateNumber":"51C-12345","netWeight":9800}`

func TestCreatePrintJob_IsIdempotent(t *testing.T) {
	s := newTestServer(t, "", nil)

	w := s.do(http.MethodPost, "/api/print-jobs", createBody, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var first core.JobView
	decode(t, w, &first)
	if first.ID != "K1" || first.Status != "SENT" || first.PDFURL != "http://scale.local/api/print-jobs/K1/pdf" {
		t.Fatalf("unexpected view %+v", first)
	}
	if first.ErrorMessage != nil {
		t.Fatalf("expected null error message")
	}

	w = s.do(http.MethodPost, "/api/print-jobs", createBody, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for a repeated key, got %d: %s", w.Code, w.Body.String())
	}
	var second core.JobView
	decode(t, w, &second)
	if second.ID != first.ID || second.DBID != first.DBID {
		t.Fatalf("expected same job, got %+v", second)
	}
	if s.publisher.count != 1 {
		t.Fatalf("expected one publish, got %d", s.publisher.count)
	}
}

func TestCreatePrintJob_Errors(t *testing.T) {
	s := newTestServer(t, "", nil)

	if w := s.do(http.MethodPost, "/api/print-jobs", `{"copies":1}`, ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without machineId, got %d", w.Code)
	}
	if w := s.do(http.MethodPost, "/api/print-jobs", `{bad`, ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", w.Code)
	}

	s.renderer.err = errors.New("gotenberg down")
	w := s.do(http.MethodPost, "/api/print-jobs", `{"machineId":"weigh1","idempotencyKey":"K9"}`, "")
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 on render failure, got %d", w.Code)
	}

	w = s.do(http.MethodGet, "/api/print-jobs/K9", "", "")
	var view core.JobView
	decode(t, w, &view)
	if view.Status != "FAILED" || view.ErrorMessage == nil || !strings.Contains(*view.ErrorMessage, "gotenberg down") {
		t.Fatalf("expected FAILED job with render error, got %+v", view)
	}
}

func TestGetPrintJob_NotFoundBody(t *testing.T) {
	s := newTestServer(t, "", nil)

	w := s.do(http.MethodGet, "/api/print-jobs/missing", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body handlers.NotFoundResponse
	decode(t, w, &body)
	if body.ID != "missing" || body.Status != "NOT_FOUND" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestPrintJobPDF(t *testing.T) {
	s := newTestServer(t, "", nil)
	s.do(http.MethodPost, "/api/print-jobs", createBody, "")

	w := s.do(http.MethodGet, "/api/print-jobs/K1/pdf", "", "")
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "application/pdf" {
		t.Fatalf("expected pdf, got %d %q", w.Code, w.Header().Get("Content-Type"))
	}
	if w.Body.String() != "%PDF-1.4 ticket" {
		t.Fatalf("unexpected body %q", w.Body.String())
	}

	if w := s.do(http.MethodGet, "/api/print-jobs/nope/pdf", "", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestListAndRedispatch(t *testing.T) {
	s := newTestServer(t, "", nil)
	s.do(http.MethodPost, "/api/print-jobs", createBody, "")
	s.do(http.MethodPost, "/api/print-jobs", `{"machineId":"weigh2","idempotencyKey":"K2","ticketId":7}`, "")

	w := s.do(http.MethodGet, "/api/print-jobs?ticketId=42", "", "")
	var list struct {
		Jobs  []core.JobView `json:"jobs"`
		Total int            `json:"total"`
	}
	decode(t, w, &list)
	if list.Total != 1 || list.Jobs[0].ID != "K1" {
		t.Fatalf("unexpected list %+v", list)
	}
	if w := s.do(http.MethodGet, "/api/print-jobs?ticketId=abc", "", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad ticketId, got %d", w.Code)
	}

	if w := s.do(http.MethodPost, "/api/print-jobs/K2/redispatch", "", ""); w.Code != http.StatusOK {
		t.Fatalf("expected redispatch of SENT job, got %d", w.Code)
	}

	s.manager.HandleAck(context.Background(), "weigh/weigh2/print/acks", []byte(`{"id":"K2","status":"printed"}`))
	if w := s.do(http.MethodPost, "/api/print-jobs/K2/redispatch", "", ""); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for completed job, got %d", w.Code)
	}
	if w := s.do(http.MethodPost, "/api/print-jobs/none/redispatch", "", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestAuthProtectsJobsButNotPDF(t *testing.T) {
	s := newTestServer(t, "secret", nil)

	if w := s.do(http.MethodPost, "/api/print-jobs", createBody, ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	token, err := s.auth.GenerateToken("scale-ui", time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if w := s.do(http.MethodPost, "/api/print-jobs", createBody, token); w.Code != http.StatusCreated {
		t.Fatalf("expected 201 with token, got %d", w.Code)
	}
	if w := s.do(http.MethodGet, "/api/print-jobs/K1/pdf", "", ""); w.Code != http.StatusOK {
		t.Fatalf("expected public pdf download, got %d", w.Code)
	}
}

func TestMachinesAndHealth(t *testing.T) {
	s := newTestServer(t, "", map[string]handlers.Check{
		"database": func(context.Context) error { return nil },
		"mqtt":     func(context.Context) error { return errors.New("not connected") },
	})
	s.manager.HandleStatus(context.Background(), "weigh/weigh1/status", []byte(`ONLINE`))

	w := s.do(http.MethodGet, "/api/machines", "", "")
	var machines struct {
		Machines []core.MachineStatus `json:"machines"`
	}
	decode(t, w, &machines)
	if len(machines.Machines) != 1 || !machines.Machines[0].Online {
		t.Fatalf("unexpected machines %+v", machines)
	}
	if w := s.do(http.MethodGet, "/api/machines/weigh3", "", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown machine, got %d", w.Code)
	}

	w = s.do(http.MethodGet, "/healthz", "", "")
	if w.Code != http.StatusServiceUnavailable || !strings.Contains(w.Body.String(), "not connected") {
		t.Fatalf("expected degraded health, got %d %s", w.Code, w.Body.String())
	}
}
