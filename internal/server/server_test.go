package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hkuds/pybox/internal/history"
	"github.com/hkuds/pybox/internal/observability"
	"github.com/hkuds/pybox/internal/sandbox"
	"github.com/hkuds/pybox/internal/tools"
)

type stubExecutor struct {
	out sandbox.Outcome
}

func (s stubExecutor) Execute(ctx context.Context, req sandbox.Request) sandbox.Outcome {
	out := s.out
	if req.Input != "" {
		out.Stdout = req.Input
	}
	return out
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(ctx context.Context) error { return p.err }

type testEnv struct {
	srv     *Server
	store   *history.Store
	metrics *observability.MetricsCollector
}

func newTestEnv(t *testing.T, pinger Pinger) *testEnv {
	t.Helper()

	store, err := history.Open(":memory:")
	if err != nil {
		t.Fatalf("opening memory db: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	exitZero := 0
	exec := stubExecutor{out: sandbox.Outcome{Kind: sandbox.KindSuccess, Stdout: "2\n", ExitCode: &exitZero}}
	python := tools.NewPythonTool(exec, tools.PythonOptions{History: store})

	registry := tools.NewRegistry()
	registry.MustRegister(python)
	registry.MustRegister(tools.NewHistoryTool(store))

	metrics := observability.NewMetricsCollector()
	srv, err := New(Options{
		Runner:   python,
		Registry: registry,
		History:  store,
		Health:   pinger,
		Metrics:  metrics,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &testEnv{srv: srv, store: store, metrics: metrics}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewRequiresRunnerAndRegistry(t *testing.T) {
	if _, err := New(Options{Registry: tools.NewRegistry()}); err == nil {
		t.Error("New() without a runner should fail")
	}
	python := tools.NewPythonTool(stubExecutor{}, tools.PythonOptions{})
	if _, err := New(Options{Runner: python}); err == nil {
		t.Error("New() without a registry should fail")
	}
}

func TestExecute(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/v1/execute", `{"code":"print(1+1)","session_id":"s1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var got tools.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if got.Outcome.Kind != sandbox.KindSuccess || got.Outcome.Stdout != "2\n" {
		t.Errorf("outcome = %+v", got.Outcome)
	}
	if got.Outcome.ExitCode == nil || *got.Outcome.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", got.Outcome.ExitCode)
	}
	if got.RecordID == "" {
		t.Fatal("record id is empty")
	}

	stored, err := env.store.Get(context.Background(), got.RecordID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.SessionID != "s1" || stored.Code != "print(1+1)" {
		t.Errorf("stored = %+v", stored)
	}
}

func TestExecuteBadRequests(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"code":`},
		{"empty code", `{"code":""}`},
		{"blank code", `{"code":"  \n"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/v1/execute", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestExecuteBodyTooLarge(t *testing.T) {
	env := newTestEnv(t, nil)
	body := `{"code":"` + strings.Repeat("x", maxBodyBytes) + `"}`

	rec := env.do(t, http.MethodPost, "/v1/execute", body)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestGetExecution(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	r := history.Record{Code: "print('x')", Kind: sandbox.KindTimeout}
	if err := env.store.Save(ctx, &r); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	rec := env.do(t, http.MethodGet, "/v1/executions/"+r.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got history.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if got.Kind != sandbox.KindTimeout || got.ExitCode != nil {
		t.Errorf("record = %+v", got)
	}

	rec = env.do(t, http.MethodGet, "/v1/executions/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing status = %d, want 404", rec.Code)
	}
}

func TestListSessionExecutions(t *testing.T) {
	env := newTestEnv(t, nil)

	for i := 0; i < 3; i++ {
		env.do(t, http.MethodPost, "/v1/execute", `{"code":"pass","session_id":"abc"}`)
	}
	env.do(t, http.MethodPost, "/v1/execute", `{"code":"pass","session_id":"other"}`)

	rec := env.do(t, http.MethodGet, "/v1/sessions/abc/executions?limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got []history.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}

	rec = env.do(t, http.MethodGet, "/v1/sessions/nobody/executions", "")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("empty session body = %q, want []", rec.Body)
	}

	rec = env.do(t, http.MethodGet, "/v1/sessions/abc/executions?limit=x", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rec.Code)
	}
}

func TestHistoryDisabled(t *testing.T) {
	python := tools.NewPythonTool(stubExecutor{}, tools.PythonOptions{})
	srv, err := New(Options{Runner: python, Registry: tools.NewRegistry()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for _, path := range []string{"/v1/executions/x", "/v1/sessions/x/executions"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s status = %d, want 404", path, rec.Code)
		}
	}
}

func TestTools(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/v1/tools", "")
	var defs []tools.Definition
	if err := json.Unmarshal(rec.Body.Bytes(), &defs); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("len(defs) = %d, want 2", len(defs))
	}

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		wantBody   string
	}{
		{"run", "/v1/tools/run_python_code", `{"code":"print(1+1)"}`, http.StatusOK, "Execution succeeded."},
		{"stdin", "/v1/tools/run_python_code", `{"code":"x","input":"hello"}`, http.StatusOK, "hello"},
		{"history", "/v1/tools/get_execution_history", `{}`, http.StatusOK, "run"},
		{"missing param", "/v1/tools/run_python_code", `{}`, http.StatusUnprocessableEntity, "missing required field"},
		{"unknown", "/v1/tools/rm_rf", `{}`, http.StatusNotFound, "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, tt.path, tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body = %s, want it to contain %q", rec.Body, tt.wantBody)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		pinger     Pinger
		wantStatus int
	}{
		{"no pinger", nil, http.StatusOK},
		{"healthy", stubPinger{}, http.StatusOK},
		{"daemon down", stubPinger{err: errors.New("cannot connect to the docker daemon")}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.pinger)
			rec := env.do(t, http.MethodGet, "/healthz", "")
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodGet, "/v1/tools", "")

	rec := env.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `pybox_http_requests_total{method="GET",path="/v1/tools",status_code="200"} 1`) {
		t.Errorf("metrics output missing request counter:\n%s", body)
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	env := newTestEnv(t, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.srv.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/v1/execute"
	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Post(url, "application/json", bytes.NewBufferString(`{"code":"pass"}`))
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}
