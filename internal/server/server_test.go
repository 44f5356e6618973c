package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"groveline/internal/config"
	"groveline/internal/db"
	"groveline/internal/domain"
	"groveline/internal/engine"
	"groveline/internal/events"
	"groveline/internal/migrate"
	"groveline/internal/store"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st := &store.Store{DB: conn}
	reg, err := st.Load(context.Background())
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	bus := events.NewBus()
	journal := events.Journal{DB: conn}
	journal.Attach(bus)
	e := engine.New(reg, config.Default(), bus, st)
	handler, err := New(Config{
		Engine:   e,
		Journal:  &journal,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowWalletHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func walletHeaders(wallet string) map[string]string {
	return map[string]string{"X-Wallet-Address": wallet}
}

func bearerHeaders(t *testing.T, wallet string) map[string]string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   wallet,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + signed}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	data, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", res.StatusCode)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/plantations", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}

func TestBearerTokenResolvesWallet(t *testing.T) {
	srv := newTestServer(t)
	headers := bearerHeaders(t, "0xJWTWallet")
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/plantations",
		map[string]any{"seed_name": "Coffee"}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, data)
	}
	var p domain.Plantation
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Wallet != "0xJWTWallet" {
		t.Fatalf("wallet from token subject: got %q", p.Wallet)
	}
}

func TestInvalidTokenRejected(t *testing.T) {
	srv := newTestServer(t)
	headers := map[string]string{"Authorization": "Bearer not-a-token"}
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/plantations", nil, headers)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}

func TestPlantationLifecycleFlow(t *testing.T) {
	srv := newTestServer(t)
	headers := walletHeaders("0xTester")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/plantations",
		map[string]any{"seed_name": "Cacao", "location": "Huila"}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, data)
	}
	var p domain.Plantation
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Stage != domain.StagePlanted {
		t.Fatalf("new plantations start planted, got %s", p.Stage)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/plantations/"+p.ID+"/transition",
		map[string]any{"target_stage": "growing", "note": "germination done"}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition: %d %s", res.StatusCode, data)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Stage != domain.StageGrowing || len(p.Tasks) == 0 {
		t.Fatalf("transition should generate stage tasks: %+v", p)
	}

	// same-stage transition replies 200 with the current state
	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/plantations/"+p.ID+"/transition",
		map[string]any{"target_stage": "growing"}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("same-stage transition: %d", res.StatusCode)
	}

	// the journal now holds the stage change and generated tasks
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?limit=50", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d", res.StatusCode)
	}
	var recs []events.Record
	if err := json.Unmarshal(data, &recs); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	sawStageChange := false
	for _, rec := range recs {
		if rec.Type == string(domain.EventStageChange) && rec.PlantationID == p.ID {
			sawStageChange = true
		}
	}
	if !sawStageChange {
		t.Fatalf("journal missing stage_change for %s: %+v", p.ID, recs)
	}
}

func TestGateCheckEndpoint(t *testing.T) {
	srv := newTestServer(t)
	headers := walletHeaders("0xTester")
	res, data := doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v0/plantations/demo-cacao-norte/gate-check",
		map[string]any{"target_stage": "growing"}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("gate-check: %d %s", res.StatusCode, data)
	}
	var verdict struct {
		CanProceed      bool     `json:"can_proceed"`
		BlockingReasons []string `json:"blocking_reasons"`
	}
	if err := json.Unmarshal(data, &verdict); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// seed plantation has no completed tasks; the default rule blocks
	if verdict.CanProceed || len(verdict.BlockingReasons) == 0 {
		t.Fatalf("expected blocking verdict: %+v", verdict)
	}
}

func TestTaskStatusEndpointNoOp(t *testing.T) {
	srv := newTestServer(t)
	headers := walletHeaders("0xTester")
	res, data := doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v0/plantations/demo-cacao-norte/tasks",
		map[string]any{"title": "Weed rows"}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, data)
	}
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("decode: %v", err)
	}

	// setting the same status again replies 200 with the unchanged task
	res, data = doJSON(t, srv.Client(), http.MethodPut,
		srv.URL+"/v0/plantations/demo-cacao-norte/tasks/"+task.ID+"/status",
		map[string]any{"status": "pending"}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("unchanged status: %d %s", res.StatusCode, data)
	}
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if task.Status != domain.TaskPending {
		t.Fatalf("status should be unchanged, got %s", task.Status)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodPut,
		srv.URL+"/v0/plantations/demo-cacao-norte/tasks/missing/status",
		map[string]any{"status": "completed"}, headers)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing task: %d", res.StatusCode)
	}
}

func TestSchedulerEndpoint(t *testing.T) {
	srv := newTestServer(t)
	headers := walletHeaders("0xTester")
	// the seed weekly template first runs a week after the demo start date
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/scheduler/run",
		map[string]any{"now": "2025-03-17T08:00:00Z"}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("scheduler: %d %s", res.StatusCode, data)
	}
	var resp struct {
		Created []domain.Task `json:"created"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Created) != 1 {
		t.Fatalf("expected 1 created task, got %d", len(resp.Created))
	}

	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/scheduler/run",
		map[string]any{"now": "not-a-date"}, headers)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad clock override: %d", res.StatusCode)
	}
}

func TestUnknownPlantation404(t *testing.T) {
	srv := newTestServer(t)
	headers := walletHeaders("0xTester")
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/plantations/missing", nil, headers)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
}
