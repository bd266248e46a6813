package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/middts/middts-core/internal/audit"
	"github.com/middts/middts-core/internal/causal"
	"github.com/middts/middts-core/internal/gateway"
	"github.com/middts/middts-core/internal/infrastructure/config"
	"github.com/middts/middts-core/internal/infrastructure/database"
	"github.com/middts/middts-core/internal/infrastructure/logging"
	"github.com/middts/middts-core/internal/process"
	"github.com/middts/middts-core/internal/twin"
	"github.com/middts/middts-core/migrations"
)

// stubInvoker answers every RPC with result.
type stubInvoker struct {
	result gateway.Result
	calls  int
}

func (s *stubInvoker) Invoke(_ context.Context, _ gateway.Target, _ string, params any, _ gateway.TimeoutClass) gateway.Result {
	s.calls++
	if s.result.Kind == gateway.KindOK && s.result.Echo == nil && !s.result.Optimistic {
		raw, _ := json.Marshal(params)
		return gateway.Result{Kind: gateway.KindOK, Echo: raw, Status: http.StatusOK}
	}
	return s.result
}

type stubListeners []int64

func (l stubListeners) Devices() []int64 { return l }

type stubBroker bool

func (b stubBroker) IsConnected() bool { return bool(b) }

type testEnv struct {
	srv     *Server
	store   *twin.MemoryStore
	invoker *stubInvoker
	tasks   *process.Supervisor
	causal  twin.Property
	plain   twin.Property
	dp      twin.DeviceProperty
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	env := &testEnv{
		store:   twin.NewMemoryStore(),
		invoker: &stubInvoker{},
		tasks:   process.NewSupervisor(ctx, nil),
	}
	t.Cleanup(func() { _ = env.tasks.Shutdown(context.Background()) })

	gw := twin.Gateway{Name: "tb", URL: "http://tb.local"}
	mustCreate(t, env.store.CreateGateway(ctx, &gw))
	dev := twin.Device{Name: "lamp", Identifier: "dev-lamp", GatewayID: gw.ID}
	mustCreate(t, env.store.CreateDevice(ctx, &dev))
	env.dp = twin.DeviceProperty{DeviceID: dev.ID, Name: "status", Type: twin.Boolean, Value: "false", ReadMethod: "getStatus", WriteMethod: "switchLed"}
	mustCreate(t, env.store.CreateDeviceProperty(ctx, &env.dp))
	inst := twin.Instance{ModelName: "Lamp"}
	mustCreate(t, env.store.CreateInstance(ctx, &inst))
	env.causal = twin.Property{InstanceID: inst.ID, ElementID: "on", Name: "on", Type: twin.Boolean, Causal: true, Value: "false", DevicePropertyID: &env.dp.ID}
	mustCreate(t, env.store.CreateProperty(ctx, &env.causal))
	env.plain = twin.Property{InstanceID: inst.ID, ElementID: "label", Name: "label", Type: twin.String, Value: "hall"}
	mustCreate(t, env.store.CreateProperty(ctx, &env.plain))

	db, err := database.Open(ctx, database.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("database.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	events := audit.NewSQLiteRepository(db.DB)

	props := causal.NewSync(causal.Deps{
		Store:     env.store,
		Invoker:   env.invoker,
		Tasks:     env.tasks,
		Publisher: events,
	})

	srv, err := New(Deps{
		Config:     config.APIConfig{Host: "127.0.0.1", Port: 0, Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5}},
		Logger:     logging.Discard(),
		Properties: props,
		Events:     events,
		Listeners:  stubListeners{7, 9},
		Services:   env.tasks,
		MQTT:       stubBroker(true),
		DB:         db.DB,
		Version:    "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	env.srv = srv
	return env
}

func mustCreate(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("seeding store: %v", err)
	}
}

func (env *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v (body %q)", err, rec.Body.String())
	}
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New() without logger should fail")
	}
	if _, err := New(Deps{Logger: logging.Discard()}); err == nil {
		t.Error("New() without properties should fail")
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/health", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header missing")
	}
	var body map[string]any
	decode(t, rec, &body)
	if body["status"] != "ok" || body["version"] != "test" || body["mqtt_connected"] != true {
		t.Errorf("body = %v", body)
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "trace-1")
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "trace-1" {
		t.Errorf("X-Request-ID = %q, want trace-1", got)
	}
}

func TestMetrics(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var m SystemMetrics
	decode(t, rec, &m)
	if m.Telemetry.Listeners != 2 {
		t.Errorf("listeners = %d, want 2", m.Telemetry.Listeners)
	}
	if !m.MQTT.Enabled || !m.MQTT.Connected {
		t.Errorf("mqtt = %+v", m.MQTT)
	}
	if m.Runtime.Goroutines == 0 {
		t.Error("goroutines not reported")
	}
}

func TestListListeners(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/listeners", "")
	var resp ListenersResponse
	decode(t, rec, &resp)
	if resp.Count != 2 || resp.Devices[0] != 7 || resp.Devices[1] != 9 {
		t.Errorf("listeners = %+v", resp)
	}
}

func TestGetPropertyState(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name      string
		path      string
		wantCode  int
		wantState string
	}{
		{"causal never written", "/api/v1/properties/" + itoa(env.causal.ID) + "/state", http.StatusOK, "idle"},
		{"unbound", "/api/v1/properties/" + itoa(env.plain.ID) + "/state", http.StatusOK, "unbound"},
		{"unknown", "/api/v1/properties/999/state", http.StatusNotFound, ""},
		{"bad id", "/api/v1/properties/abc/state", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, tt.path, "")
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if tt.wantState == "" {
				return
			}
			var st map[string]any
			decode(t, rec, &st)
			if st["state"] != tt.wantState {
				t.Errorf("state = %v, want %s", st["state"], tt.wantState)
			}
		})
	}
}

func TestSetPropertyValue_Blocking(t *testing.T) {
	env := newTestEnv(t)
	path := "/api/v1/properties/" + itoa(env.causal.ID) + "/value"

	rec := env.do(t, http.MethodPut, path, `{"value": true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var out map[string]any
	decode(t, rec, &out)
	if out["state"] != "reconciled" || out["value"] != "true" {
		t.Errorf("outcome = %v", out)
	}

	dp, err := env.store.DeviceProperty(context.Background(), env.dp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if dp.Value != "true" {
		t.Errorf("device property = %q, want true", dp.Value)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/properties/"+itoa(env.causal.ID)+"/state", "")
	var st map[string]any
	decode(t, rec, &st)
	if st["state"] != "reconciled" || st["value"] != "true" {
		t.Errorf("state after write = %v", st)
	}
}

func TestSetPropertyValue_FireAndForget(t *testing.T) {
	env := newTestEnv(t)
	path := "/api/v1/properties/" + itoa(env.causal.ID) + "/value"

	rec := env.do(t, http.MethodPut, path, `{"value": "True", "mode": "fire_and_forget", "class": "best_effort_write"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body %s)", rec.Code, rec.Body.String())
	}
	env.tasks.Wait()

	p, err := env.store.Property(context.Background(), env.causal.ID)
	if err != nil {
		t.Fatal(err)
	}
	if p.Value != "true" {
		t.Errorf("property = %q, want true", p.Value)
	}
}

func TestSetPropertyValue_Rejected(t *testing.T) {
	env := newTestEnv(t)
	env.invoker.result = gateway.Result{Kind: gateway.KindTimeout, Err: gateway.ErrTimeout}
	path := "/api/v1/properties/" + itoa(env.causal.ID) + "/value"

	rec := env.do(t, http.MethodPut, path, `{"value": true}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409 (body %s)", rec.Code, rec.Body.String())
	}
	var body struct {
		Code    string         `json:"code"`
		Outcome causal.Outcome `json:"outcome"`
	}
	decode(t, rec, &body)
	if body.Code != ErrCodeRejected {
		t.Errorf("code = %q, want %q", body.Code, ErrCodeRejected)
	}
	if body.Outcome.Value != "false" {
		t.Errorf("outcome value = %q, want reverted false", body.Outcome.Value)
	}
}

func TestRefreshProperty(t *testing.T) {
	env := newTestEnv(t)
	env.invoker.result = gateway.Result{Kind: gateway.KindOK, Echo: json.RawMessage(`{"status": true}`), Status: http.StatusOK}

	rec := env.do(t, http.MethodPost, "/api/v1/properties/"+itoa(env.causal.ID)+"/refresh", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var out causal.Outcome
	decode(t, rec, &out)
	if out.State != causal.Reconciled || out.Value != "true" || out.Previous != "false" {
		t.Errorf("outcome = %+v", out)
	}

	p, err := env.store.Property(context.Background(), env.causal.ID)
	if err != nil {
		t.Fatal(err)
	}
	if p.Value != "true" {
		t.Errorf("property = %q, want true", p.Value)
	}
	dp, err := env.store.DeviceProperty(context.Background(), env.dp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if dp.Value != "true" {
		t.Errorf("device property = %q, want true", dp.Value)
	}
}

func TestRefreshProperty_Errors(t *testing.T) {
	tests := []struct {
		name     string
		result   gateway.Result
		path     func(env *testEnv) string
		wantCode int
		wantErr  string
	}{
		{
			name:     "unbound",
			path:     func(env *testEnv) string { return "/api/v1/properties/" + itoa(env.plain.ID) + "/refresh" },
			wantCode: http.StatusConflict,
			wantErr:  ErrCodeRejected,
		},
		{
			name:     "device timeout",
			result:   gateway.Result{Kind: gateway.KindTimeout, Err: gateway.ErrTimeout},
			path:     func(env *testEnv) string { return "/api/v1/properties/" + itoa(env.causal.ID) + "/refresh" },
			wantCode: http.StatusBadGateway,
			wantErr:  ErrCodeDevice,
		},
		{
			name:     "no value in answer",
			path:     func(env *testEnv) string { return "/api/v1/properties/" + itoa(env.causal.ID) + "/refresh" },
			wantCode: http.StatusBadGateway,
			wantErr:  ErrCodeDevice,
		},
		{
			name:     "unknown",
			path:     func(*testEnv) string { return "/api/v1/properties/999/refresh" },
			wantCode: http.StatusNotFound,
			wantErr:  ErrCodeNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.invoker.result = tt.result
			rec := env.do(t, http.MethodPost, tt.path(env), "")
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			var body Error
			decode(t, rec, &body)
			if body.Code != tt.wantErr {
				t.Errorf("code = %q, want %q", body.Code, tt.wantErr)
			}

			p, err := env.store.Property(context.Background(), env.causal.ID)
			if err != nil {
				t.Fatal(err)
			}
			if p.Value != "false" {
				t.Errorf("property = %q, want unchanged false", p.Value)
			}
		})
	}
}

func TestSetPropertyValue_BadRequests(t *testing.T) {
	env := newTestEnv(t)
	causalPath := "/api/v1/properties/" + itoa(env.causal.ID) + "/value"

	tests := []struct {
		name     string
		path     string
		body     string
		wantCode int
	}{
		{"invalid json", causalPath, `{`, http.StatusBadRequest},
		{"missing value", causalPath, `{}`, http.StatusBadRequest},
		{"bad mode", causalPath, `{"value": true, "mode": "later"}`, http.StatusBadRequest},
		{"bad class", causalPath, `{"value": true, "class": "turbo"}`, http.StatusBadRequest},
		{"coercion on causal", causalPath, `{"value": "maybe"}`, http.StatusConflict},
		{"unknown property", "/api/v1/properties/999/value", `{"value": 1}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPut, tt.path, tt.body)
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body.String())
			}
		})
	}
	if env.invoker.calls != 0 {
		t.Errorf("invoker called %d times, want 0", env.invoker.calls)
	}
}

func TestListEvents(t *testing.T) {
	env := newTestEnv(t)
	path := "/api/v1/properties/" + itoa(env.causal.ID) + "/value"

	if rec := env.do(t, http.MethodPut, path, `{"value": true}`); rec.Code != http.StatusOK {
		t.Fatalf("first write status = %d (body %s)", rec.Code, rec.Body.String())
	}
	env.invoker.result = gateway.Result{Kind: gateway.KindTimeout, Err: gateway.ErrTimeout}
	if rec := env.do(t, http.MethodPut, path, `{"value": false}`); rec.Code != http.StatusConflict {
		t.Fatalf("second write status = %d (body %s)", rec.Code, rec.Body.String())
	}
	env.tasks.Wait()

	rec := env.do(t, http.MethodGet, "/api/v1/properties/"+itoa(env.causal.ID)+"/events", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var page audit.ListResult
	decode(t, rec, &page)
	if page.Total != 2 || len(page.Events) != 2 {
		t.Fatalf("page = %+v, want 2 events", page)
	}
	if page.Events[0].State != causal.Rejected || page.Events[0].Reason != "timeout" {
		t.Errorf("latest event = %+v, want timeout rejection", page.Events[0])
	}
	if page.Events[1].State != causal.Reconciled || page.Events[1].Value != "true" {
		t.Errorf("first event = %+v, want reconciled true", page.Events[1])
	}

	rec = env.do(t, http.MethodGet, "/api/v1/events?state=reconciled&limit=10", "")
	decode(t, rec, &page)
	if page.Total != 1 || page.Limit != 10 {
		t.Errorf("filtered page = %+v, want 1 reconciled event", page)
	}

	for _, bad := range []string{"?state=idle", "?limit=0", "?offset=-1", "?instance_id=x"} {
		if rec := env.do(t, http.MethodGet, "/api/v1/events"+bad, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("GET /events%s status = %d, want 400", bad, rec.Code)
		}
	}
}

func TestListEvents_Disabled(t *testing.T) {
	env := newTestEnv(t)
	env.srv.events = nil
	if rec := env.do(t, http.MethodGet, "/api/v1/events", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestStartAndClose(t *testing.T) {
	env := newTestEnv(t)
	if err := env.srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}
	if err := env.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer env.srv.Close()

	resp, err := http.Get("http://" + env.srv.Addr() + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if err := env.srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error: %v", err)
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
