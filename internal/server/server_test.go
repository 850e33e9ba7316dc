package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"interlock/internal/config"
	"interlock/internal/db"
	"interlock/internal/domain"
	"interlock/internal/engine"
	"interlock/internal/migrate"
)

const (
	testOwner  = "own_1"
	testSecret = "test-secret"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, nil)
	if _, err := e.EnsureOwner(context.Background(), testOwner, "Test Owner"); err != nil {
		t.Fatalf("ensure owner: %v", err)
	}
	handler, err := New(Config{
		Engine:      e,
		BasePath:    "/v0",
		Auth:        AuthConfig{JWTSecret: testSecret},
		WebhookPoll: -1,
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
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func signToken(t *testing.T, ownerID string, roles ...string) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": ownerID}
	if len(roles) > 0 {
		claims["roles"] = roles
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func authHeaders(t *testing.T) map[string]string {
	return map[string]string{"Authorization": "Bearer " + signToken(t, testOwner)}
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
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func createTask(t *testing.T, srv *testServer, title, dept, start, end string) domain.Task {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/owners/"+testOwner+"/tasks", map[string]any{
		"title":      title,
		"department": dept,
		"start_date": start,
		"end_date":   end,
	}, authHeaders(t))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: status %d: %s", res.StatusCode, data)
	}
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	return task
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, data)
	}
	return envelope.Error.Code
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: status %d", res.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)
	url := srv.URL + "/v0/owners/" + testOwner + "/tasks"

	res, data := doJSON(t, srv.Client(), http.MethodGet, url, nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "unauthorized" {
		t.Fatalf("no credentials: status %d body %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, url, nil, map[string]string{"Authorization": "Bearer garbage"})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("bad token: status %d body %s", res.StatusCode, data)
	}

	// A valid token for a different owner is scoped out.
	other := map[string]string{"Authorization": "Bearer " + signToken(t, "own_2")}
	res, data = doJSON(t, srv.Client(), http.MethodGet, url, nil, other)
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "forbidden" {
		t.Fatalf("foreign owner: status %d body %s", res.StatusCode, data)
	}

	// Unless it carries the admin role.
	admin := map[string]string{"Authorization": "Bearer " + signToken(t, "own_2", "admin")}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, url, nil, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin: status %d", res.StatusCode)
	}
}

func TestCreateTaskValidationStatus(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/owners/"+testOwner+"/tasks", map[string]any{
		"title":      "Backwards",
		"department": "engineering",
		"start_date": "2025-10-10",
		"end_date":   "2025-10-01",
	}, authHeaders(t))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", res.StatusCode, data)
	}
	if errorCode(t, data) != "invalid_window" {
		t.Fatalf("code = %s, want invalid_window", errorCode(t, data))
	}
}

func TestPredictApplyFlow(t *testing.T) {
	srv := newTestServer(t)
	createTask(t, srv, "Platform migration", "engineering", "2025-10-01", "2025-10-10")
	createTask(t, srv, "API rework", "engineering", "2025-10-05", "2025-10-12")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/owners/"+testOwner+"/predict", nil, authHeaders(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("predict: status %d: %s", res.StatusCode, data)
	}
	var predicted engine.PredictResult
	if err := json.Unmarshal(data, &predicted); err != nil {
		t.Fatalf("decode predict: %v", err)
	}
	if len(predicted.Conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(predicted.Conflicts))
	}
	conflictID := predicted.Conflicts[0].ID
	if predicted.Conflicts[0].Suggestion == nil {
		t.Fatal("expected a suggestion")
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/owners/"+testOwner+"/conflicts/"+conflictID+"/reschedule", nil, authHeaders(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("apply: status %d: %s", res.StatusCode, data)
	}
	var applied engine.ApplyResult
	if err := json.Unmarshal(data, &applied); err != nil {
		t.Fatalf("decode apply: %v", err)
	}
	if applied.Task.StartDate != "2025-10-11" {
		t.Errorf("moved start = %s, want 2025-10-11", applied.Task.StartDate)
	}

	// A terminal conflict reads as gone for apply purposes.
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/owners/"+testOwner+"/conflicts/"+conflictID+"/reschedule", nil, authHeaders(t))
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "conflict_closed" {
		t.Fatalf("second apply: status %d body %s", res.StatusCode, data)
	}

	// The conflict record itself remains readable as resolved.
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/owners/"+testOwner+"/conflicts/"+conflictID, nil, authHeaders(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get conflict: status %d", res.StatusCode)
	}
	var c domain.Conflict
	if err := json.Unmarshal(data, &c); err != nil {
		t.Fatalf("decode conflict: %v", err)
	}
	if c.ResolutionStatus != domain.ResolutionResolved {
		t.Errorf("status = %s, want resolved", c.ResolutionStatus)
	}
}

func TestChangesEndpoint(t *testing.T) {
	srv := newTestServer(t)
	createTask(t, srv, "One", "sales", "2025-10-01", "2025-10-03")
	createTask(t, srv, "Two", "sales", "2025-10-05", "2025-10-07")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/owners/"+testOwner+"/changes", nil, authHeaders(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("changes: status %d", res.StatusCode)
	}
	var feed changesResponse
	if err := json.Unmarshal(data, &feed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(feed.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(feed.Items))
	}
	if feed.NextCursor != feed.Items[1].ID {
		t.Errorf("next_cursor = %d, want %d", feed.NextCursor, feed.Items[1].ID)
	}

	url := fmt.Sprintf("%s/v0/owners/%s/changes?cursor=%d", srv.URL, testOwner, feed.NextCursor)
	res, data = doJSON(t, srv.Client(), http.MethodGet, url, nil, authHeaders(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("changes after cursor: status %d", res.StatusCode)
	}
	var rest changesResponse
	if err := json.Unmarshal(data, &rest); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rest.Items) != 0 {
		t.Errorf("drained feed returned %d items", len(rest.Items))
	}
	if rest.NextCursor != feed.NextCursor {
		t.Errorf("empty page must keep the cursor, got %d", rest.NextCursor)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/owners/"+testOwner+"/apikeys", map[string]any{
		"name": "ci",
	}, authHeaders(t))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key: status %d: %s", res.StatusCode, data)
	}
	var created CreateAPIKeyResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Key == "" {
		t.Fatal("key must be returned at creation")
	}

	keyHeaders := map[string]string{"X-Api-Key": created.Key}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/owners/"+testOwner+"/tasks", nil, keyHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key auth: status %d", res.StatusCode)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/owners/"+testOwner+"/apikeys/"+created.ID, nil, authHeaders(t))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete key: status %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/owners/"+testOwner+"/tasks", nil, keyHeaders)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("deleted key still accepted: status %d", res.StatusCode)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/owners/"+testOwner+"/config", nil, authHeaders(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get config: status %d", res.StatusCode)
	}
	var got OwnerConfigResponse
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}

	cfg, err := config.FromYAML([]byte(got.YAML))
	if err != nil {
		t.Fatalf("returned config must round-trip: %v", err)
	}
	cfg.Resolution.HorizonDays = 14
	raw, err := config.ToYAML(cfg)
	if err != nil {
		t.Fatalf("to yaml: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/owners/"+testOwner+"/config", map[string]any{"yaml": raw}, authHeaders(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("put config: status %d: %s", res.StatusCode, data)
	}
	stored, err := srv.Engine.OwnerConfig(context.Background(), testOwner)
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if stored.Resolution.HorizonDays != 14 {
		t.Errorf("horizon = %d, want 14", stored.Resolution.HorizonDays)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/owners/"+testOwner+"/config", map[string]any{"yaml": "detection: {critical_overlap_fraction: 2.0}"}, authHeaders(t))
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "invalid_config" {
		t.Fatalf("invalid config: status %d body %s", res.StatusCode, data)
	}
}

func TestWebhookDelivery(t *testing.T) {
	srv := newTestServer(t)

	var mu sync.Mutex
	var deliveries []webhookDelivery
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var d webhookDelivery
		if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
			t.Errorf("decode delivery: %v", err)
		}
		mu.Lock()
		deliveries = append(deliveries, d)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer sink.Close()
	received := func() []webhookDelivery {
		mu.Lock()
		defer mu.Unlock()
		return append([]webhookDelivery(nil), deliveries...)
	}

	cfg, err := srv.Engine.OwnerConfig(context.Background(), testOwner)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.Webhooks = []config.WebhookConfig{{URL: sink.URL, Secret: "hush"}}
	if err := srv.Engine.SetOwnerConfig(context.Background(), testOwner, cfg); err != nil {
		t.Fatalf("set config: %v", err)
	}

	d := &webhookDispatcher{
		engine:  srv.Engine,
		client:  &http.Client{Timeout: time.Second},
		cursors: map[string]int64{},
	}
	// First pass pins the cursor at the feed head: no replay of history.
	d.dispatchAll()
	if got := received(); len(got) != 0 {
		t.Fatalf("fresh hook replayed %d historical changes", len(got))
	}

	task := createTask(t, srv, "Hooked", "hr", "2025-10-01", "2025-10-02")
	d.dispatchAll()
	got := received()
	if len(got) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(got))
	}
	if got[0].EntityID != task.ID || got[0].ChangeType != "created" {
		t.Errorf("delivery = %+v, want creation of %s", got[0], task.ID)
	}

	// Nothing new, nothing sent.
	d.dispatchAll()
	if got := received(); len(got) != 1 {
		t.Errorf("idle tick delivered %d extra", len(got)-1)
	}
}
