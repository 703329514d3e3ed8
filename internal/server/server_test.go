package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"coordline/internal/config"
	"coordline/internal/db"
	"coordline/internal/domain"
	"coordline/internal/engine"
	"coordline/internal/migrate"
	"coordline/internal/monitor"
	"coordline/internal/repo"
	"coordline/internal/scheduler"
	"coordline/internal/schema"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	cfg := config.Default("coordline")
	conn, err := db.Open(db.Config{Workspace: t.TempDir(), Namespace: cfg.Governance.Namespace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, cfg)
	exec := schema.SQLiteExecutor{DB: conn, Namespace: cfg.Governance.Namespace}
	pipeline := schema.NewPipeline(eng.Store, eng.Projections, exec, cfg)
	handler, err := New(Config{
		Engine:    eng,
		Scheduler: scheduler.New(eng),
		Pipeline:  pipeline,
		Monitor:   monitor.New(eng.Store, eng.Projections, pipeline, cfg),
		Repo:      repo.Repo{DB: conn},
		BasePath:  "/v0",
		Auth:      AuthConfig{JWTSecret: testJWTSecret, AllowLegacyActorHeader: true},
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
	return testSrv, func() { testSrv.Close() }
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
	req.Header.Set("X-Actor-Id", "tester")
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

type errEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func decodeErr(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env errEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error
}

func TestWorkLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/work", map[string]any{
		"title":    "Ship feature",
		"type":     "feature",
		"severity": "p2",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var created WorkResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal create: %v", err)
	}
	if created.Item.Status != domain.StatusNew || created.Item.Reporter != "tester" {
		t.Fatalf("created item wrong: %+v", created.Item)
	}
	id := created.Item.ID

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/work/"+id, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/work/"+id+"/status", map[string]any{
		"status":           domain.StatusReady,
		"expected_version": created.Item.VersionToken,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set status %d: %s", res.StatusCode, string(data))
	}
	var ready WorkResponse
	if err := json.Unmarshal(data, &ready); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}

	// Replaying the stale version token is a conflict, with both tokens
	// in the details.
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/work/"+id+"/status", map[string]any{
		"status":           domain.StatusInProgress,
		"expected_version": created.Item.VersionToken,
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("stale version status %d: %s", res.StatusCode, string(data))
	}
	if body := decodeErr(t, data); body.Code != "conflict" {
		t.Fatalf("conflict code = %s", body.Code)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/work/"+id+"/status", map[string]any{
		"status":           domain.StatusDone,
		"expected_version": ready.Item.VersionToken,
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("illegal transition status %d: %s", res.StatusCode, string(data))
	}
	if body := decodeErr(t, data); body.Code != "invalid_transition" {
		t.Fatalf("transition code = %s", body.Code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/work/"+id+"/history", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", res.StatusCode, string(data))
	}
	var history []EventResponse
	if err := json.Unmarshal(data, &history); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want created + status change", len(history))
	}
}

func TestAuthModes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	// No credentials at all.
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/work", nil)
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing auth status %d", res.StatusCode)
	}

	// A garbage bearer token is refused even with the legacy header set.
	res2, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/work", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d: %s", res2.StatusCode, string(data))
	}

	// A signed JWT carries the actor in its subject claim.
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "jwt-user"}).
		SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res2, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/work", map[string]any{
		"title": "From a JWT caller",
	}, map[string]string{"Authorization": "Bearer " + token})
	if res2.StatusCode != http.StatusCreated {
		t.Fatalf("jwt create status %d: %s", res2.StatusCode, string(data))
	}
	var created WorkResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.Item.Reporter != "jwt-user" {
		t.Fatalf("reporter = %s, want the jwt subject", created.Item.Reporter)
	}

	// API keys map to the actor they were minted for.
	res2, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/keys", map[string]any{
		"actor_id": "key-actor",
		"name":     "ci",
	}, nil)
	if res2.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res2.StatusCode, string(data))
	}
	var key struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(data, &key); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	res2, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/work", map[string]any{
		"title": "From an api key",
	}, map[string]string{"X-Api-Key": key.Key})
	if res2.StatusCode != http.StatusCreated {
		t.Fatalf("api key create status %d: %s", res2.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.Item.Reporter != "key-actor" {
		t.Fatalf("reporter = %s, want the key's actor", created.Item.Reporter)
	}
}

func TestQueueAndClaimOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for _, body := range []map[string]any{
		{"title": "Write onboarding docs", "severity": "p3"},
		{"title": "Fix parser bug", "severity": "p1"},
	} {
		if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/work", body, nil); res.StatusCode != http.StatusCreated {
			t.Fatalf("create status %d: %s", res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/queue?capabilities=parser", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("queue status %d: %s", res.StatusCode, string(data))
	}
	var candidates []CandidateResponse
	if err := json.Unmarshal(data, &candidates); err != nil {
		t.Fatalf("unmarshal queue: %v", err)
	}
	if len(candidates) != 2 || candidates[0].Item.Title != "Fix parser bug" || candidates[0].SkillScore != 3 {
		t.Fatalf("queue ranking wrong: %+v", candidates)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/queue/claim", map[string]any{
		"agent_id":     "agent-1",
		"capabilities": []string{"parser"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", res.StatusCode, string(data))
	}
	var item domain.WorkItem
	if err := json.Unmarshal(data, &item); err != nil {
		t.Fatalf("unmarshal claim: %v", err)
	}
	if item.Title != "Fix parser bug" || item.Status != domain.StatusInProgress || item.AssigneeID != "agent-1" {
		t.Fatalf("claimed item wrong: %+v", item)
	}

	// Drain the queue, then the next claim finds nothing.
	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/queue/claim", map[string]any{
		"agent_id": "agent-2",
	}, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("second claim status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/queue/claim", map[string]any{
		"agent_id": "agent-3",
	}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("empty queue status %d: %s", res.StatusCode, string(data))
	}
	if body := decodeErr(t, data); body.Code != "no_work" {
		t.Fatalf("empty queue code = %s", body.Code)
	}
}

func TestSchemaEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/schema/changes", map[string]any{
		"definition": "CREATE TABLE governed.accounts (id INTEGER)",
		"reason":     "initial",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("apply status %d: %s", res.StatusCode, string(data))
	}
	var applied schema.ApplyResult
	if err := json.Unmarshal(data, &applied); err != nil {
		t.Fatalf("unmarshal apply: %v", err)
	}
	if applied.Outcome != schema.OutcomeDeployed || applied.Object.Version != "1.0.0" {
		t.Fatalf("apply result wrong: %+v", applied)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/schema/changes", map[string]any{
		"definition": "CREATE TABLE rogue (id INTEGER)",
	}, nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("scope violation status %d: %s", res.StatusCode, string(data))
	}
	if body := decodeErr(t, data); body.Code != "scope_violation" {
		t.Fatalf("scope code = %s", body.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/schema/alter", map[string]any{
		"statement": "ALTER TABLE governed.accounts ADD COLUMN email TEXT",
		"reason":    "contact info",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("alter status %d: %s", res.StatusCode, string(data))
	}
	var altered schema.ApplyResult
	if err := json.Unmarshal(data, &altered); err != nil {
		t.Fatalf("unmarshal alter: %v", err)
	}
	if altered.Outcome != schema.OutcomeDeployed || altered.Object.Version != "1.0.1" {
		t.Fatalf("alter result wrong: %+v", altered)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/schema/alter", map[string]any{
		"statement": "ALTER TABLE governed.accounts DROP COLUMN email",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("unsupported alter status %d: %s", res.StatusCode, string(data))
	}
	if body := decodeErr(t, data); body.Code != "bad_request" {
		t.Fatalf("unsupported alter code = %s", body.Code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/schema/objects/governed.accounts", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get object status %d: %s", res.StatusCode, string(data))
	}
	var obj domain.SchemaObject
	if err := json.Unmarshal(data, &obj); err != nil {
		t.Fatalf("unmarshal object: %v", err)
	}
	if obj.Status != "active" || obj.CanonicalHash == "" {
		t.Fatalf("object wrong: %+v", obj)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/schema/drift", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("drift status %d: %s", res.StatusCode, string(data))
	}
	var drift []domain.DriftEntry
	if err := json.Unmarshal(data, &drift); err != nil {
		t.Fatalf("unmarshal drift: %v", err)
	}
	if len(drift) != 0 {
		t.Fatalf("fresh deployment should not drift: %+v", drift)
	}
}

func TestEventsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for _, title := range []string{"one", "two"} {
		if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/work", map[string]any{"title": title}, nil); res.StatusCode != http.StatusCreated {
			t.Fatalf("create status %d: %s", res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?after=1&limit=50", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 1 || page.NextCursor != page.Items[len(page.Items)-1].ID {
		t.Fatalf("pagination wrong: %+v", page)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?entity_kind=work_item", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("recent events status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("recent events length = %d, want 2", len(page.Items))
	}
}

func TestMonitorSweepEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/monitor/sweep", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sweep status %d: %s", res.StatusCode, string(data))
	}
	var report monitor.Report
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if report.SweptAt == "" {
		t.Fatal("report missing sweep timestamp")
	}
}
