package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/migrate"
	"stageline/internal/ratelimit"
	"stageline/internal/repo"
)

const (
	testSecret = "test-secret"
	testConfig = `
server:
  public_base_url: http://client.example.test
approvals:
  require_complete: true
templates:
  pair:
    stages:
      - name: Discovery
        requires_client_approval: true
        checklist: [Kickoff]
      - name: Design
        checklist: [Mockup, Review]
`
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, limiter ratelimit.Limiter) (*testServer, func()) {
	t.Helper()
	return newTestServerWith(t, Config{Limiter: limiter})
}

// newTestServerWith fills in the engine, base path and auth of cfg.
func newTestServerWith(t *testing.T, cfg Config) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn, repo.DialectSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	appCfg, err := config.FromYAML([]byte(testConfig))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	e := engine.New(conn, repo.DialectSQLite, appCfg, nil, nil)
	cfg.Engine = e
	cfg.BasePath = "/v0"
	cfg.Auth = AuthConfig{JWTSecret: testSecret}
	handler, err := New(cfg)
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
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func authHeaders(t *testing.T, actorID string) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, actorID, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
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

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v (%s)", err, string(data))
	}
	return env
}

func setupProject(t *testing.T, srv *testServer, headers map[string]string) domain.Workflow {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"id":       "acme",
		"name":     "Acme site",
		"template": "pair",
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("setup status %d: %s", res.StatusCode, string(data))
	}
	var wf domain.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		t.Fatalf("unmarshal workflow: %v", err)
	}
	if len(wf.Stages) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(wf.Stages))
	}
	return wf
}

func TestHealthIsPublicAndAPIRequiresAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/acme/workflow", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "unauthorized" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}

	bad := map[string]string{"Authorization": "Bearer not-a-jwt"}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/acme/workflow", nil, bad)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d: %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	if err := srv.Engine.Repo.InsertAPIKey(context.Background(), domain.APIKey{
		ID:        "key-1",
		ActorID:   "pm",
		KeyHash:   repo.HashAPIKey("sl_secret"),
		CreatedAt: "2024-01-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{"X-Api-Key": "sl_secret"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list projects status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d", res.StatusCode)
	}
}

func TestBlockedStageReturnsNotYet(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	headers := authHeaders(t, "pm")
	wf := setupProject(t, srv, headers)

	design := wf.Stages[1]
	if !design.Blocked || design.BlockedBy != wf.Stages[0].ID {
		t.Fatalf("expected design blocked by discovery, got %+v", design.Stage)
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/checklist-items/"+design.Items[0].ID+"/toggle", nil, headers)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "stage_blocked" || env.Error.Details["kind"] != "not_yet" {
		t.Fatalf("unexpected error %+v", env.Error)
	}
	if env.Error.Details["blocked_by"] != wf.Stages[0].ID {
		t.Fatalf("unexpected blocked_by %v", env.Error.Details["blocked_by"])
	}

	// Requesting approval before the checklist is done is also "not yet".
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/stages/"+wf.Stages[0].ID+"/approvals", map[string]any{}, headers)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	env = decodeError(t, data)
	if env.Error.Code != "not_ready" || env.Error.Details["kind"] != "not_yet" {
		t.Fatalf("unexpected error %+v", env.Error)
	}
}

func TestApprovalRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	headers := authHeaders(t, "pm")
	wf := setupProject(t, srv, headers)
	discovery := wf.Stages[0]

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/checklist-items/"+discovery.Items[0].ID+"/toggle", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("toggle status %d: %s", res.StatusCode, string(data))
	}
	var toggled engine.ToggleResult
	if err := json.Unmarshal(data, &toggled); err != nil {
		t.Fatalf("unmarshal toggle: %v", err)
	}
	if !toggled.StageCompleted || toggled.Stage.Progress.Percent != 100 {
		t.Fatalf("expected completed stage, got %+v", toggled)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/stages/"+discovery.ID+"/approvals", map[string]any{"notes": "please review"}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("request approval status %d: %s", res.StatusCode, string(data))
	}
	var requested engine.ApprovalRequest
	if err := json.Unmarshal(data, &requested); err != nil {
		t.Fatalf("unmarshal approval request: %v", err)
	}
	if !strings.HasPrefix(requested.URL, "http://client.example.test/approval/") {
		t.Fatalf("unexpected url %s", requested.URL)
	}
	token := strings.TrimPrefix(requested.URL, "http://client.example.test/approval/")

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/stages/"+discovery.ID+"/approvals", map[string]any{}, headers)
	if res.StatusCode != http.StatusConflict || decodeError(t, data).Error.Code != "already_pending" {
		t.Fatalf("expected already_pending, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/approval/"+token, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("public get status %d: %s", res.StatusCode, string(data))
	}
	if strings.Contains(string(data), token) {
		t.Fatalf("public view leaks the token: %s", string(data))
	}
	var view PublicApprovalResponse
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("unmarshal public view: %v", err)
	}
	if view.StageName != "Discovery" || view.Approval.Status != domain.ApprovalPending || view.Approval.Notes != "please review" {
		t.Fatalf("unexpected public view %+v", view)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/approval/"+token, map[string]any{
		"decision":      "maybe",
		"approver_name": "Dana",
	}, nil)
	if res.StatusCode != http.StatusBadRequest && res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected validation failure, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/approval/"+token, map[string]any{
		"decision":      "approve",
		"approver_name": "Dana",
		"comment":       "ship it",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve status %d: %s", res.StatusCode, string(data))
	}
	var resolved ResolveApprovalResponse
	if err := json.Unmarshal(data, &resolved); err != nil {
		t.Fatalf("unmarshal resolution: %v", err)
	}
	if resolved.Approval.Status != domain.ApprovalApproved {
		t.Fatalf("expected approved, got %s", resolved.Approval.Status)
	}
	if len(resolved.Unblocked) != 1 || resolved.Unblocked[0] != wf.Stages[1].ID {
		t.Fatalf("expected design unblocked, got %v", resolved.Unblocked)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/approval/"+token, map[string]any{
		"decision":      "reject",
		"approver_name": "Eve",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on second decision, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "already_resolved" || env.Error.Message != alreadyRecordedMessage {
		t.Fatalf("unexpected error %+v", env.Error)
	}
	if env.Error.Details["decision"] != "approve" || env.Error.Details["approved_by_name"] != "Dana" {
		t.Fatalf("expected the first decision in details, got %v", env.Error.Details)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/acme/workflow", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("workflow status %d: %s", res.StatusCode, string(data))
	}
	var after domain.Workflow
	if err := json.Unmarshal(data, &after); err != nil {
		t.Fatalf("unmarshal workflow: %v", err)
	}
	if after.Stages[1].Blocked {
		t.Fatalf("design should be open after approval")
	}
}

func TestUnknownTokenIsNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/approval/00000000-0000-4000-8000-000000000000", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "not_found" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}
}

func TestPublicApprovalIsRateLimited(t *testing.T) {
	srv, cleanup := newTestServer(t, ratelimit.NewMemory(0.001, 2))
	defer cleanup()
	for i := 0; i < 2; i++ {
		res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/approval/unknown", nil, nil)
		if res.StatusCode != http.StatusNotFound {
			t.Fatalf("request %d: expected 404, got %d", i, res.StatusCode)
		}
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/approval/unknown", nil, nil)
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", res.StatusCode, string(data))
	}
	if res.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	// The authenticated API is not throttled.
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	headers := authHeaders(t, "pm")
	wf := setupProject(t, srv, headers)
	for i := 0; i < 2; i++ {
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/checklist-items/"+wf.Stages[0].Items[0].ID+"/toggle", nil, headers)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("toggle status %d: %s", res.StatusCode, string(data))
		}
	}
	// project.setup, toggled, stage.completed, toggled
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/acme/events?limit=2", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected a full first page, got %+v", page)
	}
	if page.Items[0].Type != "project.setup" || page.Items[0].ActorID != "pm" {
		t.Fatalf("unexpected first event %+v", page.Items[0])
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/acme/events?limit=2&cursor="+page.NextCursor, nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var next paginatedEvents
	if err := json.Unmarshal(data, &next); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(next.Items) != 2 || next.NextCursor != "" {
		t.Fatalf("expected the last page, got %+v", next)
	}
	if next.Items[0].Type != "stage.completed" {
		t.Fatalf("unexpected event order %+v", next.Items)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/acme/events?cursor=abc", nil, headers)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d", res.StatusCode)
	}
}

func TestOpenAPIMarksPublicRoutes(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		// openapi.json sits under the base path and needs credentials
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, authHeaders(t, "pm"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d: %s", res.StatusCode, string(data))
	}
	var doc struct {
		Paths map[string]map[string]struct {
			Security []map[string][]string `json:"security"`
		} `json:"paths"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	public, ok := doc.Paths["/approval/{token}"]
	if !ok {
		t.Fatalf("public approval route missing from openapi")
	}
	if sec := public["post"].Security; len(sec) != 0 {
		t.Fatalf("public route should not require auth, got %v", sec)
	}
	if sec := doc.Paths["/v0/projects/{project_id}/workflow"]["get"].Security; len(sec) == 0 {
		t.Fatalf("workflow route should require auth")
	}
}

func TestOpenAPIServedConcurrently(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	token := authHeaders(t, "pm")["Authorization"]

	const n = 8
	bodies := make(chan []byte, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/openapi.json", nil)
			if err != nil {
				errs <- err
				return
			}
			req.Header.Set("Authorization", token)
			res, err := srv.Client().Do(req)
			if err != nil {
				errs <- err
				return
			}
			defer res.Body.Close()
			data, err := io.ReadAll(res.Body)
			if err != nil {
				errs <- err
				return
			}
			if res.StatusCode != http.StatusOK {
				errs <- fmt.Errorf("openapi status %d", res.StatusCode)
				return
			}
			bodies <- data
		}()
	}
	var first []byte
	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			t.Fatalf("request: %v", err)
		case data := <-bodies:
			if first == nil {
				first = data
			} else if !bytes.Equal(first, data) {
				t.Fatalf("openapi documents differ between requests")
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for openapi responses")
		}
	}
}

func TestSupersededApprovalMapsToConflict(t *testing.T) {
	err := handleError(fmt.Errorf("approval a1: %w", domain.ErrSuperseded))
	if err.GetStatus() != http.StatusConflict {
		t.Fatalf("expected 409, got %d", err.GetStatus())
	}
	apiErr, ok := err.(*apiError)
	if !ok || apiErr.Body.Code != "superseded" {
		t.Fatalf("unexpected error %+v", err)
	}
}

func TestForwardedClientsGetSeparateBuckets(t *testing.T) {
	for _, trust := range []bool{false, true} {
		srv, cleanup := newTestServerWith(t, Config{
			Limiter:           ratelimit.NewMemory(0.001, 1),
			TrustProxyHeaders: trust,
		})
		first, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/approval/unknown", nil, map[string]string{"X-Forwarded-For": "203.0.113.7"})
		second, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/approval/unknown", nil, map[string]string{"X-Forwarded-For": "203.0.113.8"})
		cleanup()
		if first.StatusCode != http.StatusNotFound {
			t.Fatalf("trust=%v: first client got %d", trust, first.StatusCode)
		}
		want := http.StatusTooManyRequests
		if trust {
			want = http.StatusNotFound
		}
		if second.StatusCode != want {
			t.Fatalf("trust=%v: second client got %d, want %d", trust, second.StatusCode, want)
		}
	}
}
