package stagelinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWorkflowSendsCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.EscapedPath() != "/v0/projects/acme%20co/workflow" {
			t.Errorf("unexpected path %s", r.URL.EscapedPath())
		}
		if got := r.Header.Get("X-Api-Key"); got != "sl_key" {
			t.Errorf("expected api key header, got %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"project_id": "acme co",
			"stages": []map[string]any{
				{"id": "s1", "order": 1, "name": "Discovery", "blocked": false},
				{"id": "s2", "order": 2, "name": "Design", "blocked": true, "blocked_by": "s1"},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "sl_key"
	wf, err := c.Workflow(context.Background(), "acme co")
	if err != nil {
		t.Fatalf("workflow: %v", err)
	}
	if len(wf.Stages) != 2 || !wf.Stages[1].Blocked || wf.Stages[1].BlockedBy != "s1" {
		t.Fatalf("unexpected workflow %+v", wf)
	}
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"code":"stage_blocked","message":"blocked","details":{"kind":"not_yet","blocked_by":"s1"}}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).ToggleItem(context.Background(), "i2")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "stage_blocked" || !apiErr.NotYet() {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestResolveIsAnonymous(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/approval/tok" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "" {
			t.Errorf("public endpoint must not receive credentials")
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["decision"] != "approve" || body["approver_name"] != "Dana" {
			t.Errorf("unexpected body %v", body)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"approval":  map[string]any{"id": "a1", "status": "approved"},
			"unblocked": []string{"s2"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "jwt"
	res, err := c.Resolve(context.Background(), "tok", "approve", "Dana", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Approval.Status != "approved" || len(res.Unblocked) != 1 {
		t.Fatalf("unexpected resolution %+v", res)
	}
	if c.BearerToken != "jwt" {
		t.Fatalf("resolve must not clear the caller's credentials")
	}
}
