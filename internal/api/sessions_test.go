package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/seantiz/vigil/internal/session"
)

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func createSession(t *testing.T, baseURL, pageURL string) session.Info {
	t.Helper()
	resp := postJSON(t, baseURL+"/v1/sessions", createSessionRequest{URL: pageURL})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session status = %d, want 201", resp.StatusCode)
	}
	var info session.Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return info
}

func TestSessionLifecycle(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	info := createSession(t, ts.URL, "https://example.com")
	if info.Kind != session.KindPage {
		t.Errorf("kind = %q, want page", info.Kind)
	}
	if info.URL != "https://example.com" {
		t.Errorf("url = %q", info.URL)
	}
	if !info.HasContext {
		t.Error("has_context = false for fresh session")
	}

	resp, err := http.Get(ts.URL + "/v1/sessions/" + info.ID)
	if err != nil {
		t.Fatalf("GET session: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/v1/sessions/")
	if err != nil {
		t.Fatalf("GET sessions: %v", err)
	}
	var list struct {
		Sessions []session.Info `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	resp.Body.Close()
	if len(list.Sessions) != 1 {
		t.Errorf("len(sessions) = %d, want 1", len(list.Sessions))
	}

	req, _ := http.NewRequest("DELETE", ts.URL+"/v1/sessions/"+info.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE session: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", resp.StatusCode)
	}

	resp, _ = http.Get(ts.URL + "/v1/sessions/" + info.ID)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", resp.StatusCode)
	}
}

func TestSessionNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	paths := []string{
		"/v1/sessions/nope",
		"/v1/sessions/nope/document",
		"/v1/sessions/nope/waits",
	}
	for _, p := range paths {
		resp, err := http.Get(ts.URL + p)
		if err != nil {
			t.Fatalf("GET %s: %v", p, err)
		}
		resp.Body.Close()
		// Session wait listings come from the store, which has no rows
		// for an unknown session.
		if p == "/v1/sessions/nope/waits" {
			if resp.StatusCode != http.StatusOK {
				t.Errorf("GET %s status = %d, want 200", p, resp.StatusCode)
			}
			continue
		}
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", p, resp.StatusCode)
		}
	}
}

func TestDocumentEndpoints(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	info := createSession(t, ts.URL, "")
	base := fmt.Sprintf("%s/v1/sessions/%s/document", ts.URL, info.ID)

	resp := postJSON(t, base, setDocumentRequest{Key: "ready", Value: true})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("set status = %d, want 204", resp.StatusCode)
	}

	resp, err := http.Get(base)
	if err != nil {
		t.Fatalf("GET document: %v", err)
	}
	var body struct {
		Document map[string]any `json:"document"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode document: %v", err)
	}
	resp.Body.Close()
	if body.Document["ready"] != true {
		t.Errorf("document = %v", body.Document)
	}

	req, _ := http.NewRequest("DELETE", base+"/ready", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE key: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("remove status = %d, want 204", resp.StatusCode)
	}

	// Missing key is rejected.
	resp = postJSON(t, base, setDocumentRequest{Value: 1})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("set without key status = %d, want 400", resp.StatusCode)
	}
}

func TestNavigateEndpoint(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	info := createSession(t, ts.URL, "https://example.com/one")

	resp := postJSON(t, fmt.Sprintf("%s/v1/sessions/%s/navigate", ts.URL, info.ID),
		navigateRequest{URL: "https://example.com/two"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("navigate status = %d, want 204", resp.StatusCode)
	}

	resp, err := http.Get(ts.URL + "/v1/sessions/" + info.ID)
	if err != nil {
		t.Fatalf("GET session: %v", err)
	}
	var got session.Info
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	resp.Body.Close()
	if got.URL != "https://example.com/two" {
		t.Errorf("url = %q, want the new location", got.URL)
	}

	resp = postJSON(t, fmt.Sprintf("%s/v1/sessions/%s/navigate", ts.URL, info.ID),
		navigateRequest{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("navigate without url status = %d, want 400", resp.StatusCode)
	}
}

func TestCreateSessionKindValidation(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/sessions", createSessionRequest{Kind: "browser"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown kind status = %d, want 400", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/v1/sessions", createSessionRequest{Kind: "cdp"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("cdp without ws_url status = %d, want 400", resp.StatusCode)
	}
}
