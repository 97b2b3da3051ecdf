package tests

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"reprorun/internal/api"
	"reprorun/internal/engine"
	"reprorun/internal/monitor"
	"reprorun/internal/policy"
)

// setupTestServer wires the real handlers behind the same middleware the
// production server uses and serves them from httptest.
func setupTestServer(t *testing.T, apiKeys []string) *httptest.Server {
	t.Helper()
	p := newPipeline(t)

	handlers := api.NewHandlers(api.HandlersConfig{
		Scheduler: p.sched,
		Executor:  p.exec,
		Engine:    p.eng,
		Store:     p.store,
		Metrics:   monitor.NewMetrics(),
		DriftRuns: 3,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("POST /execute", handlers.HandleExecute)
	mux.HandleFunc("POST /replay/validate", handlers.HandleReplayValidate)
	mux.HandleFunc("POST /drift", handlers.HandleDrift)
	mux.HandleFunc("POST /cas", handlers.HandleCASPut)
	mux.HandleFunc("GET /cas/{digest}", handlers.HandleCASGet)

	var handler http.Handler = api.AuthMiddleware("X-API-Key", apiKeys)(mux)
	handler = api.RequestIDMiddleware(handler)

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts
}

func postBody(t *testing.T, ts *httptest.Server, path, key string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, ts.URL+path, bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestIntegration_ExecuteOverHTTP(t *testing.T) {
	requireShell(t)
	ts := setupTestServer(t, nil)

	resp := postBody(t, ts, "/execute", "", api.ExecuteRequest{
		ExecutionRequest: engine.ExecutionRequest{
			Command:       "/bin/sh",
			Argv:          []string{"-c", "printf transported"},
			WorkspaceRoot: t.TempDir(),
			TimeoutMS:     10000,
			Policy:        policy.Default(),
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Request-ID"); got == "" {
		t.Errorf("response missing X-Request-ID header")
	}

	var res engine.ExecutionResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if !res.OK || res.Stdout != "transported" {
		t.Errorf("got ok=%v stdout=%q", res.OK, res.Stdout)
	}
}

func TestIntegration_AuthRequired(t *testing.T) {
	ts := setupTestServer(t, []string{"integration-key"})

	resp := postBody(t, ts, "/cas", "", map[string]string{})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("without key: got status %d, want 401", resp.StatusCode)
	}

	resp = postBody(t, ts, "/cas", "integration-key", map[string]string{})
	if resp.StatusCode == http.StatusUnauthorized {
		t.Errorf("with key: got 401, want authorized")
	}
}

func TestIntegration_InvalidRequestRejected(t *testing.T) {
	ts := setupTestServer(t, nil)

	// No command at all.
	resp := postBody(t, ts, "/execute", "", map[string]any{
		"workspace_root": t.TempDir(),
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", resp.StatusCode)
	}
	var res engine.ExecutionResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.State != engine.StateFailed {
		t.Errorf("got state %q, want %q", res.State, engine.StateFailed)
	}
	if res.ErrorCode != engine.CodeInvalidRequest {
		t.Errorf("got error_code %q, want %q", res.ErrorCode, engine.CodeInvalidRequest)
	}
}

func TestIntegration_CASRoundTripOverHTTP(t *testing.T) {
	ts := setupTestServer(t, nil)
	payload := []byte("integration blob")

	resp, err := http.Post(ts.URL+"/cas", "application/octet-stream", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put: got status %d, want 200", resp.StatusCode)
	}
	var put api.PutResponse
	if err := json.NewDecoder(resp.Body).Decode(&put); err != nil {
		t.Fatal(err)
	}

	getResp, err := http.Get(ts.URL + "/cas/" + put.Digest)
	if err != nil {
		t.Fatal(err)
	}
	defer getResp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(getResp.Body); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf.Bytes(), payload) {
		t.Errorf("got %q, want %q", buf.Bytes(), payload)
	}
}

func TestIntegration_ReplayValidateOverHTTP(t *testing.T) {
	requireShell(t)
	ts := setupTestServer(t, nil)

	req := engine.ExecutionRequest{
		Command:       "/bin/sh",
		Argv:          []string{"-c", "printf validated"},
		WorkspaceRoot: t.TempDir(),
		TimeoutMS:     10000,
		Policy:        policy.Default(),
	}
	resp := postBody(t, ts, "/execute", "", api.ExecuteRequest{ExecutionRequest: req})
	var res engine.ExecutionResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}

	resp = postBody(t, ts, "/replay/validate", "", api.ReplayRequest{Request: req, Result: res})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}
	var rr api.ReplayResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		t.Fatal(err)
	}
	if !rr.Report.OK {
		t.Errorf("replay mismatches over HTTP: %+v", rr.Report.Mismatches)
	}
}
