package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/api"})
}

func TestModulesRoundTrip(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/modules", func(w http.ResponseWriter, r *http.Request) {
		var req LoadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Locator != "heartbeat" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "bad body"})
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "m-1"})
	})
	mux.HandleFunc("GET /api/modules", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]Module{{ID: "m-1", Locator: "heartbeat", State: "active"}})
	})
	mux.HandleFunc("DELETE /api/modules/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "m-1" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "module not found"})
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	id, err := c.LoadModule(ctx, LoadRequest{Locator: "heartbeat", Config: map[string]any{"interval": "5s"}})
	if err != nil || id != "m-1" {
		t.Fatalf("load: id=%q err=%v", id, err)
	}
	mods, err := c.Modules(ctx)
	if err != nil || len(mods) != 1 || mods[0].State != "active" {
		t.Fatalf("modules: %+v err=%v", mods, err)
	}
	if err := c.UnloadModule(ctx, "m-1"); err != nil {
		t.Fatalf("unload: %v", err)
	}
	err = c.UnloadModule(ctx, "m-2")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if ae, ok := err.(*APIError); !ok || ae.Message != "module not found" {
		t.Fatalf("unexpected error value: %#v", err)
	}
}

func TestProcessQueryAndAction(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/processes", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("state") != "running" || r.URL.Query().Get("owner") != "m-1" {
			_ = json.NewEncoder(w).Encode([]Process{})
			return
		}
		_ = json.NewEncoder(w).Encode([]Process{{ID: "p-1", State: "running", OwnerModule: "m-1"}})
	})
	mux.HandleFunc("POST /api/processes/{id}/{action}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("action") != "pause" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(Process{ID: r.PathValue("id"), State: "paused"})
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	procs, err := c.Processes(ctx, ProcessQuery{State: "running", Owner: "m-1"})
	if err != nil || len(procs) != 1 {
		t.Fatalf("processes: %+v err=%v", procs, err)
	}
	p, err := c.ProcessAction(ctx, "p-1", "pause")
	if err != nil || p.State != "paused" {
		t.Fatalf("pause: %+v err=%v", p, err)
	}
	// a body that is not JSON still yields an APIError with the status
	_, err = c.ProcessAction(ctx, "p-1", "explode")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStatusEventsHealth(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"instance":"node-1","modules":{"loaded":2,"active":2,"capacity":50},
			"processes":{"total":3,"live":2,"running":1,"paused":1,"stopped":1,"capacity":100},
			"events_24h":{"info":4,"warning":0,"error":1,"critical":0}}`))
	})
	mux.HandleFunc("GET /api/events", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "5" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode([]Event{{EventType: "module_loaded", Severity: "info"}})
	})
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		issues := []HealthIssue{}
		if r.URL.Query().Get("fresh") == "true" {
			issues = append(issues, HealthIssue{Kind: "cpu_quota", Severity: "warning"})
		}
		_ = json.NewEncoder(w).Encode(Health{Issues: issues})
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Instance != "node-1" || st.Modules.Capacity != 50 || st.Processes.Paused != 1 || st.Events["error"] != 1 {
		t.Fatalf("unexpected status: %+v", st)
	}
	evs, err := c.Events(ctx, 5)
	if err != nil || len(evs) != 1 {
		t.Fatalf("events: %+v err=%v", evs, err)
	}
	h, err := c.Health(ctx, true)
	if err != nil || len(h.Issues) != 1 {
		t.Fatalf("fresh health: %+v err=%v", h, err)
	}
	h, err = c.Health(ctx, false)
	if err != nil || len(h.Issues) != 0 {
		t.Fatalf("cached health: %+v err=%v", h, err)
	}
	if !c.IsReachable(ctx) {
		t.Fatalf("expected reachable")
	}
}

func TestIsReachableDown(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1/api"})
	if c.IsReachable(context.Background()) {
		t.Fatalf("expected unreachable")
	}
}

func TestSetupClientTLS(t *testing.T) {
	cfg, err := setupClientTLS(Config{Insecure: true})
	if err != nil || !cfg.InsecureSkipVerify {
		t.Fatalf("insecure: %+v err=%v", cfg, err)
	}
	cfg, err = setupClientTLS(Config{TLS: &TLSClientConfig{Enabled: true, ServerName: "orkestr.local"}})
	if err != nil || cfg.ServerName != "orkestr.local" {
		t.Fatalf("server name: %+v err=%v", cfg, err)
	}

	bad := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(bad, []byte("not a cert"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := setupClientTLS(Config{TLS: &TLSClientConfig{Enabled: true, CACert: bad}}); err == nil {
		t.Fatalf("expected CA parse error")
	}
	if _, err := setupClientTLS(Config{TLS: &TLSClientConfig{Enabled: true, CACert: bad + ".missing"}}); err == nil {
		t.Fatalf("expected CA read error")
	}
}

func TestLoginSendsBearer(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["username"] != "ops" || body["password"] != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "invalid credentials"})
			return
		}
		_ = json.NewEncoder(w).Encode(Token{Type: "Bearer", Value: "tok-1"})
	})
	mux.HandleFunc("GET /api/modules", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "authentication required"})
			return
		}
		_ = json.NewEncoder(w).Encode([]Module{})
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	if _, err := c.Modules(ctx); err == nil {
		t.Fatalf("expected 401 before login")
	}
	if _, err := c.Login(ctx, "ops", "bad"); err == nil {
		t.Fatalf("expected login failure")
	}
	tok, err := c.Login(ctx, "ops", "pw")
	if err != nil || tok.Value != "tok-1" {
		t.Fatalf("login: %+v %v", tok, err)
	}
	if _, err := c.Modules(ctx); err != nil {
		t.Fatalf("modules after login: %v", err)
	}
}

func TestBasicAuthHeader(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/system", func(w http.ResponseWriter, r *http.Request) {
		if u, p, ok := r.BasicAuth(); !ok || u != "ro" || p != "look" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(SystemMetrics{CPUUsage: 1})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := New(Config{BaseURL: srv.URL + "/api", Username: "ro", Password: "look"})
	if m, err := c.System(context.Background()); err != nil || m.CPUUsage != 1 {
		t.Fatalf("system: %+v %v", m, err)
	}
}
