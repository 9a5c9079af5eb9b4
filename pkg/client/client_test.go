package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestServer(t *testing.T, healthy bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		code := http.StatusOK
		state := "healthy"
		if !healthy {
			code = http.StatusServiceUnavailable
			state = "restarting"
		}
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(HealthResponse{State: state})
	})
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Status{
			State:      "healthy",
			Generation: 2,
			PID:        4242,
			Restarts:   1,
			Sessions:   []Session{{ID: 7, Locator: "/clips/a.mp4", State: "ready", Generation: 2}},
		})
	})
	mux.HandleFunc("GET /sessions", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]Session{{ID: 7, Locator: "/clips/a.mp4", State: "ready", Generation: 2}})
	})
	mux.HandleFunc("POST /restart", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(RestartResponse{Generation: 3})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientStatus(t *testing.T) {
	srv := newTestServer(t, true)
	c := New(Config{BaseURL: srv.URL, Timeout: 2 * time.Second})
	ctx := context.Background()

	if !c.IsReachable(ctx) {
		t.Fatalf("server should be reachable")
	}
	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Generation != 2 || st.PID != 4242 || len(st.Sessions) != 1 {
		t.Fatalf("unexpected status: %+v", st)
	}
	rows, err := c.Sessions(ctx)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != 7 {
		t.Fatalf("unexpected sessions: %+v", rows)
	}
}

func TestClientHealthDegraded(t *testing.T) {
	srv := newTestServer(t, false)
	c := New(Config{BaseURL: srv.URL})

	state, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("health on degraded worker must not error: %v", err)
	}
	if state != "restarting" {
		t.Fatalf("state: got %q", state)
	}
}

func TestClientRestart(t *testing.T) {
	srv := newTestServer(t, true)
	c := New(Config{BaseURL: srv.URL})

	gen, err := c.Restart(context.Background())
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if gen != 3 {
		t.Fatalf("generation: got %d", gen)
	}
}

func TestClientUnreachable(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	ctx := context.Background()
	if c.IsReachable(ctx) {
		t.Fatalf("nothing listens there")
	}
	if _, err := c.Status(ctx); err == nil {
		t.Fatalf("status must fail")
	}
}

func TestClientErrorBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /restart", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "supervisor is shut down"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := New(Config{BaseURL: srv.URL})
	_, err := c.Restart(context.Background())
	if err == nil {
		t.Fatalf("restart must surface the API error")
	}
}
