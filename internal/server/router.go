package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/framegate/internal/metrics"
	"github.com/loykin/framegate/internal/supervisor"
)

// Router provides embeddable HTTP handlers for inspecting and controlling
// the decoder worker.
// Endpoints:
//   GET  {basePath}/healthz     200 when the worker is healthy, 503 otherwise
//   GET  {basePath}/status      full supervisor status JSON
//   GET  {basePath}/sessions    session rows only
//   POST {basePath}/restart     force a worker restart
//   GET  {basePath}/metrics     Prometheus exposition
// basePath may be empty or start with '/'; no trailing slash.

type Router struct {
	sup      *supervisor.Supervisor
	basePath string
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/decoder" results in /decoder/status, /decoder/restart.
func NewRouter(sup *supervisor.Supervisor, basePath string) *Router {
	bp := sanitizeBase(basePath)
	return &Router{sup: sup, basePath: bp}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealthz)
	group.GET("/status", r.handleStatus)
	group.GET("/sessions", r.handleSessions)
	group.POST("/restart", r.handleRestart)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

func (r *Router) handleHealthz(c *gin.Context) {
	state := r.sup.State()
	code := http.StatusOK
	if state != supervisor.StateHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(c, code, gin.H{"state": state.String()})
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sup.Status())
}

func (r *Router) handleSessions(c *gin.Context) {
	st := r.sup.Status()
	if st.Sessions == nil {
		st.Sessions = []supervisor.SessionStatus{}
	}
	writeJSON(c, http.StatusOK, st.Sessions)
}

func (r *Router) handleRestart(c *gin.Context) {
	switch r.sup.State() {
	case supervisor.StateShuttingDown, supervisor.StateTerminated:
		writeJSON(c, http.StatusConflict, gin.H{"error": "supervisor is shut down"})
		return
	}
	r.sup.RestartNow()
	writeJSON(c, http.StatusOK, gin.H{"generation": r.sup.Generation()})
}

// NewServer starts a standalone HTTP server on addr using this router.
// Callers shut it down via the returned server's Shutdown method.
func NewServer(addr, basePath string, sup *supervisor.Supervisor) (*http.Server, error) {
	r := NewRouter(sup, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}
