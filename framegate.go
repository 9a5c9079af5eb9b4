// Package framegate supervises a crash-isolated media decoder process and
// exposes decode sessions to the embedding application. The native decoder
// runs in a separate worker process; when it crashes or hangs, the worker is
// restarted and in-flight requests fail with typed errors instead of taking
// the application down.
package framegate

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/framegate/internal/config"
	"github.com/loykin/framegate/internal/history"
	"github.com/loykin/framegate/internal/history/factory"
	"github.com/loykin/framegate/internal/logger"
	"github.com/loykin/framegate/internal/metrics"
	"github.com/loykin/framegate/internal/procspawn"
	iapi "github.com/loykin/framegate/internal/server"
	"github.com/loykin/framegate/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.FileConfig

type Frame = supervisor.Frame

type StreamInfo = supervisor.StreamInfo

type Status = supervisor.Status

type SessionStatus = supervisor.SessionStatus

type HistorySink = history.Sink

// Async call objects, net/rpc style: fire the call, receive it back on Done.

type OpenCall = supervisor.OpenCall

type DecodeCall = supervisor.DecodeCall

type SeekCall = supervisor.SeekCall

type CloseCall = supervisor.CloseCall

// Typed errors callers branch on.
var (
	ErrWorkerCrashed  = supervisor.ErrWorkerCrashed
	ErrTimeout        = supervisor.ErrTimeout
	ErrUndecodable    = supervisor.ErrUndecodable
	ErrUnavailable    = supervisor.ErrUnavailable
	ErrShuttingDown   = supervisor.ErrShuttingDown
	ErrBusy           = supervisor.ErrBusy
	ErrEndOfStream    = supervisor.ErrEndOfStream
	ErrNotFound       = supervisor.ErrNotFound
	ErrUnsupported    = supervisor.ErrUnsupported
	ErrDecode         = supervisor.ErrDecode
	ErrUnknownSession = supervisor.ErrUnknownSession
)

// Gallery is the public handle: one supervised worker plus the session API.
type Gallery struct {
	sup     *supervisor.Supervisor
	rec     *history.Recorder
	sampler *metrics.ResourceSampler
}

// LoadConfig reads a TOML config file; an empty path yields defaults.
func LoadConfig(path string) (*Config, error) {
	fc, err := cfg.Load(path)
	if err != nil {
		return nil, err
	}
	return &fc, nil
}

// New wires logging, history, and the supervisor from config and spawns the
// first worker. The worker command defaults to re-executing the current
// binary with the "worker" subcommand.
func New(c *Config) (*Gallery, error) {
	if c == nil {
		d := cfg.Default()
		c = &d
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	log := logger.New(c.Log)
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	var rec *history.Recorder
	if c.History.Enabled {
		sink, err := factory.NewSinkFromDSN(c.History.DSN)
		if err != nil {
			return nil, fmt.Errorf("history sink: %w", err)
		}
		rec = history.NewRecorder(sink, c.History.Buffer, log)
	}

	command := c.Worker.Command
	args := c.Worker.Args
	if command == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve worker binary: %w", err)
		}
		command = self
		args = append([]string{"worker", "--backend", c.Backend}, args...)
	}

	sup := supervisor.New(supervisor.Config{
		Launcher: supervisor.CommandLauncher{Spec: procspawn.Spec{
			Name:    "decoder-worker",
			Command: command,
			Args:    args,
			Env:     []string{"FRAMEGATE_ROOT=" + c.Root},
			Log:     c.Log.File,
		}},
		SocketDir:        c.Worker.SocketDir,
		HandshakeTimeout: c.Worker.HandshakeTimeout,
		RequestTimeout:   c.Worker.RequestTimeout,
		BackoffInitial:   c.Worker.BackoffInitial,
		BackoffMax:       c.Worker.BackoffMax,
		CrashBudget:      c.Worker.CrashBudget,
		ShutdownGrace:    c.Worker.ShutdownGrace,
		Logger:           log,
		Recorder:         rec,
	})
	if err := sup.Start(); err != nil {
		if rec != nil {
			_ = rec.Close()
		}
		return nil, err
	}

	sampler := metrics.NewResourceSampler(sup.PID, 0)
	_ = sampler.RegisterMetrics(prometheus.DefaultRegisterer)
	sampler.Start()
	return &Gallery{sup: sup, rec: rec, sampler: sampler}, nil
}

// Open starts a decode session for locator scaled toward the target size.
// The call completes on its Done channel; OpenWait is the blocking form.
func (g *Gallery) Open(locator string, targetW, targetH uint32) *OpenCall {
	return g.sup.Open(locator, targetW, targetH)
}

// DecodeNext requests the next frame without blocking the caller.
func (g *Gallery) DecodeNext(session uint64) *DecodeCall {
	return g.sup.DecodeNext(session)
}

// Seek repositions a session to positionMs without blocking the caller.
func (g *Gallery) Seek(session uint64, positionMs int64) *SeekCall {
	return g.sup.Seek(session, positionMs)
}

// Close releases a session without blocking the caller.
func (g *Gallery) Close(session uint64) *CloseCall {
	return g.sup.Close(session)
}

// OpenWait starts a decode session and blocks until the worker answers.
func (g *Gallery) OpenWait(ctx context.Context, locator string, targetW, targetH uint32) (uint64, StreamInfo, error) {
	return g.sup.OpenWait(ctx, locator, targetW, targetH)
}

// DecodeNextWait returns the next frame or ErrEndOfStream.
func (g *Gallery) DecodeNextWait(ctx context.Context, session uint64) (*Frame, error) {
	return g.sup.DecodeNextWait(ctx, session)
}

// SeekWait repositions a session to positionMs.
func (g *Gallery) SeekWait(ctx context.Context, session uint64, positionMs int64) error {
	return g.sup.SeekWait(ctx, session, positionMs)
}

// CloseWait releases a session.
func (g *Gallery) CloseWait(ctx context.Context, session uint64) error {
	return g.sup.CloseWait(ctx, session)
}

// Status reports worker state, generation, and sessions.
func (g *Gallery) Status() Status { return g.sup.Status() }

// RestartNow forces a worker recycle.
func (g *Gallery) RestartNow() { g.sup.RestartNow() }

// Shutdown stops the worker and flushes history.
func (g *Gallery) Shutdown(ctx context.Context) error {
	g.sampler.Stop()
	err := g.sup.Shutdown(ctx)
	if g.rec != nil {
		_ = g.rec.Close()
	}
	return err
}

// Resources returns the latest CPU/memory reading of the worker process.
func (g *Gallery) Resources() (metrics.ResourceSample, bool) {
	return g.sampler.Last()
}

// Supervisor exposes the underlying supervisor for embedding in HTTP surfaces.
func (g *Gallery) Supervisor() *supervisor.Supervisor { return g.sup }

// NewHTTPServer starts an HTTP server exposing the status API for g.
func NewHTTPServer(addr, basePath string, g *Gallery) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, g.sup)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It returns any immediate listen error; otherwise it runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	http.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           nil,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
