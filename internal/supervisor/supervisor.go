// Package supervisor owns the decoder worker process from the main-process
// side. It spawns the worker, watches it from outside, restarts it with
// backoff when it dies, and keeps every caller-visible promise local: a
// worker crash surfaces as an error on the affected sessions, never as a
// crash of the calling process.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/framegate/internal/dispatch"
	"github.com/loykin/framegate/internal/history"
	"github.com/loykin/framegate/internal/metrics"
	"github.com/loykin/framegate/internal/procspawn"
	"github.com/loykin/framegate/internal/protocol"
	"github.com/loykin/framegate/internal/session"
	"github.com/loykin/framegate/internal/transport"
)

var (
	// ErrWorkerCrashed resolves requests that were in flight when the worker
	// died. The session that saw it is failed; others may retry on the next
	// generation.
	ErrWorkerCrashed = errors.New("supervisor: worker crashed")
	// ErrTimeout reports a request the worker did not answer in time. The
	// worker is presumed wedged and is restarted.
	ErrTimeout = errors.New("supervisor: request timed out")
	// ErrUndecodable marks a locator that has spent its crash budget.
	ErrUndecodable = errors.New("supervisor: locator repeatedly crashes the decoder")
	// ErrUnavailable rejects requests while no healthy worker exists.
	ErrUnavailable = errors.New("supervisor: worker unavailable")
	// ErrShuttingDown rejects requests after Shutdown began.
	ErrShuttingDown = errors.New("supervisor: shutting down")
	// ErrBusy rejects a request while the session already has one in flight.
	ErrBusy = errors.New("supervisor: session busy")
	// ErrEndOfStream is the orderly end of a decode session's media.
	ErrEndOfStream = errors.New("supervisor: end of stream")
	// ErrNotFound and ErrUnsupported mirror the worker's open failures.
	ErrNotFound    = errors.New("supervisor: media not found")
	ErrUnsupported = errors.New("supervisor: media not supported")
	// ErrDecode covers native decode failures that did not kill the worker.
	ErrDecode = errors.New("supervisor: decode failed")
	// ErrUnknownSession rejects requests for sessions the registry does not hold.
	ErrUnknownSession = errors.New("supervisor: unknown session")
)

// WorkerState is the supervisor's view of the worker process.
type WorkerState int

const (
	StateStarting WorkerState = iota
	StateHealthy
	StateSuspect
	StateRestarting
	StateShuttingDown
	StateTerminated
)

func (s WorkerState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateHealthy:
		return "healthy"
	case StateSuspect:
		return "suspect"
	case StateRestarting:
		return "restarting"
	case StateShuttingDown:
		return "shutting_down"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

var workerStateNames = []string{"starting", "healthy", "suspect", "restarting", "shutting_down", "terminated"}

// Proc is what the supervisor needs from a spawned worker process. The real
// implementation is procspawn.Proc; tests substitute their own.
type Proc interface {
	PID() int
	WaitDone() <-chan struct{}
	Exited() (procspawn.ExitState, bool)
	Stop(grace time.Duration) procspawn.ExitState
	Kill() procspawn.ExitState
}

// Launcher spawns one worker that will dial back to socketPath.
type Launcher interface {
	Launch(socketPath string) (Proc, error)
}

// CommandLauncher launches the worker binary described by Spec.
type CommandLauncher struct {
	Spec procspawn.Spec
}

func (l CommandLauncher) Launch(socketPath string) (Proc, error) {
	spec := l.Spec
	spec.SocketPath = socketPath
	return procspawn.Start(spec)
}

// Config tunes the supervisor. Zero values get defaults.
type Config struct {
	Launcher         Launcher
	SocketDir        string
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	CrashBudget      int
	ShutdownGrace    time.Duration
	Logger           *slog.Logger
	// Recorder receives lifecycle events when set; nil disables history.
	Recorder *history.Recorder
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 200 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Second
	}
	if c.CrashBudget <= 0 {
		c.CrashBudget = 3
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 3 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// link binds one worker generation: its process, its channel, its dispatcher.
// A link is never revived; a new generation gets a new link.
type link struct {
	gen  uint64
	proc Proc
	disp *dispatch.Dispatcher
}

// Supervisor runs one worker and the sessions multiplexed over it.
type Supervisor struct {
	cfg Config
	log *slog.Logger
	reg *session.Registry

	mu          sync.Mutex
	state       WorkerState
	generation  uint64
	backoff     time.Duration
	restarts    int
	cur         *link
	crashCounts map[string]int
	undecodable map[string]bool
	stopped     chan struct{} // closed when Shutdown completes
}

// New builds a supervisor; Start spawns the first worker.
func New(cfg Config) *Supervisor {
	cfg.applyDefaults()
	return &Supervisor{
		cfg:         cfg,
		log:         cfg.Logger.With("component", "supervisor"),
		reg:         session.NewRegistry(),
		state:       StateTerminated,
		backoff:     cfg.BackoffInitial,
		crashCounts: make(map[string]int),
		undecodable: make(map[string]bool),
		stopped:     make(chan struct{}),
	}
}

// Start spawns the first worker generation and performs the handshake.
// Configuration problems (bad binary path, socket errors) surface here;
// failures after Start heal through the restart loop.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	select {
	case <-s.stopped:
		s.mu.Unlock()
		return fmt.Errorf("%w: supervisor cannot be restarted", ErrShuttingDown)
	default:
	}
	if s.state != StateTerminated {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: already started (state %s)", s.state)
	}
	s.setStateLocked(StateStarting)
	s.mu.Unlock()

	l, err := s.spawn()
	if err != nil {
		s.mu.Lock()
		s.setStateLocked(StateTerminated)
		s.mu.Unlock()
		return err
	}
	s.adopt(l)
	return nil
}

// spawn brings up one worker generation: socket, process, handshake.
func (s *Supervisor) spawn() (*link, error) {
	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	ln, err := transport.Listen(s.cfg.SocketDir)
	if err != nil {
		return nil, err
	}
	defer func() { _ = ln.Close() }()

	proc, err := s.cfg.Launcher.Launch(ln.Addr())
	if err != nil {
		return nil, err
	}

	conn, err := ln.Accept(s.cfg.HandshakeTimeout)
	if err != nil {
		proc.Kill()
		return nil, fmt.Errorf("supervisor: worker did not dial back: %w", err)
	}

	l := &link{gen: gen, proc: proc}
	l.disp = dispatch.New(conn, func(resp protocol.Response) {
		metrics.IncStaleResponse()
		s.log.Debug("discarded response with no waiter",
			"session", resp.Session, "seq", resp.Seq, "generation", resp.Generation)
	})

	if err := s.handshake(l); err != nil {
		l.disp.Fail(err)
		proc.Kill()
		return nil, err
	}

	metrics.IncStart()
	metrics.SetGeneration(gen)
	s.log.Info("worker started", "generation", gen, "pid", proc.PID())
	s.record(history.Event{Type: history.EventWorkerStart, Generation: gen, PID: proc.PID()})
	return l, nil
}

func (s *Supervisor) record(e history.Event) {
	if s.cfg.Recorder != nil {
		s.cfg.Recorder.Record(e)
	}
}

func (s *Supervisor) handshake(l *link) error {
	call := l.disp.Go(protocol.Request{Kind: protocol.ReqHello, Generation: l.gen}, nil)
	select {
	case c := <-call.Done:
		if c.Err != nil {
			return fmt.Errorf("supervisor: handshake: %w", c.Err)
		}
		if c.Response.Kind != protocol.RespHelloAck {
			return fmt.Errorf("%w: unexpected handshake reply %s", protocol.ErrProtocolMismatch, c.Response.Kind)
		}
		return nil
	case <-time.After(s.cfg.HandshakeTimeout):
		l.disp.Forget(0, 0)
		return fmt.Errorf("supervisor: handshake: %w", ErrTimeout)
	}
}

// adopt installs a freshly handshaken link as the current generation and
// begins watching it.
func (s *Supervisor) adopt(l *link) {
	s.mu.Lock()
	s.cur = l
	s.backoff = s.cfg.BackoffInitial
	s.setStateLocked(StateHealthy)
	s.mu.Unlock()
	go s.watch(l)
}

// watch observes one link until its worker dies or its channel fails, then
// hands over to the restart path unless a shutdown is in progress.
func (s *Supervisor) watch(l *link) {
	select {
	case <-l.proc.WaitDone():
	case <-l.disp.Done():
	}

	s.mu.Lock()
	if s.cur != l || s.state == StateShuttingDown || s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	s.cur = nil
	s.setStateLocked(StateRestarting)
	s.restarts++
	s.mu.Unlock()

	s.onWorkerDown(l, ErrWorkerCrashed)
	go s.restartLoop()
}

// onWorkerDown settles the books for a dead generation: pending calls fail,
// its sessions fail, and the locator it was serving is charged a crash.
func (s *Supervisor) onWorkerDown(l *link, cause error) {
	st, exited := l.proc.Exited()
	if !exited {
		st = l.proc.Kill()
	}
	l.disp.Fail(cause)

	// The timeout path already counted its crash under "timeout".
	if errors.Is(cause, ErrWorkerCrashed) {
		switch {
		case st.Signaled:
			metrics.IncCrash("signal")
		case st.Code != 0:
			metrics.IncCrash("exit_" + strconv.Itoa(st.Code))
		default:
			metrics.IncCrash("channel")
		}
	}
	s.log.Warn("worker down", "generation", l.gen, "exit_code", st.Code, "signaled", st.Signaled)
	detail := "channel failure"
	if st.Err != nil {
		detail = st.Err.Error()
	}
	s.record(history.Event{Type: history.EventWorkerCrash, Generation: l.gen, PID: l.proc.PID(), Detail: detail})

	s.mu.Lock()
	live := s.generation + 1 // sessions of gen <= l.gen are gone
	s.mu.Unlock()
	failed := s.reg.FailGeneration(live)
	for _, sess := range failed {
		s.log.Warn("session failed with worker", "session", sess.ID, "locator", sess.Locator, "generation", sess.Generation)
	}
	metrics.SetSessionsActive(s.liveSessions())
}

func (s *Supervisor) chargeCrash(locator string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crashCounts[locator]++
	n := s.crashCounts[locator]
	if n >= s.cfg.CrashBudget && !s.undecodable[locator] {
		s.undecodable[locator] = true
		metrics.IncUndecodable()
		s.log.Warn("locator marked undecodable", "locator", locator, "crashes", n)
		s.record(history.Event{Type: history.EventUndecodable, Locator: locator})
	}
}

// clearCrashes resets a locator's consecutive-crash count. Called on every
// response the worker survives, so only uninterrupted crash streaks reach
// the budget. An undecodable mark, once set, stays.
func (s *Supervisor) clearCrashes(locator string) {
	s.mu.Lock()
	delete(s.crashCounts, locator)
	s.mu.Unlock()
}

// restartLoop respawns with exponential backoff until a worker handshakes or
// shutdown intervenes. Backoff doubles per failed attempt and resets once a
// spawn succeeds.
func (s *Supervisor) restartLoop() {
	for {
		s.mu.Lock()
		if s.state != StateRestarting {
			s.mu.Unlock()
			return
		}
		wait := s.backoff
		s.backoff *= 2
		if s.backoff > s.cfg.BackoffMax {
			s.backoff = s.cfg.BackoffMax
		}
		s.mu.Unlock()

		s.log.Info("restarting worker", "backoff", wait)
		select {
		case <-time.After(wait):
		case <-s.stopped:
			return
		}

		s.mu.Lock()
		if s.state != StateRestarting {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		l, err := s.spawn()
		if err != nil {
			s.log.Error("worker restart failed", "error", err)
			continue
		}
		metrics.IncRestart()
		s.adopt(l)
		return
	}
}

// RestartNow kills the current worker and brings up a fresh generation. Used
// by the control surface; sessions on the old generation fail as on a crash.
func (s *Supervisor) RestartNow() {
	s.mu.Lock()
	l := s.cur
	if l == nil || s.state == StateShuttingDown || s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	s.cur = nil
	s.setStateLocked(StateRestarting)
	s.restarts++
	s.mu.Unlock()

	l.proc.Kill()
	s.onWorkerDown(l, ErrWorkerCrashed)
	go s.restartLoop()
}

// condemn is the synchronous half of the timeout path: it claims the link
// and marks the worker suspect before the timed-out request returns to its
// caller. Claiming the link under the lock means exactly one of this path,
// the watch goroutine, and RestartNow settles a given generation. Returns
// false when someone else already claimed the link.
func (s *Supervisor) condemn(l *link) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != l || s.state != StateHealthy {
		return false
	}
	s.cur = nil
	s.setStateLocked(StateSuspect)
	s.restarts++
	return true
}

// finishSuspect kills a condemned worker and hands over to the restart path.
func (s *Supervisor) finishSuspect(l *link) {
	s.log.Warn("worker unresponsive, killing", "generation", l.gen, "pid", l.proc.PID())
	metrics.IncCrash("timeout")
	l.proc.Kill()

	s.mu.Lock()
	if s.state == StateSuspect {
		s.setStateLocked(StateRestarting)
	}
	s.mu.Unlock()

	s.onWorkerDown(l, ErrTimeout)
	go s.restartLoop()
}

// Shutdown stops the worker for good: polite shutdown request, then SIGTERM,
// then SIGKILL. The supervisor is unusable afterwards.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateShuttingDown || s.state == StateTerminated {
		s.mu.Unlock()
		return nil
	}
	l := s.cur
	s.cur = nil
	s.setStateLocked(StateShuttingDown)
	s.mu.Unlock()
	close(s.stopped)

	if l != nil {
		call := l.disp.Go(protocol.Request{Kind: protocol.ReqShutdown, Generation: l.gen}, nil)
		select {
		case <-call.Done:
		case <-time.After(s.cfg.ShutdownGrace):
		case <-ctx.Done():
		}
		l.proc.Stop(s.cfg.ShutdownGrace)
		l.disp.Fail(ErrShuttingDown)
	}

	for _, sess := range s.reg.Snapshot() {
		if !sess.Terminal() {
			sess.Fail()
		}
		s.reg.Remove(sess.ID)
	}

	s.mu.Lock()
	s.setStateLocked(StateTerminated)
	s.mu.Unlock()
	metrics.IncStop()
	metrics.SetSessionsActive(0)
	s.record(history.Event{Type: history.EventWorkerStop, Generation: s.Generation()})
	s.log.Info("supervisor terminated")
	return ctx.Err()
}

func (s *Supervisor) setStateLocked(st WorkerState) {
	s.state = st
	metrics.SetWorkerState(st.String(), workerStateNames)
}

// State reports the current worker state.
func (s *Supervisor) State() WorkerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Generation reports the current worker generation.
func (s *Supervisor) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// PID reports the live worker's process ID, or zero when none is running.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return 0
	}
	return s.cur.proc.PID()
}

func (s *Supervisor) liveSessions() int {
	n := 0
	for _, sess := range s.reg.Snapshot() {
		if !sess.Terminal() {
			n++
		}
	}
	return n
}
