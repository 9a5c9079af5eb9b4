// Package procspawn starts and reaps the decoder worker process. One Proc is
// one OS process: the supervisor makes a fresh Proc per worker generation and
// never reuses one after exit.
package procspawn

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/loykin/framegate/internal/logger"
	"github.com/loykin/framegate/internal/transport"
)

// Spec describes how to launch one worker.
type Spec struct {
	Name       string   // log file prefix
	Command    string   // worker executable
	Args       []string // arguments, typically the hidden worker subcommand
	SocketPath string   // handed to the child via transport.SocketEnv
	Env        []string // extra KEY=VALUE entries appended to the inherited env
	WorkDir    string
	Log        logger.FileConfig // stderr capture with rotation
}

// ExitState is the reaped outcome of a worker process.
type ExitState struct {
	Code     int
	Signaled bool
	Err      error
}

// Proc is a started worker process. All state is guarded; accessors take the
// lock internally.
type Proc struct {
	mu        sync.Mutex
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	stoppedAt time.Time
	exited    bool
	exit      ExitState
	stopping  bool
	errCloser io.WriteCloser
	waitDone  chan struct{}
}

// Start launches the worker and begins reaping it. The returned Proc owns
// cmd.Wait; callers observe exit through WaitDone and ExitState.
func Start(spec Spec) (*Proc, error) {
	if spec.Command == "" {
		return nil, errors.New("procspawn: empty command")
	}
	cmd := exec.Command(spec.Command, spec.Args...)
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	env := append(os.Environ(), spec.Env...)
	if spec.SocketPath != "" {
		env = append(env, transport.SocketEnv+"="+spec.SocketPath)
	}
	cmd.Env = env
	setSysProcAttr(cmd)

	p := &Proc{waitDone: make(chan struct{})}

	// The worker's stdout is the IPC-free side channel nobody reads; stderr
	// carries native library noise and crash output, rotated so a chatty
	// codec cannot fill the disk.
	null, _ := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	cmd.Stdout = null
	if spec.Log.Dir != "" || spec.Log.StderrPath != "" {
		if spec.Log.Dir != "" {
			_ = os.MkdirAll(spec.Log.Dir, 0o750)
		}
		_, errW, _ := spec.Log.Writers(spec.Name)
		if errW != nil {
			p.errCloser = errW
			cmd.Stderr = errW
		} else {
			cmd.Stderr = null
		}
	} else {
		cmd.Stderr = null
	}

	if err := cmd.Start(); err != nil {
		if p.errCloser != nil {
			_ = p.errCloser.Close()
		}
		return nil, fmt.Errorf("procspawn: start %s: %w", spec.Command, err)
	}
	p.mu.Lock()
	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.startedAt = time.Now()
	p.mu.Unlock()

	go p.reap()
	return p, nil
}

// reap is the single waiter for the child. Closing waitDone after recording
// the exit state means observers never see a closed channel with a stale
// ExitState.
func (p *Proc) reap() {
	err := p.cmd.Wait()
	st := ExitState{Err: err}
	if ps := p.cmd.ProcessState; ps != nil {
		st.Code = ps.ExitCode()
		st.Signaled = exitedBySignal(ps)
	}
	p.mu.Lock()
	p.exited = true
	p.exit = st
	p.stoppedAt = time.Now()
	if p.errCloser != nil {
		_ = p.errCloser.Close()
		p.errCloser = nil
	}
	p.mu.Unlock()
	close(p.waitDone)
}

// PID returns the child's process id.
func (p *Proc) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// WaitDone is closed once the child has been reaped.
func (p *Proc) WaitDone() <-chan struct{} { return p.waitDone }

// Exited reports whether the child has been reaped, with its exit state.
func (p *Proc) Exited() (ExitState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit, p.exited
}

// Uptime reports how long the child has been (or was) running.
func (p *Proc) Uptime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startedAt.IsZero() {
		return 0
	}
	if p.exited {
		return p.stoppedAt.Sub(p.startedAt)
	}
	return time.Since(p.startedAt)
}

// Alive probes the child without racing the reaper.
func (p *Proc) Alive() bool {
	p.mu.Lock()
	exited := p.exited
	pid := p.pid
	p.mu.Unlock()
	if exited || pid == 0 {
		return false
	}
	return pidAlive(pid)
}

// StopRequested reports whether Stop was called; the supervisor uses it to
// tell an intentional shutdown from a crash.
func (p *Proc) StopRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}

// Stop terminates the child: SIGTERM to the process group, then SIGKILL if it
// does not exit within grace. Returns the reaped exit state.
func (p *Proc) Stop(grace time.Duration) ExitState {
	p.mu.Lock()
	p.stopping = true
	pid := p.pid
	exited := p.exited
	p.mu.Unlock()
	if exited || pid == 0 {
		st, _ := p.Exited()
		return st
	}

	signalGroup(pid, false)
	select {
	case <-p.waitDone:
	case <-time.After(grace):
		signalGroup(pid, true)
		select {
		case <-p.waitDone:
		case <-time.After(2 * time.Second):
			// Unreapable child; give up and report what we have.
		}
	}
	st, _ := p.Exited()
	return st
}

// Kill force-terminates the child group without the polite phase.
func (p *Proc) Kill() ExitState {
	p.mu.Lock()
	p.stopping = true
	pid := p.pid
	exited := p.exited
	p.mu.Unlock()
	if !exited && pid != 0 {
		signalGroup(pid, true)
		select {
		case <-p.waitDone:
		case <-time.After(2 * time.Second):
		}
	}
	st, _ := p.Exited()
	return st
}
