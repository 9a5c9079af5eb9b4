// Package dispatch multiplexes caller requests onto one worker channel. A
// Dispatcher lives exactly as long as its connection: one per worker
// generation, failed wholesale when that worker dies, never reused.
package dispatch

import (
	"errors"
	"sync"

	"github.com/loykin/framegate/internal/protocol"
	"github.com/loykin/framegate/internal/transport"
)

// ErrDispatcherClosed resolves calls issued after the channel died.
var ErrDispatcherClosed = errors.New("dispatch: dispatcher closed")

// Call is one in-flight request, resolved exactly once through Done.
type Call struct {
	Request  protocol.Request
	Response protocol.Response
	Err      error
	Done     chan *Call
}

func (c *Call) resolve() {
	select {
	case c.Done <- c:
	default:
		// Done must be buffered; a full channel is a caller bug and dropping
		// beats deadlocking the reader.
	}
}

type key struct {
	session uint64
	seq     uint64
}

// Dispatcher pairs responses read from the channel with the calls that sent
// the requests. The correlation table is keyed by (session, sequence); both
// sides echo them verbatim.
type Dispatcher struct {
	conn *transport.Conn

	mu      sync.Mutex
	pending map[key]*Call
	closed  bool
	err     error

	done      chan struct{}
	onDiscard func(protocol.Response)
}

// New wraps conn and starts the single reader. onDiscard observes responses
// that no longer have a waiting call (resolved by timeout, or stale); nil is
// allowed.
func New(conn *transport.Conn, onDiscard func(protocol.Response)) *Dispatcher {
	d := &Dispatcher{
		conn:      conn,
		pending:   make(map[key]*Call),
		done:      make(chan struct{}),
		onDiscard: onDiscard,
	}
	go d.readLoop()
	return d
}

// Go sends req and returns immediately; the call resolves through done. A nil
// done gets a fresh buffered channel. Sends are serialized by the transport,
// so concurrent Go calls keep frames intact.
func (d *Dispatcher) Go(req protocol.Request, done chan *Call) *Call {
	if done == nil {
		done = make(chan *Call, 1)
	}
	c := &Call{Request: req, Done: done}
	k := key{session: req.Session, seq: req.Seq}

	d.mu.Lock()
	if d.closed {
		err := d.err
		d.mu.Unlock()
		c.Err = err
		c.resolve()
		return c
	}
	d.pending[k] = c
	d.mu.Unlock()

	if err := d.conn.Send(protocol.EncodeRequest(req)); err != nil {
		d.mu.Lock()
		delete(d.pending, k)
		d.mu.Unlock()
		c.Err = err
		c.resolve()
	}
	return c
}

// Call sends req and blocks until the response arrives or the channel fails.
// Timeouts are the caller's concern: wait on Go's done with a timer and
// Forget the call when giving up.
func (d *Dispatcher) Call(req protocol.Request) (protocol.Response, error) {
	c := <-d.Go(req, nil).Done
	return c.Response, c.Err
}

// Forget withdraws a pending call so a late response is discarded instead of
// delivered. Reports whether the call was still pending.
func (d *Dispatcher) Forget(session, seq uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := key{session: session, seq: seq}
	if _, ok := d.pending[k]; !ok {
		return false
	}
	delete(d.pending, k)
	return true
}

// Fail resolves every pending call with err and refuses new ones. Used by the
// supervisor when the worker process dies before the reader notices.
func (d *Dispatcher) Fail(err error) {
	if err == nil {
		err = ErrDispatcherClosed
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.err = err
	calls := d.pending
	d.pending = nil
	d.mu.Unlock()

	_ = d.conn.Close()
	for _, c := range calls {
		c.Err = err
		c.resolve()
	}
}

// Done is closed when the reader has exited; Err then reports why.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

func (d *Dispatcher) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Pending reports the number of unresolved calls.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) readLoop() {
	defer close(d.done)
	for {
		frame, err := d.conn.Receive(0)
		if err != nil {
			d.Fail(err)
			return
		}
		resp, err := protocol.DecodeResponse(frame)
		if err != nil {
			// A frame we cannot decode means the stream is corrupt; nothing
			// after it can be trusted.
			d.Fail(err)
			return
		}

		k := key{session: resp.Session, seq: resp.Seq}
		d.mu.Lock()
		c, ok := d.pending[k]
		if ok {
			delete(d.pending, k)
		}
		d.mu.Unlock()

		if !ok {
			if d.onDiscard != nil {
				d.onDiscard(resp)
			}
			continue
		}
		c.Response = resp
		c.resolve()
	}
}
