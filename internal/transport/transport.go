// Package transport carries codec frames between the supervisor and the
// decoder worker over a local stream socket. It distinguishes a closed
// channel (crash signal) from a slow peer (timeout) so the supervisor can
// react differently to each.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/framegate/internal/protocol"
)

// SocketEnv is the environment variable carrying the socket address to the
// spawned worker process.
const SocketEnv = "FRAMEGATE_SOCKET"

var (
	// ErrChannelClosed reports that the peer is gone: EOF, broken pipe, or a
	// locally closed connection. The supervisor treats it as a crash signal.
	ErrChannelClosed = errors.New("transport: channel closed")
	// ErrReceiveTimeout reports that no frame arrived within the deadline.
	ErrReceiveTimeout = errors.New("transport: receive timeout")
)

// Conn is one end of the channel. Sends are serialized internally so frames
// stay well-formed; there must be a single reader.
type Conn struct {
	c      net.Conn
	wmu    sync.Mutex
	closed atomic.Bool
}

func NewConn(c net.Conn) *Conn { return &Conn{c: c} }

// Send writes one complete frame. Safe for concurrent use.
func (t *Conn) Send(frame []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if t.closed.Load() {
		return ErrChannelClosed
	}
	if _, err := t.c.Write(frame); err != nil {
		return t.mapErr(err)
	}
	return nil
}

// Receive blocks for the next frame. A timeout of zero blocks indefinitely.
// The returned slice is a complete frame including the length prefix.
func (t *Conn) Receive(timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := t.c.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, t.mapErr(err)
		}
		defer func() { _ = t.c.SetReadDeadline(time.Time{}) }()
	}
	var prefix [4]byte
	if _, err := io.ReadFull(t.c, prefix[:]); err != nil {
		return nil, t.mapErr(err)
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > protocol.MaxFrameSize {
		return nil, fmt.Errorf("%w: length prefix %d exceeds limit", protocol.ErrMalformedFrame, n)
	}
	frame := make([]byte, 4+n)
	copy(frame, prefix[:])
	if _, err := io.ReadFull(t.c, frame[4:]); err != nil {
		return nil, t.mapErr(err)
	}
	return frame, nil
}

func (t *Conn) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.c.Close()
}

func (t *Conn) mapErr(err error) error {
	if t.closed.Load() {
		return ErrChannelClosed
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrReceiveTimeout
	}
	// EOF, unexpected EOF, broken pipe, reset, use of closed connection: the
	// peer is gone either way.
	return fmt.Errorf("%w: %v", ErrChannelClosed, err)
}

// Listener owns a per-spawn unix socket the worker dials back to.
type Listener struct {
	ln   net.Listener
	path string
}

var sockSeq atomic.Uint64

// Listen creates a fresh unix socket under dir (os.TempDir when empty).
func Listen(dir string) (*Listener, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, "framegate-"+strconv.Itoa(os.Getpid())+"-"+strconv.FormatUint(sockSeq.Add(1), 10)+".sock")
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", path, err)
	}
	return &Listener{ln: ln, path: path}, nil
}

// Addr returns the socket path handed to the worker via SocketEnv.
func (l *Listener) Addr() string { return l.path }

// Accept waits for the worker to dial back, bounded by timeout.
func (l *Listener) Accept(timeout time.Duration) (*Conn, error) {
	if ul, ok := l.ln.(*net.UnixListener); ok && timeout > 0 {
		if err := ul.SetDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
	}
	c, err := l.ln.Accept()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, ErrReceiveTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return NewConn(c), nil
}

func (l *Listener) Close() error {
	err := l.ln.Close()
	_ = os.Remove(l.path)
	return err
}

// Dial connects the worker side to the supervisor's socket.
func Dial(path string, timeout time.Duration) (*Conn, error) {
	c, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return NewConn(c), nil
}
