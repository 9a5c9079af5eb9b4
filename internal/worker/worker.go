// Package worker is the request/response loop of the isolated decoder
// process. It reads one frame, drives the native decoder, writes the
// response, and repeats; it never reaches back into the supervisor's
// memory, and it never tries to survive a native fault. If the decoder
// takes the process down, the supervisor notices from outside.
package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/loykin/framegate/internal/decoder"
	"github.com/loykin/framegate/internal/media"
	"github.com/loykin/framegate/internal/protocol"
	"github.com/loykin/framegate/internal/transport"
)

// Exit codes. Zero is reserved for a clean shutdown request; the supervisor
// reads anything else as a crash.
const (
	ExitOK               = 0
	ExitProtocolMismatch = 2
	ExitTransport        = 4
)

// Config wires a worker run.
type Config struct {
	SocketPath  string
	Decoder     decoder.Decoder
	Resolver    media.Resolver
	DialTimeout time.Duration
}

// Run dials the supervisor socket and serves until shutdown or stream
// failure. The returned code is meant for os.Exit.
func Run(cfg Config) int {
	path := cfg.SocketPath
	if path == "" {
		path = os.Getenv(transport.SocketEnv)
	}
	if path == "" {
		slog.Error("worker: no socket address", "env", transport.SocketEnv)
		return ExitTransport
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	conn, err := transport.Dial(path, timeout)
	if err != nil {
		slog.Error("worker: dial supervisor", "path", path, "error", err)
		return ExitTransport
	}
	defer func() { _ = conn.Close() }()

	err = Serve(conn, cfg.Decoder, cfg.Resolver)
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, protocol.ErrProtocolMismatch):
		slog.Error("worker: protocol mismatch, refusing to guess", "error", err)
		return ExitProtocolMismatch
	default:
		slog.Error("worker: serve", "error", err)
		return ExitTransport
	}
}

// loop holds the single live native context plus the bookkeeping needed to
// multiplex interleaved sessions by suspend/resume.
type loop struct {
	conn *transport.Conn
	dec  decoder.Decoder
	res  media.Resolver

	liveSession uint64
	liveCtx     decoder.Context
	sessions    map[uint64]*mirror
}

// mirror is the worker-side view of one session: just enough to reopen the
// native context when the supervisor interleaves sessions.
type mirror struct {
	path       string
	opt        decoder.OpenOptions
	positionMs int64
	eof        bool
}

// Serve runs the request loop on an established channel. It returns nil
// only after a shutdown request; any transport or protocol failure is
// returned so the process can exit nonzero.
func Serve(conn *transport.Conn, dec decoder.Decoder, res media.Resolver) error {
	l := &loop{conn: conn, dec: dec, res: res, sessions: make(map[uint64]*mirror)}
	defer l.closeLive()

	// Handshake first: anything else on a fresh channel means the two
	// binaries disagree about the protocol.
	req, err := l.read()
	if err != nil {
		return err
	}
	if req.Kind != protocol.ReqHello {
		return fmt.Errorf("%w: expected hello, got %s", protocol.ErrProtocolMismatch, req.Kind)
	}
	if err := l.reply(req, protocol.Response{Kind: protocol.RespHelloAck}); err != nil {
		return err
	}

	for {
		req, err := l.read()
		if err != nil {
			return err
		}
		if req.Kind == protocol.ReqShutdown {
			_ = l.reply(req, protocol.Response{Kind: protocol.RespClosed})
			return nil
		}
		if err := l.dispatch(req); err != nil {
			return err
		}
	}
}

func (l *loop) read() (protocol.Request, error) {
	frame, err := l.conn.Receive(0)
	if err != nil {
		return protocol.Request{}, err
	}
	return protocol.DecodeRequest(frame)
}

func (l *loop) reply(req protocol.Request, resp protocol.Response) error {
	resp.Session = req.Session
	resp.Seq = req.Seq
	resp.Generation = req.Generation
	return l.conn.Send(protocol.EncodeResponse(resp))
}

func (l *loop) replyErr(req protocol.Request, kind protocol.ErrorKind, err error) error {
	return l.reply(req, protocol.Response{Kind: protocol.RespError, ErrKind: kind, ErrMsg: err.Error()})
}

func (l *loop) dispatch(req protocol.Request) error {
	switch req.Kind {
	case protocol.ReqOpen:
		return l.handleOpen(req)
	case protocol.ReqSeek:
		return l.handleSeek(req)
	case protocol.ReqDecodeNext:
		return l.handleDecodeNext(req)
	case protocol.ReqClose:
		return l.handleClose(req)
	case protocol.ReqHello:
		// A second hello is harmless; ack it again.
		return l.reply(req, protocol.Response{Kind: protocol.RespHelloAck})
	default:
		return fmt.Errorf("%w: unhandled request %s", protocol.ErrMalformedFrame, req.Kind)
	}
}

func (l *loop) handleOpen(req protocol.Request) error {
	path, err := l.res.Resolve(req.Locator)
	if err != nil {
		return l.replyErr(req, protocol.ErrorNotFound, err)
	}
	m := &mirror{path: path, opt: decoder.OpenOptions{TargetWidth: int(req.TargetW), TargetHeight: int(req.TargetH)}}
	ctx, err := l.activate(req.Session, m)
	if err != nil {
		return l.replyErr(req, classify(err), err)
	}
	l.sessions[req.Session] = m
	info := ctx.Info()
	return l.reply(req, protocol.Response{
		Kind:       protocol.RespOpened,
		Width:      uint32(info.Width),
		Height:     uint32(info.Height),
		DurationMs: info.DurationMs,
	})
}

func (l *loop) handleSeek(req protocol.Request) error {
	m, ok := l.sessions[req.Session]
	if !ok {
		return l.replyErr(req, protocol.ErrorInternal, fmt.Errorf("unknown session %d", req.Session))
	}
	ctx, err := l.activate(req.Session, m)
	if err != nil {
		return l.replyErr(req, classify(err), err)
	}
	if err := ctx.Seek(req.PositionMs); err != nil {
		return l.replyErr(req, protocol.ErrorDecode, err)
	}
	m.positionMs = req.PositionMs
	m.eof = false
	return l.reply(req, protocol.Response{Kind: protocol.RespSought, PositionMs: req.PositionMs})
}

func (l *loop) handleDecodeNext(req protocol.Request) error {
	m, ok := l.sessions[req.Session]
	if !ok {
		return l.replyErr(req, protocol.ErrorInternal, fmt.Errorf("unknown session %d", req.Session))
	}
	if m.eof {
		return l.reply(req, protocol.Response{Kind: protocol.RespEndOfStream})
	}
	ctx, err := l.activate(req.Session, m)
	if err != nil {
		return l.replyErr(req, classify(err), err)
	}
	f, err := ctx.DecodeNext()
	if err != nil {
		if errors.Is(err, decoder.ErrEndOfStream) {
			m.eof = true
			return l.reply(req, protocol.Response{Kind: protocol.RespEndOfStream})
		}
		return l.replyErr(req, protocol.ErrorDecode, err)
	}
	m.positionMs = f.TimestampMs
	return l.reply(req, protocol.Response{
		Kind:        protocol.RespFrame,
		Width:       uint32(f.Width),
		Height:      uint32(f.Height),
		Stride:      uint32(f.Stride),
		PixelFormat: protocol.PixelRGBA,
		TimestampMs: f.TimestampMs,
		Data:        f.Data,
	})
}

func (l *loop) handleClose(req protocol.Request) error {
	if l.liveSession == req.Session {
		l.closeLive()
	}
	delete(l.sessions, req.Session)
	return l.reply(req, protocol.Response{Kind: protocol.RespClosed})
}

// activate makes the native context for session the live one. Only a single
// native context exists at a time: serving another session suspends the
// current one (its position is remembered) and reopens on demand.
func (l *loop) activate(session uint64, m *mirror) (decoder.Context, error) {
	if l.liveSession == session && l.liveCtx != nil {
		return l.liveCtx, nil
	}
	l.closeLive()
	ctx, err := l.dec.Open(m.path, m.opt)
	if err != nil {
		return nil, err
	}
	if m.positionMs > 0 {
		if err := ctx.Seek(m.positionMs); err != nil {
			_ = ctx.Close()
			return nil, err
		}
	}
	l.liveSession = session
	l.liveCtx = ctx
	return ctx, nil
}

func (l *loop) closeLive() {
	if l.liveCtx != nil {
		_ = l.liveCtx.Close()
		l.liveCtx = nil
		l.liveSession = 0
	}
}

func classify(err error) protocol.ErrorKind {
	switch {
	case errors.Is(err, decoder.ErrNotFound), errors.Is(err, media.ErrNotFound):
		return protocol.ErrorNotFound
	case errors.Is(err, decoder.ErrUnsupported):
		return protocol.ErrorUnsupported
	default:
		return protocol.ErrorDecode
	}
}
