package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loykin/framegate/internal/history"
	"github.com/loykin/framegate/internal/metrics"
	"github.com/loykin/framegate/internal/protocol"
	"github.com/loykin/framegate/internal/session"
)

// StreamInfo describes an opened stream.
type StreamInfo struct {
	Width      uint32
	Height     uint32
	DurationMs int64
}

// Frame is one decoded frame, already copied out of the wire buffer.
type Frame struct {
	Width       uint32
	Height      uint32
	Stride      uint32
	PixelFormat protocol.PixelFormat
	TimestampMs int64
	Data        []byte
}

// OpenWait creates a session for locator and opens it on the worker. Locators
// over their crash budget are rejected without touching the worker.
func (s *Supervisor) OpenWait(ctx context.Context, locator string, targetW, targetH uint32) (uint64, StreamInfo, error) {
	s.mu.Lock()
	if s.undecodable[locator] {
		s.mu.Unlock()
		return 0, StreamInfo{}, fmt.Errorf("%w: %s", ErrUndecodable, locator)
	}
	s.mu.Unlock()

	l, err := s.currentLink()
	if err != nil {
		return 0, StreamInfo{}, err
	}
	sess := s.reg.Create(locator, l.gen)
	metrics.SetSessionsActive(s.liveSessions())

	sess.TryAcquire()
	resp, err := s.roundTrip(ctx, l, sess, protocol.Request{
		Kind:       protocol.ReqOpen,
		Session:    sess.ID,
		Seq:        sess.NextSeq(),
		Generation: l.gen,
		Locator:    locator,
		TargetW:    targetW,
		TargetH:    targetH,
	})
	sess.Release()
	if err != nil {
		sess.Fail()
		s.reg.Remove(sess.ID)
		metrics.SetSessionsActive(s.liveSessions())
		return 0, StreamInfo{}, err
	}
	if resp.Kind != protocol.RespOpened {
		sess.Fail()
		s.reg.Remove(sess.ID)
		return 0, StreamInfo{}, fmt.Errorf("%w: unexpected open reply %s", protocol.ErrMalformedFrame, resp.Kind)
	}
	if err := sess.Transition(session.Ready); err != nil {
		return 0, StreamInfo{}, err
	}
	s.record(history.Event{Type: history.EventSessionOpen, Generation: l.gen, Session: sess.ID, Locator: locator})
	return sess.ID, StreamInfo{Width: resp.Width, Height: resp.Height, DurationMs: resp.DurationMs}, nil
}

// DecodeNextWait fetches the next frame for a session. End of media reports
// ErrEndOfStream; the session stays usable for seeking.
func (s *Supervisor) DecodeNextWait(ctx context.Context, id uint64) (*Frame, error) {
	l, sess, err := s.sessionLink(id)
	if err != nil {
		return nil, err
	}
	if !sess.TryAcquire() {
		return nil, ErrBusy
	}
	defer sess.Release()
	if err := sess.Transition(session.Decoding); err != nil {
		return nil, err
	}

	resp, err := s.roundTrip(ctx, l, sess, protocol.Request{
		Kind:       protocol.ReqDecodeNext,
		Session:    id,
		Seq:        sess.NextSeq(),
		Generation: l.gen,
	})
	if err != nil {
		// A failure the decoder reported and survived leaves the session
		// usable; only crashes, timeouts, and channel failures end it.
		if decoderReported(err) {
			_ = sess.Transition(session.Ready)
		} else if sess.State() == session.Decoding {
			sess.Fail()
		}
		return nil, err
	}
	if terr := sess.Transition(session.Ready); terr != nil {
		return nil, terr
	}
	switch resp.Kind {
	case protocol.RespFrame:
		metrics.IncFrame()
		return &Frame{
			Width:       resp.Width,
			Height:      resp.Height,
			Stride:      resp.Stride,
			PixelFormat: resp.PixelFormat,
			TimestampMs: resp.TimestampMs,
			Data:        resp.Data,
		}, nil
	case protocol.RespEndOfStream:
		return nil, ErrEndOfStream
	default:
		return nil, fmt.Errorf("%w: unexpected decode reply %s", protocol.ErrMalformedFrame, resp.Kind)
	}
}

// SeekWait repositions a session. The next decode returns the frame at or
// after the requested position.
func (s *Supervisor) SeekWait(ctx context.Context, id uint64, positionMs int64) error {
	l, sess, err := s.sessionLink(id)
	if err != nil {
		return err
	}
	if !sess.TryAcquire() {
		return ErrBusy
	}
	defer sess.Release()

	resp, err := s.roundTrip(ctx, l, sess, protocol.Request{
		Kind:       protocol.ReqSeek,
		Session:    id,
		Seq:        sess.NextSeq(),
		Generation: l.gen,
		PositionMs: positionMs,
	})
	if err != nil {
		if !decoderReported(err) {
			sess.Fail()
		}
		return err
	}
	if resp.Kind != protocol.RespSought {
		return fmt.Errorf("%w: unexpected seek reply %s", protocol.ErrMalformedFrame, resp.Kind)
	}
	return nil
}

// CloseWait ends a session. The worker side is released best-effort; the
// registry entry goes away either way.
func (s *Supervisor) CloseWait(ctx context.Context, id uint64) error {
	sess, ok := s.reg.Get(id)
	if !ok {
		return ErrUnknownSession
	}
	defer func() {
		s.reg.Remove(id)
		metrics.SetSessionsActive(s.liveSessions())
		s.record(history.Event{Type: history.EventSessionEnd, Generation: sess.Generation, Session: id, Locator: sess.Locator, Detail: sess.State().String()})
	}()
	if sess.Terminal() {
		return nil
	}
	if err := sess.Transition(session.Closing); err != nil {
		sess.Fail()
		return err
	}

	l, err := s.currentLink()
	if err != nil || l.gen != sess.Generation {
		// The worker that held this session is gone; nothing to release.
		sess.Fail()
		return nil
	}
	if !sess.TryAcquire() {
		sess.Fail()
		return ErrBusy
	}
	defer sess.Release()

	_, rerr := s.roundTrip(ctx, l, sess, protocol.Request{
		Kind:       protocol.ReqClose,
		Session:    id,
		Seq:        sess.NextSeq(),
		Generation: l.gen,
	})
	if rerr != nil {
		sess.Fail()
		return rerr
	}
	return sess.Transition(session.Closed)
}

// currentLink returns the healthy link or the reason there is none.
func (s *Supervisor) currentLink() (*link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateHealthy:
		return s.cur, nil
	case StateShuttingDown, StateTerminated:
		return nil, ErrShuttingDown
	default:
		return nil, fmt.Errorf("%w: worker is %s", ErrUnavailable, s.state)
	}
}

// sessionLink resolves a session and checks it still belongs to the live
// worker generation.
func (s *Supervisor) sessionLink(id uint64) (*link, *session.Session, error) {
	sess, ok := s.reg.Get(id)
	if !ok {
		return nil, nil, ErrUnknownSession
	}
	l, err := s.currentLink()
	if err != nil {
		return nil, nil, err
	}
	if sess.Terminal() {
		return nil, nil, fmt.Errorf("%w: session %d is %s", ErrWorkerCrashed, id, sess.State())
	}
	if sess.Generation != l.gen {
		sess.Fail()
		return nil, nil, fmt.Errorf("%w: session %d belongs to generation %d", ErrWorkerCrashed, id, sess.Generation)
	}
	return l, sess, nil
}

// roundTrip sends one request and waits for its response, the caller's
// context, or the request timeout, whichever fires first. Timeouts condemn
// the worker. A channel failure or a timeout while this session's request
// was in flight charges the session's locator one crash.
func (s *Supervisor) roundTrip(ctx context.Context, l *link, sess *session.Session, req protocol.Request) (protocol.Response, error) {
	metrics.IncRequest(req.Kind.String())
	start := time.Now()
	call := l.disp.Go(req, nil)

	select {
	case c := <-call.Done:
		metrics.ObserveRequestDuration(req.Kind.String(), time.Since(start).Seconds())
		if c.Err != nil {
			metrics.IncRequestError("worker_crashed")
			s.chargeCrash(sess.Locator)
			return protocol.Response{}, fmt.Errorf("%w: %v", ErrWorkerCrashed, c.Err)
		}
		if c.Response.Generation != l.gen {
			metrics.IncStaleResponse()
			return protocol.Response{}, fmt.Errorf("%w: stale response from generation %d", ErrWorkerCrashed, c.Response.Generation)
		}
		// Any response the worker lived to send breaks the locator's
		// crash streak.
		s.clearCrashes(sess.Locator)
		if c.Response.Kind == protocol.RespError {
			metrics.IncRequestError(c.Response.ErrKind.String())
			s.record(history.Event{Type: history.EventDecodeError, Generation: l.gen, Session: sess.ID, Locator: sess.Locator, Detail: c.Response.ErrMsg})
			return protocol.Response{}, errFromKind(c.Response.ErrKind, c.Response.ErrMsg)
		}
		return c.Response, nil
	case <-time.After(s.cfg.RequestTimeout):
		l.disp.Forget(req.Session, req.Seq)
		metrics.IncRequestError("timeout")
		s.chargeCrash(sess.Locator)
		// Mark the worker suspect before the caller sees the error so a
		// status probe right after a timeout never reads healthy.
		if s.condemn(l) {
			go s.finishSuspect(l)
		}
		return protocol.Response{}, fmt.Errorf("%w: %s after %v", ErrTimeout, req.Kind, s.cfg.RequestTimeout)
	case <-ctx.Done():
		l.disp.Forget(req.Session, req.Seq)
		return protocol.Response{}, ctx.Err()
	}
}

// decoderReported tells apart failures the worker reported and survived
// (missing media, unsupported format, a bad packet) from failures of the
// worker itself.
func decoderReported(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnsupported) || errors.Is(err, ErrDecode)
}

func errFromKind(kind protocol.ErrorKind, msg string) error {
	switch kind {
	case protocol.ErrorNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case protocol.ErrorUnsupported:
		return fmt.Errorf("%w: %s", ErrUnsupported, msg)
	default:
		return fmt.Errorf("%w: %s", ErrDecode, msg)
	}
}

// SessionStatus is one row of the status report.
type SessionStatus struct {
	ID         uint64 `json:"id"`
	Locator    string `json:"locator"`
	State      string `json:"state"`
	Generation uint64 `json:"generation"`
}

// Status is a point-in-time view of the supervisor for the control surface.
type Status struct {
	State       string          `json:"state"`
	Generation  uint64          `json:"generation"`
	PID         int             `json:"pid"`
	Restarts    int             `json:"restarts"`
	Sessions    []SessionStatus `json:"sessions"`
	Undecodable []string        `json:"undecodable"`
}

// Status reports the worker state, generation, and all known sessions.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st := Status{
		State:      s.state.String(),
		Generation: s.generation,
		Restarts:   s.restarts,
	}
	if s.cur != nil {
		st.PID = s.cur.proc.PID()
	}
	for loc := range s.undecodable {
		st.Undecodable = append(st.Undecodable, loc)
	}
	s.mu.Unlock()

	for _, sess := range s.reg.Snapshot() {
		st.Sessions = append(st.Sessions, SessionStatus{
			ID:         sess.ID,
			Locator:    sess.Locator,
			State:      sess.State().String(),
			Generation: sess.Generation,
		})
	}
	return st
}
