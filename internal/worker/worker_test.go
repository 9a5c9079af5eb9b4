package worker

import (
	"net"
	"testing"
	"time"

	"github.com/loykin/framegate/internal/decoder"
	"github.com/loykin/framegate/internal/media"
	"github.com/loykin/framegate/internal/protocol"
	"github.com/loykin/framegate/internal/transport"
)

// harness runs Serve on one end of an in-memory pipe and hands the test the
// supervisor end.
type harness struct {
	conn *transport.Conn
	done chan error
	seq  uint64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	a, b := net.Pipe()
	h := &harness{conn: transport.NewConn(a), done: make(chan error, 1)}
	go func() {
		h.done <- Serve(transport.NewConn(b), decoder.NewTestDecoder(), media.Resolver{})
	}()
	t.Cleanup(func() {
		_ = h.conn.Close()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Errorf("worker loop did not exit")
		}
	})
	return h
}

func (h *harness) call(t *testing.T, req protocol.Request) protocol.Response {
	t.Helper()
	h.seq++
	req.Seq = h.seq
	if err := h.conn.Send(protocol.EncodeRequest(req)); err != nil {
		t.Fatalf("send %s: %v", req.Kind, err)
	}
	frame, err := h.conn.Receive(2 * time.Second)
	if err != nil {
		t.Fatalf("receive for %s: %v", req.Kind, err)
	}
	resp, err := protocol.DecodeResponse(frame)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Session != req.Session || resp.Seq != req.Seq || resp.Generation != req.Generation {
		t.Fatalf("correlation mismatch: req %d/%d/%d, resp %d/%d/%d",
			req.Session, req.Seq, req.Generation, resp.Session, resp.Seq, resp.Generation)
	}
	return resp
}

func (h *harness) hello(t *testing.T) {
	t.Helper()
	if resp := h.call(t, protocol.Request{Kind: protocol.ReqHello}); resp.Kind != protocol.RespHelloAck {
		t.Fatalf("handshake: %v", resp.Kind)
	}
}

func TestHandshakeThenShutdown(t *testing.T) {
	h := newHarness(t)
	h.hello(t)
	if resp := h.call(t, protocol.Request{Kind: protocol.ReqShutdown}); resp.Kind != protocol.RespClosed {
		t.Fatalf("shutdown ack: %v", resp.Kind)
	}
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("clean shutdown must return nil, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not exit after shutdown")
	}
}

func TestRejectsRequestBeforeHandshake(t *testing.T) {
	a, b := net.Pipe()
	sup := transport.NewConn(a)
	done := make(chan error, 1)
	go func() {
		done <- Serve(transport.NewConn(b), decoder.NewTestDecoder(), media.Resolver{})
	}()
	if err := sup.Send(protocol.EncodeRequest(protocol.Request{Kind: protocol.ReqOpen, Session: 1, Seq: 1, Locator: "test:"})); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("loop must fail when the first frame is not a hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not exit")
	}
	_ = sup.Close()
}

func TestOpenDecodeClose(t *testing.T) {
	h := newHarness(t)
	h.hello(t)

	resp := h.call(t, protocol.Request{Kind: protocol.ReqOpen, Session: 7, Generation: 1, Locator: "test:frames=3,w=8,h=4"})
	if resp.Kind != protocol.RespOpened {
		t.Fatalf("open: %v (%s)", resp.Kind, resp.ErrMsg)
	}
	if resp.Width != 8 || resp.Height != 4 || resp.DurationMs != 3*40 {
		t.Fatalf("stream info: %+v", resp)
	}

	var last int64 = -1
	for i := 0; i < 3; i++ {
		resp = h.call(t, protocol.Request{Kind: protocol.ReqDecodeNext, Session: 7, Generation: 1})
		if resp.Kind != protocol.RespFrame {
			t.Fatalf("frame %d: %v (%s)", i, resp.Kind, resp.ErrMsg)
		}
		if resp.PixelFormat != protocol.PixelRGBA || len(resp.Data) != int(resp.Stride)*int(resp.Height) {
			t.Fatalf("frame %d payload: stride %d height %d len %d", i, resp.Stride, resp.Height, len(resp.Data))
		}
		if resp.TimestampMs <= last {
			t.Fatalf("timestamps not increasing: %d then %d", last, resp.TimestampMs)
		}
		last = resp.TimestampMs
	}

	resp = h.call(t, protocol.Request{Kind: protocol.ReqDecodeNext, Session: 7, Generation: 1})
	if resp.Kind != protocol.RespEndOfStream {
		t.Fatalf("after last frame: %v", resp.Kind)
	}
	// End of stream is sticky until a seek.
	resp = h.call(t, protocol.Request{Kind: protocol.ReqDecodeNext, Session: 7, Generation: 1})
	if resp.Kind != protocol.RespEndOfStream {
		t.Fatalf("eos must be sticky: %v", resp.Kind)
	}

	resp = h.call(t, protocol.Request{Kind: protocol.ReqClose, Session: 7, Generation: 1})
	if resp.Kind != protocol.RespClosed {
		t.Fatalf("close: %v", resp.Kind)
	}
}

func TestSeekClearsEndOfStream(t *testing.T) {
	h := newHarness(t)
	h.hello(t)
	h.call(t, protocol.Request{Kind: protocol.ReqOpen, Session: 1, Generation: 1, Locator: "test:frames=2"})

	for i := 0; i < 2; i++ {
		h.call(t, protocol.Request{Kind: protocol.ReqDecodeNext, Session: 1, Generation: 1})
	}
	if resp := h.call(t, protocol.Request{Kind: protocol.ReqDecodeNext, Session: 1, Generation: 1}); resp.Kind != protocol.RespEndOfStream {
		t.Fatalf("expected eos: %v", resp.Kind)
	}

	resp := h.call(t, protocol.Request{Kind: protocol.ReqSeek, Session: 1, Generation: 1, PositionMs: 0})
	if resp.Kind != protocol.RespSought || resp.PositionMs != 0 {
		t.Fatalf("seek: %+v", resp)
	}
	if resp := h.call(t, protocol.Request{Kind: protocol.ReqDecodeNext, Session: 1, Generation: 1}); resp.Kind != protocol.RespFrame {
		t.Fatalf("decode after seek: %v", resp.Kind)
	}
}

func TestInterleavedSessionsResume(t *testing.T) {
	h := newHarness(t)
	h.hello(t)

	h.call(t, protocol.Request{Kind: protocol.ReqOpen, Session: 1, Generation: 1, Locator: "test:frames=10,w=4,h=4"})
	h.call(t, protocol.Request{Kind: protocol.ReqOpen, Session: 2, Generation: 1, Locator: "test:frames=10,w=4,h=4"})

	// Advance session 1 two frames, touch session 2, come back: session 1
	// must resume where it left off.
	h.call(t, protocol.Request{Kind: protocol.ReqDecodeNext, Session: 1, Generation: 1})
	f := h.call(t, protocol.Request{Kind: protocol.ReqDecodeNext, Session: 1, Generation: 1})
	if f.TimestampMs != 40 {
		t.Fatalf("session 1 second frame at %dms", f.TimestampMs)
	}

	g := h.call(t, protocol.Request{Kind: protocol.ReqDecodeNext, Session: 2, Generation: 1})
	if g.Kind != protocol.RespFrame || g.TimestampMs != 0 {
		t.Fatalf("session 2 first frame: %+v", g)
	}

	f = h.call(t, protocol.Request{Kind: protocol.ReqDecodeNext, Session: 1, Generation: 1})
	if f.Kind != protocol.RespFrame || f.TimestampMs <= 40 {
		t.Fatalf("session 1 did not resume past 40ms: %+v", f)
	}
}

func TestErrorKinds(t *testing.T) {
	h := newHarness(t)
	h.hello(t)

	resp := h.call(t, protocol.Request{Kind: protocol.ReqOpen, Session: 1, Generation: 1, Locator: "test:notfound"})
	if resp.Kind != protocol.RespError || resp.ErrKind != protocol.ErrorNotFound {
		t.Fatalf("notfound: %+v", resp)
	}
	resp = h.call(t, protocol.Request{Kind: protocol.ReqOpen, Session: 2, Generation: 1, Locator: "test:unsupported"})
	if resp.Kind != protocol.RespError || resp.ErrKind != protocol.ErrorUnsupported {
		t.Fatalf("unsupported: %+v", resp)
	}
	resp = h.call(t, protocol.Request{Kind: protocol.ReqDecodeNext, Session: 99, Generation: 1})
	if resp.Kind != protocol.RespError || resp.ErrKind != protocol.ErrorInternal {
		t.Fatalf("unknown session: %+v", resp)
	}
	// Failed opens must not leave loop state behind.
	resp = h.call(t, protocol.Request{Kind: protocol.ReqDecodeNext, Session: 1, Generation: 1})
	if resp.Kind != protocol.RespError || resp.ErrKind != protocol.ErrorInternal {
		t.Fatalf("session from failed open must be unknown: %+v", resp)
	}
}

func TestGenerationEchoedBack(t *testing.T) {
	h := newHarness(t)
	h.hello(t)
	resp := h.call(t, protocol.Request{Kind: protocol.ReqOpen, Session: 3, Generation: 17, Locator: "test:frames=1"})
	if resp.Generation != 17 {
		t.Fatalf("generation not echoed: %d", resp.Generation)
	}
}
