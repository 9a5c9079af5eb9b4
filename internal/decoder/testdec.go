package decoder

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// TestDecoder serves synthetic "test:" locators with deterministic frames.
// The locator scripts the behavior, which is how tests (and the supervisor's
// own integration checks) provoke the failure modes a real native decoder
// exhibits without needing adversarial media files:
//
//	test:frames=5,w=32,h=24      five 32x24 frames, then end of stream
//	test:notfound                open fails with ErrNotFound
//	test:unsupported             open fails with ErrUnsupported
//	test:crash=3                 the third DecodeNext exits the process
//	test:crash=open              open exits the process
//	test:hang=2                  the second DecodeNext blocks forever
//	test:bad=2                   the second DecodeNext reports a corrupt
//	                             packet; decoding continues past it
type TestDecoder struct{}

func NewTestDecoder() *TestDecoder { return &TestDecoder{} }

func (d *TestDecoder) Name() string { return "test" }

// CrashExitCode is what a scripted crash exits with; anything nonzero looks
// like a native fault to the supervisor.
const CrashExitCode = 3

const frameIntervalMs = 40 // 25fps

type testScript struct {
	frames  int
	width   int
	height  int
	crashAt int // 1-based DecodeNext index, -1 = on open
	hangAt  int
	badAt   int
	fail    string
}

func parseTestLocator(locator string) (testScript, error) {
	s := testScript{frames: 120, width: 64, height: 48}
	body := strings.TrimPrefix(locator, "test:")
	if body == "" {
		return s, nil
	}
	for _, part := range strings.Split(body, ",") {
		k, v, _ := strings.Cut(part, "=")
		switch k {
		case "frames":
			s.frames = atoiDefault(v, s.frames)
		case "w":
			s.width = atoiDefault(v, s.width)
		case "h":
			s.height = atoiDefault(v, s.height)
		case "crash":
			if v == "open" {
				s.crashAt = -1
			} else {
				s.crashAt = atoiDefault(v, 0)
			}
		case "hang":
			s.hangAt = atoiDefault(v, 0)
		case "bad":
			s.badAt = atoiDefault(v, 0)
		case "notfound", "unsupported":
			s.fail = k
		default:
			return s, fmt.Errorf("%w: unknown test directive %q", ErrUnsupported, k)
		}
	}
	return s, nil
}

func atoiDefault(v string, def int) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func (d *TestDecoder) Open(locator string, opt OpenOptions) (Context, error) {
	if !strings.HasPrefix(locator, "test:") {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, locator)
	}
	s, err := parseTestLocator(locator)
	if err != nil {
		return nil, err
	}
	switch s.fail {
	case "notfound":
		return nil, fmt.Errorf("%w: %s", ErrNotFound, locator)
	case "unsupported":
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, locator)
	}
	if s.crashAt == -1 {
		os.Exit(CrashExitCode)
	}
	w, h := s.width, s.height
	if opt.TargetWidth > 0 && opt.TargetHeight > 0 {
		// Mirror the real backend: scale to fit the requested box.
		if w > opt.TargetWidth {
			h = h * opt.TargetWidth / w
			w = opt.TargetWidth
		}
		if h > opt.TargetHeight {
			w = w * opt.TargetHeight / h
			h = opt.TargetHeight
		}
	}
	return &testContext{script: s, width: w, height: h}, nil
}

type testContext struct {
	script  testScript
	width   int
	height  int
	pos     int // next frame index
	decodes int // DecodeNext calls served, drives crash/hang scripts
	closed  bool
}

func (c *testContext) Info() StreamInfo {
	return StreamInfo{
		Width:      c.width,
		Height:     c.height,
		DurationMs: int64(c.script.frames) * frameIntervalMs,
	}
}

func (c *testContext) Seek(positionMs int64) error {
	if c.closed {
		return fmt.Errorf("testdec: seek on closed context")
	}
	if positionMs < 0 {
		positionMs = 0
	}
	c.pos = int(positionMs / frameIntervalMs)
	if c.pos > c.script.frames {
		c.pos = c.script.frames
	}
	return nil
}

func (c *testContext) DecodeNext() (*RawFrame, error) {
	if c.closed {
		return nil, fmt.Errorf("testdec: decode on closed context")
	}
	c.decodes++
	if c.script.crashAt > 0 && c.decodes >= c.script.crashAt {
		os.Exit(CrashExitCode)
	}
	if c.script.hangAt > 0 && c.decodes >= c.script.hangAt {
		select {} // scripted hang; only the supervisor's timeout gets us out
	}
	if c.script.badAt > 0 && c.decodes == c.script.badAt {
		return nil, fmt.Errorf("testdec: corrupt packet at frame %d", c.pos)
	}
	if c.pos >= c.script.frames {
		return nil, ErrEndOfStream
	}
	f := &RawFrame{
		Width:       c.width,
		Height:      c.height,
		Stride:      c.width * 4,
		TimestampMs: int64(c.pos) * frameIntervalMs,
		Data:        renderGradient(c.width, c.height, c.pos),
	}
	c.pos++
	return f, nil
}

func (c *testContext) Close() error {
	c.closed = true
	return nil
}

// renderGradient fills an RGBA buffer deterministically from the frame
// index so tests can assert on content.
func renderGradient(w, h, frame int) []byte {
	buf := make([]byte, w*h*4)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 4
			buf[i] = byte(x + frame)
			buf[i+1] = byte(y + frame)
			buf[i+2] = byte(frame)
			buf[i+3] = 0xFF
		}
	}
	return buf
}
