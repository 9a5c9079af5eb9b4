package decoder

import (
	"bytes"
	"errors"
	"testing"
)

func TestTestDecoderFrames(t *testing.T) {
	d := NewTestDecoder()
	ctx, err := d.Open("test:frames=3,w=8,h=4", OpenOptions{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = ctx.Close() }()

	info := ctx.Info()
	if info.Width != 8 || info.Height != 4 || info.DurationMs != 3*frameIntervalMs {
		t.Fatalf("unexpected info: %+v", info)
	}

	var last int64 = -1
	for i := 0; i < 3; i++ {
		f, err := ctx.DecodeNext()
		if err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if f.Width != 8 || f.Height != 4 || f.Stride != 32 || len(f.Data) != 8*4*4 {
			t.Fatalf("frame %d geometry: %+v", i, f)
		}
		if f.TimestampMs <= last {
			t.Fatalf("timestamps not strictly increasing: %d then %d", last, f.TimestampMs)
		}
		last = f.TimestampMs
	}
	if _, err := ctx.DecodeNext(); !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("expected end of stream, got %v", err)
	}
}

func TestTestDecoderDeterministic(t *testing.T) {
	d := NewTestDecoder()
	a, _ := d.Open("test:frames=2,w=4,h=4", OpenOptions{})
	b, _ := d.Open("test:frames=2,w=4,h=4", OpenOptions{})
	fa, _ := a.DecodeNext()
	fb, _ := b.DecodeNext()
	if !bytes.Equal(fa.Data, fb.Data) {
		t.Fatalf("same locator must produce identical frames")
	}
}

func TestTestDecoderSeek(t *testing.T) {
	d := NewTestDecoder()
	ctx, _ := d.Open("test:frames=10", OpenOptions{})
	if err := ctx.Seek(5 * frameIntervalMs); err != nil {
		t.Fatalf("seek: %v", err)
	}
	f, err := ctx.DecodeNext()
	if err != nil {
		t.Fatalf("decode after seek: %v", err)
	}
	if f.TimestampMs != 5*frameIntervalMs {
		t.Fatalf("seek landed at %dms, want %dms", f.TimestampMs, 5*frameIntervalMs)
	}
	// Seeking past the end means immediate end of stream.
	_ = ctx.Seek(1_000_000)
	if _, err := ctx.DecodeNext(); !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("expected end of stream after over-seek, got %v", err)
	}
}

func TestTestDecoderFailureScripts(t *testing.T) {
	d := NewTestDecoder()
	if _, err := d.Open("test:notfound", OpenOptions{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("notfound script: %v", err)
	}
	if _, err := d.Open("test:unsupported", OpenOptions{}); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("unsupported script: %v", err)
	}
	if _, err := d.Open("/real/file.mp4", OpenOptions{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("non-test locator: %v", err)
	}
	if _, err := d.Open("test:bogus=1", OpenOptions{}); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("unknown directive: %v", err)
	}
}

func TestTestDecoderBadPacketScript(t *testing.T) {
	d := NewTestDecoder()
	ctx, err := d.Open("test:frames=3,bad=2", OpenOptions{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := ctx.DecodeNext(); err != nil {
		t.Fatalf("first decode: %v", err)
	}
	if _, err := ctx.DecodeNext(); err == nil {
		t.Fatalf("scripted corrupt packet must error")
	}
	// Only the scripted call fails; decoding resumes afterwards.
	f, err := ctx.DecodeNext()
	if err != nil {
		t.Fatalf("decode after corrupt packet: %v", err)
	}
	if f.TimestampMs != 1*frameIntervalMs {
		t.Fatalf("resumed at %dms", f.TimestampMs)
	}
}

func TestTestDecoderTargetScaling(t *testing.T) {
	d := NewTestDecoder()
	ctx, err := d.Open("test:frames=1,w=640,h=480", OpenOptions{TargetWidth: 64, TargetHeight: 64})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	info := ctx.Info()
	if info.Width > 64 || info.Height > 64 {
		t.Fatalf("frame exceeds target box: %+v", info)
	}
	if info.Width != 64 || info.Height != 48 {
		t.Fatalf("aspect not preserved: %+v", info)
	}
}
