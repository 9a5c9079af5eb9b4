package framegate_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/loykin/framegate"
	"github.com/loykin/framegate/internal/decoder"
	"github.com/loykin/framegate/internal/media"
	"github.com/loykin/framegate/internal/transport"
	"github.com/loykin/framegate/internal/worker"
)

// TestMain doubles as the worker binary: the facade points the supervisor
// at this test executable, and the spawned copy sees the socket variable
// and runs the worker loop instead of the tests.
func TestMain(m *testing.M) {
	if os.Getenv(transport.SocketEnv) != "" {
		os.Exit(worker.Run(worker.Config{
			Decoder:  decoder.NewTestDecoder(),
			Resolver: media.Resolver{},
		}))
	}
	os.Exit(m.Run())
}

func newGallery(t *testing.T) *framegate.Gallery {
	t.Helper()
	cfg, err := framegate.LoadConfig("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Backend = "test"
	cfg.Worker.Command = os.Args[0]
	cfg.Worker.SocketDir = t.TempDir()
	cfg.Log.Level = "error"

	g, err := framegate.New(cfg)
	if err != nil {
		t.Fatalf("new gallery: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = g.Shutdown(ctx)
	})
	return g
}

func TestGalleryEndToEnd(t *testing.T) {
	g := newGallery(t)
	ctx := context.Background()

	id, info, err := g.OpenWait(ctx, "test:frames=2,w=8,h=8", 0, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if info.Width != 8 || info.Height != 8 {
		t.Fatalf("stream info: %+v", info)
	}
	for i := 0; i < 2; i++ {
		frame, err := g.DecodeNextWait(ctx, id)
		if err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if len(frame.Data) == 0 {
			t.Fatalf("frame %d has no pixels", i)
		}
	}
	if _, err := g.DecodeNextWait(ctx, id); !errors.Is(err, framegate.ErrEndOfStream) {
		t.Fatalf("want end of stream, got %v", err)
	}
	if err := g.CloseWait(ctx, id); err != nil {
		t.Fatalf("close: %v", err)
	}

	st := g.Status()
	if st.State != "healthy" || st.Generation != 1 {
		t.Fatalf("status: %+v", st)
	}
}

func TestGalleryAsyncCalls(t *testing.T) {
	g := newGallery(t)

	oc := <-g.Open("test:frames=2,w=8,h=8", 0, 0).Done
	if oc.Err != nil {
		t.Fatalf("open: %v", oc.Err)
	}
	dc := <-g.DecodeNext(oc.SessionID).Done
	if dc.Err != nil || dc.Frame == nil {
		t.Fatalf("decode: %+v err %v", dc.Frame, dc.Err)
	}
	if cc := <-g.Close(oc.SessionID).Done; cc.Err != nil {
		t.Fatalf("close: %v", cc.Err)
	}
}

func TestGalleryShutdownRejectsWork(t *testing.T) {
	g := newGallery(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, _, err := g.OpenWait(ctx, "test:frames=1", 0, 0); !errors.Is(err, framegate.ErrShuttingDown) {
		t.Fatalf("open after shutdown: %v", err)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := framegate.LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend != "gst" || cfg.Worker.RequestTimeout != 10*time.Second {
		t.Fatalf("defaults: %+v", cfg)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg, err := framegate.LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.Backend = "quicktime"
	if _, err := framegate.New(cfg); err == nil {
		t.Fatalf("bad backend must be rejected")
	}
}
