package decoder

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/loykin/framegate/internal/media"
)

var gstInit sync.Once

// GstDecoder decodes video files through a GStreamer pipeline:
//
//	filesrc → decodebin → videoconvert → videoscale → capsfilter(RGBA) → appsink
//
// decodebin pads are dynamic and get linked to videoconvert when they
// appear. All frames are converted to RGBA before crossing the boundary.
type GstDecoder struct{}

func NewGstDecoder() *GstDecoder { return &GstDecoder{} }

func (d *GstDecoder) Name() string { return "gst" }

func (d *GstDecoder) Open(path string, opt OpenOptions) (Context, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	gstInit.Do(func() { gst.Init(nil) })

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("gst: create pipeline: %w", err)
	}

	filesrc, err := gst.NewElement("filesrc")
	if err != nil {
		return nil, fmt.Errorf("gst: create filesrc: %w", err)
	}
	filesrc.SetProperty("location", path)

	decode, err := gst.NewElement("decodebin")
	if err != nil {
		return nil, fmt.Errorf("gst: create decodebin: %w", err)
	}
	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("gst: create videoconvert: %w", err)
	}
	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("gst: create videoscale: %w", err)
	}
	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("gst: create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString("video/x-raw,format=RGBA"))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("gst: create appsink: %w", err)
	}
	appsink.SetProperty("sync", false) // pull as fast as the caller asks

	pipeline.AddMany(filesrc, decode, converter, scaler, capsfilter, appsink.Element)
	if err := gst.ElementLinkMany(filesrc, decode); err != nil {
		return nil, fmt.Errorf("gst: link source: %w", err)
	}
	if err := gst.ElementLinkMany(converter, scaler, capsfilter, appsink.Element); err != nil {
		return nil, fmt.Errorf("gst: link sink chain: %w", err)
	}

	// decodebin exposes pads only once the stream type is known.
	decode.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		sinkPad := converter.GetStaticPad("sink")
		if sinkPad == nil {
			slog.Error("gst: videoconvert sink pad missing")
			return
		}
		if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
			slog.Debug("gst: skipping pad", "pad", srcPad.GetName(), "ret", ret)
		}
	})

	c := &gstContext{pipeline: pipeline, sink: appsink, capsfilter: capsfilter}
	if err := c.start(opt); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

type gstContext struct {
	pipeline   *gst.Pipeline
	sink       *app.Sink
	capsfilter *gst.Element
	info       StreamInfo
	// first sample pulled during start, handed back by the next DecodeNext
	pending *RawFrame
}

func (c *gstContext) start(opt OpenOptions) error {
	if err := c.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("%w: pipeline refused to start", ErrUnsupported)
	}
	if err := c.awaitPlaying(5 * time.Second); err != nil {
		return err
	}

	// First sample carries the intrinsic frame size; everything after it is
	// scaled once the target caps are in place.
	first, err := c.pullFrame()
	if err != nil {
		return fmt.Errorf("%w: no decodable video", ErrUnsupported)
	}
	c.info.Width = first.Width
	c.info.Height = first.Height
	if dur, ok := c.pipeline.QueryDuration(gst.FormatTime); ok && dur > 0 {
		c.info.DurationMs = int64(time.Duration(dur) / time.Millisecond)
	}

	if opt.TargetWidth > 0 && opt.TargetHeight > 0 {
		w, h := media.ContainSize(opt.TargetWidth, opt.TargetHeight, first.Width, first.Height)
		caps := fmt.Sprintf("video/x-raw,format=RGBA,width=%d,height=%d,pixel-aspect-ratio=1/1", w, h)
		c.capsfilter.SetProperty("caps", gst.NewCapsFromString(caps))
		c.info.Width = w
		c.info.Height = h
		// Replay from the start so the first delivered frame is scaled too.
		if err := c.Seek(0); err != nil {
			return err
		}
	} else {
		c.pending = first
	}
	return nil
}

// awaitPlaying drains the bus until the state change lands or an error
// message shows up. Demuxer/decoder failures surface here.
func (c *gstContext) awaitPlaying(timeout time.Duration) error {
	bus := c.pipeline.GetPipelineBus()
	deadline := time.Now().Add(timeout)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return fmt.Errorf("%w: pipeline did not reach playing state", ErrUnsupported)
		}
		msg := bus.TimedPop(remain)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageError:
			return fmt.Errorf("%w: %s", ErrUnsupported, msg.String())
		case gst.MessageStateChanged:
			_, newState := msg.ParseStateChanged()
			if newState == gst.StatePlaying {
				return nil
			}
		}
	}
}

func (c *gstContext) Info() StreamInfo { return c.info }

func (c *gstContext) Seek(positionMs int64) error {
	c.pending = nil
	pos := time.Duration(positionMs) * time.Millisecond
	if ok := c.pipeline.SeekSimple(gst.FormatTime, gst.SeekFlagFlush|gst.SeekFlagKeyUnit, int64(pos)); !ok {
		return fmt.Errorf("gst: seek to %dms rejected", positionMs)
	}
	return nil
}

func (c *gstContext) DecodeNext() (*RawFrame, error) {
	if f := c.pending; f != nil {
		c.pending = nil
		return f, nil
	}
	return c.pullFrame()
}

func (c *gstContext) pullFrame() (*RawFrame, error) {
	sample := c.sink.PullSample()
	if sample == nil {
		if c.sink.IsEOS() {
			return nil, ErrEndOfStream
		}
		return nil, fmt.Errorf("gst: pull sample failed")
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return nil, fmt.Errorf("gst: sample without buffer")
	}
	width, height, err := sampleSize(sample)
	if err != nil {
		return nil, err
	}
	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	// GStreamer reuses the buffer after Unmap; copy out.
	out := make([]byte, len(data))
	copy(out, data)
	buffer.Unmap()

	stride := width * 4
	if height > 0 && len(out)%height == 0 {
		stride = len(out) / height
	}
	var tsMs int64
	if pts := buffer.PresentationTimestamp(); pts > 0 {
		tsMs = int64(time.Duration(pts) / time.Millisecond)
	}
	return &RawFrame{Width: width, Height: height, Stride: stride, TimestampMs: tsMs, Data: out}, nil
}

func sampleSize(sample *gst.Sample) (int, int, error) {
	caps := sample.GetCaps()
	if caps == nil {
		return 0, 0, fmt.Errorf("gst: sample without caps")
	}
	s := caps.GetStructureAt(0)
	if s == nil {
		return 0, 0, fmt.Errorf("gst: caps without structure")
	}
	wv, err := s.GetValue("width")
	if err != nil {
		return 0, 0, fmt.Errorf("gst: caps width: %w", err)
	}
	hv, err := s.GetValue("height")
	if err != nil {
		return 0, 0, fmt.Errorf("gst: caps height: %w", err)
	}
	w, _ := wv.(int)
	h, _ := hv.(int)
	if w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("gst: caps report %dx%d", w, h)
	}
	return w, h, nil
}

func (c *gstContext) Close() error {
	c.pending = nil
	return c.pipeline.SetState(gst.StateNull)
}
