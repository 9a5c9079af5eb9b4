// Package decoder defines the native decode boundary the worker process
// drives. Implementations are treated as black boxes that may crash or hang
// the whole process; containment is the supervisor's job, not theirs.
package decoder

import "errors"

var (
	// ErrEndOfStream reports that no more decodable units remain.
	ErrEndOfStream = errors.New("decoder: end of stream")
	// ErrNotFound reports a locator that does not resolve to a readable file.
	ErrNotFound = errors.New("decoder: media not found")
	// ErrUnsupported reports media the backend cannot decode.
	ErrUnsupported = errors.New("decoder: unsupported media")
)

// OpenOptions tunes a decode context. A zero target keeps the intrinsic
// frame size; otherwise frames are scaled to fit within the target while
// preserving aspect ratio.
type OpenOptions struct {
	TargetWidth  int
	TargetHeight int
}

// StreamInfo describes an opened stream.
type StreamInfo struct {
	Width      int
	Height     int
	DurationMs int64
}

// RawFrame is one decoded unit in RGBA layout. Stride is carried explicitly
// so receivers can reinterpret the buffer without recomputation.
type RawFrame struct {
	Width       int
	Height      int
	Stride      int
	TimestampMs int64
	Data        []byte
}

// Context is one open media handle. Contexts are not safe for concurrent
// use; the worker loop drives them strictly sequentially.
type Context interface {
	Info() StreamInfo
	Seek(positionMs int64) error
	DecodeNext() (*RawFrame, error)
	Close() error
}

// Decoder opens media files. One Decoder serves the whole worker process.
type Decoder interface {
	Name() string
	Open(path string, opt OpenOptions) (Context, error)
}
