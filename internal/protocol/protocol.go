package protocol

import "errors"

// Version is the wire protocol version. Both binaries embed it in every
// frame header; a mismatch during the handshake is fatal (no retry).
const Version = 1

// MaxFrameSize bounds the length prefix accepted from the wire. Anything
// larger is treated as corruption, not as a frame to allocate.
const MaxFrameSize = 64 << 20

var (
	// ErrMalformedFrame reports a truncated or internally inconsistent frame.
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	// ErrProtocolMismatch reports a frame carrying a different protocol version.
	ErrProtocolMismatch = errors.New("protocol: version mismatch")
)

// RequestKind enumerates the closed set of request variants.
type RequestKind byte

const (
	ReqHello RequestKind = iota + 1
	ReqOpen
	ReqSeek
	ReqDecodeNext
	ReqClose
	ReqShutdown
)

func (k RequestKind) String() string {
	switch k {
	case ReqHello:
		return "hello"
	case ReqOpen:
		return "open"
	case ReqSeek:
		return "seek"
	case ReqDecodeNext:
		return "decode_next"
	case ReqClose:
		return "close"
	case ReqShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// ResponseKind enumerates the closed set of response variants.
type ResponseKind byte

const (
	RespHelloAck ResponseKind = iota + 1
	RespOpened
	RespSought
	RespFrame
	RespEndOfStream
	RespClosed
	RespError
)

func (k ResponseKind) String() string {
	switch k {
	case RespHelloAck:
		return "hello_ack"
	case RespOpened:
		return "opened"
	case RespSought:
		return "sought"
	case RespFrame:
		return "frame"
	case RespEndOfStream:
		return "end_of_stream"
	case RespClosed:
		return "closed"
	case RespError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrorKind classifies worker-reported decode errors. These are explicit
// results, not crashes; the supervisor maps them onto its caller-facing
// taxonomy.
type ErrorKind byte

const (
	ErrorNone ErrorKind = iota
	ErrorNotFound
	ErrorUnsupported
	ErrorDecode
	ErrorInternal
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorNone:
		return "none"
	case ErrorNotFound:
		return "not_found"
	case ErrorUnsupported:
		return "unsupported"
	case ErrorDecode:
		return "decode"
	case ErrorInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// PixelFormat identifies the layout of a frame's pixel buffer. The worker
// always converts to RGBA today; the field exists so the receiver can
// reinterpret the buffer without probing it.
type PixelFormat byte

const (
	PixelRGBA PixelFormat = 1
)

// Request is one unit of work addressed to a session. Only the fields
// relevant to Kind are populated; a Request is immutable once sent.
type Request struct {
	Session    uint64
	Seq        uint64
	Generation uint64
	Kind       RequestKind

	// Open
	Locator string
	TargetW uint32
	TargetH uint32

	// Seek
	PositionMs int64
}

// Response correlates back to its Request by (Session, Seq).
type Response struct {
	Session    uint64
	Seq        uint64
	Generation uint64
	Kind       ResponseKind

	// Opened
	Width      uint32
	Height     uint32
	DurationMs int64

	// Sought
	PositionMs int64

	// Frame
	Stride      uint32
	PixelFormat PixelFormat
	TimestampMs int64
	Data        []byte

	// Error
	ErrKind ErrorKind
	ErrMsg  string
}
