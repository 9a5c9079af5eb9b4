package protocol

import (
	"encoding/binary"
	"fmt"
)

// Frame layout:
//
//	[4B length][1B version][1B tag][8B session][8B sequence][8B generation][payload]
//
// The length covers everything after the length field. Tags with the high
// bit clear are requests, with the high bit set are responses; the split is
// expressed through RequestKind/ResponseKind rather than raw tag bytes.

const headerSize = 4 + 1 + 1 + 8 + 8 + 8

const respTagBit = 0x80

// EncodeRequest serializes r into a complete wire frame.
func EncodeRequest(r Request) []byte {
	var payload []byte
	switch r.Kind {
	case ReqHello:
		// version travels in the header; no payload
	case ReqOpen:
		payload = appendString(payload, r.Locator)
		payload = binary.BigEndian.AppendUint32(payload, r.TargetW)
		payload = binary.BigEndian.AppendUint32(payload, r.TargetH)
	case ReqSeek:
		payload = binary.BigEndian.AppendUint64(payload, uint64(r.PositionMs))
	case ReqDecodeNext, ReqClose, ReqShutdown:
	}
	return appendFrame(byte(r.Kind), r.Session, r.Seq, r.Generation, payload)
}

// EncodeResponse serializes r into a complete wire frame.
func EncodeResponse(r Response) []byte {
	var payload []byte
	switch r.Kind {
	case RespHelloAck:
	case RespOpened:
		payload = binary.BigEndian.AppendUint32(payload, r.Width)
		payload = binary.BigEndian.AppendUint32(payload, r.Height)
		payload = binary.BigEndian.AppendUint64(payload, uint64(r.DurationMs))
	case RespSought:
		payload = binary.BigEndian.AppendUint64(payload, uint64(r.PositionMs))
	case RespFrame:
		payload = binary.BigEndian.AppendUint32(payload, r.Width)
		payload = binary.BigEndian.AppendUint32(payload, r.Height)
		payload = binary.BigEndian.AppendUint32(payload, r.Stride)
		payload = append(payload, byte(r.PixelFormat))
		payload = binary.BigEndian.AppendUint64(payload, uint64(r.TimestampMs))
		payload = appendBytes(payload, r.Data)
	case RespEndOfStream, RespClosed:
	case RespError:
		payload = append(payload, byte(r.ErrKind))
		payload = appendString(payload, r.ErrMsg)
	}
	return appendFrame(byte(r.Kind)|respTagBit, r.Session, r.Seq, r.Generation, payload)
}

// DecodeRequest parses a complete wire frame into a Request.
func DecodeRequest(frame []byte) (Request, error) {
	tag, session, seq, gen, payload, err := splitFrame(frame)
	if err != nil {
		return Request{}, err
	}
	if tag&respTagBit != 0 {
		return Request{}, fmt.Errorf("%w: response tag 0x%02x in request stream", ErrMalformedFrame, tag)
	}
	r := Request{Session: session, Seq: seq, Generation: gen, Kind: RequestKind(tag)}
	p := payloadReader{b: payload}
	switch r.Kind {
	case ReqHello:
	case ReqOpen:
		r.Locator = p.str()
		r.TargetW = p.u32()
		r.TargetH = p.u32()
	case ReqSeek:
		r.PositionMs = p.i64()
	case ReqDecodeNext, ReqClose, ReqShutdown:
	default:
		return Request{}, fmt.Errorf("%w: unknown request tag 0x%02x", ErrMalformedFrame, tag)
	}
	if err := p.finish(); err != nil {
		return Request{}, err
	}
	return r, nil
}

// DecodeResponse parses a complete wire frame into a Response.
func DecodeResponse(frame []byte) (Response, error) {
	tag, session, seq, gen, payload, err := splitFrame(frame)
	if err != nil {
		return Response{}, err
	}
	if tag&respTagBit == 0 {
		return Response{}, fmt.Errorf("%w: request tag 0x%02x in response stream", ErrMalformedFrame, tag)
	}
	r := Response{Session: session, Seq: seq, Generation: gen, Kind: ResponseKind(tag &^ respTagBit)}
	p := payloadReader{b: payload}
	switch r.Kind {
	case RespHelloAck:
	case RespOpened:
		r.Width = p.u32()
		r.Height = p.u32()
		r.DurationMs = p.i64()
	case RespSought:
		r.PositionMs = p.i64()
	case RespFrame:
		r.Width = p.u32()
		r.Height = p.u32()
		r.Stride = p.u32()
		r.PixelFormat = PixelFormat(p.u8())
		r.TimestampMs = p.i64()
		r.Data = p.bytes()
	case RespEndOfStream, RespClosed:
	case RespError:
		r.ErrKind = ErrorKind(p.u8())
		r.ErrMsg = p.str()
	default:
		return Response{}, fmt.Errorf("%w: unknown response tag 0x%02x", ErrMalformedFrame, tag)
	}
	if err := p.finish(); err != nil {
		return Response{}, err
	}
	return r, nil
}

func appendFrame(tag byte, session, seq, gen uint64, payload []byte) []byte {
	body := 1 + 1 + 8 + 8 + 8 + len(payload)
	out := make([]byte, 0, 4+body)
	out = binary.BigEndian.AppendUint32(out, uint32(body))
	out = append(out, Version, tag)
	out = binary.BigEndian.AppendUint64(out, session)
	out = binary.BigEndian.AppendUint64(out, seq)
	out = binary.BigEndian.AppendUint64(out, gen)
	out = append(out, payload...)
	return out
}

// splitFrame validates the length prefix and version and returns the header
// fields plus the payload slice (aliasing frame, not copied).
func splitFrame(frame []byte) (tag byte, session, seq, gen uint64, payload []byte, err error) {
	if len(frame) < headerSize {
		err = fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedFrame, len(frame), headerSize)
		return
	}
	n := binary.BigEndian.Uint32(frame)
	if n > MaxFrameSize {
		err = fmt.Errorf("%w: length prefix %d exceeds limit", ErrMalformedFrame, n)
		return
	}
	if int(n) != len(frame)-4 {
		err = fmt.Errorf("%w: length prefix %d, body %d", ErrMalformedFrame, n, len(frame)-4)
		return
	}
	if frame[4] != Version {
		err = fmt.Errorf("%w: got version %d, want %d", ErrProtocolMismatch, frame[4], Version)
		return
	}
	tag = frame[5]
	session = binary.BigEndian.Uint64(frame[6:])
	seq = binary.BigEndian.Uint64(frame[14:])
	gen = binary.BigEndian.Uint64(frame[22:])
	payload = frame[headerSize:]
	return
}

func appendString(dst []byte, s string) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(s)))
	return append(dst, s...)
}

func appendBytes(dst, b []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(b)))
	return append(dst, b...)
}

// payloadReader decodes payload fields sequentially, latching the first
// overrun instead of panicking so callers check once at the end.
type payloadReader struct {
	b   []byte
	off int
	bad bool
}

func (p *payloadReader) take(n int) []byte {
	if p.bad || p.off+n > len(p.b) {
		p.bad = true
		return nil
	}
	b := p.b[p.off : p.off+n]
	p.off += n
	return b
}

func (p *payloadReader) u8() byte {
	b := p.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (p *payloadReader) u32() uint32 {
	b := p.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (p *payloadReader) i64() int64 {
	b := p.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func (p *payloadReader) str() string {
	b := p.take(2)
	if b == nil {
		return ""
	}
	return string(p.take(int(binary.BigEndian.Uint16(b))))
}

func (p *payloadReader) bytes() []byte {
	b := p.take(4)
	if b == nil {
		return nil
	}
	n := int(binary.BigEndian.Uint32(b))
	if n == 0 {
		return nil
	}
	raw := p.take(n)
	if raw == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, raw)
	return out
}

func (p *payloadReader) finish() error {
	if p.bad {
		return fmt.Errorf("%w: payload truncated", ErrMalformedFrame)
	}
	if p.off != len(p.b) {
		return fmt.Errorf("%w: %d trailing payload bytes", ErrMalformedFrame, len(p.b)-p.off)
	}
	return nil
}
