package supervisor

import "context"

// The async call API mirrors net/rpc: each operation returns a call object
// immediately and delivers it on its Done channel once the result fields are
// filled in. The blocking *Wait methods remain for callers that do not need
// to interleave work with a decode in flight.

// OpenCall is an in-flight Open.
type OpenCall struct {
	Locator   string
	SessionID uint64
	Info      StreamInfo
	Err       error
	Done      chan *OpenCall
}

// DecodeCall is an in-flight DecodeNext.
type DecodeCall struct {
	SessionID uint64
	Frame     *Frame
	Err       error
	Done      chan *DecodeCall
}

// SeekCall is an in-flight Seek.
type SeekCall struct {
	SessionID  uint64
	PositionMs int64
	Err        error
	Done       chan *SeekCall
}

// CloseCall is an in-flight Close.
type CloseCall struct {
	SessionID uint64
	Err       error
	Done      chan *CloseCall
}

// Open starts a decode session without blocking the caller.
func (s *Supervisor) Open(locator string, targetW, targetH uint32) *OpenCall {
	c := &OpenCall{Locator: locator, Done: make(chan *OpenCall, 1)}
	go func() {
		c.SessionID, c.Info, c.Err = s.OpenWait(context.Background(), locator, targetW, targetH)
		c.Done <- c
	}()
	return c
}

// DecodeNext requests the next frame without blocking the caller.
func (s *Supervisor) DecodeNext(id uint64) *DecodeCall {
	c := &DecodeCall{SessionID: id, Done: make(chan *DecodeCall, 1)}
	go func() {
		c.Frame, c.Err = s.DecodeNextWait(context.Background(), id)
		c.Done <- c
	}()
	return c
}

// Seek repositions a session without blocking the caller.
func (s *Supervisor) Seek(id uint64, positionMs int64) *SeekCall {
	c := &SeekCall{SessionID: id, PositionMs: positionMs, Done: make(chan *SeekCall, 1)}
	go func() {
		c.Err = s.SeekWait(context.Background(), id, positionMs)
		c.Done <- c
	}()
	return c
}

// Close releases a session without blocking the caller.
func (s *Supervisor) Close(id uint64) *CloseCall {
	c := &CloseCall{SessionID: id, Done: make(chan *CloseCall, 1)}
	go func() {
		c.Err = s.CloseWait(context.Background(), id)
		c.Done <- c
	}()
	return c
}
