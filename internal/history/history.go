// Package history exports decode lifecycle events to external systems for
// after-the-fact analysis: which locators crash the worker, how often it
// restarts, which sessions never finished.
package history

import (
	"context"
	"time"
)

// EventType defines the kind of decode lifecycle event.
type EventType string

const (
	EventWorkerStart EventType = "worker_start"
	EventWorkerStop  EventType = "worker_stop"
	EventWorkerCrash EventType = "worker_crash"
	EventSessionOpen EventType = "session_open"
	EventSessionEnd  EventType = "session_end"
	EventDecodeError EventType = "decode_error"
	EventUndecodable EventType = "undecodable"
)

// Event represents one decode lifecycle event.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Generation uint64    `json:"generation"`
	Session    uint64    `json:"session"`
	Locator    string    `json:"locator"`
	PID        int       `json:"pid"`
	Detail     string    `json:"detail"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Closer is implemented by sinks holding connections.
type Closer interface {
	Close() error
}
