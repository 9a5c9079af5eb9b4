// Package session tracks open decode sessions on the supervisor side. The
// registry is the only owner of session state; the worker holds nothing but
// the generation-qualified mirror it needs to serve requests.
package session

import (
	"fmt"
	"sync"
)

// State is the session lifecycle. Failed is reachable from every state.
type State int

const (
	Opening State = iota
	Ready
	Decoding
	Closing
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Opening:
		return "opening"
	case Ready:
		return "ready"
	case Decoding:
		return "decoding"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

var validNext = map[State][]State{
	Opening:  {Ready},
	Ready:    {Decoding, Closing},
	Decoding: {Ready},
	Closing:  {Closed},
	Closed:   {},
	Failed:   {},
}

// Session is one open media handle.
type Session struct {
	ID         uint64
	Locator    string
	Generation uint64

	mu       sync.Mutex
	state    State
	nextSeq  uint64
	inFlight bool
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transition moves the session to next, rejecting transitions the lifecycle
// does not allow. Fail is always allowed and has its own entry point.
func (s *Session) Transition(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next == Failed {
		s.state = Failed
		return nil
	}
	for _, ok := range validNext[s.state] {
		if ok == next {
			s.state = next
			return nil
		}
	}
	return fmt.Errorf("session %d: invalid transition %s -> %s", s.ID, s.state, next)
}

// Fail marks the session failed from any state.
func (s *Session) Fail() {
	s.mu.Lock()
	s.state = Failed
	s.mu.Unlock()
}

// Terminal reports whether the session can never serve another request.
func (s *Session) Terminal() bool {
	st := s.State()
	return st == Closed || st == Failed
}

// NextSeq hands out the next sequence number: strictly increasing, gapless,
// starting at 1.
func (s *Session) NextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	return s.nextSeq
}

// TryAcquire claims the single in-flight slot. At most one request per
// session travels to the worker at a time.
func (s *Session) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight {
		return false
	}
	s.inFlight = true
	return true
}

// Release frees the in-flight slot once a response (or failure) resolved.
func (s *Session) Release() {
	s.mu.Lock()
	s.inFlight = false
	s.mu.Unlock()
}

// Registry owns all sessions. IDs are assigned monotonically and never
// reused within a supervisor's lifetime.
type Registry struct {
	mu     sync.Mutex
	nextID uint64
	items  map[uint64]*Session
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[uint64]*Session)}
}

// Create registers a new session in Opening state under the given worker
// generation.
func (r *Registry) Create(locator string, generation uint64) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	s := &Session{ID: r.nextID, Locator: locator, Generation: generation, state: Opening}
	r.items[s.ID] = s
	return s
}

func (r *Registry) Get(id uint64) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.items[id]
	return s, ok
}

// Remove drops a session from the registry. The caller is responsible for
// having driven it to a terminal state first.
func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	delete(r.items, id)
	r.mu.Unlock()
}

// FailGeneration fails every session created under generations older than
// live and returns them. Called when a worker crashes: those mirrors are
// gone with the process.
func (r *Registry) FailGeneration(live uint64) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var failed []*Session
	for _, s := range r.items {
		if s.Generation < live && !s.Terminal() {
			s.Fail()
			failed = append(failed, s)
		}
	}
	return failed
}

// Snapshot returns all live sessions, for status reporting.
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.items))
	for _, s := range r.items {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}
