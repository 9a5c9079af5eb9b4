package session

import (
	"sync"
	"testing"
)

func TestLifecycleTransitions(t *testing.T) {
	r := NewRegistry()
	s := r.Create("/v.mp4", 1)
	if s.State() != Opening {
		t.Fatalf("new session state: %v", s.State())
	}
	steps := []State{Ready, Decoding, Ready, Closing, Closed}
	for _, next := range steps {
		if err := s.Transition(next); err != nil {
			t.Fatalf("transition to %v: %v", next, err)
		}
	}
	if !s.Terminal() {
		t.Fatalf("closed session should be terminal")
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	r := NewRegistry()
	s := r.Create("/v.mp4", 1)
	if err := s.Transition(Decoding); err == nil {
		t.Fatalf("Opening -> Decoding must be rejected")
	}
	if s.State() != Opening {
		t.Fatalf("failed transition must not change state: %v", s.State())
	}
}

func TestFailFromAnyState(t *testing.T) {
	r := NewRegistry()
	for _, prep := range [][]State{nil, {Ready}, {Ready, Decoding}} {
		s := r.Create("/v.mp4", 1)
		for _, st := range prep {
			if err := s.Transition(st); err != nil {
				t.Fatalf("prep: %v", err)
			}
		}
		s.Fail()
		if s.State() != Failed || !s.Terminal() {
			t.Fatalf("fail from %v: state %v", prep, s.State())
		}
	}
}

func TestSequenceNumbersGapless(t *testing.T) {
	r := NewRegistry()
	s := r.Create("/v.mp4", 1)
	for want := uint64(1); want <= 100; want++ {
		if got := s.NextSeq(); got != want {
			t.Fatalf("seq: got %d, want %d", got, want)
		}
	}
}

func TestMonotonicIDs(t *testing.T) {
	r := NewRegistry()
	a := r.Create("/a.mp4", 1)
	b := r.Create("/b.mp4", 1)
	r.Remove(a.ID)
	c := r.Create("/c.mp4", 2)
	if !(a.ID < b.ID && b.ID < c.ID) {
		t.Fatalf("ids not monotonic: %d %d %d", a.ID, b.ID, c.ID)
	}
}

func TestSingleInFlightSlot(t *testing.T) {
	r := NewRegistry()
	s := r.Create("/v.mp4", 1)
	if !s.TryAcquire() {
		t.Fatalf("first acquire must succeed")
	}
	if s.TryAcquire() {
		t.Fatalf("second acquire must fail while in flight")
	}
	s.Release()
	if !s.TryAcquire() {
		t.Fatalf("acquire after release must succeed")
	}
}

func TestFailGeneration(t *testing.T) {
	r := NewRegistry()
	old := r.Create("/old.mp4", 1)
	closed := r.Create("/closed.mp4", 1)
	_ = closed.Transition(Ready)
	_ = closed.Transition(Closing)
	_ = closed.Transition(Closed)
	live := r.Create("/live.mp4", 2)

	failed := r.FailGeneration(2)
	if len(failed) != 1 || failed[0].ID != old.ID {
		t.Fatalf("expected only the live old-generation session to fail, got %v", failed)
	}
	if old.State() != Failed {
		t.Fatalf("old session: %v", old.State())
	}
	if live.State() != Opening {
		t.Fatalf("current generation session must be untouched: %v", live.State())
	}
	if closed.State() != Closed {
		t.Fatalf("terminal session must stay closed: %v", closed.State())
	}
}

func TestRegistryConcurrentCreate(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Create("/x.mp4", 1)
		}()
	}
	wg.Wait()
	if r.Len() != 50 {
		t.Fatalf("expected 50 sessions, got %d", r.Len())
	}
	seen := make(map[uint64]bool)
	for _, s := range r.Snapshot() {
		if seen[s.ID] {
			t.Fatalf("duplicate session id %d", s.ID)
		}
		seen[s.ID] = true
	}
}
