package metrics

import (
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotent(t *testing.T) {
	r := prometheus.NewRegistry()
	if err := Register(r); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(r); err != nil {
		t.Fatalf("second register: %v", err)
	}
	if err := Register(prometheus.NewRegistry()); err != nil {
		t.Fatalf("register on fresh registry: %v", err)
	}
}

func TestRegisterMultipleRegistries(t *testing.T) {
	// An earlier Register on one registry must not turn later registrations
	// into no-ops; every registerer handed in gets the collectors.
	if err := Register(prometheus.NewRegistry()); err != nil {
		t.Fatalf("first registry: %v", err)
	}
	r := prometheus.NewRegistry()
	if err := Register(r); err != nil {
		t.Fatalf("second registry: %v", err)
	}
	IncStart()
	mfs, err := r.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, mf := range mfs {
		if mf.GetName() == "framegate_worker_starts_total" {
			found = true
		}
	}
	if !found {
		t.Fatalf("second registry missing framegate_worker_starts_total")
	}
}

func TestCountersExposition(t *testing.T) {
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatalf("register: %v", err)
	}
	IncStart()
	IncRestart()
	IncCrash("exit_status")
	SetGeneration(3)
	SetWorkerState("healthy", []string{"starting", "healthy", "restarting"})
	IncRequest("decode_next")
	IncRequestError("timeout")
	IncFrame()
	SetSessionsActive(2)
	IncUndecodable()
	IncStaleResponse()
	ObserveRequestDuration("decode_next", 0.01)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		"framegate_worker_starts_total",
		"framegate_worker_restarts_total",
		"framegate_worker_crashes_total",
		"framegate_worker_generation",
		"framegate_decode_requests_total",
		"framegate_decode_frames_total",
		"framegate_decode_sessions_active",
		"framegate_decode_request_duration_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("exposition missing %s", want)
		}
	}
}

func TestHelpersSafeWithoutRegister(t *testing.T) {
	// Helpers are no-ops until Register has run at least once in the
	// process; this only checks they never panic.
	IncStart()
	IncFrame()
	SetWorkerState("healthy", []string{"healthy"})
	ObserveRequestDuration("open", 0.5)
}

func TestResourceSamplerSelf(t *testing.T) {
	s := NewResourceSampler(os.Getpid, time.Hour)
	if err := s.RegisterMetrics(prometheus.NewRegistry()); err != nil {
		t.Fatalf("register sampler: %v", err)
	}
	s.SampleOnce()
	sample, ok := s.Last()
	if !ok {
		t.Fatalf("no sample for own pid")
	}
	if sample.PID != os.Getpid() {
		t.Fatalf("pid: got %d, want %d", sample.PID, os.Getpid())
	}
	if sample.MemoryRSS == 0 {
		t.Fatalf("rss should not be zero for a live process")
	}
	if sample.NumThreads <= 0 {
		t.Fatalf("threads: got %d", sample.NumThreads)
	}
}

func TestResourceSamplerDeadPID(t *testing.T) {
	s := NewResourceSampler(func() int { return 0 }, time.Hour)
	s.SampleOnce()
	if _, ok := s.Last(); ok {
		t.Fatalf("sample for pid 0 must be invalid")
	}
}

func TestResourceSamplerStartStop(t *testing.T) {
	s := NewResourceSampler(os.Getpid, 10*time.Millisecond)
	s.Start()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := s.Last(); ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	s.Stop()
	if _, ok := s.Last(); !ok {
		t.Fatalf("sampler never produced a reading")
	}
}
