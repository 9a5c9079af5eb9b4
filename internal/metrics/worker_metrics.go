package metrics

import (
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ResourceSample holds one CPU/memory reading of the worker process.
type ResourceSample struct {
	PID        int       `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceSampler periodically reads resource usage of the live worker
// process. The PID is looked up on each tick so restarts are followed
// automatically; a dead or missing PID just skips the tick.
type ResourceSampler struct {
	pid      func() int
	interval time.Duration

	mu   sync.RWMutex
	last ResourceSample
	ok   bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent  prometheus.Gauge
	memoryBytes prometheus.Gauge
	numThreads  prometheus.Gauge
	numFDs      prometheus.Gauge
}

// NewResourceSampler builds a sampler; pid returns the current worker PID
// (zero when no worker is alive). Interval defaults to 5s.
func NewResourceSampler(pid func() int, interval time.Duration) *ResourceSampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ResourceSampler{
		pid:      pid,
		interval: interval,
		stopCh:   make(chan struct{}),
		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "framegate",
			Subsystem: "worker",
			Name:      "cpu_percent",
			Help:      "CPU usage percentage of the decoder worker process.",
		}),
		memoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "framegate",
			Subsystem: "worker",
			Name:      "memory_rss_bytes",
			Help:      "Resident set size of the decoder worker process.",
		}),
		numThreads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "framegate",
			Subsystem: "worker",
			Name:      "num_threads",
			Help:      "Thread count of the decoder worker process.",
		}),
		numFDs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "framegate",
			Subsystem: "worker",
			Name:      "num_fds",
			Help:      "Open file descriptors of the decoder worker process (Unix only).",
		}),
	}
}

// RegisterMetrics registers the sampler gauges, tolerating duplicates.
func (s *ResourceSampler) RegisterMetrics(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{s.cpuPercent, s.memoryBytes, s.numThreads, s.numFDs} {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start begins periodic sampling until Stop.
func (s *ResourceSampler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.SampleOnce()
			}
		}
	}()
}

// Stop halts sampling. Safe to call more than once.
func (s *ResourceSampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// SampleOnce takes a single reading of the current worker PID.
func (s *ResourceSampler) SampleOnce() {
	pid := s.pid()
	if pid <= 0 {
		s.invalidate()
		return
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		s.invalidate()
		return
	}
	sample := ResourceSample{PID: pid, Timestamp: time.Now()}
	if cpu, err := p.CPUPercent(); err == nil {
		sample.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		sample.MemoryRSS = mem.RSS
		sample.MemoryMB = float64(mem.RSS) / 1024 / 1024
	}
	if th, err := p.NumThreads(); err == nil {
		sample.NumThreads = th
	}
	if runtime.GOOS != "windows" {
		if fds, err := p.NumFDs(); err == nil {
			sample.NumFDs = fds
		}
	}

	s.cpuPercent.Set(sample.CPUPercent)
	s.memoryBytes.Set(float64(sample.MemoryRSS))
	s.numThreads.Set(float64(sample.NumThreads))
	s.numFDs.Set(float64(sample.NumFDs))

	s.mu.Lock()
	s.last = sample
	s.ok = true
	s.mu.Unlock()
}

func (s *ResourceSampler) invalidate() {
	s.mu.Lock()
	s.ok = false
	s.mu.Unlock()
}

// Last returns the most recent sample, if any worker was alive when taken.
func (s *ResourceSampler) Last() (ResourceSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.ok
}
