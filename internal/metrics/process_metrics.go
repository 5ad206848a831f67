package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/orbitmgr/internal/ringbuf"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ResourceSample is one CPU/memory reading of the backend process.
type ResourceSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// SamplerConfig configures ResourceSampler.
type SamplerConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

// ResourceSampler periodically reads CPU and memory of the pid returned by
// a callback and keeps a bounded history of samples.
type ResourceSampler struct {
	name     string
	interval time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	history *ringbuf.Ring[ResourceSample]
	proc    *process.Process // cached so CPUPercent has a previous reading

	cpu     prometheus.Gauge
	memory  prometheus.Gauge
	threads prometheus.Gauge

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewResourceSampler creates a sampler for the backend called name.
func NewResourceSampler(name string, cfg SamplerConfig, logger *slog.Logger) *ResourceSampler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	labels := prometheus.Labels{"name": name}
	return &ResourceSampler{
		name:     name,
		interval: cfg.Interval,
		logger:   logger,
		history:  ringbuf.New[ResourceSample](cfg.MaxHistory),
		stopCh:   make(chan struct{}),
		cpu: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "orbitmgr", Subsystem: "backend", Name: "cpu_percent",
			Help: "CPU usage of the backend process.", ConstLabels: labels,
		}),
		memory: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "orbitmgr", Subsystem: "backend", Name: "memory_mb",
			Help: "Resident memory of the backend process in MB.", ConstLabels: labels,
		}),
		threads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "orbitmgr", Subsystem: "backend", Name: "num_threads",
			Help: "Thread count of the backend process.", ConstLabels: labels,
		}),
	}
}

// RegisterMetrics registers the sampler gauges.
func (s *ResourceSampler) RegisterMetrics(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{s.cpu, s.memory, s.threads} {
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

// Start samples pidFn every interval until ctx is done or Stop is called.
// A pid of 0 means no backend is running; the gauges are zeroed.
func (s *ResourceSampler) Start(ctx context.Context, pidFn func() int) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-t.C:
				s.SampleOnce(pidFn())
			}
		}
	}()
}

func (s *ResourceSampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// SampleOnce reads one sample for pid and records it.
func (s *ResourceSampler) SampleOnce(pid int) (ResourceSample, error) {
	if pid <= 0 {
		s.mu.Lock()
		s.proc = nil
		s.mu.Unlock()
		s.cpu.Set(0)
		s.memory.Set(0)
		s.threads.Set(0)
		return ResourceSample{}, errors.New("backend not running")
	}
	sample, err := s.read(int32(pid))
	if err != nil {
		s.logger.Debug("resource sample failed", "name", s.name, "pid", pid, "error", err)
		return ResourceSample{}, err
	}
	s.cpu.Set(sample.CPUPercent)
	s.memory.Set(sample.MemoryMB)
	s.threads.Set(float64(sample.NumThreads))

	s.mu.Lock()
	s.history.Push(sample)
	s.mu.Unlock()
	return sample, nil
}

func (s *ResourceSampler) read(pid int32) (ResourceSample, error) {
	s.mu.Lock()
	p := s.proc
	if p == nil || p.Pid != pid {
		np, err := process.NewProcess(pid)
		if err != nil {
			s.mu.Unlock()
			return ResourceSample{}, fmt.Errorf("open process: %w", err)
		}
		p = np
		s.proc = np
	}
	s.mu.Unlock()

	cpu, err := p.CPUPercent()
	if err != nil {
		cpu = 0
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return ResourceSample{}, fmt.Errorf("memory info: %w", err)
	}
	threads, err := p.NumThreads()
	if err != nil {
		threads = 0
	}
	return ResourceSample{
		PID:        pid,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		MemoryRSS:  mem.RSS,
		NumThreads: threads,
		Timestamp:  time.Now().UTC(),
	}, nil
}

// History returns samples newer than since, oldest first.
func (s *ResourceSampler) History(since time.Time) []ResourceSample {
	s.mu.RLock()
	all := s.history.Values()
	s.mu.RUnlock()
	out := all[:0]
	for _, smp := range all {
		if !smp.Timestamp.Before(since) {
			out = append(out, smp)
		}
	}
	return out
}

// Latest returns the newest sample, if any.
func (s *ResourceSampler) Latest() (ResourceSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tail := s.history.Tail(1)
	if len(tail) == 0 {
		return ResourceSample{}, false
	}
	return tail[0], true
}
