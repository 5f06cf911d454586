package tool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
)

// CPUSampler reports host CPU usage as a fraction between 0 and 1.
type CPUSampler interface {
	CPUUsage(ctx context.Context) float64
}

// StaticSampler always reports the same usage.
type StaticSampler float64

// CPUUsage implements CPUSampler.
func (s StaticSampler) CPUUsage(context.Context) float64 { return float64(s) }

const sampleTTL = time.Second

// HostSampler samples system-wide CPU usage with gopsutil. Readings are
// cached for a second so that many waiting instances polling at once share
// one measurement.
type HostSampler struct {
	logger *slog.Logger

	mu     sync.Mutex
	at     time.Time
	usage  float64
	warned bool
}

// NewHostSampler creates a HostSampler and primes the first reading.
func NewHostSampler(ctx context.Context, logger *slog.Logger) *HostSampler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &HostSampler{logger: logger}
	// The first non-blocking call only establishes a baseline.
	_, _ = cpu.PercentWithContext(ctx, 0, false)
	s.at = time.Now()
	return s
}

// CPUUsage implements CPUSampler. Sampling failures report zero usage so
// admission is never blocked by a broken sampler.
func (s *HostSampler) CPUUsage(ctx context.Context) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.at.IsZero() && time.Since(s.at) < sampleTTL {
		return s.usage
	}

	p, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil || len(p) == 0 {
		if !s.warned {
			s.logger.Warn("cpu sampling unavailable", "error", err)
			s.warned = true
		}
		s.usage = 0
	} else {
		s.usage = p[0] / 100
	}
	s.at = time.Now()
	return s.usage
}
