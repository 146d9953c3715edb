package logger

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Log categories for per-buffer and per-event port logging.
const (
	CategoryBufferFlow   = "buffer_flow"
	CategoryStickyEvents = "sticky_events"
)

// SampledLogger rate-limits chatty log categories. Uncategorized calls go
// straight to the base logger.
type SampledLogger struct {
	base     Logger
	samplers *samplerSet
}

type samplerSet struct {
	mu sync.RWMutex
	m  map[string]*sampler
}

// sampler admits up to burst messages per interval, then one in every
// messages until the interval rolls over.
type sampler struct {
	interval time.Duration
	burst    int
	every    int

	mu          sync.Mutex
	windowStart time.Time
	inWindow    int
	total       int64
	logged      int64
}

func (s *sampler) allow(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total++
	if now.Sub(s.windowStart) >= s.interval {
		s.windowStart = now
		s.inWindow = 0
	}
	s.inWindow++

	ok := s.inWindow <= s.burst
	if !ok && s.every > 0 {
		ok = (s.inWindow-s.burst)%s.every == 0
	}
	if ok {
		s.logged++
	}
	return ok
}

// NewSampledLogger creates a sampled logger with no categories configured.
func NewSampledLogger(base Logger) *SampledLogger {
	return &SampledLogger{
		base:     base,
		samplers: &samplerSet{m: make(map[string]*sampler)},
	}
}

// NewPortLogger returns the sampled logger used by output ports.
func NewPortLogger(base Logger) *SampledLogger {
	return NewSampledLogger(base).
		WithSampler(CategoryBufferFlow, time.Second, 10, 100).
		WithSampler(CategoryStickyEvents, time.Second, 5, 10)
}

// WithSampler configures category. An every of zero drops everything past
// the burst.
func (s *SampledLogger) WithSampler(category string, interval time.Duration, burst, every int) *SampledLogger {
	s.samplers.mu.Lock()
	s.samplers.m[category] = &sampler{interval: interval, burst: burst, every: every}
	s.samplers.mu.Unlock()
	return s
}

func (s *SampledLogger) allow(category string) bool {
	s.samplers.mu.RLock()
	smp := s.samplers.m[category]
	s.samplers.mu.RUnlock()
	if smp == nil {
		return true
	}
	return smp.allow(time.Now())
}

func (s *SampledLogger) logCategory(level logrus.Level, category, msg string, fields map[string]interface{}) {
	if !s.allow(category) {
		return
	}
	f := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		f[k] = v
	}
	f["category"] = category
	s.base.WithFields(f).Log(level, msg)
}

// DebugWithCategory logs at debug level subject to the category sampler.
func (s *SampledLogger) DebugWithCategory(category, msg string, fields map[string]interface{}) {
	s.logCategory(logrus.DebugLevel, category, msg, fields)
}

// InfoWithCategory logs at info level subject to the category sampler.
func (s *SampledLogger) InfoWithCategory(category, msg string, fields map[string]interface{}) {
	s.logCategory(logrus.InfoLevel, category, msg, fields)
}

// WarnWithCategory logs at warn level subject to the category sampler.
func (s *SampledLogger) WarnWithCategory(category, msg string, fields map[string]interface{}) {
	s.logCategory(logrus.WarnLevel, category, msg, fields)
}

// SamplerStats holds statistics for a log sampler
type SamplerStats struct {
	Category string `json:"category"`
	Total    int64  `json:"total"`
	Logged   int64  `json:"logged"`
	Dropped  int64  `json:"dropped"`
}

// Stats returns the counters of every configured category.
func (s *SampledLogger) Stats() map[string]SamplerStats {
	s.samplers.mu.RLock()
	defer s.samplers.mu.RUnlock()

	out := make(map[string]SamplerStats, len(s.samplers.m))
	for name, smp := range s.samplers.m {
		smp.mu.Lock()
		out[name] = SamplerStats{
			Category: name,
			Total:    smp.total,
			Logged:   smp.logged,
			Dropped:  smp.total - smp.logged,
		}
		smp.mu.Unlock()
	}
	return out
}

func (s *SampledLogger) derive(base Logger) *SampledLogger {
	return &SampledLogger{base: base, samplers: s.samplers}
}

func (s *SampledLogger) WithFields(fields map[string]interface{}) Logger {
	return s.derive(s.base.WithFields(fields))
}

func (s *SampledLogger) WithField(key string, value interface{}) Logger {
	return s.derive(s.base.WithField(key, value))
}

func (s *SampledLogger) WithError(err error) Logger {
	return s.derive(s.base.WithError(err))
}

func (s *SampledLogger) Debug(args ...interface{}) { s.base.Debug(args...) }

func (s *SampledLogger) Info(args ...interface{}) { s.base.Info(args...) }

func (s *SampledLogger) Warn(args ...interface{}) { s.base.Warn(args...) }

func (s *SampledLogger) Error(args ...interface{}) { s.base.Error(args...) }

func (s *SampledLogger) Log(level logrus.Level, args ...interface{}) {
	s.base.Log(level, args...)
}

func (s *SampledLogger) Debugf(format string, args ...interface{}) {
	s.base.Debugf(format, args...)
}

func (s *SampledLogger) Infof(format string, args ...interface{}) {
	s.base.Infof(format, args...)
}

func (s *SampledLogger) Warnf(format string, args ...interface{}) {
	s.base.Warnf(format, args...)
}

func (s *SampledLogger) Errorf(format string, args ...interface{}) {
	s.base.Errorf(format, args...)
}
