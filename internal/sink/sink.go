// Package sink provides the consumers that the stitched ports feed.
package sink

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/stitch/internal/config"
	"github.com/zsiec/stitch/internal/logger"
	"github.com/zsiec/stitch/internal/metrics"
	"github.com/zsiec/stitch/internal/splitmux"
)

// Stats is what one port sink has received.
type Stats struct {
	Port     string        `json:"port"`
	Media    string        `json:"media,omitempty"`
	Buffers  int64         `json:"buffers"`
	Bytes    int64         `json:"bytes"`
	Disconts int64         `json:"disconts"`
	Segments int           `json:"segments"`
	Flushes  int           `json:"flushes"`
	FirstPTS time.Duration `json:"first_pts"`
	LastPTS  time.Duration `json:"last_pts"`
	EOS      bool          `json:"eos"`
}

// writer is the per-sink-type part of a port sink.
type writer interface {
	caps(c *splitmux.Caps) error
	write(buf *splitmux.Buffer) error
	close() error
}

// portSink counts everything a port sends and hands buffers to its writer.
type portSink struct {
	log    logger.Logger
	writer writer
	pacer  *pacer

	buffers  *metrics.Counter
	bytes    *metrics.Counter
	position *metrics.Gauge

	mu    sync.Mutex
	stats Stats
	rate  float64
	bias  time.Duration
}

func newPortSink(port string, w writer, realtime bool, bias time.Duration, log logger.Logger) *portSink {
	labels := map[string]string{"port": port}
	s := &portSink{
		log:      log.WithField("port", port),
		writer:   w,
		buffers:  metrics.NewCounter("stitch_sink_buffers_total", labels),
		bytes:    metrics.NewCounter("stitch_sink_bytes_total", labels),
		position: metrics.NewGauge("stitch_sink_position_seconds", labels),
		stats:    Stats{Port: port, FirstPTS: splitmux.NoTime, LastPTS: splitmux.NoTime},
		rate:     1.0,
		bias:     bias,
	}
	if realtime {
		s.pacer = newPacer()
	}
	return s
}

// Event implements splitmux.Downstream.
func (s *portSink) Event(item splitmux.Item) bool {
	switch item.Kind {
	case splitmux.ItemCaps:
		if item.Caps == nil {
			return false
		}
		s.mu.Lock()
		s.stats.Media = item.Caps.Media
		s.mu.Unlock()
		if err := s.writer.caps(item.Caps); err != nil {
			s.log.WithError(err).Warn("Refusing caps")
			return false
		}
		s.log.WithField("media", item.Caps.Media).Debug("Caps received")

	case splitmux.ItemSegment:
		s.mu.Lock()
		s.stats.Segments++
		if item.Segment != nil && item.Segment.Rate != 0 {
			s.rate = item.Segment.Rate
		}
		s.mu.Unlock()
		if s.pacer != nil {
			s.pacer.reset()
		}

	case splitmux.ItemFlushStart:
		if s.pacer != nil {
			s.pacer.interrupt()
		}

	case splitmux.ItemFlushStop:
		s.mu.Lock()
		s.stats.Flushes++
		s.stats.EOS = false
		s.mu.Unlock()
		if s.pacer != nil {
			s.pacer.resume()
		}

	case splitmux.ItemEOS:
		s.mu.Lock()
		s.stats.EOS = true
		s.mu.Unlock()
		s.log.Debug("End of stream")
	}
	return true
}

// Push implements splitmux.Downstream.
func (s *portSink) Push(buf *splitmux.Buffer) splitmux.FlowReturn {
	s.mu.Lock()
	rate := s.rate
	s.mu.Unlock()

	if s.pacer != nil && buf.PTS != splitmux.NoTime {
		if !s.pacer.wait(buf.PTS, rate) {
			return splitmux.FlowFlushing
		}
	}
	if err := s.writer.write(buf); err != nil {
		s.log.WithError(err).Error("Write failed")
		return splitmux.FlowError
	}

	s.mu.Lock()
	s.stats.Buffers++
	s.stats.Bytes += int64(len(buf.Data))
	if buf.Discont() {
		s.stats.Disconts++
	}
	if buf.PTS != splitmux.NoTime {
		if s.stats.FirstPTS == splitmux.NoTime {
			s.stats.FirstPTS = buf.PTS
		}
		s.stats.LastPTS = buf.PTS
	}
	s.mu.Unlock()

	s.buffers.Inc()
	s.bytes.Add(float64(len(buf.Data)))
	if buf.PTS != splitmux.NoTime {
		s.position.Set((buf.PTS - s.bias).Seconds())
	}
	return splitmux.FlowOK
}

func (s *portSink) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Registry creates one sink per port and keeps them for reporting.
type Registry struct {
	cfg  config.SinkConfig
	bias time.Duration
	log  logger.Logger

	mu    sync.Mutex
	sinks map[string]*portSink
	err   error
}

// NewRegistry validates cfg and prepares the output directory if needed.
// bias is the timestamp bias of the source, used to report positions.
func NewRegistry(cfg config.SinkConfig, bias time.Duration, log logger.Logger) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.NewNullLogger()
	}
	if cfg.Type == "es" {
		if err := ensureDir(cfg.OutputDir); err != nil {
			return nil, err
		}
	}
	return &Registry{
		cfg:   cfg,
		bias:  bias,
		log:   log.WithFields(map[string]interface{}{"component": "sink", "type": cfg.Type}),
		sinks: make(map[string]*portSink),
	}, nil
}

// Factory returns the splitmux.DownstreamFactory for this registry. A port
// whose output cannot be created is left unlinked.
func (r *Registry) Factory() splitmux.DownstreamFactory {
	return func(port string, caps *splitmux.Caps) splitmux.Downstream {
		if r.cfg.Type == "discard" {
			return discard{}
		}
		var (
			w   writer
			err error
		)
		switch r.cfg.Type {
		case "es":
			w, err = newESWriter(r.cfg.OutputDir, port)
		default:
			w = nopWriter{}
		}
		if err != nil {
			r.log.WithError(err).WithField("port", port).Error("Cannot create sink")
			r.mu.Lock()
			if r.err == nil {
				r.err = err
			}
			r.mu.Unlock()
			return unlinked{}
		}

		s := newPortSink(port, w, r.cfg.Realtime, r.bias, r.log)
		r.mu.Lock()
		r.sinks[port] = s
		r.mu.Unlock()
		r.log.WithField("port", port).Info("Sink linked")
		return s
	}
}

// Stats returns the statistics of every sink, sorted by port.
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	sinks := make([]*portSink, 0, len(r.sinks))
	for _, s := range r.sinks {
		sinks = append(sinks, s)
	}
	r.mu.Unlock()

	out := make([]Stats, 0, len(sinks))
	for _, s := range sinks {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// Close flushes and closes every sink output. Call it after the source
// stopped.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	first := r.err
	for port, s := range r.sinks {
		if err := s.writer.close(); err != nil && first == nil {
			first = fmt.Errorf("closing sink %s: %w", port, err)
		}
	}
	return first
}

type nopWriter struct{}

func (nopWriter) caps(*splitmux.Caps) error    { return nil }
func (nopWriter) write(*splitmux.Buffer) error { return nil }
func (nopWriter) close() error                 { return nil }

type discard struct{}

func (discard) Event(splitmux.Item) bool { return true }

func (discard) Push(*splitmux.Buffer) splitmux.FlowReturn { return splitmux.FlowOK }

type unlinked struct{}

func (unlinked) Event(splitmux.Item) bool { return true }

func (unlinked) Push(*splitmux.Buffer) splitmux.FlowReturn { return splitmux.FlowNotLinked }
