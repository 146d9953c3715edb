package splitmux

import (
	"fmt"
	"time"

	apperrors "github.com/zsiec/stitch/internal/errors"
	"github.com/zsiec/stitch/internal/metrics"
)

// measureNext measures parts in index order starting at numMeasured. Parts
// with a known duration are measured without opening them. Caller holds s.mu.
func (s *Source) measureNext() {
	for s.numMeasured < len(s.parts) {
		p := s.parts[s.numMeasured]
		if p.state == PartMeasuring {
			return
		}
		if !p.explicitOffset {
			p.start = 0
			if p.index > 0 {
				p.start = s.parts[p.index-1].end
			}
		}
		p.reader.SetStartOffset(p.start, s.cfg.TimestampBias)

		if !p.reader.NeedsMeasuring() && p.duration != NoTime {
			s.recordMeasured(p, p.duration)
			continue
		}

		s.measuring = true
		p.state = PartMeasuring
		s.log.WithFields(map[string]interface{}{
			"part":     p.index,
			"location": p.location,
			"offset":   p.start,
		}).Debug("Measuring fragment")
		s.addToActive(p.index, true)
		s.startPrepare(p, purposeMeasure)
		return
	}

	s.measuring = false
	s.allMeasured()
}

func (s *Source) recordMeasured(p *part, d time.Duration) {
	p.duration = d
	p.end = p.start + d
	p.state = PartMeasured
	s.numMeasured++
	s.totalDuration = p.end
	metrics.IncrementFragmentsMeasured()

	s.log.WithFields(map[string]interface{}{
		"part":     p.index,
		"location": p.location,
		"offset":   p.start,
		"duration": d,
	}).Info("Measured fragment")
	s.bus.post(Message{
		Type:     MessageFragmentMeasured,
		Index:    p.index,
		Location: p.location,
		Offset:   p.start,
		Duration: d,
	})
}

// finishMeasure applies the result of a measuring prepare. Caller holds s.mu.
func (s *Source) finishMeasure(p *part, res PrepareResult, err error, keepOpen bool) {
	if err != nil {
		s.measureFailedAt(p, err)
		return
	}

	p.loaded = keepOpen
	p.streams = res.Streams
	s.recordMeasured(p, res.Duration)
	s.ensurePorts(p)
	if s.firstActivated {
		s.startLatePorts()
	}
	s.measureNext()
}

// measureFailedAt truncates the fragment list at p. Losing the first
// fragment is fatal.
func (s *Source) measureFailedAt(p *part, err error) {
	p.state = PartFailed
	s.measuring = false
	s.pool.remove(p.index)

	if p.index == 0 {
		s.measureFailed = true
		s.fatal(apperrors.NewResourceError(err, apperrors.CodeOpenFailed,
			fmt.Sprintf("failed to open first fragment %s", p.location)))
		return
	}

	dropped := len(s.parts) - p.index
	for _, q := range s.parts[p.index:] {
		s.pool.remove(q.index)
		s.closePart(q)
	}
	s.parts = s.parts[:p.index]
	metrics.IncrementTruncations()
	metrics.SetOpenReaders(s.pool.len())

	warn := apperrors.NewResourceError(err, apperrors.CodeTruncated,
		fmt.Sprintf("failed to open fragment %s, playing only the first %d fragments", p.location, p.index)).
		WithDetails(map[string]interface{}{"dropped": dropped})
	s.log.WithError(err).WithField("part", p.index).Warn("Truncated fragment list")
	s.bus.post(Message{Type: MessageWarning, Index: p.index, Location: p.location, Err: warn})

	s.allMeasured()
}

// allMeasured publishes the final duration and starts playback the first
// time measurement completes. Caller holds s.mu.
func (s *Source) allMeasured() {
	s.segment.Duration = s.totalDuration
	metrics.SetPresentationDuration(s.totalDuration.Seconds())
	s.bus.post(Message{Type: MessageDurationChanged, Index: -1, Duration: s.totalDuration})

	if s.firstActivated {
		s.startLatePorts()
		return
	}
	s.firstActivated = true

	idx := s.findPart(s.segment.Start)
	if !s.segment.Forward() {
		idx = s.numMeasured - 1
	}
	s.log.WithFields(map[string]interface{}{
		"fragments": s.numMeasured,
		"duration":  s.totalDuration,
	}).Info("All fragments measured, starting playback")
	s.startPlayback(idx)
}

// ensurePorts creates a port for every stream of p that has none yet.
// Caller holds s.mu.
func (s *Source) ensurePorts(p *part) {
	for _, st := range p.streams {
		if s.portByName(st.Name) != nil {
			continue
		}
		port := s.newPort(st)
		s.ports = append(s.ports, port)
		s.log.WithField("port", st.Name).Info("Added output port")
		s.bus.post(Message{Type: MessagePortAdded, Index: p.index, Port: st.Name})
	}
}

func (s *Source) portByName(name string) *OutputPort {
	for _, port := range s.ports {
		if port.name == name {
			return port
		}
	}
	return nil
}

// findPart returns the part owning position pos: the last measured part
// whose start is not after pos. Caller holds s.mu.
func (s *Source) findPart(pos time.Duration) int {
	n := s.numMeasured
	if n == 0 {
		return 0
	}
	for i := 0; i < n; i++ {
		if s.parts[i].start > pos {
			if i == 0 {
				return 0
			}
			return i - 1
		}
	}
	return n - 1
}
