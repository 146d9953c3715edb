package splitmux

import (
	"fmt"
	"time"
)

// NoTime marks an unknown or unbounded timestamp.
const NoTime time.Duration = -1

// DefaultTimestampBias is added to every outgoing timestamp so that reverse
// playback and small negative DTS values never underflow.
const DefaultTimestampBias = 1000 * time.Second

// Format is the unit a seek request is expressed in.
type Format int

const (
	FormatUndefined Format = iota
	FormatTime
	FormatBytes
)

func (f Format) String() string {
	switch f {
	case FormatTime:
		return "time"
	case FormatBytes:
		return "bytes"
	default:
		return "undefined"
	}
}

// SeekFlags modify how a seek is performed.
type SeekFlags uint32

const (
	SeekFlagNone     SeekFlags = 0
	SeekFlagFlush    SeekFlags = 1 << 0
	SeekFlagAccurate SeekFlags = 1 << 1
	SeekFlagKeyUnit  SeekFlags = 1 << 2
	SeekFlagSegment  SeekFlags = 1 << 3
)

// SeekType says how a seek boundary is interpreted.
type SeekType int

const (
	// SeekTypeNone keeps the current value.
	SeekTypeNone SeekType = iota
	// SeekTypeSet uses the value as an absolute position.
	SeekTypeSet
	// SeekTypeEnd uses the value relative to the total duration.
	SeekTypeEnd
)

// Segment is a playback window on the presentation timeline.
type Segment struct {
	Flags    SeekFlags     `json:"flags"`
	Rate     float64       `json:"rate"`
	Start    time.Duration `json:"start"`
	Stop     time.Duration `json:"stop"`
	Time     time.Duration `json:"time"`
	Position time.Duration `json:"position"`
	Duration time.Duration `json:"duration"`
	Base     time.Duration `json:"base"`
}

// NewSegment returns an unbounded forward segment starting at zero.
func NewSegment() Segment {
	return Segment{
		Rate:     1.0,
		Stop:     NoTime,
		Duration: NoTime,
	}
}

// Forward reports whether the segment plays in increasing timestamp order.
func (s Segment) Forward() bool {
	return s.Rate >= 0
}

func (s Segment) String() string {
	return fmt.Sprintf("segment rate=%.2f start=%s stop=%s time=%s position=%s duration=%s",
		s.Rate, fmtTime(s.Start), fmtTime(s.Stop), fmtTime(s.Time), fmtTime(s.Position), fmtTime(s.Duration))
}

// DoSeek updates the segment for a seek request. Positions are clipped to
// [0, Duration] when the duration is known. It returns false and leaves the
// segment untouched when the request is invalid.
func (s *Segment) DoSeek(rate float64, flags SeekFlags, startType SeekType, start time.Duration, stopType SeekType, stop time.Duration) bool {
	if rate == 0 {
		return false
	}

	switch startType {
	case SeekTypeNone:
		start = s.Start
	case SeekTypeSet:
		if start == NoTime {
			start = 0
		}
	case SeekTypeEnd:
		if s.Duration != NoTime {
			start = s.Duration + start
		} else {
			start = s.Start
		}
	}
	if s.Duration != NoTime && start > s.Duration {
		start = s.Duration
	}
	if start < 0 {
		start = 0
	}

	switch stopType {
	case SeekTypeNone:
		stop = s.Stop
	case SeekTypeSet:
	case SeekTypeEnd:
		if s.Duration != NoTime {
			stop = s.Duration + stop
		} else {
			stop = s.Stop
		}
	}
	if stop != NoTime {
		if stop < 0 {
			stop = 0
		}
		if s.Duration != NoTime && stop > s.Duration {
			stop = s.Duration
		}
		if start > stop {
			return false
		}
	}

	s.Rate = rate
	s.Flags = flags
	s.Start = start
	s.Stop = stop
	s.Time = start
	if flags&SeekFlagFlush != 0 {
		s.Base = 0
	}

	switch {
	case rate > 0:
		s.Position = start
	case stop != NoTime:
		s.Position = stop
	case s.Duration != NoTime:
		s.Position = s.Duration
	default:
		s.Position = 0
	}
	return true
}

func fmtTime(d time.Duration) string {
	if d == NoTime {
		return "none"
	}
	return d.String()
}
