package splitmux

import (
	"time"
)

// PartState is the measurement state of a fragment.
type PartState int

const (
	PartUnmeasured PartState = iota
	PartMeasuring
	PartMeasured
	PartFailed
)

func (s PartState) String() string {
	switch s {
	case PartUnmeasured:
		return "unmeasured"
	case PartMeasuring:
		return "measuring"
	case PartMeasured:
		return "measured"
	case PartFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type preparePurpose int

const (
	purposeMeasure preparePurpose = iota
	purposeLookahead
	purposeActivate
)

func (p preparePurpose) String() string {
	switch p {
	case purposeMeasure:
		return "measure"
	case purposeActivate:
		return "activate"
	default:
		return "lookahead"
	}
}

// part is one fragment. Parts live in Source.parts and are addressed by
// index everywhere else; all fields are guarded by Source.mu.
type part struct {
	index    int
	location string
	reader   PartReader

	state          PartState
	explicitOffset bool
	start          time.Duration
	end            time.Duration
	duration       time.Duration
	streams        []StreamInfo

	loaded    bool
	preparing bool
	purpose   preparePurpose

	// unprepareOnLoad is set when the part left the pool while its prepare
	// was still in flight.
	unprepareOnLoad bool

	active     bool
	boundPorts int
}

func newPart(index int, f Fragment, reader PartReader) *part {
	p := &part{
		index:    index,
		location: f.Location,
		reader:   reader,
		start:    NoTime,
		end:      NoTime,
		duration: NoTime,
	}
	if f.Offset != NoTime {
		p.start = f.Offset
		p.explicitOffset = true
	}
	if f.Duration != NoTime {
		p.duration = f.Duration
		reader.SetDuration(f.Duration)
	}
	return p
}

func (p *part) playing() bool {
	return p.active || p.reader.IsPlaying()
}

// PartInfo is a snapshot of one fragment for diagnostics.
type PartInfo struct {
	Index    int           `json:"index"`
	Location string        `json:"location"`
	State    string        `json:"state"`
	Start    time.Duration `json:"start"`
	End      time.Duration `json:"end"`
	Duration time.Duration `json:"duration"`
	Loaded   bool          `json:"loaded"`
	Playing  bool          `json:"playing"`
	Streams  []StreamInfo  `json:"streams,omitempty"`
}

func (p *part) info() PartInfo {
	streams := make([]StreamInfo, len(p.streams))
	copy(streams, p.streams)
	return PartInfo{
		Index:    p.index,
		Location: p.location,
		State:    p.state.String(),
		Start:    p.start,
		End:      p.end,
		Duration: p.duration,
		Loaded:   p.loaded,
		Playing:  p.active,
		Streams:  streams,
	}
}
