package splitmux

import (
	"time"
)

// ItemKind identifies what a reader produced for a port.
type ItemKind int

const (
	ItemBuffer ItemKind = iota
	ItemStreamStart
	ItemCaps
	ItemSegment
	ItemEOS
	ItemFlushStart
	ItemFlushStop
)

func (k ItemKind) String() string {
	switch k {
	case ItemBuffer:
		return "buffer"
	case ItemStreamStart:
		return "stream-start"
	case ItemCaps:
		return "caps"
	case ItemSegment:
		return "segment"
	case ItemEOS:
		return "eos"
	case ItemFlushStart:
		return "flush-start"
	case ItemFlushStop:
		return "flush-stop"
	default:
		return "unknown"
	}
}

const capsFieldFramerate = "framerate"

// Caps describes the format of one elementary stream.
type Caps struct {
	Media  string            `json:"media"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Equal reports whether both caps describe the same format.
func (c *Caps) Equal(o *Caps) bool {
	return c.equal(o, "")
}

// EqualIgnoringFramerate is Equal with the framerate field excluded. Demuxers
// tend to refine the framerate estimate from one fragment to the next.
func (c *Caps) EqualIgnoringFramerate(o *Caps) bool {
	return c.equal(o, capsFieldFramerate)
}

func (c *Caps) equal(o *Caps, skip string) bool {
	if c == nil || o == nil {
		return c == o
	}
	if c.Media != o.Media {
		return false
	}
	count := func(m map[string]string) int {
		n := 0
		for k := range m {
			if k != skip {
				n++
			}
		}
		return n
	}
	if count(c.Fields) != count(o.Fields) {
		return false
	}
	for k, v := range c.Fields {
		if k == skip {
			continue
		}
		if ov, ok := o.Fields[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// BufferFlags annotate a data buffer.
type BufferFlags uint32

const (
	BufferFlagDiscont   BufferFlags = 1 << 0
	BufferFlagDeltaUnit BufferFlags = 1 << 1
)

// Buffer is one access unit of an elementary stream.
type Buffer struct {
	PTS      time.Duration
	DTS      time.Duration
	Duration time.Duration
	Flags    BufferFlags
	Data     []byte
}

// Discont reports whether the buffer starts a discontinuity.
func (b *Buffer) Discont() bool {
	return b.Flags&BufferFlagDiscont != 0
}

// Item is one unit popped from a reader port or sent to a Downstream.
type Item struct {
	Kind     ItemKind
	StreamID string
	Caps     *Caps
	Segment  *Segment
	Buffer   *Buffer
	SeqNum   uint32
}

// FlowReturn is the result of pushing a buffer downstream.
type FlowReturn int

const (
	FlowOK FlowReturn = iota
	FlowNotLinked
	FlowFlushing
	FlowEOS
	FlowNotNegotiated
	FlowError
)

func (f FlowReturn) String() string {
	switch f {
	case FlowOK:
		return "ok"
	case FlowNotLinked:
		return "not-linked"
	case FlowFlushing:
		return "flushing"
	case FlowEOS:
		return "eos"
	case FlowNotNegotiated:
		return "not-negotiated"
	default:
		return "error"
	}
}

// Downstream consumes the output of one port. Event returns false when the
// event was refused. Flush events may arrive while a Push is in progress.
type Downstream interface {
	Event(item Item) bool
	Push(buf *Buffer) FlowReturn
}

// DownstreamFactory links a newly exposed port to its consumer.
type DownstreamFactory func(port string, caps *Caps) Downstream

type discardDownstream struct{}

func (discardDownstream) Event(Item) bool { return true }

func (discardDownstream) Push(*Buffer) FlowReturn { return FlowNotLinked }
