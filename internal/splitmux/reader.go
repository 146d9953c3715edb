package splitmux

import (
	"context"
	"errors"
	"time"
)

// ErrFlushing is returned by PartReader.Pop once the reader is deactivated.
var ErrFlushing = errors.New("splitmux: reader flushing")

// StreamInfo describes one elementary stream found in a fragment.
type StreamInfo struct {
	// Name is the logical port name, stable across fragments ("video_0").
	Name string `json:"name"`
	Caps *Caps  `json:"caps,omitempty"`
}

// PrepareResult is what a reader learns by opening its fragment.
type PrepareResult struct {
	Streams  []StreamInfo
	Duration time.Duration
}

// PartReader demultiplexes one fragment.
//
// Prepare may be called concurrently and repeatedly; later calls wait for
// and return the result of the first successful one. Pop blocks until an
// item is available for the port, the reader is deactivated (ErrFlushing) or
// ctx is done. Timestamps of popped items are on the presentation timeline
// shifted by the offset and bias given to SetStartOffset.
type PartReader interface {
	Location() string
	SetStartOffset(offset, bias time.Duration)
	SetDuration(d time.Duration)
	NeedsMeasuring() bool

	Prepare(ctx context.Context) (PrepareResult, error)
	Activate(seg Segment, flags SeekFlags) error
	Deactivate()
	Unprepare()

	IsLoaded() bool
	IsPlaying() bool

	LookupPort(logical string) (string, bool)
	Pop(ctx context.Context, port string) (Item, error)
}

// ReaderFactory creates the reader for a fragment location.
type ReaderFactory func(location string) PartReader
