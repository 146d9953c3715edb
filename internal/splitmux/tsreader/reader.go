// Package tsreader reads MPEG-TS fragments for the splitmux source.
package tsreader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/zsiec/stitch/internal/logger"
	"github.com/zsiec/stitch/internal/splitmux"
)

// DefaultQueueSize is the number of items a track queues before it holds
// the demuxer back.
const DefaultQueueSize = 64

var errNotPrepared = errors.New("tsreader: fragment not prepared")

// Options configure the readers created by NewFactory.
type Options struct {
	QueueSize int
	Logger    logger.Logger
}

// NewFactory returns a splitmux.ReaderFactory producing MPEG-TS readers.
func NewFactory(opts Options) splitmux.ReaderFactory {
	return func(location string) splitmux.PartReader {
		return New(location, opts)
	}
}

// Reader is a splitmux.PartReader for one MPEG-TS file. The file stays
// open between Prepare and Unprepare; every activation demuxes it again
// from the start.
type Reader struct {
	location  string
	queueSize int
	log       logger.Logger

	mu       sync.Mutex
	offset   time.Duration
	bias     time.Duration
	duration time.Duration
	file     *os.File
	size     int64
	info     *probeResult
	probing  chan struct{}
	act      *activation
}

// New creates an unprepared reader for location.
func New(location string, opts Options) *Reader {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &Reader{
		location:  location,
		queueSize: opts.QueueSize,
		log:       log.WithFields(map[string]interface{}{"component": "tsreader", "location": location}),
		duration:  splitmux.NoTime,
	}
}

func (r *Reader) Location() string { return r.location }

func (r *Reader) SetStartOffset(offset, bias time.Duration) {
	r.mu.Lock()
	r.offset, r.bias = offset, bias
	r.mu.Unlock()
}

func (r *Reader) SetDuration(d time.Duration) {
	r.mu.Lock()
	r.duration = d
	r.mu.Unlock()
}

func (r *Reader) NeedsMeasuring() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.duration == splitmux.NoTime
}

// Prepare opens the file and reads its track layout, scanning all of it
// when the duration is not known yet. Concurrent callers share one probe.
func (r *Reader) Prepare(ctx context.Context) (splitmux.PrepareResult, error) {
	for {
		r.mu.Lock()
		if r.info != nil {
			res := r.resultLocked()
			r.mu.Unlock()
			return res, nil
		}
		if wait := r.probing; wait != nil {
			r.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return splitmux.PrepareResult{}, ctx.Err()
			}
		}
		done := make(chan struct{})
		r.probing = done
		full := r.duration == splitmux.NoTime
		r.mu.Unlock()

		file, size, info, err := r.open(ctx, full)

		r.mu.Lock()
		r.probing = nil
		close(done)
		if err != nil {
			r.mu.Unlock()
			return splitmux.PrepareResult{}, err
		}
		r.file, r.size, r.info = file, size, info
		if full {
			r.duration = info.duration()
		}
		res := r.resultLocked()
		r.mu.Unlock()

		r.log.WithFields(map[string]interface{}{
			"tracks":   len(info.tracks),
			"duration": res.Duration,
			"measured": full,
		}).Debug("Fragment prepared")
		return res, nil
	}
}

func (r *Reader) open(ctx context.Context, full bool) (*os.File, int64, *probeResult, error) {
	f, err := os.Open(r.location)
	if err != nil {
		return nil, 0, nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, nil, err
	}
	info, err := probe(ctx, io.NewSectionReader(f, 0, st.Size()), full, r.log)
	if err != nil {
		f.Close()
		return nil, 0, nil, fmt.Errorf("%s: %w", r.location, err)
	}
	return f, st.Size(), info, nil
}

func (r *Reader) resultLocked() splitmux.PrepareResult {
	streams := make([]splitmux.StreamInfo, 0, len(r.info.tracks))
	for _, t := range r.info.tracks {
		streams = append(streams, splitmux.StreamInfo{Name: t.name, Caps: t.caps})
	}
	return splitmux.PrepareResult{Streams: streams, Duration: r.duration}
}

// Activate starts demuxing the part of the fragment that falls in seg.
func (r *Reader) Activate(seg splitmux.Segment, flags splitmux.SeekFlags) error {
	r.Deactivate()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.info == nil {
		return errNotPrepared
	}

	names := make([]string, 0, len(r.info.tracks))
	for _, t := range r.info.tracks {
		names = append(names, t.name)
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &activation{
		queues: newTrackQueues(names, r.queueSize),
		flush:  make(chan struct{}),
		failed: make(chan struct{}),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	pl := &plan{
		src:      io.NewSectionReader(r.file, 0, r.size),
		info:     r.info,
		offset:   r.offset,
		bias:     r.bias,
		duration: r.duration,
		seg:      seg,
		keyUnit:  flags&splitmux.SeekFlagKeyUnit != 0,
		log:      r.log,
	}
	r.act = a
	go a.run(ctx, pl)
	return nil
}

// Deactivate stops demuxing and wakes any Pop with ErrFlushing.
func (r *Reader) Deactivate() {
	r.mu.Lock()
	a := r.act
	r.act = nil
	r.mu.Unlock()

	if a != nil {
		a.stop()
	}
}

// Unprepare deactivates the reader and closes the file.
func (r *Reader) Unprepare() {
	r.Deactivate()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	r.info = nil
}

func (r *Reader) IsLoaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info != nil
}

func (r *Reader) IsPlaying() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.act != nil
}

// LookupPort maps a logical stream name to the track of this fragment. The
// names are already logical, so the lookup is an existence check.
func (r *Reader) LookupPort(logical string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.info == nil {
		return "", false
	}
	for _, t := range r.info.tracks {
		if t.name == logical {
			return t.name, true
		}
	}
	return "", false
}

// Pop returns the next item of port.
func (r *Reader) Pop(ctx context.Context, port string) (splitmux.Item, error) {
	r.mu.Lock()
	a := r.act
	r.mu.Unlock()
	if a == nil {
		return splitmux.Item{}, splitmux.ErrFlushing
	}
	if !a.queues.has(port) {
		return splitmux.Item{}, fmt.Errorf("tsreader: no track %q in %s", port, r.location)
	}
	return a.pop(ctx, port)
}
