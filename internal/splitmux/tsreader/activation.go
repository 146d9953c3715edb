package tsreader

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/zsiec/stitch/internal/logger"
	"github.com/zsiec/stitch/internal/metrics"
	"github.com/zsiec/stitch/internal/splitmux"
)

// activation is one demux run over the fragment.
type activation struct {
	queues *trackQueues
	flush  chan struct{}
	failed chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
	err    error

	// pastTracks is only touched by the demux goroutine.
	pastTracks int

	stopOnce sync.Once
}

func (a *activation) stop() {
	a.stopOnce.Do(func() {
		close(a.flush)
		a.cancel()
	})
	<-a.done
}

// plan is everything the demux goroutine needs, captured at activation so
// that it never touches the reader's lock.
type plan struct {
	src      io.Reader
	info     *probeResult
	offset   time.Duration
	bias     time.Duration
	duration time.Duration
	seg      splitmux.Segment
	keyUnit  bool
	log      logger.Logger
}

func (p *plan) reverse() bool { return p.seg.Rate < 0 }

// partSegment is the segment announced ahead of the fragment's data.
func (p *plan) partSegment() *splitmux.Segment {
	first := p.offset
	if p.seg.Start > first {
		first = p.seg.Start
	}
	stop := splitmux.NoTime
	if p.duration != splitmux.NoTime {
		stop = p.offset + p.duration + p.bias
	}
	return &splitmux.Segment{
		Rate:     p.seg.Rate,
		Flags:    p.seg.Flags,
		Start:    first + p.bias,
		Stop:     stop,
		Time:     first,
		Position: first + p.bias,
		Duration: p.duration,
	}
}

// trackState holds per-track clipping state during a run.
type trackState struct {
	pending  []*splitmux.Buffer // since the last keyframe before the window
	inWindow bool
	past     bool
	reversed []*splitmux.Buffer
}

func (a *activation) run(ctx context.Context, p *plan) {
	metrics.IncrementGoroutineCreated("tsreader_demux")
	defer metrics.IncrementGoroutineDestroyed("tsreader_demux")
	defer close(a.done)

	seg := p.partSegment()
	for _, t := range p.info.tracks {
		for _, item := range []splitmux.Item{
			{Kind: splitmux.ItemStreamStart, StreamID: t.name},
			{Kind: splitmux.ItemCaps, Caps: t.caps},
			{Kind: splitmux.ItemSegment, Segment: seg},
		} {
			if !a.send(ctx, t.name, item) {
				return
			}
		}
	}

	d, _, err := openDemuxer(p.src, p.log)
	if err != nil {
		a.fail(err)
		return
	}
	// Match the tracks found when probing by PID.
	byPID := make(map[uint16]*track, len(p.info.tracks))
	for _, t := range p.info.tracks {
		byPID[t.pid] = t
	}
	states := make(map[*track]*trackState, len(p.info.tracks))
	var tracks []*track
	for _, t := range d.tracks {
		if known, ok := byPID[t.pid]; ok {
			tracks = append(tracks, known)
			states[known] = &trackState{}
		}
	}
	d.tracks = tracks

	err = d.run(ctx, func(t *track, s sample) error {
		return a.sample(ctx, p, t, states[t], s, len(tracks))
	})
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		p.log.WithError(err).Warn("Demuxing failed")
		a.fail(err)
		return
	}

	if p.reverse() {
		for _, t := range p.info.tracks {
			st := states[t]
			if st == nil {
				continue
			}
			for i := len(st.reversed) - 1; i >= 0; i-- {
				buf := st.reversed[i]
				buf.Flags |= splitmux.BufferFlagDiscont
				if !a.send(ctx, t.name, splitmux.Item{Kind: splitmux.ItemBuffer, Buffer: buf}) {
					return
				}
			}
		}
	}
	for _, t := range p.info.tracks {
		if !a.send(ctx, t.name, splitmux.Item{Kind: splitmux.ItemEOS}) {
			return
		}
	}
}

// sample clips one access unit against the segment and queues it. In
// reverse the clipped units are held until the fragment is read.
func (a *activation) sample(ctx context.Context, p *plan, t *track, st *trackState, s sample, ntracks int) error {
	if st == nil {
		return nil
	}
	at := p.offset + ticksToDuration(s.pts-p.info.firstPTS)
	dur := ticksToDuration(t.frameTicks)

	buf := &splitmux.Buffer{
		PTS:      at + p.bias,
		DTS:      p.offset + ticksToDuration(s.dts-p.info.firstPTS) + p.bias,
		Duration: dur,
		Data:     s.data,
	}
	if t.kind == kindVideo && !s.key {
		buf.Flags |= splitmux.BufferFlagDeltaUnit
	}

	if p.seg.Stop != splitmux.NoTime && at >= p.seg.Stop {
		// Samples are not strictly ordered with B-frames, so only stop once
		// every track is past the window.
		if !st.past {
			st.past = true
			a.pastTracks++
			if a.pastTracks >= ntracks {
				return errStop
			}
		}
		return nil
	}
	before := at+dur <= p.seg.Start
	if dur == 0 {
		before = at < p.seg.Start
	}
	if before {
		if p.keyUnit && t.kind == kindVideo && !p.reverse() {
			if s.key {
				st.pending = st.pending[:0]
			}
			if s.key || len(st.pending) > 0 {
				st.pending = append(st.pending, buf)
			}
		}
		return nil
	}

	if p.reverse() {
		st.reversed = append(st.reversed, buf)
		return nil
	}
	if !st.inWindow {
		st.inWindow = true
		for _, pb := range st.pending {
			if !a.send(ctx, t.name, splitmux.Item{Kind: splitmux.ItemBuffer, Buffer: pb}) {
				return ctx.Err()
			}
		}
		st.pending = nil
	}
	if !a.send(ctx, t.name, splitmux.Item{Kind: splitmux.ItemBuffer, Buffer: buf}) {
		return ctx.Err()
	}
	return nil
}

func (a *activation) send(ctx context.Context, port string, item splitmux.Item) bool {
	return a.queues.push(ctx, port, item)
}

// pop waits for the next item of port.
func (a *activation) pop(ctx context.Context, port string) (splitmux.Item, error) {
	for {
		item, ok, wake := a.queues.pop(port)
		if ok {
			return item, nil
		}
		select {
		case <-wake:
		case <-a.flush:
			return splitmux.Item{}, splitmux.ErrFlushing
		case <-a.failed:
			// Nothing is queued after a failure.
			if item, ok, _ := a.queues.pop(port); ok {
				return item, nil
			}
			return splitmux.Item{}, a.err
		case <-ctx.Done():
			return splitmux.Item{}, ctx.Err()
		}
	}
}

// fail records err for Pop to return once the queued items are drained.
func (a *activation) fail(err error) {
	a.err = err
	close(a.failed)
}
