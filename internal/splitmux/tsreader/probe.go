package tsreader

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
	"github.com/zsiec/stitch/internal/logger"
)

var (
	errNoTracks = errors.New("no supported elementary streams")
	errStop     = errors.New("stop reading")
)

// eofReader remembers whether the underlying reader ran dry, so that any
// error the demuxer reports after that is treated as end of stream.
type eofReader struct {
	r   io.Reader
	eof bool
}

func (e *eofReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err == io.EOF {
		e.eof = true
	}
	return n, err
}

// demuxer reads one fragment front to back.
type demuxer struct {
	src    *eofReader
	reader *mpegts.Reader
	tracks []*track
	byPID  map[uint16]*mpegts.Track
}

func openDemuxer(r io.Reader, log logger.Logger) (*demuxer, []string, error) {
	src := &eofReader{r: bufio.NewReaderSize(r, 188*512)}
	mr := &mpegts.Reader{R: src}
	if err := mr.Initialize(); err != nil {
		return nil, nil, fmt.Errorf("initializing mpegts reader: %w", err)
	}
	mr.OnDecodeError(func(err error) {
		log.WithError(err).Debug("MPEG-TS decode error")
	})

	tracks, skipped := discoverTracks(mr.Tracks())
	d := &demuxer{
		src:    src,
		reader: mr,
		tracks: tracks,
		byPID:  make(map[uint16]*mpegts.Track),
	}
	for _, ts := range mr.Tracks() {
		d.byPID[ts.PID] = ts
	}
	return d, skipped, nil
}

// run feeds every access unit to fn until the stream ends, fn returns an
// error or ctx is done. errStop from fn ends the run without error.
func (d *demuxer) run(ctx context.Context, fn sampleFunc) error {
	for _, t := range d.tracks {
		subscribe(d.reader, t, d.byPID[t.pid], fn)
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := d.reader.Read()
		if err == nil {
			continue
		}
		switch {
		case errors.Is(err, errStop):
			return nil
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), d.src.eof:
			return nil
		default:
			return err
		}
	}
}

// probeResult is what a fragment looks like.
type probeResult struct {
	tracks   []*track
	firstPTS int64
	// endPTS is the end of the last access unit of any track, or firstPTS
	// when the fragment was only probed for its start.
	endPTS int64
}

func (p *probeResult) duration() time.Duration {
	return ticksToDuration(p.endPTS - p.firstPTS)
}

type trackStats struct {
	seen      bool
	first     int64
	last      int64
	minStep   int64
	prevPTS   int64
	hasPrevTS bool
}

// probe reads the PAT/PMT and the timestamps of r. With full set it scans
// the whole fragment to measure its duration; otherwise it stops once every
// track has produced its first access unit.
func probe(ctx context.Context, r io.Reader, full bool, log logger.Logger) (*probeResult, error) {
	d, skipped, err := openDemuxer(r, log)
	if err != nil {
		return nil, err
	}
	for _, s := range skipped {
		log.WithField("track", s).Debug("Skipping unsupported track")
	}
	if len(d.tracks) == 0 {
		return nil, errNoTracks
	}

	stats := make(map[*track]*trackStats, len(d.tracks))
	for _, t := range d.tracks {
		stats[t] = &trackStats{}
	}
	pending := len(d.tracks)

	err = d.run(ctx, func(t *track, s sample) error {
		st := stats[t]
		if !st.seen {
			st.seen = true
			st.first, st.last = s.pts, s.pts
			pending--
			if !full && pending == 0 {
				return errStop
			}
		}
		if s.pts < st.first {
			st.first = s.pts
		}
		if s.pts > st.last {
			st.last = s.pts
		}
		if st.hasPrevTS {
			step := s.pts - st.prevPTS
			if step < 0 {
				step = -step
			}
			if step > 0 && (st.minStep == 0 || step < st.minStep) {
				st.minStep = step
			}
		}
		st.prevPTS, st.hasPrevTS = s.pts, true
		return nil
	})
	if err != nil {
		return nil, err
	}

	res := &probeResult{tracks: d.tracks}
	found := false
	for _, t := range d.tracks {
		st := stats[t]
		if !st.seen {
			continue
		}
		if t.kind == kindVideo && st.minStep > 0 {
			t.frameTicks = st.minStep
			t.caps.Fields["framerate"] = framerate(st.minStep)
		}
		end := st.last + t.frameTicks
		if !full {
			end = st.first
		}
		if !found || st.first < res.firstPTS {
			res.firstPTS = st.first
		}
		if !found || end > res.endPTS {
			res.endPTS = end
		}
		found = true
	}
	if !found {
		return nil, fmt.Errorf("no access units found")
	}
	if res.endPTS < res.firstPTS {
		res.endPTS = res.firstPTS
	}
	return res, nil
}

func ticksToDuration(t int64) time.Duration {
	sec := t / clockRate
	rem := t % clockRate
	return time.Duration(sec)*time.Second + time.Duration(rem)*time.Second/clockRate
}
