package splitmux

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/zsiec/stitch/internal/errors"
	"github.com/zsiec/stitch/internal/metrics"
)

const (
	causeStart   = "start"
	causeAdvance = "advance"
	causeSeek    = "seek"
)

// errStale is returned when a seek or Stop happened while s.mu was
// released to open a fragment.
var errStale = errors.New("splitmux: superseded while opening fragment")

// endOfPart moves the port on to the next part in playback order. It
// returns false once the port has forwarded end-of-stream or was
// superseded by a seek.
func (p *OutputPort) endOfPart(ctx context.Context) bool {
	s := p.src
	s.mu.Lock()
	if !s.running || s.flushing {
		s.mu.Unlock()
		return false
	}
	next, err := s.advancePort(ctx, p)
	stale := errors.Is(err, errStale)
	if err != nil && !stale {
		s.fatal(err)
	}
	s.mu.Unlock()

	if next >= 0 {
		return true
	}
	if stale {
		return false
	}
	p.sendEOS()
	if err == nil {
		s.portEOS(p)
	}
	return false
}

// nextPart returns the part after cur in playback order, or -1 when cur is
// the last one or already reaches the edge of the play segment. Caller holds
// s.mu.
func (s *Source) nextPart(cur int) int {
	part := s.parts[cur]
	if s.segment.Forward() {
		if cur+1 >= s.numMeasured {
			return -1
		}
		if s.segment.Stop != NoTime && part.end >= s.segment.Stop {
			return -1
		}
		return cur + 1
	}
	if cur <= 0 {
		return -1
	}
	if s.segment.Start != NoTime && part.start <= s.segment.Start {
		return -1
	}
	return cur - 1
}

// advancePort rebinds p to the next part. The first port to get there
// activates it. Caller holds s.mu.
func (s *Source) advancePort(ctx context.Context, p *OutputPort) (int, error) {
	if p.curPart < 0 || p.curPart >= len(s.parts) {
		return -1, nil
	}
	next := s.nextPart(p.curPart)
	if next < 0 {
		return -1, nil
	}

	log := s.log.WithFields(map[string]interface{}{
		"port": p.name,
		"from": p.curPart,
		"to":   next,
	})

	s.unbindPort(p)
	if !s.parts[next].active {
		log.Debug("First port at fragment boundary, activating next fragment")
		p.advancing = true
		err := s.activatePart(ctx, next, SeekFlagNone, causeAdvance)
		p.advancing = false
		if err != nil {
			return -1, err
		}
	} else {
		s.addToActive(next, false)
	}
	s.bindPort(p, next)

	// Forward transitions mark the first buffer of the new fragment; in
	// reverse the reader already marks every chunk, so the flag is cleared.
	if s.segment.Forward() {
		p.discont = discontSet
	} else {
		p.discont = discontClear
	}
	log.Debug("Port advanced to next fragment")
	return next, nil
}

// openPart prepares p unless it is loaded already. s.mu is released while
// the reader opens and while another open of p is in flight. errStale
// means a seek or Stop came in meanwhile. Caller holds s.mu.
func (s *Source) openPart(ctx context.Context, p *part) error {
	gen := s.generation
	for p.preparing {
		s.opened.Wait()
		if s.stale(gen) {
			return errStale
		}
	}
	if p.loaded {
		return nil
	}

	p.preparing = true
	reader := p.reader
	s.mu.Unlock()
	started := time.Now()
	res, err := reader.Prepare(ctx)
	elapsed := time.Since(started)
	s.mu.Lock()

	p.preparing = false
	released := p.unprepareOnLoad
	p.unprepareOnLoad = false
	s.opened.Broadcast()

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.RecordPrepare(purposeActivate.String(), result, elapsed.Seconds())

	stale := s.stale(gen)
	if err == nil {
		if released && stale {
			reader.Unprepare()
		} else {
			p.loaded = true
			p.streams = res.Streams
			s.ensurePorts(p)
			if released {
				// Evicted while opening, but it is about to play.
				s.addToActive(p.index, false)
			}
		}
	}
	if stale {
		return errStale
	}
	return err
}

// activatePart opens part idx if needed and starts it playing. When
// advancing, another port may have activated it while this one waited
// for the open. Caller holds s.mu.
func (s *Source) activatePart(ctx context.Context, idx int, flags SeekFlags, cause string) error {
	p := s.parts[idx]

	// Make room in the pool before opening another reader.
	s.addToActive(idx, false)
	if err := s.openPart(ctx, p); err != nil {
		if !p.loaded && s.pool.remove(idx) {
			metrics.SetOpenReaders(s.pool.len())
		}
		if errors.Is(err, errStale) {
			return err
		}
		return apperrors.NewStreamError(err, apperrors.CodeActivationFailed,
			fmt.Sprintf("failed to open fragment %s", p.location))
	}
	if p.active {
		return nil
	}
	return s.startPart(idx, flags, cause)
}

// startPlayback activates the first part to play once measurement is
// done. An unopened part is opened on the control path and started when
// the open completes. Caller holds s.mu.
func (s *Source) startPlayback(idx int) {
	p := s.parts[idx]
	s.addToActive(idx, false)
	if !p.loaded {
		s.log.WithField("part", idx).Debug("Opening first fragment to play")
		s.startPrepare(p, purposeActivate)
		return
	}
	if err := s.startPart(idx, SeekFlagNone, causeStart); err != nil {
		s.fatal(err)
	}
}

// finishStart applies the open issued by startPlayback. A seek in the
// meantime owns playback, so the part is only kept open. Caller holds s.mu.
func (s *Source) finishStart(p *part, m prepareDone, released bool) {
	current := !s.stale(m.gen)
	if m.err != nil {
		if s.pool.remove(p.index) {
			metrics.SetOpenReaders(s.pool.len())
		}
		if current {
			s.fatal(apperrors.NewStreamError(m.err, apperrors.CodeActivationFailed,
				fmt.Sprintf("failed to open fragment %s", p.location)))
		}
		return
	}
	if released {
		if current {
			s.startPlayback(p.index)
		}
		return
	}

	p.loaded = true
	p.streams = m.result.Streams
	s.ensurePorts(p)
	if !current || p.active {
		return
	}
	if err := s.startPart(p.index, SeekFlagNone, causeStart); err != nil {
		s.fatal(err)
	}
}

// startPart starts the loaded part idx playing with the play segment. At
// start and after a seek every port is bound to it; when advancing only
// ports that are parked or new are bound, the others rebind as they reach
// the boundary. Caller holds s.mu.
func (s *Source) startPart(idx int, flags SeekFlags, cause string) error {
	p := s.parts[idx]
	log := s.log.WithFields(map[string]interface{}{
		"part":  idx,
		"cause": cause,
	})

	// A port lagging behind may reactivate a part playback already left;
	// that must not drag the playback position or the lookahead back.
	moved := cause != causeAdvance || s.aheadOf(idx, s.curPart)
	if moved {
		s.curPart = idx
	}

	seg := s.activationSegment(p, cause)
	if err := p.reader.Activate(seg, flags); err != nil {
		return apperrors.NewStreamError(err, apperrors.CodeActivationFailed,
			fmt.Sprintf("failed to activate fragment %s", p.location))
	}
	p.active = true
	metrics.IncrementActivations(cause)
	log.WithField("segment", seg.String()).Debug("Activated fragment")

	for _, port := range s.ports {
		if cause == causeAdvance && (!moved || port.advancing || (port.bound && !port.parked)) {
			continue
		}
		s.bindPort(port, idx)
		port.parked = false
		port.discont = discontSet
		port.startTask()
	}

	if moved {
		s.scheduleLookahead()
	}
	return nil
}

// aheadOf reports whether part idx comes after cur in playback order.
// Caller holds s.mu.
func (s *Source) aheadOf(idx, cur int) bool {
	if cur < 0 {
		return true
	}
	if s.segment.Forward() {
		return idx > cur
	}
	return idx < cur
}

// activationSegment is the segment handed to a reader. In reverse
// playback a part that is played to its own end gets an open stop, since
// some readers drop the trailing samples of a clipped reverse segment.
func (s *Source) activationSegment(p *part, cause string) Segment {
	seg := s.segment
	if seg.Forward() {
		return seg
	}
	if cause == causeAdvance || seg.Stop == NoTime || seg.Stop >= p.end {
		seg.Stop = NoTime
	}
	return seg
}

// startLatePorts binds and starts ports created after playback began.
// Caller holds s.mu.
func (s *Source) startLatePorts() {
	if s.curPart < 0 || s.flushing || !s.running {
		return
	}
	for _, port := range s.ports {
		if port.bound || port.parked || port.eos || port.curPart >= 0 {
			continue
		}
		s.bindPort(port, s.curPart)
		port.discont = discontSet
		port.startTask()
		s.log.WithField("port", port.name).Debug("Started late port")
	}
}
