package splitmux

import (
	"errors"
	"fmt"
	"time"

	"github.com/zsiec/stitch/internal/metrics"
)

// SeekRequest asks the source to move playback.
type SeekRequest struct {
	Rate      float64
	Format    Format
	Flags     SeekFlags
	StartType SeekType
	Start     time.Duration
	StopType  SeekType
	Stop      time.Duration
	SeqNum    uint32
}

// NewSeek returns a flushing forward seek to position at normal rate.
func NewSeek(position time.Duration, seqnum uint32) SeekRequest {
	return SeekRequest{
		Rate:      1.0,
		Format:    FormatTime,
		Flags:     SeekFlagFlush,
		StartType: SeekTypeSet,
		Start:     position,
		StopType:  SeekTypeNone,
		Stop:      NoTime,
		SeqNum:    seqnum,
	}
}

// Seek performs a flushing seek: every port is flushed and stopped, the
// new play segment is committed and the fragment owning the new position
// is activated. A request repeating the previous sequence number is
// ignored.
func (s *Source) Seek(req SeekRequest) error {
	if req.Format != FormatTime {
		metrics.IncrementSeeks("invalid")
		return ErrUnsupportedFormat
	}
	if req.Flags&SeekFlagFlush == 0 {
		metrics.IncrementSeeks("invalid")
		return ErrNonFlushingSeek
	}

	s.seekMu.Lock()
	defer s.seekMu.Unlock()

	s.mu.Lock()
	if !s.running || s.ctx.Err() != nil || s.numMeasured == 0 || s.measureFailed {
		s.mu.Unlock()
		metrics.IncrementSeeks("not_running")
		return ErrNotRunning
	}
	if s.hasSeqnum && s.seqnum == req.SeqNum {
		s.mu.Unlock()
		metrics.IncrementSeeks("duplicate")
		s.log.WithField("seqnum", req.SeqNum).Debug("Ignoring duplicate seek")
		return nil
	}

	seg := s.segment
	if !seg.DoSeek(req.Rate, req.Flags, req.StartType, req.Start, req.StopType, req.Stop) {
		s.mu.Unlock()
		metrics.IncrementSeeks("invalid")
		return fmt.Errorf("%w: rate=%.2f start=%s stop=%s", ErrInvalidSeek, req.Rate, fmtTime(req.Start), fmtTime(req.Stop))
	}

	log := s.log.WithFields(map[string]interface{}{
		"seqnum": req.SeqNum,
		"rate":   req.Rate,
		"start":  seg.Start,
		"stop":   fmtTime(seg.Stop),
	})
	log.Info("Seeking")

	s.flushing = true
	s.supersede()
	ports := append([]*OutputPort(nil), s.ports...)
	s.mu.Unlock()

	for _, p := range ports {
		p.flushStart(req.SeqNum)
	}

	s.mu.Lock()
	s.deactivateAll()
	s.mu.Unlock()

	for _, p := range ports {
		p.stopTask()
	}
	for _, p := range ports {
		p.flushStop(req.SeqNum)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.ctx.Err() != nil {
		s.flushing = false
		metrics.IncrementSeeks("not_running")
		return ErrNotRunning
	}

	// A port may have activated the next part between flush-start and
	// stopping its task.
	s.deactivateAll()
	s.eosPosted = false
	s.notLinkedFatal = false

	s.segment = seg
	s.seqnum = req.SeqNum
	s.hasSeqnum = true
	s.firstActivated = true

	idx := s.findPart(seg.Position)
	log.WithField("part", idx).Debug("Seek target located")

	// The lock is released while the target opens; ports stay stopped and
	// lookahead stays idle until flushing clears.
	err := s.activatePart(s.ctx, idx, req.Flags, causeSeek)
	s.flushing = false
	if errors.Is(err, errStale) {
		metrics.IncrementSeeks("not_running")
		return ErrNotRunning
	}
	if err != nil {
		metrics.IncrementSeeks("failed")
		s.fatal(err)
		return err
	}
	metrics.IncrementSeeks("ok")
	return nil
}

// SeekTo is a flushing forward seek to position with the next sequence
// number.
func (s *Source) SeekTo(position time.Duration) error {
	s.mu.Lock()
	seqnum := s.seqnum + 1
	s.mu.Unlock()
	return s.Seek(NewSeek(position, seqnum))
}
