package splitmux

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "github.com/zsiec/stitch/internal/errors"
	"github.com/zsiec/stitch/internal/metrics"
)

// mailbox is an unbounded queue drained by the control goroutine. Posting
// never blocks, so it is safe while holding s.mu.
type mailbox struct {
	mu     sync.Mutex
	items  []interface{}
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) post(v interface{}) {
	m.mu.Lock()
	m.items = append(m.items, v)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) drain() []interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

type prepareDone struct {
	part    *part
	purpose preparePurpose
	result  PrepareResult
	err     error
	elapsed time.Duration
	gen     uint64
}

type lookaheadCheck struct{}

// runControl applies asynchronous completions to the source state one at a
// time.
func (s *Source) runControl(ctx context.Context, mb *mailbox, done chan struct{}) {
	defer close(done)
	metrics.IncrementGoroutineCreated("splitmux_control")
	defer metrics.IncrementGoroutineDestroyed("splitmux_control")

	for {
		select {
		case <-ctx.Done():
			return
		case <-mb.notify:
			for _, msg := range mb.drain() {
				if ctx.Err() != nil {
					return
				}
				s.handleControl(msg)
			}
		}
	}
}

func (s *Source) handleControl(msg interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}

	switch m := msg.(type) {
	case prepareDone:
		s.handlePrepared(m)
	case lookaheadCheck:
		s.runLookahead()
	}
}

// startPrepare opens p on a new goroutine; the result comes back through
// the control mailbox. Caller holds s.mu.
func (s *Source) startPrepare(p *part, purpose preparePurpose) {
	p.preparing = true
	p.purpose = purpose

	ctx := s.ctx
	gen := s.generation
	reader := p.reader
	mb := s.control
	log := s.log.WithFields(map[string]interface{}{
		"part":    p.index,
		"purpose": purpose.String(),
	})

	s.prepares.Add(1)
	go func() {
		defer s.prepares.Done()
		defer func() {
			if r := recover(); r != nil {
				log.WithField("panic", r).Error("Panic while preparing fragment")
				mb.post(prepareDone{part: p, purpose: purpose, err: errors.New("panic while preparing fragment"), gen: gen})
			}
		}()

		started := time.Now()
		res, err := reader.Prepare(ctx)
		mb.post(prepareDone{part: p, purpose: purpose, result: res, err: err, elapsed: time.Since(started), gen: gen})
	}()
}

// handlePrepared applies a finished prepare. Caller holds s.mu.
func (s *Source) handlePrepared(m prepareDone) {
	p := m.part
	result := "ok"
	if m.err != nil {
		result = "error"
	}
	metrics.RecordPrepare(m.purpose.String(), result, m.elapsed.Seconds())

	if p.index >= len(s.parts) || s.parts[p.index] != p {
		// Truncated away while opening.
		if m.err == nil {
			p.reader.Unprepare()
		}
		return
	}

	p.preparing = false
	s.opened.Broadcast()
	released := p.unprepareOnLoad
	p.unprepareOnLoad = false
	if released && m.err == nil {
		p.reader.Unprepare()
	}

	switch m.purpose {
	case purposeMeasure:
		s.finishMeasure(p, m.result, m.err, !released)
		return
	case purposeActivate:
		s.finishStart(p, m, released)
		return
	}

	log := s.log.WithField("part", p.index)
	switch {
	case released:
		log.Debug("Discarded prefetched fragment evicted while opening")
	case m.err != nil:
		log.WithError(m.err).Warn("Failed to prefetch fragment")
		s.pool.remove(p.index)
		s.bus.post(Message{
			Type:     MessageWarning,
			Index:    p.index,
			Location: p.location,
			Err:      apperrors.NewResourceError(m.err, apperrors.CodeOpenFailed, "failed to prefetch fragment"),
		})
		return
	default:
		p.loaded = true
		p.streams = m.result.Streams
		s.ensurePorts(p)
		s.startLatePorts()
		log.Debug("Prefetched fragment")
	}
	s.scheduleLookahead()
}
