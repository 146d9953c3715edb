package splitmux

// effectiveLookahead is the prefetch window size. The window never takes
// the whole pool, and an unbounded pool needs no prefetching because
// nothing is ever closed.
func (s *Source) effectiveLookahead() int {
	if !s.pool.bounded() || s.cfg.NumLookahead <= 0 {
		return 0
	}
	n := s.cfg.NumLookahead
	if n > s.pool.target-1 {
		n = s.pool.target - 1
	}
	return n
}

// scheduleLookahead queues one lookahead check unless one is already
// pending. Caller holds s.mu.
func (s *Source) scheduleLookahead() {
	if s.effectiveLookahead() == 0 || s.lookaheadPending || s.control == nil {
		return
	}
	s.lookaheadPending = true
	s.control.post(lookaheadCheck{})
}

// runLookahead walks the window after the current part in playback order.
// Loaded parts are marked recently used; the first unloaded one is opened
// and the walk continues when that open completes. Caller holds s.mu.
func (s *Source) runLookahead() {
	s.lookaheadPending = false

	n := s.effectiveLookahead()
	if n == 0 || s.curPart < 0 || s.flushing {
		return
	}
	step := 1
	if !s.segment.Forward() {
		step = -1
	}

	for i := 1; i <= n; i++ {
		idx := s.curPart + i*step
		if idx < 0 || idx >= s.numMeasured {
			return
		}
		p := s.parts[idx]
		if p.preparing {
			return
		}
		if !p.loaded {
			s.log.WithField("part", idx).Debug("Prefetching fragment")
			s.addToActive(idx, true)
			s.startPrepare(p, purposeLookahead)
			return
		}
		s.addToActive(idx, false)
	}
}
