package splitmux

import (
	"github.com/zsiec/stitch/internal/metrics"
)

// activePool orders open parts from oldest (head) to most recently used
// (tail). A target of zero leaves the pool unbounded and untracked.
type activePool struct {
	target int
	order  []int
}

func newActivePool(target int) *activePool {
	if target < 0 {
		target = 0
	}
	return &activePool{target: target}
}

func (p *activePool) bounded() bool { return p.target > 0 }

func (p *activePool) len() int { return len(p.order) }

func (p *activePool) indexOf(idx int) int {
	for i, v := range p.order {
		if v == idx {
			return i
		}
	}
	return -1
}

func (p *activePool) contains(idx int) bool {
	return p.indexOf(idx) >= 0
}

func (p *activePool) insert(idx int, asOldest bool) {
	if asOldest {
		p.order = append([]int{idx}, p.order...)
		return
	}
	p.order = append(p.order, idx)
}

func (p *activePool) remove(idx int) bool {
	i := p.indexOf(idx)
	if i < 0 {
		return false
	}
	p.order = append(p.order[:i], p.order[i+1:]...)
	return true
}

func (p *activePool) move(idx int, asOldest bool) {
	if p.remove(idx) {
		p.insert(idx, asOldest)
	}
}

func (p *activePool) oldest() (int, bool) {
	if len(p.order) == 0 {
		return 0, false
	}
	return p.order[0], true
}

func (p *activePool) snapshot() []int {
	out := make([]int, len(p.order))
	copy(out, p.order)
	return out
}

func (p *activePool) clear() {
	p.order = nil
}

// addToActive records that part idx is open. Prefetched parts go in as the
// oldest entry; parts about to play go in as the newest. Caller holds s.mu.
func (s *Source) addToActive(idx int, asOldest bool) {
	if !s.pool.bounded() {
		return
	}
	p := s.parts[idx]
	p.unprepareOnLoad = false
	if s.pool.contains(idx) {
		s.pool.move(idx, asOldest)
		return
	}
	s.reduceActive()
	s.pool.insert(idx, asOldest)
	metrics.SetOpenReaders(s.pool.len())
}

// reduceActive closes the oldest parts until there is room for one more.
// It never closes a playing part, so the pool may stay over target while
// ports are spread over more parts than the target allows.
func (s *Source) reduceActive() {
	for s.pool.len() >= s.pool.target {
		idx, ok := s.pool.oldest()
		if !ok {
			return
		}
		p := s.parts[idx]
		if p.playing() {
			s.log.WithField("part", idx).Debug("Oldest open fragment is playing, not evicting")
			return
		}
		s.pool.remove(idx)
		s.closePart(p)
		metrics.IncrementEvictions()
		s.log.WithField("part", idx).Debug("Evicted fragment reader")
	}
	metrics.SetOpenReaders(s.pool.len())
}

// closePart releases the reader resources of p. A prepare still in flight
// is released when it completes.
func (s *Source) closePart(p *part) {
	if p.active {
		p.reader.Deactivate()
		p.active = false
	}
	if p.preparing {
		p.unprepareOnLoad = true
		return
	}
	if p.loaded {
		p.reader.Unprepare()
		p.loaded = false
	}
}
