package sink

import (
	"sync"
	"time"
)

// pacer holds buffers back until their PTS is due on the wall clock,
// measured from the first buffer after each segment.
type pacer struct {
	mu        sync.Mutex
	anchored  bool
	anchorPTS time.Duration
	anchorAt  time.Time
	cancel    chan struct{}
	now       func() time.Time
}

func newPacer() *pacer {
	return &pacer{cancel: make(chan struct{}), now: time.Now}
}

// wait blocks until pts is due. It returns false if a flush interrupted it.
func (p *pacer) wait(pts time.Duration, rate float64) bool {
	p.mu.Lock()
	cancel := p.cancel
	select {
	case <-cancel:
		p.mu.Unlock()
		return false
	default:
	}
	if !p.anchored {
		p.anchored = true
		p.anchorPTS = pts
		p.anchorAt = p.now()
		p.mu.Unlock()
		return true
	}
	delta := pts - p.anchorPTS
	if delta < 0 {
		delta = -delta
	}
	if rate < 0 {
		rate = -rate
	}
	due := p.anchorAt.Add(time.Duration(float64(delta) / rate))
	d := due.Sub(p.now())
	p.mu.Unlock()

	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-cancel:
		return false
	}
}

// reset re-anchors on the next buffer.
func (p *pacer) reset() {
	p.mu.Lock()
	p.anchored = false
	p.mu.Unlock()
}

// interrupt wakes any waiter and makes waits fail until resume.
func (p *pacer) interrupt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.cancel:
	default:
		close(p.cancel)
	}
}

func (p *pacer) resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.cancel:
		p.cancel = make(chan struct{})
	default:
	}
	p.anchored = false
}
