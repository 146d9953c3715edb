package tsreader

import (
	"context"
	"sync"

	"github.com/zsiec/stitch/internal/splitmux"
)

// trackQueues holds the items of every track of one activation. A track at
// its limit holds the demuxer back only while every other unfinished track
// still has items queued; otherwise it grows, so a track nobody pops never
// starves the others.
type trackQueues struct {
	limit int

	mu     sync.Mutex
	tracks map[string]*trackQueue
	// wake is closed and replaced whenever a queue changes.
	wake chan struct{}
}

type trackQueue struct {
	items []splitmux.Item
	// finished is set once end-of-stream is queued.
	finished bool
}

func newTrackQueues(names []string, limit int) *trackQueues {
	q := &trackQueues{
		limit:  limit,
		tracks: make(map[string]*trackQueue, len(names)),
		wake:   make(chan struct{}),
	}
	for _, name := range names {
		q.tracks[name] = &trackQueue{}
	}
	return q
}

func (q *trackQueues) has(name string) bool {
	_, ok := q.tracks[name]
	return ok
}

func (q *trackQueues) signalLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// starvingLocked reports whether a track other than name is waiting for
// data that only the demuxer can deliver.
func (q *trackQueues) starvingLocked(name string) bool {
	for other, tq := range q.tracks {
		if other != name && !tq.finished && len(tq.items) == 0 {
			return true
		}
	}
	return false
}

// push queues item on track name. It returns false if ctx ended while the
// queue was full.
func (q *trackQueues) push(ctx context.Context, name string, item splitmux.Item) bool {
	for {
		q.mu.Lock()
		tq := q.tracks[name]
		if len(tq.items) < q.limit || q.starvingLocked(name) {
			tq.items = append(tq.items, item)
			if item.Kind == splitmux.ItemEOS {
				tq.finished = true
			}
			q.signalLocked()
			q.mu.Unlock()
			return true
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return false
		}
	}
}

// pop removes the next item of track name. ok is false when the track is
// empty; wake is then closed on the next change.
func (q *trackQueues) pop(name string) (item splitmux.Item, ok bool, wake <-chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tq := q.tracks[name]
	if len(tq.items) == 0 {
		return splitmux.Item{}, false, q.wake
	}
	item = tq.items[0]
	tq.items[0] = splitmux.Item{}
	tq.items = tq.items[1:]
	q.signalLocked()
	return item, true, nil
}

// depth returns the number of items queued on track name.
func (q *trackQueues) depth(name string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tracks[name].items)
}
