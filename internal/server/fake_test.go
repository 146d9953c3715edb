package server

import (
	"sync"
	"time"

	"github.com/zsiec/stitch/internal/sink"
	"github.com/zsiec/stitch/internal/splitmux"
)

type fakePlayer struct {
	mu        sync.Mutex
	status    splitmux.Status
	parts     []splitmux.PartInfo
	position  time.Duration
	seeks     []splitmux.SeekRequest
	seekErr   error
	fragments []splitmux.Fragment
}

func newFakePlayer() *fakePlayer {
	return &fakePlayer{
		status:   splitmux.Status{Running: true, Fragments: 2, NumMeasured: 2, Duration: 2 * time.Second, Segment: splitmux.NewSegment()},
		parts:    []splitmux.PartInfo{{Index: 0, Location: "a.ts"}, {Index: 1, Location: "b.ts"}},
		position: splitmux.NoTime,
	}
}

func (f *fakePlayer) Status() splitmux.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakePlayer) Parts() []splitmux.PartInfo { return f.parts }

func (f *fakePlayer) Position() (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position, f.position != splitmux.NoTime
}

func (f *fakePlayer) Seek(req splitmux.SeekRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seekErr != nil {
		return f.seekErr
	}
	f.seeks = append(f.seeks, req)
	return nil
}

func (f *fakePlayer) AddFragment(fr splitmux.Fragment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fragments = append(f.fragments, fr)
	return nil
}

func (f *fakePlayer) lastSeek() splitmux.SeekRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seeks[len(f.seeks)-1]
}

type fakeStats []sink.Stats

func (f fakeStats) Stats() []sink.Stats { return f }
