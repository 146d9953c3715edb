package splitmux

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testStep = 250 * time.Millisecond

// fakeMedia is the content of one scripted fragment.
type fakeMedia struct {
	streams  []string
	duration time.Duration
	fail     error
	// gate, when set, holds Prepare until closed.
	gate chan struct{}
}

// fakeLibrary creates fakeReaders and tracks how many are open at once.
type fakeLibrary struct {
	mu      sync.Mutex
	media   map[string]*fakeMedia
	readers map[string]*fakeReader
	open    int
	maxOpen int
}

func newFakeLibrary() *fakeLibrary {
	return &fakeLibrary{
		media:   make(map[string]*fakeMedia),
		readers: make(map[string]*fakeReader),
	}
}

func (l *fakeLibrary) add(location string, d time.Duration, streams ...string) *fakeMedia {
	if len(streams) == 0 {
		streams = []string{"video_0"}
	}
	m := &fakeMedia{streams: streams, duration: d}
	l.mu.Lock()
	l.media[location] = m
	l.mu.Unlock()
	return m
}

func (l *fakeLibrary) factory(location string) PartReader {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := &fakeReader{
		lib:      l,
		location: location,
		media:    l.media[location],
		duration: NoTime,
		wake:     make(chan struct{}),
	}
	l.readers[location] = r
	return r
}

func (l *fakeLibrary) reader(location string) *fakeReader {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readers[location]
}

func (l *fakeLibrary) opened() {
	l.mu.Lock()
	l.open++
	if l.open > l.maxOpen {
		l.maxOpen = l.open
	}
	l.mu.Unlock()
}

func (l *fakeLibrary) closed() {
	l.mu.Lock()
	l.open--
	l.mu.Unlock()
}

func (l *fakeLibrary) openCount() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open, l.maxOpen
}

// fakeReader emits one buffer per testStep of its fragment on every stream.
type fakeReader struct {
	lib      *fakeLibrary
	location string
	media    *fakeMedia

	mu          sync.Mutex
	offset      time.Duration
	bias        time.Duration
	duration    time.Duration
	loaded      bool
	playing     bool
	prepares    int
	gated       int
	activations []Segment
	queues      map[string][]Item
	wake        chan struct{}
}

func (r *fakeReader) broadcast() {
	close(r.wake)
	r.wake = make(chan struct{})
}

func (r *fakeReader) Location() string { return r.location }

func (r *fakeReader) SetStartOffset(offset, bias time.Duration) {
	r.mu.Lock()
	r.offset, r.bias = offset, bias
	r.mu.Unlock()
}

func (r *fakeReader) SetDuration(d time.Duration) {
	r.mu.Lock()
	r.duration = d
	r.mu.Unlock()
}

func (r *fakeReader) NeedsMeasuring() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.duration == NoTime
}

func (r *fakeReader) Prepare(ctx context.Context) (PrepareResult, error) {
	m := r.media
	if m == nil {
		return PrepareResult{}, fmt.Errorf("%s: no such fragment", r.location)
	}
	if m.gate != nil {
		r.mu.Lock()
		r.gated++
		r.mu.Unlock()
		select {
		case <-m.gate:
		case <-ctx.Done():
			return PrepareResult{}, ctx.Err()
		}
	}
	if m.fail != nil {
		return PrepareResult{}, m.fail
	}

	r.mu.Lock()
	r.prepares++
	if !r.loaded {
		r.loaded = true
		r.lib.opened()
	}
	r.mu.Unlock()

	streams := make([]StreamInfo, 0, len(m.streams))
	for _, name := range m.streams {
		streams = append(streams, StreamInfo{Name: name, Caps: fakeCaps(name, r.location)})
	}
	return PrepareResult{Streams: streams, Duration: m.duration}, nil
}

func fakeCaps(name, location string) *Caps {
	if strings.HasPrefix(name, "video") {
		// The framerate estimate differs per fragment.
		return &Caps{Media: "video/x-h264", Fields: map[string]string{
			"width":     "1280",
			"framerate": fmt.Sprintf("%d/1", 24+int(location[0])%3),
		}}
	}
	return &Caps{Media: "audio/mpeg", Fields: map[string]string{"rate": "48000"}}
}

func (r *fakeReader) Activate(seg Segment, flags SeekFlags) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loaded {
		return errors.New("activate before prepare")
	}
	r.playing = true
	r.activations = append(r.activations, seg)
	r.queues = make(map[string][]Item)
	for _, name := range r.media.streams {
		r.queues[name] = r.script(name, seg)
	}
	r.broadcast()
	return nil
}

func (r *fakeReader) script(name string, seg Segment) []Item {
	dur := r.media.duration
	base := r.offset + r.bias

	first := r.offset
	if seg.Start > first {
		first = seg.Start
	}
	partSeg := Segment{
		Rate:     seg.Rate,
		Start:    first + r.bias,
		Stop:     base + dur,
		Time:     first,
		Position: first + r.bias,
		Duration: dur,
	}
	items := []Item{
		{Kind: ItemStreamStart, StreamID: name},
		{Kind: ItemCaps, Caps: fakeCaps(name, r.location)},
		{Kind: ItemSegment, Segment: &partSeg},
	}

	var frames []int
	for i := 0; i < int(dur/testStep); i++ {
		ts := r.offset + time.Duration(i)*testStep
		if ts+testStep <= seg.Start {
			continue
		}
		if seg.Stop != NoTime && ts >= seg.Stop {
			continue
		}
		frames = append(frames, i)
	}
	if seg.Rate < 0 {
		for i, j := 0, len(frames)-1; i < j; i, j = i+1, j-1 {
			frames[i], frames[j] = frames[j], frames[i]
		}
	}
	for _, i := range frames {
		pts := base + time.Duration(i)*testStep
		items = append(items, Item{Kind: ItemBuffer, Buffer: &Buffer{
			PTS:      pts,
			DTS:      pts,
			Duration: testStep,
			Data:     []byte(fmt.Sprintf("%s/%s/%d", r.location, name, i)),
		}})
	}
	return append(items, Item{Kind: ItemEOS})
}

func (r *fakeReader) Deactivate() {
	r.mu.Lock()
	r.playing = false
	r.queues = nil
	r.broadcast()
	r.mu.Unlock()
}

func (r *fakeReader) Unprepare() {
	r.mu.Lock()
	r.playing = false
	r.queues = nil
	if r.loaded {
		r.loaded = false
		r.lib.closed()
	}
	r.broadcast()
	r.mu.Unlock()
}

func (r *fakeReader) IsLoaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}

func (r *fakeReader) IsPlaying() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playing
}

func (r *fakeReader) LookupPort(logical string) (string, bool) {
	if r.media == nil {
		return "", false
	}
	for _, name := range r.media.streams {
		if name == logical {
			return name, true
		}
	}
	return "", false
}

func (r *fakeReader) Pop(ctx context.Context, port string) (Item, error) {
	for {
		r.mu.Lock()
		if !r.playing {
			r.mu.Unlock()
			return Item{}, ErrFlushing
		}
		if q := r.queues[port]; len(q) > 0 {
			item := q[0]
			r.queues[port] = q[1:]
			r.mu.Unlock()
			return item, nil
		}
		wake := r.wake
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return Item{}, ctx.Err()
		case <-wake:
		}
	}
}

func (r *fakeReader) lastActivation() (Segment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.activations) == 0 {
		return Segment{}, false
	}
	return r.activations[len(r.activations)-1], true
}

func (r *fakeReader) activationCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.activations)
}

// gatedCount is how many prepares reached the gate.
func (r *fakeReader) gatedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gated
}

func (r *fakeReader) prepareCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prepares
}

// recorder is a Downstream that keeps everything it receives. A gated
// recorder blocks each push until a credit is granted or a flush starts.
type recorder struct {
	mu       sync.Mutex
	items    []Item
	flow     FlowReturn
	gated    bool
	credits  int
	flushing bool
	wake     chan struct{}
}

func newRecorder(flow FlowReturn, gated bool) *recorder {
	return &recorder{flow: flow, gated: gated, wake: make(chan struct{})}
}

func (r *recorder) signal() {
	close(r.wake)
	r.wake = make(chan struct{})
}

func (r *recorder) Event(item Item) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
	switch item.Kind {
	case ItemFlushStart:
		r.flushing = true
		r.signal()
	case ItemFlushStop:
		r.flushing = false
	}
	return true
}

func (r *recorder) Push(buf *Buffer) FlowReturn {
	r.mu.Lock()
	for r.gated && r.credits == 0 && !r.flushing {
		wake := r.wake
		r.mu.Unlock()
		<-wake
		r.mu.Lock()
	}
	defer r.mu.Unlock()
	if r.flushing {
		return FlowFlushing
	}
	if r.gated {
		r.credits--
	}
	r.items = append(r.items, Item{Kind: ItemBuffer, Buffer: buf})
	return r.flow
}

// allow grants n pushes to a gated recorder.
func (r *recorder) allow(n int) {
	r.mu.Lock()
	r.credits += n
	r.signal()
	r.mu.Unlock()
}

// ungate lets every further push through.
func (r *recorder) ungate() {
	r.mu.Lock()
	r.gated = false
	r.signal()
	r.mu.Unlock()
}

func (r *recorder) setFlow(f FlowReturn) {
	r.mu.Lock()
	r.flow = f
	r.mu.Unlock()
}

func (r *recorder) snapshot() []Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Item(nil), r.items...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.items = nil
	r.mu.Unlock()
}

func (r *recorder) count(kind ItemKind) int {
	n := 0
	for _, it := range r.snapshot() {
		if it.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) buffers() []*Buffer {
	var out []*Buffer
	for _, it := range r.snapshot() {
		if it.Kind == ItemBuffer {
			out = append(out, it.Buffer)
		}
	}
	return out
}

func (r *recorder) segments() []*Segment {
	var out []*Segment
	for _, it := range r.snapshot() {
		if it.Kind == ItemSegment {
			out = append(out, it.Segment)
		}
	}
	return out
}

// sinkSet hands out one recorder per port.
type sinkSet struct {
	mu        sync.Mutex
	recorders map[string]*recorder
	flows     map[string]FlowReturn
	gated     bool
}

func newSinkSet() *sinkSet {
	return &sinkSet{
		recorders: make(map[string]*recorder),
		flows:     make(map[string]FlowReturn),
	}
}

func (s *sinkSet) factory(port string, caps *Caps) Downstream {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := newRecorder(s.flows[port], s.gated)
	s.recorders[port] = r
	return r
}

func (s *sinkSet) ungateAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.recorders {
		r.ungate()
	}
}

func (s *sinkSet) get(port string) *recorder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recorders[port]
}

// messageLog collects bus messages.
type messageLog struct {
	mu   sync.Mutex
	msgs []Message
}

func (l *messageLog) handle(m Message) {
	l.mu.Lock()
	l.msgs = append(l.msgs, m)
	l.mu.Unlock()
}

func (l *messageLog) ofType(t MessageType) []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Message
	for _, m := range l.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type harness struct {
	lib   *fakeLibrary
	sinks *sinkSet
	msgs  *messageLog
	src   *Source
}

func newHarness(t *testing.T, cfg Config, lib *fakeLibrary) *harness {
	t.Helper()
	h := &harness{lib: lib, sinks: newSinkSet(), msgs: &messageLog{}}
	cfg.NewReader = lib.factory
	cfg.NewDownstream = h.sinks.factory
	cfg.OnMessage = h.msgs.handle
	src, err := New(cfg)
	require.NoError(t, err)
	h.src = src
	t.Cleanup(func() {
		h.sinks.ungateAll()
		_ = src.Stop()
	})
	return h
}

func (h *harness) waitFor(t *testing.T, typ MessageType, n int) []Message {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.msgs.ofType(typ)) >= n
	}, 5*time.Second, 5*time.Millisecond, "waiting for %d %s message(s)", n, typ)
	return h.msgs.ofType(typ)
}

func (h *harness) waitRecorder(t *testing.T, port string) *recorder {
	t.Helper()
	require.Eventually(t, func() bool { return h.sinks.get(port) != nil }, 5*time.Second, 5*time.Millisecond)
	return h.sinks.get(port)
}

func fragments(locations ...string) ExplicitList {
	out := make(ExplicitList, 0, len(locations))
	for _, loc := range locations {
		out = append(out, NewFragment(loc))
	}
	return out
}
