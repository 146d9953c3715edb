package splitmux

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/zsiec/stitch/internal/errors"
	"github.com/zsiec/stitch/internal/logger"
)

var (
	ErrNoFragments       = errors.New("splitmux: no fragments")
	ErrNotRunning        = errors.New("splitmux: source not running")
	ErrAlreadyRunning    = errors.New("splitmux: source already running")
	ErrInvalidSeek       = errors.New("splitmux: invalid seek")
	ErrUnsupportedFormat = errors.New("splitmux: only time format seeks are supported")
	ErrNonFlushingSeek   = errors.New("splitmux: only flushing seeks are supported")
	ErrNoReaderFactory   = errors.New("splitmux: no reader factory configured")
)

// Config configures a Source.
type Config struct {
	// Fragments is resolved once at Start. Fragments registered with
	// AddFragment before Start follow the resolved ones.
	Fragments FragmentSource
	// MaxOpenFragments bounds the number of prepared readers. Zero means
	// unbounded and disables lookahead.
	MaxOpenFragments int
	// NumLookahead is how many fragments beyond the playing one to keep open.
	NumLookahead int
	// TimestampBias is added to every outgoing timestamp.
	TimestampBias time.Duration

	NewReader     ReaderFactory
	NewDownstream DownstreamFactory
	OnMessage     MessageHandler
	Logger        logger.Logger
}

// Source stitches an ordered list of fragments into one presentation with
// one output port per elementary stream.
type Source struct {
	cfg Config
	log logger.Logger
	bus *bus

	// seekMu serializes seeks against each other and against Stop.
	seekMu sync.Mutex

	mu             sync.Mutex
	running        bool
	ctx            context.Context
	cancel         context.CancelFunc
	parts          []*part
	registered     []Fragment
	numMeasured    int
	measuring      bool
	measureFailed  bool
	firstActivated bool
	totalDuration  time.Duration
	pool           *activePool
	ports          []*OutputPort
	segment        Segment
	seqnum         uint32
	hasSeqnum      bool
	curPart        int
	eosPosted      bool
	notLinkedFatal bool
	flushing       bool

	// generation changes on every seek and on Stop. Work that released
	// s.mu compares it to find out whether it was superseded.
	generation uint64
	// opened is signalled whenever a prepare finishes or the generation
	// changes.
	opened *sync.Cond

	lookaheadPending bool

	control  *mailbox
	ctlDone  chan struct{}
	prepares sync.WaitGroup
}

// New creates a stopped Source.
func New(cfg Config) (*Source, error) {
	if cfg.NewReader == nil {
		return nil, ErrNoReaderFactory
	}
	if cfg.MaxOpenFragments < 0 {
		return nil, fmt.Errorf("max open fragments must not be negative: %d", cfg.MaxOpenFragments)
	}
	if cfg.NumLookahead < 0 {
		return nil, fmt.Errorf("lookahead must not be negative: %d", cfg.NumLookahead)
	}
	if cfg.TimestampBias == 0 {
		cfg.TimestampBias = DefaultTimestampBias
	}
	if cfg.NewDownstream == nil {
		cfg.NewDownstream = func(string, *Caps) Downstream { return discardDownstream{} }
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewNullLogger()
	}

	s := &Source{
		cfg:           cfg,
		log:           log.WithField("component", "splitmux"),
		bus:           newBus(cfg.OnMessage),
		pool:          newActivePool(cfg.MaxOpenFragments),
		segment:       NewSegment(),
		totalDuration: NoTime,
		curPart:       -1,
	}
	s.opened = sync.NewCond(&s.mu)
	return s, nil
}

// AddFragment registers a fragment. While running, measurement resumes
// with the new fragment and any new streams get ports.
func (s *Source) AddFragment(f Fragment) error {
	if f.Location == "" {
		return fmt.Errorf("fragment location is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		s.registered = append(s.registered, f)
		return nil
	}
	if s.measureFailed {
		return ErrNotRunning
	}
	s.appendPart(f)
	if !s.measuring {
		s.measureNext()
	}
	return nil
}

func (s *Source) appendPart(f Fragment) {
	p := newPart(len(s.parts), f, s.cfg.NewReader(f.Location))
	s.parts = append(s.parts, p)
	s.log.WithFields(map[string]interface{}{
		"part":     p.index,
		"location": p.location,
	}).Debug("Registered fragment")
}

// Start resolves the fragment list and begins measuring. Playback begins
// once every fragment is measured. ctx bounds fragment resolution only.
func (s *Source) Start(ctx context.Context) error {
	var resolved []Fragment
	if s.cfg.Fragments != nil {
		var err error
		resolved, err = s.cfg.Fragments.Resolve(ctx)
		if err != nil {
			return apperrors.NewResourceError(err, apperrors.CodeOpenFailed, "failed to resolve fragments")
		}
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	fragments := append(resolved, s.registered...)
	if len(fragments) == 0 {
		s.mu.Unlock()
		err := apperrors.NewResourceError(ErrNoFragments, apperrors.CodeNoFragments, "no fragments to play")
		s.bus.start()
		s.bus.post(Message{Type: MessageError, Index: -1, Err: err})
		s.bus.stop()
		return err
	}
	defer s.mu.Unlock()

	s.registered = nil
	s.bus.start()

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true
	s.parts = nil
	s.ports = nil
	s.numMeasured = 0
	s.measuring = false
	s.measureFailed = false
	s.firstActivated = false
	s.totalDuration = NoTime
	s.segment = NewSegment()
	s.hasSeqnum = false
	s.curPart = -1
	s.eosPosted = false
	s.notLinkedFatal = false
	s.flushing = false
	s.lookaheadPending = false
	s.pool.clear()

	for _, f := range fragments {
		s.appendPart(f)
	}

	s.control = newMailbox()
	s.ctlDone = make(chan struct{})
	go s.runControl(s.ctx, s.control, s.ctlDone)

	s.log.WithField("fragments", len(s.parts)).Info("Starting fragment measurement")
	s.measureNext()
	return nil
}

// Stop halts playback, closes every reader and removes all ports.
func (s *Source) Stop() error {
	// Cancel first so a seek or port that is opening a fragment gives up
	// instead of holding Stop back.
	s.mu.Lock()
	if s.running {
		s.supersede()
		s.cancel()
	}
	s.mu.Unlock()

	s.seekMu.Lock()
	defer s.seekMu.Unlock()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	ports := append([]*OutputPort(nil), s.ports...)
	s.deactivateAll()
	s.mu.Unlock()

	for _, p := range ports {
		p.stopTask()
	}

	s.cancel()
	s.prepares.Wait()
	<-s.ctlDone

	s.mu.Lock()
	for _, p := range s.parts {
		if p.loaded || p.preparing {
			p.reader.Unprepare()
		}
		p.loaded = false
		p.preparing = false
		p.unprepareOnLoad = false
	}
	s.pool.clear()
	s.ports = nil
	s.curPart = -1
	s.mu.Unlock()

	s.bus.stop()
	s.log.Info("Source stopped")
	return nil
}

// Running reports whether the source has been started.
func (s *Source) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Duration returns the measured presentation duration.
func (s *Source) Duration() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.totalDuration == NoTime {
		return NoTime, false
	}
	return s.totalDuration, true
}

// Position returns the presentation time of the most recent buffer pushed
// on any port.
func (s *Source) Position() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos := NoTime
	forward := s.segment.Forward()
	for _, p := range s.ports {
		if p.position == NoTime {
			continue
		}
		if pos == NoTime || (forward && p.position > pos) || (!forward && p.position < pos) {
			pos = p.position
		}
	}
	return pos, pos != NoTime
}

// Seekable reports the seekable range once at least one fragment is measured.
func (s *Source) Seekable() (bool, time.Duration, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.numMeasured == 0 {
		return false, NoTime, NoTime
	}
	return true, 0, s.totalDuration
}

// Segment returns a copy of the current play segment.
func (s *Source) Segment() Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.segment
}

// Parts returns a snapshot of every registered fragment.
func (s *Source) Parts() []PartInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PartInfo, 0, len(s.parts))
	for _, p := range s.parts {
		out = append(out, p.info())
	}
	return out
}

// OpenParts returns the pool contents from oldest to newest. With an
// unbounded pool it lists every loaded part instead.
func (s *Source) OpenParts() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool.bounded() {
		return s.pool.snapshot()
	}
	var out []int
	for _, p := range s.parts {
		if p.loaded {
			out = append(out, p.index)
		}
	}
	return out
}

// CurrentPart returns the index of the part most recently activated.
func (s *Source) CurrentPart() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.curPart
}

// NumMeasured returns how many fragments have been measured.
func (s *Source) NumMeasured() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numMeasured
}

// Ports returns the names of the output ports in creation order.
func (s *Source) Ports() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.ports))
	for _, p := range s.ports {
		out = append(out, p.name)
	}
	return out
}

// Status is a point-in-time summary of the source.
type Status struct {
	Running     bool          `json:"running"`
	Fragments   int           `json:"fragments"`
	NumMeasured int           `json:"num_measured"`
	Duration    time.Duration `json:"duration"`
	CurrentPart int           `json:"current_part"`
	OpenParts   []int         `json:"open_parts"`
	Ports       []string      `json:"ports"`
	Segment     Segment       `json:"segment"`
}

// Status returns a summary of the source state.
func (s *Source) Status() Status {
	open := s.OpenParts()
	ports := s.Ports()

	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:     s.running,
		Fragments:   len(s.parts),
		NumMeasured: s.numMeasured,
		Duration:    s.totalDuration,
		CurrentPart: s.curPart,
		OpenParts:   open,
		Ports:       ports,
		Segment:     s.segment,
	}
}

// supersede invalidates work that is waiting with s.mu released. Caller
// holds s.mu.
func (s *Source) supersede() {
	s.generation++
	s.opened.Broadcast()
}

// stale reports whether work started in generation gen was superseded.
// Caller holds s.mu.
func (s *Source) stale(gen uint64) bool {
	return gen != s.generation || !s.running || s.ctx.Err() != nil
}

// fatal posts an error message. Caller holds s.mu.
func (s *Source) fatal(err error) {
	s.log.WithError(err).Error("Fatal playback error")
	s.bus.post(Message{Type: MessageError, Index: s.curPart, Err: err})
}

// deactivateAll stops every playing reader and unbinds all ports. Readers
// stay prepared. Caller holds s.mu.
func (s *Source) deactivateAll() {
	for _, p := range s.parts {
		if p.active {
			p.reader.Deactivate()
			p.active = false
		}
		p.boundPorts = 0
	}
	for _, port := range s.ports {
		port.bound = false
	}
}
