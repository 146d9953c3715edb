package splitmux

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/zsiec/stitch/internal/errors"
	"github.com/zsiec/stitch/internal/logger"
	"github.com/zsiec/stitch/internal/metrics"
)

type discontAction int

const (
	discontNone discontAction = iota
	discontSet
	discontClear
)

// OutputPort forwards one elementary stream downstream. It outlives the
// fragments it reads from and is only rebound between them.
type OutputPort struct {
	name       string
	src        *Source
	downstream Downstream
	log        *logger.SampledLogger
	sticky     StreamInfo

	// Guarded by src.mu.
	curPart   int
	bound     bool
	sub       string
	hasSub    bool
	parked    bool
	eos       bool
	notLinked bool
	position  time.Duration

	// Owned by the task goroutine. Other goroutines only touch these while
	// the task is stopped.
	replayed        bool
	sentStreamStart bool
	sentCaps        *Caps
	sentSegment     bool
	discont         discontAction

	// advancing is set while the port itself activates the next part.
	advancing bool

	taskMu      sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	taskRunning bool
	restart     bool
}

// newPort creates the port for a stream. Caller holds s.mu.
func (s *Source) newPort(st StreamInfo) *OutputPort {
	return &OutputPort{
		name:       st.Name,
		src:        s,
		downstream: s.cfg.NewDownstream(st.Name, st.Caps),
		log:        logger.NewPortLogger(s.log.WithField("port", st.Name)),
		sticky:     st,
		curPart:    -1,
		position:   NoTime,
	}
}

// Name returns the logical stream name.
func (p *OutputPort) Name() string { return p.name }

// startTask starts the pull loop. A loop that is on its way out runs once
// more instead.
func (p *OutputPort) startTask() {
	p.taskMu.Lock()
	defer p.taskMu.Unlock()

	if p.taskRunning {
		p.restart = true
		return
	}
	ctx, cancel := context.WithCancel(p.src.ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	p.taskRunning = true
	p.restart = false

	go func() {
		defer close(done)
		for {
			p.run(ctx)

			p.taskMu.Lock()
			if p.restart && ctx.Err() == nil {
				p.restart = false
				p.taskMu.Unlock()
				continue
			}
			p.taskRunning = false
			p.taskMu.Unlock()
			return
		}
	}()
}

// stopTask cancels the pull loop and waits for it to exit. It must not be
// called with src.mu held.
func (p *OutputPort) stopTask() {
	p.taskMu.Lock()
	cancel, done := p.cancel, p.done
	p.restart = false
	p.taskMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (p *OutputPort) run(ctx context.Context) {
	metrics.IncrementGoroutineCreated("port_task")
	defer metrics.IncrementGoroutineDestroyed("port_task")
	defer func() {
		if r := recover(); r != nil {
			p.log.WithField("panic", r).Error("Panic in port task")
			p.src.mu.Lock()
			p.src.fatal(apperrors.NewStreamError(fmt.Errorf("panic: %v", r), apperrors.CodeFlowError, "port task failed"))
			p.src.mu.Unlock()
		}
	}()

	p.replaySticky()

	for {
		reader, sub, ok := p.binding()
		if !ok {
			return
		}
		if sub == "" {
			p.park()
			return
		}

		item, err := reader.Pop(ctx, sub)
		if err != nil {
			if errors.Is(err, ErrFlushing) || ctx.Err() != nil {
				p.log.Debug("Port paused")
				return
			}
			p.readFailed(err)
			return
		}
		if ctx.Err() != nil || !p.src.accepting() {
			return
		}
		if !p.handle(ctx, item) {
			return
		}
	}
}

// replaySticky sends the stream-start and caps known from measurement the
// first time the port runs, so downstream sees the format before any data.
func (p *OutputPort) replaySticky() {
	if p.replayed {
		return
	}
	p.replayed = true
	if !p.sentStreamStart {
		p.sentStreamStart = true
		p.downstream.Event(Item{Kind: ItemStreamStart, StreamID: p.name})
	}
	if p.sticky.Caps != nil && p.sentCaps == nil {
		p.sentCaps = p.sticky.Caps
		p.downstream.Event(Item{Kind: ItemCaps, Caps: p.sticky.Caps})
	}
}

// binding returns the reader and reader port to pull from. ok is false when
// the port should stop.
func (p *OutputPort) binding() (PartReader, string, bool) {
	s := p.src
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.flushing || !p.bound || p.curPart < 0 || p.curPart >= len(s.parts) {
		return nil, "", false
	}
	if !p.hasSub {
		return nil, "", true
	}
	return s.parts[p.curPart].reader, p.sub, true
}

func (s *Source) accepting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running && !s.flushing
}

func (p *OutputPort) handle(ctx context.Context, item Item) bool {
	switch item.Kind {
	case ItemStreamStart:
		if p.sentStreamStart {
			return true
		}
		p.sentStreamStart = true
		if item.StreamID == "" {
			item.StreamID = p.name
		}
		p.downstream.Event(item)

	case ItemCaps:
		if p.sentCaps != nil && p.sentCaps.EqualIgnoringFramerate(item.Caps) {
			p.log.DebugWithCategory(logger.CategoryStickyEvents, "Dropping equivalent caps", nil)
			return true
		}
		p.sentCaps = item.Caps
		p.downstream.Event(item)

	case ItemSegment:
		if p.sentSegment {
			return true
		}
		p.sendSegment(item.Segment)

	case ItemEOS:
		return p.endOfPart(ctx)

	case ItemBuffer:
		if item.Buffer == nil {
			return true
		}
		return p.push(item.Buffer)
	}
	return true
}

func (p *OutputPort) sendSegment(in *Segment) {
	seg, seqnum := p.src.outputSegment(in)
	p.sentSegment = true
	p.log.DebugWithCategory(logger.CategoryStickyEvents, "Sending segment", map[string]interface{}{
		"segment": seg.String(),
	})
	p.downstream.Event(Item{Kind: ItemSegment, Segment: &seg, SeqNum: seqnum})
}

func (p *OutputPort) push(buf *Buffer) bool {
	if !p.sentSegment {
		p.sendSegment(nil)
	}

	out := *buf
	switch p.discont {
	case discontSet:
		out.Flags |= BufferFlagDiscont
	case discontClear:
		out.Flags &^= BufferFlagDiscont
	}
	p.discont = discontNone

	ret := p.downstream.Push(&out)
	p.log.DebugWithCategory(logger.CategoryBufferFlow, "Pushed buffer", map[string]interface{}{
		"pts":  out.PTS,
		"size": len(out.Data),
		"flow": ret.String(),
	})
	return p.src.handleFlow(p, &out, ret)
}

// handleFlow decides whether the port keeps running after a push.
func (s *Source) handleFlow(p *OutputPort, buf *Buffer, ret FlowReturn) bool {
	switch ret {
	case FlowOK:
		s.mu.Lock()
		p.notLinked = false
		if buf.PTS != NoTime {
			p.position = buf.PTS - s.cfg.TimestampBias
			if p.position < 0 {
				p.position = 0
			}
		}
		s.mu.Unlock()
		metrics.RecordPortBuffer(p.name, len(buf.Data))
		return true

	case FlowNotLinked:
		metrics.IncrementFlowErrors(p.name, ret.String())
		s.mu.Lock()
		p.notLinked = true
		all := true
		for _, q := range s.ports {
			if !q.notLinked {
				all = false
				break
			}
		}
		if all && !s.notLinkedFatal {
			s.notLinkedFatal = true
			s.fatal(apperrors.NewStreamError(fmt.Errorf("no output port is linked"), apperrors.CodeNotLinked, "streaming stopped, not linked"))
		}
		s.mu.Unlock()
		if all {
			p.sendEOS()
			return false
		}
		return true

	case FlowFlushing, FlowEOS:
		p.log.WithField("flow", ret.String()).Debug("Downstream stopped accepting data, pausing")
		return false

	default:
		metrics.IncrementFlowErrors(p.name, ret.String())
		s.mu.Lock()
		s.fatal(apperrors.NewStreamError(fmt.Errorf("flow %s on port %s", ret, p.name), apperrors.CodeFlowError, "streaming stopped, reason "+ret.String()))
		s.mu.Unlock()
		p.sendEOS()
		return false
	}
}

func (p *OutputPort) readFailed(err error) {
	s := p.src
	s.mu.Lock()
	s.fatal(apperrors.NewResourceError(err, apperrors.CodeReadFailed, "failed to read fragment data"))
	s.mu.Unlock()
	p.sendEOS()
}

func (p *OutputPort) sendEOS() {
	s := p.src
	s.mu.Lock()
	seqnum := s.seqnum
	s.mu.Unlock()
	p.downstream.Event(Item{Kind: ItemEOS, SeqNum: seqnum})
}

// park stops a port whose stream is missing from its part. It resumes when
// another part is activated.
func (p *OutputPort) park() {
	s := p.src
	s.mu.Lock()
	s.unbindPort(p)
	p.parked = true
	p.log.Debug("Stream not present in fragment, parking port")
	finish := s.checkAllEOS()
	s.mu.Unlock()

	for _, q := range finish {
		q.sendEOS()
	}
}

// portEOS records that p forwarded end-of-stream.
func (s *Source) portEOS(p *OutputPort) {
	s.mu.Lock()
	p.eos = true
	finish := s.checkAllEOS()
	s.mu.Unlock()

	for _, q := range finish {
		q.sendEOS()
	}
}

// checkAllEOS posts the EOS message once every port has finished, and
// returns parked ports that still need an end-of-stream. Caller holds s.mu.
func (s *Source) checkAllEOS() []*OutputPort {
	for _, q := range s.ports {
		if !q.eos && !q.parked {
			return nil
		}
	}
	if s.eosPosted {
		return nil
	}
	var finish []*OutputPort
	for _, q := range s.ports {
		if q.parked && !q.eos {
			q.eos = true
			finish = append(finish, q)
		}
	}
	if len(finish) == len(s.ports) {
		// Every port is parked, which means the current part carries no
		// stream at all; there is nothing to end yet.
		for _, q := range finish {
			q.eos = false
		}
		return nil
	}
	s.eosPosted = true
	s.log.Info("All ports reached end of stream")
	s.bus.post(Message{Type: MessageEOS, Index: s.curPart})
	return finish
}

func (p *OutputPort) flushStart(seqnum uint32) {
	p.downstream.Event(Item{Kind: ItemFlushStart, SeqNum: seqnum})
}

// flushStop resets the per-window bookkeeping. The task must be stopped.
func (p *OutputPort) flushStop(seqnum uint32) {
	p.sentCaps = nil
	p.sentSegment = false
	p.discont = discontNone

	s := p.src
	s.mu.Lock()
	p.eos = false
	p.notLinked = false
	p.parked = false
	p.position = NoTime
	s.mu.Unlock()

	p.downstream.Event(Item{Kind: ItemFlushStop, SeqNum: seqnum})
}

// outputSegment rewrites a part's segment onto the play segment: rate and
// flags come from the play segment, the far edge in the playback direction
// is taken from it and the duration is the whole presentation.
func (s *Source) outputSegment(in *Segment) (Segment, uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bias := s.cfg.TimestampBias
	play := s.segment

	var seg Segment
	if in != nil {
		seg = *in
	} else {
		seg = Segment{
			Start:    play.Start + bias,
			Stop:     NoTime,
			Time:     play.Start,
			Position: play.Start + bias,
		}
	}
	seg.Rate = play.Rate
	seg.Flags = play.Flags
	switch {
	case play.Forward() && play.Stop != NoTime:
		seg.Stop = play.Stop + bias
	case play.Forward():
		seg.Stop = NoTime
	case play.Start != NoTime:
		seg.Start = play.Start + bias
		seg.Time = play.Time
	default:
		seg.Start = 0
		seg.Time = 0
	}
	seg.Duration = s.totalDuration
	return seg, s.seqnum
}

// bindPort points port at part idx. Caller holds s.mu.
func (s *Source) bindPort(port *OutputPort, idx int) {
	s.unbindPort(port)
	p := s.parts[idx]
	port.curPart = idx
	port.sub, port.hasSub = p.reader.LookupPort(port.name)
	port.bound = true
	p.boundPorts++
}

// unbindPort releases the port's current part, deactivating it when no
// port is left on it. Caller holds s.mu.
func (s *Source) unbindPort(port *OutputPort) {
	if !port.bound {
		return
	}
	port.bound = false
	if port.curPart < 0 || port.curPart >= len(s.parts) {
		return
	}
	p := s.parts[port.curPart]
	p.boundPorts--
	if p.boundPorts <= 0 {
		p.boundPorts = 0
		if p.active {
			p.reader.Deactivate()
			p.active = false
			s.log.WithField("part", p.index).Debug("Deactivated fragment, no ports left on it")
		}
		// Eviction skipped this part while it was playing.
		if s.pool.bounded() && s.pool.len() > s.pool.target && s.pool.remove(p.index) {
			s.closePart(p)
			metrics.IncrementEvictions()
			metrics.SetOpenReaders(s.pool.len())
		}
	}
}
