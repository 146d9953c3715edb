package splitmux

import (
	"sync"
	"time"
)

// MessageType identifies a notification posted by the source.
type MessageType int

const (
	// MessageFragmentMeasured is posted once per measured fragment.
	MessageFragmentMeasured MessageType = iota
	// MessageWarning reports a recoverable problem, such as truncation.
	MessageWarning
	// MessageError reports a fatal problem. Playback has stopped.
	MessageError
	// MessageEOS is posted when every port has forwarded end-of-stream.
	MessageEOS
	// MessageDurationChanged is posted when measurement completes.
	MessageDurationChanged
	// MessagePortAdded is posted when a new output port appears.
	MessagePortAdded
)

func (t MessageType) String() string {
	switch t {
	case MessageFragmentMeasured:
		return "fragment-measured"
	case MessageWarning:
		return "warning"
	case MessageError:
		return "error"
	case MessageEOS:
		return "eos"
	case MessageDurationChanged:
		return "duration-changed"
	case MessagePortAdded:
		return "port-added"
	default:
		return "unknown"
	}
}

// Message is a notification from the source to its host.
type Message struct {
	Type     MessageType
	Time     time.Time
	Index    int
	Location string
	Offset   time.Duration
	Duration time.Duration
	Port     string
	Err      error
}

// MessageHandler receives messages on a dedicated goroutine, never while the
// source holds its lock.
type MessageHandler func(Message)

// bus queues messages and delivers them in order from one goroutine.
type bus struct {
	handler MessageHandler

	mu      sync.Mutex
	queue   []Message
	running bool
	notify  chan struct{}
	quit    chan struct{}
	done    chan struct{}
}

func newBus(handler MessageHandler) *bus {
	return &bus{handler: handler}
}

func (b *bus) start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}
	b.running = true
	b.notify = make(chan struct{}, 1)
	b.quit = make(chan struct{})
	b.done = make(chan struct{})
	go b.run(b.notify, b.quit, b.done)
}

func (b *bus) post(m Message) {
	if m.Time.IsZero() {
		m.Time = time.Now()
	}
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, m)
	notify := b.notify
	b.mu.Unlock()

	select {
	case notify <- struct{}{}:
	default:
	}
}

func (b *bus) run(notify, quit, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-notify:
			b.deliver()
		case <-quit:
			b.deliver()
			return
		}
	}
}

func (b *bus) deliver() {
	b.mu.Lock()
	pending := b.queue
	b.queue = nil
	b.mu.Unlock()

	if b.handler == nil {
		return
	}
	for _, m := range pending {
		b.handler(m)
	}
}

// stop delivers anything still queued and waits for the dispatcher to exit.
func (b *bus) stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	quit, done := b.quit, b.done
	b.mu.Unlock()

	close(quit)
	<-done
}
