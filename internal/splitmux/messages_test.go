package splitmux

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversInOrder(t *testing.T) {
	var (
		mu  sync.Mutex
		got []int
	)
	b := newBus(func(m Message) {
		mu.Lock()
		got = append(got, m.Index)
		mu.Unlock()
	})
	b.start()

	for i := 0; i < 100; i++ {
		b.post(Message{Type: MessageFragmentMeasured, Index: i})
	}
	b.stop()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestBusStampsTime(t *testing.T) {
	msgs := make(chan Message, 2)
	b := newBus(func(m Message) { msgs <- m })
	b.start()
	defer b.stop()

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b.post(Message{Type: MessageEOS})
	b.post(Message{Type: MessageEOS, Time: at})

	first := <-msgs
	assert.False(t, first.Time.IsZero())
	assert.Equal(t, at, (<-msgs).Time)
}

func TestBusDropsWhenStopped(t *testing.T) {
	var n int
	b := newBus(func(Message) { n++ })

	b.post(Message{Type: MessageEOS})
	b.start()
	b.stop()
	b.post(Message{Type: MessageEOS})
	b.stop()

	assert.Equal(t, 0, n)
}

func TestBusWithoutHandler(t *testing.T) {
	b := newBus(nil)
	b.start()
	b.post(Message{Type: MessageWarning})
	b.stop()
}

func TestMessageTypeString(t *testing.T) {
	assert.Equal(t, "fragment-measured", MessageFragmentMeasured.String())
	assert.Equal(t, "duration-changed", MessageDurationChanged.String())
	assert.Equal(t, "unknown", MessageType(99).String())
}
