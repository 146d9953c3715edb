package tsreader

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zsiec/stitch/internal/splitmux"
)

func bufferItem(n byte) splitmux.Item {
	return splitmux.Item{Kind: splitmux.ItemBuffer, Buffer: &splitmux.Buffer{Data: []byte{n}}}
}

func TestTrackQueuesGrowWhileAnotherTrackIsEmpty(t *testing.T) {
	q := newTrackQueues([]string{"video_0", "audio_0"}, 2)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.True(t, q.push(ctx, "audio_0", bufferItem(byte(i))))
	}
	assert.Equal(t, 5, q.depth("audio_0"))

	// Once video has data queued, a full audio queue waits for a pop.
	require.True(t, q.push(ctx, "video_0", bufferItem(0)))
	pushed := make(chan bool, 1)
	go func() { pushed <- q.push(ctx, "audio_0", bufferItem(5)) }()
	select {
	case <-pushed:
		t.Fatal("push on a full queue did not wait")
	case <-time.After(30 * time.Millisecond):
	}

	item, ok, _ := q.pop("video_0")
	require.True(t, ok)
	assert.Equal(t, []byte{0}, item.Buffer.Data)
	select {
	case ok := <-pushed:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("push was not released when video ran dry")
	}
	assert.Equal(t, 6, q.depth("audio_0"))
}

func TestTrackQueuesFinishedTrackDoesNotCount(t *testing.T) {
	q := newTrackQueues([]string{"video_0", "audio_0"}, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	require.True(t, q.push(ctx, "audio_0", splitmux.Item{Kind: splitmux.ItemEOS}))
	_, ok, _ := q.pop("audio_0")
	require.True(t, ok)

	require.True(t, q.push(ctx, "video_0", bufferItem(0)))
	assert.False(t, q.push(ctx, "video_0", bufferItem(1)), "ended audio does not let video grow")
	assert.Equal(t, 1, q.depth("video_0"))
}

func TestTrackQueuesPopWake(t *testing.T) {
	q := newTrackQueues([]string{"video_0"}, 4)
	_, ok, wake := q.pop("video_0")
	require.False(t, ok)

	require.True(t, q.push(context.Background(), "video_0", bufferItem(7)))
	select {
	case <-wake:
	default:
		t.Fatal("push did not wake the waiting pop")
	}
	item, ok, _ := q.pop("video_0")
	require.True(t, ok)
	assert.Equal(t, []byte{7}, item.Buffer.Data)
	assert.True(t, q.has("video_0"))
	assert.False(t, q.has("audio_0"))
}
