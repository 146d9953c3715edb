package sink

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zsiec/stitch/internal/config"
	"github.com/zsiec/stitch/internal/splitmux"
)

func segmentItem(rate float64) splitmux.Item {
	seg := splitmux.NewSegment()
	seg.Rate = rate
	return splitmux.Item{Kind: splitmux.ItemSegment, Segment: &seg}
}

func TestNewRegistryValidates(t *testing.T) {
	_, err := NewRegistry(config.SinkConfig{Type: "tape"}, 0, nil)
	assert.Error(t, err)

	_, err = NewRegistry(config.SinkConfig{Type: "es"}, 0, nil)
	assert.Error(t, err)

	r, err := NewRegistry(config.SinkConfig{Type: "stats"}, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, r.Stats())
	assert.NoError(t, r.Close())
}

func TestStatsSinkCounts(t *testing.T) {
	bias := 1000 * time.Second
	r, err := NewRegistry(config.SinkConfig{Type: "stats"}, bias, nil)
	require.NoError(t, err)

	ds := r.Factory()("stats_counts_video", &splitmux.Caps{Media: "video/x-h264"})
	require.True(t, ds.Event(splitmux.Item{Kind: splitmux.ItemStreamStart}))
	require.True(t, ds.Event(splitmux.Item{Kind: splitmux.ItemCaps, Caps: &splitmux.Caps{Media: "video/x-h264"}}))
	require.True(t, ds.Event(segmentItem(1.0)))

	for i := 0; i < 4; i++ {
		buf := &splitmux.Buffer{PTS: bias + time.Duration(i)*40*time.Millisecond, Data: make([]byte, 100)}
		if i == 0 {
			buf.Flags = splitmux.BufferFlagDiscont
		}
		assert.Equal(t, splitmux.FlowOK, ds.Push(buf))
	}
	require.True(t, ds.Event(splitmux.Item{Kind: splitmux.ItemEOS}))

	stats := r.Stats()
	require.Len(t, stats, 1)
	s := stats[0]
	assert.Equal(t, "stats_counts_video", s.Port)
	assert.Equal(t, "video/x-h264", s.Media)
	assert.Equal(t, int64(4), s.Buffers)
	assert.Equal(t, int64(400), s.Bytes)
	assert.Equal(t, int64(1), s.Disconts)
	assert.Equal(t, 1, s.Segments)
	assert.Equal(t, bias, s.FirstPTS)
	assert.Equal(t, bias+120*time.Millisecond, s.LastPTS)
	assert.True(t, s.EOS)

	ps := ds.(*portSink)
	assert.Equal(t, float64(4), ps.buffers.Value())
	assert.InDelta(t, 0.12, ps.position.Value(), 1e-9)
}

func TestFlushStopClearsEOS(t *testing.T) {
	r, err := NewRegistry(config.SinkConfig{Type: "stats"}, 0, nil)
	require.NoError(t, err)
	ds := r.Factory()("flush_eos", nil)

	ds.Event(splitmux.Item{Kind: splitmux.ItemEOS})
	ds.Event(splitmux.Item{Kind: splitmux.ItemFlushStart})
	ds.Event(splitmux.Item{Kind: splitmux.ItemFlushStop})

	s := r.Stats()[0]
	assert.False(t, s.EOS)
	assert.Equal(t, 1, s.Flushes)
}

func TestCapsWithoutDescriptionRefused(t *testing.T) {
	r, err := NewRegistry(config.SinkConfig{Type: "stats"}, 0, nil)
	require.NoError(t, err)
	ds := r.Factory()("nil_caps", nil)
	assert.False(t, ds.Event(splitmux.Item{Kind: splitmux.ItemCaps}))
}

func TestDiscardSink(t *testing.T) {
	r, err := NewRegistry(config.SinkConfig{Type: "discard"}, 0, nil)
	require.NoError(t, err)
	ds := r.Factory()("discarded", nil)
	assert.Equal(t, splitmux.FlowOK, ds.Push(&splitmux.Buffer{Data: []byte{1}}))
	assert.Empty(t, r.Stats())
}

func TestESSinkWritesPayloads(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	r, err := NewRegistry(config.SinkConfig{Type: "es", OutputDir: dir}, 0, nil)
	require.NoError(t, err)

	ds := r.Factory()("video_0", nil)
	require.True(t, ds.Event(splitmux.Item{Kind: splitmux.ItemCaps, Caps: &splitmux.Caps{Media: "video/x-h264"}}))
	ds.Push(&splitmux.Buffer{PTS: 0, Data: []byte{0, 0, 0, 1, 9}})
	ds.Push(&splitmux.Buffer{PTS: 40 * time.Millisecond, Data: []byte{0, 0, 0, 1, 5}})
	require.NoError(t, r.Close())

	data, err := os.ReadFile(filepath.Join(dir, "video_0.es"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 1, 9, 0, 0, 0, 1, 5}, data)
}

func TestESSinkFramesAAC(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRegistry(config.SinkConfig{Type: "es", OutputDir: dir}, 0, nil)
	require.NoError(t, err)

	caps := &splitmux.Caps{Media: "audio/mpeg", Fields: map[string]string{
		"mpegversion":   "4",
		"stream-format": "raw",
		"object-type":   "2",
		"rate":          "48000",
		"channels":      "2",
	}}
	ds := r.Factory()("audio_0", caps)
	require.True(t, ds.Event(splitmux.Item{Kind: splitmux.ItemCaps, Caps: caps}))
	au := []byte{0x21, 0x10, 0x04, 0x60, 0x8c, 0x1c}
	require.Equal(t, splitmux.FlowOK, ds.Push(&splitmux.Buffer{Data: au}))
	require.NoError(t, r.Close())

	data, err := os.ReadFile(filepath.Join(dir, "audio_0.es"))
	require.NoError(t, err)

	var pkts mpeg4audio.ADTSPackets
	require.NoError(t, pkts.Unmarshal(data))
	require.Len(t, pkts, 1)
	assert.Equal(t, 48000, pkts[0].SampleRate)
	assert.Equal(t, 2, pkts[0].ChannelCount)
	assert.Equal(t, au, pkts[0].AU)
}

func TestESSinkRefusesBrokenAACCaps(t *testing.T) {
	r, err := NewRegistry(config.SinkConfig{Type: "es", OutputDir: t.TempDir()}, 0, nil)
	require.NoError(t, err)
	caps := &splitmux.Caps{Media: "audio/mpeg", Fields: map[string]string{
		"mpegversion":   "4",
		"stream-format": "raw",
	}}
	ds := r.Factory()("audio_broken", caps)
	assert.False(t, ds.Event(splitmux.Item{Kind: splitmux.ItemCaps, Caps: caps}))
	assert.NoError(t, r.Close())
}

func TestESSinkUnlinkedWhenFileCannotBeCreated(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRegistry(config.SinkConfig{Type: "es", OutputDir: dir}, 0, nil)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(dir))

	ds := r.Factory()("video_0", nil)
	assert.Equal(t, splitmux.FlowNotLinked, ds.Push(&splitmux.Buffer{}))
	assert.Empty(t, r.Stats())
	assert.Error(t, r.Close())
}

func TestPacerWaitsForPTS(t *testing.T) {
	p := newPacer()
	base := time.Unix(0, 0)
	now := base
	p.now = func() time.Time { return now }

	assert.True(t, p.wait(10*time.Second, 1.0))

	// Due already.
	now = base.Add(time.Second)
	assert.True(t, p.wait(11*time.Second, 1.0))

	// Twice the rate halves the wall time.
	assert.True(t, p.wait(12*time.Second, 2.0))

	// Reverse playback counts down from the anchor.
	p.reset()
	assert.True(t, p.wait(5*time.Second, -1.0))
	now = now.Add(time.Second)
	assert.True(t, p.wait(4*time.Second, -1.0))
}

func TestPacerInterruptedByFlush(t *testing.T) {
	p := newPacer()
	require.True(t, p.wait(0, 1.0))

	done := make(chan bool, 1)
	go func() { done <- p.wait(time.Hour, 1.0) }()

	time.Sleep(20 * time.Millisecond)
	p.interrupt()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("wait was not interrupted")
	}

	assert.False(t, p.wait(time.Hour, 1.0))
	p.resume()
	assert.True(t, p.wait(time.Hour, 1.0), "first wait after resume anchors")
}

func TestRealtimeSinkReturnsFlushing(t *testing.T) {
	r, err := NewRegistry(config.SinkConfig{Type: "stats", Realtime: true}, 0, nil)
	require.NoError(t, err)
	ds := r.Factory()("realtime_flush", nil)
	require.Equal(t, splitmux.FlowOK, ds.Push(&splitmux.Buffer{PTS: 0}))

	ret := make(chan splitmux.FlowReturn, 1)
	go func() { ret <- ds.Push(&splitmux.Buffer{PTS: time.Hour}) }()
	time.Sleep(20 * time.Millisecond)
	ds.Event(splitmux.Item{Kind: splitmux.ItemFlushStart})

	select {
	case r := <-ret:
		assert.Equal(t, splitmux.FlowFlushing, r)
	case <-time.After(2 * time.Second):
		t.Fatal("push was not released by flush")
	}
}
