package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/stitch/internal/config"
	"github.com/zsiec/stitch/internal/logger"
	"github.com/zsiec/stitch/internal/splitmux"
	"github.com/zsiec/stitch/internal/splitmux/tsreader"
)

func TestFragmentSource(t *testing.T) {
	src, err := fragmentSource(&config.SourceConfig{}, []string{"rec/*.ts"})
	require.NoError(t, err)
	assert.Equal(t, splitmux.GlobPattern("rec/*.ts"), src)

	src, err = fragmentSource(&config.SourceConfig{Location: "cfg/*.ts"}, []string{"a.ts", "b.ts"})
	require.NoError(t, err)
	list, ok := src.(splitmux.ExplicitList)
	require.True(t, ok)
	require.Len(t, list, 2)
	assert.Equal(t, "b.ts", list[1].Location)
	assert.Equal(t, splitmux.NoTime, list[1].Duration)

	src, err = fragmentSource(&config.SourceConfig{Location: "cfg/*.ts"}, nil)
	require.NoError(t, err)
	assert.Equal(t, splitmux.GlobPattern("cfg/*.ts"), src)

	_, err = fragmentSource(&config.SourceConfig{}, nil)
	assert.Error(t, err)
}

func TestFragmentSourceFromConfigList(t *testing.T) {
	src, err := fragmentSource(&config.SourceConfig{Fragments: []config.FragmentConfig{
		{Location: "a.ts", Duration: "2s"},
		{Location: "b.ts", Offset: "2s"},
	}}, nil)
	require.NoError(t, err)

	frags, err := src.Resolve(context.Background())
	require.NoError(t, err)
	require.Len(t, frags, 2)
	assert.Equal(t, 2*time.Second, frags[0].Duration)
	assert.Equal(t, splitmux.NoTime, frags[0].Offset)
	assert.Equal(t, 2*time.Second, frags[1].Offset)

	_, err = explicitList([]config.FragmentConfig{{Location: "a.ts", Duration: "long"}})
	assert.Error(t, err)
}

func TestMessageHandlerForwardsTerminalMessages(t *testing.T) {
	events := make(chan splitmux.Message, 1)
	h := messageHandler(logger.NewNullLogger(), events)

	h(splitmux.Message{Type: splitmux.MessageFragmentMeasured, Location: "a.ts"})
	h(splitmux.Message{Type: splitmux.MessagePortAdded, Port: "video_0"})
	assert.Empty(t, events)

	h(splitmux.Message{Type: splitmux.MessageEOS})
	// A full channel never blocks the bus.
	h(splitmux.Message{Type: splitmux.MessageError, Err: errors.New("late")})

	m := <-events
	assert.Equal(t, splitmux.MessageEOS, m.Type)
}

func TestWait(t *testing.T) {
	log := logger.NewNullLogger()

	t.Run("eos ends playback", func(t *testing.T) {
		events := make(chan splitmux.Message, 1)
		events <- splitmux.Message{Type: splitmux.MessageEOS}
		assert.NoError(t, wait(context.Background(), false, events, nil, log))
	})

	t.Run("error is returned", func(t *testing.T) {
		events := make(chan splitmux.Message, 1)
		events <- splitmux.Message{Type: splitmux.MessageError, Err: assert.AnError}
		assert.ErrorIs(t, wait(context.Background(), false, events, nil, log), assert.AnError)
	})

	t.Run("serving ignores eos", func(t *testing.T) {
		events := make(chan splitmux.Message, 1)
		events <- splitmux.Message{Type: splitmux.MessageEOS}
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		assert.NoError(t, wait(ctx, true, events, nil, log))
		assert.Empty(t, events)
	})

	t.Run("server failure", func(t *testing.T) {
		serverErr := make(chan error, 1)
		serverErr <- assert.AnError
		assert.ErrorIs(t, wait(context.Background(), true, nil, serverErr, log), assert.AnError)
	})
}

func TestProbeOneMissingFile(t *testing.T) {
	res := probeOne(context.Background(), "/nonexistent/a.ts", tsreader.Options{})
	assert.Equal(t, "/nonexistent/a.ts", res.Location)
	assert.Equal(t, splitmux.NoTime, res.Duration)
	assert.NotEmpty(t, res.Error)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)
	assert.Contains(t, out.String(), "stitch ")
}
