package tsreader

import (
	"fmt"
	"strconv"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
	"github.com/zsiec/stitch/internal/splitmux"
)

const clockRate = 90000

type trackKind int

const (
	kindVideo trackKind = iota
	kindAudio
)

// track is one supported elementary stream of a fragment.
type track struct {
	name  string
	pid   uint16
	kind  trackKind
	codec mpegts.Codec
	caps  *splitmux.Caps

	// frameTicks is the duration of one access unit in 90kHz ticks. For
	// video it is estimated from the smallest PTS step seen while probing.
	frameTicks int64
}

// sample is one access unit as read from the transport stream.
type sample struct {
	pts  int64
	dts  int64
	data []byte
	key  bool
}

type sampleFunc func(t *track, s sample) error

// discoverTracks names the supported tracks video_N and audio_N in PMT
// order. Unsupported codecs are skipped.
func discoverTracks(in []*mpegts.Track) ([]*track, []string) {
	var (
		out      []*track
		skipped  []string
		nv, na   int
		register = func(t *track, prefix string, n *int) {
			t.name = prefix + "_" + strconv.Itoa(*n)
			*n++
			out = append(out, t)
		}
	)

	for _, ts := range in {
		t := &track{pid: ts.PID, codec: ts.Codec}
		switch c := ts.Codec.(type) {
		case *mpegts.CodecH264:
			t.kind = kindVideo
			t.caps = &splitmux.Caps{Media: "video/x-h264", Fields: map[string]string{
				"stream-format": "byte-stream",
				"alignment":     "au",
			}}
			register(t, "video", &nv)

		case *mpegts.CodecH265:
			t.kind = kindVideo
			t.caps = &splitmux.Caps{Media: "video/x-h265", Fields: map[string]string{
				"stream-format": "byte-stream",
				"alignment":     "au",
			}}
			register(t, "video", &nv)

		case *mpegts.CodecMPEG4Audio:
			rate := c.Config.SampleRate
			if rate <= 0 {
				rate = 48000
			}
			t.kind = kindAudio
			t.frameTicks = int64(1024 * clockRate / rate)
			t.caps = &splitmux.Caps{Media: "audio/mpeg", Fields: map[string]string{
				"mpegversion":   "4",
				"stream-format": "raw",
				"object-type":   strconv.Itoa(int(c.Config.Type)),
				"rate":          strconv.Itoa(rate),
				"channels":      strconv.Itoa(c.Config.ChannelCount),
			}}
			register(t, "audio", &na)

		case *mpegts.CodecMPEG1Audio:
			t.kind = kindAudio
			t.frameTicks = 1152 * clockRate / 48000
			t.caps = &splitmux.Caps{Media: "audio/mpeg", Fields: map[string]string{
				"mpegversion": "1",
			}}
			register(t, "audio", &na)

		case *mpegts.CodecAC3:
			rate := c.SampleRate
			if rate <= 0 {
				rate = 48000
			}
			t.kind = kindAudio
			t.frameTicks = int64(1536 * clockRate / rate)
			t.caps = &splitmux.Caps{Media: "audio/x-ac3", Fields: map[string]string{
				"rate":     strconv.Itoa(rate),
				"channels": strconv.Itoa(c.ChannelCount),
			}}
			register(t, "audio", &na)

		case *mpegts.CodecOpus:
			t.kind = kindAudio
			t.frameTicks = 960 * clockRate / 48000
			t.caps = &splitmux.Caps{Media: "audio/x-opus", Fields: map[string]string{
				"channels": strconv.Itoa(c.ChannelCount),
			}}
			register(t, "audio", &na)

		default:
			skipped = append(skipped, fmt.Sprintf("pid %d (%T)", ts.PID, ts.Codec))
		}
	}
	return out, skipped
}

// subscribe routes the data of t to fn, one call per access unit.
func subscribe(r *mpegts.Reader, t *track, ts *mpegts.Track, fn sampleFunc) {
	switch ts.Codec.(type) {
	case *mpegts.CodecH264:
		r.OnDataH264(ts, func(pts, dts int64, au [][]byte) error {
			if len(au) == 0 {
				return nil
			}
			data, err := h264.AnnexB(au).Marshal()
			if err != nil || len(data) == 0 {
				return nil
			}
			return fn(t, sample{pts: pts, dts: dts, data: data, key: h264.IsRandomAccess(au)})
		})

	case *mpegts.CodecH265:
		r.OnDataH265(ts, func(pts, dts int64, au [][]byte) error {
			if len(au) == 0 {
				return nil
			}
			data, err := h264.AnnexB(au).Marshal()
			if err != nil || len(data) == 0 {
				return nil
			}
			return fn(t, sample{pts: pts, dts: dts, data: data, key: h265.IsRandomAccess(au)})
		})

	case *mpegts.CodecMPEG4Audio:
		r.OnDataMPEG4Audio(ts, func(pts int64, aus [][]byte) error {
			return emitFrames(t, pts, aus, fn)
		})

	case *mpegts.CodecMPEG1Audio:
		r.OnDataMPEG1Audio(ts, func(pts int64, frames [][]byte) error {
			return emitFrames(t, pts, frames, fn)
		})

	case *mpegts.CodecAC3:
		r.OnDataAC3(ts, func(pts int64, frame []byte) error {
			if len(frame) == 0 {
				return nil
			}
			return fn(t, sample{pts: pts, dts: pts, data: frame, key: true})
		})

	case *mpegts.CodecOpus:
		r.OnDataOpus(ts, func(pts int64, packets [][]byte) error {
			return emitFrames(t, pts, packets, fn)
		})
	}
}

// emitFrames splits a PES carrying several audio frames, advancing the PTS
// by one frame duration each.
func emitFrames(t *track, pts int64, frames [][]byte, fn sampleFunc) error {
	for _, f := range frames {
		if len(f) == 0 {
			continue
		}
		if err := fn(t, sample{pts: pts, dts: pts, data: f, key: true}); err != nil {
			return err
		}
		pts += t.frameTicks
	}
	return nil
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// framerate renders one frame of ticks as a reduced fraction.
func framerate(frameTicks int64) string {
	if frameTicks <= 0 {
		return "0/1"
	}
	g := gcd(clockRate, frameTicks)
	return fmt.Sprintf("%d/%d", clockRate/g, frameTicks/g)
}
