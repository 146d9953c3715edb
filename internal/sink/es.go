package sink

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/zsiec/stitch/internal/splitmux"
)

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	return nil
}

// esWriter appends the payload of every buffer to <dir>/<port>.es. Raw AAC
// is framed as ADTS so the file is playable on its own.
type esWriter struct {
	path string
	f    *os.File
	w    *bufio.Writer
	adts *mpeg4audio.ADTSPacket
}

func newESWriter(dir, port string) (*esWriter, error) {
	path := filepath.Join(dir, port+".es")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	return &esWriter{path: path, f: f, w: bufio.NewWriterSize(f, 256*1024)}, nil
}

func (e *esWriter) caps(c *splitmux.Caps) error {
	e.adts = nil
	if c.Media != "audio/mpeg" || c.Fields["mpegversion"] != "4" || c.Fields["stream-format"] != "raw" {
		return nil
	}
	rate, err := strconv.Atoi(c.Fields["rate"])
	if err != nil {
		return fmt.Errorf("aac caps without rate: %w", err)
	}
	channels, err := strconv.Atoi(c.Fields["channels"])
	if err != nil {
		return fmt.Errorf("aac caps without channels: %w", err)
	}
	objectType := mpeg4audio.ObjectTypeAACLC
	if v, err := strconv.Atoi(c.Fields["object-type"]); err == nil && v > 0 {
		objectType = mpeg4audio.ObjectType(v)
	}
	e.adts = &mpeg4audio.ADTSPacket{
		Type:         objectType,
		SampleRate:   rate,
		ChannelCount: channels,
	}
	return nil
}

func (e *esWriter) write(buf *splitmux.Buffer) error {
	if e.adts == nil {
		_, err := e.w.Write(buf.Data)
		return err
	}
	pkt := *e.adts
	pkt.AU = buf.Data
	data, err := mpeg4audio.ADTSPackets{&pkt}.Marshal()
	if err != nil {
		return err
	}
	_, err = e.w.Write(data)
	return err
}

func (e *esWriter) close() error {
	if err := e.w.Flush(); err != nil {
		e.f.Close()
		return err
	}
	return e.f.Close()
}
