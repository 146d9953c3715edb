// Package catalog remembers the durations of fragments that were measured
// before, so later runs can skip the measuring pass.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zsiec/stitch/internal/config"
	"github.com/zsiec/stitch/internal/logger"
	"github.com/zsiec/stitch/internal/splitmux"
)

var (
	// ErrNotFound is returned for unknown fragments and for fragments whose
	// file changed since they were measured.
	ErrNotFound = errors.New("fragment not in catalog")
	ErrClosed   = errors.New("catalog is closed")
)

// Entry is one measured fragment. Size and ModTime identify the file
// version the duration belongs to.
type Entry struct {
	Location   string        `json:"location"`
	Size       int64         `json:"size"`
	ModTime    time.Time     `json:"mod_time"`
	Duration   time.Duration `json:"duration"`
	MeasuredAt time.Time     `json:"measured_at"`
}

// Catalog stores measured fragment durations.
type Catalog interface {
	// Lookup returns the entry for location if the file is unchanged.
	Lookup(ctx context.Context, location string) (*Entry, error)

	// Store records the measured duration of location.
	Store(ctx context.Context, location string, d time.Duration) error

	// List returns every entry, changed files included.
	List(ctx context.Context) ([]*Entry, error)

	// Forget removes location.
	Forget(ctx context.Context, location string) error

	Close() error
}

type stamp struct {
	size    int64
	modTime time.Time
}

func statFile(location string) (stamp, error) {
	fi, err := os.Stat(location)
	if err != nil {
		return stamp{}, err
	}
	return stamp{size: fi.Size(), modTime: fi.ModTime().UTC()}, nil
}

func (e *Entry) matches(s stamp) bool {
	return e.Size == s.size && e.ModTime.Equal(s.modTime)
}

func newEntry(location string, s stamp, d time.Duration) *Entry {
	return &Entry{
		Location:   location,
		Size:       s.size,
		ModTime:    s.modTime,
		Duration:   d,
		MeasuredAt: time.Now().UTC(),
	}
}

// WithDurations wraps src so that fragments found in cat come back with
// their duration filled in. Catalog failures only cost a measuring pass.
func WithDurations(src splitmux.FragmentSource, cat Catalog, log logger.Logger) splitmux.FragmentSource {
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &cachedSource{src: src, cat: cat, log: logger.WithComponent(log, "catalog")}
}

type cachedSource struct {
	src splitmux.FragmentSource
	cat Catalog
	log logger.Logger
}

func (c *cachedSource) Resolve(ctx context.Context) ([]splitmux.Fragment, error) {
	frags, err := c.src.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	hits := 0
	for i := range frags {
		f := &frags[i]
		if f.Duration != splitmux.NoTime {
			continue
		}
		e, err := c.cat.Lookup(ctx, f.Location)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				c.log.WithError(err).WithField("location", f.Location).Warn("Catalog lookup failed")
			}
			continue
		}
		f.Duration = e.Duration
		hits++
	}
	c.log.WithFields(map[string]interface{}{
		"fragments": len(frags),
		"known":     hits,
	}).Debug("Applied catalog durations")
	return frags, nil
}

// Recorder returns a message handler that stores every measured fragment,
// then passes the message on to next.
func Recorder(cat Catalog, log logger.Logger, next splitmux.MessageHandler) splitmux.MessageHandler {
	if log == nil {
		log = logger.NewNullLogger()
	}
	log = logger.WithComponent(log, "catalog")
	return func(m splitmux.Message) {
		if m.Type == splitmux.MessageFragmentMeasured && m.Duration != splitmux.NoTime {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := cat.Store(ctx, m.Location, m.Duration); err != nil {
				log.WithError(err).WithField("location", m.Location).Debug("Not cataloguing fragment")
			}
			cancel()
		}
		if next != nil {
			next(m)
		}
	}
}

// Open returns the catalog selected by cfg, or nil for the "none" backend.
// The redis backend requires client.
func Open(cfg *config.CatalogConfig, client *redis.Client, log logger.Logger) (Catalog, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemoryCatalog(), nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("redis catalog requires a redis client")
		}
		return NewRedisCatalog(client, cfg.KeyPrefix, cfg.TTL, log), nil
	default:
		return nil, fmt.Errorf("unknown catalog backend: %s", cfg.Backend)
	}
}
