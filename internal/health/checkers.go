package health

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/zsiec/stitch/internal/splitmux"
)

// RedisChecker pings the catalog's Redis server.
type RedisChecker struct {
	client *redis.Client
}

func NewRedisChecker(client *redis.Client) *RedisChecker {
	return &RedisChecker{client: client}
}

func (r *RedisChecker) Name() string { return "redis" }

func (r *RedisChecker) Check(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// StatusSource is what SourceChecker inspects.
type StatusSource interface {
	Status() splitmux.Status
}

// SourceChecker reports the playback source down when it is not running
// and degraded while fragments are still being measured.
type SourceChecker struct {
	src StatusSource
}

func NewSourceChecker(src StatusSource) *SourceChecker {
	return &SourceChecker{src: src}
}

func (s *SourceChecker) Name() string { return "source" }

func (s *SourceChecker) Check(ctx context.Context) error {
	st := s.src.Status()
	if !st.Running {
		return fmt.Errorf("source is not running")
	}
	if st.NumMeasured < st.Fragments {
		return fmt.Errorf("%d of %d fragments measured: %w", st.NumMeasured, st.Fragments, ErrDegraded)
	}
	return nil
}

// DirChecker verifies that a sink output directory accepts new files.
type DirChecker struct {
	dir string
}

func NewDirChecker(dir string) *DirChecker {
	return &DirChecker{dir: dir}
}

func (d *DirChecker) Name() string { return "output_dir" }

func (d *DirChecker) Check(ctx context.Context) error {
	f, err := os.CreateTemp(d.dir, ".stitch-health-*")
	if err != nil {
		return fmt.Errorf("output dir not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
