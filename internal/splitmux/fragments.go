package splitmux

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"
)

// Fragment registers one fragment. Offset and Duration are NoTime when
// unknown; a known Duration skips the measuring open.
type Fragment struct {
	Location string        `json:"location"`
	Offset   time.Duration `json:"offset"`
	Duration time.Duration `json:"duration"`
}

// NewFragment returns a fragment with unknown offset and duration.
func NewFragment(location string) Fragment {
	return Fragment{Location: location, Offset: NoTime, Duration: NoTime}
}

// FragmentSource produces the ordered fragment list at start.
type FragmentSource interface {
	Resolve(ctx context.Context) ([]Fragment, error)
}

// GlobPattern resolves fragments by expanding a file glob, sorted by name.
type GlobPattern string

// Resolve implements FragmentSource.
func (g GlobPattern) Resolve(ctx context.Context) ([]Fragment, error) {
	if g == "" {
		return nil, nil
	}
	matches, err := filepath.Glob(string(g))
	if err != nil {
		return nil, fmt.Errorf("expanding %q: %w", string(g), err)
	}
	sort.Strings(matches)
	out := make([]Fragment, 0, len(matches))
	for _, m := range matches {
		out = append(out, NewFragment(m))
	}
	return out, nil
}

// ExplicitList is a fixed fragment list.
type ExplicitList []Fragment

// Resolve implements FragmentSource.
func (l ExplicitList) Resolve(ctx context.Context) ([]Fragment, error) {
	out := make([]Fragment, len(l))
	copy(out, l)
	return out, nil
}

// ResolverFunc asks the host for the fragment locations.
type ResolverFunc func(ctx context.Context) ([]string, error)

// Resolve implements FragmentSource.
func (f ResolverFunc) Resolve(ctx context.Context) ([]Fragment, error) {
	locations, err := f(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Fragment, 0, len(locations))
	for _, loc := range locations {
		out = append(out, NewFragment(loc))
	}
	return out, nil
}
