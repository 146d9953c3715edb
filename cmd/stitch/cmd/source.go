package cmd

import (
	"fmt"
	"strings"

	"github.com/zsiec/stitch/internal/config"
	"github.com/zsiec/stitch/internal/splitmux"
)

// fragmentSource picks the fragments to play: the command line arguments
// when given, else the configured glob, else the configured list.
func fragmentSource(cfg *config.SourceConfig, args []string) (splitmux.FragmentSource, error) {
	switch {
	case len(args) == 1 && strings.ContainsAny(args[0], "*?["):
		return splitmux.GlobPattern(args[0]), nil
	case len(args) > 0:
		list := make(splitmux.ExplicitList, 0, len(args))
		for _, a := range args {
			list = append(list, splitmux.NewFragment(a))
		}
		return list, nil
	case cfg.Location != "":
		return splitmux.GlobPattern(cfg.Location), nil
	case len(cfg.Fragments) > 0:
		return explicitList(cfg.Fragments)
	default:
		return nil, fmt.Errorf("no fragments: pass a glob or files, or configure source.location")
	}
}

func explicitList(frags []config.FragmentConfig) (splitmux.ExplicitList, error) {
	list := make(splitmux.ExplicitList, 0, len(frags))
	for i, fc := range frags {
		f := splitmux.NewFragment(fc.Location)
		var err error
		if f.Offset, err = config.ParseOptionalDuration(fc.Offset); err != nil {
			return nil, fmt.Errorf("fragment %d: offset: %w", i, err)
		}
		if f.Duration, err = config.ParseOptionalDuration(fc.Duration); err != nil {
			return nil, fmt.Errorf("fragment %d: duration: %w", i, err)
		}
		list = append(list, f)
	}
	return list, nil
}
