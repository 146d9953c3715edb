package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/zsiec/stitch/internal/catalog"
	"github.com/zsiec/stitch/internal/splitmux"
	"github.com/zsiec/stitch/internal/splitmux/tsreader"
)

var probeCmd = &cobra.Command{
	Use:   "probe fragment...",
	Short: "Measure fragments and print their streams and durations",
	Long: `probe opens every fragment, measures its duration and lists its
elementary streams as JSON. With --store the durations are recorded in the
configured catalog so that play can skip measuring them.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runProbe,
}

var probeStore bool

func init() {
	probeCmd.Flags().BoolVar(&probeStore, "store", false, "record the durations in the catalog")
}

// ProbeResult is one line of probe output.
type ProbeResult struct {
	Location string                `json:"location"`
	Duration time.Duration         `json:"duration"`
	Streams  []splitmux.StreamInfo `json:"streams,omitempty"`
	Error    string                `json:"error,omitempty"`
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var cat catalog.Catalog
	if probeStore {
		if cfg.Catalog.Backend == "redis" {
			rdb := newRedisClient(&cfg.Redis)
			defer rdb.Close()
			cat, err = catalog.Open(&cfg.Catalog, rdb, log)
		} else {
			cat, err = catalog.Open(&cfg.Catalog, nil, log)
		}
		if err != nil {
			return err
		}
		if cat != nil {
			defer cat.Close()
		}
	}

	enc := json.NewEncoder(os.Stdout)
	failed := 0
	for _, loc := range args {
		res := probeOne(ctx, loc, tsreader.Options{Logger: log})
		if res.Error != "" {
			failed++
		} else if cat != nil {
			if err := cat.Store(ctx, loc, res.Duration); err != nil {
				log.WithError(err).WithField("location", loc).Warn("Failed to catalog fragment")
			}
		}
		if err := enc.Encode(res); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d fragments could not be probed", failed, len(args))
	}
	return nil
}

func probeOne(ctx context.Context, location string, opts tsreader.Options) ProbeResult {
	r := tsreader.New(location, opts)
	defer r.Unprepare()

	res, err := r.Prepare(ctx)
	if err != nil {
		return ProbeResult{Location: location, Duration: splitmux.NoTime, Error: err.Error()}
	}
	return ProbeResult{Location: location, Duration: res.Duration, Streams: res.Streams}
}
