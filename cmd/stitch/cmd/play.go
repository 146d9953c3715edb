package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/zsiec/stitch/internal/catalog"
	"github.com/zsiec/stitch/internal/config"
	"github.com/zsiec/stitch/internal/health"
	"github.com/zsiec/stitch/internal/logger"
	"github.com/zsiec/stitch/internal/server"
	"github.com/zsiec/stitch/internal/sink"
	"github.com/zsiec/stitch/internal/splitmux"
	"github.com/zsiec/stitch/internal/splitmux/tsreader"
	"github.com/zsiec/stitch/pkg/version"
)

const healthInterval = 30 * time.Second

var playCmd = &cobra.Command{
	Use:   "play [glob | fragment...]",
	Short: "Play fragments through the configured sink",
	Long: `play stitches the fragments named on the command line, or those from the
configuration when none are given, and feeds every elementary stream to the
configured sink. A single argument containing glob characters is expanded
and sorted by name.

Without the control API, play exits at end of stream. With --serve it keeps
running so that playback can be sought through the API.`,
	RunE: runPlay,
}

func init() {
	f := playCmd.Flags()
	f.Int("max-open", 100, "maximum number of fragments kept open (0 = unbounded)")
	f.Int("lookahead", 1, "fragments to open ahead of the playing one")
	f.Duration("bias", 0, "timestamp bias added to every output timestamp")
	f.String("sink", "stats", "sink type (stats, es, discard)")
	f.String("output-dir", ".", "output directory of the es sink")
	f.Bool("realtime", false, "pace output to the wall clock")
	f.String("catalog", "memory", "duration catalog backend (none, memory, redis)")
	f.Bool("serve", false, "run the HTTP control API")
	f.String("listen", "127.0.0.1:8080", "control API listen address")
	f.Bool("metrics", false, "serve Prometheus metrics")

	mustBind("source.max_open_fragments", f.Lookup("max-open"))
	mustBind("source.num_lookahead", f.Lookup("lookahead"))
	mustBind("source.timestamp_bias", f.Lookup("bias"))
	mustBind("sink.type", f.Lookup("sink"))
	mustBind("sink.output_dir", f.Lookup("output-dir"))
	mustBind("sink.realtime", f.Lookup("realtime"))
	mustBind("catalog.backend", f.Lookup("catalog"))
	mustBind("server.enabled", f.Lookup("serve"))
	mustBind("server.listen_addr", f.Lookup("listen"))
	mustBind("metrics.enabled", f.Lookup("metrics"))
}

func runPlay(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	log.WithFields(version.GetInfo().Fields()).Info("Starting stitch")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	frags, err := fragmentSource(&cfg.Source, args)
	if err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.Catalog.Backend == "redis" {
		rdb = newRedisClient(&cfg.Redis)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		log.Info("Connected to Redis")
	}
	cat, err := catalog.Open(&cfg.Catalog, rdb, log)
	if err != nil {
		return err
	}
	if cat != nil {
		defer cat.Close()
		frags = catalog.WithDurations(frags, cat, log)
	}

	sinks, err := sink.NewRegistry(cfg.Sink, cfg.Source.TimestampBias, log)
	if err != nil {
		return err
	}

	events := make(chan splitmux.Message, 4)
	handler := messageHandler(log, events)
	if cat != nil {
		handler = catalog.Recorder(cat, log, handler)
	}

	src, err := splitmux.New(splitmux.Config{
		Fragments:        frags,
		MaxOpenFragments: cfg.Source.MaxOpenFragments,
		NumLookahead:     cfg.Source.NumLookahead,
		TimestampBias:    cfg.Source.TimestampBias,
		NewReader:        tsreader.NewFactory(tsreader.Options{Logger: log}),
		NewDownstream:    sinks.Factory(),
		OnMessage:        handler,
		Logger:           log,
	})
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		go serveMetrics(ctx, cfg.Metrics, log)
	}

	serverErr := make(chan error, 1)
	if cfg.Server.Enabled {
		hm := health.NewManager(log)
		hm.Register(health.NewSourceChecker(src))
		if rdb != nil {
			hm.Register(health.NewRedisChecker(rdb))
		}
		if cfg.Sink.Type == "es" {
			hm.Register(health.NewDirChecker(cfg.Sink.OutputDir))
		}
		go hm.StartPeriodicChecks(ctx, healthInterval)

		srv := server.New(&cfg.Server, src, server.Options{
			Sinks:   sinks,
			Catalog: cat,
			Health:  hm,
			Logger:  log,
		})
		go func() { serverErr <- srv.Start(ctx) }()
	}

	if err := src.Start(ctx); err != nil {
		return fmt.Errorf("failed to start playback: %w", err)
	}

	runErr := wait(ctx, cfg.Server.Enabled, events, serverErr, log)

	if err := src.Stop(); err != nil {
		log.WithError(err).Warn("Stopping playback")
	}
	if err := sinks.Close(); err != nil {
		log.WithError(err).Error("Closing sinks")
	}
	for _, st := range sinks.Stats() {
		log.WithFields(map[string]interface{}{
			"port":     st.Port,
			"media":    st.Media,
			"buffers":  st.Buffers,
			"bytes":    st.Bytes,
			"disconts": st.Disconts,
		}).Info("Port summary")
	}
	return runErr
}

// wait blocks until playback is over. With the control API, end of stream
// and playback errors do not end the process.
func wait(ctx context.Context, serving bool, events <-chan splitmux.Message, serverErr <-chan error, log logger.Logger) error {
	for {
		select {
		case <-ctx.Done():
			log.Info("Shutdown requested")
			return nil
		case err := <-serverErr:
			if err != nil {
				return err
			}
			return nil
		case m := <-events:
			if serving {
				continue
			}
			if m.Type == splitmux.MessageError {
				return m.Err
			}
			return nil
		}
	}
}

// messageHandler logs source messages and forwards end of stream and fatal
// errors to events without blocking the bus.
func messageHandler(log logger.Logger, events chan<- splitmux.Message) splitmux.MessageHandler {
	log = log.WithField("component", "player")
	return func(m splitmux.Message) {
		switch m.Type {
		case splitmux.MessageFragmentMeasured:
			logger.WithFragment(log, m.Index, m.Location).WithFields(map[string]interface{}{
				"offset":   m.Offset,
				"duration": m.Duration,
			}).Debug("Fragment measured")
		case splitmux.MessageDurationChanged:
			log.WithField("duration", m.Duration).Info("Presentation duration known")
		case splitmux.MessagePortAdded:
			log.WithField("port", m.Port).Info("Output port added")
		case splitmux.MessageWarning:
			logger.WithFragment(log, m.Index, m.Location).WithError(m.Err).Warn("Playback warning")
		case splitmux.MessageError:
			log.WithError(m.Err).Error("Playback failed")
		case splitmux.MessageEOS:
			log.Info("End of stream")
		}
		if m.Type == splitmux.MessageEOS || m.Type == splitmux.MessageError {
			select {
			case events <- m:
			default:
			}
		}
	}
}

func newRedisClient(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addresses[0],
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})
}

func serveMetrics(ctx context.Context, cfg config.MetricsConfig, log logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mux}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	log.WithField("addr", srv.Addr).Info("Starting metrics server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Error("Metrics server error")
	}
}
