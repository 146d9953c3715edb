// Package cmd implements the stitch command line.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/zsiec/stitch/internal/config"
	"github.com/zsiec/stitch/internal/logger"
	"github.com/zsiec/stitch/pkg/version"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "stitch",
	Short:   "Play a sequence of MPEG-TS fragments as one seamless presentation",
	Version: version.GetInfo().Version,
	Long: `stitch plays an ordered list of MPEG-TS fragments as a single
presentation. Fragment timestamps are rebased onto one timeline, readers are
opened on demand and kept in a bounded pool, and playback can be sought
forwards or backwards over the whole set.

Configuration comes from an optional YAML file, STITCH_ environment
variables and flags, in increasing order of precedence.

Example:
  stitch play 'recordings/*.ts' --sink es --output-dir out/`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	mustBind("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	mustBind("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))

	rootCmd.AddCommand(playCmd, probeCmd, versionCmd)
}

// setup loads the configuration and creates the service logger.
func setup() (*config.Config, logger.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	l, err := logger.New(&cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger.Service(l), nil
}

// mustBind binds a flag to a configuration key. Flags only override the
// file and environment when set.
func mustBind(key string, f *pflag.Flag) {
	if err := viper.BindPFlag(key, f); err != nil {
		panic(fmt.Sprintf("binding flag %s: %v", f.Name, err))
	}
}
