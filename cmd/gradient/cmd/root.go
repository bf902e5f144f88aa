package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hugo-lorenzo-mato/gradient/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/gradient/internal/config"
	"github.com/hugo-lorenzo-mato/gradient/internal/core"
	"github.com/hugo-lorenzo-mato/gradient/internal/events"
	"github.com/hugo-lorenzo-mato/gradient/internal/logging"
	"github.com/hugo-lorenzo-mato/gradient/internal/service"
)

var (
	cfgFile   string
	envFiles  []string
	logLevel  string
	logFormat string

	appVersion string
	appCommit  string
	appDate    string
)

var rootCmd = &cobra.Command{
	Use:   "gradient",
	Short: "Reputation-weighted consensus engine",
	Long: `gradient aggregates weighted votes on claims into a consensus gradient,
resolves claims once the gradient crosses a threshold, and keeps an
append-only reputation ledger for every voting agent.

Run 'gradient serve' to expose the HTTP API, or use the subcommands to
inspect and operate on the configured store directly.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion injects build information.
func SetVersion(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ./.gradient.yaml or ~/.config/gradient/.gradient.yaml)")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"},
		"dotenv files loaded before the environment")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"log format (auto, text, json)")
}

// loadConfig reads and validates configuration. Each call uses a fresh viper
// instance so flag bindings never leak between invocations.
func loadConfig(cmd *cobra.Command) (*config.Config, *config.Loader, error) {
	v := viper.New()
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		_ = v.BindPFlag("log.level", f)
	}
	if f := cmd.Flags().Lookup("log-format"); f != nil && f.Changed {
		_ = v.BindPFlag("log.format", f)
	}

	loader := config.NewLoaderWithViper(v).WithEnvFiles(envFiles...)
	if cfgFile != "" {
		loader.WithConfigFile(cfgFile)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, loader, nil
}

func newLogger(cfg *config.Config) *logging.Logger {
	return logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stderr,
		File: logging.FileConfig{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		},
	})
}

// runtime bundles what a command needs to operate on the store.
type runtime struct {
	cfg    *config.Config
	loader *config.Loader
	logger *logging.Logger
	store  core.Store
	engine *service.Engine
}

// openRuntime loads configuration and builds an engine that publishes
// nowhere, for one-shot commands.
func openRuntime(ctx context.Context, cmd *cobra.Command) (*runtime, error) {
	cfg, loader, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return buildRuntime(ctx, cfg, loader, events.Discard{}, nil)
}

// buildRuntime opens the configured store and builds the engine over it.
func buildRuntime(ctx context.Context, cfg *config.Config, loader *config.Loader, publisher events.Publisher, metrics *service.Metrics) (*runtime, error) {
	logger := newLogger(cfg)

	store, err := state.Open(ctx, cfg.Storage)
	if err != nil {
		_ = logger.Close()
		return nil, fmt.Errorf("opening store: %w", err)
	}

	opts := service.OptionsFromConfig(cfg)
	opts.Publisher = publisher
	opts.Logger = logger
	opts.Metrics = metrics

	engine, err := service.NewEngine(ctx, store, opts)
	if err != nil {
		_ = store.Close()
		_ = logger.Close()
		return nil, fmt.Errorf("starting engine: %w", err)
	}

	logger.Debug("runtime ready",
		"backend", cfg.Storage.Backend,
		"config_file", loader.ConfigFile())

	return &runtime{
		cfg:    cfg,
		loader: loader,
		logger: logger,
		store:  store,
		engine: engine,
	}, nil
}

func (r *runtime) Close() {
	if err := r.store.Close(); err != nil {
		r.logger.Warn("failed to close store", "error", err)
	}
	_ = r.logger.Close()
}

// printJSON writes v as indented JSON to the command's output.
func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
