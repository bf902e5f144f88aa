package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
	envFiles   []string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return NewLoaderWithViper(viper.New())
}

// NewLoaderWithViper creates a loader using an existing viper instance.
// This allows integration with CLI flag bindings.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envPrefix: "GRADIENT",
		envFiles:  []string{".env"},
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithEnvFiles sets the dotenv files read before the environment. Missing
// files are skipped.
func (l *Loader) WithEnvFiles(paths ...string) *Loader {
	l.envFiles = paths
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (GRADIENT_*), including values from .env files
// 3. Project config (.gradient.yaml in current directory)
// 4. User config (~/.config/gradient/.gradient.yaml)
// 5. Defaults
func (l *Loader) Load() (*Config, error) {
	if err := l.loadEnvFiles(); err != nil {
		return nil, err
	}

	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName(".gradient")
		l.v.SetConfigType("yaml")

		// First found wins: project config over user config.
		l.v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", "gradient"))
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	return l.unmarshal()
}

func (l *Loader) unmarshal() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// loadEnvFiles exports dotenv values without overriding variables that are
// already set in the process environment.
func (l *Loader) loadEnvFiles() error {
	for _, path := range l.envFiles {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading env file %s: %w", path, err)
		}
	}
	return nil
}

// Watch re-reads the config file on change and hands the result to onChange.
// Reload errors are passed to onError and leave the previous config in place.
// It is a no-op when no config file was read.
func (l *Loader) Watch(onChange func(*Config), onError func(error)) bool {
	if l.v.ConfigFileUsed() == "" {
		return false
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.unmarshal()
		if err == nil {
			err = ValidateConfig(cfg)
		}
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	l.v.WatchConfig()
	return true
}

// setDefaults configures default values.
func (l *Loader) setDefaults() {
	d := Defaults()

	// Log defaults
	l.v.SetDefault("log.level", d.Log.Level)
	l.v.SetDefault("log.format", d.Log.Format)
	l.v.SetDefault("log.file", d.Log.File)
	l.v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	l.v.SetDefault("log.max_backups", d.Log.MaxBackups)
	l.v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	l.v.SetDefault("log.compress", d.Log.Compress)

	// Storage defaults
	l.v.SetDefault("storage.backend", d.Storage.Backend)
	l.v.SetDefault("storage.path", d.Storage.Path)
	l.v.SetDefault("storage.dsn", d.Storage.DSN)
	l.v.SetDefault("storage.max_open_conns", d.Storage.MaxOpenConns)

	// Consensus defaults
	l.v.SetDefault("consensus.true_threshold", d.Consensus.TrueThreshold)
	l.v.SetDefault("consensus.false_threshold", d.Consensus.FalseThreshold)

	// Reward defaults
	l.v.SetDefault("rewards.aligned_base", d.Rewards.AlignedBase)
	l.v.SetDefault("rewards.early_bonus", d.Rewards.EarlyBonus)
	l.v.SetDefault("rewards.confidence_scale", d.Rewards.ConfidenceScale)
	l.v.SetDefault("rewards.aligned_min", d.Rewards.AlignedMin)
	l.v.SetDefault("rewards.aligned_max", d.Rewards.AlignedMax)
	l.v.SetDefault("rewards.opposed_base", d.Rewards.OpposedBase)
	l.v.SetDefault("rewards.distance_scale", d.Rewards.DistanceScale)
	l.v.SetDefault("rewards.opposed_min", d.Rewards.OpposedMin)
	l.v.SetDefault("rewards.opposed_max", d.Rewards.OpposedMax)
	l.v.SetDefault("rewards.evidence_upvote", d.Rewards.EvidenceUpvote)
	l.v.SetDefault("rewards.evidence_downvote", d.Rewards.EvidenceDownvote)

	// Tier defaults
	l.v.SetDefault("tiers.established", d.Tiers.Established)
	l.v.SetDefault("tiers.trusted", d.Tiers.Trusted)
	l.v.SetDefault("tiers.hysteresis", d.Tiers.Hysteresis)
	l.v.SetDefault("tiers.promotion_bonus", d.Tiers.PromotionBonus)

	// Weight defaults
	l.v.SetDefault("weight.divisor", d.Weight.Divisor)
	l.v.SetDefault("weight.min", d.Weight.Min)

	// Learning defaults
	l.v.SetDefault("learning.window", d.Learning.Window)
	l.v.SetDefault("learning.windows", d.Learning.Windows)
	l.v.SetDefault("learning.slope_scale", d.Learning.SlopeScale)
	l.v.SetDefault("learning.variance_scale", d.Learning.VarianceScale)
	l.v.SetDefault("learning.cache_size", d.Learning.CacheSize)
	l.v.SetDefault("learning.cache_ttl", d.Learning.CacheTTL)

	// Engine defaults
	l.v.SetDefault("engine.max_retries", d.Engine.MaxRetries)
	l.v.SetDefault("engine.retry_base_delay", d.Engine.RetryBaseDelay)
	l.v.SetDefault("engine.retry_max_delay", d.Engine.RetryMaxDelay)
	l.v.SetDefault("engine.event_buffer", d.Engine.EventBuffer)

	// Server defaults
	l.v.SetDefault("server.host", d.Server.Host)
	l.v.SetDefault("server.port", d.Server.Port)
	l.v.SetDefault("server.cors_origins", d.Server.CORSOrigins)
	l.v.SetDefault("server.request_timeout", d.Server.RequestTimeout)
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Get returns a configuration value by key.
func (l *Loader) Get(key string) interface{} {
	return l.v.Get(key)
}

// Set sets a configuration value.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}
