package config

import "time"

// Config holds all application configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Consensus ConsensusConfig `mapstructure:"consensus" yaml:"consensus"`
	Rewards   RewardsConfig   `mapstructure:"rewards" yaml:"rewards"`
	Tiers     TiersConfig     `mapstructure:"tiers" yaml:"tiers"`
	Weight    WeightConfig    `mapstructure:"weight" yaml:"weight"`
	Learning  LearningConfig  `mapstructure:"learning" yaml:"learning"`
	Engine    EngineConfig    `mapstructure:"engine" yaml:"engine"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Backend      string `mapstructure:"backend" yaml:"backend"`
	Path         string `mapstructure:"path" yaml:"path"`
	DSN          string `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns" yaml:"max_open_conns"`
}

// ConsensusConfig holds the resolution thresholds. Both comparisons are strict.
type ConsensusConfig struct {
	TrueThreshold  float64 `mapstructure:"true_threshold" yaml:"true_threshold"`
	FalseThreshold float64 `mapstructure:"false_threshold" yaml:"false_threshold"`
}

// RewardsConfig holds the reward and penalty formula constants.
type RewardsConfig struct {
	AlignedBase      float64 `mapstructure:"aligned_base" yaml:"aligned_base"`
	EarlyBonus       float64 `mapstructure:"early_bonus" yaml:"early_bonus"`
	ConfidenceScale  float64 `mapstructure:"confidence_scale" yaml:"confidence_scale"`
	AlignedMin       float64 `mapstructure:"aligned_min" yaml:"aligned_min"`
	AlignedMax       float64 `mapstructure:"aligned_max" yaml:"aligned_max"`
	OpposedBase      float64 `mapstructure:"opposed_base" yaml:"opposed_base"`
	DistanceScale    float64 `mapstructure:"distance_scale" yaml:"distance_scale"`
	OpposedMin       float64 `mapstructure:"opposed_min" yaml:"opposed_min"`
	OpposedMax       float64 `mapstructure:"opposed_max" yaml:"opposed_max"`
	EvidenceUpvote   float64 `mapstructure:"evidence_upvote" yaml:"evidence_upvote"`
	EvidenceDownvote float64 `mapstructure:"evidence_downvote" yaml:"evidence_downvote"`
}

// TiersConfig holds tier thresholds.
type TiersConfig struct {
	Established    float64 `mapstructure:"established" yaml:"established"`
	Trusted        float64 `mapstructure:"trusted" yaml:"trusted"`
	Hysteresis     float64 `mapstructure:"hysteresis" yaml:"hysteresis"`
	PromotionBonus float64 `mapstructure:"promotion_bonus" yaml:"promotion_bonus"`
}

// WeightConfig maps an agent's reputation at cast time to a vote weight.
type WeightConfig struct {
	Divisor float64 `mapstructure:"divisor" yaml:"divisor"`
	Min     float64 `mapstructure:"min" yaml:"min"`
}

// LearningConfig configures the learning-score calculator.
type LearningConfig struct {
	Window        string  `mapstructure:"window" yaml:"window"`
	Windows       int     `mapstructure:"windows" yaml:"windows"`
	SlopeScale    float64 `mapstructure:"slope_scale" yaml:"slope_scale"`
	VarianceScale float64 `mapstructure:"variance_scale" yaml:"variance_scale"`
	CacheSize     int     `mapstructure:"cache_size" yaml:"cache_size"`
	CacheTTL      string  `mapstructure:"cache_ttl" yaml:"cache_ttl"`
}

// WindowDuration returns the parsed window length.
func (c LearningConfig) WindowDuration() time.Duration {
	return mustDuration(c.Window)
}

// CacheTTLDuration returns the parsed cache TTL.
func (c LearningConfig) CacheTTLDuration() time.Duration {
	return mustDuration(c.CacheTTL)
}

// EngineConfig configures conflict retries and event delivery.
type EngineConfig struct {
	MaxRetries     int    `mapstructure:"max_retries" yaml:"max_retries"`
	RetryBaseDelay string `mapstructure:"retry_base_delay" yaml:"retry_base_delay"`
	RetryMaxDelay  string `mapstructure:"retry_max_delay" yaml:"retry_max_delay"`
	EventBuffer    int    `mapstructure:"event_buffer" yaml:"event_buffer"`
}

// RetryBaseDelayDuration returns the parsed base retry delay.
func (c EngineConfig) RetryBaseDelayDuration() time.Duration {
	return mustDuration(c.RetryBaseDelay)
}

// RetryMaxDelayDuration returns the parsed maximum retry delay.
func (c EngineConfig) RetryMaxDelayDuration() time.Duration {
	return mustDuration(c.RetryMaxDelay)
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host           string   `mapstructure:"host" yaml:"host"`
	Port           int      `mapstructure:"port" yaml:"port"`
	CORSOrigins    []string `mapstructure:"cors_origins" yaml:"cors_origins"`
	RequestTimeout string   `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// RequestTimeoutDuration returns the parsed request timeout.
func (c ServerConfig) RequestTimeoutDuration() time.Duration {
	return mustDuration(c.RequestTimeout)
}

// mustDuration parses a validated duration; invalid values yield 0.
func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() *Config {
	return &Config{
		Log: LogConfig{
			Level:      "info",
			Format:     "auto",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Storage: StorageConfig{
			Backend:      "sqlite",
			Path:         ".gradient/gradient.db",
			MaxOpenConns: 10,
		},
		Consensus: ConsensusConfig{
			TrueThreshold:  0.8,
			FalseThreshold: 0.2,
		},
		Rewards: RewardsConfig{
			AlignedBase:      10,
			EarlyBonus:       5,
			ConfidenceScale:  10,
			AlignedMin:       5,
			AlignedMax:       20,
			OpposedBase:      5,
			DistanceScale:    10,
			OpposedMin:       3,
			OpposedMax:       15,
			EvidenceUpvote:   5,
			EvidenceDownvote: 3,
		},
		Tiers: TiersConfig{
			Established:    200,
			Trusted:        500,
			Hysteresis:     20,
			PromotionBonus: 50,
		},
		Weight: WeightConfig{
			Divisor: 100,
			Min:     1,
		},
		Learning: LearningConfig{
			Window:        "720h",
			Windows:       3,
			SlopeScale:    0.25,
			VarianceScale: 1,
			CacheSize:     1024,
			CacheTTL:      "5m",
		},
		Engine: EngineConfig{
			MaxRetries:     5,
			RetryBaseDelay: "2ms",
			RetryMaxDelay:  "50ms",
			EventBuffer:    256,
		},
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8080,
			CORSOrigins:    []string{"*"},
			RequestTimeout: "30s",
		},
	}
}
