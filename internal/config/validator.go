package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// Validate validates the entire configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateStorage(&cfg.Storage)
	v.validateConsensus(&cfg.Consensus)
	v.validateRewards(&cfg.Rewards)
	v.validateTiers(&cfg.Tiers)
	v.validateWeight(&cfg.Weight)
	v.validateLearning(&cfg.Learning)
	v.validateEngine(&cfg.Engine)
	v.validateServer(&cfg.Server)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Value:   value,
		Message: msg,
	})
}

func (v *Validator) validateLog(cfg *LogConfig) {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[cfg.Level] {
		v.addError("log.level", cfg.Level, "must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"auto": true, "text": true, "json": true,
	}
	if !validFormats[cfg.Format] {
		v.addError("log.format", cfg.Format, "must be one of: auto, text, json")
	}

	if cfg.File != "" {
		if !isValidPath(cfg.File) {
			v.addError("log.file", cfg.File, "invalid file path")
		}
		if cfg.MaxSizeMB <= 0 {
			v.addError("log.max_size_mb", cfg.MaxSizeMB, "must be positive")
		}
	}
	if cfg.MaxBackups < 0 {
		v.addError("log.max_backups", cfg.MaxBackups, "must be non-negative")
	}
	if cfg.MaxAgeDays < 0 {
		v.addError("log.max_age_days", cfg.MaxAgeDays, "must be non-negative")
	}
}

func (v *Validator) validateStorage(cfg *StorageConfig) {
	switch cfg.Backend {
	case "memory":
	case "sqlite":
		if cfg.Path == "" {
			v.addError("storage.path", cfg.Path, "path required for sqlite backend")
		} else if cfg.Path != ":memory:" && !isValidPath(cfg.Path) {
			v.addError("storage.path", cfg.Path, "invalid file path")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DSN) == "" {
			v.addError("storage.dsn", "", "dsn required for postgres backend")
		}
	default:
		v.addError("storage.backend", cfg.Backend, "must be one of: memory, sqlite, postgres")
	}

	if cfg.MaxOpenConns < 0 {
		v.addError("storage.max_open_conns", cfg.MaxOpenConns, "must be non-negative")
	}
}

func (v *Validator) validateConsensus(cfg *ConsensusConfig) {
	if cfg.TrueThreshold <= 0.5 || cfg.TrueThreshold >= 1 {
		v.addError("consensus.true_threshold", cfg.TrueThreshold, "must be in (0.5, 1)")
	}
	if cfg.FalseThreshold <= 0 || cfg.FalseThreshold >= 0.5 {
		v.addError("consensus.false_threshold", cfg.FalseThreshold, "must be in (0, 0.5)")
	}
}

func (v *Validator) validateRewards(cfg *RewardsConfig) {
	for name, value := range map[string]float64{
		"aligned_base":      cfg.AlignedBase,
		"early_bonus":       cfg.EarlyBonus,
		"confidence_scale":  cfg.ConfidenceScale,
		"aligned_min":       cfg.AlignedMin,
		"opposed_base":      cfg.OpposedBase,
		"distance_scale":    cfg.DistanceScale,
		"opposed_min":       cfg.OpposedMin,
		"evidence_upvote":   cfg.EvidenceUpvote,
		"evidence_downvote": cfg.EvidenceDownvote,
	} {
		if value < 0 || math.IsNaN(value) || math.IsInf(value, 0) {
			v.addError("rewards."+name, value, "must be a finite non-negative number")
		}
	}

	if cfg.AlignedMax < cfg.AlignedMin {
		v.addError("rewards.aligned_max", cfg.AlignedMax, "must be >= rewards.aligned_min")
	}
	if cfg.OpposedMax < cfg.OpposedMin {
		v.addError("rewards.opposed_max", cfg.OpposedMax, "must be >= rewards.opposed_min")
	}
}

func (v *Validator) validateTiers(cfg *TiersConfig) {
	if cfg.Established <= 0 {
		v.addError("tiers.established", cfg.Established, "must be positive")
	}
	if cfg.Trusted <= cfg.Established {
		v.addError("tiers.trusted", cfg.Trusted, "must be greater than tiers.established")
	}
	if cfg.Hysteresis < 0 || cfg.Hysteresis >= cfg.Established {
		v.addError("tiers.hysteresis", cfg.Hysteresis, "must be in [0, tiers.established)")
	}
	if cfg.Trusted-cfg.Hysteresis <= cfg.Established {
		v.addError("tiers.hysteresis", cfg.Hysteresis, "trusted demotion point must stay above tiers.established")
	}
	if cfg.PromotionBonus < 0 {
		v.addError("tiers.promotion_bonus", cfg.PromotionBonus, "must be non-negative")
	}
}

func (v *Validator) validateWeight(cfg *WeightConfig) {
	if cfg.Divisor <= 0 {
		v.addError("weight.divisor", cfg.Divisor, "must be positive")
	}
	if cfg.Min < 1 {
		v.addError("weight.min", cfg.Min, "must be >= 1")
	}
}

func (v *Validator) validateLearning(cfg *LearningConfig) {
	if d, err := time.ParseDuration(cfg.Window); err != nil {
		v.addError("learning.window", cfg.Window, "invalid duration format")
	} else if d <= 0 {
		v.addError("learning.window", cfg.Window, "must be positive")
	}

	if cfg.Windows < 2 || cfg.Windows > 52 {
		v.addError("learning.windows", cfg.Windows, "must be between 2 and 52")
	}
	if cfg.SlopeScale <= 0 {
		v.addError("learning.slope_scale", cfg.SlopeScale, "must be positive")
	}
	if cfg.VarianceScale < 0 {
		v.addError("learning.variance_scale", cfg.VarianceScale, "must be non-negative")
	}
	if cfg.CacheSize <= 0 {
		v.addError("learning.cache_size", cfg.CacheSize, "must be positive")
	}
	if _, err := time.ParseDuration(cfg.CacheTTL); err != nil {
		v.addError("learning.cache_ttl", cfg.CacheTTL, "invalid duration format")
	}
}

func (v *Validator) validateEngine(cfg *EngineConfig) {
	if cfg.MaxRetries < 1 || cfg.MaxRetries > 50 {
		v.addError("engine.max_retries", cfg.MaxRetries, "must be between 1 and 50")
	}

	base, err := time.ParseDuration(cfg.RetryBaseDelay)
	if err != nil {
		v.addError("engine.retry_base_delay", cfg.RetryBaseDelay, "invalid duration format")
	}
	maxDelay, err2 := time.ParseDuration(cfg.RetryMaxDelay)
	if err2 != nil {
		v.addError("engine.retry_max_delay", cfg.RetryMaxDelay, "invalid duration format")
	}
	if err == nil && err2 == nil && maxDelay < base {
		v.addError("engine.retry_max_delay", cfg.RetryMaxDelay, "must be >= engine.retry_base_delay")
	}

	if cfg.EventBuffer <= 0 {
		v.addError("engine.event_buffer", cfg.EventBuffer, "must be positive")
	}
}

func (v *Validator) validateServer(cfg *ServerConfig) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		v.addError("server.port", cfg.Port, "must be between 0 and 65535")
	}
	if d, err := time.ParseDuration(cfg.RequestTimeout); err != nil {
		v.addError("server.request_timeout", cfg.RequestTimeout, "invalid duration format")
	} else if d <= 0 {
		v.addError("server.request_timeout", cfg.RequestTimeout, "must be positive")
	}
}

func isValidPath(path string) bool {
	dir := filepath.Dir(path)
	_, err := os.Stat(dir)
	return err == nil || os.IsNotExist(err)
}

// ValidateConfig is a convenience function that creates a validator and validates config.
func ValidateConfig(cfg *Config) error {
	v := NewValidator()
	return v.Validate(cfg)
}
