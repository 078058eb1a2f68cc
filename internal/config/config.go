package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Input    InputConfig    `yaml:"input" mapstructure:"input"`
	Extract  ExtractConfig  `yaml:"extract" mapstructure:"extract"`
	Cluster  ClusterConfig  `yaml:"cluster" mapstructure:"cluster"`
	Learning LearningConfig `yaml:"learning" mapstructure:"learning"`
	Jobs     JobsConfig     `yaml:"jobs" mapstructure:"jobs"`
	Verify   VerifyConfig   `yaml:"verify" mapstructure:"verify"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the job persistence backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// InputConfig bounds what POST /api/analyze accepts.
type InputConfig struct {
	MaxTextBytes    int      `yaml:"max_text_bytes" mapstructure:"max_text_bytes"`
	SyncThreshold   int      `yaml:"sync_threshold_bytes" mapstructure:"sync_threshold_bytes"`
	AllowedSchemes  []string `yaml:"allowed_schemes" mapstructure:"allowed_schemes"`
	FetchTimeoutSec int      `yaml:"fetch_timeout_secs" mapstructure:"fetch_timeout_secs"`
}

// ExtractConfig configures the pattern extractors.
type ExtractConfig struct {
	AdjacentWindow     int     `yaml:"adjacent_window" mapstructure:"adjacent_window"`
	DefaultThreshold   float64 `yaml:"default_threshold" mapstructure:"default_threshold"`
	MinYear            int     `yaml:"min_year" mapstructure:"min_year"`
	MaxYear            int     `yaml:"max_year" mapstructure:"max_year"`
	LearnedPatternCost float64 `yaml:"learned_pattern_cost" mapstructure:"learned_pattern_cost"`
}

// ClusterConfig configures the clustering engine.
type ClusterConfig struct {
	MaxDistance   int     `yaml:"max_cluster_distance" mapstructure:"max_cluster_distance"`
	MinSimilarity float64 `yaml:"min_similarity" mapstructure:"min_similarity"`
}

// LearningConfig configures the learning store and adaptive controller.
type LearningConfig struct {
	Dir                string  `yaml:"dir" mapstructure:"dir"`
	RetentionFloor     float64 `yaml:"retention_floor" mapstructure:"retention_floor"`
	ThresholdStep      float64 `yaml:"threshold_step" mapstructure:"threshold_step"`
	ThresholdFloor     float64 `yaml:"threshold_floor" mapstructure:"threshold_floor"`
	ThresholdCeiling   float64 `yaml:"threshold_ceiling" mapstructure:"threshold_ceiling"`
	MaxContextExamples int     `yaml:"max_context_examples" mapstructure:"max_context_examples"`
	HoldoutSamples     int     `yaml:"holdout_samples" mapstructure:"holdout_samples"`
}

// JobsConfig configures the job manager and sweeper.
type JobsConfig struct {
	Workers          int `yaml:"workers" mapstructure:"workers"`
	QueueSize        int `yaml:"queue_size" mapstructure:"queue_size"`
	StuckTimeoutSecs int `yaml:"stuck_timeout_secs" mapstructure:"stuck_timeout_secs"`
	SweepIntervalSec int `yaml:"sweep_interval_secs" mapstructure:"sweep_interval_secs"`
	RetentionHours   int `yaml:"retention_hours" mapstructure:"retention_hours"`
}

// VerifyConfig configures external citation verification.
type VerifyConfig struct {
	Enabled        bool    `yaml:"enabled" mapstructure:"enabled"`
	BaseURL        string  `yaml:"base_url" mapstructure:"base_url"`
	APIKey         string  `yaml:"api_key" mapstructure:"api_key"`
	RatePerSecond  float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	MaxAttempts    int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	TimeoutSecs    int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxConcurrency int     `yaml:"max_concurrency" mapstructure:"max_concurrency"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CITEMINER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "citeminer.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("input.max_text_bytes", 10<<20)
	v.SetDefault("input.sync_threshold_bytes", 64<<10)
	v.SetDefault("input.allowed_schemes", []string{"http", "https"})
	v.SetDefault("input.fetch_timeout_secs", 30)
	v.SetDefault("extract.adjacent_window", 200)
	v.SetDefault("extract.default_threshold", 0.5)
	v.SetDefault("extract.min_year", 1900)
	v.SetDefault("extract.max_year", 2100)
	v.SetDefault("extract.learned_pattern_cost", 0.1)
	v.SetDefault("cluster.max_cluster_distance", 100)
	v.SetDefault("cluster.min_similarity", 0.8)
	v.SetDefault("learning.dir", "learning")
	v.SetDefault("learning.retention_floor", 0.6)
	v.SetDefault("learning.threshold_step", 0.05)
	v.SetDefault("learning.threshold_floor", 0.3)
	v.SetDefault("learning.threshold_ceiling", 0.9)
	v.SetDefault("learning.max_context_examples", 10)
	v.SetDefault("learning.holdout_samples", 200)
	v.SetDefault("jobs.workers", 4)
	v.SetDefault("jobs.queue_size", 256)
	v.SetDefault("jobs.stuck_timeout_secs", 600)
	v.SetDefault("jobs.sweep_interval_secs", 60)
	v.SetDefault("jobs.retention_hours", 24)
	v.SetDefault("verify.enabled", true)
	v.SetDefault("verify.base_url", "https://www.courtlistener.com/api/rest/v4")
	v.SetDefault("verify.rate_per_second", 2)
	v.SetDefault("verify.max_attempts", 3)
	v.SetDefault("verify.timeout_secs", 15)
	v.SetDefault("verify.max_concurrency", 4)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
