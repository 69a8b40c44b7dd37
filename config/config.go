// Package config loads engine configuration from file, environment, and
// defaults via viper. Environment variables use the RULEFORGE_ prefix with
// underscores for nesting, e.g. RULEFORGE_ENGINE_LAZY=true.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	Engine  EngineConfig  `mapstructure:"engine"`
	Logging LoggingConfig `mapstructure:"logging"`
	Batch   BatchConfig   `mapstructure:"batch"`
}

// EngineConfig configures rule compilation and matching.
type EngineConfig struct {
	// RuleDir is the default directory scanned for *.yml rule files.
	RuleDir string `mapstructure:"rule_dir"`
	// Lazy defers rule compilation to first use.
	Lazy bool `mapstructure:"lazy"`
	// StrictValidation enforces schema validation on rule documents.
	StrictValidation bool `mapstructure:"strict_validation"`
	// RegexCacheSize bounds the compiled regex cache.
	RegexCacheSize int `mapstructure:"regex_cache_size"`
	// RegexTimeout bounds one regex match.
	RegexTimeout time.Duration `mapstructure:"regex_timeout"`
	// FieldCacheSize bounds the parsed raw-payload cache.
	FieldCacheSize int `mapstructure:"field_cache_size"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`
	// Format is "console" or "json".
	Format string `mapstructure:"format"`
}

// BatchConfig configures batch matching.
type BatchConfig struct {
	ChunkSize   int  `mapstructure:"chunk_size"`
	QuickReject bool `mapstructure:"quick_reject"`
}

// Load reads configuration from the optional file path, the environment,
// and built-in defaults, in decreasing precedence of file > env > default.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RULEFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("ruleforge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/ruleforge")
		// Missing default config files are fine; defaults and env cover it.
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("invalid logging.format %q", c.Logging.Format)
	}
	if c.Engine.RegexCacheSize < 0 {
		return fmt.Errorf("engine.regex_cache_size must be non-negative")
	}
	if c.Engine.FieldCacheSize < 0 {
		return fmt.Errorf("engine.field_cache_size must be non-negative")
	}
	if c.Batch.ChunkSize < 0 {
		return fmt.Errorf("batch.chunk_size must be non-negative")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.rule_dir", "rules")
	v.SetDefault("engine.lazy", false)
	v.SetDefault("engine.strict_validation", false)
	v.SetDefault("engine.regex_cache_size", 1000)
	v.SetDefault("engine.regex_timeout", 100*time.Millisecond)
	v.SetDefault("engine.field_cache_size", 4096)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("batch.chunk_size", 512)
	v.SetDefault("batch.quick_reject", true)
}
