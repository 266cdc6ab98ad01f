package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server Server         `mapstructure:"server"`
	Source PlatformConfig `mapstructure:"source"`
	Target PlatformConfig `mapstructure:"target"`
	Engine EngineConfig   `mapstructure:"engine"`
	State  StateConfig    `mapstructure:"state"`
}

type Server struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

// PlatformConfig describes one platform instance (source or target).
type PlatformConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	APIToken string        `mapstructure:"api_token"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// EngineConfig holds migration engine tunables.
type EngineConfig struct {
	BatchSize          int           `mapstructure:"batch_size"`
	Concurrency        int           `mapstructure:"concurrency"`
	MaxRetries         int           `mapstructure:"max_retries"`
	PageSize           int           `mapstructure:"page_size"`
	RateLimitThreshold int           `mapstructure:"rate_limit_threshold"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
	CacheStallTimeout  time.Duration `mapstructure:"cache_stall_timeout"`
	CacheBuildTimeout  time.Duration `mapstructure:"cache_build_timeout"`
	MatchRoundNumbers  bool          `mapstructure:"match_round_numbers"`
}

// StateConfig holds durable state locations.
type StateConfig struct {
	Dir string `mapstructure:"dir"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable override
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})
	v.SetDefault("source.timeout", "30s")
	v.SetDefault("target.timeout", "30s")
	v.SetDefault("engine.batch_size", 500)
	v.SetDefault("engine.concurrency", 5)
	v.SetDefault("engine.max_retries", 3)
	v.SetDefault("engine.page_size", 500)
	v.SetDefault("engine.rate_limit_threshold", 10)
	v.SetDefault("engine.cache_ttl", "12h")
	v.SetDefault("engine.cache_stall_timeout", "2m")
	v.SetDefault("engine.cache_build_timeout", "30m")
	v.SetDefault("engine.match_round_numbers", true)
	v.SetDefault("state.dir", "./data/state")

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables explicitly for sensitive data
	v.BindEnv("source.base_url", "SOURCE_BASE_URL")
	v.BindEnv("source.api_token", "SOURCE_API_TOKEN")
	v.BindEnv("target.base_url", "TARGET_BASE_URL")
	v.BindEnv("target.api_token", "TARGET_API_TOKEN")
	v.BindEnv("state.dir", "STATE_DIR")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
