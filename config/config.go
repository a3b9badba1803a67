package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the greenroom service
type Config struct {
	General  GeneralConfig  `mapstructure:"general"`
	Server   ServerConfig   `mapstructure:"server"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Analysis AnalysisConfig `mapstructure:"analysis"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
	Listen   string `mapstructure:"listen"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address           string        `mapstructure:"address"`
	KeepAliveInterval time.Duration `mapstructure:"keepalive_interval"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type           string              `mapstructure:"type"` // openai, anthropic
	APIKey         string              `mapstructure:"api_key"`
	BaseURL        string              `mapstructure:"base_url"`
	EmbeddingModel string              `mapstructure:"embedding_model"`
	Models         map[string]LLMModel `mapstructure:"models"`
	Timeout        time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name            string  `mapstructure:"name"`
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1K       float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

// LLMRoutingConfig defines which model to use for different tasks
type LLMRoutingConfig struct {
	Perspective string `mapstructure:"perspective"` // per-perspective reaction calls
	Synthesis   string `mapstructure:"synthesis"`   // divergence read over the room
	Fallback    string `mapstructure:"fallback"`
}

// AnalysisConfig controls the fan-out pipeline
type AnalysisConfig struct {
	Perspectives     []string `mapstructure:"perspectives"`      // subset of the known roles; empty = all
	SynthesisEnabled bool     `mapstructure:"synthesis_enabled"` // threaded into the streaming session, never a global
}

// StorageConfig contains persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig holds Postgres connection settings
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN builds a postgres connection string, preferring an explicit URL.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (storage.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// RedisConfig holds optional redis settings for the insights cache
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	CostTracking bool `mapstructure:"cost_tracking"`
}

// LoadConfig loads config from file with env overrides (GREENROOM_*)
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.listen", ":8080")
	viper.SetDefault("server.keepalive_interval", 15*time.Second)
	viper.SetDefault("analysis.synthesis_enabled", true)
	viper.SetDefault("llm.routing.fallback", "gpt-4o-mini")
	viper.SetDefault("storage.redis.cache_ttl", 60*time.Second)
	viper.SetDefault("telemetry.enabled", true)
	viper.SetDefault("telemetry.cost_tracking", true)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			viper.AddConfigPath(exeDir)
			viper.AddConfigPath(filepath.Join(exeDir, ".."))
			viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
		}
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("GREENROOM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// config file is optional; env vars and defaults still apply
		fmt.Fprintf(os.Stderr, "config: no config file loaded: %v\n", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		panic(fmt.Errorf("config: unable to decode into struct: %w", err))
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		for name, p := range cfg.LLM.Providers {
			if p.Type == "openai" && p.APIKey == "" {
				p.APIKey = key
				cfg.LLM.Providers[name] = p
			}
		}
	}
	return &cfg
}
