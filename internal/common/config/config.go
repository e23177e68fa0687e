// Package config loads the supervisor's configuration from defaults,
// an optional YAML file, and environment variables, in that order of
// increasing precedence, using viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root configuration for the supervisor process.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Process   ProcessConfig   `mapstructure:"process"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Bus       BusConfig       `mapstructure:"bus"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Knowledge KnowledgeConfig `mapstructure:"knowledge"`
}

// ServerConfig controls the HTTP/WebSocket listener.
type ServerConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	WSPath         string `mapstructure:"wsPath"`
	MaxConnections int    `mapstructure:"maxConnections"`
}

// ProcessConfig controls supervisor-wide process behavior.
type ProcessConfig struct {
	RingCapacity      int `mapstructure:"ringCapacity"`
	StopTimeoutMs     int `mapstructure:"stopTimeoutMs"`
	ShutdownTimeoutMs int `mapstructure:"shutdownTimeoutMs"`
	MaxRestartCount   int `mapstructure:"maxRestartCount"`
}

// GatewayConfig controls gateway-level batching and limits.
type GatewayConfig struct {
	LogBatchWindowMs int    `mapstructure:"logBatchWindowMs"`
	StaticRoot       string `mapstructure:"staticRoot"`
}

// BusConfig selects the event bus backend.
type BusConfig struct {
	NATSURL string `mapstructure:"natsUrl"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// KnowledgeConfig controls the external knowledge store collaborator.
type KnowledgeConfig struct {
	Root string `mapstructure:"root"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.wsPath", "/ws")
	v.SetDefault("server.maxConnections", 1000)

	v.SetDefault("process.ringCapacity", 1000)
	v.SetDefault("process.stopTimeoutMs", 5000)
	v.SetDefault("process.shutdownTimeoutMs", 10000)
	v.SetDefault("process.maxRestartCount", 0)

	v.SetDefault("gateway.logBatchWindowMs", 100)
	v.SetDefault("gateway.staticRoot", "./public")

	v.SetDefault("bus.natsUrl", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("knowledge.root", "./knowledge")
}

// Load reads configuration from defaults, ./config.yaml or
// /etc/supervisor/config.yaml, and SUPERVISOR_-prefixed environment
// variables, in that order of increasing precedence.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath is Load with an explicit config file path override, used by
// tests and by operators who don't want the default search path.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SUPERVISOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Externally documented variables that don't follow the
	// SUPERVISOR_SECTION_FIELD convention.
	_ = v.BindEnv("server.port", "WS_PORT")
	_ = v.BindEnv("logging.level", "DEBUG")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/supervisor")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// DEBUG is a boolean toggle at the external interface but maps onto a
	// textual log level internally; normalize it here since BindEnv alone
	// copies the raw string.
	if raw := v.GetString("logging.level"); raw != "" && raw != "debug" && raw != "info" && raw != "warn" && raw != "error" {
		if raw == "0" || strings.EqualFold(raw, "false") || raw == "" {
			cfg.Logging.Level = "info"
		} else {
			cfg.Logging.Level = "debug"
		}
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", cfg.Server.Port)
	}
	if cfg.Process.RingCapacity < 1 {
		return fmt.Errorf("process.ringCapacity must be positive")
	}
	if cfg.Process.StopTimeoutMs < 1 {
		return fmt.Errorf("process.stopTimeoutMs must be positive")
	}
	if cfg.Process.ShutdownTimeoutMs < 1 {
		return fmt.Errorf("process.shutdownTimeoutMs must be positive")
	}
	if cfg.Gateway.LogBatchWindowMs < 1 {
		return fmt.Errorf("gateway.logBatchWindowMs must be positive")
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q invalid", cfg.Logging.Level)
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format %q invalid", cfg.Logging.Format)
	}
	return nil
}
