package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the object database server.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Transport TransportConfig `mapstructure:"transport"`
	ObjectDB  ObjectDBConfig  `mapstructure:"objectdb"`
	Auth      AuthConfig      `mapstructure:"auth"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig contains network level settings for the WebSocket listener.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// TransportConfig controls per-connection buffering over the WebSocket transport.
type TransportConfig struct {
	Path            string `mapstructure:"path"`
	SendChannelSize int    `mapstructure:"send_channel_size"`
}

// ObjectDBConfig controls the transaction engine and liveness monitor, per
// spec.md §6 "Configuration": heartbeat interval, long-transaction warning
// threshold, and a verbose flag.
type ObjectDBConfig struct {
	HeartbeatInterval        time.Duration `mapstructure:"heartbeat_interval"`
	LongTransactionThreshold time.Duration `mapstructure:"long_transaction_threshold"`
	Verbose                  bool          `mapstructure:"verbose"`
}

// AuthConfig controls optional bearer-token authentication at connect time.
type AuthConfig struct {
	Required      bool          `mapstructure:"required"`
	SecretKey     string        `mapstructure:"secret_key"`
	TokenDuration time.Duration `mapstructure:"token_duration"`
}

// NATSConfig controls the optional best-effort transaction replication publisher.
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// MetricsConfig controls the Prometheus/health endpoints.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Endpoint   string `mapstructure:"endpoint"`
}

// LoggingConfig controls zap logger level/encoding.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8082)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)

	v.SetDefault("transport.path", "/ws")
	v.SetDefault("transport.send_channel_size", 256)

	v.SetDefault("objectdb.heartbeat_interval", 5*time.Second)
	v.SetDefault("objectdb.long_transaction_threshold", 1*time.Second)
	v.SetDefault("objectdb.verbose", false)

	v.SetDefault("auth.required", false)
	v.SetDefault("auth.secret_key", "")
	v.SetDefault("auth.token_duration", 24*time.Hour)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9095")
	v.SetDefault("metrics.endpoint", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetConfigName("objectdb")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("OBJECTDB")
	v.AutomaticEnv()

	// Attempt to read config file (optional)
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	if cfg.Transport.SendChannelSize <= 0 {
		cfg.Transport.SendChannelSize = 256
	}
	if cfg.ObjectDB.HeartbeatInterval <= 0 {
		cfg.ObjectDB.HeartbeatInterval = 5 * time.Second
	}
	if cfg.ObjectDB.LongTransactionThreshold <= 0 {
		cfg.ObjectDB.LongTransactionThreshold = 1 * time.Second
	}

	return cfg, nil
}
