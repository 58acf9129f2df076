package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Server   ServerConfig   `mapstructure:"server"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type UpstreamConfig struct {
	URL            string        `mapstructure:"url"`
	BackoffMin     time.Duration `mapstructure:"backoff_min"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	MaxRetries     int           `mapstructure:"max_retries"`
	DialRatePerSec int           `mapstructure:"dial_rate_per_sec"`
	EventBuffer    int           `mapstructure:"event_buffer"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StreamConfig struct {
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
	SSEPolicy        string        `mapstructure:"sse_policy"` // "drop_oldest" or "disconnect"
	WSPolicy         string        `mapstructure:"ws_policy"`
	Heartbeat        time.Duration `mapstructure:"heartbeat"`
}

type LoggingConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
	Level     string `mapstructure:"level"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("upstream.backoff_min", "500ms")
	v.SetDefault("upstream.backoff_max", "30s")
	v.SetDefault("upstream.max_retries", 10)
	v.SetDefault("upstream.dial_rate_per_sec", 2)
	v.SetDefault("upstream.event_buffer", 256)
	v.SetDefault("upstream.ping_interval", "30s")
	v.SetDefault("upstream.pong_wait", "60s")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("stream.subscriber_buffer", 256)
	v.SetDefault("stream.sse_policy", "drop_oldest")
	v.SetDefault("stream.ws_policy", "disconnect")
	v.SetDefault("stream.heartbeat", "15s")
	v.SetDefault("logging.enabled", false)
	v.SetDefault("logging.directory", "logs")
	v.SetDefault("logging.level", "info")

	// Environment variable support
	v.SetEnvPrefix("FLASHRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Explicitly bind nested keys to env vars
	_ = v.BindEnv("upstream.url", "FLASHRELAY_UPSTREAM_URL")

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("default")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Upstream.URL == "" {
		return fmt.Errorf("upstream.url is required (set FLASHRELAY_UPSTREAM_URL env var)")
	}
	u, err := url.Parse(c.Upstream.URL)
	if err != nil {
		return fmt.Errorf("upstream.url is not a valid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("upstream.url scheme must be ws or wss, got %q", u.Scheme)
	}
	if c.Upstream.BackoffMin <= 0 || c.Upstream.BackoffMax < c.Upstream.BackoffMin {
		return fmt.Errorf("upstream backoff bounds invalid: min=%s max=%s", c.Upstream.BackoffMin, c.Upstream.BackoffMax)
	}
	if c.Upstream.MaxRetries < 1 {
		return fmt.Errorf("upstream.max_retries must be >= 1")
	}
	if c.Upstream.DialRatePerSec < 1 {
		return fmt.Errorf("upstream.dial_rate_per_sec must be >= 1")
	}
	if c.Upstream.EventBuffer < 1 {
		return fmt.Errorf("upstream.event_buffer must be >= 1")
	}
	// Ticker intervals must be positive; time.NewTicker panics otherwise.
	if c.Upstream.PingInterval <= 0 {
		return fmt.Errorf("upstream.ping_interval must be positive")
	}
	if c.Upstream.PongWait <= c.Upstream.PingInterval {
		return fmt.Errorf("upstream.pong_wait must be greater than ping_interval: ping=%s pong=%s",
			c.Upstream.PingInterval, c.Upstream.PongWait)
	}
	if c.Stream.SubscriberBuffer < 1 {
		return fmt.Errorf("stream.subscriber_buffer must be >= 1")
	}
	if c.Stream.Heartbeat <= 0 {
		return fmt.Errorf("stream.heartbeat must be positive")
	}
	for key, policy := range map[string]string{
		"stream.sse_policy": c.Stream.SSEPolicy,
		"stream.ws_policy":  c.Stream.WSPolicy,
	} {
		if policy != "drop_oldest" && policy != "disconnect" {
			return fmt.Errorf("%s must be 'drop_oldest' or 'disconnect', got %q", key, policy)
		}
	}
	return nil
}
