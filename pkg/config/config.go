package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/pkg/tracing"
	"peerlink/pkg/validation"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Path           string        `yaml:"path"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongTimeout    time.Duration `yaml:"pong_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		MaxMessageSize int64         `yaml:"max_message_size"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"signal"`

	WebRTC struct {
		domain.RTCConfiguration `yaml:",inline"`
		PortRange               struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Compression domain.CompressionConfig `yaml:"compression"`

	Stats struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"stats"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		MetricsPath       string `yaml:"metrics_path"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled        bool          `yaml:"enabled"`
		Address        string        `yaml:"address"`
		Password       string        `yaml:"password"`
		DB             int           `yaml:"db"`
		PoolSize       int           `yaml:"pool_size"`
		Channel        string        `yaml:"channel"`
		ConnectTimeout time.Duration `yaml:"connect_timeout"`
	} `yaml:"redis"`

	Auth struct {
		Enabled   bool          `yaml:"enabled"`
		JWTSecret string        `yaml:"jwt_secret"`
		Issuer    string        `yaml:"issuer"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond float64 `yaml:"messages_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Tracing tracing.Config `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	if c.Signal.Path == "" {
		return fmt.Errorf("signal.path must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be greater than signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.MaxMessageSize <= 0 {
		return fmt.Errorf("signal.max_message_size must be > 0")
	}

	if err := validation.ValidateRTCConfiguration(c.WebRTC.RTCConfiguration); err != nil {
		return fmt.Errorf("webrtc: %w", err)
	}
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	if err := c.Compression.Validate(); err != nil {
		return fmt.Errorf("compression: %w", err)
	}

	if c.Stats.Interval <= 0 {
		return fmt.Errorf("stats.interval must be > 0")
	}

	if c.Monitoring.PrometheusEnabled && c.Monitoring.MetricsPath == "" {
		return fmt.Errorf("monitoring.metrics_path must not be empty when prometheus_enabled=true")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.Channel == "" {
			return fmt.Errorf("redis.channel must not be empty when redis.enabled=true")
		}
	}

	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret must not be empty when auth.enabled=true")
		}
		if c.Auth.TokenTTL <= 0 {
			return fmt.Errorf("auth.token_ttl must be > 0 when auth.enabled=true")
		}
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
	}

	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in [0, 1]")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
// A missing file yields the defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.Path = "/ws"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.MaxMessageSize = 64 * 1024
	cfg.Signal.AllowedOrigins = []string{"*"}

	cfg.WebRTC.RTCConfiguration = domain.DefaultRTCConfiguration()

	cfg.Compression = domain.DefaultCompressionConfig()

	cfg.Stats.Interval = 5 * time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsPath = "/metrics"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.Channel = "peerlink:events"
	cfg.Redis.ConnectTimeout = 10 * time.Second

	cfg.Auth.Enabled = false
	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.Issuer = "peerlink"
	cfg.Auth.TokenTTL = 15 * time.Minute

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100

	cfg.Tracing = tracing.DefaultConfig()

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	if addr := os.Getenv("PEERLINK_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("PEERLINK_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("PEERLINK_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if addr := os.Getenv("PEERLINK_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if url := os.Getenv("PEERLINK_JAEGER_URL"); url != "" {
		c.Tracing.JaegerURL = url
		c.Tracing.Enabled = true
	}
	if raw := os.Getenv("PEERLINK_STATS_INTERVAL"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid PEERLINK_STATS_INTERVAL %q: %w", raw, err)
		}
		c.Stats.Interval = d
	}
	if raw := os.Getenv("PEERLINK_AUTH_ENABLED"); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid PEERLINK_AUTH_ENABLED %q: %w", raw, err)
		}
		c.Auth.Enabled = enabled
	}
	return nil
}
