// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/scrapeguard/internal/egress"
	"github.com/JakeFAU/scrapeguard/internal/webhook"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Scrape    ScrapeConfig    `mapstructure:"scrape"`
	Egress    EgressConfig    `mapstructure:"egress"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// ScrapeConfig governs the job pipeline and its cancellation budgets.
type ScrapeConfig struct {
	Concurrency   int           `mapstructure:"concurrency"`
	QueueDepth    int           `mapstructure:"queue_depth"`
	UserAgent     string        `mapstructure:"user_agent"`
	Timeout       time.Duration `mapstructure:"timeout"`
	EngineTimeout time.Duration `mapstructure:"engine_timeout"`
	Engines       []string      `mapstructure:"engines"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	MaxBodyBytes  int64         `mapstructure:"max_body_bytes"`
}

// EgressConfig mirrors egress.Policy.
type EgressConfig struct {
	ProxyURL            string        `mapstructure:"proxy_url"`
	ProxyUsername       string        `mapstructure:"proxy_username"`
	ProxyPassword       string        `mapstructure:"proxy_password"`
	SkipTLSVerify       bool          `mapstructure:"skip_tls_verify"`
	MaxRedirects        int           `mapstructure:"max_redirects"`
	AllowPrivateTargets bool          `mapstructure:"allow_private_targets"`
	PerHostRPS          float64       `mapstructure:"per_host_rps"`
	PerHostBurst        int           `mapstructure:"per_host_burst"`
	BlockedHosts        []string      `mapstructure:"blocked_hosts"`
	DialTimeout         time.Duration `mapstructure:"dial_timeout"`
	TLSHandshakeTimeout time.Duration `mapstructure:"tls_handshake_timeout"`
}

// WebhookConfig configures the webhook queue publisher. The broker URL is
// only checked when the first event is published.
type WebhookConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	BrokerURL       string        `mapstructure:"broker_url"`
	Queue           string        `mapstructure:"queue"`
	ReconnectDelay  time.Duration `mapstructure:"reconnect_delay"`
	DrainTimeout    time.Duration `mapstructure:"drain_timeout"`
	SigningSecret   string        `mapstructure:"signing_secret"`
	PublishRetries  int           `mapstructure:"publish_retries"`
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TelemetryConfig toggles tracing.
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	Insecure     bool   `mapstructure:"insecure"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPEGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("scrape.concurrency", 4)
	v.SetDefault("scrape.queue_depth", 64)
	v.SetDefault("scrape.user_agent", "scrapeguard/0.1")
	v.SetDefault("scrape.timeout", "60s")
	v.SetDefault("scrape.engine_timeout", "30s")
	v.SetDefault("scrape.engines", []string{"http", "colly"})
	v.SetDefault("scrape.respect_robots", false)
	v.SetDefault("scrape.max_body_bytes", 10*1024*1024)
	v.SetDefault("egress.max_redirects", 5000)
	v.SetDefault("egress.allow_private_targets", false)
	v.SetDefault("egress.per_host_burst", 1)
	v.SetDefault("egress.dial_timeout", "10s")
	v.SetDefault("egress.tls_handshake_timeout", "15s")
	v.SetDefault("webhook.enabled", true)
	v.SetDefault("webhook.queue", webhook.DefaultQueue)
	v.SetDefault("webhook.reconnect_delay", webhook.DefaultReconnectDelay.String())
	v.SetDefault("webhook.drain_timeout", webhook.DefaultDrainTimeout.String())
	v.SetDefault("webhook.publish_retries", 3)
	v.SetDefault("webhook.delivery_timeout", "10s")
	v.SetDefault("logging.development", true)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "scrapeguard")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scrape.Concurrency <= 0 {
		return fmt.Errorf("scrape.concurrency must be > 0")
	}
	if c.Scrape.QueueDepth <= 0 {
		return fmt.Errorf("scrape.queue_depth must be > 0")
	}
	if c.Scrape.Timeout <= 0 {
		return fmt.Errorf("scrape.timeout must be > 0")
	}
	if c.Scrape.EngineTimeout <= 0 {
		return fmt.Errorf("scrape.engine_timeout must be > 0")
	}
	if len(c.Scrape.Engines) == 0 {
		return fmt.Errorf("scrape.engines must name at least one engine")
	}
	if c.Egress.MaxRedirects < 0 {
		return fmt.Errorf("egress.max_redirects must be >= 0")
	}
	if c.Egress.PerHostRPS < 0 {
		return fmt.Errorf("egress.per_host_rps must be >= 0")
	}
	if c.Egress.ProxyPassword != "" && c.Egress.ProxyUsername == "" {
		return fmt.Errorf("egress.proxy_username must be set when a proxy password is given")
	}
	if c.Webhook.PublishRetries < 0 {
		return fmt.Errorf("webhook.publish_retries must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// EgressPolicy converts the egress section into an egress.Policy.
func (c Config) EgressPolicy() egress.Policy {
	return egress.Policy{
		ProxyURL:            c.Egress.ProxyURL,
		ProxyUsername:       c.Egress.ProxyUsername,
		ProxyPassword:       c.Egress.ProxyPassword,
		SkipTLSVerify:       c.Egress.SkipTLSVerify,
		MaxRedirects:        c.Egress.MaxRedirects,
		AllowPrivateTargets: c.Egress.AllowPrivateTargets,
		PerHostRPS:          c.Egress.PerHostRPS,
		PerHostBurst:        c.Egress.PerHostBurst,
		BlockedHosts:        c.Egress.BlockedHosts,
		DialTimeout:         c.Egress.DialTimeout,
		TLSHandshakeTimeout: c.Egress.TLSHandshakeTimeout,
	}
}

// PublisherConfig converts the webhook section into a webhook.Config.
func (c Config) PublisherConfig() webhook.Config {
	return webhook.Config{
		URL:            c.Webhook.BrokerURL,
		Queue:          c.Webhook.Queue,
		ReconnectDelay: c.Webhook.ReconnectDelay,
		DrainTimeout:   c.Webhook.DrainTimeout,
		SigningSecret:  c.Webhook.SigningSecret,
	}
}
