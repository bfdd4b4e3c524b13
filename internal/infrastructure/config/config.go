package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds the immutable startup configuration snapshot. It is
// read once at boot; there is no hot reload.
type Config struct {
	Server    ServerConfig
	Backends  BackendsConfig
	Lease     LeaseConfig
	Cost      CostConfig
	Policy    PolicyConfig
	Transfer  TransferConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
	Alerting  AlertConfig
	Auth      AuthConfig
	Snapshot  SnapshotConfig
}

// ServerConfig holds HTTP gateway configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// BackendsConfig holds virtualization backend configuration.
type BackendsConfig struct {
	PrimaryName       string        `envconfig:"BACKEND_PRIMARY_NAME" default:"microvm"`
	PrimaryURL        string        `envconfig:"BACKEND_PRIMARY_URL" default:"http://127.0.0.1:7071"`
	FallbackName      string        `envconfig:"BACKEND_FALLBACK_NAME" default:"container"`
	FallbackURL       string        `envconfig:"BACKEND_FALLBACK_URL" default:"http://127.0.0.1:7072"`
	PrimaryGPU        bool          `envconfig:"BACKEND_PRIMARY_GPU" default:"true"`
	FailoverThreshold int           `envconfig:"FAILOVER_THRESHOLD" default:"3"`
	ProvisionBudget   time.Duration `envconfig:"PROVISION_BUDGET" default:"200ms"`
	RequestTimeout    time.Duration `envconfig:"BACKEND_REQUEST_TIMEOUT" default:"30s"`
	ProbeInterval     time.Duration `envconfig:"HEALTH_PROBE_INTERVAL" default:"30s"`
}

// LeaseConfig holds lease lifecycle configuration.
type LeaseConfig struct {
	DefaultImage       string        `envconfig:"DEFAULT_IMAGE" default:"general-purpose"`
	CatalogPath        string        `envconfig:"CATALOG_PATH" default:""`
	DefaultTTL         time.Duration `envconfig:"DEFAULT_TTL" default:"4h"`
	MaxTTL             time.Duration `envconfig:"MAX_TTL" default:"24h"`
	IdleTimeout        time.Duration `envconfig:"IDLE_TIMEOUT" default:"30m"`
	SweepInterval      time.Duration `envconfig:"SWEEP_INTERVAL" default:"0s"`
	MaxActive          int           `envconfig:"MAX_ACTIVE_LEASES" default:"64"`
	Retention          time.Duration `envconfig:"LEASE_RETENTION" default:"1h"`
	DefaultExecTimeout time.Duration `envconfig:"EXEC_TIMEOUT" default:"30s"`
	ExecOutputCap      int           `envconfig:"EXEC_OUTPUT_CAP" default:"1048576"`
}

// CostConfig holds spend tracking configuration.
type CostConfig struct {
	WarnThresholdUSD float64       `envconfig:"COST_WARN_THRESHOLD" default:"5.0"`
	HardCeilingUSD   float64       `envconfig:"COST_HARD_CEILING" default:"10.0"`
	BillingWindow    time.Duration `envconfig:"BILLING_WINDOW" default:"1h"`
}

// PolicyConfig holds security policy configuration. BlockMetadata is
// surfaced for completeness but metadata endpoints are denied even
// when it is false.
type PolicyConfig struct {
	NetworkIsolation bool     `envconfig:"NETWORK_ISOLATION" default:"true"`
	BlockMetadata    bool     `envconfig:"BLOCK_METADATA" default:"true"`
	EgressAllow      []string `envconfig:"EGRESS_ALLOW" default:""`
	UploadScan       bool     `envconfig:"UPLOAD_SCAN" default:"true"`
	ScanPolicyPath   string   `envconfig:"SCAN_POLICY_PATH" default:""`
}

// TransferConfig holds file transfer configuration.
type TransferConfig struct {
	MaxBytes   int64    `envconfig:"TRANSFER_MAX_BYTES" default:"33554432"`
	AllowGlobs []string `envconfig:"TRANSFER_ALLOW_GLOBS" default:"/workspace/**,/tmp/**"`
	DenyGlobs  []string `envconfig:"TRANSFER_DENY_GLOBS" default:"/proc/**,/sys/**,/dev/**,/etc/**"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// AlertConfig holds alert dispatch configuration. An empty WebhookURL
// disables delivery; alerts are still logged and counted.
type AlertConfig struct {
	WebhookURL  string        `envconfig:"ALERT_WEBHOOK_URL" default:""`
	Timeout     time.Duration `envconfig:"ALERT_TIMEOUT" default:"5s"`
	Sensitivity float64       `envconfig:"ALERT_SENSITIVITY" default:"2.0"`
	MinSamples  int           `envconfig:"ALERT_MIN_SAMPLES" default:"12"`
}

// AuthConfig holds gateway authentication configuration. An empty
// TokenHash disables auth.
type AuthConfig struct {
	TokenHash string `envconfig:"AUTH_TOKEN_HASH" default:""`
}

// SnapshotConfig holds lease registry persistence configuration. An
// empty Path disables snapshots.
type SnapshotConfig struct {
	Path     string        `envconfig:"SNAPSHOT_PATH" default:""`
	Interval time.Duration `envconfig:"SNAPSHOT_INTERVAL" default:"10s"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Validate rejects configurations the orchestrator cannot run under.
func (c *Config) Validate() error {
	if c.Backends.FailoverThreshold < 1 {
		return fmt.Errorf("failover threshold must be at least 1, got %d", c.Backends.FailoverThreshold)
	}
	if c.Lease.DefaultTTL <= 0 {
		return fmt.Errorf("default TTL must be positive, got %s", c.Lease.DefaultTTL)
	}
	if c.Lease.MaxTTL < c.Lease.DefaultTTL {
		return fmt.Errorf("max TTL %s is below default TTL %s", c.Lease.MaxTTL, c.Lease.DefaultTTL)
	}
	if c.Lease.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive, got %s", c.Lease.IdleTimeout)
	}
	if c.Cost.WarnThresholdUSD > c.Cost.HardCeilingUSD {
		return fmt.Errorf("cost warning threshold %.2f exceeds hard ceiling %.2f",
			c.Cost.WarnThresholdUSD, c.Cost.HardCeilingUSD)
	}
	if c.Cost.BillingWindow <= 0 {
		return fmt.Errorf("billing window must be positive, got %s", c.Cost.BillingWindow)
	}
	if c.Transfer.MaxBytes <= 0 {
		return fmt.Errorf("transfer size cap must be positive, got %d", c.Transfer.MaxBytes)
	}
	return nil
}

// EffectiveSweepInterval resolves the scheduler tick. Zero means derive
// one tenth of the idle threshold, floored at one second.
func (c *Config) EffectiveSweepInterval() time.Duration {
	if c.Lease.SweepInterval > 0 {
		return c.Lease.SweepInterval
	}
	derived := c.Lease.IdleTimeout / 10
	if derived < time.Second {
		derived = time.Second
	}
	return derived
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8080",
			Host: "0.0.0.0",
		},
		Backends: BackendsConfig{
			PrimaryName:       "microvm",
			PrimaryURL:        "http://127.0.0.1:7071",
			FallbackName:      "container",
			FallbackURL:       "http://127.0.0.1:7072",
			PrimaryGPU:        true,
			FailoverThreshold: 3,
			ProvisionBudget:   200 * time.Millisecond,
			RequestTimeout:    30 * time.Second,
			ProbeInterval:     30 * time.Second,
		},
		Lease: LeaseConfig{
			DefaultImage:       "general-purpose",
			DefaultTTL:         4 * time.Hour,
			MaxTTL:             24 * time.Hour,
			IdleTimeout:        30 * time.Minute,
			MaxActive:          64,
			Retention:          time.Hour,
			DefaultExecTimeout: 30 * time.Second,
			ExecOutputCap:      1 << 20,
		},
		Cost: CostConfig{
			WarnThresholdUSD: 5.0,
			HardCeilingUSD:   10.0,
			BillingWindow:    time.Hour,
		},
		Policy: PolicyConfig{
			NetworkIsolation: true,
			BlockMetadata:    true,
			UploadScan:       true,
		},
		Transfer: TransferConfig{
			MaxBytes:   32 << 20,
			AllowGlobs: []string{"/workspace/**", "/tmp/**"},
			DenyGlobs:  []string{"/proc/**", "/sys/**", "/dev/**", "/etc/**"},
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
		Alerting: AlertConfig{
			Timeout:     5 * time.Second,
			Sensitivity: 2.0,
			MinSamples:  12,
		},
		Snapshot: SnapshotConfig{
			Interval: 10 * time.Second,
		},
	}
}
