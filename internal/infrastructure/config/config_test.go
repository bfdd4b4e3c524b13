package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "general-purpose", cfg.Lease.DefaultImage)
	assert.Equal(t, 3, cfg.Backends.FailoverThreshold)
	assert.Equal(t, 200*time.Millisecond, cfg.Backends.ProvisionBudget)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero failover threshold", func(c *Config) { c.Backends.FailoverThreshold = 0 }},
		{"zero ttl", func(c *Config) { c.Lease.DefaultTTL = 0 }},
		{"max ttl below default", func(c *Config) { c.Lease.MaxTTL = c.Lease.DefaultTTL - time.Hour }},
		{"zero idle timeout", func(c *Config) { c.Lease.IdleTimeout = 0 }},
		{"warn above ceiling", func(c *Config) { c.Cost.WarnThresholdUSD = c.Cost.HardCeilingUSD + 1 }},
		{"zero billing window", func(c *Config) { c.Cost.BillingWindow = 0 }},
		{"zero transfer cap", func(c *Config) { c.Transfer.MaxBytes = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEffectiveSweepInterval(t *testing.T) {
	cfg := Default()

	// Derived: one tenth of the idle threshold.
	cfg.Lease.IdleTimeout = 30 * time.Minute
	cfg.Lease.SweepInterval = 0
	assert.Equal(t, 3*time.Minute, cfg.EffectiveSweepInterval())

	// Explicit interval wins.
	cfg.Lease.SweepInterval = 10 * time.Second
	assert.Equal(t, 10*time.Second, cfg.EffectiveSweepInterval())

	// Floor at one second for very small idle thresholds.
	cfg.Lease.SweepInterval = 0
	cfg.Lease.IdleTimeout = 2 * time.Second
	assert.Equal(t, time.Second, cfg.EffectiveSweepInterval())
}
