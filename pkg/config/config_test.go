package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catgadev/catga/pkg/config"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("CATGA_TRANSPORT", "")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.EnvDevelopment, cfg.Environment)
	assert.Equal(t, "inmemory", cfg.Transport)
	assert.Equal(t, "json", cfg.Serializer)
	assert.Equal(t, 3, cfg.RetryMaxAttempts)
	assert.Equal(t, 5, cfg.CircuitFailureThreshold)
}

func TestValidateForProductionNoopsOutsideProduction(t *testing.T) {
	cfg := &config.Config{Environment: config.EnvDevelopment, Transport: "inmemory"}
	assert.NoError(t, config.ValidateForProduction(cfg))
}

func TestValidateForProductionRejectsInmemoryTransport(t *testing.T) {
	cfg := &config.Config{
		Environment:      config.EnvProduction,
		Transport:        "inmemory",
		RetryMaxAttempts: 3,
		OutboxBatchSize:  100,
		LogLevel:         "info",
	}
	err := config.ValidateForProduction(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CATGA_TRANSPORT")
}

func TestValidateForProductionRejectsDebugLogging(t *testing.T) {
	cfg := &config.Config{
		Environment:      config.EnvProduction,
		Transport:        "nats",
		RetryMaxAttempts: 3,
		OutboxBatchSize:  100,
		LogLevel:         "debug",
	}
	err := config.ValidateForProduction(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOG_LEVEL")
}

func TestValidateForProductionAcceptsSafeConfig(t *testing.T) {
	cfg := &config.Config{
		Environment:      config.EnvProduction,
		Transport:        "redis",
		RetryMaxAttempts: 5,
		OutboxBatchSize:  50,
		LogLevel:         "info",
	}
	assert.NoError(t, config.ValidateForProduction(cfg))
}
