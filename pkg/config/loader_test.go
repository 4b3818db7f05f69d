package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Port      int           `env:"TEST_CFG_PORT" envDefault:"8080"`
	Secret    string        `env:"TEST_CFG_SECRET,required"`
	AccessTTL time.Duration `env:"TEST_CFG_ACCESS_TTL" envDefault:"1h"`
}

func TestLoad_DefaultsAndOverrides(t *testing.T) {
	t.Setenv("TEST_CFG_SECRET", "s3cret")
	t.Setenv("TEST_CFG_ACCESS_TTL", "30m")

	var cfg testConfig
	require.NoError(t, Load(&cfg))

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "s3cret", cfg.Secret)
	assert.Equal(t, 30*time.Minute, cfg.AccessTTL)
}

func TestLoad_MissingRequiredVariable(t *testing.T) {
	var cfg testConfig
	err := Load(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}
