package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, 5*time.Second, cfg.ProviderTimeout)
	require.Equal(t, 2, cfg.ProviderRetries)
	require.Equal(t, 3, cfg.OptSwapPasses)
	require.False(t, cfg.WeatherRequired)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.env"), []byte("PORT=9000\nPROVIDER_RETRIES=4\n"), 0o600))
	t.Setenv("PROVIDER_TIMEOUT", "750ms")
	t.Setenv("WEATHER_REQUIRED", "true")

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "9000", cfg.Port)
	require.Equal(t, 4, cfg.ProviderRetries)
	require.Equal(t, 750*time.Millisecond, cfg.ProviderTimeout)
	require.True(t, cfg.WeatherRequired)
}
