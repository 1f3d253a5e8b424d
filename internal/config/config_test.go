package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithEnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("OPERATING_ADDRESS", "op-addr")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("TONCENTER_API_KEY", "secret-key")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "op-addr", cfg.Sweep.OperatingAddress)
	require.Equal(t, "secret-key", cfg.Ledger.APIKey)
	require.Equal(t, "debug", cfg.Logging.Level)

	// Untouched defaults survive.
	require.Equal(t, int64(10_000_000), cfg.Sweep.FeeReserve)
	require.Equal(t, int64(50_000_000), cfg.Sweep.MinTransfer)
	require.Equal(t, 10, cfg.Verifier.Attempts)
	require.Equal(t, 30*time.Minute, cfg.Verifier.FreshnessWindow.Std())
	require.Equal(t, []string{"buy"}, cfg.Memo.Tags)
}

func TestLoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custody.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 8181
scanner:
  interval: 2s
verifier:
  attempts: 4
  initial_delay: 1s
  delay: 500ms
sweep:
  operating_address: yaml-op
  fee_reserve: 20000000
memo:
  tags: [buy, topup]
`), 0o644))
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 8181, cfg.Server.Port)
	require.Equal(t, 2*time.Second, cfg.Scanner.Interval.Std())
	require.Equal(t, 4, cfg.Verifier.Attempts)
	require.Equal(t, time.Second, cfg.Verifier.InitialDelay.Std())
	require.Equal(t, 500*time.Millisecond, cfg.Verifier.Delay.Std())
	require.Equal(t, "yaml-op", cfg.Sweep.OperatingAddress)
	require.Equal(t, int64(20_000_000), cfg.Sweep.FeeReserve)
	require.Equal(t, []string{"buy", "topup"}, cfg.Memo.Tags)
}

func TestLoadRequiresOperatingAddress(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("OPERATING_ADDRESS", "")

	_, err := Load()
	require.Error(t, err)
}

func TestEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custody.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sweep:
  operating_address: yaml-op
`), 0o644))
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("OPERATING_ADDRESS", "env-op")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "env-op", cfg.Sweep.OperatingAddress)
}

func TestDurationRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custody.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scanner:
  interval: soon
sweep:
  operating_address: op
`), 0o644))
	t.Setenv("CONFIG_PATH", path)

	_, err := Load()
	require.Error(t, err)
}
