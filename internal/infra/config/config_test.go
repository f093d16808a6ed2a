package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidatesExceptDSN(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Validate()
	require.Error(t, err, "defaults carry no DSN")

	cfg.Database.DSN = "postgres://localhost/mrmarket"
	require.NoError(t, cfg.Validate())
}

func TestLoadLayersOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
database:
  dsn: postgres://localhost/mrmarket
exchange:
  venue: fake
  http_timeout: 20s
strategy:
  kill_switch_enabled: true
  max_open_orders: 3
saga:
  payment_timeout: 5m
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "fake", cfg.Exchange.Venue)
	require.Equal(t, "20s", cfg.Exchange.HTTPTimeout)
	require.True(t, cfg.Strategy.KillSwitchEnabled)
	require.Equal(t, 3, cfg.Strategy.MaxOpenOrders)
	require.Equal(t, "5m", cfg.Saga.PaymentTimeout)
	require.Equal(t, "30m", cfg.Saga.WithdrawalTimeout, "unset fields keep defaults")
	require.Equal(t, "0.00000001", cfg.Saga.DepositTolerance)
}

func TestLoadRejectsBadVenue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
database:
  dsn: postgres://localhost/mrmarket
exchange:
  venue: hyperliquid
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := Load(path)
	require.ErrorContains(t, err, "exchange.venue")
}

func TestLoadRejectsBadDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
database:
  dsn: postgres://localhost/mrmarket
tick:
  interval: banana
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := Load(path)
	require.ErrorContains(t, err, "tick.interval")
}

func TestNormaliseClampsCounts(t *testing.T) {
	cfg := Config{}
	cfg.Normalise()
	require.Equal(t, 10, cfg.Strategy.MaxOpenOrders)
	require.Equal(t, 4, cfg.Queue.Workers)
	require.Equal(t, 60, cfg.Tick.ReconcileEvery)
}

func TestDurationHelper(t *testing.T) {
	require.Equal(t, 10*time.Minute, Duration("10m", time.Second))
	require.Equal(t, time.Second, Duration("", time.Second))
	require.Equal(t, time.Second, Duration("garbage", time.Second))
	require.Equal(t, time.Second, Duration("-5s", time.Second))
}
