package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"earnbot/internal/bot"
	"earnbot/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{Telegram: config.TelegramConfig{Token: "t", OwnerUserIDs: []int64{5}}}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestMapNotifierConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Notifier.Workers = 3
	cfg.Notifier.OpportunityPause = "0s"

	nc, err := mapNotifierConfig(cfg)
	require.NoError(t, err)
	assert.True(t, nc.Enabled)
	assert.Equal(t, 12*time.Hour, nc.Delay)
	assert.Equal(t, 5*time.Minute, nc.Window)
	assert.Equal(t, 30.0, nc.RatePerSecond)
	assert.Equal(t, 3, nc.Workers)
	assert.Zero(t, nc.OpportunityPause)
	assert.True(t, nc.DeactivateUnreachable)
	assert.Equal(t, 10*time.Minute, nc.LeaseTTL)

	cfg.Notifier.Schedule = "every: nonsense"
	_, err = mapNotifierConfig(cfg)
	assert.Error(t, err)
	assert.Error(t, validateRuntime(cfg))
}

func TestMapStorageConfig(t *testing.T) {
	cfg := testConfig(t)
	sc, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, config.DefaultStorageURL, sc.Path)
	assert.Empty(t, sc.URL)

	cfg.Storage.URL = "postgres://bot@db/bot"
	cfg.Storage.Driver = "postgres"
	sc, err = mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "postgres://bot@db/bot", sc.URL)
	assert.Empty(t, sc.Path)
}

func TestMapLogConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Logging.Telegram = config.LoggingTelegram{Enabled: true, ChatID: -100, ThreadID: 7, MinLevel: "error"}
	lc := mapLogConfig(cfg)
	assert.Equal(t, "info", lc.Level)
	assert.True(t, lc.Alerts.Enabled)
	assert.Equal(t, int64(-100), lc.Alerts.ChatID)
	assert.Equal(t, 7, lc.Alerts.ThreadID)
}

func TestMapDispatchAndBotOptions(t *testing.T) {
	cfg := testConfig(t)
	do, err := mapDispatchOptions(cfg)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, do.SendTimeout)

	w := bot.NewWindow(1, time.Minute, nil)
	bo, err := mapBotOptions(cfg, w)
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, bo.Owners)
	assert.Equal(t, 15*time.Second, bo.HandlerTimeout)
	assert.Same(t, w, bo.Limiter)
}

func TestMapOpsConfig(t *testing.T) {
	cfg := testConfig(t)
	assert.False(t, mapOpsConfig(cfg).Enabled())
	cfg.Ops.Addr = " 127.0.0.1:9090 "
	oc := mapOpsConfig(cfg)
	assert.True(t, oc.Enabled())
	assert.Equal(t, "127.0.0.1:9090", oc.Addr)
}
