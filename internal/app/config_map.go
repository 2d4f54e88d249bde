package app

import (
	"strings"
	"time"

	"earnbot/internal/bot"
	"earnbot/internal/config"
	"earnbot/internal/dispatch"
	"earnbot/internal/notifier"
	"earnbot/internal/opsserver"
	"earnbot/internal/source"
	"earnbot/internal/storage"
	telegram "earnbot/internal/transport/telegram/adapter"
	logx "earnbot/pkg/logx"
)

// The map* helpers translate the file/env config into component configs.
// They expect a validated config with defaults applied.

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Format:  l.Format,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    l.Telegram.Enabled,
			ChatID:     l.Telegram.ChatID,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: cfg.Telegram.Token, APIURL: cfg.Telegram.APIURL, PollTimeout: poll}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	sc := storage.Config{
		Driver:      cfg.Storage.Driver,
		BusyTimeout: busy,
		MaxConns:    cfg.Storage.MaxConns,
	}
	if sc.Driver == "postgres" {
		sc.URL = cfg.Storage.URL
	} else {
		sc.Path = strings.TrimPrefix(cfg.Storage.URL, "sqlite://")
	}
	return sc, nil
}

func mapSourceConfig(cfg *config.Config) (source.Config, error) {
	qt, err := config.ParseDurationOrDefault("source.query_timeout", cfg.Source.QueryTimeout, 10*time.Second)
	if err != nil {
		return source.Config{}, err
	}
	return source.Config{
		URL:          cfg.Source.URL,
		BaseURL:      cfg.Source.BaseURL,
		QueryTimeout: qt,
		MaxConns:     cfg.Source.MaxConns,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	pause, err := config.ParseDurationField("notifier.opportunity_pause", n.OpportunityPause)
	if err != nil {
		return notifier.Config{}, err
	}
	ttl, err := config.ParseDurationField("lease.ttl", cfg.Lease.TTL)
	if err != nil {
		return notifier.Config{}, err
	}
	nc := notifier.Config{
		Enabled:               n.IsEnabled(),
		Schedule:              n.Schedule,
		Delay:                 n.Delay(),
		Window:                n.Window(),
		RatePerSecond:         n.RatePerSecond,
		Workers:               n.Workers,
		OpportunityPause:      pause,
		DeactivateUnreachable: n.ShouldDeactivate(),
		LeaseTTL:              ttl,
		Timezone:              n.Timezone,
	}
	if _, err := notifier.ParseSchedule(nc.Schedule); err != nil {
		return notifier.Config{}, err
	}
	return nc, nil
}

func mapDispatchOptions(cfg *config.Config) (dispatch.Options, error) {
	st, err := config.ParseDurationOrDefault("notifier.send_timeout", cfg.Notifier.SendTimeout, dispatch.DefaultSendTimeout)
	if err != nil {
		return dispatch.Options{}, err
	}
	return dispatch.Options{SendTimeout: st, DisablePreview: cfg.Notifier.DisablePreview}, nil
}

func mapOpsConfig(cfg *config.Config) opsserver.Config {
	return opsserver.Config{
		Addr:          strings.TrimSpace(cfg.Ops.Addr),
		Token:         cfg.Ops.Token,
		Pprof:         cfg.Ops.Pprof,
		AllowInsecure: cfg.Ops.AllowInsecure,
	}
}

func mapBotOptions(cfg *config.Config, limiter *bot.Window) (bot.Options, error) {
	ht, err := config.ParseDurationOrDefault("bot.handler_timeout", cfg.Bot.HandlerTimeout, 15*time.Second)
	if err != nil {
		return bot.Options{}, err
	}
	return bot.Options{
		Workers:        cfg.Bot.Workers,
		HandlerTimeout: ht,
		Owners:         cfg.Telegram.OwnerUserIDs,
		Limiter:        limiter,
	}, nil
}

// validateRuntime checks what config.Validate cannot: values only the
// components know how to parse.
func validateRuntime(cfg *config.Config) error {
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchOptions(cfg); err != nil {
		return err
	}
	if _, err := mapBotOptions(cfg, nil); err != nil {
		return err
	}
	_, err := mapStorageConfig(cfg)
	return err
}
