package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate reports every problem found, joined. It expects defaults applied.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(c.Telegram.Token) == "" {
		add(errors.New("telegram.token is required (TELEGRAM_BOT_TOKEN)"))
	}
	for _, id := range c.Telegram.OwnerUserIDs {
		if id <= 0 {
			add(fmt.Errorf("telegram.owner_user_ids: invalid id %d", id))
		}
	}
	_, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout)
	add(err)

	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "console", "json":
	default:
		add(fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		add(errors.New("logging.file.path is required when file logging is enabled"))
	}
	if c.Logging.Telegram.Enabled && c.Logging.Telegram.ChatID == 0 {
		add(errors.New("logging.telegram.chat_id is required when telegram logging is enabled"))
	}

	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		add(fmt.Errorf("storage.driver: unsupported driver %q", c.Storage.Driver))
	}
	_, err = ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	add(err)

	_, err = ParseDurationField("source.query_timeout", c.Source.QueryTimeout)
	add(err)

	n := c.Notifier
	if n.DelayHours != nil && *n.DelayHours < 0 {
		add(errors.New("notifier.delay_hours must be >= 0"))
	}
	if n.RatePerSecond < 0 {
		add(errors.New("notifier.rate_per_second must be >= 0"))
	}
	_, err = ParseDurationField("notifier.opportunity_pause", n.OpportunityPause)
	add(err)
	_, err = ParseDurationField("notifier.send_timeout", n.SendTimeout)
	add(err)
	if tz := strings.TrimSpace(n.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("notifier.timezone: %w", err))
		}
	}

	_, err = ParseDurationField("lease.ttl", c.Lease.TTL)
	add(err)
	_, err = ParseDurationField("bot.handler_timeout", c.Bot.HandlerTimeout)
	add(err)

	return errors.Join(errs...)
}

// Delay is the notification delay as a duration.
func (n NotifierConfig) Delay() time.Duration {
	if n.DelayHours == nil {
		return time.Duration(DefaultDelayHours * float64(time.Hour))
	}
	return time.Duration(*n.DelayHours * float64(time.Hour))
}

// Window is the half-width of the visibility window.
func (n NotifierConfig) Window() time.Duration {
	return time.Duration(n.WindowMinutes * float64(time.Minute))
}

// IsEnabled treats an unset flag as enabled.
func (n NotifierConfig) IsEnabled() bool { return n.Enabled == nil || *n.Enabled }

// ShouldDeactivate treats an unset flag as enabled.
func (n NotifierConfig) ShouldDeactivate() bool {
	return n.DeactivateUnreachable == nil || *n.DeactivateUnreachable
}

// UseExternalEligibility treats an unset flag as enabled.
func (s SourceConfig) UseExternalEligibility() bool {
	return s.ExternalEligibility == nil || *s.ExternalEligibility
}

// IsOwner reports whether id is listed in telegram.owner_user_ids.
func (t TelegramConfig) IsOwner(id int64) bool {
	for _, o := range t.OwnerUserIDs {
		if o == id {
			return true
		}
	}
	return false
}
