package config

import (
	"strings"

	"earnbot/internal/storage"
)

const (
	DefaultSchedule          = "5m"
	DefaultDelayHours        = 12.0
	DefaultWindowMinutes     = 5.0
	DefaultRatePerSecond     = 30.0
	DefaultWorkers           = 8
	DefaultOpportunityPause  = "1s"
	DefaultSendTimeout       = "10s"
	DefaultQueryTimeout      = "10s"
	DefaultPollTimeout       = "10s"
	DefaultStorageURL        = "./data/earnbot.db"
	DefaultBaseURL           = "https://earn.superteam.fun"
	DefaultCommandsPerMinute = 30
	DefaultBotWorkers        = 4
	DefaultHandlerTimeout    = "15s"
	DefaultLeaseTTL          = "10m"
)

func boolPtr(v bool) *bool { return &v }

// ApplyDefaults fills empty fields in place.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Telegram.PollTimeout) == "" {
		c.Telegram.PollTimeout = DefaultPollTimeout
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if strings.TrimSpace(c.Logging.Format) == "" {
		c.Logging.Format = "console"
	}

	if strings.TrimSpace(c.Storage.URL) == "" {
		c.Storage.URL = DefaultStorageURL
	}
	if strings.TrimSpace(c.Storage.Driver) == "" {
		c.Storage.Driver = storage.DriverFromURL(c.Storage.URL)
	}

	if strings.TrimSpace(c.Source.BaseURL) == "" {
		c.Source.BaseURL = DefaultBaseURL
	}
	if strings.TrimSpace(c.Source.QueryTimeout) == "" {
		c.Source.QueryTimeout = DefaultQueryTimeout
	}
	if c.Source.ExternalEligibility == nil {
		c.Source.ExternalEligibility = boolPtr(true)
	}

	n := &c.Notifier
	if n.Enabled == nil {
		n.Enabled = boolPtr(true)
	}
	if strings.TrimSpace(n.Schedule) == "" {
		n.Schedule = DefaultSchedule
	}
	if n.DelayHours == nil {
		d := DefaultDelayHours
		n.DelayHours = &d
	}
	if n.WindowMinutes <= 0 {
		n.WindowMinutes = DefaultWindowMinutes
	}
	if n.RatePerSecond == 0 {
		n.RatePerSecond = DefaultRatePerSecond
	}
	if n.Workers <= 0 {
		n.Workers = DefaultWorkers
	}
	if strings.TrimSpace(n.OpportunityPause) == "" {
		n.OpportunityPause = DefaultOpportunityPause
	}
	if strings.TrimSpace(n.SendTimeout) == "" {
		n.SendTimeout = DefaultSendTimeout
	}
	if n.DeactivateUnreachable == nil {
		n.DeactivateUnreachable = boolPtr(true)
	}

	if strings.TrimSpace(c.Lease.TTL) == "" {
		c.Lease.TTL = DefaultLeaseTTL
	}

	if c.Bot.CommandsPerMinute <= 0 {
		c.Bot.CommandsPerMinute = DefaultCommandsPerMinute
	}
	if c.Bot.Workers <= 0 {
		c.Bot.Workers = DefaultBotWorkers
	}
	if strings.TrimSpace(c.Bot.HandlerTimeout) == "" {
		c.Bot.HandlerTimeout = DefaultHandlerTimeout
	}
}
