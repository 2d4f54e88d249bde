package config

// Config is the on-disk configuration. Every section is optional; environment
// variables override file values and defaults fill whatever is still empty.
//
// Durations are Go duration strings ("10s", "5m").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Source   SourceConfig   `json:"source"`
	Notifier NotifierConfig `json:"notifier"`
	Lease    LeaseConfig    `json:"lease"`
	Bot      BotConfig      `json:"bot"`
	Ops      OpsConfig      `json:"ops"`
}

type TelegramConfig struct {
	Token        string  `json:"token" env:"TELEGRAM_BOT_TOKEN"`
	OwnerUserIDs []int64 `json:"owner_user_ids" env:"OWNER_USER_IDS" envSeparator:","`
	APIURL       string  `json:"api_url,omitempty" env:"TELEGRAM_API_URL"`
	PollTimeout  string  `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level" env:"LOG_LEVEL"`
	Format   string          `json:"format,omitempty" env:"LOG_FORMAT"` // console | json
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram mirrors warnings and errors into an operator chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig locates the bot's own database.
//
// URL is either a SQLite file path or a postgres:// URL; Driver is inferred
// from it when empty.
type StorageConfig struct {
	Driver      string `json:"driver,omitempty" env:"BOT_DATABASE_DRIVER"`
	URL         string `json:"url" env:"BOT_DATABASE_URL"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int    `json:"max_conns,omitempty"`
}

// SourceConfig locates the upstream opportunity catalog. An empty URL runs
// against an empty in-memory catalog, which is only useful for development.
type SourceConfig struct {
	URL          string `json:"url" env:"EARN_DATABASE_URL"`
	BaseURL      string `json:"base_url,omitempty" env:"EARN_BASE_URL"`
	QueryTimeout string `json:"query_timeout,omitempty"`
	MaxConns     int32  `json:"max_conns,omitempty"`
	// ExternalEligibility enables the per-user catalog check for linked recipients.
	ExternalEligibility *bool `json:"external_eligibility,omitempty"`
}

type NotifierConfig struct {
	Enabled *bool `json:"enabled,omitempty"`

	// Schedule is a cron expression, a duration or HH:MM.
	Schedule string `json:"schedule,omitempty" env:"NOTIFY_SCHEDULE"`

	DelayHours    *float64 `json:"delay_hours,omitempty" env:"NOTIFICATION_DELAY_HOURS"`
	WindowMinutes float64  `json:"window_minutes,omitempty" env:"VISIBILITY_WINDOW_MINUTES"`
	RatePerSecond float64  `json:"rate_per_second,omitempty" env:"RATE_LIMIT_PER_SECOND"`
	Workers       int      `json:"workers,omitempty" env:"NOTIFY_WORKERS"`

	OpportunityPause      string `json:"opportunity_pause,omitempty"`
	SendTimeout           string `json:"send_timeout,omitempty"`
	DeactivateUnreachable *bool  `json:"deactivate_unreachable,omitempty"`
	DisablePreview        bool   `json:"disable_preview,omitempty"`
	Timezone              string `json:"timezone,omitempty" env:"NOTIFY_TIMEZONE"`
}

// LeaseConfig enables a Redis tick lease when several replicas share a ledger.
type LeaseConfig struct {
	RedisURL string `json:"redis_url,omitempty" env:"REDIS_URL"`
	Prefix   string `json:"prefix,omitempty"`
	TTL      string `json:"ttl,omitempty"`
}

// BotConfig tunes the command surface.
type BotConfig struct {
	CommandsPerMinute int    `json:"commands_per_minute,omitempty"`
	Workers           int    `json:"workers,omitempty"`
	HandlerTimeout    string `json:"handler_timeout,omitempty"`
}

// OpsConfig controls the operational HTTP listener (/metrics, /healthz, pprof).
//
// Prefer a loopback address. A non-loopback address requires a token or
// allow_insecure.
type OpsConfig struct {
	Addr          string `json:"addr,omitempty" env:"OPS_ADDR"`
	Token         string `json:"token,omitempty" env:"OPS_TOKEN"`
	Pprof         bool   `json:"pprof,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
