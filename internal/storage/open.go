package storage

import (
	"fmt"
	"strings"

	logx "earnbot/pkg/logx"
)

// Open initializes the configured store and applies migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}

// DriverFromURL guesses the driver for a BOT_DATABASE_URL style value.
func DriverFromURL(u string) string {
	low := strings.ToLower(strings.TrimSpace(u))
	if strings.HasPrefix(low, "postgres://") || strings.HasPrefix(low, "postgresql://") {
		return "postgres"
	}
	return "sqlite"
}
