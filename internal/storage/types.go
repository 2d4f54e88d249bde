package storage

import (
	"context"
	"errors"
	"time"

	"earnbot/internal/domain"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrAlreadyRecorded is returned by RecordDelivery when the pair already has a ledger entry.
	// Callers treat it as "already notified", not as a failure.
	ErrAlreadyRecorded = errors.New("storage: delivery already recorded")
	ErrClosed          = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "postgres": PostgreSQL via pgx, DSN in URL
type Config struct {
	Driver      string
	Path        string // sqlite file path
	URL         string // postgres DSN
	BusyTimeout time.Duration
	MaxConns    int
}

// Recipients manages subscribers and their preferences.
type Recipients interface {
	// EnsureRecipient upserts by chat id and reactivates. created reports a new row.
	EnsureRecipient(ctx context.Context, chatID int64, username string) (r domain.Recipient, created bool, err error)
	RecipientByChat(ctx context.Context, chatID int64) (domain.Recipient, error)
	SetActive(ctx context.Context, recipientID string, active bool) error
	SetGeography(ctx context.Context, recipientID, geography string) error
	SetExternalID(ctx context.Context, recipientID, externalID string) error
	// Preferences returns defaults when none were saved.
	Preferences(ctx context.Context, recipientID string) (domain.Preferences, error)
	SavePreferences(ctx context.Context, recipientID string, p domain.Preferences) error
	ActiveSubscribers(ctx context.Context) ([]domain.Subscriber, error)
}

// Ledger is the delivery ledger. At most one entry exists per (recipient, opportunity).
type Ledger interface {
	HasDelivered(ctx context.Context, recipientID, opportunityID string) (bool, error)
	RecordDelivery(ctx context.Context, recipientID, opportunityID string, at time.Time) error
}

// Store is the persistence API used by the notifier and the command surface.
type Store interface {
	Recipients
	Ledger
	// Stats counts recipients and ledger entries; today counts entries at or after since.
	Stats(ctx context.Context, since time.Time) (domain.Stats, error)
	Ping(ctx context.Context) error
	Close() error
}
