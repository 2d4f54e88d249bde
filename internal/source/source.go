// Package source reads opportunities from the upstream catalog.
//
// The catalog is owned by another system; everything here is read-only.
package source

import (
	"context"
	"errors"
	"time"

	"earnbot/internal/domain"
)

// DefaultWindow is the tolerance around the delay boundary.
const DefaultWindow = 5 * time.Minute

var ErrNotFound = errors.New("source: opportunity not found")

// Catalog is the read contract the notifier depends on.
type Catalog interface {
	// FetchVisible returns opportunities whose visibility timestamp lies in
	// [now-delay-window, now-delay+window].
	FetchVisible(ctx context.Context, delay, window time.Duration) ([]domain.Opportunity, error)
	// FetchOpenGrants returns every open grant, with no delay gating.
	FetchOpenGrants(ctx context.Context) ([]domain.Opportunity, error)
	// FindOpportunity looks up one listing or grant by id, ignoring the window.
	FindOpportunity(ctx context.Context, id string) (domain.Opportunity, error)
}

// SkillLister lists the skills in use across published listings.
type SkillLister interface {
	AvailableSkills(ctx context.Context) ([]string, error)
}

// VisibilityWindow returns the inclusive bounds for a delay-gated query.
func VisibilityWindow(now time.Time, delay, window time.Duration) (from, to time.Time) {
	if window < 0 {
		window = -window
	}
	center := now.Add(-delay)
	return center.Add(-window), center.Add(window)
}

// InWindow reports whether ts lies within [from, to].
func InWindow(ts, from, to time.Time) bool {
	return !ts.Before(from) && !ts.After(to)
}
