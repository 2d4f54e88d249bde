// Package domain holds the value types shared by the notification pipeline.
package domain

import (
	"strings"
	"time"
)

// Category is the kind of opportunity.
type Category string

const (
	CategoryBounty  Category = "bounty"
	CategoryProject Category = "project"
	CategoryGrant   Category = "grant"
)

// RewardKind describes how an opportunity pays.
type RewardKind string

const (
	RewardFixed       RewardKind = "fixed"
	RewardRange       RewardKind = "range"
	RewardVariable    RewardKind = "variable"
	RewardUnspecified RewardKind = "unspecified"
)

// Reward is the compensation shape of an opportunity.
//
// USD is the headline value (for range rewards it is the lower bound).
// MinUSD / MaxUSD are set for range and variable rewards when known.
type Reward struct {
	Kind   RewardKind
	Token  string
	Amount float64
	USD    float64
	MinUSD *float64
	MaxUSD *float64
}

// Opportunity is the normalized view of an upstream listing.
type Opportunity struct {
	ID        string
	Slug      string
	Title     string
	Sponsor   string
	Category  Category
	Reward    Reward
	Deadline  *time.Time
	Geography []string
	Skills    []string
	URL       string
	VisibleAt time.Time
}

// Recipient is a subscriber. Recipients are soft-deactivated, never deleted.
type Recipient struct {
	ID         string
	ChatID     int64
	Username   string
	ExternalID string
	Geography  string
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Preferences are the recipient's filters.
type Preferences struct {
	MinUSD         *float64
	MaxUSD         *float64
	NotifyBounties bool
	NotifyProjects bool
	Skills         []string
	UpdatedAt      time.Time
}

// DefaultPreferences: both categories on, no bounds, no skills.
func DefaultPreferences() Preferences {
	return Preferences{NotifyBounties: true, NotifyProjects: true, Skills: []string{}}
}

// Subscriber couples a recipient with its preferences, as loaded for a tick.
type Subscriber struct {
	Recipient   Recipient
	Preferences Preferences
}

// LedgerEntry records that a recipient was notified about an opportunity.
type LedgerEntry struct {
	RecipientID   string
	OpportunityID string
	SentAt        time.Time
}

// Stats summarizes the recipient base and the delivery ledger.
type Stats struct {
	TotalRecipients  int64
	ActiveRecipients int64
	TotalDeliveries  int64
	TodayDeliveries  int64
}

// NormalizeSkills lowercases, trims and drops empty or duplicate entries.
func NormalizeSkills(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Float returns a pointer to v. Handy for optional reward bounds.
func Float(v float64) *float64 { return &v }
