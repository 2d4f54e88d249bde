package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"earnbot/internal/eligibility"
)

// CheckEligibility applies the catalog-side rules for a linked user:
// missing user or listing is ineligible, a region list without GLOBAL must contain
// the user's location, and an existing submission is ineligible.
// Query failures return Unknown together with the error.
func (p *Postgres) CheckEligibility(ctx context.Context, externalUserID, opportunityID string) (eligibility.Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var location *string
	err := p.pool.QueryRow(ctx, `SELECT u.location FROM "User" u WHERE u.id = $1`, externalUserID).Scan(&location)
	if errors.Is(err, pgx.ErrNoRows) {
		return eligibility.Ineligible, nil
	}
	if err != nil {
		return eligibility.Unknown, fmt.Errorf("source: eligibility user: %w", err)
	}

	var rules []byte
	err = p.pool.QueryRow(ctx, `SELECT b.eligibility FROM "Bounties" b WHERE b.id = $1`, opportunityID).Scan(&rules)
	if errors.Is(err, pgx.ErrNoRows) {
		// grants carry no eligibility rules of their own
		var one int
		gerr := p.pool.QueryRow(ctx, `SELECT 1 FROM "Grants" g WHERE g.id = $1`, opportunityID).Scan(&one)
		if errors.Is(gerr, pgx.ErrNoRows) {
			return eligibility.Ineligible, nil
		}
		if gerr != nil {
			return eligibility.Unknown, fmt.Errorf("source: eligibility grant: %w", gerr)
		}
		return eligibility.Eligible, nil
	}
	if err != nil {
		return eligibility.Unknown, fmt.Errorf("source: eligibility listing: %w", err)
	}

	if location != nil && !regionAllowed(rules, *location) {
		return eligibility.Ineligible, nil
	}

	var submitted bool
	err = p.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM "Submission" s WHERE s."userId" = $1 AND s."listingId" = $2)`,
		externalUserID, opportunityID).Scan(&submitted)
	if err != nil {
		return eligibility.Unknown, fmt.Errorf("source: eligibility submission: %w", err)
	}
	if submitted {
		return eligibility.Ineligible, nil
	}
	return eligibility.Eligible, nil
}

// regionAllowed evaluates {"regions": "X" | ["X", ...]} against a user location.
// Absent or unparsable rules allow everyone.
func regionAllowed(rules []byte, location string) bool {
	location = strings.TrimSpace(location)
	if len(rules) == 0 || location == "" {
		return true
	}
	var doc struct {
		Regions json.RawMessage `json:"regions"`
	}
	if err := json.Unmarshal(rules, &doc); err != nil || len(doc.Regions) == 0 || string(doc.Regions) == "null" {
		return true
	}
	var regions []string
	if err := json.Unmarshal(doc.Regions, &regions); err != nil {
		var one string
		if err := json.Unmarshal(doc.Regions, &one); err != nil {
			return true
		}
		regions = []string{one}
	}
	for _, r := range regions {
		if eligibility.IsGlobal(r) || strings.EqualFold(strings.TrimSpace(r), location) {
			return true
		}
	}
	return false
}
