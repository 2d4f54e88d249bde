// Package eligibility decides whether a subscriber should hear about an opportunity.
package eligibility

import (
	"context"
	"strings"

	"earnbot/internal/domain"
	"earnbot/internal/metrics"
	logx "earnbot/pkg/logx"
)

// Verdict is the outcome of an external eligibility check.
type Verdict int

const (
	// Unknown means the check could not be completed. It is treated as eligible.
	Unknown Verdict = iota
	Eligible
	Ineligible
)

func (v Verdict) String() string {
	switch v {
	case Eligible:
		return "eligible"
	case Ineligible:
		return "ineligible"
	default:
		return "unknown"
	}
}

// Allows maps a verdict to a delivery decision. Only an explicit Ineligible blocks.
func (v Verdict) Allows() bool { return v != Ineligible }

// Reason names the predicate that decided the outcome.
type Reason string

const (
	ReasonEligible        Reason = "eligible"
	ReasonAlreadyNotified Reason = "already_notified"
	ReasonCategory        Reason = "category"
	ReasonReward          Reason = "reward"
	ReasonSkills          Reason = "skills"
	ReasonGeography       Reason = "geography"
	ReasonExternal        Reason = "external"
)

// Decision is the filter result for one (recipient, opportunity) pair.
type Decision struct {
	Eligible bool
	Reason   Reason
}

// DeliveryChecker answers whether a pair is already in the ledger.
type DeliveryChecker interface {
	HasDelivered(ctx context.Context, recipientID, opportunityID string) (bool, error)
}

// ExternalChecker consults the upstream system for region and application rules.
type ExternalChecker interface {
	CheckEligibility(ctx context.Context, externalUserID, opportunityID string) (Verdict, error)
}

// Filter composes the predicates in a fixed order, ledger first.
type Filter struct {
	ledger   DeliveryChecker
	external ExternalChecker
	log      logx.Logger
}

// New builds a Filter. external may be nil, in which case linked recipients skip the check.
func New(ledger DeliveryChecker, external ExternalChecker, log logx.Logger) *Filter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Filter{ledger: ledger, external: external, log: log}
}

// IsEligible is Evaluate reduced to a bool.
func (f *Filter) IsEligible(ctx context.Context, sub domain.Subscriber, opp domain.Opportunity) bool {
	return f.Evaluate(ctx, sub, opp).Eligible
}

// Evaluate runs the short-circuiting conjunction:
// not notified, category, reward, skills, geography, external.
//
// A ledger lookup error is treated as "not notified"; the ledger's uniqueness
// constraint still rejects a duplicate record afterwards.
func (f *Filter) Evaluate(ctx context.Context, sub domain.Subscriber, opp domain.Opportunity) Decision {
	r, p := sub.Recipient, sub.Preferences

	if f.ledger != nil {
		done, err := f.ledger.HasDelivered(ctx, r.ID, opp.ID)
		if err != nil {
			f.log.Warn("ledger lookup failed; continuing",
				logx.String("recipient", r.ID), logx.String("opportunity", opp.ID), logx.Err(err))
		} else if done {
			return Decision{Reason: ReasonAlreadyNotified}
		}
	}
	if !MatchCategory(p, opp) {
		return Decision{Reason: ReasonCategory}
	}
	if !MatchReward(p, opp) {
		return Decision{Reason: ReasonReward}
	}
	if !MatchSkills(p, opp) {
		return Decision{Reason: ReasonSkills}
	}
	if !MatchGeography(r, opp) {
		return Decision{Reason: ReasonGeography}
	}
	if ext := strings.TrimSpace(r.ExternalID); ext != "" && f.external != nil {
		v, err := f.external.CheckEligibility(ctx, ext, opp.ID)
		if err != nil {
			f.log.Debug("external eligibility unavailable; allowing",
				logx.String("recipient", r.ID), logx.String("opportunity", opp.ID), logx.Err(err))
			metrics.ExternalCheckErrors.Inc()
			v = Unknown
		}
		if !v.Allows() {
			return Decision{Reason: ReasonExternal}
		}
	}
	return Decision{Eligible: true, Reason: ReasonEligible}
}
