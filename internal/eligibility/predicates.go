package eligibility

import (
	"strings"

	"earnbot/internal/domain"
)

// globalSentinels mark an opportunity as open to every geography.
var globalSentinels = map[string]struct{}{
	"global":    {},
	"worldwide": {},
}

// MatchCategory gates on the category toggles. Grants have no toggle of their own
// and pass when either toggle is on.
func MatchCategory(p domain.Preferences, opp domain.Opportunity) bool {
	switch opp.Category {
	case domain.CategoryBounty:
		return p.NotifyBounties
	case domain.CategoryProject:
		return p.NotifyProjects
	default:
		return p.NotifyBounties || p.NotifyProjects
	}
}

// EffectiveMin is the lowest USD value the opportunity can pay.
// Range and variable shapes use the declared minimum (0 if absent); fixed shapes use USD.
func EffectiveMin(r domain.Reward) float64 {
	if r.Kind == domain.RewardVariable || r.Kind == domain.RewardRange || r.MinUSD != nil {
		if r.MinUSD != nil {
			return *r.MinUSD
		}
		return 0
	}
	return r.USD
}

// EffectiveMax is the declared maximum, or EffectiveMin when there is none.
func EffectiveMax(r domain.Reward) float64 {
	if r.MaxUSD != nil && *r.MaxUSD > 0 {
		return *r.MaxUSD
	}
	return EffectiveMin(r)
}

// MatchReward checks the opportunity against the recipient's USD bounds.
func MatchReward(p domain.Preferences, opp domain.Opportunity) bool {
	if p.MinUSD != nil && EffectiveMin(opp.Reward) < *p.MinUSD {
		return false
	}
	if p.MaxUSD != nil && EffectiveMax(opp.Reward) > *p.MaxUSD {
		return false
	}
	return true
}

// SkillsOverlap is the fuzzy skill policy: after trimming and lowercasing, two skills
// match when they are equal or either one contains the other ("react" ~ "react.js").
func SkillsOverlap(a, b string) bool { return containsEither(a, b) }

func containsEither(a, b string) bool {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return false
	}
	return a == b || strings.Contains(a, b) || strings.Contains(b, a)
}

// MatchSkills passes when either side has no skills, or any pair overlaps.
func MatchSkills(p domain.Preferences, opp domain.Opportunity) bool {
	if len(p.Skills) == 0 || len(opp.Skills) == 0 {
		return true
	}
	for _, want := range p.Skills {
		for _, have := range opp.Skills {
			if SkillsOverlap(want, have) {
				return true
			}
		}
	}
	return false
}

// IsGlobal reports whether geo is a global sentinel.
func IsGlobal(geo string) bool {
	_, ok := globalSentinels[strings.ToLower(strings.TrimSpace(geo))]
	return ok
}

// MatchGeography: unrestricted or global opportunities always pass; otherwise the
// recipient needs a geography that equals, contains or is contained by a listed one.
func MatchGeography(r domain.Recipient, opp domain.Opportunity) bool {
	if len(opp.Geography) == 0 {
		return true
	}
	for _, g := range opp.Geography {
		if IsGlobal(g) {
			return true
		}
	}
	if strings.TrimSpace(r.Geography) == "" {
		return false
	}
	for _, g := range opp.Geography {
		if containsEither(r.Geography, g) {
			return true
		}
	}
	return false
}
