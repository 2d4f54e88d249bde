package eligibility

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"earnbot/internal/domain"
	logx "earnbot/pkg/logx"
)

type fakeLedger struct {
	seen map[string]bool
	err  error
}

func (f *fakeLedger) HasDelivered(_ context.Context, recipientID, opportunityID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.seen[recipientID+"/"+opportunityID], nil
}

type fakeExternal struct {
	verdict Verdict
	err     error
	calls   int
}

func (f *fakeExternal) CheckEligibility(context.Context, string, string) (Verdict, error) {
	f.calls++
	return f.verdict, f.err
}

func fixed(usd float64) domain.Opportunity {
	return domain.Opportunity{ID: "o1", Category: domain.CategoryBounty, Reward: domain.Reward{Kind: domain.RewardFixed, USD: usd}}
}

func ranged(minUSD, maxUSD float64) domain.Opportunity {
	return domain.Opportunity{ID: "o1", Category: domain.CategoryBounty, Reward: domain.Reward{
		Kind: domain.RewardRange, USD: minUSD, MinUSD: domain.Float(minUSD), MaxUSD: domain.Float(maxUSD),
	}}
}

func TestMatchRewardBoundaries(t *testing.T) {
	prefs := domain.Preferences{MinUSD: domain.Float(100), MaxUSD: domain.Float(5000), NotifyBounties: true}
	tests := []struct {
		name string
		opp  domain.Opportunity
		want bool
	}{
		{"fixed at min", fixed(100), true},
		{"fixed below min", fixed(99), false},
		{"fixed above max", fixed(5001), false},
		{"range inside", ranged(200, 2000), true},
		{"range exceeding max", ranged(50, 6000), false},
		{"range min below bound", ranged(50, 1000), false},
		{"variable without bounds", domain.Opportunity{Reward: domain.Reward{Kind: domain.RewardVariable}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchReward(prefs, tt.opp))
		})
	}
}

func TestMatchRewardUnbounded(t *testing.T) {
	prefs := domain.DefaultPreferences()
	assert.True(t, MatchReward(prefs, fixed(0)))
	assert.True(t, MatchReward(prefs, domain.Opportunity{Reward: domain.Reward{Kind: domain.RewardVariable}}))

	onlyMax := domain.Preferences{MaxUSD: domain.Float(500)}
	assert.True(t, MatchReward(onlyMax, domain.Opportunity{Reward: domain.Reward{Kind: domain.RewardVariable}}))
	assert.False(t, MatchReward(onlyMax, ranged(100, 900)))
}

func TestEffectiveBounds(t *testing.T) {
	r := domain.Reward{Kind: domain.RewardRange, MinUSD: domain.Float(10), MaxUSD: domain.Float(0)}
	assert.Equal(t, 10.0, EffectiveMin(r))
	assert.Equal(t, 10.0, EffectiveMax(r), "zero max falls back to min")

	assert.Equal(t, 250.0, EffectiveMin(domain.Reward{Kind: domain.RewardFixed, USD: 250}))
	assert.Equal(t, 0.0, EffectiveMin(domain.Reward{Kind: domain.RewardVariable, USD: 900}))
}

func TestMatchSkills(t *testing.T) {
	prefs := domain.Preferences{Skills: []string{"react"}}
	assert.True(t, MatchSkills(prefs, domain.Opportunity{Skills: []string{"React.js"}}))
	assert.False(t, MatchSkills(prefs, domain.Opportunity{Skills: []string{"python"}}))
	assert.True(t, MatchSkills(prefs, domain.Opportunity{Skills: nil}))
	assert.True(t, MatchSkills(domain.Preferences{}, domain.Opportunity{Skills: []string{"rust"}}))
	// containment works in both directions
	assert.True(t, MatchSkills(domain.Preferences{Skills: []string{"  Frontend Development "}}, domain.Opportunity{Skills: []string{"frontend"}}))
}

func TestSkillsOverlapIgnoresBlank(t *testing.T) {
	assert.False(t, SkillsOverlap("", "rust"))
	assert.False(t, SkillsOverlap("rust", "  "))
	assert.True(t, SkillsOverlap("RUST", "rust"))
}

func TestMatchGeography(t *testing.T) {
	tests := []struct {
		name string
		geo  []string
		user string
		want bool
	}{
		{"global unset user", []string{"Global"}, "", true},
		{"restricted unset user", []string{"United States"}, "", false},
		{"mixed list with match", []string{"India", "Global"}, "India", true},
		{"worldwide sentinel", []string{"Worldwide"}, "Brazil", true},
		{"uppercase sentinel", []string{"GLOBAL"}, "", true},
		{"empty list", nil, "", true},
		{"case-insensitive", []string{"INDIA"}, "india", true},
		{"containment", []string{"Southeast Asia"}, "asia", true},
		{"mismatch", []string{"Germany"}, "India", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MatchGeography(domain.Recipient{Geography: tt.user}, domain.Opportunity{Geography: tt.geo})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatchCategoryGrants(t *testing.T) {
	grant := domain.Opportunity{Category: domain.CategoryGrant}
	assert.True(t, MatchCategory(domain.Preferences{NotifyBounties: true}, grant))
	assert.True(t, MatchCategory(domain.Preferences{NotifyProjects: true}, grant))
	assert.False(t, MatchCategory(domain.Preferences{}, grant))

	assert.False(t, MatchCategory(domain.Preferences{NotifyProjects: true}, domain.Opportunity{Category: domain.CategoryBounty}))
	assert.False(t, MatchCategory(domain.Preferences{NotifyBounties: true}, domain.Opportunity{Category: domain.CategoryProject}))
}

func subscriber(ext string) domain.Subscriber {
	return domain.Subscriber{
		Recipient:   domain.Recipient{ID: "r1", ExternalID: ext, Active: true},
		Preferences: domain.DefaultPreferences(),
	}
}

func TestEvaluateLedgerFirst(t *testing.T) {
	ext := &fakeExternal{verdict: Eligible}
	f := New(&fakeLedger{seen: map[string]bool{"r1/o1": true}}, ext, logx.Nop())
	d := f.Evaluate(context.Background(), subscriber("earn-1"), fixed(10))
	assert.Equal(t, Decision{Reason: ReasonAlreadyNotified}, d)
	assert.Zero(t, ext.calls)
}

func TestEvaluateLedgerErrorContinues(t *testing.T) {
	f := New(&fakeLedger{err: errors.New("db down")}, nil, logx.Nop())
	assert.True(t, f.IsEligible(context.Background(), subscriber(""), fixed(10)))
}

func TestEvaluateExternalFailOpen(t *testing.T) {
	tests := []struct {
		name string
		ext  *fakeExternal
		want Decision
	}{
		{"error", &fakeExternal{verdict: Ineligible, err: context.DeadlineExceeded}, Decision{Eligible: true, Reason: ReasonEligible}},
		{"unknown", &fakeExternal{verdict: Unknown}, Decision{Eligible: true, Reason: ReasonEligible}},
		{"eligible", &fakeExternal{verdict: Eligible}, Decision{Eligible: true, Reason: ReasonEligible}},
		{"ineligible", &fakeExternal{verdict: Ineligible}, Decision{Reason: ReasonExternal}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(&fakeLedger{}, tt.ext, logx.Nop())
			assert.Equal(t, tt.want, f.Evaluate(context.Background(), subscriber("earn-1"), fixed(10)))
			assert.Equal(t, 1, tt.ext.calls)
		})
	}
}

func TestEvaluateSkipsExternalForUnlinked(t *testing.T) {
	ext := &fakeExternal{verdict: Ineligible}
	f := New(&fakeLedger{}, ext, logx.Nop())
	assert.True(t, f.IsEligible(context.Background(), subscriber(""), fixed(10)))
	assert.Zero(t, ext.calls)
}

func TestEvaluateReportsFirstFailingPredicate(t *testing.T) {
	f := New(nil, nil, logx.Nop())
	sub := subscriber("")
	sub.Preferences.NotifyBounties = false
	sub.Preferences.MinUSD = domain.Float(1000)
	assert.Equal(t, ReasonCategory, f.Evaluate(context.Background(), sub, fixed(10)).Reason)

	sub.Preferences.NotifyBounties = true
	assert.Equal(t, ReasonReward, f.Evaluate(context.Background(), sub, fixed(10)).Reason)

	sub.Preferences.MinUSD = nil
	sub.Preferences.Skills = []string{"solidity"}
	opp := fixed(10)
	opp.Skills = []string{"design"}
	assert.Equal(t, ReasonSkills, f.Evaluate(context.Background(), sub, opp).Reason)

	opp.Skills = nil
	opp.Geography = []string{"Germany"}
	assert.Equal(t, ReasonGeography, f.Evaluate(context.Background(), sub, opp).Reason)
}
