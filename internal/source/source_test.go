package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"earnbot/internal/domain"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return testNow }

func listingAt(id string, at time.Time) domain.Opportunity {
	return domain.Opportunity{ID: id, Category: domain.CategoryBounty, VisibleAt: at, Skills: []string{"Go"}}
}

func TestVisibilityWindowBounds(t *testing.T) {
	from, to := VisibilityWindow(testNow, 12*time.Hour, 5*time.Minute)
	assert.Equal(t, testNow.Add(-12*time.Hour-5*time.Minute), from)
	assert.Equal(t, testNow.Add(-12*time.Hour+5*time.Minute), to)

	// a negative window is treated as its magnitude
	f2, t2 := VisibilityWindow(testNow, 12*time.Hour, -5*time.Minute)
	assert.Equal(t, from, f2)
	assert.Equal(t, to, t2)
}

func TestInWindowInclusive(t *testing.T) {
	from, to := VisibilityWindow(testNow, time.Hour, time.Minute)
	assert.True(t, InWindow(from, from, to))
	assert.True(t, InWindow(to, from, to))
	assert.False(t, InWindow(from.Add(-time.Nanosecond), from, to))
	assert.False(t, InWindow(to.Add(time.Nanosecond), from, to))
}

func TestMemoryFetchVisibleWindow(t *testing.T) {
	center := testNow.Add(-12 * time.Hour)
	m := NewMemory(fixedNow,
		listingAt("at-center", center),
		listingAt("early-edge", center.Add(-5*time.Minute)),
		listingAt("late-edge", center.Add(5*time.Minute)),
		listingAt("too-early", center.Add(-6*time.Minute)),
		listingAt("too-late", center.Add(6*time.Minute)),
		domain.Opportunity{ID: "grant", Category: domain.CategoryGrant, VisibleAt: center},
	)

	got, err := m.FetchVisible(context.Background(), 12*time.Hour, DefaultWindow)
	require.NoError(t, err)

	ids := make([]string, 0, len(got))
	for _, o := range got {
		ids = append(ids, o.ID)
	}
	assert.Equal(t, []string{"early-edge", "at-center", "late-edge"}, ids)
}

func TestMemoryGrantsIgnoreWindow(t *testing.T) {
	m := NewMemory(fixedNow,
		domain.Opportunity{ID: "g-old", Category: domain.CategoryGrant, VisibleAt: testNow.Add(-90 * 24 * time.Hour)},
		domain.Opportunity{ID: "g-new", Category: domain.CategoryGrant, VisibleAt: testNow},
		listingAt("b", testNow),
	)
	got, err := m.FetchOpenGrants(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "g-old", got[0].ID)
	assert.Equal(t, "g-new", got[1].ID)
}

func TestMemoryFindAndFailures(t *testing.T) {
	m := NewMemory(fixedNow, listingAt("b1", testNow.Add(-48*time.Hour)))

	o, err := m.FindOpportunity(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, "b1", o.ID)

	_, err = m.FindOpportunity(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	boom := errors.New("catalog down")
	m.FailWith(boom)
	_, err = m.FetchVisible(context.Background(), time.Hour, DefaultWindow)
	assert.ErrorIs(t, err, boom)
	_, err = m.FetchOpenGrants(context.Background())
	assert.ErrorIs(t, err, boom)

	m.FailWith(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.FetchOpenGrants(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryAvailableSkills(t *testing.T) {
	m := NewMemory(fixedNow,
		domain.Opportunity{ID: "a", Skills: []string{"Rust", "Go"}},
		domain.Opportunity{ID: "b", Skills: []string{"Go", "", "Design"}},
	)
	got, err := m.AvailableSkills(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Design", "Go", "Rust"}, got)
}

func sp(s string) *string       { return &s }
func fp(f float64) *float64     { return &f }
func tp(t time.Time) *time.Time { return &t }

func TestListingRowFixedReward(t *testing.T) {
	pub := testNow.Add(-12 * time.Hour)
	r := listingRow{
		ID:           "b1",
		Slug:         sp("write-a-thread"),
		Title:        sp("Write a thread"),
		Sponsor:      sp("Acme"),
		Type:         sp("bounty"),
		Token:        sp("USDC"),
		RewardAmount: fp(500),
		USDValue:     fp(499.5),
		Region:       sp("India"),
		Skills:       []byte(`[{"skills":"Content","subskills":["Writing","Research"]}]`),
		PublishedAt:  tp(pub),
	}
	o := r.toOpportunity("https://example.test/")

	assert.Equal(t, domain.CategoryBounty, o.Category)
	assert.Equal(t, domain.RewardFixed, o.Reward.Kind)
	assert.Equal(t, 499.5, o.Reward.USD)
	assert.Equal(t, 500.0, o.Reward.Amount)
	assert.Equal(t, []string{"India"}, o.Geography)
	assert.Equal(t, []string{"Content", "Writing", "Research"}, o.Skills)
	assert.Equal(t, "https://example.test/listings/write-a-thread", o.URL)
	assert.True(t, o.VisibleAt.Equal(pub))
}

func TestListingRowVariantsAndDefaults(t *testing.T) {
	t.Run("range project", func(t *testing.T) {
		r := listingRow{
			ID:               "p1",
			Type:             sp("project"),
			CompensationType: sp("range"),
			MinRewardAsk:     fp(1000),
			MaxRewardAsk:     fp(3000),
		}
		o := r.toOpportunity("")
		assert.Equal(t, domain.CategoryProject, o.Category)
		assert.Equal(t, domain.RewardRange, o.Reward.Kind)
		require.NotNil(t, o.Reward.MinUSD)
		assert.Equal(t, 1000.0, *o.Reward.MinUSD)
		assert.Equal(t, 3000.0, *o.Reward.MaxUSD)
		assert.Equal(t, "https://earn.superteam.fun/listings/p1", o.URL)
	})

	t.Run("variable without asks", func(t *testing.T) {
		o := listingRow{ID: "v1", CompensationType: sp("variable")}.toOpportunity("")
		assert.Equal(t, domain.RewardVariable, o.Reward.Kind)
		assert.Nil(t, o.Reward.MinUSD)
		assert.Zero(t, o.Reward.USD)
	})

	t.Run("fixed falls back to amount", func(t *testing.T) {
		o := listingRow{ID: "f1", RewardAmount: fp(250)}.toOpportunity("")
		assert.Equal(t, domain.RewardFixed, o.Reward.Kind)
		assert.Equal(t, 250.0, o.Reward.USD)
	})

	t.Run("no reward data", func(t *testing.T) {
		created := testNow.Add(-time.Hour)
		o := listingRow{ID: "u1", CreatedAt: tp(created)}.toOpportunity("")
		assert.Equal(t, domain.RewardUnspecified, o.Reward.Kind)
		assert.Equal(t, "USDC", o.Reward.Token)
		assert.Equal(t, "Untitled", o.Title)
		assert.Equal(t, "Unknown Sponsor", o.Sponsor)
		assert.Equal(t, []string{"GLOBAL"}, o.Geography)
		assert.Equal(t, []string{}, o.Skills)
		assert.True(t, o.VisibleAt.Equal(created))
	})
}

func TestGrantRowToOpportunity(t *testing.T) {
	g := grantRow{
		ID:        "g1",
		Slug:      sp("ecosystem grant"),
		Title:     sp("Ecosystem"),
		MinReward: fp(1000),
		MaxReward: fp(10000),
		Skills:    []byte(`["Rust","Rust","Frontend"]`),
		CreatedAt: tp(testNow),
	}
	o := g.toOpportunity("")
	assert.Equal(t, domain.CategoryGrant, o.Category)
	assert.Equal(t, domain.RewardVariable, o.Reward.Kind)
	assert.Equal(t, 10000.0, o.Reward.USD)
	assert.Equal(t, []string{"Rust", "Frontend"}, o.Skills)
	assert.Equal(t, "https://earn.superteam.fun/grants/ecosystem%20grant", o.URL)
}

func TestParseSkillsMalformed(t *testing.T) {
	assert.Equal(t, []string{}, parseSkills(nil))
	assert.Equal(t, []string{}, parseSkills([]byte(`{"not":"a list"}`)))
	assert.Equal(t, []string{"Go"}, parseSkills([]byte(`[42, "Go", {"subskills":[""]}]`)))
}

func TestRegionAllowed(t *testing.T) {
	cases := []struct {
		name     string
		rules    string
		location string
		want     bool
	}{
		{"no rules", ``, "India", true},
		{"no regions key", `{"other":1}`, "India", true},
		{"null regions", `{"regions":null}`, "India", true},
		{"global list", `{"regions":["GLOBAL"]}`, "Brazil", true},
		{"matching single", `{"regions":"india"}`, "India", true},
		{"matching list", `{"regions":["Vietnam","India"]}`, "India", true},
		{"mismatch", `{"regions":["Vietnam"]}`, "India", false},
		{"empty location", `{"regions":["Vietnam"]}`, "", true},
		{"garbage", `not json`, "India", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, regionAllowed([]byte(tc.rules), tc.location))
		})
	}
}
