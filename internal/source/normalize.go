package source

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"earnbot/internal/domain"
)

const (
	defaultBaseURL = "https://earn.superteam.fun"
	defaultToken   = "USDC"
	globalRegion   = "GLOBAL"
)

// listingRow is a Bounties row joined with its sponsor.
// Nullable upstream columns are pointers.
type listingRow struct {
	ID               string
	Slug             *string
	Title            *string
	Sponsor          *string
	Type             *string
	Token            *string
	RewardAmount     *float64
	USDValue         *float64
	CompensationType *string
	MinRewardAsk     *float64
	MaxRewardAsk     *float64
	Deadline         *time.Time
	Region           *string
	Skills           []byte
	PublishedAt      *time.Time
	CreatedAt        *time.Time
}

// grantRow is a Grants row joined with its sponsor.
type grantRow struct {
	ID        string
	Slug      *string
	Title     *string
	Sponsor   *string
	Token     *string
	MinReward *float64
	MaxReward *float64
	Region    *string
	Skills    []byte
	CreatedAt *time.Time
}

func str(p *string, def string) string {
	if p == nil || strings.TrimSpace(*p) == "" {
		return def
	}
	return strings.TrimSpace(*p)
}

func num(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

func listingURL(base, kind, slug, id string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		base = defaultBaseURL
	}
	ref := slug
	if ref == "" {
		ref = id
	}
	return base + "/" + kind + "/" + url.PathEscape(ref)
}

func (r listingRow) toOpportunity(baseURL string) domain.Opportunity {
	cat := domain.CategoryBounty
	if strings.EqualFold(str(r.Type, ""), "project") {
		cat = domain.CategoryProject
	}

	reward := domain.Reward{
		Token:  str(r.Token, defaultToken),
		Amount: num(r.RewardAmount),
	}
	switch strings.ToLower(str(r.CompensationType, "fixed")) {
	case "range":
		reward.Kind = domain.RewardRange
		reward.MinUSD = r.MinRewardAsk
		reward.MaxUSD = r.MaxRewardAsk
		reward.USD = num(r.MinRewardAsk)
	case "variable":
		reward.Kind = domain.RewardVariable
		reward.MinUSD = r.MinRewardAsk
		reward.MaxUSD = r.MaxRewardAsk
		reward.USD = num(r.MinRewardAsk)
	default:
		reward.Kind = domain.RewardFixed
		reward.USD = num(r.USDValue)
		if reward.USD == 0 {
			reward.USD = reward.Amount
		}
		if reward.USD == 0 && reward.Amount == 0 {
			reward.Kind = domain.RewardUnspecified
		}
	}

	visible := time.Time{}
	switch {
	case r.PublishedAt != nil:
		visible = *r.PublishedAt
	case r.CreatedAt != nil:
		visible = *r.CreatedAt
	}

	return domain.Opportunity{
		ID:        r.ID,
		Slug:      str(r.Slug, ""),
		Title:     str(r.Title, "Untitled"),
		Sponsor:   str(r.Sponsor, "Unknown Sponsor"),
		Category:  cat,
		Reward:    reward,
		Deadline:  r.Deadline,
		Geography: []string{str(r.Region, globalRegion)},
		Skills:    parseSkills(r.Skills),
		URL:       listingURL(baseURL, "listings", str(r.Slug, ""), r.ID),
		VisibleAt: visible.UTC(),
	}
}

func (g grantRow) toOpportunity(baseURL string) domain.Opportunity {
	visible := time.Time{}
	if g.CreatedAt != nil {
		visible = g.CreatedAt.UTC()
	}
	return domain.Opportunity{
		ID:       g.ID,
		Slug:     str(g.Slug, ""),
		Title:    str(g.Title, "Untitled Grant"),
		Sponsor:  str(g.Sponsor, "Unknown Sponsor"),
		Category: domain.CategoryGrant,
		Reward: domain.Reward{
			Kind:   domain.RewardVariable,
			Token:  str(g.Token, defaultToken),
			Amount: num(g.MaxReward),
			USD:    num(g.MaxReward),
			MinUSD: g.MinReward,
			MaxUSD: g.MaxReward,
		},
		Geography: []string{str(g.Region, globalRegion)},
		Skills:    parseSkills(g.Skills),
		URL:       listingURL(baseURL, "grants", str(g.Slug, ""), g.ID),
		VisibleAt: visible,
	}
}

// parseSkills accepts the shapes the catalog stores: a list of strings, or a list
// of {"skills": "...", "subskills": [...]} objects. Parent skills come first.
func parseSkills(raw []byte) []string {
	if len(raw) == 0 {
		return []string{}
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return []string{}
	}
	out := make([]string, 0, len(items))
	seen := map[string]struct{}{}
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, it := range items {
		var s string
		if json.Unmarshal(it, &s) == nil {
			add(s)
			continue
		}
		var obj struct {
			Skills    string   `json:"skills"`
			Subskills []string `json:"subskills"`
		}
		if json.Unmarshal(it, &obj) == nil {
			add(obj.Skills)
			for _, sub := range obj.Subskills {
				add(sub)
			}
		}
	}
	return out
}
