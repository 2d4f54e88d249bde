package dispatch

import (
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"earnbot/internal/domain"
)

const utmSource = "telegrambot"

var printer = message.NewPrinter(language.English)

var mdV2 = strings.NewReplacer(
	`\`, `\\`, `_`, `\_`, `*`, `\*`, `[`, `\[`, `]`, `\]`, `(`, `\(`, `)`, `\)`,
	`~`, `\~`, "`", "\\`", `>`, `\>`, `#`, `\#`, `+`, `\+`, `-`, `\-`, `=`, `\=`,
	`|`, `\|`, `{`, `\{`, `}`, `\}`, `.`, `\.`, `!`, `\!`,
)

// linkURL escapes the characters MarkdownV2 reserves inside a link target.
var linkURL = strings.NewReplacer(`\`, `\\`, `)`, `\)`)

// Escape escapes text for Telegram MarkdownV2.
func Escape(s string) string { return mdV2.Replace(s) }

// Format renders the notification body for opp as MarkdownV2.
func Format(opp domain.Opportunity, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🚀 *New %s Alert\\!*\n\n", headline(opp.Category))
	fmt.Fprintf(&b, "*%s*\n", Escape(opp.Title))
	fmt.Fprintf(&b, "by %s\n\n", Escape(opp.Sponsor))
	fmt.Fprintf(&b, "💰 *Reward:* %s\n", Escape(FormatReward(opp)))
	fmt.Fprintf(&b, "⏰ *Deadline:* %s\n", Escape(FormatDeadline(opp.Deadline, now)))
	if len(opp.Skills) > 0 {
		fmt.Fprintf(&b, "🛠 *Skills:* %s\n", Escape(strings.Join(opp.Skills, ", ")))
	}
	if u := WithUTM(opp.URL); u != "" {
		fmt.Fprintf(&b, "\n[View details](%s)", linkURL.Replace(u))
	}
	return strings.TrimRight(b.String(), "\n")
}

func headline(c domain.Category) string {
	switch c {
	case domain.CategoryProject:
		return "Project"
	case domain.CategoryGrant:
		return "Grant"
	default:
		return "Bounty"
	}
}

// FormatReward describes the reward in plain text.
func FormatReward(opp domain.Opportunity) string {
	r := opp.Reward
	switch r.Kind {
	case domain.RewardVariable:
		if opp.Category == domain.CategoryGrant && r.MaxUSD != nil && *r.MaxUSD > 0 {
			return "Up to $" + formatNumber(*r.MaxUSD) + " USD"
		}
		return "Variable Comp"
	case domain.RewardRange:
		if r.MinUSD != nil && r.MaxUSD != nil {
			return "$" + formatNumber(*r.MinUSD) + " - $" + formatNumber(*r.MaxUSD) + " USD"
		}
		return "Variable Comp"
	}
	if r.USD > 0 {
		usd := "$" + formatNumber(r.USD) + " USD"
		if r.Token != "" && r.Amount > 0 {
			return formatNumber(r.Amount) + " " + r.Token + " (~" + usd + ")"
		}
		return usd
	}
	if r.Amount > 0 && r.Token != "" {
		return formatNumber(r.Amount) + " " + r.Token
	}
	return "See listing for details"
}

// FormatDeadline renders the deadline relative to now in whole days.
func FormatDeadline(deadline *time.Time, now time.Time) string {
	if deadline == nil || deadline.IsZero() {
		return "Rolling"
	}
	days := int(math.Floor(deadline.Sub(now).Hours() / 24))
	switch {
	case days < 0:
		return "Expired"
	case days == 0:
		return "Today"
	case days == 1:
		return "Tomorrow"
	case days <= 7:
		return fmt.Sprintf("%d days", days)
	case deadline.Year() != now.Year():
		return deadline.Format("Jan 2, 2006")
	default:
		return deadline.Format("Jan 2")
	}
}

// WithUTM appends the tracking parameter, keeping any existing query.
func WithUTM(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		sep := "?"
		if strings.Contains(raw, "?") {
			sep = "&"
		}
		return raw + sep + "utm_source=" + utmSource
	}
	q := u.Query()
	q.Set("utm_source", utmSource)
	u.RawQuery = q.Encode()
	return u.String()
}

func formatNumber(v float64) string {
	return printer.Sprint(number.Decimal(v, number.MaxFractionDigits(2)))
}
