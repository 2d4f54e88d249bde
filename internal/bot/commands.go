package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"math"
	"strconv"
	"strings"
	"time"

	"earnbot/internal/domain"
	"earnbot/internal/notifier"
	"earnbot/internal/source"
	"earnbot/internal/storage"
)

// Store is the recipient side of storage used by the commands.
type Store interface {
	EnsureRecipient(ctx context.Context, chatID int64, username string) (domain.Recipient, bool, error)
	RecipientByChat(ctx context.Context, chatID int64) (domain.Recipient, error)
	SetActive(ctx context.Context, recipientID string, active bool) error
	SetGeography(ctx context.Context, recipientID, geography string) error
	SetExternalID(ctx context.Context, recipientID, externalID string) error
	Preferences(ctx context.Context, recipientID string) (domain.Preferences, error)
	SavePreferences(ctx context.Context, recipientID string, p domain.Preferences) error
}

// Operator is the notifier surface behind the owner commands.
type Operator interface {
	TriggerOpportunity(ctx context.Context, id string) (notifier.Result, error)
	Stats(ctx context.Context) (domain.Stats, error)
	LastReport() (notifier.TickReport, bool)
	NextRun() time.Time
}

const maxSkillsListed = 60

type Commands struct {
	store  Store
	skills source.SkillLister
	ops    Operator
	delay  func() time.Duration
}

// NewCommands wires the handlers. skills and ops may be nil, which removes
// the commands that need them.
func NewCommands(store Store, skills source.SkillLister, ops Operator, delay func() time.Duration) *Commands {
	return &Commands{store: store, skills: skills, ops: ops, delay: delay}
}

func (c *Commands) List() []Command {
	cmds := []Command{
		{Name: "start", Description: "subscribe to notifications", Handle: c.start},
		{Name: "stop", Description: "pause notifications", Handle: c.stop},
		{Name: "status", Aliases: []string{"preferences"}, Description: "show your settings", Handle: c.status},
		{Name: "settype", Usage: "/settype bounties|projects|both", Description: "choose listing types", Handle: c.setType},
		{Name: "setusd", Usage: "/setusd <min> [max]", Description: "filter by USD value (0 clears)", Handle: c.setUSD},
		{Name: "setskills", Usage: "/setskills a, b | none", Description: "filter by skills", Handle: c.setSkills},
		{Name: "setgeo", Usage: "/setgeo <region|none>", Description: "set your region", Handle: c.setGeo},
		{Name: "link", Usage: "/link <earn-user-id|none>", Description: "link your Earn account", Handle: c.link},
	}
	if c.skills != nil {
		cmds = append(cmds, Command{Name: "skills", Description: "list skills in use", Handle: c.listSkills})
	}
	if c.ops != nil {
		cmds = append(cmds,
			Command{Name: "stats", Description: "delivery stats", Access: AccessOwnerOnly, Handle: c.stats},
			Command{Name: "trigger", Usage: "/trigger <listing-id>", Description: "notify one listing now",
				Access: AccessOwnerOnly, Timeout: 5 * time.Minute, Handle: c.trigger},
		)
	}
	return cmds
}

var (
	errNotStarted = errors.New("recipient not started")
	errUSDUsage   = errors.New("usage: /setusd <min> [max]")
)

// recipient loads the caller. A missing row is answered here and reported as
// errNotStarted, which handlers return as nil.
func (c *Commands) recipient(ctx context.Context, req *Request) (domain.Recipient, error) {
	r, err := c.store.RecipientByChat(ctx, req.Chat.ChatID)
	if errors.Is(err, storage.ErrNotFound) {
		_ = req.Reply(ctx, "Send /start first to subscribe.")
		return domain.Recipient{}, errNotStarted
	}
	return r, err
}

// withPrefs loads, mutates and saves the caller's preferences.
func (c *Commands) withPrefs(ctx context.Context, req *Request, fn func(*domain.Preferences)) error {
	r, err := c.recipient(ctx, req)
	if err != nil {
		return ignoreNotStarted(err)
	}
	p, err := c.store.Preferences(ctx, r.ID)
	if err != nil {
		return err
	}
	fn(&p)
	return c.store.SavePreferences(ctx, r.ID, p)
}

func ignoreNotStarted(err error) error {
	if errors.Is(err, errNotStarted) {
		return nil
	}
	return err
}

func (c *Commands) start(ctx context.Context, req *Request) error {
	_, created, err := c.store.EnsureRecipient(ctx, req.Chat.ChatID, req.Message.FromUsername)
	if err != nil {
		return err
	}
	if !created {
		return req.Reply(ctx, "👋 Welcome back! Notifications are on again. See /status for your settings.")
	}
	delay := ""
	if c.delay != nil {
		if d := c.delay(); d > 0 {
			delay = fmt.Sprintf("\nListings are sent %s after they are published.", humanDuration(d))
		}
	}
	return req.Reply(ctx, "🚀 Welcome! You'll get alerts for new bounties and projects that match your preferences."+
		delay+"\n\nSet filters with /settype, /setusd, /setskills and /setgeo. /help lists everything.")
}

func (c *Commands) stop(ctx context.Context, req *Request) error {
	r, err := c.recipient(ctx, req)
	if err != nil {
		return ignoreNotStarted(err)
	}
	if err := c.store.SetActive(ctx, r.ID, false); err != nil {
		return err
	}
	return req.Reply(ctx, "⏸ Notifications paused. Send /start to resume.")
}

func (c *Commands) status(ctx context.Context, req *Request) error {
	r, err := c.recipient(ctx, req)
	if err != nil {
		return ignoreNotStarted(err)
	}
	p, err := c.store.Preferences(ctx, r.ID)
	if err != nil {
		return err
	}
	return req.ReplyHTML(ctx, renderStatus(r, p))
}

func renderStatus(r domain.Recipient, p domain.Preferences) string {
	state := "✅ active"
	if !r.Active {
		state = "⏸ paused"
	}
	geo := r.Geography
	if strings.TrimSpace(geo) == "" {
		geo = "not set (global listings only)"
	}
	skills := "all"
	if len(p.Skills) > 0 {
		skills = strings.Join(p.Skills, ", ")
	}
	linked := "no"
	if r.ExternalID != "" {
		linked = "yes"
	}
	lines := []string{
		"🔧 <b>Your settings</b>",
		"",
		"Notifications: " + state,
		"Bounties: " + tick(p.NotifyBounties),
		"Projects: " + tick(p.NotifyProjects),
		"USD range: " + html.EscapeString(usdRange(p.MinUSD, p.MaxUSD)),
		"Skills: " + html.EscapeString(skills),
		"Region: " + html.EscapeString(geo),
		"Earn account linked: " + linked,
	}
	return strings.Join(lines, "\n")
}

func tick(on bool) string {
	if on {
		return "✅"
	}
	return "❌"
}

func usdRange(lo, hi *float64) string {
	switch {
	case lo == nil && hi == nil:
		return "any"
	case hi == nil:
		return "$" + fmtUSD(*lo) + "+"
	case lo == nil:
		return "up to $" + fmtUSD(*hi)
	default:
		return "$" + fmtUSD(*lo) + " - $" + fmtUSD(*hi)
	}
}

func fmtUSD(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func (c *Commands) setType(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return req.Reply(ctx, "Usage: /settype bounties|projects|both")
	}
	var bounties, projects bool
	switch strings.ToLower(req.Args[0]) {
	case "bounties", "bounty":
		bounties = true
	case "projects", "project":
		projects = true
	case "both", "all":
		bounties, projects = true, true
	default:
		return req.Reply(ctx, "Usage: /settype bounties|projects|both")
	}
	err := c.withPrefs(ctx, req, func(p *domain.Preferences) {
		p.NotifyBounties, p.NotifyProjects = bounties, projects
	})
	if err != nil {
		return err
	}
	return req.Reply(ctx, "✅ Notification types updated:\n• Bounties: "+tick(bounties)+"\n• Projects: "+tick(projects))
}

// parseUSD reads "/setusd min [max]". Zero clears a bound.
func parseUSD(args []string) (lo, hi *float64, err error) {
	if len(args) == 0 || len(args) > 2 {
		return nil, nil, errUSDUsage
	}
	vals := make([]float64, len(args))
	for i, a := range args {
		v, err := strconv.ParseFloat(strings.TrimPrefix(a, "$"), 64)
		if err != nil || v < 0 || math.IsInf(v, 0) || math.IsNaN(v) {
			return nil, nil, fmt.Errorf("invalid amount %q", a)
		}
		vals[i] = v
	}
	if vals[0] > 0 {
		lo = domain.Float(vals[0])
	}
	if len(vals) == 2 && vals[1] > 0 {
		hi = domain.Float(vals[1])
	}
	if lo != nil && hi != nil && *hi < *lo {
		return nil, nil, errors.New("max must be at least min")
	}
	return lo, hi, nil
}

func (c *Commands) setUSD(ctx context.Context, req *Request) error {
	lo, hi, err := parseUSD(req.Args)
	if err != nil {
		if errors.Is(err, errUSDUsage) {
			return req.Reply(ctx, "Usage: /setusd <min> [max]\n• /setusd 100 - minimum $100\n• /setusd 100 1000 - between $100 and $1000\n• /setusd 0 - remove filters")
		}
		return req.Reply(ctx, "❌ "+err.Error())
	}
	if err := c.withPrefs(ctx, req, func(p *domain.Preferences) { p.MinUSD, p.MaxUSD = lo, hi }); err != nil {
		return err
	}
	if lo == nil && hi == nil {
		return req.Reply(ctx, "✅ USD filters removed. You'll receive notifications for all reward amounts.")
	}
	return req.Reply(ctx, "✅ USD filter set: "+usdRange(lo, hi))
}

// parseSkills splits a comma separated list; "none" clears.
func parseSkills(raw string) []string {
	raw = strings.TrimSpace(raw)
	if strings.EqualFold(raw, "none") {
		return []string{}
	}
	return domain.NormalizeSkills(strings.Split(raw, ","))
}

func (c *Commands) setSkills(ctx context.Context, req *Request) error {
	if req.RawArgs == "" {
		return req.Reply(ctx, "Usage: /setskills React, Rust, Design\nSend /setskills none to receive every skill.")
	}
	skills := parseSkills(req.RawArgs)
	if err := c.withPrefs(ctx, req, func(p *domain.Preferences) { p.Skills = skills }); err != nil {
		return err
	}
	if len(skills) == 0 {
		return req.Reply(ctx, "✅ Skills filter removed. You'll receive notifications for all skills.")
	}
	return req.Reply(ctx, "✅ Skills updated:\n• "+strings.Join(skills, "\n• "))
}

func (c *Commands) setGeo(ctx context.Context, req *Request) error {
	geo := strings.TrimSpace(req.RawArgs)
	if geo == "" {
		return req.Reply(ctx, "Usage: /setgeo <region>, e.g. /setgeo India. /setgeo none clears it.")
	}
	if strings.EqualFold(geo, "none") {
		geo = ""
	}
	r, err := c.recipient(ctx, req)
	if err != nil {
		return ignoreNotStarted(err)
	}
	if err := c.store.SetGeography(ctx, r.ID, geo); err != nil {
		return err
	}
	if geo == "" {
		return req.Reply(ctx, "✅ Region cleared. You'll receive global listings only.")
	}
	return req.Reply(ctx, "✅ Region set to "+geo+". You'll receive listings for "+geo+" plus global ones.")
}

func (c *Commands) link(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return req.Reply(ctx, "Usage: /link <earn-user-id>. /link none removes the link.")
	}
	id := req.Args[0]
	if strings.EqualFold(id, "none") {
		id = ""
	}
	r, err := c.recipient(ctx, req)
	if err != nil {
		return ignoreNotStarted(err)
	}
	if err := c.store.SetExternalID(ctx, r.ID, id); err != nil {
		return err
	}
	if id == "" {
		return req.Reply(ctx, "✅ Earn account unlinked.")
	}
	return req.Reply(ctx, "✅ Earn account linked. Listings you already applied to or can't enter will be skipped.")
}

func (c *Commands) listSkills(ctx context.Context, req *Request) error {
	skills, err := c.skills.AvailableSkills(ctx)
	if err != nil {
		return err
	}
	if len(skills) == 0 {
		return req.Reply(ctx, "No skills found in current listings.")
	}
	more := ""
	if len(skills) > maxSkillsListed {
		more = fmt.Sprintf("\n…and %d more", len(skills)-maxSkillsListed)
		skills = skills[:maxSkillsListed]
	}
	return req.Reply(ctx, "🧰 Skills in current listings:\n"+strings.Join(skills, ", ")+more)
}

func (c *Commands) stats(ctx context.Context, req *Request) error {
	st, err := c.ops.Stats(ctx)
	if err != nil {
		return err
	}
	lines := []string{
		"📊 <b>Stats</b>",
		fmt.Sprintf("Recipients: %d (%d active)", st.TotalRecipients, st.ActiveRecipients),
		fmt.Sprintf("Notifications: %d total, %d today", st.TotalDeliveries, st.TodayDeliveries),
	}
	if rep, ok := c.ops.LastReport(); ok {
		lines = append(lines, "",
			"<b>Last tick</b> "+rep.StartedAt.UTC().Format(time.RFC3339),
			fmt.Sprintf("opportunities %d, sent %d, duplicates %d, unreachable %d, failed %d",
				rep.Opportunities, rep.Sent, rep.Duplicates, rep.Unreachable, rep.Failed),
		)
		if rep.LeaseHeld {
			lines = append(lines, "skipped: lease held by another replica")
		}
	}
	if next := c.ops.NextRun(); !next.IsZero() {
		lines = append(lines, "Next run: "+next.UTC().Format(time.RFC3339))
	}
	return req.ReplyHTML(ctx, strings.Join(lines, "\n"))
}

func (c *Commands) trigger(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return req.Reply(ctx, "Usage: /trigger <listing-id>")
	}
	res, err := c.ops.TriggerOpportunity(ctx, req.Args[0])
	switch {
	case errors.Is(err, source.ErrNotFound):
		return req.Reply(ctx, "❌ Listing not found.")
	case errors.Is(err, notifier.ErrTickInProgress):
		return req.Reply(ctx, "⏳ A notification run is in progress. Try again shortly.")
	case err != nil:
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("✅ %s: %d recipients, %d eligible, %d sent, %d duplicates, %d unreachable, %d failed",
		res.OpportunityID, res.Recipients, res.Eligible, res.Sent, res.Duplicates, res.Unreachable, res.Failed))
}

func humanDuration(d time.Duration) string {
	if d%time.Hour == 0 {
		h := int(d / time.Hour)
		if h == 1 {
			return "1 hour"
		}
		return strconv.Itoa(h) + " hours"
	}
	return d.String()
}
