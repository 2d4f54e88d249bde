package bot

import (
	"html"
	"strings"
)

// helpText renders the command list for HTML parse mode. Owner-only
// commands are listed for owners only.
func (r *Router) helpText(owner bool) string {
	r.mu.RLock()
	cmds := r.ordered
	r.mu.RUnlock()

	lines := []string{"📚 <b>Available Commands</b>", ""}
	var ops []string
	for _, c := range cmds {
		line := "/" + html.EscapeString(c.Name)
		if c.Usage != "" {
			line = "<code>" + html.EscapeString(c.Usage) + "</code>"
		}
		if c.Description != "" {
			line += " - " + html.EscapeString(c.Description)
		}
		if c.Access == AccessOwnerOnly {
			if owner {
				ops = append(ops, "🔒 "+line)
			}
			continue
		}
		lines = append(lines, line)
	}
	if len(ops) > 0 {
		lines = append(lines, "", "<b>Owner</b>")
		lines = append(lines, ops...)
	}
	lines = append(lines, "",
		"You'll only receive notifications for opportunities you're eligible for.",
	)
	return strings.Join(lines, "\n")
}
