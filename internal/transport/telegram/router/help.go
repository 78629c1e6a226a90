package router

import (
	"strings"

	"castbot/pkg/tgui"
)

// helpText renders the command list, or details for one command or group
// when path is given.
func (m *CommandManager) helpText(path []string) string {
	tab := m.routes()
	locked := len(m.ownersSnapshot()) > 0
	if len(path) == 0 {
		return helpIndex(tab, locked)
	}
	n, full, _ := tab.resolve(path[0], path[1:])
	if n == nil {
		return tgui.New().Title("❓", "Unknown command").Raw("Send "+tgui.Code("/help")+" for the command list.").Build().Text
	}
	return helpNode(tab, n, full, locked)
}

func helpIndex(tab *table, locked bool) string {
	b := tgui.New().Title("📚", "Commands").Raw("Send " + tgui.Code("/help <command>") + " for details.").Blank()
	for _, c := range tab.cmds {
		b.Raw(helpRow(c, locked))
	}
	return b.Blank().Raw("Send " + tgui.Code("/cancel") + " to drop a question the bot is waiting on.").Build().Text
}

func helpRow(c Command, locked bool) tgui.H {
	row := tgui.H("• ")
	if locked && c.Access == AccessOperator {
		row += "🔒 "
	}
	row += tgui.Code("/" + strings.Join(splitRoute(c.Route), " "))
	if d := strings.TrimSpace(c.Description); d != "" {
		row += " - " + tgui.Esc(d)
	}
	return row
}

func helpNode(tab *table, n *node, full []string, locked bool) string {
	b := tgui.New().Raw("📚 " + tgui.B("Help") + " " + tgui.Code("/"+strings.Join(full, " ")))
	if c := n.cmd; c != nil {
		if d := strings.TrimSpace(c.Description); d != "" {
			b.Line(d)
		}
		if locked && c.Access == AccessOperator {
			b.Raw(tgui.I("Owners only"))
		}
		if u := strings.TrimSpace(c.Usage); u != "" {
			b.Blank().Raw(tgui.B("Usage")).Raw(tgui.Code(u))
		}
		if short := shortcutsOf(*c); len(short) > 0 {
			b.Blank().Raw(tgui.B("Shortcuts"))
			for _, s := range short {
				b.Raw("• " + tgui.Code("/"+s))
			}
		}
	}
	// Subcommands in registration order.
	prefix := strings.Join(full, " ") + " "
	var subs []Command
	for _, c := range tab.cmds {
		r := strings.Join(splitRoute(c.Route), " ")
		if strings.HasPrefix(r, prefix) {
			subs = append(subs, c)
		}
	}
	if len(subs) > 0 {
		b.Blank().Raw(tgui.B("Subcommands"))
		for _, c := range subs {
			b.Raw(helpRow(c, locked))
		}
	}
	return b.Build().Text
}

func shortcutsOf(c Command) []string {
	var out []string
	seen := map[string]bool{}
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	if route := splitRoute(c.Route); len(route) > 1 {
		add(commandName(strings.Join(route, "_")))
	}
	for _, a := range c.Aliases {
		add(commandName(a))
	}
	return out
}
