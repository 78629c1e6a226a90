package router

import (
	"strings"
	"unicode/utf8"

	kit "castbot/internal/transport"
)

// Telegram caps the command menu at 100 entries of [a-z0-9_]{1,32}.
const (
	maxMenuEntries = 100
	maxCommandLen  = 32
	maxMenuDesc    = 256
)

type node struct {
	cmd  *Command
	kids map[string]*node
}

func (n *node) child(tok string) *node {
	if n == nil || n.kids == nil {
		return nil
	}
	return n.kids[strings.ToLower(tok)]
}

// table is an immutable snapshot of the registered routes. SetRegistry
// swaps it as a whole.
type table struct {
	root  *node
	short map[string]*node // aliases and underscore forms of multi-word routes
	cmds  []Command        // registration order, used for help and the menu
	cbs   map[string]CallbackRoute
}

func splitRoute(route string) []string {
	return strings.Fields(strings.ToLower(route))
}

func cbKey(scope, action string) string { return scope + ":" + action }

func newTable(cmds []Command, cbs []CallbackRoute) *table {
	t := &table{root: &node{}, short: map[string]*node{}, cbs: map[string]CallbackRoute{}}
	for _, c := range cmds {
		route := splitRoute(c.Route)
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		cur := t.root
		for _, tok := range route {
			if cur.kids == nil {
				cur.kids = map[string]*node{}
			}
			next := cur.kids[tok]
			if next == nil {
				next = &node{}
				cur.kids[tok] = next
			}
			cur = next
		}
		cmd := c
		cur.cmd = &cmd
		t.cmds = append(t.cmds, cmd)

		// "/bc" must walk the tree so "/bc start" keeps working; only the
		// joined form of a multi-word route becomes a shortcut.
		if len(route) > 1 {
			t.shortcut(commandName(strings.Join(route, "_")), cur)
		}
		for _, a := range c.Aliases {
			t.shortcut(commandName(a), cur)
		}
	}
	for _, r := range cbs {
		s, a := strings.TrimSpace(r.Scope), strings.TrimSpace(r.Action)
		if s == "" || a == "" || r.Handle == nil {
			continue
		}
		t.cbs[cbKey(s, a)] = r
	}
	return t
}

func (t *table) shortcut(name string, n *node) {
	if name == "" {
		return
	}
	if _, taken := t.short[name]; !taken {
		t.short[name] = n
	}
}

// resolve finds the node for a command word and its arguments. It returns
// the matched route path and the remaining arguments. A nil node means the
// word is unknown.
func (t *table) resolve(word string, args []string) (*node, []string, []string) {
	word = strings.ToLower(word)
	if n := t.root.child(word); n != nil {
		path := []string{word}
		for len(args) > 0 {
			next := n.child(args[0])
			if next == nil {
				break
			}
			n = next
			path = append(path, strings.ToLower(args[0]))
			args = args[1:]
		}
		return n, path, args
	}
	if n, ok := t.short[word]; ok {
		return n, splitRoute(n.cmd.Route), args
	}
	return nil, nil, args
}

func (t *table) callback(scope, action string) (CallbackRoute, bool) {
	r, ok := t.cbs[cbKey(scope, action)]
	return r, ok
}

// menu lists commands for the client's "/" autocomplete in registration
// order, multi-word routes in their underscore form.
func (t *table) menu() []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(t.cmds))
	seen := map[string]bool{}
	for _, c := range t.cmds {
		name := commandName(strings.Join(splitRoute(c.Route), "_"))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		desc := strings.Join(strings.Fields(c.Description), " ")
		if desc == "" {
			desc = name
		}
		out = append(out, kit.BotCommand{Command: name, Description: clipRunes(desc, maxMenuDesc)})
		if len(out) == maxMenuEntries {
			break
		}
	}
	return out
}

// commandName maps s onto Telegram's command alphabet: lower-case letters,
// digits and single underscores, starting with a letter.
func commandName(s string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
		case r == '_', r == '-', r == ' ', r == '/', r == '\t':
			pendingSep = true
		}
	}
	out := b.String()
	if out == "" {
		return ""
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
	}
	if len(out) > maxCommandLen {
		out = strings.TrimRight(out[:maxCommandLen], "_")
	}
	return out
}

func clipRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
