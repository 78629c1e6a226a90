package conversation

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	ErrBadTarget  = errors.New("not a @username or t.me link")
	ErrBadAPIID   = errors.New("api_id must be a positive number")
	ErrBadAPIHash = errors.New("api_hash must be 32 hex characters")
	ErrBadPhone   = errors.New("phone must be digits in international format")
)

var (
	usernameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{3,31}$`)
	inviteRe   = regexp.MustCompile(`^(\+|joinchat/)[A-Za-z0-9_-]{8,}$`)
	apiHashRe  = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)
)

// NormalizeTarget turns operator input into the form the user client
// resolves: "@username" for public chats, "https://t.me/+hash" for invites.
func NormalizeTarget(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	for _, p := range []string{"https://", "http://"} {
		s = strings.TrimPrefix(s, p)
	}
	for _, p := range []string{"www.t.me/", "t.me/", "telegram.me/"} {
		if strings.HasPrefix(strings.ToLower(s), p) {
			s = s[len(p):]
			if inviteRe.MatchString(s) {
				return "https://t.me/" + s, nil
			}
			break
		}
	}
	s = strings.TrimPrefix(s, "@")
	s = strings.TrimSuffix(s, "/")
	if !usernameRe.MatchString(s) {
		return "", fmt.Errorf("%q: %w", strings.TrimSpace(raw), ErrBadTarget)
	}
	return "@" + s, nil
}

// ParseTargets splits a message on newlines, commas and spaces and normalizes
// every entry. Duplicates (after normalization, ignoring case) are dropped.
// Invalid entries are returned separately so the rest can still be saved.
func ParseTargets(text string) (targets []string, bad []string) {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == '\n' || r == '\r' || r == ',' || r == ';' || r == ' ' || r == '\t'
	})
	seen := map[string]bool{}
	for _, f := range fields {
		t, err := NormalizeTarget(f)
		if err != nil {
			bad = append(bad, f)
			continue
		}
		k := strings.ToLower(t)
		if seen[k] {
			continue
		}
		seen[k] = true
		targets = append(targets, t)
	}
	return targets, bad
}

func ParseAPIID(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return 0, ErrBadAPIID
	}
	return n, nil
}

func ParseAPIHash(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !apiHashRe.MatchString(s) {
		return "", ErrBadAPIHash
	}
	return strings.ToLower(s), nil
}

// ParsePhone accepts "+1 555 123-4567" style input and returns "+15551234567".
func ParsePhone(s string) (string, error) {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return "", ErrBadPhone
		}
	}
	d := b.String()
	if len(d) < 7 || len(d) > 15 {
		return "", ErrBadPhone
	}
	return "+" + d, nil
}
