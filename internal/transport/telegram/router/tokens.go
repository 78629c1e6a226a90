package router

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

var reqSeq atomic.Uint64

// newReqID tags one request's log lines: unix seconds and a sequence in
// base36, plus a random byte so restarts don't repeat ids.
func newReqID() string {
	return strconv.FormatInt(time.Now().Unix(), 36) +
		"-" + strconv.FormatUint(reqSeq.Add(1), 36) +
		strconv.FormatUint(uint64(rand.UintN(36*36)), 36)
}

// tokenize splits a command line on whitespace. Single or double quotes
// group words ("@my chat") and a backslash escapes the next rune.
func tokenize(s string) []string {
	var (
		toks    []string
		cur     strings.Builder
		quote   rune
		escaped bool
		inTok   bool
	)
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped, inTok = true, true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote, inTok = r, true
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if inTok {
				toks = append(toks, cur.String())
				cur.Reset()
				inTok = false
			}
		default:
			cur.WriteRune(r)
			inTok = true
		}
	}
	if inTok {
		toks = append(toks, cur.String())
	}
	return toks
}

// commandWord strips the slash and any "@botname" suffix from the first
// token of a command message.
func commandWord(tok string) string {
	w := strings.TrimPrefix(tok, "/")
	if i := strings.IndexByte(w, '@'); i >= 0 {
		w = w[:i]
	}
	return strings.ToLower(w)
}
