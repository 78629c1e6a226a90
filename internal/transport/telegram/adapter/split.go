package adapter

import "strings"

// textLimit stays under the Bot API's 4096 characters per message.
const textLimit = 4000

// splitText cuts s into chunks of at most limit runes. A chunk ends on the
// last newline in its final two thirds when there is one, and in HTML mode
// never inside a tag.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	html := strings.EqualFold(parseMode, "HTML")

	var chunks []string
	for len(rs) > 0 {
		cut := min(limit, len(rs))
		if cut < len(rs) {
			if nl := lastIndex(rs[limit/3:cut], '\n'); nl >= 0 {
				cut = limit/3 + nl + 1
			}
			if html {
				if open := lastIndex(rs[:cut], '<'); open > 1 && open > lastIndex(rs[:cut], '>') {
					cut = open
				}
			}
		}
		chunks = append(chunks, strings.TrimRight(string(rs[:cut]), "\n"))
		rs = rs[cut:]
		for len(rs) > 0 && rs[0] == '\n' {
			rs = rs[1:]
		}
	}
	return chunks
}

func lastIndex(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}
