package search

import "strings"

const (
	markOpen      = "<mark>"
	markClose     = "</mark>"
	snippetRadius = 30
)

// makeSnippet cuts a window of text around the first case-insensitive match
// of query and marks the match. Without a match the head of text is used.
func makeSnippet(text, query string) string {
	query = strings.TrimSpace(query)
	runes := []rune(text)
	start, n := indexFold(runes, []rune(query))
	if start < 0 {
		return ellipsize(runes, 0, min(len(runes), 2*snippetRadius))
	}
	from := max(0, start-snippetRadius)
	to := min(len(runes), start+n+snippetRadius)

	var b strings.Builder
	if from > 0 {
		b.WriteString("…")
	}
	b.WriteString(string(runes[from:start]))
	b.WriteString(markOpen)
	b.WriteString(string(runes[start : start+n]))
	b.WriteString(markClose)
	b.WriteString(string(runes[start+n : to]))
	if to < len(runes) {
		b.WriteString("…")
	}
	return b.String()
}

// cropMarked shortens already highlighted text to a window around its
// first mark.
func cropMarked(formatted string) string {
	i := strings.Index(formatted, markOpen)
	if i < 0 {
		runes := []rune(formatted)
		return ellipsize(runes, 0, min(len(runes), 2*snippetRadius))
	}
	j := strings.Index(formatted[i:], markClose)
	if j < 0 {
		return formatted
	}
	end := i + j + len(markClose)

	before := []rune(formatted[:i])
	after := []rune(formatted[end:])
	from := max(0, len(before)-snippetRadius)
	to := min(len(after), snippetRadius)

	var b strings.Builder
	if from > 0 {
		b.WriteString("…")
	}
	b.WriteString(string(before[from:]))
	b.WriteString(formatted[i:end])
	b.WriteString(string(after[:to]))
	if to < len(after) {
		b.WriteString("…")
	}
	return b.String()
}

func ellipsize(runes []rune, from, to int) string {
	s := string(runes[from:to])
	if to < len(runes) {
		s += "…"
	}
	return s
}

// indexFold returns the rune offset and rune length of the first
// case-insensitive occurrence of needle in haystack.
func indexFold(haystack, needle []rune) (int, int) {
	if len(needle) == 0 {
		return -1, 0
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if strings.EqualFold(string(haystack[i:i+len(needle)]), string(needle)) {
			return i, len(needle)
		}
	}
	return -1, 0
}

func containsFold(s, sub string) bool {
	if sub == "" {
		return false
	}
	i, _ := indexFold([]rune(s), []rune(sub))
	return i >= 0
}
