// Package changeset implements the edit-script algebra used to synchronize
// concurrent edits of biscriptal text: a flat sequence of characters, each
// optionally annotated with its pinyin reading.
package changeset

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Char is one cell of document text.
type Char struct {
	Hanzi  string `json:"hanzi"`
	Pinyin string `json:"pinyin,omitempty"`
}

// UnmarshalJSON rejects cells whose hanzi is not exactly one code point.
func (c *Char) UnmarshalJSON(data []byte) error {
	type plain Char
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if utf8.RuneCountInString(p.Hanzi) != 1 {
		return fmt.Errorf("invalid char %q: hanzi must be exactly one rune", p.Hanzi)
	}
	*c = Char(p)
	return nil
}

// Compare orders cells by hanzi, then pinyin. A cell without pinyin sorts
// after one with pinyin.
func (c Char) Compare(other Char) int {
	if x := strings.Compare(c.Hanzi, other.Hanzi); x != 0 {
		return x
	}
	if c.Pinyin == other.Pinyin {
		return 0
	}
	if c.Pinyin == "" {
		return 1
	}
	if other.Pinyin == "" {
		return -1
	}
	return strings.Compare(c.Pinyin, other.Pinyin)
}

// Text builds plain cells from a string, one per rune.
func Text(s string) []Char {
	res := make([]Char, 0, utf8.RuneCountInString(s))
	for _, r := range s {
		res = append(res, Char{Hanzi: string(r)})
	}
	return res
}

// PlainString concatenates the hanzi of all cells.
func PlainString(text []Char) string {
	var sb strings.Builder
	for _, c := range text {
		sb.WriteString(c.Hanzi)
	}
	return sb.String()
}

// Selection is a selected range in a text. CaretAtStart tells which end
// holds the caret.
type Selection struct {
	Start        int  `json:"start"`
	End          int  `json:"end"`
	CaretAtStart bool `json:"caretAtStart"`
}
