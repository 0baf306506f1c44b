package changeset

import (
	"fmt"
	"strconv"
	"strings"
)

// String renders the compact diagnostic form "<lengthBefore>>item,item,...",
// where retained items print as their index and inserted items as their
// hanzi, with a newline written as \n. Pinyin is not shown.
func (cs *ChangeSet) String() string {
	var sb strings.Builder
	sb.WriteString(strconv.Itoa(cs.LengthBefore))
	sb.WriteByte('>')
	for i, it := range cs.Items {
		if i > 0 {
			sb.WriteByte(',')
		}
		if !it.insert {
			sb.WriteString(strconv.Itoa(it.index))
			continue
		}
		if it.char.Hanzi == "\n" {
			sb.WriteString(`\n`)
		} else {
			sb.WriteString(it.char.Hanzi)
		}
	}
	return sb.String()
}

// ParseDiag reads the diagnostic form back. Items that parse as a
// non-negative integer are retains, anything else is an inserted character.
// Digits and commas therefore cannot be inserted through this form.
func ParseDiag(s string) (*ChangeSet, error) {
	head, body, ok := strings.Cut(s, ">")
	if !ok {
		return nil, fmt.Errorf("parse diag %q: missing '>'", s)
	}
	before, err := strconv.Atoi(head)
	if err != nil || before < 0 {
		return nil, fmt.Errorf("parse diag %q: bad length %q", s, head)
	}
	cs := &ChangeSet{LengthBefore: before, Items: []Item{}}
	if body != "" {
		for _, part := range strings.Split(body, ",") {
			if ix, err := strconv.Atoi(part); err == nil && ix >= 0 {
				cs.Items = append(cs.Items, Retain(ix))
				continue
			}
			if part == `\n` {
				part = "\n"
			}
			if part == "" {
				return nil, fmt.Errorf("parse diag %q: empty item", s)
			}
			cs.Items = append(cs.Items, Insert(Char{Hanzi: part}))
		}
	}
	cs.LengthAfter = len(cs.Items)
	return cs, nil
}

// MustParseDiag is ParseDiag for fixed inputs; it panics on error.
func MustParseDiag(s string) *ChangeSet {
	cs, err := ParseDiag(s)
	if err != nil {
		panic(err)
	}
	return cs
}
