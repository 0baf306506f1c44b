package changeset

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrLengthMismatch is returned when two change sets, or a change set and a
// text, do not line up. Validated input never produces it.
var ErrLengthMismatch = errors.New("change set length mismatch")

// Item is either a retained index into the text before the change, or an
// inserted character.
type Item struct {
	index  int
	char   Char
	insert bool
}

// Retain returns an item that keeps the character at index ix.
func Retain(ix int) Item {
	return Item{index: ix}
}

// Insert returns an item that inserts c.
func Insert(c Char) Item {
	return Item{char: c, insert: true}
}

func (it Item) IsInsert() bool { return it.insert }

// Index is the retained position; only meaningful when !IsInsert().
func (it Item) Index() int { return it.index }

// Char is the inserted character; only meaningful when IsInsert().
func (it Item) Char() Char { return it.char }

func (it Item) MarshalJSON() ([]byte, error) {
	if it.insert {
		return json.Marshal(it.char)
	}
	return json.Marshal(it.index)
}

func (it *Item) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var c Char
		if err := json.Unmarshal(trimmed, &c); err != nil {
			return err
		}
		*it = Insert(c)
		return nil
	}
	if len(trimmed) == 0 || (trimmed[0] != '-' && (trimmed[0] < '0' || trimmed[0] > '9')) {
		return fmt.Errorf("invalid change set item %s: want an index or a character", trimmed)
	}
	var ix int
	if err := json.Unmarshal(trimmed, &ix); err != nil {
		return fmt.Errorf("invalid change set item %s: %w", trimmed, err)
	}
	*it = Retain(ix)
	return nil
}

// ChangeSet maps a text of LengthBefore characters to one of LengthAfter
// characters. Items has one entry per character of the result.
type ChangeSet struct {
	LengthBefore int    `json:"lengthBefore"`
	LengthAfter  int    `json:"lengthAfter"`
	Items        []Item `json:"items"`
}

// Identity returns the change set that keeps all n characters.
func Identity(n int) *ChangeSet {
	cs := &ChangeSet{LengthBefore: n, LengthAfter: n, Items: make([]Item, n)}
	for i := range cs.Items {
		cs.Items[i] = Retain(i)
	}
	return cs
}

// UnmarshalJSON rejects documents without an items array or with malformed
// items. It does not check the validity rules; see Valid.
func (cs *ChangeSet) UnmarshalJSON(data []byte) error {
	var env struct {
		LengthBefore *int    `json:"lengthBefore"`
		LengthAfter  *int    `json:"lengthAfter"`
		Items        *[]Item `json:"items"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if env.LengthBefore == nil || env.LengthAfter == nil {
		return errors.New("change set requires lengthBefore and lengthAfter")
	}
	if env.Items == nil {
		return errors.New("change set requires an items array")
	}
	cs.LengthBefore = *env.LengthBefore
	cs.LengthAfter = *env.LengthAfter
	cs.Items = *env.Items
	if cs.Items == nil {
		cs.Items = []Item{}
	}
	return nil
}

// Parse decodes a change set from its JSON form.
func Parse(s string) (*ChangeSet, error) {
	var cs ChangeSet
	if err := json.Unmarshal([]byte(s), &cs); err != nil {
		return nil, fmt.Errorf("parse change set: %w", err)
	}
	return &cs, nil
}

// JSON encodes the change set.
func (cs *ChangeSet) JSON() string {
	items := cs.Items
	if items == nil {
		items = []Item{}
	}
	data, err := json.Marshal(ChangeSet{LengthBefore: cs.LengthBefore, LengthAfter: cs.LengthAfter, Items: items})
	if err != nil {
		// Items only hold ints and strings.
		panic(fmt.Sprintf("marshal change set: %v", err))
	}
	return string(data)
}

// Valid reports whether the item count matches LengthAfter and retained
// indexes are in range and strictly increasing.
func (cs *ChangeSet) Valid() bool {
	if cs.LengthBefore < 0 || cs.LengthAfter != len(cs.Items) {
		return false
	}
	last := -1
	for _, it := range cs.Items {
		if it.insert {
			continue
		}
		if it.index < 0 || it.index >= cs.LengthBefore || it.index <= last {
			return false
		}
		last = it.index
	}
	return true
}

// Equal compares two change sets item by item.
func (cs *ChangeSet) Equal(other *ChangeSet) bool {
	if cs.LengthBefore != other.LengthBefore || cs.LengthAfter != other.LengthAfter || len(cs.Items) != len(other.Items) {
		return false
	}
	for i, it := range cs.Items {
		if it != other.Items[i] {
			return false
		}
	}
	return true
}

// Apply produces the text that results from applying cs to text.
func (cs *ChangeSet) Apply(text []Char) ([]Char, error) {
	if len(text) != cs.LengthBefore {
		return nil, fmt.Errorf("%w: text has %d chars, change set expects %d", ErrLengthMismatch, len(text), cs.LengthBefore)
	}
	res := make([]Char, 0, len(cs.Items))
	for _, it := range cs.Items {
		if it.insert {
			res = append(res, it.char)
			continue
		}
		if it.index < 0 || it.index >= len(text) {
			return nil, fmt.Errorf("%w: retained index %d out of range", ErrLengthMismatch, it.index)
		}
		res = append(res, text[it.index])
	}
	return res, nil
}

// Compose returns the change set equivalent to a followed by b.
func Compose(a, b *ChangeSet) (*ChangeSet, error) {
	if a.LengthAfter != b.LengthBefore || len(a.Items) != a.LengthAfter {
		return nil, fmt.Errorf("%w: cannot compose %d>%d with %d>%d", ErrLengthMismatch,
			a.LengthBefore, a.LengthAfter, b.LengthBefore, b.LengthAfter)
	}
	res := &ChangeSet{
		LengthBefore: a.LengthBefore,
		LengthAfter:  b.LengthAfter,
		Items:        make([]Item, 0, len(b.Items)),
	}
	for _, it := range b.Items {
		if it.insert {
			res.Items = append(res.Items, it)
			continue
		}
		if it.index < 0 || it.index >= len(a.Items) {
			return nil, fmt.Errorf("%w: retained index %d out of range", ErrLengthMismatch, it.index)
		}
		res.Items = append(res.Items, a.Items[it.index])
	}
	return res, nil
}

// Follow transforms b, authored concurrently with a against the same text,
// so that it applies to the result of a. Concurrent insertions at the same
// spot are ordered by Char.Compare, which makes
// Compose(a, Follow(a, b)) and Compose(b, Follow(b, a)) produce the same text.
// The order is decided per character, not per run: "ac" inserted against "b"
// at the same spot yields "abc" on both sides.
func Follow(a, b *ChangeSet) (*ChangeSet, error) {
	if a.LengthBefore != b.LengthBefore {
		return nil, fmt.Errorf("%w: cannot follow %d> with %d>", ErrLengthMismatch, a.LengthBefore, b.LengthBefore)
	}
	res := &ChangeSet{LengthBefore: a.LengthAfter}
	ixa, ixb := 0, 0
	for ixa < len(a.Items) || ixb < len(b.Items) {
		if ixa == len(a.Items) {
			if b.Items[ixb].insert {
				res.Items = append(res.Items, b.Items[ixb])
			}
			ixb++
			continue
		}
		if ixb == len(b.Items) {
			if a.Items[ixa].insert {
				res.Items = append(res.Items, Retain(ixa))
			}
			ixa++
			continue
		}
		ia, ib := a.Items[ixa], b.Items[ixb]
		switch {
		case !ia.insert && !ib.insert:
			if ia.index == ib.index {
				res.Items = append(res.Items, Retain(ixa))
				ixa++
				ixb++
			} else if ia.index < ib.index {
				ixa++
			} else {
				ixb++
			}
		case ia.insert && ib.insert:
			switch cmp := ia.char.Compare(ib.char); {
			case cmp < 0:
				res.Items = append(res.Items, Retain(ixa))
				ixa++
			case cmp > 0:
				res.Items = append(res.Items, ib)
				ixb++
			default:
				res.Items = append(res.Items, Retain(ixa), ib)
				ixa++
				ixb++
			}
		case ia.insert:
			res.Items = append(res.Items, Retain(ixa))
			ixa++
		default:
			res.Items = append(res.Items, ib)
			ixb++
		}
	}
	if res.Items == nil {
		res.Items = []Item{}
	}
	res.LengthAfter = len(res.Items)
	return res, nil
}

// Merge combines two change sets against the same text: whatever both keep
// is kept, and everything either inserts is inserted. Merge(a, b) and
// Merge(b, a) are identical.
func Merge(a, b *ChangeSet) (*ChangeSet, error) {
	if a.LengthBefore != b.LengthBefore {
		return nil, fmt.Errorf("%w: cannot merge %d> with %d>", ErrLengthMismatch, a.LengthBefore, b.LengthBefore)
	}
	res := &ChangeSet{LengthBefore: a.LengthBefore}
	ixa, ixb := 0, 0
	for ixa < len(a.Items) || ixb < len(b.Items) {
		if ixa == len(a.Items) {
			if b.Items[ixb].insert {
				res.Items = append(res.Items, b.Items[ixb])
			}
			ixb++
			continue
		}
		if ixb == len(b.Items) {
			if a.Items[ixa].insert {
				res.Items = append(res.Items, a.Items[ixa])
			}
			ixa++
			continue
		}
		ia, ib := a.Items[ixa], b.Items[ixb]
		switch {
		case !ia.insert && !ib.insert:
			if ia.index == ib.index {
				res.Items = append(res.Items, ia)
				ixa++
				ixb++
			} else if ia.index < ib.index {
				ixa++
			} else {
				ixb++
			}
		case ia.insert && ib.insert:
			if ia.char.Compare(ib.char) < 0 {
				res.Items = append(res.Items, ia, ib)
			} else {
				res.Items = append(res.Items, ib, ia)
			}
			ixa++
			ixb++
		case ia.insert:
			res.Items = append(res.Items, ia)
			ixa++
		default:
			res.Items = append(res.Items, ib)
			ixb++
		}
	}
	if res.Items == nil {
		res.Items = []Item{}
	}
	res.LengthAfter = len(res.Items)
	return res, nil
}

// ForwardPositions rewrites positions in the text before cs to the matching
// positions in the text after it. Positions inside a deleted span collapse
// to where the span used to be.
func (cs *ChangeSet) ForwardPositions(poss []int) {
	resolved := make([]bool, len(poss))
	length := 0
	for _, it := range cs.Items {
		if !it.insert {
			for j, p := range poss {
				if resolved[j] {
					continue
				}
				if it.index+1 == p {
					poss[j] = length + 1
					resolved[j] = true
				} else if it.index >= p {
					poss[j] = length
					resolved[j] = true
				}
			}
		}
		length++
	}
	for j := range poss {
		if !resolved[j] {
			poss[j] = length
		}
	}
}

// ForwardSelection forwards both ends of sel through cs.
func (cs *ChangeSet) ForwardSelection(sel Selection) Selection {
	poss := []int{sel.Start, sel.End}
	cs.ForwardPositions(poss)
	return Selection{Start: poss[0], End: poss[1], CaretAtStart: sel.CaretAtStart}
}
