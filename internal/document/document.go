// Package document holds one document's baseline text and revision log,
// and rebases incoming edits onto the current head.
//
// A Document is not safe for concurrent use; the registry serializes access.
package document

import (
	"errors"
	"fmt"
	"time"

	"hanwrite/api/internal/changeset"
)

var ErrUnknownRevision = errors.New("unknown revision")

type Document struct {
	ID   string
	Name string

	startText    []changeset.Char
	revisions    []*changeset.ChangeSet
	headText     []changeset.Char
	dirty        bool
	lastAccessed time.Time
}

// New creates a document whose revision log holds a single identity
// revision over text.
func New(id, name string, text []changeset.Char, now time.Time) *Document {
	start := append([]changeset.Char(nil), text...)
	if start == nil {
		start = []changeset.Char{}
	}
	return &Document{
		ID:           id,
		Name:         name,
		startText:    start,
		revisions:    []*changeset.ChangeSet{changeset.Identity(len(start))},
		headText:     start,
		lastAccessed: now,
	}
}

// RevisionID is the index of the newest revision.
func (d *Document) RevisionID() int {
	return len(d.revisions) - 1
}

func (d *Document) RevisionCount() int {
	return len(d.revisions)
}

// StartText is the text the document was created or loaded with.
func (d *Document) StartText() []changeset.Char {
	return append([]changeset.Char{}, d.startText...)
}

// HeadText returns a copy of the current text.
func (d *Document) HeadText() []changeset.Char {
	return append([]changeset.Char{}, d.headText...)
}

func (d *Document) HeadLength() int {
	return len(d.headText)
}

func (d *Document) Dirty() bool {
	return d.dirty
}

// MarkSaved clears the dirty flag once the head has been handed to storage.
func (d *Document) MarkSaved() {
	d.dirty = false
}

// MarkDirty flags the document for the next save, e.g. after a failed one.
func (d *Document) MarkDirty() {
	d.dirty = true
}

func (d *Document) Touch(now time.Time) {
	d.lastAccessed = now
}

func (d *Document) LastAccessed() time.Time {
	return d.lastAccessed
}

// ApplyChange rebases cs, authored against revision baseRev, onto the head,
// appends the result as a new revision and applies it to the head text.
// sel is the submitter's selection in their own text after cs; the returned
// selection is the same range in the new head text. It is moved through each
// newer revision as seen from the submitter's side (Follow(rebased, rev)),
// not through the bare revision, so a caret after the submitter's own
// insertion stays after it.
//
// cs must already be valid.
func (d *Document) ApplyChange(cs *changeset.ChangeSet, sel changeset.Selection, baseRev int) (*changeset.ChangeSet, changeset.Selection, error) {
	if err := d.checkRevision(baseRev); err != nil {
		return nil, sel, err
	}
	if want := d.revisions[baseRev].LengthAfter; cs.LengthBefore != want {
		return nil, sel, fmt.Errorf("%w: change expects %d chars, revision %d has %d",
			changeset.ErrLengthMismatch, cs.LengthBefore, baseRev, want)
	}

	rebased := cs
	for i := baseRev + 1; i < len(d.revisions); i++ {
		rev := d.revisions[i]
		// rev as seen from the submitter's text moves their selection.
		seen, err := changeset.Follow(rebased, rev)
		if err != nil {
			return nil, sel, fmt.Errorf("rebase selection over revision %d: %w", i, err)
		}
		sel = seen.ForwardSelection(sel)
		if rebased, err = changeset.Follow(rev, rebased); err != nil {
			return nil, sel, fmt.Errorf("rebase change over revision %d: %w", i, err)
		}
	}

	head, err := rebased.Apply(d.headText)
	if err != nil {
		return nil, sel, fmt.Errorf("apply rebased change: %w", err)
	}
	d.revisions = append(d.revisions, rebased)
	d.headText = head
	d.dirty = true
	return rebased, clampSelection(sel, len(head)), nil
}

// ForwardSelection moves sel, given against revision baseRev, to the head.
func (d *Document) ForwardSelection(sel changeset.Selection, baseRev int) (changeset.Selection, error) {
	if err := d.checkRevision(baseRev); err != nil {
		return sel, err
	}
	for i := baseRev + 1; i < len(d.revisions); i++ {
		sel = d.revisions[i].ForwardSelection(sel)
	}
	return clampSelection(sel, len(d.headText)), nil
}

// Snapshot is what storage keeps: the head text becomes the next baseline.
type Snapshot struct {
	ID   string
	Name string
	Text []changeset.Char
}

func (d *Document) Snapshot() Snapshot {
	return Snapshot{ID: d.ID, Name: d.Name, Text: d.HeadText()}
}

func (d *Document) checkRevision(rev int) error {
	if rev < 0 || rev >= len(d.revisions) {
		return fmt.Errorf("%w: %d (head is %d)", ErrUnknownRevision, rev, d.RevisionID())
	}
	return nil
}

func clampSelection(sel changeset.Selection, length int) changeset.Selection {
	clamp := func(p int) int {
		if p < 0 {
			return 0
		}
		if p > length {
			return length
		}
		return p
	}
	sel.Start = clamp(sel.Start)
	sel.End = clamp(sel.End)
	return sel
}
