// Package juggler owns every loaded document and every live editing session.
// All registry state sits behind one mutex; storage I/O from the housekeeping
// loop happens outside it.
package juggler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"hanwrite/api/internal/changeset"
	"hanwrite/api/internal/document"
	"hanwrite/api/internal/store"
	"hanwrite/api/internal/util"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionActive    = errors.New("session already started")
	ErrInvalidChange    = errors.New("invalid change")
)

// Store is the persistence the registry needs.
type Store interface {
	Load(ctx context.Context, id string) (store.Record, error)
	Save(ctx context.Context, rec store.Record) error
	Delete(ctx context.Context, id string) error
	Exists(ctx context.Context, id string) (bool, error)
	List(ctx context.Context) ([]store.DocumentInfo, error)
}

// Messenger receives outbound traffic. Implementations must not block.
type Messenger interface {
	Broadcast(b Broadcast)
	TerminateSessions(keys []string, reason string)
}

// Observer is told about documents after they reach storage.
type Observer interface {
	DocumentSaved(rec store.Record)
	DocumentDeleted(id string)
}

// Broadcast is one change or selection update to fan out to peers.
type Broadcast struct {
	SourceSessionKey string
	BaseRevisionID   int
	NewRevisionID    int
	Receivers        []string
	SelectionsJSON   string
	// ChangeJSON is empty for selection-only updates.
	ChangeJSON string
}

type PeerSelection struct {
	SessionKey string `json:"sessionKey"`
	changeset.Selection
}

// StartMessage is the snapshot a client receives when its session starts.
type StartMessage struct {
	Name           string           `json:"name"`
	RevisionID     int              `json:"revisionId"`
	Text           []changeset.Char `json:"text"`
	PeerSelections []PeerSelection  `json:"peerSelections"`
}

type Options struct {
	SessionClaimTimeout time.Duration
	SessionIdleTimeout  time.Duration
	DocumentIdleTimeout time.Duration
	HousekeepInterval   time.Duration

	Now           func() time.Time
	NewDocumentID func() string
	NewSessionKey func() string
}

func (o Options) withDefaults() Options {
	if o.SessionClaimTimeout <= 0 {
		o.SessionClaimTimeout = 10 * time.Second
	}
	if o.SessionIdleTimeout <= 0 {
		o.SessionIdleTimeout = 2 * time.Hour
	}
	if o.DocumentIdleTimeout <= 0 {
		o.DocumentIdleTimeout = 2*time.Hour + 10*time.Minute
	}
	if o.HousekeepInterval <= 0 {
		o.HousekeepInterval = 2 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewDocumentID == nil {
		o.NewDocumentID = util.NewShortID
	}
	if o.NewSessionKey == nil {
		o.NewSessionKey = util.NewSessionKey
	}
	return o
}

type session struct {
	key        string
	docID      string
	lastActive time.Time
	// requested is zero once a connection has claimed the session.
	requested time.Time
	selection *changeset.Selection
}

func (s *session) active() bool {
	return s.requested.IsZero()
}

type Juggler struct {
	store     Store
	messenger Messenger
	observers []Observer
	opts      Options

	// saveMu orders out-of-lock saves against deletes so a deleted
	// document is never written back.
	saveMu sync.Mutex

	mu       sync.Mutex
	docs     map[string]*document.Document
	sessions map[string]*session
	// deleting holds ids whose storage delete is in flight; they must not
	// be loaded again until it completes.
	deleting map[string]bool
}

func New(st Store, messenger Messenger, opts Options, observers ...Observer) *Juggler {
	return &Juggler{
		store:     st,
		messenger: messenger,
		observers: observers,
		opts:      opts.withDefaults(),
		docs:      make(map[string]*document.Document),
		sessions:  make(map[string]*session),
		deleting:  make(map[string]bool),
	}
}

// CreateDocument allocates a fresh id, persists an empty document under it
// and registers it in memory.
func (j *Juggler) CreateDocument(ctx context.Context, name string) (string, error) {
	var id string
	for {
		id = j.opts.NewDocumentID()
		j.mu.Lock()
		_, loaded := j.docs[id]
		loaded = loaded || j.deleting[id]
		j.mu.Unlock()
		if loaded {
			continue
		}
		exists, err := j.store.Exists(ctx, id)
		if err != nil {
			return "", fmt.Errorf("check document id: %w", err)
		}
		if !exists {
			break
		}
	}

	now := j.opts.Now()
	doc := document.New(id, name, nil, now)
	rec := recordOf(doc.Snapshot())
	if err := j.store.Save(ctx, rec); err != nil {
		return "", fmt.Errorf("save new document: %w", err)
	}

	j.mu.Lock()
	j.docs[id] = doc
	j.mu.Unlock()

	log.Printf("juggler: created document %s", id)
	j.notifySaved(rec)
	return id, nil
}

// DeleteDocument unloads a document, ends its sessions and removes it from
// storage. Unknown ids are not an error.
func (j *Juggler) DeleteDocument(ctx context.Context, id string) error {
	j.saveMu.Lock()
	defer j.saveMu.Unlock()

	j.mu.Lock()
	j.deleting[id] = true
	delete(j.docs, id)
	var terminate []string
	for key, sess := range j.sessions {
		if sess.docID != id {
			continue
		}
		delete(j.sessions, key)
		if sess.active() {
			terminate = append(terminate, key)
		}
	}
	j.mu.Unlock()

	if len(terminate) > 0 {
		sort.Strings(terminate)
		j.messenger.TerminateSessions(terminate, "document deleted")
	}
	err := j.store.Delete(ctx, id)
	j.mu.Lock()
	delete(j.deleting, id)
	j.mu.Unlock()
	if err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	for _, o := range j.observers {
		o.DocumentDeleted(id)
	}
	log.Printf("juggler: deleted document %s", id)
	return nil
}

// RequestSession loads the document if needed and registers a session in
// the requested state. The session must be started within the claim timeout.
func (j *Juggler) RequestSession(ctx context.Context, docID string) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	doc, err := j.ensureLoaded(ctx, docID)
	if err != nil {
		return "", err
	}
	now := j.opts.Now()
	doc.Touch(now)

	key := j.opts.NewSessionKey()
	for j.sessions[key] != nil {
		key = j.opts.NewSessionKey()
	}
	j.sessions[key] = &session{key: key, docID: docID, lastActive: now, requested: now}
	return key, nil
}

// StartSession promotes a requested session to active and returns the
// snapshot the client starts editing from.
func (j *Juggler) StartSession(ctx context.Context, key string) (StartMessage, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	sess := j.sessions[key]
	if sess == nil {
		return StartMessage{}, ErrSessionNotFound
	}
	if sess.active() {
		return StartMessage{}, ErrSessionActive
	}
	doc, err := j.ensureLoaded(ctx, sess.docID)
	if err != nil {
		return StartMessage{}, err
	}

	now := j.opts.Now()
	msg := StartMessage{
		Name:           doc.Name,
		RevisionID:     doc.RevisionID(),
		Text:           doc.HeadText(),
		PeerSelections: j.selectionsOf(doc.ID, key),
	}
	sess.requested = time.Time{}
	sess.lastActive = now
	sess.selection = &changeset.Selection{}
	doc.Touch(now)
	return msg, nil
}

// IsSessionOpen reports whether key names an active session.
func (j *Juggler) IsSessionOpen(key string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	sess := j.sessions[key]
	return sess != nil && sess.active()
}

// Ping is IsSessionOpen that also counts as session activity.
func (j *Juggler) Ping(key string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	sess := j.sessions[key]
	if sess == nil || !sess.active() {
		return false
	}
	sess.lastActive = j.opts.Now()
	return true
}

func (j *Juggler) CloseSession(key string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.sessions, key)
}

// ChangeReceived ingests an edit and/or selection from an active session.
// A nil cs is a selection-only update. Any error means the session should
// be ended.
func (j *Juggler) ChangeReceived(ctx context.Context, key string, baseRev int, sel changeset.Selection, cs *changeset.ChangeSet) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	sess := j.sessions[key]
	if sess == nil || !sess.active() {
		return ErrSessionNotFound
	}
	now := j.opts.Now()
	sess.lastActive = now
	doc, err := j.ensureLoaded(ctx, sess.docID)
	if err != nil {
		return err
	}
	doc.Touch(now)

	b := Broadcast{
		SourceSessionKey: key,
		BaseRevisionID:   baseRev,
		Receivers:        j.receiversOf(doc.ID, key),
	}

	if cs == nil {
		forwarded, err := doc.ForwardSelection(sel, baseRev)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidChange, err)
		}
		sess.selection = &forwarded
	} else {
		if !cs.Valid() {
			return fmt.Errorf("%w: %s", ErrInvalidChange, cs)
		}
		rebased, forwarded, err := doc.ApplyChange(cs, sel, baseRev)
		if err != nil {
			if errors.Is(err, document.ErrUnknownRevision) || errors.Is(err, changeset.ErrLengthMismatch) {
				return fmt.Errorf("%w: %v", ErrInvalidChange, err)
			}
			return err
		}
		for _, other := range j.sessions {
			if other == sess || other.docID != doc.ID || other.selection == nil {
				continue
			}
			moved := rebased.ForwardSelection(*other.selection)
			other.selection = &moved
		}
		sess.selection = &forwarded
		b.ChangeJSON = rebased.JSON()
	}

	b.NewRevisionID = doc.RevisionID()
	selJSON, err := marshalSelections(j.selectionsOf(doc.ID, ""))
	if err != nil {
		return err
	}
	b.SelectionsJSON = selJSON
	j.messenger.Broadcast(b)
	return nil
}

// Snapshot returns a copy of a document's current state, loading it if
// needed.
func (j *Juggler) Snapshot(ctx context.Context, id string) (document.Snapshot, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	doc, err := j.ensureLoaded(ctx, id)
	if err != nil {
		return document.Snapshot{}, err
	}
	return doc.Snapshot(), nil
}

func (j *Juggler) DocumentName(ctx context.Context, id string) (string, error) {
	snap, err := j.Snapshot(ctx, id)
	if err != nil {
		return "", err
	}
	return snap.Name, nil
}

func (j *Juggler) HeadText(ctx context.Context, id string) ([]changeset.Char, error) {
	snap, err := j.Snapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	return snap.Text, nil
}

func (j *Juggler) ListDocuments(ctx context.Context) ([]store.DocumentInfo, error) {
	docs, err := j.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

type Stats struct {
	Documents      int `json:"documents"`
	Sessions       int `json:"sessions"`
	ActiveSessions int `json:"activeSessions"`
}

func (j *Juggler) Stats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	st := Stats{Documents: len(j.docs), Sessions: len(j.sessions)}
	for _, s := range j.sessions {
		if s.active() {
			st.ActiveSessions++
		}
	}
	return st
}

// ensureLoaded must be called with mu held.
func (j *Juggler) ensureLoaded(ctx context.Context, id string) (*document.Document, error) {
	if doc := j.docs[id]; doc != nil {
		return doc, nil
	}
	if j.deleting[id] {
		return nil, ErrDocumentNotFound
	}
	rec, err := j.store.Load(ctx, id)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidID) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", id, err)
	}
	doc := document.New(rec.ID, rec.Name, rec.Text, j.opts.Now())
	j.docs[id] = doc
	log.Printf("juggler: loaded document %s", id)
	return doc, nil
}

// receiversOf lists the active sessions on docID other than except.
func (j *Juggler) receiversOf(docID, except string) []string {
	receivers := make([]string, 0)
	for key, s := range j.sessions {
		if key != except && s.docID == docID && s.active() {
			receivers = append(receivers, key)
		}
	}
	sort.Strings(receivers)
	return receivers
}

// selectionsOf lists the known selections on docID, skipping except.
func (j *Juggler) selectionsOf(docID, except string) []PeerSelection {
	sels := make([]PeerSelection, 0)
	for key, s := range j.sessions {
		if key == except || s.docID != docID || !s.active() || s.selection == nil {
			continue
		}
		sels = append(sels, PeerSelection{SessionKey: key, Selection: *s.selection})
	}
	sort.Slice(sels, func(a, b int) bool { return sels[a].SessionKey < sels[b].SessionKey })
	return sels
}

func recordOf(snap document.Snapshot) store.Record {
	return store.Record{ID: snap.ID, Name: snap.Name, Text: snap.Text}
}

func (j *Juggler) notifySaved(rec store.Record) {
	for _, o := range j.observers {
		o.DocumentSaved(rec)
	}
}
