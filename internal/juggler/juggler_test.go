package juggler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hanwrite/api/internal/changeset"
	"hanwrite/api/internal/store"
)

type fakeMessenger struct {
	mu         sync.Mutex
	broadcasts []Broadcast
	terminated []string
	reasons    []string
}

func (m *fakeMessenger) Broadcast(b Broadcast) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcasts = append(m.broadcasts, b)
}

func (m *fakeMessenger) TerminateSessions(keys []string, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminated = append(m.terminated, keys...)
	m.reasons = append(m.reasons, reason)
}

func (m *fakeMessenger) last(t *testing.T) Broadcast {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.broadcasts)
	return m.broadcasts[len(m.broadcasts)-1]
}

func (m *fakeMessenger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.broadcasts)
}

type fakeObserver struct {
	mu      sync.Mutex
	saved   []store.Record
	deleted []string
}

func (o *fakeObserver) DocumentSaved(rec store.Record) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.saved = append(o.saved, rec)
}

func (o *fakeObserver) DocumentDeleted(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deleted = append(o.deleted, id)
}

// hookStore is a MemoryStore whose Save and Delete can be overridden.
type hookStore struct {
	*store.MemoryStore
	SaveFn   func(ctx context.Context, rec store.Record) error
	DeleteFn func(ctx context.Context, id string) error
}

func (s *hookStore) Delete(ctx context.Context, id string) error {
	if s.DeleteFn != nil {
		return s.DeleteFn(ctx, id)
	}
	return s.MemoryStore.Delete(ctx, id)
}

func (s *hookStore) Save(ctx context.Context, rec store.Record) error {
	if s.SaveFn != nil {
		return s.SaveFn(ctx, rec)
	}
	return s.MemoryStore.Save(ctx, rec)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	j         *Juggler
	store     *hookStore
	messenger *fakeMessenger
	observer  *fakeObserver
	clock     *clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     &hookStore{MemoryStore: store.NewMemoryStore()},
		messenger: &fakeMessenger{},
		observer:  &fakeObserver{},
		clock:     &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	var docN, sessN int
	h.j = New(h.store, h.messenger, Options{
		SessionClaimTimeout: 10 * time.Second,
		SessionIdleTimeout:  time.Hour,
		DocumentIdleTimeout: 2 * time.Hour,
		Now:                 h.clock.Now,
		NewDocumentID: func() string {
			docN++
			return fmt.Sprintf("doc%d", docN)
		},
		NewSessionKey: func() string {
			sessN++
			return fmt.Sprintf("S-%d", sessN)
		},
	}, h.observer)
	return h
}

func (h *harness) seed(t *testing.T, id, text string) {
	t.Helper()
	require.NoError(t, h.store.MemoryStore.Save(context.Background(), store.Record{ID: id, Name: "Doc " + id, Text: changeset.Text(text)}))
}

func (h *harness) open(t *testing.T, docID string) string {
	t.Helper()
	key, err := h.j.RequestSession(context.Background(), docID)
	require.NoError(t, err)
	_, err = h.j.StartSession(context.Background(), key)
	require.NoError(t, err)
	return key
}

func TestCreateDocumentPersistsImmediately(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.j.CreateDocument(ctx, "Shopping")
	require.NoError(t, err)
	assert.Equal(t, "doc1", id)

	rec, err := h.store.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Shopping", rec.Name)
	assert.Empty(t, rec.Text)
	assert.Equal(t, 1, h.j.Stats().Documents)
	require.Len(t, h.observer.saved, 1)
}

func TestCreateDocumentSkipsTakenIDs(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "doc1", "taken")
	id, err := h.j.CreateDocument(context.Background(), "Fresh")
	require.NoError(t, err)
	assert.Equal(t, "doc2", id)
}

func TestSessionLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "d1", "你好")

	_, err := h.j.RequestSession(ctx, "nope")
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	first := h.open(t, "d1")
	key, err := h.j.RequestSession(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, h.j.IsSessionOpen(key), "requested sessions are not open")

	msg, err := h.j.StartSession(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "Doc d1", msg.Name)
	assert.Equal(t, 0, msg.RevisionID)
	assert.Equal(t, "你好", changeset.PlainString(msg.Text))
	require.Len(t, msg.PeerSelections, 1)
	assert.Equal(t, first, msg.PeerSelections[0].SessionKey)
	assert.True(t, h.j.IsSessionOpen(key))

	_, err = h.j.StartSession(ctx, key)
	assert.ErrorIs(t, err, ErrSessionActive)
	_, err = h.j.StartSession(ctx, "S-missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	h.j.CloseSession(key)
	assert.False(t, h.j.IsSessionOpen(key))
	assert.False(t, h.j.Ping(key))
	assert.True(t, h.j.Ping(first))
}

func TestChangeReceivedBroadcastsAndRebases(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "d1", "ABCD")
	a := h.open(t, "d1")
	b := h.open(t, "d1")

	require.NoError(t, h.j.ChangeReceived(ctx, a, 0, changeset.Selection{Start: 2, End: 2}, changeset.MustParseDiag("4>0,X,1,2,3")))
	got := h.messenger.last(t)
	assert.Equal(t, a, got.SourceSessionKey)
	assert.Equal(t, []string{b}, got.Receivers)
	assert.Equal(t, 0, got.BaseRevisionID)
	assert.Equal(t, 1, got.NewRevisionID)
	assert.Equal(t, changeset.MustParseDiag("4>0,X,1,2,3").JSON(), got.ChangeJSON)
	assert.JSONEq(t, `[
		{"sessionKey":"S-1","start":2,"end":2,"caretAtStart":false},
		{"sessionKey":"S-2","start":0,"end":0,"caretAtStart":false}
	]`, got.SelectionsJSON)

	// b has not seen revision 1 yet.
	require.NoError(t, h.j.ChangeReceived(ctx, b, 0, changeset.Selection{Start: 5, End: 5}, changeset.MustParseDiag("4>0,1,2,3,Y")))
	got = h.messenger.last(t)
	assert.Equal(t, []string{a}, got.Receivers)
	assert.Equal(t, 2, got.NewRevisionID)
	rebased, err := changeset.Parse(got.ChangeJSON)
	require.NoError(t, err)
	assert.Equal(t, "5>0,1,2,3,4,Y", rebased.String())
	assert.JSONEq(t, `[
		{"sessionKey":"S-1","start":2,"end":2,"caretAtStart":false},
		{"sessionKey":"S-2","start":6,"end":6,"caretAtStart":false}
	]`, got.SelectionsJSON)

	text, err := h.j.HeadText(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "AXBCDY", changeset.PlainString(text))
}

func TestStaleEditAppendsExactlyOneRevision(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "d1", "ABCD")
	a := h.open(t, "d1")
	b := h.open(t, "d1")

	require.NoError(t, h.j.ChangeReceived(ctx, a, 0, changeset.Selection{}, changeset.MustParseDiag("4>0,X,1,2,3")))
	require.NoError(t, h.j.ChangeReceived(ctx, a, 1, changeset.Selection{}, changeset.MustParseDiag("5>0,1,2,3")))
	require.NoError(t, h.j.ChangeReceived(ctx, b, 0, changeset.Selection{}, changeset.MustParseDiag("4>0,1,2,3,Y")))

	got := h.messenger.last(t)
	assert.Equal(t, 0, got.BaseRevisionID)
	assert.Equal(t, 3, got.NewRevisionID)
	text, err := h.j.HeadText(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "AXBCY", changeset.PlainString(text))
}

func TestSelectionOnlyUpdate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "d1", "ABCD")
	a := h.open(t, "d1")
	b := h.open(t, "d1")
	require.NoError(t, h.j.ChangeReceived(ctx, b, 0, changeset.Selection{}, changeset.MustParseDiag("4>X,0,1,2,3")))

	require.NoError(t, h.j.ChangeReceived(ctx, a, 0, changeset.Selection{Start: 1, End: 3, CaretAtStart: true}, nil))
	got := h.messenger.last(t)
	assert.Empty(t, got.ChangeJSON)
	assert.Equal(t, 1, got.NewRevisionID)
	assert.Equal(t, []string{b}, got.Receivers)
	assert.JSONEq(t, `[
		{"sessionKey":"S-1","start":2,"end":4,"caretAtStart":true},
		{"sessionKey":"S-2","start":0,"end":0,"caretAtStart":false}
	]`, got.SelectionsJSON)
}

func TestChangeReceivedRejectsBadInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "d1", "AB")
	a := h.open(t, "d1")

	err := h.j.ChangeReceived(ctx, a, 0, changeset.Selection{}, changeset.MustParseDiag("2>1,0"))
	assert.ErrorIs(t, err, ErrInvalidChange)
	err = h.j.ChangeReceived(ctx, a, 0, changeset.Selection{}, changeset.MustParseDiag("3>0,1,2"))
	assert.ErrorIs(t, err, ErrInvalidChange)
	err = h.j.ChangeReceived(ctx, a, 4, changeset.Selection{}, nil)
	assert.ErrorIs(t, err, ErrInvalidChange)
	err = h.j.ChangeReceived(ctx, "S-nope", 0, changeset.Selection{}, nil)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	requested, err := h.j.RequestSession(ctx, "d1")
	require.NoError(t, err)
	err = h.j.ChangeReceived(ctx, requested, 0, changeset.Selection{}, nil)
	assert.ErrorIs(t, err, ErrSessionNotFound, "sessions must be started before sending changes")

	assert.Equal(t, 0, h.messenger.count())
	snap, err := h.j.Snapshot(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "AB", changeset.PlainString(snap.Text))
}

func TestSweepDocumentsSavesAndEvicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "d1", "AB")
	a := h.open(t, "d1")
	require.NoError(t, h.j.ChangeReceived(ctx, a, 0, changeset.Selection{}, changeset.MustParseDiag("2>0,1,C")))

	h.j.SweepDocuments(ctx)
	rec, err := h.store.Load(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "ABC", changeset.PlainString(rec.Text))
	require.Len(t, h.observer.saved, 1)
	assert.Equal(t, "d1", h.observer.saved[0].ID)

	// Nothing dirty, nothing idle: a second sweep is a no-op.
	h.j.SweepDocuments(ctx)
	assert.Len(t, h.observer.saved, 1)

	// Sessions keep the document resident.
	h.clock.Advance(3 * time.Hour)
	h.j.SweepDocuments(ctx)
	assert.Equal(t, 1, h.j.Stats().Documents)

	h.j.CloseSession(a)
	h.j.SweepDocuments(ctx)
	assert.Equal(t, 0, h.j.Stats().Documents)

	// Reloading starts a fresh revision log over the saved head.
	key, err := h.j.RequestSession(ctx, "d1")
	require.NoError(t, err)
	msg, err := h.j.StartSession(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 0, msg.RevisionID)
	assert.Equal(t, "ABC", changeset.PlainString(msg.Text))
}

func TestSweepDocumentsKeepsDirtyOnSaveFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "d1", "AB")
	a := h.open(t, "d1")
	require.NoError(t, h.j.ChangeReceived(ctx, a, 0, changeset.Selection{}, changeset.MustParseDiag("2>0")))

	h.store.SaveFn = func(context.Context, store.Record) error { return errors.New("disk full") }
	h.j.SweepDocuments(ctx)
	assert.Empty(t, h.observer.saved)

	h.store.SaveFn = nil
	h.j.SweepDocuments(ctx)
	rec, err := h.store.Load(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "A", changeset.PlainString(rec.Text))
}

func TestSweepSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "d1", "AB")

	unclaimed, err := h.j.RequestSession(ctx, "d1")
	require.NoError(t, err)
	active := h.open(t, "d1")
	pinger := h.open(t, "d1")

	h.clock.Advance(11 * time.Second)
	h.j.SweepSessions()
	_, err = h.j.StartSession(ctx, unclaimed)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.True(t, h.j.IsSessionOpen(active))
	assert.Empty(t, h.messenger.terminated)

	h.clock.Advance(50 * time.Minute)
	assert.True(t, h.j.Ping(pinger))
	h.clock.Advance(20 * time.Minute)
	h.j.SweepSessions()
	assert.False(t, h.j.IsSessionOpen(active))
	assert.True(t, h.j.IsSessionOpen(pinger))
	assert.Equal(t, []string{active}, h.messenger.terminated)
	assert.Equal(t, []string{"session expired"}, h.messenger.reasons)
}

func TestDeleteDocument(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "d1", "AB")
	a := h.open(t, "d1")
	_, err := h.j.RequestSession(ctx, "d1")
	require.NoError(t, err)

	require.NoError(t, h.j.DeleteDocument(ctx, "d1"))
	assert.Equal(t, []string{a}, h.messenger.terminated)
	assert.Equal(t, []string{"document deleted"}, h.messenger.reasons)
	assert.Equal(t, []string{"d1"}, h.observer.deleted)
	assert.Equal(t, Stats{}, h.j.Stats())

	_, err = h.j.Snapshot(ctx, "d1")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
	require.NoError(t, h.j.DeleteDocument(ctx, "d1"), "deleting twice is fine")
}

func TestDeleteDocumentRefusesReloadWhileDeleting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "d1", "AB")

	var requestErr error
	h.store.DeleteFn = func(ctx context.Context, id string) error {
		// A session request racing the delete must not bring the document back.
		_, requestErr = h.j.RequestSession(ctx, id)
		return h.store.MemoryStore.Delete(ctx, id)
	}
	require.NoError(t, h.j.DeleteDocument(ctx, "d1"))
	assert.ErrorIs(t, requestErr, ErrDocumentNotFound)
	assert.Equal(t, Stats{}, h.j.Stats())

	h.j.SweepDocuments(ctx)
	_, err := h.store.MemoryStore.Load(ctx, "d1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	h.store.DeleteFn = nil
	_, err = h.j.RequestSession(ctx, "d1")
	assert.ErrorIs(t, err, ErrDocumentNotFound, "the id stays unknown after the delete completes")
}

func TestDeleteDocumentFailureClearsTombstone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "d1", "AB")
	h.store.DeleteFn = func(context.Context, string) error { return errors.New("disk full") }

	require.Error(t, h.j.DeleteDocument(ctx, "d1"))
	_, err := h.j.RequestSession(ctx, "d1")
	assert.NoError(t, err, "a failed delete leaves the document reachable")
}

func TestListAndName(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "d1", "AB")

	name, err := h.j.DocumentName(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "Doc d1", name)
	_, err = h.j.DocumentName(ctx, "../etc")
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	docs, err := h.j.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "d1", docs[0].ID)
}

func TestRunFlushesOnShutdown(t *testing.T) {
	h := newHarness(t)
	h.j.opts.HousekeepInterval = time.Hour
	h.seed(t, "d1", "AB")
	a := h.open(t, "d1")
	require.NoError(t, h.j.ChangeReceived(context.Background(), a, 0, changeset.Selection{}, changeset.MustParseDiag("2>Z,0,1")))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.j.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}

	rec, err := h.store.Load(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "ZAB", changeset.PlainString(rec.Text))
}

func TestConcurrentEditsConverge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "d1", "")
	keys := []string{h.open(t, "d1"), h.open(t, "d1"), h.open(t, "d1")}

	var wg sync.WaitGroup
	for i, key := range keys {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			// Every client appends to the empty base it saw at revision 0.
			cs := &changeset.ChangeSet{LengthBefore: 0, Items: []changeset.Item{
				changeset.Insert(changeset.Char{Hanzi: string(rune('a' + i))}),
			}}
			cs.LengthAfter = len(cs.Items)
			assert.NoError(t, h.j.ChangeReceived(ctx, key, 0, changeset.Selection{Start: 1, End: 1}, cs))
		}(i, key)
	}
	wg.Wait()

	text, err := h.j.HeadText(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "abc", changeset.PlainString(text), "concurrent inserts are ordered by character")
	assert.Equal(t, 3, h.messenger.count())
}
