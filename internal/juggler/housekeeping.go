package juggler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"hanwrite/api/internal/store"
)

// Run performs housekeeping every HousekeepInterval until ctx is done, then
// saves whatever is still dirty.
func (j *Juggler) Run(ctx context.Context) {
	ticker := time.NewTicker(j.opts.HousekeepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			j.SweepDocuments(flushCtx)
			cancel()
			log.Printf("juggler: housekeeping stopped")
			return
		case <-ticker.C:
			j.SweepDocuments(ctx)
			j.SweepSessions()
		}
	}
}

// SweepDocuments saves dirty documents and unloads idle ones, one document
// per lock acquisition. Each document is handled at most once per sweep.
// A failed save leaves the document dirty and ends the sweep.
func (j *Juggler) SweepDocuments(ctx context.Context) {
	handled := make(map[string]bool)
	for {
		rec, ok, err := j.sweepOne(ctx, handled)
		if err != nil {
			log.Printf("juggler: save %s: %v", rec.ID, err)
			return
		}
		if !ok {
			return
		}
		if rec.ID != "" {
			j.notifySaved(rec)
		}
	}
}

// sweepOne handles a single document. ok is false when there was nothing
// left to do; rec is set when a document was saved.
func (j *Juggler) sweepOne(ctx context.Context, handled map[string]bool) (store.Record, bool, error) {
	j.saveMu.Lock()
	defer j.saveMu.Unlock()

	j.mu.Lock()
	now := j.opts.Now()
	var (
		rec   store.Record
		saved bool
		found bool
	)
	for id, doc := range j.docs {
		if handled[id] {
			continue
		}
		if doc.Dirty() {
			rec = recordOf(doc.Snapshot())
			doc.MarkSaved()
			saved, found = true, true
			handled[id] = true
			break
		}
		if now.Sub(doc.LastAccessed()) > j.opts.DocumentIdleTimeout && !j.hasSessions(id) {
			delete(j.docs, id)
			log.Printf("juggler: unloaded idle document %s", id)
			found = true
			handled[id] = true
			break
		}
	}
	j.mu.Unlock()

	if !saved {
		return store.Record{}, found, nil
	}
	if err := j.store.Save(ctx, rec); err != nil {
		j.mu.Lock()
		if doc := j.docs[rec.ID]; doc != nil {
			doc.MarkDirty()
		}
		j.mu.Unlock()
		return rec, false, err
	}
	return rec, true, nil
}

// SweepSessions drops sessions never claimed within the claim timeout and
// sessions idle past the idle timeout. Connections of expired active
// sessions are closed through the messenger.
func (j *Juggler) SweepSessions() {
	j.mu.Lock()
	now := j.opts.Now()
	var terminate []string
	for key, sess := range j.sessions {
		switch {
		case !sess.active() && now.Sub(sess.requested) > j.opts.SessionClaimTimeout:
			delete(j.sessions, key)
		case now.Sub(sess.lastActive) > j.opts.SessionIdleTimeout:
			delete(j.sessions, key)
			if sess.active() {
				terminate = append(terminate, key)
			}
		}
	}
	j.mu.Unlock()

	if len(terminate) > 0 {
		sort.Strings(terminate)
		log.Printf("juggler: expired %d idle sessions", len(terminate))
		j.messenger.TerminateSessions(terminate, "session expired")
	}
}

// hasSessions must be called with mu held.
func (j *Juggler) hasSessions(docID string) bool {
	for _, s := range j.sessions {
		if s.docID == docID {
			return true
		}
	}
	return false
}

func marshalSelections(sels []PeerSelection) (string, error) {
	data, err := json.Marshal(sels)
	if err != nil {
		return "", fmt.Errorf("marshal selections: %w", err)
	}
	return string(data), nil
}
