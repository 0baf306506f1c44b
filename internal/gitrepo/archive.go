// Package gitrepo keeps a git history of every saved document head, one
// repository per document.
package gitrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"hanwrite/api/internal/changeset"
	"hanwrite/api/internal/store"
)

const contentFile = "content.json"

var (
	ErrNotArchived     = errors.New("document has no archive")
	ErrUnknownRevision = errors.New("unknown snapshot")
)

// Commit describes one archived save.
type Commit struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

type Archive struct {
	baseDir string
	now     func() time.Time
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Archive {
	return &Archive{
		baseDir: baseDir,
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Commit records rec as the newest snapshot of its document. It returns
// false when the content did not change since the last snapshot.
func (a *Archive) Commit(rec store.Record) (Commit, bool, error) {
	if err := checkID(rec.ID); err != nil {
		return Commit{}, false, err
	}
	lock := a.documentLock(rec.ID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := a.openOrInit(rec.ID)
	if err != nil {
		return Commit{}, false, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Commit{}, false, fmt.Errorf("open worktree: %w", err)
	}

	if rec.Text == nil {
		rec.Text = []changeset.Char{}
	}
	payload, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return Commit{}, false, fmt.Errorf("marshal snapshot: %w", err)
	}
	root := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(root, contentFile), append(payload, '\n'), 0o644); err != nil {
		return Commit{}, false, fmt.Errorf("write %s: %w", contentFile, err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return Commit{}, false, fmt.Errorf("git add snapshot: %w", err)
	}
	status, err := worktree.Status()
	if err != nil {
		return Commit{}, false, fmt.Errorf("worktree status: %w", err)
	}
	if status.IsClean() {
		return Commit{}, false, nil
	}

	message := fmt.Sprintf("Save %q (%d chars)", rec.Name, len(rec.Text))
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "hanwrite",
			Email: "archive@hanwrite.local",
			When:  a.now(),
		},
	})
	if err != nil {
		return Commit{}, false, fmt.Errorf("commit snapshot: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Commit{}, false, fmt.Errorf("read commit object: %w", err)
	}
	return toCommit(commitObj), true, nil
}

// History lists snapshots newest first. limit <= 0 means all of them.
func (a *Archive) History(docID string, limit int) ([]Commit, error) {
	if err := checkID(docID); err != nil {
		return nil, err
	}
	lock := a.documentLock(docID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := a.open(docID)
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Commit, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommit(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Content returns the snapshot stored in the given commit.
func (a *Archive) Content(docID, hash string) (store.Record, error) {
	if err := checkID(docID); err != nil {
		return store.Record{}, err
	}
	lock := a.documentLock(docID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := a.open(docID)
	if err != nil {
		return store.Record{}, err
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return store.Record{}, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return store.Record{}, fmt.Errorf("%w: %s", ErrUnknownRevision, hash)
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	file, err := commitObj.File(contentFile)
	if err != nil {
		return store.Record{}, fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return store.Record{}, fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return store.Record{}, fmt.Errorf("read content bytes: %w", err)
	}
	var rec store.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return store.Record{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return rec, nil
}

// Remove deletes a document's archive.
func (a *Archive) Remove(docID string) error {
	if err := checkID(docID); err != nil {
		return err
	}
	lock := a.documentLock(docID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(a.repoPath(docID)); err != nil {
		return fmt.Errorf("remove archive %s: %w", docID, err)
	}
	return nil
}

// DocumentSaved archives a freshly persisted head.
func (a *Archive) DocumentSaved(rec store.Record) {
	commit, created, err := a.Commit(rec)
	if err != nil {
		log.Printf("gitrepo: archive %s: %v", rec.ID, err)
		return
	}
	if created {
		log.Printf("gitrepo: archived %s at %s", rec.ID, commit.Hash)
	}
}

func (a *Archive) DocumentDeleted(docID string) {
	if err := a.Remove(docID); err != nil {
		log.Printf("gitrepo: %v", err)
	}
}

func (a *Archive) repoPath(docID string) string {
	return filepath.Join(a.baseDir, docID)
}

func (a *Archive) documentLock(docID string) *sync.Mutex {
	a.lockMu.Lock()
	defer a.lockMu.Unlock()
	lock, ok := a.locks[docID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	a.locks[docID] = lock
	return lock
}

func (a *Archive) open(docID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(a.repoPath(docID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNotArchived
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (a *Archive) openOrInit(docID string) (*git.Repository, error) {
	repo, err := a.open(docID)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, ErrNotArchived) {
		return nil, err
	}

	path := a.repoPath(docID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func toCommit(commitObj *object.Commit) Commit {
	return Commit{
		Hash:      commitObj.Hash.String()[:7],
		Message:   strings.TrimSpace(commitObj.Message),
		CreatedAt: commitObj.Author.When,
	}
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("%w: %s: %v", ErrUnknownRevision, hash, err)
	}
	return *resolved, nil
}

func checkID(docID string) error {
	if docID == "" || docID == "." || docID == ".." || strings.ContainsAny(docID, `/\`) {
		return fmt.Errorf("invalid document id %q", docID)
	}
	return nil
}
