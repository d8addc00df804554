// Package gitrepo mirrors each room's sealed journal into a git repository,
// one commit per sealed round, so the chain can be audited with stock git
// tooling.
package gitrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"roundtable/api/internal/journal"
)

const (
	mirrorAuthor = "Roundtable Journal"
	mirrorEmail  = "journal@roundtable.local"
	mainBranch   = "main"
)

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// Mirror owns one repository per room under baseDir.
type Mirror struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Mirror {
	return &Mirror{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

func entryPath(idx int) string {
	return filepath.Join("journal", fmt.Sprintf("%06d.json", idx))
}

func tagName(idx int) string {
	return fmt.Sprintf("round-%d", idx)
}

// CommitEntry writes entry to journal/<idx>.json, commits it on main and
// tags the commit round-<idx>. Committing an idx that is already tagged is
// a no-op.
func (m *Mirror) CommitEntry(entry journal.Entry) (CommitInfo, error) {
	roomID := entry.Core.RoomID
	lock := m.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := m.ensureRepo(roomID)
	if err != nil {
		return CommitInfo{}, err
	}
	if ref, err := repo.Tag(tagName(entry.Core.Idx)); err == nil {
		commitObj, err := repo.CommitObject(ref.Hash())
		if err != nil {
			return CommitInfo{}, fmt.Errorf("read tagged commit: %w", err)
		}
		return toCommitInfo(commitObj), nil
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}
	payload, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return CommitInfo{}, fmt.Errorf("marshal entry: %w", err)
	}

	rel := entryPath(entry.Core.Idx)
	full := filepath.Join(worktree.Filesystem.Root(), rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return CommitInfo{}, fmt.Errorf("create journal dir: %w", err)
	}
	if err := os.WriteFile(full, append(payload, '\n'), 0o644); err != nil {
		return CommitInfo{}, fmt.Errorf("write %s: %w", rel, err)
	}
	if _, err := worktree.Add(filepath.ToSlash(rel)); err != nil {
		return CommitInfo{}, fmt.Errorf("git add entry: %w", err)
	}

	message := fmt.Sprintf("Seal round %d\n\nhash: %s\nphase: %s", entry.Core.Idx, entry.Hash, entry.Core.Phase)
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  mirrorAuthor,
			Email: mirrorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit entry: %w", err)
	}
	if _, err := repo.CreateTag(tagName(entry.Core.Idx), hash, nil); err != nil && !errors.Is(err, git.ErrTagExists) {
		return CommitInfo{}, fmt.Errorf("create tag: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// ReadEntry loads the entry for idx from the commit tagged round-<idx>.
func (m *Mirror) ReadEntry(roomID string, idx int) (journal.Entry, error) {
	lock := m.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(m.repoPath(roomID))
	if err != nil {
		return journal.Entry{}, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Tag(tagName(idx))
	if err != nil {
		return journal.Entry{}, fmt.Errorf("resolve tag %s: %w", tagName(idx), err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return journal.Entry{}, fmt.Errorf("load commit object: %w", err)
	}
	return readEntryFromCommit(commitObj, idx)
}

func (m *Mirror) History(roomID string, limit int) ([]CommitInfo, error) {
	lock := m.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(m.repoPath(roomID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

func (m *Mirror) repoPath(roomID string) string {
	return filepath.Join(m.baseDir, roomID)
}

func (m *Mirror) roomLock(roomID string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	lock, ok := m.locks[roomID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	m.locks[roomID] = lock
	return lock
}

// ensureRepo opens the room's repository, initializing it with HEAD on
// main when it does not exist yet.
func (m *Mirror) ensureRepo(roomID string) (*git.Repository, error) {
	path := m.repoPath(roomID)
	if _, err := os.Stat(path); err == nil {
		repo, err := git.PlainOpen(path)
		if err != nil {
			return nil, fmt.Errorf("open repo: %w", err)
		}
		return repo, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func readEntryFromCommit(commitObj *object.Commit, idx int) (journal.Entry, error) {
	file, err := commitObj.File(filepath.ToSlash(entryPath(idx)))
	if err != nil {
		return journal.Entry{}, fmt.Errorf("load entry from commit: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return journal.Entry{}, fmt.Errorf("open entry reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return journal.Entry{}, fmt.Errorf("read entry bytes: %w", err)
	}
	var entry journal.Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return journal.Entry{}, fmt.Errorf("decode entry: %w", err)
	}
	return entry, nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}
