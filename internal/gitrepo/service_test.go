package gitrepo

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"roundtable/api/internal/canon"
	"roundtable/api/internal/journal"
)

func sealedChain(t *testing.T, roomID string, n int) []journal.Entry {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	signer := journal.NewSigner(priv, true)

	var prev *string
	entries := make([]journal.Entry, 0, n)
	for i := 0; i < n; i++ {
		core := journal.BuildCore(journal.Snapshot{RoomID: roomID, RoundID: roomID + "_r", Idx: i, Phase: "published"}, prev)
		entry, err := journal.Seal(core, signer, canon.Sorted)
		if err != nil {
			t.Fatalf("Seal() error = %v", err)
		}
		entries = append(entries, entry)
		hash := entry.Hash
		prev = &hash
	}
	return entries
}

func TestMirrorCommitsEachSealedRound(t *testing.T) {
	tempDir := t.TempDir()
	mirror := New(tempDir)
	entries := sealedChain(t, "room-1", 3)

	for _, entry := range entries {
		commit, err := mirror.CommitEntry(entry)
		if err != nil {
			t.Fatalf("CommitEntry() error = %v", err)
		}
		if commit.Hash == "" {
			t.Fatal("expected commit hash")
		}
		if !strings.Contains(commit.Message, entry.Hash) {
			t.Fatalf("commit message %q does not name the entry hash", commit.Message)
		}
	}
	if _, err := os.Stat(filepath.Join(tempDir, "room-1", "journal", "000002.json")); err != nil {
		t.Fatalf("entry file missing: %v", err)
	}

	history, err := mirror.History("room-1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 commits, got %d", len(history))
	}

	var restored []journal.Entry
	for i := range entries {
		entry, err := mirror.ReadEntry("room-1", i)
		if err != nil {
			t.Fatalf("ReadEntry(%d) error = %v", i, err)
		}
		restored = append(restored, entry)
	}
	if err := journal.VerifyChain(restored); err != nil {
		t.Fatalf("mirrored chain does not verify: %v", err)
	}
}

func TestMirrorCommitIsIdempotentPerRound(t *testing.T) {
	mirror := New(t.TempDir())
	entry := sealedChain(t, "room-2", 1)[0]

	first, err := mirror.CommitEntry(entry)
	if err != nil {
		t.Fatalf("CommitEntry() error = %v", err)
	}
	second, err := mirror.CommitEntry(entry)
	if err != nil {
		t.Fatalf("second CommitEntry() error = %v", err)
	}
	if first.Hash != second.Hash {
		t.Fatalf("expected the existing commit, got %s then %s", first.Hash, second.Hash)
	}
	history, _ := mirror.History("room-2", 0)
	if len(history) != 1 {
		t.Fatalf("expected one commit, got %d", len(history))
	}
}

func TestMirrorRoomsAreIndependentUnderConcurrency(t *testing.T) {
	mirror := New(t.TempDir())
	rooms := []string{"room-a", "room-b", "room-c"}

	var wg sync.WaitGroup
	errs := make(chan error, len(rooms))
	for _, roomID := range rooms {
		entries := sealedChain(t, roomID, 2)
		wg.Add(1)
		go func(entries []journal.Entry) {
			defer wg.Done()
			for _, entry := range entries {
				if _, err := mirror.CommitEntry(entry); err != nil {
					errs <- err
					return
				}
			}
		}(entries)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("CommitEntry() error = %v", err)
	}

	for _, roomID := range rooms {
		history, err := mirror.History(roomID, 0)
		if err != nil {
			t.Fatalf("History(%s) error = %v", roomID, err)
		}
		if len(history) != 2 {
			t.Fatalf("%s: expected 2 commits, got %d", roomID, len(history))
		}
	}
}
