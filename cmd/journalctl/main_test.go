package main

import (
	"encoding/json"
	"strings"
	"testing"

	"roundtable/api/internal/canon"
	"roundtable/api/internal/journal"
)

func sealedChain(t *testing.T, n int) ([]journal.Entry, *journal.Signer) {
	t.Helper()
	signer, err := journal.NewEphemeralSigner()
	if err != nil {
		t.Fatalf("NewEphemeralSigner() error = %v", err)
	}
	var entries []journal.Entry
	var prev *string
	for idx := 0; idx < n; idx++ {
		core := journal.BuildCore(journal.Snapshot{RoomID: "room_1", RoundID: "round_x", Idx: idx, Phase: "published"}, prev)
		entry, err := journal.Seal(core, signer, canon.Sorted)
		if err != nil {
			t.Fatalf("Seal() error = %v", err)
		}
		entries = append(entries, entry)
		hash := entry.Hash
		prev = &hash
	}
	return entries, signer
}

func TestDecodeEntriesAcceptsBundleAndArray(t *testing.T) {
	entries, _ := sealedChain(t, 2)

	array, _ := json.Marshal(entries)
	got, err := decodeEntries(array)
	if err != nil || len(got) != 2 {
		t.Fatalf("decodeEntries(array) = %d entries, error = %v", len(got), err)
	}

	bundle, _ := json.Marshal(map[string]any{"room": map[string]string{"id": "room_1"}, "journal": entries})
	got, err = decodeEntries(bundle)
	if err != nil || len(got) != 2 {
		t.Fatalf("decodeEntries(bundle) = %d entries, error = %v", len(got), err)
	}

	if _, err := decodeEntries([]byte(`{"room":{}}`)); err == nil {
		t.Fatal("expected bundle without journal to fail")
	}
	if _, err := decodeEntries([]byte("  ")); err == nil {
		t.Fatal("expected empty input to fail")
	}
}

func TestVerifyReportsChainState(t *testing.T) {
	entries, signer := sealedChain(t, 3)

	result := verify(entries, signer.Fingerprint())
	if !result.OK || result.HeadHash != entries[2].Hash || result.Signer != signer.Fingerprint() {
		t.Fatalf("unexpected report %+v", result)
	}

	other, _ := journal.NewEphemeralSigner()
	if result := verify(entries, other.Fingerprint()); result.OK || !strings.Contains(result.Error, "signed by") {
		t.Fatalf("expected signer mismatch, got %+v", result)
	}

	entries[1].Core.ContinueTally.Yes = 5
	if result := verify(entries, ""); result.OK {
		t.Fatal("expected tampered chain to fail")
	}
}
