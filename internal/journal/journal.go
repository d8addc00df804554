// Package journal builds, seals and verifies the hash-chained record of
// completed rounds. Each entry signs the hex digest of its canonical core
// and links to the previous entry of the same room through prev_hash.
package journal

import (
	"encoding/base64"
	"errors"
	"fmt"

	"roundtable/api/internal/canon"
	"roundtable/api/internal/fault"
	"roundtable/api/internal/identity"
)

const AlgEd25519 = "ed25519"

type Tally struct {
	Yes int `json:"yes"`
	No  int `json:"no"`
}

// Core is the signed portion of an entry.
type Core struct {
	RoomID                string   `json:"room_id"`
	RoundID               string   `json:"round_id"`
	Idx                   int      `json:"idx"`
	Phase                 string   `json:"phase"`
	SubmitDeadlineUnix    int64    `json:"submit_deadline_unix"`
	PublishedAtUnix       int64    `json:"published_at_unix"`
	ContinueVoteCloseUnix int64    `json:"continue_vote_close_unix"`
	ContinueTally         Tally    `json:"continue_tally"`
	TranscriptHashes      []string `json:"transcript_hashes"`
	PrevHash              *string  `json:"prev_hash"`
}

type Signature struct {
	Alg           string `json:"alg"`
	PublicKey     string `json:"public_key"`
	Sig           string `json:"sig"`
	Canonicalizer string `json:"canonicalizer"`
	PersistentKey bool   `json:"persistent_key"`
}

type Entry struct {
	Core      Core      `json:"core"`
	Hash      string    `json:"hash"`
	Signature Signature `json:"signature"`
}

// Snapshot is whatever round state is at hand when sealing. Missing
// fields fall back to zero values.
type Snapshot struct {
	RoomID                string
	RoundID               string
	Idx                   int
	Phase                 string
	SubmitDeadlineUnix    int64
	PublishedAtUnix       int64
	ContinueVoteCloseUnix int64
	Yes                   int
	No                    int
	TranscriptHashes      []string
}

var (
	ErrHashMismatch   = errors.New("journal: hash does not match core")
	ErrSignature      = errors.New("journal: signature does not verify")
	ErrBrokenChain    = errors.New("journal: prev_hash does not link to previous entry")
	ErrOutOfOrder     = errors.New("journal: entries are not in increasing idx order")
	ErrMixedRooms     = errors.New("journal: chain spans more than one room")
	ErrUnexpectedPrev = errors.New("journal: first entry must have null prev_hash")
)

// BuildCore never fails; absent values become zero, an empty list or null.
func BuildCore(snap Snapshot, prevHash *string) Core {
	hashes := make([]string, 0, len(snap.TranscriptHashes))
	for _, h := range snap.TranscriptHashes {
		if h != "" {
			hashes = append(hashes, h)
		}
	}
	var prev *string
	if prevHash != nil && *prevHash != "" {
		p := *prevHash
		prev = &p
	}
	yes, no := snap.Yes, snap.No
	if yes < 0 {
		yes = 0
	}
	if no < 0 {
		no = 0
	}
	return Core{
		RoomID:                snap.RoomID,
		RoundID:               snap.RoundID,
		Idx:                   snap.Idx,
		Phase:                 snap.Phase,
		SubmitDeadlineUnix:    snap.SubmitDeadlineUnix,
		PublishedAtUnix:       snap.PublishedAtUnix,
		ContinueVoteCloseUnix: snap.ContinueVoteCloseUnix,
		ContinueTally:         Tally{Yes: yes, No: no},
		TranscriptHashes:      hashes,
		PrevHash:              prev,
	}
}

// Seal canonicalizes core under mode, hashes it and signs the hex string
// of the hash.
func Seal(core Core, signer *Signer, mode canon.Mode) (Entry, error) {
	if signer == nil {
		return Entry{}, fault.New(fault.KindInternal, "journal signer is not configured")
	}
	if core.TranscriptHashes == nil {
		core.TranscriptHashes = []string{}
	}
	hash, _, err := canon.Sum(mode, core)
	if err != nil {
		return Entry{}, err
	}
	sig := signer.Sign([]byte(hash))
	return Entry{
		Core: core,
		Hash: hash,
		Signature: Signature{
			Alg:           AlgEd25519,
			PublicKey:     base64.StdEncoding.EncodeToString(identity.EncodeKey(signer.PublicKey())),
			Sig:           base64.StdEncoding.EncodeToString(sig),
			Canonicalizer: mode.String(),
			PersistentKey: signer.Persistent(),
		},
	}, nil
}

// Verify recomputes the hash under the entry's recorded canonicalizer and
// checks the signature against the embedded public key.
func Verify(entry Entry) error {
	mode, err := canon.ForName(entry.Signature.Canonicalizer)
	if err != nil {
		return err
	}
	core := entry.Core
	if core.TranscriptHashes == nil {
		core.TranscriptHashes = []string{}
	}
	hash, _, err := canon.Sum(mode, core)
	if err != nil {
		return err
	}
	if hash != entry.Hash {
		return ErrHashMismatch
	}
	return VerifySignature(entry)
}

// VerifySignature checks only the signature over entry.Hash.
func VerifySignature(entry Entry) error {
	if entry.Signature.Alg != AlgEd25519 {
		return fault.Newf(fault.KindInvalidSignature, "unsupported signature algorithm %q", entry.Signature.Alg)
	}
	pub, err := identity.ParseKeyMaterial(identity.KindRaw, entry.Signature.PublicKey)
	if err != nil {
		return err
	}
	sig, err := identity.ParseSignature(identity.KindRaw, entry.Signature.Sig)
	if err != nil {
		return err
	}
	if !identity.Verify(pub, []byte(entry.Hash), sig) {
		return ErrSignature
	}
	return nil
}

// VerifyChain verifies every entry and the links between them. entries
// must be ordered by idx.
func VerifyChain(entries []Entry) error {
	for i, entry := range entries {
		if err := Verify(entry); err != nil {
			return &ChainError{Idx: entry.Core.Idx, Err: err}
		}
		if i == 0 {
			if entry.Core.PrevHash != nil {
				return &ChainError{Idx: entry.Core.Idx, Err: ErrUnexpectedPrev}
			}
			continue
		}
		prev := entries[i-1]
		if entry.Core.RoomID != prev.Core.RoomID {
			return &ChainError{Idx: entry.Core.Idx, Err: ErrMixedRooms}
		}
		if entry.Core.Idx <= prev.Core.Idx {
			return &ChainError{Idx: entry.Core.Idx, Err: ErrOutOfOrder}
		}
		if entry.Core.PrevHash == nil || *entry.Core.PrevHash != prev.Hash {
			return &ChainError{Idx: entry.Core.Idx, Err: ErrBrokenChain}
		}
	}
	return nil
}

// ChainError names the entry where verification stopped.
type ChainError struct {
	Idx int
	Err error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("journal entry %d: %v", e.Idx, e.Err)
}

func (e *ChainError) Unwrap() error {
	return e.Err
}
