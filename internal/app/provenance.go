package app

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"roundtable/api/internal/fault"
	"roundtable/api/internal/gitrepo"
	"roundtable/api/internal/journal"
)

// JournalEntry returns the sealed entry for (room, idx). Entries never
// change once written, so they are cached. If the datastore read fails
// for a reason other than absence, the git mirror is consulted.
func (s *Service) JournalEntry(ctx context.Context, roomID string, idx int) (journal.Entry, error) {
	key := entryKey(roomID, idx)
	if entry, ok := s.sealed.Get(key); ok {
		return entry, nil
	}
	entry, err := s.store.GetJournalEntry(ctx, roomID, idx)
	if err != nil {
		if isNotFound(err) || s.mirror == nil {
			return journal.Entry{}, err
		}
		mirrored, mirrorErr := s.mirror.ReadEntry(roomID, idx)
		if mirrorErr != nil {
			return journal.Entry{}, err
		}
		log.WithError(err).WithFields(log.Fields{"room_id": roomID, "idx": idx}).Warn("journal: datastore read failed, served from mirror")
		return mirrored, nil
	}
	s.sealed.Add(key, entry)
	return entry, nil
}

func (s *Service) LatestJournalEntry(ctx context.Context, roomID string) (journal.Entry, error) {
	if _, err := s.store.GetRoom(ctx, roomID); err != nil {
		return journal.Entry{}, err
	}
	return s.store.LatestJournalEntry(ctx, roomID)
}

type JournalListing struct {
	RoomID       string          `json:"room_id"`
	Entries      []journal.Entry `json:"entries"`
	Verification ProvenanceCheck `json:"verification"`
}

// Journal lists a room's entries in idx order with the result of
// verifying the chain.
func (s *Service) Journal(ctx context.Context, roomID string) (JournalListing, error) {
	if !s.store.Durable() {
		s.tryAdvance(ctx, roomID)
	}
	if _, err := s.store.GetRoom(ctx, roomID); err != nil {
		return JournalListing{}, err
	}
	entries, err := s.store.ListJournalEntries(ctx, roomID)
	if err != nil {
		return JournalListing{}, fmt.Errorf("list journal: %w", err)
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	return JournalListing{RoomID: roomID, Entries: entries, Verification: checkChain(entries)}, nil
}

// MirrorHistory lists the mirror's commits for a room, newest first. It is
// empty when no mirror is configured.
func (s *Service) MirrorHistory(ctx context.Context, roomID string, limit int) ([]gitrepo.CommitInfo, error) {
	if _, err := s.store.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	if s.mirror == nil {
		return []gitrepo.CommitInfo{}, nil
	}
	history, err := s.mirror.History(roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("mirror history: %w", err)
	}
	return history, nil
}

type ProvenanceCheck struct {
	OK       bool    `json:"ok"`
	Entries  int     `json:"entries"`
	HeadHash *string `json:"head_hash"`
	Error    string  `json:"error,omitempty"`
}

type ProvenanceRequest struct {
	RoomID  string          `json:"room_id"`
	Entry   *journal.Entry  `json:"entry"`
	Entries []journal.Entry `json:"entries"`
}

// VerifyProvenance checks supplied entries, or a room's stored chain when
// only room_id is given. A failed check is a result, not an error.
func (s *Service) VerifyProvenance(ctx context.Context, req ProvenanceRequest) (ProvenanceCheck, error) {
	switch {
	case req.Entry != nil:
		return checkChain([]journal.Entry{*req.Entry}), nil
	case len(req.Entries) > 0:
		return checkChain(req.Entries), nil
	case req.RoomID != "":
		listing, err := s.Journal(ctx, req.RoomID)
		if err != nil {
			return ProvenanceCheck{}, err
		}
		return listing.Verification, nil
	default:
		return ProvenanceCheck{}, fault.New(fault.KindValidation, "entry, entries or room_id is required")
	}
}

// checkChain verifies a single entry on its own, or a list as a chain.
func checkChain(entries []journal.Entry) ProvenanceCheck {
	check := ProvenanceCheck{OK: true, Entries: len(entries)}
	if len(entries) == 0 {
		return check
	}
	var err error
	if len(entries) == 1 {
		err = journal.Verify(entries[0])
	} else {
		err = journal.VerifyChain(entries)
	}
	if err != nil {
		check.OK = false
		check.Error = err.Error()
		return check
	}
	head := entries[len(entries)-1].Hash
	check.HeadHash = &head
	return check
}
