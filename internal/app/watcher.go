package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"roundtable/api/internal/deadletter"
	"roundtable/api/internal/events"
	"roundtable/api/internal/fault"
	"roundtable/api/internal/journal"
	"roundtable/api/internal/rounds"
	"roundtable/api/internal/store"
	"roundtable/api/internal/util"
)

const purgeEvery = time.Minute

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// RunWatcher ticks every interval until ctx is done.
func (s *Service) RunWatcher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.WithField("interval", interval.String()).Info("watcher started")
	for {
		select {
		case <-ctx.Done():
			log.Info("watcher stopped")
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				log.WithError(err).Error("watcher: tick failed")
			}
		}
	}
}

// Tick advances every active room once. A tick that finds the previous
// one still running returns immediately.
func (s *Service) Tick(ctx context.Context) error {
	started := time.Now()
	ran, err := s.tryAdvance(ctx, "")
	if !ran {
		s.metrics.SkippedTicks.Inc()
		return nil
	}
	s.metrics.Ticks.Inc()
	s.metrics.TickDuration.Observe(time.Since(started).Seconds())
	return err
}

// tryAdvance runs one advance for roomID, or for all rooms when roomID is
// empty, unless another advance is in flight.
func (s *Service) tryAdvance(ctx context.Context, roomID string) (bool, error) {
	if !s.ticking.CompareAndSwap(false, true) {
		return false, nil
	}
	defer s.ticking.Store(false)

	err := s.advance(ctx, roomID)
	if err != nil && roomID != "" {
		log.WithError(err).WithField("room_id", roomID).Warn("watcher: lazy advance failed")
	}
	return true, err
}

// advance flips due rounds, seals published rounds that lack an entry, and
// then opens the next round or finalizes rooms whose vote closed over a
// sealed round.
func (s *Service) advance(ctx context.Context, roomID string) error {
	now := s.now()
	var errs []error

	states, err := s.store.ListRoundStates(ctx, roomID)
	if err != nil {
		return fmt.Errorf("list round states: %w", err)
	}
	if roomID == "" {
		s.metrics.ActiveRooms.Set(float64(len(states)))
	}
	for _, state := range states {
		decision := rounds.Next(state.Round, state.Tally, now.Unix(), rounds.WindowsFor(state.Room.Config, s.windows))
		if decision.Action != rounds.Publish {
			continue
		}
		if err := s.apply(ctx, state, decision, now); err != nil {
			errs = append(errs, err)
		}
	}

	if err := s.sealPending(ctx, roomID); err != nil {
		errs = append(errs, err)
	}

	states, err = s.store.ListRoundStates(ctx, roomID)
	if err != nil {
		return errors.Join(append(errs, fmt.Errorf("list round states: %w", err))...)
	}
	for _, state := range states {
		decision := rounds.Next(state.Round, state.Tally, now.Unix(), rounds.WindowsFor(state.Room.Config, s.windows))
		if decision.Action != rounds.OpenNext && decision.Action != rounds.Finalize {
			continue
		}
		if !state.Sealed {
			continue
		}
		if err := s.apply(ctx, state, decision, now); err != nil {
			errs = append(errs, err)
		}
	}

	if last := s.lastPurge.Load(); now.Unix()-last >= int64(purgeEvery/time.Second) {
		s.lastPurge.Store(now.Unix())
		if removed, err := s.store.PurgeExpired(ctx, now); err != nil {
			errs = append(errs, fmt.Errorf("purge expired: %w", err))
		} else if removed > 0 {
			log.WithField("removed", removed).Debug("watcher: purged expired nonces")
		}
	}
	return errors.Join(errs...)
}

func (s *Service) apply(ctx context.Context, state store.RoundState, decision rounds.Decision, now time.Time) error {
	var (
		applied bool
		err     error
		current = decision.Round
	)
	switch decision.Action {
	case rounds.Publish:
		applied, err = s.store.PublishRound(ctx, decision.Round)
	case rounds.OpenNext:
		next := *decision.Next
		next.ID = util.NewID("round")
		next.CreatedAt = now.UTC()
		applied, err = s.store.OpenNextRound(ctx, state.Round, next)
		current = next
	case rounds.Finalize:
		applied, err = s.store.FinalizeRound(ctx, decision.Round)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s room %s round %d: %w", decision.Action, state.Room.ID, state.Round.Idx, err)
	}
	if !applied {
		return nil
	}

	s.metrics.Transitions.WithLabelValues(decision.Action.String()).Inc()
	log.WithFields(log.Fields{
		"room_id": state.Room.ID,
		"action":  decision.Action.String(),
		"idx":     current.Idx,
		"phase":   current.Phase,
	}).Info("round transition")
	s.emit(ctx, events.New(events.EventPhaseChange, current.RoomID, current.Idx, phaseData(current)))
	return nil
}

func phaseData(round store.Round) map[string]any {
	return map[string]any{
		"round_id":                 round.ID,
		"phase":                    round.Phase,
		"submit_deadline_unix":     round.SubmitDeadlineUnix,
		"published_at_unix":        round.PublishedAtUnix,
		"continue_vote_close_unix": round.ContinueVoteCloseUnix,
	}
}

// sealPending seals every published or final round without a journal
// entry. A round whose seal failed is skipped until an operator retries
// it.
func (s *Service) sealPending(ctx context.Context, roomID string) error {
	pending, err := s.store.ListUnsealedRounds(ctx, roomID)
	if err != nil {
		return fmt.Errorf("list unsealed rounds: %w", err)
	}
	var errs []error
	for _, round := range pending {
		if s.sealFailed(round.ID) {
			continue
		}
		if _, _, err := s.sealRound(ctx, round); err != nil {
			s.markSealFailed(round.ID, true)
			s.metrics.Seals.WithLabelValues("failed").Inc()
			log.WithError(err).WithFields(log.Fields{"room_id": round.RoomID, "idx": round.Idx}).Error("journal: seal failed")
			_ = s.deadLetter(ctx, sealRetryKind, sealRequest{RoomID: round.RoomID, Idx: round.Idx}, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type sealRequest struct {
	RoomID string `json:"room_id"`
	Idx    int    `json:"idx"`
}

func (s *Service) sealFailed(roundID string) bool {
	s.failedMu.Lock()
	defer s.failedMu.Unlock()
	return s.failedSeals[roundID]
}

func (s *Service) markSealFailed(roundID string, failed bool) {
	s.failedMu.Lock()
	defer s.failedMu.Unlock()
	if failed {
		s.failedSeals[roundID] = true
		return
	}
	delete(s.failedSeals, roundID)
}

// sealRound builds, signs and stores the entry for round. created is false
// when the round was already sealed, in which case the stored entry is
// returned.
func (s *Service) sealRound(ctx context.Context, round store.Round) (journal.Entry, bool, error) {
	existing, err := s.store.GetJournalEntry(ctx, round.RoomID, round.Idx)
	if err == nil {
		return existing, false, nil
	}
	if !isNotFound(err) {
		return journal.Entry{}, false, fmt.Errorf("lookup entry: %w", err)
	}

	var prev *string
	if round.Idx > 0 {
		prevEntry, err := s.store.GetJournalEntry(ctx, round.RoomID, round.Idx-1)
		if err != nil {
			return journal.Entry{}, false, fmt.Errorf("previous entry %d: %w", round.Idx-1, err)
		}
		prevHash := prevEntry.Hash
		prev = &prevHash
	}
	tally, err := s.store.ContinueTally(ctx, round.ID)
	if err != nil {
		return journal.Entry{}, false, fmt.Errorf("continue tally: %w", err)
	}
	subs, err := s.store.ListSubmissions(ctx, round.ID)
	if err != nil {
		return journal.Entry{}, false, fmt.Errorf("list submissions: %w", err)
	}
	hashes := make([]string, 0, len(subs))
	for _, sub := range subs {
		hashes = append(hashes, sub.ContentHash)
	}

	core := journal.BuildCore(journal.Snapshot{
		RoomID:                round.RoomID,
		RoundID:               round.ID,
		Idx:                   round.Idx,
		Phase:                 round.Phase,
		SubmitDeadlineUnix:    round.SubmitDeadlineUnix,
		PublishedAtUnix:       round.PublishedAtUnix,
		ContinueVoteCloseUnix: round.ContinueVoteCloseUnix,
		Yes:                   tally.Yes,
		No:                    tally.No,
		TranscriptHashes:      hashes,
	}, prev)
	entry, err := journal.Seal(core, s.signer, s.mode)
	if err != nil {
		return journal.Entry{}, false, err
	}
	inserted, err := s.store.InsertJournalEntry(ctx, entry)
	if err != nil {
		return journal.Entry{}, false, fmt.Errorf("insert entry: %w", err)
	}
	if !inserted {
		stored, err := s.store.GetJournalEntry(ctx, round.RoomID, round.Idx)
		return stored, false, err
	}

	s.sealed.Add(entryKey(entry.Core.RoomID, entry.Core.Idx), entry)
	s.metrics.Seals.WithLabelValues("sealed").Inc()
	data := map[string]any{"hash": entry.Hash, "prev_hash": entry.Core.PrevHash}
	if s.mirror != nil {
		commit, err := s.mirror.CommitEntry(entry)
		if err != nil {
			log.WithError(err).WithFields(log.Fields{"room_id": round.RoomID, "idx": round.Idx}).Warn("journal: mirror commit failed")
		} else {
			data["mirror_commit"] = commit.Hash
		}
	}
	log.WithFields(log.Fields{"room_id": round.RoomID, "idx": round.Idx, "hash": entry.Hash}).Info("journal entry sealed")
	s.emit(ctx, events.New(events.EventJournalSealed, round.RoomID, round.Idx, data))
	return entry, true, nil
}

func entryKey(roomID string, idx int) string {
	return roomID + "#" + strconv.Itoa(idx)
}

// RetrySeal seals a published round on operator request, clearing an
// earlier failure.
func (s *Service) RetrySeal(ctx context.Context, roomID string, idx int) (journal.Entry, bool, error) {
	round, err := s.store.GetRound(ctx, roomID, idx)
	if err != nil {
		return journal.Entry{}, false, err
	}
	if round.Phase == store.PhaseSubmit {
		return journal.Entry{}, false, fault.Newf(fault.KindValidation, "round %d has not been published", idx)
	}
	entry, created, err := s.sealRound(ctx, round)
	if err != nil {
		s.metrics.Seals.WithLabelValues("failed").Inc()
		return journal.Entry{}, false, err
	}
	s.markSealFailed(round.ID, false)
	return entry, created, nil
}

type ReplayReport struct {
	Replayed  int      `json:"replayed"`
	Requeued  int      `json:"requeued"`
	Dropped   int      `json:"dropped"`
	Remaining int      `json:"remaining"`
	Errors    []string `json:"errors,omitempty"`
}

// ReplayDeadLetters re-runs up to limit queued operations, oldest first.
// Operations that fail internally again go back on the queue; those that
// now fail for a business reason are dropped.
func (s *Service) ReplayDeadLetters(ctx context.Context, limit int) (ReplayReport, error) {
	var report ReplayReport
	queued, err := s.dlq.Len(ctx)
	if err != nil {
		return report, fmt.Errorf("dead letter length: %w", err)
	}
	if limit <= 0 || limit > queued {
		limit = queued
	}
	for i := 0; i < limit; i++ {
		entry, ok, err := s.dlq.Pop(ctx)
		if err != nil {
			return report, fmt.Errorf("dead letter pop: %w", err)
		}
		if !ok {
			break
		}
		replayErr := s.replay(ctx, entry)
		switch {
		case replayErr == nil:
			report.Replayed++
			s.metrics.DeadLetters.WithLabelValues("replayed").Inc()
		case fault.KindOf(replayErr) == fault.KindInternal:
			entry.Attempts++
			entry.Error = replayErr.Error()
			entry.FailedAt = s.now().UTC()
			if err := s.dlq.Push(ctx, entry); err != nil {
				return report, fmt.Errorf("dead letter requeue: %w", err)
			}
			report.Requeued++
			report.Errors = append(report.Errors, entry.ID+": "+replayErr.Error())
			s.metrics.DeadLetters.WithLabelValues("requeued").Inc()
		default:
			report.Dropped++
			report.Errors = append(report.Errors, entry.ID+": "+replayErr.Error())
			s.metrics.DeadLetters.WithLabelValues("dropped").Inc()
			log.WithError(replayErr).WithField("id", entry.ID).Warn("deadletter: dropped on replay")
		}
	}
	if report.Remaining, err = s.dlq.Len(ctx); err != nil {
		return report, fmt.Errorf("dead letter length: %w", err)
	}
	return report, nil
}

func (s *Service) replay(ctx context.Context, entry deadletter.Entry) error {
	switch entry.Kind {
	case submissionKind:
		var in SubmissionInput
		if err := json.Unmarshal(entry.Payload, &in); err != nil {
			return fault.Wrap(fault.KindValidation, "decode submission payload", err)
		}
		_, err := s.CreateSubmission(ctx, in)
		return err
	case sealRetryKind:
		var req sealRequest
		if err := json.Unmarshal(entry.Payload, &req); err != nil {
			return fault.Wrap(fault.KindValidation, "decode seal payload", err)
		}
		_, _, err := s.RetrySeal(ctx, req.RoomID, req.Idx)
		if err != nil && fault.KindOf(err) != fault.KindValidation && fault.KindOf(err) != fault.KindNotFound {
			return fault.Wrap(fault.KindInternal, "seal retry", err)
		}
		return err
	default:
		return fault.Newf(fault.KindValidation, "unknown dead letter kind %q", entry.Kind)
	}
}
