package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"roundtable/api/internal/fault"
	"roundtable/api/internal/journal"
)

func TestMemoryUpsertSubmissionFirstWriteWins(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	round := seedRoom(t, s, "room_1", time.Now().Add(time.Hour).Unix())

	first := Submission{ID: "sub_1", RoomID: "room_1", RoundID: round.ID, AuthorID: "alice", ClientNonce: "nonce-0001", ContentHash: "h1"}
	got, created, err := s.UpsertSubmission(ctx, first)
	if err != nil || !created {
		t.Fatalf("UpsertSubmission() = %v, %v", created, err)
	}

	second := first
	second.ID = "sub_2"
	second.ContentHash = "h2"
	got, created, err = s.UpsertSubmission(ctx, second)
	if err != nil {
		t.Fatalf("UpsertSubmission() error = %v", err)
	}
	if created || got.ID != "sub_1" || got.ContentHash != "h1" {
		t.Fatalf("expected original row, got created=%v %+v", created, got)
	}

	subs, _ := s.ListSubmissions(ctx, round.ID)
	if len(subs) != 1 {
		t.Fatalf("expected one submission, got %d", len(subs))
	}
}

func TestMemoryChallengeConsumedOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.SaveChallenge(ctx, AuthChallenge{Nonce: "n1", ExpiresAt: time.Now().Add(time.Minute)}); err != nil {
		t.Fatalf("SaveChallenge() error = %v", err)
	}
	if err := s.ConsumeChallenge(ctx, "n1"); err != nil {
		t.Fatalf("ConsumeChallenge() error = %v", err)
	}
	if _, err := s.LookupChallenge(ctx, "n1"); !errors.Is(err, fault.ErrChallengeNotFound) {
		t.Fatalf("expected challenge not found, got %v", err)
	}
	if err := s.ConsumeChallenge(ctx, "n1"); !errors.Is(err, fault.ErrInvalidOrExpiredNonce) {
		t.Fatalf("expected second consume to fail as invalid nonce, got %v", err)
	}
}

func TestMemorySubmissionNonceIsBoundAndSingleUse(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	_ = s.SaveSubmissionNonce(ctx, SubmissionNonce{Nonce: "sn-1", RoundID: "r1", AuthorID: "alice", ExpiresAt: now.Add(time.Minute)})

	if err := s.ConsumeSubmissionNonce(ctx, "r1", "bob", "sn-1", now); !errors.Is(err, fault.ErrInvalidOrExpiredNonce) {
		t.Fatalf("expected other author to be rejected, got %v", err)
	}
	if err := s.ConsumeSubmissionNonce(ctx, "r1", "alice", "sn-1", now); err != nil {
		t.Fatalf("ConsumeSubmissionNonce() error = %v", err)
	}
	if err := s.ConsumeSubmissionNonce(ctx, "r1", "alice", "sn-1", now); !errors.Is(err, fault.ErrInvalidOrExpiredNonce) {
		t.Fatalf("expected reuse to be rejected, got %v", err)
	}
}

func TestMemoryRoundTransitions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	round := seedRoom(t, s, "room_1", 100)

	round.PublishedAtUnix = 101
	round.ContinueVoteCloseUnix = 130
	if ok, _ := s.PublishRound(ctx, round); !ok {
		t.Fatal("expected publish to apply")
	}
	if ok, _ := s.PublishRound(ctx, round); ok {
		t.Fatal("expected second publish to be a no-op")
	}

	_ = s.CastContinueVote(ctx, Vote{RoomID: "room_1", RoundID: round.ID, VoterID: "a", Choice: VoteContinue})
	_ = s.CastContinueVote(ctx, Vote{RoomID: "room_1", RoundID: round.ID, VoterID: "b", Choice: VoteEnd})
	_ = s.CastContinueVote(ctx, Vote{RoomID: "room_1", RoundID: round.ID, VoterID: "b", Choice: VoteContinue})
	tally, _ := s.ContinueTally(ctx, round.ID)
	if tally != (ContinueTally{Yes: 2}) {
		t.Fatalf("ContinueTally() = %+v, want {2 0}", tally)
	}

	states, _ := s.ListRoundStates(ctx, "")
	if len(states) != 1 || states[0].Sealed || states[0].Tally.Yes != 2 {
		t.Fatalf("unexpected states %+v", states)
	}

	unsealed, _ := s.ListUnsealedRounds(ctx, "")
	if len(unsealed) != 1 {
		t.Fatalf("expected one unsealed round, got %d", len(unsealed))
	}
	_, _ = s.InsertJournalEntry(ctx, journal.Entry{Core: journal.Core{RoomID: "room_1", Idx: 0}, Hash: "h0"})
	if ok, _ := s.InsertJournalEntry(ctx, journal.Entry{Core: journal.Core{RoomID: "room_1", Idx: 0}, Hash: "other"}); ok {
		t.Fatal("expected second seal of the same round to be rejected")
	}
	if entry, _ := s.GetJournalEntry(ctx, "room_1", 0); entry.Hash != "h0" {
		t.Fatalf("journal entry rewritten: %s", entry.Hash)
	}

	next := Round{ID: "room_1_r1", RoomID: "room_1", Idx: 1, Phase: PhaseSubmit, SubmitDeadlineUnix: 200}
	if ok, _ := s.OpenNextRound(ctx, round, next); !ok {
		t.Fatal("expected next round to open")
	}
	if ok, _ := s.OpenNextRound(ctx, round, next); ok {
		t.Fatal("expected duplicate open to be a no-op")
	}
	if ok, _ := s.FinalizeRound(ctx, next); ok {
		t.Fatal("expected finalize of a submit round to be refused")
	}
}

func TestMemoryFinalizeClosesRoom(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	round := seedRoom(t, s, "room_2", 100)
	round.PublishedAtUnix, round.ContinueVoteCloseUnix = 101, 130
	_, _ = s.PublishRound(ctx, round)

	if ok, _ := s.FinalizeRound(ctx, round); !ok {
		t.Fatal("expected finalize to apply")
	}
	room, _ := s.GetRoom(ctx, "room_2")
	if room.Status != RoomClosed {
		t.Fatalf("room status = %s, want closed", room.Status)
	}
	if states, _ := s.ListRoundStates(ctx, ""); len(states) != 0 {
		t.Fatalf("closed room should not be listed, got %d", len(states))
	}
}

func TestMemoryPurgeExpired(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	_ = s.SaveChallenge(ctx, AuthChallenge{Nonce: "old", ExpiresAt: now.Add(-time.Second)})
	_ = s.SaveChallenge(ctx, AuthChallenge{Nonce: "new", ExpiresAt: now.Add(time.Minute)})
	removed, err := s.PurgeExpired(ctx, now)
	if err != nil || removed != 1 {
		t.Fatalf("PurgeExpired() = %d, %v, want 1", removed, err)
	}
}
