package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"roundtable/api/internal/fault"
	"roundtable/api/internal/journal"
)

func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("ROUNDTABLE_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("ROUNDTABLE_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db)
}

func seedRoom(t *testing.T, s interface {
	CreateRoom(context.Context, Room, Round) error
}, roomID string, deadline int64) Round {
	t.Helper()
	first := Round{ID: roomID + "_r0", RoomID: roomID, Idx: 0, Phase: PhaseSubmit, SubmitDeadlineUnix: deadline, CreatedAt: time.Now().UTC()}
	room := Room{
		ID:        roomID,
		Title:     "Debate",
		Status:    RoomActive,
		Config:    RoomConfig{Participants: 3, SubmitWindowSec: 60, ContinueWindowSec: 30, AttributionMode: AttributionNamed},
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateRoom(context.Background(), room, first); err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	return first
}

func TestPostgresUpsertSubmissionIsIdempotentUnderConcurrency(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	round := seedRoom(t, s, "room_pg", time.Now().Add(time.Hour).Unix())

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub := Submission{
				ID:          "sub_" + string(rune('a'+i)),
				RoomID:      round.RoomID,
				RoundID:     round.ID,
				AuthorID:    "alice",
				Phase:       PhaseSubmit,
				Content:     "content",
				Claims:      []Claim{{Text: "c", Support: []string{"s"}}},
				Citations:   []string{"https://a.example", "https://b.example"},
				ContentHash: "hash_" + string(rune('a'+i)),
				ClientNonce: "nonce-0001",
				CreatedAt:   time.Now().UTC(),
			}
			got, _, err := s.UpsertSubmission(ctx, sub)
			if err != nil {
				t.Errorf("UpsertSubmission() error = %v", err)
				return
			}
			ids[i] = got.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("expected every call to return %s, got %v", ids[0], ids)
		}
	}
	subs, err := s.ListSubmissions(ctx, round.ID)
	if err != nil {
		t.Fatalf("ListSubmissions() error = %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected one stored submission, got %d", len(subs))
	}
}

func TestPostgresConsumeChallengeOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	challenge := AuthChallenge{Nonce: "abc", RoomID: "room", ParticipantID: "p1", ExpiresAt: time.Now().Add(time.Minute)}
	if err := s.SaveChallenge(ctx, challenge); err != nil {
		t.Fatalf("SaveChallenge() error = %v", err)
	}
	if err := s.ConsumeChallenge(ctx, "abc"); err != nil {
		t.Fatalf("ConsumeChallenge() error = %v", err)
	}
	if err := s.ConsumeChallenge(ctx, "abc"); !errors.Is(err, fault.ErrChallengeNotFound) {
		t.Fatalf("expected challenge not found, got %v", err)
	}
}

func TestPostgresRoundTransitionsAreConditional(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	round := seedRoom(t, s, "room_tx", 100)

	round.PublishedAtUnix = 101
	round.ContinueVoteCloseUnix = 130
	if ok, err := s.PublishRound(ctx, round); err != nil || !ok {
		t.Fatalf("PublishRound() = %v, %v", ok, err)
	}
	if ok, err := s.PublishRound(ctx, round); err != nil || ok {
		t.Fatalf("second PublishRound() = %v, %v, want false", ok, err)
	}

	next := Round{ID: "room_tx_r1", RoomID: "room_tx", Idx: 1, Phase: PhaseSubmit, SubmitDeadlineUnix: 200, CreatedAt: time.Now().UTC()}
	if ok, err := s.OpenNextRound(ctx, round, next); err != nil || !ok {
		t.Fatalf("OpenNextRound() = %v, %v", ok, err)
	}
	if ok, err := s.OpenNextRound(ctx, round, next); err != nil || ok {
		t.Fatalf("second OpenNextRound() = %v, %v, want false", ok, err)
	}
	room, err := s.GetRoom(ctx, "room_tx")
	if err != nil {
		t.Fatalf("GetRoom() error = %v", err)
	}
	if room.CurrentIdx != 1 {
		t.Fatalf("CurrentIdx = %d, want 1", room.CurrentIdx)
	}
}

func TestJournalEntriesAreImmutable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedRoom(t, s, "room_j", 100)

	entry := journal.Entry{
		Core:      journal.Core{RoomID: "room_j", RoundID: "room_j_r0", Idx: 0, Phase: PhasePublished, TranscriptHashes: []string{}},
		Hash:      "deadbeef",
		Signature: journal.Signature{Alg: journal.AlgEd25519, Canonicalizer: "sorted"},
	}
	if ok, err := s.InsertJournalEntry(ctx, entry); err != nil || !ok {
		t.Fatalf("InsertJournalEntry() = %v, %v", ok, err)
	}
	if ok, err := s.InsertJournalEntry(ctx, entry); err != nil || ok {
		t.Fatalf("second InsertJournalEntry() = %v, %v, want false", ok, err)
	}

	for _, statement := range []string{
		`UPDATE journal_entries SET hash = 'other' WHERE room_id = 'room_j'`,
		`DELETE FROM journal_entries WHERE room_id = 'room_j'`,
	} {
		_, err := s.DB().ExecContext(ctx, statement)
		if err == nil {
			t.Fatalf("expected %q to be blocked", statement)
		}
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) {
			t.Fatalf("expected PostgreSQL error, got: %v", err)
		}
		if pgErr.SQLState() != "55000" {
			t.Fatalf("expected SQLSTATE 55000, got: %s", pgErr.SQLState())
		}
	}

	got, err := s.LatestJournalEntry(ctx, "room_j")
	if err != nil {
		t.Fatalf("LatestJournalEntry() error = %v", err)
	}
	if got.Hash != "deadbeef" || got.Core.PrevHash != nil {
		t.Fatalf("unexpected entry %+v", got)
	}
}
