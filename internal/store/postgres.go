package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"roundtable/api/internal/fault"
	"roundtable/api/internal/journal"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Durable() bool {
	return true
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fault.Newf(fault.KindNotFound, format, args...)
	}
	return err
}

func (s *PostgresStore) CreateRoom(ctx context.Context, room Room, first Round) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create room: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rooms (id, title, status, participants, submit_window_sec, continue_window_sec, attribution_mode, current_idx, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, room.ID, room.Title, room.Status, room.Config.Participants, room.Config.SubmitWindowSec,
		room.Config.ContinueWindowSec, room.Config.AttributionMode, room.CurrentIdx, room.CreatedAt)
	if isUniqueViolation(err) {
		return fault.Newf(fault.KindValidation, "room %s already exists", room.ID)
	}
	if err != nil {
		return fmt.Errorf("insert room: %w", err)
	}
	if err := insertRound(ctx, tx, first); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create room: %w", err)
	}
	return nil
}

func insertRound(ctx context.Context, tx *sql.Tx, round Round) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO rounds (id, room_id, idx, phase, submit_deadline_unix, published_at_unix, continue_vote_close_unix, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, round.ID, round.RoomID, round.Idx, round.Phase, round.SubmitDeadlineUnix,
		round.PublishedAtUnix, round.ContinueVoteCloseUnix, round.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert round: %w", err)
	}
	return nil
}

const roomColumns = `id, title, status, participants, submit_window_sec, continue_window_sec, attribution_mode, current_idx, created_at`

func scanRoom(row interface{ Scan(...any) error }) (Room, error) {
	var room Room
	err := row.Scan(&room.ID, &room.Title, &room.Status, &room.Config.Participants, &room.Config.SubmitWindowSec,
		&room.Config.ContinueWindowSec, &room.Config.AttributionMode, &room.CurrentIdx, &room.CreatedAt)
	return room, err
}

func (s *PostgresStore) GetRoom(ctx context.Context, roomID string) (Room, error) {
	room, err := scanRoom(s.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id=$1`, roomID))
	if err != nil {
		return Room{}, notFound(err, "room %s not found", roomID)
	}
	return room, nil
}

const roundColumns = `id, room_id, idx, phase, submit_deadline_unix, published_at_unix, continue_vote_close_unix, created_at`

func scanRound(row interface{ Scan(...any) error }) (Round, error) {
	var round Round
	err := row.Scan(&round.ID, &round.RoomID, &round.Idx, &round.Phase, &round.SubmitDeadlineUnix,
		&round.PublishedAtUnix, &round.ContinueVoteCloseUnix, &round.CreatedAt)
	return round, err
}

func (s *PostgresStore) GetRound(ctx context.Context, roomID string, idx int) (Round, error) {
	round, err := scanRound(s.db.QueryRowContext(ctx, `SELECT `+roundColumns+` FROM rounds WHERE room_id=$1 AND idx=$2`, roomID, idx))
	if err != nil {
		return Round{}, notFound(err, "round %d of room %s not found", idx, roomID)
	}
	return round, nil
}

func (s *PostgresStore) GetRoundByID(ctx context.Context, roundID string) (Round, error) {
	round, err := scanRound(s.db.QueryRowContext(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id=$1`, roundID))
	if err != nil {
		return Round{}, notFound(err, "round %s not found", roundID)
	}
	return round, nil
}

func (s *PostgresStore) ListRounds(ctx context.Context, roomID string) ([]Round, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+roundColumns+` FROM rounds WHERE room_id=$1 ORDER BY idx`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list rounds: %w", err)
	}
	defer rows.Close()
	var out []Round
	for rows.Next() {
		round, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		out = append(out, round)
	}
	return out, rows.Err()
}

// ListRoundStates returns the current round of every active room, or of
// roomID alone when it is set.
func (s *PostgresStore) ListRoundStates(ctx context.Context, roomID string) ([]RoundState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rm.id, rm.title, rm.status, rm.participants, rm.submit_window_sec, rm.continue_window_sec,
		       rm.attribution_mode, rm.current_idx, rm.created_at,
		       r.id, r.room_id, r.idx, r.phase, r.submit_deadline_unix, r.published_at_unix,
		       r.continue_vote_close_unix, r.created_at,
		       COUNT(v.voter_id) FILTER (WHERE v.choice = 'continue'),
		       COUNT(v.voter_id) FILTER (WHERE v.choice = 'end'),
		       EXISTS (SELECT 1 FROM journal_entries j WHERE j.room_id = r.room_id AND j.idx = r.idx)
		FROM rooms rm
		JOIN rounds r ON r.room_id = rm.id AND r.idx = rm.current_idx
		LEFT JOIN continue_votes v ON v.round_id = r.id
		WHERE rm.status = 'active' AND ($1 = '' OR rm.id = $1)
		GROUP BY rm.id, r.id
		ORDER BY rm.id
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list round states: %w", err)
	}
	defer rows.Close()

	var out []RoundState
	for rows.Next() {
		var st RoundState
		if err := rows.Scan(
			&st.Room.ID, &st.Room.Title, &st.Room.Status, &st.Room.Config.Participants, &st.Room.Config.SubmitWindowSec,
			&st.Room.Config.ContinueWindowSec, &st.Room.Config.AttributionMode, &st.Room.CurrentIdx, &st.Room.CreatedAt,
			&st.Round.ID, &st.Round.RoomID, &st.Round.Idx, &st.Round.Phase, &st.Round.SubmitDeadlineUnix,
			&st.Round.PublishedAtUnix, &st.Round.ContinueVoteCloseUnix, &st.Round.CreatedAt,
			&st.Tally.Yes, &st.Tally.No, &st.Sealed,
		); err != nil {
			return nil, fmt.Errorf("scan round state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// PublishRound flips a submit round to published. It reports false when
// another writer already moved the round.
func (s *PostgresStore) PublishRound(ctx context.Context, round Round) (bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		UPDATE rounds
		SET phase = 'published', published_at_unix = $2, continue_vote_close_unix = $3
		WHERE id = $1 AND phase = 'submit'
		RETURNING id
	`, round.ID, round.PublishedAtUnix, round.ContinueVoteCloseUnix).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("publish round: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) OpenNextRound(ctx context.Context, prev Round, next Round) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin open next round: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var roomID string
	err = tx.QueryRowContext(ctx, `
		UPDATE rooms SET current_idx = $3
		WHERE id = $1 AND current_idx = $2 AND status = 'active'
		  AND EXISTS (SELECT 1 FROM rounds WHERE id = $4 AND phase = 'published')
		RETURNING id
	`, prev.RoomID, prev.Idx, next.Idx, prev.ID).Scan(&roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("advance room: %w", err)
	}
	if err := insertRound(ctx, tx, next); err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit open next round: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) FinalizeRound(ctx context.Context, round Round) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin finalize round: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var roomID string
	err = tx.QueryRowContext(ctx, `
		UPDATE rounds SET phase = 'final'
		WHERE id = $1 AND phase = 'published'
		RETURNING room_id
	`, round.ID).Scan(&roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("finalize round: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE rooms SET status = 'closed' WHERE id = $1`, roomID); err != nil {
		return false, fmt.Errorf("close room: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit finalize round: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) ListUnsealedRounds(ctx context.Context, roomID string) ([]Round, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.room_id, r.idx, r.phase, r.submit_deadline_unix, r.published_at_unix, r.continue_vote_close_unix, r.created_at
		FROM rounds r
		WHERE r.phase IN ('published', 'final')
		  AND ($1 = '' OR r.room_id = $1)
		  AND NOT EXISTS (SELECT 1 FROM journal_entries j WHERE j.room_id = r.room_id AND j.idx = r.idx)
		ORDER BY r.room_id, r.idx
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list unsealed rounds: %w", err)
	}
	defer rows.Close()
	var out []Round
	for rows.Next() {
		round, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		out = append(out, round)
	}
	return out, rows.Err()
}

const submissionColumns = `id, room_id, round_id, author_id, phase, deadline_unix, content, claims, citations, content_hash, client_nonce, created_at`

func scanSubmission(row interface{ Scan(...any) error }) (Submission, error) {
	var sub Submission
	var claims, citations []byte
	if err := row.Scan(&sub.ID, &sub.RoomID, &sub.RoundID, &sub.AuthorID, &sub.Phase, &sub.DeadlineUnix,
		&sub.Content, &claims, &citations, &sub.ContentHash, &sub.ClientNonce, &sub.CreatedAt); err != nil {
		return Submission{}, err
	}
	if err := json.Unmarshal(claims, &sub.Claims); err != nil {
		return Submission{}, fmt.Errorf("decode claims: %w", err)
	}
	if err := json.Unmarshal(citations, &sub.Citations); err != nil {
		return Submission{}, fmt.Errorf("decode citations: %w", err)
	}
	return sub, nil
}

// UpsertSubmission inserts sub unless (round, author, nonce) already has a
// row; the existing row is returned with created=false.
func (s *PostgresStore) UpsertSubmission(ctx context.Context, sub Submission) (Submission, bool, error) {
	claims, err := json.Marshal(sub.Claims)
	if err != nil {
		return Submission{}, false, fmt.Errorf("encode claims: %w", err)
	}
	citations, err := json.Marshal(sub.Citations)
	if err != nil {
		return Submission{}, false, fmt.Errorf("encode citations: %w", err)
	}

	var id string
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO submissions (id, room_id, round_id, author_id, phase, deadline_unix, content, claims, citations, content_hash, client_nonce, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9::jsonb, $10, $11, $12)
		ON CONFLICT (round_id, author_id, client_nonce) DO NOTHING
		RETURNING id
	`, sub.ID, sub.RoomID, sub.RoundID, sub.AuthorID, sub.Phase, sub.DeadlineUnix, sub.Content,
		string(claims), string(citations), sub.ContentHash, sub.ClientNonce, sub.CreatedAt).Scan(&id)
	if err == nil {
		return sub, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Submission{}, false, fmt.Errorf("insert submission: %w", err)
	}

	existing, err := scanSubmission(s.db.QueryRowContext(ctx, `
		SELECT `+submissionColumns+` FROM submissions
		WHERE round_id = $1 AND author_id = $2 AND client_nonce = $3
	`, sub.RoundID, sub.AuthorID, sub.ClientNonce))
	if err != nil {
		return Submission{}, false, fmt.Errorf("load existing submission: %w", err)
	}
	return existing, false, nil
}

func (s *PostgresStore) querySubmissions(ctx context.Context, query string, args ...any) ([]Submission, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()
	var out []Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListSubmissions(ctx context.Context, roundID string) ([]Submission, error) {
	return s.querySubmissions(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE round_id=$1 ORDER BY created_at, id`, roundID)
}

func (s *PostgresStore) ListRoomSubmissions(ctx context.Context, roomID string) ([]Submission, error) {
	return s.querySubmissions(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE room_id=$1 ORDER BY created_at, id`, roomID)
}

// SearchSubmissions ranks a room's submissions with Postgres full-text
// search over content.
func (s *PostgresStore) SearchSubmissions(ctx context.Context, roomID, query string, limit int) ([]Submission, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.querySubmissions(ctx, `
		SELECT `+submissionColumns+` FROM submissions
		WHERE room_id = $1 AND ($2 = '' OR search_vector @@ plainto_tsquery('simple', $2))
		ORDER BY ts_rank(search_vector, plainto_tsquery('simple', $2)) DESC, created_at
		LIMIT $3
	`, roomID, query, limit)
}

func (s *PostgresStore) SaveSubmissionNonce(ctx context.Context, nonce SubmissionNonce) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO submission_nonces (nonce, round_id, author_id, expires_at) VALUES ($1, $2, $3, $4)
	`, nonce.Nonce, nonce.RoundID, nonce.AuthorID, nonce.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save submission nonce: %w", err)
	}
	return nil
}

func (s *PostgresStore) ConsumeSubmissionNonce(ctx context.Context, roundID, authorID, nonce string, now time.Time) error {
	var consumed string
	err := s.db.QueryRowContext(ctx, `
		DELETE FROM submission_nonces
		WHERE nonce = $1 AND round_id = $2 AND author_id = $3 AND expires_at > $4
		RETURNING nonce
	`, nonce, roundID, authorID, now).Scan(&consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return fault.New(fault.KindInvalidOrExpiredNonce, "submission nonce is unknown, expired or already used")
	}
	if err != nil {
		return fmt.Errorf("consume submission nonce: %w", err)
	}
	return nil
}

func (s *PostgresStore) CastContinueVote(ctx context.Context, vote Vote) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO continue_votes (round_id, voter_id, room_id, choice, cast_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (round_id, voter_id) DO UPDATE SET choice = EXCLUDED.choice, cast_at = EXCLUDED.cast_at
	`, vote.RoundID, vote.VoterID, vote.RoomID, vote.Choice, vote.CastAt)
	if err != nil {
		return fmt.Errorf("cast continue vote: %w", err)
	}
	return nil
}

func (s *PostgresStore) ContinueTally(ctx context.Context, roundID string) (ContinueTally, error) {
	var tally ContinueTally
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE choice = 'continue'), COUNT(*) FILTER (WHERE choice = 'end')
		FROM continue_votes WHERE round_id = $1
	`, roundID).Scan(&tally.Yes, &tally.No)
	if err != nil {
		return ContinueTally{}, fmt.Errorf("continue tally: %w", err)
	}
	return tally, nil
}

func (s *PostgresStore) CastVerdict(ctx context.Context, vote Vote) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO verdicts (room_id, voter_id, verdict, cast_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (room_id, voter_id) DO UPDATE SET verdict = EXCLUDED.verdict, cast_at = EXCLUDED.cast_at
	`, vote.RoomID, vote.VoterID, vote.Choice, vote.CastAt)
	if err != nil {
		return fmt.Errorf("cast verdict: %w", err)
	}
	return nil
}

func (s *PostgresStore) FinalTally(ctx context.Context, roomID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT verdict, COUNT(*) FROM verdicts WHERE room_id = $1 GROUP BY verdict`, roomID)
	if err != nil {
		return nil, fmt.Errorf("final tally: %w", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var verdict string
		var count int
		if err := rows.Scan(&verdict, &count); err != nil {
			return nil, fmt.Errorf("scan verdict: %w", err)
		}
		out[verdict] = count
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetFingerprint(ctx context.Context, participantID, fingerprint string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fingerprints (participant_id, fingerprint, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (participant_id) DO UPDATE SET fingerprint = EXCLUDED.fingerprint, updated_at = NOW()
	`, participantID, fingerprint)
	if err != nil {
		return fmt.Errorf("set fingerprint: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetFingerprint(ctx context.Context, participantID string) (string, error) {
	var fp string
	err := s.db.QueryRowContext(ctx, `SELECT fingerprint FROM fingerprints WHERE participant_id=$1`, participantID).Scan(&fp)
	if err != nil {
		return "", notFound(err, "participant %s has no fingerprint", participantID)
	}
	return fp, nil
}

// InsertJournalEntry writes entry unless (room, idx) is already sealed.
func (s *PostgresStore) InsertJournalEntry(ctx context.Context, entry JournalEntry) (bool, error) {
	core, err := json.Marshal(entry.Core)
	if err != nil {
		return false, fmt.Errorf("encode journal core: %w", err)
	}
	signature, err := json.Marshal(entry.Signature)
	if err != nil {
		return false, fmt.Errorf("encode journal signature: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO journal_entries (room_id, idx, round_id, hash, prev_hash, core, signature)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb)
		ON CONFLICT (room_id, idx) DO NOTHING
	`, entry.Core.RoomID, entry.Core.Idx, entry.Core.RoundID, entry.Hash, entry.Core.PrevHash, string(core), string(signature))
	if err != nil {
		return false, fmt.Errorf("insert journal entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert journal entry: %w", err)
	}
	return affected == 1, nil
}

func scanJournalEntry(row interface{ Scan(...any) error }) (JournalEntry, error) {
	var entry JournalEntry
	var core, signature []byte
	if err := row.Scan(&entry.Hash, &core, &signature); err != nil {
		return JournalEntry{}, err
	}
	if err := json.Unmarshal(core, &entry.Core); err != nil {
		return JournalEntry{}, fmt.Errorf("decode journal core: %w", err)
	}
	if err := json.Unmarshal(signature, &entry.Signature); err != nil {
		return JournalEntry{}, fmt.Errorf("decode journal signature: %w", err)
	}
	if entry.Core.TranscriptHashes == nil {
		entry.Core.TranscriptHashes = []string{}
	}
	return entry, nil
}

func (s *PostgresStore) GetJournalEntry(ctx context.Context, roomID string, idx int) (JournalEntry, error) {
	entry, err := scanJournalEntry(s.db.QueryRowContext(ctx,
		`SELECT hash, core, signature FROM journal_entries WHERE room_id=$1 AND idx=$2`, roomID, idx))
	if err != nil {
		return JournalEntry{}, notFound(err, "no journal entry for round %d", idx)
	}
	return entry, nil
}

func (s *PostgresStore) LatestJournalEntry(ctx context.Context, roomID string) (JournalEntry, error) {
	entry, err := scanJournalEntry(s.db.QueryRowContext(ctx,
		`SELECT hash, core, signature FROM journal_entries WHERE room_id=$1 ORDER BY idx DESC LIMIT 1`, roomID))
	if err != nil {
		return JournalEntry{}, notFound(err, "room %s has no journal entries", roomID)
	}
	return entry, nil
}

func (s *PostgresStore) ListJournalEntries(ctx context.Context, roomID string) ([]journal.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT hash, core, signature FROM journal_entries WHERE room_id=$1 ORDER BY idx`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list journal entries: %w", err)
	}
	defer rows.Close()
	var out []journal.Entry
	for rows.Next() {
		entry, err := scanJournalEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveChallenge(ctx context.Context, challenge AuthChallenge) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_challenges (nonce, room_id, participant_id, expires_at) VALUES ($1, $2, $3, $4)
	`, challenge.Nonce, challenge.RoomID, challenge.ParticipantID, challenge.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save challenge: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupChallenge(ctx context.Context, nonce string) (AuthChallenge, error) {
	var challenge AuthChallenge
	err := s.db.QueryRowContext(ctx, `
		SELECT nonce, room_id, participant_id, expires_at FROM auth_challenges WHERE nonce = $1 AND expires_at > NOW()
	`, nonce).Scan(&challenge.Nonce, &challenge.RoomID, &challenge.ParticipantID, &challenge.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return AuthChallenge{}, fault.New(fault.KindChallengeNotFound, "challenge not found")
	}
	if err != nil {
		return AuthChallenge{}, fmt.Errorf("lookup challenge: %w", err)
	}
	return challenge, nil
}

func (s *PostgresStore) ConsumeChallenge(ctx context.Context, nonce string) error {
	var consumed string
	err := s.db.QueryRowContext(ctx, `DELETE FROM auth_challenges WHERE nonce = $1 RETURNING nonce`, nonce).Scan(&consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return fault.New(fault.KindChallengeNotFound, "challenge already consumed")
	}
	if err != nil {
		return fmt.Errorf("consume challenge: %w", err)
	}
	return nil
}

func (s *PostgresStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for _, query := range []string{
		`DELETE FROM auth_challenges WHERE expires_at <= $1`,
		`DELETE FROM submission_nonces WHERE expires_at <= $1`,
	} {
		res, err := s.db.ExecContext(ctx, query, now)
		if err != nil {
			return total, fmt.Errorf("purge expired: %w", err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}
