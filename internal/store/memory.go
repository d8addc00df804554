package store

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"roundtable/api/internal/fault"
)

// MemoryStore keeps all state in process. It is not durable, and its
// atomicity holds only within a single process.
type MemoryStore struct {
	mu          sync.Mutex
	rooms       map[string]Room
	rounds      map[string]Round
	roundsByKey map[string]string
	submissions map[string]Submission
	subKeys     map[string]string
	subNonces   map[string]SubmissionNonce
	votes       map[string]Vote
	verdicts    map[string]Vote
	fingerprint map[string]string
	journal     map[string]JournalEntry
	challenges  map[string]AuthChallenge
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:       map[string]Room{},
		rounds:      map[string]Round{},
		roundsByKey: map[string]string{},
		submissions: map[string]Submission{},
		subKeys:     map[string]string{},
		subNonces:   map[string]SubmissionNonce{},
		votes:       map[string]Vote{},
		verdicts:    map[string]Vote{},
		fingerprint: map[string]string{},
		journal:     map[string]JournalEntry{},
		challenges:  map[string]AuthChallenge{},
	}
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) Durable() bool {
	return false
}

func roundKey(roomID string, idx int) string {
	return roomID + "#" + strconv.Itoa(idx)
}

func (s *MemoryStore) CreateRoom(_ context.Context, room Room, first Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rooms[room.ID]; exists {
		return fault.Newf(fault.KindValidation, "room %s already exists", room.ID)
	}
	s.rooms[room.ID] = room
	s.rounds[first.ID] = first
	s.roundsByKey[roundKey(first.RoomID, first.Idx)] = first.ID
	return nil
}

func (s *MemoryStore) GetRoom(_ context.Context, roomID string) (Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return Room{}, fault.Newf(fault.KindNotFound, "room %s not found", roomID)
	}
	return room, nil
}

func (s *MemoryStore) GetRound(_ context.Context, roomID string, idx int) (Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.roundsByKey[roundKey(roomID, idx)]
	if !ok {
		return Round{}, fault.Newf(fault.KindNotFound, "round %d of room %s not found", idx, roomID)
	}
	return s.rounds[id], nil
}

func (s *MemoryStore) GetRoundByID(_ context.Context, roundID string) (Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	round, ok := s.rounds[roundID]
	if !ok {
		return Round{}, fault.Newf(fault.KindNotFound, "round %s not found", roundID)
	}
	return round, nil
}

func (s *MemoryStore) ListRounds(_ context.Context, roomID string) ([]Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Round
	for _, round := range s.rounds {
		if round.RoomID == roomID {
			out = append(out, round)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Idx < out[j].Idx })
	return out, nil
}

// ListRoundStates returns the current round of every active room, or of
// roomID alone when it is set.
func (s *MemoryStore) ListRoundStates(_ context.Context, roomID string) ([]RoundState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RoundState
	for _, room := range s.rooms {
		if room.Status != RoomActive || (roomID != "" && room.ID != roomID) {
			continue
		}
		id, ok := s.roundsByKey[roundKey(room.ID, room.CurrentIdx)]
		if !ok {
			continue
		}
		round := s.rounds[id]
		_, sealed := s.journal[roundKey(room.ID, round.Idx)]
		out = append(out, RoundState{
			Room:   room,
			Round:  round,
			Tally:  s.tallyLocked(round.ID),
			Sealed: sealed,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Room.ID < out[j].Room.ID })
	return out, nil
}

func (s *MemoryStore) PublishRound(_ context.Context, round Round) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.rounds[round.ID]
	if !ok || current.Phase != PhaseSubmit {
		return false, nil
	}
	current.Phase = PhasePublished
	current.PublishedAtUnix = round.PublishedAtUnix
	current.ContinueVoteCloseUnix = round.ContinueVoteCloseUnix
	s.rounds[round.ID] = current
	return true, nil
}

func (s *MemoryStore) OpenNextRound(_ context.Context, prev Round, next Round) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[prev.RoomID]
	if !ok || room.Status != RoomActive || room.CurrentIdx != prev.Idx {
		return false, nil
	}
	if current := s.rounds[prev.ID]; current.Phase != PhasePublished {
		return false, nil
	}
	if _, exists := s.roundsByKey[roundKey(next.RoomID, next.Idx)]; exists {
		return false, nil
	}
	s.rounds[next.ID] = next
	s.roundsByKey[roundKey(next.RoomID, next.Idx)] = next.ID
	room.CurrentIdx = next.Idx
	s.rooms[room.ID] = room
	return true, nil
}

func (s *MemoryStore) FinalizeRound(_ context.Context, round Round) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.rounds[round.ID]
	if !ok || current.Phase != PhasePublished {
		return false, nil
	}
	current.Phase = PhaseFinal
	s.rounds[round.ID] = current
	room := s.rooms[current.RoomID]
	room.Status = RoomClosed
	s.rooms[room.ID] = room
	return true, nil
}

// ListUnsealedRounds returns published or final rounds without a journal
// entry, ordered by room then idx.
func (s *MemoryStore) ListUnsealedRounds(_ context.Context, roomID string) ([]Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Round
	for _, round := range s.rounds {
		if roomID != "" && round.RoomID != roomID {
			continue
		}
		if round.Phase == PhaseSubmit {
			continue
		}
		if _, sealed := s.journal[roundKey(round.RoomID, round.Idx)]; sealed {
			continue
		}
		out = append(out, round)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RoomID != out[j].RoomID {
			return out[i].RoomID < out[j].RoomID
		}
		return out[i].Idx < out[j].Idx
	})
	return out, nil
}

func submissionKey(roundID, authorID, nonce string) string {
	return roundID + "\x00" + authorID + "\x00" + nonce
}

// UpsertSubmission inserts sub unless (round, author, nonce) already has a
// row, in which case that row is returned and created is false.
func (s *MemoryStore) UpsertSubmission(_ context.Context, sub Submission) (Submission, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := submissionKey(sub.RoundID, sub.AuthorID, sub.ClientNonce)
	if id, ok := s.subKeys[key]; ok {
		return s.submissions[id], false, nil
	}
	s.submissions[sub.ID] = sub
	s.subKeys[key] = sub.ID
	return sub, true, nil
}

func (s *MemoryStore) ListSubmissions(_ context.Context, roundID string) ([]Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Submission
	for _, sub := range s.submissions {
		if sub.RoundID == roundID {
			out = append(out, sub)
		}
	}
	sortSubmissions(out)
	return out, nil
}

func (s *MemoryStore) ListRoomSubmissions(_ context.Context, roomID string) ([]Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Submission
	for _, sub := range s.submissions {
		if sub.RoomID == roomID {
			out = append(out, sub)
		}
	}
	sortSubmissions(out)
	return out, nil
}

func (s *MemoryStore) SearchSubmissions(ctx context.Context, roomID, query string, limit int) ([]Submission, error) {
	all, err := s.ListRoomSubmissions(ctx, roomID)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(query))
	var out []Submission
	for _, sub := range all {
		if needle != "" && !submissionMatches(sub, needle) {
			continue
		}
		out = append(out, sub)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func submissionMatches(sub Submission, needle string) bool {
	if strings.Contains(strings.ToLower(sub.Content), needle) {
		return true
	}
	for _, claim := range sub.Claims {
		if strings.Contains(strings.ToLower(claim.Text), needle) {
			return true
		}
	}
	return false
}

func sortSubmissions(subs []Submission) {
	sort.Slice(subs, func(i, j int) bool {
		if !subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].CreatedAt.Before(subs[j].CreatedAt)
		}
		return subs[i].ID < subs[j].ID
	})
}

func (s *MemoryStore) SaveSubmissionNonce(_ context.Context, nonce SubmissionNonce) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subNonces[nonce.Nonce] = nonce
	return nil
}

func (s *MemoryStore) ConsumeSubmissionNonce(_ context.Context, roundID, authorID, nonce string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	issued, ok := s.subNonces[nonce]
	if !ok || issued.RoundID != roundID || issued.AuthorID != authorID || !now.Before(issued.ExpiresAt) {
		return fault.New(fault.KindInvalidOrExpiredNonce, "submission nonce is unknown, expired or already used")
	}
	delete(s.subNonces, nonce)
	return nil
}

func (s *MemoryStore) CastContinueVote(_ context.Context, vote Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votes[vote.RoundID+"\x00"+vote.VoterID] = vote
	return nil
}

func (s *MemoryStore) ContinueTally(_ context.Context, roundID string) (ContinueTally, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tallyLocked(roundID), nil
}

func (s *MemoryStore) tallyLocked(roundID string) ContinueTally {
	var tally ContinueTally
	for _, vote := range s.votes {
		if vote.RoundID != roundID {
			continue
		}
		switch vote.Choice {
		case VoteContinue:
			tally.Yes++
		case VoteEnd:
			tally.No++
		}
	}
	return tally
}

func (s *MemoryStore) CastVerdict(_ context.Context, vote Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verdicts[vote.RoomID+"\x00"+vote.VoterID] = vote
	return nil
}

func (s *MemoryStore) FinalTally(_ context.Context, roomID string) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]int{}
	for _, vote := range s.verdicts {
		if vote.RoomID == roomID {
			out[vote.Choice]++
		}
	}
	return out, nil
}

func (s *MemoryStore) SetFingerprint(_ context.Context, participantID, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fingerprint[participantID] = fingerprint
	return nil
}

func (s *MemoryStore) GetFingerprint(_ context.Context, participantID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fp, ok := s.fingerprint[participantID]
	if !ok {
		return "", fault.Newf(fault.KindNotFound, "participant %s has no fingerprint", participantID)
	}
	return fp, nil
}

// InsertJournalEntry writes entry unless (room, idx) is already sealed.
func (s *MemoryStore) InsertJournalEntry(_ context.Context, entry JournalEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := roundKey(entry.Core.RoomID, entry.Core.Idx)
	if _, exists := s.journal[key]; exists {
		return false, nil
	}
	s.journal[key] = entry
	return true, nil
}

func (s *MemoryStore) GetJournalEntry(_ context.Context, roomID string, idx int) (JournalEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.journal[roundKey(roomID, idx)]
	if !ok {
		return JournalEntry{}, fault.Newf(fault.KindNotFound, "no journal entry for round %d", idx)
	}
	return entry, nil
}

func (s *MemoryStore) LatestJournalEntry(ctx context.Context, roomID string) (JournalEntry, error) {
	entries, err := s.ListJournalEntries(ctx, roomID)
	if err != nil {
		return JournalEntry{}, err
	}
	if len(entries) == 0 {
		return JournalEntry{}, fault.Newf(fault.KindNotFound, "room %s has no journal entries", roomID)
	}
	return entries[len(entries)-1], nil
}

func (s *MemoryStore) ListJournalEntries(_ context.Context, roomID string) ([]JournalEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []JournalEntry
	for _, entry := range s.journal {
		if entry.Core.RoomID == roomID {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Core.Idx < out[j].Core.Idx })
	return out, nil
}

func (s *MemoryStore) SaveChallenge(_ context.Context, challenge AuthChallenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[challenge.Nonce] = challenge
	return nil
}

func (s *MemoryStore) LookupChallenge(_ context.Context, nonce string) (AuthChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	challenge, ok := s.challenges[nonce]
	if !ok {
		return AuthChallenge{}, fault.New(fault.KindChallengeNotFound, "challenge not found")
	}
	return challenge, nil
}

func (s *MemoryStore) ConsumeChallenge(_ context.Context, nonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.challenges[nonce]; !ok {
		return fault.New(fault.KindChallengeNotFound, "challenge already consumed")
	}
	delete(s.challenges, nonce)
	return nil
}

// PurgeExpired drops challenges and submission nonces past their expiry.
func (s *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for nonce, challenge := range s.challenges {
		if !now.Before(challenge.ExpiresAt) {
			delete(s.challenges, nonce)
			removed++
		}
	}
	for nonce, issued := range s.subNonces {
		if !now.Before(issued.ExpiresAt) {
			delete(s.subNonces, nonce)
			removed++
		}
	}
	return removed, nil
}
