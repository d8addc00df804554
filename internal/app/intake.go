package app

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	log "github.com/sirupsen/logrus"

	"roundtable/api/internal/canon"
	"roundtable/api/internal/deadletter"
	"roundtable/api/internal/events"
	"roundtable/api/internal/fault"
	"roundtable/api/internal/identity"
	"roundtable/api/internal/store"
	"roundtable/api/internal/util"
)

const (
	minClaims       = 1
	maxClaims       = 5
	minCitations    = 2
	minNonceLength  = 8
	submissionKind  = "submission"
	sealRetryKind   = "seal"
	submissionNonce = 32
)

// NonceMode selects whether submission nonces must have been issued by
// the server.
type NonceMode string

const (
	NonceClient NonceMode = "client"
	NonceServer NonceMode = "server"
)

func ParseNonceMode(value string) (NonceMode, error) {
	switch NonceMode(strings.ToLower(strings.TrimSpace(value))) {
	case NonceClient, "":
		return NonceClient, nil
	case NonceServer:
		return NonceServer, nil
	default:
		return "", fault.Newf(fault.KindValidation, "unknown nonce mode %q", value)
	}
}

type SubmissionInput struct {
	RoomID       string        `json:"room_id"`
	RoundID      string        `json:"round_id"`
	AuthorID     string        `json:"author_id"`
	Phase        string        `json:"phase"`
	DeadlineUnix int64         `json:"deadline_unix"`
	Content      string        `json:"content"`
	Claims       []store.Claim `json:"claims"`
	Citations    []string      `json:"citations"`
	ClientNonce  string        `json:"client_nonce"`
}

// canonicalSubmission is the hashed form of a submission. Its hash is the
// content's identity, so the field set is fixed.
type canonicalSubmission struct {
	RoomID       string        `json:"room_id"`
	RoundID      string        `json:"round_id"`
	AuthorID     string        `json:"author_id"`
	Phase        string        `json:"phase"`
	DeadlineUnix int64         `json:"deadline_unix"`
	Content      string        `json:"content"`
	Claims       []store.Claim `json:"claims"`
	Citations    []string      `json:"citations"`
	ClientNonce  string        `json:"client_nonce"`
}

type SubmissionResult struct {
	SubmissionID string `json:"submission_id"`
	ContentHash  string `json:"content_hash"`
	Created      bool   `json:"created"`
}

func validateSubmission(in SubmissionInput) error {
	var problems []string
	if strings.TrimSpace(in.RoomID) == "" || strings.TrimSpace(in.RoundID) == "" || strings.TrimSpace(in.AuthorID) == "" {
		problems = append(problems, "room_id, round_id and author_id are required")
	}
	if in.Phase != store.PhaseSubmit {
		problems = append(problems, fmt.Sprintf("phase must be %q", store.PhaseSubmit))
	}
	if in.DeadlineUnix < 0 {
		problems = append(problems, "deadline_unix must not be negative")
	}
	if strings.TrimSpace(in.Content) == "" {
		problems = append(problems, "content is required")
	}
	if len(in.Claims) < minClaims || len(in.Claims) > maxClaims {
		problems = append(problems, fmt.Sprintf("between %d and %d claims are required", minClaims, maxClaims))
	}
	for i, claim := range in.Claims {
		if strings.TrimSpace(claim.Text) == "" {
			problems = append(problems, fmt.Sprintf("claims[%d].text is required", i))
		}
		if len(claim.Support) == 0 {
			problems = append(problems, fmt.Sprintf("claims[%d] needs at least one support reference", i))
		}
	}
	if len(in.Citations) < minCitations {
		problems = append(problems, fmt.Sprintf("at least %d citations are required", minCitations))
	}
	for i, citation := range in.Citations {
		if !isHTTPURL(citation) {
			problems = append(problems, fmt.Sprintf("citations[%d] is not an http(s) URL", i))
		}
	}
	if len(in.ClientNonce) < minNonceLength {
		problems = append(problems, fmt.Sprintf("client_nonce must be at least %d characters", minNonceLength))
	}
	if len(problems) > 0 {
		return &fault.Error{Kind: fault.KindValidation, Message: strings.Join(problems, "; ")}
	}
	return nil
}

func isHTTPURL(value string) bool {
	u, err := url.Parse(strings.TrimSpace(value))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// SubmissionHash canonicalizes the semantic fields of in and hashes them.
func SubmissionHash(mode canon.Mode, in SubmissionInput) (string, error) {
	claims := in.Claims
	if claims == nil {
		claims = []store.Claim{}
	}
	citations := in.Citations
	if citations == nil {
		citations = []string{}
	}
	hash, _, err := canon.Sum(mode, canonicalSubmission{
		RoomID:       in.RoomID,
		RoundID:      in.RoundID,
		AuthorID:     in.AuthorID,
		Phase:        in.Phase,
		DeadlineUnix: in.DeadlineUnix,
		Content:      in.Content,
		Claims:       claims,
		Citations:    citations,
		ClientNonce:  in.ClientNonce,
	})
	return hash, err
}

// CreateSubmission validates, hashes and stores a submission. A repeated
// (round, author, nonce) returns the first stored record unchanged.
func (s *Service) CreateSubmission(ctx context.Context, in SubmissionInput) (SubmissionResult, error) {
	result, err := s.createSubmission(ctx, in, false)
	s.metrics.Submissions.WithLabelValues(submissionOutcome(result, err)).Inc()
	return result, err
}

// CreateSubmissionWithFault behaves like CreateSubmission but fails with
// an internal error after validation and queues the payload for replay.
// It is honoured only when fault injection is configured.
func (s *Service) CreateSubmissionWithFault(ctx context.Context, in SubmissionInput) (SubmissionResult, error) {
	result, err := s.createSubmission(ctx, in, s.cfg.FaultInjection)
	s.metrics.Submissions.WithLabelValues(submissionOutcome(result, err)).Inc()
	return result, err
}

func submissionOutcome(result SubmissionResult, err error) string {
	switch {
	case err != nil:
		return fault.KindOf(err).String()
	case result.Created:
		return "created"
	default:
		return "duplicate"
	}
}

func (s *Service) createSubmission(ctx context.Context, in SubmissionInput, simulateFailure bool) (SubmissionResult, error) {
	in.RoomID = strings.TrimSpace(in.RoomID)
	in.RoundID = strings.TrimSpace(in.RoundID)
	in.AuthorID = strings.TrimSpace(in.AuthorID)
	if err := validateSubmission(in); err != nil {
		return SubmissionResult{}, err
	}
	if simulateFailure {
		return SubmissionResult{}, s.deadLetter(ctx, submissionKind, in, fault.New(fault.KindInternal, "simulated submission failure"))
	}

	round, err := s.store.GetRoundByID(ctx, in.RoundID)
	if err != nil {
		return SubmissionResult{}, err
	}
	if round.RoomID != in.RoomID {
		return SubmissionResult{}, fault.Newf(fault.KindNotFound, "round %s does not belong to room %s", in.RoundID, in.RoomID)
	}

	now := s.now()
	if s.nonceMode == NonceServer {
		// A rejected nonce is final; there is no fallback path past it.
		if err := s.store.ConsumeSubmissionNonce(ctx, in.RoundID, in.AuthorID, in.ClientNonce, now); err != nil {
			return SubmissionResult{}, err
		}
	}

	hash, err := SubmissionHash(s.mode, in)
	if err != nil {
		return SubmissionResult{}, err
	}

	deadline := in.DeadlineUnix
	if deadline == 0 {
		deadline = round.SubmitDeadlineUnix
	}
	if deadline > 0 && now.Unix() > deadline {
		return SubmissionResult{}, fault.Newf(fault.KindDeadlinePassed, "deadline %d passed at %d", deadline, now.Unix())
	}

	stored, created, err := s.store.UpsertSubmission(ctx, store.Submission{
		ID:           util.NewID("sub"),
		RoomID:       in.RoomID,
		RoundID:      in.RoundID,
		AuthorID:     in.AuthorID,
		Phase:        in.Phase,
		DeadlineUnix: in.DeadlineUnix,
		Content:      in.Content,
		Claims:       in.Claims,
		Citations:    in.Citations,
		ContentHash:  hash,
		ClientNonce:  in.ClientNonce,
		CreatedAt:    now.UTC(),
	})
	if err != nil {
		return SubmissionResult{}, fmt.Errorf("upsert submission: %w", err)
	}
	if created {
		s.search.IndexSubmission(submissionRecord(stored))
		log.WithFields(log.Fields{
			"room_id":       stored.RoomID,
			"round_idx":     round.Idx,
			"submission_id": stored.ID,
		}).Info("submission stored")
	}
	return SubmissionResult{SubmissionID: stored.ID, ContentHash: stored.ContentHash, Created: created}, nil
}

// IssueSubmissionNonce hands out a single-use nonce for (round, author),
// required when the nonce mode is server.
func (s *Service) IssueSubmissionNonce(ctx context.Context, roomID string, idx int, authorID string) (store.SubmissionNonce, error) {
	authorID = strings.TrimSpace(authorID)
	if authorID == "" {
		return store.SubmissionNonce{}, fault.New(fault.KindValidation, "author_id is required")
	}
	round, err := s.store.GetRound(ctx, roomID, idx)
	if err != nil {
		return store.SubmissionNonce{}, err
	}
	if round.Phase != store.PhaseSubmit {
		return store.SubmissionNonce{}, fault.Newf(fault.KindDeadlinePassed, "round %d is no longer accepting submissions", idx)
	}
	value, err := randomHex(submissionNonce)
	if err != nil {
		return store.SubmissionNonce{}, fault.Wrap(fault.KindInternal, "generate nonce", err)
	}
	nonce := store.SubmissionNonce{
		Nonce:     value,
		RoundID:   round.ID,
		AuthorID:  authorID,
		ExpiresAt: s.now().Add(s.cfg.ChallengeTTL).UTC(),
	}
	if err := s.store.SaveSubmissionNonce(ctx, nonce); err != nil {
		return store.SubmissionNonce{}, fmt.Errorf("save submission nonce: %w", err)
	}
	return nonce, nil
}

type VoteInput struct {
	VoterID string `json:"voter_id"`
	Choice  string `json:"choice"`
}

// CastContinueVote records a continue/end ballot on the room's current
// round. Ballots are accepted only while the round is published and its
// vote window is open; a voter's later ballot replaces the earlier one.
func (s *Service) CastContinueVote(ctx context.Context, roomID string, in VoteInput) (store.ContinueTally, error) {
	in.VoterID = strings.TrimSpace(in.VoterID)
	if in.VoterID == "" {
		return store.ContinueTally{}, fault.New(fault.KindValidation, "voter_id is required")
	}
	if in.Choice != store.VoteContinue && in.Choice != store.VoteEnd {
		return store.ContinueTally{}, fault.Newf(fault.KindValidation, "choice must be %q or %q", store.VoteContinue, store.VoteEnd)
	}
	if !s.store.Durable() {
		s.tryAdvance(ctx, roomID)
	}
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return store.ContinueTally{}, err
	}
	round, err := s.store.GetRound(ctx, room.ID, room.CurrentIdx)
	if err != nil {
		return store.ContinueTally{}, fmt.Errorf("current round: %w", err)
	}
	now := s.now()
	if room.Status != store.RoomActive || round.Phase != store.PhasePublished || now.Unix() > round.ContinueVoteCloseUnix {
		return store.ContinueTally{}, fault.Newf(fault.KindDeadlinePassed, "round %d is not open for continue votes", round.Idx)
	}
	if err := s.store.CastContinueVote(ctx, store.Vote{
		RoomID:  room.ID,
		RoundID: round.ID,
		VoterID: in.VoterID,
		Choice:  in.Choice,
		CastAt:  now.UTC(),
	}); err != nil {
		return store.ContinueTally{}, fmt.Errorf("cast vote: %w", err)
	}
	tally, err := s.store.ContinueTally(ctx, round.ID)
	if err != nil {
		return store.ContinueTally{}, fmt.Errorf("continue tally: %w", err)
	}
	s.emit(ctx, events.New(events.EventVoteRecorded, room.ID, round.Idx, map[string]any{"yes": tally.Yes, "no": tally.No}))
	return tally, nil
}

const maxVerdictLength = 64

// CastVerdict records a final verdict once the room has closed.
func (s *Service) CastVerdict(ctx context.Context, roomID string, in VoteInput) (map[string]int, error) {
	in.VoterID = strings.TrimSpace(in.VoterID)
	in.Choice = strings.TrimSpace(in.Choice)
	if in.VoterID == "" || in.Choice == "" {
		return nil, fault.New(fault.KindValidation, "voter_id and verdict are required")
	}
	if len(in.Choice) > maxVerdictLength {
		return nil, fault.Newf(fault.KindValidation, "verdict must be at most %d characters", maxVerdictLength)
	}
	if !s.store.Durable() {
		s.tryAdvance(ctx, roomID)
	}
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.Status != store.RoomClosed {
		return nil, fault.New(fault.KindValidation, "verdicts open once the room has closed")
	}
	if err := s.store.CastVerdict(ctx, store.Vote{
		RoomID:  room.ID,
		VoterID: in.VoterID,
		Choice:  in.Choice,
		CastAt:  s.now().UTC(),
	}); err != nil {
		return nil, fmt.Errorf("cast verdict: %w", err)
	}
	tally, err := s.store.FinalTally(ctx, room.ID)
	if err != nil {
		return nil, fmt.Errorf("final tally: %w", err)
	}
	s.emit(ctx, events.New(events.EventVerdictRecorded, room.ID, room.CurrentIdx, map[string]any{"final_tally": tally}))
	return tally, nil
}

func (s *Service) deadLetter(ctx context.Context, kind string, payload any, cause error) error {
	entry, err := deadletter.NewEntry(kind, payload, cause)
	if err != nil {
		return fmt.Errorf("dead letter: %w", err)
	}
	if err := s.dlq.Push(ctx, entry); err != nil {
		log.WithError(err).WithField("kind", kind).Error("deadletter: push failed")
		return fmt.Errorf("dead letter: %w", err)
	}
	s.metrics.DeadLetters.WithLabelValues("pushed").Inc()
	log.WithFields(log.Fields{"id": entry.ID, "kind": kind}).WithError(cause).Warn("deadletter: queued for replay")
	return &fault.Error{Kind: fault.KindInternal, Message: "operation failed and was queued for replay as " + entry.ID, Err: cause}
}

func enrollmentFingerprint(in EnrollInput) (string, error) {
	if strings.TrimSpace(in.Fingerprint) != "" {
		return identity.NormalizeFingerprint(in.Fingerprint)
	}
	if strings.TrimSpace(in.KeyMaterial) == "" {
		return "", fault.New(fault.KindValidation, "fingerprint or key_material is required")
	}
	kind, err := identity.ParseKind(in.KeyKind)
	if err != nil {
		return "", err
	}
	pub, err := identity.ParseKeyMaterial(kind, in.KeyMaterial)
	if err != nil {
		return "", err
	}
	return identity.Fingerprint(pub), nil
}
