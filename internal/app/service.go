package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"roundtable/api/internal/auth"
	"roundtable/api/internal/canon"
	"roundtable/api/internal/config"
	"roundtable/api/internal/deadletter"
	"roundtable/api/internal/events"
	"roundtable/api/internal/export"
	"roundtable/api/internal/fault"
	"roundtable/api/internal/gitrepo"
	"roundtable/api/internal/journal"
	"roundtable/api/internal/metrics"
	"roundtable/api/internal/rounds"
	"roundtable/api/internal/search"
	"roundtable/api/internal/store"
	"roundtable/api/internal/util"
)

const sealedCacheSize = 512

// dataStore is implemented by store.PostgresStore and store.MemoryStore.
type dataStore interface {
	Ping(ctx context.Context) error
	Durable() bool

	CreateRoom(ctx context.Context, room store.Room, first store.Round) error
	GetRoom(ctx context.Context, roomID string) (store.Room, error)
	GetRound(ctx context.Context, roomID string, idx int) (store.Round, error)
	GetRoundByID(ctx context.Context, roundID string) (store.Round, error)
	ListRounds(ctx context.Context, roomID string) ([]store.Round, error)
	ListRoundStates(ctx context.Context, roomID string) ([]store.RoundState, error)
	PublishRound(ctx context.Context, round store.Round) (bool, error)
	OpenNextRound(ctx context.Context, prev store.Round, next store.Round) (bool, error)
	FinalizeRound(ctx context.Context, round store.Round) (bool, error)
	ListUnsealedRounds(ctx context.Context, roomID string) ([]store.Round, error)

	UpsertSubmission(ctx context.Context, sub store.Submission) (store.Submission, bool, error)
	ListSubmissions(ctx context.Context, roundID string) ([]store.Submission, error)
	ListRoomSubmissions(ctx context.Context, roomID string) ([]store.Submission, error)
	SearchSubmissions(ctx context.Context, roomID, query string, limit int) ([]store.Submission, error)
	SaveSubmissionNonce(ctx context.Context, nonce store.SubmissionNonce) error
	ConsumeSubmissionNonce(ctx context.Context, roundID, authorID, nonce string, now time.Time) error

	CastContinueVote(ctx context.Context, vote store.Vote) error
	ContinueTally(ctx context.Context, roundID string) (store.ContinueTally, error)
	CastVerdict(ctx context.Context, vote store.Vote) error
	FinalTally(ctx context.Context, roomID string) (map[string]int, error)

	SetFingerprint(ctx context.Context, participantID, fingerprint string) error
	GetFingerprint(ctx context.Context, participantID string) (string, error)

	InsertJournalEntry(ctx context.Context, entry store.JournalEntry) (bool, error)
	GetJournalEntry(ctx context.Context, roomID string, idx int) (store.JournalEntry, error)
	LatestJournalEntry(ctx context.Context, roomID string) (store.JournalEntry, error)
	ListJournalEntries(ctx context.Context, roomID string) ([]store.JournalEntry, error)

	SaveChallenge(ctx context.Context, challenge store.AuthChallenge) error
	LookupChallenge(ctx context.Context, nonce string) (store.AuthChallenge, error)
	ConsumeChallenge(ctx context.Context, nonce string) error
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// Deps are the optional collaborators of a Service. Nil fields fall back
// to in-process defaults or disable the integration.
type Deps struct {
	Challenges  auth.ChallengeStore
	Signer      *journal.Signer
	Bus         events.Bus
	DeadLetters deadletter.Queue
	Metrics     *metrics.Metrics
	Meili       *search.Meili
	Mirror      *gitrepo.Mirror
	Objects     export.ObjectStore
	Now         func() time.Time
}

type Service struct {
	cfg       config.Config
	store     dataStore
	auth      *auth.Service
	signer    *journal.Signer
	mode      canon.Mode
	nonceMode NonceMode
	windows   rounds.Windows
	bus       events.Bus
	dlq       deadletter.Queue
	metrics   *metrics.Metrics
	search    *search.Service
	mirror    *gitrepo.Mirror
	exporter  *export.Service
	sealed    *lru.Cache[string, journal.Entry]
	now       func() time.Time

	ticking   atomic.Bool
	lastPurge atomic.Int64

	failedMu    sync.Mutex
	failedSeals map[string]bool
}

// New builds the service once at startup. It fails when the configuration
// names an unknown canonicalizer or nonce mode, or requires a durable
// store that is not there.
func New(cfg config.Config, dataStore dataStore, deps Deps) (*Service, error) {
	if cfg.RequireDurable && !dataStore.Durable() {
		return nil, fault.New(fault.KindServiceUnavailable, "a durable datastore is required but DATABASE_URL is not set")
	}
	mode, err := canon.ForName(cfg.Canonicalizer)
	if err != nil {
		return nil, err
	}
	nonceMode, err := ParseNonceMode(cfg.NonceMode)
	if err != nil {
		return nil, err
	}
	if deps.Signer == nil {
		signer, err := journal.NewEphemeralSigner()
		if err != nil {
			return nil, fmt.Errorf("ephemeral signer: %w", err)
		}
		deps.Signer = signer
	}
	if deps.Challenges == nil {
		deps.Challenges = dataStore
	}
	if deps.Bus == nil {
		deps.Bus = events.NewHub()
	}
	if deps.DeadLetters == nil {
		deps.DeadLetters = deadletter.NewMemoryQueue()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	sealed, err := lru.New[string, journal.Entry](sealedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("journal cache: %w", err)
	}

	s := &Service{
		cfg:       cfg,
		store:     dataStore,
		signer:    deps.Signer,
		mode:      mode,
		nonceMode: nonceMode,
		windows: rounds.Windows{
			SubmitSec:   int64(cfg.SubmitWindow / time.Second),
			ContinueSec: int64(cfg.ContinueWindow / time.Second),
		},
		bus:         deps.Bus,
		dlq:         deps.DeadLetters,
		metrics:     deps.Metrics,
		mirror:      deps.Mirror,
		exporter:    export.NewService(dataStore, deps.Objects),
		sealed:      sealed,
		now:         deps.Now,
		failedSeals: map[string]bool{},
	}
	s.auth = auth.NewService(deps.Challenges, dataStore, auth.Options{
		ChallengeTTL:   cfg.ChallengeTTL,
		CredentialTTL:  cfg.CredentialTTL,
		EnforceBinding: cfg.EnforceBinding,
		Now:            deps.Now,
	})
	s.search = search.NewService(deps.Meili, storeSearch{store: dataStore})
	return s, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Durable() bool {
	return s.store.Durable()
}

func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}

func (s *Service) Bus() events.Bus {
	return s.bus
}

func (s *Service) emit(ctx context.Context, event events.Event) {
	if err := s.bus.Publish(ctx, event); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"room_id": event.RoomID,
			"type":    event.Type,
		}).Warn("events: publish failed")
	}
}

type CreateRoomInput struct {
	Title             string `json:"title"`
	Participants      int    `json:"participants"`
	SubmitWindowSec   int    `json:"submit_window_sec"`
	ContinueWindowSec int    `json:"continue_window_sec"`
	AttributionMode   string `json:"attribution_mode"`
}

// CreateRoom opens a room with round 0 in the submit phase.
func (s *Service) CreateRoom(ctx context.Context, input CreateRoomInput) (RoomSnapshot, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return RoomSnapshot{}, fault.New(fault.KindValidation, "title is required")
	}
	if input.Participants < 0 || input.SubmitWindowSec < 0 || input.ContinueWindowSec < 0 {
		return RoomSnapshot{}, fault.New(fault.KindValidation, "participants and windows must not be negative")
	}
	attribution := strings.TrimSpace(input.AttributionMode)
	switch attribution {
	case "":
		attribution = store.AttributionNamed
	case store.AttributionNamed, store.AttributionAnonymous:
	default:
		return RoomSnapshot{}, fault.Newf(fault.KindValidation, "attribution_mode must be %q or %q", store.AttributionNamed, store.AttributionAnonymous)
	}

	now := s.now().UTC()
	room := store.Room{
		ID:     util.NewID("room"),
		Title:  title,
		Status: store.RoomActive,
		Config: store.RoomConfig{
			Participants:      input.Participants,
			SubmitWindowSec:   input.SubmitWindowSec,
			ContinueWindowSec: input.ContinueWindowSec,
			AttributionMode:   attribution,
		},
		CreatedAt: now,
	}
	w := rounds.WindowsFor(room.Config, s.windows)
	first := store.Round{
		ID:                 util.NewID("round"),
		RoomID:             room.ID,
		Idx:                0,
		Phase:              store.PhaseSubmit,
		SubmitDeadlineUnix: now.Unix() + w.SubmitSec,
		CreatedAt:          now,
	}
	if err := s.store.CreateRoom(ctx, room, first); err != nil {
		return RoomSnapshot{}, fmt.Errorf("create room: %w", err)
	}
	log.WithFields(log.Fields{"room_id": room.ID, "submit_deadline_unix": first.SubmitDeadlineUnix}).Info("room created")
	return s.Snapshot(ctx, room.ID)
}

type RoomView struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Status          string    `json:"status"`
	Participants    int       `json:"participants"`
	AttributionMode string    `json:"attribution_mode"`
	CurrentIdx      int       `json:"current_idx"`
	CreatedAt       time.Time `json:"created_at"`
}

type RoundView struct {
	ID                    string `json:"id"`
	Idx                   int    `json:"idx"`
	Phase                 string `json:"phase"`
	SubmitDeadlineUnix    int64  `json:"submit_deadline_unix"`
	PublishedAtUnix       int64  `json:"published_at_unix"`
	ContinueVoteCloseUnix int64  `json:"continue_vote_close_unix"`
}

type TranscriptItem struct {
	SubmissionID string        `json:"submission_id"`
	RoundID      string        `json:"round_id"`
	Author       string        `json:"author"`
	Content      string        `json:"content"`
	Claims       []store.Claim `json:"claims"`
	Citations    []string      `json:"citations"`
	ContentHash  string        `json:"content_hash"`
	CreatedAt    time.Time     `json:"created_at"`
}

type RoomSnapshot struct {
	Room          RoomView            `json:"room"`
	Round         RoundView           `json:"round"`
	ContinueTally store.ContinueTally `json:"continue_tally"`
	FinalTally    map[string]int      `json:"final_tally,omitempty"`
	Sealed        bool                `json:"sealed"`
	Transcript    []TranscriptItem    `json:"transcript"`
	ServerTime    int64               `json:"server_time_unix"`
}

// Snapshot returns the room's current round, tallies and transcript. In
// memory mode the room is advanced first, since nothing else may have
// ticked it.
func (s *Service) Snapshot(ctx context.Context, roomID string) (RoomSnapshot, error) {
	if !s.store.Durable() {
		s.tryAdvance(ctx, roomID)
	}
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return RoomSnapshot{}, err
	}
	round, err := s.store.GetRound(ctx, room.ID, room.CurrentIdx)
	if err != nil {
		return RoomSnapshot{}, fmt.Errorf("current round: %w", err)
	}
	tally, err := s.store.ContinueTally(ctx, round.ID)
	if err != nil {
		return RoomSnapshot{}, fmt.Errorf("continue tally: %w", err)
	}
	subs, err := s.store.ListRoomSubmissions(ctx, room.ID)
	if err != nil {
		return RoomSnapshot{}, fmt.Errorf("list submissions: %w", err)
	}

	snapshot := RoomSnapshot{
		Room:          roomView(room),
		Round:         roundView(round),
		ContinueTally: tally,
		Transcript:    make([]TranscriptItem, 0, len(subs)),
		ServerTime:    s.now().Unix(),
	}
	if _, err := s.store.GetJournalEntry(ctx, room.ID, round.Idx); err == nil {
		snapshot.Sealed = true
	}
	if room.Status == store.RoomClosed {
		if snapshot.FinalTally, err = s.store.FinalTally(ctx, room.ID); err != nil {
			return RoomSnapshot{}, fmt.Errorf("final tally: %w", err)
		}
	}
	aliases := store.AuthorAliases(subs)
	for _, sub := range subs {
		snapshot.Transcript = append(snapshot.Transcript, TranscriptItem{
			SubmissionID: sub.ID,
			RoundID:      sub.RoundID,
			Author:       store.DisplayAuthor(room, aliases, sub.AuthorID),
			Content:      sub.Content,
			Claims:       sub.Claims,
			Citations:    sub.Citations,
			ContentHash:  sub.ContentHash,
			CreatedAt:    sub.CreatedAt,
		})
	}
	return snapshot, nil
}

func roomView(room store.Room) RoomView {
	return RoomView{
		ID:              room.ID,
		Title:           room.Title,
		Status:          room.Status,
		Participants:    room.Config.Participants,
		AttributionMode: room.Config.AttributionMode,
		CurrentIdx:      room.CurrentIdx,
		CreatedAt:       room.CreatedAt,
	}
}

func roundView(round store.Round) RoundView {
	return RoundView{
		ID:                    round.ID,
		Idx:                   round.Idx,
		Phase:                 round.Phase,
		SubmitDeadlineUnix:    round.SubmitDeadlineUnix,
		PublishedAtUnix:       round.PublishedAtUnix,
		ContinueVoteCloseUnix: round.ContinueVoteCloseUnix,
	}
}

// IssueChallenge starts the challenge-response handshake.
func (s *Service) IssueChallenge(ctx context.Context, roomID, participantID string) (store.AuthChallenge, error) {
	if _, err := s.store.GetRoom(ctx, roomID); err != nil {
		return store.AuthChallenge{}, err
	}
	return s.auth.CreateChallenge(ctx, roomID, participantID)
}

// VerifyChallenge completes the handshake and issues a bearer credential.
func (s *Service) VerifyChallenge(ctx context.Context, req auth.VerifyRequest) (auth.Credential, error) {
	cred, err := s.auth.Verify(ctx, req)
	if err != nil {
		s.metrics.AuthAttempts.WithLabelValues(fault.KindOf(err).String()).Inc()
		return auth.Credential{}, err
	}
	s.metrics.AuthAttempts.WithLabelValues("ok").Inc()
	return cred, nil
}

// Authenticate parses a bearer credential.
func (s *Service) Authenticate(token string) (auth.Claims, error) {
	return s.auth.Authenticate(token)
}

type EnrollInput struct {
	Fingerprint string `json:"fingerprint"`
	KeyKind     string `json:"key_kind"`
	KeyMaterial string `json:"key_material"`
}

// EnrollFingerprint binds a participant to a key. Either a fingerprint in
// any accepted spelling or the key itself may be given; the stored value
// is always the normalized fingerprint. Later enrollments replace earlier
// ones.
func (s *Service) EnrollFingerprint(ctx context.Context, participantID string, input EnrollInput) (string, error) {
	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return "", fault.New(fault.KindValidation, "participant id is required")
	}
	fingerprint, err := enrollmentFingerprint(input)
	if err != nil {
		return "", err
	}
	if err := s.store.SetFingerprint(ctx, participantID, fingerprint); err != nil {
		return "", fmt.Errorf("set fingerprint: %w", err)
	}
	log.WithFields(log.Fields{"participant_id": participantID, "fingerprint": fingerprint}).Info("fingerprint enrolled")
	return fingerprint, nil
}

// storeSearch answers search queries from the datastore when Meilisearch
// is absent or unhealthy.
type storeSearch struct {
	store dataStore
}

func (f storeSearch) Search(ctx context.Context, q search.Query) ([]search.Result, error) {
	subs, err := f.store.SearchSubmissions(ctx, q.RoomID, q.Text, q.Limit+q.Offset)
	if err != nil {
		return nil, err
	}
	if q.Offset >= len(subs) {
		return []search.Result{}, nil
	}
	subs = subs[q.Offset:]
	results := make([]search.Result, 0, len(subs))
	for _, sub := range subs {
		results = append(results, search.Result{
			ID:       sub.ID,
			RoomID:   sub.RoomID,
			RoundID:  sub.RoundID,
			AuthorID: sub.AuthorID,
			Snippet:  snippet(sub.Content, q.Text),
		})
	}
	return results, nil
}

const snippetRadius = 80

func snippet(content, query string) string {
	runes := []rune(content)
	lowered := strings.ToLower(content)
	query = strings.ToLower(strings.TrimSpace(query))
	at := strings.Index(lowered, query)
	if at < 0 || query == "" {
		if len(runes) > 2*snippetRadius {
			return string(runes[:2*snippetRadius]) + "…"
		}
		return content
	}
	center := utf8.RuneCountInString(lowered[:at])
	start := max(center-snippetRadius, 0)
	end := min(center+snippetRadius, len(runes))
	out := string(runes[start:end])
	if start > 0 {
		out = "…" + out
	}
	if end < len(runes) {
		out += "…"
	}
	return out
}

// Search queries a room's transcript. Anonymous rooms get aliases in place
// of author ids.
func (s *Service) Search(ctx context.Context, roomID, text string, limit, offset int) (search.Response, error) {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return search.Response{}, err
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	resp := s.search.Search(ctx, search.Query{Text: strings.TrimSpace(text), RoomID: roomID, Limit: limit, Offset: max(offset, 0)})
	if room.Config.AttributionMode != store.AttributionAnonymous {
		return resp, nil
	}
	subs, err := s.store.ListRoomSubmissions(ctx, roomID)
	if err != nil {
		return search.Response{}, fmt.Errorf("list submissions: %w", err)
	}
	aliases := store.AuthorAliases(subs)
	for i := range resp.Results {
		resp.Results[i].AuthorID = store.DisplayAuthor(room, aliases, resp.Results[i].AuthorID)
	}
	return resp, nil
}

// ReindexSearch pushes every submission of every listed room to the search
// engine. A nil list means every active room.
func (s *Service) ReindexSearch(ctx context.Context, roomIDs []string) error {
	if roomIDs == nil {
		states, err := s.store.ListRoundStates(ctx, "")
		if err != nil {
			return fmt.Errorf("list rooms: %w", err)
		}
		for _, state := range states {
			roomIDs = append(roomIDs, state.Room.ID)
		}
	}
	var records []search.SubmissionRecord
	for _, roomID := range roomIDs {
		subs, err := s.store.ListRoomSubmissions(ctx, roomID)
		if err != nil {
			return fmt.Errorf("list submissions for %s: %w", roomID, err)
		}
		for _, sub := range subs {
			records = append(records, submissionRecord(sub))
		}
	}
	s.search.Reindex(records)
	return nil
}

func submissionRecord(sub store.Submission) search.SubmissionRecord {
	claims := make([]string, 0, len(sub.Claims))
	for _, claim := range sub.Claims {
		claims = append(claims, claim.Text)
	}
	return search.SubmissionRecord{
		ID:        sub.ID,
		RoomID:    sub.RoomID,
		RoundID:   sub.RoundID,
		AuthorID:  sub.AuthorID,
		Content:   sub.Content,
		Claims:    claims,
		Citations: sub.Citations,
	}
}

// Export renders a room's transcript and journal.
func (s *Service) Export(ctx context.Context, roomID, format string, upload bool) (*export.Result, error) {
	if _, err := s.store.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	parsed, err := export.ParseFormat(format)
	if err != nil {
		return nil, err
	}
	return s.exporter.Export(ctx, export.Request{RoomID: roomID, Format: parsed, Upload: upload})
}

func isNotFound(err error) bool {
	return errors.Is(err, fault.ErrNotFound)
}
