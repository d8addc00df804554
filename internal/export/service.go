package export

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"roundtable/api/internal/journal"
	"roundtable/api/internal/store"
)

// DataStore defines the reads an export needs.
type DataStore interface {
	GetRoom(ctx context.Context, roomID string) (store.Room, error)
	ListRounds(ctx context.Context, roomID string) ([]store.Round, error)
	ListRoomSubmissions(ctx context.Context, roomID string) ([]store.Submission, error)
	ListJournalEntries(ctx context.Context, roomID string) ([]journal.Entry, error)
	FinalTally(ctx context.Context, roomID string) (map[string]int, error)
}

// Service provides room export functionality
type Service struct {
	store   DataStore
	objects ObjectStore
	now     func() time.Time
}

// NewService creates a new export service. objects may be nil.
func NewService(store DataStore, objects ObjectStore) *Service {
	return &Service{store: store, objects: objects, now: time.Now}
}

// BuildBundle gathers a room's rounds, submissions and journal. Authors
// are aliased when the room is anonymous.
func (s *Service) BuildBundle(ctx context.Context, roomID string) (Bundle, error) {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return Bundle{}, fmt.Errorf("get room: %w", err)
	}
	rounds, err := s.store.ListRounds(ctx, roomID)
	if err != nil {
		return Bundle{}, fmt.Errorf("list rounds: %w", err)
	}
	subs, err := s.store.ListRoomSubmissions(ctx, roomID)
	if err != nil {
		return Bundle{}, fmt.Errorf("list submissions: %w", err)
	}
	entries, err := s.store.ListJournalEntries(ctx, roomID)
	if err != nil {
		return Bundle{}, fmt.Errorf("list journal: %w", err)
	}
	final, err := s.store.FinalTally(ctx, roomID)
	if err != nil {
		return Bundle{}, fmt.Errorf("final tally: %w", err)
	}

	aliases := store.AuthorAliases(subs)
	byRound := make(map[string][]BundleSubmission, len(rounds))
	for _, sub := range subs {
		claims := make([]string, 0, len(sub.Claims))
		for _, claim := range sub.Claims {
			claims = append(claims, claim.Text)
		}
		byRound[sub.RoundID] = append(byRound[sub.RoundID], BundleSubmission{
			ID:          sub.ID,
			Author:      store.DisplayAuthor(room, aliases, sub.AuthorID),
			Content:     sub.Content,
			Claims:      claims,
			Citations:   sub.Citations,
			ContentHash: sub.ContentHash,
		})
	}

	bundle := Bundle{
		Room: BundleRoom{
			ID:              room.ID,
			Title:           room.Title,
			Status:          room.Status,
			AttributionMode: room.Config.AttributionMode,
		},
		Rounds:     make([]BundleRound, 0, len(rounds)),
		Journal:    entries,
		FinalTally: final,
		ExportedAt: s.now().UTC(),
	}
	if bundle.Journal == nil {
		bundle.Journal = []journal.Entry{}
	}
	for _, round := range rounds {
		roundSubs := byRound[round.ID]
		if roundSubs == nil {
			roundSubs = []BundleSubmission{}
		}
		bundle.Rounds = append(bundle.Rounds, BundleRound{
			Idx:                   round.Idx,
			Phase:                 round.Phase,
			SubmitDeadlineUnix:    round.SubmitDeadlineUnix,
			PublishedAtUnix:       round.PublishedAtUnix,
			ContinueVoteCloseUnix: round.ContinueVoteCloseUnix,
			Submissions:           roundSubs,
		})
	}

	if err := journal.VerifyChain(entries); err != nil {
		bundle.Verification = Verification{OK: false, Error: err.Error()}
	} else {
		bundle.Verification = Verification{OK: true}
	}
	return bundle, nil
}

// Export generates an export in the requested format and uploads it when
// asked to.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	if req.Upload && s.objects == nil {
		return nil, ErrObjectStoreDisabled
	}
	bundle, err := s.BuildBundle(ctx, req.RoomID)
	if err != nil {
		return nil, err
	}

	var result *Result
	switch req.Format {
	case FormatJSON, "":
		data, err := json.MarshalIndent(bundle, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshal bundle: %w", err)
		}
		result = &Result{Data: data, Filename: sanitizeFilename(bundle.Room.Title) + ".json", MimeType: "application/json"}
	case FormatHTML:
		html, err := RenderTranscriptHTML(bundle)
		if err != nil {
			return nil, fmt.Errorf("render template: %w", err)
		}
		result = &Result{Data: []byte(html), Filename: sanitizeFilename(bundle.Room.Title) + ".html", MimeType: "text/html; charset=utf-8"}
	case FormatPDF:
		html, err := RenderTranscriptHTML(bundle)
		if err != nil {
			return nil, fmt.Errorf("render template: %w", err)
		}
		result, err = renderPDF(ctx, html, bundle.Room.Title)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}

	if req.Upload {
		name := path.Join(bundle.Room.ID, fmt.Sprintf("%d-%s", bundle.ExportedAt.Unix(), result.Filename))
		objectURL, err := s.objects.Put(ctx, name, result.Data, result.MimeType)
		if err != nil {
			return nil, fmt.Errorf("upload export: %w", err)
		}
		result.ObjectURL = objectURL
	}
	return result, nil
}
