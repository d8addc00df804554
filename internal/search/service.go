package search

import (
	"context"

	log "github.com/sirupsen/logrus"
)

const (
	BackendMeili    = "meilisearch"
	BackendFallback = "store"
)

// Service is the facade that tries Meilisearch first and falls back to the
// datastore.
type Service struct {
	meili    *Meili
	fallback Fallback
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, fallback Fallback) *Service {
	return &Service{meili: meili, fallback: fallback}
}

// Search tries Meilisearch if healthy, otherwise falls back to the store.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: BackendMeili}
		}
		log.WithError(err).Warn("search: meilisearch error, falling back to store")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text, Backend: BackendFallback}
	}
	results, err := s.fallback.Search(ctx, q)
	if err != nil {
		log.WithError(err).Error("search: store fallback failed")
		return Response{Results: []Result{}, Query: q.Text, Backend: BackendFallback}
	}
	return Response{Results: nonNil(results), Total: len(results), Query: q.Text, Backend: BackendFallback}
}

// IndexSubmission indexes a submission (fire-and-forget to Meilisearch).
func (s *Service) IndexSubmission(record SubmissionRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexSubmissions([]SubmissionRecord{record}); err != nil {
			log.WithError(err).WithField("submission_id", record.ID).Warn("search: index submission")
		}
	}()
}

// Reindex pushes every record to Meilisearch. Called at startup when the
// engine is healthy.
func (s *Service) Reindex(records []SubmissionRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	if err := s.meili.IndexSubmissions(records); err != nil {
		log.WithError(err).Warn("search: reindex submissions")
	}
}

func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
