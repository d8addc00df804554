package search

import "context"

// Result is a single search hit returned to the caller.
type Result struct {
	ID       string `json:"id"`
	RoomID   string `json:"roomId"`
	RoundID  string `json:"roundId"`
	AuthorID string `json:"authorId"`
	Snippet  string `json:"snippet"`
}

// Query describes a search request scoped to one room.
type Query struct {
	Text   string
	RoomID string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Backend string   `json:"backend"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// SubmissionRecord is the data we index for a submission.
type SubmissionRecord struct {
	ID        string   `json:"id"`
	RoomID    string   `json:"roomId"`
	RoundID   string   `json:"roundId"`
	AuthorID  string   `json:"authorId"`
	Content   string   `json:"content"`
	Claims    []string `json:"claims"`
	Citations []string `json:"citations"`
}

// Fallback answers queries from the primary datastore when the search
// engine is absent or unhealthy.
type Fallback interface {
	Search(ctx context.Context, q Query) ([]Result, error)
}
