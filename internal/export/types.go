// Package export renders a room's transcript and journal as a JSON bundle,
// HTML or PDF, and can upload the result to object storage.
package export

import (
	"errors"
	"time"

	"roundtable/api/internal/journal"
)

// Format represents the export output format
type Format string

const (
	FormatJSON Format = "json"
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

func ParseFormat(value string) (Format, error) {
	switch Format(value) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatHTML, FormatPDF:
		return Format(value), nil
	default:
		return "", ErrUnsupportedFormat
	}
}

// Request contains parameters for an export operation
type Request struct {
	RoomID string
	Format Format
	Upload bool
}

// Bundle is the JSON export. Journal holds the entries in idx order, so
// the file can be verified offline.
type Bundle struct {
	Room         BundleRoom      `json:"room"`
	Rounds       []BundleRound   `json:"rounds"`
	Journal      []journal.Entry `json:"journal"`
	FinalTally   map[string]int  `json:"final_tally"`
	Verification Verification    `json:"verification"`
	ExportedAt   time.Time       `json:"exported_at"`
}

type BundleRoom struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Status          string `json:"status"`
	AttributionMode string `json:"attribution_mode"`
}

type BundleRound struct {
	Idx                   int                `json:"idx"`
	Phase                 string             `json:"phase"`
	SubmitDeadlineUnix    int64              `json:"submit_deadline_unix"`
	PublishedAtUnix       int64              `json:"published_at_unix"`
	ContinueVoteCloseUnix int64              `json:"continue_vote_close_unix"`
	Submissions           []BundleSubmission `json:"submissions"`
}

type BundleSubmission struct {
	ID          string   `json:"id"`
	Author      string   `json:"author"`
	Content     string   `json:"content"`
	Claims      []string `json:"claims"`
	Citations   []string `json:"citations"`
	ContentHash string   `json:"content_hash"`
}

type Verification struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Result contains the export output
type Result struct {
	Data      []byte
	Filename  string
	MimeType  string
	ObjectURL string
}

var (
	// ErrUnsupportedFormat indicates an unknown export format.
	ErrUnsupportedFormat = errors.New("export format unsupported")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrObjectStoreDisabled indicates an upload was requested without object storage.
	ErrObjectStoreDisabled = errors.New("export object storage not configured")
)
