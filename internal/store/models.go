package store

import (
	"time"

	"roundtable/api/internal/journal"
)

const (
	RoomActive = "active"
	RoomClosed = "closed"

	PhaseSubmit    = "submit"
	PhasePublished = "published"
	PhaseFinal     = "final"

	AttributionNamed     = "named"
	AttributionAnonymous = "anonymous"

	VoteContinue = "continue"
	VoteEnd      = "end"
)

type RoomConfig struct {
	Participants      int    `json:"participants"`
	SubmitWindowSec   int    `json:"submit_window_sec"`
	ContinueWindowSec int    `json:"continue_window_sec"`
	AttributionMode   string `json:"attribution_mode"`
}

type Room struct {
	ID         string
	Title      string
	Status     string
	Config     RoomConfig
	CurrentIdx int
	CreatedAt  time.Time
}

type Round struct {
	ID                    string
	RoomID                string
	Idx                   int
	Phase                 string
	SubmitDeadlineUnix    int64
	PublishedAtUnix       int64
	ContinueVoteCloseUnix int64
	CreatedAt             time.Time
}

type Claim struct {
	Text    string   `json:"text"`
	Support []string `json:"support"`
}

type Submission struct {
	ID           string
	RoomID       string
	RoundID      string
	AuthorID     string
	Phase        string
	DeadlineUnix int64
	Content      string
	Claims       []Claim
	Citations    []string
	ContentHash  string
	ClientNonce  string
	CreatedAt    time.Time
}

type AuthChallenge struct {
	Nonce         string
	RoomID        string
	ParticipantID string
	ExpiresAt     time.Time
}

// SubmissionNonce is a server-issued single-use nonce bound to a round
// and author.
type SubmissionNonce struct {
	Nonce     string
	RoundID   string
	AuthorID  string
	ExpiresAt time.Time
}

// Vote is one participant's ballot. Continue votes are keyed by round,
// final verdicts by room.
type Vote struct {
	RoomID  string
	RoundID string
	VoterID string
	Choice  string
	CastAt  time.Time
}

type ContinueTally struct {
	Yes int `json:"yes"`
	No  int `json:"no"`
}

// RoundState is a room's current round with what the state machine needs
// to decide its next transition.
type RoundState struct {
	Room   Room
	Round  Round
	Tally  ContinueTally
	Sealed bool
}

type JournalEntry = journal.Entry
