// Package rounds decides round phase transitions. It holds no state and
// performs no I/O; callers apply a Decision with a conditional write.
package rounds

import (
	"roundtable/api/internal/store"
)

type Action int

const (
	Stay Action = iota
	Publish
	OpenNext
	Finalize
)

func (a Action) String() string {
	switch a {
	case Publish:
		return "publish"
	case OpenNext:
		return "open_next"
	case Finalize:
		return "finalize"
	default:
		return "stay"
	}
}

// Windows are the round lengths in seconds.
type Windows struct {
	SubmitSec   int64
	ContinueSec int64
}

// WindowsFor applies a room's configured windows over the defaults.
func WindowsFor(cfg store.RoomConfig, defaults Windows) Windows {
	w := defaults
	if cfg.SubmitWindowSec > 0 {
		w.SubmitSec = int64(cfg.SubmitWindowSec)
	}
	if cfg.ContinueWindowSec > 0 {
		w.ContinueSec = int64(cfg.ContinueWindowSec)
	}
	return w
}

// Decision carries the updated round, and for OpenNext the round to
// create. Next.ID is left for the caller to assign.
type Decision struct {
	Action Action
	Round  store.Round
	Next   *store.Round
}

// Next evaluates round at now:
//
//	submit    -> published        when now > submit_deadline
//	published -> submit(idx+1)    when now > vote close and yes > no
//	published -> final            when now > vote close and yes <= no
//
// final never changes.
func Next(round store.Round, tally store.ContinueTally, now int64, w Windows) Decision {
	switch round.Phase {
	case store.PhaseSubmit:
		if now <= round.SubmitDeadlineUnix {
			return Decision{Action: Stay, Round: round}
		}
		updated := round
		updated.Phase = store.PhasePublished
		updated.PublishedAtUnix = now
		updated.ContinueVoteCloseUnix = VoteClose(round.SubmitDeadlineUnix, now, w.ContinueSec)
		return Decision{Action: Publish, Round: updated}

	case store.PhasePublished:
		if now <= round.ContinueVoteCloseUnix {
			return Decision{Action: Stay, Round: round}
		}
		if tally.Yes > tally.No {
			next := store.Round{
				RoomID:             round.RoomID,
				Idx:                round.Idx + 1,
				Phase:              store.PhaseSubmit,
				SubmitDeadlineUnix: now + w.SubmitSec,
			}
			return Decision{Action: OpenNext, Round: round, Next: &next}
		}
		updated := round
		updated.Phase = store.PhaseFinal
		return Decision{Action: Finalize, Round: updated}

	default:
		return Decision{Action: Stay, Round: round}
	}
}

// VoteClose anchors the continue window to the submit deadline so that
// tick latency does not stretch it. A round published after that point
// has already passed gets a full window from now.
func VoteClose(submitDeadline, now, continueSec int64) int64 {
	closeAt := submitDeadline + continueSec
	if closeAt < now {
		return now + continueSec
	}
	return closeAt
}
