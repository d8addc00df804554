package rounds

import (
	"testing"

	"roundtable/api/internal/store"
)

var testWindows = Windows{SubmitSec: 60, ContinueSec: 30}

func TestSubmitRoundPublishesAfterDeadline(t *testing.T) {
	const t0 = int64(1_000)
	round := store.Round{RoomID: "room_1", Phase: store.PhaseSubmit, SubmitDeadlineUnix: t0}

	if d := Next(round, store.ContinueTally{}, t0, testWindows); d.Action != Stay {
		t.Fatalf("Next() at deadline = %v, want stay", d.Action)
	}

	d := Next(round, store.ContinueTally{}, t0+1, testWindows)
	if d.Action != Publish {
		t.Fatalf("Next() = %v, want publish", d.Action)
	}
	if d.Round.Phase != store.PhasePublished || d.Round.PublishedAtUnix != t0+1 {
		t.Fatalf("unexpected round %+v", d.Round)
	}
	if d.Round.ContinueVoteCloseUnix != t0+testWindows.ContinueSec {
		t.Fatalf("ContinueVoteCloseUnix = %d, want %d", d.Round.ContinueVoteCloseUnix, t0+testWindows.ContinueSec)
	}
}

func TestLatePublicationGetsFullWindow(t *testing.T) {
	round := store.Round{Phase: store.PhaseSubmit, SubmitDeadlineUnix: 100}
	d := Next(round, store.ContinueTally{}, 500, testWindows)
	if d.Round.ContinueVoteCloseUnix != 530 {
		t.Fatalf("ContinueVoteCloseUnix = %d, want 530", d.Round.ContinueVoteCloseUnix)
	}
}

func TestContinueMajorityOpensNextRound(t *testing.T) {
	const t0 = int64(1_000)
	round := store.Round{RoomID: "room_1", Idx: 0, Phase: store.PhaseSubmit, SubmitDeadlineUnix: t0}
	round = Next(round, store.ContinueTally{}, t0+1, testWindows).Round

	tally := store.ContinueTally{Yes: 2, No: 1}
	if d := Next(round, tally, t0+testWindows.ContinueSec, testWindows); d.Action != Stay {
		t.Fatalf("Next() before close = %v, want stay", d.Action)
	}

	now := t0 + testWindows.ContinueSec + 1
	d := Next(round, tally, now, testWindows)
	if d.Action != OpenNext || d.Next == nil {
		t.Fatalf("Next() = %v, want open_next", d.Action)
	}
	if d.Next.Idx != 1 || d.Next.Phase != store.PhaseSubmit || d.Next.RoomID != "room_1" {
		t.Fatalf("unexpected next round %+v", d.Next)
	}
	if d.Next.SubmitDeadlineUnix != now+testWindows.SubmitSec {
		t.Fatalf("SubmitDeadlineUnix = %d", d.Next.SubmitDeadlineUnix)
	}
	if d.Round.Phase != store.PhasePublished {
		t.Fatalf("superseded round phase = %s, want published", d.Round.Phase)
	}
}

func TestEndMajorityFinalizesAndStaysFinal(t *testing.T) {
	round := store.Round{Phase: store.PhasePublished, ContinueVoteCloseUnix: 2_000}
	tally := store.ContinueTally{Yes: 1, No: 2}

	d := Next(round, tally, 2_001, testWindows)
	if d.Action != Finalize || d.Round.Phase != store.PhaseFinal {
		t.Fatalf("Next() = %v %s, want finalize/final", d.Action, d.Round.Phase)
	}
	for _, now := range []int64{2_002, 5_000, 1 << 40} {
		again := Next(d.Round, store.ContinueTally{Yes: 10}, now, testWindows)
		if again.Action != Stay || again.Round.Phase != store.PhaseFinal {
			t.Fatalf("final round changed at %d: %v", now, again.Action)
		}
	}
}

func TestTieFinalizes(t *testing.T) {
	round := store.Round{Phase: store.PhasePublished, ContinueVoteCloseUnix: 10}
	if d := Next(round, store.ContinueTally{Yes: 1, No: 1}, 11, testWindows); d.Action != Finalize {
		t.Fatalf("Next() = %v, want finalize on tie", d.Action)
	}
}

func TestWindowsFor(t *testing.T) {
	w := WindowsFor(store.RoomConfig{ContinueWindowSec: 5}, testWindows)
	if w.SubmitSec != 60 || w.ContinueSec != 5 {
		t.Fatalf("WindowsFor() = %+v", w)
	}
}
