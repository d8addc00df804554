package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorsIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("create submission: %w", Newf(KindDeadlinePassed, "deadline %d passed", 10))
	if !errors.Is(err, ErrDeadlinePassed) {
		t.Fatalf("expected errors.Is(%v, ErrDeadlinePassed)", err)
	}
	if errors.Is(err, ErrValidation) {
		t.Fatalf("did not expect validation kind to match")
	}
}

func TestChallengeNotFoundAlsoMatchesInvalidNonce(t *testing.T) {
	if !errors.Is(ErrChallengeNotFound, ErrInvalidOrExpiredNonce) {
		t.Fatal("expected missing challenge to satisfy invalid-or-expired nonce")
	}
	if errors.Is(ErrInvalidOrExpiredNonce, ErrChallengeNotFound) {
		t.Fatal("relation is one-way")
	}
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindInternal {
		t.Fatalf("KindOf() = %v, want internal", got)
	}
	wrapped := fmt.Errorf("outer: %w", Wrap(KindInvalidKeyFormat, "bad key", errors.New("short buffer")))
	if got := KindOf(wrapped); got != KindInvalidKeyFormat {
		t.Fatalf("KindOf() = %v, want invalid_key_format", got)
	}
	if got := MessageOf(wrapped); got != "bad key" {
		t.Fatalf("MessageOf() = %q", got)
	}
}
