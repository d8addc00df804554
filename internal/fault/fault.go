// Package fault defines the closed set of error kinds shared by every
// component. Transports map kinds to responses in one table; callers
// never inspect message text.
package fault

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindChallengeNotFound
	KindChallengeMismatch
	KindInvalidSignature
	KindAuthorBindingMismatch
	KindAuthorNotConfigured
	KindInvalidKeyFormat
	KindInvalidOrExpiredNonce
	KindDeadlinePassed
	KindNotFound
	KindCanonicalization
	KindServiceUnavailable
)

var kindNames = map[Kind]string{
	KindInternal:              "internal",
	KindValidation:            "validation_error",
	KindChallengeNotFound:     "auth_challenge_not_found",
	KindChallengeMismatch:     "challenge_mismatch",
	KindInvalidSignature:      "invalid_signature",
	KindAuthorBindingMismatch: "author_binding_mismatch",
	KindAuthorNotConfigured:   "author_not_configured",
	KindInvalidKeyFormat:      "invalid_key_format",
	KindInvalidOrExpiredNonce: "invalid_or_expired_nonce",
	KindDeadlinePassed:        "deadline_passed",
	KindNotFound:              "not_found",
	KindCanonicalization:      "canonicalization_error",
	KindServiceUnavailable:    "service_unavailable",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error carries a Kind through the call stack. Two errors match under
// errors.Is when their kinds match; a missing auth challenge also matches
// KindInvalidOrExpiredNonce since a consumed challenge is
// indistinguishable from one that never existed.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == e.Kind {
		return true
	}
	return e.Kind == KindChallengeNotFound && t.Kind == KindInvalidOrExpiredNonce
}

// Sentinels for errors.Is checks.
var (
	ErrInternal              = &Error{Kind: KindInternal, Message: "internal error"}
	ErrValidation            = &Error{Kind: KindValidation, Message: "validation failed"}
	ErrChallengeNotFound     = &Error{Kind: KindChallengeNotFound, Message: "challenge not found or expired"}
	ErrChallengeMismatch     = &Error{Kind: KindChallengeMismatch, Message: "challenge bound to a different room or participant"}
	ErrInvalidSignature      = &Error{Kind: KindInvalidSignature, Message: "signature does not verify"}
	ErrAuthorBindingMismatch = &Error{Kind: KindAuthorBindingMismatch, Message: "key fingerprint does not match enrolled fingerprint"}
	ErrAuthorNotConfigured   = &Error{Kind: KindAuthorNotConfigured, Message: "participant has no enrolled fingerprint"}
	ErrInvalidKeyFormat      = &Error{Kind: KindInvalidKeyFormat, Message: "invalid key format"}
	ErrInvalidOrExpiredNonce = &Error{Kind: KindInvalidOrExpiredNonce, Message: "invalid or expired nonce"}
	ErrDeadlinePassed        = &Error{Kind: KindDeadlinePassed, Message: "submission deadline has passed"}
	ErrNotFound              = &Error{Kind: KindNotFound, Message: "not found"}
	ErrCanonicalization      = &Error{Kind: KindCanonicalization, Message: "value cannot be canonicalized"}
	ErrServiceUnavailable    = &Error{Kind: KindServiceUnavailable, Message: "durable store required"}
)

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf reports the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the client-facing message of the first *Error in the
// chain without wrapped causes.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
