package app

import (
	"fmt"
	"net/http"

	"roundtable/api/internal/fault"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var errCredentialRequired = domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Bearer credential required", nil)

type kindResponse struct {
	status int
	code   string
}

// kindResponses is the only place error kinds turn into HTTP responses.
var kindResponses = map[fault.Kind]kindResponse{
	fault.KindValidation:            {http.StatusBadRequest, "VALIDATION_ERROR"},
	fault.KindChallengeNotFound:     {http.StatusUnauthorized, "AUTH_CHALLENGE_NOT_FOUND"},
	fault.KindChallengeMismatch:     {http.StatusUnauthorized, "CHALLENGE_MISMATCH"},
	fault.KindInvalidSignature:      {http.StatusUnauthorized, "INVALID_SIGNATURE"},
	fault.KindAuthorBindingMismatch: {http.StatusForbidden, "AUTHOR_BINDING_MISMATCH"},
	fault.KindAuthorNotConfigured:   {http.StatusForbidden, "AUTHOR_NOT_CONFIGURED"},
	fault.KindInvalidKeyFormat:      {http.StatusBadRequest, "INVALID_KEY_FORMAT"},
	fault.KindInvalidOrExpiredNonce: {http.StatusConflict, "INVALID_OR_EXPIRED_NONCE"},
	fault.KindDeadlinePassed:        {http.StatusConflict, "DEADLINE_PASSED"},
	fault.KindNotFound:              {http.StatusNotFound, "NOT_FOUND"},
	fault.KindCanonicalization:      {http.StatusUnprocessableEntity, "CANONICALIZATION_ERROR"},
	fault.KindServiceUnavailable:    {http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"},
	fault.KindInternal:              {http.StatusInternalServerError, "INTERNAL"},
}

func responseForKind(kind fault.Kind) kindResponse {
	if resp, ok := kindResponses[kind]; ok {
		return resp
	}
	return kindResponses[fault.KindInternal]
}
