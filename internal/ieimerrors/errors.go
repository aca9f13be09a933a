// Package ieimerrors defines the pipeline's error taxonomy and its mapping
// onto HTTP status codes and CLI exit codes, generalizing the teacher's
// internal/shared/errors.AppError pattern onto a richer kind list: every
// error carries a Kind, which callers map onto HTTP status codes and CLI
// exit codes.
package ieimerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind enumerates the taxonomy from the error-handling design.
type Kind string

const (
	KindConfigInvalid         Kind = "CONFIG_INVALID"
	KindNormalizationInvalid  Kind = "NORMALIZATION_INVALID"
	KindAVFailed              Kind = "AV_FAILED"
	KindLLMProviderError      Kind = "LLM_PROVIDER_ERROR"
	KindLLMContractViolation  Kind = "LLM_CONTRACT_VIOLATION"
	KindLLMCapExceeded        Kind = "LLM_CAP_EXCEEDED"
	KindRulesInvalid          Kind = "RULES_INVALID"
	KindRouteNoMatch          Kind = "ROUTE_NO_MATCH"
	KindImmutabilityViolation Kind = "IMMUTABILITY_VIOLATION"
	KindAuditChainBroken      Kind = "AUDIT_CHAIN_BROKEN"
	KindETagMismatch          Kind = "ETAG_MISMATCH"
	KindIdempotencyReplay     Kind = "IDEMPOTENCY_REPLAY"
	KindPermissionDenied      Kind = "PERMISSION_DENIED"
	KindNotFound              Kind = "NOT_FOUND"
	KindAdapterUnavailable    Kind = "ADAPTER_UNAVAILABLE"
	KindArtifactAmbiguous     Kind = "ARTIFACT_AMBIGUOUS"
	KindUnauthenticated       Kind = "UNAUTHENTICATED"
)

// Error is the pipeline's single error type: a kind, a human message, and an
// optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// As reports whether err (or something it wraps) is an *Error of the given
// kind.
func As(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == kind {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// HTTPStatus maps a Kind onto the status codes from the error-handling
// design.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindArtifactAmbiguous:
		return http.StatusConflict
	case KindETagMismatch:
		return http.StatusPreconditionFailed
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindNormalizationInvalid, KindConfigInvalid, KindRulesInvalid:
		return http.StatusBadRequest
	case KindIdempotencyReplay:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// CLIExitCode maps a Kind onto the documented CLI exit codes.
func CLIExitCode(kind Kind) int {
	switch kind {
	case KindNormalizationInvalid, KindConfigInvalid, KindRulesInvalid:
		return 10
	case KindRouteNoMatch:
		return 30
	case KindAdapterUnavailable:
		return 40
	case KindImmutabilityViolation, KindAuditChainBroken, KindETagMismatch:
		return 60
	default:
		return 1
	}
}
