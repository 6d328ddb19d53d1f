// Package phlowerr defines the closed error taxonomy shared by every
// phlow component. Callers discriminate failures by Kind, never by
// message text.
package phlowerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a failure class. The set is closed: components must
// not invent kinds outside this list.
type Kind string

// Authentication failures (HTTP 401).
const (
	TokenMalformed        Kind = "token_malformed"
	TokenSignatureInvalid Kind = "token_signature_invalid"
	TokenExpired          Kind = "token_expired"
	TokenClaimMismatch    Kind = "token_claim_mismatch"
	AgentUnknown          Kind = "agent_unknown"
)

// Authorization failures (HTTP 403).
const (
	PermissionsInsufficient    Kind = "permissions_insufficient"
	RoleAbsent                 Kind = "role_absent"
	RoleCredentialRefused      Kind = "role_credential_refused"
	NonceMismatch              Kind = "nonce_mismatch"
	CredentialExpired          Kind = "credential_expired"
	CredentialSignatureInvalid Kind = "credential_signature_invalid"
	CredentialMalformed        Kind = "credential_malformed"
	IssuerUnresolved           Kind = "issuer_unresolved"
	VerificationMethodNotFound Kind = "verification_method_not_found"
)

// Flow-control failures.
const (
	RateLimitExceeded Kind = "rate_limit_exceeded"
	CircuitOpen       Kind = "circuit_open"
	OperationTimeout  Kind = "operation_timeout"
	Cancelled         Kind = "cancelled"
)

// Infrastructure failures.
const (
	RegistryUnavailable  Kind = "registry_unavailable"
	ConfigurationInvalid Kind = "configuration_invalid"
)

// Error is the concrete error type carried through the pipeline.
// Message is safe to log; it is never sent verbatim to peers beyond
// the stable kind string plus a short human-readable summary.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

// New creates an Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that records err as its cause. The cause is
// reachable via errors.Unwrap for logging but does not change the kind.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, cause: err}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports kind equality so errors.Is(err, phlowerr.New(kind, ""))
// works; IsKind is the idiomatic entry point.
func (e *Error) Is(target error) bool {
	var pe *Error
	if errors.As(target, &pe) {
		return e.Kind == pe.Kind
	}
	return false
}

// KindOf returns the kind of err, or "" when err is not a taxonomy error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a failure kind to the status code the host should
// return. Unknown kinds map to 500.
func HTTPStatus(kind Kind) int {
	switch kind {
	case TokenMalformed, TokenSignatureInvalid, TokenExpired, TokenClaimMismatch, AgentUnknown:
		return http.StatusUnauthorized
	case PermissionsInsufficient, RoleAbsent, RoleCredentialRefused,
		NonceMismatch, CredentialExpired, CredentialSignatureInvalid,
		CredentialMalformed, IssuerUnresolved, VerificationMethodNotFound:
		return http.StatusForbidden
	case RateLimitExceeded:
		return http.StatusTooManyRequests
	case CircuitOpen, RegistryUnavailable, OperationTimeout:
		return http.StatusServiceUnavailable
	case Cancelled:
		// Client went away; 499 is the nginx convention for this.
		return 499
	case ConfigurationInvalid:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
