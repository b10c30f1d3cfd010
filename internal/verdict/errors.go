// Package verdict defines the failure taxonomy shared by the gate stores, the
// gate evaluators and the pipeline sequencer.
//
// Domain outcomes (replay, expiry, revoked device, ...) are reported as
// *Error values. Infrastructure failures are ordinary wrapped errors; callers
// that need a verdict for them use Classify, which maps them to ConfigError.
package verdict

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the coarse failure category.
type Kind string

const (
	KindCredential Kind = "CredentialError"
	KindReplay     Kind = "ReplayError"
	KindExpiry     Kind = "ExpiryError"
	KindConfig     Kind = "ConfigError"
	KindTimeout    Kind = "TimeoutError"
	KindOrdering   Kind = "OrderingError"
)

// Reason is the specific, machine-readable cause of a failure.
type Reason string

const (
	// Device registry / Q1
	ReasonMissingCredentials Reason = "MissingCredentials"
	ReasonUnknownDevice      Reason = "UnknownDevice"
	ReasonKeyMismatch        Reason = "KeyMismatch"
	ReasonRevoked            Reason = "Revoked"
	ReasonAlreadyExists      Reason = "AlreadyExists"
	ReasonNotFound           Reason = "NotFound"

	// Q2
	ReasonInconsistentBehavior Reason = "InconsistentBehavior"
	ReasonUnknownIdentity      Reason = "UnknownIdentity"

	// Nonce store / Q3
	ReasonMissingFields Reason = "MissingFields"
	ReasonBadContext    Reason = "BadContext"
	ReasonExpired       Reason = "Expired"
	ReasonReplay        Reason = "Replay"
	ReasonUnknownNonce  Reason = "UnknownNonce"

	// Session store / Q4
	ReasonSessionNotFound Reason = "SessionNotFound"
	ReasonMFARequired     Reason = "MfaRequired"
	ReasonSessionMismatch Reason = "SessionMismatch"

	// Orchestrator
	ReasonTimeout   Reason = "Timeout"
	ReasonCancelled Reason = "Cancelled"
	ReasonStore     Reason = "StoreUnavailable"
	ReasonPanic     Reason = "GatePanic"

	// Pipeline
	ReasonWrongOrder   Reason = "WrongOrder"
	ReasonMissingStage Reason = "MissingStage"
	ReasonExtraStage   Reason = "ExtraStage"
)

// Remedy tells the caller what it has to do before retrying.
type Remedy string

const (
	RemedyNone             Remedy = "none"
	RemedyFreshNonce       Remedy = "fresh-nonce"
	RemedyNewSession       Remedy = "new-session"
	RemedyCompleteMFA      Remedy = "complete-mfa"
	RemedyReregisterDevice Remedy = "reregister-device"
	RemedyRetry            Remedy = "retry"
	RemedyOperator         Remedy = "operator"
)

// Error is a classified gate, store or pipeline failure.
type Error struct {
	// Kind identifies the failure category.
	Kind Kind

	// Reason identifies the specific cause.
	Reason Reason

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Reason, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same Reason, so sentinel comparisons
// like errors.Is(err, verdict.ErrReplay) work on wrapped values.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Reason == e.Reason && (t.Kind == "" || t.Kind == e.Kind)
}

// Remedy returns what the caller must do to retry.
func (e *Error) Remedy() Remedy {
	return RemedyFor(e.Reason)
}

// Sentinels for errors.Is comparisons.
var (
	ErrReplay        = &Error{Kind: KindReplay, Reason: ReasonReplay}
	ErrExpired       = &Error{Kind: KindExpiry, Reason: ReasonExpired}
	ErrRevoked       = &Error{Kind: KindCredential, Reason: ReasonRevoked}
	ErrNotFound      = &Error{Kind: KindCredential, Reason: ReasonNotFound}
	ErrAlreadyExists = &Error{Kind: KindCredential, Reason: ReasonAlreadyExists}
)

// New creates an *Error. The kind is derived from the reason.
func New(reason Reason, format string, args ...any) *Error {
	return &Error{
		Kind:    KindOf(reason),
		Reason:  reason,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap creates an *Error with an underlying cause.
func Wrap(reason Reason, err error, format string, args ...any) *Error {
	e := New(reason, format, args...)
	e.Err = err
	return e
}

// KindOf maps a reason to its category.
func KindOf(reason Reason) Kind {
	switch reason {
	case ReasonReplay, ReasonUnknownNonce:
		return KindReplay
	case ReasonExpired:
		return KindExpiry
	case ReasonTimeout, ReasonCancelled:
		return KindTimeout
	case ReasonWrongOrder, ReasonMissingStage, ReasonExtraStage:
		return KindOrdering
	case ReasonStore, ReasonPanic:
		return KindConfig
	default:
		return KindCredential
	}
}

// RemedyFor maps a reason to the action that makes a retry meaningful.
func RemedyFor(reason Reason) Remedy {
	switch reason {
	case ReasonReplay, ReasonExpired, ReasonUnknownNonce, ReasonBadContext, ReasonMissingFields:
		return RemedyFreshNonce
	case ReasonSessionNotFound, ReasonSessionMismatch:
		return RemedyNewSession
	case ReasonMFARequired:
		return RemedyCompleteMFA
	case ReasonUnknownDevice, ReasonKeyMismatch, ReasonRevoked, ReasonNotFound:
		return RemedyReregisterDevice
	case ReasonTimeout, ReasonCancelled:
		return RemedyRetry
	case ReasonStore, ReasonPanic, ReasonWrongOrder, ReasonMissingStage, ReasonExtraStage,
		ReasonUnknownIdentity, ReasonInconsistentBehavior, ReasonAlreadyExists:
		return RemedyOperator
	default:
		return RemedyNone
	}
}

// Classify converts any error into an *Error. Existing *Error values are
// returned as-is; context errors become timeout verdicts; anything else is an
// infrastructure failure reported as ConfigError.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var ve *Error
	if errors.As(err, &ve) {
		return ve
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(ReasonTimeout, err, "evaluation budget exceeded")
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(ReasonCancelled, err, "request cancelled")
	}
	return Wrap(ReasonStore, err, "store failure")
}

// ReasonOf returns the reason of a classified error, or "" for nil.
func ReasonOf(err error) Reason {
	if ve := Classify(err); ve != nil {
		return ve.Reason
	}
	return ""
}

// IsReplay reports whether err is a nonce replay.
func IsReplay(err error) bool {
	return errors.Is(err, ErrReplay)
}

// IsExpired reports whether err is a TTL expiry.
func IsExpired(err error) bool {
	return errors.Is(err, ErrExpired)
}

// IsOrdering reports whether err is a pipeline ordering violation.
func IsOrdering(err error) bool {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind == KindOrdering
	}
	return false
}
