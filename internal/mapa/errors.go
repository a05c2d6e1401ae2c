package mapa

import (
	"errors"
	"fmt"
)

// Kind classifies an error of the matrix workflow.
type Kind string

const (
	KindNotFound            Kind = "NotFound"
	KindUnauthorized        Kind = "Unauthorized"
	KindInvalidState        Kind = "InvalidState"
	KindValidationFailed    Kind = "ValidationFailed"
	KindPersistenceConflict Kind = "PersistenceConflict"
	KindFrozen              Kind = "Frozen"
	KindMalformedResponse   Kind = "MalformedResponse"
	KindTransport           Kind = "Transport"
)

// Reason narrows a Kind for row-scoped outcomes.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonReportExists      Reason = "ReportExists"
	ReasonSigned            Reason = "Signed"
	ReasonRowInFlight       Reason = "RowInFlight"
	ReasonCalculatedResult  Reason = "CalculatedResult"
	ReasonNoStageSlot       Reason = "NoStageSlot"
	ReasonBadFormat         Reason = "BadFormat"
	ReasonNotSaved          Reason = "NotSaved"
	ReasonMissingResult     Reason = "MissingResult"
	ReasonSelfSignoffDenied Reason = "SelfSignoffDenied"
	ReasonAlreadySigned     Reason = "AlreadySigned"
	ReasonStaleSnapshot     Reason = "StaleSnapshot"
	ReasonRowRemoved        Reason = "RowRemoved"
	ReasonMissingOutcome    Reason = "MissingOutcome"
	ReasonNotConflicted     Reason = "NotConflicted"
)

// Error is the single error type returned by the engine. Row-scoped errors
// carry the row they refer to; batch-wide errors leave RowID at zero.
type Error struct {
	Kind    Kind
	Reason  Reason
	RowID   int64
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Reason != ReasonNone {
		msg = fmt.Sprintf("%s (%s): %s", e.Kind, e.Reason, e.Message)
	}
	if e.RowID != 0 {
		msg = fmt.Sprintf("row %d: %s", e.RowID, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind so callers can test errors.Is(err, mapa.ErrFrozen).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || t == nil {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == ReasonNone || t.Reason == e.Reason
}

var (
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrUnauthorized        = &Error{Kind: KindUnauthorized}
	ErrInvalidState        = &Error{Kind: KindInvalidState}
	ErrValidationFailed    = &Error{Kind: KindValidationFailed}
	ErrPersistenceConflict = &Error{Kind: KindPersistenceConflict}
	ErrFrozen              = &Error{Kind: KindFrozen}
	ErrMalformedResponse   = &Error{Kind: KindMalformedResponse}
	ErrTransport           = &Error{Kind: KindTransport}

	// ErrSessionClosed is returned for any operation on a closed session and
	// for outcomes that arrive after Close.
	ErrSessionClosed = errors.New("mapa: session closed")
)

func newError(kind Kind, reason Reason, rowID int64, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: reason, RowID: rowID, Message: fmt.Sprintf(format, args...)}
}

// AsError returns err as *Error when it is one.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf reports the Kind of err, or "" when err is not an engine error.
func KindOf(err error) Kind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return ""
}

// kindForReason maps a backend row reason to its error kind.
func kindForReason(reason Reason) Kind {
	switch reason {
	case ReasonNotSaved, ReasonMissingResult, ReasonSelfSignoffDenied, ReasonBadFormat, ReasonNoStageSlot:
		return KindValidationFailed
	case ReasonAlreadySigned, ReasonReportExists, ReasonSigned:
		return KindFrozen
	case ReasonStaleSnapshot, ReasonRowRemoved:
		return KindPersistenceConflict
	case ReasonRowInFlight, ReasonCalculatedResult:
		return KindInvalidState
	default:
		return ""
	}
}
