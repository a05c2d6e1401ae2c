package mapa

import "strings"

// RowState is the position of a row in the review workflow.
//
//	Pending -> Entered -> Saved -> Signed
//
// Edits are accepted in Pending and Entered; editing a Saved row moves it
// back to Entered. Signed is terminal.
type RowState string

const (
	StatePending RowState = "pending"
	StateEntered RowState = "entered"
	StateSaved   RowState = "saved"
	StateSigned  RowState = "signed"
)

func rowState(row SampleRow, dirty, signedLocally bool) RowState {
	switch {
	case row.Signed() || signedLocally:
		return StateSigned
	case dirty && strings.TrimSpace(row.Resultado) != "":
		return StateEntered
	case dirty:
		return StatePending
	case strings.TrimSpace(row.Resultado) != "":
		return StateSaved
	default:
		return StatePending
	}
}

// SelfSignoffPolicy decides whether the analyst who started a row may also
// sign it off. It is deployment configuration, injected into the session.
type SelfSignoffPolicy func(param ParameterContext, row SampleRow, signerID int64) bool

// DenySelfSignoff never allows self sign-off.
func DenySelfSignoff(ParameterContext, SampleRow, int64) bool { return false }

// AllowSelfSignoff always allows self sign-off.
func AllowSelfSignoff(ParameterContext, SampleRow, int64) bool { return true }

// StateOf returns the workflow state of a fetched row with no local edits.
func StateOf(row SampleRow) RowState {
	return rowState(row, false, false)
}
