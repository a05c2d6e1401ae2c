package mapa

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// VistarReport describes a sign-off batch. Rejected rows failed a local
// precondition and were never sent.
type VistarReport struct {
	Request  VistarRequest
	Outcomes []RowOutcome
	Rejected []RowOutcome
}

// Succeeded returns the ids of the rows signed off by the batch.
func (r VistarReport) Succeeded() []int64 {
	return succeeded(r.Outcomes)
}

// Failed returns the rows the backend refused or did not answer for.
func (r VistarReport) Failed() []RowOutcome {
	return failed(r.Outcomes)
}

// Vistar signs off the selected rows. Rows that fail a local precondition
// are rejected before any network call; when none remain the backend is
// not contacted and the first rejection is returned as the error.
func (s *Session) Vistar(ctx context.Context, rowIDs []int64) (VistarReport, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return VistarReport{}, ErrSessionClosed
	}

	ids := uniqueSorted(rowIDs)
	report := VistarReport{Request: VistarRequest{IDUsuario: s.userID}}
	for _, rowID := range ids {
		if err := s.checkVistarLocked(rowID); err != nil {
			s.rowErrors[rowID] = err
			report.Rejected = append(report.Rejected, RowOutcome{RowID: rowID, Err: err})
			continue
		}
		report.Request.Amostras = append(report.Request.Amostras, VistarEntry{IDResultado: rowID})
	}
	if len(report.Request.Amostras) == 0 {
		s.mu.Unlock()
		if len(report.Rejected) > 0 {
			return report, report.Rejected[0].Err
		}
		return report, nil
	}
	for _, e := range report.Request.Amostras {
		s.inFlight[e.IDResultado] = struct{}{}
	}
	s.mu.Unlock()

	results, err := s.backend.Vistar(ctx, report.Request)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range report.Request.Amostras {
		delete(s.inFlight, e.IDResultado)
	}
	if s.closed {
		s.logger.Debug("dropping vistar outcome for closed session", zap.Int("rows", len(report.Request.Amostras)))
		return VistarReport{}, ErrSessionClosed
	}
	if err != nil {
		s.logger.Warn("vistar batch failed", zap.Int("rows", len(report.Request.Amostras)), zap.Error(err))
		return report, err
	}

	byID := make(map[int64]RowResult, len(results))
	for _, res := range results {
		byID[res.IDResultado] = res
	}
	for _, e := range report.Request.Amostras {
		rowID := e.IDResultado
		res, ok := byID[rowID]
		if !ok {
			missing := newError(KindMalformedResponse, ReasonMissingOutcome, rowID, "backend returned no outcome for row")
			s.rowErrors[rowID] = missing
			report.Outcomes = append(report.Outcomes, RowOutcome{RowID: rowID, Err: missing})
			continue
		}
		if !res.Success {
			rowErr := rowError(res)
			s.rowErrors[rowID] = rowErr
			report.Outcomes = append(report.Outcomes, RowOutcome{RowID: rowID, Err: rowErr})
			continue
		}
		s.applySignedLocked(rowID, res)
		report.Outcomes = append(report.Outcomes, RowOutcome{RowID: rowID, OK: true})
	}
	s.logger.Info("vistar batch applied",
		zap.Int("submitted", len(report.Request.Amostras)),
		zap.Int("succeeded", len(report.Succeeded())),
		zap.Int("rejected", len(report.Rejected)),
	)
	return report, nil
}

func (s *Session) checkVistarLocked(rowID int64) *Error {
	row, ok := s.matrix.Row(rowID)
	if !ok {
		return newError(KindNotFound, ReasonNone, rowID, "row is not part of this review")
	}
	if s.isInFlightLocked(rowID) {
		return newError(KindInvalidState, ReasonRowInFlight, rowID, "row is being submitted")
	}
	if s.isSignedLocked(row) {
		return newError(KindFrozen, ReasonAlreadySigned, rowID, "row already signed off by %s", row.UserVistoNome)
	}
	if row.HasReport {
		return newError(KindFrozen, ReasonReportExists, rowID, "row frozen by existing report")
	}
	if s.buffer.IsDirty(rowID) {
		return newError(KindValidationFailed, ReasonNotSaved, rowID, "row has unsaved edits; save or discard them first")
	}
	if strings.TrimSpace(row.Resultado) == "" {
		return newError(KindValidationFailed, ReasonMissingResult, rowID, "row has no result value")
	}
	if row.UserInicioID != 0 && row.UserInicioID == s.userID && !s.selfSignoff(s.matrix.Parameter(), row, s.userID) {
		return newError(KindValidationFailed, ReasonSelfSignoffDenied, rowID, "the analyst who started the row cannot sign it off")
	}
	return nil
}

// applySignedLocked records a successful sign-off. The row is frozen locally
// even if a later refresh does not yet reflect it.
func (s *Session) applySignedLocked(rowID int64, res RowResult) {
	row, ok := s.matrix.Row(rowID)
	if !ok {
		return
	}
	if res.Amostra != nil {
		echoed := *res.Amostra
		echoed.ID = rowID
		row = echoed
	}
	if row.UserVistoID == 0 {
		row.UserVistoID = s.userID
		row.UserVistoNome = s.userName
	}
	s.matrix.applyRow(row, res.EtapasValores)
	s.markSyncedLocked(rowID)
	s.signed[rowID] = struct{}{}
	s.guard.clear(rowID)
	delete(s.rowErrors, rowID)
}

func uniqueSorted(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
