package mapa

import (
	"context"
	"sort"

	"go.uber.org/zap"
)

// RowOutcome is the result of one row of a batch.
type RowOutcome struct {
	RowID int64
	OK    bool
	Err   *Error
}

// SaveReport describes a save batch. Excluded rows were dirty but withheld
// from the request, by the guard or because they are frozen.
type SaveReport struct {
	Request  SaveRequest
	Outcomes []RowOutcome
	Excluded []RowOutcome
}

// Succeeded returns the ids of the rows persisted by the batch.
func (r SaveReport) Succeeded() []int64 {
	return succeeded(r.Outcomes)
}

// Failed returns the rows the backend rejected or did not answer for.
func (r SaveReport) Failed() []RowOutcome {
	return failed(r.Outcomes)
}

type submittedRow struct {
	entry Entry
	row   SampleRow
}

// Save flushes every eligible dirty row to the backend as one batch and
// applies the per-row outcomes. A batch-wide error (transport, malformed
// envelope, closed session) leaves the buffer untouched and retryable.
func (s *Session) Save(ctx context.Context) (SaveReport, error) {
	if s.refreshSave && s.HasUnsavedChanges() {
		if _, err := s.Refresh(ctx); err != nil {
			return SaveReport{}, err
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return SaveReport{}, ErrSessionClosed
	}
	for _, rowID := range s.guard.evaluate(s.buffer, s.matrix, s.isInFlightLocked) {
		s.logger.Warn("edit conflicts with fresher snapshot", zap.Int64("row", rowID))
	}

	report := SaveReport{Request: SaveRequest{IDUsuario: s.userID}}
	submitted := make(map[int64]submittedRow)
	for _, rowID := range s.buffer.DirtyRows() {
		if s.isInFlightLocked(rowID) {
			continue
		}
		if conflict, ok := s.guard.conflict(rowID); ok {
			report.Excluded = append(report.Excluded, RowOutcome{RowID: rowID, Err: conflict})
			continue
		}
		row, ok := s.matrix.Row(rowID)
		if !ok {
			continue
		}
		if err := s.frozenLocked(row); err != nil {
			cause, _ := AsError(err)
			frozen := newError(KindFrozen, cause.Reason, rowID, "%s", cause.Message)
			s.rowErrors[rowID] = frozen
			report.Excluded = append(report.Excluded, RowOutcome{RowID: rowID, Err: frozen})
			continue
		}
		entry := s.buffer.entries[rowID]
		if entry.empty() {
			s.buffer.discard(rowID)
			continue
		}
		save := s.buildEntryLocked(row, entry)
		report.Request.Amostras = append(report.Request.Amostras, save)
		submitted[rowID] = submittedRow{entry: entry.clone(), row: row}
	}
	if len(submitted) == 0 {
		s.mu.Unlock()
		return report, nil
	}
	for rowID := range submitted {
		s.inFlight[rowID] = struct{}{}
	}
	s.mu.Unlock()

	results, err := s.backend.Save(ctx, report.Request)

	s.mu.Lock()
	defer s.mu.Unlock()
	for rowID := range submitted {
		delete(s.inFlight, rowID)
	}
	if s.closed {
		s.logger.Debug("dropping save outcome for closed session", zap.Int("rows", len(submitted)))
		return SaveReport{}, ErrSessionClosed
	}
	if err != nil {
		s.logger.Warn("save batch failed", zap.Int("rows", len(submitted)), zap.Error(err))
		return report, err
	}

	byID := s.indexResultsLocked(results, submitted)
	for _, save := range report.Request.Amostras {
		rowID := save.IDResultado
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
			if rowErr.Kind == KindPersistenceConflict {
				s.guard.mark(rowID, rowErr)
			}
			report.Outcomes = append(report.Outcomes, RowOutcome{RowID: rowID, Err: rowErr})
			continue
		}
		s.applySavedLocked(submitted[rowID], res)
		report.Outcomes = append(report.Outcomes, RowOutcome{RowID: rowID, OK: true})
	}
	s.logger.Info("save batch applied",
		zap.Int("submitted", len(submitted)),
		zap.Int("succeeded", len(report.Succeeded())),
		zap.Int("excluded", len(report.Excluded)),
	)
	return report, nil
}

// buildEntryLocked renders one save entry: full current result fields and
// only the touched stages, in column order.
func (s *Session) buildEntryLocked(row SampleRow, entry *Entry) SaveEntry {
	merged := row
	for field, v := range entry.Fields {
		merged.setField(field, v)
	}
	stageIDs := make([]int64, 0, len(entry.Cells))
	for stageID := range entry.Cells {
		stageIDs = append(stageIDs, stageID)
	}
	sort.Slice(stageIDs, func(i, j int) bool {
		return s.matrix.stageRank(stageIDs[i]) < s.matrix.stageRank(stageIDs[j])
	})
	save := SaveEntry{
		IDResultado: row.ID,
		DataInicio:  merged.DataInicio,
		HoraInicio:  merged.HoraInicio,
		Resultado:   merged.Resultado,
		DataTermino: merged.DataTermino,
		HoraTermino: merged.HoraTermino,
		Etapas:      make([]StageEdit, 0, len(stageIDs)),
	}
	for _, stageID := range stageIDs {
		slot, _ := s.matrix.StageValue(row.ID, stageID)
		save.Etapas = append(save.Etapas, StageEdit{ID: slot.ID, Valor: entry.Cells[stageID]})
	}
	return save
}

// applySavedLocked re-syncs a persisted row from the backend's echo, or from
// the submitted values when the backend echoed none, and clears it from the
// buffer.
func (s *Session) applySavedLocked(sub submittedRow, res RowResult) {
	rowID := sub.row.ID
	row := sub.row
	if res.Amostra != nil {
		row = *res.Amostra
		row.ID = rowID
	} else {
		for field, v := range sub.entry.Fields {
			row.setField(field, v)
		}
	}
	values := res.EtapasValores
	if len(values) == 0 {
		for stageID, v := range sub.entry.Cells {
			slot, ok := s.matrix.StageValue(rowID, stageID)
			if !ok {
				continue
			}
			slot.Valor = v
			values = append(values, slot)
		}
	}
	s.matrix.applyRow(row, values)
	s.markSyncedLocked(rowID)
	s.buffer.discard(rowID)
	s.guard.clear(rowID)
	delete(s.rowErrors, rowID)
}

func (s *Session) indexResultsLocked(results []RowResult, submitted map[int64]submittedRow) map[int64]RowResult {
	byID := make(map[int64]RowResult, len(results))
	for _, res := range results {
		if _, ok := submitted[res.IDResultado]; !ok {
			s.logger.Warn("ignoring outcome for row not in batch", zap.Int64("row", res.IDResultado))
			continue
		}
		byID[res.IDResultado] = res
	}
	return byID
}

func succeeded(outcomes []RowOutcome) []int64 {
	var out []int64
	for _, o := range outcomes {
		if o.OK {
			out = append(out, o.RowID)
		}
	}
	return out
}

func failed(outcomes []RowOutcome) []RowOutcome {
	var out []RowOutcome
	for _, o := range outcomes {
		if !o.OK {
			out = append(out, o)
		}
	}
	return out
}
