package mapa

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Options configures a Session.
type Options struct {
	Logger *zap.Logger
	// UserName is written into user_visto_nome when the backend echoes no row
	// after a successful sign-off.
	UserName string
	// SelfSignoff decides self sign-off; nil means DenySelfSignoff.
	SelfSignoff SelfSignoffPolicy
	// RefreshBeforeSave reloads the snapshot before building a save request
	// so the guard compares against the freshest server state.
	RefreshBeforeSave bool
}

// Session is the editing context of one operator reviewing one parameter.
// It owns the matrix, the edit buffer and the guard, and is destroyed by
// Close. Methods are safe for concurrent use; the lock is never held across
// a backend call, so edits to other rows proceed while a batch is in flight.
type Session struct {
	backend     Backend
	logger      *zap.Logger
	parameterID int64
	userID      int64
	userName    string
	selfSignoff SelfSignoffPolicy
	refreshSave bool

	mu        sync.Mutex
	matrix    *Matrix
	stages    []StageDefinition
	buffer    *Buffer
	guard     *guard
	inFlight  map[int64]struct{}
	signed    map[int64]struct{}
	rowErrors map[int64]*Error
	closed    bool
	done      chan struct{}

	// generation counts applied save and vistar outcomes; syncedAt records
	// the generation at which each row was last re-synced from one.
	generation uint64
	syncedAt   map[int64]uint64
}

// RowView is the merged view of a row used for rendering: the fetched row
// overlaid by the operator's pending edits.
type RowView struct {
	Row      SampleRow
	Values   map[int64]string
	Dirty    bool
	Frozen   bool
	InFlight bool
	State    RowState
	Conflict *Error
	Err      *Error
}

// Open loads a parameter and starts a session for userID.
func Open(ctx context.Context, backend Backend, parameterID, userID int64, opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := opts.SelfSignoff
	if policy == nil {
		policy = DenySelfSignoff
	}
	logger = logger.With(zap.Int64("parameter", parameterID), zap.Int64("user", userID))

	matrix, err := Load(ctx, backend, parameterID, userID, logger)
	if err != nil {
		return nil, err
	}
	logger.Debug("mapa session opened",
		zap.Int("rows", len(matrix.rowOrder)),
		zap.Int("stages", len(matrix.stageOrder)),
		zap.Int("warnings", len(matrix.warnings)),
	)
	return &Session{
		backend:     backend,
		logger:      logger,
		parameterID: parameterID,
		userID:      userID,
		userName:    opts.UserName,
		selfSignoff: policy,
		refreshSave: opts.RefreshBeforeSave,
		matrix:      matrix,
		stages:      matrix.ColumnsOrderedBySequence(),
		buffer:      newBuffer(),
		guard:       newGuard(),
		inFlight:    make(map[int64]struct{}),
		signed:      make(map[int64]struct{}),
		rowErrors:   make(map[int64]*Error),
		done:        make(chan struct{}),
		syncedAt:    make(map[int64]uint64),
	}, nil
}

// ParameterID returns the parameter under review.
func (s *Session) ParameterID() int64 { return s.parameterID }

// UserID returns the operator of the session.
func (s *Session) UserID() int64 { return s.userID }

// Parameter returns the parameter metadata.
func (s *Session) Parameter() ParameterContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matrix.Parameter()
}

// Columns returns the stage definitions in column order.
func (s *Session) Columns() []StageDefinition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matrix.ColumnsOrderedBySequence()
}

// Warnings returns the integrity warnings of the current snapshot.
func (s *Session) Warnings() []Warning {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matrix.Warnings()
}

// Rows returns the merged views of every row in display order.
func (s *Session) Rows() []RowView {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.matrix.RowsOrderedBySampleNumber()
	out := make([]RowView, 0, len(rows))
	for _, row := range rows {
		out = append(out, s.viewLocked(row.ID, row))
	}
	return out
}

// SetCell stages a new value for one (row, stage) cell.
func (s *Session) SetCell(rowID, stageID int64, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	row, err := s.editableRowLocked(rowID)
	if err != nil {
		return err
	}
	if _, ok := s.matrix.Stage(stageID); !ok {
		return newError(KindNotFound, ReasonNone, rowID, "stage %d is not part of this parameter", stageID)
	}
	if _, ok := s.matrix.StageValue(rowID, stageID); !ok {
		return newError(KindValidationFailed, ReasonNoStageSlot, rowID, "stage %d has no value slot for sample %d", stageID, row.NumeroAmostra)
	}
	s.buffer.setCell(rowID, stageID, value, s.baseLocked(rowID, row))
	s.editAcceptedLocked(rowID)
	return nil
}

// SetResultField stages a new value for a row-level result field.
func (s *Session) SetResultField(rowID int64, field Field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	row, err := s.editableRowLocked(rowID)
	if err != nil {
		return err
	}
	value = strings.TrimSpace(value)
	switch field {
	case FieldResultado:
		if s.matrix.Parameter().Calculado {
			return newError(KindInvalidState, ReasonCalculatedResult, rowID, "result of %s is computed from stage values", s.matrix.Parameter().Nome)
		}
	case FieldDataInicio, FieldDataTermino, FieldHoraInicio, FieldHoraTermino:
		if err := checkFormat(rowID, field, value); err != nil {
			return err
		}
	default:
		return newError(KindValidationFailed, ReasonNone, rowID, "unknown result field %q", field)
	}
	s.buffer.setField(rowID, field, value, s.baseLocked(rowID, row))
	s.editAcceptedLocked(rowID)
	return nil
}

// editAcceptedLocked drops the row's last failure. A row whose edits were
// all reverted has no base left, so its conflict goes with it.
func (s *Session) editAcceptedLocked(rowID int64) {
	delete(s.rowErrors, rowID)
	if !s.buffer.IsDirty(rowID) {
		s.guard.clear(rowID)
	}
}

// IsDirty reports whether a row has pending edits.
func (s *Session) IsDirty(rowID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.IsDirty(rowID)
}

// DirtyRows returns the ids of every dirty row.
func (s *Session) DirtyRows() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.DirtyRows()
}

// HasUnsavedChanges reports whether Close would drop edits. UIs ask the
// operator for confirmation when it returns true.
func (s *Session) HasUnsavedChanges() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.Len() > 0
}

// Pending returns a copy of a row's buffered edits.
func (s *Session) Pending(rowID int64) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.Entry(rowID)
}

// Snapshot returns the merged view of a row.
func (s *Session) Snapshot(rowID int64) (RowView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.matrix.Row(rowID)
	if !ok {
		return RowView{}, newError(KindNotFound, ReasonNone, rowID, "row is not part of this review")
	}
	return s.viewLocked(rowID, row), nil
}

// State returns the workflow state of a row.
func (s *Session) State(rowID int64) (RowState, error) {
	view, err := s.Snapshot(rowID)
	if err != nil {
		return "", err
	}
	return view.State, nil
}

// RowError returns the last row-scoped failure recorded for a row.
func (s *Session) RowError(rowID int64) (*Error, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err, ok := s.rowErrors[rowID]
	return err, ok
}

// Conflict returns the guard's conflict for a row, if any.
func (s *Session) Conflict(rowID int64) (*Error, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guard.conflict(rowID)
}

// Discard drops a row's buffered edits without contacting the backend.
func (s *Session) Discard(rowID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if _, busy := s.inFlight[rowID]; busy {
		return newError(KindInvalidState, ReasonRowInFlight, rowID, "row is being submitted")
	}
	s.buffer.discard(rowID)
	s.guard.clear(rowID)
	delete(s.rowErrors, rowID)
	return nil
}

// Rebase resolves a conflict by discarding the local edits; the operator
// re-edits against the new snapshot.
func (s *Session) Rebase(rowID int64) error {
	return s.Discard(rowID)
}

// ForceOverwrite resolves a conflict by re-applying the local edits on top
// of the latest snapshot. It is an explicit operator decision; nothing is
// merged automatically.
func (s *Session) ForceOverwrite(rowID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if _, ok := s.guard.conflict(rowID); !ok {
		return newError(KindInvalidState, ReasonNotConflicted, rowID, "row has no conflict to overwrite")
	}
	latest, ok := s.matrix.Row(rowID)
	if !ok {
		return newError(KindPersistenceConflict, ReasonRowRemoved, rowID, "row is no longer pending for this parameter")
	}
	if err := s.frozenLocked(latest); err != nil {
		return err
	}
	s.buffer.rebase(rowID, newBaseSnapshot(latest, s.matrix.RowValues(rowID)))
	s.guard.clear(rowID)
	delete(s.rowErrors, rowID)
	s.logger.Info("conflict force-overwritten", zap.Int64("row", rowID))
	return nil
}

// Refresh reloads the snapshot from the backend and re-runs the guard. It
// returns the rows that became conflicted. Rows re-synced by a save or
// vistar outcome while the load was in flight keep their reconciled state,
// since the response may predate that outcome.
func (s *Session) Refresh(ctx context.Context) ([]int64, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	started := s.generation
	s.mu.Unlock()

	resp, err := s.backend.Load(ctx, LoadRequest{IDParametroPop: s.parameterID, IDUsuario: s.userID})
	if err != nil && KindOf(err) != KindNotFound {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if err != nil {
		resp = LoadResponse{}
	}
	resp.Info = s.matrix.Parameter()
	resp.EtapasDefinicao = s.stages
	fresh := NewMatrix(resp, s.logger)
	for rowID, gen := range s.syncedAt {
		if gen <= started {
			delete(s.syncedAt, rowID)
			continue
		}
		if row, ok := s.matrix.Row(rowID); ok {
			fresh.applyRow(row, s.matrix.rowStageValues(rowID))
		}
	}
	s.matrix = fresh
	// In-flight rows are reconciled by their own outcome, not by the guard.
	conflicted := s.guard.evaluate(s.buffer, s.matrix, s.isInFlightLocked)
	for _, rowID := range conflicted {
		s.logger.Warn("edit conflicts with fresher snapshot", zap.Int64("row", rowID))
	}
	return conflicted, nil
}

// Close discards the buffer without contacting the backend and tears the
// session down. Outcomes of in-flight batches are dropped when they arrive.
// It returns the number of dirty rows that were discarded.
func (s *Session) Close() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	dropped := s.buffer.Len()
	s.buffer.clear()
	s.closed = true
	close(s.done)
	s.logger.Debug("mapa session closed", zap.Int("discarded", dropped))
	return dropped
}

// markSyncedLocked records that a row was just re-synced from a backend
// outcome.
func (s *Session) markSyncedLocked(rowID int64) {
	s.generation++
	s.syncedAt[rowID] = s.generation
}

func (s *Session) isInFlightLocked(rowID int64) bool {
	_, ok := s.inFlight[rowID]
	return ok
}

func (s *Session) isSignedLocked(row SampleRow) bool {
	if row.Signed() {
		return true
	}
	_, ok := s.signed[row.ID]
	return ok
}

func (s *Session) frozenLocked(row SampleRow) error {
	if row.HasReport {
		return newError(KindInvalidState, ReasonReportExists, row.ID, "row frozen by existing report")
	}
	if s.isSignedLocked(row) {
		return newError(KindInvalidState, ReasonSigned, row.ID, "row already signed off")
	}
	return nil
}

func (s *Session) editableRowLocked(rowID int64) (SampleRow, error) {
	row, ok := s.matrix.Row(rowID)
	if !ok {
		return SampleRow{}, newError(KindNotFound, ReasonNone, rowID, "row is not part of this review")
	}
	if err := s.frozenLocked(row); err != nil {
		return SampleRow{}, err
	}
	if s.isInFlightLocked(rowID) {
		return SampleRow{}, newError(KindInvalidState, ReasonRowInFlight, rowID, "row is being submitted")
	}
	return row, nil
}

// baseLocked returns the base an edit is computed against: the existing
// entry's base, or the current fetched row for a first edit.
func (s *Session) baseLocked(rowID int64, row SampleRow) baseSnapshot {
	if e, ok := s.buffer.entries[rowID]; ok {
		return e.base
	}
	return newBaseSnapshot(row, s.matrix.RowValues(rowID))
}

func (s *Session) mergedLocked(rowID int64, row SampleRow) (SampleRow, map[int64]string) {
	values := s.matrix.RowValues(rowID)
	if e, ok := s.buffer.entries[rowID]; ok {
		for field, v := range e.Fields {
			row.setField(field, v)
		}
		for stageID, v := range e.Cells {
			values[stageID] = v
		}
	}
	return row, values
}

func (s *Session) viewLocked(rowID int64, row SampleRow) RowView {
	merged, values := s.mergedLocked(rowID, row)
	dirty := s.buffer.IsDirty(rowID)
	_, signedLocally := s.signed[rowID]
	view := RowView{
		Row:      merged,
		Values:   values,
		Dirty:    dirty,
		Frozen:   s.frozenLocked(row) != nil,
		InFlight: s.isInFlightLocked(rowID),
		State:    rowState(merged, dirty, signedLocally),
	}
	if c, ok := s.guard.conflict(rowID); ok {
		view.Conflict = c
	}
	if e, ok := s.rowErrors[rowID]; ok {
		view.Err = e
	}
	return view
}
