package mapa

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

type cellKey struct {
	row   int64
	stage int64
}

// WarningKind classifies a load-time integrity problem.
type WarningKind string

const (
	WarnOrphanStage    WarningKind = "orphan_stage"
	WarnOrphanRow      WarningKind = "orphan_row"
	WarnDuplicateValue WarningKind = "duplicate_value"
	WarnDuplicateRow   WarningKind = "duplicate_row"
	WarnSharedAnalysis WarningKind = "shared_analysis"
)

// Warning records data the loader dropped or collapsed. Warnings never fail
// a load; partial data still renders.
type Warning struct {
	Kind    WarningKind
	RowID   int64
	StageID int64
	ValueID int64
	Message string
}

// Cell is one displayed (row, stage) position of the grid.
type Cell struct {
	RowID   int64
	StageID int64
	Value   string
	Present bool
}

// Matrix is the typed model of one parameter's pending review.
type Matrix struct {
	param      ParameterContext
	rows       map[int64]SampleRow
	rowOrder   []int64
	byAnalise  map[int64]int64
	stages     map[int64]StageDefinition
	stageOrder []int64
	values     map[cellKey]StageValue
	warnings   []Warning
}

// Load fetches a parameter's review set and builds its matrix.
func Load(ctx context.Context, backend Backend, parameterID, userID int64, logger *zap.Logger) (*Matrix, error) {
	resp, err := backend.Load(ctx, LoadRequest{IDParametroPop: parameterID, IDUsuario: userID})
	if err != nil {
		return nil, err
	}
	if len(resp.Amostras) == 0 {
		return nil, newError(KindNotFound, ReasonNone, 0, "parameter %d has no pending rows", parameterID)
	}
	return NewMatrix(resp, logger), nil
}

// NewMatrix builds a matrix from a load response, dropping orphaned stage
// values and collapsing duplicates last-writer-wins by input order.
func NewMatrix(resp LoadResponse, logger *zap.Logger) *Matrix {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Matrix{
		param:     resp.Info,
		rows:      make(map[int64]SampleRow, len(resp.Amostras)),
		byAnalise: make(map[int64]int64, len(resp.Amostras)),
		stages:    make(map[int64]StageDefinition, len(resp.EtapasDefinicao)),
		values:    make(map[cellKey]StageValue, len(resp.EtapasValores)),
	}

	for _, row := range resp.Amostras {
		if _, dup := m.rows[row.ID]; dup {
			m.warn(logger, Warning{Kind: WarnDuplicateRow, RowID: row.ID, Message: "duplicate result row, keeping last"})
		} else {
			m.rowOrder = append(m.rowOrder, row.ID)
		}
		m.rows[row.ID] = row
		if prev, ok := m.byAnalise[row.IDAnalise]; ok && prev != row.ID {
			m.warn(logger, Warning{Kind: WarnSharedAnalysis, RowID: row.ID, Message: fmt.Sprintf("analysis %d already owned by row %d", row.IDAnalise, prev)})
		}
		m.byAnalise[row.IDAnalise] = row.ID
	}
	sort.SliceStable(m.rowOrder, func(i, j int) bool {
		a, b := m.rows[m.rowOrder[i]], m.rows[m.rowOrder[j]]
		if a.NumeroAmostra != b.NumeroAmostra {
			return a.NumeroAmostra < b.NumeroAmostra
		}
		return a.Identificacao < b.Identificacao
	})

	for _, stage := range resp.EtapasDefinicao {
		if _, dup := m.stages[stage.ID]; !dup {
			m.stageOrder = append(m.stageOrder, stage.ID)
		}
		m.stages[stage.ID] = stage
	}
	sort.Slice(m.stageOrder, func(i, j int) bool {
		a, b := m.stages[m.stageOrder[i]], m.stages[m.stageOrder[j]]
		if a.Sequencia != b.Sequencia {
			return a.Sequencia < b.Sequencia
		}
		return a.ID < b.ID
	})

	for _, value := range resp.EtapasValores {
		if _, ok := m.stages[value.IDEtapa]; !ok {
			m.warn(logger, Warning{Kind: WarnOrphanStage, StageID: value.IDEtapa, ValueID: value.ID, Message: "stage value references unknown stage"})
			continue
		}
		rowID, ok := m.byAnalise[value.IDAnalise]
		if !ok {
			m.warn(logger, Warning{Kind: WarnOrphanRow, StageID: value.IDEtapa, ValueID: value.ID, Message: fmt.Sprintf("stage value references unknown analysis %d", value.IDAnalise)})
			continue
		}
		key := cellKey{row: rowID, stage: value.IDEtapa}
		if prev, dup := m.values[key]; dup {
			m.warn(logger, Warning{Kind: WarnDuplicateValue, RowID: rowID, StageID: value.IDEtapa, ValueID: value.ID, Message: fmt.Sprintf("duplicate stage value, replacing value %d", prev.ID)})
		}
		m.values[key] = value
	}
	return m
}

func (m *Matrix) warn(logger *zap.Logger, w Warning) {
	m.warnings = append(m.warnings, w)
	logger.Warn("mapa integrity",
		zap.String("kind", string(w.Kind)),
		zap.Int64("parameter", m.param.ID),
		zap.Int64("row", w.RowID),
		zap.Int64("stage", w.StageID),
		zap.Int64("value", w.ValueID),
		zap.String("detail", w.Message),
	)
}

// Parameter returns the parameter metadata.
func (m *Matrix) Parameter() ParameterContext {
	return m.param
}

// Warnings returns the integrity warnings raised while loading.
func (m *Matrix) Warnings() []Warning {
	out := make([]Warning, len(m.warnings))
	copy(out, m.warnings)
	return out
}

// Row returns the last fetched state of a row.
func (m *Matrix) Row(rowID int64) (SampleRow, bool) {
	row, ok := m.rows[rowID]
	return row, ok
}

// Stage returns a stage definition.
func (m *Matrix) Stage(stageID int64) (StageDefinition, bool) {
	stage, ok := m.stages[stageID]
	return stage, ok
}

// ValueAt returns the fetched value of a cell, or false when the cell is
// empty.
func (m *Matrix) ValueAt(rowID, stageID int64) (string, bool) {
	v, ok := m.values[cellKey{row: rowID, stage: stageID}]
	return v.Valor, ok
}

// StageValue returns the full stage value record of a cell.
func (m *Matrix) StageValue(rowID, stageID int64) (StageValue, bool) {
	v, ok := m.values[cellKey{row: rowID, stage: stageID}]
	return v, ok
}

// RowValues returns the fetched values of a row keyed by stage id.
func (m *Matrix) RowValues(rowID int64) map[int64]string {
	out := make(map[int64]string, len(m.stageOrder))
	for _, stageID := range m.stageOrder {
		if v, ok := m.values[cellKey{row: rowID, stage: stageID}]; ok {
			out[stageID] = v.Valor
		}
	}
	return out
}

// RowsOrderedBySampleNumber returns rows in display order: ascending sample
// number, ties by identification.
func (m *Matrix) RowsOrderedBySampleNumber() []SampleRow {
	out := make([]SampleRow, 0, len(m.rowOrder))
	for _, id := range m.rowOrder {
		out = append(out, m.rows[id])
	}
	return out
}

// ColumnsOrderedBySequence returns the stages in column order.
func (m *Matrix) ColumnsOrderedBySequence() []StageDefinition {
	out := make([]StageDefinition, 0, len(m.stageOrder))
	for _, id := range m.stageOrder {
		out = append(out, m.stages[id])
	}
	return out
}

// Cells returns every displayed cell, rows × stages, in display order.
func (m *Matrix) Cells() []Cell {
	out := make([]Cell, 0, len(m.rowOrder)*len(m.stageOrder))
	for _, rowID := range m.rowOrder {
		for _, stageID := range m.stageOrder {
			v, ok := m.values[cellKey{row: rowID, stage: stageID}]
			out = append(out, Cell{RowID: rowID, StageID: stageID, Value: v.Valor, Present: ok})
		}
	}
	return out
}

func (m *Matrix) rowStageValues(rowID int64) []StageValue {
	out := make([]StageValue, 0, len(m.stageOrder))
	for _, stageID := range m.stageOrder {
		if v, ok := m.values[cellKey{row: rowID, stage: stageID}]; ok {
			out = append(out, v)
		}
	}
	return out
}

func (m *Matrix) stageRank(stageID int64) int {
	for i, id := range m.stageOrder {
		if id == stageID {
			return i
		}
	}
	return len(m.stageOrder)
}

// applyRow replaces a known row and the given values in place. The
// originating analysis keys of the fetched row are kept; values for stages
// outside the column set are ignored.
func (m *Matrix) applyRow(row SampleRow, values []StageValue) {
	prev, ok := m.rows[row.ID]
	if !ok {
		return
	}
	row.IDGrupoDoble = prev.IDGrupoDoble
	row.IDAnalise = prev.IDAnalise
	m.rows[row.ID] = row
	for _, v := range values {
		if v.IDAnalise != row.IDAnalise {
			continue
		}
		if _, ok := m.stages[v.IDEtapa]; !ok {
			continue
		}
		m.values[cellKey{row: row.ID, stage: v.IDEtapa}] = v
	}
}
