package export

import (
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"labmapa/internal/mapa"
	"labmapa/internal/store"
)

// fixedColumns precede the stage columns; resultColumns follow them.
var (
	fixedColumns  = []string{"Amostra", "Identificação", "Complemento", "Início", "Limite", "Unidade"}
	resultColumns = []string{"Resultado", "Término", "Analista", "Visto", "Situação"}
)

// Sheet is the matrix flattened into display order.
type Sheet struct {
	Parameter   mapa.ParameterContext
	Columns     []string
	Rows        []SheetRow
	Vistos      []store.Visto
	GeneratedAt time.Time
}

type SheetRow struct {
	RowID  int64
	Cells  []string
	State  mapa.RowState
	Frozen bool
}

// BuildSheet orders rows by sample number and stages by sequence, the same
// layout the review screen shows.
func BuildSheet(resp mapa.LoadResponse, vistos []store.Visto, logger *zap.Logger) Sheet {
	m := mapa.NewMatrix(resp, logger)
	stages := m.ColumnsOrderedBySequence()

	columns := make([]string, 0, len(fixedColumns)+len(stages)+len(resultColumns))
	columns = append(columns, fixedColumns...)
	for _, st := range stages {
		columns = append(columns, st.Descricao)
	}
	columns = append(columns, resultColumns...)

	sheet := Sheet{Parameter: m.Parameter(), Columns: columns, Vistos: vistos, GeneratedAt: time.Now()}
	for _, row := range m.RowsOrderedBySampleNumber() {
		values := m.RowValues(row.ID)
		cells := []string{
			formatInt(row.NumeroAmostra),
			row.Identificacao,
			row.Complemento,
			joinNonBlank(row.DataInicio, row.HoraInicio),
			limit(row),
			row.Unidade,
		}
		for _, st := range stages {
			cells = append(cells, values[st.ID])
		}
		state := mapa.StateOf(row)
		cells = append(cells,
			row.Resultado,
			joinNonBlank(row.DataTermino, row.HoraTermino),
			row.UserInicioNome,
			row.UserVistoNome,
			string(state),
		)
		sheet.Rows = append(sheet.Rows, SheetRow{RowID: row.ID, Cells: cells, State: state, Frozen: row.HasReport})
	}
	return sheet
}

func limit(row mapa.SampleRow) string {
	if row.LimCompleto != "" {
		return row.LimCompleto
	}
	return joinNonBlank(row.LimMin, row.LimSimbolo, row.LimMax)
}

func joinNonBlank(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}

func formatInt(v int64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatInt(v, 10)
}

func signedRow(row SheetRow) bool {
	return row.State == mapa.StateSigned
}
