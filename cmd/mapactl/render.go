package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"labmapa/internal/mapa"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle     = lipgloss.NewStyle().Padding(0, 1)
	signedStyle   = cellStyle.Foreground(lipgloss.Color("2"))
	dirtyStyle    = cellStyle.Foreground(lipgloss.Color("3"))
	conflictStyle = cellStyle.Foreground(lipgloss.Color("1"))
)

// matrixRows flattens the session into display rows, one per sample,
// with stage columns in sequence order.
func matrixRows(stages []mapa.StageDefinition, views []mapa.RowView) (headers []string, rows [][]string) {
	headers = []string{"Id", "Amostra", "Identificação"}
	for _, st := range stages {
		headers = append(headers, st.Descricao)
	}
	headers = append(headers, "Resultado", "Situação")

	for _, v := range views {
		row := []string{
			fmt.Sprint(v.Row.ID),
			fmt.Sprint(v.Row.NumeroAmostra),
			v.Row.Identificacao,
		}
		for _, st := range stages {
			row = append(row, v.Values[st.ID])
		}
		row = append(row, v.Row.Resultado, situation(v))
		rows = append(rows, row)
	}
	return headers, rows
}

func situation(v mapa.RowView) string {
	parts := []string{string(v.State)}
	if v.Dirty {
		parts = append(parts, "unsaved")
	}
	if v.Conflict != nil {
		parts = append(parts, "conflict")
	} else if v.Err != nil {
		parts = append(parts, string(v.Err.Kind))
	}
	return strings.Join(parts, ", ")
}

func renderMatrix(w io.Writer, param mapa.ParameterContext, stages []mapa.StageDefinition, views []mapa.RowView) {
	headers, rows := matrixRows(stages, views)
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			i := row - table.HeaderRow - 1
			if i < 0 || i >= len(views) {
				return cellStyle
			}
			v := views[i]
			switch {
			case v.Conflict != nil:
				return conflictStyle
			case v.Dirty:
				return dirtyStyle
			case v.State == mapa.StateSigned:
				return signedStyle
			default:
				return cellStyle
			}
		})

	fmt.Fprintf(w, "%s (%s) #%d\n", param.Nome, param.Metodo, param.ID)
	fmt.Fprintln(w, t.Render())
}

func printOutcomes(w io.Writer, verb string, outcomes []mapa.RowOutcome) {
	for _, o := range outcomes {
		if o.OK {
			fmt.Fprintf(w, "row %d %s\n", o.RowID, verb)
			continue
		}
		fmt.Fprintf(w, "row %d: %v\n", o.RowID, o.Err)
	}
}
