package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"labmapa/internal/mapa"
)

func TestParseCellEdit(t *testing.T) {
	got, err := parseCellEdit("12:31=20.1")
	if err != nil {
		t.Fatalf("parseCellEdit() error = %v", err)
	}
	if diff := cmp.Diff(cellEdit{RowID: 12, StageID: 31, Value: "20.1"}, got); diff != "" {
		t.Fatalf("cell edit mismatch (-want +got):\n%s", diff)
	}

	cleared, err := parseCellEdit("12:31=")
	if err != nil || cleared.Value != "" {
		t.Fatalf("expected empty value edit, got %+v, %v", cleared, err)
	}

	for _, raw := range []string{"12:31", "12=4", "x:31=1", "12:y=1", "0:31=1"} {
		if _, err := parseCellEdit(raw); err == nil {
			t.Errorf("parseCellEdit(%q) expected error", raw)
		}
	}
}

func TestParseFieldEdit(t *testing.T) {
	got, err := parseFieldEdit("5:Resultado=<0,5")
	if err != nil {
		t.Fatalf("parseFieldEdit() error = %v", err)
	}
	if diff := cmp.Diff(fieldEdit{RowID: 5, Field: mapa.FieldResultado, Value: "<0,5"}, got); diff != "" {
		t.Fatalf("field edit mismatch (-want +got):\n%s", diff)
	}

	withEquals, err := parseFieldEdit("5:resultado=a=b")
	if err != nil || withEquals.Value != "a=b" {
		t.Fatalf("expected value a=b, got %+v, %v", withEquals, err)
	}

	if _, err := parseFieldEdit("5:analista=Ana"); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestMatrixRowsFollowStageOrder(t *testing.T) {
	stages := []mapa.StageDefinition{
		{ID: 31, Descricao: "Incubação", Sequencia: 1},
		{ID: 32, Descricao: "Leitura", Sequencia: 2},
	}
	views := []mapa.RowView{
		{
			Row:    mapa.SampleRow{ID: 1, NumeroAmostra: 10, Identificacao: "Poço 1", Resultado: "4.2"},
			Values: map[int64]string{31: "20.1", 32: "16"},
			State:  mapa.StateSaved,
		},
		{
			Row:   mapa.SampleRow{ID: 2, NumeroAmostra: 11, Identificacao: "Poço 2"},
			Dirty: true,
			State: mapa.StatePending,
			Err:   &mapa.Error{Kind: mapa.KindValidationFailed},
		},
	}

	headers, rows := matrixRows(stages, views)
	wantHeaders := []string{"Id", "Amostra", "Identificação", "Incubação", "Leitura", "Resultado", "Situação"}
	if diff := cmp.Diff(wantHeaders, headers); diff != "" {
		t.Fatalf("headers mismatch (-want +got):\n%s", diff)
	}
	wantRows := [][]string{
		{"1", "10", "Poço 1", "20.1", "16", "4.2", "saved"},
		{"2", "11", "Poço 2", "", "", "", "pending, unsaved, ValidationFailed"},
	}
	if diff := cmp.Diff(wantRows, rows); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}

	var buf bytes.Buffer
	renderMatrix(&buf, mapa.ParameterContext{ID: 7, Nome: "DBO", Metodo: "SMWW 5210 B"}, stages, views)
	if !strings.HasPrefix(buf.String(), "DBO (SMWW 5210 B) #7\n") || !strings.Contains(buf.String(), "Poço 2") {
		t.Fatalf("unexpected render:\n%s", buf.String())
	}
}

func TestPrintOutcomes(t *testing.T) {
	var buf bytes.Buffer
	printOutcomes(&buf, "saved", []mapa.RowOutcome{
		{RowID: 1, OK: true},
		{RowID: 2, Err: &mapa.Error{Kind: mapa.KindFrozen, Reason: mapa.ReasonSigned, RowID: 2, Message: "row is signed"}},
	})
	want := "row 1 saved\nrow 2: row 2: Frozen (Signed): row is signed\n"
	if buf.String() != want {
		t.Fatalf("printOutcomes() = %q, want %q", buf.String(), want)
	}
}
