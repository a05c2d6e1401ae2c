package main

import (
	"fmt"
	"strconv"
	"strings"

	"labmapa/internal/mapa"
)

type cellEdit struct {
	RowID   int64
	StageID int64
	Value   string
}

type fieldEdit struct {
	RowID int64
	Field mapa.Field
	Value string
}

var editableFields = map[string]mapa.Field{
	"resultado":    mapa.FieldResultado,
	"data_inicio":  mapa.FieldDataInicio,
	"hora_inicio":  mapa.FieldHoraInicio,
	"data_termino": mapa.FieldDataTermino,
	"hora_termino": mapa.FieldHoraTermino,
}

// splitEdit parses "row:key=value". The value may be empty and may itself
// contain '='.
func splitEdit(raw string) (int64, string, string, error) {
	target, value, ok := strings.Cut(raw, "=")
	if !ok {
		return 0, "", "", fmt.Errorf("edit %q: expected row:key=value", raw)
	}
	rawRow, key, ok := strings.Cut(target, ":")
	if !ok || strings.TrimSpace(key) == "" {
		return 0, "", "", fmt.Errorf("edit %q: expected row:key=value", raw)
	}
	rowID, err := parseID(rawRow)
	if err != nil {
		return 0, "", "", fmt.Errorf("edit %q: %w", raw, err)
	}
	return rowID, strings.TrimSpace(key), value, nil
}

func parseCellEdit(raw string) (cellEdit, error) {
	rowID, key, value, err := splitEdit(raw)
	if err != nil {
		return cellEdit{}, err
	}
	stageID, err := parseID(key)
	if err != nil {
		return cellEdit{}, fmt.Errorf("edit %q: stage %w", raw, err)
	}
	return cellEdit{RowID: rowID, StageID: stageID, Value: value}, nil
}

func parseFieldEdit(raw string) (fieldEdit, error) {
	rowID, key, value, err := splitEdit(raw)
	if err != nil {
		return fieldEdit{}, err
	}
	field, ok := editableFields[strings.ToLower(key)]
	if !ok {
		return fieldEdit{}, fmt.Errorf("edit %q: unknown field %q", raw, key)
	}
	return fieldEdit{RowID: rowID, Field: field, Value: value}, nil
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("id %q must be a positive integer", raw)
	}
	return id, nil
}

func parseIDs(raw []string) ([]int64, error) {
	ids := make([]int64, 0, len(raw))
	for _, r := range raw {
		id, err := parseID(r)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
