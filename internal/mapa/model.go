// Package mapa implements the laboratory result matrix workflow: a
// samples × stages grid for one parameter, an edit buffer over the last
// fetched snapshot, batch save and sign-off (vistar) protocols with per-row
// outcomes, and a guard that detects edits computed against stale rows.
package mapa

import (
	"context"
	"strings"
	"time"
)

// ParameterContext identifies the parameter under review. It is loaded once
// per session and never mutated.
type ParameterContext struct {
	ID        int64  `json:"id_parametro_pop"`
	Nome      string `json:"parametro"`
	Metodo    string `json:"metodo"`
	LQ        string `json:"lq"`
	Incerteza string `json:"incerteza"`
	Calculado bool   `json:"calculado"`
}

// StageDefinition is one ordered process stage (etapa) of the parameter.
type StageDefinition struct {
	ID        int64  `json:"id"`
	Descricao string `json:"descricao"`
	Sequencia int    `json:"sequencia"`
}

// SampleRow is one sample's result record for the parameter.
type SampleRow struct {
	ID             int64  `json:"id_resultado"`
	IDGrupoDoble   int64  `json:"id_grupo_doble"`
	IDAnalise      int64  `json:"id_analise"`
	NumeroAmostra  int64  `json:"numero_amostra"`
	Identificacao  string `json:"identificacao"`
	Complemento    string `json:"complemento"`
	DataInicio     string `json:"data_inicio"`
	HoraInicio     string `json:"hora_inicio"`
	DataTermino    string `json:"data_termino"`
	HoraTermino    string `json:"hora_termino"`
	LimMin         string `json:"lim_min"`
	LimSimbolo     string `json:"lim_simbolo"`
	LimMax         string `json:"lim_max"`
	LimCompleto    string `json:"lim_completo"`
	Unidade        string `json:"unidade"`
	Resultado      string `json:"resultado"`
	UserInicioID   int64  `json:"user_inicio_id"`
	UserInicioNome string `json:"user_inicio_nome"`
	UserVistoID    int64  `json:"user_visto_id"`
	UserVistoNome  string `json:"user_visto_nome"`
	HasReport      bool   `json:"has_report"`
}

// Signed reports whether the row carries a supervisory sign-off.
func (r SampleRow) Signed() bool {
	return r.UserVistoID != 0
}

// StageValue is the measurement of one (analysis, stage) cell.
type StageValue struct {
	ID        int64  `json:"id"`
	IDAnalise int64  `json:"id_analise"`
	IDEtapa   int64  `json:"id_etapa"`
	Valor     string `json:"valor"`
}

// Field names a row-level result field the operator may edit.
type Field string

const (
	FieldResultado   Field = "resultado"
	FieldDataInicio  Field = "data_inicio"
	FieldHoraInicio  Field = "hora_inicio"
	FieldDataTermino Field = "data_termino"
	FieldHoraTermino Field = "hora_termino"
)

var resultFields = []Field{FieldDataInicio, FieldHoraInicio, FieldResultado, FieldDataTermino, FieldHoraTermino}

func (r SampleRow) field(f Field) string {
	switch f {
	case FieldResultado:
		return r.Resultado
	case FieldDataInicio:
		return r.DataInicio
	case FieldHoraInicio:
		return r.HoraInicio
	case FieldDataTermino:
		return r.DataTermino
	case FieldHoraTermino:
		return r.HoraTermino
	default:
		return ""
	}
}

func (r *SampleRow) setField(f Field, value string) {
	switch f {
	case FieldResultado:
		r.Resultado = value
	case FieldDataInicio:
		r.DataInicio = value
	case FieldHoraInicio:
		r.HoraInicio = value
	case FieldDataTermino:
		r.DataTermino = value
	case FieldHoraTermino:
		r.HoraTermino = value
	}
}

// LoadRequest is the body of the load call.
type LoadRequest struct {
	IDParametroPop int64 `json:"idParametroPop"`
	IDUsuario      int64 `json:"idUsuario"`
}

// LoadResponse is the data of a successful load call.
type LoadResponse struct {
	Info            ParameterContext  `json:"info"`
	Amostras        []SampleRow       `json:"amostras"`
	EtapasDefinicao []StageDefinition `json:"etapas_definicao"`
	EtapasValores   []StageValue      `json:"etapas_valores"`
}

// StageEdit is one touched stage of a save entry.
type StageEdit struct {
	ID    int64  `json:"id"`
	Valor string `json:"valor"`
}

// SaveEntry is one dirty row of a save request. Result fields always carry
// the full current value, never a delta.
type SaveEntry struct {
	IDResultado int64       `json:"id_resultado"`
	DataInicio  string      `json:"data_inicio"`
	HoraInicio  string      `json:"hora_inicio"`
	Resultado   string      `json:"resultado"`
	DataTermino string      `json:"data_termino"`
	HoraTermino string      `json:"hora_termino"`
	Etapas      []StageEdit `json:"etapas"`
}

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

// checkFormat validates a date or time field; blank clears the field and is
// always accepted.
func checkFormat(rowID int64, field Field, value string) error {
	if value == "" {
		return nil
	}
	switch field {
	case FieldDataInicio, FieldDataTermino:
		if _, err := time.Parse(dateLayout, value); err != nil {
			return newError(KindValidationFailed, ReasonBadFormat, rowID, "%s must be YYYY-MM-DD", field)
		}
	case FieldHoraInicio, FieldHoraTermino:
		if _, err := time.Parse(timeLayout, value); err != nil {
			return newError(KindValidationFailed, ReasonBadFormat, rowID, "%s must be HH:MM", field)
		}
	}
	return nil
}

// Validate checks the date and time formats of an entry.
func (e SaveEntry) Validate() error {
	for _, f := range []struct {
		field Field
		value string
	}{
		{FieldDataInicio, e.DataInicio},
		{FieldHoraInicio, e.HoraInicio},
		{FieldDataTermino, e.DataTermino},
		{FieldHoraTermino, e.HoraTermino},
	} {
		if err := checkFormat(e.IDResultado, f.field, strings.TrimSpace(f.value)); err != nil {
			return err
		}
	}
	return nil
}

// SaveRequest is the body of the save call.
type SaveRequest struct {
	IDUsuario int64       `json:"id_usuario"`
	Amostras  []SaveEntry `json:"amostras"`
}

// VistarEntry addresses one row of a sign-off request.
type VistarEntry struct {
	IDResultado int64 `json:"id_resultado"`
}

// VistarRequest is the body of the sign-off call.
type VistarRequest struct {
	IDUsuario int64         `json:"id_usuario"`
	Amostras  []VistarEntry `json:"amostras"`
}

// RowResult is the backend's outcome for one row of a save or sign-off
// batch. On success the backend may echo the persisted row and its values.
type RowResult struct {
	IDResultado   int64        `json:"id_resultado"`
	Success       bool         `json:"success"`
	Erro          Kind         `json:"erro,omitempty"`
	Motivo        Reason       `json:"motivo,omitempty"`
	Mensagem      string       `json:"mensagem,omitempty"`
	Amostra       *SampleRow   `json:"amostra,omitempty"`
	EtapasValores []StageValue `json:"etapas_valores,omitempty"`
}

// BatchResponse is the data of a save or sign-off call.
type BatchResponse struct {
	Amostras []RowResult `json:"amostras"`
}

// Backend is the remote collaborator the engine invokes. Implementations
// return *Error values: a batch-wide error means no outcome list was
// obtained.
type Backend interface {
	Load(ctx context.Context, req LoadRequest) (LoadResponse, error)
	Save(ctx context.Context, req SaveRequest) ([]RowResult, error)
	Vistar(ctx context.Context, req VistarRequest) ([]RowResult, error)
}

// rowError converts a failed RowResult into a row-scoped error.
func rowError(res RowResult) *Error {
	kind := res.Erro
	if kind == "" {
		kind = kindForReason(res.Motivo)
	}
	if kind == "" {
		kind = KindMalformedResponse
	}
	msg := res.Mensagem
	if msg == "" {
		msg = "rejected by backend"
	}
	return &Error{Kind: kind, Reason: res.Motivo, RowID: res.IDResultado, Message: msg}
}
