package app

import (
	"fmt"
	"net/http"

	"labmapa/internal/mapa"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func forbidden(action string) *mapa.Error {
	return &mapa.Error{Kind: mapa.KindUnauthorized, Message: "role may not " + action}
}

func validation(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

// rowFailure converts a row-level rejection into its wire outcome.
func rowFailure(rowID int64, e *mapa.Error) mapa.RowResult {
	return mapa.RowResult{
		IDResultado: rowID,
		Erro:        e.Kind,
		Motivo:      e.Reason,
		Mensagem:    e.Message,
	}
}
