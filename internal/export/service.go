package export

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"labmapa/internal/mapa"
	"labmapa/internal/store"
)

// DataStore is the data an export reads.
type DataStore interface {
	LoadParameter(ctx context.Context, parameterID int64) (mapa.LoadResponse, error)
	ListVistos(ctx context.Context, parameterID int64) ([]store.Visto, error)
}

// Service provides matrix export functionality.
type Service struct {
	store  DataStore
	logger *zap.Logger
	pdf    func(ctx context.Context, html string) ([]byte, error)
}

func NewService(store DataStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, logger: logger, pdf: renderPDF}
}

func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	resp, err := s.store.LoadParameter(ctx, req.ParameterID)
	if err != nil {
		return nil, fmt.Errorf("load parameter: %w", err)
	}
	var vistos []store.Visto
	if req.IncludeVistos {
		if vistos, err = s.store.ListVistos(ctx, req.ParameterID); err != nil {
			return nil, fmt.Errorf("list vistos: %w", err)
		}
	}

	sheet := BuildSheet(resp, vistos, s.logger)
	base := sanitizeFilename("mapa " + resp.Info.Nome)

	switch req.Format {
	case FormatXLSX:
		data, err := renderXLSX(sheet)
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, Filename: base + ".xlsx", MimeType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"}, nil
	case FormatHTML, FormatPDF:
		html, err := RenderHTML(sheet)
		if err != nil {
			return nil, fmt.Errorf("render template: %w", err)
		}
		if req.Format == FormatHTML {
			return &Result{Data: []byte(html), Filename: base + ".html", MimeType: "text/html; charset=utf-8"}, nil
		}
		data, err := s.pdf(ctx, html)
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, Filename: base + ".pdf", MimeType: "application/pdf"}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}
