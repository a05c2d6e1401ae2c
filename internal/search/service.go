package search

import (
	"context"

	"go.uber.org/zap"
)

// Indexer pushes parameter records into a search index.
type Indexer interface {
	IndexParameters(records []ParameterRecord) error
	Healthy() bool
}

// RecordSource loads parameter records for (re)indexing.
type RecordSource interface {
	LoadRecords(ctx context.Context, ids ...int64) ([]ParameterRecord, error)
}

// Service tries the primary index first and falls back to Postgres FTS.
type Service struct {
	primary  Searcher
	indexer  Indexer
	fallback Searcher
	source   RecordSource
	logger   *zap.Logger
}

// NewService wires Meilisearch (nil when not configured) in front of the
// Postgres fallback.
func NewService(m *Meili, pg *PgFTS, logger *zap.Logger) *Service {
	s := &Service{logger: logger}
	if pg != nil {
		s.fallback = pg
		s.source = pg
	}
	if m != nil {
		s.primary = m
		s.indexer = m
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("primary search failed, falling back to postgres", zap.Error(err))
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("postgres search failed", zap.Error(err))
		return Response{Results: []Result{}, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// Reindex refreshes the pending counts of the given parameters in the
// background. With no ids every parameter is reindexed.
func (s *Service) Reindex(ids ...int64) {
	if s.indexer == nil || !s.indexer.Healthy() || s.source == nil {
		return
	}
	go func() {
		if err := s.ReindexNow(context.Background(), ids...); err != nil {
			s.logger.Warn("reindex failed", zap.Int64s("parameters", ids), zap.Error(err))
		}
	}()
}

func (s *Service) ReindexNow(ctx context.Context, ids ...int64) error {
	if s.indexer == nil || !s.indexer.Healthy() || s.source == nil {
		return nil
	}
	records, err := s.source.LoadRecords(ctx, ids...)
	if err != nil {
		return err
	}
	return s.indexer.IndexParameters(records)
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
