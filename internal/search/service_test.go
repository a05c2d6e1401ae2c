package search

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

type fakeSearcher struct {
	healthy bool
	results []Result
	err     error
	calls   int
}

func (f *fakeSearcher) Search(ctx context.Context, q Query) ([]Result, int, error) {
	f.calls++
	return f.results, len(f.results), f.err
}

func (f *fakeSearcher) Healthy() bool { return f.healthy }

type fakeIndex struct {
	healthy bool
	indexed []ParameterRecord
}

func (f *fakeIndex) IndexParameters(records []ParameterRecord) error {
	f.indexed = append(f.indexed, records...)
	return nil
}

func (f *fakeIndex) Healthy() bool { return f.healthy }

type fakeSource struct {
	records []ParameterRecord
	ids     []int64
}

func (f *fakeSource) LoadRecords(ctx context.Context, ids ...int64) ([]ParameterRecord, error) {
	f.ids = ids
	return f.records, nil
}

func TestSearchFallsBackWhenPrimaryFails(t *testing.T) {
	primary := &fakeSearcher{healthy: true, err: errors.New("boom")}
	fallback := &fakeSearcher{healthy: true, results: []Result{{ParameterID: 10, Nome: "DBO"}}}
	s := &Service{primary: primary, fallback: fallback, logger: zap.NewNop()}

	resp := s.Search(context.Background(), Query{Text: "dbo"})
	if primary.calls != 1 || fallback.calls != 1 {
		t.Fatalf("calls primary=%d fallback=%d", primary.calls, fallback.calls)
	}
	if resp.Total != 1 || resp.Query != "dbo" || resp.Results[0].ParameterID != 10 {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestSearchSkipsUnhealthyPrimary(t *testing.T) {
	primary := &fakeSearcher{}
	fallback := &fakeSearcher{healthy: true}
	s := &Service{primary: primary, fallback: fallback, logger: zap.NewNop()}

	resp := s.Search(context.Background(), Query{Text: "ph"})
	if primary.calls != 0 {
		t.Fatal("unhealthy primary should not be queried")
	}
	if resp.Results == nil {
		t.Fatal("results must be an empty slice, not nil")
	}
}

func TestReindexNowLoadsAndIndexes(t *testing.T) {
	index := &fakeIndex{healthy: true}
	source := &fakeSource{records: []ParameterRecord{{ID: 10, Parametro: "DBO", Pendentes: 2}}}
	s := &Service{indexer: index, source: source}

	if err := s.ReindexNow(context.Background(), 10); err != nil {
		t.Fatalf("ReindexNow() error = %v", err)
	}
	if diff := cmp.Diff([]int64{10}, source.ids); diff != "" {
		t.Fatalf("ids mismatch (-want +got):\n%s", diff)
	}
	if len(index.indexed) != 1 || index.indexed[0].Pendentes != 2 {
		t.Fatalf("unexpected indexed records %+v", index.indexed)
	}

	index.healthy = false
	index.indexed = nil
	if err := s.ReindexNow(context.Background()); err != nil || index.indexed != nil {
		t.Fatalf("unhealthy index should be skipped: %v %+v", err, index.indexed)
	}
}

func TestHitToResult(t *testing.T) {
	hit := meili.Hit{
		"id":         json.RawMessage(`10`),
		"parametro":  json.RawMessage(`"DBO"`),
		"metodo":     json.RawMessage(`"SMWW 5210 B"`),
		"pendentes":  json.RawMessage(`3`),
		"_formatted": json.RawMessage(`{"parametro":"DBO","metodo":"SMWW <mark>5210</mark> B"}`),
	}
	want := Result{ParameterID: 10, Nome: "DBO", Metodo: "SMWW 5210 B", Pending: 3, Snippet: "SMWW <mark>5210</mark> B"}
	if diff := cmp.Diff(want, hitToResult(hit)); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}
}

func TestNormalize(t *testing.T) {
	q := normalize(Query{Limit: 1000, Offset: -2})
	if q.Limit != 20 || q.Offset != 0 {
		t.Fatalf("unexpected normalized query %+v", q)
	}
}
