package search

import "context"

// Result is one parameter matching a search, with the number of rows still
// awaiting entry or sign-off.
type Result struct {
	ParameterID int64  `json:"id_parametro_pop"`
	Nome        string `json:"parametro"`
	Metodo      string `json:"metodo"`
	Pending     int    `json:"pendentes"`
	Snippet     string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text        string
	OnlyPending bool
	Limit       int
	Offset      int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// ParameterRecord is the data indexed for a parameter.
type ParameterRecord struct {
	ID        int64  `json:"id"`
	Parametro string `json:"parametro"`
	Metodo    string `json:"metodo"`
	Pendentes int    `json:"pendentes"`
}

func (r ParameterRecord) result() Result {
	return Result{ParameterID: r.ID, Nome: r.Parametro, Metodo: r.Metodo, Pending: r.Pendentes}
}

func normalize(q Query) Query {
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 20
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
