package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// pendingRows counts rows still awaiting entry or sign-off.
const pendingRows = `(
	SELECT count(*) FROM resultados r
	WHERE r.id_parametro_pop = p.id AND NOT r.arquivado AND NOT r.has_report AND r.user_visto_id IS NULL
)`

// PgFTS implements Searcher using PostgreSQL full-text search. It also
// serves as the record source for reindexing Meilisearch.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres nothing works anyway.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	q = normalize(q)

	const tsQuery = "plainto_tsquery('simple', $1)"
	where := "p.search_vector @@ " + tsQuery
	if q.OnlyPending {
		where += " AND " + pendingRows + " > 0"
	}

	var total int
	countSQL := "SELECT count(*) FROM parametros_pop p WHERE " + where
	if err := p.db.QueryRowContext(ctx, countSQL, q.Text).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT p.id, p.parametro, p.metodo, %s AS pendentes,
			ts_headline('simple', p.parametro || ' ' || p.metodo, %s, 'MaxFragments=1,MaxWords=20,StartSel=<mark>,StopSel=</mark>')
		FROM parametros_pop p
		WHERE %s
		ORDER BY ts_rank(p.search_vector, %s) DESC, p.parametro
		LIMIT %d OFFSET %d`, pendingRows, tsQuery, where, tsQuery, q.Limit, q.Offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, q.Text)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ParameterID, &r.Nome, &r.Metodo, &r.Pending, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadRecords returns the records to index. With no ids it returns every
// parameter.
func (p *PgFTS) LoadRecords(ctx context.Context, ids ...int64) ([]ParameterRecord, error) {
	query := "SELECT p.id, p.parametro, p.metodo, " + pendingRows + " FROM parametros_pop p"
	var args []any
	if len(ids) > 0 {
		query += " WHERE p.id = ANY($1)"
		args = append(args, ids)
	}
	query += " ORDER BY p.id"

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load parameter records: %w", err)
	}
	defer rows.Close()

	records := make([]ParameterRecord, 0)
	for rows.Next() {
		var r ParameterRecord
		if err := rows.Scan(&r.ID, &r.Parametro, &r.Metodo, &r.Pendentes); err != nil {
			return nil, fmt.Errorf("scan parameter record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate parameter records: %w", err)
	}
	return records, nil
}
