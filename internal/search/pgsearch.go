package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PgSearch implements Searcher against Postgres as the fallback when
// Meilisearch is unavailable. Plain ILIKE matching over task titles and chain
// names; good enough for the fallback path.
type PgSearch struct {
	db *sql.DB
}

func NewPgSearch(db *sql.DB) *PgSearch {
	return &PgSearch{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgSearch) Healthy() bool {
	return true
}

func (p *PgSearch) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	var subQueries []string
	if q.FilterType == "" || q.FilterType == ResultTask {
		subQueries = append(subQueries, `
			SELECT 'task'::text AS type, id, title, chain_id, status
			FROM tasks
			WHERE title ILIKE '%' || $1 || '%'`)
	}
	if q.FilterType == "" || q.FilterType == ResultChain {
		subQueries = append(subQueries, `
			SELECT 'chain'::text AS type, id, name AS title, ''::text AS chain_id, ''::text AS status
			FROM chains
			WHERE name ILIKE '%' || $1 || '%'`)
	}
	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	query := fmt.Sprintf(`
		SELECT type, id, title, chain_id, status, COUNT(*) OVER () AS total
		FROM (%s) hits
		ORDER BY title ASC
		LIMIT $2 OFFSET $3
	`, strings.Join(subQueries, " UNION ALL "))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, query, q.Text, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("pg search: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	total := 0
	for rows.Next() {
		var item Result
		var rtyp string
		if err := rows.Scan(&rtyp, &item.ID, &item.Title, &item.ChainID, &item.Status, &total); err != nil {
			return nil, 0, fmt.Errorf("scan search hit: %w", err)
		}
		item.Type = ResultType(rtyp)
		results = append(results, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate search hits: %w", err)
	}
	return results, total, nil
}
