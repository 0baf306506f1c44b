package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS searches the documents table. Text search catches whole words; the
// substring match catches CJK text, which the simple parser does not split.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, so is the store.
func (p *PgFTS) Healthy() bool {
	return true
}

const pgftsWhere = `
	WHERE d.fts @@ plainto_tsquery('simple', $1)
		OR d.plain_text ILIKE '%' || $2::text || '%' ESCAPE '\'
		OR d.name ILIKE '%' || $2::text || '%' ESCAPE '\'`

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, 0, nil
	}
	args := []any{text, escapeLike(text)}

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM documents d`+pgftsWhere, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT d.id, d.name, d.plain_text
		FROM documents d
		%s
		ORDER BY ts_rank(d.fts, plainto_tsquery('simple', $1)) DESC, d.updated_at DESC
		LIMIT %d OFFSET %d`, pgftsWhere, q.limit(), q.offset()), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			r     Result
			plain string
		)
		if err := rows.Scan(&r.ID, &r.Name, &plain); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Snippet = makeSnippet(plain, text)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
