package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery over the notes.fts column with ts_headline
// snippets, scoped to the requesting user.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
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

	where := "n.fts @@ plainto_tsquery('english', $1) AND n.user_id = $2"
	args := []any{q.Text, q.UserID}
	argN := 3
	if q.CourseID != "" {
		where += fmt.Sprintf(" AND n.course_id = $%d", argN)
		args = append(args, q.CourseID)
		argN++
	}
	if q.LessonID != "" {
		where += fmt.Sprintf(" AND n.lesson_id = $%d", argN)
		args = append(args, q.LessonID)
		argN++
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM notes n WHERE " + where
	if err := p.db.QueryRowContext(context.Background(), countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT n.id, n.lesson_id, n.course_id,
			ts_headline('english', coalesce(n.content, ''), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet
		FROM notes n
		WHERE %s
		ORDER BY ts_rank(n.fts, plainto_tsquery('english', $1)) DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := p.db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts search: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.NoteID, &r.LessonID, &r.CourseID, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("pgfts rows: %w", err)
	}
	return results, total, nil
}

// LoadAllRecords reads every note for reindexing into Meilisearch.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]NoteRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, user_id, course_id, lesson_id, content FROM notes`)
	if err != nil {
		return nil, fmt.Errorf("load notes for reindex: %w", err)
	}
	defer rows.Close()

	var records []NoteRecord
	for rows.Next() {
		var r NoteRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.CourseID, &r.LessonID, &r.Content); err != nil {
			return nil, fmt.Errorf("scan note record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate note records: %w", err)
	}
	return records, nil
}
