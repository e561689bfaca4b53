package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"notehub/api/internal/util"
)

var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const noteColumns = `id, user_id, course_id, lesson_id, source, content, created_at, updated_at`

func scanNote(row interface{ Scan(...any) error }) (Note, error) {
	var note Note
	err := row.Scan(&note.ID, &note.UserID, &note.CourseID, &note.LessonID, &note.Source, &note.Content, &note.CreatedAt, &note.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Note{}, ErrNotFound
	}
	if err != nil {
		return Note{}, fmt.Errorf("scan note: %w", err)
	}
	return note, nil
}

// CreateNote inserts a note. The id is generated here; created_at/updated_at
// come from the database clock.
func (s *PostgresStore) CreateNote(ctx context.Context, note Note) (Note, error) {
	if note.ID == "" {
		note.ID = util.NewID("note")
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO notes (id, user_id, course_id, lesson_id, source, content)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+noteColumns, note.ID, note.UserID, note.CourseID, note.LessonID, note.Source, note.Content)
	created, err := scanNote(row)
	if err != nil {
		return Note{}, fmt.Errorf("insert note: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetNote(ctx context.Context, id string) (Note, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+noteColumns+` FROM notes WHERE id=$1`, id)
	return scanNote(row)
}

// GetLessonNote returns the user's note for a lesson, if any.
func (s *PostgresStore) GetLessonNote(ctx context.Context, userID, lessonID string) (Note, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+noteColumns+` FROM notes WHERE user_id=$1 AND lesson_id=$2`, userID, lessonID)
	return scanNote(row)
}

// SaveNoteContent persists content and returns the database-assigned save
// instant. Callers broadcasting the update must pass this timestamp, not a
// client clock sample, or cross-surface conflict resolution breaks.
func (s *PostgresStore) SaveNoteContent(ctx context.Context, id, content string) (time.Time, error) {
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		UPDATE notes SET content=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING updated_at`, id, content).Scan(&updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("save note content: %w", err)
	}
	return updatedAt, nil
}

func (s *PostgresStore) ListNotes(ctx context.Context, userID, courseID string) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+noteColumns+` FROM notes
		WHERE user_id=$1 AND course_id=$2
		ORDER BY updated_at DESC`, userID, courseID)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		note, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, note)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notes: %w", err)
	}
	return notes, nil
}

func (s *PostgresStore) DeleteNote(ctx context.Context, id string) (Note, error) {
	row := s.db.QueryRowContext(ctx, `DELETE FROM notes WHERE id=$1 RETURNING `+noteColumns, id)
	return scanNote(row)
}

func (s *PostgresStore) InsertAttachment(ctx context.Context, att Attachment) (Attachment, error) {
	if att.ID == "" {
		att.ID = util.NewID("att")
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO note_attachments (id, note_id, file_name, object_key, content_type, size)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		att.ID, att.NoteID, att.FileName, att.ObjectKey, att.ContentType, att.Size,
	).Scan(&att.CreatedAt)
	if err != nil {
		return Attachment{}, fmt.Errorf("insert attachment: %w", err)
	}
	return att, nil
}

func (s *PostgresStore) ListAttachments(ctx context.Context, noteID string) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, note_id, file_name, object_key, content_type, size, created_at
		FROM note_attachments WHERE note_id=$1 ORDER BY created_at`, noteID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	var attachments []Attachment
	for rows.Next() {
		var att Attachment
		if err := rows.Scan(&att.ID, &att.NoteID, &att.FileName, &att.ObjectKey, &att.ContentType, &att.Size, &att.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		attachments = append(attachments, att)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return attachments, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
