package store

import "time"

// Note is one learner's note for one lesson. UpdatedAt is assigned by the
// database on every content write and is the authoritative instant the sync
// protocol compares; client clocks never decide conflicts.
type Note struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	CourseID  string    `json:"courseId"`
	LessonID  string    `json:"lessonId"`
	Source    string    `json:"source"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CommitInfo describes one entry in a note's history trail.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// Attachment points at an uploaded object belonging to a note.
type Attachment struct {
	ID          string    `json:"id"`
	NoteID      string    `json:"noteId"`
	FileName    string    `json:"fileName"`
	ObjectKey   string    `json:"objectKey"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"createdAt"`
}
