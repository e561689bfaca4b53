// Package notesync keeps multiple open editing surfaces for the same lesson
// note consistent. Each surface owns a Bridge bound to the note it is viewing;
// bridges broadcast note lifecycle events over a shared bus channel and
// resolve concurrent updates by comparing durable-save timestamps, never by
// arrival order.
package notesync

import (
	"context"
	"encoding/json"
	"time"

	"notehub/api/internal/bus"
)

type MessageType string

const (
	TypeNoteUpdated MessageType = "NOTE_UPDATED"
	TypeNoteCreated MessageType = "NOTE_CREATED"
	TypeNoteDeleted MessageType = "NOTE_DELETED"
	// TypeRequestSync is reserved for a future state handshake. Bridges parse
	// it and deliberately do nothing.
	TypeRequestSync MessageType = "REQUEST_SYNC"
)

// Source tags which editing surface emitted an event. Informational only; it
// plays no role in conflict resolution.
type Source string

const (
	SourceQuickNotes Source = "quick-notes"
	SourceDeepNotes  Source = "deep-notes"
)

// Message is the broadcast envelope. It is pure data and never mutated after
// construction.
type Message struct {
	Type      MessageType `json:"type"`
	NoteID    string      `json:"noteId"`
	LessonID  string      `json:"lessonId"`
	CourseID  string      `json:"courseId"`
	UserID    string      `json:"userId"`
	Content   string      `json:"content,omitempty"`
	UpdatedAt string      `json:"updatedAt,omitempty"`
	Source    Source      `json:"source"`
	TabID     string      `json:"tabId"`
}

// Publish marshals msg and sends it on t, best-effort. A nil transport is a
// no-op so callers degrade to single-surface editing without special casing.
func Publish(ctx context.Context, t bus.Transport, msg Message) error {
	if t == nil {
		return nil
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return t.Publish(ctx, payload)
}

// FormatTime renders a timestamp in the wire format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses a wire timestamp. The zero time and false are returned for
// anything unparsable; such messages are treated as malformed and discarded.
func ParseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}
