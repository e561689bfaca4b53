// Package ws exposes the live editing surface endpoint. Every websocket
// connection represents one browsing context: it gets its own sync bridge on
// the owning user's broadcast channel, so edits made on any surface reach all
// the user's other open surfaces.
package ws

import (
	"context"
	"log"
	"net/http"
	"time"

	"notehub/api/internal/bus"
	"notehub/api/internal/notesync"
	"notehub/api/internal/store"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Same-origin enforcement happens at the CORS layer; the socket
		// endpoint accepts any origin the HTTP surface accepted.
		return true
	},
}

// NoteService is the slice of the application service the socket needs.
type NoteService interface {
	CreateNote(ctx context.Context, note store.Note) (store.Note, error)
	SaveNoteContent(ctx context.Context, id, content string) (time.Time, error)
	DeleteNote(ctx context.Context, id string) (store.Note, error)
	GetNote(ctx context.Context, id string) (store.Note, error)
}

type Handler struct {
	connector bus.Connector
	service   NoteService
}

func NewHandler(connector bus.Connector, service NoteService) *Handler {
	return &Handler{connector: connector, service: service}
}

// ServeHTTP upgrades the request and runs the connection until it closes.
// Query parameters identify the surface: user_id and course_id are required,
// lesson_id/note_id bind the initial note, source tags the surface kind and
// tab_id carries the browser's context identity (generated when absent).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	userID := query.Get("user_id")
	courseID := query.Get("course_id")
	if userID == "" || courseID == "" {
		http.Error(w, "user_id and course_id are required", http.StatusBadRequest)
		return
	}

	tabID := query.Get("tab_id")
	if tabID == "" {
		tabID = "tab_" + uuid.NewString()
	}
	source := notesync.Source(query.Get("source"))
	if source == "" {
		source = notesync.SourceQuickNotes
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade error: %v (origin=%s)", err, r.Header.Get("Origin"))
		return
	}

	binding := notesync.Binding{
		NoteID:   query.Get("note_id"),
		LessonID: query.Get("lesson_id"),
		CourseID: courseID,
		UserID:   userID,
	}

	var transport bus.Transport
	if h.connector != nil {
		transport = h.connector.Channel("user:" + userID)
	}

	c := newConn(conn, h.service, transport, source, binding, tabID)
	c.run(r.Context())
}
