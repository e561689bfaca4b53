package ws

import (
	"context"
	"errors"
	"log"
	"time"

	"notehub/api/internal/bus"
	"notehub/api/internal/notesync"
	"notehub/api/internal/store"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

type conn struct {
	socket  *websocket.Conn
	service NoteService
	bridge  *notesync.Bridge
	send    chan ServerMessage
	done    chan struct{}
}

func newConn(socket *websocket.Conn, service NoteService, transport bus.Transport, source notesync.Source, binding notesync.Binding, tabID string) *conn {
	c := &conn{
		socket:  socket,
		service: service,
		send:    make(chan ServerMessage, sendBuffer),
		done:    make(chan struct{}),
	}

	c.bridge = notesync.New(transport, source, binding, notesync.Callbacks{
		OnRemoteUpdate: func(noteID, content string, updatedAt time.Time) {
			c.push(ServerMessage{
				Type:      "remote_update",
				NoteID:    noteID,
				Content:   content,
				UpdatedAt: notesync.FormatTime(updatedAt),
			})
		},
		OnNoteCreated: func(noteID, lessonID string) {
			c.push(ServerMessage{Type: "note_created", NoteID: noteID, LessonID: lessonID})
		},
		OnNoteDeleted: func(noteID string) {
			c.push(ServerMessage{Type: "note_deleted", NoteID: noteID})
		},
	}, notesync.WithTabID(tabID))

	return c
}

func (c *conn) run(ctx context.Context) {
	defer c.bridge.Close()
	defer c.socket.Close()

	go c.writeLoop()

	supported := c.bridge.Supported()
	c.push(ServerMessage{Type: "welcome", TabID: c.bridge.TabID(), Supported: &supported})

	c.readLoop(ctx)
	close(c.done)
}

// push queues a frame for delivery, dropping it if the client cannot keep up.
func (c *conn) push(msg ServerMessage) {
	select {
	case c.send <- msg:
	default:
		log.Printf("ws: send buffer full, dropping %s frame", msg.Type)
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *conn) readLoop(ctx context.Context) {
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg ClientMessage
		if err := c.socket.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws: read error: %v", err)
			}
			return
		}
		c.dispatch(ctx, msg)
	}
}

func (c *conn) dispatch(ctx context.Context, msg ClientMessage) {
	switch msg.Type {
	case "bind":
		binding := c.bridge.Binding()
		if msg.NoteID != "" || msg.LessonID != "" {
			binding.NoteID = msg.NoteID
			binding.LessonID = msg.LessonID
		}
		if msg.CourseID != "" {
			binding.CourseID = msg.CourseID
		}
		c.bridge.Rebind(binding)

	case "update":
		c.handleUpdate(ctx, msg)

	case "create":
		c.handleCreate(ctx, msg)

	case "delete":
		c.handleDelete(ctx, msg)

	case "request_sync":
		// Reserved; mirrors the bridge's REQUEST_SYNC extension point.

	default:
		c.push(ServerMessage{Type: "error", Message: "unknown message type: " + msg.Type})
	}
}

func (c *conn) handleUpdate(ctx context.Context, msg ClientMessage) {
	binding := c.bridge.Binding()
	noteID := msg.NoteID
	if noteID == "" {
		noteID = binding.NoteID
	}
	if noteID == "" {
		c.push(ServerMessage{Type: "error", Message: "no note bound"})
		return
	}

	// Persist first: the broadcast must carry the durable-save timestamp.
	updatedAt, err := c.service.SaveNoteContent(ctx, noteID, msg.Content)
	if err != nil {
		c.push(ServerMessage{Type: "error", NoteID: noteID, Message: "save failed"})
		return
	}

	// An explicit noteId may address a note this surface is not bound to yet.
	// Bind before broadcasting, otherwise the update stays invisible to the
	// user's other surfaces.
	if binding.NoteID != noteID {
		note, err := c.service.GetNote(ctx, noteID)
		if err != nil {
			c.push(ServerMessage{Type: "error", NoteID: noteID, Message: "note not found"})
			return
		}
		binding.NoteID = note.ID
		binding.LessonID = note.LessonID
		c.bridge.Rebind(binding)
	}

	c.bridge.BroadcastUpdate(ctx, msg.Content, updatedAt)
	c.push(ServerMessage{Type: "ack", NoteID: noteID, UpdatedAt: notesync.FormatTime(updatedAt)})
}

func (c *conn) handleCreate(ctx context.Context, msg ClientMessage) {
	binding := c.bridge.Binding()
	lessonID := msg.LessonID
	if lessonID == "" {
		lessonID = binding.LessonID
	}

	note, err := c.service.CreateNote(ctx, store.Note{
		UserID:   binding.UserID,
		CourseID: binding.CourseID,
		LessonID: lessonID,
		Content:  msg.Content,
	})
	if err != nil {
		c.push(ServerMessage{Type: "error", LessonID: lessonID, Message: "create failed"})
		return
	}

	binding.NoteID = note.ID
	binding.LessonID = note.LessonID
	c.bridge.Rebind(binding)
	c.bridge.BroadcastCreated(ctx, note.ID, note.LessonID)
	c.push(ServerMessage{Type: "ack", NoteID: note.ID, LessonID: note.LessonID, UpdatedAt: notesync.FormatTime(note.UpdatedAt)})
}

func (c *conn) handleDelete(ctx context.Context, msg ClientMessage) {
	binding := c.bridge.Binding()
	noteID := msg.NoteID
	if noteID == "" {
		noteID = binding.NoteID
	}
	if noteID == "" {
		c.push(ServerMessage{Type: "error", Message: "no note bound"})
		return
	}

	note, err := c.service.DeleteNote(ctx, noteID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.push(ServerMessage{Type: "error", NoteID: noteID, Message: "note not found"})
			return
		}
		c.push(ServerMessage{Type: "error", NoteID: noteID, Message: "delete failed"})
		return
	}

	c.bridge.BroadcastDeleted(ctx, note.ID, note.LessonID)
	if binding.NoteID == note.ID {
		binding.NoteID = ""
		c.bridge.Rebind(binding)
	}
	c.push(ServerMessage{Type: "ack", NoteID: note.ID})
}
