package ws

// ClientMessage is a frame sent by an editing surface over its socket.
type ClientMessage struct {
	Type     string `json:"type"` // bind | update | create | delete | request_sync
	NoteID   string `json:"noteId,omitempty"`
	LessonID string `json:"lessonId,omitempty"`
	CourseID string `json:"courseId,omitempty"`
	Content  string `json:"content,omitempty"`
}

// ServerMessage is a frame pushed to an editing surface.
type ServerMessage struct {
	Type      string `json:"type"` // welcome | ack | remote_update | note_created | note_deleted | error
	TabID     string `json:"tabId,omitempty"`
	Supported *bool  `json:"supported,omitempty"`
	NoteID    string `json:"noteId,omitempty"`
	LessonID  string `json:"lessonId,omitempty"`
	Content   string `json:"content,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
	Message   string `json:"message,omitempty"`
}
