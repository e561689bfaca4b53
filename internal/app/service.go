package app

import (
	"context"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"notehub/api/internal/bus"
	"notehub/api/internal/config"
	"notehub/api/internal/notesync"
	"notehub/api/internal/search"
	"notehub/api/internal/store"
)

const presignExpiry = 15 * time.Minute

type dataStore interface {
	CreateNote(ctx context.Context, note store.Note) (store.Note, error)
	GetNote(ctx context.Context, id string) (store.Note, error)
	GetLessonNote(ctx context.Context, userID, lessonID string) (store.Note, error)
	SaveNoteContent(ctx context.Context, id, content string) (time.Time, error)
	ListNotes(ctx context.Context, userID, courseID string) ([]store.Note, error)
	DeleteNote(ctx context.Context, id string) (store.Note, error)
	InsertAttachment(ctx context.Context, att store.Attachment) (store.Attachment, error)
	ListAttachments(ctx context.Context, noteID string) ([]store.Attachment, error)
	Ping(ctx context.Context) error
}

type historyTrail interface {
	RecordSave(note store.Note) (store.CommitInfo, error)
	RecordDelete(note store.Note) (store.CommitInfo, error)
	History(userID, courseID, lessonID, noteID string, limit int) ([]store.CommitInfo, error)
}

type noteSearch interface {
	Search(q search.Query) search.Response
	IndexNote(record search.NoteRecord)
	DeleteNote(id string)
}

type objectStore interface {
	Put(ctx context.Context, noteID, fileName, contentType string, body io.Reader, size int64) (string, error)
	PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}

// SyncStatus reports whether cross-tab synchronization is available and which
// transport backs it.
type SyncStatus struct {
	Supported bool   `json:"supported"`
	Transport string `json:"transport"`
}

// AttachmentView is an attachment row plus a time-limited download URL.
type AttachmentView struct {
	store.Attachment
	URL string `json:"url,omitempty"`
}

type Service struct {
	cfg           config.Config
	store         dataStore
	history       historyTrail
	search        noteSearch
	objects       objectStore
	connector     bus.Connector
	transportKind string
}

// New builds the note service. history and searcher may be nil, in which case
// the corresponding features are disabled. connector may be nil when no
// broadcast transport is available; every surface then degrades to
// single-context editing.
func New(cfg config.Config, st dataStore, trail historyTrail, searcher noteSearch, connector bus.Connector, transportKind string) *Service {
	return &Service{
		cfg:           cfg,
		store:         st,
		history:       trail,
		search:        searcher,
		connector:     connector,
		transportKind: transportKind,
	}
}

// NewWithAttachments is New plus an object store for note attachments.
func NewWithAttachments(cfg config.Config, st dataStore, trail historyTrail, searcher noteSearch, objects objectStore, connector bus.Connector, transportKind string) *Service {
	svc := New(cfg, st, trail, searcher, connector, transportKind)
	svc.objects = objects
	return svc
}

func (s *Service) SyncStatus() SyncStatus {
	return SyncStatus{
		Supported: s.connector != nil,
		Transport: s.transportKind,
	}
}

// Channel returns the broadcast transport for one user's notes, or nil when
// synchronization is unsupported.
func (s *Service) Channel(userID string) bus.Transport {
	if s.connector == nil {
		return nil
	}
	return s.connector.Channel("user:" + userID)
}

func (s *Service) CreateNote(ctx context.Context, note store.Note) (store.Note, error) {
	if strings.TrimSpace(note.UserID) == "" || strings.TrimSpace(note.CourseID) == "" || strings.TrimSpace(note.LessonID) == "" {
		return store.Note{}, domainError(http.StatusBadRequest, "INVALID_NOTE", "userId, courseId and lessonId are required", nil)
	}
	if note.Source == "" {
		note.Source = string(notesync.SourceQuickNotes)
	}

	created, err := s.store.CreateNote(ctx, note)
	if err != nil {
		return store.Note{}, err
	}
	s.afterSave(created)
	return created, nil
}

func (s *Service) GetNote(ctx context.Context, id string) (store.Note, error) {
	return s.store.GetNote(ctx, id)
}

func (s *Service) GetLessonNote(ctx context.Context, userID, lessonID string) (store.Note, error) {
	return s.store.GetLessonNote(ctx, userID, lessonID)
}

func (s *Service) ListNotes(ctx context.Context, userID, courseID string) ([]store.Note, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, domainError(http.StatusBadRequest, "INVALID_QUERY", "userId is required", nil)
	}
	notes, err := s.store.ListNotes(ctx, userID, courseID)
	if err != nil {
		return nil, err
	}
	if notes == nil {
		notes = []store.Note{}
	}
	return notes, nil
}

// SaveNoteContent persists new content and returns the durable-save timestamp.
// That timestamp, not the caller's clock, is what conflict resolution compares
// everywhere downstream.
func (s *Service) SaveNoteContent(ctx context.Context, id, content string) (time.Time, error) {
	updatedAt, err := s.store.SaveNoteContent(ctx, id, content)
	if err != nil {
		return time.Time{}, err
	}

	note, err := s.store.GetNote(ctx, id)
	if err != nil {
		log.Printf("app: reload note %s after save: %v", id, err)
		return updatedAt, nil
	}
	s.afterSave(note)
	return updatedAt, nil
}

func (s *Service) DeleteNote(ctx context.Context, id string) (store.Note, error) {
	note, err := s.store.DeleteNote(ctx, id)
	if err != nil {
		return store.Note{}, err
	}

	if s.history != nil {
		if _, err := s.history.RecordDelete(note); err != nil {
			log.Printf("app: record delete %s: %v", note.ID, err)
		}
	}
	if s.search != nil {
		s.search.DeleteNote(note.ID)
	}
	return note, nil
}

func (s *Service) Search(q search.Query) (search.Response, error) {
	if strings.TrimSpace(q.UserID) == "" {
		return search.Response{}, domainError(http.StatusBadRequest, "INVALID_QUERY", "userId is required", nil)
	}
	if strings.TrimSpace(q.Text) == "" {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	if q.Limit <= 0 {
		q.Limit = 20
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	if s.search == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_DISABLED", "Search is not configured", nil)
	}
	return s.search.Search(q), nil
}

// NoteHistory returns the note's save trail, newest first.
func (s *Service) NoteHistory(ctx context.Context, noteID string, limit int) ([]store.CommitInfo, error) {
	if s.history == nil {
		return nil, domainError(http.StatusServiceUnavailable, "HISTORY_DISABLED", "History is not configured", nil)
	}
	note, err := s.store.GetNote(ctx, noteID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	entries, err := s.history.History(note.UserID, note.CourseID, note.LessonID, note.ID, limit)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []store.CommitInfo{}
	}
	return entries, nil
}

func (s *Service) AddAttachment(ctx context.Context, noteID, fileName, contentType string, body io.Reader, size int64) (store.Attachment, error) {
	if s.objects == nil {
		return store.Attachment{}, domainError(http.StatusServiceUnavailable, "ATTACHMENTS_DISABLED", "Attachment storage is not configured", nil)
	}
	if strings.TrimSpace(fileName) == "" {
		return store.Attachment{}, domainError(http.StatusBadRequest, "INVALID_ATTACHMENT", "file name is required", nil)
	}

	note, err := s.store.GetNote(ctx, noteID)
	if err != nil {
		return store.Attachment{}, err
	}

	key, err := s.objects.Put(ctx, note.ID, fileName, contentType, body, size)
	if err != nil {
		return store.Attachment{}, err
	}

	return s.store.InsertAttachment(ctx, store.Attachment{
		NoteID:      note.ID,
		FileName:    fileName,
		ObjectKey:   key,
		ContentType: contentType,
		Size:        size,
	})
}

func (s *Service) Attachments(ctx context.Context, noteID string) ([]AttachmentView, error) {
	rows, err := s.store.ListAttachments(ctx, noteID)
	if err != nil {
		return nil, err
	}

	views := make([]AttachmentView, 0, len(rows))
	for _, att := range rows {
		view := AttachmentView{Attachment: att}
		if s.objects != nil {
			url, err := s.objects.PresignedGetURL(ctx, att.ObjectKey, presignExpiry)
			if err != nil {
				log.Printf("app: presign %s: %v", att.ObjectKey, err)
			} else {
				view.URL = url
			}
		}
		views = append(views, view)
	}
	return views, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// afterSave records the save in the history trail and refreshes the search
// index. Failures are logged, never surfaced; the durable save already
// happened.
func (s *Service) afterSave(note store.Note) {
	if s.history != nil {
		if _, err := s.history.RecordSave(note); err != nil {
			log.Printf("app: record save %s: %v", note.ID, err)
		}
	}
	if s.search != nil {
		s.search.IndexNote(search.NoteRecord{
			ID:       note.ID,
			UserID:   note.UserID,
			CourseID: note.CourseID,
			LessonID: note.LessonID,
			Content:  note.Content,
		})
	}
}

// BroadcastUpdated announces a durable save made outside a live socket, for
// example through the REST surface, so open surfaces converge on it. tabID is
// the caller's context identity; callers without one get the process identity
// and will not receive their own echo anyway.
func (s *Service) BroadcastUpdated(ctx context.Context, note store.Note, tabID string, source notesync.Source) {
	s.broadcast(ctx, note.UserID, notesync.Message{
		Type:      notesync.TypeNoteUpdated,
		NoteID:    note.ID,
		LessonID:  note.LessonID,
		CourseID:  note.CourseID,
		UserID:    note.UserID,
		Content:   note.Content,
		UpdatedAt: notesync.FormatTime(note.UpdatedAt),
		Source:    source,
		TabID:     tabID,
	})
}

func (s *Service) BroadcastCreated(ctx context.Context, note store.Note, tabID string, source notesync.Source) {
	s.broadcast(ctx, note.UserID, notesync.Message{
		Type:     notesync.TypeNoteCreated,
		NoteID:   note.ID,
		LessonID: note.LessonID,
		CourseID: note.CourseID,
		UserID:   note.UserID,
		Source:   source,
		TabID:    tabID,
	})
}

func (s *Service) BroadcastDeleted(ctx context.Context, note store.Note, tabID string, source notesync.Source) {
	s.broadcast(ctx, note.UserID, notesync.Message{
		Type:     notesync.TypeNoteDeleted,
		NoteID:   note.ID,
		LessonID: note.LessonID,
		CourseID: note.CourseID,
		UserID:   note.UserID,
		Source:   source,
		TabID:    tabID,
	})
}

func (s *Service) broadcast(ctx context.Context, userID string, msg notesync.Message) {
	transport := s.Channel(userID)
	if transport == nil {
		return
	}
	if msg.TabID == "" {
		msg.TabID = notesync.ProcessTabID()
	}
	if msg.Source == "" {
		msg.Source = notesync.SourceQuickNotes
	}
	if err := notesync.Publish(ctx, transport, msg); err != nil {
		log.Printf("app: broadcast %s for note %s: %v", msg.Type, msg.NoteID, err)
	}
}
