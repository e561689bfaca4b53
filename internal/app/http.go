package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"notehub/api/internal/notesync"
	"notehub/api/internal/search"
	"notehub/api/internal/store"
)

// maxAttachmentBytes bounds multipart uploads on the attachment endpoint.
const maxAttachmentBytes = 32 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
	ws         http.Handler
}

// NewHTTPServer wires the REST surface. ws handles the live socket endpoint
// and may be nil when no socket surface is mounted.
func NewHTTPServer(service *Service, corsOrigin string, ws http.Handler) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, ws: ws}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/sync/status" {
		writeJSON(w, http.StatusOK, s.service.SyncStatus())
		return
	}

	if r.URL.Path == "/api/sync/ws" {
		if s.ws == nil {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Live sync endpoint is not mounted", nil)
			return
		}
		s.ws.ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r)
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) == 2 && parts[0] == "api" && parts[1] == "notes" {
		switch r.Method {
		case http.MethodPost:
			s.handleCreateNote(w, r)
		case http.MethodGet:
			s.handleListNotes(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "notes" {
		noteID := parts[2]
		switch r.Method {
		case http.MethodGet:
			s.handleGetNote(w, r, noteID)
		case http.MethodPut:
			s.handleSaveNote(w, r, noteID)
		case http.MethodDelete:
			s.handleDeleteNote(w, r, noteID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 4 && parts[0] == "api" && parts[1] == "notes" && parts[3] == "history" && r.Method == http.MethodGet {
		s.handleNoteHistory(w, r, parts[2])
		return
	}

	if len(parts) == 4 && parts[0] == "api" && parts[1] == "notes" && parts[3] == "attachments" {
		noteID := parts[2]
		switch r.Method {
		case http.MethodGet:
			s.handleListAttachments(w, r, noteID)
		case http.MethodPost:
			s.handleAddAttachment(w, r, noteID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleCreateNote(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID   string `json:"userId"`
		CourseID string `json:"courseId"`
		LessonID string `json:"lessonId"`
		Source   string `json:"source"`
		Content  string `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	note, err := s.service.CreateNote(r.Context(), store.Note{
		UserID:   body.UserID,
		CourseID: body.CourseID,
		LessonID: body.LessonID,
		Source:   body.Source,
		Content:  body.Content,
	})
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	s.service.BroadcastCreated(r.Context(), note, callerTabID(r), callerSource(r))
	writeJSON(w, http.StatusCreated, note)
}

func (s *HTTPServer) handleListNotes(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	userID := query.Get("userId")

	// A lessonId query resolves the single note for that lesson.
	if lessonID := query.Get("lessonId"); lessonID != "" {
		note, err := s.service.GetLessonNote(r.Context(), userID, lessonID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, note)
		return
	}

	notes, err := s.service.ListNotes(r.Context(), userID, query.Get("courseId"))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notes": notes})
}

func (s *HTTPServer) handleGetNote(w http.ResponseWriter, r *http.Request, noteID string) {
	note, err := s.service.GetNote(r.Context(), noteID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

func (s *HTTPServer) handleSaveNote(w http.ResponseWriter, r *http.Request, noteID string) {
	var body struct {
		Content string `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	updatedAt, err := s.service.SaveNoteContent(r.Context(), noteID, body.Content)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	note, err := s.service.GetNote(r.Context(), noteID)
	if err == nil {
		s.service.BroadcastUpdated(r.Context(), note, callerTabID(r), callerSource(r))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"noteId":    noteID,
		"updatedAt": notesync.FormatTime(updatedAt),
	})
}

func (s *HTTPServer) handleDeleteNote(w http.ResponseWriter, r *http.Request, noteID string) {
	note, err := s.service.DeleteNote(r.Context(), noteID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	s.service.BroadcastDeleted(r.Context(), note, callerTabID(r), callerSource(r))
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "noteId": note.ID})
}

func (s *HTTPServer) handleNoteHistory(w http.ResponseWriter, r *http.Request, noteID string) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries, err := s.service.NoteHistory(r.Context(), noteID, limit)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"noteId": noteID, "history": entries})
}

func (s *HTTPServer) handleListAttachments(w http.ResponseWriter, r *http.Request, noteID string) {
	views, err := s.service.Attachments(r.Context(), noteID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"noteId": noteID, "attachments": views})
}

func (s *HTTPServer) handleAddAttachment(w http.ResponseWriter, r *http.Request, noteID string) {
	if err := r.ParseMultipartForm(maxAttachmentBytes); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid multipart body", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "multipart field 'file' is required", nil)
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	att, err := s.service.AddAttachment(r.Context(), noteID, header.Filename, contentType, file, header.Size)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, att)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))

	response, err := s.service.Search(search.Query{
		Text:     query.Get("q"),
		UserID:   query.Get("userId"),
		CourseID: query.Get("courseId"),
		LessonID: query.Get("lessonId"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

// callerTabID reads the browsing-context identity a REST caller carries so its
// own broadcasts are suppressed on that context.
func callerTabID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Tab-Id"))
}

func callerSource(r *http.Request) notesync.Source {
	return notesync.Source(strings.TrimSpace(r.Header.Get("X-Note-Source")))
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		if r.URL.Path != "/api/sync/ws" {
			setCORSHeaders(writer.Header(), s.corsOrigin)
		}
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrade reach the underlying connection through
// the logging wrapper.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, X-Tab-Id, X-Note-Source")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
