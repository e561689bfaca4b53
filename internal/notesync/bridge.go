package notesync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"notehub/api/internal/bus"
)

// Binding identifies what a bridge is currently looking at. NoteID may be
// empty when the surface has not selected or created a note yet; the other
// keys must be set before any broadcast goes out.
type Binding struct {
	NoteID   string
	LessonID string
	CourseID string
	UserID   string
}

func (b Binding) boundToNote() bool {
	return b.NoteID != "" && b.LessonID != "" && b.CourseID != "" && b.UserID != ""
}

func (b Binding) boundToScope() bool {
	return b.CourseID != "" && b.UserID != ""
}

// Callbacks are invoked for accepted remote events. All fields are optional.
type Callbacks struct {
	OnRemoteUpdate func(noteID, content string, updatedAt time.Time)
	OnNoteCreated  func(noteID, lessonID string)
	OnNoteDeleted  func(noteID string)
	// TraceDiscard observes messages the bridge drops and why. Discards are
	// routine protocol behavior, not faults; the hook exists so they are
	// visible in tests and debug logs.
	TraceDiscard func(reason string, msg Message)
}

// Bridge broadcasts and receives note lifecycle events for one editing
// surface. The channel subscription is registered once at construction and
// torn down once by Close; the handler re-reads the current binding on every
// message, so Rebind never requires resubscribing.
//
// Conflict resolution is last-writer-wins on the durable-save timestamp: an
// inbound update is applied only if its instant is strictly later than the
// newest instant this bridge has seen. A fresh bridge holds the zero instant,
// so the first inbound update of a session always wins; on an exact tie the
// local content is kept.
type Bridge struct {
	transport bus.Transport
	source    Source
	tabID     string

	mu          sync.Mutex
	binding     Binding
	callbacks   Callbacks
	localTime   time.Time
	lastContent string
	lastSentAt  time.Time
	hasLastSent bool

	unsubscribe func()
	closeOnce   sync.Once
	supported   bool
}

// Option configures a Bridge at construction.
type Option func(*Bridge)

// WithTabID overrides the process-wide tab identity. Used when one process
// hosts bridges for several distinct browsing contexts.
func WithTabID(id string) Option {
	return func(b *Bridge) {
		if id != "" {
			b.tabID = id
		}
	}
}

// New subscribes a bridge to transport. A nil transport, or one whose
// subscription fails, yields a bridge with Supported() == false whose every
// operation is a silent no-op; the surface degrades to single-surface
// editing and local saves still work through the persistence store.
func New(transport bus.Transport, source Source, binding Binding, callbacks Callbacks, opts ...Option) *Bridge {
	b := &Bridge{
		transport: transport,
		source:    source,
		tabID:     ProcessTabID(),
		binding:   binding,
		callbacks: callbacks,
	}
	for _, opt := range opts {
		opt(b)
	}

	if transport == nil {
		return b
	}
	unsubscribe, err := transport.Subscribe(b.handle)
	if err != nil {
		return b
	}
	b.unsubscribe = unsubscribe
	b.supported = true
	return b
}

// Supported reports whether the broadcast transport is live. When false no
// cross-surface sync occurs and all broadcast methods no-op.
func (b *Bridge) Supported() bool {
	return b.supported
}

// TabID returns the identity attached to this bridge's outgoing messages.
func (b *Bridge) TabID() string {
	return b.tabID
}

// Rebind points the bridge at a different note. The subscription is kept; the
// per-note sync state (local timestamp, last-broadcast cache) is reset when
// the note identity actually changes, since that state belongs to the tuple
// being edited, not to the subscription.
func (b *Bridge) Rebind(binding Binding) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if binding != b.binding {
		b.localTime = time.Time{}
		b.lastContent = ""
		b.lastSentAt = time.Time{}
		b.hasLastSent = false
	}
	b.binding = binding
}

// Binding returns the current binding.
func (b *Bridge) Binding() Binding {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.binding
}

// BroadcastUpdate announces that content was durably saved at updatedAt.
// Callers should pass the timestamp returned by the persistence write; a zero
// updatedAt falls back to the current wall clock, which weakens conflict
// resolution to client-clock precision. No-op unless the bridge is fully
// bound to a note. Transport failures are not surfaced.
func (b *Bridge) BroadcastUpdate(ctx context.Context, content string, updatedAt time.Time) {
	if !b.supported {
		return
	}
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	b.mu.Lock()
	binding := b.binding
	if !binding.boundToNote() {
		b.mu.Unlock()
		return
	}
	b.lastContent = content
	b.lastSentAt = updatedAt
	b.hasLastSent = true
	// This context now considers the saved content its authoritative state.
	b.localTime = updatedAt
	b.mu.Unlock()

	_ = Publish(ctx, b.transport, Message{
		Type:      TypeNoteUpdated,
		NoteID:    binding.NoteID,
		LessonID:  binding.LessonID,
		CourseID:  binding.CourseID,
		UserID:    binding.UserID,
		Content:   content,
		UpdatedAt: FormatTime(updatedAt),
		Source:    b.source,
		TabID:     b.tabID,
	})
}

// BroadcastCreated announces a newly created note. Does not touch the
// timestamp-conflict state: creation is not a content update.
func (b *Bridge) BroadcastCreated(ctx context.Context, noteID, lessonID string) {
	if !b.supported {
		return
	}
	b.mu.Lock()
	binding := b.binding
	b.mu.Unlock()
	if !binding.boundToScope() {
		return
	}

	_ = Publish(ctx, b.transport, Message{
		Type:     TypeNoteCreated,
		NoteID:   noteID,
		LessonID: lessonID,
		CourseID: binding.CourseID,
		UserID:   binding.UserID,
		Source:   b.source,
		TabID:    b.tabID,
	})
}

// BroadcastDeleted announces a deleted note.
func (b *Bridge) BroadcastDeleted(ctx context.Context, noteID, lessonID string) {
	if !b.supported {
		return
	}
	b.mu.Lock()
	binding := b.binding
	b.mu.Unlock()
	if !binding.boundToScope() {
		return
	}

	_ = Publish(ctx, b.transport, Message{
		Type:     TypeNoteDeleted,
		NoteID:   noteID,
		LessonID: lessonID,
		CourseID: binding.CourseID,
		UserID:   binding.UserID,
		Source:   b.source,
		TabID:    b.tabID,
	})
}

// Close tears the subscription down. Safe to call more than once.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		if b.unsubscribe != nil {
			b.unsubscribe()
		}
	})
}

func (b *Bridge) handle(payload []byte) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}

	// Self-echo: never react to our own broadcasts.
	if msg.TabID == b.tabID {
		b.discard("self-echo", msg)
		return
	}

	b.mu.Lock()
	binding := b.binding
	callbacks := b.callbacks
	b.mu.Unlock()

	// Cross-user / cross-course isolation.
	if msg.UserID != binding.UserID || msg.CourseID != binding.CourseID {
		b.discard("foreign-scope", msg)
		return
	}

	switch msg.Type {
	case TypeNoteUpdated:
		b.handleUpdated(msg, binding, callbacks)
	case TypeNoteCreated:
		if msg.LessonID == binding.LessonID && callbacks.OnNoteCreated != nil {
			callbacks.OnNoteCreated(msg.NoteID, msg.LessonID)
		}
	case TypeNoteDeleted:
		// Match by note id OR lesson id: a surface viewing the exact note
		// must learn about the deletion even if a lesson reassignment raced
		// with it.
		if (msg.NoteID == binding.NoteID || msg.LessonID == binding.LessonID) && callbacks.OnNoteDeleted != nil {
			callbacks.OnNoteDeleted(msg.NoteID)
		}
	case TypeRequestSync:
		// Reserved extension point.
	}
}

func (b *Bridge) handleUpdated(msg Message, binding Binding, callbacks Callbacks) {
	// An update for a different note or lesson than what this surface is
	// viewing is irrelevant; it is dropped, not queued.
	if msg.NoteID != binding.NoteID || msg.LessonID != binding.LessonID {
		b.discard("other-note", msg)
		return
	}

	remoteAt, ok := ParseTime(msg.UpdatedAt)
	if !ok {
		b.discard("bad-timestamp", msg)
		return
	}

	b.mu.Lock()
	// The exact payload this bridge last sent, arriving back with a changed
	// or missing tab id. Still an echo.
	if b.hasLastSent && msg.Content == b.lastContent && remoteAt.Equal(b.lastSentAt) {
		b.mu.Unlock()
		b.discard("echoed-broadcast", msg)
		return
	}
	// Last-writer-wins: remote must be strictly later to apply. Equal or
	// earlier keeps the local content authoritative regardless of arrival
	// order.
	if !remoteAt.After(b.localTime) {
		b.mu.Unlock()
		b.discard("stale-update", msg)
		return
	}
	b.localTime = remoteAt
	b.mu.Unlock()

	if callbacks.OnRemoteUpdate != nil {
		callbacks.OnRemoteUpdate(msg.NoteID, msg.Content, remoteAt)
	}
}

func (b *Bridge) discard(reason string, msg Message) {
	b.mu.Lock()
	trace := b.callbacks.TraceDiscard
	b.mu.Unlock()
	if trace != nil {
		trace(reason, msg)
	}
}
