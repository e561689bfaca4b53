package notesync

import (
	"context"
	"sync"
	"testing"
	"time"

	"notehub/api/internal/bus"
)

type remoteUpdate struct {
	noteID    string
	content   string
	updatedAt time.Time
}

type recorder struct {
	mu       sync.Mutex
	updates  []remoteUpdate
	created  [][2]string
	deleted  []string
	discards []string
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnRemoteUpdate: func(noteID, content string, updatedAt time.Time) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.updates = append(r.updates, remoteUpdate{noteID: noteID, content: content, updatedAt: updatedAt})
		},
		OnNoteCreated: func(noteID, lessonID string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.created = append(r.created, [2]string{noteID, lessonID})
		},
		OnNoteDeleted: func(noteID string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.deleted = append(r.deleted, noteID)
		},
		TraceDiscard: func(reason string, _ Message) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.discards = append(r.discards, reason)
		},
	}
}

func (r *recorder) lastUpdate(t *testing.T) remoteUpdate {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.updates) == 0 {
		t.Fatal("expected at least one remote update")
	}
	return r.updates[len(r.updates)-1]
}

func (r *recorder) updateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func (r *recorder) hasDiscard(reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.discards {
		if d == reason {
			return true
		}
	}
	return false
}

func testBinding() Binding {
	return Binding{NoteID: "note-1", LessonID: "lesson-1", CourseID: "course-1", UserID: "user-1"}
}

func at(sec int) time.Time {
	return time.Date(2026, 3, 14, 12, 0, sec, 0, time.UTC)
}

// inject delivers a message as if another browsing context had sent it.
func inject(t *testing.T, transport bus.Transport, msg Message) {
	t.Helper()
	if msg.TabID == "" {
		msg.TabID = "remote-tab"
	}
	if err := Publish(context.Background(), transport, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestSelfEchoSuppression(t *testing.T) {
	transport := bus.NewMemory()
	rec := &recorder{}
	b := New(transport, SourceQuickNotes, testBinding(), rec.callbacks(), WithTabID("tab-a"))
	defer b.Close()

	b.BroadcastUpdate(context.Background(), "hello", at(10))
	b.BroadcastCreated(context.Background(), "note-1", "lesson-1")
	b.BroadcastDeleted(context.Background(), "note-1", "lesson-1")

	if rec.updateCount() != 0 || len(rec.created) != 0 || len(rec.deleted) != 0 {
		t.Fatalf("bridge reacted to its own broadcasts: %+v", rec)
	}
	if !rec.hasDiscard("self-echo") {
		t.Fatal("expected self-echo discards to be traced")
	}
}

func TestScopeIsolation(t *testing.T) {
	transport := bus.NewMemory()
	rec := &recorder{}
	b := New(transport, SourceDeepNotes, testBinding(), rec.callbacks(), WithTabID("tab-b"))
	defer b.Close()

	foreign := []Message{
		{Type: TypeNoteUpdated, NoteID: "note-1", LessonID: "lesson-1", CourseID: "course-1", UserID: "user-2", Content: "x", UpdatedAt: FormatTime(at(10))},
		{Type: TypeNoteUpdated, NoteID: "note-1", LessonID: "lesson-1", CourseID: "course-9", UserID: "user-1", Content: "x", UpdatedAt: FormatTime(at(10))},
		{Type: TypeNoteCreated, NoteID: "note-2", LessonID: "lesson-1", CourseID: "course-9", UserID: "user-1"},
		{Type: TypeNoteDeleted, NoteID: "note-1", LessonID: "lesson-1", CourseID: "course-1", UserID: "user-2"},
	}
	for _, msg := range foreign {
		inject(t, transport, msg)
	}

	if rec.updateCount() != 0 || len(rec.created) != 0 || len(rec.deleted) != 0 {
		t.Fatalf("callbacks fired for foreign user/course messages: %+v", rec)
	}
	if !rec.hasDiscard("foreign-scope") {
		t.Fatal("expected foreign-scope discards to be traced")
	}
}

func TestLastWriterWinsIndependentOfArrivalOrder(t *testing.T) {
	older := Message{Type: TypeNoteUpdated, NoteID: "note-1", LessonID: "lesson-1", CourseID: "course-1", UserID: "user-1", Content: "old", UpdatedAt: FormatTime(at(1))}
	newer := Message{Type: TypeNoteUpdated, NoteID: "note-1", LessonID: "lesson-1", CourseID: "course-1", UserID: "user-1", Content: "new", UpdatedAt: FormatTime(at(2))}

	t.Run("newer arrives first", func(t *testing.T) {
		transport := bus.NewMemory()
		rec := &recorder{}
		b := New(transport, SourceQuickNotes, testBinding(), rec.callbacks(), WithTabID("tab-c"))
		defer b.Close()

		inject(t, transport, newer)
		inject(t, transport, older)

		if got := rec.lastUpdate(t).content; got != "new" {
			t.Fatalf("final content = %q, want %q", got, "new")
		}
		if rec.updateCount() != 1 {
			t.Fatalf("update fired %d times, want 1", rec.updateCount())
		}
		if !rec.hasDiscard("stale-update") {
			t.Fatal("late arrival of older update should be traced as stale")
		}
	})

	t.Run("older arrives first", func(t *testing.T) {
		transport := bus.NewMemory()
		rec := &recorder{}
		b := New(transport, SourceQuickNotes, testBinding(), rec.callbacks(), WithTabID("tab-d"))
		defer b.Close()

		inject(t, transport, older)
		inject(t, transport, newer)

		if got := rec.lastUpdate(t).content; got != "new" {
			t.Fatalf("final content = %q, want %q", got, "new")
		}
		if rec.updateCount() != 2 {
			t.Fatalf("update fired %d times, want 2", rec.updateCount())
		}
	})
}

func TestEqualTimestampKeepsLocal(t *testing.T) {
	transport := bus.NewMemory()
	rec := &recorder{}
	b := New(transport, SourceQuickNotes, testBinding(), rec.callbacks(), WithTabID("tab-e"))
	defer b.Close()

	// Local save at t=5: this context now holds t=5 as authoritative.
	b.BroadcastUpdate(context.Background(), "mine", at(5))

	inject(t, transport, Message{
		Type: TypeNoteUpdated, NoteID: "note-1", LessonID: "lesson-1",
		CourseID: "course-1", UserID: "user-1",
		Content: "theirs", UpdatedAt: FormatTime(at(5)),
	})

	if rec.updateCount() != 0 {
		t.Fatalf("equal-timestamp remote update was applied: %+v", rec.updates)
	}
	if !rec.hasDiscard("stale-update") {
		t.Fatal("equal-timestamp discard should be traced")
	}
}

func TestIdempotentRedelivery(t *testing.T) {
	transport := bus.NewMemory()
	rec := &recorder{}
	b := New(transport, SourceDeepNotes, testBinding(), rec.callbacks(), WithTabID("tab-f"))
	defer b.Close()

	msg := Message{
		Type: TypeNoteUpdated, NoteID: "note-1", LessonID: "lesson-1",
		CourseID: "course-1", UserID: "user-1",
		Content: "same", UpdatedAt: FormatTime(at(7)),
	}
	inject(t, transport, msg)
	inject(t, transport, msg)

	if rec.updateCount() != 1 {
		t.Fatalf("redelivered update fired callback %d times, want 1", rec.updateCount())
	}
	if got := rec.lastUpdate(t).content; got != "same" {
		t.Fatalf("content = %q, want %q", got, "same")
	}
}

func TestUpdateRequiresMatchingLesson(t *testing.T) {
	transport := bus.NewMemory()
	rec := &recorder{}
	binding := testBinding()
	binding.LessonID = "lesson-2"
	b := New(transport, SourceQuickNotes, binding, rec.callbacks(), WithTabID("tab-g"))
	defer b.Close()

	// Same note id, different lesson: not ours to apply.
	inject(t, transport, Message{
		Type: TypeNoteUpdated, NoteID: "note-1", LessonID: "lesson-1",
		CourseID: "course-1", UserID: "user-1",
		Content: "moved", UpdatedAt: FormatTime(at(9)),
	})

	if rec.updateCount() != 0 {
		t.Fatal("update for a different lesson was applied")
	}
	if !rec.hasDiscard("other-note") {
		t.Fatal("expected other-note discard to be traced")
	}
}

func TestUnsupportedTransportDegradesSilently(t *testing.T) {
	rec := &recorder{}
	b := New(nil, SourceQuickNotes, testBinding(), rec.callbacks())
	defer b.Close()

	if b.Supported() {
		t.Fatal("Supported() = true without a transport")
	}
	// Must not panic.
	b.BroadcastUpdate(context.Background(), "hello", at(1))
	b.BroadcastCreated(context.Background(), "note-1", "lesson-1")
	b.BroadcastDeleted(context.Background(), "note-1", "lesson-1")
}

func TestBroadcastWhileUnboundIsNoop(t *testing.T) {
	transport := bus.NewMemory()
	var published int
	unsubscribe, err := transport.Subscribe(func([]byte) { published++ })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsubscribe()

	b := New(transport, SourceQuickNotes, Binding{LessonID: "lesson-1", CourseID: "course-1", UserID: "user-1"}, Callbacks{}, WithTabID("tab-h"))
	defer b.Close()

	b.BroadcastUpdate(context.Background(), "hello", at(1))
	if published != 0 {
		t.Fatalf("unbound bridge published %d messages, want 0", published)
	}

	// Created/deleted only need course and user scope.
	b.BroadcastCreated(context.Background(), "note-9", "lesson-1")
	if published != 1 {
		t.Fatalf("scoped bridge published %d messages, want 1", published)
	}
}

func TestQuickAndDeepSurfacesEndToEnd(t *testing.T) {
	transport := bus.NewMemory()
	quickRec := &recorder{}
	deepRec := &recorder{}
	quick := New(transport, SourceQuickNotes, testBinding(), quickRec.callbacks(), WithTabID("tab-quick"))
	defer quick.Close()
	deep := New(transport, SourceDeepNotes, testBinding(), deepRec.callbacks(), WithTabID("tab-deep"))
	defer deep.Close()

	// Quick surface saves "Hello" at t=100.
	quick.BroadcastUpdate(context.Background(), "Hello", at(100))

	update := deepRec.lastUpdate(t)
	if update.content != "Hello" || !update.updatedAt.Equal(at(100)) {
		t.Fatalf("deep surface got %+v, want Hello @ %v", update, at(100))
	}

	// Deep surface saves with a skewed clock: t=50, before quick's save.
	deep.BroadcastUpdate(context.Background(), "Hello world", at(50))

	if quickRec.updateCount() != 0 {
		t.Fatalf("quick surface applied a stale update: %+v", quickRec.updates)
	}
	if !quickRec.hasDiscard("stale-update") {
		t.Fatal("stale cross-surface update should be traced on the quick surface")
	}
}

func TestCreatedReachesSurfaceWithoutNote(t *testing.T) {
	transport := bus.NewMemory()
	rec := &recorder{}
	// Deep surface is on the lesson but has no note selected yet.
	b := New(transport, SourceDeepNotes, Binding{LessonID: "lesson-1", CourseID: "course-1", UserID: "user-1"}, rec.callbacks(), WithTabID("tab-i"))
	defer b.Close()

	creator := New(transport, SourceQuickNotes, testBinding(), Callbacks{}, WithTabID("tab-j"))
	defer creator.Close()
	creator.BroadcastCreated(context.Background(), "note-new", "lesson-1")

	if len(rec.created) != 1 || rec.created[0] != [2]string{"note-new", "lesson-1"} {
		t.Fatalf("created = %+v, want [[note-new lesson-1]]", rec.created)
	}
}

func TestDeletedMatchesNoteAcrossLessons(t *testing.T) {
	transport := bus.NewMemory()
	rec := &recorder{}
	// Viewer holds the same note under a different lesson (reassignment raced
	// with the deletion).
	binding := testBinding()
	binding.LessonID = "lesson-99"
	b := New(transport, SourceDeepNotes, binding, rec.callbacks(), WithTabID("tab-k"))
	defer b.Close()

	deleter := New(transport, SourceQuickNotes, testBinding(), Callbacks{}, WithTabID("tab-l"))
	defer deleter.Close()
	deleter.BroadcastDeleted(context.Background(), "note-1", "lesson-1")

	if len(rec.deleted) != 1 || rec.deleted[0] != "note-1" {
		t.Fatalf("deleted = %+v, want [note-1]", rec.deleted)
	}
}

func TestRebindKeepsSubscriptionAndResetsState(t *testing.T) {
	transport := bus.NewMemory()
	rec := &recorder{}
	b := New(transport, SourceQuickNotes, testBinding(), rec.callbacks(), WithTabID("tab-m"))
	defer b.Close()

	// Advance local state on the first note.
	b.BroadcastUpdate(context.Background(), "v1", at(100))

	next := testBinding()
	next.NoteID = "note-2"
	next.LessonID = "lesson-2"
	b.Rebind(next)

	// Old note's updates are no longer relevant.
	inject(t, transport, Message{
		Type: TypeNoteUpdated, NoteID: "note-1", LessonID: "lesson-1",
		CourseID: "course-1", UserID: "user-1",
		Content: "old note", UpdatedAt: FormatTime(at(200)),
	})
	if rec.updateCount() != 0 {
		t.Fatal("update for previous binding was applied after rebind")
	}

	// The conflict state was reset, so an update older than the previous
	// note's timestamp still applies to the new note.
	inject(t, transport, Message{
		Type: TypeNoteUpdated, NoteID: "note-2", LessonID: "lesson-2",
		CourseID: "course-1", UserID: "user-1",
		Content: "new note", UpdatedAt: FormatTime(at(10)),
	})
	if got := rec.lastUpdate(t).content; got != "new note" {
		t.Fatalf("content = %q, want %q", got, "new note")
	}
}

func TestMalformedTimestampDiscarded(t *testing.T) {
	transport := bus.NewMemory()
	rec := &recorder{}
	b := New(transport, SourceQuickNotes, testBinding(), rec.callbacks(), WithTabID("tab-n"))
	defer b.Close()

	inject(t, transport, Message{
		Type: TypeNoteUpdated, NoteID: "note-1", LessonID: "lesson-1",
		CourseID: "course-1", UserID: "user-1",
		Content: "x", UpdatedAt: "not-a-timestamp",
	})

	if rec.updateCount() != 0 {
		t.Fatal("update with unparsable timestamp was applied")
	}
	if !rec.hasDiscard("bad-timestamp") {
		t.Fatal("expected bad-timestamp discard to be traced")
	}
}

func TestRequestSyncIsIgnored(t *testing.T) {
	transport := bus.NewMemory()
	rec := &recorder{}
	b := New(transport, SourceQuickNotes, testBinding(), rec.callbacks(), WithTabID("tab-o"))
	defer b.Close()

	inject(t, transport, Message{
		Type: TypeRequestSync, NoteID: "note-1", LessonID: "lesson-1",
		CourseID: "course-1", UserID: "user-1",
	})

	if rec.updateCount() != 0 || len(rec.created) != 0 || len(rec.deleted) != 0 {
		t.Fatalf("REQUEST_SYNC triggered callbacks: %+v", rec)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	transport := bus.NewMemory()
	rec := &recorder{}
	b := New(transport, SourceQuickNotes, testBinding(), rec.callbacks(), WithTabID("tab-p"))
	b.Close()
	b.Close()

	inject(t, transport, Message{
		Type: TypeNoteUpdated, NoteID: "note-1", LessonID: "lesson-1",
		CourseID: "course-1", UserID: "user-1",
		Content: "x", UpdatedAt: FormatTime(at(1)),
	})
	if rec.updateCount() != 0 {
		t.Fatal("closed bridge still receives messages")
	}
}
