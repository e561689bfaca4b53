package search

// Result is a single note hit returned to the caller.
type Result struct {
	NoteID   string `json:"noteId"`
	LessonID string `json:"lessonId"`
	CourseID string `json:"courseId"`
	Snippet  string `json:"snippet"`
}

// Query describes a search over one user's notes.
type Query struct {
	Text     string
	UserID   string
	CourseID string // empty = all courses
	LessonID string // empty = all lessons
	Limit    int
	Offset   int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// NoteRecord is the data we index for a note.
type NoteRecord struct {
	ID       string `json:"id"`
	UserID   string `json:"userId"`
	CourseID string `json:"courseId"`
	LessonID string `json:"lessonId"`
	Content  string `json:"content"`
}
