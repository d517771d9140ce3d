package session

// Status is the lifecycle state of a chat session.
type Status string

const (
	StatusActive  Status = "active"
	StatusPaused  Status = "paused"
	StatusClosed  Status = "closed"
	StatusExpired Status = "expired"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusExpired
}

// FileKey identifies one attached file within a session context.
type FileKey struct {
	Branch string
	Path   string
}

// FileContext is one admitted file: content plus admission-time metadata.
// Values are immutable once admitted; replacing content is remove-then-add.
type FileContext struct {
	Path           string
	Branch         string
	Content        string
	Size           int
	Language       string
	FileType       string
	TokenEstimate  int
	AddedAtMS      int64
	LastAccessedMS int64
}

// Key returns the composite identity of the file within its context.
func (f FileContext) Key() FileKey {
	return FileKey{Branch: f.Branch, Path: f.Path}
}

// FileInput is the caller-supplied shape for admitting a file.
type FileInput struct {
	Path    string
	Branch  string
	Content string
	Size    int
}

// ChatSession captures persistent per-conversation state. The owned
// SessionContext is created and destroyed with the session.
type ChatSession struct {
	SessionID      string
	UserID         string
	Title          string
	RepositoryID   string
	Branch         string
	Status         Status
	MessageCount   int
	CreatedAtMS    int64
	UpdatedAtMS    int64
	LastActivityMS int64
}

// SessionUpdate is the whitelist of mutable session fields. Nil pointers
// leave the field untouched.
type SessionUpdate struct {
	Title        *string
	RepositoryID *string
	Branch       *string
	Status       *Status
}

// SessionMessage is an append-only conversation record. Never mutated after
// creation; removed only when the owning session is deleted.
type SessionMessage struct {
	MessageID       string
	SessionID       string
	Role            string
	Content         string
	FilesReferenced []string
	CodeSnippets    []string
	Metadata        map[string]string
	CreatedAtMS     int64
}

// FileSummary is the read-only projection of one attached file.
type FileSummary struct {
	Path          string
	Branch        string
	Size          int
	Language      string
	FileType      string
	TokenEstimate int
}

// ContextSummary is the read-only projection of a session context. Building
// it does not touch last-accessed timestamps.
type ContextSummary struct {
	SessionID       string
	Files           []FileSummary
	TotalFiles      int
	TotalTokens     int
	MaxFiles        int
	MaxTokens       int
	RemainingFiles  int
	RemainingTokens int
}

// ManagerStats are aggregate observability counters. Reading them does not
// mutate session state.
type ManagerStats struct {
	TotalSessions  int
	ActiveSessions int
	TotalMessages  int
	ExpiredSwept   int64
}
