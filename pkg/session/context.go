package session

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ctxbudget/ctxbudget/pkg/tokens"
)

// SessionContext is a hard-capacity container of admitted files keyed by
// (branch, path). It is not a cache: once full, admissions fail until the
// caller removes something. Invariants held under concurrent access:
// totalFiles == len(files) and totalTokens == sum of per-file estimates.
type SessionContext struct {
	mu sync.Mutex

	sessionID string
	files     map[FileKey]FileContext

	totalTokens int
	maxFiles    int
	maxTokens   int

	estimator tokens.Estimator
}

// NewSessionContext creates an empty context with the given caps. A zero or
// negative cap admits nothing. A nil estimator falls back to the heuristic
// default.
func NewSessionContext(sessionID string, maxFiles, maxTokens int, est tokens.Estimator) *SessionContext {
	if est == nil {
		est = tokens.Default
	}
	return &SessionContext{
		sessionID: sessionID,
		files:     make(map[FileKey]FileContext),
		maxFiles:  maxFiles,
		maxTokens: maxTokens,
		estimator: est,
	}
}

// Add admits a file, returning false without mutation when the addition
// would exceed either cap. Overwriting an existing key releases the old
// entry's token estimate before the new one is accounted, so the running
// total never reflects both.
func (c *SessionContext) Add(in FileInput) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	// A non-positive cap admits nothing, including zero-estimate content.
	if c.maxFiles <= 0 || c.maxTokens <= 0 {
		return false
	}

	estimated := c.estimator.Estimate(in.Content)
	key := FileKey{Branch: in.Branch, Path: in.Path}

	projected := c.totalTokens + estimated
	if old, exists := c.files[key]; exists {
		projected -= old.TokenEstimate
	} else if len(c.files)+1 > c.maxFiles {
		return false
	}
	if projected > c.maxTokens {
		return false
	}

	size := in.Size
	if size <= 0 {
		size = len(in.Content)
	}
	now := time.Now().UnixMilli()
	c.files[key] = FileContext{
		Path:           in.Path,
		Branch:         in.Branch,
		Content:        in.Content,
		Size:           size,
		Language:       DetectLanguage(in.Path),
		FileType:       strings.TrimPrefix(filepath.Ext(in.Path), "."),
		TokenEstimate:  estimated,
		AddedAtMS:      now,
		LastAccessedMS: now,
	}
	c.totalTokens = projected
	return true
}

// Remove deletes the (path, branch) entry and releases its token estimate.
// Returns false if the entry is absent.
func (c *SessionContext) Remove(path, branch string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := FileKey{Branch: branch, Path: path}
	fc, exists := c.files[key]
	if !exists {
		return false
	}
	c.totalTokens -= fc.TokenEstimate
	delete(c.files, key)
	return true
}

// Clear empties the container and zeroes the counters. Always succeeds and
// is idempotent.
func (c *SessionContext) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files = make(map[FileKey]FileContext)
	c.totalTokens = 0
}

// Get returns a copy of the admitted file and refreshes its last-accessed
// timestamp.
func (c *SessionContext) Get(path, branch string) (FileContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := FileKey{Branch: branch, Path: path}
	fc, exists := c.files[key]
	if !exists {
		return FileContext{}, false
	}
	fc.LastAccessedMS = time.Now().UnixMilli()
	c.files[key] = fc
	return fc, true
}

// Files returns copies of all admitted files ordered by (branch, path).
// Read-only: last-accessed timestamps are untouched.
func (c *SessionContext) Files() []FileContext {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]FileContext, 0, len(c.files))
	for _, fc := range c.files {
		out = append(out, fc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Branch == out[j].Branch {
			return out[i].Path < out[j].Path
		}
		return out[i].Branch < out[j].Branch
	})
	return out
}

// TotalFiles returns the current file count.
func (c *SessionContext) TotalFiles() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.files)
}

// TotalTokens returns the running token estimate total.
func (c *SessionContext) TotalTokens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalTokens
}

// Summary builds the read-only projection used for external reporting. It
// must not mutate last-accessed timestamps.
func (c *SessionContext) Summary() ContextSummary {
	c.mu.Lock()
	defer c.mu.Unlock()

	files := make([]FileSummary, 0, len(c.files))
	for _, fc := range c.files {
		files = append(files, FileSummary{
			Path:          fc.Path,
			Branch:        fc.Branch,
			Size:          fc.Size,
			Language:      fc.Language,
			FileType:      fc.FileType,
			TokenEstimate: fc.TokenEstimate,
		})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].Branch == files[j].Branch {
			return files[i].Path < files[j].Path
		}
		return files[i].Branch < files[j].Branch
	})

	remainingFiles := c.maxFiles - len(c.files)
	if remainingFiles < 0 {
		remainingFiles = 0
	}
	remainingTokens := c.maxTokens - c.totalTokens
	if remainingTokens < 0 {
		remainingTokens = 0
	}
	return ContextSummary{
		SessionID:       c.sessionID,
		Files:           files,
		TotalFiles:      len(c.files),
		TotalTokens:     c.totalTokens,
		MaxFiles:        c.maxFiles,
		MaxTokens:       c.maxTokens,
		RemainingFiles:  remainingFiles,
		RemainingTokens: remainingTokens,
	}
}

var languageByExt = map[string]string{
	".go":    "go",
	".py":    "python",
	".ts":    "typescript",
	".tsx":   "typescript",
	".js":    "javascript",
	".jsx":   "javascript",
	".rs":    "rust",
	".java":  "java",
	".kt":    "kotlin",
	".rb":    "ruby",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".cc":    "cpp",
	".hpp":   "cpp",
	".cs":    "csharp",
	".sh":    "shell",
	".sql":   "sql",
	".md":    "markdown",
	".json":  "json",
	".yaml":  "yaml",
	".yml":   "yaml",
	".toml":  "toml",
	".html":  "html",
	".css":   "css",
	".proto": "protobuf",
}

// DetectLanguage classifies a file by extension. Unknown extensions map to
// the empty string.
func DetectLanguage(path string) string {
	return languageByExt[strings.ToLower(filepath.Ext(path))]
}
