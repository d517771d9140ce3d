package session

import (
	"fmt"
	"strings"
	"testing"

	"github.com/ctxbudget/ctxbudget/pkg/tokens"
)

// fixedEstimator returns one token per character, making budgets easy to
// reason about in tests.
type fixedEstimator struct{}

func (fixedEstimator) Estimate(text string) int { return len(text) }

func TestSessionContext_AdmissionAndAccounting(t *testing.T) {
	// max_files=2, max_tokens=1000, estimates of 400 each.
	ctx := NewSessionContext("s1", 2, 1000, fixedEstimator{})
	content := strings.Repeat("a", 400)

	if !ctx.Add(FileInput{Path: "a.go", Branch: "main", Content: content}) {
		t.Fatalf("add file A should succeed")
	}
	if got := ctx.TotalTokens(); got != 400 {
		t.Fatalf("expected 400 tokens after A, got %d", got)
	}
	if !ctx.Add(FileInput{Path: "b.go", Branch: "main", Content: content}) {
		t.Fatalf("add file B should succeed")
	}
	if got := ctx.TotalTokens(); got != 800 {
		t.Fatalf("expected 800 tokens after B, got %d", got)
	}

	// Third file exceeds max_files; state must be unchanged.
	if ctx.Add(FileInput{Path: "c.go", Branch: "main", Content: content}) {
		t.Fatalf("add file C should be rejected at max_files=2")
	}
	if ctx.TotalFiles() != 2 || ctx.TotalTokens() != 800 {
		t.Fatalf("rejection must not mutate state: files=%d tokens=%d", ctx.TotalFiles(), ctx.TotalTokens())
	}

	// Remove A, then C fits.
	if !ctx.Remove("a.go", "main") {
		t.Fatalf("remove A should succeed")
	}
	if ctx.TotalFiles() != 1 || ctx.TotalTokens() != 400 {
		t.Fatalf("after remove: files=%d tokens=%d", ctx.TotalFiles(), ctx.TotalTokens())
	}
	if !ctx.Add(FileInput{Path: "c.go", Branch: "main", Content: content}) {
		t.Fatalf("add file C should succeed after removal")
	}
	if ctx.TotalFiles() != 2 || ctx.TotalTokens() != 800 {
		t.Fatalf("after re-add: files=%d tokens=%d", ctx.TotalFiles(), ctx.TotalTokens())
	}
}

func TestSessionContext_TokenCapRejection(t *testing.T) {
	ctx := NewSessionContext("s1", 10, 100, fixedEstimator{})

	if !ctx.Add(FileInput{Path: "a.txt", Branch: "main", Content: strings.Repeat("x", 90)}) {
		t.Fatalf("first add should fit")
	}
	if ctx.Add(FileInput{Path: "b.txt", Branch: "main", Content: strings.Repeat("x", 20)}) {
		t.Fatalf("second add should exceed max_tokens=100")
	}
	if ctx.TotalFiles() != 1 || ctx.TotalTokens() != 90 {
		t.Fatalf("rejection mutated state: files=%d tokens=%d", ctx.TotalFiles(), ctx.TotalTokens())
	}
}

func TestSessionContext_OverwriteReplacesEstimate(t *testing.T) {
	ctx := NewSessionContext("s1", 5, 1000, fixedEstimator{})

	if !ctx.Add(FileInput{Path: "a.go", Branch: "main", Content: strings.Repeat("x", 600)}) {
		t.Fatalf("initial add should succeed")
	}
	// Overwrite with smaller content: old estimate released first, so this
	// fits even though 600+300 would not.
	if !ctx.Add(FileInput{Path: "a.go", Branch: "main", Content: strings.Repeat("y", 300)}) {
		t.Fatalf("overwrite should succeed")
	}
	if ctx.TotalFiles() != 1 {
		t.Fatalf("overwrite must not grow the file count, got %d", ctx.TotalFiles())
	}
	if got := ctx.TotalTokens(); got != 300 {
		t.Fatalf("total must reflect only the new content, got %d", got)
	}
}

func TestSessionContext_ZeroCapsAdmitNothing(t *testing.T) {
	zeroFiles := NewSessionContext("s1", 0, 1000, fixedEstimator{})
	if zeroFiles.Add(FileInput{Path: "a", Branch: "b", Content: "x"}) {
		t.Fatalf("max_files=0 must reject every add")
	}

	zeroTokens := NewSessionContext("s2", 10, 0, fixedEstimator{})
	if zeroTokens.Add(FileInput{Path: "a", Branch: "b", Content: "x"}) {
		t.Fatalf("max_tokens=0 must reject every add")
	}
	// Empty content estimates to zero tokens; the cap still rejects it.
	if zeroTokens.Add(FileInput{Path: "empty", Branch: "b", Content: ""}) {
		t.Fatalf("max_tokens=0 must reject zero-estimate content too")
	}
	if zeroFiles.Add(FileInput{Path: "empty", Branch: "b", Content: ""}) {
		t.Fatalf("max_files=0 must reject zero-estimate content too")
	}
	if zeroTokens.TotalFiles() != 0 || zeroTokens.TotalTokens() != 0 {
		t.Fatalf("rejections mutated state: files=%d tokens=%d", zeroTokens.TotalFiles(), zeroTokens.TotalTokens())
	}
}

func TestSessionContext_BranchIsPartOfIdentity(t *testing.T) {
	ctx := NewSessionContext("s1", 10, 1000, fixedEstimator{})

	if !ctx.Add(FileInput{Path: "a.go", Branch: "main", Content: "aaaa"}) {
		t.Fatalf("add main branch")
	}
	if !ctx.Add(FileInput{Path: "a.go", Branch: "dev", Content: "bbbb"}) {
		t.Fatalf("same path on another branch is a distinct entry")
	}
	if ctx.TotalFiles() != 2 {
		t.Fatalf("expected 2 entries, got %d", ctx.TotalFiles())
	}
	if ctx.Remove("a.go", "feature") {
		t.Fatalf("remove on unknown branch must return false")
	}
	if !ctx.Remove("a.go", "dev") {
		t.Fatalf("remove on dev branch should succeed")
	}
}

func TestSessionContext_ClearIsIdempotent(t *testing.T) {
	ctx := NewSessionContext("s1", 10, 1000, fixedEstimator{})
	ctx.Add(FileInput{Path: "a.go", Branch: "main", Content: "aaaa"})

	ctx.Clear()
	if ctx.TotalFiles() != 0 || ctx.TotalTokens() != 0 {
		t.Fatalf("clear must zero both counters")
	}
	ctx.Clear()
	if ctx.TotalFiles() != 0 || ctx.TotalTokens() != 0 {
		t.Fatalf("second clear must be a no-op")
	}
	if !ctx.Add(FileInput{Path: "a.go", Branch: "main", Content: "aaaa"}) {
		t.Fatalf("add after clear should succeed")
	}
}

func TestSessionContext_InvariantsAcrossOperations(t *testing.T) {
	est := tokens.HeuristicEstimator{}
	ctx := NewSessionContext("s1", 50, 100000, est)

	check := func(step string) {
		files := ctx.Files()
		sum := 0
		for _, fc := range files {
			sum += fc.TokenEstimate
		}
		if len(files) != ctx.TotalFiles() {
			t.Fatalf("%s: total_files=%d but len(files)=%d", step, ctx.TotalFiles(), len(files))
		}
		if sum != ctx.TotalTokens() {
			t.Fatalf("%s: total_tokens=%d but sum=%d", step, ctx.TotalTokens(), sum)
		}
	}

	ops := []func(){
		func() { ctx.Add(FileInput{Path: "a.go", Branch: "main", Content: strings.Repeat("x", 123)}) },
		func() { ctx.Add(FileInput{Path: "b.py", Branch: "main", Content: strings.Repeat("y", 57)}) },
		func() { ctx.Add(FileInput{Path: "a.go", Branch: "main", Content: strings.Repeat("z", 999)}) },
		func() { ctx.Remove("b.py", "main") },
		func() { ctx.Remove("missing", "main") },
		func() { ctx.Add(FileInput{Path: "c.ts", Branch: "dev", Content: strings.Repeat("w", 300)}) },
		func() { ctx.Clear() },
		func() { ctx.Add(FileInput{Path: "d.rs", Branch: "main", Content: strings.Repeat("v", 48)}) },
	}
	for i, op := range ops {
		op()
		check(fmt.Sprintf("op %d", i))
	}
}

func TestSessionContext_SummaryDoesNotTouchLastAccessed(t *testing.T) {
	ctx := NewSessionContext("s1", 10, 1000, fixedEstimator{})
	ctx.Add(FileInput{Path: "a.py", Branch: "main", Content: "print('hi')"})

	before, ok := func() (int64, bool) {
		files := ctx.Files()
		if len(files) == 0 {
			return 0, false
		}
		return files[0].LastAccessedMS, true
	}()
	if !ok {
		t.Fatalf("expected one file")
	}

	summary := ctx.Summary()
	if summary.TotalFiles != 1 {
		t.Fatalf("expected 1 file in summary, got %d", summary.TotalFiles)
	}
	if summary.Files[0].Language != "python" {
		t.Fatalf("expected python language, got %q", summary.Files[0].Language)
	}

	after := ctx.Files()[0].LastAccessedMS
	if after != before {
		t.Fatalf("summary mutated last accessed: before=%d after=%d", before, after)
	}

	// Get, by contrast, refreshes it.
	if _, ok := ctx.Get("a.py", "main"); !ok {
		t.Fatalf("get should find the file")
	}
}
