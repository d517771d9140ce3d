package assemble

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/ctxbudget/ctxbudget/pkg/logger"
	"github.com/ctxbudget/ctxbudget/pkg/tokens"
)

const (
	defaultTotalBudget     = 8192
	defaultReservedFrac    = 0.3
	earlyStopUtilization   = 0.8
	maxSnippetChars        = 280
	summaryBudgetPercent   = 40
	detailBudgetPercent    = 40
	specificsBudgetPercent = 20
)

// Fixed per-type relevance boost. Summaries carry the most signal per
// token, so they surface first on equal lexical overlap.
var typeBoost = map[string]float64{
	TypeSummary:    0.2,
	TypeStructural: 0.1,
	TypeSnippet:    0.05,
}

// Assembler turns a raw corpus into a leveled, relevance-ranked,
// budget-constrained context block. Stateless per call; safe for
// concurrent use.
type Assembler struct {
	estimator tokens.Estimator
}

// NewAssembler creates an assembler. A nil estimator falls back to the
// heuristic default.
func NewAssembler(est tokens.Estimator) *Assembler {
	if est == nil {
		est = tokens.Default
	}
	return &Assembler{estimator: est}
}

// Assemble derives leveled items from corpus, scores them against query,
// and greedily selects within totalBudget minus the reserved fraction.
// It never panics past this boundary: any internal failure yields a
// degraded result that still carries the query and an error note.
func (a *Assembler) Assemble(corpus, query string, totalBudget int, reservedFraction float64) (res Result) {
	if totalBudget <= 0 {
		totalBudget = defaultTotalBudget
	}
	if reservedFraction <= 0 || reservedFraction >= 1 {
		reservedFraction = defaultReservedFrac
	}
	available := totalBudget - int(float64(totalBudget)*reservedFraction)

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("assemble", "Assembly degraded", map[string]interface{}{
				"error": fmt.Sprintf("%v", r),
			})
			res = degradedResult(query, available, fmt.Sprintf("%v", r))
		}
	}()

	levels := a.deriveLevels(corpus, available)
	scoreLevels(levels, query)
	selected, used := selectItems(levels, available)

	return Result{
		ContextText: render(query, levels, selected, used, available),
		Metrics:     buildMetrics(levels, selected, used, available),
	}
}

// deriveLevels produces the three-level shape: one aggregate summary item,
// structural-marker detail items, and size-capped verbatim excerpts.
func (a *Assembler) deriveLevels(corpus string, available int) []ContextLevel {
	levels := []ContextLevel{
		{
			Name:        "summary",
			Description: "High-level overview of the corpus",
			TokenLimit:  available * summaryBudgetPercent / 100,
			MinItems:    1,
			MaxItems:    5,
		},
		{
			Name:        "detail",
			Description: "Structural declarations and sections",
			TokenLimit:  available * detailBudgetPercent / 100,
			MinItems:    0,
			MaxItems:    8,
		},
		{
			Name:        "specifics",
			Description: "Verbatim excerpts",
			TokenLimit:  available * specificsBudgetPercent / 100,
			MinItems:    0,
			MaxItems:    3,
		},
	}

	corpus = strings.TrimSpace(corpus)
	if corpus == "" {
		return levels
	}

	lines := strings.Split(corpus, "\n")
	paths := pathTokens(corpus)
	categories := extensionCategories(paths)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Corpus overview: %d lines", len(lines))
	if len(paths) > 0 {
		fmt.Fprintf(&sb, ", %d file references", len(paths))
	}
	if len(categories) > 0 {
		fmt.Fprintf(&sb, ". Categories: %s", strings.Join(categories, ", "))
	}
	notable := paths
	if len(notable) > 5 {
		notable = notable[:5]
	}
	if len(notable) > 0 {
		fmt.Fprintf(&sb, ". Notable entries: %s", strings.Join(notable, ", "))
	}
	fmt.Fprintf(&sb, ". Head: %s", flatten(headExcerpt(corpus, 200)))
	levels[0].Items = append(levels[0].Items, a.newItem(sb.String(), 0.9, TypeSummary, "corpus"))

	currentUnit := "corpus"
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if unit, ok := fileMarker(trimmed); ok {
			currentUnit = unit
			continue
		}
		if !structuralMarker(trimmed) {
			continue
		}
		if len(levels[1].Items) >= levels[1].MaxItems {
			break
		}
		source := currentUnit
		if source == "corpus" {
			source = fmt.Sprintf("line %d", i+1)
		}
		levels[1].Items = append(levels[1].Items, a.newItem(trimmed, 0.7, TypeStructural, source))
	}

	for i, para := range strings.Split(corpus, "\n\n") {
		if len(levels[2].Items) >= levels[2].MaxItems {
			break
		}
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		para = truncate(para, maxSnippetChars)
		levels[2].Items = append(levels[2].Items, a.newItem(para, 0.5, TypeSnippet, fmt.Sprintf("excerpt %d", i+1)))
	}

	return levels
}

func (a *Assembler) newItem(content string, priority float64, contextType, source string) ContextItem {
	return ContextItem{
		Content:       content,
		Priority:      priority,
		ContextType:   contextType,
		Source:        source,
		TokenEstimate: a.estimator.Estimate(content),
	}
}

// scoreLevels recomputes every item's relevance for this query: lexical
// overlap with the query word set (or base priority when the query has no
// words), plus the per-type boost, averaged with priority, clamped to [0,1].
func scoreLevels(levels []ContextLevel, query string) {
	queryWords := wordSet(query)
	for li := range levels {
		for ii := range levels[li].Items {
			item := &levels[li].Items[ii]

			overlap := item.Priority
			if len(queryWords) > 0 {
				contentWords := wordSet(item.Content)
				matched := 0
				for w := range queryWords {
					if _, ok := contentWords[w]; ok {
						matched++
					}
				}
				overlap = float64(matched) / float64(len(queryWords))
			}

			score := ((overlap + typeBoost[item.ContextType]) + item.Priority) / 2
			item.RelevanceScore = clamp01(score)
		}
	}
}

// selectItems walks levels in declared order, items in stable
// (relevance+priority)/2 order, including each item only if it fits the
// level sub-budget, the global available budget, and the level's max count.
// Once a level's min count is satisfied and global usage passes 80% of the
// available budget, the level stops early; the check runs again after every
// inclusion.
func selectItems(levels []ContextLevel, available int) ([][]ContextItem, int) {
	selected := make([][]ContextItem, len(levels))
	global := 0

	for li := range levels {
		level := &levels[li]

		order := make([]int, len(level.Items))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool {
			ia, ib := level.Items[order[a]], level.Items[order[b]]
			return (ia.RelevanceScore+ia.Priority)/2 > (ib.RelevanceScore+ib.Priority)/2
		})

		levelTokens := 0
		for _, idx := range order {
			if len(selected[li]) >= level.MaxItems {
				break
			}
			if len(selected[li]) >= level.MinItems && float64(global) > earlyStopUtilization*float64(available) {
				break
			}
			item := level.Items[idx]
			if levelTokens+item.TokenEstimate > level.TokenLimit {
				continue
			}
			if global+item.TokenEstimate > available {
				continue
			}
			selected[li] = append(selected[li], item)
			levelTokens += item.TokenEstimate
			global += item.TokenEstimate
		}
	}
	return selected, global
}

func render(query string, levels []ContextLevel, selected [][]ContextItem, used, available int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n", query)

	for li, level := range levels {
		fmt.Fprintf(&b, "\n## %s\n", titleCase(level.Name))
		if len(selected[li]) == 0 {
			if level.MinItems > 0 {
				b.WriteString("- No relevant information found for this level.\n")
			}
			continue
		}
		for _, item := range selected[li] {
			fmt.Fprintf(&b, "- %s\n", flatten(item.Content))
		}
	}

	utilization := 0.0
	if available > 0 {
		utilization = float64(used) / float64(available) * 100
	}
	fmt.Fprintf(&b, "\n---\nContext metrics: tokens_used=%d available=%d utilization=%.1f%%\n", used, available, utilization)
	return b.String()
}

func buildMetrics(levels []ContextLevel, selected [][]ContextItem, used, available int) Metrics {
	m := Metrics{
		TotalTokensUsed: used,
		AvailableBudget: available,
		ItemsPerLevel:   make(map[string]int, len(levels)),
	}
	if available > 0 {
		m.Utilization = float64(used) / float64(available) * 100
	}
	for li, level := range levels {
		m.ItemsPerLevel[level.Name] = len(selected[li])
		for _, item := range level.Items {
			if item.RelevanceScore > 0 {
				m.LevelsWithSignal++
				break
			}
		}
	}
	return m
}

func degradedResult(query string, available int, errMsg string) Result {
	text := fmt.Sprintf("Query: %s\n\n[context assembly degraded: %s]\n", query, errMsg)
	return Result{
		ContextText: text,
		Metrics: Metrics{
			AvailableBudget: available,
			ItemsPerLevel:   map[string]int{},
			Error:           errMsg,
		},
	}
}

func wordSet(text string) map[string]struct{} {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	})
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		if w != "" {
			set[w] = struct{}{}
		}
	}
	return set
}

// pathTokens collects file-path-looking tokens (a dot-separated extension,
// no spaces) in order of first appearance.
func pathTokens(corpus string) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, field := range strings.Fields(corpus) {
		token := strings.Trim(field, ".,;:()[]{}\"'`")
		dot := strings.LastIndex(token, ".")
		if dot <= 0 || dot == len(token)-1 {
			continue
		}
		ext := token[dot+1:]
		if len(ext) > 5 || !alphanumeric(ext) || isNumeric(ext) {
			continue
		}
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		out = append(out, token)
	}
	return out
}

func extensionCategories(paths []string) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, p := range paths {
		ext := p[strings.LastIndex(p, "."):]
		if _, ok := seen[ext]; ok {
			continue
		}
		seen[ext] = struct{}{}
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

var structuralPrefixes = []string{
	"func ", "type ", "class ", "def ", "interface ", "struct ",
	"public ", "private ", "module ", "package ", "# ", "## ",
}

func structuralMarker(line string) bool {
	for _, p := range structuralPrefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

func fileMarker(line string) (string, bool) {
	for _, prefix := range []string{"File:", "FILE:", "file:"} {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix)), true
		}
	}
	return "", false
}

func headExcerpt(corpus string, max int) string {
	return truncate(corpus, max)
}

// truncate caps s at max bytes, backing off to a rune boundary so the cut
// never produces invalid UTF-8.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

func flatten(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func alphanumeric(s string) bool {
	for _, r := range s {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return s != ""
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
