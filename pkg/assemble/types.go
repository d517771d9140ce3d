package assemble

// Context type tags, ordered by how load-bearing each is for the model.
const (
	TypeSummary    = "summary"
	TypeStructural = "structural"
	TypeSnippet    = "snippet"
)

// ContextItem is a scored fragment of corpus content. Query-time only,
// never persisted; RelevanceScore is recomputed for every query.
type ContextItem struct {
	Content        string
	Priority       float64
	ContextType    string
	Source         string
	TokenEstimate  int
	RelevanceScore float64
}

// ContextLevel groups items under a shared sub-budget with item-count
// constraints. Levels are filled in declared order.
type ContextLevel struct {
	Name        string
	Description string
	Items       []ContextItem
	TokenLimit  int
	MinItems    int
	MaxItems    int
}

// Metrics describes one assembly run.
type Metrics struct {
	TotalTokensUsed  int
	AvailableBudget  int
	Utilization      float64
	ItemsPerLevel    map[string]int
	LevelsWithSignal int
	Error            string
}

// Result is the assembled prompt fragment plus its metrics.
type Result struct {
	ContextText string
	Metrics     Metrics
}
