package tokens

// Estimator converts text into an estimated token count. Implementations
// must be deterministic and monotonic in text length so admission accounting
// stays stable across reads.
type Estimator interface {
	Estimate(text string) int
}

// EstimatorFunc adapts a plain function to Estimator.
type EstimatorFunc func(text string) int

func (f EstimatorFunc) Estimate(text string) int {
	return f(text)
}

// HeuristicEstimator approximates tokens by characters per token (default 4).
// It is intentionally cheap; swap in a precise tokenizer via the Estimator
// interface without touching admission logic.
type HeuristicEstimator struct {
	CharsPerToken int
}

func (e HeuristicEstimator) Estimate(text string) int {
	per := e.CharsPerToken
	if per <= 0 {
		per = 4
	}
	if text == "" {
		return 0
	}
	return (len(text) + per - 1) / per
}

// Default is the estimator used when callers do not supply one.
var Default Estimator = HeuristicEstimator{}
