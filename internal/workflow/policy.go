package workflow

// ExhaustionPolicy controls how a run that uses up its iteration budget
// without an explicit completion signal is finalized.
type ExhaustionPolicy string

const (
	// ExhaustComplete treats the last assistant response as the result.
	ExhaustComplete ExhaustionPolicy = "complete"
	// ExhaustFail marks the run failed with an iterations_exhausted code.
	ExhaustFail ExhaustionPolicy = "fail"
)

// Limits are the per-run resource bounds. Zero values disable the
// corresponding check except MaxIterations, which always has a floor.
type Limits struct {
	MaxIterations  int              `json:"max_iterations"`
	TimeoutSeconds int              `json:"timeout_seconds"`
	BudgetUSD      float64          `json:"budget_usd"`
	Exhaustion     ExhaustionPolicy `json:"exhaustion"`
}

// DefaultMaxIterations bounds runs whose agent and request both leave the
// iteration limit unset.
const DefaultMaxIterations = 20

func (l Limits) maxIterations() int {
	if l.MaxIterations > 0 {
		return l.MaxIterations
	}
	return DefaultMaxIterations
}

// TerminationReason identifies which bound ended the loop
type TerminationReason string

const (
	ReasonNone             TerminationReason = ""
	ReasonCompletionSignal TerminationReason = "completion_signal"
	ReasonTimeout          TerminationReason = "timeout"
	ReasonBudget           TerminationReason = "budget_exhausted"
	ReasonIterations       TerminationReason = "iterations_exhausted"
)

// LoopState is the slice of run progress the termination check reads
type LoopState struct {
	Iterations         int     `json:"iterations"`
	CompletionSignaled bool    `json:"completion_signaled"`
	CostUSD            float64 `json:"cost_usd"`
	ElapsedSeconds     float64 `json:"elapsed_seconds"`
}

// Decision is the outcome of one termination check
type Decision struct {
	Done   bool              `json:"done"`
	Reason TerminationReason `json:"reason"`
}

// CheckTermination evaluates every termination condition against the
// current state and reports the first that holds. It is a pure function:
// evaluating it never mutates the run. Each condition is checked every
// time so none can mask another; precedence only orders the reported
// reason when several hold at once.
func CheckTermination(st LoopState, lim Limits) Decision {
	if st.CompletionSignaled {
		return Decision{Done: true, Reason: ReasonCompletionSignal}
	}
	if lim.TimeoutSeconds > 0 && st.ElapsedSeconds >= float64(lim.TimeoutSeconds) {
		return Decision{Done: true, Reason: ReasonTimeout}
	}
	if lim.BudgetUSD > 0 && st.CostUSD >= lim.BudgetUSD {
		return Decision{Done: true, Reason: ReasonBudget}
	}
	if st.Iterations >= lim.maxIterations() {
		return Decision{Done: true, Reason: ReasonIterations}
	}
	return Decision{Done: false, Reason: ReasonNone}
}
