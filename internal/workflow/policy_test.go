package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckTermination(t *testing.T) {
	lim := Limits{MaxIterations: 5, TimeoutSeconds: 60, BudgetUSD: 1.0}

	tests := []struct {
		name   string
		state  LoopState
		limits Limits
		done   bool
		reason TerminationReason
	}{
		{
			name:   "continue under all limits",
			state:  LoopState{Iterations: 2, CostUSD: 0.5, ElapsedSeconds: 10},
			limits: lim,
			done:   false,
			reason: ReasonNone,
		},
		{
			name:   "completion signal",
			state:  LoopState{Iterations: 1, CompletionSignaled: true},
			limits: lim,
			done:   true,
			reason: ReasonCompletionSignal,
		},
		{
			name:   "iterations exhausted",
			state:  LoopState{Iterations: 5},
			limits: lim,
			done:   true,
			reason: ReasonIterations,
		},
		{
			name:   "budget exhausted",
			state:  LoopState{Iterations: 2, CostUSD: 1.0},
			limits: lim,
			done:   true,
			reason: ReasonBudget,
		},
		{
			name:   "timeout",
			state:  LoopState{Iterations: 2, ElapsedSeconds: 60},
			limits: lim,
			done:   true,
			reason: ReasonTimeout,
		},
		{
			name:   "completion wins over exhaustion",
			state:  LoopState{Iterations: 5, CompletionSignaled: true, CostUSD: 2.0, ElapsedSeconds: 120},
			limits: lim,
			done:   true,
			reason: ReasonCompletionSignal,
		},
		{
			name:   "timeout wins over budget and iterations",
			state:  LoopState{Iterations: 5, CostUSD: 2.0, ElapsedSeconds: 120},
			limits: lim,
			done:   true,
			reason: ReasonTimeout,
		},
		{
			name:   "zero timeout disables the check",
			state:  LoopState{Iterations: 1, ElapsedSeconds: 1e9},
			limits: Limits{MaxIterations: 5},
			done:   false,
			reason: ReasonNone,
		},
		{
			name:   "zero budget disables the check",
			state:  LoopState{Iterations: 1, CostUSD: 1e6},
			limits: Limits{MaxIterations: 5},
			done:   false,
			reason: ReasonNone,
		},
		{
			name:   "unset iteration limit falls back to default",
			state:  LoopState{Iterations: DefaultMaxIterations},
			limits: Limits{},
			done:   true,
			reason: ReasonIterations,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := CheckTermination(tt.state, tt.limits)
			assert.Equal(t, tt.done, d.Done)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestCheckTerminationIsPure(t *testing.T) {
	st := LoopState{Iterations: 3, CostUSD: 0.2, ElapsedSeconds: 5}
	lim := Limits{MaxIterations: 5, TimeoutSeconds: 60, BudgetUSD: 1.0}

	first := CheckTermination(st, lim)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, CheckTermination(st, lim))
	}
}
