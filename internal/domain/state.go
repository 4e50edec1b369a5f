package domain

import (
	"math/big"
	"time"
)

// OrchestratorState is a point-in-time view of the orchestrator's counters.
// The live state is owned by the coordination loop; values of this type are
// copies handed to readers.
type OrchestratorState struct {
	ConsecutiveFailures int               `json:"consecutive_failures"`
	BreakerOpen         bool              `json:"breaker_open"`
	BreakerTrippedAt    *time.Time        `json:"breaker_tripped_at,omitempty"`
	Cycles              int64             `json:"cycles"`
	TotalExecutions     int64             `json:"total_executions"`
	TotalSucceeded      int64             `json:"total_succeeded"`
	TotalProfit         *big.Int          `json:"total_profit"`
	LastBatchID         string            `json:"last_batch_id,omitempty"`
	LastCycleAt         *time.Time        `json:"last_cycle_at,omitempty"`
	Nonces              map[string]uint64 `json:"nonces,omitempty"`
}

// Clone returns a deep copy.
func (s OrchestratorState) Clone() OrchestratorState {
	out := s
	if s.TotalProfit != nil {
		out.TotalProfit = new(big.Int).Set(s.TotalProfit)
	}
	if s.BreakerTrippedAt != nil {
		t := *s.BreakerTrippedAt
		out.BreakerTrippedAt = &t
	}
	if s.LastCycleAt != nil {
		t := *s.LastCycleAt
		out.LastCycleAt = &t
	}
	if s.Nonces != nil {
		out.Nonces = make(map[string]uint64, len(s.Nonces))
		for k, v := range s.Nonces {
			out.Nonces[k] = v
		}
	}
	return out
}
