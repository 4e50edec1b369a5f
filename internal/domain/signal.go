package domain

// Redis channel and stream names shared by producers and consumers.
const (
	// StreamOpportunities carries JSON-encoded Opportunity records from the
	// discovery side.
	StreamOpportunities = "opportunities"
	// StreamBatches keeps a durable history of BatchResult payloads.
	StreamBatches = "batches"

	ChannelBatch = "ch:batch"
	ChannelAlert = "ch:alert"
	ChannelState = "ch:state"
)

// Alert event names, also used to filter notifications.
const (
	EventBreakerTripped   = "circuit_breaker_tripped"
	EventBreakerReset     = "circuit_breaker_reset"
	EventHighFailureRatio = "high_failure_ratio"
	EventReconciliation   = "reconciliation"
)

// Alert is an operator-facing event.
type Alert struct {
	Event   string         `json:"event"`
	Title   string         `json:"title"`
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`
}
