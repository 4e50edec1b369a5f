package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time

	// Event restricts audit queries to one event name.
	Event string
}

// BatchStore persists cycle results and their executions.
type BatchStore interface {
	InsertBatch(ctx context.Context, batch BatchResult) error
	ListRecentExecutions(ctx context.Context, opts ListOpts) ([]ExecutionResult, error)
	GetBatch(ctx context.Context, id string) (BatchResult, error)
}

// PendingTxStore persists in-flight transactions so they can be reconciled
// after a restart.
type PendingTxStore interface {
	Upsert(ctx context.Context, tx PendingTx) error
	UpdateStage(ctx context.Context, txHash string, stage TxStage) error
	ListUnresolved(ctx context.Context) ([]PendingTx, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
