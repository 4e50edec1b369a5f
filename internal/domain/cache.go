package domain

import (
	"context"
	"time"
)

// PriceCache stores the latest per-source answer for a pair. External
// collectors write it; the oracle layer reads it back as a price source.
type PriceCache interface {
	SetPrice(ctx context.Context, price OraclePrice) error
	GetPrice(ctx context.Context, pair Pair, source string) (OraclePrice, error)
	SetConsensus(ctx context.Context, result ConsensusResult) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int, block time.Duration) ([]StreamMessage, error)
}
