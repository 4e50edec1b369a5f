package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// Postgres persists batches and their executions.
type Postgres struct {
	store domain.BatchStore
}

// NewPostgres creates a sink over a batch store.
func NewPostgres(store domain.BatchStore) *Postgres {
	return &Postgres{store: store}
}

func (p *Postgres) Name() string { return "postgres" }

func (p *Postgres) Emit(ctx context.Context, b domain.BatchResult) error {
	return p.store.InsertBatch(ctx, b)
}

// Publisher is the subset of the signal bus the Redis sink needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}

// Redis publishes each batch on ChannelBatch for live consumers and appends
// it to StreamBatches for history.
type Redis struct {
	bus Publisher
}

// NewRedis creates a sink over the signal bus.
func NewRedis(bus Publisher) *Redis {
	return &Redis{bus: bus}
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) Emit(ctx context.Context, b domain.BatchResult) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("sink: marshal batch %s: %w", b.ID, err)
	}
	if err := r.bus.Publish(ctx, domain.ChannelBatch, payload); err != nil {
		return err
	}
	return r.bus.StreamAppend(ctx, domain.StreamBatches, payload)
}

// S3 archives each batch as one JSON object under batches/YYYY/MM/DD/<id>.json.
type S3 struct {
	writer domain.ArchiveWriter
}

// NewS3 creates an archive sink.
func NewS3(w domain.ArchiveWriter) *S3 {
	return &S3{writer: w}
}

func (s *S3) Name() string { return "s3" }

func (s *S3) Emit(ctx context.Context, b domain.BatchResult) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(b); err != nil {
		return fmt.Errorf("sink: encode batch %s: %w", b.ID, err)
	}
	return s.writer.Put(ctx, ArchivePath(b), buf.Bytes(), "application/json")
}

// ArchivePath returns the object path for a batch, partitioned by the UTC
// day the cycle started.
func ArchivePath(b domain.BatchResult) string {
	return fmt.Sprintf("batches/%s/%s.json", b.StartedAt.UTC().Format("2006/01/02"), b.ID)
}
