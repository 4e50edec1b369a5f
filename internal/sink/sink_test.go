package sink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/metrics"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type recordingSink struct {
	name string
	err  error
	gate chan struct{}

	mu      sync.Mutex
	batches []string
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Emit(_ context.Context, b domain.BatchResult) error {
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	r.batches = append(r.batches, b.ID)
	r.mu.Unlock()
	return r.err
}

func (r *recordingSink) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.batches...)
}

func testBatch(id string) domain.BatchResult {
	return domain.BatchResult{
		ID:          id,
		StartedAt:   time.Date(2026, 10, 16, 23, 59, 0, 0, time.UTC),
		CompletedAt: time.Date(2026, 10, 17, 0, 0, 1, 0, time.UTC),
		TotalProfit: big.NewInt(1_000_000_000_000_000_000),
	}
}

func TestMultiIsolatesFailures(t *testing.T) {
	bad := &recordingSink{name: "bad", err: errors.New("boom")}
	good := &recordingSink{name: "good"}
	m := NewMulti(metrics.New("test"), discard(), bad, good)

	err := m.Emit(context.Background(), testBatch("b1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Equal(t, []string{"b1"}, bad.ids())
	assert.Equal(t, []string{"b1"}, good.ids())
}

func TestAsyncDropsWhenFull(t *testing.T) {
	gate := make(chan struct{})
	next := &recordingSink{name: "slow", gate: gate}
	a := NewAsync(next, 1, nil, discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = a.Run(ctx)
		close(done)
	}()

	require.NoError(t, a.Emit(ctx, testBatch("b1")))
	// Wait until the worker has taken b1 and is blocked on the gate.
	require.Eventually(t, func() bool { return len(a.queue) == 0 }, time.Second, time.Millisecond)

	require.NoError(t, a.Emit(ctx, testBatch("b2")))
	start := time.Now()
	require.NoError(t, a.Emit(ctx, testBatch("b3")))
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	close(gate)
	require.Eventually(t, func() bool { return len(next.ids()) == 2 }, time.Second, time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, []string{"b1", "b2"}, next.ids())
}

func TestAsyncDrainsOnShutdown(t *testing.T) {
	next := &recordingSink{name: "rec"}
	a := NewAsync(next, 4, nil, discard())
	for _, id := range []string{"b1", "b2", "b3"} {
		require.NoError(t, a.Emit(context.Background(), testBatch(id)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, a.Run(ctx))
	assert.Len(t, next.ids(), 3)
}

type fakeBus struct {
	published map[string][]byte
	streamed  map[string][]byte
	err       error
}

func (f *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.published[channel] = payload
	return nil
}

func (f *fakeBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	f.streamed[stream] = payload
	return nil
}

func TestRedisPublishesAndAppends(t *testing.T) {
	bus := &fakeBus{published: map[string][]byte{}, streamed: map[string][]byte{}}
	require.NoError(t, NewRedis(bus).Emit(context.Background(), testBatch("b1")))

	var got domain.BatchResult
	require.NoError(t, json.Unmarshal(bus.published[domain.ChannelBatch], &got))
	assert.Equal(t, "b1", got.ID)
	assert.Equal(t, "1000000000000000000", got.TotalProfit.String())
	assert.Equal(t, bus.published[domain.ChannelBatch], bus.streamed[domain.StreamBatches])

	bus.err = errors.New("down")
	assert.Error(t, NewRedis(bus).Emit(context.Background(), testBatch("b2")))
}

type memBlob struct {
	objects map[string][]byte
	types   map[string]string
}

func (m *memBlob) Put(_ context.Context, path string, body []byte, contentType string) error {
	m.objects[path] = body
	m.types[path] = contentType
	return nil
}

func TestS3ArchivesByStartDay(t *testing.T) {
	blob := &memBlob{objects: map[string][]byte{}, types: map[string]string{}}
	b := testBatch("b1")
	require.NoError(t, NewS3(blob).Emit(context.Background(), b))

	path := "batches/2026/10/16/b1.json"
	assert.Equal(t, path, ArchivePath(b))
	require.Contains(t, blob.objects, path)
	assert.Equal(t, "application/json", blob.types[path])
	assert.Contains(t, string(blob.objects[path]), `"id":"b1"`)
}

type fakeStore struct {
	inserted []string
}

func (f *fakeStore) InsertBatch(_ context.Context, b domain.BatchResult) error {
	f.inserted = append(f.inserted, b.ID)
	return nil
}

func (f *fakeStore) ListRecentExecutions(context.Context, domain.ListOpts) ([]domain.ExecutionResult, error) {
	return nil, nil
}

func (f *fakeStore) GetBatch(context.Context, string) (domain.BatchResult, error) {
	return domain.BatchResult{}, domain.ErrNotFound
}

func TestPostgresInserts(t *testing.T) {
	store := &fakeStore{}
	require.NoError(t, NewPostgres(store).Emit(context.Background(), testBatch("b1")))
	assert.Equal(t, []string{"b1"}, store.inserted)
}
