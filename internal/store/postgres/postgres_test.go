package postgres

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// setupClient starts a PostgreSQL container and returns a migrated client.
func setupClient(t *testing.T) *Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("arbengine"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	client, err := New(ctx, ClientConfig{DSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	require.NoError(t, client.RunMigrations(ctx))
	// Second run is a no-op.
	require.NoError(t, client.RunMigrations(ctx))
	return client
}

func TestPostgresStores(t *testing.T) {
	client := setupClient(t)
	ctx := context.Background()

	t.Run("batch round trip", func(t *testing.T) {
		store := NewBatchStore(client.Pool())
		now := time.Now().UTC().Truncate(time.Microsecond)
		nonce := uint64(7)
		huge, _ := new(big.Int).SetString("123456789012345678901234567890", 10)

		batch := domain.BatchResult{
			ID:          uuid.NewString(),
			StartedAt:   now.Add(-time.Second),
			CompletedAt: now,
			Discarded:   1,
			Results: []domain.ExecutionResult{
				{
					OpportunityID:  "opp-1",
					ChainID:        137,
					Wallet:         "0xabc",
					Success:        true,
					Status:         domain.ExecSucceeded,
					Stage:          domain.StageDone,
					TxHash:         "0x01",
					Nonce:          &nonce,
					RealizedProfit: huge,
					GasUsed:        150000,
					GasCost:        big.NewInt(3_750_000_000_000_000),
					Attempts:       1,
					Timestamp:      now,
				},
				{
					OpportunityID:  "opp-2",
					ChainID:        137,
					Status:         domain.ExecFailed,
					Stage:          domain.StageValidating,
					RealizedProfit: new(big.Int),
					GasCost:        new(big.Int),
					ErrorKind:      domain.KindUnprofitableAfterGas,
					Error:          "below minimum",
					Timestamp:      now.Add(time.Millisecond),
				},
			},
		}
		batch.Tally()
		require.NoError(t, store.InsertBatch(ctx, batch))

		got, err := store.GetBatch(ctx, batch.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.Total)
		assert.Equal(t, 1, got.Succeeded)
		assert.Equal(t, 1, got.Discarded)
		assert.Equal(t, 0, huge.Cmp(got.TotalProfit))
		require.Len(t, got.Results, 2)
		assert.Equal(t, "opp-1", got.Results[0].OpportunityID)
		require.NotNil(t, got.Results[0].Nonce)
		assert.Equal(t, nonce, *got.Results[0].Nonce)
		assert.Nil(t, got.Results[1].Nonce)
		assert.Equal(t, domain.KindUnprofitableAfterGas, got.Results[1].ErrorKind)

		recent, err := store.ListRecentExecutions(ctx, domain.ListOpts{Limit: 1})
		require.NoError(t, err)
		require.Len(t, recent, 1)
		assert.Equal(t, "opp-2", recent[0].OpportunityID)

		_, err = store.GetBatch(ctx, uuid.NewString())
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = store.GetBatch(ctx, "not-a-uuid")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("pending transactions", func(t *testing.T) {
		store := NewPendingTxStore(client.Pool())
		deadline := time.Now().Add(time.Minute).UTC().Truncate(time.Microsecond)

		for i, hash := range []string{"0xb", "0xa"} {
			require.NoError(t, store.Upsert(ctx, domain.PendingTx{
				TxHash:         hash,
				ChainID:        1,
				Wallet:         "0xw",
				Nonce:          uint64(10 - i),
				OpportunityID:  "opp",
				Stage:          domain.TxSubmitting,
				Deadline:       deadline,
				ExpectedProfit: big.NewInt(42),
			}))
		}
		require.NoError(t, store.UpdateStage(ctx, "0xa", domain.TxConfirming))

		list, err := store.ListUnresolved(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "0xa", list[0].TxHash)
		assert.Equal(t, domain.TxConfirming, list[0].Stage)
		assert.True(t, deadline.Equal(list[0].Deadline))
		assert.Equal(t, int64(42), list[0].ExpectedProfit.Int64())

		require.NoError(t, store.UpdateStage(ctx, "0xb", domain.TxConfirmed))
		list, err = store.ListUnresolved(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)

		assert.ErrorIs(t, store.UpdateStage(ctx, "0xmissing", domain.TxDropped), domain.ErrNotFound)
	})

	t.Run("audit log", func(t *testing.T) {
		store := NewAuditStore(client.Pool())
		require.NoError(t, store.Log(ctx, domain.EventBreakerTripped, map[string]any{"consecutive_failures": 5}))

		entries, err := store.List(ctx, domain.ListOpts{Limit: 10})
		require.NoError(t, err)
		require.NotEmpty(t, entries)
		assert.Equal(t, domain.EventBreakerTripped, entries[0].Event)
		assert.EqualValues(t, 5, entries[0].Detail["consecutive_failures"])

		require.NoError(t, store.Log(ctx, domain.EventReconciliation, nil))
		entries, err = store.List(ctx, domain.ListOpts{Event: domain.EventBreakerTripped})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, domain.EventBreakerTripped, entries[0].Event)
	})
}
