package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Integration tests against a real PostgreSQL with scripts/schema.sql
// loaded. Set TEST_DATABASE_URL to run them.
func testStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping database integration test")
	}

	db, err := sql.Open("postgres", url)
	require.NoError(t, err)
	require.NoError(t, db.Ping())

	for _, table := range []string{
		"outbox_commands", "projector_state", "http_idempotency",
		"event_dlq", "wallets", "wallet_transactions",
	} {
		_, err := db.Exec("TRUNCATE TABLE " + table)
		require.NoError(t, err)
	}

	t.Cleanup(func() { db.Close() })
	return NewWithDB(db)
}

func enqueue(t *testing.T, s *Store, commandType, aggregateID, requestID string) Command {
	t.Helper()
	cmd, created, err := s.EnqueueCommand(context.Background(), "default", commandType, aggregateID, requestID, json.RawMessage(`{}`))
	require.NoError(t, err)
	require.True(t, created)
	return cmd
}

func TestEnqueueCommandDeduplicatesOnRequestID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first := enqueue(t, s, "TRANSFER_TOKENS", "U-A", "req-1")

	second, created, err := s.EnqueueCommand(ctx, "default", "TRANSFER_TOKENS", "U-A", "req-1", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Seq, second.Seq)
}

func TestClaimBatchClaimsOnlyAggregateHead(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a1 := enqueue(t, s, "TRANSFER_TOKENS", "U-A", "req-1")
	enqueue(t, s, "TRANSFER_TOKENS", "U-A", "req-2")
	b1 := enqueue(t, s, "TRANSFER_TOKENS", "U-B", "req-3")

	batch, err := s.ClaimBatch(ctx, "default", "worker-1", 10, 5, time.Minute)
	require.NoError(t, err)

	// One command per aggregate: the second U-A command waits behind the
	// first even with room in the batch.
	require.Len(t, batch, 2)
	claimed := map[string]bool{batch[0].ID: true, batch[1].ID: true}
	assert.True(t, claimed[a1.ID])
	assert.True(t, claimed[b1.ID])
	assert.Equal(t, StatusProcessing, batch[0].Status)
	assert.LessOrEqual(t, batch[0].Seq, batch[1].Seq)
}

func TestClaimBatchReleasesAggregateAfterCommit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first := enqueue(t, s, "TRANSFER_TOKENS", "U-A", "req-1")
	second := enqueue(t, s, "TRANSFER_TOKENS", "U-A", "req-2")

	batch, err := s.ClaimBatch(ctx, "default", "worker-1", 10, 5, time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, first.ID, batch[0].ID)

	done, err := s.MarkCommitted(ctx, first.ID, "tx-1", 10)
	require.NoError(t, err)
	require.True(t, done)

	batch, err = s.ClaimBatch(ctx, "default", "worker-1", 10, 5, time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, second.ID, batch[0].ID)
}

func TestMarkCommittedRequiresProcessing(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	cmd := enqueue(t, s, "TRANSFER_TOKENS", "U-A", "req-1")

	// Still PENDING: the transition must not apply.
	done, err := s.MarkCommitted(ctx, cmd.ID, "tx-1", 10)
	require.NoError(t, err)
	assert.False(t, done)

	batch, err := s.ClaimBatch(ctx, "default", "worker-1", 1, 5, time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	done, err = s.MarkCommitted(ctx, cmd.ID, "tx-1", 10)
	require.NoError(t, err)
	assert.True(t, done)

	got, err := s.GetCommand(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, got.Status)
	assert.Equal(t, "tx-1", got.FabricTxID)
	assert.Equal(t, int64(10), got.CommittedBlock.Int64)
}

func TestMarkFailedRetriesThenTerminal(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	cmd := enqueue(t, s, "TRANSFER_TOKENS", "U-A", "req-1")

	// The attempt is spent by the claim itself, not by the verdict.
	batch, err := s.ClaimBatch(ctx, "default", "worker-1", 1, 3, time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, 1, batch[0].Attempts)

	status, err := s.MarkFailed(ctx, cmd.ID, "timeout", false, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status)

	got, err := s.GetCommand(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "timeout", got.LastError)

	// A chaincode rejection is terminal regardless of remaining attempts.
	_, err = s.ClaimBatch(ctx, "default", "worker-1", 1, 3, time.Minute)
	require.NoError(t, err)
	status, err = s.MarkFailed(ctx, cmd.ID, "insufficient balance", true, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)
}

func TestClaimBatchReclaimsStaleProcessing(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	cmd := enqueue(t, s, "TRANSFER_TOKENS", "U-A", "req-1")

	_, err := s.ClaimBatch(ctx, "default", "worker-1", 1, 5, time.Minute)
	require.NoError(t, err)

	// A fresh claim is invisible to other workers.
	batch, err := s.ClaimBatch(ctx, "default", "worker-2", 1, 5, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, batch)

	// An expired claim is up for grabs again.
	batch, err = s.ClaimBatch(ctx, "default", "worker-2", 1, 5, -time.Second)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, cmd.ID, batch[0].ID)
	assert.Equal(t, "worker-2", batch[0].ClaimedBy)
	assert.Equal(t, 2, batch[0].Attempts)
}

func TestCrashedClaimsConvergeToAttemptLimit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	cmd := enqueue(t, s, "TRANSFER_TOKENS", "U-A", "req-1")

	// Workers claim and die without a verdict; every reclaim burns an
	// attempt until the limit blocks further claims.
	for i := 1; i <= 2; i++ {
		batch, err := s.ClaimBatch(ctx, "default", "worker-1", 1, 2, -time.Second)
		require.NoError(t, err)
		require.Len(t, batch, 1)
		assert.Equal(t, i, batch[0].Attempts)
	}

	batch, err := s.ClaimBatch(ctx, "default", "worker-1", 1, 2, -time.Second)
	require.NoError(t, err)
	assert.Empty(t, batch)

	// The stale row at the limit blocks its aggregate until the sweep
	// fails it for good.
	n, err := s.FailExhausted(ctx, "default", 2, -time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetCommand(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Empty(t, got.ClaimedBy)
}

func TestCheckpointAdvanceIsMonotonic(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	name := "default/coin-projector/coinchannel"

	_, found, err := s.LoadCheckpoint(ctx, name)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.AdvanceCheckpoint(ctx, Checkpoint{Name: name, Block: 10, EventIndex: 2}))

	cp, found, err := s.LoadCheckpoint(ctx, name)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(10), cp.Block)
	assert.Equal(t, 2, cp.EventIndex)

	// Same block, later event is forward motion.
	require.NoError(t, s.AdvanceCheckpoint(ctx, Checkpoint{Name: name, Block: 10, EventIndex: 3}))

	// Any rewind is a second consumer on the same row.
	err = s.AdvanceCheckpoint(ctx, Checkpoint{Name: name, Block: 10, EventIndex: 3})
	assert.ErrorIs(t, err, ErrCheckpointConflict)
	err = s.AdvanceCheckpoint(ctx, Checkpoint{Name: name, Block: 9, EventIndex: 0})
	assert.ErrorIs(t, err, ErrCheckpointConflict)
}

func TestApplyEventRollsBackReadModelOnConflict(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	name := "default/coin-projector/coinchannel"

	require.NoError(t, s.AdvanceCheckpoint(ctx, Checkpoint{Name: name, Block: 20, EventIndex: 0}))

	// The read-model write and the stale checkpoint roll back together.
	err := s.ApplyEvent(ctx, Checkpoint{Name: name, Block: 19, EventIndex: 0}, func(x Execer) error {
		return UpsertWallet(ctx, x, "W-1", "U-A", "COIN", 0)
	})
	require.ErrorIs(t, err, ErrCheckpointConflict)

	var count int
	require.NoError(t, s.db.QueryRow("SELECT count(*) FROM wallets").Scan(&count))
	assert.Zero(t, count)
}

func TestApplyEventCommitsReadModelWithCheckpoint(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	name := "default/coin-projector/coinchannel"

	err := s.ApplyEvent(ctx, Checkpoint{Name: name, Block: 5, EventIndex: 0}, func(x Execer) error {
		return UpsertWallet(ctx, x, "W-1", "U-A", "COIN", 100)
	})
	require.NoError(t, err)

	cp, found, err := s.LoadCheckpoint(ctx, name)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(5), cp.Block)

	var balance float64
	require.NoError(t, s.db.QueryRow("SELECT cached_balance FROM wallets WHERE wallet_id = 'W-1'").Scan(&balance))
	assert.Equal(t, 100.0, balance)
}

func TestIdempotencyLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := IdempotencyRecord{
		TenantID:       "default",
		Method:         "POST",
		Path:           "/api/transfers",
		Key:            "idem-1",
		BodyHash:       "abc",
		CommandID:      "cmd-1",
		ResponseStatus: 202,
		ResponseBody:   []byte(`{"ok":true}`),
		ExpiresAt:      time.Now().Add(time.Hour),
	}

	inserted, err := s.PutIdempotency(ctx, rec)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.PutIdempotency(ctx, rec)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, found, err := s.GetIdempotency(ctx, "default", "POST", "/api/transfers", "idem-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "cmd-1", got.CommandID)

	// Expired rows are invisible and reapable.
	expired := rec
	expired.Key = "idem-2"
	expired.ExpiresAt = time.Now().Add(-time.Hour)
	_, err = s.PutIdempotency(ctx, expired)
	require.NoError(t, err)

	_, found, err = s.GetIdempotency(ctx, "default", "POST", "/api/transfers", "idem-2")
	require.NoError(t, err)
	assert.False(t, found)

	n, err := s.ReapIdempotency(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestDLQInsertAndCount(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	err := InsertDLQ(ctx, s.db, DLQRow{
		EventName:  "TransferCompleted",
		Block:      7,
		EventIndex: 1,
		FabricTxID: "tx-1",
		Payload:    []byte(`{"broken":`),
		Reason:     "decode: unexpected end of JSON input",
	})
	require.NoError(t, err)

	n, err := s.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCountByStatus(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	enqueue(t, s, "TRANSFER_TOKENS", "U-A", "req-1")
	enqueue(t, s, "CREATE_WALLET", "U-B", "req-2")

	counts, err := s.CountByStatus(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[StatusPending])
}
