package projector

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinpath/bridge/internal/config"
	"github.com/coinpath/bridge/internal/gateway"
	"github.com/coinpath/bridge/internal/schema"
	"github.com/coinpath/bridge/internal/store"
)

type fakeResult struct{ rows int64 }

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return r.rows, nil }

// fakeExecer records every statement and answers with a fixed row count.
type fakeExecer struct {
	mu      sync.Mutex
	queries []string
	rows    int64
}

func (f *fakeExecer) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	return fakeResult{rows: f.rows}, nil
}

func (f *fakeExecer) queryCount(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, q := range f.queries {
		if strings.Contains(q, table) {
			n++
		}
	}
	return n
}

// fakeCheckpoints implements CheckpointStore over in-memory state.
type fakeCheckpoints struct {
	mu       sync.Mutex
	initial  store.Checkpoint
	found    bool
	exec     *fakeExecer
	applied  []store.Checkpoint
	advanced []store.Checkpoint
	applyErr error
	calls    int
}

func (f *fakeCheckpoints) LoadCheckpoint(ctx context.Context, name string) (store.Checkpoint, bool, error) {
	return f.initial, f.found, nil
}

func (f *fakeCheckpoints) ApplyEvent(ctx context.Context, cp store.Checkpoint, apply func(store.Execer) error) error {
	f.mu.Lock()
	f.calls++
	err := f.applyErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if err := apply(f.exec); err != nil {
		return err
	}
	f.mu.Lock()
	f.applied = append(f.applied, cp)
	f.mu.Unlock()
	return nil
}

func (f *fakeCheckpoints) AdvanceCheckpoint(ctx context.Context, cp store.Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advanced = append(f.advanced, cp)
	return nil
}

func (f *fakeCheckpoints) appliedCheckpoints() []store.Checkpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Checkpoint, len(f.applied))
	copy(out, f.applied)
	return out
}

// fakeSource replays a fixed event slice then closes the stream.
type fakeSource struct {
	mu        sync.Mutex
	events    []gateway.BlockchainEvent
	fromBlock uint64
	height    uint64
}

func (f *fakeSource) Events(ctx context.Context, fromBlock uint64) (<-chan gateway.BlockchainEvent, error) {
	f.mu.Lock()
	f.fromBlock = fromBlock
	f.mu.Unlock()

	ch := make(chan gateway.BlockchainEvent, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (f *fakeSource) ChainHeight(ctx context.Context) (uint64, error) {
	return f.height, nil
}

func projectorConfig() *config.Config {
	return &config.Config{
		TenantID:      "default",
		ProjectorName: "coin-projector",
		Fabric:        config.FabricConfig{Channel: "coinchannel"},
		Projector: config.ProjectorConfig{
			StartBlock:        0,
			HandlerMaxRetries: 1,
			HandlerBackoffMs:  1,
		},
	}
}

func walletCreated(block uint64, eventIndex int, walletID string) gateway.BlockchainEvent {
	return gateway.BlockchainEvent{
		EventName:   schema.EventWalletCreated,
		Payload:     []byte(`{"eventVersion":"1","walletId":"` + walletID + `","ownerId":"U-A","currency":"COIN","initialBalance":0}`),
		TxID:        "tx-" + walletID,
		BlockNumber: block,
		TxIndex:     0,
		EventIndex:  eventIndex,
		Timestamp:   time.Now(),
	}
}

func runProjector(t *testing.T, cfg *config.Config, src *fakeSource, cps *fakeCheckpoints, handlers Handlers) error {
	t.Helper()
	reg, err := schema.NewCoinRegistry()
	require.NoError(t, err)
	if handlers == nil {
		handlers = NewCoinHandlers(slog.Default())
	}

	p := New(cfg, src, cps, reg, handlers, nil, slog.Default())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.Run(ctx)
}

func TestCheckpointNameComposition(t *testing.T) {
	assert.Equal(t, "default/coin-projector/coinchannel",
		CheckpointName("default", "coin-projector", "coinchannel"))
}

func TestProjectorAppliesEventsInOrder(t *testing.T) {
	src := &fakeSource{events: []gateway.BlockchainEvent{
		walletCreated(1, 0, "W-1"),
		walletCreated(1, 1, "W-2"),
		walletCreated(2, 0, "W-3"),
	}}
	cps := &fakeCheckpoints{exec: &fakeExecer{rows: 1}}

	err := runProjector(t, projectorConfig(), src, cps, nil)
	require.EqualError(t, err, "event stream closed unexpectedly")

	name := CheckpointName("default", "coin-projector", "coinchannel")
	assert.Equal(t, []store.Checkpoint{
		{Name: name, Block: 1, EventIndex: 0},
		{Name: name, Block: 1, EventIndex: 1},
		{Name: name, Block: 2, EventIndex: 0},
	}, cps.appliedCheckpoints())
	assert.Equal(t, 3, cps.exec.queryCount("wallets"))
}

func TestProjectorFiltersRedeliveredEvents(t *testing.T) {
	name := CheckpointName("default", "coin-projector", "coinchannel")
	src := &fakeSource{events: []gateway.BlockchainEvent{
		walletCreated(5, 0, "W-1"),
		walletCreated(5, 1, "W-2"),
		walletCreated(5, 2, "W-3"),
		walletCreated(6, 0, "W-4"),
	}}
	cps := &fakeCheckpoints{
		exec:    &fakeExecer{rows: 1},
		initial: store.Checkpoint{Name: name, Block: 5, EventIndex: 1},
		found:   true,
	}

	err := runProjector(t, projectorConfig(), src, cps, nil)
	require.EqualError(t, err, "event stream closed unexpectedly")

	// Resumes the stream at the checkpoint block and drops the replayed
	// prefix.
	assert.Equal(t, uint64(5), src.fromBlock)
	assert.Equal(t, []store.Checkpoint{
		{Name: name, Block: 5, EventIndex: 2},
		{Name: name, Block: 6, EventIndex: 0},
	}, cps.appliedCheckpoints())
}

func TestProjectorQuarantinesUndecodablePayload(t *testing.T) {
	ev := walletCreated(3, 0, "W-1")
	ev.Payload = []byte(`not json`)
	src := &fakeSource{events: []gateway.BlockchainEvent{ev}}
	cps := &fakeCheckpoints{exec: &fakeExecer{rows: 1}}

	err := runProjector(t, projectorConfig(), src, cps, nil)
	require.EqualError(t, err, "event stream closed unexpectedly")

	// The DLQ row and the checkpoint advance share one transaction.
	assert.Equal(t, 1, cps.exec.queryCount("event_dlq"))
	require.Len(t, cps.appliedCheckpoints(), 1)
	assert.Equal(t, uint64(3), cps.appliedCheckpoints()[0].Block)
}

func TestProjectorQuarantinesAfterHandlerRetriesExhausted(t *testing.T) {
	src := &fakeSource{events: []gateway.BlockchainEvent{walletCreated(4, 0, "W-1")}}
	cps := &fakeCheckpoints{exec: &fakeExecer{rows: 1}}

	attempts := 0
	handlers := Handlers{
		schema.EventWalletCreated: func(ctx context.Context, x store.Execer, meta EventMeta, env *schema.Envelope) error {
			attempts++
			return errors.New("read model table missing")
		},
	}

	err := runProjector(t, projectorConfig(), src, cps, handlers)
	require.EqualError(t, err, "event stream closed unexpectedly")

	assert.Equal(t, 2, attempts) // initial try plus one retry
	assert.Equal(t, 1, cps.exec.queryCount("event_dlq"))
	require.Len(t, cps.appliedCheckpoints(), 1)
}

func TestProjectorStopsOnCheckpointConflict(t *testing.T) {
	src := &fakeSource{events: []gateway.BlockchainEvent{walletCreated(1, 0, "W-1")}}
	cps := &fakeCheckpoints{exec: &fakeExecer{rows: 1}, applyErr: store.ErrCheckpointConflict}

	err := runProjector(t, projectorConfig(), src, cps, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrCheckpointConflict)
}

func TestProjectorAdvancesPastUnknownEvents(t *testing.T) {
	ev := gateway.BlockchainEvent{
		EventName:   "StakingRewardGranted",
		Payload:     []byte(`{"userId":"U-A"}`),
		TxID:        "tx-1",
		BlockNumber: 7,
		EventIndex:  0,
	}
	src := &fakeSource{events: []gateway.BlockchainEvent{ev}}
	cps := &fakeCheckpoints{exec: &fakeExecer{rows: 1}}

	err := runProjector(t, projectorConfig(), src, cps, nil)
	require.EqualError(t, err, "event stream closed unexpectedly")

	assert.Empty(t, cps.appliedCheckpoints())
	require.Len(t, cps.advanced, 1)
	assert.Equal(t, uint64(7), cps.advanced[0].Block)
}

func TestProjectorResolvesDeprecatedAlias(t *testing.T) {
	ev := gateway.BlockchainEvent{
		EventName: schema.EventInternalTransfer,
		Payload: []byte(`{"eventVersion":"1","fromUserId":"U-A","toUserId":"U-B",` +
			`"fromWalletId":"W-A","toWalletId":"W-B","amount":50}`),
		TxID:        "tx-legacy",
		BlockNumber: 9,
		EventIndex:  0,
		Timestamp:   time.Now(),
	}
	src := &fakeSource{events: []gateway.BlockchainEvent{ev}}
	cps := &fakeCheckpoints{exec: &fakeExecer{rows: 1}}

	err := runProjector(t, projectorConfig(), src, cps, nil)
	require.EqualError(t, err, "event stream closed unexpectedly")

	// The alias dispatches to the canonical transfer handler.
	assert.Equal(t, 2, cps.exec.queryCount("wallet_transactions"))
	require.Len(t, cps.appliedCheckpoints(), 1)
}

func TestProjectorStrictValidationQuarantines(t *testing.T) {
	ev := gateway.BlockchainEvent{
		EventName:   schema.EventVoteCast,
		Payload:     []byte(`{"eventVersion":"1","proposalId":"P-1"}`),
		TxID:        "tx-1",
		BlockNumber: 2,
		EventIndex:  0,
	}
	src := &fakeSource{events: []gateway.BlockchainEvent{ev}}
	cps := &fakeCheckpoints{exec: &fakeExecer{rows: 1}}

	cfg := projectorConfig()
	cfg.Projector.StrictValidation = true

	err := runProjector(t, cfg, src, cps, nil)
	require.EqualError(t, err, "event stream closed unexpectedly")

	assert.Equal(t, 1, cps.exec.queryCount("event_dlq"))
}

func TestBeforeOrAt(t *testing.T) {
	cp := store.Checkpoint{Block: 5, EventIndex: 1}

	cases := []struct {
		block uint64
		index int
		want  bool
	}{
		{4, 9, true},
		{5, 0, true},
		{5, 1, true},
		{5, 2, false},
		{6, 0, false},
	}
	for _, tc := range cases {
		ev := gateway.BlockchainEvent{BlockNumber: tc.block, EventIndex: tc.index}
		assert.Equal(t, tc.want, beforeOrAt(ev, cp), "block=%d index=%d", tc.block, tc.index)
	}
}
