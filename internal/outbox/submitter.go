package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/coinpath/bridge/internal/config"
	"github.com/coinpath/bridge/internal/fabricerr"
	"github.com/coinpath/bridge/internal/metrics"
	"github.com/coinpath/bridge/internal/store"
)

// Ledger is the submit surface of the Fabric gateway.
type Ledger interface {
	Submit(ctx context.Context, fn string, args ...string) (txID string, block uint64, payload []byte, err error)
}

// CommandStore is the outbox slice of the relational store.
type CommandStore interface {
	EnqueueCommand(ctx context.Context, tenantID, commandType, aggregateID, requestID string, payload json.RawMessage) (store.Command, bool, error)
	ClaimBatch(ctx context.Context, tenantID, worker string, limit, maxAttempts int, staleAfter time.Duration) ([]store.Command, error)
	MarkCommitted(ctx context.Context, id, fabricTxID string, block uint64) (bool, error)
	MarkFailed(ctx context.Context, id, reason string, terminal bool, maxAttempts int, backoff time.Duration) (string, error)
	FailExhausted(ctx context.Context, tenantID string, maxAttempts int, staleAfter time.Duration) (int64, error)
}

// Enqueue validates a command against the registry and appends it to the
// outbox. The aggregate id comes from the binding so FIFO ordering is
// enforced at the door, and a broken payload is rejected before it ever
// occupies an outbox row.
func Enqueue(ctx context.Context, st CommandStore, reg *Registry, tenantID, commandType, requestID string, payload json.RawMessage) (store.Command, bool, error) {
	binding, ok := reg.Lookup(commandType)
	if !ok {
		return store.Command{}, false, fmt.Errorf("unknown command type %q", commandType)
	}
	if _, err := binding.Encode(payload); err != nil {
		return store.Command{}, false, fmt.Errorf("invalid %s payload: %w", commandType, err)
	}
	aggregateID, err := binding.Aggregate(payload)
	if err != nil {
		return store.Command{}, false, fmt.Errorf("invalid %s payload: %w", commandType, err)
	}
	return st.EnqueueCommand(ctx, tenantID, commandType, aggregateID, requestID, payload)
}

// Submitter drains the outbox with a pool of claim-loop workers. It is the
// only component that opens submit-transactions on Fabric.
type Submitter struct {
	cfg      config.SubmitterConfig
	tenantID string
	budget   time.Duration
	st       CommandStore
	ledger   Ledger
	registry *Registry
	metrics  *metrics.Metrics
	log      *slog.Logger

	mu          sync.Mutex
	lastClaim   time.Time
	lastSuccess time.Time

	wg sync.WaitGroup
}

func NewSubmitter(cfg *config.Config, st CommandStore, ledger Ledger, reg *Registry, m *metrics.Metrics, log *slog.Logger) *Submitter {
	return &Submitter{
		cfg:      cfg.Submitter,
		tenantID: cfg.TenantID,
		budget:   cfg.Fabric.EndorseTimeout() + cfg.Fabric.SubmitTimeout() + cfg.Fabric.CommitStatusTimeout(),
		st:       st,
		ledger:   ledger,
		registry: reg,
		metrics:  m,
		log:      log.With("component", "submitter"),
	}
}

// Run starts the worker pool and blocks until ctx is cancelled and every
// in-flight submit has drained.
func (s *Submitter) Run(ctx context.Context) {
	s.log.Info("submitter starting", "workers", s.cfg.Workers, "batch_size", s.cfg.BatchSize)

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, fmt.Sprintf("worker-%d", i))
	}

	s.wg.Wait()
	s.log.Info("submitter stopped")
}

func (s *Submitter) worker(ctx context.Context, name string) {
	defer s.wg.Done()

	for ctx.Err() == nil {
		start := time.Now()
		batch, err := s.st.ClaimBatch(ctx, s.tenantID, name, s.cfg.BatchSize, s.cfg.MaxAttempts, s.cfg.StaleProcessingAge())
		if s.metrics != nil {
			s.metrics.ObserveClaimBatch(time.Since(start).Seconds())
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Error("claim batch failed", "worker", name, "error", err)
			s.sleep(ctx, s.cfg.PollInterval())
			continue
		}

		s.touchClaim()

		if len(batch) == 0 {
			// Commands that burned every attempt while a prior worker
			// crashed still block their aggregate; sweep them out.
			if n, err := s.st.FailExhausted(ctx, s.tenantID, s.cfg.MaxAttempts, s.cfg.StaleProcessingAge()); err == nil && n > 0 {
				s.log.Warn("swept exhausted commands to FAILED", "count", n)
			}
			s.sleep(ctx, s.cfg.PollInterval())
			continue
		}

		for _, cmd := range batch {
			if ctx.Err() != nil {
				// Shutdown mid-batch: leave the rest PROCESSING; the
				// stale-claim reclaim hands them to the next worker.
				return
			}
			s.process(ctx, cmd)
		}
	}
}

// process submits one claimed command and records the verdict on its row.
// Errors never escape the loop; every outcome is a row transition.
func (s *Submitter) process(ctx context.Context, cmd store.Command) {
	log := s.log.With("command_id", cmd.ID, "command_type", cmd.CommandType, "aggregate_id", cmd.AggregateID, "attempt", cmd.Attempts)

	binding, ok := s.registry.Lookup(cmd.CommandType)
	if !ok {
		s.fail(ctx, cmd, fmt.Sprintf("unknown command type %q", cmd.CommandType), true)
		return
	}

	args, err := binding.Encode(cmd.Payload)
	if err != nil {
		s.fail(ctx, cmd, "malformed payload: "+err.Error(), true)
		return
	}

	// One deadline over endorse, submit and commit wait. On expiry the
	// outcome is retryable; chaincode idempotency on requestId absorbs a
	// commit that lands after the timeout.
	submitCtx, cancel := context.WithTimeout(ctx, s.budget)
	txID, block, _, err := s.ledger.Submit(submitCtx, binding.Function, args...)
	cancel()

	if err != nil {
		terminal := !fabricerr.Retryable(err)
		if fabricerr.Alertable(err) {
			log.Error("🚨 submit rejected by MSP, identity rotation required", "error", err)
		}
		s.fail(ctx, cmd, err.Error(), terminal)
		return
	}

	done, err := s.st.MarkCommitted(ctx, cmd.ID, txID, block)
	if err != nil {
		log.Error("failed to record commit", "fabric_tx_id", txID, "error", err)
		return
	}
	if !done {
		// The claim went stale and another worker owns the row now. The
		// ledger write is idempotent on requestId, so the duplicate
		// submit is absorbed by the chaincode.
		log.Warn("commit recorded by another worker", "fabric_tx_id", txID)
		return
	}

	s.touchSuccess()
	if s.metrics != nil {
		s.metrics.RecordCommand(store.StatusCommitted)
	}
	log.Info("command committed", "fabric_tx_id", txID, "block", block)
}

func (s *Submitter) fail(ctx context.Context, cmd store.Command, reason string, terminal bool) {
	backoff := backoffFor(cmd.Attempts, s.cfg.BaseBackoff(), s.cfg.MaxBackoff())
	status, err := s.st.MarkFailed(ctx, cmd.ID, reason, terminal, s.cfg.MaxAttempts, backoff)
	if err != nil {
		s.log.Error("failed to record failure", "command_id", cmd.ID, "error", err)
		return
	}

	if s.metrics != nil {
		if status == store.StatusFailed {
			s.metrics.RecordCommand(store.StatusFailed)
		} else {
			s.metrics.RecordCommand("RETRY")
		}
	}

	if status == store.StatusFailed {
		s.log.Error("command failed terminally", "command_id", cmd.ID, "command_type", cmd.CommandType, "reason", reason)
	} else {
		s.log.Warn("command failed, will retry", "command_id", cmd.ID, "backoff", backoff.String(), "reason", reason)
	}
}

// backoffFor doubles the base per attempt with jitter, capped at max.
func backoffFor(attempts int, base, max time.Duration) time.Duration {
	if attempts > 16 {
		attempts = 16
	}
	d := base << uint(attempts)
	if d > max || d <= 0 {
		d = max
	}
	// Up to 25% jitter keeps retrying workers from thundering together.
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

func (s *Submitter) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (s *Submitter) touchClaim() {
	s.mu.Lock()
	s.lastClaim = time.Now()
	s.mu.Unlock()
}

func (s *Submitter) touchSuccess() {
	s.mu.Lock()
	s.lastSuccess = time.Now()
	s.mu.Unlock()
}

// LastActivity reports the most recent claim poll; readiness uses it as
// the submitter heartbeat.
func (s *Submitter) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastClaim
}

// LastSuccess reports the most recent committed command.
func (s *Submitter) LastSuccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSuccess
}
