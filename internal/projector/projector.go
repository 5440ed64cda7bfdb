// Package projector turns the ordered chaincode event stream into
// relational read models. Every event's effects and its checkpoint advance
// commit in one database transaction, which is the exactly-once-effect
// boundary: a crash replays only events whose effects never landed.
package projector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coinpath/bridge/internal/config"
	"github.com/coinpath/bridge/internal/gateway"
	"github.com/coinpath/bridge/internal/metrics"
	"github.com/coinpath/bridge/internal/schema"
	"github.com/coinpath/bridge/internal/store"
)

// EventSource is the streaming surface of the Fabric gateway.
type EventSource interface {
	Events(ctx context.Context, fromBlock uint64) (<-chan gateway.BlockchainEvent, error)
	ChainHeight(ctx context.Context) (uint64, error)
}

// CheckpointStore is the projection slice of the relational store.
type CheckpointStore interface {
	LoadCheckpoint(ctx context.Context, name string) (store.Checkpoint, bool, error)
	ApplyEvent(ctx context.Context, cp store.Checkpoint, apply func(store.Execer) error) error
	AdvanceCheckpoint(ctx context.Context, cp store.Checkpoint) error
}

const heightPollInterval = 15 * time.Second

// Projector is the single consumer for one checkpoint row.
type Projector struct {
	cfg      config.ProjectorConfig
	name     string
	source   EventSource
	st       CheckpointStore
	registry *schema.Registry
	handlers Handlers
	metrics  *metrics.Metrics
	log      *slog.Logger

	mu        sync.Mutex
	position  store.Checkpoint
	lagBlocks uint64
	lastEvent time.Time
}

// CheckpointName composes the checkpoint key for one consumer. One row per
// (tenant, projector, channel); running two consumers against the same row
// is a deployment error the conflict check turns into a crash.
func CheckpointName(tenantID, projectorName, channel string) string {
	return tenantID + "/" + projectorName + "/" + channel
}

func New(cfg *config.Config, source EventSource, st CheckpointStore, reg *schema.Registry, handlers Handlers, m *metrics.Metrics, log *slog.Logger) *Projector {
	return &Projector{
		cfg:      cfg.Projector,
		name:     CheckpointName(cfg.TenantID, cfg.ProjectorName, cfg.Fabric.Channel),
		source:   source,
		st:       st,
		registry: reg,
		handlers: handlers,
		metrics:  m,
		log:      log.With("component", "projector", "checkpoint", CheckpointName(cfg.TenantID, cfg.ProjectorName, cfg.Fabric.Channel)),
	}
}

// Run consumes the stream until ctx is cancelled. A non-nil return other
// than the context error is an invariant violation (checkpoint conflict,
// database gone); the supervisor restarts the process.
func (p *Projector) Run(ctx context.Context) error {
	cp, found, err := p.st.LoadCheckpoint(ctx, p.name)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	fromBlock := p.cfg.StartBlock
	if found {
		// Resume at the checkpoint block; events up to and including
		// (Block, EventIndex) redeliver and are filtered below.
		fromBlock = cp.Block
	} else {
		cp = store.Checkpoint{Name: p.name, Block: p.cfg.StartBlock, EventIndex: -1}
	}
	p.setPosition(cp)

	events, err := p.source.Events(ctx, fromBlock)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}

	go p.pollHeight(ctx)

	p.log.Info("projector started", "from_block", fromBlock, "resumed", found)

	for ev := range events {
		if found && beforeOrAt(ev, cp) {
			p.record(ev.EventName, metrics.EventDuplicate)
			continue
		}

		if err := p.processEvent(ctx, ev, &cp); err != nil {
			return err
		}
		found = true
		p.setPosition(cp)
	}

	if ctx.Err() != nil {
		p.log.Info("projector stopped", "block", cp.Block, "event_index", cp.EventIndex)
		return nil
	}
	return errors.New("event stream closed unexpectedly")
}

// beforeOrAt reports whether an event is at or behind the checkpoint.
func beforeOrAt(ev gateway.BlockchainEvent, cp store.Checkpoint) bool {
	if ev.BlockNumber != cp.Block {
		return ev.BlockNumber < cp.Block
	}
	return ev.EventIndex <= cp.EventIndex
}

// processEvent applies one event and moves cp forward. Only unrecoverable
// failures return an error; everything else resolves into a checkpoint
// advance, possibly with a DLQ row.
func (p *Projector) processEvent(ctx context.Context, ev gateway.BlockchainEvent, cp *store.Checkpoint) error {
	start := time.Now()
	next := store.Checkpoint{Name: p.name, Block: ev.BlockNumber, EventIndex: ev.EventIndex}
	meta := EventMeta{
		TxID:        ev.TxID,
		BlockNumber: ev.BlockNumber,
		TxIndex:     ev.TxIndex,
		EventIndex:  ev.EventIndex,
		Timestamp:   ev.Timestamp,
	}

	env, err := schema.Decode(ev.EventName, ev.Payload)
	if err != nil {
		// A payload that will not decode never gets better on retry;
		// quarantine it and move on so one bad event cannot stall the
		// stream.
		p.log.Error("event payload failed to decode", "event", ev.EventName, "block", ev.BlockNumber, "error", err)
		p.record(ev.EventName, metrics.EventDecodeFailed)
		return p.quarantineAdvance(ctx, ev, next, cp, "decode: "+err.Error())
	}

	res := p.registry.Validate(env)
	for _, w := range res.Warnings {
		p.log.Warn("event schema warning", "event", ev.EventName, "warning", w)
	}
	if !res.OK {
		p.record(ev.EventName, metrics.EventValidationFailed)
		p.log.Warn("event failed schema validation", "event", ev.EventName, "block", ev.BlockNumber, "errors", res.Summary())
		if p.cfg.StrictValidation {
			return p.quarantineAdvance(ctx, ev, next, cp, "schema: "+res.Summary())
		}
		// Advisory mode: deploy drift must not halt read-model builds.
	}

	canonical, wasAlias := p.registry.Resolve(env.EventName)
	if wasAlias {
		if p.metrics != nil {
			p.metrics.RecordDeprecatedAlias(env.EventName, canonical)
		}
		p.log.Warn("event arrived under deprecated alias", "alias", env.EventName, "canonical", canonical)
	}

	handler, ok := p.handlers[canonical]
	if !ok {
		p.log.Warn("no handler for event, advancing checkpoint", "event", canonical, "block", ev.BlockNumber)
		p.record(ev.EventName, metrics.EventUnknown)
		if err := p.advance(ctx, next); err != nil {
			return err
		}
		*cp = next
		return nil
	}

	if err := p.applyWithRetry(ctx, handler, meta, env, next); err != nil {
		if errors.Is(err, store.ErrCheckpointConflict) {
			return fmt.Errorf("checkpoint %s: %w", p.name, err)
		}
		if ctx.Err() != nil {
			return nil
		}

		// Handler exhausted its retries; quarantine and keep the stream
		// moving.
		p.log.Error("handler failed after retries, quarantining event",
			"event", canonical, "block", ev.BlockNumber, "tx_id", ev.TxID, "error", err)
		p.record(ev.EventName, metrics.EventDLQ)
		return p.quarantineAdvance(ctx, ev, next, cp, "handler: "+err.Error())
	}

	*cp = next
	p.record(canonical, metrics.EventApplied)
	if p.metrics != nil {
		p.metrics.CheckpointSaved()
		p.metrics.ObserveProcessing(time.Since(start).Seconds())
	}
	p.touch()
	return nil
}

// applyWithRetry runs the handler and checkpoint advance in one database
// transaction, retrying transient failures with doubling backoff.
func (p *Projector) applyWithRetry(ctx context.Context, handler Handler, meta EventMeta, env *schema.Envelope, next store.Checkpoint) error {
	var err error
	backoff := p.cfg.HandlerBackoff()

	for attempt := 0; attempt <= p.cfg.HandlerMaxRetries; attempt++ {
		if attempt > 0 {
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			backoff *= 2
		}

		err = p.st.ApplyEvent(ctx, next, func(x store.Execer) error {
			return handler(ctx, x, meta, env)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrCheckpointConflict) || ctx.Err() != nil {
			return err
		}
		p.log.Warn("handler attempt failed", "event", env.EventName, "attempt", attempt+1, "error", err)
	}
	return err
}

// quarantine writes the DLQ row and the checkpoint advance in one
// transaction.
func (p *Projector) quarantine(ctx context.Context, ev gateway.BlockchainEvent, next store.Checkpoint, reason string) error {
	err := p.st.ApplyEvent(ctx, next, func(x store.Execer) error {
		return store.InsertDLQ(ctx, x, store.DLQRow{
			EventName:  ev.EventName,
			Block:      ev.BlockNumber,
			TxIndex:    ev.TxIndex,
			EventIndex: ev.EventIndex,
			FabricTxID: ev.TxID,
			Payload:    ev.Payload,
			Reason:     reason,
		})
	})
	if err != nil {
		return fmt.Errorf("quarantine event at block %d: %w", ev.BlockNumber, err)
	}
	if p.metrics != nil {
		p.metrics.CheckpointSaved()
	}
	return nil
}

func (p *Projector) quarantineAdvance(ctx context.Context, ev gateway.BlockchainEvent, next store.Checkpoint, cp *store.Checkpoint, reason string) error {
	if err := p.quarantine(ctx, ev, next, reason); err != nil {
		return err
	}
	*cp = next
	return nil
}

func (p *Projector) advance(ctx context.Context, next store.Checkpoint) error {
	if err := p.st.AdvanceCheckpoint(ctx, next); err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	if p.metrics != nil {
		p.metrics.CheckpointSaved()
	}
	return nil
}

// pollHeight refreshes the chain height and lag gauges until ctx is done.
func (p *Projector) pollHeight(ctx context.Context) {
	ticker := time.NewTicker(heightPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			height, err := p.source.ChainHeight(ctx)
			if err != nil {
				p.log.Warn("chain height query failed", "error", err)
				continue
			}

			p.mu.Lock()
			block := p.position.Block
			// Height counts blocks, so the tip block number is height-1.
			if height > 0 && height-1 > block {
				p.lagBlocks = height - 1 - block
			} else {
				p.lagBlocks = 0
			}
			lag := p.lagBlocks
			p.mu.Unlock()

			if p.metrics != nil {
				p.metrics.UpdateChainPosition(height, height-lag)
			}
		}
	}
}

func (p *Projector) record(eventName, status string) {
	if p.metrics != nil {
		p.metrics.RecordEvent(eventName, status)
	}
}

func (p *Projector) setPosition(cp store.Checkpoint) {
	p.mu.Lock()
	p.position = cp
	p.mu.Unlock()
}

func (p *Projector) touch() {
	p.mu.Lock()
	p.lastEvent = time.Now()
	p.mu.Unlock()
}

// Lag reports the last computed block lag; readiness compares it to the
// projection lag budget.
func (p *Projector) Lag() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lagBlocks
}

// Position reports the in-memory checkpoint.
func (p *Projector) Position() store.Checkpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position
}

// LastActivity reports when the projector last applied an event.
func (p *Projector) LastActivity() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastEvent
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
