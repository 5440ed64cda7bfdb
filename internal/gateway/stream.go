package gateway

import (
	"context"
	"time"

	"github.com/hyperledger/fabric-gateway/pkg/client"

	"github.com/coinpath/bridge/internal/fabricerr"
)

// ordinalTracker derives (TxIndex, EventIndex) for chaincode events, which
// fabric-gateway does not expose. Events arrive in block order with each
// transaction's events contiguous, so the ordinal of distinct transaction
// ids and the event's position within the block reconstruct the stream
// ordering the checkpoint needs. Counters reset at each block boundary;
// reconnects restart from the block start so ordinals stay stable.
type ordinalTracker struct {
	block      uint64
	lastTxID   string
	txIndex    int
	eventIndex int
	started    bool
}

func (t *ordinalTracker) next(block uint64, txID string) (int, int) {
	if !t.started || block != t.block {
		t.block = block
		t.lastTxID = txID
		t.txIndex = 0
		t.eventIndex = 0
		t.started = true
		return 0, 0
	}

	t.eventIndex++
	if txID != t.lastTxID {
		t.txIndex++
		t.lastTxID = txID
	}
	return t.txIndex, t.eventIndex
}

// Events opens a resumable stream of chaincode events starting at
// fromBlock inclusive. The returned channel closes when ctx is done. On
// upstream disconnect the adapter re-dials from the start of the last
// delivered block with exponential backoff capped at the breaker's reset
// timeout; the consumer filters the redelivered prefix against its
// checkpoint.
func (g *Gateway) Events(ctx context.Context, fromBlock uint64) (<-chan BlockchainEvent, error) {
	if _, err := g.networkHandle(); err != nil {
		return nil, err
	}

	out := make(chan BlockchainEvent)
	go g.streamLoop(ctx, fromBlock, out)
	return out, nil
}

func (g *Gateway) streamLoop(ctx context.Context, fromBlock uint64, out chan<- BlockchainEvent) {
	defer close(out)

	backoff := time.Second
	maxBackoff := g.cfg.CircuitBreaker.ResetTimeout()
	resumeBlock := fromBlock

	for ctx.Err() == nil {
		network, err := g.networkHandle()
		if err != nil {
			g.log.Error("event stream cannot start", "error", err)
			return
		}

		events, err := network.ChaincodeEvents(ctx, g.cfg.Chaincode, client.WithStartBlock(resumeBlock))
		if err != nil {
			classified := fabricerr.Classify(err)
			if fabricerr.KindOf(classified) == fabricerr.KindPermission {
				g.log.Error("event stream rejected by MSP, identity rotation required", "error", classified)
			} else {
				g.log.Warn("event stream dial failed, backing off",
					"from_block", resumeBlock, "backoff", backoff.String(), "error", classified)
			}
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = minDuration(backoff*2, maxBackoff)
			continue
		}

		g.log.Info("event stream open", "from_block", resumeBlock)
		backoff = time.Second

		var tracker ordinalTracker
		delivered := false
		for ev := range events {
			txIdx, evIdx := tracker.next(ev.BlockNumber, ev.TransactionID)
			select {
			case out <- BlockchainEvent{
				EventName:   ev.EventName,
				Payload:     ev.Payload,
				TxID:        ev.TransactionID,
				BlockNumber: ev.BlockNumber,
				TxIndex:     txIdx,
				EventIndex:  evIdx,
				Timestamp:   time.Now().UTC(),
			}:
				resumeBlock = ev.BlockNumber
				delivered = true
			case <-ctx.Done():
				return
			}
		}

		if ctx.Err() != nil {
			return
		}

		// Upstream closed without cancellation: the peer dropped the
		// stream. Resume at the last delivered block so ordinals
		// recompute from its start.
		g.log.Warn("event stream closed by peer, reconnecting",
			"resume_block", resumeBlock, "delivered_any", delivered)
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff = minDuration(backoff*2, maxBackoff)
	}
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

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
