package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DLQRow quarantines an event the projector could not apply: a payload
// that would not decode, or a handler that kept failing past its retry
// budget. Operators replay by fixing the cause and re-enqueueing.
type DLQRow struct {
	ID         string
	EventName  string
	Block      uint64
	TxIndex    int
	EventIndex int
	FabricTxID string
	Payload    []byte
	Reason     string
	CreatedAt  time.Time
}

// InsertDLQ writes a quarantine row. Called inside the checkpoint
// transaction so the DLQ row and the checkpoint advance land together.
func InsertDLQ(ctx context.Context, x Execer, row DLQRow) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	_, err := x.ExecContext(ctx, `
		INSERT INTO event_dlq
			(id, event_name, block_number, tx_index, event_index, fabric_tx_id, payload, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		row.ID, row.EventName, int64(row.Block), row.TxIndex, row.EventIndex,
		row.FabricTxID, row.Payload, row.Reason)
	if err != nil {
		return fmt.Errorf("failed to insert DLQ row: %w", err)
	}
	return nil
}

// CountDLQ reports how many events sit quarantined; the ops surface
// exposes it.
func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_dlq`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count DLQ rows: %w", err)
	}
	return n, nil
}
