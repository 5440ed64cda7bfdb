package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrCheckpointConflict is returned when a checkpoint save would move the
// stored position backwards. That only happens when another projector
// instance has advanced past this one, so the loser must stop rather than
// double-apply events.
var ErrCheckpointConflict = errors.New("checkpoint conflict: stored position is already ahead")

// Checkpoint is the projector's resume position. Block and EventIndex name
// the last event whose effects are durably applied.
type Checkpoint struct {
	Name       string
	Block      uint64
	EventIndex int
	UpdatedAt  time.Time
}

// LoadCheckpoint returns the stored position for a projector, with
// found=false for a projector that has never saved one.
func (s *Store) LoadCheckpoint(ctx context.Context, name string) (Checkpoint, bool, error) {
	cp := Checkpoint{Name: name}
	var block int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_block, last_event_index, updated_at
		FROM projector_state
		WHERE projector_name = $1`, name).Scan(&block, &cp.EventIndex, &cp.UpdatedAt)
	if err == sql.ErrNoRows {
		return cp, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	cp.Block = uint64(block)
	return cp, true, nil
}

// ApplyEvent runs apply and the checkpoint advance in one transaction.
// Either the event's read-model writes and the new position both land, or
// neither does; a crash in between replays the event from the stream and
// the filter drops it against the unchanged checkpoint.
func (s *Store) ApplyEvent(ctx context.Context, cp Checkpoint, apply func(Execer) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if apply != nil {
			if err := apply(tx); err != nil {
				return err
			}
		}
		return advanceCheckpointTx(tx, cp)
	})
}

// AdvanceCheckpoint saves a position with no read-model writes. Used for
// events the projector deliberately skips.
func (s *Store) AdvanceCheckpoint(ctx context.Context, cp Checkpoint) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return advanceCheckpointTx(tx, cp)
	})
}

func advanceCheckpointTx(tx *sql.Tx, cp Checkpoint) error {
	var stored int64
	err := tx.QueryRow(`
		INSERT INTO projector_state (projector_name, last_block, last_event_index, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (projector_name) DO UPDATE
		SET last_block = EXCLUDED.last_block,
		    last_event_index = EXCLUDED.last_event_index,
		    updated_at = now()
		WHERE (projector_state.last_block, projector_state.last_event_index)
		    < (EXCLUDED.last_block, EXCLUDED.last_event_index)
		RETURNING last_block`,
		cp.Name, int64(cp.Block), cp.EventIndex).Scan(&stored)
	if err == sql.ErrNoRows {
		return ErrCheckpointConflict
	}
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}
