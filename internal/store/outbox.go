package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Command status lifecycle. PENDING and stale PROCESSING rows are claimable;
// COMMITTED and FAILED are terminal.
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusCommitted  = "COMMITTED"
	StatusFailed     = "FAILED"
)

// Command is one outbox row: a chaincode invocation that has been accepted
// from the API tier and must reach the ledger at least once.
type Command struct {
	ID             string
	Seq            int64
	TenantID       string
	CommandType    string
	AggregateID    string
	RequestID      string
	Payload        json.RawMessage
	Status         string
	Attempts       int
	LastError      string
	FabricTxID     string
	CommittedBlock sql.NullInt64
	AvailableAt    time.Time
	ClaimedBy      string
	ClaimedAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

const commandColumns = `id, seq, tenant_id, command_type, aggregate_id, request_id, payload,
       status, attempts, COALESCE(last_error, ''), COALESCE(fabric_tx_id, ''), committed_block,
       available_at, COALESCE(claimed_by, ''), claimed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCommand(row rowScanner) (Command, error) {
	var cmd Command
	var claimedAt sql.NullTime
	err := row.Scan(
		&cmd.ID, &cmd.Seq, &cmd.TenantID, &cmd.CommandType, &cmd.AggregateID,
		&cmd.RequestID, &cmd.Payload, &cmd.Status, &cmd.Attempts, &cmd.LastError,
		&cmd.FabricTxID, &cmd.CommittedBlock, &cmd.AvailableAt, &cmd.ClaimedBy,
		&claimedAt, &cmd.CreatedAt, &cmd.UpdatedAt,
	)
	if err != nil {
		return Command{}, err
	}
	cmd.ClaimedAt = nullTime(claimedAt)
	return cmd, nil
}

// EnqueueCommand appends a command to the outbox. Replays of the same
// (tenant, commandType, requestId) return the already-stored command with
// created=false instead of inserting a second row. An empty aggregateId is
// rejected here so FIFO ordering never silently degrades downstream.
func (s *Store) EnqueueCommand(ctx context.Context, tenantID, commandType, aggregateID, requestID string, payload json.RawMessage) (Command, bool, error) {
	if tenantID == "" || commandType == "" || requestID == "" {
		return Command{}, false, fmt.Errorf("tenant, command type and request id are required")
	}
	if aggregateID == "" {
		return Command{}, false, fmt.Errorf("aggregate id is required for command %s", commandType)
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO outbox_commands (tenant_id, command_type, aggregate_id, request_id, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, command_type, request_id) DO NOTHING
		RETURNING `+commandColumns,
		tenantID, commandType, aggregateID, requestID, []byte(payload))

	cmd, err := scanCommand(row)
	if err == nil {
		return cmd, true, nil
	}
	if err != sql.ErrNoRows {
		return Command{}, false, fmt.Errorf("failed to enqueue command: %w", err)
	}

	// Conflict path: hand back the original enqueue.
	existing, err := s.getByRequest(ctx, tenantID, commandType, requestID)
	if err != nil {
		return Command{}, false, fmt.Errorf("failed to load existing command: %w", err)
	}
	return existing, false, nil
}

func (s *Store) getByRequest(ctx context.Context, tenantID, commandType, requestID string) (Command, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+commandColumns+`
		FROM outbox_commands
		WHERE tenant_id = $1 AND command_type = $2 AND request_id = $3`,
		tenantID, commandType, requestID)
	return scanCommand(row)
}

// GetCommand loads one command by id.
func (s *Store) GetCommand(ctx context.Context, id string) (Command, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+commandColumns+`
		FROM outbox_commands
		WHERE id = $1`, id)
	cmd, err := scanCommand(row)
	if err == sql.ErrNoRows {
		return Command{}, fmt.Errorf("command %s not found", id)
	}
	if err != nil {
		return Command{}, fmt.Errorf("failed to load command: %w", err)
	}
	return cmd, nil
}

// ClaimBatch marks up to limit commands PROCESSING for the given worker and
// returns them in seq order. A command is claimable when it is PENDING and
// due, or PROCESSING but claimed longer than staleAfter ago (its worker is
// presumed dead), and no older command of the same aggregate is still open.
// Claiming only each aggregate's head preserves per-aggregate FIFO no matter
// how many workers poll concurrently; SKIP LOCKED keeps pollers from
// serializing on each other. The attempt is spent at claim time, so a worker
// that crashes before reporting a verdict still moves the command toward its
// attempt limit.
func (s *Store) ClaimBatch(ctx context.Context, tenantID, worker string, limit, maxAttempts int, staleAfter time.Duration) ([]Command, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE outbox_commands
		SET status = 'PROCESSING', attempts = attempts + 1,
		    claimed_by = $1, claimed_at = now(), updated_at = now()
		WHERE id IN (
			SELECT c.id
			FROM outbox_commands c
			WHERE c.tenant_id = $2
			  AND c.attempts < $3
			  AND (
			        (c.status = 'PENDING' AND c.available_at <= now())
			     OR (c.status = 'PROCESSING' AND c.claimed_at < now() - make_interval(secs => $4))
			  )
			  AND NOT EXISTS (
			        SELECT 1 FROM outbox_commands older
			        WHERE older.tenant_id = c.tenant_id
			          AND older.aggregate_id = c.aggregate_id
			          AND older.seq < c.seq
			          AND older.status IN ('PENDING', 'PROCESSING')
			  )
			ORDER BY c.seq
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+commandColumns,
		worker, tenantID, maxAttempts, staleAfter.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim commands: %w", err)
	}
	defer rows.Close()

	var batch []Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed command: %w", err)
		}
		batch = append(batch, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read claimed commands: %w", err)
	}

	// RETURNING order is not guaranteed; the workers rely on seq order.
	for i := 1; i < len(batch); i++ {
		for j := i; j > 0 && batch[j].Seq < batch[j-1].Seq; j-- {
			batch[j], batch[j-1] = batch[j-1], batch[j]
		}
	}
	return batch, nil
}

// MarkCommitted finalizes a command after Fabric reports a successful commit.
// It only transitions rows still PROCESSING, so a stale claim that was handed
// to another worker cannot be completed twice.
func (s *Store) MarkCommitted(ctx context.Context, id, fabricTxID string, block uint64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_commands
		SET status = 'COMMITTED', fabric_tx_id = $2, committed_block = $3,
		    last_error = NULL, updated_at = now()
		WHERE id = $1 AND status = 'PROCESSING'`,
		id, fabricTxID, int64(block))
	if err != nil {
		return false, fmt.Errorf("failed to mark command committed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read commit result: %w", err)
	}
	return n == 1, nil
}

// MarkFailed records a failed attempt. Terminal errors fail the command
// immediately; retryable errors put it back to PENDING with the given
// backoff until attempts run out, at which point it fails for good. The
// attempt itself was already counted by ClaimBatch.
func (s *Store) MarkFailed(ctx context.Context, id, reason string, terminal bool, maxAttempts int, backoff time.Duration) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `
		UPDATE outbox_commands
		SET last_error = $2,
		    status = CASE
		        WHEN $3 OR attempts >= $4 THEN 'FAILED'
		        ELSE 'PENDING'
		    END,
		    available_at = now() + make_interval(secs => $5),
		    claimed_by = NULL, claimed_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'PROCESSING'
		RETURNING status`,
		id, reason, terminal, maxAttempts, backoff.Seconds()).Scan(&status)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("command %s is no longer processing", id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to mark command failed: %w", err)
	}
	return status, nil
}

// FailExhausted sweeps commands that already burned every attempt into
// FAILED so they stop blocking their aggregate. That covers PENDING rows
// left at the limit and stale PROCESSING rows whose worker crashed after
// claiming the final attempt.
func (s *Store) FailExhausted(ctx context.Context, tenantID string, maxAttempts int, staleAfter time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_commands
		SET status = 'FAILED',
		    last_error = COALESCE('max attempts exceeded: ' || NULLIF(last_error, ''), 'max attempts exceeded'),
		    claimed_by = NULL, claimed_at = NULL, updated_at = now()
		WHERE tenant_id = $1 AND attempts >= $2
		  AND (
		        status = 'PENDING'
		     OR (status = 'PROCESSING' AND claimed_at < now() - make_interval(secs => $3))
		  )`,
		tenantID, maxAttempts, staleAfter.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep exhausted commands: %w", err)
	}
	return res.RowsAffected()
}

// CountByStatus reports how many commands sit in each status for one tenant.
func (s *Store) CountByStatus(ctx context.Context, tenantID string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM outbox_commands
		WHERE tenant_id = $1
		GROUP BY status`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to count commands: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan command count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
