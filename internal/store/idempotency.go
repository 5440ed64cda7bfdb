package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// IdempotencyRecord is the durable copy of one keyed HTTP response. Replays
// of the same key get this response back instead of a second enqueue.
type IdempotencyRecord struct {
	TenantID       string
	Method         string
	Path           string
	Key            string
	BodyHash       string
	CommandID      string
	ResponseStatus int
	ResponseBody   []byte
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// PutIdempotency stores the response recorded for an idempotency key.
// Concurrent replicas racing on the same key both reach here; the loser's
// insert no-ops and inserted=false tells the guard to re-read the winner.
func (s *Store) PutIdempotency(ctx context.Context, rec IdempotencyRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO http_idempotency
			(tenant_id, method, path, idempotency_key, body_hash,
			 command_id, response_status, response_body, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, method, path, idempotency_key) DO NOTHING`,
		rec.TenantID, rec.Method, rec.Path, rec.Key, rec.BodyHash,
		rec.CommandID, rec.ResponseStatus, rec.ResponseBody, rec.ExpiresAt)
	if err != nil {
		return false, fmt.Errorf("failed to store idempotency record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read idempotency insert result: %w", err)
	}
	return n == 1, nil
}

// GetIdempotency loads the record for a key, found=false when none exists
// or the stored one has already expired.
func (s *Store) GetIdempotency(ctx context.Context, tenantID, method, path, key string) (IdempotencyRecord, bool, error) {
	rec := IdempotencyRecord{TenantID: tenantID, Method: method, Path: path, Key: key}
	err := s.db.QueryRowContext(ctx, `
		SELECT body_hash, command_id, response_status, response_body, created_at, expires_at
		FROM http_idempotency
		WHERE tenant_id = $1 AND method = $2 AND path = $3 AND idempotency_key = $4
		  AND expires_at > now()`,
		tenantID, method, path, key).Scan(
		&rec.BodyHash, &rec.CommandID, &rec.ResponseStatus, &rec.ResponseBody,
		&rec.CreatedAt, &rec.ExpiresAt)
	if err == sql.ErrNoRows {
		return IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return IdempotencyRecord{}, false, fmt.Errorf("failed to load idempotency record: %w", err)
	}
	return rec, true, nil
}

// ReapIdempotency deletes expired records and reports how many went.
func (s *Store) ReapIdempotency(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM http_idempotency WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("failed to reap idempotency records: %w", err)
	}
	return res.RowsAffected()
}
