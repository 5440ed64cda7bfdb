// Package idempotency packages the X-Idempotency-Key contract for the API
// tier: byte-identical replay of a stored response within TTL, backed by
// the http_idempotency table with an optional Redis fast path.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coinpath/bridge/internal/store"
)

// ErrKeyConflict is returned when a request reuses an idempotency key with
// a different body. Replaying the stored response would hand the caller an
// answer to a question they did not ask, so the conflict surfaces instead.
var ErrKeyConflict = errors.New("idempotency key reused with a different request body")

// BodyHash fingerprints a request body for the idempotency key tuple.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Key identifies one idempotent request.
type Key struct {
	TenantID       string
	Method         string
	Path           string
	BodyHash       string
	IdempotencyKey string
}

// Stored is a replayable response.
type Stored struct {
	CommandID      string    `json:"commandId"`
	ResponseStatus int       `json:"responseStatus"`
	ResponseBody   []byte    `json:"responseBody"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// Records is the persistence surface the guard needs.
type Records interface {
	PutIdempotency(ctx context.Context, rec store.IdempotencyRecord) (bool, error)
	GetIdempotency(ctx context.Context, tenantID, method, path, key string) (store.IdempotencyRecord, bool, error)
}

// Guard fronts the idempotency table. Redis is a read-through cache and
// strictly optional; the table stays authoritative.
type Guard struct {
	records Records
	redis   *redis.Client
	ttl     time.Duration
	log     *slog.Logger
}

func NewGuard(records Records, rdb *redis.Client, ttl time.Duration, log *slog.Logger) *Guard {
	return &Guard{
		records: records,
		redis:   rdb,
		ttl:     ttl,
		log:     log.With("component", "idempotency"),
	}
}

// Lookup returns the stored response for a key, if any. A hit with a
// different body hash is ErrKeyConflict.
func (g *Guard) Lookup(ctx context.Context, k Key) (*Stored, bool, error) {
	if hit := g.cacheGet(ctx, k); hit != nil {
		return hit.stored, true, hit.err
	}

	rec, found, err := g.records.GetIdempotency(ctx, k.TenantID, k.Method, k.Path, k.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	if rec.BodyHash != k.BodyHash {
		return nil, false, ErrKeyConflict
	}

	stored := &Stored{
		CommandID:      rec.CommandID,
		ResponseStatus: rec.ResponseStatus,
		ResponseBody:   rec.ResponseBody,
		ExpiresAt:      rec.ExpiresAt,
	}
	g.cachePut(ctx, k, rec.BodyHash, stored)
	return stored, true, nil
}

// Record persists the response for a key. Losing the insert race to a
// concurrent replica is fine; the winner's record is the one replayed.
func (g *Guard) Record(ctx context.Context, k Key, commandID string, status int, body []byte) error {
	expiresAt := time.Now().Add(g.ttl)
	inserted, err := g.records.PutIdempotency(ctx, store.IdempotencyRecord{
		TenantID:       k.TenantID,
		Method:         k.Method,
		Path:           k.Path,
		Key:            k.IdempotencyKey,
		BodyHash:       k.BodyHash,
		CommandID:      commandID,
		ResponseStatus: status,
		ResponseBody:   body,
		ExpiresAt:      expiresAt,
	})
	if err != nil {
		return err
	}
	if !inserted {
		g.log.Debug("idempotency record already present", "key", k.IdempotencyKey)
		return nil
	}

	g.cachePut(ctx, k, k.BodyHash, &Stored{
		CommandID:      commandID,
		ResponseStatus: status,
		ResponseBody:   body,
		ExpiresAt:      expiresAt,
	})
	return nil
}

type cacheHit struct {
	stored *Stored
	err    error
}

type cacheEntry struct {
	BodyHash string `json:"bodyHash"`
	Stored   Stored `json:"stored"`
}

func (g *Guard) cacheKey(k Key) string {
	return "idem:" + k.TenantID + ":" + k.Method + ":" + k.Path + ":" + k.IdempotencyKey
}

func (g *Guard) cacheGet(ctx context.Context, k Key) *cacheHit {
	if g.redis == nil {
		return nil
	}

	raw, err := g.redis.Get(ctx, g.cacheKey(k)).Bytes()
	if err != nil {
		if err != redis.Nil {
			g.log.Warn("idempotency cache read failed", "error", err)
		}
		return nil
	}

	var entry cacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil
	}
	if entry.BodyHash != k.BodyHash {
		return &cacheHit{err: ErrKeyConflict}
	}
	if time.Now().After(entry.Stored.ExpiresAt) {
		return nil
	}
	return &cacheHit{stored: &entry.Stored}
}

func (g *Guard) cachePut(ctx context.Context, k Key, bodyHash string, stored *Stored) {
	if g.redis == nil {
		return
	}

	ttl := time.Until(stored.ExpiresAt)
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(cacheEntry{BodyHash: bodyHash, Stored: *stored})
	if err != nil {
		return
	}
	if err := g.redis.Set(ctx, g.cacheKey(k), raw, ttl).Err(); err != nil {
		g.log.Warn("idempotency cache write failed", "error", err)
	}
}

// Reaper deletes expired idempotency rows on a timer.
type Reaper struct {
	st       *store.Store
	interval time.Duration
	log      *slog.Logger
}

func NewReaper(st *store.Store, interval time.Duration, log *slog.Logger) *Reaper {
	return &Reaper{st: st, interval: interval, log: log.With("component", "idempotency-reaper")}
}

// Run reaps until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.st.ReapIdempotency(ctx)
			if err != nil {
				if ctx.Err() == nil {
					r.log.Error("idempotency reap failed", "error", err)
				}
				continue
			}
			if n > 0 {
				r.log.Info("reaped expired idempotency records", "count", n)
			}
		}
	}
}
