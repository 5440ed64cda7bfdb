package idempotency

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinpath/bridge/internal/store"
)

// fakeRecords is an in-memory idempotency table.
type fakeRecords struct {
	rows map[string]store.IdempotencyRecord
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{rows: make(map[string]store.IdempotencyRecord)}
}

func recordKey(tenantID, method, path, key string) string {
	return tenantID + "|" + method + "|" + path + "|" + key
}

func (f *fakeRecords) PutIdempotency(ctx context.Context, rec store.IdempotencyRecord) (bool, error) {
	k := recordKey(rec.TenantID, rec.Method, rec.Path, rec.Key)
	if _, exists := f.rows[k]; exists {
		return false, nil
	}
	f.rows[k] = rec
	return true, nil
}

func (f *fakeRecords) GetIdempotency(ctx context.Context, tenantID, method, path, key string) (store.IdempotencyRecord, bool, error) {
	rec, ok := f.rows[recordKey(tenantID, method, path, key)]
	if !ok || time.Now().After(rec.ExpiresAt) {
		return store.IdempotencyRecord{}, false, nil
	}
	return rec, true, nil
}

func testKey(body []byte) Key {
	return Key{
		TenantID:       "default",
		Method:         "POST",
		Path:           "/api/transfers",
		BodyHash:       BodyHash(body),
		IdempotencyKey: "idem-1",
	}
}

func newTestGuard(records Records) *Guard {
	return NewGuard(records, nil, time.Hour, slog.Default())
}

func TestBodyHashIsStableAndBodySensitive(t *testing.T) {
	a := BodyHash([]byte(`{"amount":100}`))
	b := BodyHash([]byte(`{"amount":100}`))
	c := BodyHash([]byte(`{"amount":101}`))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestLookupMissReturnsNotFound(t *testing.T) {
	g := newTestGuard(newFakeRecords())

	stored, found, err := g.Lookup(context.Background(), testKey([]byte(`{}`)))
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, stored)
}

func TestRecordThenLookupReplaysResponse(t *testing.T) {
	g := newTestGuard(newFakeRecords())
	body := []byte(`{"amount":100}`)
	k := testKey(body)

	require.NoError(t, g.Record(context.Background(), k, "cmd-1", 202, []byte(`{"commandId":"cmd-1"}`)))

	stored, found, err := g.Lookup(context.Background(), k)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "cmd-1", stored.CommandID)
	assert.Equal(t, 202, stored.ResponseStatus)
	assert.JSONEq(t, `{"commandId":"cmd-1"}`, string(stored.ResponseBody))
}

func TestLookupSameKeyDifferentBodyConflicts(t *testing.T) {
	g := newTestGuard(newFakeRecords())
	k := testKey([]byte(`{"amount":100}`))

	require.NoError(t, g.Record(context.Background(), k, "cmd-1", 202, nil))

	replay := k
	replay.BodyHash = BodyHash([]byte(`{"amount":999}`))
	_, _, err := g.Lookup(context.Background(), replay)
	assert.ErrorIs(t, err, ErrKeyConflict)
}

func TestRecordLosesInsertRaceQuietly(t *testing.T) {
	records := newFakeRecords()
	g := newTestGuard(records)
	k := testKey([]byte(`{}`))

	require.NoError(t, g.Record(context.Background(), k, "cmd-1", 202, []byte(`first`)))
	require.NoError(t, g.Record(context.Background(), k, "cmd-2", 202, []byte(`second`)))

	// The winner's record is the one replayed.
	stored, found, err := g.Lookup(context.Background(), k)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "cmd-1", stored.CommandID)
	assert.Equal(t, []byte(`first`), stored.ResponseBody)
}

func TestDistinctKeysDoNotCollide(t *testing.T) {
	g := newTestGuard(newFakeRecords())
	body := []byte(`{}`)

	k1 := testKey(body)
	k2 := testKey(body)
	k2.IdempotencyKey = "idem-2"

	require.NoError(t, g.Record(context.Background(), k1, "cmd-1", 202, nil))

	_, found, err := g.Lookup(context.Background(), k2)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestExpiredRecordIsNotReplayed(t *testing.T) {
	records := newFakeRecords()
	g := NewGuard(records, nil, -time.Minute, slog.Default())
	k := testKey([]byte(`{}`))

	require.NoError(t, g.Record(context.Background(), k, "cmd-1", 202, nil))

	_, found, err := g.Lookup(context.Background(), k)
	require.NoError(t, err)
	assert.False(t, found)
}
