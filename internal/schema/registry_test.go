package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelope(t *testing.T) {
	payload := []byte(`{"eventVersion":"1","walletId":"W-1","ownerId":"U-1","initialBalance":500}`)

	env, err := Decode(EventWalletCreated, payload)
	require.NoError(t, err)

	assert.Equal(t, EventWalletCreated, env.EventName)
	assert.Equal(t, "1", env.EventVersion)
	assert.Equal(t, "W-1", env.String("walletId"))
	assert.Equal(t, int64(500), env.Int64("initialBalance"))
	assert.Equal(t, 500.0, env.Number("initialBalance"))
	assert.Empty(t, env.String("missing"))
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode(EventWalletCreated, []byte(`{"walletId":`))
	require.Error(t, err)

	_, err = Decode(EventWalletCreated, []byte(`[1,2,3]`))
	require.Error(t, err)
}

func TestValidateHappyPath(t *testing.T) {
	r, err := NewCoinRegistry()
	require.NoError(t, err)

	env, err := Decode(EventTransferCompleted, []byte(`{
		"eventVersion": "1",
		"fromUserId": "U-A", "toUserId": "U-B",
		"fromWalletId": "W-A", "toWalletId": "W-B",
		"amount": 100, "fee": 2, "remark": "test"
	}`))
	require.NoError(t, err)

	res := r.Validate(env)
	assert.True(t, res.OK)
	assert.False(t, res.UnknownEvent)
	assert.Empty(t, res.Errors)
}

func TestValidateMissingRequired(t *testing.T) {
	r, err := NewCoinRegistry()
	require.NoError(t, err)

	env, err := Decode(EventTransferCompleted, []byte(`{"fromUserId":"U-A","amount":"a lot"}`))
	require.NoError(t, err)

	res := r.Validate(env)
	assert.False(t, res.OK)
	assert.Contains(t, res.Summary(), "missing required field toUserId")
	assert.Contains(t, res.Summary(), "field amount: expected number")
}

func TestValidateVersionHandling(t *testing.T) {
	r, err := NewCoinRegistry()
	require.NoError(t, err)

	// Missing version defaults from the descriptor with a warning only.
	env, err := Decode(EventWalletFrozen, []byte(`{"walletId":"W-1"}`))
	require.NoError(t, err)
	res := r.Validate(env)
	assert.True(t, res.OK)
	assert.Equal(t, "1", env.EventVersion)
	assert.NotEmpty(t, res.Warnings)

	// A mismatched version is a real validation error.
	env, err = Decode(EventWalletFrozen, []byte(`{"eventVersion":"2","walletId":"W-1"}`))
	require.NoError(t, err)
	res = r.Validate(env)
	assert.False(t, res.OK)
	assert.Contains(t, res.Summary(), `eventVersion "2"`)
}

func TestValidateUnknownEvent(t *testing.T) {
	r, err := NewCoinRegistry()
	require.NoError(t, err)

	env, err := Decode("BrandNewEvent", []byte(`{"anything":1}`))
	require.NoError(t, err)

	res := r.Validate(env)
	assert.True(t, res.OK)
	assert.True(t, res.UnknownEvent)
}

func TestAliasResolution(t *testing.T) {
	r, err := NewCoinRegistry()
	require.NoError(t, err)

	canonical, aliased := r.Resolve(EventInternalTransfer)
	assert.True(t, aliased)
	assert.Equal(t, EventTransferCompleted, canonical)

	canonical, aliased = r.Resolve(EventTransferCompleted)
	assert.False(t, aliased)
	assert.Equal(t, EventTransferCompleted, canonical)

	// The alias validates against the canonical descriptor.
	env, err := Decode(EventInternalTransfer, []byte(`{
		"fromUserId": "U-A", "toUserId": "U-B",
		"fromWalletId": "W-A", "toWalletId": "W-B", "amount": 10
	}`))
	require.NoError(t, err)
	res := r.Validate(env)
	assert.True(t, res.OK)
	assert.False(t, res.UnknownEvent)
}

func TestRegistrationConflicts(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{Name: "A", Version: "1"}))

	// Duplicate canonical name.
	assert.Error(t, r.Register(Descriptor{Name: "A", Version: "2"}))

	// Alias must target a registered schema and must not shadow one.
	assert.Error(t, r.RegisterAlias("B", "Nope"))
	require.NoError(t, r.RegisterAlias("B", "A"))
	assert.Error(t, r.Register(Descriptor{Name: "B", Version: "1"}))

	// Sealed registries refuse further registration.
	r.Seal()
	assert.Error(t, r.Register(Descriptor{Name: "C"}))
	assert.Error(t, r.RegisterAlias("D", "A"))
}

func TestKnownAndEventNames(t *testing.T) {
	r, err := NewCoinRegistry()
	require.NoError(t, err)

	assert.True(t, r.Known(EventUserCreated))
	assert.True(t, r.Known(EventInternalTransfer))
	assert.False(t, r.Known("Mystery"))

	names := r.EventNames()
	assert.Contains(t, names, EventTransferCompleted)
	assert.NotContains(t, names, EventInternalTransfer)
	assert.Len(t, names, 12)
}
