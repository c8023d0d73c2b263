package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/gateway-bridge/pkg/settings"
)

func TestManager_LoadOrCreateIdempotent(t *testing.T) {
	store := settings.NewMemoryStore()

	first, err := NewManager(store, zerolog.Nop()).LoadOrCreate()
	require.NoError(t, err)
	assert.Len(t, []byte(first.PublicKey), ed25519.PublicKeySize)

	// A fresh manager over the same store loads identical material.
	second, err := NewManager(store, zerolog.Nop()).LoadOrCreate()
	require.NoError(t, err)

	assert.Equal(t, first.DeviceID, second.DeviceID)
	assert.Equal(t, first.PublicKey, second.PublicKey)
	assert.Equal(t, first.Sign("probe"), second.Sign("probe"))
}

func TestManager_CachedWithinProcess(t *testing.T) {
	store := settings.NewMemoryStore()
	m := NewManager(store, zerolog.Nop())

	first, err := m.LoadOrCreate()
	require.NoError(t, err)
	second, err := m.LoadOrCreate()
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestManager_RegeneratesOnCorruption(t *testing.T) {
	store := settings.NewMemoryStore()

	first, err := NewManager(store, zerolog.Nop()).LoadOrCreate()
	require.NoError(t, err)

	tests := []struct {
		name string
		blob string
	}{
		{"unparsable json", "{not json"},
		{"bad base64", `{"publicKey":"***","privateKey":"***","createdAt":1}`},
		{"wrong key size", `{"publicKey":"c2hvcnQ=","privateKey":"c2hvcnQ=","createdAt":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, store.Set(StoreKey, tt.blob))

			regen, err := NewManager(store, zerolog.Nop()).LoadOrCreate()
			require.NoError(t, err)

			assert.NotEqual(t, first.DeviceID, regen.DeviceID)
			sum := sha256.Sum256(regen.PublicKey)
			assert.Equal(t, hex.EncodeToString(sum[:]), regen.DeviceID)

			// The regenerated identity was persisted.
			reload, err := NewManager(store, zerolog.Nop()).LoadOrCreate()
			require.NoError(t, err)
			assert.Equal(t, regen.DeviceID, reload.DeviceID)
		})
	}
}

func TestDeriveDeviceID(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	sum := sha256.Sum256(pub)
	assert.Equal(t, hex.EncodeToString(sum[:]), DeriveDeviceID(pub))
	assert.Len(t, DeriveDeviceID(pub), 64)
}

func TestSignaturePayload_Layout(t *testing.T) {
	base := SignatureParams{
		DeviceID:   "dev1",
		ClientID:   "client1",
		ClientMode: "backend",
		Role:       "operator",
		Scopes:     []string{"b.scope", "a.scope"},
		SignedAtMs: 1700000000000,
		Token:      "tok",
	}

	// v1: no nonce, field omitted entirely.
	v1 := SignaturePayload(base)
	assert.Equal(t, "v1|dev1|client1|backend|operator|a.scope,b.scope|1700000000000|tok", v1)

	// v2: nonce appended as trailing field.
	withNonce := base
	withNonce.Nonce = "n-123"
	v2 := SignaturePayload(withNonce)
	assert.Equal(t, "v2|dev1|client1|backend|operator|a.scope,b.scope|1700000000000|tok|n-123", v2)

	// Empty token keeps its slot.
	noToken := base
	noToken.Token = ""
	assert.Equal(t, "v1|dev1|client1|backend|operator|a.scope,b.scope|1700000000000|", SignaturePayload(noToken))
}

func TestSign_Deterministic(t *testing.T) {
	store := settings.NewMemoryStore()
	id, err := NewManager(store, zerolog.Nop()).LoadOrCreate()
	require.NoError(t, err)

	payload := SignaturePayload(SignatureParams{
		DeviceID:   id.DeviceID,
		ClientID:   "c",
		ClientMode: "backend",
		Role:       "operator",
		Scopes:     []string{"s"},
		SignedAtMs: 42,
	})

	sig1 := id.Sign(payload)
	sig2 := id.Sign(payload)
	assert.Equal(t, sig1, sig2, "same payload yields the same signature")

	changed := SignaturePayload(SignatureParams{
		DeviceID:   id.DeviceID,
		ClientID:   "c",
		ClientMode: "backend",
		Role:       "operator",
		Scopes:     []string{"s"},
		SignedAtMs: 43,
	})
	assert.NotEqual(t, sig1, id.Sign(changed), "changing any field changes the signature")
}
