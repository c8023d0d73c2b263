// Package identity manages the per-installation device identity: an
// Ed25519 signing keypair with a stable device ID derived from the
// public key, used to authenticate with the gateway when no bearer
// token is configured.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/gateway-bridge/pkg/settings"
)

// StoreKey is the settings key under which the identity blob is persisted.
const StoreKey = "device.identity"

// Identity is an immutable device identity.
type Identity struct {
	DeviceID   string
	PublicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
	CreatedAt  time.Time
}

// persistedIdentity is the serialized form stored in the settings store.
type persistedIdentity struct {
	PublicKey  string `json:"publicKey"`  // base64 std, raw 32 bytes
	PrivateKey string `json:"privateKey"` // base64 std, raw 64 bytes
	CreatedAt  int64  `json:"createdAt"`  // unix ms
}

// Sign signs payload with the device's private key and returns the
// base64-encoded signature.
func (id *Identity) Sign(payload string) string {
	sig := ed25519.Sign(id.privateKey, []byte(payload))
	return base64.StdEncoding.EncodeToString(sig)
}

// PublicKeyBase64 returns the raw public key, base64 encoded, as sent
// in the connect handshake's device block.
func (id *Identity) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(id.PublicKey)
}

// Manager loads and caches the device identity.
type Manager struct {
	store  settings.Store
	logger zerolog.Logger

	mu     sync.Mutex
	cached *Identity
}

// NewManager creates an identity manager backed by the given store.
func NewManager(store settings.Store, logger zerolog.Logger) *Manager {
	return &Manager{
		store:  store,
		logger: logger.With().Str("component", "identity").Logger(),
	}
}

// LoadOrCreate returns the persisted identity, generating and persisting
// a fresh keypair when none exists or the stored blob is unusable.
// The result is cached for the life of the process.
func (m *Manager) LoadOrCreate() (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != nil {
		return m.cached, nil
	}

	if id := m.loadStored(); id != nil {
		m.cached = id
		return id, nil
	}

	id, err := m.generate()
	if err != nil {
		return nil, err
	}
	m.cached = id
	return id, nil
}

// loadStored parses the persisted blob, returning nil on absence or any
// corruption. Corruption falls back to regeneration rather than erroring:
// the identity gates pairing, it is not safety-critical state.
func (m *Manager) loadStored() *Identity {
	raw, ok, err := m.store.Get(StoreKey)
	if err != nil || !ok {
		return nil
	}

	var p persistedIdentity
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		m.logger.Warn().Err(err).Msg("stored identity unparsable, regenerating")
		return nil
	}

	pub, err := base64.StdEncoding.DecodeString(p.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		m.logger.Warn().Msg("stored public key invalid, regenerating")
		return nil
	}
	priv, err := base64.StdEncoding.DecodeString(p.PrivateKey)
	if err != nil || len(priv) != ed25519.PrivateKeySize {
		m.logger.Warn().Msg("stored private key invalid, regenerating")
		return nil
	}

	return &Identity{
		DeviceID:   DeriveDeviceID(pub),
		PublicKey:  ed25519.PublicKey(pub),
		privateKey: ed25519.PrivateKey(priv),
		CreatedAt:  time.UnixMilli(p.CreatedAt),
	}
}

func (m *Manager) generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating device keypair: %w", err)
	}

	id := &Identity{
		DeviceID:   DeriveDeviceID(pub),
		PublicKey:  pub,
		privateKey: priv,
		CreatedAt:  time.Now(),
	}

	blob, err := json.Marshal(persistedIdentity{
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
		PrivateKey: base64.StdEncoding.EncodeToString(priv),
		CreatedAt:  id.CreatedAt.UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling identity: %w", err)
	}
	if err := m.store.Set(StoreKey, string(blob)); err != nil {
		return nil, fmt.Errorf("persisting identity: %w", err)
	}

	m.logger.Info().Str("deviceId", id.DeviceID).Msg("generated new device identity")
	return id, nil
}

// DeriveDeviceID returns the lowercase hex SHA-256 digest of the raw
// 32-byte public key.
func DeriveDeviceID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// SignatureParams are the fields covered by a connect signature.
type SignatureParams struct {
	DeviceID   string
	ClientID   string
	ClientMode string
	Role       string
	Scopes     []string
	SignedAtMs int64
	Token      string
	Nonce      string
}

// SignaturePayload builds the canonical pipe-delimited string signed
// during the connect handshake. Layout is part of the wire contract:
// v2 (nonce present) appends the nonce as a trailing field, v1 omits
// the field entirely. Scopes are sorted and comma-joined.
func SignaturePayload(p SignatureParams) string {
	version := "v1"
	if p.Nonce != "" {
		version = "v2"
	}

	scopes := append([]string(nil), p.Scopes...)
	sort.Strings(scopes)

	fields := []string{
		version,
		p.DeviceID,
		p.ClientID,
		p.ClientMode,
		p.Role,
		strings.Join(scopes, ","),
		strconv.FormatInt(p.SignedAtMs, 10),
		p.Token,
	}
	if version == "v2" {
		fields = append(fields, p.Nonce)
	}
	return strings.Join(fields, "|")
}
