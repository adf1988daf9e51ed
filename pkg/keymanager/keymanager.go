// Package keymanager owns signing and key-agreement material per agent DID
// and exposes sign/verify/encrypt/decrypt operations against key
// identifiers (kid), never raw key bytes, per §4.A and DESIGN NOTES §9
// ("Ownership of keys"). Callers never see private key material.
package keymanager

import (
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/tap-rsvp/tapnode/pkg/tapcore"
)

// Curve identifies the cryptographic curve/algorithm family a key uses.
// Tie-breaks in algorithm selection (§4.B) favor Ed25519/X25519 over
// P-256 over secp256k1, matching the order these constants are declared.
type Curve int

const (
	CurveEd25519 Curve = iota
	CurveX25519
	CurveP256
	CurveSecp256k1
)

func (c Curve) String() string {
	switch c {
	case CurveEd25519:
		return "Ed25519"
	case CurveX25519:
		return "X25519"
	case CurveP256:
		return "P-256"
	case CurveSecp256k1:
		return "secp256k1"
	default:
		return "unknown"
	}
}

// SignatureAlgorithm returns the JWS alg this curve signs with, per §4.A:
// EdDSA for Ed25519, ES256 for P-256, ES256K for secp256k1.
func (c Curve) SignatureAlgorithm() string {
	switch c {
	case CurveEd25519:
		return "EdDSA"
	case CurveP256:
		return "ES256"
	case CurveSecp256k1:
		return "ES256K"
	default:
		return ""
	}
}

// Capability flags a key is permitted to perform.
type Capability int

const (
	CapSign Capability = 1 << iota
	CapVerify
	CapEncrypt
	CapDecrypt
)

func (c Capability) Has(f Capability) bool { return c&f != 0 }

// JWK is the minimal public-key projection a key can export (§4.A
// export_public_jwk). Field names follow RFC 7517/8037 conventions used
// by DIDComm verification methods.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv,omitempty"`
	X   string `json:"x"`
	Y   string `json:"y,omitempty"` // present for EC (P-256); absent for OKP (Ed25519/X25519)
	Kid string `json:"kid"`
	Alg string `json:"alg,omitempty"`
}

// Key is the manager's internal record for one keypair. Private material
// lives behind the curve-specific signer/agreer fields, never exposed
// directly; Zero clears it on drop (DESIGN NOTES §9).
type Key struct {
	Kid          string
	Curve        Curve
	Capabilities Capability

	ed25519Priv ed25519.PrivateKey
	ed25519Pub  ed25519.PublicKey

	x25519Priv [32]byte
	x25519Pub  [32]byte

	p256Priv []byte // big-endian scalar, cleared on Zero
	p256PubX []byte
	p256PubY []byte

	secpPriv []byte // big-endian scalar, cleared on Zero
	secpPubX []byte
	secpPubY []byte
}

// Zero overwrites private material in place. Called when a Manager drops
// a key (rotation/revocation) so secrets do not linger in memory.
func (k *Key) Zero() {
	for i := range k.ed25519Priv {
		k.ed25519Priv[i] = 0
	}
	for i := range k.x25519Priv {
		k.x25519Priv[i] = 0
	}
	for i := range k.p256Priv {
		k.p256Priv[i] = 0
	}
	for i := range k.secpPriv {
		k.secpPriv[i] = 0
	}
}

// Manager is the Key Manager of §4.A: one instance per node process,
// holding keys for every locally hosted agent DID, indexed by kid.
// Shared-immutable after initialization (§5 Shared resource policy):
// reads (Sign/Verify/etc.) take no lock beyond the map's RWMutex;
// mutating operations (key rotation, import) are serialized by the
// same mutex, matching crypto.KeyRing's discipline in the teacher.
type Manager struct {
	mu   sync.RWMutex
	keys map[string]*Key // kid -> Key
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{keys: make(map[string]*Key)}
}

// Import registers a key under its kid. First writer wins per kid to keep
// rotation explicit (callers must Revoke before re-Import with the same
// kid).
func (m *Manager) Import(k *Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.keys[k.Kid]; exists {
		return fmt.Errorf("keymanager: kid %q already registered", k.Kid)
	}
	m.keys[k.Kid] = k
	return nil
}

// Revoke removes a key and zeroes its private material.
func (m *Manager) Revoke(kid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[kid]; ok {
		k.Zero()
		delete(m.keys, kid)
	}
}

// Lookup returns the key for kid, or ErrUnknownKey.
func (m *Manager) Lookup(kid string) (*Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[kid]
	if !ok {
		return nil, fmt.Errorf("keymanager: kid %q: %w", kid, tapcore.ErrUnknownKey)
	}
	return k, nil
}

// KeysWithCapability returns every kid the manager holds with the given
// capability, used by the envelope codec to pick a recipient kid it owns
// when unpacking JWE (§4.B Unpack contract).
func (m *Manager) KeysWithCapability(cap Capability) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for kid, k := range m.keys {
		if k.Capabilities.Has(cap) {
			out = append(out, kid)
		}
	}
	return out
}

// ExportPublicJWK implements §4.A export_public_jwk.
func (m *Manager) ExportPublicJWK(kid string) (*JWK, error) {
	k, err := m.Lookup(kid)
	if err != nil {
		return nil, err
	}
	return exportJWK(k)
}
