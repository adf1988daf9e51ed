package keymanager

import (
	"crypto/elliptic"
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/tap-rsvp/tapnode/pkg/tapcore"
)

// Agree performs key_agree(local_kid, remote_jwk) -> shared_secret (§4.A).
// For anoncrypt the result is the raw ECDH output; for authcrypt the
// caller supplies an additional ephemeral/static pair and calls AgreeECDH1PU
// instead, matching the ECDH-1PU construction DIDComm authcrypt requires.
func (m *Manager) Agree(localKid string, remote *JWK) ([]byte, error) {
	k, err := m.Lookup(localKid)
	if err != nil {
		return nil, err
	}
	if !k.Capabilities.Has(CapDecrypt) && !k.Capabilities.Has(CapEncrypt) {
		return nil, fmt.Errorf("keymanager: kid %q cannot agree: %w", localKid, tapcore.ErrAlgorithmMismatch)
	}
	return ecdh(k, remote)
}

func ecdh(local *Key, remote *JWK) ([]byte, error) {
	switch local.Curve {
	case CurveX25519:
		if remote.Crv != "X25519" {
			return nil, fmt.Errorf("keymanager: %w: expected X25519 remote key", tapcore.ErrAlgorithmMismatch)
		}
		rpub, err := b64Decode(remote.X)
		if err != nil || len(rpub) != 32 {
			return nil, fmt.Errorf("keymanager: %w", tapcore.ErrEnvelopeMalformed)
		}
		shared, err := curve25519.X25519(local.x25519Priv[:], rpub)
		if err != nil {
			return nil, fmt.Errorf("keymanager: x25519 agree: %w", err)
		}
		return shared, nil
	case CurveP256:
		return ecdhNIST(elliptic.P256(), local.p256Priv, remote)
	case CurveSecp256k1:
		return ecdhSecp256k1(local.secpPriv, remote)
	default:
		return nil, fmt.Errorf("keymanager: %w: curve %s cannot agree", tapcore.ErrAlgorithmMismatch, local.Curve)
	}
}

func ecdhNIST(curve elliptic.Curve, priv []byte, remote *JWK) ([]byte, error) {
	xb, err1 := b64Decode(remote.X)
	yb, err2 := b64Decode(remote.Y)
	if err1 != nil || err2 != nil {
		return nil, fmt.Errorf("keymanager: %w", tapcore.ErrEnvelopeMalformed)
	}
	rx, ry := new(big.Int).SetBytes(xb), new(big.Int).SetBytes(yb)
	if !curve.IsOnCurve(rx, ry) {
		return nil, fmt.Errorf("keymanager: %w: remote point not on curve", tapcore.ErrEnvelopeMalformed)
	}
	d := new(big.Int).SetBytes(priv)
	sx, _ := curve.ScalarMult(rx, ry, d.Bytes())
	return sx.FillBytes(make([]byte, (curve.Params().BitSize+7)/8)), nil
}

func ecdhSecp256k1(priv []byte, remote *JWK) ([]byte, error) {
	xb, err1 := b64Decode(remote.X)
	yb, err2 := b64Decode(remote.Y)
	if err1 != nil || err2 != nil {
		return nil, fmt.Errorf("keymanager: %w", tapcore.ErrEnvelopeMalformed)
	}
	fx := new(secp256k1.FieldVal)
	fy := new(secp256k1.FieldVal)
	fx.SetByteSlice(xb)
	fy.SetByteSlice(yb)
	rpub := secp256k1.NewPublicKey(fx, fy)

	var scalar secp256k1.ModNScalar
	scalar.SetByteSlice(priv)

	var result secp256k1.JacobianPoint
	rpub.AsJacobian(&result)
	secp256k1.ScalarMultNonConst(&scalar, &result, &result)
	result.ToAffine()

	out := make([]byte, 32)
	xBytes := result.X.Bytes()
	copy(out, xBytes[:])
	return out, nil
}

// AgreeECDH1PU computes the authcrypt key-agreement input per the
// ECDH-1PU construction (draft-madden-jose-ecdh-1pu): Ze (ephemeral-static,
// the per-message CEK-wrapping agreement) concatenated with Zs
// (static-static, the sender's long-term key agreeing with the
// recipient's), then HKDF-derived into a per-recipient key-wrapping key.
// ephemeralKid is a key generated fresh per envelope; senderKid is the
// sender's long-term agreement key; remote is the recipient's public JWK.
func (m *Manager) AgreeECDH1PU(ephemeralKid, senderKid string, remote *JWK, alg string, keyLenBytes int) ([]byte, error) {
	ze, err := m.Agree(ephemeralKid, remote)
	if err != nil {
		return nil, fmt.Errorf("keymanager: ecdh-1pu Ze: %w", err)
	}
	zs, err := m.Agree(senderKid, remote)
	if err != nil {
		return nil, fmt.Errorf("keymanager: ecdh-1pu Zs: %w", err)
	}
	z := append(append([]byte{}, ze...), zs...)
	return DeriveKey(z, alg, keyLenBytes)
}

// DeriveKey runs HKDF-SHA256 over a shared secret z with alg bound into
// the info field, the construction DIDComm's ECDH-ES/1PU AlgorithmID
// uses for per-message key derivation instead of the raw shared secret.
// Exposed so the envelope codec can derive the ECDH-ES (anoncrypt) key
// from a plain Agree() output the same way AgreeECDH1PU derives its own.
func DeriveKey(z []byte, alg string, keyLenBytes int) ([]byte, error) {
	h := hkdf.New(sha256.New, z, nil, []byte(alg))
	out := make([]byte, keyLenBytes)
	if _, err := io.ReadFull(h, out); err != nil {
		return nil, fmt.Errorf("keymanager: hkdf derive: %w", err)
	}
	return out, nil
}
