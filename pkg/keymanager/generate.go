package keymanager

import (
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/curve25519"
)

// GenerateEd25519 creates a signing+verify key for kid.
func GenerateEd25519(kid string) (*Key, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keymanager: generate ed25519: %w", err)
	}
	return &Key{
		Kid:          kid,
		Curve:        CurveEd25519,
		Capabilities: CapSign | CapVerify,
		ed25519Priv:  priv,
		ed25519Pub:   pub,
	}, nil
}

// GenerateX25519 creates an agreement-only key for kid (encrypt/decrypt via
// key_agree, never sign/verify).
func GenerateX25519(kid string) (*Key, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("keymanager: generate x25519: %w", err)
	}
	// Clamp per RFC 7748.
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("keymanager: derive x25519 public: %w", err)
	}
	k := &Key{
		Kid:          kid,
		Curve:        CurveX25519,
		Capabilities: CapEncrypt | CapDecrypt,
		x25519Priv:   priv,
	}
	copy(k.x25519Pub[:], pub)
	return k, nil
}

// GenerateP256 creates a signing+verify key on the NIST P-256 curve.
func GenerateP256(kid string) (*Key, error) {
	curve := elliptic.P256()
	priv, err := rand.Int(rand.Reader, curve.Params().N)
	if err != nil {
		return nil, fmt.Errorf("keymanager: generate p256: %w", err)
	}
	if priv.Sign() == 0 {
		return nil, fmt.Errorf("keymanager: generate p256: zero scalar")
	}
	x, y := curve.ScalarBaseMult(priv.Bytes())
	return &Key{
		Kid:          kid,
		Curve:        CurveP256,
		Capabilities: CapSign | CapVerify | CapEncrypt | CapDecrypt,
		p256Priv:     priv.FillBytes(make([]byte, 32)),
		p256PubX:     x.FillBytes(make([]byte, 32)),
		p256PubY:     y.FillBytes(make([]byte, 32)),
	}, nil
}

// GenerateSecp256k1 creates a signing+verify key on secp256k1, the curve
// chain-native DIDs (did:pkh, did:ethr) most commonly use.
func GenerateSecp256k1(kid string) (*Key, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("keymanager: generate secp256k1: %w", err)
	}
	pub := priv.PubKey()
	return &Key{
		Kid:          kid,
		Curve:        CurveSecp256k1,
		Capabilities: CapSign | CapVerify,
		secpPriv:     priv.Serialize(),
		secpPubX:     pub.X().Bytes(),
		secpPubY:     pub.Y().Bytes(),
	}, nil
}

func pad32(b []byte) []byte {
	if len(b) >= 32 {
		return b
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}
