package keymanager

import (
	"encoding/base64"
	"fmt"
)

func b64Encode(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func b64Decode(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }

// exportJWK projects a Key's public material into the minimal JWK form
// used by DIDComm verification methods and key agreement (§4.A
// export_public_jwk). Never touches private fields.
func exportJWK(k *Key) (*JWK, error) {
	switch k.Curve {
	case CurveEd25519:
		return &JWK{
			Kty: "OKP",
			Crv: "Ed25519",
			X:   b64Encode(k.ed25519Pub),
			Kid: k.Kid,
			Alg: "EdDSA",
		}, nil
	case CurveX25519:
		return &JWK{
			Kty: "OKP",
			Crv: "X25519",
			X:   b64Encode(k.x25519Pub[:]),
			Kid: k.Kid,
		}, nil
	case CurveP256:
		return &JWK{
			Kty: "EC",
			Crv: "P-256",
			X:   b64Encode(pad32(k.p256PubX)),
			Y:   b64Encode(pad32(k.p256PubY)),
			Kid: k.Kid,
			Alg: "ES256",
		}, nil
	case CurveSecp256k1:
		return &JWK{
			Kty: "EC",
			Crv: "secp256k1",
			X:   b64Encode(pad32(k.secpPubX)),
			Y:   b64Encode(pad32(k.secpPubY)),
			Kid: k.Kid,
			Alg: "ES256K",
		}, nil
	default:
		return nil, fmt.Errorf("keymanager: cannot export kid %q: unknown curve", k.Kid)
	}
}
