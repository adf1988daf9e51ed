package envelope

import (
	"fmt"

	"github.com/go-jose/go-jose/v4"

	"github.com/tap-rsvp/tapnode/pkg/keymanager"
	"github.com/tap-rsvp/tapnode/pkg/tapcore"
)

// signAlg maps a keymanager curve's recommended signature algorithm to
// the go-jose constant JWS headers expect.
func signAlg(curve keymanager.Curve) (jose.SignatureAlgorithm, error) {
	switch curve.SignatureAlgorithm() {
	case "EdDSA":
		return jose.EdDSA, nil
	case "ES256":
		return jose.ES256, nil
	case "ES256K":
		return jose.ES256K, nil
	default:
		return "", fmt.Errorf("envelope: %w: curve %s has no signature algorithm", tapcore.ErrAlgorithmMismatch, curve)
	}
}

// opaqueSigner adapts a keymanager-held key to go-jose's signer interface
// without ever exposing private key bytes to the jose package: go-jose
// calls SignPayload, which delegates to Manager.Sign by kid.
type opaqueSigner struct {
	kid   string
	keys  *keymanager.Manager
	alg   jose.SignatureAlgorithm
	curve keymanager.Curve
}

func (s *opaqueSigner) Public() *jose.JSONWebKey { return nil }

func (s *opaqueSigner) Algs() []jose.SignatureAlgorithm { return []jose.SignatureAlgorithm{s.alg} }

func (s *opaqueSigner) SignPayload(payload []byte, alg jose.SignatureAlgorithm) ([]byte, error) {
	return s.keys.Sign(s.kid, payload)
}

// packSigned produces a JWS general serialization over canonicalPlaintext,
// one signature entry per kid in signerKids, kid carried in the
// unprotected header and algorithm in the protected header (§4.B Signed).
func packSigned(keys *keymanager.Manager, canonicalPlaintext []byte, signerKids []string) (string, error) {
	if len(signerKids) == 0 {
		return "", fmt.Errorf("envelope: pack signed: no signer kids supplied")
	}
	opts := &jose.SignerOptions{}
	var signers []jose.Recipient
	for _, kid := range signerKids {
		k, err := keys.Lookup(kid)
		if err != nil {
			return "", err
		}
		alg, err := signAlg(k.Curve)
		if err != nil {
			return "", err
		}
		signers = append(signers, jose.Recipient{
			Algorithm: alg,
			Key: &opaqueSigner{kid: kid, keys: keys, alg: alg, curve: k.Curve},
			KeyID: kid,
		})
	}
	signer, err := jose.NewMultiSigner(signers, opts)
	if err != nil {
		return "", fmt.Errorf("envelope: new signer: %w", err)
	}
	jws, err := signer.Sign(canonicalPlaintext)
	if err != nil {
		return "", fmt.Errorf("envelope: sign: %w", err)
	}
	out, err := jws.FullSerialize()
	if err != nil {
		return "", fmt.Errorf("envelope: serialize jws: %w", err)
	}
	return out, nil
}

// unpackSigned verifies every signature in a JWS general serialization
// against keys resolved via resolver (§4.B Unpack contract: "resolves
// every kid in headers to a public key via a resolver callback and
// verifies all signatures"). Returns the verified payload and the kid of
// the first signer, used as the authenticated sender identity.
func unpackSigned(keys *keymanager.Manager, raw string, resolver Resolver) (payload []byte, senderKid string, err error) {
	jws, err := jose.ParseSigned(raw, []jose.SignatureAlgorithm{jose.EdDSA, jose.ES256, jose.ES256K})
	if err != nil {
		return nil, "", fmt.Errorf("envelope: %w: %v", tapcore.ErrEnvelopeMalformed, err)
	}
	if len(jws.Signatures) == 0 {
		return nil, "", fmt.Errorf("envelope: %w: no signatures", tapcore.ErrEnvelopeMalformed)
	}
	for _, sig := range jws.Signatures {
		kid := sig.Header.KeyID
		if kid == "" {
			return nil, "", fmt.Errorf("envelope: %w: signature missing kid", tapcore.ErrEnvelopeMalformed)
		}
		jwk, err := resolver.ResolveJWK(kid)
		if err != nil {
			return nil, "", fmt.Errorf("envelope: resolve %q: %w", kid, tapcore.ErrDIDUnresolvable)
		}
		payload, err = jws.Verify(&jwkVerifier{keys: keys, jwk: jwk})
		if err != nil {
			return nil, "", fmt.Errorf("envelope: verify %q: %w", kid, tapcore.ErrSignatureInvalid)
		}
		if senderKid == "" {
			senderKid = kid
		}
	}
	return payload, senderKid, nil
}

// jwkVerifier adapts a caller-resolved public JWK to go-jose's verifier
// interface, routing the actual cryptographic check through
// keymanager.VerifyJWK rather than go-jose's own key parsing so every
// signature algorithm in play goes through one audited code path.
type jwkVerifier struct {
	keys *keymanager.Manager
	jwk  *keymanager.JWK
}

func (v *jwkVerifier) VerifyPayload(payload, signature []byte, alg jose.SignatureAlgorithm) error {
	ok, err := keymanager.VerifyJWK(v.jwk, payload, signature)
	if err != nil {
		return err
	}
	if !ok {
		return tapcore.ErrSignatureInvalid
	}
	return nil
}
