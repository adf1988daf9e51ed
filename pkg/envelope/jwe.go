package envelope

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/tap-rsvp/tapnode/pkg/keymanager"
	"github.com/tap-rsvp/tapnode/pkg/tapcore"
)

// jweRecipient is one entry in a JWE general serialization's
// "recipients" array (RFC 7516 §7.2.1).
type jweRecipient struct {
	Header       jweRecipientHeader `json:"header"`
	EncryptedKey string             `json:"encrypted_key"`
}

type jweRecipientHeader struct {
	Kid string         `json:"kid"`
	Epk *keymanager.JWK `json:"epk,omitempty"` // ephemeral public key, anoncrypt/authcrypt per-envelope
	Apu string         `json:"apu,omitempty"`  // sender kid, base64url — authcrypt only
	Apv string         `json:"apv,omitempty"`  // recipient kid, base64url — authcrypt only
}

// jweProtected is the JWE protected header, covered by the GCM tag as AAD.
type jweProtected struct {
	Alg  string `json:"alg"`
	Enc  string `json:"enc"`
	Typ  string `json:"typ,omitempty"`
}

// jweGeneral is the wire shape for both anoncrypt and authcrypt envelopes.
type jweGeneral struct {
	Protected  string         `json:"protected"`
	Recipients []jweRecipient `json:"recipients"`
	IV         string         `json:"iv"`
	Ciphertext string         `json:"ciphertext"`
	Tag        string         `json:"tag"`
}

const (
	algECDHESA256KW = "ECDH-ES+A256KW"
	algECDH1PUA256KW = "ECDH-1PU+A256KW"
	encA256GCM       = "A256GCM"
)

func b64u(b []byte) string  { return base64.RawURLEncoding.EncodeToString(b) }
func b64uJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return b64u(b), nil
}

// packEncrypted builds a JWE general serialization. Anoncrypt: one fresh
// ephemeral X25519/EC key agreement per recipient, sender anonymous.
// Authcrypt: sender's long-term agreement key is additionally mixed in
// via AgreeECDH1PU, and apu/apv carry sender/recipient kids (§4.B).
func packEncrypted(keys *keymanager.Manager, plaintext []byte, authcrypt bool, senderKid string, recipients map[string]*keymanager.JWK) (string, error) {
	if len(recipients) == 0 {
		return "", fmt.Errorf("envelope: pack encrypted: no recipients")
	}
	alg := algECDHESA256KW
	if authcrypt {
		if senderKid == "" {
			return "", fmt.Errorf("envelope: authcrypt requires a sender kid")
		}
		alg = algECDH1PUA256KW
	}

	protected := jweProtected{Alg: alg, Enc: encA256GCM, Typ: "application/didcomm-encrypted+json"}
	protectedJSON, err := json.Marshal(protected)
	if err != nil {
		return "", fmt.Errorf("envelope: marshal protected header: %w", err)
	}
	protectedB64 := b64u(protectedJSON)

	cek := make([]byte, 32)
	if _, err := rand.Read(cek); err != nil {
		return "", fmt.Errorf("envelope: generate cek: %w", err)
	}

	var jweRecipients []jweRecipient
	for recipKid, recipJWK := range recipients {
		wrapped, epk, apu, apv, err := wrapForRecipient(keys, authcrypt, senderKid, recipKid, recipJWK, cek, alg)
		if err != nil {
			return "", err
		}
		jweRecipients = append(jweRecipients, jweRecipient{
			Header: jweRecipientHeader{
				Kid: recipKid,
				Epk: epk,
				Apu: apu,
				Apv: apv,
			},
			EncryptedKey: b64u(wrapped),
		})
	}

	iv, ciphertext, tag, err := keymanager.EncryptContent(cek, plaintext, []byte(protectedB64))
	if err != nil {
		return "", fmt.Errorf("envelope: encrypt content: %w", err)
	}

	out := jweGeneral{
		Protected:  protectedB64,
		Recipients: jweRecipients,
		IV:         b64u(iv),
		Ciphertext: b64u(ciphertext),
		Tag:        b64u(tag),
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("envelope: marshal jwe: %w", err)
	}
	return string(b), nil
}

// wrapForRecipient generates a fresh ephemeral agreement key, derives a
// key-wrapping key (ECDH-ES or ECDH-1PU), and wraps cek with it.
func wrapForRecipient(keys *keymanager.Manager, authcrypt bool, senderKid, recipKid string, recipJWK *keymanager.JWK, cek []byte, alg string) (wrapped []byte, epkOut *keymanager.JWK, apu, apv string, err error) {
	eph, err := ephemeralFor(recipJWK)
	if err != nil {
		return nil, nil, "", "", err
	}
	ephID := recipKid + "#ephemeral"
	eph.Kid = ephID
	if err := keys.Import(eph); err != nil {
		return nil, nil, "", "", fmt.Errorf("envelope: import ephemeral key: %w", err)
	}
	defer keys.Revoke(ephID)

	var kek []byte
	if authcrypt {
		kek, err = keys.AgreeECDH1PU(ephID, senderKid, recipJWK, alg, 32)
		if err != nil {
			return nil, nil, "", "", fmt.Errorf("envelope: ecdh-1pu: %w", err)
		}
		apu, err = b64uJSON(senderKid)
		if err != nil {
			return nil, nil, "", "", err
		}
		apv, err = b64uJSON(recipKid)
		if err != nil {
			return nil, nil, "", "", err
		}
	} else {
		shared, err2 := keys.Agree(ephID, recipJWK)
		if err2 != nil {
			return nil, nil, "", "", fmt.Errorf("envelope: ecdh-es: %w", err2)
		}
		kek, err = concatKDFPublic(shared, alg, 32)
		if err != nil {
			return nil, nil, "", "", err
		}
	}

	wrapped, err = keymanager.WrapKey(kek, cek)
	if err != nil {
		return nil, nil, "", "", fmt.Errorf("envelope: wrap cek: %w", err)
	}

	epkJWK, err := keys.ExportPublicJWK(ephID)
	if err != nil {
		return nil, nil, "", "", err
	}
	return wrapped, epkJWK, apu, apv, nil
}

// ephemeralFor generates a fresh agreement keypair on the same curve
// family as the recipient's public key.
func ephemeralFor(recipJWK *keymanager.JWK) (*keymanager.Key, error) {
	switch recipJWK.Crv {
	case "X25519":
		return keymanager.GenerateX25519("")
	case "P-256":
		return keymanager.GenerateP256("")
	case "secp256k1":
		return keymanager.GenerateSecp256k1("")
	default:
		return nil, fmt.Errorf("envelope: %w: unsupported recipient curve %q", tapcore.ErrAlgorithmMismatch, recipJWK.Crv)
	}
}

// concatKDFPublic exposes the same HKDF derivation (keymanager.DeriveKey)
// that AgreeECDH1PU applies, for the anoncrypt (ECDH-ES, single-secret)
// path; Agree itself returns the raw shared secret.
func concatKDFPublic(shared []byte, alg string, keyLen int) ([]byte, error) {
	return keymanager.DeriveKey(shared, alg, keyLen)
}

// unpackEncrypted decrypts a JWE general serialization using the first
// recipient kid the manager owns (§4.B Unpack contract). resolver is
// consulted for the sender's public agreement key on authcrypt envelopes,
// since the sender is ordinarily a remote agent whose keys this node does
// not hold locally.
func unpackEncrypted(keys *keymanager.Manager, raw []byte, resolver Resolver) (plaintext []byte, authcrypt bool, senderKid string, recipientKids []string, err error) {
	var env jweGeneral
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, false, "", nil, fmt.Errorf("envelope: %w: %v", tapcore.ErrEnvelopeMalformed, err)
	}
	protectedJSON, err := base64.RawURLEncoding.DecodeString(env.Protected)
	if err != nil {
		return nil, false, "", nil, fmt.Errorf("envelope: %w: bad protected header", tapcore.ErrEnvelopeMalformed)
	}
	var protected jweProtected
	if err := json.Unmarshal(protectedJSON, &protected); err != nil {
		return nil, false, "", nil, fmt.Errorf("envelope: %w: bad protected header", tapcore.ErrEnvelopeMalformed)
	}
	authcrypt = protected.Alg == algECDH1PUA256KW

	var chosen *jweRecipient
	for i := range env.Recipients {
		recipientKids = append(recipientKids, env.Recipients[i].Header.Kid)
		if chosen == nil {
			if _, err := keys.Lookup(env.Recipients[i].Header.Kid); err == nil {
				chosen = &env.Recipients[i]
			}
		}
	}
	if chosen == nil {
		return nil, authcrypt, "", recipientKids, fmt.Errorf("envelope: %w", tapcore.ErrUnknownKey)
	}

	wrapped, err := base64.RawURLEncoding.DecodeString(chosen.EncryptedKey)
	if err != nil {
		return nil, authcrypt, "", recipientKids, fmt.Errorf("envelope: %w: bad encrypted_key", tapcore.ErrEnvelopeMalformed)
	}

	var kek []byte
	if authcrypt {
		var senderKidPlain string
		if err := unb64uJSON(chosen.Header.Apu, &senderKidPlain); err != nil {
			return nil, authcrypt, "", recipientKids, fmt.Errorf("envelope: %w: bad apu", tapcore.ErrEnvelopeMalformed)
		}
		senderKid = senderKidPlain
		senderJWK, err := resolver.ResolveJWK(senderKid)
		if err != nil {
			return nil, authcrypt, senderKid, recipientKids, fmt.Errorf("envelope: resolve sender %q: %w", senderKid, tapcore.ErrDIDUnresolvable)
		}
		if chosen.Header.Epk == nil {
			return nil, authcrypt, senderKid, recipientKids, fmt.Errorf("envelope: %w: missing epk", tapcore.ErrEnvelopeMalformed)
		}
		kek, err = unwrapAuthcryptKEK(keys, chosen.Header.Kid, senderJWK, chosen.Header.Epk, protected.Alg)
		if err != nil {
			return nil, authcrypt, senderKid, recipientKids, err
		}
	} else {
		if chosen.Header.Epk == nil {
			return nil, authcrypt, "", recipientKids, fmt.Errorf("envelope: %w: missing epk", tapcore.ErrEnvelopeMalformed)
		}
		shared, err := keys.Agree(chosen.Header.Kid, chosen.Header.Epk)
		if err != nil {
			return nil, authcrypt, "", recipientKids, fmt.Errorf("envelope: agree: %w", err)
		}
		kek, err = concatKDFPublic(shared, protected.Alg, 32)
		if err != nil {
			return nil, authcrypt, "", recipientKids, err
		}
	}

	cek, err := keymanager.UnwrapKey(kek, wrapped)
	if err != nil {
		return nil, authcrypt, senderKid, recipientKids, fmt.Errorf("envelope: %w", tapcore.ErrDecryptFailed)
	}

	iv, err := base64.RawURLEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, authcrypt, senderKid, recipientKids, fmt.Errorf("envelope: %w: bad iv", tapcore.ErrEnvelopeMalformed)
	}
	ciphertext, err := base64.RawURLEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, authcrypt, senderKid, recipientKids, fmt.Errorf("envelope: %w: bad ciphertext", tapcore.ErrEnvelopeMalformed)
	}
	tag, err := base64.RawURLEncoding.DecodeString(env.Tag)
	if err != nil {
		return nil, authcrypt, senderKid, recipientKids, fmt.Errorf("envelope: %w: bad tag", tapcore.ErrEnvelopeMalformed)
	}

	plaintext, err = keymanager.DecryptContent(cek, iv, ciphertext, tag, []byte(env.Protected))
	if err != nil {
		return nil, authcrypt, senderKid, recipientKids, err
	}
	return plaintext, authcrypt, senderKid, recipientKids, nil
}

func unwrapAuthcryptKEK(keys *keymanager.Manager, localKid string, senderJWK *keymanager.JWK, epk *keymanager.JWK, alg string) ([]byte, error) {
	ze, err := keys.Agree(localKid, epk)
	if err != nil {
		return nil, fmt.Errorf("envelope: ecdh-1pu Ze: %w", err)
	}
	zs, err := keys.Agree(localKid, senderJWK)
	if err != nil {
		return nil, fmt.Errorf("envelope: ecdh-1pu Zs: %w", err)
	}
	z := append(append([]byte{}, ze...), zs...)
	return keymanager.DeriveKey(z, alg, 32)
}

func unb64uJSON(s string, v interface{}) error {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
