package envelope

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tap-rsvp/tapnode/pkg/tapcore"
)

// kidDID returns the DID part of a key id ("did:example:alice#key-1" ->
// "did:example:alice"), so a sender's agreement kid and signing kid
// compare equal when they belong to the same agent.
func kidDID(kid string) string {
	did, _, _ := strings.Cut(kid, "#")
	return did
}

// sniff classifies an opaque envelope string by its top-level JSON shape,
// the order the Unpack contract mandates: JWE, then JWS, then plain
// (§4.B: "The codec attempts, in order: JWE, JWS, plain").
func sniff(raw []byte) Mode {
	var g genericEnvelope
	if err := json.Unmarshal(raw, &g); err != nil {
		return ModePlain
	}
	if len(g.Ciphertext) > 0 {
		return ModeAnoncrypt // disambiguated against authcrypt only after parsing the protected header
	}
	if len(g.Signatures) > 0 || g.Signature != "" {
		return ModeSigned
	}
	return ModePlain
}

// Unpack implements the §4.B Unpack contract.
func (c *Codec) Unpack(raw []byte, resolver Resolver) ([]byte, Metadata, error) {
	if err := validateEnvelopeBytes(raw); err != nil {
		return nil, Metadata{}, err
	}

	switch sniff(raw) {
	case ModeAnoncrypt:
		plaintext, authcrypt, senderKid, recipients, err := unpackEncrypted(c.keys, raw, resolver)
		if err != nil {
			return nil, Metadata{}, err
		}
		mode := ModeAnoncrypt
		if authcrypt {
			mode = ModeAuthcrypt
		}
		// The plaintext recovered from a JWE may itself be a JWS (sign
		// then encrypt), recursed once.
		if inner := sniff(plaintext); inner == ModeSigned {
			innerPlain, innerSender, err := unpackSigned(c.keys, string(plaintext), resolver)
			if err != nil {
				return nil, Metadata{}, err
			}
			if err := validateTAPMessage(innerPlain); err != nil {
				return nil, Metadata{}, err
			}
			if senderKid != "" && kidDID(senderKid) != kidDID(innerSender) {
				return nil, Metadata{}, fmt.Errorf("envelope: %w", tapcore.ErrSenderMismatch)
			}
			return innerPlain, Metadata{Mode: mode, SenderKid: innerSender, Recipients: recipients}, nil
		}
		if err := validateTAPMessage(plaintext); err != nil {
			return nil, Metadata{}, err
		}
		return plaintext, Metadata{Mode: mode, SenderKid: senderKid, Recipients: recipients}, nil

	case ModeSigned:
		plaintext, senderKid, err := unpackSigned(c.keys, string(raw), resolver)
		if err != nil {
			return nil, Metadata{}, err
		}
		if err := validateTAPMessage(plaintext); err != nil {
			return nil, Metadata{}, err
		}
		return plaintext, Metadata{Mode: ModeSigned, SenderKid: senderKid}, nil

	default:
		if err := validateTAPMessage(raw); err != nil {
			return nil, Metadata{}, err
		}
		return raw, Metadata{Mode: ModePlain}, nil
	}
}
