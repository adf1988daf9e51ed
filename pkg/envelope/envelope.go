// Package envelope implements the Secure Envelope Codec (§4.B): packing
// and unpacking DIDComm v2 Plain/Signed/Encrypted envelopes over the
// canonical plaintext bytes produced by pkg/message. Grounded on the
// teacher's pkg/bridge/kernel_bridge.go framing discipline (one typed
// envelope per wire message, never partially trusted) generalized to
// DIDComm's three envelope kinds.
package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/tap-rsvp/tapnode/pkg/keymanager"
	"github.com/tap-rsvp/tapnode/pkg/tapcore"
)

// Mode identifies the envelope kind selected for an outbound message.
type Mode int

const (
	ModePlain Mode = iota
	ModeSigned
	ModeAnoncrypt
	ModeAuthcrypt
)

func (m Mode) String() string {
	switch m {
	case ModePlain:
		return "plain"
	case ModeSigned:
		return "signed"
	case ModeAnoncrypt:
		return "anoncrypt"
	case ModeAuthcrypt:
		return "authcrypt"
	default:
		return "unknown"
	}
}

// Metadata describes what Unpack learned about an envelope's provenance.
type Metadata struct {
	Mode       Mode
	SenderKid  string // empty for anoncrypt or plain
	Recipients []string
}

// Resolver looks up a public JWK for a kid found in an envelope header,
// used when verifying JWS signatures from keys the node does not own
// (§4.B Unpack contract: "resolves every kid in headers to a public key
// via a resolver callback").
type Resolver interface {
	ResolveJWK(kid string) (*keymanager.JWK, error)
}

// ResolverFunc adapts a function to a Resolver.
type ResolverFunc func(kid string) (*keymanager.JWK, error)

func (f ResolverFunc) ResolveJWK(kid string) (*keymanager.JWK, error) { return f(kid) }

// Codec packs and unpacks envelopes against a node's Key Manager.
type Codec struct {
	keys *keymanager.Manager
}

// New returns a Codec bound to the given key manager.
func New(keys *keymanager.Manager) *Codec {
	return &Codec{keys: keys}
}

// canonicalize applies RFC 8785 JSON Canonicalization to plaintext bytes
// before they are signed, so that two structurally identical messages
// serialized differently (key order, whitespace) produce the same
// signature input.
func canonicalize(plaintext []byte) ([]byte, error) {
	out, err := jcs.Transform(plaintext)
	if err != nil {
		return nil, fmt.Errorf("envelope: canonicalize: %w: %v", tapcore.ErrEnvelopeMalformed, err)
	}
	return out, nil
}

// minEnvelopeLength is the length of "{}": validateEnvelopeBytes rejects
// only shorter inputs. On Unpack, validateTAPMessage then rejects any
// plaintext without an id and a type, so "{}" itself is not accepted there.
const minEnvelopeLength = 2

func validateEnvelopeBytes(b []byte) error {
	if len(b) < minEnvelopeLength {
		return fmt.Errorf("envelope: %w: too short", tapcore.ErrEnvelopeMalformed)
	}
	return nil
}

// genericEnvelope is used only to sniff which wire kind an opaque string
// is, before dispatching to the JOSE-specific parser.
type genericEnvelope struct {
	Protected  string          `json:"protected,omitempty"`
	Ciphertext json.RawMessage `json:"ciphertext,omitempty"`
	Signatures json.RawMessage `json:"signatures,omitempty"`
	Signature  string          `json:"signature,omitempty"`
}
