package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/tap-rsvp/tapnode/pkg/keymanager"
	"github.com/tap-rsvp/tapnode/pkg/tapcore"
)

// PackRequest carries every input the Pack contract names (§4.B).
type PackRequest struct {
	Plaintext  []byte // canonical JSON plaintext message
	Mode       Mode
	SignerKid  string            // required for ModeSigned and for signed-then-encrypted
	SenderKid  string            // required for ModeAuthcrypt (the agreement key, distinct from SignerKid)
	Recipients map[string]*keymanager.JWK // kid -> public JWK, required for Anoncrypt/Authcrypt
	SignThenEncrypt bool         // wrap a Signed envelope inside Encrypted
}

// Pack implements the §4.B Pack contract: plaintext + target mode (+
// optional sender kid, recipient kids) -> envelope string.
func (c *Codec) Pack(req PackRequest) (string, error) {
	if err := validateEnvelopeBytes(req.Plaintext); err != nil {
		return "", err
	}

	switch req.Mode {
	case ModePlain:
		return string(req.Plaintext), nil

	case ModeSigned:
		canon, err := canonicalize(req.Plaintext)
		if err != nil {
			return "", err
		}
		return packSigned(c.keys, canon, []string{req.SignerKid})

	case ModeAnoncrypt, ModeAuthcrypt:
		inner := req.Plaintext
		if req.SignThenEncrypt {
			canon, err := canonicalize(req.Plaintext)
			if err != nil {
				return "", err
			}
			signed, err := packSigned(c.keys, canon, []string{req.SignerKid})
			if err != nil {
				return "", err
			}
			inner = []byte(signed)
		}
		authcrypt := req.Mode == ModeAuthcrypt
		return packEncrypted(c.keys, inner, authcrypt, req.SenderKid, req.Recipients)

	default:
		return "", fmt.Errorf("envelope: pack: %w: unknown mode", tapcore.ErrEnvelopeMalformed)
	}
}

// validateTAPMessage is the minimal structural check the Unpack contract
// requires before returning plaintext to the caller: it must parse as a
// JSON object carrying the fields every TAP message needs (§4.C), checked
// here without depending on pkg/message's concrete types.
type minimalEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

func validateTAPMessage(plaintext []byte) error {
	var m minimalEnvelope
	if err := json.Unmarshal(plaintext, &m); err != nil {
		return fmt.Errorf("envelope: %w: not a TAP message", tapcore.ErrMessageMalformed)
	}
	if m.ID == "" || m.Type == "" {
		return fmt.Errorf("envelope: %w: missing id/type", tapcore.ErrMessageMalformed)
	}
	return nil
}
