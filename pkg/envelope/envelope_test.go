package envelope

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/tap-rsvp/tapnode/pkg/keymanager"
)

func testMessage(t *testing.T) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]string{
		"id":   "11111111-1111-1111-1111-111111111111",
		"type": "https://tap.rsvp/schema/1.0#Transfer",
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

type stubResolver map[string]*keymanager.JWK

func (s stubResolver) ResolveJWK(kid string) (*keymanager.JWK, error) {
	if jwk, ok := s[kid]; ok {
		return jwk, nil
	}
	return nil, errKidNotFound
}

var errKidNotFound = notFoundError("kid not found")

type notFoundError string

func (e notFoundError) Error() string { return string(e) }

func TestPackUnpack_Plain(t *testing.T) {
	keys := keymanager.New()
	codec := New(keys)
	msg := testMessage(t)

	out, err := codec.Pack(PackRequest{Plaintext: msg, Mode: ModePlain})
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	plain, meta, err := codec.Unpack([]byte(out), nil)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if meta.Mode != ModePlain {
		t.Errorf("expected plain mode, got %v", meta.Mode)
	}
	if !bytes.Equal(plain, msg) {
		t.Errorf("roundtrip mismatch")
	}
}

func TestPackUnpack_Signed(t *testing.T) {
	keys := keymanager.New()
	signer, err := keymanager.GenerateEd25519("did:example:alice#key-1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := keys.Import(signer); err != nil {
		t.Fatalf("import: %v", err)
	}
	codec := New(keys)
	msg := testMessage(t)

	out, err := codec.Pack(PackRequest{Plaintext: msg, Mode: ModeSigned, SignerKid: signer.Kid})
	if err != nil {
		t.Fatalf("pack: %v", err)
	}

	jwk, err := keys.ExportPublicJWK(signer.Kid)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	resolver := stubResolver{signer.Kid: jwk}

	plain, meta, err := codec.Unpack([]byte(out), resolver)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if meta.Mode != ModeSigned || meta.SenderKid != signer.Kid {
		t.Errorf("unexpected metadata: %+v", meta)
	}
	if !bytes.Equal(plain, msg) {
		t.Errorf("roundtrip mismatch")
	}
}

func TestPackUnpack_Anoncrypt(t *testing.T) {
	keys := keymanager.New()
	recipient, err := keymanager.GenerateX25519("did:example:bob#key-agreement-1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := keys.Import(recipient); err != nil {
		t.Fatalf("import: %v", err)
	}
	codec := New(keys)
	msg := testMessage(t)

	recipJWK, err := keys.ExportPublicJWK(recipient.Kid)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	out, err := codec.Pack(PackRequest{
		Plaintext:  msg,
		Mode:       ModeAnoncrypt,
		Recipients: map[string]*keymanager.JWK{recipient.Kid: recipJWK},
	})
	if err != nil {
		t.Fatalf("pack: %v", err)
	}

	plain, meta, err := codec.Unpack([]byte(out), nil)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if meta.Mode != ModeAnoncrypt {
		t.Errorf("expected anoncrypt mode, got %v", meta.Mode)
	}
	if !bytes.Equal(plain, msg) {
		t.Errorf("roundtrip mismatch")
	}
}

func TestPackUnpack_Authcrypt(t *testing.T) {
	keys := keymanager.New()
	sender, err := keymanager.GenerateX25519("did:example:alice#key-agreement-1")
	if err != nil {
		t.Fatalf("generate sender: %v", err)
	}
	recipient, err := keymanager.GenerateX25519("did:example:bob#key-agreement-1")
	if err != nil {
		t.Fatalf("generate recipient: %v", err)
	}
	if err := keys.Import(sender); err != nil {
		t.Fatalf("import sender: %v", err)
	}
	if err := keys.Import(recipient); err != nil {
		t.Fatalf("import recipient: %v", err)
	}
	codec := New(keys)
	msg := testMessage(t)

	senderJWK, err := keys.ExportPublicJWK(sender.Kid)
	if err != nil {
		t.Fatalf("export sender: %v", err)
	}
	recipJWK, err := keys.ExportPublicJWK(recipient.Kid)
	if err != nil {
		t.Fatalf("export recipient: %v", err)
	}

	out, err := codec.Pack(PackRequest{
		Plaintext:  msg,
		Mode:       ModeAuthcrypt,
		SenderKid:  sender.Kid,
		Recipients: map[string]*keymanager.JWK{recipient.Kid: recipJWK},
	})
	if err != nil {
		t.Fatalf("pack: %v", err)
	}

	resolver := stubResolver{sender.Kid: senderJWK}

	plain, meta, err := codec.Unpack([]byte(out), resolver)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if meta.Mode != ModeAuthcrypt || meta.SenderKid != sender.Kid {
		t.Errorf("unexpected metadata: %+v", meta)
	}
	if !bytes.Equal(plain, msg) {
		t.Errorf("roundtrip mismatch")
	}
}

func TestUnpack_RejectsTruncatedEnvelope(t *testing.T) {
	keys := keymanager.New()
	codec := New(keys)
	if _, _, err := codec.Unpack([]byte("{"), nil); err == nil {
		t.Errorf("expected error on truncated envelope")
	}
}
