package keymanager

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func TestManager_ImportLookupRevoke(t *testing.T) {
	m := New()
	k, err := GenerateEd25519("did:example:alice#key-1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := m.Import(k); err != nil {
		t.Fatalf("import: %v", err)
	}
	if err := m.Import(k); err == nil {
		t.Fatalf("expected error re-importing same kid")
	}
	got, err := m.Lookup(k.Kid)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Kid != k.Kid {
		t.Errorf("expected kid %q, got %q", k.Kid, got.Kid)
	}
	m.Revoke(k.Kid)
	if _, err := m.Lookup(k.Kid); err == nil {
		t.Errorf("expected error after revoke")
	}
}

func TestSignVerify_Ed25519(t *testing.T) {
	m := New()
	k, _ := GenerateEd25519("kid-1")
	m.Import(k)

	msg := []byte("authorize transfer")
	sig, err := m.Sign(k.Kid, msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ok, err := m.Verify(k.Kid, msg, sig)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Errorf("expected valid signature")
	}
	if ok, _ := m.Verify(k.Kid, []byte("tampered"), sig); ok {
		t.Errorf("expected tampered message to fail verification")
	}
}

func TestSignVerify_P256(t *testing.T) {
	m := New()
	k, err := GenerateP256("kid-p256")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	m.Import(k)
	msg := []byte("settle")
	sig, err := m.Sign(k.Kid, msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ok, err := m.Verify(k.Kid, msg, sig)
	if err != nil || !ok {
		t.Fatalf("verify: ok=%v err=%v", ok, err)
	}
}

func TestSignVerify_Secp256k1(t *testing.T) {
	m := New()
	k, err := GenerateSecp256k1("kid-secp")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	m.Import(k)
	msg := []byte("reject")
	sig, err := m.Sign(k.Kid, msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ok, err := m.Verify(k.Kid, msg, sig)
	if err != nil || !ok {
		t.Fatalf("verify: ok=%v err=%v", ok, err)
	}
}

func TestExportPublicJWK_NoPrivateMaterial(t *testing.T) {
	m := New()
	k, _ := GenerateEd25519("kid-export")
	m.Import(k)
	jwk, err := m.ExportPublicJWK(k.Kid)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if jwk.Kty != "OKP" || jwk.Crv != "Ed25519" {
		t.Errorf("unexpected jwk shape: %+v", jwk)
	}
	if jwk.X == "" {
		t.Errorf("expected public x value")
	}
}

func TestAgree_X25519RoundTrip(t *testing.T) {
	m := New()
	alice, _ := GenerateX25519("alice-agree")
	bob, _ := GenerateX25519("bob-agree")
	m.Import(alice)
	m.Import(bob)

	bobJWK, err := exportJWK(bob)
	if err != nil {
		t.Fatalf("export bob: %v", err)
	}
	aliceJWK, err := exportJWK(alice)
	if err != nil {
		t.Fatalf("export alice: %v", err)
	}

	sharedA, err := m.Agree(alice.Kid, bobJWK)
	if err != nil {
		t.Fatalf("agree alice->bob: %v", err)
	}
	sharedB, err := m.Agree(bob.Kid, aliceJWK)
	if err != nil {
		t.Fatalf("agree bob->alice: %v", err)
	}
	if !bytes.Equal(sharedA, sharedB) {
		t.Errorf("expected matching shared secrets, got %x vs %x", sharedA, sharedB)
	}
}

func TestWrapUnwrapKey_RFC3394Vector(t *testing.T) {
	// RFC 3394 §4.1 test vector: 128-bit KEK wrapping a 128-bit key.
	kek := mustHex(t, "000102030405060708090A0B0C0D0E0F")
	cek := mustHex(t, "00112233445566778899AABBCCDDEEFF")
	wantWrapped := mustHex(t, "1FA68B0A8112B447AEF34BD8FB5A7B829D3E862371D2CFE5")

	wrapped, err := WrapKey(kek, cek)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if !bytes.Equal(wrapped, wantWrapped) {
		t.Errorf("wrap mismatch: got %x want %x", wrapped, wantWrapped)
	}

	unwrapped, err := UnwrapKey(kek, wrapped)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if !bytes.Equal(unwrapped, cek) {
		t.Errorf("unwrap mismatch: got %x want %x", unwrapped, cek)
	}
}

func TestUnwrapKey_TamperedIntegrityCheck(t *testing.T) {
	kek := mustHex(t, "000102030405060708090A0B0C0D0E0F")
	cek := mustHex(t, "00112233445566778899AABBCCDDEEFF")
	wrapped, err := WrapKey(kek, cek)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	wrapped[0] ^= 0xFF
	if _, err := UnwrapKey(kek, wrapped); err == nil {
		t.Errorf("expected integrity check failure on tampered wrap")
	}
}

func TestEncryptDecryptContent_A256GCM(t *testing.T) {
	cek := make([]byte, 32)
	for i := range cek {
		cek[i] = byte(i)
	}
	plaintext := []byte(`{"type":"https://tap.rsvp/schema/1.0#Transfer"}`)
	aad := []byte("protected-header")

	iv, ct, tag, err := EncryptContent(cek, plaintext, aad)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	pt, err := DecryptContent(cek, iv, ct, tag, aad)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Errorf("roundtrip mismatch: got %q want %q", pt, plaintext)
	}

	if _, err := DecryptContent(cek, iv, ct, tag, []byte("wrong-aad")); err == nil {
		t.Errorf("expected decrypt failure with mismatched aad")
	}
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("hex decode %q: %v", s, err)
	}
	return b
}
