package keymanager

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/tap-rsvp/tapnode/pkg/tapcore"
)

const gcmNonceSize = 12

// EncryptContent implements encrypt_content(cek, plaintext, aad) ->
// (iv, ciphertext, tag) via A256GCM (§4.A). cek must be 32 bytes.
func EncryptContent(cek, plaintext, aad []byte) (iv, ciphertext, tag []byte, err error) {
	gcm, err := newGCM(cek)
	if err != nil {
		return nil, nil, nil, err
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("keymanager: encrypt_content: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, aad)
	ct := sealed[:len(sealed)-gcm.Overhead()]
	tg := sealed[len(sealed)-gcm.Overhead():]
	return nonce, ct, tg, nil
}

// DecryptContent reverses EncryptContent, returning ErrDecryptFailed on any
// authentication failure (never a more specific reason, so as not to leak
// an oracle to an adversarial sender).
func DecryptContent(cek, iv, ciphertext, tag, aad []byte) ([]byte, error) {
	gcm, err := newGCM(cek)
	if err != nil {
		return nil, err
	}
	if len(iv) != gcmNonceSize {
		return nil, fmt.Errorf("keymanager: %w", tapcore.ErrDecryptFailed)
	}
	sealed := append(append([]byte{}, ciphertext...), tag...)
	pt, err := gcm.Open(nil, iv, sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("keymanager: %w", tapcore.ErrDecryptFailed)
	}
	return pt, nil
}

func newGCM(cek []byte) (cipher.AEAD, error) {
	if len(cek) != 32 {
		return nil, fmt.Errorf("keymanager: a256gcm requires 32-byte cek, got %d: %w", len(cek), tapcore.ErrAlgorithmMismatch)
	}
	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, fmt.Errorf("keymanager: %w: %v", tapcore.ErrDecryptFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keymanager: %w: %v", tapcore.ErrDecryptFailed, err)
	}
	return gcm, nil
}
