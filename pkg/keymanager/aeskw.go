package keymanager

import (
	"crypto/aes"
	"encoding/binary"
	"fmt"

	"github.com/tap-rsvp/tapnode/pkg/tapcore"
)

// defaultIV is the RFC 3394 §2.2.3.1 default integrity-check value.
var defaultIV = [8]byte{0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6}

// WrapKey implements RFC 3394 AES key wrap: kek must be 16/24/32 bytes,
// cek must be a multiple of 8 bytes and at least 16. Used by the envelope
// codec's wrap(cek, shared_secret) -> wrapped_cek contract (§4.A); the
// XOR substitute the spec explicitly forbids is never implemented here.
func WrapKey(kek, cek []byte) ([]byte, error) {
	if len(cek) < 16 || len(cek)%8 != 0 {
		return nil, fmt.Errorf("keymanager: wrap: cek length %d invalid: %w", len(cek), tapcore.ErrKeyWrappingFailed)
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("keymanager: wrap: %w: %v", tapcore.ErrKeyWrappingFailed, err)
	}

	n := len(cek) / 8
	r := make([][8]byte, n)
	for i := 0; i < n; i++ {
		copy(r[i][:], cek[i*8:(i+1)*8])
	}
	a := defaultIV

	buf := make([]byte, 16)
	for j := 0; j <= 5; j++ {
		for i := 0; i < n; i++ {
			copy(buf[:8], a[:])
			copy(buf[8:], r[i][:])
			block.Encrypt(buf, buf)
			copy(a[:], buf[:8])
			t := uint64(n*j+i+1) ^ binary.BigEndian.Uint64(a[:])
			binary.BigEndian.PutUint64(a[:], t)
			copy(r[i][:], buf[8:])
		}
	}

	out := make([]byte, 8+len(cek))
	copy(out[:8], a[:])
	for i := 0; i < n; i++ {
		copy(out[8+i*8:8+(i+1)*8], r[i][:])
	}
	return out, nil
}

// UnwrapKey reverses WrapKey and verifies the integrity check value.
func UnwrapKey(kek, wrapped []byte) ([]byte, error) {
	if len(wrapped) < 24 || len(wrapped)%8 != 0 {
		return nil, fmt.Errorf("keymanager: unwrap: wrapped length %d invalid: %w", len(wrapped), tapcore.ErrKeyWrappingFailed)
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("keymanager: unwrap: %w: %v", tapcore.ErrKeyWrappingFailed, err)
	}

	n := len(wrapped)/8 - 1
	var a [8]byte
	copy(a[:], wrapped[:8])
	r := make([][8]byte, n)
	for i := 0; i < n; i++ {
		copy(r[i][:], wrapped[8+i*8:8+(i+1)*8])
	}

	buf := make([]byte, 16)
	for j := 5; j >= 0; j-- {
		for i := n - 1; i >= 0; i-- {
			t := uint64(n*j+i+1) ^ binary.BigEndian.Uint64(a[:])
			var tb [8]byte
			binary.BigEndian.PutUint64(tb[:], t)
			copy(buf[:8], tb[:])
			copy(buf[8:], r[i][:])
			block.Decrypt(buf, buf)
			copy(a[:], buf[:8])
			copy(r[i][:], buf[8:])
		}
	}

	if a != defaultIV {
		return nil, fmt.Errorf("keymanager: unwrap: %w: integrity check failed", tapcore.ErrKeyWrappingFailed)
	}

	out := make([]byte, n*8)
	for i := 0; i < n; i++ {
		copy(out[i*8:(i+1)*8], r[i][:])
	}
	return out, nil
}
