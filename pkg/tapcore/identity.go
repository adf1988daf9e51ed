package tapcore

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// minDIDLength is the shortest legal DID ("did:x:1"); inputs shorter than
// this are refused before any slicing is attempted (§4.B Input validation,
// §5 Safety against stale inputs).
const minDIDLength = 7

// SanitizeDID maps an agent DID to a filesystem-safe path segment (§3
// Agent Identity: "Sanitized form is used for filesystem paths."). Any
// character outside [A-Za-z0-9._-] is replaced with '_'; a trailing
// content hash is appended so that DIDs differing only in sanitized-away
// characters never collide on disk.
func SanitizeDID(did string) (string, error) {
	if len(did) < minDIDLength {
		return "", ErrMessageMalformed
	}
	var b strings.Builder
	b.Grow(len(did))
	for _, r := range did {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	sum := sha256.Sum256([]byte(did))
	return b.String() + "-" + hex.EncodeToString(sum[:])[:12], nil
}

// ValidDID performs the minimal structural check the core requires before
// treating a string as an agent identity: non-trivial length and a "did:"
// prefix. Full DID method syntax validation is the resolver's concern
// (§6 External collaborator interfaces consumed).
func ValidDID(did string) bool {
	if len(did) < minDIDLength {
		return false
	}
	return strings.HasPrefix(did, "did:")
}
