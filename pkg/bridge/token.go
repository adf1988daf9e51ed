package bridge

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// childClaims scopes a capability token to one child generation. The
// token is handed to the child in tap/initialize; tools/call requests are
// not checked against it. A call over a stdio pipe left from a prior,
// killed child is rejected instead by dispatch's comparison of the read
// loop's generation with the current one. Grounded on pkg/identity/token.go's
// RegisteredClaims-embedding pattern, simplified from that file's
// KeySet-backed RSA signing (irrelevant here — the token never leaves
// the node process and its own child) to HMAC with a process-local
// random secret.
type childClaims struct {
	jwt.RegisteredClaims
	Generation int64 `json:"generation"`
}

// tokenMinter mints and validates capability tokens scoped to a single
// bridge's child-generation sequence.
type tokenMinter struct {
	secret []byte
}

func newTokenMinter() (*tokenMinter, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("bridge: generate token secret: %w", err)
	}
	return &tokenMinter{secret: secret}, nil
}

func (m *tokenMinter) mint(generation int64, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := childClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "tapnode/bridge",
		},
		Generation: generation,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// validate returns the generation encoded in tok, or an error if the
// token is expired, malformed, or signed with a different secret.
func (m *tokenMinter) validate(tok string) (int64, error) {
	parsed, err := jwt.ParseWithClaims(tok, &childClaims{}, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	})
	if err != nil {
		return 0, fmt.Errorf("bridge: validate capability token: %w", err)
	}
	claims, ok := parsed.Claims.(*childClaims)
	if !ok || !parsed.Valid {
		return 0, fmt.Errorf("bridge: %w", jwt.ErrTokenSignatureInvalid)
	}
	return claims.Generation, nil
}
