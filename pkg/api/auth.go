package api

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/ethpandaops/flakeaudit/pkg/config"
	"golang.org/x/crypto/bcrypt"
)

const sessionTokenBytes = 16

// generateSessionID creates a cryptographically random session id.
func generateSessionID() (string, error) {
	b := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}

	return hex.EncodeToString(b), nil
}

// tokenVerifier checks bearer tokens against configured bcrypt hashes.
// Tokens that verified once are remembered by their sha256 digest.
type tokenVerifier struct {
	tokens []config.APIToken

	mu       sync.Mutex
	verified map[[sha256.Size]byte]string
}

func newTokenVerifier(tokens []config.APIToken) *tokenVerifier {
	return &tokenVerifier{
		tokens:   tokens,
		verified: make(map[[sha256.Size]byte]string, len(tokens)),
	}
}

// enabled reports whether any token is configured.
func (v *tokenVerifier) enabled() bool {
	return len(v.tokens) > 0
}

// verify returns the name of the token matching plain.
func (v *tokenVerifier) verify(plain string) (string, bool) {
	digest := sha256.Sum256([]byte(plain))

	v.mu.Lock()
	name, ok := v.verified[digest]
	v.mu.Unlock()

	if ok {
		return name, true
	}

	for _, t := range v.tokens {
		if bcrypt.CompareHashAndPassword([]byte(t.Hash), []byte(plain)) == nil {
			v.mu.Lock()
			v.verified[digest] = t.Name
			v.mu.Unlock()

			return t.Name, true
		}
	}

	return "", false
}
