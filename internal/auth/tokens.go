// Package auth authenticates chat participants. Each participant has a
// bcrypt hash of a secret; clients present "participant:secret" as a
// Bearer token.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"sync"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"golang.org/x/crypto/bcrypt"
)

// secretBytes is the number of random bytes in a generated secret
// (hex-encoded to twice this length).
const secretBytes = 24

// maxCachedTokens caps the verified-token cache. bcrypt is slow on
// purpose, so verified tokens are remembered by digest.
const maxCachedTokens = 1024

// Participants verifies participant tokens.
type Participants struct {
	hashes map[string][]byte

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]string
}

// NewParticipants creates a verifier from participant id to bcrypt hash.
func NewParticipants(hashes map[string]string) *Participants {
	p := &Participants{
		hashes:   make(map[string][]byte, len(hashes)),
		verified: make(map[[sha256.Size]byte]string),
	}

	for id, hash := range hashes {
		p.hashes[id] = []byte(hash)
	}

	return p
}

// IDs returns the configured participant ids, sorted.
func (p *Participants) IDs() []string {
	ids := make([]string, 0, len(p.hashes))
	for id := range p.hashes {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}

// Has reports whether id is a configured participant.
func (p *Participants) Has(id string) bool {
	_, ok := p.hashes[id]
	return ok
}

// Verify checks a "participant:secret" token and returns the participant
// id.
func (p *Participants) Verify(token string) (string, error) {
	digest := sha256.Sum256([]byte(token))

	p.mu.RLock()
	id, ok := p.verified[digest]
	p.mu.RUnlock()

	if ok {
		return id, nil
	}

	id, secret, err := ParseToken(token)
	if err != nil {
		return "", err
	}

	hash, ok := p.hashes[id]
	if !ok {
		// Burn the same time as a real comparison.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
		return "", chaterrors.ErrInvalidToken
	}

	if err := bcrypt.CompareHashAndPassword(hash, []byte(secret)); err != nil {
		return "", chaterrors.ErrInvalidToken
	}

	p.mu.Lock()
	if len(p.verified) >= maxCachedTokens {
		clear(p.verified)
	}

	p.verified[digest] = id
	p.mu.Unlock()

	return id, nil
}

// dummyHash is compared against for unknown participants.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("chatsync-unknown-participant"), bcrypt.MinCost)

// ParseToken splits a "participant:secret" token.
func ParseToken(token string) (id, secret string, err error) {
	id, secret, ok := strings.Cut(token, ":")
	if !ok || id == "" || secret == "" {
		return "", "", fmt.Errorf("%w: expected participant:secret", chaterrors.ErrInvalidToken)
	}

	return id, secret, nil
}

// HashSecret returns the bcrypt hash of a participant secret.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing secret: %w", err)
	}

	return string(hash), nil
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}

// NewSecret returns a fresh random participant secret.
func NewSecret() string {
	return RandomHex(secretBytes)
}
