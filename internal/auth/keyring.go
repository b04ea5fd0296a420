// Package auth guards the MCP endpoint with bearer API keys. Keys are
// configured as bcrypt hashes; the plaintext only ever lives with the
// client.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/alexjbarnes/chat-sync/internal/config"
	"golang.org/x/crypto/bcrypt"
)

// KeyPrefix marks generated keys so they are recognisable in logs and
// secret scanners.
const KeyPrefix = "cs_"

// maxVerified bounds the cache of already verified keys.
const maxVerified = 64

// Keyring verifies presented keys against the configured hashes. A
// successful match is remembered by the SHA-256 of the key for the life
// of the process.
type Keyring struct {
	entries []config.APIKeyEntry

	mu       sync.RWMutex
	verified map[string]string // sha256(key) -> entry name
}

// NewKeyring returns a keyring for the given entries.
func NewKeyring(entries []config.APIKeyEntry) *Keyring {
	return &Keyring{
		entries:  entries,
		verified: make(map[string]string),
	}
}

// Verify returns the name of the entry key matches.
func (k *Keyring) Verify(key string) (string, bool) {
	if key == "" {
		return "", false
	}

	sum := sha256.Sum256([]byte(key))
	digest := hex.EncodeToString(sum[:])

	k.mu.RLock()
	name, ok := k.verified[digest]
	k.mu.RUnlock()

	if ok {
		return name, true
	}

	for _, e := range k.entries {
		if bcrypt.CompareHashAndPassword([]byte(e.Hash), []byte(key)) == nil {
			k.mu.Lock()
			if len(k.verified) >= maxVerified {
				clear(k.verified)
			}

			k.verified[digest] = e.Name
			k.mu.Unlock()

			return e.Name, true
		}
	}

	return "", false
}

// Len is the number of configured keys.
func (k *Keyring) Len() int { return len(k.entries) }

// GenerateKey returns a new random key and its bcrypt hash.
func GenerateKey() (key, hash string, err error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generating key: %w", err)
	}

	key = KeyPrefix + hex.EncodeToString(b)

	hash, err = HashKey(key)
	if err != nil {
		return "", "", err
	}

	return key, hash, nil
}

// HashKey bcrypt-hashes key for MCP_API_KEYS.
func HashKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing key: %w", err)
	}

	return string(h), nil
}
