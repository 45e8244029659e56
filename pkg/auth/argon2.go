package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters (OWASP defaults): 64 MiB, 3 passes, 4 lanes, 32-byte key.
const (
	argon2Memory      = 64 * 1024
	argon2Iterations  = 3
	argon2Parallelism = 4
	argon2KeyLength   = 32
	argon2SaltLength  = 16
)

// HashKey hashes key with Argon2id and returns a PHC string:
//
//	$argon2id$v=19$m=65536,t=3,p=4$<salt_b64>$<hash_b64>
func HashKey(key string) (string, error) {
	salt := make([]byte, argon2SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	sum := argon2.IDKey([]byte(key), salt, argon2Iterations, argon2Memory, argon2Parallelism, argon2KeyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argon2Memory, argon2Iterations, argon2Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum),
	), nil
}

// VerifyKey reports whether key matches the PHC hash. Comparison is constant time.
func VerifyKey(key, phc string) (bool, error) {
	p, err := parsePHC(phc)
	if err != nil {
		return false, fmt.Errorf("parsing hash: %w", err)
	}
	sum := argon2.IDKey([]byte(key), p.salt, p.iterations, p.memory, p.parallelism, uint32(len(p.hash)))
	return subtle.ConstantTimeCompare(sum, p.hash) == 1, nil
}

type phcHash struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
	salt        []byte
	hash        []byte
}

func parsePHC(phc string) (phcHash, error) {
	var p phcHash
	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, hash
	parts := strings.Split(phc, "$")
	if len(parts) != 6 {
		return p, fmt.Errorf("invalid PHC format: expected 6 parts, got %d", len(parts))
	}
	if parts[1] != "argon2id" {
		return p, fmt.Errorf("unsupported algorithm: %q (only argon2id supported)", parts[1])
	}
	if n, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.iterations, &p.parallelism); err != nil || n != 3 {
		return p, fmt.Errorf("invalid parameters: %q", parts[3])
	}
	var err error
	if p.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return p, fmt.Errorf("decoding salt: %w", err)
	}
	if p.hash, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return p, fmt.Errorf("decoding hash: %w", err)
	}
	if len(p.hash) == 0 {
		return p, errors.New("empty hash")
	}
	return p, nil
}

// maxCacheEntries bounds the verifier cache so a flood of bogus tokens cannot
// grow it without limit.
const maxCacheEntries = 1024

// Verifier checks the authtoken header against the configured hash.
//
// Argon2id costs ~100ms per check, so results (positive and negative) are
// cached per token for ttl. With no hash configured any non-empty token is
// accepted.
type Verifier struct {
	hash string
	ttl  time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	valid     bool
	expiresAt time.Time
}

// NewVerifier creates a Verifier for hash.
func NewVerifier(hash string, cacheTTL time.Duration) *Verifier {
	return &Verifier{
		hash:  hash,
		ttl:   cacheTTL,
		cache: make(map[string]cacheEntry),
	}
}

// Enforcing reports whether tokens are checked against a hash.
func (v *Verifier) Enforcing() bool {
	return v.hash != ""
}

// Verify reports whether token is acceptable.
func (v *Verifier) Verify(token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	if v.hash == "" {
		return true, nil
	}

	now := time.Now()
	v.mu.Lock()
	entry, ok := v.cache[token]
	v.mu.Unlock()
	if ok && now.Before(entry.expiresAt) {
		return entry.valid, nil
	}

	valid, err := VerifyKey(token, v.hash)
	if err != nil {
		return false, err
	}

	v.mu.Lock()
	if len(v.cache) >= maxCacheEntries {
		for k, e := range v.cache {
			if now.After(e.expiresAt) {
				delete(v.cache, k)
			}
		}
		if len(v.cache) >= maxCacheEntries {
			v.cache = make(map[string]cacheEntry)
		}
	}
	v.cache[token] = cacheEntry{valid: valid, expiresAt: now.Add(v.ttl)}
	v.mu.Unlock()

	return valid, nil
}
