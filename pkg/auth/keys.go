// Package auth generates and verifies the secrets the host hands out.
//
// Two kinds of secrets exist:
//   - the auth token (tkn_ prefix) the orchestrator sends in the authtoken
//     header. Only its Argon2id hash is configured on the host.
//   - access tokens (atk_ prefix) minted for tools through the
//     getAccessToken reverse call. They live in Redis with a TTL.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

const (
	PrefixAuthToken   = "tkn_"
	PrefixAccessToken = "atk_"
)

// GeneratedKey is a freshly generated secret and its Argon2id hash. Key is
// shown once; only Hash is configured.
type GeneratedKey struct {
	Key  string
	Hash string
}

// GenerateAuthToken creates a new host auth token.
func GenerateAuthToken() (*GeneratedKey, error) {
	key, err := randomKey(PrefixAuthToken)
	if err != nil {
		return nil, err
	}
	hash, err := HashKey(key)
	if err != nil {
		return nil, fmt.Errorf("hashing key: %w", err)
	}
	return &GeneratedKey{Key: key, Hash: hash}, nil
}

// NewAccessToken returns a random access token. Access tokens are looked up,
// not verified against a hash, so none is computed.
func NewAccessToken() (string, error) {
	return randomKey(PrefixAccessToken)
}

// randomKey appends 32 random bytes, base64url without padding, to prefix.
func randomKey(prefix string) (string, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(secret), nil
}

// ValidateKeyPrefix returns the prefix of key or an error if it has none we issue.
func ValidateKeyPrefix(key string) (string, error) {
	switch {
	case strings.HasPrefix(key, PrefixAuthToken):
		return PrefixAuthToken, nil
	case strings.HasPrefix(key, PrefixAccessToken):
		return PrefixAccessToken, nil
	default:
		return "", fmt.Errorf("unknown key prefix: key must start with %q or %q", PrefixAuthToken, PrefixAccessToken)
	}
}
