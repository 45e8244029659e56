package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/auxothq/toolhost/pkg/auth"
	"github.com/auxothq/toolhost/pkg/protocol"
)

// ErrTokenNotFound is returned by Lookup for unknown or expired tokens.
var ErrTokenNotFound = errors.New("access token not found")

// AccessClaims is what an access token stands for.
type AccessClaims struct {
	UserID   string    `json:"userId,omitempty"`
	TeamID   string    `json:"teamId,omitempty"`
	AppID    string    `json:"appId,omitempty"`
	ToolID   string    `json:"toolId,omitempty"`
	Scope    string    `json:"scope,omitempty"`
	IssuedAt time.Time `json:"issuedAt"`
}

// TokenStore mints and resolves access tokens.
type TokenStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewTokenStore creates a token store whose tokens expire after ttl.
func NewTokenStore(client *redis.Client, prefix string, ttl time.Duration) *TokenStore {
	return &TokenStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *TokenStore) key(token string) string {
	return s.prefix + "token:" + token
}

// IssueAccessToken mints a token bound to the caller identity in sv.
func (s *TokenStore) IssueAccessToken(ctx context.Context, sv protocol.SystemVar, scope string) (string, error) {
	token, err := auth.NewAccessToken()
	if err != nil {
		return "", err
	}
	claims, err := json.Marshal(AccessClaims{
		UserID:   sv.User.ID,
		TeamID:   sv.User.TeamID,
		AppID:    sv.App.ID,
		ToolID:   sv.Tool.ID,
		Scope:    scope,
		IssuedAt: time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("encoding claims: %w", err)
	}
	if err := s.client.Set(ctx, s.key(token), claims, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("storing access token: %w", err)
	}
	return token, nil
}

// Lookup returns the claims of a live token.
func (s *TokenStore) Lookup(ctx context.Context, token string) (AccessClaims, error) {
	var claims AccessClaims
	raw, err := s.client.Get(ctx, s.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return claims, ErrTokenNotFound
	}
	if err != nil {
		return claims, fmt.Errorf("reading access token: %w", err)
	}
	if err := json.Unmarshal(raw, &claims); err != nil {
		return claims, fmt.Errorf("decoding claims: %w", err)
	}
	return claims, nil
}

// Revoke deletes a token.
func (s *TokenStore) Revoke(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("revoking access token: %w", err)
	}
	return nil
}
