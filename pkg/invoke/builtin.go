package invoke

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/auxothq/toolhost/pkg/protocol"
)

// Built-in method names.
const (
	MethodGetAccessToken    = "getAccessToken"
	MethodWeComGetCorpToken = "wecom.getCorpToken"
)

// AccessTokenIssuer mints short-lived host access tokens bound to a caller identity.
type AccessTokenIssuer interface {
	IssueAccessToken(ctx context.Context, sv protocol.SystemVar, scope string) (string, error)
}

// Cache is a string cache with per-entry expiry.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

type accessTokenParams struct {
	Scope string `json:"scope"`
}

// AccessTokenHandler serves getAccessToken. The caller must carry a user or
// team identity in its systemVar.
func AccessTokenHandler(issuer AccessTokenIssuer) Handler {
	return func(ctx context.Context, params json.RawMessage, sv protocol.SystemVar) (any, error) {
		if sv.User.ID == "" && sv.User.TeamID == "" {
			return nil, errors.New("getAccessToken: caller has no user or team identity")
		}
		var p accessTokenParams
		if len(params) > 0 && string(params) != "null" {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, fmt.Errorf("getAccessToken: invalid params: %w", err)
			}
		}
		return issuer.IssueAccessToken(ctx, sv, p.Scope)
	}
}

// CorpToken is the WeCom application access token.
type CorpToken struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type corpTokenParams struct {
	CorpID     string `json:"corpId"`
	CorpSecret string `json:"corpSecret"`
}

type cachedCorpToken struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   int64  `json:"expires_at"`
}

type weComTokenResponse struct {
	ErrCode     int    `json:"errcode"`
	ErrMsg      string `json:"errmsg"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// corpTokenMargin is subtracted from the upstream expiry so a cached token is
// never handed out in its last minutes of validity.
const corpTokenMargin = 5 * time.Minute

// WeComClient fetches WeCom corp tokens and caches them.
type WeComClient struct {
	BaseURL    string
	HTTPClient *http.Client
	Cache      Cache
	Now        func() time.Time
}

// Handler returns the wecom.getCorpToken handler.
func (c *WeComClient) Handler() Handler {
	return func(ctx context.Context, params json.RawMessage, _ protocol.SystemVar) (any, error) {
		var p corpTokenParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("wecom.getCorpToken: invalid params: %w", err)
		}
		if p.CorpID == "" || p.CorpSecret == "" {
			return nil, errors.New("wecom.getCorpToken: corpId and corpSecret are required")
		}
		return c.CorpToken(ctx, p.CorpID, p.CorpSecret)
	}
}

// CorpToken returns a cached token for the corp/secret pair or fetches a new one.
func (c *WeComClient) CorpToken(ctx context.Context, corpID, corpSecret string) (CorpToken, error) {
	now := c.now()
	key := corpTokenKey(corpID, corpSecret)

	if c.Cache != nil {
		if raw, ok, err := c.Cache.Get(ctx, key); err == nil && ok {
			var cached cachedCorpToken
			if json.Unmarshal([]byte(raw), &cached) == nil {
				if remaining := cached.ExpiresAt - now.Unix(); remaining > 0 {
					return CorpToken{AccessToken: cached.AccessToken, ExpiresIn: int(remaining)}, nil
				}
			}
		}
	}

	tok, err := c.fetch(ctx, corpID, corpSecret)
	if err != nil {
		return CorpToken{}, err
	}

	ttl := time.Duration(tok.ExpiresIn)*time.Second - corpTokenMargin
	if c.Cache != nil && ttl > 0 {
		raw, _ := json.Marshal(cachedCorpToken{
			AccessToken: tok.AccessToken,
			ExpiresAt:   now.Add(ttl).Unix(),
		})
		// A cache write failure only costs an extra upstream fetch next time.
		_ = c.Cache.Set(ctx, key, string(raw), ttl)
	}
	return tok, nil
}

func (c *WeComClient) fetch(ctx context.Context, corpID, corpSecret string) (CorpToken, error) {
	q := url.Values{}
	q.Set("corpid", corpID)
	q.Set("corpsecret", corpSecret)
	endpoint := strings.TrimRight(c.BaseURL, "/") + "/cgi-bin/gettoken?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return CorpToken{}, fmt.Errorf("wecom.getCorpToken: building request: %w", err)
	}

	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return CorpToken{}, fmt.Errorf("wecom.getCorpToken: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return CorpToken{}, fmt.Errorf("wecom.getCorpToken: reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return CorpToken{}, fmt.Errorf("wecom.getCorpToken: HTTP %d", resp.StatusCode)
	}

	var r weComTokenResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return CorpToken{}, fmt.Errorf("wecom.getCorpToken: decoding response: %w", err)
	}
	if r.ErrCode != 0 {
		return CorpToken{}, fmt.Errorf("wecom.getCorpToken: errcode %d: %s", r.ErrCode, r.ErrMsg)
	}
	if r.AccessToken == "" {
		return CorpToken{}, errors.New("wecom.getCorpToken: empty access_token in response")
	}
	return CorpToken{AccessToken: r.AccessToken, ExpiresIn: r.ExpiresIn}, nil
}

func (c *WeComClient) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func corpTokenKey(corpID, corpSecret string) string {
	sum := sha256.Sum256([]byte(corpSecret))
	return "wecom:corptoken:" + corpID + ":" + hex.EncodeToString(sum[:8])
}

// RegisterBuiltins installs the host's standard reverse-invoke methods.
func RegisterBuiltins(r *Registry, issuer AccessTokenIssuer, wecom *WeComClient) {
	r.Register(MethodGetAccessToken, AccessTokenHandler(issuer))
	r.Register(MethodWeComGetCorpToken, wecom.Handler())
}
