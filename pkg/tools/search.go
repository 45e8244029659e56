package tools

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// braveSearchURL is the Brave Search API endpoint. Tests point it at a stub.
var braveSearchURL = "https://api.search.brave.com/res/v1/web/search"

type searchInputs struct {
	Query     string `json:"query"`
	Count     int    `json:"count"`
	Freshness string `json:"freshness"`
}

type searchItem struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

type searchOutput struct {
	Query   string       `json:"query"`
	Results []searchItem `json:"results"`
}

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

// WebSearch queries Brave Search. The API key is read from
// TOOLHOST_TOOLS_WEB__BRAVE_API_KEY, falling back to BRAVE_API_KEY.
func WebSearch(ctx context.Context, inputs map[string]any, tc *Context) (any, error) {
	var in searchInputs
	if err := decodeInputs(inputs, &in); err != nil {
		return nil, fmt.Errorf("web/search: %w", err)
	}
	if in.Query == "" {
		return nil, errors.New("web/search: query is required")
	}
	apiKey := Credential("web", "BRAVE_API_KEY")
	if apiKey == "" {
		return nil, errors.New("web/search is not configured: set TOOLHOST_TOOLS_WEB__BRAVE_API_KEY")
	}

	count := in.Count
	if count <= 0 || count > 10 {
		count = 5
	}
	params := url.Values{}
	params.Set("q", in.Query)
	params.Set("count", strconv.Itoa(count))
	if in.Freshness != "" {
		params.Set("freshness", in.Freshness)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, braveSearchURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("web/search: building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("X-Subscription-Token", apiKey)

	resp, err := fetchClient.Do(req)
	if err != nil {
		if reqCtx.Err() != nil {
			return nil, errors.New("web/search: request timed out after 15s")
		}
		return nil, fmt.Errorf("web/search: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return nil, errors.New("web/search: rate limited by Brave Search (429)")
	case http.StatusUnauthorized:
		return nil, errors.New("web/search: Brave Search API key is invalid (401)")
	default:
		return nil, fmt.Errorf("web/search: unexpected status %d", resp.StatusCode)
	}

	var r io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("web/search: decompressing response: %w", err)
		}
		defer gz.Close()
		r = gz
	}
	body, err := io.ReadAll(io.LimitReader(r, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("web/search: reading response: %w", err)
	}

	var br braveResponse
	if err := json.Unmarshal(body, &br); err != nil {
		return nil, fmt.Errorf("web/search: decoding response: %w", err)
	}

	out := searchOutput{Query: in.Query, Results: make([]searchItem, 0, len(br.Web.Results))}
	for _, res := range br.Web.Results {
		item := searchItem{Title: res.Title, URL: res.URL, Snippet: res.Description}
		out.Results = append(out.Results, item)
		_ = tc.StreamResponse(item)
	}
	return out, nil
}
