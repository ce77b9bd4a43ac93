// Package services holds the HTTP-backed collaborators behind the tool
// seams: live web search, weather lookup, and the crypto market report.
// Each client is a small wrapper over one public API with a bounded
// response rendering, so tool output stays prompt-sized.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	braveEndpoint    = "https://api.search.brave.com/res/v1/web/search"
	braveResultCount = 5
)

// BraveSearch is the live web-search collaborator, backed by the Brave
// Search API.
type BraveSearch struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

// BraveOption adjusts a BraveSearch client.
type BraveOption func(*BraveSearch)

// WithBraveEndpoint overrides the API endpoint.
func WithBraveEndpoint(endpoint string) BraveOption {
	return func(b *BraveSearch) { b.endpoint = endpoint }
}

// WithBraveHTTPClient overrides the HTTP client.
func WithBraveHTTPClient(c *http.Client) BraveOption {
	return func(b *BraveSearch) { b.client = c }
}

// NewBraveSearch builds the client. An empty key is allowed so the tool
// stays registered; calls then fail with the missing-key shape the loop
// recognises as fatal.
func NewBraveSearch(apiKey string, opts ...BraveOption) *BraveSearch {
	b := &BraveSearch{
		apiKey:   apiKey,
		endpoint: braveEndpoint,
		client:   http.DefaultClient,
	}
	for _, o := range opts {
		o(b)
	}
	return b
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

// Search returns rendered results for a query, one numbered block per hit.
func (b *BraveSearch) Search(ctx context.Context, query string) (string, error) {
	if b.apiKey == "" {
		return "", errors.New("Brave Search API key not configured")
	}

	q := url.Values{}
	q.Set("q", query)
	q.Set("count", fmt.Sprint(braveResultCount))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("services: build search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("services: web search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", errors.New("web search rate limit exceeded (429)")
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("services: web search status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("services: read search response: %w", err)
	}
	var parsed braveResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("services: parse search response: %w", err)
	}
	if len(parsed.Web.Results) == 0 {
		return "No results found for \"" + query + "\".", nil
	}

	var sb strings.Builder
	for i, r := range parsed.Web.Results {
		if i >= braveResultCount {
			break
		}
		fmt.Fprintf(&sb, "%d. %s\n%s\n%s\n\n", i+1, r.Title, r.URL, r.Description)
	}
	return strings.TrimSpace(sb.String()), nil
}
