package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/veldtlabs/concierge/internal/budget"
	"github.com/veldtlabs/concierge/internal/fault"
)

// SearchTool answers product and market questions against an external
// web search backend.
type SearchTool struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewSearchTool creates a search adapter against the given backend.
func NewSearchTool(baseURL, apiKey string) *SearchTool {
	return &SearchTool{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (t *SearchTool) Name() string            { return "search" }
func (t *SearchTool) Feature() budget.Feature { return budget.FeatureSearch }
func (t *SearchTool) CostUSD() float64        { return 0.005 }

type searchPayload struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// SearchResult is one entry returned by the backend.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

type searchResponse struct {
	Results []SearchResult `json:"results"`
}

// Execute implements Tool.
func (t *SearchTool) Execute(ctx context.Context, _ Meta, payload json.RawMessage) (any, error) {
	var p searchPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fault.Wrap(fault.KindValidation, "decode search payload", err)
	}
	if p.Query == "" {
		return nil, fault.New(fault.KindValidation, "search query is required")
	}
	if p.Limit <= 0 || p.Limit > 10 {
		p.Limit = 5
	}

	q := url.Values{}
	q.Set("q", p.Query)
	q.Set("limit", fmt.Sprintf("%d", p.Limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "build search request", err)
	}
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.KindCancelled, "search cancelled", ctx.Err())
		}
		return nil, fault.Wrap(fault.KindProvider, "search backend unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fault.Wrap(fault.KindProvider, "read search response", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fault.RateLimited("search backend throttled", 0)
	case resp.StatusCode >= 400:
		return nil, fault.Newf(fault.KindProvider, "search backend returned %d", resp.StatusCode)
	}

	var sr searchResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fault.Wrap(fault.KindProvider, "decode search response", err)
	}
	if sr.Results == nil {
		sr.Results = []SearchResult{}
	}
	return sr, nil
}
