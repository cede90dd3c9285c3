package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/ocx/gateway/internal/core"
)

// HTTPProvider talks to an external search service over JSON/HTTP:
// GET {base}/search?q=<query>&max=<n>[&recency_days=<d>] returning
// {"results":[{"title","url","snippet","score"}]}.
type HTTPProvider struct {
	ProviderName string
	BaseURL      string

	client *http.Client
}

// NewHTTPProvider builds a provider for one search service.
func NewHTTPProvider(name, baseURL string) *HTTPProvider {
	return &HTTPProvider{
		ProviderName: name,
		BaseURL:      baseURL,
		client:       &http.Client{Timeout: providerTimeout},
	}
}

func (p *HTTPProvider) Name() string { return p.ProviderName }

type httpSearchResponse struct {
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Snippet string  `json:"snippet"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

func (p *HTTPProvider) Search(ctx context.Context, query string, filters core.SearchFilters, max int) ([]core.SearchResult, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("max", strconv.Itoa(max))
	if filters.RecencyDays > 0 {
		q.Set("recency_days", strconv.Itoa(filters.RecencyDays))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider %s returned status %d", p.ProviderName, resp.StatusCode)
	}

	var body httpSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("provider %s returned malformed body: %w", p.ProviderName, err)
	}

	out := make([]core.SearchResult, 0, len(body.Results))
	for _, r := range body.Results {
		score := r.Score
		if score == 0 {
			score = 0.5
		}
		out = append(out, core.SearchResult{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Snippet,
			Source:  p.ProviderName,
			Score:   score,
		})
	}
	return out, nil
}
