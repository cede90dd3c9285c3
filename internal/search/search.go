// Package search fans a query out to external search providers and merges
// their results. Providers themselves live behind the Provider interface; the
// gateway only owns aggregation, ranking, and de-duplication.
package search

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ocx/gateway/internal/core"
	"github.com/ocx/gateway/internal/fault"
)

// Provider is one external search backend.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, filters core.SearchFilters, max int) ([]core.SearchResult, error)
}

const (
	providerTimeout = 8 * time.Second
	maxParallel     = 4
)

// sourceWeights bias ranking toward higher-signal providers.
var sourceWeights = map[string]float64{
	"web":      1.0,
	"news":     1.1,
	"academic": 1.2,
}

// Aggregator runs providers in parallel and merges their output.
type Aggregator struct {
	providers []Provider
	logger    *slog.Logger
}

// NewAggregator wires the aggregator over the configured providers.
func NewAggregator(providers []Provider, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		providers: providers,
		logger:    logger.With("component", "search"),
	}
}

// Search queries every provider concurrently, bounded by maxParallel, and
// returns the merged ranking. A provider failure degrades the result set
// rather than failing the call; only all providers failing is an error.
func (a *Aggregator) Search(ctx context.Context, query string, filters core.SearchFilters, max int) ([]core.SearchResult, error) {
	if len(a.providers) == 0 {
		return nil, fault.New(fault.KindInternal, "no search providers configured")
	}
	if max <= 0 {
		max = 10
	}

	allowed := allowSet(filters.Sources)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)

	var mu sync.Mutex
	var merged []core.SearchResult
	failures := 0

	for _, p := range a.providers {
		p := p
		if allowed != nil && !allowed[strings.ToLower(p.Name())] {
			continue
		}
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, providerTimeout)
			defer cancel()

			results, err := p.Search(pctx, query, filters, max)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				a.logger.Warn("search provider failed", "provider", p.Name(), "error", err)
				return nil // tolerated; other providers still count
			}
			for i := range results {
				if results[i].Source == "" {
					results[i].Source = p.Name()
				}
			}
			merged = append(merged, results...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	queried := len(a.providers)
	if allowed != nil {
		queried = 0
		for _, p := range a.providers {
			if allowed[strings.ToLower(p.Name())] {
				queried++
			}
		}
	}
	if queried == 0 {
		return nil, fault.New(fault.KindValidation, "source filter matches no configured provider")
	}
	if failures == queried {
		return nil, fault.New(fault.KindBackendError, "all search providers failed")
	}

	return rank(merged, max), nil
}

func allowSet(sources []string) map[string]bool {
	if len(sources) == 0 {
		return nil
	}
	set := make(map[string]bool, len(sources))
	for _, s := range sources {
		set[strings.ToLower(strings.TrimSpace(s))] = true
	}
	return set
}

// rank de-duplicates by URL (keeping the best-scored copy), weights scores by
// source, sorts descending, and truncates to max.
func rank(results []core.SearchResult, max int) []core.SearchResult {
	byURL := make(map[string]core.SearchResult, len(results))
	for _, r := range results {
		w := sourceWeights[strings.ToLower(r.Source)]
		if w == 0 {
			w = 1.0
		}
		r.Score *= w
		if prev, seen := byURL[r.URL]; !seen || r.Score > prev.Score {
			byURL[r.URL] = r
		}
	}

	out := make([]core.SearchResult, 0, len(byURL))
	for _, r := range byURL {
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > max {
		out = out[:max]
	}
	return out
}

// Dedupe merges result sets gathered by separate retrievals: one entry per
// URL (best score wins), ordered by score descending. Unlike rank it applies
// no source weighting; inputs are already weighted.
func Dedupe(results []core.SearchResult) []core.SearchResult {
	byURL := make(map[string]core.SearchResult, len(results))
	for _, r := range results {
		if prev, seen := byURL[r.URL]; !seen || r.Score > prev.Score {
			byURL[r.URL] = r
		}
	}
	out := make([]core.SearchResult, 0, len(byURL))
	for _, r := range byURL {
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// Citations extracts the result URLs in rank order.
func Citations(results []core.SearchResult) []string {
	urls := make([]string, 0, len(results))
	for _, r := range results {
		urls = append(urls, r.URL)
	}
	return urls
}

// Static is a canned provider for development and tests.
type Static struct {
	ProviderName string
	Results      []core.SearchResult
	Err          error
}

func (s *Static) Name() string { return s.ProviderName }

func (s *Static) Search(ctx context.Context, query string, filters core.SearchFilters, max int) ([]core.SearchResult, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := s.Results
	if len(out) > max {
		out = out[:max]
	}
	return out, nil
}
