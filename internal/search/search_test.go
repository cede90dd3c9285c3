package search

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/gateway/internal/core"
	"github.com/ocx/gateway/internal/fault"
)

func TestSearchMergesAndRanks(t *testing.T) {
	a := NewAggregator([]Provider{
		&Static{ProviderName: "web", Results: []core.SearchResult{
			{Title: "A", URL: "https://a.example", Score: 0.9},
			{Title: "B", URL: "https://b.example", Score: 0.5},
		}},
		&Static{ProviderName: "news", Results: []core.SearchResult{
			{Title: "C", URL: "https://c.example", Score: 0.7},
		}},
	}, nil)

	results, err := a.Search(context.Background(), "query", core.SearchFilters{}, 10)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "https://a.example", results[0].URL)
	// news weight 1.1 lifts C (0.77) above B (0.5).
	assert.Equal(t, "https://c.example", results[1].URL)
}

func TestSearchDeduplicatesByURL(t *testing.T) {
	a := NewAggregator([]Provider{
		&Static{ProviderName: "web", Results: []core.SearchResult{
			{Title: "dup", URL: "https://same.example", Score: 0.4},
		}},
		&Static{ProviderName: "news", Results: []core.SearchResult{
			{Title: "dup", URL: "https://same.example", Score: 0.6},
		}},
	}, nil)

	results, err := a.Search(context.Background(), "query", core.SearchFilters{}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "news", results[0].Source)
}

func TestSearchToleratesPartialFailure(t *testing.T) {
	a := NewAggregator([]Provider{
		&Static{ProviderName: "web", Err: errors.New("upstream 500")},
		&Static{ProviderName: "news", Results: []core.SearchResult{
			{Title: "C", URL: "https://c.example", Score: 0.7},
		}},
	}, nil)

	results, err := a.Search(context.Background(), "query", core.SearchFilters{}, 10)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestSearchAllProvidersFailing(t *testing.T) {
	a := NewAggregator([]Provider{
		&Static{ProviderName: "web", Err: errors.New("down")},
		&Static{ProviderName: "news", Err: errors.New("down")},
	}, nil)

	_, err := a.Search(context.Background(), "query", core.SearchFilters{}, 10)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindBackendError))
}

func TestSearchSourceAllowlist(t *testing.T) {
	a := NewAggregator([]Provider{
		&Static{ProviderName: "web", Results: []core.SearchResult{
			{Title: "A", URL: "https://a.example", Score: 0.9},
		}},
		&Static{ProviderName: "news", Results: []core.SearchResult{
			{Title: "C", URL: "https://c.example", Score: 0.7},
		}},
	}, nil)

	results, err := a.Search(context.Background(), "query",
		core.SearchFilters{Sources: []string{"news"}}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "https://c.example", results[0].URL)

	_, err = a.Search(context.Background(), "query",
		core.SearchFilters{Sources: []string{"ghost"}}, 10)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindValidation))
}

func TestSearchTruncatesToMax(t *testing.T) {
	a := NewAggregator([]Provider{
		&Static{ProviderName: "web", Results: []core.SearchResult{
			{URL: "https://1.example", Score: 0.9},
			{URL: "https://2.example", Score: 0.8},
			{URL: "https://3.example", Score: 0.7},
		}},
	}, nil)

	results, err := a.Search(context.Background(), "query", core.SearchFilters{}, 2)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestCitations(t *testing.T) {
	urls := Citations([]core.SearchResult{
		{URL: "https://a.example"},
		{URL: "https://b.example"},
	})
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, urls)
}
