package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/santiagomed/kiln/logger"
)

// SearchFailure is the text recorded in place of results when a query fails.
func SearchFailure(query string) string {
	return fmt.Sprintf("Search for %q failed.", query)
}

type SearchConfig struct {
	BaseURL    string
	Timeout    time.Duration
	MaxResults int
}

// SearchClient queries a SearXNG-compatible JSON search endpoint.
type SearchClient struct {
	baseURL    string
	maxResults int
	httpClient *http.Client
	logger     logger.Logger
}

type searchResponse struct {
	Results []searchResult `json:"results"`
}

type searchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

func NewSearchClient(cfg SearchConfig, l logger.Logger) *SearchClient {
	if l == nil {
		l = logger.NewNullLogger()
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}
	return &SearchClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		maxResults: cfg.MaxResults,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     l,
	}
}

// Search returns the top results for query as text. Failures are reported
// through the returned text, never as an error.
func (s *SearchClient) Search(ctx context.Context, query string) string {
	results, err := s.search(ctx, query)
	if err != nil {
		s.logger.WithField("query", query).Warn(fmt.Sprintf("web search failed: %v", err))
		return SearchFailure(query)
	}
	if len(results) == 0 {
		s.logger.WithField("query", query).Warn("web search returned no results")
		return SearchFailure(query)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "### %s\n", query)
	for i, r := range results {
		if i >= s.maxResults {
			break
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n", strings.TrimSpace(r.Title), r.URL, strings.TrimSpace(r.Content))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (s *SearchClient) search(ctx context.Context, query string) ([]searchResult, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search endpoint returned %d", resp.StatusCode)
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}
	return sr.Results, nil
}
