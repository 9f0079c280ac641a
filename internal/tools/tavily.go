package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/polyglot-chat-backend/internal/domain"
	"github.com/tjfontaine/polyglot-chat-backend/internal/llm"
)

// TavilySearchName is the tool name the model sees.
const TavilySearchName = "tavily_search_results_json"

const tavilyDefaultBaseURL = "https://api.tavily.com"

// TavilyOption configures a TavilySearch.
type TavilyOption func(*TavilySearch)

// WithTavilyBaseURL overrides the API endpoint.
func WithTavilyBaseURL(baseURL string) TavilyOption {
	return func(t *TavilySearch) {
		if baseURL != "" {
			t.baseURL = strings.TrimSuffix(baseURL, "/")
		}
	}
}

// WithTavilyHTTPClient sets a custom HTTP client.
func WithTavilyHTTPClient(c *http.Client) TavilyOption {
	return func(t *TavilySearch) {
		t.httpClient = c
	}
}

// TavilySearch queries the Tavily search API and returns results as JSON.
type TavilySearch struct {
	apiKey     string
	maxResults int
	baseURL    string
	httpClient *http.Client
}

// NewTavilySearch creates the search tool. maxResults <= 0 means 3.
func NewTavilySearch(apiKey string, maxResults int, opts ...TavilyOption) *TavilySearch {
	if maxResults <= 0 {
		maxResults = 3
	}
	t := &TavilySearch{
		apiKey:     apiKey,
		maxResults: maxResults,
		baseURL:    tavilyDefaultBaseURL,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *TavilySearch) Name() string { return TavilySearchName }

func (t *TavilySearch) Definition() llm.Tool {
	return llm.Tool{
		Type: "function",
		Function: llm.FunctionTool{
			Name: TavilySearchName,
			Description: "A search engine optimized for comprehensive, accurate, and trusted results. " +
				"Useful for when you need to answer questions about current events. Input should be a search query.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "search query to look up",
					},
				},
				"required": []string{"query"},
			},
		},
	}
}

type tavilyRequest struct {
	APIKey      string `json:"api_key"`
	Query       string `json:"query"`
	MaxResults  int    `json:"max_results"`
	SearchDepth string `json:"search_depth"`
}

type tavilyResponse struct {
	Results []SearchResult `json:"results"`
}

// SearchResult is one hit returned to the model.
type SearchResult struct {
	Title   string  `json:"title,omitempty"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
}

// Call runs a search for args["query"].
func (t *TavilySearch) Call(ctx context.Context, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return "", fmt.Errorf("%s: query argument is required", TavilySearchName)
	}

	results, err := t.Search(ctx, query)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(results)
	if err != nil {
		return "", fmt.Errorf("failed to encode search results: %w", err)
	}
	return string(out), nil
}

// Search returns up to maxResults hits for query.
func (t *TavilySearch) Search(ctx context.Context, query string) ([]SearchResult, error) {
	body, err := json.Marshal(tavilyRequest{
		APIKey:      t.apiKey,
		Query:       query,
		MaxResults:  t.maxResults,
		SearchDepth: "advanced",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.ErrUpstream("search provider unreachable").WithCause(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, domain.ErrUpstream(fmt.Sprintf("search provider error (status %d): %s", resp.StatusCode, string(respBody)))
	}

	var parsed tavilyResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(parsed.Results) > t.maxResults {
		parsed.Results = parsed.Results[:t.maxResults]
	}
	if parsed.Results == nil {
		parsed.Results = []SearchResult{}
	}
	return parsed.Results, nil
}
