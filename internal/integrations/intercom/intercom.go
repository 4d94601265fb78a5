package intercom

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"supportpulse/internal/ingest"
	"supportpulse/internal/metrics"
)

const (
	DefaultBaseURL = "https://api.intercom.io"
	DefaultVersion = "2.11"
	searchPageSize = 150
)

var (
	ErrUnauthorized = errors.New("intercom rejected the access token")
	ErrRateLimited  = errors.New("intercom rate limited")
)

type Options struct {
	BaseURL           string
	Token             string
	Version           string
	Concurrency       int
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// Client pulls conversations updated inside a time window.
type Client struct {
	baseURL     string
	token       string
	version     string
	concurrency int
	httpClient  *http.Client
	limiter     *rate.Limiter
	logger      *zap.Logger
}

func New(opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Version == "" {
		opts.Version = DefaultVersion
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		token:       opts.Token,
		version:     opts.Version,
		concurrency: opts.Concurrency,
		httpClient:  opts.HTTPClient,
		limiter:     rate.NewLimiter(limit, 1),
		logger:      logger,
	}
}

// FetchResult tracks what a windowed fetch listed, fetched and skipped.
type FetchResult struct {
	Conversations []ingest.RawConversation
	Listed        int
	Failed        int
	Errors        []string
}

// Fetch lists the conversations updated in [from, to) and fetches each one
// in full. A conversation that fails to fetch is counted and skipped; the
// call only fails when listing fails or every fetch failed.
func (c *Client) Fetch(ctx context.Context, from, to time.Time) (FetchResult, error) {
	var result FetchResult
	ids, err := c.SearchIDs(ctx, from, to)
	if err != nil {
		return result, err
	}
	result.Listed = len(ids)
	c.logger.Info("intercom search done",
		zap.Time("from", from),
		zap.Time("to", to),
		zap.Int("conversations", len(ids)))

	fetched := make([]*ingest.RawConversation, len(ids))
	errs := make([]error, len(ids))
	sem := make(chan struct{}, c.concurrency)
	var wg sync.WaitGroup
	for i, id := range ids {
		select {
		case <-ctx.Done():
			errs[i] = ctx.Err()
			continue
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			defer func() { <-sem }()
			conv, err := c.GetConversation(ctx, id)
			if err != nil {
				errs[i] = err
				return
			}
			fetched[i] = &conv
		}(i, id)
	}
	wg.Wait()

	for i, conv := range fetched {
		if conv != nil {
			result.Conversations = append(result.Conversations, *conv)
			continue
		}
		result.Failed++
		metrics.SourceFetchFailures.Inc()
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", ids[i], errs[i]))
		c.logger.Warn("skipping conversation", zap.String("conversation_id", ids[i]), zap.Error(errs[i]))
	}

	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("intercom fetch: %w", err)
	}
	if result.Listed > 0 && len(result.Conversations) == 0 {
		return result, fmt.Errorf("all %d conversation fetches failed: %w", result.Listed, errs[0])
	}
	return result, nil
}

type searchRequest struct {
	Query      searchQuery      `json:"query"`
	Pagination searchPagination `json:"pagination"`
}

type searchQuery struct {
	Operator string `json:"operator,omitempty"`
	Field    string `json:"field,omitempty"`
	Value    any    `json:"value"`
}

type searchPagination struct {
	PerPage       int    `json:"per_page"`
	StartingAfter string `json:"starting_after,omitempty"`
}

type searchResponse struct {
	Conversations []struct {
		ID ingest.FlexibleID `json:"id"`
	} `json:"conversations"`
	TotalCount int `json:"total_count"`
	Pages      struct {
		Next *struct {
			StartingAfter string `json:"starting_after"`
		} `json:"next"`
	} `json:"pages"`
}

// SearchIDs returns the ids of conversations whose updated_at lies in
// [from, to), following the search cursor until it runs out.
func (c *Client) SearchIDs(ctx context.Context, from, to time.Time) ([]string, error) {
	query := searchQuery{
		Operator: "AND",
		Value: []searchQuery{
			{Field: "updated_at", Operator: ">", Value: from.Unix() - 1},
			{Field: "updated_at", Operator: "<", Value: to.Unix()},
		},
	}
	var ids []string
	seen := make(map[string]bool)
	cursor := ""
	for page := 1; ; page++ {
		body, err := json.Marshal(searchRequest{
			Query:      query,
			Pagination: searchPagination{PerPage: searchPageSize, StartingAfter: cursor},
		})
		if err != nil {
			return nil, fmt.Errorf("encode search: %w", err)
		}
		var resp searchResponse
		if err := c.do(ctx, http.MethodPost, "/conversations/search", body, &resp); err != nil {
			return nil, fmt.Errorf("search conversations page %d: %w", page, err)
		}
		for _, conv := range resp.Conversations {
			id := string(conv.ID)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
		c.logger.Debug("intercom search page",
			zap.Int("page", page),
			zap.Int("conversations", len(resp.Conversations)),
			zap.Int("total_count", resp.TotalCount))
		if resp.Pages.Next == nil || resp.Pages.Next.StartingAfter == "" || resp.Pages.Next.StartingAfter == cursor {
			return ids, nil
		}
		cursor = resp.Pages.Next.StartingAfter
	}
}

// GetConversation fetches one conversation with its reply parts.
func (c *Client) GetConversation(ctx context.Context, id string) (ingest.RawConversation, error) {
	var conv ingest.RawConversation
	if err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(id), nil, &conv); err != nil {
		return conv, fmt.Errorf("get conversation %s: %w", id, err)
	}
	if conv.ID == "" {
		conv.ID = ingest.FlexibleID(id)
	}
	return conv, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Intercom-Version", c.version)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w (status %d)", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: reset %s", ErrRateLimited, resp.Header.Get("X-RateLimit-Reset"))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("intercom API returned %d: %s", resp.StatusCode, truncate(string(data), 256))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

// FormatFetchSummary returns a one-line summary of a FetchResult.
func FormatFetchSummary(result FetchResult) string {
	msg := fmt.Sprintf("Fetched %d of %d conversations", len(result.Conversations), result.Listed)
	if result.Failed > 0 {
		pct := math.Round(float64(result.Failed)*1000/float64(result.Listed)) / 10
		msg += fmt.Sprintf(" (%d skipped, %.1f%%)", result.Failed, pct)
	}
	return msg
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
