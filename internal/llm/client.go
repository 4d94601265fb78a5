package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"

	DefaultAnthropicModel = "claude-sonnet-4-5-20250929"
	DefaultOpenAIModel    = "gpt-4o-mini"
)

var (
	ErrTimeout      = errors.New("llm call timed out")
	ErrRateLimited  = errors.New("llm provider rate limited")
	ErrUnauthorized = errors.New("llm provider rejected credentials")
	ErrProvider     = errors.New("llm provider error")
)

// Client is a single-turn text completion provider.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
	Provider() string
	Model() string
}

type Request struct {
	System    string
	User      string
	MaxTokens int
}

type Response struct {
	Text  string
	Usage Usage
}

type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

func (u Usage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}

func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationInputTokens += other.CacheCreationInputTokens
	u.CacheReadInputTokens += other.CacheReadInputTokens
}

// Limits bounds how hard one provider is driven during a run.
type Limits struct {
	Concurrency       int
	Timeout           time.Duration
	RequestsPerSecond float64
}

// DefaultLimits returns the per-provider defaults. Anthropic's published
// per-minute limits are lower, so it gets fewer workers and a longer timeout.
func DefaultLimits(provider string) Limits {
	if provider == ProviderOpenAI {
		return Limits{Concurrency: 10, Timeout: 30 * time.Second, RequestsPerSecond: 8}
	}
	return Limits{Concurrency: 4, Timeout: 60 * time.Second, RequestsPerSecond: 2}
}

// Settings selects and configures a provider.
type Settings struct {
	Provider   string
	Model      string
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient builds the client for s.Provider. An empty provider means
// anthropic.
func NewClient(s Settings) (Client, error) {
	provider := strings.ToLower(strings.TrimSpace(s.Provider))
	if provider == "" {
		provider = ProviderAnthropic
	}
	if strings.TrimSpace(s.APIKey) == "" {
		return nil, fmt.Errorf("%w: no API key configured for %s", ErrUnauthorized, provider)
	}
	switch provider {
	case ProviderAnthropic:
		return NewAnthropicClient(s), nil
	case ProviderOpenAI:
		return NewOpenAIClient(s), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", s.Provider)
	}
}

// Preflight makes one tiny call so that bad credentials or an unreachable
// provider fail the run before any conversation is classified.
func Preflight(ctx context.Context, client Client, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := client.Complete(ctx, Request{
		System:    "Reply with the single word OK.",
		User:      "ping",
		MaxTokens: 5,
	})
	if err != nil {
		return fmt.Errorf("preflight %s/%s: %w", client.Provider(), client.Model(), err)
	}
	return nil
}

// statusError maps an HTTP status from a provider onto the sentinel errors.
func statusError(provider string, status int, err error) error {
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s: %v", ErrRateLimited, provider, err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s: %v", ErrUnauthorized, provider, err)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %s: %v", ErrTimeout, provider, err)
	default:
		return fmt.Errorf("%w: %s (status %d): %v", ErrProvider, provider, status, err)
	}
}

// transportError maps errors that carry no HTTP status.
func transportError(ctx context.Context, provider string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, provider, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, provider, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", provider, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrProvider, provider, err)
}
