package classify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"supportpulse/internal/domain"
	"supportpulse/internal/keywords"
	"supportpulse/internal/llm"
	"supportpulse/internal/metrics"
)

const (
	DefaultMaxTextChars = 2000
	classifyMaxTokens   = 20
)

type Options struct {
	// Taxonomy defaults to the keyword matcher's topics.
	Taxonomy     domain.Taxonomy
	Descriptions map[string]string
	MaxTextChars int
	Limits       llm.Limits
	// TrustSourceHint adds a low-confidence candidate from the upstream label.
	TrustSourceHint bool
}

// Classifier assigns candidate topics to conversations with one LLM call each,
// falling back to keyword evidence when the call fails.
type Classifier struct {
	client       llm.Client
	matcher      *keywords.Matcher
	taxonomy     domain.Taxonomy
	systemPrompt string
	opts         Options
	limiter      *rate.Limiter
	logger       *zap.Logger
}

func New(client llm.Client, matcher *keywords.Matcher, opts Options, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := llm.DefaultLimits(client.Provider())
	if opts.Limits.Concurrency <= 0 {
		opts.Limits.Concurrency = defaults.Concurrency
	}
	if opts.Limits.Timeout <= 0 {
		opts.Limits.Timeout = defaults.Timeout
	}
	if opts.MaxTextChars <= 0 {
		opts.MaxTextChars = DefaultMaxTextChars
	}
	taxonomy := opts.Taxonomy
	if len(taxonomy) == 0 {
		taxonomy = matcher.Taxonomy()
	}
	descriptions := opts.Descriptions
	if descriptions == nil {
		descriptions = matcher.Descriptions()
	}
	limit := rate.Inf
	if opts.Limits.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.Limits.RequestsPerSecond)
	}
	return &Classifier{
		client:       client,
		matcher:      matcher,
		taxonomy:     taxonomy,
		systemPrompt: buildSystemPrompt(taxonomy, descriptions),
		opts:         opts,
		limiter:      rate.NewLimiter(limit, 1),
		logger:       logger,
	}
}

func (c *Classifier) Taxonomy() domain.Taxonomy {
	return c.taxonomy
}

// Classify gathers every candidate for one conversation. The returned error
// is non-nil only when ctx itself is done; provider failures become a
// FallbackReason.
func (c *Classifier) Classify(ctx context.Context, conv domain.Conversation) (domain.Classification, llm.Usage, error) {
	result := domain.Classification{ConversationID: conv.ID}
	matches := c.matcher.Match(conv.RawText)
	hint, hintKnown := c.taxonomy.Lookup(conv.SourceHint)
	hintKnown = hintKnown && hint != domain.Unknown

	add := func(topic string, confidence float64, method domain.Method) {
		result.Candidates = append(result.Candidates, domain.TopicAssignment{
			ConversationID: conv.ID,
			Topic:          topic,
			Confidence:     confidence,
			Method:         method,
		})
	}
	for _, m := range matches {
		add(m.Topic, m.Confidence, domain.MethodKeyword)
	}
	if len(matches) > 0 && hintKnown && matches[0].Topic == hint {
		add(hint, domain.ConfidenceHybrid, domain.MethodHybrid)
	}
	if hintKnown && c.opts.TrustSourceHint {
		add(hint, domain.ConfidenceSourceHint, domain.MethodSourceHintOnly)
	}
	add(domain.Unknown, domain.ConfidenceFallback, domain.MethodFallback)

	if strings.TrimSpace(conv.RawText) == "" {
		result.FallbackReason = domain.FallbackEmptyText
		return result, llm.Usage{}, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return result, llm.Usage{}, ctx.Err()
		}
		result.FallbackReason = domain.FallbackRateLimited
		return result, llm.Usage{}, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, c.opts.Limits.Timeout)
	defer cancel()
	start := time.Now()
	resp, err := c.client.Complete(callCtx, llm.Request{
		System:    c.systemPrompt,
		User:      buildUserPrompt(conv.RawText, conv.SourceHint, matches, c.opts.MaxTextChars),
		MaxTokens: classifyMaxTokens,
	})
	metrics.LLMRequestDuration.WithLabelValues(c.client.Provider(), "classify").Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return result, resp.Usage, ctx.Err()
		}
		result.FallbackReason = fallbackReason(err)
		c.logger.Debug("llm classification failed, using fallback",
			zap.String("conversation_id", conv.ID),
			zap.String("reason", string(result.FallbackReason)),
			zap.Error(err))
		return result, resp.Usage, nil
	}

	topic, ok := parseTopic(resp.Text, c.taxonomy)
	switch {
	case !ok:
		result.FallbackReason = domain.FallbackNonTaxonomy
		c.logger.Debug("llm answer outside taxonomy",
			zap.String("conversation_id", conv.ID),
			zap.String("answer", truncateRunes(resp.Text, 80)))
	case topic == domain.Unknown:
		add(domain.Unknown, domain.ConfidenceLLMAbstain, domain.MethodLLM)
	default:
		confidence := domain.ConfidenceLLM
		if (len(matches) > 0 && matches[0].Topic == topic) || (hintKnown && hint == topic) {
			confidence = domain.ConfidenceLLMCorroborated
		}
		add(topic, confidence, domain.MethodLLM)
	}
	return result, resp.Usage, nil
}

func fallbackReason(err error) domain.FallbackReason {
	switch {
	case errors.Is(err, llm.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return domain.FallbackTimeout
	case errors.Is(err, llm.ErrRateLimited):
		return domain.FallbackRateLimited
	default:
		return domain.FallbackProviderError
	}
}

// Outcome is the reduced result of classifying a batch.
type Outcome struct {
	// Classifications holds the conversations that finished before
	// cancellation, in input order.
	Classifications []domain.Classification
	Stats           domain.FallbackStats
	Usage           llm.Usage
	Cancelled       bool
}

type taskResult struct {
	index          int
	classification domain.Classification
	usage          llm.Usage
	err            error
}

// ClassifyAll classifies conversations concurrently. A semaphore bounds
// in-flight LLM calls; every task reports to this goroutine, which alone owns
// the counters. After ctx is cancelled no task starts and late results are
// dropped, so the outcome only covers fully reduced conversations.
func (c *Classifier) ClassifyAll(ctx context.Context, convs []domain.Conversation) Outcome {
	sem := make(chan struct{}, c.opts.Limits.Concurrency)
	results := make(chan taskResult)

	go func() {
		var wg sync.WaitGroup
		defer func() {
			wg.Wait()
			close(results)
		}()
		for i, conv := range convs {
			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
			}
			if ctx.Err() != nil {
				<-sem
				return
			}
			wg.Add(1)
			go func(i int, conv domain.Conversation) {
				defer wg.Done()
				defer func() { <-sem }()
				cl, usage, err := c.Classify(ctx, conv)
				results <- taskResult{index: i, classification: cl, usage: usage, err: err}
			}(i, conv)
		}
	}()

	var out Outcome
	done := make([]*domain.Classification, len(convs))
	for r := range results {
		out.Usage.Add(r.usage)
		if r.err != nil || ctx.Err() != nil {
			continue
		}
		cl := r.classification
		done[r.index] = &cl
		out.Stats.Record(cl.FallbackReason, rescued(cl))
		if cl.FallbackReason != domain.FallbackNone {
			metrics.LLMFallbacks.WithLabelValues(string(cl.FallbackReason)).Inc()
		}
	}

	out.Classifications = make([]domain.Classification, 0, len(convs))
	for _, cl := range done {
		if cl != nil {
			out.Classifications = append(out.Classifications, *cl)
		}
	}
	out.Cancelled = ctx.Err() != nil
	metrics.LLMTokens.WithLabelValues("input").Add(float64(out.Usage.InputTokens))
	metrics.LLMTokens.WithLabelValues("output").Add(float64(out.Usage.OutputTokens))

	if out.Cancelled {
		c.logger.Warn("classification cancelled",
			zap.Int("classified", len(out.Classifications)),
			zap.Int("requested", len(convs)))
	}
	return out
}

// rescued reports whether a fallback still had a non-Unknown candidate.
func rescued(cl domain.Classification) bool {
	if cl.FallbackReason == domain.FallbackNone {
		return false
	}
	for _, cand := range cl.Candidates {
		if cand.Topic != domain.Unknown {
			return true
		}
	}
	return false
}
