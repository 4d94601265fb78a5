package subtopic

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"supportpulse/internal/domain"
	"supportpulse/internal/keywords"
	"supportpulse/internal/llm"
	"supportpulse/internal/metrics"
)

const (
	DefaultSampleSize         = 40
	DefaultMaxThemes          = 5
	DefaultMinSupport         = 2
	DefaultDuplicateThreshold = 0.75
	DefaultConcurrency        = 4

	sampleTextChars = 600
	themesMaxTokens = 1024
)

type Options struct {
	SampleSize int
	MaxThemes  int
	// MinSupport is the smallest volume a discovered theme needs to be kept.
	MinSupport         int
	DuplicateThreshold float64
	Validate           bool
	Concurrency        int
	Timeout            time.Duration
}

func (o Options) withDefaults() Options {
	if o.SampleSize <= 0 {
		o.SampleSize = DefaultSampleSize
	}
	if o.MaxThemes <= 0 {
		o.MaxThemes = DefaultMaxThemes
	}
	if o.MinSupport <= 0 {
		o.MinSupport = DefaultMinSupport
	}
	if o.DuplicateThreshold <= 0 {
		o.DuplicateThreshold = DefaultDuplicateThreshold
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.Timeout <= 0 {
		o.Timeout = 2 * time.Minute
	}
	return o
}

// Aggregator derives tier 2 and tier 3 sub-topics inside each primary topic.
// A nil client skips tier 3.
type Aggregator struct {
	client llm.Client
	opts   Options
	logger *zap.Logger
}

func New(client llm.Client, opts Options, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{client: client, opts: opts.withDefaults(), logger: logger}
}

// Build returns one breakdown per topic in order that has at least one
// conversation. Topics are processed in parallel; a tier 3 failure only
// affects its own topic.
func (a *Aggregator) Build(ctx context.Context, convs []domain.Conversation, primaries []domain.TopicAssignment, order []string) ([]domain.TopicBreakdown, llm.Usage) {
	byID := make(map[string]domain.Conversation, len(convs))
	for _, c := range convs {
		byID[c.ID] = c
	}
	grouped := make(map[string][]domain.Conversation)
	for _, p := range primaries {
		if conv, ok := byID[p.ConversationID]; ok {
			grouped[p.Topic] = append(grouped[p.Topic], conv)
		}
	}

	var topics []string
	for _, topic := range order {
		if len(grouped[topic]) > 0 {
			topics = append(topics, topic)
		}
	}

	breakdowns := make([]domain.TopicBreakdown, len(topics))
	usages := make([]llm.Usage, len(topics))
	sem := make(chan struct{}, a.opts.Concurrency)
	var wg sync.WaitGroup
	for i, topic := range topics {
		wg.Add(1)
		go func(i int, topic string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			breakdowns[i], usages[i] = a.buildTopic(ctx, topic, grouped[topic])
		}(i, topic)
	}
	wg.Wait()

	var total llm.Usage
	for _, u := range usages {
		total.Add(u)
	}
	return breakdowns, total
}

func (a *Aggregator) buildTopic(ctx context.Context, topic string, convs []domain.Conversation) (domain.TopicBreakdown, llm.Usage) {
	b := domain.TopicBreakdown{
		Topic:  topic,
		Volume: len(convs),
		Tier2:  Tier2(convs),
		Tier3:  []domain.SubTopic{},
	}
	if a.client == nil || len(convs) < a.opts.MinSupport {
		return b, llm.Usage{}
	}
	if ctx.Err() != nil {
		b.Tier3Error = ctx.Err().Error()
		return b, llm.Usage{}
	}
	tier3, usage, err := a.Tier3(ctx, topic, convs, labels(b.Tier2))
	if err != nil {
		a.logger.Warn("tier 3 discovery failed", zap.String("topic", topic), zap.Error(err))
		b.Tier3Error = err.Error()
		return b, usage
	}
	b.Tier3 = tier3
	return b, usage
}

// Tier2 counts, per distinct tag, the conversations carrying it. A tag
// repeated on one conversation counts once, so no volume exceeds len(convs).
func Tier2(convs []domain.Conversation) []domain.SubTopic {
	counts := make(map[string]int)
	for _, c := range convs {
		seen := make(map[string]bool, len(c.Tags))
		for _, tag := range c.Tags {
			tag = strings.TrimSpace(tag)
			if tag == "" || seen[tag] {
				continue
			}
			seen[tag] = true
			counts[tag]++
		}
	}
	out := make([]domain.SubTopic, 0, len(counts))
	for tag, n := range counts {
		out = append(out, domain.SubTopic{
			Tier:        2,
			Label:       tag,
			Volume:      n,
			Percentage:  percentOf(n, len(convs)),
			Overlapping: true,
		})
	}
	sortSubTopics(out)
	return out
}

type theme struct {
	Label    string   `json:"label"`
	Keywords []string `json:"keywords"`
}

// Tier3 asks the LLM for recurring themes in a sample of the topic, measures
// each theme's volume over every conversation of the topic with a keyword
// matcher, and drops noise and near-duplicates of existing tags.
func (a *Aggregator) Tier3(ctx context.Context, topic string, convs []domain.Conversation, existing []string) ([]domain.SubTopic, llm.Usage, error) {
	sample := StrideSample(convs, a.opts.SampleSize)
	var usage llm.Usage

	callCtx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()
	start := time.Now()
	resp, err := a.client.Complete(callCtx, llm.Request{
		System:    buildThemePrompt(topic, existing, a.opts.MaxThemes),
		User:      buildSampleText(sample),
		MaxTokens: themesMaxTokens,
	})
	metrics.LLMRequestDuration.WithLabelValues(a.client.Provider(), "themes").Observe(time.Since(start).Seconds())
	usage.Add(resp.Usage)
	if err != nil {
		return nil, usage, fmt.Errorf("discover themes for %s: %w", topic, err)
	}
	themes, err := parseThemes(resp.Text)
	if err != nil {
		return nil, usage, err
	}
	themes = cleanThemes(themes, a.opts.MaxThemes)
	if len(themes) == 0 {
		return []domain.SubTopic{}, usage, nil
	}

	volumes, err := themeVolumes(themes, convs)
	if err != nil {
		return nil, usage, err
	}

	var kept []theme
	candidates := make([]string, len(themes))
	for i, t := range themes {
		candidates[i] = t.Label
	}
	dup := nearDuplicates(existing, candidates, a.opts.DuplicateThreshold)
	for i, t := range themes {
		switch {
		case volumes[t.Label] < a.opts.MinSupport:
			a.logger.Debug("dropping low-support theme", zap.String("topic", topic), zap.String("theme", t.Label), zap.Int("volume", volumes[t.Label]))
		case dup[i]:
			a.logger.Debug("dropping theme duplicating a tag", zap.String("topic", topic), zap.String("theme", t.Label))
		default:
			kept = append(kept, t)
		}
	}

	if a.opts.Validate && len(kept) > 0 {
		confirmed, vUsage, err := a.validate(ctx, topic, existing, kept)
		usage.Add(vUsage)
		if err != nil {
			a.logger.Warn("theme validation failed, keeping unvalidated themes", zap.String("topic", topic), zap.Error(err))
		} else {
			kept = confirmed
		}
	}

	out := make([]domain.SubTopic, 0, len(kept))
	for _, t := range kept {
		out = append(out, domain.SubTopic{
			Tier:        3,
			Label:       t.Label,
			Volume:      volumes[t.Label],
			Percentage:  percentOf(volumes[t.Label], len(convs)),
			Keywords:    t.Keywords,
			Overlapping: true,
		})
	}
	sortSubTopics(out)
	return out, usage, nil
}

// StrideSample picks up to n conversations spread evenly over convs.
func StrideSample(convs []domain.Conversation, n int) []domain.Conversation {
	if n <= 0 || len(convs) <= n {
		return convs
	}
	out := make([]domain.Conversation, 0, n)
	step := float64(len(convs)) / float64(n)
	for i := 0; i < n; i++ {
		out = append(out, convs[int(float64(i)*step)])
	}
	return out
}

func buildThemePrompt(topic string, existing []string, maxThemes int) string {
	tags := "(none)"
	if len(existing) > 0 {
		tags = strings.Join(existing, ", ")
	}
	return fmt.Sprintf(`You analyse customer support conversations that all belong to the topic %q.

Find up to %d recurring themes in these conversations that are NOT already covered by the existing tags: %s.
Ignore themes that appear in only one conversation.
For each theme give a short label and 2 to 6 keywords or short phrases that appear literally in the conversations, in the language they are written in.

Respond with JSON only (no markdown):
[{"label": "...", "keywords": ["...", "..."]}]`, topic, maxThemes, tags)
}

func buildSampleText(sample []domain.Conversation) string {
	var b strings.Builder
	for i, c := range sample {
		text := c.RawText
		if r := []rune(text); len(r) > sampleTextChars {
			text = string(r[:sampleTextChars])
		}
		b.WriteString(fmt.Sprintf("%d. %s\n", i+1, text))
	}
	return b.String()
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func parseThemes(responseText string) ([]theme, error) {
	responseText = stripFences(responseText)
	var themes []theme
	if err := json.Unmarshal([]byte(responseText), &themes); err != nil {
		truncated := responseText
		if len(truncated) > 512 {
			truncated = truncated[:512] + fmt.Sprintf("... [truncated, total_length=%d]", len(responseText))
		}
		return nil, fmt.Errorf("parsing themes response: %w (truncated response: %s)", err, truncated)
	}
	return themes, nil
}

func cleanThemes(themes []theme, max int) []theme {
	seen := make(map[string]bool)
	var out []theme
	for _, t := range themes {
		label := strings.Join(strings.Fields(t.Label), " ")
		key := labelKey(label)
		if label == "" || seen[key] || strings.EqualFold(label, domain.Unknown) {
			continue
		}
		var kws []string
		for _, kw := range t.Keywords {
			if kw = strings.TrimSpace(kw); len(tokenize(kw)) > 0 {
				kws = append(kws, kw)
			}
		}
		if len(kws) == 0 {
			continue
		}
		seen[key] = true
		out = append(out, theme{Label: label, Keywords: kws})
		if len(out) == max {
			break
		}
	}
	return out
}

// themeVolumes counts, per theme, the conversations matching any of its
// keywords. Each conversation counts at most once per theme.
func themeVolumes(themes []theme, convs []domain.Conversation) (map[string]int, error) {
	table := &keywords.Table{}
	for _, t := range themes {
		table.Topics = append(table.Topics, keywords.NewTopicKeywords(t.Label, t.Keywords))
	}
	matcher, err := keywords.NewMatcher(table)
	if err != nil {
		return nil, fmt.Errorf("build theme matcher: %w", err)
	}
	volumes := make(map[string]int, len(themes))
	for _, c := range convs {
		for _, m := range matcher.Match(c.RawText) {
			volumes[m.Topic]++
		}
	}
	return volumes, nil
}

type validation struct {
	Label    string `json:"label"`
	Distinct bool   `json:"distinct"`
}

// validate asks the LLM to confirm each theme is distinct from the existing
// tags. Themes the answer does not mention are dropped.
func (a *Aggregator) validate(ctx context.Context, topic string, existing []string, themes []theme) ([]theme, llm.Usage, error) {
	var lines strings.Builder
	for i, t := range themes {
		lines.WriteString(fmt.Sprintf("%d. %s (keywords: %s)\n", i+1, t.Label, strings.Join(t.Keywords, ", ")))
	}
	tags := "(none)"
	if len(existing) > 0 {
		tags = strings.Join(existing, ", ")
	}
	systemPrompt := fmt.Sprintf(`You review sub-topics discovered inside the support topic %q.

Existing tags: %s

For each candidate theme decide whether it is genuinely distinct from every existing tag and from the other candidates.

Respond with JSON only (no markdown):
[{"label": "...", "distinct": true}]`, topic, tags)

	callCtx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()
	start := time.Now()
	resp, err := a.client.Complete(callCtx, llm.Request{
		System:    systemPrompt,
		User:      "Candidate themes:\n" + lines.String(),
		MaxTokens: themesMaxTokens,
	})
	metrics.LLMRequestDuration.WithLabelValues(a.client.Provider(), "validate").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, resp.Usage, fmt.Errorf("validate themes for %s: %w", topic, err)
	}
	var verdicts []validation
	if err := json.Unmarshal([]byte(stripFences(resp.Text)), &verdicts); err != nil {
		return nil, resp.Usage, fmt.Errorf("parsing validation response: %w", err)
	}
	distinct := make(map[string]bool, len(verdicts))
	for _, v := range verdicts {
		if v.Distinct {
			distinct[labelKey(v.Label)] = true
		}
	}
	var out []theme
	for _, t := range themes {
		if distinct[labelKey(t.Label)] {
			out = append(out, t)
		}
	}
	return out, resp.Usage, nil
}

// labelKey compares theme labels ignoring case and spacing.
func labelKey(label string) string {
	return strings.ToLower(strings.Join(strings.Fields(label), " "))
}

func percentOf(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return domain.Round1(float64(n) * 100 / float64(total))
}

func sortSubTopics(subs []domain.SubTopic) {
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].Volume != subs[j].Volume {
			return subs[i].Volume > subs[j].Volume
		}
		return subs[i].Label < subs[j].Label
	})
}

func labels(subs []domain.SubTopic) []string {
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.Label)
	}
	return out
}
