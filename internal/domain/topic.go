package domain

import "strings"

// Unknown is the sentinel topic for conversations that could not be placed in
// the taxonomy.
const Unknown = "Unknown"

// Method records how a topic assignment was decided.
type Method string

const (
	MethodLLM            Method = "llm"
	MethodHybrid         Method = "hybrid"
	MethodKeyword        Method = "keyword"
	MethodSourceHintOnly Method = "source_hint_only"
	MethodFallback       Method = "fallback"
)

// Methods lists every method in precedence order.
var Methods = []Method{MethodLLM, MethodHybrid, MethodKeyword, MethodSourceHintOnly, MethodFallback}

// Priority orders methods for tie-breaks; higher wins.
func (m Method) Priority() int {
	switch m {
	case MethodLLM:
		return 4
	case MethodHybrid:
		return 3
	case MethodKeyword:
		return 2
	case MethodSourceHintOnly:
		return 1
	default:
		return 0
	}
}

// Confidence bands per method. The bands do not overlap, so ordering by
// confidence alone already yields llm > hybrid > keyword > source_hint_only.
const (
	ConfidenceLLMCorroborated = 0.95
	ConfidenceLLM             = 0.85
	ConfidenceHybrid          = 0.70
	ConfidenceKeywordBase     = 0.30
	ConfidenceKeywordStep     = 0.05
	ConfidenceKeywordMax      = 0.55
	ConfidenceLLMAbstain      = 0.20
	ConfidenceSourceHint      = 0.10
	ConfidenceFallback        = 0.0
)

// KeywordConfidence maps a distinct keyword hit count onto the keyword band.
func KeywordConfidence(hits int) float64 {
	if hits <= 0 {
		return 0
	}
	c := ConfidenceKeywordBase + ConfidenceKeywordStep*float64(hits-1)
	if c > ConfidenceKeywordMax {
		return ConfidenceKeywordMax
	}
	return c
}

type TopicAssignment struct {
	ConversationID string  `json:"conversation_id"`
	Topic          string  `json:"topic"`
	Confidence     float64 `json:"confidence"`
	Method         Method  `json:"method"`
	Primary        bool    `json:"primary"`
}

// FallbackReason explains why the LLM did not decide a conversation.
type FallbackReason string

const (
	FallbackNone          FallbackReason = ""
	FallbackTimeout       FallbackReason = "timeout"
	FallbackRateLimited   FallbackReason = "rate_limited"
	FallbackProviderError FallbackReason = "provider_error"
	FallbackNonTaxonomy   FallbackReason = "non_taxonomy"
	FallbackEmptyText     FallbackReason = "empty_text"
)

// Classification is every candidate assignment gathered for one conversation.
type Classification struct {
	ConversationID string            `json:"conversation_id"`
	Candidates     []TopicAssignment `json:"candidates"`
	FallbackReason FallbackReason    `json:"fallback_reason,omitempty"`
}

// Taxonomy is the closed set of top-level topics, in display order.
type Taxonomy []string

// Lookup matches a label case-insensitively and returns the canonical form.
// Unknown is always accepted.
func (t Taxonomy) Lookup(label string) (string, bool) {
	label = strings.TrimSpace(label)
	if strings.EqualFold(label, Unknown) {
		return Unknown, true
	}
	for _, topic := range t {
		if strings.EqualFold(topic, label) {
			return topic, true
		}
	}
	return "", false
}

// Index returns the display position of a topic; Unknown sorts last.
func (t Taxonomy) Index(topic string) int {
	for i, name := range t {
		if name == topic {
			return i
		}
	}
	return len(t)
}

// WithUnknown returns the taxonomy followed by the Unknown sentinel.
func (t Taxonomy) WithUnknown() []string {
	out := make([]string, 0, len(t)+1)
	out = append(out, t...)
	return append(out, Unknown)
}
