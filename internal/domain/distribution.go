package domain

import (
	"fmt"
	"math"
	"time"
)

// FallbackStats counts conversations the LLM did not decide, by reason.
type FallbackStats struct {
	Total        int `json:"total"`
	Timeout      int `json:"timeout"`
	RateLimited  int `json:"rate_limited"`
	ProviderErr  int `json:"provider_error"`
	NonTaxonomy  int `json:"non_taxonomy"`
	EmptyText    int `json:"empty_text"`
	KeywordSaved int `json:"keyword_rescued"`

	// Abstained counts LLM answers of Unknown. They are not fallbacks; the
	// ones where a keyword or hint candidate still won are AbstainOverridden.
	Abstained         int `json:"llm_abstained"`
	AbstainOverridden int `json:"abstain_overridden"`
}

// Record adds one fallback outcome. rescued is true when a keyword or hybrid
// candidate replaced the missing LLM answer.
func (s *FallbackStats) Record(reason FallbackReason, rescued bool) {
	if reason == FallbackNone {
		return
	}
	s.Total++
	switch reason {
	case FallbackTimeout:
		s.Timeout++
	case FallbackRateLimited:
		s.RateLimited++
	case FallbackProviderError:
		s.ProviderErr++
	case FallbackNonTaxonomy:
		s.NonTaxonomy++
	case FallbackEmptyText:
		s.EmptyText++
	}
	if rescued {
		s.KeywordSaved++
	}
}

type TopicDistribution struct {
	Total           int                       `json:"total"`
	Order           []string                  `json:"order"`
	Counts          map[string]int            `json:"counts"`
	Percentages     map[string]float64        `json:"percentages"`
	MethodBreakdown map[string]map[Method]int `json:"method_breakdown"`
	Fallback        FallbackStats             `json:"fallback"`
	FallbackRate    float64                   `json:"fallback_rate"`
	UnknownRate     float64                   `json:"unknown_rate"`
}

// CheckInvariant verifies every processed conversation is counted exactly once
// and every topic's method breakdown sums to its count.
func (d TopicDistribution) CheckInvariant() error {
	sum := 0
	for topic, count := range d.Counts {
		sum += count
		methods := 0
		for _, n := range d.MethodBreakdown[topic] {
			methods += n
		}
		if methods != count {
			return fmt.Errorf("topic %q: method breakdown sums to %d, count is %d", topic, methods, count)
		}
	}
	if sum != d.Total {
		return fmt.Errorf("topic counts sum to %d, processed %d conversations", sum, d.Total)
	}
	return nil
}

// Round1 rounds a percentage for display.
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// SubTopic volumes are relative to the parent topic and may overlap: one
// conversation can carry several tags or match several themes.
type SubTopic struct {
	Tier        int      `json:"tier"`
	Label       string   `json:"label"`
	Volume      int      `json:"volume"`
	Percentage  float64  `json:"percentage"`
	Keywords    []string `json:"keywords,omitempty"`
	Overlapping bool     `json:"overlapping"`
}

type TopicBreakdown struct {
	Topic      string     `json:"topic"`
	Volume     int        `json:"volume"`
	Tier2      []SubTopic `json:"tier2"`
	Tier3      []SubTopic `json:"tier3"`
	Tier3Error string     `json:"tier3_error,omitempty"`
}

// AnalysisRun is the complete, serializable outcome of one pipeline run.
type AnalysisRun struct {
	ID           string            `json:"id"`
	WindowFrom   time.Time         `json:"window_from,omitempty"`
	WindowTo     time.Time         `json:"window_to,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	FinishedAt   time.Time         `json:"finished_at"`
	Provider     string            `json:"provider"`
	Model        string            `json:"model"`
	Input        int               `json:"input_conversations"`
	Cancelled    bool              `json:"cancelled"`
	Distribution TopicDistribution `json:"distribution"`
	Breakdowns   []TopicBreakdown  `json:"breakdowns"`
	Assignments  []TopicAssignment `json:"assignments"`
	InputTokens  int64             `json:"input_tokens"`
	OutputTokens int64             `json:"output_tokens"`
}
