package aggregate

import (
	"fmt"

	"supportpulse/internal/domain"
	"supportpulse/internal/metrics"
)

// SelectPrimary picks the highest-confidence candidate. Ties go to the
// stronger method, then to the topic listed first in the taxonomy. A
// classification without candidates resolves to Unknown.
func SelectPrimary(cl domain.Classification, taxonomy domain.Taxonomy) domain.TopicAssignment {
	if len(cl.Candidates) == 0 {
		return domain.TopicAssignment{
			ConversationID: cl.ConversationID,
			Topic:          domain.Unknown,
			Confidence:     domain.ConfidenceFallback,
			Method:         domain.MethodFallback,
			Primary:        true,
		}
	}
	best := cl.Candidates[0]
	for _, cand := range cl.Candidates[1:] {
		if outranks(cand, best, taxonomy) {
			best = cand
		}
	}
	best.ConversationID = cl.ConversationID
	best.Primary = true
	return best
}

func outranks(a, b domain.TopicAssignment, taxonomy domain.Taxonomy) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.Method.Priority() != b.Method.Priority() {
		return a.Method.Priority() > b.Method.Priority()
	}
	return taxonomy.Index(a.Topic) < taxonomy.Index(b.Topic)
}

// Result is the global reduction of one batch of classifications.
type Result struct {
	Distribution domain.TopicDistribution
	Primaries    []domain.TopicAssignment
}

// Aggregate counts every classification in exactly one topic bucket.
func Aggregate(classifications []domain.Classification, stats domain.FallbackStats, taxonomy domain.Taxonomy) (Result, error) {
	order := taxonomy.WithUnknown()
	dist := domain.TopicDistribution{
		Total:           len(classifications),
		Order:           order,
		Counts:          make(map[string]int, len(order)),
		Percentages:     make(map[string]float64, len(order)),
		MethodBreakdown: make(map[string]map[domain.Method]int, len(order)),
		Fallback:        stats,
	}
	for _, topic := range order {
		dist.Counts[topic] = 0
		dist.MethodBreakdown[topic] = make(map[domain.Method]int)
	}

	primaries := make([]domain.TopicAssignment, 0, len(classifications))
	for _, cl := range classifications {
		primary := SelectPrimary(cl, taxonomy)
		if abstained(cl) {
			dist.Fallback.Abstained++
			if primary.Topic != domain.Unknown {
				dist.Fallback.AbstainOverridden++
			}
		}
		if _, known := dist.Counts[primary.Topic]; !known {
			dist.Order = append(dist.Order, primary.Topic)
			dist.MethodBreakdown[primary.Topic] = make(map[domain.Method]int)
		}
		dist.Counts[primary.Topic]++
		dist.MethodBreakdown[primary.Topic][primary.Method]++
		primaries = append(primaries, primary)
		metrics.Classifications.WithLabelValues(string(primary.Method)).Inc()
	}

	if dist.Total > 0 {
		total := float64(dist.Total)
		for topic, count := range dist.Counts {
			dist.Percentages[topic] = domain.Round1(float64(count) * 100 / total)
		}
		dist.FallbackRate = float64(stats.Total) / total
		dist.UnknownRate = float64(dist.Counts[domain.Unknown]) / total
	} else {
		for topic := range dist.Counts {
			dist.Percentages[topic] = 0
		}
	}

	if err := dist.CheckInvariant(); err != nil {
		return Result{}, fmt.Errorf("aggregate topic distribution: %w", err)
	}
	return Result{Distribution: dist, Primaries: primaries}, nil
}

func abstained(cl domain.Classification) bool {
	for _, c := range cl.Candidates {
		if c.Method == domain.MethodLLM && c.Topic == domain.Unknown {
			return true
		}
	}
	return false
}

// Volumes groups conversation ids by primary topic.
func Volumes(primaries []domain.TopicAssignment) map[string][]string {
	out := make(map[string][]string)
	for _, p := range primaries {
		out[p.Topic] = append(out[p.Topic], p.ConversationID)
	}
	return out
}
