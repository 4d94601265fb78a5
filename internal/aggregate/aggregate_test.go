package aggregate

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportpulse/internal/domain"
)

var taxonomy = domain.Taxonomy{"Billing", "Bug", "Account"}

func cand(topic string, confidence float64, method domain.Method) domain.TopicAssignment {
	return domain.TopicAssignment{Topic: topic, Confidence: confidence, Method: method}
}

func TestSelectPrimaryHighestConfidence(t *testing.T) {
	// LLM says Billing at 0.9, keywords point at Bug at 0.4.
	cl := domain.Classification{
		ConversationID: "c1",
		Candidates: []domain.TopicAssignment{
			cand("Bug", 0.4, domain.MethodKeyword),
			cand("Billing", 0.9, domain.MethodLLM),
			cand(domain.Unknown, 0, domain.MethodFallback),
		},
	}
	p := SelectPrimary(cl, taxonomy)
	assert.Equal(t, "Billing", p.Topic)
	assert.Equal(t, domain.MethodLLM, p.Method)
	assert.Equal(t, "c1", p.ConversationID)
	assert.True(t, p.Primary)

	res, err := Aggregate([]domain.Classification{cl}, domain.FallbackStats{}, taxonomy)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Distribution.Counts["Billing"])
	assert.Equal(t, 0, res.Distribution.Counts["Bug"])
}

func TestSelectPrimaryTieBreaks(t *testing.T) {
	cl := domain.Classification{Candidates: []domain.TopicAssignment{
		cand("Bug", 0.5, domain.MethodKeyword),
		cand("Account", 0.5, domain.MethodHybrid),
	}}
	assert.Equal(t, "Account", SelectPrimary(cl, taxonomy).Topic, "method priority")

	cl = domain.Classification{Candidates: []domain.TopicAssignment{
		cand("Account", 0.3, domain.MethodKeyword),
		cand("Bug", 0.3, domain.MethodKeyword),
	}}
	assert.Equal(t, "Bug", SelectPrimary(cl, taxonomy).Topic, "taxonomy order")

	cl = domain.Classification{ConversationID: "empty"}
	p := SelectPrimary(cl, taxonomy)
	assert.Equal(t, domain.Unknown, p.Topic)
	assert.Equal(t, domain.MethodFallback, p.Method)
}

func TestSelectPrimaryIgnoresCandidateOrder(t *testing.T) {
	base := []domain.TopicAssignment{
		cand("Bug", domain.KeywordConfidence(2), domain.MethodKeyword),
		cand("Billing", domain.KeywordConfidence(2), domain.MethodKeyword),
		cand("Billing", domain.ConfidenceHybrid, domain.MethodHybrid),
		cand(domain.Unknown, domain.ConfidenceLLMAbstain, domain.MethodLLM),
		cand(domain.Unknown, 0, domain.MethodFallback),
	}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]domain.TopicAssignment(nil), base...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		p := SelectPrimary(domain.Classification{Candidates: shuffled}, taxonomy)
		assert.Equal(t, "Billing", p.Topic)
		assert.Equal(t, domain.MethodHybrid, p.Method)
	}
}

func TestAggregateCountInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	topics := append(taxonomy.WithUnknown(), "Billing")
	methods := domain.Methods

	var cls []domain.Classification
	for i := 0; i < 500; i++ {
		n := 1 + rng.Intn(4)
		cl := domain.Classification{ConversationID: fmt.Sprintf("c%d", i)}
		for j := 0; j < n; j++ {
			cl.Candidates = append(cl.Candidates, cand(
				topics[rng.Intn(len(topics))],
				float64(rng.Intn(10))/10,
				methods[rng.Intn(len(methods))],
			))
		}
		cls = append(cls, cl)
	}

	res, err := Aggregate(cls, domain.FallbackStats{}, taxonomy)
	require.NoError(t, err)

	sum := 0
	for _, c := range res.Distribution.Counts {
		sum += c
	}
	assert.Equal(t, 500, sum)
	assert.Equal(t, 500, res.Distribution.Total)
	require.Len(t, res.Primaries, 500)

	seen := make(map[string]int)
	for _, p := range res.Primaries {
		assert.True(t, p.Primary)
		seen[p.ConversationID]++
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestAggregateRatesAndPercentages(t *testing.T) {
	cls := []domain.Classification{
		{ConversationID: "1", Candidates: []domain.TopicAssignment{cand("Billing", 0.85, domain.MethodLLM)}},
		{ConversationID: "2", Candidates: []domain.TopicAssignment{cand("Billing", 0.3, domain.MethodKeyword)}, FallbackReason: domain.FallbackTimeout},
		{ConversationID: "3", Candidates: []domain.TopicAssignment{cand(domain.Unknown, 0, domain.MethodFallback)}, FallbackReason: domain.FallbackEmptyText},
	}
	var stats domain.FallbackStats
	stats.Record(domain.FallbackTimeout, true)
	stats.Record(domain.FallbackEmptyText, false)

	res, err := Aggregate(cls, stats, taxonomy)
	require.NoError(t, err)
	d := res.Distribution

	assert.Equal(t, []string{"Billing", "Bug", "Account", domain.Unknown}, d.Order)
	assert.Equal(t, 2, d.Counts["Billing"])
	assert.Equal(t, 0, d.Counts["Bug"])
	assert.InDelta(t, 66.7, d.Percentages["Billing"], 1e-9)
	assert.InDelta(t, 33.3, d.Percentages[domain.Unknown], 1e-9)
	assert.Equal(t, 1, d.MethodBreakdown["Billing"][domain.MethodLLM])
	assert.Equal(t, 1, d.MethodBreakdown["Billing"][domain.MethodKeyword])
	assert.InDelta(t, 2.0/3, d.FallbackRate, 1e-9)
	assert.InDelta(t, 1.0/3, d.UnknownRate, 1e-9)
	assert.Equal(t, 1, d.Fallback.KeywordSaved)

	vols := Volumes(res.Primaries)
	assert.Equal(t, []string{"1", "2"}, vols["Billing"])
}

func TestAggregateEmpty(t *testing.T) {
	res, err := Aggregate(nil, domain.FallbackStats{}, taxonomy)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Distribution.Total)
	assert.Zero(t, res.Distribution.FallbackRate)
	assert.Len(t, res.Distribution.Counts, 4)
}

func TestAggregateCountsAbstentions(t *testing.T) {
	classifications := []domain.Classification{
		{ConversationID: "kw", Candidates: []domain.TopicAssignment{
			cand(domain.Unknown, domain.ConfidenceLLMAbstain, domain.MethodLLM),
			cand("Billing", domain.KeywordConfidence(1), domain.MethodKeyword),
		}},
		{ConversationID: "plain", Candidates: []domain.TopicAssignment{
			cand(domain.Unknown, domain.ConfidenceLLMAbstain, domain.MethodLLM),
		}},
		{ConversationID: "timeout", FallbackReason: domain.FallbackTimeout, Candidates: []domain.TopicAssignment{
			cand("Billing", domain.KeywordConfidence(1), domain.MethodKeyword),
		}},
	}
	stats := domain.FallbackStats{Total: 1, Timeout: 1, KeywordSaved: 1}

	res, err := Aggregate(classifications, stats, taxonomy)
	require.NoError(t, err)
	d := res.Distribution
	assert.Equal(t, 2, d.Fallback.Abstained)
	assert.Equal(t, 1, d.Fallback.AbstainOverridden)
	assert.Equal(t, 1, d.Fallback.Total, "abstentions are not fallbacks")
	assert.Equal(t, 1, d.Fallback.KeywordSaved)
	assert.Equal(t, 2, d.Counts["Billing"])
	assert.Equal(t, 1, d.Counts[domain.Unknown])
}
