package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestampUnmarshalFormats(t *testing.T) {
	want := time.Date(2024, 3, 5, 10, 30, 0, 0, time.UTC)
	tests := []struct {
		name string
		raw  string
		want time.Time
	}{
		{name: "epoch int", raw: `1709634600`, want: want},
		{name: "epoch millis", raw: `1709634600000`, want: want},
		{name: "epoch string", raw: `"1709634600"`, want: want},
		{name: "rfc3339", raw: `"2024-03-05T10:30:00Z"`, want: want},
		{name: "offset", raw: `"2024-03-05T11:30:00+01:00"`, want: want},
		{name: "naive", raw: `"2024-03-05 10:30:00"`, want: want},
		{name: "null", raw: `null`, want: time.Time{}},
		{name: "garbage", raw: `"yesterday"`, want: time.Time{}},
		{name: "object", raw: `{"a":1}`, want: time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ts Timestamp
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &ts))
			assert.True(t, tt.want.Equal(ts.Time), "got %s want %s", ts.Time, tt.want)
		})
	}
}

func TestTaxonomyLookup(t *testing.T) {
	tax := Taxonomy{"Billing", "Bug", "Product Question"}

	got, ok := tax.Lookup("  billing ")
	assert.True(t, ok)
	assert.Equal(t, "Billing", got)

	got, ok = tax.Lookup("UNKNOWN")
	assert.True(t, ok)
	assert.Equal(t, Unknown, got)

	_, ok = tax.Lookup("Refunds")
	assert.False(t, ok)

	assert.Equal(t, 1, tax.Index("Bug"))
	assert.Equal(t, 3, tax.Index(Unknown))
	assert.Equal(t, []string{"Billing", "Bug", "Product Question", Unknown}, tax.WithUnknown())
}

func TestConfidenceBandsDoNotOverlap(t *testing.T) {
	assert.Greater(t, ConfidenceLLM, ConfidenceHybrid)
	assert.Greater(t, ConfidenceHybrid, KeywordConfidence(100))
	assert.Greater(t, KeywordConfidence(1), ConfidenceLLMAbstain)
	assert.Greater(t, ConfidenceLLMAbstain, ConfidenceSourceHint)
	assert.Greater(t, ConfidenceSourceHint, ConfidenceFallback)

	assert.Equal(t, 0.0, KeywordConfidence(0))
	assert.InDelta(t, 0.30, KeywordConfidence(1), 1e-9)
	assert.InDelta(t, 0.40, KeywordConfidence(3), 1e-9)
	assert.InDelta(t, ConfidenceKeywordMax, KeywordConfidence(50), 1e-9)
}

func TestMethodPriorityOrder(t *testing.T) {
	for i := 1; i < len(Methods); i++ {
		assert.Greater(t, Methods[i-1].Priority(), Methods[i].Priority())
	}
}

func TestCheckInvariant(t *testing.T) {
	d := TopicDistribution{
		Total:  3,
		Counts: map[string]int{"Billing": 2, Unknown: 1},
		MethodBreakdown: map[string]map[Method]int{
			"Billing": {MethodLLM: 1, MethodKeyword: 1},
			Unknown:   {MethodFallback: 1},
		},
	}
	require.NoError(t, d.CheckInvariant())

	d.Total = 4
	require.Error(t, d.CheckInvariant())

	d.Total = 3
	d.MethodBreakdown["Billing"][MethodLLM] = 2
	require.Error(t, d.CheckInvariant())
}

func TestFallbackStatsRecord(t *testing.T) {
	var s FallbackStats
	s.Record(FallbackNone, false)
	s.Record(FallbackTimeout, true)
	s.Record(FallbackNonTaxonomy, false)
	s.Record(FallbackEmptyText, false)

	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 1, s.Timeout)
	assert.Equal(t, 1, s.NonTaxonomy)
	assert.Equal(t, 1, s.EmptyText)
	assert.Equal(t, 1, s.KeywordSaved)
}
