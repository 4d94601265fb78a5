package subtopic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"supportpulse/internal/domain"
	"supportpulse/internal/llm"
)

type scriptedLLM struct {
	themes     string
	validation string
	err        error
	calls      atomic.Int64
}

func (s *scriptedLLM) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	s.calls.Add(1)
	if s.err != nil {
		return llm.Response{}, s.err
	}
	usage := llm.Usage{InputTokens: 100, OutputTokens: 20}
	if strings.Contains(req.System, "You review sub-topics") {
		return llm.Response{Text: s.validation, Usage: usage}, nil
	}
	return llm.Response{Text: s.themes, Usage: usage}, nil
}
func (s *scriptedLLM) Provider() string { return "stub" }
func (s *scriptedLLM) Model() string    { return "stub" }

func conv(id, text string, tags ...string) domain.Conversation {
	return domain.Conversation{ID: id, RawText: text, Tags: tags}
}

func billingConvs() []domain.Conversation {
	return []domain.Conversation{
		conv("1", "I need a refund", "refund", "vip"),
		conv("2", "refund please, refund", "refund", "refund"),
		conv("3", "refund for the annual plan", "refund"),
		conv("4", "Can I export to PDF? the invoice PDF is blank", "invoice"),
		conv("5", "invoice pdf missing VAT number"),
		conv("6", "please enable dark mode on invoices"),
		conv("7", "invoice address wrong, PDF export shows old address"),
	}
}

const themesJSON = "```json\n" + `[
	{"label": "Invoice PDF problems", "keywords": ["pdf", "export to pdf"]},
	{"label": "Dark mode", "keywords": ["dark mode"]},
	{"label": "Refund", "keywords": ["refund"]},
	{"label": "invoice pdf problems", "keywords": ["duplicate label"]},
	{"label": "Empty", "keywords": ["  ", "!!"]}
]` + "\n```"

func TestTier2CountsEachConversationOnce(t *testing.T) {
	convs := billingConvs()
	subs := Tier2(convs)

	require.Len(t, subs, 3)
	assert.Equal(t, "refund", subs[0].Label)
	assert.Equal(t, 3, subs[0].Volume)
	assert.InDelta(t, 42.9, subs[0].Percentage, 1e-9)
	assert.Equal(t, "invoice", subs[1].Label)
	assert.Equal(t, "vip", subs[2].Label)
	for _, s := range subs {
		assert.Equal(t, 2, s.Tier)
		assert.True(t, s.Overlapping)
		assert.LessOrEqual(t, s.Volume, len(convs))
	}
}

func TestTier2BoundWithManyTags(t *testing.T) {
	var convs []domain.Conversation
	for i := 0; i < 25; i++ {
		convs = append(convs, conv(fmt.Sprint(i), "x", "a", "b", "a", "c", "b"))
	}
	for _, s := range Tier2(convs) {
		assert.LessOrEqual(t, s.Volume, 25)
		assert.InDelta(t, 100.0, s.Percentage, 1e-9)
	}
}

func TestTier3DiscoversAndFiltersThemes(t *testing.T) {
	client := &scriptedLLM{themes: themesJSON}
	agg := New(client, Options{}, zaptest.NewLogger(t))

	convs := billingConvs()
	subs, usage, err := agg.Tier3(context.Background(), "Billing", convs, []string{"refund", "vip", "invoice"})
	require.NoError(t, err)

	require.Len(t, subs, 1, "dark mode is noise, refund duplicates a tag")
	assert.Equal(t, "Invoice PDF problems", subs[0].Label)
	assert.Equal(t, 3, subs[0].Volume)
	assert.Equal(t, 3, subs[0].Tier)
	assert.True(t, subs[0].Overlapping)
	assert.Equal(t, []string{"pdf", "export to pdf"}, subs[0].Keywords)
	assert.InDelta(t, 42.9, subs[0].Percentage, 1e-9)
	assert.Equal(t, int64(120), usage.TotalTokens())
}

func TestTier3Validation(t *testing.T) {
	themes := `[{"label": "Invoice PDF problems", "keywords": ["pdf"]}, {"label": "Annual plan", "keywords": ["annual plan", "refund"]}]`

	client := &scriptedLLM{themes: themes, validation: `[{"label": "invoice pdf problems", "distinct": true}, {"label": "Annual plan", "distinct": false}]`}
	agg := New(client, Options{Validate: true}, zaptest.NewLogger(t))
	subs, _, err := agg.Tier3(context.Background(), "Billing", billingConvs(), []string{"vip"})
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "Invoice PDF problems", subs[0].Label)
	assert.Equal(t, int64(2), client.calls.Load())

	// an unparseable validation answer keeps the unvalidated themes
	client = &scriptedLLM{themes: themes, validation: "sure, both look fine"}
	agg = New(client, Options{Validate: true}, zaptest.NewLogger(t))
	subs, _, err = agg.Tier3(context.Background(), "Billing", billingConvs(), []string{"vip"})
	require.NoError(t, err)
	assert.Len(t, subs, 2)

	// verdict labels match regardless of spacing
	spaced := `[{"label": "Invoice  PDF problems", "keywords": ["pdf"]}, {"label": "Annual plan", "keywords": ["annual plan", "refund"]}]`
	client = &scriptedLLM{themes: spaced, validation: `[{"label": " invoice pdf   problems", "distinct": true}, {"label": "annual\tplan", "distinct": true}]`}
	agg = New(client, Options{Validate: true}, zaptest.NewLogger(t))
	subs, _, err = agg.Tier3(context.Background(), "Billing", billingConvs(), []string{"vip"})
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.ElementsMatch(t, []string{"Invoice PDF problems", "Annual plan"}, labels(subs))
}

func TestTier3BadResponse(t *testing.T) {
	agg := New(&scriptedLLM{themes: "I found some themes!"}, Options{}, zaptest.NewLogger(t))
	_, _, err := agg.Tier3(context.Background(), "Billing", billingConvs(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing themes response")
}

func TestBuildPerTopic(t *testing.T) {
	convs := append(billingConvs(),
		conv("b1", "app crash on start", "android"),
		conv("b2", "crash after update", "android", "ios"),
	)
	var primaries []domain.TopicAssignment
	for _, c := range convs {
		topic := "Billing"
		if strings.HasPrefix(c.ID, "b") {
			topic = "Bug"
		}
		primaries = append(primaries, domain.TopicAssignment{ConversationID: c.ID, Topic: topic, Primary: true})
	}

	client := &scriptedLLM{err: fmt.Errorf("boom: %w", llm.ErrProvider)}
	agg := New(client, Options{}, zaptest.NewLogger(t))
	breakdowns, _ := agg.Build(context.Background(), convs, primaries, []string{"Billing", "Account", "Bug", domain.Unknown})

	require.Len(t, breakdowns, 2)
	assert.Equal(t, "Billing", breakdowns[0].Topic)
	assert.Equal(t, 7, breakdowns[0].Volume)
	assert.Equal(t, "Bug", breakdowns[1].Topic)
	assert.Equal(t, 2, breakdowns[1].Volume)
	assert.Equal(t, "android", breakdowns[1].Tier2[0].Label)
	assert.Equal(t, 2, breakdowns[1].Tier2[0].Volume)

	for _, b := range breakdowns {
		assert.NotEmpty(t, b.Tier3Error)
		assert.Empty(t, b.Tier3)
		for _, s := range b.Tier2 {
			assert.LessOrEqual(t, s.Volume, b.Volume)
		}
	}
	assert.True(t, errors.Is(client.err, llm.ErrProvider))
}

func TestBuildWithoutClientSkipsTier3(t *testing.T) {
	convs := billingConvs()
	var primaries []domain.TopicAssignment
	for _, c := range convs {
		primaries = append(primaries, domain.TopicAssignment{ConversationID: c.ID, Topic: "Billing", Primary: true})
	}
	breakdowns, usage := New(nil, Options{}, nil).Build(context.Background(), convs, primaries, []string{"Billing"})
	require.Len(t, breakdowns, 1)
	assert.Empty(t, breakdowns[0].Tier3Error)
	assert.Empty(t, breakdowns[0].Tier3)
	assert.Zero(t, usage.TotalTokens())
}

func TestStrideSample(t *testing.T) {
	var convs []domain.Conversation
	for i := 0; i < 100; i++ {
		convs = append(convs, conv(fmt.Sprint(i), "x"))
	}
	sample := StrideSample(convs, 40)
	require.Len(t, sample, 40)
	assert.Equal(t, "0", sample[0].ID)
	assert.Equal(t, sample, StrideSample(convs, 40))

	seen := make(map[string]bool)
	for _, c := range sample {
		assert.False(t, seen[c.ID])
		seen[c.ID] = true
	}
	assert.Len(t, StrideSample(convs[:10], 40), 10)
}

func TestNearDuplicates(t *testing.T) {
	dup := nearDuplicates(
		[]string{"refund request", "vip"},
		[]string{"Refund Request", "Refund delays", "PDF export"},
		DefaultDuplicateThreshold,
	)
	assert.Equal(t, []bool{true, false, false}, dup)
}
