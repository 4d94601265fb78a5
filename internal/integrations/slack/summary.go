package slackbot

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"supportpulse/internal/domain"
)

const summaryTopTopics = 5

// Poster is the part of *slack.Client used to post run summaries.
type Poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

func New(token string) *slack.Client {
	return slack.New(token)
}

// FormatRunSummary renders a short mrkdwn summary of a run: volume, the top
// topics, and the health line with an alert marker when the fallback rate
// crossed alertRate.
func FormatRunSummary(run *domain.AnalysisRun, alertRate float64) string {
	d := run.Distribution
	var b strings.Builder

	title := "Support topics"
	if !run.WindowFrom.IsZero() {
		title += fmt.Sprintf(" %s - %s", run.WindowFrom.Format("Jan 2"), run.WindowTo.Format("Jan 2"))
	}
	fmt.Fprintf(&b, "*%s*\n", title)
	fmt.Fprintf(&b, "%d conversations classified", d.Total)
	if run.Cancelled {
		fmt.Fprintf(&b, " (run cancelled, %d requested)", run.Input)
	}
	b.WriteString("\n")

	shown := 0
	for _, topic := range rankTopics(d) {
		if shown == summaryTopTopics {
			break
		}
		if d.Counts[topic] == 0 {
			continue
		}
		fmt.Fprintf(&b, "• %s: %d (%.1f%%)\n", topic, d.Counts[topic], d.Percentages[topic])
		shown++
	}

	fmt.Fprintf(&b, "Fallback rate %.1f%%, Unknown %.1f%%", d.FallbackRate*100, d.UnknownRate*100)
	if d.Total > 0 && d.FallbackRate > alertRate {
		fmt.Fprintf(&b, "\n:warning: fallback rate above %.0f%% (%d timeouts, %d rate limited, %d provider errors, %d off-taxonomy answers)",
			alertRate*100, d.Fallback.Timeout, d.Fallback.RateLimited, d.Fallback.ProviderErr, d.Fallback.NonTaxonomy)
	}
	return b.String()
}

// rankTopics orders topics by count, keeping taxonomy order for ties.
func rankTopics(d domain.TopicDistribution) []string {
	out := append([]string(nil), d.Order...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && d.Counts[out[j]] > d.Counts[out[j-1]]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// PostRunSummary posts the summary to channelID as a single section block
// with a plain-text fallback.
func PostRunSummary(ctx context.Context, api Poster, channelID string, run *domain.AnalysisRun, alertRate float64) error {
	text := FormatRunSummary(run, alertRate)
	section := slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil)
	_, _, err := api.PostMessageContext(ctx, channelID,
		slack.MsgOptionText(text, false),
		slack.MsgOptionBlocks(section),
	)
	if err != nil {
		return fmt.Errorf("post run summary: %w", err)
	}
	return nil
}
