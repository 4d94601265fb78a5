package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"supportpulse/internal/domain"
)

type Options struct {
	// AlertRate is the fallback rate above which the health section carries
	// a warning.
	AlertRate float64
	// MaxSubTopics caps each tier's rows per topic; 0 shows all.
	MaxSubTopics int
}

// RenderMarkdown renders a run as a Markdown report: distribution, health
// and per-topic sub-topics.
func RenderMarkdown(run *domain.AnalysisRun, opts Options) string {
	var b strings.Builder
	d := run.Distribution

	b.WriteString("# Support topic report\n\n")
	if !run.WindowFrom.IsZero() {
		fmt.Fprintf(&b, "- Window: %s to %s\n", run.WindowFrom.Format("2006-01-02 15:04"), run.WindowTo.Format("2006-01-02 15:04 MST"))
	}
	fmt.Fprintf(&b, "- Run: `%s` (%s)\n", run.ID, run.StartedAt.Format("2006-01-02 15:04 MST"))
	fmt.Fprintf(&b, "- Model: %s / %s\n", run.Provider, run.Model)
	fmt.Fprintf(&b, "- Conversations: %d\n", d.Total)
	if run.InputTokens+run.OutputTokens > 0 {
		fmt.Fprintf(&b, "- Tokens: %d in, %d out\n", run.InputTokens, run.OutputTokens)
	}
	if run.Cancelled {
		fmt.Fprintf(&b, "\n> **Partial run:** cancelled after %d of %d conversations. Figures below cover the classified conversations only.\n", d.Total, run.Input)
	}

	b.WriteString("\n## Topics\n\n")
	b.WriteString(distributionTable(d))
	b.WriteString("\n\n")

	b.WriteString("## Classification health\n\n")
	writeHealth(&b, d, opts.AlertRate)

	if len(run.Breakdowns) > 0 {
		b.WriteString("\n## Sub-topics\n\n")
		b.WriteString("Sub-topic volumes are counted inside their topic and overlap: one conversation can carry several tags or match several themes, so they do not add up to the topic volume.\n")
		for _, bd := range run.Breakdowns {
			writeBreakdown(&b, bd, opts.MaxSubTopics)
		}
	}
	return b.String()
}

func distributionTable(d domain.TopicDistribution) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Topic", "Conversations", "Share", "LLM", "Hybrid", "Keyword", "Source hint", "Fallback"})
	for _, topic := range d.Order {
		m := d.MethodBreakdown[topic]
		t.AppendRow(table.Row{
			topic,
			d.Counts[topic],
			fmt.Sprintf("%.1f%%", d.Percentages[topic]),
			m[domain.MethodLLM],
			m[domain.MethodHybrid],
			m[domain.MethodKeyword],
			m[domain.MethodSourceHintOnly],
			m[domain.MethodFallback],
		})
	}
	t.AppendFooter(table.Row{"Total", d.Total, "", "", "", "", "", ""})
	return t.RenderMarkdown()
}

func writeHealth(b *strings.Builder, d domain.TopicDistribution, alertRate float64) {
	if d.Total > 0 && d.FallbackRate > alertRate {
		fmt.Fprintf(b, "> **Warning:** %.1f%% of conversations fell back to keyword or Unknown classification (threshold %.0f%%). Topic shares are less reliable than usual.\n\n",
			d.FallbackRate*100, alertRate*100)
	}
	fmt.Fprintf(b, "- Fallback rate: %.1f%% (%d conversations, %d rescued by keywords)\n", d.FallbackRate*100, d.Fallback.Total, d.Fallback.KeywordSaved)
	fmt.Fprintf(b, "- Unknown: %.1f%%\n", d.UnknownRate*100)
	if d.Fallback.Abstained > 0 {
		fmt.Fprintf(b, "- LLM answered Unknown: %d conversations, %d of them assigned from keywords or the source hint\n",
			d.Fallback.Abstained, d.Fallback.AbstainOverridden)
	}
	if d.Fallback.Total == 0 {
		return
	}
	reasons := []struct {
		name  string
		count int
	}{
		{"timeout", d.Fallback.Timeout},
		{"rate limited", d.Fallback.RateLimited},
		{"provider error", d.Fallback.ProviderErr},
		{"answer outside taxonomy", d.Fallback.NonTaxonomy},
		{"empty text", d.Fallback.EmptyText},
	}
	b.WriteString("\n")
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Fallback reason", "Conversations"})
	for _, r := range reasons {
		if r.count > 0 {
			t.AppendRow(table.Row{r.name, r.count})
		}
	}
	b.WriteString(t.RenderMarkdown())
	b.WriteString("\n")
}

func writeBreakdown(b *strings.Builder, bd domain.TopicBreakdown, max int) {
	fmt.Fprintf(b, "\n### %s (%d)\n\n", bd.Topic, bd.Volume)
	if len(bd.Tier2) == 0 && len(bd.Tier3) == 0 && bd.Tier3Error == "" {
		b.WriteString("No tags or recurring themes.\n")
		return
	}
	if len(bd.Tier2) > 0 {
		b.WriteString(subTopicTable("Tag", limit(bd.Tier2, max), false))
		b.WriteString("\n\n")
	}
	if len(bd.Tier3) > 0 {
		b.WriteString(subTopicTable("Theme", limit(bd.Tier3, max), true))
		b.WriteString("\n\n")
	}
	if bd.Tier3Error != "" {
		fmt.Fprintf(b, "_Theme discovery failed: %s_\n", bd.Tier3Error)
	}
}

func subTopicTable(kind string, subs []domain.SubTopic, withKeywords bool) string {
	t := table.NewWriter()
	header := table.Row{kind, "Conversations", "Share of topic"}
	if withKeywords {
		header = append(header, "Keywords")
	}
	t.AppendHeader(header)
	for _, s := range subs {
		row := table.Row{s.Label, s.Volume, fmt.Sprintf("%.1f%%", s.Percentage)}
		if withKeywords {
			row = append(row, strings.Join(s.Keywords, ", "))
		}
		t.AppendRow(row)
	}
	return t.RenderMarkdown()
}

func limit(subs []domain.SubTopic, max int) []domain.SubTopic {
	if max > 0 && len(subs) > max {
		return subs[:max]
	}
	return subs
}

// WriteJSON writes the full run, assignments included, as indented JSON.
// Assignments are sorted by conversation id so output is stable.
func WriteJSON(w io.Writer, run *domain.AnalysisRun) error {
	out := *run
	out.Assignments = append([]domain.TopicAssignment(nil), run.Assignments...)
	sort.SliceStable(out.Assignments, func(i, j int) bool {
		return out.Assignments[i].ConversationID < out.Assignments[j].ConversationID
	})
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&out); err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	return nil
}

// WriteReportFile writes content under outputDir, named after the run's
// start date and id, and returns the path.
func WriteReportFile(content, outputDir string, run *domain.AnalysisRun, ext string) (string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(outputDir, Filename(run, ext))
	return path, os.WriteFile(path, []byte(content), 0644)
}

// WriteJSONFile writes the WriteJSON output next to the Markdown report.
func WriteJSONFile(outputDir string, run *domain.AnalysisRun) (string, error) {
	var b strings.Builder
	if err := WriteJSON(&b, run); err != nil {
		return "", err
	}
	return WriteReportFile(b.String(), outputDir, run, "json")
}

func Filename(run *domain.AnalysisRun, ext string) string {
	id := run.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return sanitizeFilename(fmt.Sprintf("support-topics_%s_%s.%s", run.StartedAt.Format("20060102"), id, ext))
}

func sanitizeFilename(s string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "*", "_", "?", "_", "\"", "_", "<", "_", ">", "_", "|", "_")
	return replacer.Replace(s)
}
