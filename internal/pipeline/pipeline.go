package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"supportpulse/internal/aggregate"
	"supportpulse/internal/classify"
	"supportpulse/internal/domain"
	"supportpulse/internal/llm"
	"supportpulse/internal/metrics"
	"supportpulse/internal/subtopic"
)

const DefaultFallbackAlertRate = 0.15

// Window is the updated_at range a run covers. Zero values mean the run was
// fed from a file.
type Window struct {
	From time.Time
	To   time.Time
}

// Runner wires classification, aggregation and sub-topic discovery into one
// analysis run.
type Runner struct {
	client     llm.Client
	classifier *classify.Classifier
	subtopics  *subtopic.Aggregator
	alertRate  float64
	logger     *zap.Logger
	now        func() time.Time
}

func NewRunner(client llm.Client, classifier *classify.Classifier, subtopics *subtopic.Aggregator, alertRate float64, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if alertRate <= 0 {
		alertRate = DefaultFallbackAlertRate
	}
	return &Runner{
		client:     client,
		classifier: classifier,
		subtopics:  subtopics,
		alertRate:  alertRate,
		logger:     logger,
		now:        time.Now,
	}
}

// Run classifies convs and builds the full result. Per-conversation failures
// never fail the run; a cancelled ctx yields a partial but consistent run with
// Cancelled set.
func (r *Runner) Run(ctx context.Context, convs []domain.Conversation, window Window) (*domain.AnalysisRun, error) {
	run := &domain.AnalysisRun{
		ID:         uuid.New().String(),
		WindowFrom: window.From,
		WindowTo:   window.To,
		StartedAt:  r.now().UTC(),
		Provider:   r.client.Provider(),
		Model:      r.client.Model(),
		Input:      len(convs),
	}
	log := r.logger.With(zap.String("run_id", run.ID))
	log.Info("analysis started",
		zap.Int("conversations", len(convs)),
		zap.String("provider", run.Provider),
		zap.String("model", run.Model))

	outcome := r.classifier.ClassifyAll(ctx, convs)
	result, err := aggregate.Aggregate(outcome.Classifications, outcome.Stats, r.classifier.Taxonomy())
	if err != nil {
		metrics.RunsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("run %s: %w", run.ID, err)
	}
	usage := outcome.Usage

	breakdowns, subUsage := r.subtopics.Build(ctx, convs, result.Primaries, result.Distribution.Order)
	usage.Add(subUsage)

	run.Cancelled = outcome.Cancelled || ctx.Err() != nil
	run.Distribution = result.Distribution
	run.Breakdowns = breakdowns
	run.Assignments = result.Primaries
	run.InputTokens = usage.InputTokens
	run.OutputTokens = usage.OutputTokens
	run.FinishedAt = r.now().UTC()

	d := run.Distribution
	metrics.RunConversations.Set(float64(d.Total))
	metrics.RunFallbackRate.Set(d.FallbackRate)
	metrics.RunUnknownRate.Set(d.UnknownRate)
	outcomeLabel := "completed"
	if run.Cancelled {
		outcomeLabel = "cancelled"
	}
	metrics.RunsTotal.WithLabelValues(outcomeLabel).Inc()

	fields := []zap.Field{
		zap.Int("classified", d.Total),
		zap.Int("fallbacks", d.Fallback.Total),
		zap.Float64("fallback_rate", d.FallbackRate),
		zap.Float64("unknown_rate", d.UnknownRate),
		zap.Int64("tokens", usage.TotalTokens()),
		zap.Duration("elapsed", run.FinishedAt.Sub(run.StartedAt)),
		zap.Bool("cancelled", run.Cancelled),
	}
	if r.FallbackAlert(run) {
		log.Warn("fallback rate above alert threshold", append(fields, zap.Float64("threshold", r.alertRate))...)
	} else {
		log.Info("analysis finished", fields...)
	}
	return run, nil
}

// FallbackAlert reports whether the run's fallback rate crossed the alert
// threshold.
func (r *Runner) FallbackAlert(run *domain.AnalysisRun) bool {
	return run.Distribution.Total > 0 && run.Distribution.FallbackRate > r.alertRate
}

func (r *Runner) AlertRate() float64 {
	return r.alertRate
}
