package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"supportpulse/internal/classify"
	"supportpulse/internal/config"
	"supportpulse/internal/domain"
	"supportpulse/internal/httpx"
	"supportpulse/internal/ingest"
	"supportpulse/internal/integrations/intercom"
	slackbot "supportpulse/internal/integrations/slack"
	"supportpulse/internal/keywords"
	"supportpulse/internal/llm"
	"supportpulse/internal/pipeline"
	"supportpulse/internal/report"
	"supportpulse/internal/storage/sqlite"
	"supportpulse/internal/subtopic"
)

// newLLMClient is swapped in tests.
var newLLMClient = llm.NewClient

// Analyzer runs one analysis end to end: load conversations, classify,
// store, write the report files and post the Slack summary.
type Analyzer struct {
	cfg    config.Config
	db     *sql.DB
	runner *pipeline.Runner
	slack  slackbot.Poster
	logger *zap.Logger
}

// Output is where a run ended up.
type Output struct {
	Run          *domain.AnalysisRun
	ReportPath   string
	JSONPath     string
	FallbackHigh bool
}

func NewAnalyzer(ctx context.Context, cfg config.Config, db *sql.DB, logger *zap.Logger) (*Analyzer, error) {
	settings := cfg.LLMSettings()
	settings.HTTPClient = httpx.ExternalHTTPClient()
	client, err := newLLMClient(settings)
	if err != nil {
		return nil, err
	}
	if err := llm.Preflight(ctx, client, cfg.LLMLimits().Timeout); err != nil {
		return nil, err
	}

	table, err := keywords.LoadTableOrDefault(cfg.KeywordsPath)
	if err != nil {
		return nil, err
	}
	matcher, err := keywords.NewMatcher(table)
	if err != nil {
		return nil, err
	}
	classifier := classify.New(client, matcher, classify.Options{
		Descriptions:    table.Descriptions(),
		MaxTextChars:    cfg.LLMMaxTextChars,
		Limits:          cfg.LLMLimits(),
		TrustSourceHint: cfg.TrustSourceHint,
	}, logger.Named("classify"))

	var themeClient llm.Client
	if !cfg.SubtopicDisabled {
		themeClient = client
	}
	subtopics := subtopic.New(themeClient, subtopic.Options{
		SampleSize: cfg.SubtopicSampleSize,
		MaxThemes:  cfg.SubtopicMaxThemes,
		MinSupport: cfg.SubtopicMinSupport,
		Validate:   cfg.SubtopicValidate,
	}, logger.Named("subtopic"))

	a := &Analyzer{
		cfg:    cfg,
		db:     db,
		runner: pipeline.NewRunner(client, classifier, subtopics, cfg.FallbackAlertRate, logger.Named("pipeline")),
		logger: logger,
	}
	if cfg.SlackConfigured() {
		a.slack = slackbot.New(cfg.SlackBotToken)
	}
	return a, nil
}

// LoadFile reads conversations from a JSON export.
func (a *Analyzer) LoadFile(path string) ([]domain.Conversation, error) {
	raws, err := ingest.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return ingest.NewNormalizer(a.logger.Named("ingest"), a.cfg.SourceHintAttribute).NormalizeAll(raws), nil
}

// FetchWindow pulls the conversations updated in window from Intercom.
func (a *Analyzer) FetchWindow(ctx context.Context, window pipeline.Window) ([]domain.Conversation, error) {
	if !a.cfg.IntercomConfigured() {
		return nil, fmt.Errorf("intercom_token is not set; pass --input to analyze an export file")
	}
	client := intercom.New(intercom.Options{
		BaseURL:           a.cfg.IntercomBaseURL,
		Token:             a.cfg.IntercomToken,
		Version:           a.cfg.IntercomVersion,
		Concurrency:       a.cfg.IntercomConcurrency,
		RequestsPerSecond: a.cfg.IntercomRPS,
		HTTPClient:        httpx.ExternalHTTPClient(),
	}, a.logger.Named("intercom"))
	result, err := client.Fetch(ctx, window.From, window.To)
	if err != nil {
		return nil, err
	}
	a.logger.Info(intercom.FormatFetchSummary(result))
	return ingest.NewNormalizer(a.logger.Named("ingest"), a.cfg.SourceHintAttribute).NormalizeAll(result.Conversations), nil
}

// Analyze runs the pipeline over convs and persists every output. Storage
// and Slack failures are logged; the report files are the primary output.
func (a *Analyzer) Analyze(ctx context.Context, convs []domain.Conversation, window pipeline.Window) (Output, error) {
	run, err := a.runner.Run(ctx, convs, window)
	if err != nil {
		return Output{}, err
	}
	out := Output{Run: run, FallbackHigh: a.runner.FallbackAlert(run)}

	if a.db != nil {
		if err := sqlite.SaveRun(a.db, run); err != nil {
			a.logger.Error("failed to store run", zap.String("run_id", run.ID), zap.Error(err))
		}
	}

	md := report.RenderMarkdown(run, report.Options{AlertRate: a.runner.AlertRate()})
	if out.ReportPath, err = report.WriteReportFile(md, a.cfg.ReportOutputDir, run, "md"); err != nil {
		return out, fmt.Errorf("write report: %w", err)
	}
	if out.JSONPath, err = report.WriteJSONFile(a.cfg.ReportOutputDir, run); err != nil {
		return out, fmt.Errorf("write json: %w", err)
	}
	a.logger.Info("report written", zap.String("path", out.ReportPath), zap.String("json", out.JSONPath))

	if a.slack != nil {
		postCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := slackbot.PostRunSummary(postCtx, a.slack, a.cfg.SlackChannelID, run, a.runner.AlertRate()); err != nil {
			a.logger.Error("failed to post slack summary", zap.Error(err))
		}
	}
	return out, nil
}

// WindowEnding returns the configured analysis window ending at end.
func WindowEnding(cfg config.Config, end time.Time) pipeline.Window {
	if cfg.Location != nil {
		end = end.In(cfg.Location)
	}
	return pipeline.Window{From: end.Add(-cfg.AnalysisWindow()), To: end}
}
