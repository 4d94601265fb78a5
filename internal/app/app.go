package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"supportpulse/internal/config"
	"supportpulse/internal/domain"
	"supportpulse/internal/httpx"
	"supportpulse/internal/keywords"
	"supportpulse/internal/logging"
	"supportpulse/internal/metrics"
	"supportpulse/internal/pipeline"
	"supportpulse/internal/schedule"
	"supportpulse/internal/storage/sqlite"
)

const defaultKeywordsPath = "keywords.yaml"

func Main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

// env is what every command gets after config and logging are set up.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

func NewRootCommand() *cobra.Command {
	var configPath string
	e := &env{}

	root := &cobra.Command{
		Use:           "supportpulse",
		Short:         "Classify support conversations into topics and report their distribution",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				os.Setenv("CONFIG_PATH", configPath)
			}
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			e.cfg = cfg
			e.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
			applied := httpx.ConfigureExternalHTTPClient(cfg.ExternalHTTPTimeoutS)
			e.logger.Debug("config loaded",
				zap.String("llm_provider", cfg.LLMProvider),
				zap.String("llm_model", cfg.LLMModel),
				zap.Int("llm_concurrency", cfg.LLMConcurrency),
				zap.String("timezone", cfg.Timezone),
				zap.Duration("external_http_timeout", applied))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if e.logger != nil {
				_ = e.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./config.yaml or $CONFIG_PATH)")

	root.AddCommand(
		analyzeCommand(e),
		scheduleCommand(e),
		historyCommand(e),
		promoteKeywordCommand(e),
	)
	return root
}

func openDB(e *env) (*sql.DB, error) {
	db, err := sqlite.InitDB(e.cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("init database %s: %w", e.cfg.DBPath, err)
	}
	return db, nil
}

func analyzeCommand(e *env) *cobra.Command {
	var input, from, to string
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run one analysis over an export file or an Intercom window",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := openDB(e)
			if err != nil {
				return err
			}
			defer db.Close()

			analyzer, err := NewAnalyzer(ctx, e.cfg, db, e.logger)
			if err != nil {
				return err
			}

			var convs []domain.Conversation
			var window pipeline.Window
			if input != "" {
				if convs, err = analyzer.LoadFile(input); err != nil {
					return err
				}
			} else {
				if window, err = parseWindow(e.cfg, from, to, time.Now()); err != nil {
					return err
				}
				if convs, err = analyzer.FetchWindow(ctx, window); err != nil {
					return err
				}
			}

			out, err := analyzer.Analyze(ctx, convs, window)
			if err != nil {
				return err
			}
			printOutput(cmd, out)
			if out.Run.Cancelled {
				return fmt.Errorf("run %s cancelled after %d of %d conversations", out.Run.ID, out.Run.Distribution.Total, out.Run.Input)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "JSON export of conversations; skips Intercom")
	cmd.Flags().StringVar(&from, "from", "", "window start (RFC 3339 or YYYY-MM-DD); default: window hours before --to")
	cmd.Flags().StringVar(&to, "to", "", "window end (RFC 3339 or YYYY-MM-DD); default: now")
	return cmd
}

func parseWindow(cfg config.Config, from, to string, now time.Time) (pipeline.Window, error) {
	window := WindowEnding(cfg, now)
	if to != "" {
		end := domain.ParseTimestamp(to)
		if end.IsZero() {
			return window, fmt.Errorf("invalid --to %q", to)
		}
		window = WindowEnding(cfg, end)
	}
	if from != "" {
		start := domain.ParseTimestamp(from)
		if start.IsZero() {
			return window, fmt.Errorf("invalid --from %q", from)
		}
		window.From = start
	}
	if !window.From.Before(window.To) {
		return window, fmt.Errorf("window start %s is not before end %s", window.From, window.To)
	}
	return window, nil
}

func printOutput(cmd *cobra.Command, out Output) {
	d := out.Run.Distribution
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Run %s: %d conversations, fallback %.1f%%, Unknown %.1f%%\n",
		out.Run.ID, d.Total, d.FallbackRate*100, d.UnknownRate*100)
	if out.FallbackHigh {
		fmt.Fprintln(w, "WARNING: fallback rate above alert threshold")
	}
	fmt.Fprintf(w, "Report: %s\nJSON:   %s\n", out.ReportPath, out.JSONPath)
}

func scheduleCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run analyses on the analysis_schedule cron and serve /metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sched, err := schedule.Parse(e.cfg.AnalysisSchedule)
			if err != nil {
				return fmt.Errorf("analysis_schedule: %w", err)
			}
			db, err := openDB(e)
			if err != nil {
				return err
			}
			defer db.Close()

			if e.cfg.MetricsAddr != "" {
				srv := &http.Server{Addr: e.cfg.MetricsAddr, Handler: metricsMux(), ReadHeaderTimeout: 10 * time.Second}
				go func() {
					e.logger.Info("metrics listening", zap.String("addr", e.cfg.MetricsAddr))
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						e.logger.Error("metrics server stopped", zap.Error(err))
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			job := func(ctx context.Context, tick time.Time) error {
				analyzer, err := NewAnalyzer(ctx, e.cfg, db, e.logger)
				if err != nil {
					return err
				}
				window := WindowEnding(e.cfg, tick)
				convs, err := analyzer.FetchWindow(ctx, window)
				if err != nil {
					metrics.RunsTotal.WithLabelValues("error").Inc()
					return err
				}
				out, err := analyzer.Analyze(ctx, convs, window)
				if err != nil {
					return err
				}
				e.logger.Info("scheduled analysis done", zap.String("run_id", out.Run.ID), zap.String("report", out.ReportPath))
				return nil
			}

			e.logger.Info("analysis scheduler started", zap.String("cron", e.cfg.AnalysisSchedule))
			err = schedule.Loop(ctx, sched, e.cfg.Location, job, e.logger.Named("schedule"))
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func historyCommand(e *env) *cobra.Command {
	var limit, weeks int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs and the weekly fallback trend",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(e)
			if err != nil {
				return err
			}
			defer db.Close()

			runs, err := sqlite.GetRecentRuns(db, limit)
			if err != nil {
				return fmt.Errorf("load runs: %w", err)
			}
			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Run", "Started", "Window", "Conversations", "Fallback", "Unknown", "Model"})
			for _, r := range runs {
				window := "file"
				if !r.WindowFrom.IsZero() {
					window = r.WindowFrom.Format("Jan 2") + " - " + r.WindowTo.Format("Jan 2")
				}
				conversations := fmt.Sprint(r.Classified)
				if r.Cancelled {
					conversations += " (cancelled)"
				}
				t.AppendRow(table.Row{
					shortID(r.ID),
					r.StartedAt.In(e.cfg.Location).Format("2006-01-02 15:04"),
					window,
					conversations,
					fmt.Sprintf("%.1f%%", r.FallbackRate*100),
					fmt.Sprintf("%.1f%%", r.UnknownRate*100),
					r.Provider + "/" + r.Model,
				})
			}
			t.Render()

			if weeks <= 0 {
				return nil
			}
			trends, err := sqlite.GetWeeklyFallbackTrend(db, time.Now().AddDate(0, 0, -7*weeks))
			if err != nil {
				return fmt.Errorf("load trend: %w", err)
			}
			tt := table.NewWriter()
			tt.SetOutputMirror(cmd.OutOrStdout())
			tt.SetStyle(table.StyleLight)
			tt.AppendHeader(table.Row{"Week", "Runs", "Conversations", "Fallback rate", "Unknown"})
			for _, w := range trends {
				tt.AppendRow(table.Row{w.WeekStart, w.Runs, w.Conversations, fmt.Sprintf("%.1f%%", w.FallbackRate*100), w.Unknown})
			}
			tt.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of runs to list")
	cmd.Flags().IntVar(&weeks, "weeks", 8, "weeks of fallback trend to show (0 to hide)")
	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func promoteKeywordCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "promote-keyword TOPIC PHRASE",
		Short: "Add a keyword phrase to a topic in the keyword table",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := e.cfg.KeywordsPath
			if path == "" {
				path = defaultKeywordsPath
			}
			if err := keywords.AppendKeyword(path, args[0], args[1]); err != nil {
				return err
			}
			e.logger.Info("keyword promoted", zap.String("topic", args[0]), zap.String("phrase", args[1]), zap.String("table", path))
			fmt.Fprintf(cmd.OutOrStdout(), "Added %q to %s in %s\n", args[1], args[0], path)
			if e.cfg.KeywordsPath == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Set keywords_path: %s to use it\n", path)
			}
			return nil
		},
	}
}
