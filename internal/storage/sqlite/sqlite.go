package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"supportpulse/internal/domain"
)

var ErrRunNotFound = errors.New("analysis run not found")

func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS analysis_runs (
		id                      TEXT PRIMARY KEY,
		window_from             DATETIME,
		window_to               DATETIME,
		started_at              DATETIME NOT NULL,
		finished_at             DATETIME,
		llm_provider            TEXT DEFAULT '',
		llm_model               TEXT DEFAULT '',
		input_conversations     INTEGER NOT NULL DEFAULT 0,
		classified              INTEGER NOT NULL DEFAULT 0,
		cancelled               INTEGER NOT NULL DEFAULT 0,
		fallback_total          INTEGER NOT NULL DEFAULT 0,
		fallback_timeout        INTEGER NOT NULL DEFAULT 0,
		fallback_rate_limited   INTEGER NOT NULL DEFAULT 0,
		fallback_provider_error INTEGER NOT NULL DEFAULT 0,
		fallback_non_taxonomy   INTEGER NOT NULL DEFAULT 0,
		fallback_empty_text     INTEGER NOT NULL DEFAULT 0,
		keyword_rescued         INTEGER NOT NULL DEFAULT 0,
		llm_abstained           INTEGER NOT NULL DEFAULT 0,
		abstain_overridden      INTEGER NOT NULL DEFAULT 0,
		fallback_rate           REAL NOT NULL DEFAULT 0,
		unknown_rate            REAL NOT NULL DEFAULT 0,
		input_tokens            INTEGER NOT NULL DEFAULT 0,
		output_tokens           INTEGER NOT NULL DEFAULT 0,
		created_at              DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON analysis_runs(started_at);

	CREATE TABLE IF NOT EXISTS topic_counts (
		run_id     TEXT NOT NULL,
		topic      TEXT NOT NULL,
		position   INTEGER NOT NULL,
		count      INTEGER NOT NULL,
		percentage REAL NOT NULL,
		PRIMARY KEY (run_id, topic)
	);

	CREATE TABLE IF NOT EXISTS topic_methods (
		run_id TEXT NOT NULL,
		topic  TEXT NOT NULL,
		method TEXT NOT NULL,
		count  INTEGER NOT NULL,
		PRIMARY KEY (run_id, topic, method)
	);

	CREATE TABLE IF NOT EXISTS subtopics (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id      TEXT NOT NULL,
		topic       TEXT NOT NULL,
		tier        INTEGER NOT NULL,
		label       TEXT NOT NULL,
		volume      INTEGER NOT NULL,
		percentage  REAL NOT NULL,
		keywords    TEXT DEFAULT '',
		overlapping INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_subtopics_run ON subtopics(run_id, topic);

	CREATE TABLE IF NOT EXISTS topic_assignments (
		run_id          TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		topic           TEXT NOT NULL,
		confidence      REAL NOT NULL,
		method          TEXT NOT NULL,
		PRIMARY KEY (run_id, conversation_id)
	);
	CREATE INDEX IF NOT EXISTS idx_assignments_conversation ON topic_assignments(conversation_id);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// dbTime stores times in UTC at second precision so strftime can group them.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// SaveRun stores a run with its distribution, sub-topics and primary
// assignments in one transaction.
func SaveRun(db *sql.DB, run *domain.AnalysisRun) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	d := run.Distribution
	_, err = tx.Exec(
		`INSERT INTO analysis_runs
		 (id, window_from, window_to, started_at, finished_at, llm_provider, llm_model,
		  input_conversations, classified, cancelled,
		  fallback_total, fallback_timeout, fallback_rate_limited, fallback_provider_error,
		  fallback_non_taxonomy, fallback_empty_text, keyword_rescued,
		  llm_abstained, abstain_overridden,
		  fallback_rate, unknown_rate, input_tokens, output_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, dbTime(run.WindowFrom), dbTime(run.WindowTo), dbTime(run.StartedAt), dbTime(run.FinishedAt),
		run.Provider, run.Model, run.Input, d.Total, run.Cancelled,
		d.Fallback.Total, d.Fallback.Timeout, d.Fallback.RateLimited, d.Fallback.ProviderErr,
		d.Fallback.NonTaxonomy, d.Fallback.EmptyText, d.Fallback.KeywordSaved,
		d.Fallback.Abstained, d.Fallback.AbstainOverridden,
		d.FallbackRate, d.UnknownRate, run.InputTokens, run.OutputTokens,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	countStmt, err := tx.Prepare(`INSERT INTO topic_counts (run_id, topic, position, count, percentage) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer countStmt.Close()
	methodStmt, err := tx.Prepare(`INSERT INTO topic_methods (run_id, topic, method, count) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer methodStmt.Close()
	for i, topic := range d.Order {
		if _, err := countStmt.Exec(run.ID, topic, i, d.Counts[topic], d.Percentages[topic]); err != nil {
			return fmt.Errorf("insert topic count %s: %w", topic, err)
		}
		for method, n := range d.MethodBreakdown[topic] {
			if n == 0 {
				continue
			}
			if _, err := methodStmt.Exec(run.ID, topic, string(method), n); err != nil {
				return fmt.Errorf("insert topic method %s/%s: %w", topic, method, err)
			}
		}
	}

	subStmt, err := tx.Prepare(
		`INSERT INTO subtopics (run_id, topic, tier, label, volume, percentage, keywords, overlapping)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer subStmt.Close()
	for _, b := range run.Breakdowns {
		for _, subs := range [][]domain.SubTopic{b.Tier2, b.Tier3} {
			for _, s := range subs {
				kws, err := encodeKeywords(s.Keywords)
				if err != nil {
					return fmt.Errorf("encode keywords %s/%s: %w", b.Topic, s.Label, err)
				}
				if _, err := subStmt.Exec(run.ID, b.Topic, s.Tier, s.Label, s.Volume, s.Percentage,
					kws, s.Overlapping); err != nil {
					return fmt.Errorf("insert subtopic %s/%s: %w", b.Topic, s.Label, err)
				}
			}
		}
	}

	assignStmt, err := tx.Prepare(
		`INSERT INTO topic_assignments (run_id, conversation_id, topic, confidence, method) VALUES (?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer assignStmt.Close()
	for _, a := range run.Assignments {
		if _, err := assignStmt.Exec(run.ID, a.ConversationID, a.Topic, a.Confidence, string(a.Method)); err != nil {
			return fmt.Errorf("insert assignment %s: %w", a.ConversationID, err)
		}
	}
	return tx.Commit()
}

// RunSummary is one row of analysis_runs.
type RunSummary struct {
	ID           string
	WindowFrom   time.Time
	WindowTo     time.Time
	StartedAt    time.Time
	FinishedAt   time.Time
	Provider     string
	Model        string
	Input        int
	Classified   int
	Cancelled    bool
	Fallback     domain.FallbackStats
	FallbackRate float64
	UnknownRate  float64
	InputTokens  int64
	OutputTokens int64
}

const runColumns = `id, window_from, window_to, started_at, finished_at, llm_provider, llm_model,
	input_conversations, classified, cancelled,
	fallback_total, fallback_timeout, fallback_rate_limited, fallback_provider_error,
	fallback_non_taxonomy, fallback_empty_text, keyword_rescued,
	llm_abstained, abstain_overridden,
	fallback_rate, unknown_rate, input_tokens, output_tokens`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunSummary, error) {
	var r RunSummary
	err := row.Scan(&r.ID, &r.WindowFrom, &r.WindowTo, &r.StartedAt, &r.FinishedAt, &r.Provider, &r.Model,
		&r.Input, &r.Classified, &r.Cancelled,
		&r.Fallback.Total, &r.Fallback.Timeout, &r.Fallback.RateLimited, &r.Fallback.ProviderErr,
		&r.Fallback.NonTaxonomy, &r.Fallback.EmptyText, &r.Fallback.KeywordSaved,
		&r.Fallback.Abstained, &r.Fallback.AbstainOverridden,
		&r.FallbackRate, &r.UnknownRate, &r.InputTokens, &r.OutputTokens)
	return r, err
}

// GetRecentRuns returns up to limit runs, newest first.
func GetRecentRuns(db *sql.DB, limit int) ([]RunSummary, error) {
	rows, err := db.Query(
		`SELECT `+runColumns+` FROM analysis_runs ORDER BY started_at DESC, id LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func GetRun(db *sql.DB, id string) (RunSummary, error) {
	r, err := scanRun(db.QueryRow(`SELECT `+runColumns+` FROM analysis_runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, err
}

type TopicCount struct {
	Topic      string
	Count      int
	Percentage float64
}

// GetTopicCounts returns a run's distribution in taxonomy order.
func GetTopicCounts(db *sql.DB, runID string) ([]TopicCount, error) {
	rows, err := db.Query(
		`SELECT topic, count, percentage FROM topic_counts WHERE run_id = ? ORDER BY position`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []TopicCount
	for rows.Next() {
		var c TopicCount
		if err := rows.Scan(&c.Topic, &c.Count, &c.Percentage); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// GetSubTopics returns the stored tier 2 and tier 3 sub-topics of one topic.
func GetSubTopics(db *sql.DB, runID, topic string) ([]domain.SubTopic, error) {
	rows, err := db.Query(
		`SELECT tier, label, volume, percentage, keywords, overlapping
		 FROM subtopics WHERE run_id = ? AND topic = ?
		 ORDER BY tier, volume DESC, label`,
		runID, topic,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []domain.SubTopic
	for rows.Next() {
		var s domain.SubTopic
		var kws string
		if err := rows.Scan(&s.Tier, &s.Label, &s.Volume, &s.Percentage, &kws, &s.Overlapping); err != nil {
			return nil, err
		}
		if s.Keywords, err = decodeKeywords(kws); err != nil {
			return nil, fmt.Errorf("decode keywords %s/%s: %w", topic, s.Label, err)
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// Keywords are stored as a JSON array; phrases proposed by the LLM may
// contain commas. No keywords is stored as the empty string.
func encodeKeywords(kws []string) (string, error) {
	if len(kws) == 0 {
		return "", nil
	}
	data, err := json.Marshal(kws)
	return string(data), err
}

func decodeKeywords(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var kws []string
	if err := json.Unmarshal([]byte(raw), &kws); err != nil {
		return nil, err
	}
	return kws, nil
}

// GetAssignment returns the primary assignment of a conversation in a run.
func GetAssignment(db *sql.DB, runID, conversationID string) (domain.TopicAssignment, error) {
	a := domain.TopicAssignment{ConversationID: conversationID, Primary: true}
	var method string
	err := db.QueryRow(
		`SELECT topic, confidence, method FROM topic_assignments WHERE run_id = ? AND conversation_id = ?`,
		runID, conversationID,
	).Scan(&a.Topic, &a.Confidence, &method)
	a.Method = domain.Method(method)
	return a, err
}

type WeeklyTrend struct {
	WeekStart     string
	Runs          int
	Conversations int
	Fallbacks     int
	Unknown       int
	FallbackRate  float64
}

// GetWeeklyFallbackTrend groups runs started since by week (Monday start)
// and sums their volumes, fallbacks and Unknown primaries.
func GetWeeklyFallbackTrend(db *sql.DB, since time.Time) ([]WeeklyTrend, error) {
	rows, err := db.Query(
		`SELECT
		    strftime('%Y-%m-%d', r.started_at, 'weekday 0', '-6 days') as week_start,
		    COUNT(*) as runs,
		    COALESCE(SUM(r.classified), 0),
		    COALESCE(SUM(r.fallback_total), 0),
		    COALESCE(SUM(tc.count), 0)
		 FROM analysis_runs r
		 LEFT JOIN topic_counts tc ON tc.run_id = r.id AND tc.topic = ?
		 WHERE r.started_at >= ?
		 GROUP BY week_start
		 ORDER BY week_start DESC`,
		domain.Unknown, dbTime(since),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trends []WeeklyTrend
	for rows.Next() {
		var t WeeklyTrend
		if err := rows.Scan(&t.WeekStart, &t.Runs, &t.Conversations, &t.Fallbacks, &t.Unknown); err != nil {
			return nil, err
		}
		if t.Conversations > 0 {
			t.FallbackRate = float64(t.Fallbacks) / float64(t.Conversations)
		}
		trends = append(trends, t)
	}
	return trends, rows.Err()
}
