package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/zhaobenny/tokentracker/internal/model"
)

// TimestampLayout is the fixed-width UTC text form of requests.timestamp.
// Lexical order of stored values equals chronological order.
const TimestampLayout = "2006-01-02T15:04:05.000000-07:00"

// DB wraps the SQL database connection. Writes are serialized by mu.
type DB struct {
	*sqlx.DB
	mu sync.Mutex
}

// requestRow mirrors the requests table.
type requestRow struct {
	ID                       int64   `db:"id"`
	Timestamp                string  `db:"timestamp"`
	Provider                 string  `db:"provider"`
	Model                    string  `db:"model"`
	Endpoint                 string  `db:"endpoint"`
	InputTokens              int64   `db:"input_tokens"`
	OutputTokens             int64   `db:"output_tokens"`
	CacheCreationInputTokens int64   `db:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64   `db:"cache_read_input_tokens"`
	StatusCode               int     `db:"status_code"`
	RequestID                string  `db:"request_id"`
	StopReason               string  `db:"stop_reason"`
	Caller                   string  `db:"caller"`
	Error                    string  `db:"error"`
	APIKeyHint               string  `db:"api_key_hint"`
	CostUSD                  float64 `db:"cost_usd"`
}

// Open opens a SQLite database connection
func Open(dbPath string) (*DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Pragmas go in the DSN so that every pooled connection gets them.
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	return &DB{DB: db}, nil
}

// Migrate creates the database schema and upgrades tables written by older versions.
func (db *DB) Migrate(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	schema := `
	CREATE TABLE IF NOT EXISTS requests (
		id                          INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp                   TEXT    NOT NULL,
		provider                    TEXT    NOT NULL DEFAULT 'anthropic',
		model                       TEXT    NOT NULL,
		endpoint                    TEXT    NOT NULL,
		input_tokens                INTEGER NOT NULL DEFAULT 0 CHECK (input_tokens >= 0),
		output_tokens               INTEGER NOT NULL DEFAULT 0 CHECK (output_tokens >= 0),
		cache_creation_input_tokens INTEGER NOT NULL DEFAULT 0 CHECK (cache_creation_input_tokens >= 0),
		cache_read_input_tokens     INTEGER NOT NULL DEFAULT 0 CHECK (cache_read_input_tokens >= 0),
		status_code                 INTEGER,
		request_id                  TEXT,
		stop_reason                 TEXT,
		caller                      TEXT,
		error                       TEXT,
		api_key_hint                TEXT    NOT NULL DEFAULT '',
		cost_usd                    REAL    NOT NULL DEFAULT 0
	);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create requests table: %w", err)
	}

	var columns []string
	if err := db.SelectContext(ctx, &columns, `SELECT name FROM pragma_table_info('requests')`); err != nil {
		return fmt.Errorf("inspect requests table: %w", err)
	}
	have := make(map[string]bool, len(columns))
	for _, c := range columns {
		have[c] = true
	}

	added := []struct{ name, ddl string }{
		{"api_key_hint", `ALTER TABLE requests ADD COLUMN api_key_hint TEXT NOT NULL DEFAULT ''`},
		{"provider", `ALTER TABLE requests ADD COLUMN provider TEXT NOT NULL DEFAULT 'anthropic'`},
		{"cost_usd", `ALTER TABLE requests ADD COLUMN cost_usd REAL NOT NULL DEFAULT 0`},
	}
	for _, col := range added {
		if have[col.name] {
			continue
		}
		if _, err := db.ExecContext(ctx, col.ddl); err != nil {
			return fmt.Errorf("add column %s: %w", col.name, err)
		}
	}

	indexes := `
	CREATE INDEX IF NOT EXISTS idx_requests_timestamp ON requests(timestamp);
	CREATE INDEX IF NOT EXISTS idx_requests_model_timestamp ON requests(model, timestamp);
	CREATE INDEX IF NOT EXISTS idx_requests_key_hint_timestamp ON requests(api_key_hint, timestamp);
	`
	if _, err := db.ExecContext(ctx, indexes); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}

// Append inserts one usage record and returns its id. It never updates existing rows.
func (db *DB) Append(ctx context.Context, rec *model.UsageRecord) (int64, error) {
	row := toRow(rec)

	db.mu.Lock()
	defer db.mu.Unlock()

	result, err := db.NamedExecContext(ctx, `
		INSERT INTO requests
			(timestamp, provider, model, endpoint, input_tokens, output_tokens,
			 cache_creation_input_tokens, cache_read_input_tokens,
			 status_code, request_id, stop_reason, caller, error,
			 api_key_hint, cost_usd)
		VALUES
			(:timestamp, :provider, :model, :endpoint, :input_tokens, :output_tokens,
			 :cache_creation_input_tokens, :cache_read_input_tokens,
			 :status_code, :request_id, :stop_reason, :caller, :error,
			 :api_key_hint, :cost_usd)
	`, row)
	if err != nil {
		return 0, fmt.Errorf("insert usage record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert usage record: %w", err)
	}
	return id, nil
}

// Prune deletes records captured before the given time and returns how many were removed.
func (db *DB) Prune(ctx context.Context, before time.Time) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	result, err := db.ExecContext(ctx, `DELETE FROM requests WHERE timestamp < ?`, formatTimestamp(before))
	if err != nil {
		return 0, fmt.Errorf("prune requests: %w", err)
	}
	return result.RowsAffected()
}

// Vacuum checkpoints the WAL and reclaims free pages.
func (db *DB) Vacuum(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, err := db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if _, err := db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}

// Records returns records with since <= timestamp < until in write order.
// A zero until means no upper bound; limit <= 0 means no limit.
func (db *DB) Records(ctx context.Context, since, until time.Time, limit int) ([]model.UsageRecord, error) {
	query := `
		SELECT id, timestamp, provider, model, endpoint,
		       input_tokens, output_tokens, cache_creation_input_tokens, cache_read_input_tokens,
		       COALESCE(status_code, 0) AS status_code, COALESCE(request_id, '') AS request_id,
		       COALESCE(stop_reason, '') AS stop_reason, COALESCE(caller, '') AS caller,
		       COALESCE(error, '') AS error, api_key_hint, cost_usd
		FROM requests
		WHERE timestamp >= ?`
	args := []interface{}{rangeStart(since)}
	if !until.IsZero() {
		query += ` AND timestamp < ?`
		args = append(args, formatTimestamp(until))
	}
	query += ` ORDER BY id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []requestRow
	if err := db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}

	records := make([]model.UsageRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// aggregateRow is one UsageByDay group.
type aggregateRow struct {
	Day                      string  `db:"day"`
	Model                    string  `db:"model"`
	APIKeyHint               string  `db:"api_key_hint"`
	InputTokens              int64   `db:"input_tokens"`
	OutputTokens             int64   `db:"output_tokens"`
	CacheCreationInputTokens int64   `db:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64   `db:"cache_read_input_tokens"`
	CostUSD                  float64 `db:"cost_usd"`
	Requests                 int64   `db:"requests"`
	Errors                   int64   `db:"errors"`
}

// UsageByDay returns usage grouped by UTC day, model and api-key hint, newest day first.
func (db *DB) UsageByDay(ctx context.Context, since, until time.Time) ([]model.AggregatedUsage, error) {
	query := `
		SELECT substr(timestamp, 1, 10) AS day, model, api_key_hint,
		       SUM(input_tokens) AS input_tokens, SUM(output_tokens) AS output_tokens,
		       SUM(cache_creation_input_tokens) AS cache_creation_input_tokens,
		       SUM(cache_read_input_tokens) AS cache_read_input_tokens,
		       SUM(cost_usd) AS cost_usd, COUNT(*) AS requests,
		       SUM(CASE WHEN COALESCE(error, '') != '' THEN 1 ELSE 0 END) AS errors
		FROM requests
		WHERE timestamp >= ?`
	args := []interface{}{rangeStart(since)}
	if !until.IsZero() {
		query += ` AND timestamp < ?`
		args = append(args, formatTimestamp(until))
	}
	query += `
		GROUP BY day, model, api_key_hint
		ORDER BY day DESC, model, api_key_hint`

	var rows []aggregateRow
	if err := db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("aggregate requests: %w", err)
	}

	results := make([]model.AggregatedUsage, 0, len(rows))
	for _, r := range rows {
		results = append(results, model.AggregatedUsage{
			Day:        r.Day,
			Model:      r.Model,
			APIKeyHint: r.APIKeyHint,
			Usage: model.TokenUsage{
				InputTokens:              r.InputTokens,
				OutputTokens:             r.OutputTokens,
				CacheCreationInputTokens: r.CacheCreationInputTokens,
				CacheReadInputTokens:     r.CacheReadInputTokens,
			},
			CostUSD:  r.CostUSD,
			Requests: r.Requests,
			Errors:   r.Errors,
		})
	}
	return results, nil
}

func toRow(rec *model.UsageRecord) requestRow {
	return requestRow{
		Timestamp:                formatTimestamp(rec.Timestamp),
		Provider:                 rec.Provider,
		Model:                    rec.Model,
		Endpoint:                 rec.Endpoint,
		InputTokens:              max(rec.Usage.InputTokens, 0),
		OutputTokens:             max(rec.Usage.OutputTokens, 0),
		CacheCreationInputTokens: max(rec.Usage.CacheCreationInputTokens, 0),
		CacheReadInputTokens:     max(rec.Usage.CacheReadInputTokens, 0),
		StatusCode:               rec.StatusCode,
		RequestID:                rec.RequestID,
		StopReason:               rec.StopReason,
		Caller:                   rec.Caller,
		Error:                    rec.Error,
		APIKeyHint:               rec.APIKeyHint,
		CostUSD:                  max(rec.CostUSD, 0),
	}
}

func (r requestRow) toRecord() (model.UsageRecord, error) {
	ts, err := time.Parse(TimestampLayout, r.Timestamp)
	if err != nil {
		// Rows written by the original proxy use Python's isoformat.
		ts, err = time.Parse(time.RFC3339Nano, r.Timestamp)
		if err != nil {
			return model.UsageRecord{}, fmt.Errorf("parse timestamp of record %d: %w", r.ID, err)
		}
	}

	return model.UsageRecord{
		ID:         r.ID,
		Timestamp:  ts.UTC(),
		Provider:   r.Provider,
		Model:      r.Model,
		Endpoint:   r.Endpoint,
		StatusCode: r.StatusCode,
		Usage: model.TokenUsage{
			InputTokens:              r.InputTokens,
			OutputTokens:             r.OutputTokens,
			CacheCreationInputTokens: r.CacheCreationInputTokens,
			CacheReadInputTokens:     r.CacheReadInputTokens,
		},
		RequestID:  r.RequestID,
		StopReason: r.StopReason,
		Caller:     r.Caller,
		APIKeyHint: r.APIKeyHint,
		Error:      r.Error,
		CostUSD:    r.CostUSD,
	}, nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

func rangeStart(since time.Time) string {
	if since.IsZero() {
		return ""
	}
	return formatTimestamp(since)
}
