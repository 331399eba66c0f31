package knowledge

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	"github.com/cuemby/sentinel/pkg/log"
	"github.com/cuemby/sentinel/pkg/types"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DefaultRetryMultiplier is used when the KB is degraded or has no
// history for a strategy.
const DefaultRetryMultiplier = 1.0

// minStrategyUses is the sample size below which a strategy's rate is
// not considered meaningful.
const minStrategyUses = 3

// Config controls where the knowledge base lives and how long it
// retains fix history.
type Config struct {
	Path          string
	RetentionDays int

	// Required aborts startup when the database cannot be opened.
	// When false the KB degrades to read-only and recording is skipped.
	Required bool
}

// KB is the embedded knowledge base. One writer at a time; reads run
// concurrently. When the underlying database cannot be opened or
// migrated the KB runs degraded: writes return types.ErrDegraded,
// reads return zero values, and RetryMultiplier returns the default.
type KB struct {
	db     *sqlx.DB
	cfg    Config
	logger zerolog.Logger

	writeMu  sync.Mutex
	degraded bool
}

// Open opens (creating if needed) the knowledge base at cfg.Path and
// applies pending migrations. A failure is fatal only when
// cfg.Required is set; otherwise the KB comes up degraded. A database
// that opens but cannot be migrated stays readable. When a required
// database already existed on disk and cannot be opened or migrated,
// the error is a types.CorruptStateError so startup can exit 3 instead
// of treating it as a transient fault.
func Open(cfg Config) (*KB, error) {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 90
	}
	kb := &KB{cfg: cfg, logger: log.WithComponent("knowledge")}

	_, statErr := os.Stat(cfg.Path)
	existed := statErr == nil

	db, err := openDB(cfg.Path)
	if err != nil {
		if cfg.Required {
			if existed {
				return nil, &types.CorruptStateError{Path: cfg.Path, Err: err}
			}
			return nil, fmt.Errorf("failed to open knowledge base: %w", err)
		}
		kb.degraded = true
		kb.logger.Warn().Err(err).Str("path", cfg.Path).
			Msg("knowledge base unavailable, running degraded (no learning, default retry pacing)")
		return kb, nil
	}

	if err := migrate(db); err != nil {
		if cfg.Required {
			_ = db.Close()
			if existed {
				return nil, &types.CorruptStateError{Path: cfg.Path, Err: err}
			}
			return nil, fmt.Errorf("failed to migrate knowledge base: %w", err)
		}
		kb.db = db
		kb.degraded = true
		kb.logger.Warn().Err(err).Str("path", cfg.Path).
			Msg("knowledge base schema mismatch, running read-only")
		return kb, nil
	}
	kb.db = db

	kb.logger.Info().Str("path", cfg.Path).Int("retention_days", cfg.RetentionDays).
		Msg("knowledge base open")
	return kb, nil
}

func openDB(path string) (*sqlx.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create knowledge base dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func migrate(db *sqlx.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (k *KB) Close() error {
	if k.db == nil {
		return nil
	}
	return k.db.Close()
}

// Degraded reports whether the KB is running without a usable database.
func (k *KB) Degraded() bool { return k.degraded }

// RecordFix persists one remediation attempt and folds its outcome
// into the per-strategy accumulators in the same transaction, so the
// strategy counters always sum to the number of fix rows. A partial
// result counts against the strategy's failures.
func (k *KB) RecordFix(ctx context.Context, event *types.SecurityEvent, attempt types.RemediationAttempt, batchID int64) (int64, error) {
	if k.degraded {
		return 0, types.ErrDegraded
	}

	k.writeMu.Lock()
	defer k.writeMu.Unlock()

	tx, err := k.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO fixes (event_signature, event_source, event_type, severity, strategy,
		                   result, error, duration_ms, retries, confidence, batch_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.Signature(), string(event.Source), event.Type, string(event.Severity),
		attempt.Strategy, string(attempt.Result), attempt.Error, attempt.DurationMS,
		attempt.Number, attempt.Confidence, batchID, now)
	if err != nil {
		return 0, fmt.Errorf("failed to insert fix: %w", err)
	}
	fixID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read fix id: %w", err)
	}

	succ, fail := 0, 1
	if attempt.Result == types.ResultSuccess {
		succ, fail = 1, 0
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO strategies (strategy_name, event_type, success_count, failure_count,
		                        avg_confidence, total_duration_ms, last_used)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(strategy_name, event_type) DO UPDATE SET
			success_count     = success_count + excluded.success_count,
			failure_count     = failure_count + excluded.failure_count,
			avg_confidence    = (avg_confidence * (success_count + failure_count) + excluded.avg_confidence)
			                    / (success_count + failure_count + 1),
			total_duration_ms = total_duration_ms + excluded.total_duration_ms,
			last_used         = excluded.last_used`,
		attempt.Strategy, event.Type, succ, fail, attempt.Confidence, attempt.DurationMS, now)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert strategy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit fix: %w", err)
	}
	return fixID, nil
}

// RecordVulnerability upserts a scanner finding keyed by
// (cve, package, installed version), bumping last_seen and times_seen
// on repeats. fixID links the finding to the fix that addressed it;
// pass 0 when no fix exists yet.
func (k *KB) RecordVulnerability(ctx context.Context, v *types.VulnerabilityDetails, severity types.Severity, fixID int64) (int64, error) {
	if k.degraded {
		return 0, types.ErrDegraded
	}

	k.writeMu.Lock()
	defer k.writeMu.Unlock()

	var linked sql.NullInt64
	if fixID > 0 {
		linked = sql.NullInt64{Int64: fixID, Valid: true}
	}
	now := time.Now().UTC()
	_, err := k.db.ExecContext(ctx, `
		INSERT INTO vulnerabilities (cve_id, package, installed_version, fixed_version,
		                             severity, image, fix_id, first_seen, last_seen, times_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(cve_id, package, installed_version) DO UPDATE SET
			fixed_version = excluded.fixed_version,
			severity      = excluded.severity,
			image         = excluded.image,
			fix_id        = COALESCE(excluded.fix_id, fix_id),
			last_seen     = excluded.last_seen,
			times_seen    = times_seen + 1`,
		v.CVE, v.Package, v.InstalledVersion, v.FixedVersion,
		string(severity), v.Image, linked, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert vulnerability: %w", err)
	}

	var id int64
	err = k.db.GetContext(ctx, &id,
		`SELECT id FROM vulnerabilities WHERE cve_id = ? AND package = ? AND installed_version = ?`,
		v.CVE, v.Package, v.InstalledVersion)
	if err != nil {
		return 0, fmt.Errorf("failed to read vulnerability id: %w", err)
	}
	return id, nil
}

// RateQuery narrows a success-rate lookup. Zero values mean "any".
type RateQuery struct {
	Signature string
	Source    types.EventSource
	Days      int
}

// RateSummary is the grouped outcome count over a window.
type RateSummary struct {
	Success     int     `json:"success"`
	Failure     int     `json:"failure"`
	Partial     int     `json:"partial"`
	Total       int     `json:"total"`
	SuccessRate float64 `json:"success_rate"`
}

// SuccessRate counts fix outcomes over the query window, grouped by
// result. The window defaults to 30 days.
func (k *KB) SuccessRate(ctx context.Context, q RateQuery) (RateSummary, error) {
	var s RateSummary
	if k.db == nil {
		return s, nil
	}
	if q.Days <= 0 {
		q.Days = 30
	}

	query := `SELECT result, COUNT(*) AS n FROM fixes WHERE created_at >= ?`
	args := []any{time.Now().UTC().AddDate(0, 0, -q.Days)}
	if q.Signature != "" {
		query += ` AND event_signature = ?`
		args = append(args, q.Signature)
	}
	if q.Source != "" {
		query += ` AND event_source = ?`
		args = append(args, string(q.Source))
	}
	query += ` GROUP BY result`

	rows, err := k.db.QueryxContext(ctx, query, args...)
	if err != nil {
		if k.degraded {
			return RateSummary{}, nil
		}
		return s, fmt.Errorf("failed to query success rate: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var result string
		var n int
		if err := rows.Scan(&result, &n); err != nil {
			return s, fmt.Errorf("failed to scan success rate row: %w", err)
		}
		switch types.AttemptResult(result) {
		case types.ResultSuccess:
			s.Success = n
		case types.ResultFailure:
			s.Failure = n
		case types.ResultPartial:
			s.Partial = n
		}
	}
	if err := rows.Err(); err != nil {
		return s, fmt.Errorf("failed to iterate success rate rows: %w", err)
	}

	s.Total = s.Success + s.Failure + s.Partial
	if s.Total > 0 {
		s.SuccessRate = float64(s.Success) / float64(s.Total)
	}
	return s, nil
}

// StrategyStats mirrors one strategies row.
type StrategyStats struct {
	Name            string    `db:"strategy_name" json:"name"`
	EventType       string    `db:"event_type" json:"event_type"`
	SuccessCount    int       `db:"success_count" json:"success_count"`
	FailureCount    int       `db:"failure_count" json:"failure_count"`
	AvgConfidence   float64   `db:"avg_confidence" json:"avg_confidence"`
	TotalDurationMS int64     `db:"total_duration_ms" json:"total_duration_ms"`
	LastUsed        time.Time `db:"last_used" json:"last_used"`
}

// Rate returns the strategy's historical success fraction.
func (s StrategyStats) Rate() float64 {
	total := s.SuccessCount + s.FailureCount
	if total == 0 {
		return 0
	}
	return float64(s.SuccessCount) / float64(total)
}

// BestStrategies returns strategies for the event type with at least
// three recorded uses, best success rate first, confidence breaking
// ties.
func (k *KB) BestStrategies(ctx context.Context, eventType string, limit int) ([]StrategyStats, error) {
	if k.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}

	var out []StrategyStats
	err := k.db.SelectContext(ctx, &out, `
		SELECT strategy_name, event_type, success_count, failure_count,
		       avg_confidence, total_duration_ms, last_used
		FROM strategies
		WHERE event_type = ? AND success_count + failure_count >= ?
		ORDER BY CAST(success_count AS REAL) / (success_count + failure_count) DESC,
		         avg_confidence DESC
		LIMIT ?`, eventType, minStrategyUses, limit)
	if err != nil {
		if k.degraded {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query best strategies: %w", err)
	}
	return out, nil
}

// RetryMultiplier scales retry backoff by how well a strategy has
// worked before: reliable strategies retry sooner, poor ones wait
// longer. Unknown strategies and a degraded KB use the default.
func (k *KB) RetryMultiplier(ctx context.Context, strategy, eventType string) float64 {
	if k.db == nil {
		return DefaultRetryMultiplier
	}

	var s StrategyStats
	err := k.db.GetContext(ctx, &s, `
		SELECT strategy_name, event_type, success_count, failure_count,
		       avg_confidence, total_duration_ms, last_used
		FROM strategies WHERE strategy_name = ? AND event_type = ?`,
		strategy, eventType)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			k.logger.Debug().Err(err).Str("strategy", strategy).Msg("retry multiplier lookup failed")
		}
		return DefaultRetryMultiplier
	}
	if s.SuccessCount+s.FailureCount < minStrategyUses {
		return DefaultRetryMultiplier
	}

	switch rate := s.Rate(); {
	case rate >= 0.8:
		return 0.5
	case rate >= 0.4:
		return 1.0
	default:
		return 2.0
	}
}

// Summary aggregates recent KB contents for dashboards.
type Summary struct {
	Days             int             `json:"days"`
	TotalFixes       int             `json:"total_fixes"`
	Success          int             `json:"success"`
	Failure          int             `json:"failure"`
	Partial          int             `json:"partial"`
	SuccessRate      float64         `json:"success_rate"`
	UniqueSignatures int             `json:"unique_signatures"`
	Vulnerabilities  int             `json:"vulnerabilities"`
	CodeChanges      int             `json:"code_changes"`
	TopStrategies    []StrategyStats `json:"top_strategies,omitempty"`
	Degraded         bool            `json:"degraded"`
}

// LearningSummary builds the aggregated view over the last N days
// (default 7).
func (k *KB) LearningSummary(ctx context.Context, days int) (Summary, error) {
	if days <= 0 {
		days = 7
	}
	s := Summary{Days: days, Degraded: k.degraded}
	if k.db == nil {
		return s, nil
	}

	rate, err := k.SuccessRate(ctx, RateQuery{Days: days})
	if err != nil {
		return s, err
	}
	s.TotalFixes = rate.Total
	s.Success = rate.Success
	s.Failure = rate.Failure
	s.Partial = rate.Partial
	s.SuccessRate = rate.SuccessRate
	if k.degraded {
		return s, nil
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	if err := k.db.GetContext(ctx, &s.UniqueSignatures,
		`SELECT COUNT(DISTINCT event_signature) FROM fixes WHERE created_at >= ?`, cutoff); err != nil {
		return s, fmt.Errorf("failed to count signatures: %w", err)
	}
	if err := k.db.GetContext(ctx, &s.Vulnerabilities,
		`SELECT COUNT(*) FROM vulnerabilities WHERE last_seen >= ?`, cutoff); err != nil {
		return s, fmt.Errorf("failed to count vulnerabilities: %w", err)
	}
	if err := k.db.GetContext(ctx, &s.CodeChanges,
		`SELECT COUNT(*) FROM code_changes WHERE pushed_at >= ?`, cutoff); err != nil {
		return s, fmt.Errorf("failed to count code changes: %w", err)
	}

	top, err := k.db.QueryxContext(ctx, `
		SELECT strategy_name, event_type, success_count, failure_count,
		       avg_confidence, total_duration_ms, last_used
		FROM strategies
		WHERE success_count + failure_count >= ?
		ORDER BY CAST(success_count AS REAL) / (success_count + failure_count) DESC
		LIMIT 5`, minStrategyUses)
	if err != nil {
		return s, fmt.Errorf("failed to query top strategies: %w", err)
	}
	defer top.Close()
	for top.Next() {
		var st StrategyStats
		if err := top.StructScan(&st); err != nil {
			return s, fmt.Errorf("failed to scan strategy: %w", err)
		}
		s.TopStrategies = append(s.TopStrategies, st)
	}
	return s, top.Err()
}

// RecordCodeChange stores one classified push for deployment history.
func (k *KB) RecordCodeChange(ctx context.Context, repo, branch, sha, category, summary string, filesChanged int) error {
	if k.degraded {
		return types.ErrDegraded
	}

	k.writeMu.Lock()
	defer k.writeMu.Unlock()

	_, err := k.db.ExecContext(ctx, `
		INSERT INTO code_changes (repo, branch, commit_sha, category, summary, files_changed, pushed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		repo, branch, sha, category, summary, filesChanged, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert code change: %w", err)
	}
	return nil
}

// RecordLogPattern bumps the hit counter for a matched project log
// pattern.
func (k *KB) RecordLogPattern(ctx context.Context, project, pattern string) error {
	if k.degraded {
		return types.ErrDegraded
	}

	k.writeMu.Lock()
	defer k.writeMu.Unlock()

	_, err := k.db.ExecContext(ctx, `
		INSERT INTO log_patterns (project, pattern, match_count, last_matched)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(project, pattern) DO UPDATE SET
			match_count  = match_count + 1,
			last_matched = excluded.last_matched`,
		project, pattern, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert log pattern: %w", err)
	}
	return nil
}

// Cleanup deletes fix and code-change rows older than the retention
// window and returns how many were removed. Strategy accumulators are
// kept; they summarize, not archive.
func (k *KB) Cleanup(ctx context.Context) (int64, error) {
	if k.degraded {
		return 0, types.ErrDegraded
	}

	k.writeMu.Lock()
	defer k.writeMu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -k.cfg.RetentionDays)

	res, err := k.db.ExecContext(ctx, `DELETE FROM fixes WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune fixes: %w", err)
	}
	fixes, _ := res.RowsAffected()

	res, err = k.db.ExecContext(ctx, `DELETE FROM code_changes WHERE pushed_at < ?`, cutoff)
	if err != nil {
		return fixes, fmt.Errorf("failed to prune code changes: %w", err)
	}
	changes, _ := res.RowsAffected()

	if total := fixes + changes; total > 0 {
		k.logger.Info().Int64("rows", total).Int("retention_days", k.cfg.RetentionDays).
			Msg("pruned knowledge base")
		return total, nil
	}
	return 0, nil
}
