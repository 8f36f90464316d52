package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jobledger/core/pkg/logger"
	"github.com/jobledger/core/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS job_runs (
	id             TEXT PRIMARY KEY,
	job_name       TEXT NOT NULL,
	job_group      TEXT NOT NULL,
	start_time     INTEGER NOT NULL,
	end_time       INTEGER,
	duration_ms    INTEGER,
	status         TEXT NOT NULL,
	result         TEXT NOT NULL DEFAULT '',
	priority       INTEGER NOT NULL DEFAULT 5,
	instance_name  TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	flow_id        TEXT NOT NULL DEFAULT '',
	triggered_by   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_job_runs_job ON job_runs(job_name, job_group, start_time);
CREATE INDEX IF NOT EXISTS idx_job_runs_start ON job_runs(start_time);
`

const sqliteRunColumns = `id, job_name, job_group, start_time, end_time, duration_ms, status, result, priority, instance_name, correlation_id, flow_id, triggered_by`

// SQLiteStore persists run history in a single-file database; timestamps are
// stored as unix nanoseconds. Retention is enforced opportunistically: every
// pruneEvery writes, runs older than the retention window are deleted. No
// background goroutine.
type SQLiteStore struct {
	db  *sql.DB
	log *logger.Logger

	retention  time.Duration
	opCount    atomic.Uint64
	pruneEvery uint64
}

// NewSQLiteStore opens (creating if needed) the database at path. A
// non-positive retention disables opportunistic pruning; explicit purges
// still work.
func NewSQLiteStore(path string, retention time.Duration) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA busy_timeout = 5000")

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create job_runs schema: %w", err)
	}

	return &SQLiteStore{
		db:         db,
		log:        logger.New("runstore-sqlite"),
		retention:  retention,
		pruneEvery: 500,
	}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveJobRun(ctx context.Context, run *models.JobRun) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("job run requires an id")
	}

	var endNs, durMs any
	if run.EndTime != nil {
		endNs = run.EndTime.UnixNano()
	}
	if run.DurationMs != nil {
		durMs = *run.DurationMs
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_runs(`+sqliteRunColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
			job_name=excluded.job_name,
			job_group=excluded.job_group,
			start_time=excluded.start_time,
			end_time=excluded.end_time,
			duration_ms=excluded.duration_ms,
			status=excluded.status,
			result=excluded.result,
			priority=excluded.priority,
			instance_name=excluded.instance_name,
			correlation_id=excluded.correlation_id,
			flow_id=excluded.flow_id,
			triggered_by=excluded.triggered_by`,
		run.ID, run.JobName, run.JobGroup, run.StartTime.UnixNano(), endNs, durMs,
		string(run.Status), run.Result, run.Priority, run.InstanceName,
		run.CorrelationID, run.FlowID, run.TriggeredBy,
	)
	if err != nil {
		return fmt.Errorf("failed to save job run %s: %w", run.ID, err)
	}

	s.maybePrune()
	return nil
}

// maybePrune deletes aged-out runs on a write-count cadence so retention
// never needs its own timer.
func (s *SQLiteStore) maybePrune() {
	if s.retention <= 0 {
		return
	}
	if s.opCount.Add(1)%s.pruneEvery != 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	cutoff := time.Now().Add(-s.retention).UnixNano()
	start := time.Now()
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_runs WHERE start_time < ?`, cutoff)

	affected := 0
	if res != nil {
		if n, raErr := res.RowsAffected(); raErr == nil {
			affected = int(n)
		}
	}
	s.log.LogStoreOperation("prune_expired", affected, time.Since(start), err)
}

func (s *SQLiteStore) GetJobRun(ctx context.Context, id string) (*models.JobRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteRunColumns+` FROM job_runs WHERE id = ?`, id)
	run, err := scanSQLiteRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job run %s: %w", id, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job run %s: %w", id, err)
	}
	return run, nil
}

func (s *SQLiteStore) GetJobRuns(ctx context.Context, filter RunFilter) ([]models.JobRun, error) {
	query := `SELECT ` + sqliteRunColumns + ` FROM job_runs`

	var (
		where []string
		args  []any
	)
	if filter.JobName != "" {
		where = append(where, "job_name = ?")
		args = append(args, filter.JobName)
	}
	if filter.JobGroup != "" {
		where = append(where, "job_group = ?")
		args = append(args, filter.JobGroup)
	}
	if !filter.From.IsZero() {
		where = append(where, "start_time >= ?")
		args = append(args, filter.From.UnixNano())
	}
	if !filter.To.IsZero() {
		where = append(where, "start_time <= ?")
		args = append(args, filter.To.UnixNano())
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Priority != nil {
		where = append(where, "priority = ?")
		args = append(args, *filter.Priority)
	}
	if filter.InstanceName != "" {
		where = append(where, "instance_name = ?")
		args = append(args, filter.InstanceName)
	}
	if filter.ResultContains != "" {
		where = append(where, "instr(result, ?) > 0")
		args = append(args, filter.ResultContains)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_time DESC, id"
	if filter.Take > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Take)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query job runs: %w", err)
	}
	defer rows.Close()

	var runs []models.JobRun
	for rows.Next() {
		run, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) GetJobRunStats(ctx context.Context, jobName, jobGroup string, from, to time.Time) (models.JobRunStats, error) {
	query := `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		COALESCE(MIN(duration_ms), 0),
		COALESCE(AVG(duration_ms), 0),
		COALESCE(MAX(duration_ms), 0)
	FROM job_runs`

	args := []any{string(models.RunSucceeded), string(models.RunFailed)}
	where := []string{}
	if jobName != "" {
		where = append(where, "job_name = ?")
		args = append(args, jobName)
	}
	if jobGroup != "" {
		where = append(where, "job_group = ?")
		args = append(args, jobGroup)
	}
	if !from.IsZero() {
		where = append(where, "start_time >= ?")
		args = append(args, from.UnixNano())
	}
	if !to.IsZero() {
		where = append(where, "start_time <= ?")
		args = append(args, to.UnixNano())
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	var stats models.JobRunStats
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Count, &stats.SuccessCount, &stats.FailureCount,
		&stats.MinDurationMs, &stats.AvgDurationMs, &stats.MaxDurationMs,
	)
	if err != nil {
		return models.JobRunStats{}, fmt.Errorf("failed to aggregate job run stats: %w", err)
	}
	return stats, nil
}

func (s *SQLiteStore) PurgeJobRuns(ctx context.Context, jobName, jobGroup string, olderThan time.Time) (int, error) {
	query := `DELETE FROM job_runs WHERE start_time < ?`
	args := []any{olderThan.UnixNano()}
	if jobName != "" {
		query += " AND job_name = ?"
		args = append(args, jobName)
	}
	if jobGroup != "" {
		query += " AND job_group = ?"
		args = append(args, jobGroup)
	}

	start := time.Now()
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		s.log.LogStoreOperation("purge_job_runs", 0, time.Since(start), err)
		return 0, fmt.Errorf("failed to purge job runs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged job runs: %w", err)
	}
	s.log.LogStoreOperation("purge_job_runs", int(affected), time.Since(start), nil)
	return int(affected), nil
}

func scanSQLiteRun(row interface{ Scan(dest ...any) error }) (*models.JobRun, error) {
	var (
		run     models.JobRun
		status  string
		startNs int64
		endNs   sql.NullInt64
		durMs   sql.NullInt64
	)
	err := row.Scan(&run.ID, &run.JobName, &run.JobGroup, &startNs, &endNs, &durMs,
		&status, &run.Result, &run.Priority, &run.InstanceName,
		&run.CorrelationID, &run.FlowID, &run.TriggeredBy)
	if err != nil {
		return nil, err
	}
	run.StartTime = time.Unix(0, startNs).UTC()
	if endNs.Valid {
		end := time.Unix(0, endNs.Int64).UTC()
		run.EndTime = &end
	}
	if durMs.Valid {
		ms := durMs.Int64
		run.DurationMs = &ms
	}
	run.Status = models.RunStatus(status)
	return &run, nil
}
