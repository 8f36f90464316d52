package runstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jobledger/core/pkg/logger"
	"github.com/jobledger/core/pkg/models"
)

// DBTX is the slice of pgx the store needs. *pgxpool.Pool, *pgx.Conn and
// pgx.Tx all satisfy it, which keeps the store testable against a mock.
type DBTX interface {
	Exec(ctx context.Context, query string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, query string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) pgx.Row
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS job_runs (
	id             TEXT PRIMARY KEY,
	job_name       TEXT NOT NULL,
	job_group      TEXT NOT NULL,
	start_time     TIMESTAMPTZ NOT NULL,
	end_time       TIMESTAMPTZ,
	duration_ms    BIGINT,
	status         TEXT NOT NULL,
	result         TEXT NOT NULL DEFAULT '',
	priority       INT NOT NULL DEFAULT 5,
	instance_name  TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	flow_id        TEXT NOT NULL DEFAULT '',
	triggered_by   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_job_runs_job ON job_runs (job_name, job_group, start_time DESC);
CREATE INDEX IF NOT EXISTS idx_job_runs_start ON job_runs (start_time);
`

const postgresRunColumns = `id, job_name, job_group, start_time, end_time, duration_ms, status, result, priority, instance_name, correlation_id, flow_id, triggered_by`

// PostgresStore persists run history in PostgreSQL, the backend for
// multi-instance deployments where every instance writes to the same
// history.
type PostgresStore struct {
	db  DBTX
	log *logger.Logger
}

func NewPostgresStore(db DBTX) *PostgresStore {
	return &PostgresStore{
		db:  db,
		log: logger.New("runstore-postgres"),
	}
}

// EnsureSchema creates the job_runs table and its indexes when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to create job_runs schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveJobRun(ctx context.Context, run *models.JobRun) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("job run requires an id")
	}

	_, err := s.db.Exec(ctx,
		`INSERT INTO job_runs (`+postgresRunColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO UPDATE SET
			job_name       = EXCLUDED.job_name,
			job_group      = EXCLUDED.job_group,
			start_time     = EXCLUDED.start_time,
			end_time       = EXCLUDED.end_time,
			duration_ms    = EXCLUDED.duration_ms,
			status         = EXCLUDED.status,
			result         = EXCLUDED.result,
			priority       = EXCLUDED.priority,
			instance_name  = EXCLUDED.instance_name,
			correlation_id = EXCLUDED.correlation_id,
			flow_id        = EXCLUDED.flow_id,
			triggered_by   = EXCLUDED.triggered_by`,
		run.ID, run.JobName, run.JobGroup, run.StartTime, run.EndTime, run.DurationMs,
		string(run.Status), run.Result, run.Priority, run.InstanceName,
		run.CorrelationID, run.FlowID, run.TriggeredBy,
	)
	if err != nil {
		return fmt.Errorf("failed to save job run %s: %w", run.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetJobRun(ctx context.Context, id string) (*models.JobRun, error) {
	row := s.db.QueryRow(ctx, `SELECT `+postgresRunColumns+` FROM job_runs WHERE id = $1`, id)
	run, err := scanPostgresRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job run %s: %w", id, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job run %s: %w", id, err)
	}
	return run, nil
}

func (s *PostgresStore) GetJobRuns(ctx context.Context, filter RunFilter) ([]models.JobRun, error) {
	query := `SELECT ` + postgresRunColumns + ` FROM job_runs`

	var (
		where []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.JobName != "" {
		add("job_name = $%d", filter.JobName)
	}
	if filter.JobGroup != "" {
		add("job_group = $%d", filter.JobGroup)
	}
	if !filter.From.IsZero() {
		add("start_time >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("start_time <= $%d", filter.To)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.Priority != nil {
		add("priority = $%d", *filter.Priority)
	}
	if filter.InstanceName != "" {
		add("instance_name = $%d", filter.InstanceName)
	}
	if filter.ResultContains != "" {
		add("position($%d in result) > 0", filter.ResultContains)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_time DESC, id"
	if filter.Take > 0 {
		args = append(args, filter.Take)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query job runs: %w", err)
	}
	defer rows.Close()

	var runs []models.JobRun
	for rows.Next() {
		run, err := scanPostgresRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func (s *PostgresStore) GetJobRunStats(ctx context.Context, jobName, jobGroup string, from, to time.Time) (models.JobRunStats, error) {
	query := `SELECT
		COUNT(*),
		COUNT(*) FILTER (WHERE status = $1),
		COUNT(*) FILTER (WHERE status = $2),
		COALESCE(MIN(duration_ms), 0),
		COALESCE(AVG(duration_ms), 0)::float8,
		COALESCE(MAX(duration_ms), 0)
	FROM job_runs`

	args := []interface{}{string(models.RunSucceeded), string(models.RunFailed)}
	var where []string
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if jobName != "" {
		add("job_name = $%d", jobName)
	}
	if jobGroup != "" {
		add("job_group = $%d", jobGroup)
	}
	if !from.IsZero() {
		add("start_time >= $%d", from)
	}
	if !to.IsZero() {
		add("start_time <= $%d", to)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	var stats models.JobRunStats
	err := s.db.QueryRow(ctx, query, args...).Scan(
		&stats.Count, &stats.SuccessCount, &stats.FailureCount,
		&stats.MinDurationMs, &stats.AvgDurationMs, &stats.MaxDurationMs,
	)
	if err != nil {
		return models.JobRunStats{}, fmt.Errorf("failed to aggregate job run stats: %w", err)
	}
	return stats, nil
}

func (s *PostgresStore) PurgeJobRuns(ctx context.Context, jobName, jobGroup string, olderThan time.Time) (int, error) {
	query := `DELETE FROM job_runs WHERE start_time < $1`
	args := []interface{}{olderThan}
	if jobName != "" {
		args = append(args, jobName)
		query += fmt.Sprintf(" AND job_name = $%d", len(args))
	}
	if jobGroup != "" {
		args = append(args, jobGroup)
		query += fmt.Sprintf(" AND job_group = $%d", len(args))
	}

	start := time.Now()
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		s.log.LogStoreOperation("purge_job_runs", 0, time.Since(start), err)
		return 0, fmt.Errorf("failed to purge job runs: %w", err)
	}
	affected := int(tag.RowsAffected())
	s.log.LogStoreOperation("purge_job_runs", affected, time.Since(start), nil)
	return affected, nil
}

func scanPostgresRun(row pgx.Row) (*models.JobRun, error) {
	var (
		run    models.JobRun
		status string
	)
	err := row.Scan(&run.ID, &run.JobName, &run.JobGroup, &run.StartTime, &run.EndTime,
		&run.DurationMs, &status, &run.Result, &run.Priority, &run.InstanceName,
		&run.CorrelationID, &run.FlowID, &run.TriggeredBy)
	if err != nil {
		return nil, err
	}
	run.Status = models.RunStatus(status)
	return &run, nil
}
