package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/cosmicstack/cosmic/pkg/states"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	jobColumns = `id, cmd, cmd_info, owner_node_id, status, result, dispatcher, wakeup_handler,
		complete_node_id, created_ms, updated_ms, started_ms, completed_ms`

	joinColumns = `seq, id, job_id, join_job_id, join_status, join_result, join_node_id,
		complete_node_id, sync_source_id, wakeup_handler, wakeup_dispatcher, wakeup_interval_ms,
		expiration_ms, next_wakeup_ms, created_ms, completed_ms, attempts, retry_after_ms`

	// terminalStatuses is the SQL list of statuses that resolve a join.
	terminalStatuses = `('succeeded', 'failed', 'cancelled')`
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: opens a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// CreateJob inserts a new job record
func (s *SQLiteStore) CreateJob(ctx context.Context, job *Job) error {
	query := `INSERT INTO async_jobs (` + jobColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.Cmd,
		job.CmdInfo,
		job.OwnerNodeID,
		job.Status,
		job.Result,
		job.Dispatcher,
		job.WakeupHandler,
		job.CompleteNodeID,
		toMillis(job.CreatedAt),
		toMillis(job.UpdatedAt),
		toNullMillis(job.StartedAt),
		toNullMillis(job.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("job %s: %w", job.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetJob retrieves a job by ID
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM async_jobs WHERE id = ?`

	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return job, nil
}

// ListJobs retrieves jobs matching the filter, newest first
func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.OwnerNodeID != "" {
		where = append(where, "owner_node_id = ?")
		args = append(args, filter.OwnerNodeID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT ` + jobColumns + ` FROM async_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_ms DESC, id LIMIT ? OFFSET ?"
	args = append(args, sqlLimit(filter.Limit), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// UpdateJobStatus performs a compare-and-set on the job status
func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, id string, from, to states.JobStatus, update JobUpdate) (bool, error) {
	at := toMillis(update.At)

	var started, completed interface{}
	if to == states.JobInProgress {
		started = at
	}
	if to.IsTerminal() {
		completed = at
	}

	query := `
		UPDATE async_jobs
		SET status = ?,
			result = COALESCE(?, result),
			complete_node_id = COALESCE(?, complete_node_id),
			updated_ms = ?,
			started_ms = COALESCE(?, started_ms),
			completed_ms = COALESCE(?, completed_ms)
		WHERE id = ? AND status = ?
	`

	res, err := s.db.ExecContext(ctx, query,
		to, update.Result, update.CompleteNodeID, at, started, completed, id, from)
	if err != nil {
		return false, fmt.Errorf("failed to update job status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return n == 1, nil
}

// ReassignJobs moves every non-terminal job owned by fromNode to toNode
func (s *SQLiteStore) ReassignJobs(ctx context.Context, fromNode, toNode string, at time.Time) (int64, error) {
	query := `
		UPDATE async_jobs SET owner_node_id = ?, updated_ms = ?
		WHERE owner_node_id = ? AND status NOT IN ` + terminalStatuses

	res, err := s.db.ExecContext(ctx, query, toNode, toMillis(at), fromNode)
	if err != nil {
		return 0, fmt.Errorf("failed to reassign jobs: %w", err)
	}

	return res.RowsAffected()
}

// CreateJoin inserts a join record and fills in its creation sequence
func (s *SQLiteStore) CreateJoin(ctx context.Context, join *Join) error {
	query := `
		INSERT INTO async_job_joins (
			id, job_id, join_job_id, join_status, join_result, join_node_id, complete_node_id,
			sync_source_id, wakeup_handler, wakeup_dispatcher, wakeup_interval_ms,
			expiration_ms, next_wakeup_ms, created_ms, completed_ms, attempts, retry_after_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := s.db.ExecContext(ctx, query,
		join.ID,
		join.JobID,
		join.JoinJobID,
		join.JoinStatus,
		join.JoinResult,
		join.JoinNodeID,
		join.CompleteNodeID,
		join.SyncSourceID,
		join.WakeupHandler,
		join.WakeupDispatcher,
		join.WakeupInterval.Milliseconds(),
		toNullMillis(join.Expiration),
		toMillis(join.NextWakeup),
		toMillis(join.CreatedAt),
		toNullMillis(join.CompletedAt),
		join.Attempts,
		toNullMillis(join.RetryAfter),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("join %s -> %s: %w", join.JobID, join.JoinJobID, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create join: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get join sequence: %w", err)
	}
	join.Seq = seq

	return nil
}

// GetJoin retrieves the join between a waiting job and a joined job
func (s *SQLiteStore) GetJoin(ctx context.Context, jobID, joinJobID string) (*Join, error) {
	query := `SELECT ` + joinColumns + ` FROM async_job_joins WHERE job_id = ? AND join_job_id = ?`

	join, err := scanJoin(s.db.QueryRowContext(ctx, query, jobID, joinJobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("join %s -> %s: %w", jobID, joinJobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get join: %w", err)
	}

	return join, nil
}

// ListJoinsByJob lists every join where jobID is the waiting job
func (s *SQLiteStore) ListJoinsByJob(ctx context.Context, jobID string) ([]*Join, error) {
	query := `SELECT ` + joinColumns + ` FROM async_job_joins WHERE job_id = ? ORDER BY seq`
	return s.queryJoins(ctx, query, jobID)
}

// ListJoinsByJoinedJob lists every join waiting for joinJobID
func (s *SQLiteStore) ListJoinsByJoinedJob(ctx context.Context, joinJobID string) ([]*Join, error) {
	query := `SELECT ` + joinColumns + ` FROM async_job_joins WHERE join_job_id = ? ORDER BY seq`
	return s.queryJoins(ctx, query, joinJobID)
}

// DeleteJoin removes one join; a missing join is not an error
func (s *SQLiteStore) DeleteJoin(ctx context.Context, jobID, joinJobID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM async_job_joins WHERE job_id = ? AND join_job_id = ?`, jobID, joinJobID)
	if err != nil {
		return fmt.Errorf("failed to delete join: %w", err)
	}
	return nil
}

// DeleteJoinByID removes one join by id; a missing join is not an error
func (s *SQLiteStore) DeleteJoinByID(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM async_job_joins WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete join: %w", err)
	}
	return nil
}

// DeleteJoinsByJob removes every join where jobID is the waiting job
func (s *SQLiteStore) DeleteJoinsByJob(ctx context.Context, jobID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM async_job_joins WHERE job_id = ?`, jobID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete joins: %w", err)
	}
	return res.RowsAffected()
}

// CompleteJoins resolves every pending join waiting for joinJobID
func (s *SQLiteStore) CompleteJoins(ctx context.Context, joinJobID string, status states.JobStatus, result *string, nodeID string, at time.Time) (int64, error) {
	query := `
		UPDATE async_job_joins
		SET join_status = ?, join_result = ?, complete_node_id = ?, completed_ms = ?
		WHERE join_job_id = ? AND join_status NOT IN ` + terminalStatuses

	res, err := s.db.ExecContext(ctx, query, status, result, nodeID, toMillis(at), joinJobID)
	if err != nil {
		return 0, fmt.Errorf("failed to complete joins: %w", err)
	}
	return res.RowsAffected()
}

// FindJobsToWake returns the waiting jobs whose join on joinJobID is resolved
func (s *SQLiteStore) FindJobsToWake(ctx context.Context, joinJobID string) ([]string, error) {
	query := `
		SELECT job_id FROM async_job_joins
		WHERE join_job_id = ? AND join_status IN ` + terminalStatuses + `
		ORDER BY seq
	`
	return s.queryIDs(ctx, query, joinJobID)
}

// FindJobsToWakeBetween returns the waiting jobs with an unresolved join
// whose deadline is at or before cutoff
func (s *SQLiteStore) FindJobsToWakeBetween(ctx context.Context, cutoff time.Time) ([]string, error) {
	query := `
		SELECT job_id FROM async_job_joins
		WHERE join_status NOT IN ` + terminalStatuses + `
			AND expiration_ms IS NOT NULL AND expiration_ms <= ?
		GROUP BY job_id
		ORDER BY MIN(seq)
	`
	return s.queryIDs(ctx, query, toMillis(cutoff))
}

// ListWakeCandidates returns resolved or expired joins. Joins never deferred
// come first in creation order, deferred ones follow by retry time. A join
// queued behind a deferred join of its sync source is held back.
func (s *SQLiteStore) ListWakeCandidates(ctx context.Context, q WakeQuery) ([]*Join, error) {
	now := toMillis(q.Now)
	query := `
		SELECT ` + qualify("j", joinColumns) + `
		FROM async_job_joins j
		JOIN async_jobs w ON w.id = j.job_id
		WHERE (j.join_status IN ` + terminalStatuses + `
			OR (j.expiration_ms IS NOT NULL AND j.expiration_ms <= ?))
			AND (j.retry_after_ms IS NULL OR j.retry_after_ms <= ?)
			AND (? = '' OR w.owner_node_id = ?)
			AND NOT EXISTS (
				SELECT 1 FROM async_job_joins d
				WHERE j.sync_source_id <> '' AND d.sync_source_id = j.sync_source_id
					AND d.seq < j.seq AND d.retry_after_ms IS NOT NULL
			)
		ORDER BY COALESCE(j.retry_after_ms, 0), j.seq
		LIMIT ?
	`
	return s.queryJoins(ctx, query, now, now, q.OwnerNodeID, q.OwnerNodeID, sqlLimit(q.Limit))
}

// ListDuePolls returns unresolved joins whose next wakeup has arrived, the
// longest overdue first
func (s *SQLiteStore) ListDuePolls(ctx context.Context, now time.Time, limit int) ([]*Join, error) {
	query := `
		SELECT ` + joinColumns + ` FROM async_job_joins
		WHERE join_status NOT IN ` + terminalStatuses + ` AND next_wakeup_ms <= ?
		ORDER BY next_wakeup_ms, seq
		LIMIT ?
	`
	return s.queryJoins(ctx, query, toMillis(now), sqlLimit(limit))
}

// TouchJoin pushes back the next poll of a join
func (s *SQLiteStore) TouchJoin(ctx context.Context, id string, nextWakeup time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE async_job_joins SET next_wakeup_ms = ? WHERE id = ?`, toMillis(nextWakeup), id)
	if err != nil {
		return fmt.Errorf("failed to touch join: %w", err)
	}
	return nil
}

// DeferJoin records a failed delivery and holds the join back until retryAfter
func (s *SQLiteStore) DeferJoin(ctx context.Context, id string, attempts int, retryAfter time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE async_job_joins SET attempts = ?, retry_after_ms = ? WHERE id = ?`,
		attempts, toMillis(retryAfter), id)
	if err != nil {
		return fmt.Errorf("failed to defer join: %w", err)
	}
	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) queryJoins(ctx context.Context, query string, args ...interface{}) ([]*Join, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query joins: %w", err)
	}
	defer rows.Close()

	var joins []*Join
	for rows.Next() {
		join, err := scanJoin(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan join: %w", err)
		}
		joins = append(joins, join)
	}

	return joins, rows.Err()
}

func (s *SQLiteStore) queryIDs(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query job ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan job id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                Job
		created, updated   int64
		started, completed sql.NullInt64
	)

	err := row.Scan(
		&job.ID,
		&job.Cmd,
		&job.CmdInfo,
		&job.OwnerNodeID,
		&job.Status,
		&job.Result,
		&job.Dispatcher,
		&job.WakeupHandler,
		&job.CompleteNodeID,
		&created,
		&updated,
		&started,
		&completed,
	)
	if err != nil {
		return nil, err
	}

	job.CreatedAt = fromMillis(created)
	job.UpdatedAt = fromMillis(updated)
	job.StartedAt = fromNullMillis(started)
	job.CompletedAt = fromNullMillis(completed)

	return &job, nil
}

func scanJoin(row rowScanner) (*Join, error) {
	var (
		join                  Join
		intervalMs            int64
		nextWakeup, created   int64
		expiration, completed sql.NullInt64
		retryAfter            sql.NullInt64
	)

	err := row.Scan(
		&join.Seq,
		&join.ID,
		&join.JobID,
		&join.JoinJobID,
		&join.JoinStatus,
		&join.JoinResult,
		&join.JoinNodeID,
		&join.CompleteNodeID,
		&join.SyncSourceID,
		&join.WakeupHandler,
		&join.WakeupDispatcher,
		&intervalMs,
		&expiration,
		&nextWakeup,
		&created,
		&completed,
		&join.Attempts,
		&retryAfter,
	)
	if err != nil {
		return nil, err
	}

	join.WakeupInterval = time.Duration(intervalMs) * time.Millisecond
	join.Expiration = fromNullMillis(expiration)
	join.NextWakeup = fromMillis(nextWakeup)
	join.CreatedAt = fromMillis(created)
	join.CompletedAt = fromNullMillis(completed)
	join.RetryAfter = fromNullMillis(retryAfter)

	return &join, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func toNullMillis(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

// qualify prefixes every column in a comma separated list with alias.
func qualify(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, c := range parts {
		parts[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}

// sqlLimit maps "no limit" onto SQLite's LIMIT -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed")
}
