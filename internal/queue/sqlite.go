package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/coderoom/internal/model"

	_ "modernc.org/sqlite"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    seq              INTEGER PRIMARY KEY AUTOINCREMENT,
    id               TEXT NOT NULL UNIQUE,
    state            TEXT NOT NULL,
    language         TEXT NOT NULL,
    source           TEXT NOT NULL,
    stdin            TEXT NOT NULL DEFAULT '',
    room_id          TEXT NOT NULL DEFAULT '',
    has_result       INTEGER NOT NULL DEFAULT 0,
    stdout           TEXT NOT NULL DEFAULT '',
    stderr           TEXT NOT NULL DEFAULT '',
    exit_code        INTEGER NOT NULL DEFAULT 0,
    duration_ms      INTEGER,
    error            TEXT NOT NULL DEFAULT '',
    attempts         INTEGER NOT NULL DEFAULT 0,
    worker_id        TEXT NOT NULL DEFAULT '',
    lease_expires_ms INTEGER,
    submitted_at     DATETIME NOT NULL,
    started_at       DATETIME,
    finished_at      DATETIME
)`

const createJobsIndex = `CREATE INDEX IF NOT EXISTS jobs_state_seq ON jobs (state, seq)`

const jobColumns = `id, state, language, source, stdin, room_id, has_result, stdout, stderr,
	exit_code, duration_ms, error, attempts, worker_id, lease_expires_ms,
	submitted_at, started_at, finished_at`

// Compile-time interface satisfaction check.
var _ Queue = (*SQLiteQueue)(nil)

// SQLiteQueue implements Queue on SQLite. Claims are a single
// UPDATE ... RETURNING statement, so SQLite's write lock makes them atomic
// across goroutines and processes sharing the database file.
type SQLiteQueue struct {
	db   *sql.DB
	opts Options
}

// sqliteDSN applies the connection pragmas through the DSN so that every
// connection the pool opens carries them.
func sqliteDSN(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
}

// NewSQLiteQueue opens the SQLite database at dbPath and runs migrations.
// All statements share one connection: SQLite serializes writers anyway, and
// a single connection keeps claims from failing with SQLITE_BUSY.
func NewSQLiteQueue(dbPath string, opts Options) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", sqliteDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if _, err := db.Exec(createJobsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create jobs table: %w", err)
	}

	if _, err := db.Exec(createJobsIndex); err != nil {
		db.Close()
		return nil, fmt.Errorf("create jobs index: %w", err)
	}

	return &SQLiteQueue{db: db, opts: opts}, nil
}

// Close closes the underlying database connection.
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}

// Enqueue inserts a queued job. The capacity check and the insert are one
// statement, so concurrent submissions cannot overshoot MaxQueued.
func (q *SQLiteQueue) Enqueue(ctx context.Context, nj model.NewJob) (*model.Job, error) {
	job := &model.Job{
		ID:          model.NewID(),
		State:       model.StateQueued,
		Language:    nj.Language,
		Source:      nj.Source,
		Stdin:       nj.Stdin,
		RoomID:      nj.RoomID,
		SubmittedAt: time.Now().UTC(),
	}

	limit := q.opts.MaxQueued
	if limit <= 0 {
		limit = -1
	}

	result, err := q.db.ExecContext(ctx,
		`INSERT INTO jobs (id, state, language, source, stdin, room_id, submitted_at)
		SELECT ?, ?, ?, ?, ?, ?, ?
		WHERE ? < 0 OR (SELECT COUNT(*) FROM jobs WHERE state = ?) < ?`,
		job.ID, job.State, job.Language, job.Source, job.Stdin, job.RoomID, job.SubmittedAt,
		limit, model.StateQueued, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: insert job: %v", ErrUnavailable, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%w: check rows affected: %v", ErrUnavailable, err)
	}
	if n == 0 {
		return nil, ErrQueueFull
	}

	return job, nil
}

// Get retrieves a job by ID.
func (q *SQLiteQueue) Get(ctx context.Context, id string) (*model.Job, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Claim moves the oldest queued job to active under workerID.
func (q *SQLiteQueue) Claim(ctx context.Context, workerID string, lease time.Duration) (*model.Job, error) {
	now := time.Now().UTC()
	row := q.db.QueryRowContext(ctx,
		`UPDATE jobs
		SET state = ?, worker_id = ?, lease_expires_ms = ?, started_at = ?, attempts = attempts + 1
		WHERE seq = (SELECT seq FROM jobs WHERE state = ? ORDER BY seq LIMIT 1) AND state = ?
		RETURNING `+jobColumns,
		model.StateActive, workerID, now.Add(lease).UnixMilli(), now,
		model.StateQueued, model.StateQueued,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// Heartbeat extends the lease of an active job held by workerID.
func (q *SQLiteQueue) Heartbeat(ctx context.Context, id, workerID string, lease time.Duration) error {
	result, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET lease_expires_ms = ? WHERE id = ? AND state = ? AND worker_id = ?`,
		time.Now().Add(lease).UnixMilli(), id, model.StateActive, workerID,
	)
	if err != nil {
		return fmt.Errorf("heartbeat job: %w", err)
	}
	return q.checkOwned(ctx, result, id, model.StateActive)
}

// Complete moves an active job to completed with its result attached.
func (q *SQLiteQueue) Complete(ctx context.Context, id, workerID string, res model.Result) error {
	result, err := q.db.ExecContext(ctx,
		`UPDATE jobs
		SET state = ?, has_result = 1, stdout = ?, stderr = ?, exit_code = ?, duration_ms = ?,
			error = '', lease_expires_ms = NULL, finished_at = ?
		WHERE id = ? AND state = ? AND worker_id = ?`,
		model.StateCompleted, res.Stdout, res.Stderr, res.ExitCode, res.ExecutionTimeMillis,
		time.Now().UTC(), id, model.StateActive, workerID,
	)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return q.checkOwned(ctx, result, id, model.StateCompleted)
}

// Fail moves an active job to failed with errMsg and an optional partial result.
func (q *SQLiteQueue) Fail(ctx context.Context, id, workerID, errMsg string, res *model.Result) error {
	var (
		hasResult      int
		stdout, stderr string
		exitCode       int
		durationMS     *int64
	)
	if res != nil {
		hasResult = 1
		stdout, stderr, exitCode = res.Stdout, res.Stderr, res.ExitCode
		durationMS = &res.ExecutionTimeMillis
	}

	result, err := q.db.ExecContext(ctx,
		`UPDATE jobs
		SET state = ?, has_result = ?, stdout = ?, stderr = ?, exit_code = ?, duration_ms = ?,
			error = ?, lease_expires_ms = NULL, finished_at = ?
		WHERE id = ? AND state = ? AND worker_id = ?`,
		model.StateFailed, hasResult, stdout, stderr, exitCode, durationMS,
		errMsg, time.Now().UTC(), id, model.StateActive, workerID,
	)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return q.checkOwned(ctx, result, id, model.StateFailed)
}

// checkOwned maps a zero-row guarded update towards target to ErrNotFound,
// ErrLeaseLost or model.ErrInvalidTransition.
func (q *SQLiteQueue) checkOwned(ctx context.Context, result sql.Result, id, target string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var state string
	err = q.db.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check job state: %w", err)
	}
	return guardError(state, target)
}

// Reclaim requeues or fails active jobs whose lease expired before now.
func (q *SQLiteQueue) Reclaim(ctx context.Context, now time.Time) (Reclaimed, error) {
	var out Reclaimed

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return out, fmt.Errorf("begin reclaim tx: %w", err)
	}
	defer tx.Rollback()

	cutoff := now.UnixMilli()

	failed, err := collectIDs(tx.QueryContext(ctx,
		`UPDATE jobs
		SET state = ?, error = printf('abandoned after %d attempts', attempts),
			lease_expires_ms = NULL, finished_at = ?
		WHERE state = ? AND lease_expires_ms < ? AND attempts >= ?
		RETURNING id`,
		model.StateFailed, now.UTC(), model.StateActive, cutoff, q.opts.maxAttempts(),
	))
	if err != nil {
		return out, fmt.Errorf("fail abandoned jobs: %w", err)
	}

	requeued, err := collectIDs(tx.QueryContext(ctx,
		`UPDATE jobs
		SET state = ?, worker_id = '', lease_expires_ms = NULL
		WHERE state = ? AND lease_expires_ms < ?
		RETURNING id`,
		model.StateQueued, model.StateActive, cutoff,
	))
	if err != nil {
		return out, fmt.Errorf("requeue abandoned jobs: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return out, fmt.Errorf("commit reclaim tx: %w", err)
	}

	out.Requeued = requeued
	out.Failed = failed
	return out, nil
}

func collectIDs(rows *sql.Rows, err error) ([]string, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// List returns a page of jobs, newest first, with the total job count.
func (q *SQLiteQueue) List(ctx context.Context, limit, offset int) ([]*model.Job, int, error) {
	tx, err := q.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY seq DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

// Stats returns job counts by state and language and the mean run duration.
func (q *SQLiteQueue) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		CountByState:    make(map[string]int),
		CountByLanguage: make(map[string]int),
	}

	if err := countInto(ctx, q.db, `SELECT state, COUNT(*) FROM jobs GROUP BY state`, stats.CountByState); err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	if err := countInto(ctx, q.db, `SELECT language, COUNT(*) FROM jobs GROUP BY language`, stats.CountByLanguage); err != nil {
		return nil, fmt.Errorf("count by language: %w", err)
	}
	for _, n := range stats.CountByState {
		stats.Total += n
	}

	var avg sql.NullFloat64
	if err := q.db.QueryRowContext(ctx,
		`SELECT AVG(duration_ms) FROM jobs WHERE duration_ms IS NOT NULL`,
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}

func countInto(ctx context.Context, db *sql.DB, query string, into map[string]int) error {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var (
		job        model.Job
		hasResult  bool
		stdout     string
		stderr     string
		exitCode   int
		durationMS sql.NullInt64
		leaseMS    sql.NullInt64
	)
	if err := row.Scan(
		&job.ID, &job.State, &job.Language, &job.Source, &job.Stdin, &job.RoomID,
		&hasResult, &stdout, &stderr, &exitCode, &durationMS, &job.Error,
		&job.Attempts, &job.WorkerID, &leaseMS,
		&job.SubmittedAt, &job.StartedAt, &job.FinishedAt,
	); err != nil {
		return nil, err
	}

	if hasResult {
		job.Result = &model.Result{
			Stdout:              stdout,
			Stderr:              stderr,
			ExitCode:            exitCode,
			ExecutionTimeMillis: durationMS.Int64,
		}
	}
	if leaseMS.Valid {
		t := time.UnixMilli(leaseMS.Int64).UTC()
		job.LeaseExpiresAt = &t
	}
	return &job, nil
}
