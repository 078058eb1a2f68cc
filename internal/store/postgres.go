package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/caselens/citeminer/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies it,
// which keeps the Postgres backend testable without a live database.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"insert_job":      `INSERT INTO jobs (id, status, request, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
	"get_job":         `SELECT id, status, progress, current_step, eta_seconds, request, result, error, created_at, started_at, updated_at FROM jobs WHERE id = $1`,
	"update_progress": `UPDATE jobs SET progress = $1, current_step = $2, eta_seconds = $3, updated_at = $4 WHERE id = $5 AND status = $6`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool, used by tests.
func NewPostgresWithPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	status       TEXT NOT NULL DEFAULT 'queued',
	progress     INTEGER NOT NULL DEFAULT 0,
	current_step TEXT NOT NULL DEFAULT '',
	eta_seconds  INTEGER NOT NULL DEFAULT 0,
	request      JSONB NOT NULL,
	result       JSONB,
	error        TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at   TIMESTAMPTZ,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_updated_at ON jobs(updated_at);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, req model.AnalyzeRequest) (*model.Job, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal request")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, status, request, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		id, string(model.JobStatusQueued), reqJSON, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert job")
	}

	return &model.Job{
		ID:        id,
		Status:    model.JobStatusQueued,
		Request:   req,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, status, progress, current_step, eta_seconds, request, result, error, created_at, started_at, updated_at FROM jobs WHERE id = $1`,
		jobID,
	)
	j, err := scanPgJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "postgres: get job %s", jobID)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT id, status, progress, current_step, eta_seconds, request, result, error, created_at, started_at, updated_at FROM jobs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
		argIdx++
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanPgJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) MarkProcessing(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, started_at = $2, updated_at = $3
		 WHERE id = $4 AND status = ANY($5)`,
		string(model.JobStatusProcessing), now, now, jobID,
		statusStrings(transitionSources(model.JobStatusProcessing)),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark processing %s", jobID)
	}
	return s.checkTransition(ctx, tag, jobID)
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, jobID string, result *model.AnalysisResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal result")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, result = $2, progress = 100, current_step = '', eta_seconds = 0, updated_at = $3
		 WHERE id = $4 AND status = ANY($5)`,
		string(model.JobStatusCompleted), resultJSON, time.Now().UTC(), jobID,
		statusStrings(transitionSources(model.JobStatusCompleted)),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark completed %s", jobID)
	}
	return s.checkTransition(ctx, tag, jobID)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, jobID string, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, error = $2, updated_at = $3
		 WHERE id = $4 AND status = ANY($5)`,
		string(model.JobStatusFailed), errMsg, time.Now().UTC(), jobID,
		statusStrings(transitionSources(model.JobStatusFailed)),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark failed %s", jobID)
	}
	return s.checkTransition(ctx, tag, jobID)
}

func (s *PostgresStore) MarkCanceled(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, updated_at = $2
		 WHERE id = $3 AND status = ANY($4)`,
		string(model.JobStatusCanceled), time.Now().UTC(), jobID,
		statusStrings(transitionSources(model.JobStatusCanceled)),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark canceled %s", jobID)
	}
	return s.checkTransition(ctx, tag, jobID)
}

func (s *PostgresStore) UpdateProgress(ctx context.Context, jobID string, progress int, step string, etaSeconds int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET progress = $1, current_step = $2, eta_seconds = $3, updated_at = $4 WHERE id = $5 AND status = $6`,
		progress, step, etaSeconds, time.Now().UTC(), jobID, string(model.JobStatusProcessing),
	)
	return eris.Wrapf(err, "postgres: update progress %s", jobID)
}

func (s *PostgresStore) SweepStuck(ctx context.Context, cutoff time.Time, reason string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, error = $2, updated_at = $3
		 WHERE status = $4 AND updated_at <= $5`,
		string(model.JobStatusFailed), reason, time.Now().UTC(),
		string(model.JobStatusProcessing), cutoff,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: sweep stuck jobs")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM jobs WHERE status = ANY($1) AND updated_at <= $2`,
		[]string{
			string(model.JobStatusCompleted),
			string(model.JobStatusFailed),
			string(model.JobStatusCanceled),
		},
		cutoff,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete terminal jobs")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) checkTransition(ctx context.Context, tag pgconn.CommandTag, jobID string) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return ErrNotFound
	}
	return ErrIllegalTransition
}

func statusStrings(statuses []model.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func scanPgJob(row pgx.Row) (*model.Job, error) {
	var j model.Job
	var reqJSON []byte
	var resultJSON *[]byte
	var startedAt *time.Time

	err := row.Scan(&j.ID, &j.Status, &j.Progress, &j.CurrentStep, &j.ETASeconds,
		&reqJSON, &resultJSON, &j.Error, &j.CreatedAt, &startedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(reqJSON, &j.Request); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal request")
	}
	if resultJSON != nil {
		j.Result = &model.AnalysisResult{}
		if err := json.Unmarshal(*resultJSON, j.Result); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal result")
		}
	}
	j.StartedAt = startedAt
	return &j, nil
}
