package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/caselens/citeminer/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL DEFAULT 'queued',
	progress     INTEGER NOT NULL DEFAULT 0,
	current_step TEXT NOT NULL DEFAULT '',
	eta_seconds  INTEGER NOT NULL DEFAULT 0,
	request      TEXT NOT NULL,
	result       TEXT,
	error        TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL,
	started_at   DATETIME,
	updated_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_updated_at ON jobs(updated_at);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateJob(ctx context.Context, req model.AnalyzeRequest) (*model.Job, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal request")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, status, request, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, string(model.JobStatusQueued), string(reqJSON), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert job")
	}

	return &model.Job{
		ID:        id,
		Status:    model.JobStatusQueued,
		Request:   req,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, progress, current_step, eta_seconds, request, result, error,
		        created_at, started_at, updated_at
		 FROM jobs WHERE id = ?`,
		jobID,
	)
	return scanJob(row)
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT id, status, progress, current_step, eta_seconds, request, result, error,
	                 created_at, started_at, updated_at
	          FROM jobs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) MarkProcessing(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, started_at = ?, updated_at = ? WHERE id = ? AND status IN (`+
			placeholders(transitionSources(model.JobStatusProcessing))+`)`,
		append([]any{string(model.JobStatusProcessing), now, now, jobID},
			statusArgs(transitionSources(model.JobStatusProcessing))...)...,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark processing %s", jobID)
	}
	return s.checkTransition(ctx, res, jobID)
}

func (s *SQLiteStore) MarkCompleted(ctx context.Context, jobID string, result *model.AnalysisResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal result")
	}
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, result = ?, progress = 100, current_step = '', eta_seconds = 0, updated_at = ?
		 WHERE id = ? AND status IN (`+placeholders(transitionSources(model.JobStatusCompleted))+`)`,
		append([]any{string(model.JobStatusCompleted), string(resultJSON), now, jobID},
			statusArgs(transitionSources(model.JobStatusCompleted))...)...,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark completed %s", jobID)
	}
	return s.checkTransition(ctx, res, jobID)
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, jobID string, errMsg string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = ?, updated_at = ?
		 WHERE id = ? AND status IN (`+placeholders(transitionSources(model.JobStatusFailed))+`)`,
		append([]any{string(model.JobStatusFailed), errMsg, now, jobID},
			statusArgs(transitionSources(model.JobStatusFailed))...)...,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark failed %s", jobID)
	}
	return s.checkTransition(ctx, res, jobID)
}

func (s *SQLiteStore) MarkCanceled(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ?
		 WHERE id = ? AND status IN (`+placeholders(transitionSources(model.JobStatusCanceled))+`)`,
		append([]any{string(model.JobStatusCanceled), now, jobID},
			statusArgs(transitionSources(model.JobStatusCanceled))...)...,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark canceled %s", jobID)
	}
	return s.checkTransition(ctx, res, jobID)
}

func (s *SQLiteStore) UpdateProgress(ctx context.Context, jobID string, progress int, step string, etaSeconds int) error {
	// Progress only applies to a live job; a terminal job silently ignores
	// late updates from its worker.
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET progress = ?, current_step = ?, eta_seconds = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		progress, step, etaSeconds, time.Now().UTC(), jobID, string(model.JobStatusProcessing),
	)
	return eris.Wrapf(err, "sqlite: update progress %s", jobID)
}

func (s *SQLiteStore) SweepStuck(ctx context.Context, cutoff time.Time, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = ?, updated_at = ?
		 WHERE status = ? AND updated_at <= ?`,
		string(model.JobStatusFailed), reason, time.Now().UTC(),
		string(model.JobStatusProcessing), cutoff,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: sweep stuck jobs")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN (?, ?, ?) AND updated_at <= ?`,
		string(model.JobStatusCompleted), string(model.JobStatusFailed), string(model.JobStatusCanceled),
		cutoff,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete terminal jobs")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// checkTransition distinguishes a missing job from an illegal transition when
// a guarded update touched no rows.
func (s *SQLiteStore) checkTransition(ctx context.Context, res sql.Result, jobID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return ErrNotFound
	}
	return ErrIllegalTransition
}

// helpers

func placeholders(statuses []model.JobStatus) string {
	return strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
}

func statusArgs(statuses []model.JobStatus) []any {
	out := make([]any, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*model.Job, error) {
	var j model.Job
	var reqJSON string
	var resultJSON sql.NullString
	var startedAt sql.NullTime

	err := row.Scan(&j.ID, &j.Status, &j.Progress, &j.CurrentStep, &j.ETASeconds,
		&reqJSON, &resultJSON, &j.Error, &j.CreatedAt, &startedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan job")
	}

	if err := json.Unmarshal([]byte(reqJSON), &j.Request); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal request")
	}
	if resultJSON.Valid {
		j.Result = &model.AnalysisResult{}
		if err := json.Unmarshal([]byte(resultJSON.String), j.Result); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal result")
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	return &j, nil
}
