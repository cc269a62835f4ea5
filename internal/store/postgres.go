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
	"github.com/kiranshivaraju/promptflow/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Users ---

func (s *PostgresStore) GetDefaultUser(ctx context.Context) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at, updated_at FROM users WHERE name = 'default' LIMIT 1`,
	).Scan(&u.ID, &u.Name, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get default user: %w", err)
	}
	return &u, nil
}

// --- API Keys ---

const apiKeyColumns = `id, user_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at`

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	return collectAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, user_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.UserID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE user_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return collectAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`, id, userID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func collectAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// --- Templates ---

func (s *PostgresStore) GetTemplateName(ctx context.Context, id uuid.UUID) (string, error) {
	var name string
	err := s.pool.QueryRow(ctx, `SELECT name FROM templates WHERE id = $1`, id).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get template name: %w", err)
	}
	return name, nil
}

// --- Jobs ---

const jobSelect = `SELECT j.id, j.user_id, j.template_id, t.name, j.name, j.status, j.config, j.input_data,
	j.results, j.logs, j.token_usage, j.execution_id, j.started_at, j.completed_at, j.created_at, j.updated_at
	FROM jobs j LEFT JOIN templates t ON t.id = j.template_id`

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	config, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("encode job config: %w", err)
	}
	inputs, err := marshalList(job.InputData)
	if err != nil {
		return fmt.Errorf("encode job input: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, user_id, template_id, name, status, config, input_data, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.UserID, job.TemplateID, job.Name, job.Status, config, inputs, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return scanJob(s.pool.QueryRow(ctx, jobSelect+` WHERE j.id = $1`, id))
}

// GetJobForUser returns ErrNotFound both for missing jobs and jobs owned by someone else.
func (s *PostgresStore) GetJobForUser(ctx context.Context, id uuid.UUID, userID uuid.UUID) (*models.Job, error) {
	return scanJob(s.pool.QueryRow(ctx, jobSelect+` WHERE j.id = $1 AND j.user_id = $2`, id, userID))
}

func (s *PostgresStore) ListJobs(ctx context.Context, userID uuid.UUID, limit int) ([]*models.JobSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	rows, err := s.pool.Query(ctx,
		`SELECT j.id, j.name, t.name, j.status, jsonb_array_length(j.input_data), jsonb_array_length(j.results),
		        j.token_usage, j.started_at, j.completed_at, j.created_at
		 FROM jobs j LEFT JOIN templates t ON t.id = j.template_id
		 WHERE j.user_id = $1
		 ORDER BY j.created_at DESC
		 LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	summaries := []*models.JobSummary{}
	for rows.Next() {
		var js models.JobSummary
		if err := rows.Scan(&js.ID, &js.Name, &js.TemplateName, &js.Status, &js.ItemsTotal, &js.ItemsCompleted,
			&js.TokenUsage, &js.StartedAt, &js.CompletedAt, &js.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job summary: %w", err)
		}
		summaries = append(summaries, &js)
	}
	return summaries, rows.Err()
}

// UpdateJobStatus moves a job to status if the transition from its current
// status is allowed. The check and the write happen in one statement, so two
// concurrent updates cannot both succeed from the same source status.
func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	params := ResolveUpdateOptions(opts...)

	from := sourcesFor(status)
	if len(from) == 0 {
		return fmt.Errorf("%w: nothing may move to %q", ErrInvalidTransition, status)
	}

	now := time.Now().UTC()
	query := `UPDATE jobs SET status = $2, updated_at = $3`
	args := []any{id, status, now, from}
	argIdx := 5

	if status == models.JobStatusRunning {
		query += ", started_at = $3"
	}
	if models.IsTerminalStatus(status) {
		query += ", completed_at = $3"
	}
	if params.LogLine != nil {
		query += fmt.Sprintf(", logs = logs || jsonb_build_array($%d::text)", argIdx)
		args = append(args, *params.LogLine)
		argIdx++
	}
	if params.ExecutionID != nil {
		query += fmt.Sprintf(", execution_id = $%d", argIdx)
		args = append(args, *params.ExecutionID)
	}

	query += " WHERE id = $1 AND status = ANY($4)"

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.explainMiss(ctx, id, status)
	}
	return nil
}

// SaveJobOutcome commits the final results of a running job in one statement.
// A job that is no longer running (for example cancelled meanwhile) is left untouched.
func (s *PostgresStore) SaveJobOutcome(ctx context.Context, id uuid.UUID, outcome JobOutcome) error {
	if outcome.Status != models.JobStatusCompleted && outcome.Status != models.JobStatusFailed {
		return fmt.Errorf("%w: outcome status %q", ErrInvalidTransition, outcome.Status)
	}
	results, err := marshalList(outcome.Results)
	if err != nil {
		return fmt.Errorf("encode job results: %w", err)
	}

	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $2, results = $3, token_usage = $4, name = COALESCE(name, $5),
		        completed_at = $6, updated_at = $6
		 WHERE id = $1 AND status = 'running'`,
		id, outcome.Status, results, outcome.TokenUsage, outcome.Name, now)
	if err != nil {
		return fmt.Errorf("save job outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.explainMiss(ctx, id, outcome.Status)
	}
	return nil
}

// ApplyCallback records results reported by a delegated engine. Callbacks are
// cumulative and may repeat. A cancelled job ignores them, and a finished job
// cannot be moved back to running.
func (s *PostgresStore) ApplyCallback(ctx context.Context, id uuid.UUID, update CallbackUpdate) error {
	results, err := marshalList(update.Results)
	if err != nil {
		return fmt.Errorf("encode job results: %w", err)
	}

	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $2, results = $3, token_usage = $4, name = COALESCE(name, $5),
		        execution_id = COALESCE($6, execution_id),
		        started_at = COALESCE(started_at, $7),
		        completed_at = CASE WHEN $2 IN ('completed', 'failed') THEN COALESCE(completed_at, $7) ELSE NULL END,
		        updated_at = $7
		 WHERE id = $1
		   AND (status IN ('pending', 'running')
		        OR (status IN ('completed', 'failed') AND $2 IN ('completed', 'failed')))`,
		id, update.Status, results, update.TokenUsage, update.Name, update.ExecutionID, now)
	if err != nil {
		return fmt.Errorf("apply callback: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.explainMiss(ctx, id, update.Status)
	}
	return nil
}

// TouchJob bumps updated_at of a running job. Jobs in any other status are
// left alone.
func (s *PostgresStore) TouchJob(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET updated_at = $2 WHERE id = $1 AND status = 'running'`,
		id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("touch job: %w", err)
	}
	return nil
}

// FailStaleJobs fails jobs nobody is making progress on, such as jobs of a
// server that stopped mid-run or of a worker whose callbacks never arrived.
func (s *PostgresStore) FailStaleJobs(ctx context.Context, staleBefore time.Time, logLine string) ([]uuid.UUID, error) {
	now := time.Now().UTC()
	rows, err := s.pool.Query(ctx,
		`UPDATE jobs SET status = 'failed', completed_at = $2, updated_at = $2,
		        logs = logs || jsonb_build_array($3::text)
		 WHERE status = ANY($4) AND updated_at < $1
		 RETURNING id`,
		staleBefore, now, logLine, sourcesFor(models.JobStatusFailed))
	if err != nil {
		return nil, fmt.Errorf("fail stale jobs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("fail stale jobs: %w", err)
	}
	return ids, nil
}

// explainMiss turns a guarded UPDATE that matched nothing into ErrNotFound or
// ErrInvalidTransition.
func (s *PostgresStore) explainMiss(ctx context.Context, id uuid.UUID, target string) error {
	var current string
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, target)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	var config, inputs, results, logs []byte
	err := row.Scan(&j.ID, &j.UserID, &j.TemplateID, &j.TemplateName, &j.Name, &j.Status, &config, &inputs, &results, &logs,
		&j.TokenUsage, &j.ExecutionID, &j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}

	if err := json.Unmarshal(config, &j.Config); err != nil {
		return nil, fmt.Errorf("decode job config: %w", err)
	}
	if err := json.Unmarshal(inputs, &j.InputData); err != nil {
		return nil, fmt.Errorf("decode job input: %w", err)
	}
	if err := json.Unmarshal(results, &j.Results); err != nil {
		return nil, fmt.Errorf("decode job results: %w", err)
	}
	if err := json.Unmarshal(logs, &j.Logs); err != nil {
		return nil, fmt.Errorf("decode job logs: %w", err)
	}
	return &j, nil
}

// marshalList encodes a slice as a JSON array, never as null.
func marshalList[T any](items []T) ([]byte, error) {
	if items == nil {
		items = []T{}
	}
	return json.Marshal(items)
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
