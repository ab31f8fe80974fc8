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

	"github.com/bluefxvideo/bluefx-app-sub009/pkg/models"
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

// --- API Keys ---

const apiKeyColumns = `id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at`

func scanAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	return scanAPIKeys(rows)
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
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE deleted_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return scanAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Jobs ---

const jobColumns = `id, batch_id, external_id, tool_kind, status, owner_user_id, input_snapshot, output,
	expected_outputs, needs_upscale, progress, chained_from, chains_to, credit_cost,
	credits_reserved, credits_settled, credits_refunded, settlement_error, failure_reason,
	error_message, completed_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j        models.Job
		snapshot []byte
		output   []byte
	)
	err := row.Scan(&j.ID, &j.BatchID, &j.ExternalID, &j.ToolKind, &j.Status, &j.OwnerUserID,
		&snapshot, &output, &j.ExpectedOutputs, &j.NeedsUpscale, &j.Progress, &j.ChainedFrom,
		&j.ChainsTo, &j.CreditCost, &j.CreditsReserved, &j.CreditsSettled, &j.CreditsRefunded,
		&j.SettlementError, &j.FailureReason, &j.ErrorMessage, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &j.InputSnapshot); err != nil {
			return nil, fmt.Errorf("decode input snapshot: %w", err)
		}
	}
	if len(output) > 0 && string(output) != "null" {
		j.Output = &models.Result{}
		if err := json.Unmarshal(output, j.Output); err != nil {
			return nil, fmt.Errorf("decode output: %w", err)
		}
	}
	return &j, nil
}

func scanJobs(rows pgx.Rows) ([]*models.Job, error) {
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) queryJob(ctx context.Context, op, where string, args ...any) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE `+where, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	snapshot, err := json.Marshal(job.InputSnapshot)
	if err != nil {
		return fmt.Errorf("encode input snapshot: %w", err)
	}
	if job.InputSnapshot == nil {
		snapshot = []byte("{}")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, batch_id, external_id, tool_kind, status, owner_user_id, input_snapshot,
		   expected_outputs, needs_upscale, progress, chained_from, credit_cost, credits_reserved,
		   created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		job.ID, job.BatchID, job.ExternalID, job.ToolKind, job.Status, job.OwnerUserID, string(snapshot),
		job.ExpectedOutputs, job.NeedsUpscale, job.Progress, job.ChainedFrom, job.CreditCost,
		job.CreditsReserved, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return s.queryJob(ctx, "get job", `id = $1`, id)
}

func (s *PostgresStore) ListJobsByBatch(ctx context.Context, batchID string) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE batch_id = $1 ORDER BY created_at`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list jobs by batch: %w", err)
	}
	return scanJobs(rows)
}

func (s *PostgresStore) GetChainedJob(ctx context.Context, parent uuid.UUID) (*models.Job, error) {
	return s.queryJob(ctx, "get chained job", `chained_from = $1`, parent)
}

func (s *PostgresStore) Resolve(ctx context.Context, q ResolveQuery) (*models.Job, error) {
	if q.ExternalID != "" {
		j, err := s.queryJob(ctx, "resolve by external id",
			`external_id = $1 ORDER BY created_at DESC LIMIT 1`, q.ExternalID)
		if !errors.Is(err, ErrNotFound) {
			return j, err
		}
	}

	if q.InternalID != nil {
		j, err := s.GetJob(ctx, *q.InternalID)
		if !errors.Is(err, ErrNotFound) {
			return j, err
		}
	}

	if q.BatchID != "" {
		j, err := s.queryJob(ctx, "resolve by batch id",
			`batch_id = $1 ORDER BY created_at DESC LIMIT 1`, q.BatchID)
		if !errors.Is(err, ErrNotFound) {
			return j, err
		}
	}

	if q.ExternalID == "" {
		return nil, ErrNotFound
	}

	since := time.Now().UTC().Add(-q.Lookback)
	return s.queryJob(ctx, "resolve by input snapshot",
		`created_at >= $2 AND strpos(input_snapshot::text, $1) > 0 ORDER BY created_at DESC LIMIT 1`,
		q.ExternalID, since)
}

func (s *PostgresStore) MarkSubmitted(ctx context.Context, id uuid.UUID, externalID string, setExternal bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET
		   external_id = CASE WHEN $3 THEN $2 ELSE external_id END,
		   input_snapshot = jsonb_set(input_snapshot, '{prediction_ids}',
		     COALESCE(input_snapshot->'prediction_ids', '[]'::jsonb) || to_jsonb($2::text)),
		   status = CASE WHEN status = 'queued' THEN 'submitted' ELSE status END,
		   updated_at = NOW()
		 WHERE id = $1`, id, externalID, setExternal)
	if err != nil {
		return fmt.Errorf("mark submitted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateJobStatus applies a conditional transition: the write only lands if the
// row is currently in a state from which status is reachable.
func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus, opts ...JobUpdateOption) error {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	from := Predecessors(status)
	if len(from) == 0 {
		return fmt.Errorf("%w: nothing transitions to %s", ErrInvalidTransition, status)
	}

	query := `UPDATE jobs SET status = $2, updated_at = NOW()`
	args := []any{id, status, from}
	argIdx := 4

	if status.Terminal() {
		query += ", completed_at = NOW()"
	}
	if status == models.JobStatusSucceeded && params.Progress == nil {
		query += ", progress = 100"
	}
	if params.ErrorMessage != nil {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *params.ErrorMessage)
		argIdx++
	}
	if params.FailureReason != nil {
		query += fmt.Sprintf(", failure_reason = $%d", argIdx)
		args = append(args, *params.FailureReason)
		argIdx++
	}
	if params.Output != nil {
		b, err := json.Marshal(params.Output)
		if err != nil {
			return fmt.Errorf("encode output: %w", err)
		}
		query += fmt.Sprintf(", output = $%d", argIdx)
		args = append(args, string(b))
		argIdx++
	}
	if params.Progress != nil {
		query += fmt.Sprintf(", progress = $%d", argIdx)
		args = append(args, *params.Progress)
		argIdx++
	}

	query += " WHERE id = $1 AND status = ANY($3)"

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id, status)
	}
	return nil
}

func (s *PostgresStore) transitionError(ctx context.Context, id uuid.UUID, target models.JobStatus) error {
	var current models.JobStatus
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, target)
}

// UpdateProgress sets progress on a non-terminal job.
func (s *PostgresStore) UpdateProgress(ctx context.Context, id uuid.UUID, progress int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET progress = $2, updated_at = NOW()
		 WHERE id = $1 AND status NOT IN ('succeeded', 'failed', 'canceled')`, id, progress)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

func (s *PostgresStore) ChainJob(ctx context.Context, id uuid.UUID, chainsTo string, output *models.Result) error {
	b, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET
		   status = 'processing',
		   chains_to = $2,
		   output = $3,
		   progress = 50,
		   input_snapshot = jsonb_set(input_snapshot, '{upscale_prediction_id}', to_jsonb($2::text)),
		   updated_at = NOW()
		 WHERE id = $1 AND status = 'accepted' AND chains_to IS NULL`, id, chainsTo, string(b))
	if err != nil {
		return fmt.Errorf("chain job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	j, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if j.ChainsTo != nil {
		return ErrAlreadyChained
	}
	return fmt.Errorf("%w: %s -> processing", ErrInvalidTransition, j.Status)
}

// --- Deliveries ---

func (s *PostgresStore) ClaimDelivery(ctx context.Context, id uuid.UUID, externalID string) (bool, bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO job_deliveries (job_id, external_id) VALUES ($1, $2)
		 ON CONFLICT (job_id, external_id) DO NOTHING`, id, externalID)
	if err != nil {
		return false, false, fmt.Errorf("claim delivery: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, false, nil
	}

	var done bool
	err = s.pool.QueryRow(ctx,
		`SELECT completed FROM job_deliveries WHERE job_id = $1 AND external_id = $2`,
		id, externalID).Scan(&done)
	if errors.Is(err, pgx.ErrNoRows) {
		// Released between the insert and the read; let the caller retry later.
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("read delivery: %w", err)
	}
	return false, done, nil
}

func (s *PostgresStore) CompleteDelivery(ctx context.Context, id uuid.UUID, externalID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE job_deliveries SET completed = TRUE, completed_at = NOW()
		 WHERE job_id = $1 AND external_id = $2`, id, externalID)
	if err != nil {
		return fmt.Errorf("complete delivery: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReleaseDelivery(ctx context.Context, id uuid.UUID, externalID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM job_deliveries WHERE job_id = $1 AND external_id = $2 AND NOT completed`,
		id, externalID)
	if err != nil {
		return fmt.Errorf("release delivery: %w", err)
	}
	return nil
}

// --- Outputs ---

func (s *PostgresStore) AddOutput(ctx context.Context, out *models.JobOutput) (bool, error) {
	asset, err := json.Marshal(out.Asset)
	if err != nil {
		return false, fmt.Errorf("encode asset: %w", err)
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now().UTC()
	}

	// FOR SHARE holds off a concurrent cancel until the item is written.
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO job_outputs (job_id, item_key, external_id, asset, created_at)
		 SELECT id, $2::text, $3::text, $4::jsonb, $5::timestamptz FROM jobs
		 WHERE id = $1 AND status NOT IN ('succeeded', 'failed', 'canceled')
		 FOR SHARE
		 ON CONFLICT (job_id, item_key) DO NOTHING`,
		out.JobID, out.ItemKey, out.ExternalID, string(asset), out.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("add output: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var status models.JobStatus
	err = s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, out.JobID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("add output: %w", err)
	}
	if status.Terminal() {
		return false, fmt.Errorf("%w: %s", ErrJobClosed, status)
	}
	return false, nil
}

func (s *PostgresStore) CountOutputs(ctx context.Context, id uuid.UUID) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM job_outputs WHERE job_id = $1`, id).Scan(&n); err != nil {
		return 0, fmt.Errorf("count outputs: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ListOutputs(ctx context.Context, id uuid.UUID) ([]*models.JobOutput, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT job_id, item_key, external_id, asset, created_at
		 FROM job_outputs WHERE job_id = $1 ORDER BY created_at, item_key`, id)
	if err != nil {
		return nil, fmt.Errorf("list outputs: %w", err)
	}
	defer rows.Close()

	var outs []*models.JobOutput
	for rows.Next() {
		var (
			o     models.JobOutput
			asset []byte
		)
		if err := rows.Scan(&o.JobID, &o.ItemKey, &o.ExternalID, &asset, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan output: %w", err)
		}
		if err := json.Unmarshal(asset, &o.Asset); err != nil {
			return nil, fmt.Errorf("decode asset: %w", err)
		}
		outs = append(outs, &o)
	}
	return outs, rows.Err()
}

// --- Credits ---

func (s *PostgresStore) ClaimCreditSettlement(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET credits_settled = TRUE, updated_at = NOW()
		 WHERE id = $1 AND credits_settled = FALSE`, id)
	if err != nil {
		return false, fmt.Errorf("claim credit settlement: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) MarkCreditsReserved(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET credits_reserved = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark credits reserved: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ClaimCreditRefund(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET credits_refunded = TRUE, updated_at = NOW()
		 WHERE id = $1 AND credits_reserved = TRUE AND credits_refunded = FALSE`, id)
	if err != nil {
		return false, fmt.Errorf("claim credit refund: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) FlagSettlementError(ctx context.Context, id uuid.UUID, msg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET settlement_error = $2, updated_at = NOW() WHERE id = $1`, id, msg)
	if err != nil {
		return fmt.Errorf("flag settlement error: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClearSettlementError(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET settlement_error = NULL, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("clear settlement error: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListUnsettled(ctx context.Context, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE settlement_error IS NOT NULL
		 ORDER BY updated_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unsettled: %w", err)
	}
	return scanJobs(rows)
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
