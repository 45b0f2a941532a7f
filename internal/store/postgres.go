package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kiranshivaraju/scanpoll/pkg/models"
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

// --- Analyses ---

const analysisColumns = `job_id, subject_id, modality, body_part, state, status, cached, results, error_message,
	failure_reason, message, attempts, retry_of, job_created_at, job_started_at, job_completed_at, created_at, updated_at`

// analysisRow mirrors one analysis_jobs row.
type analysisRow struct {
	JobID          string
	SubjectID      string
	Modality       string
	BodyPart       string
	State          string
	Status         string
	Cached         bool
	Results        []byte
	ErrorMessage   *string
	FailureReason  string
	Message        string
	Attempts       int
	RetryOf        *string
	JobCreatedAt   *time.Time
	JobStartedAt   *time.Time
	JobCompletedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (r *analysisRow) scanTargets() []any {
	return []any{&r.JobID, &r.SubjectID, &r.Modality, &r.BodyPart, &r.State, &r.Status, &r.Cached,
		&r.Results, &r.ErrorMessage, &r.FailureReason, &r.Message, &r.Attempts, &r.RetryOf,
		&r.JobCreatedAt, &r.JobStartedAt, &r.JobCompletedAt, &r.CreatedAt, &r.UpdatedAt}
}

func (r *analysisRow) record() (*models.AnalysisRecord, error) {
	rec := &models.AnalysisRecord{
		Snapshot: models.Snapshot{
			State:         models.AnalysisState(r.State),
			FailureReason: models.FailureReason(r.FailureReason),
			Message:       r.Message,
			Attempts:      r.Attempts,
			UpdatedAt:     r.UpdatedAt,
			Job: &models.Job{
				ID:          r.JobID,
				SubjectID:   r.SubjectID,
				Modality:    r.Modality,
				BodyPart:    r.BodyPart,
				Status:      models.JobStatus(r.Status),
				Cached:      r.Cached,
				Error:       r.ErrorMessage,
				CreatedAt:   r.JobCreatedAt,
				StartedAt:   r.JobStartedAt,
				CompletedAt: r.JobCompletedAt,
			},
		},
		CreatedAt: r.CreatedAt,
	}
	if r.RetryOf != nil {
		rec.RetryOf = *r.RetryOf
	}
	if len(r.Results) > 0 {
		var res models.Results
		if err := json.Unmarshal(r.Results, &res); err != nil {
			return nil, fmt.Errorf("decode results: %w", err)
		}
		rec.Job.Results = &res
	}
	req := models.JobRequest{SubjectID: r.SubjectID, Modality: r.Modality, BodyPart: r.BodyPart}
	if req.Validate() == nil {
		rec.Request = &req
	}
	return rec, nil
}

func (s *PostgresStore) SaveAnalysis(ctx context.Context, rec *models.AnalysisRecord) error {
	job := rec.Job
	if job == nil || job.ID == "" {
		return errors.New("save analysis: record has no job id")
	}

	var results []byte
	if job.Results != nil {
		b, err := json.Marshal(job.Results)
		if err != nil {
			return fmt.Errorf("encode results: %w", err)
		}
		results = b
	}

	subject, modality, bodyPart := job.SubjectID, job.Modality, job.BodyPart
	if rec.Request != nil {
		subject, modality, bodyPart = rec.Request.SubjectID, rec.Request.Modality, rec.Request.BodyPart
	}
	var retryOf *string
	if rec.RetryOf != "" {
		retryOf = &rec.RetryOf
	}
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO analysis_jobs (job_id, subject_id, modality, body_part, state, status, cached, results,
			   error_message, failure_reason, message, attempts, retry_of, job_created_at, job_started_at,
			   job_completed_at, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $17)
			 ON CONFLICT (job_id) DO UPDATE SET
			   subject_id = EXCLUDED.subject_id,
			   modality = EXCLUDED.modality,
			   body_part = EXCLUDED.body_part,
			   state = EXCLUDED.state,
			   status = EXCLUDED.status,
			   cached = EXCLUDED.cached,
			   results = EXCLUDED.results,
			   error_message = EXCLUDED.error_message,
			   failure_reason = EXCLUDED.failure_reason,
			   message = EXCLUDED.message,
			   attempts = EXCLUDED.attempts,
			   retry_of = COALESCE(analysis_jobs.retry_of, EXCLUDED.retry_of),
			   job_created_at = EXCLUDED.job_created_at,
			   job_started_at = EXCLUDED.job_started_at,
			   job_completed_at = EXCLUDED.job_completed_at,
			   updated_at = EXCLUDED.updated_at`,
			job.ID, subject, modality, bodyPart, string(rec.State), string(job.Status), job.Cached, results,
			job.Error, string(rec.FailureReason), rec.Message, rec.Attempts, retryOf,
			job.CreatedAt, job.StartedAt, job.CompletedAt, updated)
		if err != nil {
			return fmt.Errorf("upsert analysis: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO analysis_events (job_id, state, status, message, attempts, recorded_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			job.ID, string(rec.State), string(job.Status), rec.Message, rec.Attempts, updated)
		if err != nil {
			return fmt.Errorf("append analysis event: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) GetAnalysis(ctx context.Context, jobID string) (*models.AnalysisRecord, error) {
	var row analysisRow
	err := s.pool.QueryRow(ctx,
		`SELECT `+analysisColumns+` FROM analysis_jobs WHERE job_id = $1`, jobID,
	).Scan(row.scanTargets()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis: %w", err)
	}
	return row.record()
}

func (s *PostgresStore) ListAnalyses(ctx context.Context, filter AnalysisFilter) ([]*models.AnalysisRecord, int, error) {
	conditions := []string{"TRUE"}
	var args []any
	argIdx := 1

	if filter.SubjectID != "" {
		conditions = append(conditions, fmt.Sprintf("subject_id = $%d", argIdx))
		args = append(args, filter.SubjectID)
		argIdx++
	}
	if filter.State != "" {
		conditions = append(conditions, fmt.Sprintf("state = $%d", argIdx))
		args = append(args, string(filter.State))
		argIdx++
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, fmt.Sprintf("updated_at >= $%d", argIdx))
		args = append(args, filter.Since)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM analysis_jobs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count analyses: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	query := fmt.Sprintf(`SELECT %s FROM analysis_jobs WHERE %s ORDER BY updated_at DESC LIMIT $%d OFFSET $%d`,
		analysisColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()

	var recs []*models.AnalysisRecord
	for rows.Next() {
		var row analysisRow
		if err := rows.Scan(row.scanTargets()...); err != nil {
			return nil, 0, fmt.Errorf("scan analysis: %w", err)
		}
		rec, err := row.record()
		if err != nil {
			return nil, 0, err
		}
		recs = append(recs, rec)
	}
	return recs, total, rows.Err()
}

func (s *PostgresStore) ListAnalysisEvents(ctx context.Context, jobID string) ([]*models.AnalysisEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT job_id, state, status, message, attempts, recorded_at
		 FROM analysis_events WHERE job_id = $1 ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list analysis events: %w", err)
	}
	defer rows.Close()

	var events []*models.AnalysisEvent
	for rows.Next() {
		var e models.AnalysisEvent
		var state, status string
		if err := rows.Scan(&e.JobID, &state, &status, &e.Message, &e.Attempts, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan analysis event: %w", err)
		}
		e.State = models.AnalysisState(state)
		e.Status = models.JobStatus(status)
		events = append(events, &e)
	}
	return events, rows.Err()
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
