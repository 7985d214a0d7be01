package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/pageforge/pageforge/agent-engine/pkg/models"
)

// PostgresStore is the production Store backed by PostgreSQL via pgxpool.
// Every operation is a single-row statement; no cross-row transactions are
// required by the engine's design.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the given database URL.
func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS audit_entries (
	id          TEXT PRIMARY KEY,
	agent_id    TEXT NOT NULL DEFAULT '',
	action      TEXT NOT NULL,
	target_type TEXT NOT NULL DEFAULT '',
	target_id   TEXT NOT NULL DEFAULT '',
	details     JSONB,
	reasoning   TEXT NOT NULL DEFAULT '',
	tokens_used BIGINT NOT NULL DEFAULT 0,
	cost        DOUBLE PRECISION NOT NULL DEFAULT 0,
	user_id     BIGINT NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_entries (created_at);
CREATE INDEX IF NOT EXISTS idx_audit_agent ON audit_entries (agent_id);

CREATE TABLE IF NOT EXISTS approvals (
	id          TEXT PRIMARY KEY,
	agent_id    TEXT NOT NULL,
	action      TEXT NOT NULL,
	params      JSONB,
	reasoning   TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	approved_by BIGINT NOT NULL DEFAULT 0,
	resolved_at TIMESTAMPTZ,
	created_at  TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals (status);

CREATE TABLE IF NOT EXISTS jobs (
	id             TEXT PRIMARY KEY,
	user_id        BIGINT NOT NULL,
	agent_id       TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	progress       INT NOT NULL DEFAULT 0,
	status_message TEXT NOT NULL DEFAULT '',
	processor      TEXT NOT NULL,
	input          JSONB,
	output         JSONB,
	error          TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs (user_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status, updated_at);

CREATE TABLE IF NOT EXISTS options (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS kv_cache (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS kv_counters (
	key        TEXT PRIMARY KEY,
	count      BIGINT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`

// Migrate applies the engine schema. Idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	log.Info().Msg("Postgres schema migrated")
	return nil
}

// ── Audit ───────────────────────────────────────────────────

func (s *PostgresStore) CreateAuditEntry(ctx context.Context, e *models.AuditEntry) error {
	details, _ := json.Marshal(e.Details)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_entries
			(id, agent_id, action, target_type, target_id, details, reasoning, tokens_used, cost, user_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		e.ID, e.AgentID, e.Action, e.TargetType, e.TargetID, details,
		e.Reasoning, e.TokensUsed, e.Cost, e.UserID, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func auditWhere(f models.AuditFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.AgentID != "" {
		add("agent_id = $%d", f.AgentID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.UserID != 0 {
		add("user_id = $%d", f.UserID)
	}
	if f.Before != nil {
		add("created_at < $%d", *f.Before)
	}
	if f.Since != nil {
		add("created_at >= $%d", *f.Since)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *PostgresStore) ListAuditEntries(ctx context.Context, f models.AuditFilter) ([]models.AuditEntry, error) {
	where, args := auditWhere(f)
	q := `SELECT id, agent_id, action, target_type, target_id, details, reasoning,
			tokens_used, cost, user_id, created_at FROM audit_entries` + where +
		` ORDER BY created_at DESC`
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var result []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var details []byte
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Action, &e.TargetType, &e.TargetID,
			&details, &e.Reasoning, &e.TokensUsed, &e.Cost, &e.UserID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if len(details) > 0 {
			_ = json.Unmarshal(details, &e.Details)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *PostgresStore) CountAuditEntries(ctx context.Context, f models.AuditFilter) (int64, error) {
	where, args := auditWhere(f)
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_entries`+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) DeleteAuditEntry(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM audit_entries WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete audit entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "audit entry", Key: id}
	}
	return nil
}

// ── Approvals ───────────────────────────────────────────────

func (s *PostgresStore) CreateApproval(ctx context.Context, item *models.ApprovalItem) error {
	params, _ := json.Marshal(item.Params)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO approvals
			(id, agent_id, action, params, reasoning, status, approved_by, resolved_at, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		item.ID, item.AgentID, item.Action, params, item.Reasoning,
		item.Status, item.ApprovedBy, item.ResolvedAt, item.CreatedAt, item.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

func scanApproval(row pgx.Row) (*models.ApprovalItem, error) {
	var item models.ApprovalItem
	var params []byte
	err := row.Scan(&item.ID, &item.AgentID, &item.Action, &params, &item.Reasoning,
		&item.Status, &item.ApprovedBy, &item.ResolvedAt, &item.CreatedAt, &item.ExpiresAt)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &item.Params)
	}
	return &item, nil
}

const approvalCols = `id, agent_id, action, params, reasoning, status, approved_by, resolved_at, created_at, expires_at`

func (s *PostgresStore) GetApproval(ctx context.Context, id string) (*models.ApprovalItem, error) {
	item, err := scanApproval(s.pool.QueryRow(ctx,
		`SELECT `+approvalCols+` FROM approvals WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, &ErrNotFound{Entity: "approval", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) UpdateApproval(ctx context.Context, item *models.ApprovalItem) error {
	params, _ := json.Marshal(item.Params)
	tag, err := s.pool.Exec(ctx, `
		UPDATE approvals SET status=$2, approved_by=$3, resolved_at=$4, params=$5, reasoning=$6
		WHERE id=$1`,
		item.ID, item.Status, item.ApprovedBy, item.ResolvedAt, params, item.Reasoning)
	if err != nil {
		return fmt.Errorf("update approval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "approval", Key: item.ID}
	}
	return nil
}

func (s *PostgresStore) ListApprovals(ctx context.Context, status models.ApprovalStatus, limit int) ([]models.ApprovalItem, error) {
	q := `SELECT ` + approvalCols + ` FROM approvals`
	var args []interface{}
	if status != "" {
		q += ` WHERE status = $1`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var result []models.ApprovalItem
	for rows.Next() {
		item, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		result = append(result, *item)
	}
	return result, rows.Err()
}

func (s *PostgresStore) DeleteApproval(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM approvals WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete approval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "approval", Key: id}
	}
	return nil
}

// ── Jobs ────────────────────────────────────────────────────

const jobCols = `id, user_id, agent_id, status, progress, status_message, processor, input, output, error, created_at, updated_at`

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	input, _ := json.Marshal(job.Input)
	output, _ := json.Marshal(job.Output)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (`+jobCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		job.ID, job.UserID, job.AgentID, job.Status, job.Progress, job.StatusMessage,
		job.Processor, input, output, job.Error, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var job models.Job
	var input, output []byte
	err := row.Scan(&job.ID, &job.UserID, &job.AgentID, &job.Status, &job.Progress,
		&job.StatusMessage, &job.Processor, &input, &output, &job.Error,
		&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(input) > 0 {
		_ = json.Unmarshal(input, &job.Input)
	}
	if len(output) > 0 {
		_ = json.Unmarshal(output, &job.Output)
	}
	return &job, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, &ErrNotFound{Entity: "job", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *models.Job) error {
	input, _ := json.Marshal(job.Input)
	output, _ := json.Marshal(job.Output)
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status=$2, progress=$3, status_message=$4, input=$5, output=$6,
			error=$7, updated_at=NOW()
		WHERE id=$1`,
		job.ID, job.Status, job.Progress, job.StatusMessage, input, output, job.Error)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "job", Key: job.ID}
	}
	return nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, f models.JobFilter) ([]models.Job, error) {
	var conds []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != 0 {
		add("user_id = $%d", f.UserID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.Before != nil {
		add("updated_at < $%d", *f.Before)
	}
	q := `SELECT ` + jobCols + ` FROM jobs`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var result []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		result = append(result, *job)
	}
	return result, rows.Err()
}

func (s *PostgresStore) DeleteJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "job", Key: id}
	}
	return nil
}

// ClaimJob relies on the conditional UPDATE for the at-most-once guard:
// only a pending row can move to processing.
func (s *PostgresStore) ClaimJob(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status=$2, updated_at=NOW()
		WHERE id=$1 AND status=$3`,
		id, models.JobProcessing, models.JobPending)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CancelJob mirrors ClaimJob from the other side: only a pending row can
// move to cancelled, so a cancellation can never overwrite a claimed job.
func (s *PostgresStore) CancelJob(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status=$2, updated_at=NOW()
		WHERE id=$1 AND status=$3`,
		id, models.JobCancelled, models.JobPending)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ── Options ─────────────────────────────────────────────────

func (s *PostgresStore) GetOption(ctx context.Context, key string) (string, error) {
	var v string
	err := s.pool.QueryRow(ctx, `SELECT value FROM options WHERE key = $1`, key).Scan(&v)
	if err == pgx.ErrNoRows {
		return "", &ErrNotFound{Entity: "option", Key: key}
	}
	if err != nil {
		return "", fmt.Errorf("get option: %w", err)
	}
	return v, nil
}

func (s *PostgresStore) SetOption(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO options (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	if err != nil {
		return fmt.Errorf("set option: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteOption(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM options WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("delete option: %w", err)
	}
	return nil
}

// ── KV Cache ────────────────────────────────────────────────

func (s *PostgresStore) CacheGet(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM kv_cache WHERE key = $1 AND expires_at > NOW()`, key).Scan(&value)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	return value, true, nil
}

func (s *PostgresStore) CacheSet(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO kv_cache (key, value, expires_at) VALUES ($1, $2, NOW() + $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, value, ttl)
	if err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

func (s *PostgresStore) CacheDelete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM kv_cache WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

func (s *PostgresStore) CacheDeletePrefix(ctx context.Context, prefix string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM kv_cache WHERE key LIKE $1 || '%'`, prefix)
	if err != nil {
		return 0, fmt.Errorf("cache delete prefix: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CacheIncr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	// Expired windows restart at 1 with a fresh expiry; live windows keep
	// their original expiry (fixed-window semantics).
	var count int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO kv_counters (key, count, expires_at) VALUES ($1, 1, NOW() + $2)
		ON CONFLICT (key) DO UPDATE SET
			count      = CASE WHEN kv_counters.expires_at <= NOW() THEN 1 ELSE kv_counters.count + 1 END,
			expires_at = CASE WHEN kv_counters.expires_at <= NOW() THEN NOW() + $2 ELSE kv_counters.expires_at END
		RETURNING count`, key, ttl).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("cache incr: %w", err)
	}
	return count, nil
}
