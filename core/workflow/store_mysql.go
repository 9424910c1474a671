package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

const mysqlDuplicateEntry = 1062

// MySQLStore implements Store on a relational schema. Compare-and-set is the
// natural UPDATE … WHERE status = ? and idempotent step creation rides the
// unique_hash constraint.
type MySQLStore struct {
	db *sql.DB
}

type mysqlConfig struct {
	driver string
	dsn    string
	db     *sql.DB
}

// MySQLOption configures a MySQLStore.
type MySQLOption func(*mysqlConfig)

// WithDSN sets the MySQL data source name.
func WithDSN(dsn string) MySQLOption {
	return func(c *mysqlConfig) { c.dsn = dsn }
}

// WithDriver overrides the SQL driver name. Ignored when WithDB is used.
func WithDriver(driver string) MySQLOption {
	return func(c *mysqlConfig) { c.driver = driver }
}

// WithDB supplies an existing handle instead of opening one.
func WithDB(db *sql.DB) MySQLOption {
	return func(c *mysqlConfig) { c.db = db }
}

// NewMySQLStore opens (or adopts) a MySQL connection.
func NewMySQLStore(opts ...MySQLOption) (*MySQLStore, error) {
	cfg := &mysqlConfig{driver: "mysql"}
	for _, opt := range opts {
		opt(cfg)
	}
	db := cfg.db
	if db == nil {
		var err error
		db, err = sql.Open(cfg.driver, cfg.dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return &MySQLStore{db: db}, nil
}

// Close closes the database handle.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

// MySQLSchema is the DDL for the engine's two entities plus the timeline and
// lock tables. Applied by deployment tooling, not by the store.
const MySQLSchema = `
CREATE TABLE IF NOT EXISTS workflows (
    id              VARCHAR(64)  NOT NULL,
    kind            VARCHAR(64)  NOT NULL,
    status          VARCHAR(16)  NOT NULL,
    client_id       VARCHAR(64)  NULL,
    chain_id        VARCHAR(64)  NULL,
    request_params  JSON         NULL,
    abort_requested TINYINT(1)   NOT NULL DEFAULT 0,
    created_at      TIMESTAMP(6) NOT NULL,
    updated_at      TIMESTAMP(6) NOT NULL,
    PRIMARY KEY (id)
);

CREATE TABLE IF NOT EXISTS workflow_steps (
    id               VARCHAR(64)  NOT NULL,
    workflow_id      VARCHAR(64)  NOT NULL,
    kind             VARCHAR(96)  NOT NULL,
    status           VARCHAR(16)  NOT NULL,
    unique_hash      CHAR(64)     NOT NULL,
    attempt          INT          NOT NULL DEFAULT 0,
    seq              BIGINT       NOT NULL AUTO_INCREMENT,
    request_params   JSON         NULL,
    response_data    JSON         NULL,
    reason           VARCHAR(255) NOT NULL DEFAULT '',
    retry_count      INT          NOT NULL DEFAULT 0,
    next_retry_at    TIMESTAMP(6) NULL,
    external_ref     VARCHAR(255) NOT NULL DEFAULT '',
    pending_resolved TINYINT(1)   NOT NULL DEFAULT 0,
    created_at       TIMESTAMP(6) NOT NULL,
    updated_at       TIMESTAMP(6) NOT NULL,
    PRIMARY KEY (id),
    UNIQUE KEY idx_unique_hash (unique_hash),
    UNIQUE KEY idx_seq (seq),
    KEY idx_workflow (workflow_id, seq),
    KEY idx_status (status, updated_at)
);

CREATE TABLE IF NOT EXISTS workflow_timeline (
    id          BIGINT       NOT NULL AUTO_INCREMENT,
    workflow_id VARCHAR(64)  NOT NULL,
    at          TIMESTAMP(6) NOT NULL,
    step_id     VARCHAR(64)  NOT NULL DEFAULT '',
    step_kind   VARCHAR(96)  NOT NULL DEFAULT '',
    status      VARCHAR(16)  NOT NULL DEFAULT '',
    message     VARCHAR(255) NOT NULL DEFAULT '',
    PRIMARY KEY (id),
    KEY idx_workflow (workflow_id, id)
);

CREATE TABLE IF NOT EXISTS engine_locks (
    lock_key   VARCHAR(128) NOT NULL,
    expires_at TIMESTAMP(6) NOT NULL,
    PRIMARY KEY (lock_key)
);
`

func (s *MySQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	if wf == nil || wf.ID == "" {
		return Validationf("id", "workflow id required")
	}
	if wf.Kind == "" {
		return Validationf("kind", "workflow kind required")
	}
	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	if wf.Status == "" {
		wf.Status = StatusQueued
	}
	params, err := marshalJSONColumn(wf.RequestParams)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO workflows (id, kind, status, client_id, chain_id, request_params, abort_requested, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Kind, wf.Status, wf.ClientID, wf.ChainID, params, wf.AbortRequested, wf.CreatedAt, wf.UpdatedAt)
	if isDuplicateEntry(err) {
		return fmt.Errorf("workflow %s: %w", wf.ID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

func (s *MySQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	if id == "" {
		return nil, Validationf("id", "workflow id required")
	}
	row := s.db.QueryRowContext(ctx, `
SELECT id, kind, status, client_id, chain_id, request_params, abort_requested, created_at, updated_at
FROM workflows WHERE id = ?`, id)

	var wf Workflow
	var params sql.NullString
	err := row.Scan(&wf.ID, &wf.Kind, &wf.Status, &wf.ClientID, &wf.ChainID, &params, &wf.AbortRequested, &wf.CreatedAt, &wf.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan workflow: %w", err)
	}
	if wf.RequestParams, err = unmarshalJSONColumn(params); err != nil {
		return nil, err
	}
	return &wf, nil
}

func (s *MySQLStore) TransitionWorkflow(ctx context.Context, id string, from, to Status) error {
	if id == "" {
		return Validationf("id", "workflow id required")
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE workflows SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, time.Now().UTC(), id, from)
	if err != nil {
		return fmt.Errorf("transition workflow: %w", err)
	}
	return s.casOutcome(ctx, res, "workflows", id)
}

func (s *MySQLStore) RequestAbort(ctx context.Context, id string) error {
	if id == "" {
		return Validationf("id", "workflow id required")
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE workflows SET abort_requested = 1, updated_at = ?
WHERE id = ? AND status NOT IN (?, ?)`,
		time.Now().UTC(), id, StatusCompleted, StatusFailed)
	if err != nil {
		return fmt.Errorf("request abort: %w", err)
	}
	return s.casOutcome(ctx, res, "workflows", id)
}

func (s *MySQLStore) CreateStep(ctx context.Context, step *WorkflowStep) (*WorkflowStep, error) {
	if step == nil || step.ID == "" || step.WorkflowID == "" {
		return nil, Validationf("step", "step and workflow ids required")
	}
	if step.Kind == "" {
		return nil, Validationf("kind", "step kind required")
	}
	if step.UniqueHash == "" {
		step.UniqueHash = UniqueHash(step.WorkflowID, step.Kind, step.Attempt)
	}
	now := time.Now().UTC()
	if step.CreatedAt.IsZero() {
		step.CreatedAt = now
	}
	step.UpdatedAt = now
	if step.Status == "" {
		step.Status = StepStatusQueued
	}
	reqParams, err := marshalJSONColumn(step.RequestParams)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO workflow_steps
    (id, workflow_id, kind, status, unique_hash, attempt, request_params, reason, retry_count, next_retry_at, external_ref, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.WorkflowID, step.Kind, step.Status, step.UniqueHash, step.Attempt,
		reqParams, step.Reason, step.RetryCount, nullableTime(step.NextRetryAt), step.ExternalRef,
		step.CreatedAt, step.UpdatedAt)
	if isDuplicateEntry(err) {
		existing, gerr := s.stepByUniqueHash(ctx, step.UniqueHash)
		if gerr != nil {
			return nil, gerr
		}
		return existing, ErrDuplicateStep
	}
	if err != nil {
		return nil, fmt.Errorf("insert step: %w", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		step.Seq = seq
	}
	return step, nil
}

func (s *MySQLStore) GetStep(ctx context.Context, stepID string) (*WorkflowStep, error) {
	if stepID == "" {
		return nil, Validationf("id", "step id required")
	}
	return s.scanStep(s.db.QueryRowContext(ctx, selectStepSQL+` WHERE id = ?`, stepID), "step "+stepID)
}

func (s *MySQLStore) stepByUniqueHash(ctx context.Context, hash string) (*WorkflowStep, error) {
	return s.scanStep(s.db.QueryRowContext(ctx, selectStepSQL+` WHERE unique_hash = ?`, hash), "step hash "+hash)
}

func (s *MySQLStore) CurrentStep(ctx context.Context, workflowID string) (*WorkflowStep, error) {
	if workflowID == "" {
		return nil, Validationf("id", "workflow id required")
	}
	row := s.db.QueryRowContext(ctx, selectStepSQL+`
WHERE workflow_id = ? AND status IN (?, ?, ?, ?)
ORDER BY seq DESC LIMIT 1`,
		workflowID, StepStatusQueued, StepStatusInProgress, StepStatusPending, StepStatusRetrying)
	step, err := s.scanStep(row, "current step")
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNoRunnableStep
	}
	return step, err
}

func (s *MySQLStore) ListSteps(ctx context.Context, workflowID string) ([]*WorkflowStep, error) {
	if workflowID == "" {
		return nil, Validationf("id", "workflow id required")
	}
	rows, err := s.db.QueryContext(ctx, selectStepSQL+` WHERE workflow_id = ? ORDER BY seq`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()
	return s.collectSteps(rows)
}

func (s *MySQLStore) TransitionStep(ctx context.Context, stepID string, from, to StepStatus, upd StepUpdate) error {
	if stepID == "" {
		return Validationf("id", "step id required")
	}
	respData, err := marshalJSONColumn(upd.ResponseData)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE workflow_steps SET
    status        = ?,
    updated_at    = ?,
    response_data = COALESCE(?, response_data),
    external_ref  = IF(? = '', external_ref, ?),
    reason        = IF(? = '', reason, ?),
    next_retry_at = COALESCE(?, next_retry_at)
WHERE id = ? AND status = ?`,
		to, time.Now().UTC(),
		respData,
		upd.ExternalRef, upd.ExternalRef,
		upd.Reason, upd.Reason,
		nullableTime(upd.NextRetryAt),
		stepID, from)
	if err != nil {
		return fmt.Errorf("transition step: %w", err)
	}
	return s.casOutcome(ctx, res, "workflow_steps", stepID)
}

func (s *MySQLStore) ListPendingSteps(ctx context.Context, cutoff time.Time, limit int64) ([]*WorkflowStep, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, selectStepSQL+`
WHERE status = ? AND pending_resolved = 0 AND updated_at <= ?
ORDER BY updated_at LIMIT ?`,
		StepStatusPending, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending steps: %w", err)
	}
	defer rows.Close()
	return s.collectSteps(rows)
}

func (s *MySQLStore) ListRetryingSteps(ctx context.Context, due time.Time, limit int64) ([]*WorkflowStep, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, selectStepSQL+`
WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
ORDER BY next_retry_at LIMIT ?`,
		StepStatusRetrying, due, limit)
	if err != nil {
		return nil, fmt.Errorf("list retrying steps: %w", err)
	}
	defer rows.Close()
	return s.collectSteps(rows)
}

func (s *MySQLStore) MarkPendingResolved(ctx context.Context, stepID string) error {
	if stepID == "" {
		return Validationf("id", "step id required")
	}
	_, err := s.db.ExecContext(ctx, `UPDATE workflow_steps SET pending_resolved = 1 WHERE id = ?`, stepID)
	return err
}

func (s *MySQLStore) AppendTimelineEvent(ctx context.Context, workflowID string, event *TimelineEvent) error {
	if workflowID == "" {
		return Validationf("id", "workflow id required")
	}
	if event == nil {
		return Validationf("event", "event required")
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO workflow_timeline (workflow_id, at, step_id, step_kind, status, message)
VALUES (?, ?, ?, ?, ?, ?)`,
		workflowID, event.Time, event.StepID, event.StepKind, event.Status, event.Message)
	return err
}

func (s *MySQLStore) ListTimelineEvents(ctx context.Context, workflowID string, limit int64) ([]TimelineEvent, error) {
	if workflowID == "" {
		return nil, Validationf("id", "workflow id required")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT at, step_id, step_kind, status, message
FROM workflow_timeline WHERE workflow_id = ? ORDER BY id LIMIT ?`,
		workflowID, limit)
	if err != nil {
		return nil, fmt.Errorf("list timeline: %w", err)
	}
	defer rows.Close()
	out := []TimelineEvent{}
	for rows.Next() {
		var evt TimelineEvent
		if err := rows.Scan(&evt.Time, &evt.StepID, &evt.StepKind, &evt.Status, &evt.Message); err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

func (s *MySQLStore) TryAcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, Validationf("key", "lock key required")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM engine_locks WHERE lock_key = ? AND expires_at < ?`, key, now); err != nil {
		return false, err
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO engine_locks (lock_key, expires_at) VALUES (?, ?)`, key, now.Add(ttl))
	if isDuplicateEntry(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *MySQLStore) ReleaseLock(ctx context.Context, key string) error {
	if key == "" {
		return Validationf("key", "lock key required")
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM engine_locks WHERE lock_key = ?`, key)
	return err
}

const selectStepSQL = `
SELECT id, workflow_id, kind, status, unique_hash, attempt, seq, request_params,
       response_data, reason, retry_count, next_retry_at, external_ref, created_at, updated_at
FROM workflow_steps`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *MySQLStore) scanStep(row rowScanner, subject string) (*WorkflowStep, error) {
	var step WorkflowStep
	var reqParams, respData sql.NullString
	var nextRetryAt sql.NullTime
	err := row.Scan(&step.ID, &step.WorkflowID, &step.Kind, &step.Status, &step.UniqueHash,
		&step.Attempt, &step.Seq, &reqParams, &respData, &step.Reason, &step.RetryCount,
		&nextRetryAt, &step.ExternalRef, &step.CreatedAt, &step.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", subject, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan step: %w", err)
	}
	if step.RequestParams, err = unmarshalJSONColumn(reqParams); err != nil {
		return nil, err
	}
	if step.ResponseData, err = unmarshalJSONColumn(respData); err != nil {
		return nil, err
	}
	if nextRetryAt.Valid {
		at := nextRetryAt.Time.UTC()
		step.NextRetryAt = &at
	}
	return &step, nil
}

func (s *MySQLStore) collectSteps(rows *sql.Rows) ([]*WorkflowStep, error) {
	out := []*WorkflowStep{}
	for rows.Next() {
		step, err := s.scanStep(rows, "step")
		if err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

// casOutcome maps zero affected rows to conflict or not-found.
func (s *MySQLStore) casOutcome(ctx context.Context, res sql.Result, table, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%s %s: %w", table, id, ErrConflict)
}

func isDuplicateEntry(err error) bool {
	var merr *mysql.MySQLError
	return errors.As(err, &merr) && merr.Number == mysqlDuplicateEntry
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func marshalJSONColumn(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	return data, nil
}

func unmarshalJSONColumn(col sql.NullString) (map[string]any, error) {
	if !col.Valid || col.String == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(col.String), &out); err != nil {
		return nil, fmt.Errorf("unmarshal json column: %w", err)
	}
	return out, nil
}
