package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/loomworks/loom/pkg/api"
)

// PostgresStore implements all four storage contracts on top of
// PostgreSQL.
//
// It expects an *sql.DB opened with a Postgres driver. The caller is
// responsible for importing the driver, e.g.:
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
//
// Timestamps are stored as UnixNano BIGINT columns; zero means absent.
type PostgresStore struct {
	db *sql.DB
}

// Ensure PostgresStore implements the storage contracts.
var (
	_ WorkflowStore  = (*PostgresStore)(nil)
	_ ExecutionStore = (*PostgresStore)(nil)
	_ StepStore      = (*PostgresStore)(nil)
	_ EventStore     = (*PostgresStore)(nil)
)

// NewPostgresStore initializes the required schema in the given
// database and returns a new PostgresStore.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	p := &PostgresStore{db: db}
	if err := p.initSchema(); err != nil {
		return nil, err
	}
	return p, nil
}

// Stores returns the store wired into all four roles.
func (p *PostgresStore) Stores() Stores {
	return Stores{Workflows: p, Executions: p, Steps: p, Events: p}
}

func (p *PostgresStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			definition BYTEA NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS workflow_executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			status TEXT NOT NULL,
			input BYTEA,
			output BYTEA,
			parent_execution_id TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			started_at BIGINT NOT NULL DEFAULT 0,
			completed_at BIGINT NOT NULL DEFAULT 0,
			lock_id TEXT NOT NULL DEFAULT '',
			locked_until BIGINT NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status_locked
			ON workflow_executions (status, locked_until);`,
		`CREATE TABLE IF NOT EXISTS execution_step_results (
			execution_id TEXT NOT NULL,
			step_name TEXT NOT NULL,
			input BYTEA,
			output BYTEA,
			has_output BOOLEAN NOT NULL DEFAULT FALSE,
			exclude_from_output BOOLEAN NOT NULL DEFAULT FALSE,
			error TEXT NOT NULL DEFAULT '',
			started_at BIGINT NOT NULL,
			completed_at BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (execution_id, step_name)
		);`,
		`CREATE TABLE IF NOT EXISTS workflow_events (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			type TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			payload BYTEA,
			created_at BIGINT NOT NULL,
			visible_at BIGINT NOT NULL DEFAULT 0,
			consumed_at BIGINT NOT NULL DEFAULT 0,
			source_execution_id TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_output_key
			ON workflow_events (execution_id, name) WHERE type = 'output';`,
		`CREATE INDEX IF NOT EXISTS idx_events_pending
			ON workflow_events (execution_id, type, name, consumed_at, visible_at);`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) SaveWorkflow(ctx context.Context, def api.Workflow) error {
	data, err := EncodeValue(def)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO workflows (id, definition) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET definition = excluded.definition`,
		def.ID, data,
	)
	return err
}

func (p *PostgresStore) GetWorkflow(ctx context.Context, id string) (api.Workflow, error) {
	var data []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT definition FROM workflows WHERE id = $1`, id,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return api.Workflow{}, api.ErrWorkflowNotFound
	}
	if err != nil {
		return api.Workflow{}, err
	}
	var def api.Workflow
	if err := decodeInto(data, &def); err != nil {
		return api.Workflow{}, err
	}
	return def, nil
}

func (p *PostgresStore) CreateExecution(ctx context.Context, exec *api.Execution) error {
	input, err := EncodeValue(exec.Input)
	if err != nil {
		return err
	}
	output, err := EncodeValue(exec.Output)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO workflow_executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		exec.ID,
		exec.WorkflowID,
		string(exec.Status),
		input,
		output,
		exec.ParentExecutionID,
		exec.CreatedAt.UnixNano(),
		exec.UpdatedAt.UnixNano(),
		nanoOrZero(exec.StartedAt),
		nanoOrZero(exec.CompletedAt),
		exec.LockID,
		nanoOrZero(exec.LockedUntil),
		exec.RetryCount,
		exec.MaxRetries,
		exec.Error,
	)
	return err
}

func (p *PostgresStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+`
		FROM workflow_executions
		WHERE id = $1`, id,
	)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrExecutionNotFound
	}
	return exec, err
}

func (p *PostgresStore) UpdateExecution(ctx context.Context, exec *api.Execution) error {
	input, err := EncodeValue(exec.Input)
	if err != nil {
		return err
	}
	output, err := EncodeValue(exec.Output)
	if err != nil {
		return err
	}

	res, err := p.db.ExecContext(ctx, `
		UPDATE workflow_executions
		SET status = $1, input = $2, output = $3, updated_at = $4,
			started_at = $5, completed_at = $6,
			retry_count = $7, max_retries = $8, error = $9
		WHERE id = $10`,
		string(exec.Status),
		input,
		output,
		exec.UpdatedAt.UnixNano(),
		nanoOrZero(exec.StartedAt),
		nanoOrZero(exec.CompletedAt),
		exec.RetryCount,
		exec.MaxRetries,
		exec.Error,
		exec.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return api.ErrExecutionNotFound
	}
	return nil
}

func (p *PostgresStore) ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions`
	var args []any
	var clauses []string

	if filter.WorkflowID != "" {
		args = append(args, filter.WorkflowID)
		clauses = append(clauses, "workflow_id = $1")
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		if len(args) == 1 {
			clauses = append(clauses, "status = $1")
		} else {
			clauses = append(clauses, "status = $2")
		}
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*api.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}
	return executions, rows.Err()
}

func (p *PostgresStore) AcquireLock(ctx context.Context, id, lockID string, ttl time.Duration) (*api.Execution, error) {
	now := time.Now()
	until := now.Add(ttl).UnixNano()

	res, err := p.db.ExecContext(ctx, `
		UPDATE workflow_executions
		SET lock_id = $1, locked_until = $2, updated_at = $3
		WHERE id = $4
		AND (lock_id = '' OR locked_until <= $5)`,
		lockID, until, now.UnixNano(), id, now.UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		exec, err := p.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		lockedUntil := now
		if exec.LockedUntil != nil {
			lockedUntil = *exec.LockedUntil
		}
		return nil, &api.ContentionError{ExecutionID: id, LockedUntil: lockedUntil}
	}

	return p.GetExecution(ctx, id)
}

func (p *PostgresStore) ReleaseLock(ctx context.Context, id, lockID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE workflow_executions
		SET lock_id = '', locked_until = 0, updated_at = $1
		WHERE id = $2 AND lock_id = $3`,
		time.Now().UnixNano(), id, lockID,
	)
	return err
}

func (p *PostgresStore) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id FROM workflow_executions
		WHERE status IN ($1, $2)
		AND lock_id != '' AND locked_until < $3
		ORDER BY locked_until
		LIMIT $4`,
		string(api.StatusPending), string(api.StatusRunning), now.UnixNano(), limit,
	)
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

func (p *PostgresStore) CreateStepResult(ctx context.Context, res *api.StepResult) (*api.StepResult, error) {
	input, err := EncodeValue(res.Input)
	if err != nil {
		return nil, err
	}
	output, err := EncodeValue(res.Output)
	if err != nil {
		return nil, err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO execution_step_results (`+stepColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (execution_id, step_name) DO NOTHING`,
		res.ExecutionID,
		res.StepName,
		input,
		output,
		res.HasOutput,
		res.ExcludeFromOutput,
		res.Error,
		res.StartedAt.UnixNano(),
		nanoOrZero(res.CompletedAt),
	)
	if err != nil {
		return nil, err
	}

	return p.GetStepResult(ctx, res.ExecutionID, res.StepName)
}

func (p *PostgresStore) FinalizeStepResult(ctx context.Context, res *api.StepResult) error {
	output, err := EncodeValue(res.Output)
	if err != nil {
		return err
	}

	r, err := p.db.ExecContext(ctx, `
		UPDATE execution_step_results
		SET output = $1, has_output = $2, exclude_from_output = $3, error = $4, completed_at = $5
		WHERE execution_id = $6 AND step_name = $7 AND completed_at = 0`,
		output,
		res.HasOutput,
		res.ExcludeFromOutput,
		res.Error,
		nanoOrZero(res.CompletedAt),
		res.ExecutionID,
		res.StepName,
	)
	if err != nil {
		return err
	}
	n, err := r.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := p.GetStepResult(ctx, res.ExecutionID, res.StepName); err != nil {
			return err
		}
		return ErrStepAlreadyFinal
	}
	return nil
}

func (p *PostgresStore) GetStepResult(ctx context.Context, executionID, stepName string) (*api.StepResult, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+stepColumns+`
		FROM execution_step_results
		WHERE execution_id = $1 AND step_name = $2`,
		executionID, stepName,
	)
	res, err := scanPgStepResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStepResultNotFound
	}
	return res, err
}

func (p *PostgresStore) ListStepResults(ctx context.Context, executionID string) ([]*api.StepResult, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+stepColumns+`
		FROM execution_step_results
		WHERE execution_id = $1
		ORDER BY started_at, step_name`,
		executionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*api.StepResult
	for rows.Next() {
		res, err := scanPgStepResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

// scanPgStepResult differs from scanStepResult only in that BOOLEAN
// columns scan directly into bools.
func scanPgStepResult(row interface{ Scan(...any) error }) (*api.StepResult, error) {
	var res api.StepResult
	var input, output []byte
	var startedAt, completedAt int64

	err := row.Scan(
		&res.ExecutionID, &res.StepName, &input, &output, &res.HasOutput,
		&res.ExcludeFromOutput, &res.Error, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	res.StartedAt = time.Unix(0, startedAt)
	res.CompletedAt = timeOrNil(completedAt)

	in, err := DecodeMap(input)
	if err != nil {
		return nil, err
	}
	res.Input = in

	out, err := DecodeValue(output)
	if err != nil {
		return nil, err
	}
	res.Output = out

	return &res, nil
}

func (p *PostgresStore) AppendEvent(ctx context.Context, ev *api.Event) error {
	payload, err := EncodeValue(ev.Payload)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO workflow_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.ID,
		ev.ExecutionID,
		string(ev.Type),
		ev.Name,
		payload,
		ev.CreatedAt.UnixNano(),
		nanoOrZero(ev.VisibleAt),
		nanoOrZero(ev.ConsumedAt),
		ev.SourceExecutionID,
	)
	return err
}

func (p *PostgresStore) UpsertOutputEvent(ctx context.Context, ev *api.Event) error {
	payload, err := EncodeValue(ev.Payload)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO workflow_events (`+eventColumns+`)
		VALUES ($1, $2, 'output', $3, $4, $5, $6, $7, $8)
		ON CONFLICT (execution_id, name) WHERE type = 'output'
		DO UPDATE SET payload = excluded.payload, created_at = excluded.created_at,
			source_execution_id = excluded.source_execution_id`,
		ev.ID,
		ev.ExecutionID,
		ev.Name,
		payload,
		ev.CreatedAt.UnixNano(),
		nanoOrZero(ev.VisibleAt),
		nanoOrZero(ev.ConsumedAt),
		ev.SourceExecutionID,
	)
	return err
}

func (p *PostgresStore) GetOutputEvent(ctx context.Context, executionID, name string) (*api.Event, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+`
		FROM workflow_events
		WHERE execution_id = $1 AND type = 'output' AND name = $2`,
		executionID, name,
	)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	return ev, err
}

func (p *PostgresStore) ConsumePending(ctx context.Context, executionID string, typ api.EventType, name string, now time.Time) (*api.Event, error) {
	query := `
		UPDATE workflow_events
		SET consumed_at = $1
		WHERE id = (
			SELECT id FROM workflow_events
			WHERE execution_id = $2 AND type = $3 AND consumed_at = 0
			AND visible_at <= $4`
	args := []any{now.UnixNano(), executionID, string(typ), now.UnixNano()}
	if name != "" {
		args = append(args, name)
		query += ` AND name = $5`
	}
	query += `
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + eventColumns

	row := p.db.QueryRowContext(ctx, query, args...)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ev, err
}

func (p *PostgresStore) FindUnconsumed(ctx context.Context, executionID string, typ api.EventType, name string) (*api.Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM workflow_events
		WHERE execution_id = $1 AND type = $2 AND consumed_at = 0`
	args := []any{executionID, string(typ)}
	if name != "" {
		args = append(args, name)
		query += ` AND name = $3`
	}
	query += ` ORDER BY created_at, id LIMIT 1`

	row := p.db.QueryRowContext(ctx, query, args...)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ev, err
}

func (p *PostgresStore) ListEvents(ctx context.Context, executionID string) ([]*api.Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM workflow_events
		WHERE execution_id = $1
		ORDER BY created_at, id`,
		executionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*api.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
