package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/loomworks/loom/pkg/api"
)

// SQLiteStore implements all four storage contracts on top of SQLite.
//
// It expects an *sql.DB opened with a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing the
// driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// Timestamps are stored as UnixNano integers; zero means absent.
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements the storage contracts.
var (
	_ WorkflowStore  = (*SQLiteStore)(nil)
	_ ExecutionStore = (*SQLiteStore)(nil)
	_ StepStore      = (*SQLiteStore)(nil)
	_ EventStore     = (*SQLiteStore)(nil)
)

// NewSQLiteStore initializes the required schema in the given database
// and returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// Stores returns the store wired into all four roles.
func (s *SQLiteStore) Stores() Stores {
	return Stores{Workflows: s, Executions: s, Steps: s, Events: s}
}

func (s *SQLiteStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			definition BLOB NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS workflow_executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			status TEXT NOT NULL,
			input BLOB,
			output BLOB,
			parent_execution_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			started_at INTEGER NOT NULL DEFAULT 0,
			completed_at INTEGER NOT NULL DEFAULT 0,
			lock_id TEXT NOT NULL DEFAULT '',
			locked_until INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status_locked
			ON workflow_executions (status, locked_until);`,
		`CREATE TABLE IF NOT EXISTS execution_step_results (
			execution_id TEXT NOT NULL,
			step_name TEXT NOT NULL,
			input BLOB,
			output BLOB,
			has_output INTEGER NOT NULL DEFAULT 0,
			exclude_from_output INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL,
			completed_at INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (execution_id, step_name)
		);`,
		`CREATE TABLE IF NOT EXISTS workflow_events (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			type TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			payload BLOB,
			created_at INTEGER NOT NULL,
			visible_at INTEGER NOT NULL DEFAULT 0,
			consumed_at INTEGER NOT NULL DEFAULT 0,
			source_execution_id TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_output_key
			ON workflow_events (execution_id, name) WHERE type = 'output';`,
		`CREATE INDEX IF NOT EXISTS idx_events_pending
			ON workflow_events (execution_id, type, name, consumed_at, visible_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func nanoOrZero(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixNano()
}

func timeOrNil(nano int64) *time.Time {
	if nano == 0 {
		return nil
	}
	t := time.Unix(0, nano)
	return &t
}

func (s *SQLiteStore) SaveWorkflow(ctx context.Context, def api.Workflow) error {
	data, err := EncodeValue(def)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, definition) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET definition = excluded.definition`,
		def.ID, data,
	)
	return err
}

func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (api.Workflow, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT definition FROM workflows WHERE id = ?`, id,
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

const executionColumns = `id, workflow_id, status, input, output, parent_execution_id,
	created_at, updated_at, started_at, completed_at,
	lock_id, locked_until, retry_count, max_retries, error`

func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *api.Execution) error {
	input, err := EncodeValue(exec.Input)
	if err != nil {
		return err
	}
	output, err := EncodeValue(exec.Output)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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

func scanExecution(row interface{ Scan(...any) error }) (*api.Execution, error) {
	var exec api.Execution
	var status string
	var input, output []byte
	var createdAt, updatedAt, startedAt, completedAt, lockedUntil int64

	err := row.Scan(
		&exec.ID, &exec.WorkflowID, &status, &input, &output, &exec.ParentExecutionID,
		&createdAt, &updatedAt, &startedAt, &completedAt,
		&exec.LockID, &lockedUntil, &exec.RetryCount, &exec.MaxRetries, &exec.Error,
	)
	if err != nil {
		return nil, err
	}

	exec.Status = api.Status(status)
	exec.CreatedAt = time.Unix(0, createdAt)
	exec.UpdatedAt = time.Unix(0, updatedAt)
	exec.StartedAt = timeOrNil(startedAt)
	exec.CompletedAt = timeOrNil(completedAt)
	exec.LockedUntil = timeOrNil(lockedUntil)

	in, err := DecodeMap(input)
	if err != nil {
		return nil, err
	}
	exec.Input = in

	out, err := DecodeValue(output)
	if err != nil {
		return nil, err
	}
	exec.Output = out

	return &exec, nil
}

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+`
		FROM workflow_executions
		WHERE id = ?`, id,
	)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrExecutionNotFound
	}
	return exec, err
}

func (s *SQLiteStore) UpdateExecution(ctx context.Context, exec *api.Execution) error {
	input, err := EncodeValue(exec.Input)
	if err != nil {
		return err
	}
	output, err := EncodeValue(exec.Output)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_executions
		SET status = ?, input = ?, output = ?, updated_at = ?,
			started_at = ?, completed_at = ?,
			retry_count = ?, max_retries = ?, error = ?
		WHERE id = ?`,
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

func (s *SQLiteStore) ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions`
	var args []any
	var clauses []string

	if filter.WorkflowID != "" {
		clauses = append(clauses, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
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

func (s *SQLiteStore) AcquireLock(ctx context.Context, id, lockID string, ttl time.Duration) (*api.Execution, error) {
	now := time.Now()
	until := now.Add(ttl).UnixNano()

	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_executions
		SET lock_id = ?, locked_until = ?, updated_at = ?
		WHERE id = ?
		AND (lock_id = '' OR locked_until <= ?)`,
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
		exec, err := s.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		lockedUntil := now
		if exec.LockedUntil != nil {
			lockedUntil = *exec.LockedUntil
		}
		return nil, &api.ContentionError{ExecutionID: id, LockedUntil: lockedUntil}
	}

	return s.GetExecution(ctx, id)
}

func (s *SQLiteStore) ReleaseLock(ctx context.Context, id, lockID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workflow_executions
		SET lock_id = '', locked_until = 0, updated_at = ?
		WHERE id = ? AND lock_id = ?`,
		time.Now().UnixNano(), id, lockID,
	)
	return err
}

func (s *SQLiteStore) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM workflow_executions
		WHERE status IN (?, ?)
		AND lock_id != '' AND locked_until < ?
		ORDER BY locked_until
		LIMIT ?`,
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

const stepColumns = `execution_id, step_name, input, output, has_output,
	exclude_from_output, error, started_at, completed_at`

func (s *SQLiteStore) CreateStepResult(ctx context.Context, res *api.StepResult) (*api.StepResult, error) {
	input, err := EncodeValue(res.Input)
	if err != nil {
		return nil, err
	}
	output, err := EncodeValue(res.Output)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_step_results (`+stepColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (execution_id, step_name) DO NOTHING`,
		res.ExecutionID,
		res.StepName,
		input,
		output,
		boolToInt(res.HasOutput),
		boolToInt(res.ExcludeFromOutput),
		res.Error,
		res.StartedAt.UnixNano(),
		nanoOrZero(res.CompletedAt),
	)
	if err != nil {
		return nil, err
	}

	// The stored row wins whether or not the insert took effect.
	return s.GetStepResult(ctx, res.ExecutionID, res.StepName)
}

func (s *SQLiteStore) FinalizeStepResult(ctx context.Context, res *api.StepResult) error {
	output, err := EncodeValue(res.Output)
	if err != nil {
		return err
	}

	r, err := s.db.ExecContext(ctx, `
		UPDATE execution_step_results
		SET output = ?, has_output = ?, exclude_from_output = ?, error = ?, completed_at = ?
		WHERE execution_id = ? AND step_name = ? AND completed_at = 0`,
		output,
		boolToInt(res.HasOutput),
		boolToInt(res.ExcludeFromOutput),
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
		if _, err := s.GetStepResult(ctx, res.ExecutionID, res.StepName); err != nil {
			return err
		}
		return ErrStepAlreadyFinal
	}
	return nil
}

func scanStepResult(row interface{ Scan(...any) error }) (*api.StepResult, error) {
	var res api.StepResult
	var input, output []byte
	var hasOutput, exclude int
	var startedAt, completedAt int64

	err := row.Scan(
		&res.ExecutionID, &res.StepName, &input, &output, &hasOutput,
		&exclude, &res.Error, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	res.HasOutput = hasOutput != 0
	res.ExcludeFromOutput = exclude != 0
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

func (s *SQLiteStore) GetStepResult(ctx context.Context, executionID, stepName string) (*api.StepResult, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+stepColumns+`
		FROM execution_step_results
		WHERE execution_id = ? AND step_name = ?`,
		executionID, stepName,
	)
	res, err := scanStepResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStepResultNotFound
	}
	return res, err
}

func (s *SQLiteStore) ListStepResults(ctx context.Context, executionID string) ([]*api.StepResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stepColumns+`
		FROM execution_step_results
		WHERE execution_id = ?
		ORDER BY started_at, step_name`,
		executionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*api.StepResult
	for rows.Next() {
		res, err := scanStepResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

const eventColumns = `id, execution_id, type, name, payload,
	created_at, visible_at, consumed_at, source_execution_id`

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev *api.Event) error {
	payload, err := EncodeValue(ev.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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

func (s *SQLiteStore) UpsertOutputEvent(ctx context.Context, ev *api.Event) error {
	payload, err := EncodeValue(ev.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_events (`+eventColumns+`)
		VALUES (?, ?, 'output', ?, ?, ?, ?, ?, ?)
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

func scanEvent(row interface{ Scan(...any) error }) (*api.Event, error) {
	var ev api.Event
	var typ string
	var payload []byte
	var createdAt, visibleAt, consumedAt int64

	err := row.Scan(
		&ev.ID, &ev.ExecutionID, &typ, &ev.Name, &payload,
		&createdAt, &visibleAt, &consumedAt, &ev.SourceExecutionID,
	)
	if err != nil {
		return nil, err
	}

	ev.Type = api.EventType(typ)
	ev.CreatedAt = time.Unix(0, createdAt)
	ev.VisibleAt = timeOrNil(visibleAt)
	ev.ConsumedAt = timeOrNil(consumedAt)

	p, err := DecodeValue(payload)
	if err != nil {
		return nil, err
	}
	ev.Payload = p

	return &ev, nil
}

func (s *SQLiteStore) GetOutputEvent(ctx context.Context, executionID, name string) (*api.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+`
		FROM workflow_events
		WHERE execution_id = ? AND type = 'output' AND name = ?`,
		executionID, name,
	)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	return ev, err
}

func (s *SQLiteStore) ConsumePending(ctx context.Context, executionID string, typ api.EventType, name string, now time.Time) (*api.Event, error) {
	query := `
		UPDATE workflow_events
		SET consumed_at = ?
		WHERE id = (
			SELECT id FROM workflow_events
			WHERE execution_id = ? AND type = ? AND consumed_at = 0
			AND visible_at <= ?`
	args := []any{now.UnixNano(), executionID, string(typ), now.UnixNano()}
	if name != "" {
		query += ` AND name = ?`
		args = append(args, name)
	}
	query += `
			ORDER BY created_at, id
			LIMIT 1
		)
		RETURNING ` + eventColumns

	row := s.db.QueryRowContext(ctx, query, args...)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ev, err
}

func (s *SQLiteStore) FindUnconsumed(ctx context.Context, executionID string, typ api.EventType, name string) (*api.Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM workflow_events
		WHERE execution_id = ? AND type = ? AND consumed_at = 0`
	args := []any{executionID, string(typ)}
	if name != "" {
		query += ` AND name = ?`
		args = append(args, name)
	}
	query += ` ORDER BY created_at, id LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, args...)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ev, err
}

func (s *SQLiteStore) ListEvents(ctx context.Context, executionID string) ([]*api.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM workflow_events
		WHERE execution_id = ?
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

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
