package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/api"
)

// InMemoryStore is a goroutine-safe implementation of all four storage
// contracts backed by maps. Non-durable; intended for tests and local
// development.
type InMemoryStore struct {
	mu         sync.Mutex
	workflows  map[string]api.Workflow
	executions map[string]*api.Execution
	steps      map[string]map[string]*api.StepResult // executionID -> stepName
	events     []*api.Event
	eventSeq   int64
}

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		workflows:  make(map[string]api.Workflow),
		executions: make(map[string]*api.Execution),
		steps:      make(map[string]map[string]*api.StepResult),
	}
}

// Ensure InMemoryStore implements the storage contracts.
var (
	_ WorkflowStore  = (*InMemoryStore)(nil)
	_ ExecutionStore = (*InMemoryStore)(nil)
	_ StepStore      = (*InMemoryStore)(nil)
	_ EventStore     = (*InMemoryStore)(nil)
)

// Stores returns the store wired into all four roles.
func (s *InMemoryStore) Stores() Stores {
	return Stores{Workflows: s, Executions: s, Steps: s, Events: s}
}

func (s *InMemoryStore) SaveWorkflow(ctx context.Context, def api.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[def.ID] = def
	return nil
}

func (s *InMemoryStore) GetWorkflow(ctx context.Context, id string) (api.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.workflows[id]
	if !ok {
		return api.Workflow{}, api.ErrWorkflowNotFound
	}
	return def, nil
}

func (s *InMemoryStore) CreateExecution(ctx context.Context, exec *api.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *exec
	s.executions[exec.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, api.ErrExecutionNotFound
	}
	cp := *exec
	return &cp, nil
}

func (s *InMemoryStore) UpdateExecution(ctx context.Context, exec *api.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[exec.ID]; !ok {
		return api.ErrExecutionNotFound
	}
	cp := *exec
	s.executions[exec.ID] = &cp
	return nil
}

func (s *InMemoryStore) ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*api.Execution
	for _, exec := range s.executions {
		if filter.WorkflowID != "" && exec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && exec.Status != filter.Status {
			continue
		}
		cp := *exec
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *InMemoryStore) AcquireLock(ctx context.Context, id, lockID string, ttl time.Duration) (*api.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[id]
	if !ok {
		return nil, api.ErrExecutionNotFound
	}

	now := time.Now()
	if exec.LockID != "" && exec.LockedUntil != nil && exec.LockedUntil.After(now) {
		return nil, &api.ContentionError{ExecutionID: id, LockedUntil: *exec.LockedUntil}
	}

	until := now.Add(ttl)
	exec.LockID = lockID
	exec.LockedUntil = &until
	exec.UpdatedAt = now

	cp := *exec
	return &cp, nil
}

func (s *InMemoryStore) ReleaseLock(ctx context.Context, id, lockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[id]
	if !ok {
		return api.ErrExecutionNotFound
	}
	if exec.LockID != lockID {
		// A newer holder owns the lease; releasing is not ours to do.
		return nil
	}
	exec.LockID = ""
	exec.LockedUntil = nil
	exec.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for _, exec := range s.executions {
		if exec.Status != api.StatusPending && exec.Status != api.StatusRunning {
			continue
		}
		if exec.LockID == "" || exec.LockedUntil == nil || !exec.LockedUntil.Before(now) {
			continue
		}
		ids = append(ids, exec.ID)
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	return ids, nil
}

func (s *InMemoryStore) CreateStepResult(ctx context.Context, res *api.StepResult) (*api.StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byName, ok := s.steps[res.ExecutionID]
	if !ok {
		byName = make(map[string]*api.StepResult)
		s.steps[res.ExecutionID] = byName
	}
	if existing, ok := byName[res.StepName]; ok {
		cp := *existing
		return &cp, nil
	}

	cp := *res
	byName[res.StepName] = &cp
	out := cp
	return &out, nil
}

func (s *InMemoryStore) FinalizeStepResult(ctx context.Context, res *api.StepResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byName := s.steps[res.ExecutionID]
	existing, ok := byName[res.StepName]
	if !ok {
		return ErrStepResultNotFound
	}
	if existing.CompletedAt != nil {
		return ErrStepAlreadyFinal
	}

	cp := *res
	byName[res.StepName] = &cp
	return nil
}

func (s *InMemoryStore) GetStepResult(ctx context.Context, executionID, stepName string) (*api.StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.steps[executionID][stepName]
	if !ok {
		return nil, ErrStepResultNotFound
	}
	cp := *existing
	return &cp, nil
}

func (s *InMemoryStore) ListStepResults(ctx context.Context, executionID string) ([]*api.StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*api.StepResult
	for _, res := range s.steps[executionID] {
		cp := *res
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartedAt.Before(result[j].StartedAt) })
	return result, nil
}

func (s *InMemoryStore) AppendEvent(ctx context.Context, ev *api.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	s.eventSeq++
	s.events = append(s.events, &cp)
	return nil
}

func (s *InMemoryStore) UpsertOutputEvent(ctx context.Context, ev *api.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.events {
		if existing.Type == api.EventOutput &&
			existing.ExecutionID == ev.ExecutionID && existing.Name == ev.Name {
			cp := *ev
			s.events[i] = &cp
			return nil
		}
	}
	cp := *ev
	s.events = append(s.events, &cp)
	return nil
}

func (s *InMemoryStore) GetOutputEvent(ctx context.Context, executionID, name string) (*api.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range s.events {
		if ev.Type == api.EventOutput && ev.ExecutionID == executionID && ev.Name == name {
			cp := *ev
			return &cp, nil
		}
	}
	return nil, ErrEventNotFound
}

func (s *InMemoryStore) ConsumePending(ctx context.Context, executionID string, typ api.EventType, name string, now time.Time) (*api.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range s.events {
		if ev.ExecutionID != executionID || ev.Type != typ {
			continue
		}
		if name != "" && ev.Name != name {
			continue
		}
		if !ev.Pending(now) {
			continue
		}
		consumed := now
		ev.ConsumedAt = &consumed
		cp := *ev
		return &cp, nil
	}
	return nil, nil
}

func (s *InMemoryStore) FindUnconsumed(ctx context.Context, executionID string, typ api.EventType, name string) (*api.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range s.events {
		if ev.ExecutionID != executionID || ev.Type != typ || ev.ConsumedAt != nil {
			continue
		}
		if name != "" && ev.Name != name {
			continue
		}
		cp := *ev
		return &cp, nil
	}
	return nil, nil
}

func (s *InMemoryStore) ListEvents(ctx context.Context, executionID string) ([]*api.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*api.Event
	for _, ev := range s.events {
		if ev.ExecutionID != executionID {
			continue
		}
		cp := *ev
		result = append(result, &cp)
	}
	return result, nil
}
