// Package memstore is the in-memory storage backend. It exists for tests and
// for running an ephemeral broker without touching disk; one process-wide
// mutex makes every primitive trivially linearizable, which is stronger than
// the per-project guarantee the contract asks for.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dotcommander/dispatch/internal/models"
	"github.com/dotcommander/dispatch/internal/storage"
)

// Store holds all broker state in maps guarded by a single mutex.
type Store struct {
	mu       sync.RWMutex
	projects map[string]*models.Project
	types    map[string]*models.TaskType
	tasks    map[string]*models.Task
	sessions map[string]*models.Session
}

var _ storage.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		projects: make(map[string]*models.Project),
		types:    make(map[string]*models.TaskType),
		tasks:    make(map[string]*models.Task),
		sessions: make(map[string]*models.Session),
	}
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() error { return nil }

// --- projects ---

func (s *Store) CreateProject(ctx context.Context, p *models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[p.ID]; ok {
		return &models.AlreadyExistsError{Entity: "project", Key: p.ID}
	}
	for _, existing := range s.projects {
		if strings.EqualFold(existing.Name, p.Name) {
			return &models.AlreadyExistsError{Entity: "project", Key: p.Name}
		}
	}
	s.projects[p.ID] = cloneProject(p)
	return nil
}

func (s *Store) GetProject(ctx context.Context, id string) (*models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[id]
	if !ok {
		return nil, &models.NotFoundError{Entity: "project", Key: id}
	}
	return cloneProject(p), nil
}

func (s *Store) GetProjectByName(ctx context.Context, name string) (*models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.projects {
		if strings.EqualFold(p.Name, name) {
			return cloneProject(p), nil
		}
	}
	return nil, &models.NotFoundError{Entity: "project", Key: name}
}

func (s *Store) ListProjects(ctx context.Context, includeClosed bool) ([]*models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Project
	for _, p := range s.projects {
		if !includeClosed && p.Status == models.ProjectStatusClosed {
			continue
		}
		out = append(out, cloneProject(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) UpdateProject(ctx context.Context, p *models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[p.ID]; !ok {
		return &models.NotFoundError{Entity: "project", Key: p.ID}
	}
	for _, existing := range s.projects {
		if existing.ID != p.ID && strings.EqualFold(existing.Name, p.Name) {
			return &models.AlreadyExistsError{Entity: "project", Key: p.Name}
		}
	}
	s.projects[p.ID] = cloneProject(p)
	return nil
}

func (s *Store) DeleteProject(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[id]; !ok {
		return &models.NotFoundError{Entity: "project", Key: id}
	}
	delete(s.projects, id)
	for tid, tt := range s.types {
		if tt.ProjectID == id {
			delete(s.types, tid)
		}
	}
	for kid, task := range s.tasks {
		if task.ProjectID == id {
			delete(s.tasks, kid)
		}
	}
	return nil
}

func (s *Store) ProjectStats(ctx context.Context, projectID string) (*models.ProjectStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.projects[projectID]; !ok {
		return nil, &models.NotFoundError{Entity: "project", Key: projectID}
	}
	stats := &models.ProjectStats{}
	for _, task := range s.tasks {
		if task.ProjectID != projectID {
			continue
		}
		stats.Total++
		switch task.Status {
		case models.TaskStatusQueued:
			stats.Queued++
		case models.TaskStatusRunning:
			stats.Running++
		case models.TaskStatusCompleted:
			stats.Completed++
		case models.TaskStatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// --- task types ---

func (s *Store) CreateTaskType(ctx context.Context, tt *models.TaskType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[tt.ProjectID]; !ok {
		return &models.NotFoundError{Entity: "project", Key: tt.ProjectID}
	}
	if _, ok := s.types[tt.ID]; ok {
		return &models.AlreadyExistsError{Entity: "task_type", Key: tt.ID}
	}
	for _, existing := range s.types {
		if existing.ProjectID == tt.ProjectID && strings.EqualFold(existing.Name, tt.Name) {
			return &models.AlreadyExistsError{Entity: "task_type", Key: tt.Name}
		}
	}
	s.types[tt.ID] = cloneType(tt)
	return nil
}

func (s *Store) GetTaskType(ctx context.Context, id string) (*models.TaskType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tt, ok := s.types[id]
	if !ok {
		return nil, &models.NotFoundError{Entity: "task_type", Key: id}
	}
	return cloneType(tt), nil
}

func (s *Store) GetTaskTypeByName(ctx context.Context, projectID, name string) (*models.TaskType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, tt := range s.types {
		if tt.ProjectID == projectID && strings.EqualFold(tt.Name, name) {
			return cloneType(tt), nil
		}
	}
	return nil, &models.NotFoundError{Entity: "task_type", Key: name}
}

func (s *Store) ListTaskTypes(ctx context.Context, projectID string) ([]*models.TaskType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.TaskType
	for _, tt := range s.types {
		if tt.ProjectID == projectID {
			out = append(out, cloneType(tt))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) UpdateTaskType(ctx context.Context, tt *models.TaskType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.types[tt.ID]; !ok {
		return &models.NotFoundError{Entity: "task_type", Key: tt.ID}
	}
	for _, existing := range s.types {
		if existing.ID != tt.ID && existing.ProjectID == tt.ProjectID && strings.EqualFold(existing.Name, tt.Name) {
			return &models.AlreadyExistsError{Entity: "task_type", Key: tt.Name}
		}
	}
	s.types[tt.ID] = cloneType(tt)
	return nil
}

func (s *Store) DeleteTaskType(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.types[id]; !ok {
		return &models.NotFoundError{Entity: "task_type", Key: id}
	}
	refs := 0
	for _, task := range s.tasks {
		if task.TypeID == id {
			refs++
		}
	}
	if refs > 0 {
		return &models.ValidationError{Field: "task_type", Reason: "tasks still reference this type"}
	}
	delete(s.types, id)
	return nil
}

// --- tasks ---

func (s *Store) CreateTask(ctx context.Context, t *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[t.ProjectID]; !ok {
		return &models.NotFoundError{Entity: "project", Key: t.ProjectID}
	}
	if _, ok := s.types[t.TypeID]; !ok {
		return &models.NotFoundError{Entity: "task_type", Key: t.TypeID}
	}
	if _, ok := s.tasks[t.ID]; ok {
		return &models.AlreadyExistsError{Entity: "task", Key: t.ID}
	}
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, &models.NotFoundError{Entity: "task", Key: id}
	}
	return cloneTask(task), nil
}

func (s *Store) ListTasks(ctx context.Context, projectID string, filter storage.TaskFilter) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.projects[projectID]; !ok {
		return nil, &models.NotFoundError{Entity: "project", Key: projectID}
	}
	var out []*models.Task
	for _, task := range s.tasks {
		if task.ProjectID != projectID {
			continue
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.TypeID != "" && task.TypeID != filter.TypeID {
			continue
		}
		if filter.AssignedTo != "" && task.AssignedTo != filter.AssignedTo {
			continue
		}
		out = append(out, cloneTask(task))
	}
	sortTasks(out)
	return paginate(out, filter.Offset, filter.Limit), nil
}

func (s *Store) UpdateTask(ctx context.Context, t *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[t.ID]; !ok {
		return &models.NotFoundError{Entity: "task", Key: t.ID}
	}
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return &models.NotFoundError{Entity: "task", Key: id}
	}
	delete(s.tasks, id)
	return nil
}

// --- atomic primitives ---

func (s *Store) FetchNextTask(ctx context.Context, in storage.FetchInput) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[in.ProjectID]; !ok {
		return nil, &models.NotFoundError{Entity: "project", Key: in.ProjectID}
	}

	// Resumption: an agent that already holds a live lease gets its own
	// task back instead of a second one.
	if in.AgentName != "" {
		if held := s.heldTaskLocked(in.ProjectID, in.AgentName, in.Now); held != nil {
			return cloneTask(held), nil
		}
	}

	// Expired leases are reclaimed through the same requeue-or-fail
	// transition the reaper uses, so the retry bound applies no matter
	// which path gets there first.
	for _, task := range s.projectTasksLocked(in.ProjectID) {
		if task.Status == models.TaskStatusRunning && task.LeaseExpired(in.Now) {
			storage.Reap(task, in.Now)
		}
	}

	var next *models.Task
	for _, task := range s.projectTasksLocked(in.ProjectID) {
		if task.Status != models.TaskStatusQueued || task.RetryCount > task.MaxRetries {
			continue
		}
		next = task
		break
	}
	if next == nil {
		return nil, nil
	}

	lease := in.DefaultLease
	if tt, ok := s.types[next.TypeID]; ok && tt.LeaseDuration > 0 {
		lease = tt.LeaseDuration
	}
	storage.Assign(next, in.AgentName, in.Now, lease)
	return cloneTask(next), nil
}

func (s *Store) CompleteTask(ctx context.Context, in storage.CompleteInput) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.assignedTaskLocked(in.TaskID, in.AgentName)
	if err != nil {
		return nil, err
	}
	storage.ApplyComplete(task, in.Result, in.Now)
	return cloneTask(task), nil
}

func (s *Store) FailTask(ctx context.Context, in storage.FailInput) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.assignedTaskLocked(in.TaskID, in.AgentName)
	if err != nil {
		return nil, err
	}
	storage.ApplyFail(task, in.Result, in.CanRetry, in.Now)
	return cloneTask(task), nil
}

func (s *Store) ExtendLease(ctx context.Context, in storage.ExtendInput) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.assignedTaskLocked(in.TaskID, in.AgentName)
	if err != nil {
		return nil, err
	}
	if task.LeaseExpiresAt != nil {
		extended := task.LeaseExpiresAt.Add(in.Additional)
		task.LeaseExpiresAt = &extended
		task.UpdatedAt = in.Now
	}
	return cloneTask(task), nil
}

func (s *Store) ReapTask(ctx context.Context, in storage.ReapInput) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[in.TaskID]
	if !ok {
		return nil, nil
	}
	if task.Status != models.TaskStatusRunning || !task.LeaseExpired(in.Now) {
		return nil, nil
	}
	storage.Reap(task, in.Now)
	return cloneTask(task), nil
}

func (s *Store) ListExpiredTasks(ctx context.Context, projectID string, now time.Time) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.projects[projectID]; !ok {
		return nil, &models.NotFoundError{Entity: "project", Key: projectID}
	}
	var out []*models.Task
	for _, task := range s.tasks {
		if task.ProjectID == projectID && task.Status == models.TaskStatusRunning && task.LeaseExpired(now) {
			out = append(out, cloneTask(task))
		}
	}
	sortTasks(out)
	return out, nil
}

func (s *Store) FindDuplicateTask(ctx context.Context, projectID, typeID string, variables map[string]string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var match *models.Task
	for _, task := range s.tasks {
		if task.ProjectID != projectID || task.TypeID != typeID {
			continue
		}
		if task.Status == models.TaskStatusFailed {
			continue
		}
		if !models.VariablesEqual(task.Variables, variables) {
			continue
		}
		if match == nil || taskBefore(task, match) {
			match = task
		}
	}
	if match == nil {
		return nil, nil
	}
	return cloneTask(match), nil
}

// --- sessions ---

func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.Token]; ok {
		return &models.AlreadyExistsError{Entity: "session", Key: sess.Token}
	}
	s.sessions[sess.Token] = cloneSession(sess)
	return nil
}

func (s *Store) GetSession(ctx context.Context, token string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[token]
	if !ok {
		return nil, &models.NotFoundError{Entity: "session", Key: token}
	}
	return cloneSession(sess), nil
}

func (s *Store) UpdateSession(ctx context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.Token]; !ok {
		return &models.NotFoundError{Entity: "session", Key: sess.Token}
	}
	s.sessions[sess.Token] = cloneSession(sess)
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[token]; !ok {
		return &models.NotFoundError{Entity: "session", Key: token}
	}
	delete(s.sessions, token)
	return nil
}

func (s *Store) FindSessionsByAgent(ctx context.Context, agentName, projectID string) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Session
	for _, sess := range s.sessions {
		if sess.AgentName != agentName {
			continue
		}
		if projectID != "" && sess.ProjectID != projectID {
			continue
		}
		out = append(out, cloneSession(sess))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Token < out[j].Token
	})
	return out, nil
}

func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for token, sess := range s.sessions {
		if sess.Expired(now) {
			delete(s.sessions, token)
			deleted++
		}
	}
	return deleted, nil
}

// --- internals ---

// heldTaskLocked returns the agent's running task with a live lease, if any.
func (s *Store) heldTaskLocked(projectID, agentName string, now time.Time) *models.Task {
	var held *models.Task
	for _, task := range s.tasks {
		if task.ProjectID != projectID || task.AssignedTo != agentName {
			continue
		}
		if !task.IsLeased(now) {
			continue
		}
		if held == nil || taskBefore(task, held) {
			held = task
		}
	}
	return held
}

// projectTasksLocked returns the project's live task records (not clones)
// ordered by creation time.
func (s *Store) projectTasksLocked(projectID string) []*models.Task {
	var out []*models.Task
	for _, task := range s.tasks {
		if task.ProjectID == projectID {
			out = append(out, task)
		}
	}
	sortTasks(out)
	return out
}

func (s *Store) assignedTaskLocked(taskID, agentName string) (*models.Task, error) {
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, &models.NotFoundError{Entity: "task", Key: taskID}
	}
	if task.Status != models.TaskStatusRunning {
		return nil, &models.InvalidStateError{TaskID: taskID, Expected: models.TaskStatusRunning, Actual: task.Status}
	}
	if task.AssignedTo != agentName {
		return nil, &models.NotAssignedError{TaskID: taskID, AgentName: agentName, AssignedTo: task.AssignedTo}
	}
	return task, nil
}

func sortTasks(tasks []*models.Task) {
	sort.Slice(tasks, func(i, j int) bool { return taskBefore(tasks[i], tasks[j]) })
}

func taskBefore(a, b *models.Task) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func paginate(tasks []*models.Task, offset, limit int) []*models.Task {
	if offset > 0 {
		if offset >= len(tasks) {
			return nil
		}
		tasks = tasks[offset:]
	}
	if limit > 0 && limit < len(tasks) {
		tasks = tasks[:limit]
	}
	return tasks
}
