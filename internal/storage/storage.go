// Package storage defines the persistence contract shared by every backend.
//
// All three implementations (sqlite, filestore, memstore) must expose
// identical observable behavior for the atomic task primitives; the
// storagetest package holds the shared conformance suite they all run.
//
// Backends never read the wall clock to decide domain state. Every operation
// that needs "now" receives it from the caller, which keeps the whole layer
// deterministic under a test clock.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dotcommander/dispatch/internal/models"
)

// TaskFilter narrows ListTasks. Zero values mean "no constraint". Limit 0
// means unlimited; Offset applies after ordering by creation time.
type TaskFilter struct {
	Status     models.TaskStatus
	TypeID     string
	AssignedTo string
	Limit      int
	Offset     int
}

// FetchInput carries the arguments of the atomic fetch-and-lease primitive.
//
// DefaultLease applies only when the selected task's type cannot supply a
// lease duration (type deleted out from under the task, or a zero value in
// stored data). Lease durations are otherwise per-type.
type FetchInput struct {
	ProjectID    string
	AgentName    string
	Now          time.Time
	DefaultLease time.Duration
}

// CompleteInput carries the arguments of the atomic complete primitive.
type CompleteInput struct {
	TaskID    string
	AgentName string
	Result    json.RawMessage
	Now       time.Time
}

// FailInput carries the arguments of the atomic fail primitive. CanRetry
// false forces a terminal failure regardless of remaining retry budget.
type FailInput struct {
	TaskID    string
	AgentName string
	Result    json.RawMessage
	CanRetry  bool
	Now       time.Time
}

// ExtendInput carries the arguments of the atomic lease extension primitive.
// Additional must be positive; the new expiry is the current expiry plus
// Additional (not Now plus Additional).
type ExtendInput struct {
	TaskID     string
	AgentName  string
	Additional time.Duration
	Now        time.Time
}

// ReapInput identifies one expired running task for the requeue-or-fail
// transition. The primitive re-checks the precondition (status running,
// lease at or before Now) so a concurrent fetch that already reclaimed the
// task makes the reap a no-op.
type ReapInput struct {
	TaskID string
	Now    time.Time
}

// ProjectStore covers project records and their derived stats.
type ProjectStore interface {
	// CreateProject persists a fully populated project. Returns
	// AlreadyExistsError when the name is taken.
	CreateProject(ctx context.Context, p *models.Project) error

	GetProject(ctx context.Context, id string) (*models.Project, error)
	GetProjectByName(ctx context.Context, name string) (*models.Project, error)

	// ListProjects returns projects ordered by creation time. Closed
	// projects are included only when includeClosed is set.
	ListProjects(ctx context.Context, includeClosed bool) ([]*models.Project, error)

	UpdateProject(ctx context.Context, p *models.Project) error

	// DeleteProject removes the project and cascades to its task types and
	// tasks. Sessions are owned by the session store and are not touched.
	DeleteProject(ctx context.Context, id string) error

	// ProjectStats derives per-status task counts. Never stored; always
	// recomputed from the task set.
	ProjectStats(ctx context.Context, projectID string) (*models.ProjectStats, error)
}

// TaskTypeStore covers task type records. Type IDs are globally unique even
// though names are only unique within a project.
type TaskTypeStore interface {
	// CreateTaskType persists a fully populated type. Returns
	// AlreadyExistsError when the name is taken within the project.
	CreateTaskType(ctx context.Context, tt *models.TaskType) error

	GetTaskType(ctx context.Context, id string) (*models.TaskType, error)
	GetTaskTypeByName(ctx context.Context, projectID, name string) (*models.TaskType, error)
	ListTaskTypes(ctx context.Context, projectID string) ([]*models.TaskType, error)
	UpdateTaskType(ctx context.Context, tt *models.TaskType) error

	// DeleteTaskType removes a type that no tasks reference. Returns
	// ValidationError while referencing tasks exist.
	DeleteTaskType(ctx context.Context, id string) error
}

// TaskStore covers task records plus the atomic primitives every backend
// must implement with identical semantics.
type TaskStore interface {
	// CreateTask persists a fully populated task (status queued, no lease
	// fields, empty attempts). Returns AlreadyExistsError when the caller
	// supplied an ID that is already taken.
	CreateTask(ctx context.Context, t *models.Task) error

	GetTask(ctx context.Context, id string) (*models.Task, error)

	// ListTasks returns the project's tasks ordered by creation time,
	// narrowed by filter.
	ListTasks(ctx context.Context, projectID string, filter TaskFilter) ([]*models.Task, error)

	// UpdateTask overwrites mutable descriptive fields (description,
	// variables on queued tasks). It must not be used for state
	// transitions; those go through the atomic primitives.
	UpdateTask(ctx context.Context, t *models.Task) error

	DeleteTask(ctx context.Context, id string) error

	// FetchNextTask is the atomic fetch-and-lease primitive. In one
	// indivisible step it selects the oldest eligible task (queued, or
	// running with an expired lease), marks it running with a fresh lease
	// held by in.AgentName, appends a new attempt, and returns the updated
	// record. A reclaimed task's open attempt is closed as expired first.
	//
	// If in.AgentName already holds a live lease on some task in the
	// project, that task is returned unchanged (resumption) and nothing is
	// mutated.
	//
	// Returns (nil, nil) when no task qualifies.
	FetchNextTask(ctx context.Context, in FetchInput) (*models.Task, error)

	// CompleteTask atomically transitions a running task to completed.
	// Fails with NotAssignedError when in.AgentName does not hold the
	// lease, InvalidStateError when the task is not running.
	CompleteTask(ctx context.Context, in CompleteInput) (*models.Task, error)

	// FailTask atomically records a failed attempt. The task is requeued
	// with an incremented retry count while budget remains and in.CanRetry
	// is set; otherwise it transitions to terminal failed. Preconditions
	// as CompleteTask.
	FailTask(ctx context.Context, in FailInput) (*models.Task, error)

	// ExtendLease atomically pushes the lease expiry out by in.Additional.
	// Preconditions as CompleteTask.
	ExtendLease(ctx context.Context, in ExtendInput) (*models.Task, error)

	// ReapTask performs the requeue-or-fail transition on one expired
	// running task: the open attempt is closed as expired and the task is
	// requeued (or terminally failed when retries are exhausted). Returns
	// (nil, nil) when the precondition no longer holds, so concurrent
	// fetch reclaims make the sweep a harmless no-op.
	ReapTask(ctx context.Context, in ReapInput) (*models.Task, error)

	// ListExpiredTasks returns the project's running tasks whose lease
	// expiry is at or before now. Input to the reaper sweep.
	ListExpiredTasks(ctx context.Context, projectID string, now time.Time) ([]*models.Task, error)

	// FindDuplicateTask returns any non-failed task in the project with
	// the given type and an equal variable map, or (nil, nil). Consulted
	// by the create path under duplicate policies ignore and fail.
	FindDuplicateTask(ctx context.Context, projectID, typeID string, variables map[string]string) (*models.Task, error)
}

// SessionStore covers agent sessions. Sessions are process-wide, keyed by
// opaque token, and not part of project cascade deletes.
type SessionStore interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, token string) (*models.Session, error)
	UpdateSession(ctx context.Context, s *models.Session) error
	DeleteSession(ctx context.Context, token string) error

	// FindSessionsByAgent returns the agent's sessions, newest first.
	// Empty projectID matches any project.
	FindSessionsByAgent(ctx context.Context, agentName, projectID string) ([]*models.Session, error)

	// DeleteExpiredSessions removes every session with ExpiresAt at or
	// before now and reports how many were deleted.
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error)
}

// Store is the full backend contract. The queue engine, reaper, and session
// manager depend on this interface only; backend selection happens once at
// process bootstrap.
type Store interface {
	ProjectStore
	TaskTypeStore
	TaskStore
	SessionStore

	// Ping verifies the backend is reachable and writable.
	Ping(ctx context.Context) error

	Close() error
}
