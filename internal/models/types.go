package models

import (
	"encoding/json"
	"sort"
	"time"
)

// ID Strategy:
// - Projects, TaskTypes, Tasks use string IDs of the form "prefix_<unixnano>_<hex>"
//   (distributed generation, collision-free without coordination).
// - Session tokens are opaque UUIDv4 strings; they double as bearer handles and
//   must not be guessable from timestamps.
// - Attempts are numbered per task (1-based seq) because they are an append-only
//   log owned by exactly one task.

// ProjectStatus represents the lifecycle state of a project.
type ProjectStatus string

// Project status constants.
const (
	ProjectStatusActive ProjectStatus = "active"
	ProjectStatusClosed ProjectStatus = "closed"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

// Task status constants.
const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// IsTerminal returns true once a task can never run again.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Valid reports whether s is one of the four task states.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed:
		return true
	}
	return false
}

// AttemptStatus represents the state of a single lease-bounded execution.
type AttemptStatus string

// Attempt status constants.
const (
	AttemptRunning   AttemptStatus = "running"
	AttemptCompleted AttemptStatus = "completed"
	AttemptFailed    AttemptStatus = "failed"
	AttemptExpired   AttemptStatus = "expired"
)

// DuplicatePolicy controls how a task type treats repeated submissions with
// identical variable bindings.
type DuplicatePolicy string

// Duplicate policy constants.
const (
	DuplicateAllow  DuplicatePolicy = "allow"
	DuplicateIgnore DuplicatePolicy = "ignore"
	DuplicateFail   DuplicatePolicy = "fail"
)

// Valid reports whether p is a known duplicate policy.
func (p DuplicatePolicy) Valid() bool {
	return p == DuplicateAllow || p == DuplicateIgnore || p == DuplicateFail
}

// Project is the top-level isolation unit. All task types and tasks live under
// exactly one project; per-project defaults seed new task types.
type Project struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	Description       string        `json:"description,omitempty"`
	Instructions      string        `json:"instructions,omitempty"`
	Status            ProjectStatus `json:"status"`
	DefaultMaxRetries int           `json:"default_max_retries"`
	DefaultLease      time.Duration `json:"default_lease_ns"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// IsClosed returns true if the project no longer accepts new work.
func (p *Project) IsClosed() bool {
	return p.Status == ProjectStatusClosed
}

// TaskType is a reusable template plus policy. Tasks are instantiated from a
// type by binding a variable map into its template.
type TaskType struct {
	ID              string          `json:"id"`
	ProjectID       string          `json:"project_id"`
	Name            string          `json:"name"`
	Template        string          `json:"template"`
	Variables       []string        `json:"variables,omitempty"`
	DuplicatePolicy DuplicatePolicy `json:"duplicate_policy"`
	MaxRetries      int             `json:"max_retries"`
	LeaseDuration   time.Duration   `json:"lease_duration_ns"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Task is one unit of work instantiated from a task type.
//
// Lease fields (AssignedTo, AssignedAt, LeaseExpiresAt) are all set while the
// task is running and all absent otherwise; MaxRetries is snapshotted from the
// type at create time so later type edits never change in-flight semantics.
type Task struct {
	ID             string            `json:"id"`
	ProjectID      string            `json:"project_id"`
	TypeID         string            `json:"type_id"`
	Description    string            `json:"description,omitempty"`
	Variables      map[string]string `json:"variables,omitempty"`
	Status         TaskStatus        `json:"status"`
	RetryCount     int               `json:"retry_count"`
	MaxRetries     int               `json:"max_retries"`
	AssignedTo     string            `json:"assigned_to,omitempty"`
	AssignedAt     *time.Time        `json:"assigned_at,omitempty"`
	LeaseExpiresAt *time.Time        `json:"lease_expires_at,omitempty"`
	Attempts       []TaskAttempt     `json:"attempts,omitempty"`
	Result         json.RawMessage   `json:"result,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	FailedAt       *time.Time        `json:"failed_at,omitempty"`
}

// IsLeased returns true if the task holds a lease that has not expired at now.
func (t *Task) IsLeased(now time.Time) bool {
	return t.Status == TaskStatusRunning && t.LeaseExpiresAt != nil && t.LeaseExpiresAt.After(now)
}

// LeaseExpired returns true if the task is running but its lease has lapsed.
func (t *Task) LeaseExpired(now time.Time) bool {
	return t.Status == TaskStatusRunning && t.LeaseExpiresAt != nil && !t.LeaseExpiresAt.After(now)
}

// CurrentAttempt returns the last attempt, or nil if none have been made.
func (t *Task) CurrentAttempt() *TaskAttempt {
	if len(t.Attempts) == 0 {
		return nil
	}
	return &t.Attempts[len(t.Attempts)-1]
}

// TaskAttempt is one lease-bounded execution of a task by one agent.
// Attempts are append-only; Seq is 1-based in append order.
type TaskAttempt struct {
	Seq         int             `json:"seq"`
	AgentName   string          `json:"agent_name"`
	Status      AttemptStatus   `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Session ties an agent name to a project under an opaque TTL-bounded token.
// TTL is the refresh amount applied on each validated access.
type Session struct {
	Token          string            `json:"token"`
	AgentName      string            `json:"agent_name"`
	ProjectID      string            `json:"project_id"`
	TTL            time.Duration     `json:"ttl_ns"`
	Data           map[string]string `json:"data,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	LastAccessedAt time.Time         `json:"last_accessed_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
}

// Expired returns true once the session must be treated as gone. The expiry
// instant itself counts as expired, matching the lease boundary.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// ProjectStats are derived counts over a project's task set. They are computed
// on read and never stored independently.
type ProjectStats struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// CanonicalVariables renders a variable map as JSON with sorted keys. Nil and
// empty maps both canonicalize to "{}", so duplicate detection treats a missing
// map and an empty one as equal, and key order never matters.
func CanonicalVariables(vars map[string]string) string {
	if len(vars) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b := make([]byte, 0, 16*len(keys))
	b = append(b, '{')
	for i, k := range keys {
		if i > 0 {
			b = append(b, ',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(vars[k])
		b = append(b, kb...)
		b = append(b, ':')
		b = append(b, vb...)
	}
	b = append(b, '}')
	return string(b)
}

// VariablesEqual compares two variable maps by key set and values.
func VariablesEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// LeaseExpiredResult is the result recorded on attempts (and on the task,
// when the failure is terminal) closed by lease expiry.
func LeaseExpiredResult() json.RawMessage {
	return json.RawMessage(`{"error":"lease expired"}`)
}
