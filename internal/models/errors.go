package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// RecoverableError is implemented by enriched errors that carry structured
// context and remediation hints. Transports and the output package use this
// interface to render stable error identities without importing the storage
// backends.
type RecoverableError interface {
	error
	ErrorCode() string
	Context() map[string]string
	SuggestedAction() string
}

// Sentinel errors. Structured error types below alias to these via Is so
// callers can branch with errors.Is regardless of which backend produced them.
var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrInvalidState       = errors.New("invalid task state for operation")
	ErrNotAssignedToAgent = errors.New("task is not assigned to agent")
	ErrDuplicateTask      = errors.New("duplicate task rejected by policy")
	ErrMissingVariables   = errors.New("template variables missing from binding")
	ErrValidation         = errors.New("validation failed")
	ErrLockTimeout        = errors.New("timed out acquiring storage lock")
	ErrStorageUnavailable = errors.New("storage backend unavailable")
)

// NotFoundError reports an absent entity by kind and lookup key.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s not found: %s", e.Entity, e.Key) }

func (e *NotFoundError) ErrorCode() string { return "NOT_FOUND" }

func (e *NotFoundError) Context() map[string]string {
	return map[string]string{"entity": e.Entity, "key": e.Key}
}

func (e *NotFoundError) SuggestedAction() string {
	return fmt.Sprintf("verify the %s identifier %q exists (it may have been deleted or expired)", e.Entity, e.Key)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// AlreadyExistsError reports a name or id uniqueness violation.
type AlreadyExistsError struct {
	Entity string
	Key    string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.Entity, e.Key)
}

func (e *AlreadyExistsError) ErrorCode() string { return "ALREADY_EXISTS" }

func (e *AlreadyExistsError) Context() map[string]string {
	return map[string]string{"entity": e.Entity, "key": e.Key}
}

func (e *AlreadyExistsError) SuggestedAction() string {
	return fmt.Sprintf("pick a different %s name or reuse the existing record", e.Entity)
}

func (e *AlreadyExistsError) Is(target error) bool { return target == ErrAlreadyExists }

// InvalidStateError reports a task transition attempted from the wrong state,
// e.g. completing a task that is not running.
type InvalidStateError struct {
	TaskID   string
	Expected TaskStatus
	Actual   TaskStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("task %s is %s, expected %s", e.TaskID, e.Actual, e.Expected)
}

func (e *InvalidStateError) ErrorCode() string { return "INVALID_STATE" }

func (e *InvalidStateError) Context() map[string]string {
	return map[string]string{
		"task_id":  e.TaskID,
		"expected": string(e.Expected),
		"actual":   string(e.Actual),
	}
}

func (e *InvalidStateError) SuggestedAction() string {
	return fmt.Sprintf("dispatch task get --id %s (inspect current status before retrying)", e.TaskID)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

// NotAssignedError reports a terminal operation issued by an agent that does
// not hold the task's lease. AssignedTo may be empty when the task has already
// been reassigned or requeued.
type NotAssignedError struct {
	TaskID     string
	AgentName  string
	AssignedTo string
}

func (e *NotAssignedError) Error() string {
	if e.AssignedTo == "" {
		return fmt.Sprintf("task %s is not assigned to agent %s", e.TaskID, e.AgentName)
	}
	return fmt.Sprintf("task %s is assigned to %s, not %s", e.TaskID, e.AssignedTo, e.AgentName)
}

func (e *NotAssignedError) ErrorCode() string { return "NOT_ASSIGNED_TO_AGENT" }

func (e *NotAssignedError) Context() map[string]string {
	return map[string]string{
		"task_id":     e.TaskID,
		"agent":       e.AgentName,
		"assigned_to": e.AssignedTo,
	}
}

func (e *NotAssignedError) SuggestedAction() string {
	return "the lease was lost; fetch fresh work with: dispatch task next"
}

func (e *NotAssignedError) Is(target error) bool { return target == ErrNotAssignedToAgent }

// DuplicateTaskError reports a create rejected under duplicate policy "fail".
type DuplicateTaskError struct {
	TypeID         string
	ExistingTaskID string
	Variables      map[string]string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("duplicate task for type %s (existing: %s)", e.TypeID, e.ExistingTaskID)
}

func (e *DuplicateTaskError) ErrorCode() string { return "DUPLICATE_TASK" }

func (e *DuplicateTaskError) Context() map[string]string {
	return map[string]string{
		"type_id":   e.TypeID,
		"existing":  e.ExistingTaskID,
		"variables": CanonicalVariables(e.Variables),
	}
}

func (e *DuplicateTaskError) SuggestedAction() string {
	return fmt.Sprintf("dispatch task get --id %s (the equivalent task already exists)", e.ExistingTaskID)
}

func (e *DuplicateTaskError) Is(target error) bool { return target == ErrDuplicateTask }

// MissingVariablesError reports template placeholders left unbound at task
// creation. Names are sorted for stable output.
type MissingVariablesError struct {
	Names []string
}

func (e *MissingVariablesError) Error() string {
	return fmt.Sprintf("missing template variables: %s", strings.Join(e.Names, ", "))
}

func (e *MissingVariablesError) ErrorCode() string { return "MISSING_TEMPLATE_VARIABLES" }

func (e *MissingVariablesError) Context() map[string]string {
	return map[string]string{"names": strings.Join(e.Names, ",")}
}

func (e *MissingVariablesError) SuggestedAction() string {
	return fmt.Sprintf("supply --var bindings for: %s", strings.Join(e.Names, ", "))
}

func (e *MissingVariablesError) Is(target error) bool { return target == ErrMissingVariables }

// ValidationError reports a malformed field on any operation input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) ErrorCode() string { return "VALIDATION_ERROR" }

func (e *ValidationError) Context() map[string]string {
	return map[string]string{"field": e.Field, "reason": e.Reason}
}

func (e *ValidationError) SuggestedAction() string {
	return fmt.Sprintf("correct the %s field and retry", e.Field)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// LockTimeoutError reports a failed acquisition of a storage critical section.
// Transient: callers may retry with backoff.
type LockTimeoutError struct {
	ProjectID string
	Path      string
	Timeout   time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s acquiring lock for project %s", e.Timeout, e.ProjectID)
}

func (e *LockTimeoutError) ErrorCode() string { return "LOCK_TIMEOUT" }

func (e *LockTimeoutError) Context() map[string]string {
	return map[string]string{
		"project_id": e.ProjectID,
		"path":       e.Path,
		"timeout":    e.Timeout.String(),
	}
}

func (e *LockTimeoutError) SuggestedAction() string {
	return "retry; if this persists a crashed process may be holding the lock file"
}

func (e *LockTimeoutError) Is(target error) bool { return target == ErrLockTimeout }
