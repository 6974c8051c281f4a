package models

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructuredErrorsMatchSentinels(t *testing.T) {
	cases := []struct {
		err      error
		sentinel error
		code     string
	}{
		{&NotFoundError{Entity: "task", Key: "task_1"}, ErrNotFound, "NOT_FOUND"},
		{&AlreadyExistsError{Entity: "project", Key: "billing"}, ErrAlreadyExists, "ALREADY_EXISTS"},
		{&InvalidStateError{TaskID: "task_1", Expected: TaskStatusRunning, Actual: TaskStatusCompleted}, ErrInvalidState, "INVALID_STATE"},
		{&NotAssignedError{TaskID: "task_1", AgentName: "agent-a", AssignedTo: "agent-b"}, ErrNotAssignedToAgent, "NOT_ASSIGNED_TO_AGENT"},
		{&DuplicateTaskError{TypeID: "type_1", ExistingTaskID: "task_9"}, ErrDuplicateTask, "DUPLICATE_TASK"},
		{&MissingVariablesError{Names: []string{"branch"}}, ErrMissingVariables, "MISSING_TEMPLATE_VARIABLES"},
		{&ValidationError{Field: "name", Reason: "must not be empty"}, ErrValidation, "VALIDATION_ERROR"},
		{&LockTimeoutError{ProjectID: "proj_1", Timeout: 5 * time.Second}, ErrLockTimeout, "LOCK_TIMEOUT"},
	}

	for _, tc := range cases {
		assert.ErrorIs(t, tc.err, tc.sentinel, "%T", tc.err)

		// Matching must survive wrapping.
		wrapped := fmt.Errorf("op failed: %w", tc.err)
		assert.ErrorIs(t, wrapped, tc.sentinel, "%T wrapped", tc.err)

		var rec RecoverableError
		require.True(t, errors.As(tc.err, &rec), "%T should be recoverable", tc.err)
		assert.Equal(t, tc.code, rec.ErrorCode())
		assert.NotEmpty(t, rec.SuggestedAction())
		assert.NotEmpty(t, rec.Context())
	}
}

func TestNotAssignedErrorMessage(t *testing.T) {
	withOwner := &NotAssignedError{TaskID: "task_1", AgentName: "agent-a", AssignedTo: "agent-b"}
	assert.Contains(t, withOwner.Error(), "agent-b")

	noOwner := &NotAssignedError{TaskID: "task_1", AgentName: "agent-a"}
	assert.Contains(t, noOwner.Error(), "not assigned to agent agent-a")
}

func TestDuplicateTaskErrorContext(t *testing.T) {
	err := &DuplicateTaskError{
		TypeID:         "type_1",
		ExistingTaskID: "task_9",
		Variables:      map[string]string{"b": "2", "a": "1"},
	}
	ctx := err.Context()
	assert.Equal(t, `{"a":"1","b":"2"}`, ctx["variables"])
	assert.Equal(t, "task_9", ctx["existing"])
}

func TestSentinelsAreDistinct(t *testing.T) {
	sentinels := []error{
		ErrNotFound, ErrAlreadyExists, ErrInvalidState, ErrNotAssignedToAgent,
		ErrDuplicateTask, ErrMissingVariables, ErrValidation, ErrLockTimeout,
		ErrStorageUnavailable,
	}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i == j {
				continue
			}
			assert.NotErrorIs(t, a, b)
		}
	}
}
