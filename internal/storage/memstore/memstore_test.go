package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotcommander/dispatch/internal/models"
	"github.com/dotcommander/dispatch/internal/storage"
	"github.com/dotcommander/dispatch/internal/storage/storagetest"
)

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return New()
	})
}

// Mutating a record after handing it to the store, or mutating what the
// store returns, must never leak into held state.
func TestReturnedRecordsDoNotAlias(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

	p := &models.Project{
		ID: "proj_1", Name: "alpha", Status: models.ProjectStatusActive,
		DefaultMaxRetries: 3, DefaultLease: 10 * time.Minute,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateProject(ctx, p))
	tt := &models.TaskType{
		ID: "type_1", ProjectID: "proj_1", Name: "review",
		Template: "look at {{item}}", Variables: []string{"item"},
		DuplicatePolicy: models.DuplicateAllow, MaxRetries: 1,
		LeaseDuration: time.Minute, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateTaskType(ctx, tt))
	task := &models.Task{
		ID: "task_1", ProjectID: "proj_1", TypeID: "type_1",
		Variables: map[string]string{"item": "pr-1"},
		Status:    models.TaskStatusQueued, MaxRetries: 1,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateTask(ctx, task))

	// Caller mutates its own copy after create.
	task.Variables["item"] = "tampered"
	tt.Variables[0] = "tampered"

	got, err := s.GetTask(ctx, "task_1")
	require.NoError(t, err)
	assert.Equal(t, "pr-1", got.Variables["item"])

	gotType, err := s.GetTaskType(ctx, "type_1")
	require.NoError(t, err)
	assert.Equal(t, "item", gotType.Variables[0])

	// Caller mutates what the store returned.
	got.Status = models.TaskStatusFailed
	got.Variables["item"] = "tampered"

	fresh, err := s.GetTask(ctx, "task_1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusQueued, fresh.Status)
	assert.Equal(t, "pr-1", fresh.Variables["item"])
}
