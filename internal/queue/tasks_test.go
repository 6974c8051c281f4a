package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotcommander/dispatch/internal/models"
)

func TestCreateTask_BindsTypeDefaults(t *testing.T) {
	ctx := context.Background()
	eng, clk := newTestEngine(t)
	p := seedProject(t, eng)
	tt := seedTaskType(t, eng, p.ID)

	task, err := eng.CreateTask(ctx, CreateTaskInput{
		ProjectID:   p.ID,
		TypeID:      tt.ID,
		Variables:   map[string]string{"file": "a.go", "rev": "r1"},
		Description: "first pass",
	})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusQueued, task.Status)
	assert.Equal(t, tt.MaxRetries, task.MaxRetries)
	assert.Equal(t, 0, task.RetryCount)
	assert.Equal(t, "first pass", task.Description)
	assert.Equal(t, clk.Now().UTC(), task.CreatedAt)
	assert.Empty(t, task.AssignedTo)
}

func TestCreateTask_CustomID(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)
	p := seedProject(t, eng)
	tt := seedTaskType(t, eng, p.ID)

	task, err := eng.CreateTask(ctx, CreateTaskInput{
		ProjectID: p.ID,
		TypeID:    tt.ID,
		Variables: map[string]string{"file": "a.go", "rev": "r1"},
		ID:        "  ticket-42  ",
	})
	require.NoError(t, err)
	assert.Equal(t, "ticket-42", task.ID)

	_, err = eng.CreateTask(ctx, CreateTaskInput{
		ProjectID: p.ID,
		TypeID:    tt.ID,
		Variables: map[string]string{"file": "b.go", "rev": "r1"},
		ID:        "ticket-42",
	})
	assert.ErrorIs(t, err, models.ErrAlreadyExists)
}

func TestCreateTask_Rejections(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)
	p := seedProject(t, eng)
	tt := seedTaskType(t, eng, p.ID)

	// Unbound placeholders.
	_, err := eng.CreateTask(ctx, CreateTaskInput{
		ProjectID: p.ID,
		TypeID:    tt.ID,
		Variables: map[string]string{"file": "a.go"},
	})
	var missing *models.MissingVariablesError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"rev"}, missing.Names)

	// Type from another project.
	p2, err := eng.CreateProject(ctx, CreateProjectInput{Name: "beta"})
	require.NoError(t, err)
	_, err = eng.CreateTask(ctx, CreateTaskInput{
		ProjectID: p2.ID,
		TypeID:    tt.ID,
		Variables: map[string]string{"file": "a.go", "rev": "r1"},
	})
	assert.ErrorIs(t, err, models.ErrValidation)

	// Closed project.
	closed := models.ProjectStatusClosed
	_, err = eng.UpdateProject(ctx, UpdateProjectInput{ProjectID: p.ID, Status: &closed})
	require.NoError(t, err)
	_, err = eng.CreateTask(ctx, CreateTaskInput{
		ProjectID: p.ID,
		TypeID:    tt.ID,
		Variables: map[string]string{"file": "a.go", "rev": "r1"},
	})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestCreateTask_DuplicatePolicies(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)
	p := seedProject(t, eng)

	ignore := models.DuplicateIgnore
	ignoreType, err := eng.CreateTaskType(ctx, CreateTaskTypeInput{
		ProjectID:       p.ID,
		Name:            "dedupe-ignore",
		Template:        "work on {{file}}",
		DuplicatePolicy: &ignore,
	})
	require.NoError(t, err)

	failPolicy := models.DuplicateFail
	failType, err := eng.CreateTaskType(ctx, CreateTaskTypeInput{
		ProjectID:       p.ID,
		Name:            "dedupe-fail",
		Template:        "work on {{file}}",
		DuplicatePolicy: &failPolicy,
	})
	require.NoError(t, err)

	t.Run("ignore returns the existing task", func(t *testing.T) {
		first, err := eng.CreateTask(ctx, CreateTaskInput{
			ProjectID: p.ID, TypeID: ignoreType.ID,
			Variables: map[string]string{"file": "a.go"},
		})
		require.NoError(t, err)

		second, err := eng.CreateTask(ctx, CreateTaskInput{
			ProjectID: p.ID, TypeID: ignoreType.ID,
			Variables: map[string]string{"file": "a.go"},
		})
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)

		// Different variables are not duplicates.
		third, err := eng.CreateTask(ctx, CreateTaskInput{
			ProjectID: p.ID, TypeID: ignoreType.ID,
			Variables: map[string]string{"file": "b.go"},
		})
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, third.ID)
	})

	t.Run("fail rejects with the existing task id", func(t *testing.T) {
		first, err := eng.CreateTask(ctx, CreateTaskInput{
			ProjectID: p.ID, TypeID: failType.ID,
			Variables: map[string]string{"file": "a.go"},
		})
		require.NoError(t, err)

		_, err = eng.CreateTask(ctx, CreateTaskInput{
			ProjectID: p.ID, TypeID: failType.ID,
			Variables: map[string]string{"file": "a.go"},
		})
		var dup *models.DuplicateTaskError
		require.ErrorAs(t, err, &dup)
		assert.Equal(t, first.ID, dup.ExistingTaskID)
		assert.ErrorIs(t, err, models.ErrDuplicateTask)
	})

	t.Run("allow never checks", func(t *testing.T) {
		allowType := seedTaskType(t, eng, p.ID)
		vars := map[string]string{"file": "a.go", "rev": "r1"}
		first := seedTask(t, eng, p.ID, allowType.ID, vars)
		second := seedTask(t, eng, p.ID, allowType.ID, vars)
		assert.NotEqual(t, first.ID, second.ID)
	})
}

func TestBulkCreateTasks_CollectsPerItemErrors(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)
	p := seedProject(t, eng)
	tt := seedTaskType(t, eng, p.ID)

	res, err := eng.BulkCreateTasks(ctx, p.ID, []BulkTaskItem{
		{TypeID: tt.ID, Variables: map[string]string{"file": "a.go", "rev": "r1"}},
		{TypeID: tt.ID, Variables: map[string]string{"file": "a.go"}},
		{TypeID: "tt_missing", Variables: map[string]string{"file": "b.go", "rev": "r1"}},
		{TypeID: tt.ID, Variables: map[string]string{"file": "c.go", "rev": "r1"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	require.Len(t, res.Errors, 2)
	assert.Contains(t, res.Errors[0], "item 1:")
	assert.Contains(t, res.Errors[0], "missing template variables")
	assert.Contains(t, res.Errors[1], "item 2:")

	tasks, err := eng.ListTasks(ctx, p.ID, ListTasksInput{})
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestBulkCreateTasks_UnknownProject(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)

	_, err := eng.BulkCreateTasks(ctx, "missing", nil)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestListTasks_FilterValidation(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)
	p := seedProject(t, eng)

	_, err := eng.ListTasks(ctx, p.ID, ListTasksInput{Status: "paused"})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = eng.ListTasks(ctx, p.ID, ListTasksInput{Limit: -1})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = eng.ListTasks(ctx, p.ID, ListTasksInput{Offset: -1})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestListTasks_FiltersAndPagination(t *testing.T) {
	ctx := context.Background()
	eng, clk := newTestEngine(t)
	p := seedProject(t, eng)
	tt := seedTaskType(t, eng, p.ID)

	for _, file := range []string{"a.go", "b.go", "c.go"} {
		seedTask(t, eng, p.ID, tt.ID, map[string]string{"file": file, "rev": "r1"})
		clk.Advance(time.Second)
	}

	res, err := eng.FetchNext(ctx, p.ID, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, res.Task)
	assert.Equal(t, "a.go", res.Task.Variables["file"])

	queued, err := eng.ListTasks(ctx, p.ID, ListTasksInput{Status: "queued"})
	require.NoError(t, err)
	assert.Len(t, queued, 2)

	running, err := eng.ListTasks(ctx, p.ID, ListTasksInput{Status: "running", AssignedTo: "agent-1"})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, res.Task.ID, running[0].ID)

	page, err := eng.ListTasks(ctx, p.ID, ListTasksInput{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "b.go", page[0].Variables["file"])
	assert.Equal(t, "c.go", page[1].Variables["file"])
}

func TestUpdateTask_VariablesOnlyWhileQueued(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)
	p := seedProject(t, eng)
	tt := seedTaskType(t, eng, p.ID)
	task := seedTask(t, eng, p.ID, tt.ID, map[string]string{"file": "a.go", "rev": "r1"})

	updated, err := eng.UpdateTask(ctx, UpdateTaskInput{
		TaskID:    task.ID,
		Variables: map[string]string{"file": "z.go", "rev": "r2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "z.go", updated.Variables["file"])

	// Incomplete replacement bindings are rejected.
	_, err = eng.UpdateTask(ctx, UpdateTaskInput{
		TaskID:    task.ID,
		Variables: map[string]string{"file": "z.go"},
	})
	assert.ErrorIs(t, err, models.ErrMissingVariables)

	res, err := eng.FetchNext(ctx, p.ID, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, res.Task)

	_, err = eng.UpdateTask(ctx, UpdateTaskInput{
		TaskID:    task.ID,
		Variables: map[string]string{"file": "y.go", "rev": "r3"},
	})
	assert.ErrorIs(t, err, models.ErrInvalidState)

	// Descriptions can change in any state.
	desc := "now running"
	updated, err = eng.UpdateTask(ctx, UpdateTaskInput{TaskID: task.ID, Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, "now running", updated.Description)
}

func TestInstructions_RendersLazily(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)
	p := seedProject(t, eng)
	tt := seedTaskType(t, eng, p.ID)
	task := seedTask(t, eng, p.ID, tt.ID, map[string]string{"file": "a.go", "rev": "r1"})

	got, err := eng.Instructions(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "review a.go at r1", got)

	// A template edit changes what existing tasks render.
	tmpl := "carefully review {{file}} at {{rev}}"
	_, err = eng.UpdateTaskType(ctx, UpdateTaskTypeInput{TypeID: tt.ID, Template: &tmpl})
	require.NoError(t, err)

	got, err = eng.Instructions(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "carefully review a.go at r1", got)

	_, err = eng.Instructions(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestDeleteTask(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)
	p := seedProject(t, eng)
	tt := seedTaskType(t, eng, p.ID)
	task := seedTask(t, eng, p.ID, tt.ID, map[string]string{"file": "a.go", "rev": "r1"})

	require.NoError(t, eng.DeleteTask(ctx, task.ID))
	_, err := eng.GetTask(ctx, task.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	assert.ErrorIs(t, eng.DeleteTask(ctx, task.ID), models.ErrNotFound)
}
