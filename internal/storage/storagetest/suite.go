// Package storagetest holds the conformance suite every storage backend must
// pass. The backends differ in persistence strategy but the observable
// behavior of the atomic primitives has to be identical; each backend's test
// file calls Run with a factory for a fresh store.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dotcommander/dispatch/internal/models"
	"github.com/dotcommander/dispatch/internal/storage"
)

// Factory returns a fresh empty store. Cleanup belongs in t.Cleanup.
type Factory func(t *testing.T) storage.Store

// Run executes the full conformance suite against the factory's stores.
func Run(t *testing.T, newStore Factory) {
	cases := []struct {
		name string
		fn   func(t *testing.T, f *fixture)
	}{
		{"ProjectCRUD", testProjectCRUD},
		{"ProjectDeleteCascades", testProjectDeleteCascades},
		{"ProjectStats", testProjectStats},
		{"TaskTypeCRUD", testTaskTypeCRUD},
		{"TaskCRUD", testTaskCRUD},
		{"ListTaskFilters", testListTaskFilters},
		{"BasicLifecycle", testBasicLifecycle},
		{"FetchOrdersByCreation", testFetchOrdersByCreation},
		{"FetchLeaseComesFromType", testFetchLeaseComesFromType},
		{"RetryThenFail", testRetryThenFail},
		{"FailNoRetryIsTerminal", testFailNoRetryIsTerminal},
		{"ReaperReclaim", testReaperReclaim},
		{"ReapExhaustsRetries", testReapExhaustsRetries},
		{"ReapIgnoresLiveLease", testReapIgnoresLiveLease},
		{"FetchReclaimsExpiredLease", testFetchReclaimsExpiredLease},
		{"WrongAgentTerminalOps", testWrongAgentTerminalOps},
		{"ExtendLease", testExtendLease},
		{"Resumption", testResumption},
		{"ConcurrentFetchSingleWinner", testConcurrentFetchSingleWinner},
		{"ProjectIsolation", testProjectIsolation},
		{"FindDuplicate", testFindDuplicate},
		{"Sessions", testSessions},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newFixture(t, newStore(t)))
		})
	}
}

// fixture drives a store with a deterministic logical clock and builds fully
// populated records the way the queue engine does.
type fixture struct {
	t     *testing.T
	store storage.Store
	ctx   context.Context
	now   time.Time
}

const defaultLease = 10 * time.Minute

func newFixture(t *testing.T, store storage.Store) *fixture {
	return &fixture{
		t:     t,
		store: store,
		ctx:   context.Background(),
		now:   time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC),
	}
}

// tick advances the fixture clock so records get distinct timestamps.
func (f *fixture) tick(d time.Duration) time.Time {
	f.now = f.now.Add(d)
	return f.now
}

func (f *fixture) createProject(name string) *models.Project {
	f.t.Helper()
	p := &models.Project{
		ID:                storage.NewID(storage.ProjectIDPrefix),
		Name:              name,
		Description:       name + " description",
		Status:            models.ProjectStatusActive,
		DefaultMaxRetries: 3,
		DefaultLease:      defaultLease,
		CreatedAt:         f.tick(time.Millisecond),
		UpdatedAt:         f.now,
	}
	require.NoError(f.t, f.store.CreateProject(f.ctx, p))
	return p
}

type typeOpt func(*models.TaskType)

func withMaxRetries(n int) typeOpt {
	return func(tt *models.TaskType) { tt.MaxRetries = n }
}

func withLease(d time.Duration) typeOpt {
	return func(tt *models.TaskType) { tt.LeaseDuration = d }
}

func (f *fixture) createType(p *models.Project, name string, opts ...typeOpt) *models.TaskType {
	f.t.Helper()
	tt := &models.TaskType{
		ID:              storage.NewID(storage.TaskTypeIDPrefix),
		ProjectID:       p.ID,
		Name:            name,
		Template:        "work on {{item}}",
		Variables:       []string{"item"},
		DuplicatePolicy: models.DuplicateAllow,
		MaxRetries:      1,
		LeaseDuration:   time.Minute,
		CreatedAt:       f.tick(time.Millisecond),
		UpdatedAt:       f.now,
	}
	for _, opt := range opts {
		opt(tt)
	}
	require.NoError(f.t, f.store.CreateTaskType(f.ctx, tt))
	return tt
}

func (f *fixture) createTask(p *models.Project, tt *models.TaskType, vars map[string]string) *models.Task {
	f.t.Helper()
	task := &models.Task{
		ID:         storage.NewID(storage.TaskIDPrefix),
		ProjectID:  p.ID,
		TypeID:     tt.ID,
		Variables:  vars,
		Status:     models.TaskStatusQueued,
		MaxRetries: tt.MaxRetries,
		CreatedAt:  f.tick(time.Millisecond),
		UpdatedAt:  f.now,
	}
	require.NoError(f.t, f.store.CreateTask(f.ctx, task))
	return task
}

func (f *fixture) fetch(p *models.Project, agent string) *models.Task {
	f.t.Helper()
	task, err := f.store.FetchNextTask(f.ctx, storage.FetchInput{
		ProjectID:    p.ID,
		AgentName:    agent,
		Now:          f.now,
		DefaultLease: defaultLease,
	})
	require.NoError(f.t, err)
	return task
}

func (f *fixture) complete(taskID, agent string) (*models.Task, error) {
	return f.store.CompleteTask(f.ctx, storage.CompleteInput{
		TaskID:    taskID,
		AgentName: agent,
		Result:    []byte(`{"ok":true}`),
		Now:       f.now,
	})
}

func (f *fixture) fail(taskID, agent string, canRetry bool) (*models.Task, error) {
	return f.store.FailTask(f.ctx, storage.FailInput{
		TaskID:    taskID,
		AgentName: agent,
		Result:    []byte(`{"error":"boom"}`),
		CanRetry:  canRetry,
		Now:       f.now,
	})
}

// expireLease rewrites the fixture clock past the task's lease expiry.
func (f *fixture) expireLease(task *models.Task) {
	f.t.Helper()
	require.NotNil(f.t, task.LeaseExpiresAt)
	if f.now.Before(*task.LeaseExpiresAt) {
		f.now = task.LeaseExpiresAt.Add(time.Second)
	}
}

// requireRunning asserts the leased-task invariant: status running with all
// three lease fields present.
func requireRunning(t *testing.T, task *models.Task, agent string) {
	t.Helper()
	require.NotNil(t, task)
	assert.Equal(t, models.TaskStatusRunning, task.Status)
	assert.Equal(t, agent, task.AssignedTo)
	require.NotNil(t, task.AssignedAt)
	require.NotNil(t, task.LeaseExpiresAt)
}

// requireUnleased asserts the complementary invariant: any non-running status
// carries no lease fields.
func requireUnleased(t *testing.T, task *models.Task) {
	t.Helper()
	require.NotNil(t, task)
	assert.NotEqual(t, models.TaskStatusRunning, task.Status)
	assert.Empty(t, task.AssignedTo)
	assert.Nil(t, task.AssignedAt)
	assert.Nil(t, task.LeaseExpiresAt)
}

// --- projects ---

func testProjectCRUD(t *testing.T, f *fixture) {
	p := f.createProject("billing")

	got, err := f.store.GetProject(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, "billing", got.Name)
	assert.Equal(t, models.ProjectStatusActive, got.Status)
	assert.Equal(t, defaultLease, got.DefaultLease)

	got, err = f.store.GetProjectByName(f.ctx, "billing")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	_, err = f.store.GetProject(f.ctx, "proj_missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = f.store.GetProjectByName(f.ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	dup := &models.Project{
		ID: storage.NewID(storage.ProjectIDPrefix), Name: "billing",
		Status: models.ProjectStatusActive, CreatedAt: f.tick(time.Millisecond), UpdatedAt: f.now,
	}
	assert.ErrorIs(t, f.store.CreateProject(f.ctx, dup), models.ErrAlreadyExists)

	p2 := f.createProject("reports")
	p2.Status = models.ProjectStatusClosed
	p2.UpdatedAt = f.tick(time.Millisecond)
	require.NoError(t, f.store.UpdateProject(f.ctx, p2))

	open, err := f.store.ListProjects(f.ctx, false)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, p.ID, open[0].ID)

	all, err := f.store.ListProjects(f.ctx, true)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, p.ID, all[0].ID, "projects list in creation order")

	require.NoError(t, f.store.DeleteProject(f.ctx, p2.ID))
	assert.ErrorIs(t, f.store.DeleteProject(f.ctx, p2.ID), models.ErrNotFound)
}

func testProjectDeleteCascades(t *testing.T, f *fixture) {
	p := f.createProject("doomed")
	tt := f.createType(p, "review")
	task := f.createTask(p, tt, map[string]string{"item": "pr-1"})

	survivor := f.createProject("survivor")
	st := f.createType(survivor, "review")
	stask := f.createTask(survivor, st, map[string]string{"item": "pr-2"})

	require.NoError(t, f.store.DeleteProject(f.ctx, p.ID))

	_, err := f.store.GetProject(f.ctx, p.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = f.store.GetTaskType(f.ctx, tt.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = f.store.GetTask(f.ctx, task.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	// The other project's records are untouched.
	_, err = f.store.GetTaskType(f.ctx, st.ID)
	require.NoError(t, err)
	_, err = f.store.GetTask(f.ctx, stask.ID)
	require.NoError(t, err)
}

func testProjectStats(t *testing.T, f *fixture) {
	p := f.createProject("stats")
	tt := f.createType(p, "crunch", withMaxRetries(0))

	for i := 0; i < 4; i++ {
		f.createTask(p, tt, map[string]string{"item": fmt.Sprintf("n-%d", i)})
	}

	running := f.fetch(p, "a1")
	require.NotNil(t, running)

	done := f.fetch(p, "a2")
	require.NotNil(t, done)
	_, err := f.complete(done.ID, "a2")
	require.NoError(t, err)

	failed := f.fetch(p, "a3")
	require.NotNil(t, failed)
	_, err = f.fail(failed.ID, "a3", false)
	require.NoError(t, err)

	stats, err := f.store.ProjectStats(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, &models.ProjectStats{Total: 4, Queued: 1, Running: 1, Completed: 1, Failed: 1}, stats)

	_, err = f.store.ProjectStats(f.ctx, "proj_missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

// --- task types ---

func testTaskTypeCRUD(t *testing.T, f *fixture) {
	p := f.createProject("alpha")
	other := f.createProject("beta")

	tt := f.createType(p, "review")

	got, err := f.store.GetTaskType(f.ctx, tt.ID)
	require.NoError(t, err)
	assert.Equal(t, "work on {{item}}", got.Template)
	assert.Equal(t, []string{"item"}, got.Variables)
	assert.Equal(t, time.Minute, got.LeaseDuration)

	got, err = f.store.GetTaskTypeByName(f.ctx, p.ID, "review")
	require.NoError(t, err)
	assert.Equal(t, tt.ID, got.ID)

	// Name uniqueness is per project.
	dup := &models.TaskType{
		ID: storage.NewID(storage.TaskTypeIDPrefix), ProjectID: p.ID, Name: "review",
		Template: "x", DuplicatePolicy: models.DuplicateAllow,
		MaxRetries: 1, LeaseDuration: time.Minute,
		CreatedAt: f.tick(time.Millisecond), UpdatedAt: f.now,
	}
	assert.ErrorIs(t, f.store.CreateTaskType(f.ctx, dup), models.ErrAlreadyExists)
	f.createType(other, "review")

	tt.Template = "re-review {{item}}"
	tt.UpdatedAt = f.tick(time.Millisecond)
	require.NoError(t, f.store.UpdateTaskType(f.ctx, tt))
	got, err = f.store.GetTaskType(f.ctx, tt.ID)
	require.NoError(t, err)
	assert.Equal(t, "re-review {{item}}", got.Template)

	list, err := f.store.ListTaskTypes(f.ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)

	// Deletion is blocked while tasks reference the type.
	task := f.createTask(p, tt, map[string]string{"item": "pr-1"})
	assert.ErrorIs(t, f.store.DeleteTaskType(f.ctx, tt.ID), models.ErrValidation)
	require.NoError(t, f.store.DeleteTask(f.ctx, task.ID))
	require.NoError(t, f.store.DeleteTaskType(f.ctx, tt.ID))

	_, err = f.store.GetTaskType(f.ctx, tt.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

// --- tasks ---

func testTaskCRUD(t *testing.T, f *fixture) {
	p := f.createProject("alpha")
	tt := f.createType(p, "review")

	task := f.createTask(p, tt, map[string]string{"item": "pr-7"})

	got, err := f.store.GetTask(f.ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusQueued, got.Status)
	assert.Equal(t, map[string]string{"item": "pr-7"}, got.Variables)
	assert.Equal(t, tt.MaxRetries, got.MaxRetries)
	assert.Empty(t, got.Attempts)
	requireUnleased(t, got)

	// Caller-supplied IDs must be unique.
	clash := &models.Task{
		ID: task.ID, ProjectID: p.ID, TypeID: tt.ID,
		Status: models.TaskStatusQueued, MaxRetries: 1,
		CreatedAt: f.tick(time.Millisecond), UpdatedAt: f.now,
	}
	assert.ErrorIs(t, f.store.CreateTask(f.ctx, clash), models.ErrAlreadyExists)

	task.Description = "look at pr-7 again"
	task.UpdatedAt = f.tick(time.Millisecond)
	require.NoError(t, f.store.UpdateTask(f.ctx, task))
	got, err = f.store.GetTask(f.ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "look at pr-7 again", got.Description)

	require.NoError(t, f.store.DeleteTask(f.ctx, task.ID))
	_, err = f.store.GetTask(f.ctx, task.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.ErrorIs(t, f.store.DeleteTask(f.ctx, task.ID), models.ErrNotFound)
}

func testListTaskFilters(t *testing.T, f *fixture) {
	p := f.createProject("alpha")
	reviews := f.createType(p, "review")
	builds := f.createType(p, "build")

	r1 := f.createTask(p, reviews, map[string]string{"item": "pr-1"})
	r2 := f.createTask(p, reviews, map[string]string{"item": "pr-2"})
	b1 := f.createTask(p, builds, map[string]string{"item": "main"})

	fetched := f.fetch(p, "a1")
	require.NotNil(t, fetched)
	assert.Equal(t, r1.ID, fetched.ID)

	all, err := f.store.ListTasks(f.ctx, p.ID, storage.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{r1.ID, r2.ID, b1.ID}, ids(all), "creation order")

	queued, err := f.store.ListTasks(f.ctx, p.ID, storage.TaskFilter{Status: models.TaskStatusQueued})
	require.NoError(t, err)
	assert.Equal(t, []string{r2.ID, b1.ID}, ids(queued))

	byType, err := f.store.ListTasks(f.ctx, p.ID, storage.TaskFilter{TypeID: reviews.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{r1.ID, r2.ID}, ids(byType))

	mine, err := f.store.ListTasks(f.ctx, p.ID, storage.TaskFilter{AssignedTo: "a1"})
	require.NoError(t, err)
	assert.Equal(t, []string{r1.ID}, ids(mine))

	page, err := f.store.ListTasks(f.ctx, p.ID, storage.TaskFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{r2.ID}, ids(page))

	past, err := f.store.ListTasks(f.ctx, p.ID, storage.TaskFilter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, past)

	_, err = f.store.ListTasks(f.ctx, "proj_missing", storage.TaskFilter{})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func ids(tasks []*models.Task) []string {
	out := make([]string, len(tasks))
	for i, task := range tasks {
		out[i] = task.ID
	}
	return out
}

// --- lifecycle scenarios ---

func testBasicLifecycle(t *testing.T, f *fixture) {
	p := f.createProject("hello")
	tt := f.createType(p, "greet", withMaxRetries(0), withLease(time.Minute))
	task := f.createTask(p, tt, map[string]string{"item": "world"})

	fetchedAt := f.tick(time.Second)
	got := f.fetch(p, "a1")
	requireRunning(t, got, "a1")
	assert.Equal(t, task.ID, got.ID)
	assert.True(t, got.AssignedAt.Equal(fetchedAt))
	assert.True(t, got.LeaseExpiresAt.Equal(fetchedAt.Add(time.Minute)))
	require.Len(t, got.Attempts, 1)
	assert.Equal(t, 1, got.Attempts[0].Seq)
	assert.Equal(t, "a1", got.Attempts[0].AgentName)
	assert.Equal(t, models.AttemptRunning, got.Attempts[0].Status)

	f.tick(10 * time.Second)
	done, err := f.complete(got.ID, "a1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, done.Status)
	requireUnleased(t, done)
	require.NotNil(t, done.CompletedAt)
	assert.JSONEq(t, `{"ok":true}`, string(done.Result))
	require.Len(t, done.Attempts, 1)
	assert.Equal(t, models.AttemptCompleted, done.Attempts[0].Status)
	require.NotNil(t, done.Attempts[0].CompletedAt)
	assert.False(t, done.Attempts[0].CompletedAt.Before(done.Attempts[0].StartedAt))

	assert.Nil(t, f.fetch(p, "a2"), "queue drained")
}

func testFetchOrdersByCreation(t *testing.T, f *fixture) {
	p := f.createProject("fifo")
	tt := f.createType(p, "crunch")

	first := f.createTask(p, tt, map[string]string{"item": "1"})
	second := f.createTask(p, tt, map[string]string{"item": "2"})
	third := f.createTask(p, tt, map[string]string{"item": "3"})

	assert.Equal(t, first.ID, f.fetch(p, "a1").ID)
	assert.Equal(t, second.ID, f.fetch(p, "a2").ID)
	assert.Equal(t, third.ID, f.fetch(p, "a3").ID)
	assert.Nil(t, f.fetch(p, "a4"))
}

func testFetchLeaseComesFromType(t *testing.T, f *fixture) {
	p := f.createProject("leases")
	long := f.createType(p, "long", withLease(30*time.Minute))
	f.createTask(p, long, map[string]string{"item": "x"})

	now := f.tick(time.Second)
	got := f.fetch(p, "a1")
	requireRunning(t, got, "a1")
	assert.True(t, got.LeaseExpiresAt.Equal(now.Add(30*time.Minute)))

	// A zero type lease falls back to the caller's default.
	zero := f.createType(p, "zero", withLease(0))
	f.createTask(p, zero, map[string]string{"item": "y"})
	now = f.tick(time.Second)
	got = f.fetch(p, "a2")
	requireRunning(t, got, "a2")
	assert.True(t, got.LeaseExpiresAt.Equal(now.Add(defaultLease)))
}

func testRetryThenFail(t *testing.T, f *fixture) {
	p := f.createProject("retries")
	tt := f.createType(p, "flaky", withMaxRetries(1))
	task := f.createTask(p, tt, map[string]string{"item": "x"})

	got := f.fetch(p, "a1")
	require.NotNil(t, got)

	f.tick(time.Second)
	afterFirst, err := f.fail(got.ID, "a1", true)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusQueued, afterFirst.Status)
	assert.Equal(t, 1, afterFirst.RetryCount)
	requireUnleased(t, afterFirst)
	require.Len(t, afterFirst.Attempts, 1)
	assert.Equal(t, models.AttemptFailed, afterFirst.Attempts[0].Status)

	got = f.fetch(p, "a2")
	require.NotNil(t, got)
	assert.Equal(t, task.ID, got.ID)
	require.Len(t, got.Attempts, 2)
	assert.Equal(t, "a2", got.Attempts[1].AgentName)

	f.tick(time.Second)
	afterSecond, err := f.fail(got.ID, "a2", true)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, afterSecond.Status)
	assert.Equal(t, 2, afterSecond.RetryCount, "terminal retry count equals attempt count")
	require.NotNil(t, afterSecond.FailedAt)
	requireUnleased(t, afterSecond)
	assert.JSONEq(t, `{"error":"boom"}`, string(afterSecond.Result))

	assert.Nil(t, f.fetch(p, "a3"), "failed task is not eligible")
}

func testFailNoRetryIsTerminal(t *testing.T, f *fixture) {
	p := f.createProject("noretry")
	tt := f.createType(p, "strict", withMaxRetries(5))
	f.createTask(p, tt, map[string]string{"item": "x"})

	got := f.fetch(p, "a1")
	require.NotNil(t, got)

	failed, err := f.fail(got.ID, "a1", false)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, failed.Status)
	assert.Equal(t, 1, failed.RetryCount)
	require.NotNil(t, failed.FailedAt)
}

// --- reaper ---

func testReaperReclaim(t *testing.T, f *fixture) {
	p := f.createProject("reclaim")
	tt := f.createType(p, "slow", withLease(time.Minute))
	task := f.createTask(p, tt, map[string]string{"item": "x"})

	got := f.fetch(p, "a1")
	requireRunning(t, got, "a1")

	f.expireLease(got)

	expired, err := f.store.ListExpiredTasks(f.ctx, p.ID, f.now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, task.ID, expired[0].ID)

	reaped, err := f.store.ReapTask(f.ctx, storage.ReapInput{TaskID: task.ID, Now: f.now})
	require.NoError(t, err)
	require.NotNil(t, reaped)
	assert.Equal(t, models.TaskStatusQueued, reaped.Status)
	assert.Equal(t, 1, reaped.RetryCount)
	requireUnleased(t, reaped)
	require.Len(t, reaped.Attempts, 1)
	assert.Equal(t, models.AttemptExpired, reaped.Attempts[0].Status)
	assert.Equal(t, "a1", reaped.Attempts[0].AgentName, "expired attempt keeps the old agent for audit")
	assert.JSONEq(t, `{"error":"lease expired"}`, string(reaped.Attempts[0].Result))

	// Reaping again is a no-op: the precondition no longer holds.
	again, err := f.store.ReapTask(f.ctx, storage.ReapInput{TaskID: task.ID, Now: f.now})
	require.NoError(t, err)
	assert.Nil(t, again)

	got = f.fetch(p, "a2")
	requireRunning(t, got, "a2")
	assert.Equal(t, task.ID, got.ID)
	require.Len(t, got.Attempts, 2)
}

func testReapExhaustsRetries(t *testing.T, f *fixture) {
	p := f.createProject("exhaust")
	tt := f.createType(p, "fragile", withMaxRetries(0), withLease(time.Minute))
	task := f.createTask(p, tt, map[string]string{"item": "x"})

	got := f.fetch(p, "a1")
	requireRunning(t, got, "a1")
	f.expireLease(got)

	reaped, err := f.store.ReapTask(f.ctx, storage.ReapInput{TaskID: task.ID, Now: f.now})
	require.NoError(t, err)
	require.NotNil(t, reaped)
	assert.Equal(t, models.TaskStatusFailed, reaped.Status)
	assert.Equal(t, 1, reaped.RetryCount)
	require.NotNil(t, reaped.FailedAt)
	assert.JSONEq(t, `{"error":"lease expired"}`, string(reaped.Result))

	assert.Nil(t, f.fetch(p, "a2"))
}

func testReapIgnoresLiveLease(t *testing.T, f *fixture) {
	p := f.createProject("live")
	tt := f.createType(p, "steady", withLease(time.Hour))
	task := f.createTask(p, tt, map[string]string{"item": "x"})

	got := f.fetch(p, "a1")
	requireRunning(t, got, "a1")

	reaped, err := f.store.ReapTask(f.ctx, storage.ReapInput{TaskID: task.ID, Now: f.now})
	require.NoError(t, err)
	assert.Nil(t, reaped)

	expired, err := f.store.ListExpiredTasks(f.ctx, p.ID, f.now)
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func testFetchReclaimsExpiredLease(t *testing.T, f *fixture) {
	p := f.createProject("takeover")
	tt := f.createType(p, "slow", withMaxRetries(2), withLease(time.Minute))
	task := f.createTask(p, tt, map[string]string{"item": "x"})

	got := f.fetch(p, "a1")
	requireRunning(t, got, "a1")
	f.expireLease(got)

	// A fetch by another agent reclaims through the same requeue
	// transition the reaper uses, then reassigns.
	got = f.fetch(p, "a2")
	requireRunning(t, got, "a2")
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, 1, got.RetryCount)
	require.Len(t, got.Attempts, 2)
	assert.Equal(t, models.AttemptExpired, got.Attempts[0].Status)
	assert.Equal(t, "a1", got.Attempts[0].AgentName)
	assert.Equal(t, models.AttemptRunning, got.Attempts[1].Status)
	assert.Equal(t, "a2", got.Attempts[1].AgentName)

	// The displaced agent sees the loss on its next terminal op.
	_, err := f.complete(task.ID, "a1")
	assert.ErrorIs(t, err, models.ErrNotAssignedToAgent)
}

func testWrongAgentTerminalOps(t *testing.T, f *fixture) {
	p := f.createProject("ownership")
	tt := f.createType(p, "guarded")
	task := f.createTask(p, tt, map[string]string{"item": "x"})

	// Terminal ops on a queued task report the state, not ownership.
	_, err := f.complete(task.ID, "a1")
	assert.ErrorIs(t, err, models.ErrInvalidState)

	got := f.fetch(p, "a1")
	requireRunning(t, got, "a1")

	_, err = f.complete(task.ID, "a2")
	assert.ErrorIs(t, err, models.ErrNotAssignedToAgent)
	_, err = f.fail(task.ID, "a2", true)
	assert.ErrorIs(t, err, models.ErrNotAssignedToAgent)
	_, err = f.store.ExtendLease(f.ctx, storage.ExtendInput{
		TaskID: task.ID, AgentName: "a2", Additional: time.Minute, Now: f.now,
	})
	assert.ErrorIs(t, err, models.ErrNotAssignedToAgent)

	// The failed ops left the task untouched.
	current, err := f.store.GetTask(f.ctx, task.ID)
	require.NoError(t, err)
	requireRunning(t, current, "a1")
	assert.Equal(t, 0, current.RetryCount)

	_, err = f.complete("task_missing", "a1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func testExtendLease(t *testing.T, f *fixture) {
	p := f.createProject("extension")
	tt := f.createType(p, "slow", withLease(time.Minute))
	f.createTask(p, tt, map[string]string{"item": "x"})

	got := f.fetch(p, "a1")
	requireRunning(t, got, "a1")
	firstExpiry := *got.LeaseExpiresAt

	f.tick(30 * time.Second)
	extended, err := f.store.ExtendLease(f.ctx, storage.ExtendInput{
		TaskID: got.ID, AgentName: "a1", Additional: 10 * time.Minute, Now: f.now,
	})
	require.NoError(t, err)
	require.NotNil(t, extended.LeaseExpiresAt)

	// Extension is relative to the current expiry, not to now.
	assert.True(t, extended.LeaseExpiresAt.Equal(firstExpiry.Add(10*time.Minute)))
	assert.True(t, extended.LeaseExpiresAt.After(firstExpiry), "lease expiry only moves forward")
}

func testResumption(t *testing.T, f *fixture) {
	p := f.createProject("resume")
	tt := f.createType(p, "steady", withLease(time.Hour))
	f.createTask(p, tt, map[string]string{"item": "x"})
	f.createTask(p, tt, map[string]string{"item": "y"})

	got := f.fetch(p, "a1")
	requireRunning(t, got, "a1")
	firstExpiry := *got.LeaseExpiresAt

	// Same agent fetching again gets its own in-flight task back, without
	// a new attempt or a refreshed lease.
	f.tick(time.Minute)
	resumed := f.fetch(p, "a1")
	require.NotNil(t, resumed)
	assert.Equal(t, got.ID, resumed.ID)
	require.Len(t, resumed.Attempts, 1)
	assert.True(t, resumed.LeaseExpiresAt.Equal(firstExpiry))

	// A different agent still gets the second task.
	other := f.fetch(p, "a2")
	require.NotNil(t, other)
	assert.NotEqual(t, got.ID, other.ID)
}

func testConcurrentFetchSingleWinner(t *testing.T, f *fixture) {
	p := f.createProject("race")
	tt := f.createType(p, "contested")
	f.createTask(p, tt, map[string]string{"item": "x"})

	var mu sync.Mutex
	var won []string

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 8; i++ {
		agent := fmt.Sprintf("racer-%d", i)
		g.Go(func() error {
			task, err := f.store.FetchNextTask(ctx, storage.FetchInput{
				ProjectID:    p.ID,
				AgentName:    agent,
				Now:          f.now,
				DefaultLease: defaultLease,
			})
			if err != nil {
				return err
			}
			if task != nil {
				mu.Lock()
				won = append(won, agent)
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Len(t, won, 1, "exactly one fetch wins the only task")

	current, err := f.store.ListTasks(f.ctx, p.ID, storage.TaskFilter{Status: models.TaskStatusRunning})
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, won[0], current[0].AssignedTo)
	require.Len(t, current[0].Attempts, 1)
}

func testProjectIsolation(t *testing.T, f *fixture) {
	pa := f.createProject("team-a")
	pb := f.createProject("team-b")
	ta := f.createType(pa, "chore")
	tb := f.createType(pb, "chore")
	taskA := f.createTask(pa, ta, map[string]string{"item": "a"})
	taskB := f.createTask(pb, tb, map[string]string{"item": "b"})

	got := f.fetch(pa, "a1")
	require.NotNil(t, got)
	assert.Equal(t, taskA.ID, got.ID)
	assert.Equal(t, pa.ID, got.ProjectID)
	assert.Nil(t, f.fetch(pa, "a2"), "team-b's task never leaks into team-a")

	got = f.fetch(pb, "b1")
	require.NotNil(t, got)
	assert.Equal(t, taskB.ID, got.ID)
}

func testFindDuplicate(t *testing.T, f *fixture) {
	p := f.createProject("dupes")
	tt := f.createType(p, "render")
	other := f.createType(p, "encode")

	orig := f.createTask(p, tt, map[string]string{"item": "a", "mode": "fast"})

	// Key order does not matter.
	dup, err := f.store.FindDuplicateTask(f.ctx, p.ID, tt.ID, map[string]string{"mode": "fast", "item": "a"})
	require.NoError(t, err)
	require.NotNil(t, dup)
	assert.Equal(t, orig.ID, dup.ID)

	// Different values, different type, or a superset are not duplicates.
	dup, err = f.store.FindDuplicateTask(f.ctx, p.ID, tt.ID, map[string]string{"item": "a", "mode": "slow"})
	require.NoError(t, err)
	assert.Nil(t, dup)
	dup, err = f.store.FindDuplicateTask(f.ctx, p.ID, other.ID, map[string]string{"item": "a", "mode": "fast"})
	require.NoError(t, err)
	assert.Nil(t, dup)
	dup, err = f.store.FindDuplicateTask(f.ctx, p.ID, tt.ID, map[string]string{"item": "a", "mode": "fast", "x": "1"})
	require.NoError(t, err)
	assert.Nil(t, dup)

	// Empty and nil maps compare equal.
	bare := f.createTask(p, tt, nil)
	dup, err = f.store.FindDuplicateTask(f.ctx, p.ID, tt.ID, map[string]string{})
	require.NoError(t, err)
	require.NotNil(t, dup)
	assert.Equal(t, bare.ID, dup.ID)

	// Completed tasks still count as duplicates; failed ones do not.
	got := f.fetch(p, "a1")
	require.NotNil(t, got)
	require.Equal(t, orig.ID, got.ID)
	_, err = f.complete(got.ID, "a1")
	require.NoError(t, err)
	dup, err = f.store.FindDuplicateTask(f.ctx, p.ID, tt.ID, map[string]string{"item": "a", "mode": "fast"})
	require.NoError(t, err)
	require.NotNil(t, dup)
	assert.Equal(t, orig.ID, dup.ID)

	got = f.fetch(p, "a2")
	require.NotNil(t, got)
	require.Equal(t, bare.ID, got.ID)
	_, err = f.fail(got.ID, "a2", false)
	require.NoError(t, err)
	dup, err = f.store.FindDuplicateTask(f.ctx, p.ID, tt.ID, map[string]string{})
	require.NoError(t, err)
	assert.Nil(t, dup, "failed tasks are re-creatable")
}

// --- sessions ---

func testSessions(t *testing.T, f *fixture) {
	p := f.createProject("sessions")

	mk := func(agent string, ttl time.Duration) *models.Session {
		now := f.tick(time.Millisecond)
		s := &models.Session{
			Token:          storage.NewID("sess"),
			AgentName:      agent,
			ProjectID:      p.ID,
			TTL:            ttl,
			Data:           map[string]string{"cursor": "0"},
			CreatedAt:      now,
			LastAccessedAt: now,
			ExpiresAt:      now.Add(ttl),
		}
		require.NoError(t, f.store.CreateSession(f.ctx, s))
		return s
	}

	s1 := mk("a1", time.Hour)
	s2 := mk("a1", time.Hour)
	short := mk("a2", time.Minute)

	got, err := f.store.GetSession(f.ctx, s1.Token)
	require.NoError(t, err)
	assert.Equal(t, "a1", got.AgentName)
	assert.Equal(t, map[string]string{"cursor": "0"}, got.Data)
	assert.True(t, got.ExpiresAt.Equal(s1.ExpiresAt))

	_, err = f.store.GetSession(f.ctx, "sess_missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	assert.ErrorIs(t, f.store.CreateSession(f.ctx, s1), models.ErrAlreadyExists)

	s1.Data = map[string]string{"cursor": "42"}
	s1.LastAccessedAt = f.tick(time.Second)
	s1.ExpiresAt = s1.LastAccessedAt.Add(s1.TTL)
	require.NoError(t, f.store.UpdateSession(f.ctx, s1))
	got, err = f.store.GetSession(f.ctx, s1.Token)
	require.NoError(t, err)
	assert.Equal(t, "42", got.Data["cursor"])

	mine, err := f.store.FindSessionsByAgent(f.ctx, "a1", p.ID)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, s2.Token, mine[0].Token, "newest first")

	any, err := f.store.FindSessionsByAgent(f.ctx, "a1", "")
	require.NoError(t, err)
	assert.Len(t, any, 2)

	none, err := f.store.FindSessionsByAgent(f.ctx, "nobody", "")
	require.NoError(t, err)
	assert.Empty(t, none)

	// Only the short-TTL session is past its expiry.
	f.now = short.ExpiresAt.Add(time.Second)
	deleted, err := f.store.DeleteExpiredSessions(f.ctx, f.now)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	_, err = f.store.GetSession(f.ctx, short.Token)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = f.store.GetSession(f.ctx, s1.Token)
	require.NoError(t, err)

	require.NoError(t, f.store.DeleteSession(f.ctx, s2.Token))
	assert.ErrorIs(t, f.store.DeleteSession(f.ctx, s2.Token), models.ErrNotFound)
}
