package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotcommander/dispatch/internal/models"
)

func TestListActiveAgents_GroupsRunningTasks(t *testing.T) {
	ctx := context.Background()
	eng, clk := newTestEngine(t)
	p := seedProject(t, eng)
	tt := seedTaskType(t, eng, p.ID)

	seedTask(t, eng, p.ID, tt.ID, map[string]string{"file": "a.go", "rev": "r1"})
	clk.Advance(time.Second)
	seedTask(t, eng, p.ID, tt.ID, map[string]string{"file": "b.go", "rev": "r1"})
	clk.Advance(time.Second)
	seedTask(t, eng, p.ID, tt.ID, map[string]string{"file": "c.go", "rev": "r1"})

	// Deliberately fetch out of name order to prove the listing sorts.
	resB, err := eng.FetchNext(ctx, p.ID, "agent-b")
	require.NoError(t, err)
	resA, err := eng.FetchNext(ctx, p.ID, "agent-a")
	require.NoError(t, err)

	agents, err := eng.ListActiveAgents(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, agents, 2)

	assert.Equal(t, "agent-a", agents[0].AgentName)
	assert.Equal(t, "agent-b", agents[1].AgentName)
	for _, st := range agents {
		assert.Equal(t, p.ID, st.ProjectID)
		assert.Len(t, st.RunningTasks, 1)
		require.NotNil(t, st.NextLeaseExpiry)
	}
	assert.Equal(t, resA.Task.ID, agents[0].RunningTasks[0].ID)
	assert.Equal(t, *resA.Task.LeaseExpiresAt, *agents[0].NextLeaseExpiry)
	assert.Equal(t, resB.Task.ID, agents[1].RunningTasks[0].ID)
	assert.Equal(t, *resB.Task.LeaseExpiresAt, *agents[1].NextLeaseExpiry)
}

func TestListActiveAgents_EmptyWhenNothingRuns(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)
	p := seedProject(t, eng)
	tt := seedTaskType(t, eng, p.ID)
	seedTask(t, eng, p.ID, tt.ID, map[string]string{"file": "a.go", "rev": "r1"})

	agents, err := eng.ListActiveAgents(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestListActiveAgents_UnknownProject(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)

	_, err := eng.ListActiveAgents(ctx, "proj_missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestListActiveAgents_PresenceEndsWithReclaim(t *testing.T) {
	ctx := context.Background()
	eng, clk := newTestEngine(t)
	p := seedProject(t, eng)
	tt := seedTaskType(t, eng, p.ID)
	seedTask(t, eng, p.ID, tt.ID, map[string]string{"file": "a.go", "rev": "r1"})

	_, err := eng.FetchNext(ctx, p.ID, "agent-1")
	require.NoError(t, err)

	// A lapsed lease alone does not end presence; the task is still
	// running and still names the agent.
	clk.Advance(tt.LeaseDuration + time.Second)
	agents, err := eng.ListActiveAgents(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "agent-1", agents[0].AgentName)

	// Reclaim hands the task to the next fetcher and with it the listing.
	res, err := eng.FetchNext(ctx, p.ID, "agent-2")
	require.NoError(t, err)
	require.NotNil(t, res.Task)

	agents, err = eng.ListActiveAgents(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "agent-2", agents[0].AgentName)
}

func TestAgentStatusFor_Holder(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)
	p := seedProject(t, eng)
	tt := seedTaskType(t, eng, p.ID)
	seedTask(t, eng, p.ID, tt.ID, map[string]string{"file": "a.go", "rev": "r1"})

	res, err := eng.FetchNext(ctx, p.ID, "agent-1")
	require.NoError(t, err)

	st, err := eng.AgentStatusFor(ctx, "agent-1", p.ID)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", st.AgentName)
	assert.Equal(t, p.ID, st.ProjectID)
	require.Len(t, st.RunningTasks, 1)
	assert.Equal(t, res.Task.ID, st.RunningTasks[0].ID)
	require.NotNil(t, st.NextLeaseExpiry)
	assert.Equal(t, *res.Task.LeaseExpiresAt, *st.NextLeaseExpiry)
}

func TestAgentStatusFor_IdleAgentIsEmptyNotMissing(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)
	p := seedProject(t, eng)

	st, err := eng.AgentStatusFor(ctx, "agent-ghost", p.ID)
	require.NoError(t, err)
	assert.Equal(t, "agent-ghost", st.AgentName)
	assert.Empty(t, st.RunningTasks)
	assert.Nil(t, st.NextLeaseExpiry)
}
