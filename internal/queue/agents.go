package queue

import (
	"context"
	"sort"
	"time"

	"github.com/dotcommander/dispatch/internal/models"
	"github.com/dotcommander/dispatch/internal/storage"
)

// AgentStatus is derived presence: an agent exists in a project exactly as
// long as running tasks name it.
type AgentStatus struct {
	AgentName       string         `json:"agent_name"`
	ProjectID       string         `json:"project_id"`
	RunningTasks    []*models.Task `json:"running_tasks"`
	NextLeaseExpiry *time.Time     `json:"next_lease_expiry,omitempty"`
}

// ListActiveAgents groups the project's running tasks by agent.
func (e *Engine) ListActiveAgents(ctx context.Context, projectID string) ([]*AgentStatus, error) {
	tasks, err := e.store.ListTasks(ctx, projectID, storage.TaskFilter{Status: models.TaskStatusRunning})
	if err != nil {
		return nil, err
	}
	byAgent := make(map[string]*AgentStatus)
	for _, task := range tasks {
		if task.AssignedTo == "" {
			continue
		}
		st, ok := byAgent[task.AssignedTo]
		if !ok {
			st = &AgentStatus{AgentName: task.AssignedTo, ProjectID: projectID}
			byAgent[task.AssignedTo] = st
		}
		st.RunningTasks = append(st.RunningTasks, task)
		if task.LeaseExpiresAt != nil {
			if st.NextLeaseExpiry == nil || task.LeaseExpiresAt.Before(*st.NextLeaseExpiry) {
				st.NextLeaseExpiry = task.LeaseExpiresAt
			}
		}
	}
	out := make([]*AgentStatus, 0, len(byAgent))
	for _, st := range byAgent {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentName < out[j].AgentName })
	return out, nil
}

// AgentStatusFor reports one agent's running tasks in the project. An idle
// agent gets an empty status, not an error; agents have no standing records
// to be missing.
func (e *Engine) AgentStatusFor(ctx context.Context, agentName, projectID string) (*AgentStatus, error) {
	tasks, err := e.store.ListTasks(ctx, projectID, storage.TaskFilter{
		Status:     models.TaskStatusRunning,
		AssignedTo: agentName,
	})
	if err != nil {
		return nil, err
	}
	st := &AgentStatus{AgentName: agentName, ProjectID: projectID, RunningTasks: tasks}
	for _, task := range tasks {
		if task.LeaseExpiresAt != nil {
			if st.NextLeaseExpiry == nil || task.LeaseExpiresAt.Before(*st.NextLeaseExpiry) {
				st.NextLeaseExpiry = task.LeaseExpiresAt
			}
		}
	}
	return st, nil
}
