package demo

// DemoContext holds shared state passed between steps.
type DemoContext struct {
	ProjectID     string
	ReviewTypeID  string
	BuildTypeID   string
	ReviewTaskA   string
	ReviewTaskB   string
	ReclaimedTask string
	SessionToken  string
	TempDir       string
}

// StepFunc is a function that runs a single demo step.
type StepFunc func(r *Runner, ctx *DemoContext) error

// Step represents a single named step within an act.
type Step struct {
	Name    string
	Fn      StepFunc
	Insight string
}

// Act represents a named act with narration and steps.
type Act struct {
	Number    int
	Name      string
	Narration []string
	Steps     []Step
}

// BuildActs returns all acts with their steps.
func BuildActs() []Act {
	return []Act{
		{
			Number: 1,
			Name:   "Seeding The Queue",
			Narration: []string{
				"Set up the durable broker state: a project, reusable task types, and a queue of work.",
				"Every record is committed before any agent shows up.",
			},
			Steps: []Step{
				{Name: "create_project", Fn: stepCreateProject, Insight: "Projects scope everything: task types, tasks, leases, and stats never leak across them."},
				{Name: "create_task_types", Fn: stepCreateTaskTypes, Insight: "Task types are {{variable}} templates plus policy: retry budget, lease duration, duplicate handling."},
				{Name: "enqueue_review_tasks", Fn: stepEnqueueReviewTasks, Insight: "A task is a type plus variable bindings. Instructions render lazily, so template fixes reach queued work."},
				{Name: "bulk_enqueue_builds", Fn: stepBulkEnqueueBuilds, Insight: "Bulk create takes a JSON array and reports per-item errors; one bad item never sinks the batch."},
				{Name: "duplicate_rejected", Fn: stepDuplicateRejected, Insight: "The review type carries policy 'fail': identical variables for the same type are refused with the existing task's ID."},
				{Name: "missing_variable_rejected", Fn: stepMissingVariableRejected, Insight: "Every {{placeholder}} must be bound at create time. Agents never lease a task they cannot render."},
				{Name: "inspect_queue", Fn: stepInspectQueue, Insight: "Tasks list in creation order. That order is exactly the order agents will receive them."},
			},
		},
		{
			Number: 2,
			Name:   "Agents At Work",
			Narration: []string{
				"Run the worker loop: fetch a lease, render instructions, report the outcome.",
				"Fetch is atomic, so any number of workers can hit the queue at once.",
			},
			Steps: []Step{
				{Name: "open_session", Fn: stepOpenSession, Insight: "Sessions give an agent a resumable token with a sliding expiry; working state rides along as key=value data."},
				{Name: "lease_first_task", Fn: stepLeaseFirstTask, Insight: "Fetch-and-lease is one atomic step. The task flips to running with an expiry before the agent ever sees it."},
				{Name: "read_instructions", Fn: stepReadInstructions, Insight: "Instructions are the type template with this task's variables bound in."},
				{Name: "resume_in_flight", Fn: stepResumeInFlight, Insight: "Fetching again mid-lease returns the same task unchanged. A restarted agent picks up where it left off."},
				{Name: "extend_lease", Fn: stepExtendLease, Insight: "Long-running work extends its lease instead of racing the reaper. The expiry only ever moves forward."},
				{Name: "agent_roster", Fn: stepAgentRoster, Insight: "The broker knows who holds what: running tasks grouped by agent, with the next lease expiry."},
				{Name: "complete_task", Fn: stepCompleteTask, Insight: "Completion stores a JSON result and closes the attempt. Only the lease holder may complete."},
				{Name: "fail_then_retry", Fn: stepFailThenRetry, Insight: "A retryable failure requeues the task with its retry budget charged. The failed attempt stays on record."},
				{Name: "second_attempt_succeeds", Fn: stepSecondAttemptSucceeds, Insight: "The requeued task keeps its place in line. Attempt two carries seq 2 in the audit trail."},
				{Name: "update_session", Fn: stepUpdateSession, Insight: "Session updates merge data and slide the expiry window. Heartbeats and progress cursors live here."},
			},
		},
		{
			Number: 3,
			Name:   "Crash And Recovery",
			Narration: []string{
				"An agent takes a lease and dies without a word. Nothing is rolled back; the lease just runs out.",
				"The reaper turns that silence into a requeue, and another agent finishes the job.",
			},
			Steps: []Step{
				{Name: "doomed_fetch", Fn: stepDoomedFetch, Insight: "The build type carries a 2s lease. A real deployment would use minutes; the demo compresses time."},
				{Name: "lease_expires", Fn: stepLeaseExpires, Insight: "No heartbeat, no extension, no complete. As far as the broker can tell, the agent is gone."},
				{Name: "reaper_sweep", Fn: stepReaperSweep, Insight: "The sweep closes the dead attempt as expired and requeues the task, charging one retry."},
				{Name: "inspect_reclaimed", Fn: stepInspectReclaimed, Insight: "The expired attempt keeps the dead agent's name. The audit trail shows exactly who dropped it."},
				{Name: "relief_fetch", Fn: stepReliefFetch, Insight: "The reclaimed task goes to the next agent like any queued work. Recovery is invisible to workers."},
				{Name: "relief_completes", Fn: stepReliefCompletes, Insight: "Crash to completion without an operator touching anything. That is the lease contract."},
			},
		},
		{
			Number: 4,
			Name:   "Winding Down",
			Narration: []string{
				"Check the books, expire the idle session, and close the project to new work.",
			},
			Steps: []Step{
				{Name: "queue_stats", Fn: stepQueueStats, Insight: "Stats come straight from task status counts. Three completed, one still queued, nothing lost."},
				{Name: "expire_idle_session", Fn: stepExpireIdleSession, Insight: "Cleanup removes only sessions past their expiry. Live tokens are untouched."},
				{Name: "close_project", Fn: stepCloseProject, Insight: "Closing stops new tasks and new leases. Running work finishes out its leases undisturbed."},
				{Name: "fetch_rejected", Fn: stepFetchRejected, Insight: "A closed project refuses fetches with a structured error agents can act on."},
				{Name: "final_status", Fn: stepFinalStatus, Insight: "status --check pings the backend and reports per-project counts: one command for a health probe."},
			},
		},
	}
}
