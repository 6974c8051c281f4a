package demo

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// The cast. One planner seeds and administers the queue; the workers only
// ever fetch, extend, and finish tasks.
const (
	agentPlanner = "planner"
	agentWorker1 = "worker-1"
	agentWorker2 = "worker-2"
	agentDoomed  = "doomed-worker"
	agentRelief  = "relief-worker"
	agentDrifter = "drifter"

	demoProject = "demo-pipeline"

	// The build type's lease. Short enough that the crash act fits in a
	// demo, long enough that the happy-path acts never trip over it.
	buildLease = 2 * time.Second
)

// Act I: Seeding The Queue

func stepCreateProject(r *Runner, ctx *DemoContext) error {
	m, raw, err := r.dispatchAs(agentPlanner, "project", "create",
		"--name", demoProject,
		"--desc", "Demo delivery pipeline",
		"--max-retries", "2",
		"--lease", "10m",
	)
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	if err := r.mustSuccess(m, raw); err != nil {
		return err
	}
	ctx.ProjectID = getStr(m, "data", "project", "id")
	if ctx.ProjectID == "" {
		return fmt.Errorf("no project ID in response: %s", raw)
	}
	r.printDetail("Project created: id=%s retries=2 lease=10m", ctx.ProjectID)
	return nil
}

func stepCreateTaskTypes(r *Runner, ctx *DemoContext) error {
	m, raw, err := r.dispatchAs(agentPlanner, "tasktype", "create",
		"--project", demoProject,
		"--name", "code-review",
		"--template", "Review {{file}} at revision {{rev}}",
		"--duplicate-policy", "fail",
	)
	if err != nil {
		return fmt.Errorf("create review type: %w", err)
	}
	if err := r.mustSuccess(m, raw); err != nil {
		return err
	}
	ctx.ReviewTypeID = getStr(m, "data", "task_type", "id")
	r.printDetail("Type code-review: id=%s vars=[file rev] policy=fail", ctx.ReviewTypeID)

	m, raw, err = r.dispatchAs(agentPlanner, "tasktype", "create",
		"--project", demoProject,
		"--name", "build",
		"--template", "Build target {{target}}",
		"--lease", buildLease.String(),
		"--max-retries", "1",
	)
	if err != nil {
		return fmt.Errorf("create build type: %w", err)
	}
	if err := r.mustSuccess(m, raw); err != nil {
		return err
	}
	ctx.BuildTypeID = getStr(m, "data", "task_type", "id")
	r.printDetail("Type build: id=%s lease=%s retries=1", ctx.BuildTypeID, buildLease)
	return nil
}

func stepEnqueueReviewTasks(r *Runner, ctx *DemoContext) error {
	for i, file := range []string{"a.go", "b.go"} {
		m, raw, err := r.dispatchAs(agentPlanner, "task", "create",
			"--project", demoProject,
			"--type", "code-review",
			"--var", "file="+file,
			"--var", "rev=HEAD",
		)
		if err != nil {
			return fmt.Errorf("create review task %s: %w", file, err)
		}
		if err := r.mustSuccess(m, raw); err != nil {
			return err
		}
		id := getStr(m, "data", "task", "id")
		if i == 0 {
			ctx.ReviewTaskA = id
		} else {
			ctx.ReviewTaskB = id
		}
		r.printDetail("Task queued: id=%s file=%s", id, file)
	}
	return nil
}

func stepBulkEnqueueBuilds(r *Runner, ctx *DemoContext) error {
	dir, err := os.MkdirTemp("", "dispatch-demo-*")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	ctx.TempDir = dir

	items := []map[string]any{
		{"type": "build", "variables": map[string]string{"target": "main"}},
		{"type": "build", "variables": map[string]string{"target": "release"}},
	}
	data, err := json.Marshal(items)
	if err != nil {
		return err
	}
	file := filepath.Join(dir, "builds.json")
	if err := os.WriteFile(file, data, 0o600); err != nil {
		return fmt.Errorf("write bulk file: %w", err)
	}

	m, raw, err := r.dispatchAs(agentPlanner, "task", "bulk-create",
		"--project", demoProject,
		"--file", file,
	)
	if err != nil {
		return fmt.Errorf("bulk create: %w", err)
	}
	if err := r.mustSuccess(m, raw); err != nil {
		return err
	}
	if created := getNum(m, "data", "created"); created != 2 {
		return fmt.Errorf("expected 2 created, got %v: %s", created, raw)
	}
	r.printDetail("Bulk file %s: 2 build tasks queued", filepath.Base(file))
	return nil
}

func stepDuplicateRejected(r *Runner, ctx *DemoContext) error {
	m, raw, err := r.dispatchAs(agentPlanner, "task", "create",
		"--project", demoProject,
		"--type", "code-review",
		"--var", "file=a.go",
		"--var", "rev=HEAD",
	)
	if err != nil {
		return fmt.Errorf("duplicate create: %w", err)
	}
	if err := r.mustErrorCode(m, raw, "DUPLICATE_TASK"); err != nil {
		return err
	}
	r.printDetail("Refused: existing task %s already covers file=a.go rev=HEAD", ctx.ReviewTaskA)
	return nil
}

func stepMissingVariableRejected(r *Runner, ctx *DemoContext) error {
	m, raw, err := r.dispatchAs(agentPlanner, "task", "create",
		"--project", demoProject,
		"--type", "code-review",
		"--var", "file=c.go",
	)
	if err != nil {
		return fmt.Errorf("incomplete create: %w", err)
	}
	if err := r.mustErrorCode(m, raw, "MISSING_TEMPLATE_VARIABLES"); err != nil {
		return err
	}
	r.printDetail("Refused: {{rev}} is unbound")
	return nil
}

func stepInspectQueue(r *Runner, ctx *DemoContext) error {
	m, raw, err := r.dispatchAs(agentPlanner, "task", "list",
		"--project", demoProject,
		"--status", "queued",
	)
	if err != nil {
		return fmt.Errorf("list queued: %w", err)
	}
	if err := r.mustSuccess(m, raw); err != nil {
		return err
	}
	if count := getNum(m, "data", "count"); count != 4 {
		return fmt.Errorf("expected 4 queued tasks, got %v: %s", count, raw)
	}
	r.printDetail("4 queued: 2 reviews, then 2 builds")
	return nil
}

// Act II: Agents At Work

func stepOpenSession(r *Runner, ctx *DemoContext) error {
	m, raw, err := r.dispatchAs(agentWorker1, "session", "create",
		"--project", demoProject,
		"--data", "cursor=0",
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if err := r.mustSuccess(m, raw); err != nil {
		return err
	}
	ctx.SessionToken = getStr(m, "data", "session", "token")
	if ctx.SessionToken == "" {
		return fmt.Errorf("no session token in response: %s", raw)
	}
	r.printDetail("Session for %s: token=%s", agentWorker1, ctx.SessionToken)
	return nil
}

func stepLeaseFirstTask(r *Runner, ctx *DemoContext) error {
	m, raw, err := r.dispatchAs(agentWorker1, "task", "next", "--project", demoProject)
	if err != nil {
		return fmt.Errorf("fetch next: %w", err)
	}
	if err := r.mustSuccess(m, raw); err != nil {
		return err
	}
	if id := getStr(m, "data", "task", "id"); id != ctx.ReviewTaskA {
		return fmt.Errorf("expected oldest task %s, got %s", ctx.ReviewTaskA, id)
	}
	if status := getStr(m, "data", "task", "status"); status != "running" {
		return fmt.Errorf("expected running, got %s: %s", status, raw)
	}
	r.printDetail("Leased %s to %s until %s", ctx.ReviewTaskA, agentWorker1, getStr(m, "data", "task", "lease_expires_at"))
	return nil
}

func stepReadInstructions(r *Runner, ctx *DemoContext) error {
	m, raw, err := r.dispatchAs(agentWorker1, "task", "instructions", "--id", ctx.ReviewTaskA)
	if err != nil {
		return fmt.Errorf("instructions: %w", err)
	}
	if err := r.mustSuccess(m, raw); err != nil {
		return err
	}
	got := getStr(m, "data", "instructions")
	if got != "Review a.go at revision HEAD" {
		return fmt.Errorf("unexpected instructions %q", got)
	}
	r.printDetail("%q", got)
	return nil
}

func stepResumeInFlight(r *Runner, ctx *DemoContext) error {
	m, raw, err := r.dispatchAs(agentWorker1, "task", "next", "--project", demoProject)
	if err != nil {
		return fmt.Errorf("refetch: %w", err)
	}
	if err := r.mustSuccess(m, raw); err != nil {
		return err
	}
	if id := getStr(m, "data", "task", "id"); id != ctx.ReviewTaskA {
		return fmt.Errorf("expected held task %s back, got %s", ctx.ReviewTaskA, id)
	}
	r.printDetail("Same task, same lease, still attempt 1")
	return nil
}

func stepExtendLease(r *Runner, ctx *DemoContext) error {
	m, raw, err := r.dispatchAs(agentWorker1, "task", "extend",
		"--id", ctx.ReviewTaskA,
		"--by", "5m",
	)
	if err != nil {
		return fmt.Errorf("extend: %w", err)
	}
	if err := r.mustSuccess(m, raw); err != nil {
		return err
	}
	r.printDetail("Lease now expires %s", getStr(m, "data", "task", "lease_expires_at"))
	return nil
}

func stepAgentRoster(r *Runner, ctx *DemoContext) error {
	m, raw, err := r.dispatchAs(agentPlanner, "agent", "list", "--project", demoProject)
	if err != nil {
		return fmt.Errorf("agent list: %w", err)
	}
	if err := r.mustSuccess(m, raw); err != nil {
		return err
	}
	if count := getNum(m, "data", "count"); count != 1 {
		return fmt.Errorf("expected 1 active agent, got %v: %s", count, raw)
	}
	r.printDetail("%s holds the only live lease", agentWorker1)
	return nil
}

func stepCompleteTask(r *Runner, ctx *DemoContext) error {
	m, raw, err := r.dispatchAs(agentWorker1, "task", "complete",
		"--id", ctx.ReviewTaskA,
		"--result", `{"approved":true,"comments":0}`,
	)
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	if err := r.mustSuccess(m, raw); err != nil {
		return err
	}
	if status := getStr(m, "data", "task", "status"); status != "completed" {
		return fmt.Errorf("expected completed, got %s: %s", status, raw)
	}
	r.printDetail("Review of a.go done")
	return nil
}

func stepFailThenRetry(r *Runner, ctx *DemoContext) error {
	m, raw, err := r.dispatchAs(agentWorker2, "task", "next", "--project", demoProject)
	if err != nil {
		return fmt.Errorf("fetch next: %w", err)
	}
	if err := r.mustSuccess(m, raw); err != nil {
		return err
	}
	if id := getStr(m, "data", "task", "id"); id != ctx.ReviewTaskB {
		return fmt.Errorf("expected %s, got %s", ctx.ReviewTaskB, id)
	}

	m, raw, err = r.dispatchAs(agentWorker2, "task", "fail",
		"--id", ctx.ReviewTaskB,
		"--result", `{"error":"flaky linter"}`,
	)
	if err != nil {
		return fmt.Errorf("fail: %w", err)
	}
	if err := r.mustSuccess(m, raw); err != nil {
		return err
	}
	if status := getStr(m, "data", "task", "status"); status != "queued" {
		return fmt.Errorf("expected requeue, got %s: %s", status, raw)
	}
	if retries := getNum(m, "data", "task", "retry_count"); retries != 1 {
		return fmt.Errorf("expected retry_count 1, got %v", retries)
	}
	r.printDetail("Attempt 1 failed, task back in queue with 1 of 2 retries spent")
	return nil
}

func stepSecondAttemptSucceeds(r *Runner, ctx *DemoContext) error {
	m, raw, err := r.dispatchAs(agentWorker2, "task", "next", "--project", demoProject)
	if err != nil {
		return fmt.Errorf("refetch: %w", err)
	}
	if err := r.mustSuccess(m, raw); err != nil {
		return err
	}
	if id := getStr(m, "data", "task", "id"); id != ctx.ReviewTaskB {
		return fmt.Errorf("expected requeued %s first, got %s", ctx.ReviewTaskB, id)
	}
	if !strings.Contains(raw, `"seq":2`) {
		return fmt.Errorf("expected a second attempt in the audit trail: %s", raw)
	}

	m, raw, err = r.dispatchAs(agentWorker2, "task", "complete",
		"--id", ctx.ReviewTaskB,
		"--result", `{"approved":true}`,
	)
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	if err := r.mustSuccess(m, raw); err != nil {
		return err
	}
	r.printDetail("Second attempt landed; both reviews done")
	return nil
}

func stepUpdateSession(r *Runner, ctx *DemoContext) error {
	m, raw, err := r.dispatchAs(agentWorker1, "session", "update",
		"--token", ctx.SessionToken,
		"--data", "cursor=2",
	)
	if err != nil {
		return fmt.Errorf("session update: %w", err)
	}
	if err := r.mustSuccess(m, raw); err != nil {
		return err
	}
	if cursor := getStr(m, "data", "session", "data", "cursor"); cursor != "2" {
		return fmt.Errorf("expected cursor=2, got %q", cursor)
	}
	r.printDetail("Session cursor advanced, expiry slid forward")
	return nil
}

// Act III: Crash And Recovery

func stepDoomedFetch(r *Runner, ctx *DemoContext) error {
	m, raw, err := r.dispatchAs(agentDoomed, "task", "next", "--project", demoProject)
	if err != nil {
		return fmt.Errorf("doomed fetch: %w", err)
	}
	if err := r.mustSuccess(m, raw); err != nil {
		return err
	}
	ctx.ReclaimedTask = getStr(m, "data", "task", "id")
	if ctx.ReclaimedTask == "" {
		return fmt.Errorf("no task leased: %s", raw)
	}
	r.printDetail("%s leased %s — and will never be heard from again", agentDoomed, ctx.ReclaimedTask)
	return nil
}

func stepLeaseExpires(r *Runner, ctx *DemoContext) error {
	wait := buildLease + 500*time.Millisecond
	r.printDetail("Waiting %s for the %s lease to lapse", wait, buildLease)
	time.Sleep(wait)
	return nil
}

func stepReaperSweep(r *Runner, ctx *DemoContext) error {
	m, raw, err := r.dispatchAs(agentPlanner, "reaper", "sweep", "--project", demoProject)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	if err := r.mustSuccess(m, raw); err != nil {
		return err
	}
	if reclaimed := getNum(m, "data", "reclaimed_tasks"); reclaimed != 1 {
		return fmt.Errorf("expected 1 reclaimed task, got %v: %s", reclaimed, raw)
	}
	r.printDetail("Reclaimed 1 task, cleaned %v idle agent(s)", getNum(m, "data", "cleaned_agents"))
	return nil
}

func stepInspectReclaimed(r *Runner, ctx *DemoContext) error {
	m, raw, err := r.dispatchAs(agentPlanner, "task", "get", "--id", ctx.ReclaimedTask)
	if err != nil {
		return fmt.Errorf("get reclaimed: %w", err)
	}
	if err := r.mustSuccess(m, raw); err != nil {
		return err
	}
	if status := getStr(m, "data", "task", "status"); status != "queued" {
		return fmt.Errorf("expected queued, got %s: %s", status, raw)
	}
	if retries := getNum(m, "data", "task", "retry_count"); retries != 1 {
		return fmt.Errorf("expected retry_count 1, got %v", retries)
	}
	if !strings.Contains(raw, `"expired"`) || !strings.Contains(raw, agentDoomed) {
		return fmt.Errorf("expected an expired attempt naming %s: %s", agentDoomed, raw)
	}
	r.printDetail("Attempt 1: expired, agent=%s. Task queued again.", agentDoomed)
	return nil
}

func stepReliefFetch(r *Runner, ctx *DemoContext) error {
	m, raw, err := r.dispatchAs(agentRelief, "task", "next", "--project", demoProject)
	if err != nil {
		return fmt.Errorf("relief fetch: %w", err)
	}
	if err := r.mustSuccess(m, raw); err != nil {
		return err
	}
	if id := getStr(m, "data", "task", "id"); id != ctx.ReclaimedTask {
		return fmt.Errorf("expected reclaimed %s first, got %s", ctx.ReclaimedTask, id)
	}
	r.printDetail("%s picked it up as ordinary queued work", agentRelief)
	return nil
}

func stepReliefCompletes(r *Runner, ctx *DemoContext) error {
	m, raw, err := r.dispatchAs(agentRelief, "task", "complete",
		"--id", ctx.ReclaimedTask,
		"--result", `{"built":true}`,
	)
	if err != nil {
		return fmt.Errorf("relief complete: %w", err)
	}
	if err := r.mustSuccess(m, raw); err != nil {
		return err
	}
	if status := getStr(m, "data", "task", "status"); status != "completed" {
		return fmt.Errorf("expected completed, got %s: %s", status, raw)
	}
	r.printDetail("Build finished on attempt 2")
	return nil
}

// Act IV: Winding Down

func stepQueueStats(r *Runner, ctx *DemoContext) error {
	m, raw, err := r.dispatchAs(agentPlanner, "project", "stats", "--project", demoProject)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	if err := r.mustSuccess(m, raw); err != nil {
		return err
	}
	total := getNum(m, "data", "stats", "total")
	completed := getNum(m, "data", "stats", "completed")
	queued := getNum(m, "data", "stats", "queued")
	if total != 4 || completed != 3 || queued != 1 {
		return fmt.Errorf("expected total=4 completed=3 queued=1, got %s", raw)
	}
	r.printDetail("total=4 completed=3 queued=1 running=0 failed=0")
	return nil
}

func stepExpireIdleSession(r *Runner, ctx *DemoContext) error {
	m, raw, err := r.dispatchAs(agentDrifter, "session", "create", "--ttl", "1s")
	if err != nil {
		return fmt.Errorf("short session: %w", err)
	}
	if err := r.mustSuccess(m, raw); err != nil {
		return err
	}
	time.Sleep(1200 * time.Millisecond)

	m, raw, err = r.dispatchAs(agentPlanner, "session", "cleanup")
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	if err := r.mustSuccess(m, raw); err != nil {
		return err
	}
	if removed := getNum(m, "data", "removed"); removed < 1 {
		return fmt.Errorf("expected the drifter's session removed, got %v: %s", removed, raw)
	}

	// The working session is still live.
	m, raw, err = r.dispatchAs(agentWorker1, "session", "get", "--token", ctx.SessionToken)
	if err != nil {
		return fmt.Errorf("session get: %w", err)
	}
	if err := r.mustSuccess(m, raw); err != nil {
		return err
	}
	r.printDetail("Expired session gone, %s's token still valid", agentWorker1)
	return nil
}

func stepCloseProject(r *Runner, ctx *DemoContext) error {
	m, raw, err := r.dispatchAs(agentPlanner, "project", "close", "--project", demoProject)
	if err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := r.mustSuccess(m, raw); err != nil {
		return err
	}
	if status := getStr(m, "data", "project", "status"); status != "closed" {
		return fmt.Errorf("expected closed, got %s: %s", status, raw)
	}
	r.printDetail("Project closed; the queued build stays parked")
	return nil
}

func stepFetchRejected(r *Runner, ctx *DemoContext) error {
	m, raw, err := r.dispatchAs(agentRelief, "task", "next", "--project", demoProject)
	if err != nil {
		return fmt.Errorf("fetch on closed: %w", err)
	}
	if err := r.mustErrorCode(m, raw, "VALIDATION_ERROR"); err != nil {
		return err
	}
	r.printDetail("Refused: project is closed")
	return nil
}

func stepFinalStatus(r *Runner, ctx *DemoContext) error {
	m, raw, err := r.dispatch("status", "--check")
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	if err := r.mustSuccess(m, raw); err != nil {
		return err
	}
	data, _ := m["data"].(map[string]any)
	if data == nil || data["query_ok"] != true {
		return fmt.Errorf("expected query_ok=true: %s", raw)
	}
	r.printDetail("Backend %s at %s: healthy", getStr(m, "data", "store", "backend"), getStr(m, "data", "store", "data_dir"))
	return nil
}
