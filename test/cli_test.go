// Package test provides integration tests that drive a complete multi-agent
// queue workflow using real dispatch CLI commands against a temporary store.
package test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// dispatchTestBin is the path to the built dispatch binary for integration tests.
var dispatchTestBin string

// TestMain builds the dispatch binary once before running all tests in this package.
func TestMain(m *testing.M) {
	// Determine the repo root (one level up from test/)
	repoRoot, err := filepath.Abs(filepath.Join(filepath.Dir(os.Args[0]), ".."))
	if err != nil {
		cwd, _ := os.Getwd()
		repoRoot = filepath.Join(cwd, "..")
	}

	// Prefer source-relative path when running via `go test ./test/...`
	cwd, _ := os.Getwd()
	if strings.HasSuffix(cwd, "/test") {
		repoRoot = filepath.Join(cwd, "..")
	} else if fi, err2 := os.Stat(filepath.Join(cwd, "cmd", "dispatch")); err2 == nil && fi.IsDir() {
		repoRoot = cwd
	}

	binPath := filepath.Join(repoRoot, "dispatch-cli-test")
	buildCmd := exec.Command("go", "build", "-o", binPath, "./cmd/dispatch")
	buildCmd.Dir = repoRoot
	buildCmd.Stdout = os.Stdout
	buildCmd.Stderr = os.Stderr

	if err := buildCmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to build dispatch binary: %v\n", err)
		os.Exit(1)
	}

	dispatchTestBin = binPath

	code := m.Run()

	_ = os.Remove(binPath)
	os.Exit(code)
}

// harness holds test-scoped state shared across helper functions. Every
// command runs in a fresh process with an isolated HOME, so nothing from the
// developer's real config or environment leaks in.
type harness struct {
	t       *testing.T
	home    string
	dataDir string
	backend string
}

// newHarness creates a test harness with an isolated temp home and data dir.
func newHarness(t *testing.T, backend string) *harness {
	t.Helper()
	dir := t.TempDir()
	home := filepath.Join(dir, "home")
	dataDir := filepath.Join(dir, "data")
	require.NoError(t, os.MkdirAll(home, 0o755))
	require.NoError(t, os.MkdirAll(dataDir, 0o755))
	return &harness{t: t, home: home, dataDir: dataDir, backend: backend}
}

// writeConfig installs a config.yaml under the harness home.
func (h *harness) writeConfig(yaml string) {
	h.t.Helper()
	dir := filepath.Join(h.home, ".config", "dispatch")
	require.NoError(h.t, os.MkdirAll(dir, 0o755))
	require.NoError(h.t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))
}

// dispatch runs the dispatch binary as the given agent, returns stdout.
// stderr (log lines) is discarded. A non-zero exit is expected for domain
// errors; callers inspect the JSON envelope instead.
func (h *harness) dispatch(agent string, args ...string) string {
	h.t.Helper()
	fullArgs := []string{"--data-dir", h.dataDir, "--backend", h.backend}
	if agent != "" {
		fullArgs = append(fullArgs, "--agent", agent)
	}
	fullArgs = append(fullArgs, args...)
	cmd := exec.Command(dispatchTestBin, fullArgs...)
	cmd.Env = []string{"PATH=" + os.Getenv("PATH"), "HOME=" + h.home}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	_ = cmd.Run()
	return stdout.String()
}

// dispatchStdin runs the dispatch binary with piped stdin, returns stdout.
func (h *harness) dispatchStdin(agent, stdin string, args ...string) string {
	h.t.Helper()
	fullArgs := []string{"--data-dir", h.dataDir, "--backend", h.backend}
	if agent != "" {
		fullArgs = append(fullArgs, "--agent", agent)
	}
	fullArgs = append(fullArgs, args...)
	cmd := exec.Command(dispatchTestBin, fullArgs...)
	cmd.Env = []string{"PATH=" + os.Getenv("PATH"), "HOME=" + h.home}
	cmd.Stdin = strings.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	_ = cmd.Run()
	return stdout.String()
}

// mustJSON parses JSON output and returns map[string]any.
func mustJSON(t *testing.T, output string) map[string]any {
	t.Helper()
	output = strings.TrimSpace(output)
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(output), &m), "failed to parse JSON: %s", output)
	return m
}

// requireSuccess asserts the dispatch JSON response has success=true.
func requireSuccess(t *testing.T, output string) map[string]any {
	t.Helper()
	m := mustJSON(t, output)
	require.Equal(t, true, m["success"], "expected success=true, got: %s", output)
	return m
}

// requireErrorCode asserts the response failed with the given error code.
func requireErrorCode(t *testing.T, output, code string) map[string]any {
	t.Helper()
	m := mustJSON(t, output)
	require.Equal(t, false, m["success"], "expected success=false, got: %s", output)
	require.Equal(t, code, m["error_code"], "unexpected error code: %s", output)
	return m
}

// getStr extracts a nested string field from the parsed JSON using dot-path.
// E.g. getStr(m, "data", "task", "id") returns m["data"]["task"]["id"].(string).
func getStr(m map[string]any, keys ...string) string {
	var cur any = m
	for _, k := range keys {
		if mm, ok := cur.(map[string]any); ok {
			cur = mm[k]
		} else {
			return ""
		}
	}
	if s, ok := cur.(string); ok {
		return s
	}
	return ""
}

// getNum extracts a nested numeric field from the parsed JSON.
func getNum(m map[string]any, keys ...string) float64 {
	var cur any = m
	for _, k := range keys {
		if mm, ok := cur.(map[string]any); ok {
			cur = mm[k]
		} else {
			return 0
		}
	}
	if n, ok := cur.(float64); ok {
		return n
	}
	return 0
}

// getTime parses a nested RFC3339 timestamp field.
func getTime(t *testing.T, m map[string]any, keys ...string) time.Time {
	t.Helper()
	raw := getStr(m, keys...)
	require.NotEmpty(t, raw, "missing timestamp at %v", keys)
	ts, err := time.Parse(time.RFC3339Nano, raw)
	require.NoError(t, err)
	return ts
}

// TestWorkerSession drives a complete multi-agent session against the sqlite
// backend: bootstrap, the worker loop with retries, reaper recovery, session
// lifecycle, admin surfaces, and teardown.
func TestWorkerSession(t *testing.T) {
	h := newHarness(t, "sqlite")

	var (
		projectID string
		taskA     string
		taskB     string
		buildTask string
		token     string
	)

	// -------------------------------------------------------------------------
	// Phase 1: Bootstrap — project, types, and a queue of tasks
	// -------------------------------------------------------------------------
	t.Run("Phase1_Bootstrap", func(t *testing.T) {
		t.Run("create_project", func(t *testing.T) {
			out := h.dispatch("planner", "project", "create",
				"--name", "pipeline",
				"--desc", "integration pipeline",
				"--max-retries", "2",
				"--lease", "10m",
			)
			m := requireSuccess(t, out)
			projectID = getStr(m, "data", "project", "id")
			require.NotEmpty(t, projectID)
			require.Equal(t, "active", getStr(m, "data", "project", "status"))
		})

		t.Run("create_task_types", func(t *testing.T) {
			out := h.dispatch("planner", "tasktype", "create",
				"--project", "pipeline",
				"--name", "review",
				"--template", "Review {{file}} at {{rev}}",
				"--duplicate-policy", "ignore",
			)
			m := requireSuccess(t, out)
			require.Equal(t, "ignore", getStr(m, "data", "task_type", "duplicate_policy"))

			out = h.dispatch("planner", "tasktype", "create",
				"--project", "pipeline",
				"--name", "build",
				"--template", "Build {{target}}",
				"--lease", "1s",
				"--max-retries", "1",
			)
			requireSuccess(t, out)
		})

		t.Run("create_tasks", func(t *testing.T) {
			out := h.dispatch("planner", "task", "create",
				"--project", "pipeline", "--type", "review",
				"--var", "file=a.go", "--var", "rev=7",
			)
			m := requireSuccess(t, out)
			taskA = getStr(m, "data", "task", "id")
			require.NotEmpty(t, taskA)
			require.Equal(t, "queued", getStr(m, "data", "task", "status"))
			require.Equal(t, float64(2), getNum(m, "data", "task", "max_retries"), "retry budget comes from the project default")

			out = h.dispatch("planner", "task", "create",
				"--project", "pipeline", "--type", "review",
				"--var", "file=b.go", "--var", "rev=7",
			)
			m = requireSuccess(t, out)
			taskB = getStr(m, "data", "task", "id")
			require.NotEmpty(t, taskB)
		})

		t.Run("bulk_create_from_stdin", func(t *testing.T) {
			payload := `[
				{"type": "build", "variables": {"target": "main"}},
				{"type": "build", "variables": {"target": "release"}},
				{"type": "nonsense", "variables": {}}
			]`
			out := h.dispatchStdin("planner", payload, "task", "bulk-create",
				"--project", "pipeline", "--file", "-",
			)
			m := requireSuccess(t, out)
			require.Equal(t, float64(2), getNum(m, "data", "created"))
			errs, ok := m["data"].(map[string]any)["errors"].([]any)
			require.True(t, ok)
			require.Len(t, errs, 1, "the unknown type fails as a per-item error")
			require.Contains(t, errs[0].(string), "item 2")
		})

		t.Run("duplicate_policy_ignore", func(t *testing.T) {
			out := h.dispatch("planner", "task", "create",
				"--project", "pipeline", "--type", "review",
				"--var", "file=a.go", "--var", "rev=7",
			)
			m := requireSuccess(t, out)
			require.Equal(t, taskA, getStr(m, "data", "task", "id"), "ignore returns the existing task")
		})

		t.Run("missing_variables_rejected", func(t *testing.T) {
			out := h.dispatch("planner", "task", "create",
				"--project", "pipeline", "--type", "review",
				"--var", "file=c.go",
			)
			m := requireErrorCode(t, out, "MISSING_TEMPLATE_VARIABLES")
			require.Contains(t, getStr(m, "error_context", "names"), "rev")
		})

		t.Run("queue_depth", func(t *testing.T) {
			out := h.dispatch("planner", "task", "list", "--project", "pipeline", "--status", "queued")
			m := requireSuccess(t, out)
			require.Equal(t, float64(4), getNum(m, "data", "count"))

			out = h.dispatch("planner", "task", "list", "--project", "pipeline", "--type", "review")
			m = requireSuccess(t, out)
			require.Equal(t, float64(2), getNum(m, "data", "count"))
		})
	})

	// -------------------------------------------------------------------------
	// Phase 2: Worker loop — lease, render, extend, complete, retry
	// -------------------------------------------------------------------------
	t.Run("Phase2_WorkerLoop", func(t *testing.T) {
		var firstExpiry time.Time

		t.Run("fetch_oldest", func(t *testing.T) {
			out := h.dispatch("w1", "task", "next", "--project", "pipeline")
			m := requireSuccess(t, out)
			require.Equal(t, taskA, getStr(m, "data", "task", "id"))
			require.Equal(t, "running", getStr(m, "data", "task", "status"))
			require.Equal(t, "w1", getStr(m, "data", "task", "assigned_to"))
			require.Equal(t, "w1", getStr(m, "data", "agent_name"))
			firstExpiry = getTime(t, m, "data", "task", "lease_expires_at")
		})

		t.Run("instructions_render", func(t *testing.T) {
			out := h.dispatch("w1", "task", "instructions", "--id", taskA)
			m := requireSuccess(t, out)
			require.Equal(t, "Review a.go at 7", getStr(m, "data", "instructions"))
		})

		t.Run("refetch_resumes", func(t *testing.T) {
			out := h.dispatch("w1", "task", "next", "--project", "pipeline")
			m := requireSuccess(t, out)
			require.Equal(t, taskA, getStr(m, "data", "task", "id"))
			expiry := getTime(t, m, "data", "task", "lease_expires_at")
			require.True(t, expiry.Equal(firstExpiry), "resumption does not refresh the lease")
		})

		t.Run("extend_lease", func(t *testing.T) {
			out := h.dispatch("w1", "task", "extend", "--id", taskA, "--by", "5m")
			m := requireSuccess(t, out)
			expiry := getTime(t, m, "data", "task", "lease_expires_at")
			require.True(t, expiry.Equal(firstExpiry.Add(5*time.Minute)), "extension adds to the current expiry")
		})

		t.Run("wrong_agent_rejected", func(t *testing.T) {
			out := h.dispatch("w2", "task", "complete", "--id", taskA, "--result", `{"ok":true}`)
			requireErrorCode(t, out, "NOT_ASSIGNED_TO_AGENT")
		})

		t.Run("complete", func(t *testing.T) {
			out := h.dispatch("w1", "task", "complete", "--id", taskA, "--result", `{"approved":true}`)
			m := requireSuccess(t, out)
			require.Equal(t, "completed", getStr(m, "data", "task", "status"))
			require.Empty(t, getStr(m, "data", "task", "assigned_to"))
		})

		t.Run("fail_requeues", func(t *testing.T) {
			out := h.dispatch("w2", "task", "next", "--project", "pipeline")
			m := requireSuccess(t, out)
			require.Equal(t, taskB, getStr(m, "data", "task", "id"))

			out = h.dispatch("w2", "task", "fail", "--id", taskB, "--result", `{"error":"flaky"}`)
			m = requireSuccess(t, out)
			require.Equal(t, "queued", getStr(m, "data", "task", "status"))
			require.Equal(t, float64(1), getNum(m, "data", "task", "retry_count"))
		})

		t.Run("retry_succeeds", func(t *testing.T) {
			out := h.dispatch("w2", "task", "next", "--project", "pipeline")
			m := requireSuccess(t, out)
			require.Equal(t, taskB, getStr(m, "data", "task", "id"), "requeued task keeps its place in line")
			require.Contains(t, out, `"seq":2`)

			out = h.dispatch("w2", "task", "complete", "--id", taskB, "--result", `{"approved":true}`)
			requireSuccess(t, out)
		})
	})

	// -------------------------------------------------------------------------
	// Phase 3: Reaper — an abandoned lease is reclaimed and finished by another agent
	// -------------------------------------------------------------------------
	t.Run("Phase3_ReaperReclaim", func(t *testing.T) {
		t.Run("abandon_lease", func(t *testing.T) {
			out := h.dispatch("doomed", "task", "next", "--project", "pipeline")
			m := requireSuccess(t, out)
			buildTask = getStr(m, "data", "task", "id")
			require.NotEmpty(t, buildTask)
			// The build type leases for 1s. The agent stops here.
		})

		t.Run("sweep_reclaims", func(t *testing.T) {
			time.Sleep(1300 * time.Millisecond)
			out := h.dispatch("", "reaper", "sweep", "--project", "pipeline")
			m := requireSuccess(t, out)
			require.Equal(t, float64(1), getNum(m, "data", "reclaimed_tasks"))
			require.Equal(t, float64(1), getNum(m, "data", "cleaned_agents"))
		})

		t.Run("audit_trail", func(t *testing.T) {
			out := h.dispatch("", "task", "get", "--id", buildTask)
			m := requireSuccess(t, out)
			require.Equal(t, "queued", getStr(m, "data", "task", "status"))
			require.Equal(t, float64(1), getNum(m, "data", "task", "retry_count"))
			require.Contains(t, out, `"expired"`)
			require.Contains(t, out, `"doomed"`)
		})

		t.Run("relief_agent_finishes", func(t *testing.T) {
			out := h.dispatch("relief", "task", "next", "--project", "pipeline")
			m := requireSuccess(t, out)
			require.Equal(t, buildTask, getStr(m, "data", "task", "id"))

			out = h.dispatch("relief", "task", "complete", "--id", buildTask, "--result", `{"built":true}`)
			requireSuccess(t, out)
		})

		t.Run("displaced_agent_sees_loss", func(t *testing.T) {
			out := h.dispatch("doomed", "task", "complete", "--id", buildTask, "--result", `{"built":true}`)
			requireErrorCode(t, out, "INVALID_STATE")
		})
	})

	// -------------------------------------------------------------------------
	// Phase 4: Sessions — create, validate, merge, find, cleanup, delete
	// -------------------------------------------------------------------------
	t.Run("Phase4_Sessions", func(t *testing.T) {
		t.Run("create", func(t *testing.T) {
			out := h.dispatch("w1", "session", "create",
				"--project", "pipeline", "--data", "cursor=0",
			)
			m := requireSuccess(t, out)
			token = getStr(m, "data", "session", "token")
			require.NotEmpty(t, token)
			require.Equal(t, projectID, getStr(m, "data", "session", "project_id"))
		})

		t.Run("validate_slides_expiry", func(t *testing.T) {
			out := h.dispatch("w1", "session", "get", "--token", token)
			m := requireSuccess(t, out)
			require.Equal(t, "0", getStr(m, "data", "session", "data", "cursor"))
			expiry := getTime(t, m, "data", "session", "expires_at")
			last := getTime(t, m, "data", "session", "last_accessed_at")
			require.True(t, expiry.After(last))
		})

		t.Run("update_merges", func(t *testing.T) {
			out := h.dispatch("w1", "session", "update",
				"--token", token, "--data", "cursor=9", "--data", "branch=main",
			)
			m := requireSuccess(t, out)
			require.Equal(t, "9", getStr(m, "data", "session", "data", "cursor"))
			require.Equal(t, "main", getStr(m, "data", "session", "data", "branch"))
		})

		t.Run("find_by_agent", func(t *testing.T) {
			out := h.dispatch("w1", "session", "find", "--project", "pipeline")
			m := requireSuccess(t, out)
			require.Equal(t, float64(1), getNum(m, "data", "count"))
		})

		t.Run("resume_reuses_token", func(t *testing.T) {
			out := h.dispatch("w1", "session", "create",
				"--project", "pipeline", "--resume",
			)
			m := requireSuccess(t, out)
			require.Equal(t, token, getStr(m, "data", "session", "token"))
		})

		t.Run("cleanup_removes_expired_only", func(t *testing.T) {
			out := h.dispatch("idler", "session", "create", "--ttl", "1s")
			requireSuccess(t, out)
			time.Sleep(1200 * time.Millisecond)

			out = h.dispatch("", "session", "cleanup")
			m := requireSuccess(t, out)
			require.Equal(t, float64(1), getNum(m, "data", "removed"))

			out = h.dispatch("w1", "session", "get", "--token", token)
			requireSuccess(t, out)
		})

		t.Run("delete", func(t *testing.T) {
			out := h.dispatch("w1", "session", "delete", "--token", token)
			requireSuccess(t, out)
			out = h.dispatch("w1", "session", "get", "--token", token)
			requireErrorCode(t, out, "NOT_FOUND")
		})
	})

	// -------------------------------------------------------------------------
	// Phase 5: Admin surfaces — stats, status, schema, type updates, close
	// -------------------------------------------------------------------------
	t.Run("Phase5_Admin", func(t *testing.T) {
		t.Run("project_stats", func(t *testing.T) {
			out := h.dispatch("", "project", "stats", "--project", "pipeline")
			m := requireSuccess(t, out)
			require.Equal(t, float64(4), getNum(m, "data", "stats", "total"))
			require.Equal(t, float64(3), getNum(m, "data", "stats", "completed"))
			require.Equal(t, float64(1), getNum(m, "data", "stats", "queued"))
		})

		t.Run("status_check", func(t *testing.T) {
			out := h.dispatch("", "status", "--check")
			m := requireSuccess(t, out)
			require.Equal(t, "sqlite", getStr(m, "data", "store", "backend"))
			data := m["data"].(map[string]any)
			require.Equal(t, true, data["query_ok"])
		})

		t.Run("schema_lists_commands", func(t *testing.T) {
			out := h.dispatch("", "schema", "commands")
			m := requireSuccess(t, out)
			require.Contains(t, out, "dispatch task next")
			cmds, ok := m["data"].(map[string]any)["commands"].([]any)
			require.True(t, ok)
			require.NotEmpty(t, cmds)
		})

		t.Run("template_update_reaches_queued_work", func(t *testing.T) {
			out := h.dispatch("planner", "tasktype", "update",
				"--project", "pipeline", "--type", "build",
				"--template", "Build {{target}} with cache",
			)
			requireSuccess(t, out)

			out = h.dispatch("planner", "task", "list", "--project", "pipeline", "--status", "queued")
			m := requireSuccess(t, out)
			tasks := m["data"].(map[string]any)["tasks"].([]any)
			require.Len(t, tasks, 1)
			queuedID := tasks[0].(map[string]any)["id"].(string)

			out = h.dispatch("planner", "task", "instructions", "--id", queuedID)
			m = requireSuccess(t, out)
			require.Equal(t, "Build release with cache", getStr(m, "data", "instructions"))
		})

		t.Run("type_delete_blocked_while_referenced", func(t *testing.T) {
			out := h.dispatch("planner", "tasktype", "delete", "--project", "pipeline", "--type", "build")
			requireErrorCode(t, out, "VALIDATION_ERROR")
		})

		t.Run("close_stops_new_work", func(t *testing.T) {
			out := h.dispatch("planner", "project", "close", "--project", "pipeline")
			m := requireSuccess(t, out)
			require.Equal(t, "closed", getStr(m, "data", "project", "status"))

			out = h.dispatch("w9", "task", "next", "--project", "pipeline")
			requireErrorCode(t, out, "VALIDATION_ERROR")

			out = h.dispatch("planner", "task", "create",
				"--project", "pipeline", "--type", "review",
				"--var", "file=z.go", "--var", "rev=9",
			)
			requireErrorCode(t, out, "VALIDATION_ERROR")
		})

		t.Run("reopen_resumes_service", func(t *testing.T) {
			out := h.dispatch("planner", "project", "update", "--project", "pipeline", "--status", "active")
			m := requireSuccess(t, out)
			require.Equal(t, "active", getStr(m, "data", "project", "status"))

			out = h.dispatch("w9", "task", "next", "--project", "pipeline")
			m = requireSuccess(t, out)
			id := getStr(m, "data", "task", "id")
			require.NotEmpty(t, id)

			out = h.dispatch("w9", "task", "fail", "--id", id, "--no-retry", "--result", `{"error":"cancelled"}`)
			m = requireSuccess(t, out)
			require.Equal(t, "failed", getStr(m, "data", "task", "status"))
		})
	})

	// -------------------------------------------------------------------------
	// Phase 6: Teardown — delete cascades
	// -------------------------------------------------------------------------
	t.Run("Phase6_Teardown", func(t *testing.T) {
		out := h.dispatch("planner", "project", "delete", "--project", "pipeline")
		requireSuccess(t, out)

		out = h.dispatch("planner", "project", "get", "--project", "pipeline")
		requireErrorCode(t, out, "NOT_FOUND")

		out = h.dispatch("planner", "task", "get", "--id", taskA)
		requireErrorCode(t, out, "NOT_FOUND")
	})
}

// TestFetchDrainedQueue verifies the drained-queue shape: success with a null
// task and the generated agent name echoed back.
func TestFetchDrainedQueue(t *testing.T) {
	h := newHarness(t, "sqlite")

	out := h.dispatch("planner", "project", "create", "--name", "empty")
	requireSuccess(t, out)

	out = h.dispatch("", "task", "next", "--project", "empty")
	m := requireSuccess(t, out)
	require.Nil(t, m["data"].(map[string]any)["task"])
	agent := getStr(m, "data", "agent_name")
	require.True(t, strings.HasPrefix(agent, "agent-"), "generated agent name, got %q", agent)
}

// TestMemoryBackendSingleProcess verifies the memory backend works for one-shot
// commands; state does not survive across processes by design.
func TestMemoryBackendSingleProcess(t *testing.T) {
	h := newHarness(t, "memory")

	out := h.dispatch("", "status", "--check")
	m := requireSuccess(t, out)
	require.Equal(t, "memory", getStr(m, "data", "store", "backend"))
	data := m["data"].(map[string]any)
	require.Equal(t, true, data["query_ok"])

	out = h.dispatch("planner", "project", "create", "--name", "ephemeral")
	requireSuccess(t, out)

	// A fresh process starts from an empty store.
	out = h.dispatch("planner", "project", "get", "--project", "ephemeral")
	requireErrorCode(t, out, "NOT_FOUND")
}
