package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dotcommander/dispatch/internal/models"
	"github.com/dotcommander/dispatch/internal/output"
	"github.com/dotcommander/dispatch/internal/queue"
)

// NewTaskCmd creates the task command group
func NewTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Create, lease, and finish tasks. Valid statuses: queued, running, completed, failed",
		Args:  cobra.NoArgs,
	}

	cmd.AddCommand(newTaskCreateCmd())
	cmd.AddCommand(newTaskBulkCreateCmd())
	cmd.AddCommand(newTaskGetCmd())
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskUpdateCmd())
	cmd.AddCommand(newTaskDeleteCmd())
	cmd.AddCommand(newTaskInstructionsCmd())
	cmd.AddCommand(newTaskNextCmd())
	cmd.AddCommand(newTaskCompleteCmd())
	cmd.AddCommand(newTaskFailCmd())
	cmd.AddCommand(newTaskExtendCmd())

	namespaceIndex(cmd)
	return cmd
}

// parseVarFlags turns repeated --var key=value pairs into a variable map.
func parseVarFlags(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --var %q (want key=value)", pair)
		}
		vars[k] = v
	}
	return vars, nil
}

// parseResultFlag reads --result and insists on valid JSON; agents store
// structured results, not prose.
func parseResultFlag(cmd *cobra.Command) (json.RawMessage, error) {
	raw, _ := cmd.Flags().GetString("result")
	if raw == "" {
		return nil, nil
	}
	if !json.Valid([]byte(raw)) {
		return nil, errors.New("--result must be valid JSON")
	}
	return json.RawMessage(raw), nil
}

func newTaskCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task from a task type",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectRef, _ := cmd.Flags().GetString("project")
			typeRef, _ := cmd.Flags().GetString("type")
			id, _ := cmd.Flags().GetString("id")
			desc, _ := cmd.Flags().GetString("desc")
			varPairs, _ := cmd.Flags().GetStringArray("var")

			if projectRef == "" {
				return cmdErr(errors.New("--project is required"))
			}
			if typeRef == "" {
				return cmdErr(errors.New("--type is required"))
			}
			vars, err := parseVarFlags(varPairs)
			if err != nil {
				return cmdErr(err)
			}

			var task *models.Task
			if err := withEngine(func(eng *queue.Engine) error {
				p, err := eng.GetProject(cmd.Context(), projectRef)
				if err != nil {
					return err
				}
				tt, err := eng.GetTaskTypeByName(cmd.Context(), p.ID, typeRef)
				if err != nil {
					return err
				}
				created, err := eng.CreateTask(cmd.Context(), queue.CreateTaskInput{
					ProjectID:   p.ID,
					TypeID:      tt.ID,
					Variables:   vars,
					ID:          id,
					Description: desc,
				})
				if err != nil {
					return err
				}
				task = created
				return nil
			}); err != nil {
				return err
			}

			type resp struct {
				Task *models.Task `json:"task"`
			}
			return output.PrintSuccess(resp{Task: task})
		},
	}

	cmd.Flags().String("project", "", "Project ID or name (required)")
	cmd.Flags().String("type", "", "Task type ID or name (required)")
	cmd.Flags().StringArray("var", nil, "Template variable as key=value (repeatable)")
	cmd.Flags().String("id", "", "Explicit task ID (default: generated)")
	cmd.Flags().String("desc", "", "Task description")

	cmd.Annotations = map[string]string{"mutates": "true"}
	return cmd
}

// bulkItem is one entry of a bulk-create file. Type takes an ID or a name;
// unresolvable names surface as per-item errors in the result.
type bulkItem struct {
	Type        string            `json:"type"`
	Variables   map[string]string `json:"variables,omitempty"`
	ID          string            `json:"id,omitempty"`
	Description string            `json:"description,omitempty"`
}

func readBulkItems(path string) ([]bulkItem, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	var items []bulkItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return items, nil
}

func newTaskBulkCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bulk-create",
		Short: "Create many tasks from a JSON file ('-' reads stdin)",
		Long: `Reads a JSON array of {"type", "variables", "id", "description"} objects and
creates each task independently. Failed items are reported per index; the
rest are created.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			projectRef, _ := cmd.Flags().GetString("project")
			file, _ := cmd.Flags().GetString("file")

			if projectRef == "" {
				return cmdErr(errors.New("--project is required"))
			}
			if file == "" {
				return cmdErr(errors.New("--file is required ('-' for stdin)"))
			}

			items, err := readBulkItems(file)
			if err != nil {
				return cmdErr(err)
			}

			var result *queue.BulkCreateResult
			if err := withEngine(func(eng *queue.Engine) error {
				p, err := eng.GetProject(cmd.Context(), projectRef)
				if err != nil {
					return err
				}
				batch := make([]queue.BulkTaskItem, len(items))
				for i, item := range items {
					typeID := item.Type
					// Resolve names eagerly; a bad ref stays as-is so the
					// engine reports it under the same item index.
					if tt, err := eng.GetTaskTypeByName(cmd.Context(), p.ID, item.Type); err == nil {
						typeID = tt.ID
					}
					batch[i] = queue.BulkTaskItem{
						TypeID:      typeID,
						Variables:   item.Variables,
						ID:          item.ID,
						Description: item.Description,
					}
				}
				res, err := eng.BulkCreateTasks(cmd.Context(), p.ID, batch)
				if err != nil {
					return err
				}
				result = res
				return nil
			}); err != nil {
				return err
			}

			return output.PrintSuccess(result)
		},
	}

	cmd.Flags().String("project", "", "Project ID or name (required)")
	cmd.Flags().String("file", "", "JSON file with an array of task items, or '-' for stdin (required)")

	cmd.Annotations = map[string]string{"mutates": "true"}
	return cmd
}

func newTaskGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Show one task with its attempt history",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			if id == "" {
				return cmdErr(errors.New("--id is required"))
			}

			var task *models.Task
			if err := withEngine(func(eng *queue.Engine) error {
				t, err := eng.GetTask(cmd.Context(), id)
				if err != nil {
					return err
				}
				task = t
				return nil
			}); err != nil {
				return err
			}

			type resp struct {
				Task *models.Task `json:"task"`
			}
			return output.PrintSuccess(resp{Task: task})
		},
	}

	cmd.Flags().String("id", "", "Task ID (required)")
	return cmd
}

func newTaskListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks in a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectRef, _ := cmd.Flags().GetString("project")
			status, _ := cmd.Flags().GetString("status")
			typeRef, _ := cmd.Flags().GetString("type")
			assignedTo, _ := cmd.Flags().GetString("assigned-to")
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")

			if projectRef == "" {
				return cmdErr(errors.New("--project is required"))
			}

			var tasks []*models.Task
			if err := withEngine(func(eng *queue.Engine) error {
				p, err := eng.GetProject(cmd.Context(), projectRef)
				if err != nil {
					return err
				}
				typeID := ""
				if typeRef != "" {
					tt, err := eng.GetTaskTypeByName(cmd.Context(), p.ID, typeRef)
					if err != nil {
						return err
					}
					typeID = tt.ID
				}
				ts, err := eng.ListTasks(cmd.Context(), p.ID, queue.ListTasksInput{
					Status:     status,
					TypeID:     typeID,
					AssignedTo: assignedTo,
					Limit:      limit,
					Offset:     offset,
				})
				if err != nil {
					return err
				}
				tasks = ts
				return nil
			}); err != nil {
				return err
			}

			type resp struct {
				Count int            `json:"count"`
				Tasks []*models.Task `json:"tasks"`
			}
			return output.PrintSuccess(resp{Count: len(tasks), Tasks: tasks})
		},
	}

	cmd.Flags().String("project", "", "Project ID or name (required)")
	cmd.Flags().String("status", "", "Filter by status (queued|running|completed|failed)")
	cmd.Flags().String("type", "", "Filter by task type ID or name")
	cmd.Flags().String("assigned-to", "", "Filter by assigned agent name")
	cmd.Flags().Int("limit", 0, "Max tasks to return (0 = no limit)")
	cmd.Flags().Int("offset", 0, "Tasks to skip before returning")
	return cmd
}

func newTaskUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update a task's description or variables",
		Long:  "Update a task. Variables can only change while the task is still queued.",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			varPairs, _ := cmd.Flags().GetStringArray("var")

			if id == "" {
				return cmdErr(errors.New("--id is required"))
			}
			vars, err := parseVarFlags(varPairs)
			if err != nil {
				return cmdErr(err)
			}

			in := queue.UpdateTaskInput{TaskID: id, Variables: vars}
			if cmd.Flags().Changed("desc") {
				v, _ := cmd.Flags().GetString("desc")
				in.Description = &v
			}

			var task *models.Task
			if err := withEngine(func(eng *queue.Engine) error {
				t, err := eng.UpdateTask(cmd.Context(), in)
				if err != nil {
					return err
				}
				task = t
				return nil
			}); err != nil {
				return err
			}

			type resp struct {
				Task *models.Task `json:"task"`
			}
			return output.PrintSuccess(resp{Task: task})
		},
	}

	cmd.Flags().String("id", "", "Task ID (required)")
	cmd.Flags().String("desc", "", "New description")
	cmd.Flags().StringArray("var", nil, "Replacement variable as key=value (repeatable)")

	cmd.Annotations = map[string]string{"mutates": "true"}
	return cmd
}

func newTaskDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a task and its attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			if id == "" {
				return cmdErr(errors.New("--id is required"))
			}

			if err := withEngine(func(eng *queue.Engine) error {
				return eng.DeleteTask(cmd.Context(), id)
			}); err != nil {
				return err
			}

			type resp struct {
				Deleted bool   `json:"deleted"`
				TaskID  string `json:"task_id"`
			}
			return output.PrintSuccess(resp{Deleted: true, TaskID: id})
		},
	}

	cmd.Flags().String("id", "", "Task ID (required)")

	cmd.Annotations = map[string]string{"mutates": "true"}
	return cmd
}

func newTaskInstructionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instructions",
		Short: "Render a task's instructions from its type template",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			if id == "" {
				return cmdErr(errors.New("--id is required"))
			}

			var instructions string
			if err := withEngine(func(eng *queue.Engine) error {
				s, err := eng.Instructions(cmd.Context(), id)
				if err != nil {
					return err
				}
				instructions = s
				return nil
			}); err != nil {
				return err
			}

			type resp struct {
				TaskID       string `json:"task_id"`
				Instructions string `json:"instructions"`
			}
			return output.PrintSuccess(resp{TaskID: id, Instructions: instructions})
		},
	}

	cmd.Flags().String("id", "", "Task ID (required)")
	return cmd
}

func newTaskNextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Lease the next queued task to an agent",
		Long: `Atomically fetches the oldest queued task and leases it. With no --agent a
name is generated. An agent holding a live lease in the project gets its
current task back instead of a new one.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			projectRef, _ := cmd.Flags().GetString("project")
			if projectRef == "" {
				return cmdErr(errors.New("--project is required"))
			}
			agentName := resolveAgentName(cmd, "")

			var result *queue.FetchResult
			if err := withEngine(func(eng *queue.Engine) error {
				p, err := eng.GetProject(cmd.Context(), projectRef)
				if err != nil {
					return err
				}
				res, err := eng.FetchNext(cmd.Context(), p.ID, agentName)
				if err != nil {
					return err
				}
				result = res
				return nil
			}); err != nil {
				return err
			}

			return output.PrintSuccess(result)
		},
	}

	cmd.Flags().String("project", "", "Project ID or name (required)")

	cmd.Annotations = map[string]string{"mutates": "true"}
	return cmd
}

func newTaskCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Complete a running task with a JSON result",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			if id == "" {
				return cmdErr(errors.New("--id is required"))
			}
			agentName, err := requireAgentName(cmd, "")
			if err != nil {
				return cmdErr(err)
			}
			result, err := parseResultFlag(cmd)
			if err != nil {
				return cmdErr(err)
			}

			var task *models.Task
			if err := withEngine(func(eng *queue.Engine) error {
				t, err := eng.Complete(cmd.Context(), id, agentName, result)
				if err != nil {
					return err
				}
				task = t
				return nil
			}); err != nil {
				return err
			}

			type resp struct {
				Task *models.Task `json:"task"`
			}
			return output.PrintSuccess(resp{Task: task})
		},
	}

	cmd.Flags().String("id", "", "Task ID (required)")
	cmd.Flags().String("result", "", "Result payload as JSON")

	cmd.Annotations = map[string]string{"mutates": "true"}
	return cmd
}

func newTaskFailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fail",
		Short: "Fail a running task (requeues until the retry budget is spent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			noRetry, _ := cmd.Flags().GetBool("no-retry")
			if id == "" {
				return cmdErr(errors.New("--id is required"))
			}
			agentName, err := requireAgentName(cmd, "")
			if err != nil {
				return cmdErr(err)
			}
			result, err := parseResultFlag(cmd)
			if err != nil {
				return cmdErr(err)
			}

			var task *models.Task
			if err := withEngine(func(eng *queue.Engine) error {
				t, err := eng.Fail(cmd.Context(), id, agentName, result, !noRetry)
				if err != nil {
					return err
				}
				task = t
				return nil
			}); err != nil {
				return err
			}

			type resp struct {
				Task *models.Task `json:"task"`
			}
			return output.PrintSuccess(resp{Task: task})
		},
	}

	cmd.Flags().String("id", "", "Task ID (required)")
	cmd.Flags().String("result", "", "Failure detail as JSON")
	cmd.Flags().Bool("no-retry", false, "Fail terminally even with retry budget left")

	cmd.Annotations = map[string]string{"mutates": "true"}
	return cmd
}

func newTaskExtendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extend",
		Short: "Extend a running task's lease",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			by, _ := cmd.Flags().GetDuration("by")
			if id == "" {
				return cmdErr(errors.New("--id is required"))
			}
			if by <= 0 {
				return cmdErr(errors.New("--by is required and must be positive, e.g. 10m"))
			}
			agentName, err := requireAgentName(cmd, "")
			if err != nil {
				return cmdErr(err)
			}

			var task *models.Task
			if err := withEngine(func(eng *queue.Engine) error {
				t, err := eng.ExtendLease(cmd.Context(), id, agentName, by)
				if err != nil {
					return err
				}
				task = t
				return nil
			}); err != nil {
				return err
			}

			type resp struct {
				Task *models.Task `json:"task"`
			}
			return output.PrintSuccess(resp{Task: task})
		},
	}

	cmd.Flags().String("id", "", "Task ID (required)")
	cmd.Flags().Duration("by", 0, "Additional lease time, e.g. 10m (required)")

	cmd.Annotations = map[string]string{"mutates": "true"}
	return cmd
}
