package commands

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/dotcommander/dispatch/internal/models"
	"github.com/dotcommander/dispatch/internal/output"
	"github.com/dotcommander/dispatch/internal/queue"
)

// NewTaskTypeCmd creates the tasktype command group
func NewTaskTypeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasktype",
		Short: "Manage task types",
		Long:  "Task types are reusable {{variable}} templates plus retry, lease, and duplicate policy.",
		Args:  cobra.NoArgs,
	}

	cmd.AddCommand(newTaskTypeCreateCmd())
	cmd.AddCommand(newTaskTypeGetCmd())
	cmd.AddCommand(newTaskTypeListCmd())
	cmd.AddCommand(newTaskTypeUpdateCmd())
	cmd.AddCommand(newTaskTypeDeleteCmd())

	namespaceIndex(cmd)
	return cmd
}

// resolveTaskTypeRef loads a task type from --type, scoped to --project when
// given so names resolve; a bare --type must be a type ID.
func resolveTaskTypeRef(ctx context.Context, eng *queue.Engine, projectRef, typeRef string) (*models.TaskType, error) {
	if projectRef != "" {
		p, err := eng.GetProject(ctx, projectRef)
		if err != nil {
			return nil, err
		}
		return eng.GetTaskTypeByName(ctx, p.ID, typeRef)
	}
	return eng.GetTaskType(ctx, typeRef)
}

func newTaskTypeCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task type in a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectRef, _ := cmd.Flags().GetString("project")
			name, _ := cmd.Flags().GetString("name")
			tmpl, _ := cmd.Flags().GetString("template")

			if projectRef == "" {
				return cmdErr(errors.New("--project is required"))
			}
			if name == "" {
				return cmdErr(errors.New("--name is required"))
			}
			if tmpl == "" {
				return cmdErr(errors.New("--template is required"))
			}

			in := queue.CreateTaskTypeInput{
				Name:     name,
				Template: tmpl,
			}
			if cmd.Flags().Changed("variables") {
				v, _ := cmd.Flags().GetStringSlice("variables")
				in.Variables = v
			}
			if cmd.Flags().Changed("duplicate-policy") {
				v, _ := cmd.Flags().GetString("duplicate-policy")
				policy := models.DuplicatePolicy(v)
				in.DuplicatePolicy = &policy
			}
			if cmd.Flags().Changed("max-retries") {
				v, _ := cmd.Flags().GetInt("max-retries")
				in.MaxRetries = &v
			}
			if cmd.Flags().Changed("lease") {
				v, _ := cmd.Flags().GetDuration("lease")
				in.LeaseDuration = &v
			}

			var tt *models.TaskType
			if err := withEngine(func(eng *queue.Engine) error {
				p, err := eng.GetProject(cmd.Context(), projectRef)
				if err != nil {
					return err
				}
				in.ProjectID = p.ID
				created, err := eng.CreateTaskType(cmd.Context(), in)
				if err != nil {
					return err
				}
				tt = created
				return nil
			}); err != nil {
				return err
			}

			type resp struct {
				TaskType *models.TaskType `json:"task_type"`
			}
			return output.PrintSuccess(resp{TaskType: tt})
		},
	}

	cmd.Flags().String("project", "", "Project ID or name (required)")
	cmd.Flags().String("name", "", "Task type name, unique within the project (required)")
	cmd.Flags().String("template", "", "Instruction template with {{variable}} placeholders (required)")
	cmd.Flags().StringSlice("variables", nil, "Declared variable names (default: derived from template)")
	cmd.Flags().String("duplicate-policy", "", "Duplicate policy: allow|ignore|fail")
	cmd.Flags().Int("max-retries", 0, "Retry budget override for tasks of this type")
	cmd.Flags().Duration("lease", 0, "Lease duration override, e.g. 10m")

	cmd.Annotations = map[string]string{"mutates": "true"}
	return cmd
}

func newTaskTypeGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Show one task type by ID, or by name with --project",
		RunE: func(cmd *cobra.Command, args []string) error {
			typeRef, _ := cmd.Flags().GetString("type")
			projectRef, _ := cmd.Flags().GetString("project")
			if typeRef == "" {
				return cmdErr(errors.New("--type is required"))
			}

			var tt *models.TaskType
			if err := withEngine(func(eng *queue.Engine) error {
				found, err := resolveTaskTypeRef(cmd.Context(), eng, projectRef, typeRef)
				if err != nil {
					return err
				}
				tt = found
				return nil
			}); err != nil {
				return err
			}

			type resp struct {
				TaskType *models.TaskType `json:"task_type"`
			}
			return output.PrintSuccess(resp{TaskType: tt})
		},
	}

	cmd.Flags().String("type", "", "Task type ID or name (required)")
	cmd.Flags().String("project", "", "Project ID or name, needed to resolve a type name")
	return cmd
}

func newTaskTypeListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List task types in a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectRef, _ := cmd.Flags().GetString("project")
			if projectRef == "" {
				return cmdErr(errors.New("--project is required"))
			}

			var types []*models.TaskType
			if err := withEngine(func(eng *queue.Engine) error {
				p, err := eng.GetProject(cmd.Context(), projectRef)
				if err != nil {
					return err
				}
				tts, err := eng.ListTaskTypes(cmd.Context(), p.ID)
				if err != nil {
					return err
				}
				types = tts
				return nil
			}); err != nil {
				return err
			}

			type resp struct {
				Count     int                `json:"count"`
				TaskTypes []*models.TaskType `json:"task_types"`
			}
			return output.PrintSuccess(resp{Count: len(types), TaskTypes: types})
		},
	}

	cmd.Flags().String("project", "", "Project ID or name (required)")
	return cmd
}

func newTaskTypeUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update task type fields",
		Long:  "Update a task type. Template and variable changes affect how existing queued tasks render.",
		RunE: func(cmd *cobra.Command, args []string) error {
			typeRef, _ := cmd.Flags().GetString("type")
			projectRef, _ := cmd.Flags().GetString("project")
			if typeRef == "" {
				return cmdErr(errors.New("--type is required"))
			}

			in := queue.UpdateTaskTypeInput{}
			if cmd.Flags().Changed("name") {
				v, _ := cmd.Flags().GetString("name")
				in.Name = &v
			}
			if cmd.Flags().Changed("template") {
				v, _ := cmd.Flags().GetString("template")
				in.Template = &v
			}
			if cmd.Flags().Changed("variables") {
				v, _ := cmd.Flags().GetStringSlice("variables")
				in.Variables = &v
			}
			if cmd.Flags().Changed("duplicate-policy") {
				v, _ := cmd.Flags().GetString("duplicate-policy")
				policy := models.DuplicatePolicy(v)
				in.DuplicatePolicy = &policy
			}
			if cmd.Flags().Changed("max-retries") {
				v, _ := cmd.Flags().GetInt("max-retries")
				in.MaxRetries = &v
			}
			if cmd.Flags().Changed("lease") {
				v, _ := cmd.Flags().GetDuration("lease")
				in.LeaseDuration = &v
			}

			var tt *models.TaskType
			if err := withEngine(func(eng *queue.Engine) error {
				found, err := resolveTaskTypeRef(cmd.Context(), eng, projectRef, typeRef)
				if err != nil {
					return err
				}
				in.TypeID = found.ID
				updated, err := eng.UpdateTaskType(cmd.Context(), in)
				if err != nil {
					return err
				}
				tt = updated
				return nil
			}); err != nil {
				return err
			}

			type resp struct {
				TaskType *models.TaskType `json:"task_type"`
			}
			return output.PrintSuccess(resp{TaskType: tt})
		},
	}

	cmd.Flags().String("type", "", "Task type ID or name (required)")
	cmd.Flags().String("project", "", "Project ID or name, needed to resolve a type name")
	cmd.Flags().String("name", "", "New task type name")
	cmd.Flags().String("template", "", "New instruction template")
	cmd.Flags().StringSlice("variables", nil, "New declared variable names")
	cmd.Flags().String("duplicate-policy", "", "New duplicate policy: allow|ignore|fail")
	cmd.Flags().Int("max-retries", 0, "New retry budget")
	cmd.Flags().Duration("lease", 0, "New lease duration, e.g. 10m")

	cmd.Annotations = map[string]string{"mutates": "true"}
	return cmd
}

func newTaskTypeDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a task type (fails while tasks still reference it)",
		RunE: func(cmd *cobra.Command, args []string) error {
			typeRef, _ := cmd.Flags().GetString("type")
			projectRef, _ := cmd.Flags().GetString("project")
			if typeRef == "" {
				return cmdErr(errors.New("--type is required"))
			}

			var typeID string
			if err := withEngine(func(eng *queue.Engine) error {
				found, err := resolveTaskTypeRef(cmd.Context(), eng, projectRef, typeRef)
				if err != nil {
					return err
				}
				typeID = found.ID
				return eng.DeleteTaskType(cmd.Context(), found.ID)
			}); err != nil {
				return err
			}

			type resp struct {
				Deleted bool   `json:"deleted"`
				TypeID  string `json:"type_id"`
			}
			return output.PrintSuccess(resp{Deleted: true, TypeID: typeID})
		},
	}

	cmd.Flags().String("type", "", "Task type ID or name (required)")
	cmd.Flags().String("project", "", "Project ID or name, needed to resolve a type name")

	cmd.Annotations = map[string]string{"mutates": "true"}
	return cmd
}
