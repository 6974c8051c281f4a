package commands

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/dotcommander/dispatch/internal/models"
	"github.com/dotcommander/dispatch/internal/output"
	"github.com/dotcommander/dispatch/internal/queue"
)

// NewProjectCmd creates the project command group
func NewProjectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
		Long:  "Create, query, and close projects. A project scopes task types, tasks, and leases.",
		Args:  cobra.NoArgs,
	}

	cmd.AddCommand(newProjectCreateCmd())
	cmd.AddCommand(newProjectGetCmd())
	cmd.AddCommand(newProjectListCmd())
	cmd.AddCommand(newProjectUpdateCmd())
	cmd.AddCommand(newProjectCloseCmd())
	cmd.AddCommand(newProjectDeleteCmd())
	cmd.AddCommand(newProjectStatsCmd())

	namespaceIndex(cmd)
	return cmd
}

func newProjectCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new project",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			desc, _ := cmd.Flags().GetString("desc")
			instructions, _ := cmd.Flags().GetString("instructions")

			if name == "" {
				return cmdErr(errors.New("--name is required"))
			}

			in := queue.CreateProjectInput{
				Name:         name,
				Description:  desc,
				Instructions: instructions,
			}
			if cmd.Flags().Changed("max-retries") {
				v, _ := cmd.Flags().GetInt("max-retries")
				in.MaxRetries = &v
			}
			if cmd.Flags().Changed("lease") {
				v, _ := cmd.Flags().GetDuration("lease")
				in.LeaseDuration = &v
			}

			var project *models.Project
			if err := withEngine(func(eng *queue.Engine) error {
				p, err := eng.CreateProject(cmd.Context(), in)
				if err != nil {
					return err
				}
				project = p
				return nil
			}); err != nil {
				return err
			}

			type resp struct {
				Project *models.Project `json:"project"`
			}
			return output.PrintSuccess(resp{Project: project})
		},
	}

	cmd.Flags().String("name", "", "Project name (required)")
	cmd.Flags().String("desc", "", "Project description")
	cmd.Flags().String("instructions", "", "Project-wide instructions shown alongside task output")
	cmd.Flags().Int("max-retries", 0, "Retry budget for this project's tasks (default from config)")
	cmd.Flags().Duration("lease", 0, "Lease duration for this project's tasks, e.g. 10m (default from config)")

	cmd.Annotations = map[string]string{"mutates": "true"}
	return cmd
}

func newProjectGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Show one project by ID or name",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, _ := cmd.Flags().GetString("project")
			if ref == "" {
				return cmdErr(errors.New("--project is required"))
			}

			var project *models.Project
			if err := withEngine(func(eng *queue.Engine) error {
				p, err := eng.GetProject(cmd.Context(), ref)
				if err != nil {
					return err
				}
				project = p
				return nil
			}); err != nil {
				return err
			}

			type resp struct {
				Project *models.Project `json:"project"`
			}
			return output.PrintSuccess(resp{Project: project})
		},
	}

	cmd.Flags().String("project", "", "Project ID or name (required)")
	return cmd
}

func newProjectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects (active by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")

			var projects []*models.Project
			if err := withEngine(func(eng *queue.Engine) error {
				ps, err := eng.ListProjects(cmd.Context(), all)
				if err != nil {
					return err
				}
				projects = ps
				return nil
			}); err != nil {
				return err
			}

			type resp struct {
				Count    int               `json:"count"`
				Projects []*models.Project `json:"projects"`
			}
			return output.PrintSuccess(resp{Count: len(projects), Projects: projects})
		},
	}

	cmd.Flags().Bool("all", false, "Include closed projects")
	return cmd
}

func newProjectUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update project fields",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, _ := cmd.Flags().GetString("project")
			if ref == "" {
				return cmdErr(errors.New("--project is required"))
			}

			in := queue.UpdateProjectInput{}
			if cmd.Flags().Changed("name") {
				v, _ := cmd.Flags().GetString("name")
				in.Name = &v
			}
			if cmd.Flags().Changed("desc") {
				v, _ := cmd.Flags().GetString("desc")
				in.Description = &v
			}
			if cmd.Flags().Changed("instructions") {
				v, _ := cmd.Flags().GetString("instructions")
				in.Instructions = &v
			}
			if cmd.Flags().Changed("status") {
				v, _ := cmd.Flags().GetString("status")
				status := models.ProjectStatus(v)
				in.Status = &status
			}
			if cmd.Flags().Changed("max-retries") {
				v, _ := cmd.Flags().GetInt("max-retries")
				in.MaxRetries = &v
			}
			if cmd.Flags().Changed("lease") {
				v, _ := cmd.Flags().GetDuration("lease")
				in.LeaseDuration = &v
			}

			var project *models.Project
			if err := withEngine(func(eng *queue.Engine) error {
				p, err := eng.GetProject(cmd.Context(), ref)
				if err != nil {
					return err
				}
				in.ProjectID = p.ID
				updated, err := eng.UpdateProject(cmd.Context(), in)
				if err != nil {
					return err
				}
				project = updated
				return nil
			}); err != nil {
				return err
			}

			type resp struct {
				Project *models.Project `json:"project"`
			}
			return output.PrintSuccess(resp{Project: project})
		},
	}

	cmd.Flags().String("project", "", "Project ID or name (required)")
	cmd.Flags().String("name", "", "New project name")
	cmd.Flags().String("desc", "", "New description")
	cmd.Flags().String("instructions", "", "New project-wide instructions")
	cmd.Flags().String("status", "", "New status (active|closed)")
	cmd.Flags().Int("max-retries", 0, "New retry budget")
	cmd.Flags().Duration("lease", 0, "New lease duration, e.g. 10m")

	cmd.Annotations = map[string]string{"mutates": "true"}
	return cmd
}

func newProjectCloseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "close",
		Short: "Close a project (stops new tasks and fetches; existing leases finish)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, _ := cmd.Flags().GetString("project")
			if ref == "" {
				return cmdErr(errors.New("--project is required"))
			}

			var project *models.Project
			if err := withEngine(func(eng *queue.Engine) error {
				p, err := eng.GetProject(cmd.Context(), ref)
				if err != nil {
					return err
				}
				status := models.ProjectStatusClosed
				updated, err := eng.UpdateProject(cmd.Context(), queue.UpdateProjectInput{
					ProjectID: p.ID,
					Status:    &status,
				})
				if err != nil {
					return err
				}
				project = updated
				return nil
			}); err != nil {
				return err
			}

			type resp struct {
				Project *models.Project `json:"project"`
			}
			return output.PrintSuccess(resp{Project: project})
		},
	}

	cmd.Flags().String("project", "", "Project ID or name (required)")

	cmd.Annotations = map[string]string{"mutates": "true"}
	return cmd
}

func newProjectDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a project and everything under it",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, _ := cmd.Flags().GetString("project")
			if ref == "" {
				return cmdErr(errors.New("--project is required"))
			}

			var projectID string
			if err := withEngine(func(eng *queue.Engine) error {
				p, err := eng.GetProject(cmd.Context(), ref)
				if err != nil {
					return err
				}
				projectID = p.ID
				return eng.DeleteProject(cmd.Context(), p.ID)
			}); err != nil {
				return err
			}

			type resp struct {
				Deleted   bool   `json:"deleted"`
				ProjectID string `json:"project_id"`
			}
			return output.PrintSuccess(resp{Deleted: true, ProjectID: projectID})
		},
	}

	cmd.Flags().String("project", "", "Project ID or name (required)")

	cmd.Annotations = map[string]string{"mutates": "true"}
	return cmd
}

func newProjectStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show task counts by status for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, _ := cmd.Flags().GetString("project")
			if ref == "" {
				return cmdErr(errors.New("--project is required"))
			}

			var (
				projectID string
				stats     *models.ProjectStats
			)
			if err := withEngine(func(eng *queue.Engine) error {
				p, err := eng.GetProject(cmd.Context(), ref)
				if err != nil {
					return err
				}
				projectID = p.ID
				s, err := eng.ProjectStats(cmd.Context(), p.ID)
				if err != nil {
					return err
				}
				stats = s
				return nil
			}); err != nil {
				return err
			}

			type resp struct {
				ProjectID string               `json:"project_id"`
				Stats     *models.ProjectStats `json:"stats"`
			}
			return output.PrintSuccess(resp{ProjectID: projectID, Stats: stats})
		},
	}

	cmd.Flags().String("project", "", "Project ID or name (required)")
	return cmd
}
