package commands

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/dotcommander/dispatch/internal/output"
	"github.com/dotcommander/dispatch/internal/queue"
)

// NewAgentCmd creates the agent command group
func NewAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Inspect agents holding leases",
		Args:  cobra.NoArgs,
	}

	cmd.AddCommand(newAgentListCmd())
	cmd.AddCommand(newAgentStatusCmd())

	namespaceIndex(cmd)
	return cmd
}

func newAgentListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents with running tasks in a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectRef, _ := cmd.Flags().GetString("project")
			if projectRef == "" {
				return cmdErr(errors.New("--project is required"))
			}

			var agents []*queue.AgentStatus
			if err := withEngine(func(eng *queue.Engine) error {
				p, err := eng.GetProject(cmd.Context(), projectRef)
				if err != nil {
					return err
				}
				as, err := eng.ListActiveAgents(cmd.Context(), p.ID)
				if err != nil {
					return err
				}
				agents = as
				return nil
			}); err != nil {
				return err
			}

			type resp struct {
				Count  int                  `json:"count"`
				Agents []*queue.AgentStatus `json:"agents"`
			}
			return output.PrintSuccess(resp{Count: len(agents), Agents: agents})
		},
	}

	cmd.Flags().String("project", "", "Project ID or name (required)")
	return cmd
}

func newAgentStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show one agent's running tasks and next lease expiry",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectRef, _ := cmd.Flags().GetString("project")
			if projectRef == "" {
				return cmdErr(errors.New("--project is required"))
			}
			agentName, err := requireAgentName(cmd, "name")
			if err != nil {
				return cmdErr(err)
			}

			var status *queue.AgentStatus
			if err := withEngine(func(eng *queue.Engine) error {
				p, err := eng.GetProject(cmd.Context(), projectRef)
				if err != nil {
					return err
				}
				st, err := eng.AgentStatusFor(cmd.Context(), agentName, p.ID)
				if err != nil {
					return err
				}
				status = st
				return nil
			}); err != nil {
				return err
			}

			return output.PrintSuccess(status)
		},
	}

	cmd.Flags().String("project", "", "Project ID or name (required)")
	cmd.Flags().String("name", "", "Agent name (default: --agent or DISPATCH_AGENT)")
	return cmd
}
