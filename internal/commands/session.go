package commands

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/dotcommander/dispatch/internal/models"
	"github.com/dotcommander/dispatch/internal/output"
	"github.com/dotcommander/dispatch/internal/session"
	"github.com/dotcommander/dispatch/internal/storage"
)

// NewSessionCmd creates the session command group
func NewSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage agent working sessions",
		Long:  "Sessions give agents a resumable token with a sliding expiry window.",
		Args:  cobra.NoArgs,
	}

	cmd.AddCommand(newSessionCreateCmd())
	cmd.AddCommand(newSessionGetCmd())
	cmd.AddCommand(newSessionUpdateCmd())
	cmd.AddCommand(newSessionDeleteCmd())
	cmd.AddCommand(newSessionFindCmd())
	cmd.AddCommand(newSessionCleanupCmd())

	namespaceIndex(cmd)
	return cmd
}

func newSessionCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session for an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectRef, _ := cmd.Flags().GetString("project")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			dataPairs, _ := cmd.Flags().GetStringArray("data")
			resume, _ := cmd.Flags().GetBool("resume")

			agentName, err := requireAgentName(cmd, "")
			if err != nil {
				return cmdErr(err)
			}
			data, err := parseVarFlags(dataPairs)
			if err != nil {
				return cmdErr(err)
			}

			var sess *models.Session
			if err := withStore(func(st storage.Store) error {
				projectID := ""
				if projectRef != "" {
					p, err := newEngine(st).GetProject(cmd.Context(), projectRef)
					if err != nil {
						return err
					}
					projectID = p.ID
				}
				s, err := newSessionManager(st).Create(cmd.Context(), session.CreateInput{
					AgentName:      agentName,
					ProjectID:      projectID,
					TTL:            ttl,
					Data:           data,
					ResumeExisting: resume,
				})
				if err != nil {
					return err
				}
				sess = s
				return nil
			}); err != nil {
				return err
			}

			type resp struct {
				Session *models.Session `json:"session"`
			}
			return output.PrintSuccess(resp{Session: sess})
		},
	}

	cmd.Flags().String("project", "", "Project ID or name to scope the session to")
	cmd.Flags().Duration("ttl", 0, "Session TTL, e.g. 1h (default: configured session_ttl_seconds)")
	cmd.Flags().StringArray("data", nil, "Session data as key=value (repeatable)")
	cmd.Flags().Bool("resume", false, "Reuse a live session for this agent instead of minting a new token")

	cmd.Annotations = map[string]string{"mutates": "true"}
	return cmd
}

func newSessionGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Validate a session token and slide its expiry",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, _ := cmd.Flags().GetString("token")
			if token == "" {
				return cmdErr(errors.New("--token is required"))
			}

			var sess *models.Session
			if err := withSessions(func(mgr *session.Manager) error {
				s, err := mgr.Validate(cmd.Context(), token)
				if err != nil {
					return err
				}
				sess = s
				return nil
			}); err != nil {
				return err
			}

			type resp struct {
				Session *models.Session `json:"session"`
			}
			return output.PrintSuccess(resp{Session: sess})
		},
	}

	cmd.Flags().String("token", "", "Session token (required)")

	cmd.Annotations = map[string]string{"mutates": "true"}
	return cmd
}

func newSessionUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Merge data into a session and slide its expiry",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, _ := cmd.Flags().GetString("token")
			dataPairs, _ := cmd.Flags().GetStringArray("data")

			if token == "" {
				return cmdErr(errors.New("--token is required"))
			}
			data, err := parseVarFlags(dataPairs)
			if err != nil {
				return cmdErr(err)
			}

			var sess *models.Session
			if err := withSessions(func(mgr *session.Manager) error {
				s, err := mgr.Update(cmd.Context(), token, data)
				if err != nil {
					return err
				}
				sess = s
				return nil
			}); err != nil {
				return err
			}

			type resp struct {
				Session *models.Session `json:"session"`
			}
			return output.PrintSuccess(resp{Session: sess})
		},
	}

	cmd.Flags().String("token", "", "Session token (required)")
	cmd.Flags().StringArray("data", nil, "Data to merge as key=value (repeatable)")

	cmd.Annotations = map[string]string{"mutates": "true"}
	return cmd
}

func newSessionDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, _ := cmd.Flags().GetString("token")
			if token == "" {
				return cmdErr(errors.New("--token is required"))
			}

			if err := withSessions(func(mgr *session.Manager) error {
				return mgr.Delete(cmd.Context(), token)
			}); err != nil {
				return err
			}

			type resp struct {
				Deleted bool   `json:"deleted"`
				Token   string `json:"token"`
			}
			return output.PrintSuccess(resp{Deleted: true, Token: token})
		},
	}

	cmd.Flags().String("token", "", "Session token (required)")

	cmd.Annotations = map[string]string{"mutates": "true"}
	return cmd
}

func newSessionFindCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "find",
		Short: "Find an agent's live sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectRef, _ := cmd.Flags().GetString("project")

			agentName, err := requireAgentName(cmd, "")
			if err != nil {
				return cmdErr(err)
			}

			var sessions []*models.Session
			if err := withStore(func(st storage.Store) error {
				projectID := ""
				if projectRef != "" {
					p, err := newEngine(st).GetProject(cmd.Context(), projectRef)
					if err != nil {
						return err
					}
					projectID = p.ID
				}
				ss, err := newSessionManager(st).FindByAgent(cmd.Context(), agentName, projectID)
				if err != nil {
					return err
				}
				sessions = ss
				return nil
			}); err != nil {
				return err
			}

			type resp struct {
				Count    int               `json:"count"`
				Sessions []*models.Session `json:"sessions"`
			}
			return output.PrintSuccess(resp{Count: len(sessions), Sessions: sessions})
		},
	}

	cmd.Flags().String("project", "", "Limit to sessions scoped to this project ID or name")
	return cmd
}

func newSessionCleanupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			var removed int
			if err := withSessions(func(mgr *session.Manager) error {
				n, err := mgr.Cleanup(cmd.Context())
				if err != nil {
					return err
				}
				removed = n
				return nil
			}); err != nil {
				return err
			}

			type resp struct {
				Removed int `json:"removed"`
			}
			return output.PrintSuccess(resp{Removed: removed})
		},
	}

	cmd.Annotations = map[string]string{"mutates": "true"}
	return cmd
}
