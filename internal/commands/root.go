package commands

import (
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dotcommander/dispatch/internal/app"
	"github.com/dotcommander/dispatch/internal/output"
)

// Execute runs the CLI application.
func Execute(version string) error {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	root := &cobra.Command{
		Use:           "dispatch",
		Short:         "Lease-based task queue for agent fleets (projects, task types, leased tasks)",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			showVersion, _ := cmd.Flags().GetBool("version")
			if showVersion {
				type resp struct {
					Version string `json:"version"`
				}
				return output.PrintSuccess(resp{Version: version})
			}
			return cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := app.EnsureConfigDir(); err != nil {
				return err
			}

			// Wire --data-dir and --backend into the app-level resolvers.
			if dataDir, err := cmd.Flags().GetString("data-dir"); err == nil && dataDir != "" {
				app.SetDataDirOverride(dataDir)
			}
			if backend, err := cmd.Flags().GetString("backend"); err == nil && backend != "" {
				app.SetBackendOverride(backend)
			}

			return nil
		},
	}

	root.PersistentFlags().String("data-dir", "", "Override data directory (default: $DISPATCH_DATA_DIR)")
	root.PersistentFlags().String("backend", "", "Storage backend: sqlite|file|memory (default: $DISPATCH_BACKEND or sqlite)")
	root.PersistentFlags().StringP("agent", "a", "", "Agent name (default: $DISPATCH_AGENT)")
	root.Flags().BoolP("version", "v", false, "version for dispatch")

	root.AddCommand(NewProjectCmd())
	root.AddCommand(NewTaskTypeCmd())
	root.AddCommand(NewTaskCmd())
	root.AddCommand(NewAgentCmd())
	root.AddCommand(NewSessionCmd())
	root.AddCommand(NewReaperCmd())
	root.AddCommand(NewStatusCmd(root))
	root.AddCommand(NewSchemaCmd(root))

	err := root.Execute()
	if err != nil {
		var pe printedError
		if !errors.As(err, &pe) {
			slog.Error("command failed", "error", err.Error())
		}
	}
	return err
}
