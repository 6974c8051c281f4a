package commands

import (
	"context"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func TestNewProjectCmd_HasExpectedSubcommands(t *testing.T) {
	cmd := NewProjectCmd()
	require.Equal(t, "project", cmd.Use)
	require.Equal(t, "Manage projects", cmd.Short)

	for _, name := range []string{"create", "get", "list", "update", "close", "delete", "stats"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		require.NotNil(t, sub)
		require.Equal(t, name, sub.Name())
	}
}

func TestProjectCreateCmd_RequiresName(t *testing.T) {
	cmd := newProjectCreateCmd()
	err := cmd.RunE(cmd, nil)
	require.Error(t, err)
	require.EqualError(t, err, "error already printed")
	require.IsType(t, printedError{}, err)
}

func TestProjectCreateCmd_CreatesOnMemoryBackend(t *testing.T) {
	t.Setenv("DISPATCH_BACKEND", "memory")
	cmd := newProjectCreateCmd()
	cmd.SetContext(context.Background())
	require.NoError(t, cmd.Flags().Set("name", "alpha"))

	require.NoError(t, cmd.RunE(cmd, nil))
}

func TestProjectGetCmd_ValidationErrorsBeforeStore(t *testing.T) {
	cmd := newProjectGetCmd()

	err := cmd.RunE(cmd, nil)
	require.Error(t, err)
	require.EqualError(t, err, "error already printed")

	t.Setenv("DISPATCH_BACKEND", "memory")
	cmd.SetContext(context.Background())
	require.NoError(t, cmd.Flags().Set("project", "missing"))
	err = cmd.RunE(cmd, nil)
	require.Error(t, err)
	require.EqualError(t, err, "error already printed")
}

func TestProjectUpdateCmd_RequiresProject(t *testing.T) {
	cmd := newProjectUpdateCmd()
	err := cmd.RunE(cmd, nil)
	require.Error(t, err)
	require.IsType(t, printedError{}, err)
}

func TestProjectCloseCmd_RequiresProject(t *testing.T) {
	cmd := newProjectCloseCmd()
	err := cmd.RunE(cmd, nil)
	require.Error(t, err)
	require.IsType(t, printedError{}, err)
}

func TestProjectStatsCmd_RequiresProject(t *testing.T) {
	cmd := newProjectStatsCmd()
	err := cmd.RunE(cmd, nil)
	require.Error(t, err)
	require.IsType(t, printedError{}, err)
}

func TestProjectFlagSetup(t *testing.T) {
	create := newProjectCreateCmd()
	requireFlagExists(t, create, "name")
	requireFlagExists(t, create, "desc")
	requireFlagExists(t, create, "instructions")
	requireFlagExists(t, create, "max-retries")
	requireFlagExists(t, create, "lease")

	get := newProjectGetCmd()
	requireFlagExists(t, get, "project")

	update := newProjectUpdateCmd()
	requireFlagExists(t, update, "status")

	list := newProjectListCmd()
	requireFlagExists(t, list, "all")
}

func TestProjectMutatingCommandsAnnotated(t *testing.T) {
	for _, cmd := range []*cobra.Command{
		newProjectCreateCmd(),
		newProjectUpdateCmd(),
		newProjectCloseCmd(),
		newProjectDeleteCmd(),
	} {
		require.Equal(t, "true", cmd.Annotations["mutates"], cmd.Name())
	}
}

func requireFlagExists(t *testing.T, cmd *cobra.Command, name string) {
	t.Helper()
	f := cmd.Flags().Lookup(name)
	require.NotNil(t, f)
}
