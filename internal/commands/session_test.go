package commands

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewSessionCmd_HasExpectedSubcommands(t *testing.T) {
	cmd := NewSessionCmd()
	require.Equal(t, "session", cmd.Use)

	for _, name := range []string{"create", "get", "update", "delete", "find", "cleanup"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		require.NotNil(t, sub)
		require.Equal(t, name, sub.Name())
	}
}

func TestSessionCreateCmd_RequiresAgent(t *testing.T) {
	cmd := newSessionCreateCmd()
	t.Setenv("DISPATCH_AGENT", "")

	err := cmd.RunE(cmd, nil)
	require.Error(t, err)
	require.EqualError(t, err, "error already printed")
	require.IsType(t, printedError{}, err)
}

func TestSessionCreateCmd_CreatesOnMemoryBackend(t *testing.T) {
	t.Setenv("DISPATCH_BACKEND", "memory")
	t.Setenv("DISPATCH_AGENT", "agent-1")

	cmd := newSessionCreateCmd()
	cmd.SetContext(context.Background())
	require.NoError(t, cmd.Flags().Set("data", "branch=main"))

	require.NoError(t, cmd.RunE(cmd, nil))
}

func TestSessionGetCmd_RequiresToken(t *testing.T) {
	cmd := newSessionGetCmd()
	err := cmd.RunE(cmd, nil)
	require.Error(t, err)
	require.IsType(t, printedError{}, err)
}

func TestSessionUpdateCmd_RequiresToken(t *testing.T) {
	cmd := newSessionUpdateCmd()
	err := cmd.RunE(cmd, nil)
	require.Error(t, err)
	require.IsType(t, printedError{}, err)
}

func TestSessionDeleteCmd_RequiresToken(t *testing.T) {
	cmd := newSessionDeleteCmd()
	err := cmd.RunE(cmd, nil)
	require.Error(t, err)
	require.IsType(t, printedError{}, err)
}

func TestSessionFindCmd_RequiresAgent(t *testing.T) {
	cmd := newSessionFindCmd()
	t.Setenv("DISPATCH_AGENT", "")

	err := cmd.RunE(cmd, nil)
	require.Error(t, err)
	require.IsType(t, printedError{}, err)
}

func TestSessionCleanupCmd_RunsOnMemoryBackend(t *testing.T) {
	t.Setenv("DISPATCH_BACKEND", "memory")

	cmd := newSessionCleanupCmd()
	cmd.SetContext(context.Background())
	require.NoError(t, cmd.RunE(cmd, nil))
}

func TestSessionFlagSetup(t *testing.T) {
	create := newSessionCreateCmd()
	requireFlagExists(t, create, "project")
	requireFlagExists(t, create, "ttl")
	requireFlagExists(t, create, "data")
	requireFlagExists(t, create, "resume")

	get := newSessionGetCmd()
	requireFlagExists(t, get, "token")

	find := newSessionFindCmd()
	requireFlagExists(t, find, "project")
}
