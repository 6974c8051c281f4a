package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/dotcommander/dispatch/internal/app"
	"github.com/dotcommander/dispatch/internal/metrics"
	"github.com/dotcommander/dispatch/internal/models"
	"github.com/dotcommander/dispatch/internal/output"
	"github.com/dotcommander/dispatch/internal/queue"
	"github.com/dotcommander/dispatch/internal/session"
	"github.com/dotcommander/dispatch/internal/storage"
	"github.com/dotcommander/dispatch/internal/storage/filestore"
	"github.com/dotcommander/dispatch/internal/storage/memstore"
	"github.com/dotcommander/dispatch/internal/storage/sqlite"
)

// sqliteFileName is the database file created under the data directory when
// the sqlite backend is selected.
const sqliteFileName = "dispatch.db"

type printedError struct {
	err error
}

func (e printedError) Error() string {
	// Intentionally hide the original error: the JSON error response is the output.
	return "error already printed"
}

// openStore builds the configured backend. The memory backend lives only for
// the current process; it exists for tests and dry runs.
func openStore() (storage.Store, func(), error) {
	backend, err := app.GetBackend()
	if err != nil {
		return nil, nil, err
	}

	switch backend {
	case app.BackendMemory:
		st := memstore.New()
		return st, func() { _ = st.Close() }, nil
	case app.BackendFile:
		dataDir, err := app.GetDataDir()
		if err != nil {
			return nil, nil, err
		}
		bs := app.EffectiveBrokerSettings()
		st, err := filestore.Open(dataDir, filestore.Options{
			LockTimeout: bs.LockTimeout,
			RetryMin:    bs.FetchBackoffMin,
			RetryMax:    bs.FetchBackoffMax,
			RetryFactor: bs.FetchBackoffFactor,
		})
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	case app.BackendSQLite:
		dataDir, err := app.GetDataDir()
		if err != nil {
			return nil, nil, err
		}
		st, err := sqlite.Open(filepath.Join(dataDir, sqliteFileName))
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", backend)
	}
}

func withStore(fn func(st storage.Store) error) error {
	st, closeStore, err := openStore()
	if err != nil {
		return cmdErr(err)
	}
	defer closeStore()

	if err := fn(st); err != nil {
		return cmdErr(err)
	}
	return nil
}

// newEngine wires a queue engine the way the daemonless CLI needs it: wall
// clock, process logger, and the process-wide metrics bundle.
func newEngine(st storage.Store) *queue.Engine {
	bs := app.EffectiveBrokerSettings()
	return queue.New(st, queue.Options{
		Metrics:           metricsBundle(),
		DefaultMaxRetries: bs.DefaultMaxRetries,
		DefaultLease:      bs.DefaultLease,
		RetryBackoff: queue.RetryBackoff{
			Min:    bs.FetchBackoffMin,
			Max:    bs.FetchBackoffMax,
			Factor: bs.FetchBackoffFactor,
		},
	})
}

func withEngine(fn func(eng *queue.Engine) error) error {
	return withStore(func(st storage.Store) error {
		return fn(newEngine(st))
	})
}

func newSessionManager(st storage.Store) *session.Manager {
	bs := app.EffectiveBrokerSettings()
	return session.New(st, session.Options{
		Metrics: metricsBundle(),
		TTL:     bs.SessionTTL,
	})
}

func withSessions(fn func(mgr *session.Manager) error) error {
	return withStore(func(st storage.Store) error {
		return fn(newSessionManager(st))
	})
}

// metricsBundle registers on the default registerer so the long-running
// reaper loop accumulates across sweeps; re-registration reuses collectors.
func metricsBundle() *metrics.Metrics {
	return metrics.MustNewMetrics(prometheus.DefaultRegisterer)
}

// resolveAgentName resolves the agent identity used for leases and sessions.
// Precedence: per-command flag, global --agent, then DISPATCH_AGENT. Empty is
// allowed; fetch generates a name when none is supplied.
func resolveAgentName(cmd *cobra.Command, perCmdFlag string) string {
	if perCmdFlag != "" {
		if v, err := cmd.Flags().GetString(perCmdFlag); err == nil && v != "" {
			return v
		}
	}
	if v, err := cmd.Flags().GetString("agent"); err == nil && v != "" {
		return v
	}
	return os.Getenv("DISPATCH_AGENT")
}

func requireAgentName(cmd *cobra.Command, perCmdFlag string) (string, error) {
	agent := resolveAgentName(cmd, perCmdFlag)
	if agent == "" {
		return "", fmt.Errorf("agent is required (set --agent or DISPATCH_AGENT)")
	}
	return agent, nil
}

func cmdErr(err error) error {
	if err == nil {
		return nil
	}
	attrs := []any{"error", err.Error()}
	var re models.RecoverableError
	if errors.As(err, &re) {
		attrs = append(attrs, "error_code", re.ErrorCode())
	}
	slog.Error("command error", attrs...)
	_ = output.PrintError(err)
	return printedError{err: err}
}
