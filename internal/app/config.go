package app

import (
	"os"
	"path/filepath"
)

// ConfigDir returns ~/.config/dispatch/ on all platforms.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "dispatch"), nil
}

// EnsureConfigDir creates the config directory and default config.yaml if missing.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}

	configFile := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return os.WriteFile(configFile, []byte(defaultConfig), 0600)
	}
	return nil
}

const defaultConfig = `# dispatch configuration
# Run: dispatch --help

# Storage backend: sqlite (default), file, or memory.
# Can also be set via DISPATCH_BACKEND or --backend.
# backend: sqlite

# Where task data lives.
# Can also be set via DISPATCH_DATA_DIR or --data-dir.
# data_dir: ~/.config/dispatch/data

# Retry budget for projects that do not set their own.
# default_max_retries: 3

# Lease duration for projects that do not set their own, in minutes.
# default_lease_minutes: 10

# How often the reaper reclaims expired leases, in minutes.
# reaper_interval_minutes: 1

# Session idle expiry, in seconds.
# session_ttl_seconds: 3600

# File backend only: per-project lock acquisition timeout, in milliseconds.
# lock_timeout_millis: 5000

# Backoff for retrying transient storage errors.
# fetch_backoff_min_millis: 20
# fetch_backoff_max_millis: 500
# fetch_backoff_factor: 2.0
`
