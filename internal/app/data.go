package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Backend selector values accepted by config, DISPATCH_BACKEND, and --backend.
const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
	BackendMemory = "memory"
)

// ValidBackend reports whether name selects a known storage backend.
func ValidBackend(name string) bool {
	switch name {
	case BackendSQLite, BackendFile, BackendMemory:
		return true
	}
	return false
}

// GetDataDir resolves the broker's data directory.
// Order of precedence:
// 1) CLI override (e.g. --data-dir)
// 2) Environment variable: DISPATCH_DATA_DIR
// 3) config.yaml: data_dir
// 4) Default: ~/.config/dispatch/data
// Returns the directory path and ensures it exists.
func GetDataDir() (string, error) {
	if override := getDataDirOverride(); override != "" {
		return EnsureDataDir(override)
	}

	if envDir := os.Getenv("DISPATCH_DATA_DIR"); envDir != "" {
		return EnsureDataDir(envDir)
	}

	cfg, err := LoadSettings()
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.DataDir != "" {
		return EnsureDataDir(cfg.DataDir)
	}

	configDir, err := ConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine config directory: %w", err)
	}
	return EnsureDataDir(filepath.Join(configDir, "data"))
}

// ResolveDataDirDetailed returns the resolved data directory along with the source of that decision.
// This is for debugging/reporting; normal code should use GetDataDir.
func ResolveDataDirDetailed() (path string, source string, err error) {
	if override := getDataDirOverride(); override != "" {
		resolved, ensureErr := EnsureDataDir(override)
		return resolved, "cli(--data-dir)", ensureErr
	}

	if envDir := os.Getenv("DISPATCH_DATA_DIR"); envDir != "" {
		resolved, ensureErr := EnsureDataDir(envDir)
		return resolved, "env(DISPATCH_DATA_DIR)", ensureErr
	}

	dir, err := ConfigDir()
	if err != nil {
		return "", "", fmt.Errorf("failed to determine config directory: %w", err)
	}

	// Config file order must match LoadSettings.
	configPaths := []string{
		filepath.Join(dir, "config.yaml"),
		filepath.Join(string(os.PathSeparator), "etc", "dispatch", "config.yaml"),
		"config.yaml",
	}

	for _, p := range configPaths {
		s, loadErr := loadSettingsFile(p)
		if loadErr == nil {
			if s.DataDir != "" {
				resolved, ensureErr := EnsureDataDir(s.DataDir)
				return resolved, fmt.Sprintf("config(%s)", p), ensureErr
			}
			// File exists but no data_dir set; keep looking.
			continue
		}
		if errors.Is(loadErr, os.ErrNotExist) {
			continue
		}
		return "", "", fmt.Errorf("failed to load config %s: %w", p, loadErr)
	}

	resolved, err := EnsureDataDir(filepath.Join(dir, "data"))
	return resolved, "default(~/.config/dispatch/data)", err
}

// GetBackend resolves the storage backend selector.
// Order of precedence mirrors GetDataDir: CLI override, DISPATCH_BACKEND,
// config.yaml backend key, then the sqlite default.
func GetBackend() (string, error) {
	backend, _, err := ResolveBackendDetailed()
	return backend, err
}

// ResolveBackendDetailed returns the chosen backend along with the source of that decision.
func ResolveBackendDetailed() (backend string, source string, err error) {
	if override := getBackendOverride(); override != "" {
		return checkBackend(override, "cli(--backend)")
	}

	if envBackend := os.Getenv("DISPATCH_BACKEND"); envBackend != "" {
		return checkBackend(envBackend, "env(DISPATCH_BACKEND)")
	}

	cfg, err := LoadSettings()
	if err != nil {
		return "", "", fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Backend != "" {
		return checkBackend(cfg.Backend, "config(backend)")
	}

	return BackendSQLite, "default(sqlite)", nil
}

func checkBackend(name, source string) (string, string, error) {
	if !ValidBackend(name) {
		return "", "", fmt.Errorf("unknown backend %q from %s (want sqlite, file, or memory)", name, source)
	}
	return name, source, nil
}

// EnsureDataDir creates the data directory if missing and returns it.
func EnsureDataDir(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dir, nil
}
