package app

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings represents configuration loaded from config.yaml.
// Field names match snake_case YAML keys.
type Settings struct {
	DataDir               string  `yaml:"data_dir"`
	Backend               string  `yaml:"backend"`
	DefaultMaxRetries     int     `yaml:"default_max_retries"`
	DefaultLeaseMinutes   float64 `yaml:"default_lease_minutes"`
	ReaperIntervalMinutes float64 `yaml:"reaper_interval_minutes"`
	SessionTTLSeconds     int     `yaml:"session_ttl_seconds"`
	LockTimeoutMillis     int     `yaml:"lock_timeout_millis"`
	FetchBackoffMinMillis int     `yaml:"fetch_backoff_min_millis"`
	FetchBackoffMaxMillis int     `yaml:"fetch_backoff_max_millis"`
	FetchBackoffFactor    float64 `yaml:"fetch_backoff_factor"`
}

// BrokerSettings are effective runtime values used to wire the queue engine,
// reaper, and session manager.
type BrokerSettings struct {
	DefaultMaxRetries  int           `json:"default_max_retries"`
	DefaultLease       time.Duration `json:"default_lease"`
	ReaperInterval     time.Duration `json:"reaper_interval"`
	SessionTTL         time.Duration `json:"session_ttl"`
	LockTimeout        time.Duration `json:"lock_timeout"`
	FetchBackoffMin    time.Duration `json:"fetch_backoff_min"`
	FetchBackoffMax    time.Duration `json:"fetch_backoff_max"`
	FetchBackoffFactor float64       `json:"fetch_backoff_factor"`
}

const (
	defaultMaxRetries         = 3
	defaultLeaseMinutes       = 10
	defaultReaperIntervalMins = 1
	defaultSessionTTLSeconds  = 3600
	defaultLockTimeoutMillis  = 5000
	defaultFetchBackoffMinMs  = 20
	defaultFetchBackoffMaxMs  = 500
	defaultFetchBackoffFactor = 2.0
)

// EffectiveBrokerSettings returns validated broker settings with defaults.
// Invalid or missing config values fall back to safe defaults.
func EffectiveBrokerSettings() BrokerSettings {
	cfg := BrokerSettings{
		DefaultMaxRetries:  defaultMaxRetries,
		DefaultLease:       defaultLeaseMinutes * time.Minute,
		ReaperInterval:     defaultReaperIntervalMins * time.Minute,
		SessionTTL:         defaultSessionTTLSeconds * time.Second,
		LockTimeout:        defaultLockTimeoutMillis * time.Millisecond,
		FetchBackoffMin:    defaultFetchBackoffMinMs * time.Millisecond,
		FetchBackoffMax:    defaultFetchBackoffMaxMs * time.Millisecond,
		FetchBackoffFactor: defaultFetchBackoffFactor,
	}

	s, err := LoadSettings()
	if err != nil {
		return cfg
	}

	if s.DefaultMaxRetries > 0 {
		cfg.DefaultMaxRetries = s.DefaultMaxRetries
	}
	if s.DefaultLeaseMinutes > 0 {
		cfg.DefaultLease = time.Duration(s.DefaultLeaseMinutes * float64(time.Minute))
	}
	if s.ReaperIntervalMinutes > 0 {
		cfg.ReaperInterval = time.Duration(s.ReaperIntervalMinutes * float64(time.Minute))
	}
	if s.SessionTTLSeconds > 0 {
		cfg.SessionTTL = time.Duration(s.SessionTTLSeconds) * time.Second
	}
	if s.LockTimeoutMillis > 0 {
		cfg.LockTimeout = time.Duration(s.LockTimeoutMillis) * time.Millisecond
	}
	if s.FetchBackoffMinMillis > 0 {
		cfg.FetchBackoffMin = time.Duration(s.FetchBackoffMinMillis) * time.Millisecond
	}
	if s.FetchBackoffMaxMillis > 0 {
		cfg.FetchBackoffMax = time.Duration(s.FetchBackoffMaxMillis) * time.Millisecond
	}
	if s.FetchBackoffFactor > 0 {
		cfg.FetchBackoffFactor = s.FetchBackoffFactor
	}

	if cfg.DefaultMaxRetries > 100 {
		cfg.DefaultMaxRetries = 100
	}
	if cfg.DefaultLease > 24*time.Hour {
		cfg.DefaultLease = 24 * time.Hour
	}
	if cfg.FetchBackoffMax < cfg.FetchBackoffMin {
		cfg.FetchBackoffMax = cfg.FetchBackoffMin
	}
	if cfg.FetchBackoffFactor < 1 {
		cfg.FetchBackoffFactor = defaultFetchBackoffFactor
	}
	return cfg
}

// settingsOnce, settings, settingsErr implement the sync.Once lazy-load singleton for config.
// overrideMu guards the process-wide overrides backing the --data-dir and --backend flags.
// These globals are required by the sync.Once pattern and the RWMutex pattern; they cannot be avoided.
//
//nolint:gochecknoglobals // sync.Once singleton + RWMutex overrides are intentional process-wide state
var (
	settingsOnce sync.Once
	settings     Settings
	settingsErr  error

	overrideMu      sync.RWMutex
	dataDirOverride string
	backendOverride string
)

// SetDataDirOverride sets a process-wide data directory override.
// Intended for CLI flag support (e.g. --data-dir).
func SetDataDirOverride(dir string) {
	overrideMu.Lock()
	dataDirOverride = dir
	overrideMu.Unlock()
}

func getDataDirOverride() string {
	overrideMu.RLock()
	v := dataDirOverride
	overrideMu.RUnlock()
	return v
}

// SetBackendOverride sets a process-wide storage backend override.
// Intended for CLI flag support (e.g. --backend).
func SetBackendOverride(name string) {
	overrideMu.Lock()
	backendOverride = name
	overrideMu.Unlock()
}

func getBackendOverride() string {
	overrideMu.RLock()
	v := backendOverride
	overrideMu.RUnlock()
	return v
}

// LoadSettings loads configuration once using the documented lookup order.
// Lookup order (first found wins):
// 1) ~/.config/dispatch/config.yaml
// 2) /etc/dispatch/config.yaml
// 3) ./config.yaml (lowest priority; allows repo-local overrides if desired)
// Environment variables are handled separately.
func LoadSettings() (Settings, error) {
	settingsOnce.Do(func() {
		settings = Settings{}

		// 1) User config (~/.config/dispatch/config.yaml)
		dir, err := ConfigDir()
		if err != nil {
			settingsErr = err
			return
		}
		if s, err := loadSettingsFile(filepath.Join(dir, "config.yaml")); err == nil {
			settings = s
			return
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			settingsErr = err
			return
		}

		// 2) /etc
		if s, err := loadSettingsFile(filepath.Join(string(os.PathSeparator), "etc", "dispatch", "config.yaml")); err == nil {
			settings = s
			return
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			settingsErr = err
			return
		}

		// 3) Local ./config.yaml (lowest priority)
		if s, err := loadSettingsFile("config.yaml"); err == nil {
			settings = s
			return
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			settingsErr = err
			return
		}
	})

	return settings, settingsErr
}

func loadSettingsFile(path string) (Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}

	var s Settings
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Settings{}, err
	}
	return s, nil
}
