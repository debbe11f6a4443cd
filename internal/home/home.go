// Package home manages the collector's on-disk directory layout.
//
// The data directory owns all persistent state; the log directory holds the
// service log. Both are overridable from the command line.
//
// Layout:
//
//	<data>/
//	  sources.json       (source registry)
//	  policy.json        (aggregation policies + captured templates)
//	  filters.json       (per-source filter rules)
//	  health_check.json  (health reporter configuration)
//	  status.json        (live service status snapshot)
//	  logcollector.pid   (default pid file location)
//	<logs>/
//	  service.log
package home

import (
	"fmt"
	"os"
	"path/filepath"
)

// Dirs holds the resolved data and log directories.
type Dirs struct {
	data string
	logs string
}

// New creates Dirs with explicit data and log directory paths.
// An empty log directory defaults to <data>/logs.
func New(dataDir, logDir string) Dirs {
	if logDir == "" {
		logDir = filepath.Join(dataDir, "logs")
	}
	return Dirs{data: dataDir, logs: logDir}
}

// Default returns Dirs under the platform-appropriate default location:
//   - Linux:   ~/.config/logcollector
//   - macOS:   ~/Library/Application Support/logcollector
//   - Windows: %APPDATA%/logcollector
func Default() (Dirs, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dirs{}, fmt.Errorf("determine config directory: %w", err)
	}
	root := filepath.Join(base, "logcollector")
	return Dirs{data: root, logs: filepath.Join(root, "logs")}, nil
}

// DataDir returns the data directory path.
func (d Dirs) DataDir() string {
	return d.data
}

// LogDir returns the log directory path.
func (d Dirs) LogDir() string {
	return d.logs
}

// SourcesPath returns the path to the source registry file.
func (d Dirs) SourcesPath() string {
	return filepath.Join(d.data, "sources.json")
}

// PolicyPath returns the path to the aggregation policy and template file.
func (d Dirs) PolicyPath() string {
	return filepath.Join(d.data, "policy.json")
}

// FiltersPath returns the path to the filter rules file.
func (d Dirs) FiltersPath() string {
	return filepath.Join(d.data, "filters.json")
}

// HealthPath returns the path to the health reporter configuration file.
func (d Dirs) HealthPath() string {
	return filepath.Join(d.data, "health_check.json")
}

// StatusPath returns the path to the live status snapshot file.
func (d Dirs) StatusPath() string {
	return filepath.Join(d.data, "status.json")
}

// PIDPath returns the default pid file location.
func (d Dirs) PIDPath() string {
	return filepath.Join(d.data, "logcollector.pid")
}

// ServiceLogPath returns the default service log file location.
func (d Dirs) ServiceLogPath() string {
	return filepath.Join(d.logs, "service.log")
}

// EnsureExists creates the data and log directories (and parents) if they
// don't exist.
func (d Dirs) EnsureExists() error {
	if err := os.MkdirAll(d.data, 0o750); err != nil {
		return fmt.Errorf("create data directory %s: %w", d.data, err)
	}
	if err := os.MkdirAll(d.logs, 0o750); err != nil {
		return fmt.Errorf("create log directory %s: %w", d.logs, err)
	}
	return nil
}
