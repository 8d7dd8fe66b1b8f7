package logsink

import (
	"fmt"
	"path/filepath"
)

// DatedPath returns the dated log file path for name under root:
// <root>/logs/logs-DD-MM-YYYY/<name>-<unix nanos>.log
func DatedPath(root, name string, config *Config) string {
	now := config.normalize().Clock.Now()
	dir := filepath.Join(root, "logs", "logs-"+now.Format("02-01-2006"))
	return filepath.Join(dir, fmt.Sprintf("%s-%d.log", name, now.UnixNano()))
}

// OpenDated opens a Sink on a fresh file under a per-day directory of root
func OpenDated(root, name string, config *Config) (*Sink, error) {
	if name == "" {
		return nil, fmt.Errorf("log name cannot be empty")
	}
	return Open(DatedPath(root, name, config), config)
}
