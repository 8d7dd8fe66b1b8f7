package filelock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Holder is the ownership record stored in a lock marker
type Holder struct {
	Token       string    `json:"token"`
	PID         int       `json:"pid"`
	Hostname    string    `json:"hostname"`
	ProcessName string    `json:"process_name"`
	AcquiredAt  time.Time `json:"acquired_at"`
}

// String returns a short human readable description of the holder
func (h Holder) String() string {
	return fmt.Sprintf("%s (pid %d on %s) since %s",
		h.ProcessName, h.PID, h.Hostname, h.AcquiredAt.Format(time.RFC3339))
}

// Inspect reads the holder record of the lock at path.
// The returned error wraps fs.ErrNotExist when the lock is free.
func Inspect(path string) (*Holder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var h Holder
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("lock %s: malformed marker: %w", path, err)
	}
	return &h, nil
}

// Break removes the lock at path whoever holds it. It is meant for clearing
// locks left behind by crashed holders; the former holder's Release will
// report ErrLockNotHeld.
func Break(path string) error {
	return os.Remove(path)
}

var (
	hostnameOnce sync.Once
	hostname     string
)

func localHostname() string {
	hostnameOnce.Do(func() {
		h, err := os.Hostname()
		if err != nil {
			h = "unknown"
		}
		hostname = h
	})
	return hostname
}

func defaultProcessName() string {
	if len(os.Args) == 0 {
		return "process"
	}
	return filepath.Base(os.Args[0])
}
