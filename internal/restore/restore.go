// Package restore drives a single firmware restore at a time: it launches
// the restore tool, turns its output into progress and a final status, and
// lets callers poll, cancel and acknowledge the operation.
package restore

import (
	"errors"
	"fmt"
	"os"
	"time"
)

var (
	ErrAlreadyInProgress = errors.New("a restore is already in progress")
	ErrImageNotFound     = errors.New("firmware image not found")
	ErrLaunchFailure     = errors.New("failed to launch restore tool")
	ErrNotRunning        = errors.New("no restore is running")
	ErrUnknownOperation  = errors.New("unknown restore operation")
)

// Handle identifies one accepted restore.
type Handle string

// Status is the lifecycle state of a restore operation.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a final outcome.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Options are fixed when the restore starts.
type Options struct {
	ImagePath       string `json:"imagePath"`
	EraseData       bool   `json:"eraseData"`
	ExcludeBaseband bool   `json:"excludeBaseband"`
	DebugMode       bool   `json:"debugMode"`
}

// Snapshot is a consistent read-only copy of an operation's state.
type Snapshot struct {
	ID        Handle    `json:"id,omitempty"`
	Status    Status    `json:"status"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message"`
	ExitCode  *int      `json:"exitCode,omitempty"`
	Options   Options   `json:"options"`
	StartedAt time.Time `json:"startedAt,omitzero"`
	EndedAt   time.Time `json:"endedAt,omitzero"`
	// LogStart is the sequence number of the first log entry for this operation.
	LogStart uint64 `json:"logStart,omitempty"`
	// Active is true while the restore tool process has not exited.
	Active bool `json:"active"`
}

// Completed reports whether the operation reached a terminal status.
func (s Snapshot) Completed() bool { return s.Status.Terminal() }

// Succeeded reports whether the operation finished successfully.
func (s Snapshot) Succeeded() bool { return s.Status == StatusSucceeded }

// checkImage verifies the image exists, is a regular file and can be opened.
func checkImage(path string) error {
	if path == "" {
		return fmt.Errorf("%w: no path given", ErrImageNotFound)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrImageNotFound, path)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrImageNotFound, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %s is not readable", ErrImageNotFound, path)
	}
	f.Close()
	return nil
}
