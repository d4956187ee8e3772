// Package sentinel implements heartbeat-based job liveness: each running job
// writes a small sentinel file on a fixed interval and mirrors its output to
// a durable, flushed-per-write file. Liveness is judged purely by heartbeat
// age: PIDs are reused by the OS and are untrustworthy across restarts, so
// the recorded PID is a debugging annotation only.
package sentinel

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/msageha/batchd/internal/atomicfile"
	"github.com/msageha/batchd/internal/model"
)

// FileName is the per-job heartbeat file, stored in the job's workspace.
const FileName = ".sentinel.json"

// Record is one heartbeat. Written every interval by the executor, deleted
// on job completion.
type Record struct {
	JobID         string          `json:"job_id"`
	Status        model.JobStatus `json:"status"`
	LastHeartbeat time.Time       `json:"last_heartbeat"`
	WorkspacePath string          `json:"workspace_path"`
	SessionID     string          `json:"session_id"`
	StartedAt     time.Time       `json:"started_at"`
	PID           int             `json:"pid"` // debugging annotation, never a liveness signal
}

// Freshness classifies a sentinel's heartbeat age.
type Freshness string

const (
	// Fresh: the job process may still be alive; attempt reattachment.
	Fresh Freshness = "fresh"
	// Stale: grace period; re-check before deciding.
	Stale Freshness = "stale"
	// Dead: the job is gone; mark it failed and release its resources.
	Dead Freshness = "dead"
)

// Classify maps a heartbeat age onto the freshness bands. Boundaries are
// deterministic: age < fresh threshold is always Fresh, age >= dead
// threshold is always Dead.
func Classify(age time.Duration, cfg model.HeartbeatConfig) Freshness {
	if age < time.Duration(cfg.FreshThresholdSec)*time.Second {
		return Fresh
	}
	if age >= time.Duration(cfg.DeadThresholdSec)*time.Second {
		return Dead
	}
	return Stale
}

// Path returns the sentinel location inside a workspace.
func Path(workspace string) string {
	return filepath.Join(workspace, FileName)
}

// WriteRecord persists the heartbeat atomically.
func WriteRecord(workspace string, rec *Record) error {
	if err := atomicfile.WriteJSON(Path(workspace), rec); err != nil {
		return fmt.Errorf("write sentinel: %w", err)
	}
	return nil
}

// ReadRecord loads a heartbeat. os.IsNotExist on the returned error means no
// sentinel was ever written (or it was deleted on completion).
func ReadRecord(workspace string) (*Record, error) {
	var rec Record
	if err := atomicfile.ReadJSON(Path(workspace), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Remove deletes the sentinel, signalling clean completion.
func Remove(workspace string) error {
	if err := os.Remove(Path(workspace)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove sentinel: %w", err)
	}
	return nil
}
