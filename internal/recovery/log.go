package recovery

import (
	"fmt"
	"os"
	"time"

	"github.com/msageha/batchd/internal/atomicfile"
)

// HistoryFileName holds the bounded startup history, relative to the data dir.
const HistoryFileName = "startup-history.json"

// LogEntry records one phase's outcome.
type LogEntry struct {
	Component          string    `json:"component"`
	Operation          string    `json:"operation"`
	Timestamp          time.Time `json:"timestamp"`
	DurationMs         int64     `json:"duration_ms"`
	SuccessCount       int       `json:"success_count"`
	FailureCount       int       `json:"failure_count"`
	Degraded           bool      `json:"degraded"`
	CorruptedResources []string  `json:"corrupted_resources,omitempty"`
	Error              string    `json:"error,omitempty"`
}

// StartupLog is the full record of one server startup.
type StartupLog struct {
	StartedAt           time.Time  `json:"started_at"`
	FinishedAt          time.Time  `json:"finished_at"`
	DurationMs          int64      `json:"duration_ms"`
	DegradedMode        bool       `json:"degraded_mode"`
	PreviousInterrupted bool       `json:"previous_interrupted"`
	Aborted             bool       `json:"aborted"`
	Entries             []LogEntry `json:"entries"`
}

// CorruptedResources aggregates every corrupted resource reported by any
// phase of this startup.
func (l *StartupLog) CorruptedResources() []string {
	var out []string
	for _, e := range l.Entries {
		out = append(out, e.CorruptedResources...)
	}
	return out
}

// loadHistory reads past startup logs, oldest first. A missing or unreadable
// history never blocks startup; it is replaced on the next save.
func loadHistory(path string) []*StartupLog {
	var history []*StartupLog
	if err := atomicfile.ReadJSON(path, &history); err != nil {
		if !os.IsNotExist(err) {
			history = nil
		}
	}
	return history
}

// saveHistory appends the latest startup and trims to the configured bound.
func saveHistory(path string, history []*StartupLog, latest *StartupLog, limit int) ([]*StartupLog, error) {
	history = append(history, latest)
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	if err := atomicfile.WriteJSON(path, history); err != nil {
		return history, fmt.Errorf("persist startup history: %w", err)
	}
	return history, nil
}
