package queue

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/msageha/batchd/internal/atomicfile"
)

// Statistics holds resource-usage history and duration percentile estimates.
// The whole struct is persisted on every mutation; a crash loses at most the
// in-flight update (documented bounded loss window).
type Statistics struct {
	TotalEnqueued  int `json:"total_enqueued"`
	TotalCompleted int `json:"total_completed"`
	TotalFailed    int `json:"total_failed"`

	// DurationsMs is a bounded history of recent job durations, oldest first.
	DurationsMs []int64 `json:"durations_ms"`

	P50Ms int64 `json:"p50_ms"`
	P90Ms int64 `json:"p90_ms"`
	P99Ms int64 `json:"p99_ms"`

	UpdatedAt time.Time `json:"updated_at"`
}

// StatsManager serializes "mutate + persist" as one atomic unit under a
// single lock: concurrent job completions cannot interleave writes to
// statistics.json.
type StatsManager struct {
	mu          sync.Mutex
	path        string
	historySize int
	stats       Statistics
}

func NewStatsManager(path string, historySize int) *StatsManager {
	return &StatsManager{path: path, historySize: historySize}
}

// Load reads statistics.json. A corrupted file resets the statistics rather
// than failing startup: stats are an estimate, not a source of truth.
func (m *StatsManager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stats Statistics
	if err := atomicfile.ReadJSON(m.path, &stats); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		m.stats = Statistics{}
		return fmt.Errorf("statistics reset: %w", err)
	}
	m.stats = stats
	return nil
}

func (m *StatsManager) RecordEnqueue() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.TotalEnqueued++
	return m.persistLocked()
}

func (m *StatsManager) RecordCompletion(duration time.Duration, failed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if failed {
		m.stats.TotalFailed++
	} else {
		m.stats.TotalCompleted++
	}

	m.stats.DurationsMs = append(m.stats.DurationsMs, duration.Milliseconds())
	if len(m.stats.DurationsMs) > m.historySize {
		m.stats.DurationsMs = m.stats.DurationsMs[len(m.stats.DurationsMs)-m.historySize:]
	}
	m.recomputePercentilesLocked()
	return m.persistLocked()
}

func (m *StatsManager) Snapshot() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.stats
	out.DurationsMs = append([]int64(nil), m.stats.DurationsMs...)
	return out
}

func (m *StatsManager) recomputePercentilesLocked() {
	n := len(m.stats.DurationsMs)
	if n == 0 {
		m.stats.P50Ms, m.stats.P90Ms, m.stats.P99Ms = 0, 0, 0
		return
	}
	sorted := append([]int64(nil), m.stats.DurationsMs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	m.stats.P50Ms = percentile(sorted, 0.50)
	m.stats.P90Ms = percentile(sorted, 0.90)
	m.stats.P99Ms = percentile(sorted, 0.99)
}

func percentile(sorted []int64, p float64) int64 {
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (m *StatsManager) persistLocked() error {
	m.stats.UpdatedAt = time.Now().UTC()
	if err := atomicfile.WriteJSON(m.path, &m.stats); err != nil {
		return fmt.Errorf("persist statistics: %w", err)
	}
	return nil
}
