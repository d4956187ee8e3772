// Package lockfile persists repository locks as one JSON file per resource
// and rebuilds the in-memory lock table at startup. Corruption is isolated
// per resource: a bad lock file marks exactly that resource unavailable and
// never disables locking globally.
package lockfile

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/batchd/internal/atomicfile"
	"github.com/msageha/batchd/internal/logging"
	"github.com/msageha/batchd/internal/model"
)

const lockFileSuffix = ".lock.json"

var (
	// ErrHeld is returned when the resource is locked by another holder.
	ErrHeld = errors.New("resource is locked")
	// ErrUnavailable is returned for resources marked degraded by recovery.
	ErrUnavailable = errors.New("resource unavailable")
)

// Record is the durable form of one held lock. The owner PID is recorded for
// debugging and as one staleness input; it is never trusted on its own,
// since PIDs are reused across restarts.
type Record struct {
	ResourceID    string    `json:"resource_id"`
	Holder        string    `json:"holder"`
	OperationType string    `json:"operation_type"`
	OperationID   string    `json:"operation_id"`
	AcquiredAt    time.Time `json:"acquired_at"`
	OwnerPID      int       `json:"owner_pid"`
}

// RecoverResult summarizes lock recovery for the startup log.
type RecoverResult struct {
	Restored    int
	Stale       int
	Unavailable []string
}

// Manager owns the lock directory and the derived in-memory lock table.
type Manager struct {
	mu          sync.Mutex
	dir         string
	cfg         model.LocksConfig
	held        map[string]*Record
	unavailable map[string]bool

	logger   *log.Logger
	logLevel logging.Level

	// processAlive is a seam for tests; the default sends signal 0.
	processAlive func(pid int) bool
}

func NewManager(dir string, cfg model.LocksConfig, logger *log.Logger, logLevel logging.Level) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create locks dir: %w", err)
	}
	return &Manager{
		dir:          dir,
		cfg:          cfg,
		held:         make(map[string]*Record),
		unavailable:  make(map[string]bool),
		logger:       logger,
		logLevel:     logLevel,
		processAlive: processAlive,
	}, nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func (m *Manager) path(resourceID string) string {
	return filepath.Join(m.dir, resourceID+lockFileSuffix)
}

// Acquire creates the lock record on disk before the lock is handed to the
// caller: a crash between the two leaves a recoverable file, never an
// untracked lock.
func (m *Manager) Acquire(resourceID, holder, operationType string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unavailable[resourceID] {
		return nil, fmt.Errorf("resource %s: %w", resourceID, ErrUnavailable)
	}
	if existing, ok := m.held[resourceID]; ok {
		return nil, fmt.Errorf("resource %s held by %s: %w", resourceID, existing.Holder, ErrHeld)
	}

	rec := &Record{
		ResourceID:    resourceID,
		Holder:        holder,
		OperationType: operationType,
		OperationID:   uuid.NewString(),
		AcquiredAt:    time.Now().UTC(),
		OwnerPID:      os.Getpid(),
	}
	if err := atomicfile.WriteJSON(m.path(resourceID), rec); err != nil {
		return nil, fmt.Errorf("persist lock %s: %w", resourceID, err)
	}
	m.held[resourceID] = rec

	m.log(logging.Debug, "acquire resource=%s holder=%s op=%s", resourceID, holder, operationType)
	return rec, nil
}

// Release deletes the lock file and drops the in-memory entry.
func (m *Manager) Release(resourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(resourceID)
}

func (m *Manager) releaseLocked(resourceID string) error {
	if err := os.Remove(m.path(resourceID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock %s: %w", resourceID, err)
	}
	delete(m.held, resourceID)
	m.log(logging.Debug, "release resource=%s", resourceID)
	return nil
}

// ReleaseHeldBy releases every lock held by a job (used when a job is
// declared dead) and returns the freed resource IDs.
func (m *Manager) ReleaseHeldBy(holder string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var freed []string
	for resourceID, rec := range m.held {
		if rec.Holder != holder {
			continue
		}
		if err := m.releaseLocked(resourceID); err != nil {
			m.log(logging.Error, "release_held_by holder=%s resource=%s error=%v", holder, resourceID, err)
			continue
		}
		freed = append(freed, resourceID)
	}
	return freed
}

// IsHeld reports whether the resource is currently locked.
func (m *Manager) IsHeld(resourceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[resourceID]
	return ok
}

// Holder returns the current lock holder, if any.
func (m *Manager) Holder(resourceID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.held[resourceID]
	if !ok {
		return "", false
	}
	return rec.Holder, true
}

// Unavailable lists resources marked degraded by recovery.
func (m *Manager) Unavailable() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.unavailable))
	for resourceID := range m.unavailable {
		out = append(out, resourceID)
	}
	return out
}

// Recover enumerates all lock files and rebuilds the lock table. A record is
// restored when it parses and is judged live: either its owning process is
// still alive or it is younger than the stale-age threshold. Anything else
// marks only that resource unavailable.
func (m *Manager) Recover() (*RecoverResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read locks dir: %w", err)
	}

	res := &RecoverResult{}
	staleAge := time.Duration(m.cfg.StaleAgeSec) * time.Second

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, lockFileSuffix) {
			continue
		}
		resourceID := strings.TrimSuffix(name, lockFileSuffix)

		var rec Record
		if err := atomicfile.ReadJSON(filepath.Join(m.dir, name), &rec); err != nil {
			m.unavailable[resourceID] = true
			res.Unavailable = append(res.Unavailable, resourceID)
			m.log(logging.Warn, "recover corrupt lock resource=%s marked unavailable error=%v", resourceID, err)
			continue
		}

		alive := m.processAlive(rec.OwnerPID)
		age := time.Since(rec.AcquiredAt)
		if !alive && age >= staleAge {
			m.unavailable[resourceID] = true
			res.Unavailable = append(res.Unavailable, resourceID)
			res.Stale++
			m.log(logging.Warn, "recover stale lock resource=%s holder=%s age=%s marked unavailable",
				resourceID, rec.Holder, age)
			continue
		}

		m.held[resourceID] = &rec
		res.Restored++
		m.log(logging.Info, "recover restored lock resource=%s holder=%s op=%s", resourceID, rec.Holder, rec.OperationType)
	}

	m.log(logging.Info, "lock recovery restored=%d stale=%d unavailable=%d",
		res.Restored, res.Stale, len(res.Unavailable))
	return res, nil
}

func (m *Manager) log(level logging.Level, format string, args ...any) {
	if level < m.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	m.logger.Printf("%s %s lockfile: %s", time.Now().Format(time.RFC3339), level, msg)
}
