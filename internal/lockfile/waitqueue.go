package lockfile

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/msageha/batchd/internal/logging"
	"github.com/msageha/batchd/internal/model"
	"github.com/msageha/batchd/internal/store"
)

// WaitingEntry is one job waiting for a resource.
type WaitingEntry struct {
	JobID    string
	QueuedAt time.Time
	Position int
}

// WaitRecoverResult summarizes waiting-queue recovery for the startup log.
type WaitRecoverResult struct {
	Restored  int
	Notified  int
	Resources int
}

// WaitRegistry tracks jobs waiting for a busy resource. The durable state
// lives on the job records themselves (RepositoryWait), so recovery is a scan
// of the job store rather than a separate file that could drift out of sync.
type WaitRegistry struct {
	mu      sync.Mutex
	store   *store.Store
	waiting map[string][]WaitingEntry

	logger   *log.Logger
	logLevel logging.Level
}

func NewWaitRegistry(st *store.Store, logger *log.Logger, logLevel logging.Level) *WaitRegistry {
	return &WaitRegistry{
		store:    st,
		waiting:  make(map[string][]WaitingEntry),
		logger:   logger,
		logLevel: logLevel,
	}
}

// Enqueue puts a job at the back of a resource's wait list. The wait info is
// persisted on the job record before the in-memory list is touched, so a
// crash cannot strand a job that believes it is waiting.
func (w *WaitRegistry) Enqueue(job *model.Job, resourceID string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	position := len(w.waiting[resourceID]) + 1
	now := time.Now().UTC()

	job.RepositoryWait = &model.RepositoryWaitInfo{
		Repository: resourceID,
		QueuedAt:   now,
		Position:   position,
	}
	if err := w.store.Save(job); err != nil {
		job.RepositoryWait = nil
		return 0, fmt.Errorf("persist wait info for %s: %w", job.ID, err)
	}

	w.waiting[resourceID] = append(w.waiting[resourceID], WaitingEntry{
		JobID:    job.ID,
		QueuedAt: now,
		Position: position,
	})
	w.log(logging.Debug, "enqueue resource=%s job=%s position=%d", resourceID, job.ID, position)
	return position, nil
}

// PopNext removes and returns the head of a resource's wait list.
func (w *WaitRegistry) PopNext(resourceID string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entries := w.waiting[resourceID]
	if len(entries) == 0 {
		return "", false
	}
	head := entries[0]
	rest := entries[1:]
	if len(rest) == 0 {
		delete(w.waiting, resourceID)
	} else {
		w.waiting[resourceID] = rest
	}
	w.log(logging.Debug, "pop resource=%s job=%s remaining=%d", resourceID, head.JobID, len(rest))
	return head.JobID, true
}

// Clear removes the wait info from a job record once the job holds the lock.
func (w *WaitRegistry) Clear(job *model.Job) error {
	prev := job.RepositoryWait
	job.RepositoryWait = nil
	if err := w.store.Save(job); err != nil {
		job.RepositoryWait = prev
		return fmt.Errorf("clear wait info for %s: %w", job.ID, err)
	}
	return nil
}

// Remove drops a job from its wait list without granting the lock, for jobs
// cancelled or failed while parked.
func (w *WaitRegistry) Remove(job *model.Job) error {
	if job.RepositoryWait == nil {
		return nil
	}
	resourceID := job.RepositoryWait.Repository

	w.mu.Lock()
	entries := w.waiting[resourceID]
	for i, e := range entries {
		if e.JobID == job.ID {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(w.waiting, resourceID)
	} else {
		w.waiting[resourceID] = entries
	}
	w.mu.Unlock()

	return w.Clear(job)
}

// Waiting returns a copy of a resource's wait list, in order.
func (w *WaitRegistry) Waiting(resourceID string) []WaitingEntry {
	w.mu.Lock()
	defer w.mu.Unlock()

	entries := w.waiting[resourceID]
	out := make([]WaitingEntry, len(entries))
	copy(out, entries)
	return out
}

// Recover rebuilds the wait lists from persisted job records. Jobs are
// grouped per resource and ordered by when they queued; positions are
// renumbered, since jobs ahead of them may have finished or died. For any
// resource whose lock is no longer held, the head waiter is promoted exactly
// as a release would promote it: popped off the list, its wait info cleared
// durably, and notify fired so the dispatcher starts it instead of waiting
// forever for a release event that already happened.
func (w *WaitRegistry) Recover(jobs []*model.Job, lockHeld func(resourceID string) bool, notify func(resourceID, jobID string)) (*WaitRecoverResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	byResource := make(map[string][]*model.Job)
	for _, job := range jobs {
		if job.RepositoryWait == nil || model.IsJobTerminal(job.Status) {
			continue
		}
		resourceID := job.RepositoryWait.Repository
		byResource[resourceID] = append(byResource[resourceID], job)
	}

	res := &WaitRecoverResult{Resources: len(byResource)}
	for resourceID, waiters := range byResource {
		sort.Slice(waiters, func(i, j int) bool {
			return waiters[i].RepositoryWait.QueuedAt.Before(waiters[j].RepositoryWait.QueuedAt)
		})

		entries := make([]WaitingEntry, 0, len(waiters))
		for i, job := range waiters {
			position := i + 1
			if job.RepositoryWait.Position != position {
				job.RepositoryWait.Position = position
				if err := w.store.Save(job); err != nil {
					return nil, fmt.Errorf("renumber wait position for %s: %w", job.ID, err)
				}
			}
			entries = append(entries, WaitingEntry{
				JobID:    job.ID,
				QueuedAt: job.RepositoryWait.QueuedAt,
				Position: position,
			})
		}
		w.waiting[resourceID] = entries
		res.Restored += len(entries)

		if !lockHeld(resourceID) {
			head := waiters[0]
			if err := w.Clear(head); err != nil {
				return nil, fmt.Errorf("promote recovered waiter %s: %w", head.ID, err)
			}
			if len(entries) == 1 {
				delete(w.waiting, resourceID)
			} else {
				w.waiting[resourceID] = entries[1:]
			}
			res.Notified++
			if notify != nil {
				notify(resourceID, head.ID)
			}
			w.log(logging.Info, "recover promote resource=%s job=%s (lock free)", resourceID, head.ID)
		}
	}

	w.log(logging.Info, "wait queue recovery resources=%d restored=%d notified=%d",
		res.Resources, res.Restored, res.Notified)
	return res, nil
}

func (w *WaitRegistry) log(level logging.Level, format string, args ...any) {
	if level < w.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	w.logger.Printf("%s %s waitqueue: %s", time.Now().Format(time.RFC3339), level, msg)
}
