package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/msageha/batchd/internal/logging"
	"github.com/msageha/batchd/internal/model"
)

const (
	walFileName      = "queue.wal"
	snapshotFileName = "queue-snapshot.json"
)

// Queue is the durable FIFO job queue. All mutations append a WAL entry
// before touching the in-memory index; the index is a derived cache that is
// rebuilt from snapshot + WAL at startup.
type Queue struct {
	mu      sync.Mutex
	dir     string
	cfg     model.QueueConfig
	wal     *WAL
	items   map[string]*Item
	lastSeq uint64

	opsSinceCheckpoint int
	lastCheckpointAt   time.Time

	logger   *log.Logger
	logLevel logging.Level
}

// RecoverResult summarizes queue recovery for the startup log.
type RecoverResult struct {
	SnapshotItems   int
	ReplayedEntries int
	SkippedLines    int
	QueuedJobs      int
	RunningJobs     int
}

func New(dir string, cfg model.QueueConfig, logger *log.Logger, logLevel logging.Level) *Queue {
	return &Queue{
		dir:      dir,
		cfg:      cfg,
		items:    make(map[string]*Item),
		logger:   logger,
		logLevel: logLevel,
	}
}

func (q *Queue) walPath() string      { return filepath.Join(q.dir, walFileName) }
func (q *Queue) snapshotPath() string { return filepath.Join(q.dir, snapshotFileName) }

// Recover rebuilds the queue from the last snapshot plus WAL replay and opens
// the WAL for appending. It must run before any other component: every other
// recovery phase needs to know which jobs exist.
func (q *Queue) Recover() (*RecoverResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	snap, err := LoadSnapshot(q.snapshotPath())
	if err != nil {
		return nil, err
	}

	q.items = make(map[string]*Item, len(snap.Items))
	for i := range snap.Items {
		item := snap.Items[i]
		q.items[item.JobID] = &item
	}
	applied := snap.LastSequence

	entries, skipped, err := ReplayWAL(q.walPath())
	if err != nil {
		return nil, err
	}

	replayed := 0
	for _, e := range entries {
		// Entries at or below the snapshot sequence were already folded into
		// the checkpoint; skipping them makes replay idempotent.
		if e.Sequence <= applied {
			continue
		}
		q.applyLocked(e)
		applied = e.Sequence
		replayed++
	}
	q.lastSeq = applied

	wal, err := OpenWAL(q.walPath())
	if err != nil {
		return nil, err
	}
	q.wal = wal
	q.lastCheckpointAt = time.Now().UTC()

	res := &RecoverResult{
		SnapshotItems:   len(snap.Items),
		ReplayedEntries: replayed,
		SkippedLines:    skipped,
	}
	for _, item := range q.items {
		switch item.Status {
		case model.JobQueued:
			res.QueuedJobs++
		case model.JobRunning, model.JobCancelling:
			res.RunningJobs++
		}
	}

	q.log(logging.Info, "recovered snapshot_items=%d replayed=%d skipped=%d queued=%d running=%d",
		res.SnapshotItems, res.ReplayedEntries, res.SkippedLines, res.QueuedJobs, res.RunningJobs)
	return res, nil
}

func (q *Queue) applyLocked(e Entry) {
	switch e.Operation {
	case OpEnqueue:
		q.items[e.JobID] = &Item{JobID: e.JobID, Sequence: e.Sequence, Status: model.JobQueued}
	case OpDequeue:
		if item, ok := q.items[e.JobID]; ok {
			item.Status = model.JobRunning
		}
	case OpStatusChange:
		item, ok := q.items[e.JobID]
		if !ok {
			return
		}
		var p statusPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			q.log(logging.Warn, "replay bad status payload job=%s seq=%d error=%v", e.JobID, e.Sequence, err)
			return
		}
		if model.IsJobTerminal(p.Status) {
			delete(q.items, e.JobID)
			return
		}
		item.Status = p.Status
	}
}

// Enqueue assigns the next monotonic sequence number, logs the operation,
// then adds the job to the in-memory queue. The returned sequence is never
// reused and drives FIFO order on replay.
func (q *Queue) Enqueue(jobID string) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.items[jobID]; exists {
		return 0, fmt.Errorf("job %s already queued", jobID)
	}

	seq := q.lastSeq + 1
	e := Entry{Sequence: seq, Timestamp: time.Now().UTC(), Operation: OpEnqueue, JobID: jobID}
	if err := q.wal.Append(e); err != nil {
		return 0, err
	}
	q.lastSeq = seq
	q.items[jobID] = &Item{JobID: jobID, Sequence: seq, Status: model.JobQueued}
	q.afterOpLocked()

	q.log(logging.Debug, "enqueue job=%s seq=%d", jobID, seq)
	return seq, nil
}

// Dequeue marks a queued job running. The caller picks the job (dispatch may
// skip over parked waiters), so the ID is explicit rather than pop-lowest.
func (q *Queue) Dequeue(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[jobID]
	if !ok {
		return fmt.Errorf("job %s not in queue", jobID)
	}
	if item.Status != model.JobQueued {
		return fmt.Errorf("job %s is %s, not queued", jobID, item.Status)
	}

	seq := q.lastSeq + 1
	e := Entry{Sequence: seq, Timestamp: time.Now().UTC(), Operation: OpDequeue, JobID: jobID}
	if err := q.wal.Append(e); err != nil {
		return err
	}
	q.lastSeq = seq
	item.Status = model.JobRunning
	q.afterOpLocked()

	q.log(logging.Debug, "dequeue job=%s seq=%d", jobID, item.Sequence)
	return nil
}

// SetStatus records a status change. Terminal statuses remove the job from
// the queue index (the per-job file keeps the full record).
func (q *Queue) SetStatus(jobID string, status model.JobStatus) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.items[jobID]; !ok {
		return fmt.Errorf("job %s not in queue", jobID)
	}

	payload, err := json.Marshal(statusPayload{Status: status})
	if err != nil {
		return fmt.Errorf("marshal status payload: %w", err)
	}

	seq := q.lastSeq + 1
	e := Entry{Sequence: seq, Timestamp: time.Now().UTC(), Operation: OpStatusChange, JobID: jobID, Payload: payload}
	if err := q.wal.Append(e); err != nil {
		return err
	}
	q.lastSeq = seq
	if model.IsJobTerminal(status) {
		delete(q.items, jobID)
	} else {
		q.items[jobID].Status = status
	}
	q.afterOpLocked()

	q.log(logging.Debug, "status_change job=%s status=%s", jobID, status)
	return nil
}

// afterOpLocked triggers an out-of-band checkpoint when the operation count
// or the WAL size threshold is exceeded.
func (q *Queue) afterOpLocked() {
	q.opsSinceCheckpoint++
	if q.opsSinceCheckpoint >= q.cfg.CheckpointOps || q.wal.Size() > int64(q.cfg.WALMaxBytes) {
		if err := q.checkpointLocked(); err != nil {
			q.log(logging.Error, "checkpoint error=%v", err)
		}
	}
}

// Checkpoint serializes the full queue to the snapshot file, then truncates
// the WAL. Safe to call at any time.
func (q *Queue) Checkpoint() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.checkpointLocked()
}

func (q *Queue) checkpointLocked() error {
	snap := &Snapshot{
		LastSequence: q.lastSeq,
		TakenAt:      time.Now().UTC(),
		Items:        make([]Item, 0, len(q.items)),
	}
	for _, item := range q.items {
		snap.Items = append(snap.Items, *item)
	}
	sort.Slice(snap.Items, func(i, j int) bool { return snap.Items[i].Sequence < snap.Items[j].Sequence })

	if err := SaveSnapshot(q.snapshotPath(), snap); err != nil {
		return err
	}
	// The WAL may only shrink after the snapshot is durable.
	if err := q.wal.Truncate(); err != nil {
		return err
	}
	q.opsSinceCheckpoint = 0
	q.lastCheckpointAt = time.Now().UTC()

	q.log(logging.Info, "checkpoint items=%d last_seq=%d", len(snap.Items), q.lastSeq)
	return nil
}

// Run drives the time-based checkpoint until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	interval := time.Duration(q.cfg.CheckpointIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.mu.Lock()
			if q.opsSinceCheckpoint > 0 {
				if err := q.checkpointLocked(); err != nil {
					q.log(logging.Error, "periodic checkpoint error=%v", err)
				}
			}
			q.mu.Unlock()
		}
	}
}

// Close checkpoints once more and releases the WAL handle.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.wal == nil {
		return nil
	}
	if q.opsSinceCheckpoint > 0 {
		if err := q.checkpointLocked(); err != nil {
			q.log(logging.Error, "close checkpoint error=%v", err)
		}
	}
	return q.wal.Close()
}

// Pending returns queued job IDs in FIFO order.
func (q *Queue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idsByStatusLocked(model.JobQueued)
}

// Running returns job IDs currently marked running or cancelling.
func (q *Queue) Running() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := q.idsByStatusLocked(model.JobRunning)
	return append(ids, q.idsByStatusLocked(model.JobCancelling)...)
}

// Contains reports whether the job is still tracked by the queue.
func (q *Queue) Contains(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.items[jobID]
	return ok
}

// Len returns the number of tracked (non-terminal) jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) idsByStatusLocked(status model.JobStatus) []string {
	var items []*Item
	for _, item := range q.items {
		if item.Status == status {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Sequence < items[j].Sequence })
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.JobID
	}
	return ids
}

func (q *Queue) log(level logging.Level, format string, args ...any) {
	if level < q.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	q.logger.Printf("%s %s queue: %s", time.Now().Format(time.RFC3339), level, msg)
}
