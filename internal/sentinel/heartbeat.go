package sentinel

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/msageha/batchd/internal/model"
)

// Heartbeat writes a job's sentinel on a fixed interval. The job-execution
// engine runs one per job: Start before doing work, Stop (or Complete) when
// done. Stop leaves the sentinel in place for the reattachment logic;
// Complete deletes it, which is the durable signal of clean completion.
type Heartbeat struct {
	workspace string
	interval  time.Duration
	rec       Record

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewHeartbeat(job *model.Job, interval time.Duration) *Heartbeat {
	started := time.Now().UTC()
	if job.StartedAt != nil {
		started = *job.StartedAt
	}
	return &Heartbeat{
		workspace: job.WorkspacePath,
		interval:  interval,
		rec: Record{
			JobID:         job.ID,
			Status:        job.Status,
			WorkspacePath: job.WorkspacePath,
			SessionID:     job.SessionID,
			StartedAt:     started,
			PID:           os.Getpid(),
		},
	}
}

// Start writes an immediate heartbeat, then keeps beating until Stop or ctx
// cancellation.
func (h *Heartbeat) Start(ctx context.Context) error {
	if err := h.beat(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	h.mu.Lock()
	h.cancel = cancel
	h.done = done
	h.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// A failed beat is retried on the next tick; staleness
				// thresholds absorb transient write errors.
				_ = h.beat()
			}
		}
	}()
	return nil
}

// SetStatus updates the status carried by subsequent heartbeats.
func (h *Heartbeat) SetStatus(status model.JobStatus) {
	h.mu.Lock()
	h.rec.Status = status
	h.mu.Unlock()
}

func (h *Heartbeat) beat() error {
	h.mu.Lock()
	rec := h.rec
	h.mu.Unlock()
	rec.LastHeartbeat = time.Now().UTC()
	return WriteRecord(h.workspace, &rec)
}

// Stop halts the ticker without touching the sentinel file.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel, h.done = nil, nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Complete stops the ticker and deletes the sentinel.
func (h *Heartbeat) Complete() error {
	h.Stop()
	return Remove(h.workspace)
}
