package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/batchd/internal/lockfile"
	"github.com/msageha/batchd/internal/logging"
	"github.com/msageha/batchd/internal/model"
	"github.com/msageha/batchd/internal/sentinel"
)

// Submit persists a new job and enqueues it. The job file is written before
// the WAL entry, so a crash in between leaves an unqueued job file that the
// orphan scanner will eventually collect, never a queue entry without a job.
func (s *Server) Submit(repository string, callbacks []model.CallbackTarget) (*model.Job, error) {
	job := model.NewJob(repository, callbacks)
	if err := s.store.Save(job); err != nil {
		return nil, err
	}

	seq, err := s.queue.Enqueue(job.ID)
	if err != nil {
		return nil, err
	}
	job.Sequence = seq
	if err := s.store.Save(job); err != nil {
		return nil, err
	}
	s.putJob(job)

	if err := s.stats.RecordEnqueue(); err != nil {
		s.log(logging.Warn, "record enqueue error=%v", err)
	}
	s.log(logging.Info, "submitted job=%s repository=%s seq=%d", job.ID, repository, seq)
	s.wakeProcessor()
	return job, nil
}

// Cancel requests cooperative cancellation. A queued job is failed before it
// starts; a running job has its context cancelled and finishes through the
// normal completion path.
func (s *Server) Cancel(jobID string) error {
	job, ok := s.getJob(jobID)
	if !ok {
		return fmt.Errorf("unknown job %s", jobID)
	}
	if err := job.Transition(model.JobCancelling); err != nil {
		return err
	}
	if err := s.store.Save(job); err != nil {
		return err
	}

	s.jobsMu.Lock()
	cancel := s.cancels[jobID]
	s.jobsMu.Unlock()
	if cancel != nil {
		if err := s.queue.SetStatus(jobID, model.JobCancelling); err != nil {
			s.log(logging.Warn, "cancel queue update job=%s error=%v", jobID, err)
		}
		cancel()
	} else {
		// Not attached: the entry stays queued so the processor picks it up
		// and finalizes it through the normal path.
		s.wakeProcessor()
	}
	s.log(logging.Info, "cancel requested job=%s", jobID)
	return nil
}

// processorLoop is the single writer that moves jobs from queued to running.
// Serializing starts through one goroutine is what makes lock-or-wait
// decisions race-free.
func (s *Server) processorLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
		}
		s.processPending()
	}
}

func (s *Server) processPending() {
	for _, jobID := range s.queue.Pending() {
		if s.ctx.Err() != nil {
			return
		}
		job, ok := s.getJob(jobID)
		if !ok {
			continue
		}
		if job.Status == model.JobCancelling {
			s.finalizeUnstarted(job, "cancelled before start")
			continue
		}
		if job.RepositoryWait != nil {
			// Parked behind a busy repository; promoted on lock release.
			continue
		}

		_, err := s.locks.Acquire(job.Repository, job.ID, "execute")
		switch {
		case errors.Is(err, lockfile.ErrHeld):
			if _, werr := s.waits.Enqueue(job, job.Repository); werr != nil {
				s.log(logging.Error, "park waiter job=%s error=%v", job.ID, werr)
			}
			continue
		case errors.Is(err, lockfile.ErrUnavailable):
			s.finalizeUnstarted(job, fmt.Sprintf("repository %s unavailable after recovery", job.Repository))
			continue
		case err != nil:
			s.log(logging.Error, "acquire lock job=%s error=%v", job.ID, err)
			continue
		}

		if err := s.startJob(job); err != nil {
			s.log(logging.Error, "start job=%s error=%v", job.ID, err)
			s.releaseJobResources(job)
		}
	}
}

// startJob provisions the workspace, starts the heartbeat, and hands the job
// to the executor in its own goroutine.
func (s *Server) startJob(job *model.Job) error {
	if err := s.queue.Dequeue(job.ID); err != nil {
		return err
	}

	job.SessionID = uuid.NewString()
	job.WorkspacePath = filepath.Join(s.workspacesDir(), job.ID)
	if err := os.MkdirAll(job.WorkspacePath, 0755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	job.OutputPath = sentinel.OutputPath(job.WorkspacePath, job.SessionID)
	if err := job.Transition(model.JobRunning); err != nil {
		return err
	}
	if err := s.store.Save(job); err != nil {
		return err
	}

	output, err := sentinel.NewOutputWriter(job.WorkspacePath, job.SessionID, nil)
	if err != nil {
		return err
	}
	hb := sentinel.NewHeartbeat(job, time.Duration(s.config.Heartbeat.IntervalSec)*time.Second)
	if err := hb.Start(s.ctx); err != nil {
		output.Close()
		return fmt.Errorf("start heartbeat: %w", err)
	}
	if err := s.watcher.Add(job.WorkspacePath); err != nil {
		s.log(logging.Warn, "watch workspace job=%s error=%v", job.ID, err)
	}

	jctx := s.registerRunning(job.ID)
	s.log(logging.Info, "started job=%s repository=%s session=%s", job.ID, job.Repository, job.SessionID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		execErr := s.executor.Execute(jctx, job, output)
		output.Close()
		s.finishJob(job, hb, execErr)
	}()
	return nil
}

// adoptEngine resumes a surviving job after a restart: new output writer on
// the same durable file, heartbeat ownership taken over, executor reattached.
type adoptEngine struct {
	s *Server
}

func newReattacher(s *Server) *sentinel.Reattacher {
	return sentinel.NewReattacher(s.config.Heartbeat, &adoptEngine{s: s},
		func(job *model.Job, reason string) error { return s.markDead(job, reason) },
		s.logger, s.logLevel)
}

func (e *adoptEngine) Reattach(_ context.Context, job *model.Job, rec *sentinel.Record, recovered []byte) error {
	s := e.s

	output, err := sentinel.NewOutputWriter(job.WorkspacePath, job.SessionID, nil)
	if err != nil {
		return err
	}
	hb := sentinel.NewHeartbeat(job, time.Duration(s.config.Heartbeat.IntervalSec)*time.Second)
	if err := hb.Start(s.ctx); err != nil {
		output.Close()
		return fmt.Errorf("resume heartbeat: %w", err)
	}
	if err := s.watcher.Add(job.WorkspacePath); err != nil {
		s.log(logging.Warn, "watch workspace job=%s error=%v", job.ID, err)
	}

	jctx := s.registerRunning(job.ID)
	s.log(logging.Info, "reattached job=%s session=%s recovered_bytes=%d", job.ID, job.SessionID, len(recovered))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		execErr := s.executor.Reattach(jctx, job, rec, recovered, output)
		output.Close()
		s.finishJob(job, hb, execErr)
	}()
	return nil
}

// registerRunning creates the per-job cancellation context used by Cancel.
func (s *Server) registerRunning(jobID string) context.Context {
	jctx, cancel := context.WithCancel(s.ctx)
	s.jobsMu.Lock()
	if s.cancels == nil {
		s.cancels = make(map[string]context.CancelFunc)
	}
	s.cancels[jobID] = cancel
	s.jobsMu.Unlock()
	return jctx
}

func (s *Server) unregisterRunning(jobID string) {
	s.jobsMu.Lock()
	if cancel, ok := s.cancels[jobID]; ok {
		cancel()
		delete(s.cancels, jobID)
	}
	s.jobsMu.Unlock()
}

// finishJob is the single completion path: sentinel removed, job file
// finalized before the queue entry, stats updated, lock released, waiters
// promoted, callbacks queued. Recovery finalizes the queue entry if the
// process dies between the job-file write and the queue write.
func (s *Server) finishJob(job *model.Job, hb *sentinel.Heartbeat, execErr error) {
	if err := hb.Complete(); err != nil {
		s.log(logging.Warn, "remove sentinel job=%s error=%v", job.ID, err)
	}
	if s.watcher != nil {
		_ = s.watcher.Remove(job.WorkspacePath)
	}
	s.unregisterRunning(job.ID)

	if model.IsJobTerminal(job.Status) {
		return
	}

	to := model.JobCompleted
	event := "completed"
	if execErr != nil {
		to = model.JobFailed
		event = "failed"
		job.FailureReason = execErr.Error()
	}
	if err := job.Transition(to); err != nil {
		s.log(logging.Error, "finish transition job=%s error=%v", job.ID, err)
		return
	}
	if err := s.store.Save(job); err != nil {
		s.log(logging.Error, "finish save job=%s error=%v", job.ID, err)
	}
	if err := s.queue.SetStatus(job.ID, to); err != nil {
		s.log(logging.Error, "finish queue job=%s error=%v", job.ID, err)
	}

	if job.StartedAt != nil && job.FinishedAt != nil {
		if err := s.stats.RecordCompletion(job.FinishedAt.Sub(*job.StartedAt), execErr != nil); err != nil {
			s.log(logging.Warn, "record completion job=%s error=%v", job.ID, err)
		}
	}

	s.releaseJobResources(job)
	if err := s.callbacks.Enqueue(job, event); err != nil {
		s.log(logging.Error, "enqueue callbacks job=%s error=%v", job.ID, err)
	}

	s.log(logging.Info, "finished job=%s status=%s", job.ID, to)
	s.wakeProcessor()
}

// finalizeUnstarted fails a job that never ran (cancelled while queued, or
// its repository is unavailable).
func (s *Server) finalizeUnstarted(job *model.Job, reason string) {
	if err := s.waits.Remove(job); err != nil {
		s.log(logging.Warn, "remove waiter job=%s error=%v", job.ID, err)
	}
	job.FailureReason = reason
	if err := job.Transition(model.JobFailed); err != nil {
		s.log(logging.Error, "finalize transition job=%s error=%v", job.ID, err)
		return
	}
	if err := s.store.Save(job); err != nil {
		s.log(logging.Error, "finalize save job=%s error=%v", job.ID, err)
	}
	if err := s.queue.SetStatus(job.ID, model.JobFailed); err != nil {
		s.log(logging.Error, "finalize queue job=%s error=%v", job.ID, err)
	}
	if err := s.callbacks.Enqueue(job, "failed"); err != nil {
		s.log(logging.Error, "enqueue callbacks job=%s error=%v", job.ID, err)
	}
	s.log(logging.Warn, "job failed without running job=%s reason=%s", job.ID, reason)
}

// markDead fails a job whose process is provably gone: reattachment declared
// it dead, or the runtime sweep found its heartbeat expired.
func (s *Server) markDead(job *model.Job, reason string) error {
	s.unregisterRunning(job.ID)

	job.FailureReason = reason
	if !model.IsJobTerminal(job.Status) {
		if err := job.Transition(model.JobFailed); err != nil {
			return err
		}
	}
	if err := s.store.Save(job); err != nil {
		return err
	}
	if s.queue.Contains(job.ID) {
		if err := s.queue.SetStatus(job.ID, model.JobFailed); err != nil {
			s.log(logging.Error, "dead queue update job=%s error=%v", job.ID, err)
		}
	}
	if job.WorkspacePath != "" {
		if err := sentinel.Remove(job.WorkspacePath); err != nil {
			s.log(logging.Warn, "remove dead sentinel job=%s error=%v", job.ID, err)
		}
	}
	if job.StartedAt != nil && job.FinishedAt != nil {
		if err := s.stats.RecordCompletion(job.FinishedAt.Sub(*job.StartedAt), true); err != nil {
			s.log(logging.Warn, "record dead completion job=%s error=%v", job.ID, err)
		}
	}

	s.releaseJobResources(job)
	if err := s.callbacks.Enqueue(job, "failed"); err != nil {
		s.log(logging.Error, "enqueue callbacks job=%s error=%v", job.ID, err)
	}

	s.log(logging.Warn, "job dead job=%s reason=%s", job.ID, reason)
	s.wakeProcessor()
	return nil
}

// releaseJobResources frees every lock the job held and promotes the next
// waiter per freed repository.
func (s *Server) releaseJobResources(job *model.Job) {
	for _, resource := range s.locks.ReleaseHeldBy(job.ID) {
		for {
			nextID, ok := s.waits.PopNext(resource)
			if !ok {
				break
			}
			next, found := s.getJob(nextID)
			if !found {
				s.log(logging.Warn, "promoted waiter missing job=%s resource=%s", nextID, resource)
				continue
			}
			if err := s.waits.Clear(next); err != nil {
				s.log(logging.Error, "clear wait info job=%s error=%v", nextID, err)
				continue
			}
			if model.IsJobTerminal(next.Status) {
				// Finished or cancelled while parked; try the next waiter.
				continue
			}
			s.log(logging.Info, "promoted waiter resource=%s job=%s", resource, nextID)
			break
		}
	}
}

// sweepLoop re-examines running jobs' heartbeats at runtime. Reattachment
// deliberately gives ambiguous jobs the benefit of the doubt; the sweep is
// where a job that never recovered finally gets declared dead.
func (s *Server) sweepLoop() {
	defer s.wg.Done()

	interval := time.Duration(s.config.Heartbeat.SweepIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *Server) sweepOnce() {
	for _, jobID := range s.queue.Running() {
		job, ok := s.getJob(jobID)
		if !ok || model.IsJobTerminal(job.Status) {
			continue
		}

		// Jobs attached in this process keep their own heartbeat alive; only
		// detached jobs can go dead.
		s.jobsMu.Lock()
		_, attached := s.cancels[jobID]
		s.jobsMu.Unlock()
		if attached {
			continue
		}

		rec, err := sentinel.ReadRecord(job.WorkspacePath)
		if err != nil {
			if os.IsNotExist(err) {
				if derr := s.markDead(job, "sentinel missing"); derr != nil {
					s.log(logging.Error, "sweep mark dead job=%s error=%v", jobID, derr)
				}
			}
			continue
		}
		if sentinel.Classify(time.Since(rec.LastHeartbeat), s.config.Heartbeat) == sentinel.Dead {
			if derr := s.markDead(job, "heartbeat expired"); derr != nil {
				s.log(logging.Error, "sweep mark dead job=%s error=%v", jobID, derr)
			}
		}
	}
}
