package server

import (
	"context"
	"fmt"

	"github.com/msageha/batchd/internal/logging"
	"github.com/msageha/batchd/internal/model"
	"github.com/msageha/batchd/internal/recovery"
)

// registerPhases declares the recovery graph. Dependencies express data flow:
// nothing can run before the queue and job store exist, jobs cannot be
// reattached before their locks are restored, and the orphan scanner must not
// run until the set of live jobs is final.
func (s *Server) registerPhases() {
	s.orch.Register(recovery.Phase{
		Name:     "queue",
		Critical: true,
		Run: func(context.Context) (recovery.Report, error) {
			res, err := s.queue.Recover()
			if err != nil {
				return recovery.Report{}, err
			}
			return recovery.Report{SuccessCount: res.SnapshotItems + res.ReplayedEntries,
				FailureCount: res.SkippedLines}, nil
		},
	})

	s.orch.Register(recovery.Phase{
		Name:     "job_store",
		Critical: true,
		Run: func(context.Context) (recovery.Report, error) {
			jobs, corrupted, err := s.store.LoadAll()
			if err != nil {
				return recovery.Report{}, err
			}
			s.jobsMu.Lock()
			for _, job := range jobs {
				s.jobs[job.ID] = job
			}
			s.jobsMu.Unlock()
			return recovery.Report{
				SuccessCount:       len(jobs),
				FailureCount:       len(corrupted),
				CorruptedResources: prefixAll("job:", corrupted),
			}, nil
		},
	})

	s.orch.Register(recovery.Phase{
		Name: "statistics",
		Run: func(context.Context) (recovery.Report, error) {
			if err := s.stats.Load(); err != nil {
				// Stats are an estimate; a corrupt file resets them.
				s.log(logging.Warn, "statistics reset error=%v", err)
				return recovery.Report{Degraded: true, FailureCount: 1}, nil
			}
			return recovery.Report{SuccessCount: 1}, nil
		},
	})

	s.orch.Register(recovery.Phase{
		Name:      "locks",
		DependsOn: []string{"queue", "job_store"},
		Run: func(context.Context) (recovery.Report, error) {
			res, err := s.locks.Recover()
			if err != nil {
				return recovery.Report{}, err
			}
			return recovery.Report{
				SuccessCount:       res.Restored,
				FailureCount:       len(res.Unavailable),
				CorruptedResources: prefixAll("lock:", res.Unavailable),
			}, nil
		},
	})

	s.orch.Register(recovery.Phase{
		Name: "callback_queue",
		Run: func(context.Context) (recovery.Report, error) {
			res, err := s.callbacks.Recover()
			if err != nil {
				return recovery.Report{}, err
			}
			return recovery.Report{SuccessCount: res.Loaded}, nil
		},
	})

	s.orch.Register(recovery.Phase{
		Name:      "reattach",
		DependsOn: []string{"locks", "callback_queue"},
		Run:       s.runReattachPhase,
	})

	s.orch.Register(recovery.Phase{
		Name:      "waiting_queues",
		DependsOn: []string{"locks", "reattach"},
		Run: func(context.Context) (recovery.Report, error) {
			s.jobsMu.Lock()
			jobs := make([]*model.Job, 0, len(s.jobs))
			for _, job := range s.jobs {
				jobs = append(jobs, job)
			}
			s.jobsMu.Unlock()

			res, err := s.waits.Recover(jobs, s.locks.IsHeld, func(resourceID, jobID string) {
				s.log(logging.Info, "recovered waiter promoted resource=%s job=%s", resourceID, jobID)
				s.wakeProcessor()
			})
			if err != nil {
				return recovery.Report{}, err
			}
			return recovery.Report{SuccessCount: res.Restored}, nil
		},
	})

	s.orch.Register(recovery.Phase{
		Name:      "orphans",
		DependsOn: []string{"reattach", "waiting_queues"},
		Run: func(ctx context.Context) (recovery.Report, error) {
			res, err := s.scanner.Scan(ctx, s.liveJobIDs())
			if err != nil {
				return recovery.Report{}, err
			}
			return recovery.Report{SuccessCount: res.Removed, FailureCount: res.Errors}, nil
		},
	})
}

// runReattachPhase resolves every job the queue believes is running. Jobs
// whose file already says terminal just need their queue entry finalized (the
// crash hit between the job-file write and the queue write); the rest go
// through heartbeat classification.
func (s *Server) runReattachPhase(ctx context.Context) (recovery.Report, error) {
	var candidates []*model.Job
	report := recovery.Report{}

	for _, jobID := range s.queue.Running() {
		job, ok := s.getJob(jobID)
		if !ok {
			// Queue entry without a job file: the enqueue never finished.
			s.log(logging.Warn, "running job without job file job=%s", jobID)
			if err := s.queue.SetStatus(jobID, model.JobFailed); err != nil {
				s.log(logging.Error, "finalize ghost job=%s error=%v", jobID, err)
			}
			report.FailureCount++
			report.CorruptedResources = append(report.CorruptedResources, "job:"+jobID)
			continue
		}
		if model.IsJobTerminal(job.Status) {
			if err := s.queue.SetStatus(jobID, job.Status); err != nil {
				s.log(logging.Error, "finalize terminal job=%s error=%v", jobID, err)
			}
			report.SuccessCount++
			continue
		}
		candidates = append(candidates, job)
	}

	if len(candidates) == 0 {
		return report, nil
	}

	reattacher := newReattacher(s)
	res, err := reattacher.Recover(ctx, candidates)
	if err != nil {
		return report, err
	}
	report.SuccessCount += res.Reattached + res.Dead
	report.FailureCount += res.Failures
	report.Degraded = report.Degraded || res.Failures > 0
	return report, nil
}

func prefixAll(prefix string, ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = fmt.Sprintf("%s%s", prefix, id)
	}
	return out
}
