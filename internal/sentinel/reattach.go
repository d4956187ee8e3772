package sentinel

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/msageha/batchd/internal/logging"
	"github.com/msageha/batchd/internal/model"
)

// Engine is the job-execution collaborator that re-adopts a live job after a
// server restart. The recovered output is whatever was flushed to the
// duplexed file before the crash; the transient stream is gone for good.
type Engine interface {
	Reattach(ctx context.Context, job *model.Job, rec *Record, output []byte) error
}

// DeadFunc is invoked for each job judged dead: it must mark the job failed
// and release any resources the job held.
type DeadFunc func(job *model.Job, reason string) error

// Outcome describes the reattachment decision for one job.
type Outcome struct {
	JobID      string
	Freshness  Freshness
	Reattached bool
	OutputSize int
}

// Result summarizes the reattachment phase for the startup log.
type Result struct {
	Reattached int
	Dead       int
	Failures   int
	Outcomes   []Outcome
}

// Reattacher restores running jobs after a restart without any process
// handle: the sentinel's heartbeat age is the sole liveness signal and the
// duplexed output file is the sole output source.
type Reattacher struct {
	cfg    model.HeartbeatConfig
	engine Engine
	onDead DeadFunc

	logger   *log.Logger
	logLevel logging.Level
}

func NewReattacher(cfg model.HeartbeatConfig, engine Engine, onDead DeadFunc, logger *log.Logger, logLevel logging.Level) *Reattacher {
	return &Reattacher{
		cfg:      cfg,
		engine:   engine,
		onDead:   onDead,
		logger:   logger,
		logLevel: logLevel,
	}
}

// Recover classifies every running job and either reattaches it or declares
// it dead. Stale sentinels get one grace-period recheck; a job that is still
// ambiguous after that is treated as fresh. The runtime sweep makes the
// terminal call later, and reattaching never destroys a possibly-live job.
func (r *Reattacher) Recover(ctx context.Context, jobs []*model.Job) (*Result, error) {
	res := &Result{}

	var recheck []*model.Job
	for _, job := range jobs {
		fresh, rec, err := r.classify(job)
		if err != nil {
			r.fail(res, job, fmt.Sprintf("sentinel unreadable: %v", err))
			continue
		}
		switch fresh {
		case Fresh:
			r.reattach(ctx, res, job, rec)
		case Stale:
			recheck = append(recheck, job)
		case Dead:
			r.fail(res, job, fmt.Sprintf("heartbeat dead (last %s)", rec.LastHeartbeat.Format(time.RFC3339)))
		}
	}

	if len(recheck) > 0 {
		wait := time.Duration(r.cfg.StaleRecheckSec) * time.Second
		r.log(logging.Info, "stale_recheck jobs=%d wait=%s", len(recheck), wait)
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(wait):
		}

		for _, job := range recheck {
			fresh, rec, err := r.classify(job)
			if err != nil {
				r.fail(res, job, fmt.Sprintf("sentinel unreadable on recheck: %v", err))
				continue
			}
			if fresh == Dead {
				r.fail(res, job, "heartbeat dead after grace period")
				continue
			}
			r.reattach(ctx, res, job, rec)
		}
	}

	r.log(logging.Info, "reattachment done reattached=%d dead=%d failures=%d",
		res.Reattached, res.Dead, res.Failures)
	return res, nil
}

// classify reads and ages a job's sentinel. A missing sentinel means the job
// never proved it was alive, which is indistinguishable from dead.
func (r *Reattacher) classify(job *model.Job) (Freshness, *Record, error) {
	rec, err := ReadRecord(job.WorkspacePath)
	if err != nil {
		if os.IsNotExist(err) {
			return Dead, &Record{JobID: job.ID}, nil
		}
		return Dead, nil, err
	}
	return Classify(time.Since(rec.LastHeartbeat), r.cfg), rec, nil
}

func (r *Reattacher) reattach(ctx context.Context, res *Result, job *model.Job, rec *Record) {
	// Recover partial output by reading the duplexed file directly. Missing
	// file just means the job produced no output before the crash.
	output, err := ReadOutput(job.WorkspacePath, job.SessionID)
	if err != nil && !os.IsNotExist(err) {
		r.fail(res, job, fmt.Sprintf("output unreadable: %v", err))
		return
	}

	if err := r.engine.Reattach(ctx, job, rec, output); err != nil {
		r.log(logging.Warn, "reattach_failed job=%s error=%v", job.ID, err)
		r.fail(res, job, fmt.Sprintf("engine reattach failed: %v", err))
		return
	}

	res.Reattached++
	res.Outcomes = append(res.Outcomes, Outcome{
		JobID:      job.ID,
		Freshness:  Fresh,
		Reattached: true,
		OutputSize: len(output),
	})
	r.log(logging.Info, "reattached job=%s output_bytes=%d", job.ID, len(output))
}

func (r *Reattacher) fail(res *Result, job *model.Job, reason string) {
	if err := r.onDead(job, reason); err != nil {
		r.log(logging.Error, "mark_dead job=%s error=%v", job.ID, err)
		res.Failures++
		return
	}
	res.Dead++
	res.Outcomes = append(res.Outcomes, Outcome{JobID: job.ID, Freshness: Dead})
	r.log(logging.Warn, "job_dead job=%s reason=%s", job.ID, reason)
}

func (r *Reattacher) log(level logging.Level, format string, args ...any) {
	if level < r.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	r.logger.Printf("%s %s reattach: %s", time.Now().Format(time.RFC3339), level, msg)
}
