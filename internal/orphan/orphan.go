// Package orphan removes workspace directories that no longer belong to any
// recoverable job. Deletion is irreversible, so every gate errs toward
// keeping: a workspace survives unless it is old enough, unclaimed by any
// live job, and provably not running.
package orphan

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/msageha/batchd/internal/logging"
	"github.com/msageha/batchd/internal/model"
	"github.com/msageha/batchd/internal/sentinel"
)

// Cleaner disposes of one orphaned workspace.
type Cleaner interface {
	Clean(ctx context.Context, workspacePath string) error
}

// DirCleaner deletes the workspace tree from disk.
type DirCleaner struct{}

func (DirCleaner) Clean(_ context.Context, workspacePath string) error {
	return os.RemoveAll(workspacePath)
}

// Result summarizes one scan for the startup log.
type Result struct {
	Scanned int
	Removed int
	Kept    int
	Errors  int
}

// Scanner walks the workspaces root and cleans directories that pass every
// safety gate. It must run after job reattachment, when the set of live jobs
// is known.
type Scanner struct {
	dir       string
	cfg       model.OrphansConfig
	heartbeat model.HeartbeatConfig
	cleaner   Cleaner

	logger   *log.Logger
	logLevel logging.Level
}

func NewScanner(dir string, cfg model.OrphansConfig, heartbeat model.HeartbeatConfig, cleaner Cleaner, logger *log.Logger, logLevel logging.Level) *Scanner {
	return &Scanner{
		dir:       dir,
		cfg:       cfg,
		heartbeat: heartbeat,
		cleaner:   cleaner,
		logger:    logger,
		logLevel:  logLevel,
	}
}

// Scan examines every workspace directory. liveJobs maps job ID to true for
// each job that is queued, running, waiting, or being reattached; their
// workspaces are never touched.
func (s *Scanner) Scan(ctx context.Context, liveJobs map[string]bool) (*Result, error) {
	res := &Result{}
	if !s.cfg.Enabled {
		s.log(logging.Debug, "scan skipped (disabled)")
		return res, nil
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return res, nil
		}
		return nil, fmt.Errorf("read workspaces dir: %w", err)
	}

	minAge := time.Duration(s.cfg.MinAgeSec) * time.Second
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Scanned++

		jobID := entry.Name()
		path := filepath.Join(s.dir, jobID)

		keep, reason := s.shouldKeep(path, jobID, liveJobs, minAge)
		if keep {
			res.Kept++
			s.log(logging.Debug, "keep workspace=%s reason=%s", jobID, reason)
			continue
		}

		if err := s.cleaner.Clean(ctx, path); err != nil {
			res.Errors++
			s.log(logging.Error, "clean workspace=%s error=%v", jobID, err)
			continue
		}
		res.Removed++
		s.log(logging.Info, "removed orphan workspace=%s", jobID)
	}

	s.log(logging.Info, "orphan scan scanned=%d removed=%d kept=%d errors=%d",
		res.Scanned, res.Removed, res.Kept, res.Errors)
	return res, nil
}

// shouldKeep applies the safety gates in order of cheapness. Any doubt keeps
// the workspace; the next scan gets another chance.
func (s *Scanner) shouldKeep(path, jobID string, liveJobs map[string]bool, minAge time.Duration) (bool, string) {
	if liveJobs[jobID] {
		return true, "live job"
	}

	info, err := os.Stat(path)
	if err != nil {
		return true, fmt.Sprintf("stat failed: %v", err)
	}
	if time.Since(info.ModTime()) < minAge {
		return true, "younger than min age"
	}

	// A readable sentinel that is not yet dead means something may still be
	// writing here, whatever the job table says.
	rec, err := sentinel.ReadRecord(path)
	if err == nil {
		age := time.Since(rec.LastHeartbeat)
		if sentinel.Classify(age, s.heartbeat) != sentinel.Dead {
			return true, "sentinel not dead"
		}
		return false, ""
	}
	if !os.IsNotExist(err) {
		return true, fmt.Sprintf("sentinel unreadable: %v", err)
	}
	return false, ""
}

func (s *Scanner) log(level logging.Level, format string, args ...any) {
	if level < s.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	s.logger.Printf("%s %s orphan: %s", time.Now().Format(time.RFC3339), level, msg)
}
