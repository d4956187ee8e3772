// Package store persists one JSON file per job and rebuilds the in-memory
// job index at startup. Corrupted files are skipped and reported, never
// escalated: one bad job file costs exactly that job.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/msageha/batchd/internal/atomicfile"
	"github.com/msageha/batchd/internal/model"
)

const jobFileSuffix = ".job.json"

type Store struct {
	dir string
}

func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create jobs dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(jobID string) string {
	return filepath.Join(s.dir, jobID+jobFileSuffix)
}

// Save writes the job file atomically. Every job mutation goes through here
// before the in-memory view is updated (persist-then-mutate).
func (s *Store) Save(job *model.Job) error {
	if err := atomicfile.WriteJSON(s.path(job.ID), job); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

func (s *Store) Load(jobID string) (*model.Job, error) {
	var job model.Job
	if err := atomicfile.ReadJSON(s.path(jobID), &job); err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	return &job, nil
}

func (s *Store) Delete(jobID string) error {
	if err := os.Remove(s.path(jobID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	return nil
}

// LoadAll reads every job file, ordered by queue sequence. Unparseable files
// are returned as corrupted job IDs (derived from the filename) instead of
// failing the whole load.
func (s *Store) LoadAll() ([]*model.Job, []string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("read jobs dir: %w", err)
	}

	var jobs []*model.Job
	var corrupted []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, jobFileSuffix) {
			continue
		}
		jobID := strings.TrimSuffix(name, jobFileSuffix)

		var job model.Job
		if err := atomicfile.ReadJSON(filepath.Join(s.dir, name), &job); err != nil {
			corrupted = append(corrupted, jobID)
			continue
		}
		jobs = append(jobs, &job)
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].Sequence < jobs[j].Sequence
	})
	return jobs, corrupted, nil
}
