package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/batchd/internal/model"
)

func TestSaveLoad_RoundTrip(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "jobs"))
	require.NoError(t, err)

	job := model.NewJob("repoA", []model.CallbackTarget{{URL: "http://example.com/hook", Event: "completed"}})
	job.Sequence = 7
	require.NoError(t, s.Save(job))

	got, err := s.Load(job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, model.JobQueued, got.Status)
	assert.Equal(t, uint64(7), got.Sequence)
	assert.Equal(t, "repoA", got.Repository)
	require.Len(t, got.Callbacks, 1)
	assert.Equal(t, "http://example.com/hook", got.Callbacks[0].URL)
}

func TestLoadAll_OrderedBySequence(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "jobs"))
	require.NoError(t, err)

	for _, seq := range []uint64{3, 1, 2} {
		job := model.NewJob("repo", nil)
		job.Sequence = seq
		require.NoError(t, s.Save(job))
	}

	jobs, corrupted, err := s.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, corrupted)
	require.Len(t, jobs, 3)
	assert.Equal(t, uint64(1), jobs[0].Sequence)
	assert.Equal(t, uint64(2), jobs[1].Sequence)
	assert.Equal(t, uint64(3), jobs[2].Sequence)
}

func TestLoadAll_SkipsCorruptedFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "jobs")
	s, err := New(dir)
	require.NoError(t, err)

	good := model.NewJob("repo", nil)
	require.NoError(t, s.Save(good))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.job.json"), []byte("{truncated"), 0644))

	jobs, corrupted, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, good.ID, jobs[0].ID)
	assert.Equal(t, []string{"broken"}, corrupted)
}

func TestDelete_Idempotent(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "jobs"))
	require.NoError(t, err)

	job := model.NewJob("repo", nil)
	require.NoError(t, s.Save(job))
	require.NoError(t, s.Delete(job.ID))
	require.NoError(t, s.Delete(job.ID))

	_, err = s.Load(job.ID)
	assert.Error(t, err)
}

func TestLoadAll_MissingDir(t *testing.T) {
	s := &Store{dir: filepath.Join(t.TempDir(), "never-created")}
	jobs, corrupted, err := s.LoadAll()
	assert.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Empty(t, corrupted)
}
