package lockfile

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/batchd/internal/atomicfile"
	"github.com/msageha/batchd/internal/logging"
	"github.com/msageha/batchd/internal/model"
)

func locksConfig() model.LocksConfig {
	return model.LocksConfig{StaleAgeSec: 3600}
}

func newTestManager(t *testing.T, dir string) *Manager {
	t.Helper()
	m, err := NewManager(dir, locksConfig(), log.New(io.Discard, "", 0), logging.Error)
	require.NoError(t, err)
	return m
}

func TestManager_AcquireRelease(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)

	rec, err := m.Acquire("repoA", "job-1", "clone")
	require.NoError(t, err)
	assert.Equal(t, "job-1", rec.Holder)
	assert.NotEmpty(t, rec.OperationID)
	assert.FileExists(t, filepath.Join(dir, "repoA.lock.json"))

	// Second acquirer is rejected while the lock is held.
	_, err = m.Acquire("repoA", "job-2", "pull")
	assert.ErrorIs(t, err, ErrHeld)

	require.NoError(t, m.Release("repoA"))
	assert.NoFileExists(t, filepath.Join(dir, "repoA.lock.json"))

	_, err = m.Acquire("repoA", "job-2", "pull")
	assert.NoError(t, err)
}

func TestManager_ReleaseIsIdempotent(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	_, err := m.Acquire("repoA", "job-1", "clone")
	require.NoError(t, err)

	require.NoError(t, m.Release("repoA"))
	require.NoError(t, m.Release("repoA"))
}

func TestManager_ReleaseHeldBy(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	_, err := m.Acquire("repoA", "job-1", "clone")
	require.NoError(t, err)
	_, err = m.Acquire("repoB", "job-1", "pull")
	require.NoError(t, err)
	_, err = m.Acquire("repoC", "job-2", "clone")
	require.NoError(t, err)

	freed := m.ReleaseHeldBy("job-1")
	assert.ElementsMatch(t, []string{"repoA", "repoB"}, freed)
	assert.False(t, m.IsHeld("repoA"))
	assert.False(t, m.IsHeld("repoB"))
	assert.True(t, m.IsHeld("repoC"))
}

func TestManager_RecoverIsolatesCorruption(t *testing.T) {
	dir := t.TempDir()

	// Two locks written by a previous server instance.
	before := newTestManager(t, dir)
	_, err := before.Acquire("repoB", "job-2", "clone")
	require.NoError(t, err)
	_, err = before.Acquire("repoC", "job-3", "pull")
	require.NoError(t, err)

	// repoA's lock file was truncated to zero bytes mid-write.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "repoA.lock.json"), nil, 0644))

	after := newTestManager(t, dir)
	res, err := after.Recover()
	require.NoError(t, err)

	assert.Equal(t, 2, res.Restored)
	assert.Equal(t, []string{"repoA"}, res.Unavailable)

	holder, ok := after.Holder("repoB")
	require.True(t, ok)
	assert.Equal(t, "job-2", holder)
	assert.True(t, after.IsHeld("repoC"))

	// Only the corrupted resource refuses new acquisitions.
	_, err = after.Acquire("repoA", "job-9", "clone")
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = after.Acquire("repoD", "job-9", "clone")
	assert.NoError(t, err)
}

func TestManager_RecoverStaleLockMarkedUnavailable(t *testing.T) {
	dir := t.TempDir()

	stale := &Record{
		ResourceID:    "repoA",
		Holder:        "job-1",
		OperationType: "clone",
		AcquiredAt:    time.Now().UTC().Add(-2 * time.Hour),
		OwnerPID:      999999,
	}
	require.NoError(t, atomicfile.WriteJSON(filepath.Join(dir, "repoA.lock.json"), stale))

	m := newTestManager(t, dir)
	m.processAlive = func(int) bool { return false }

	res, err := m.Recover()
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stale)
	assert.Equal(t, []string{"repoA"}, res.Unavailable)
	assert.False(t, m.IsHeld("repoA"))
}

func TestManager_RecoverFreshLockSurvivesOwnerDeath(t *testing.T) {
	dir := t.TempDir()

	// The previous server died seconds ago; its PID is gone but the lock is
	// fresh, so the reattached job must still hold it.
	rec := &Record{
		ResourceID:    "repoA",
		Holder:        "job-1",
		OperationType: "pull",
		AcquiredAt:    time.Now().UTC().Add(-30 * time.Second),
		OwnerPID:      999999,
	}
	require.NoError(t, atomicfile.WriteJSON(filepath.Join(dir, "repoA.lock.json"), rec))

	m := newTestManager(t, dir)
	m.processAlive = func(int) bool { return false }

	res, err := m.Recover()
	require.NoError(t, err)
	assert.Equal(t, 1, res.Restored)
	assert.Empty(t, res.Unavailable)

	holder, ok := m.Holder("repoA")
	require.True(t, ok)
	assert.Equal(t, "job-1", holder)
}

func TestManager_RecoverEmptyDir(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	res, err := m.Recover()
	require.NoError(t, err)
	assert.Zero(t, res.Restored)
	assert.Empty(t, res.Unavailable)
}
