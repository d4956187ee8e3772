package queue

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/batchd/internal/logging"
	"github.com/msageha/batchd/internal/model"
)

func testConfig() model.QueueConfig {
	return model.QueueConfig{
		CheckpointOps:         1000,
		CheckpointIntervalSec: 30,
		WALMaxBytes:           8 << 20,
		StatsHistorySize:      512,
	}
}

func newTestQueue(t *testing.T, dir string, cfg model.QueueConfig) *Queue {
	t.Helper()
	q := New(dir, cfg, log.New(io.Discard, "", 0), logging.Error)
	_, err := q.Recover()
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestEnqueueDequeue_FIFO(t *testing.T) {
	q := newTestQueue(t, t.TempDir(), testConfig())

	var ids []string
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("job-%d", i)
		seq, err := q.Enqueue(id)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), seq)
		ids = append(ids, id)
	}

	for _, want := range ids {
		pending := q.Pending()
		require.NotEmpty(t, pending)
		assert.Equal(t, want, pending[0])
		require.NoError(t, q.Dequeue(pending[0]))
	}
	assert.Empty(t, q.Pending())
}

func TestDequeue_RejectsUnknownAndNonQueued(t *testing.T) {
	q := newTestQueue(t, t.TempDir(), testConfig())

	assert.Error(t, q.Dequeue("no-such-job"))

	_, err := q.Enqueue("job-1")
	require.NoError(t, err)
	require.NoError(t, q.Dequeue("job-1"))
	assert.Error(t, q.Dequeue("job-1"))
	assert.Equal(t, []string{"job-1"}, q.Running())
}

func TestEnqueue_DuplicateRejected(t *testing.T) {
	q := newTestQueue(t, t.TempDir(), testConfig())
	_, err := q.Enqueue("job-1")
	require.NoError(t, err)
	_, err = q.Enqueue("job-1")
	assert.Error(t, err)
}

func TestRecover_ReplaysWALOverSnapshot(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()

	q := newTestQueue(t, dir, cfg)
	_, err := q.Enqueue("a")
	require.NoError(t, err)
	_, err = q.Enqueue("b")
	require.NoError(t, err)
	require.NoError(t, q.Checkpoint())
	_, err = q.Enqueue("c")
	require.NoError(t, err)
	require.NoError(t, q.Dequeue("a"))
	require.NoError(t, q.Close())

	// Simulated restart: fresh queue over the same directory.
	q2 := newTestQueue(t, dir, cfg)
	assert.Equal(t, []string{"b", "c"}, q2.Pending())
	assert.Equal(t, []string{"a"}, q2.Running())
}

func TestRecover_IdempotentReplay(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()

	q := newTestQueue(t, dir, cfg)
	for i := 0; i < 10; i++ {
		_, err := q.Enqueue(fmt.Sprintf("job-%d", i))
		require.NoError(t, err)
	}
	require.NoError(t, q.Close())

	q2 := New(dir, cfg, log.New(io.Discard, "", 0), logging.Error)
	res1, err := q2.Recover()
	require.NoError(t, err)
	pending1 := q2.Pending()
	require.NoError(t, q2.Close())

	// Recovering again over the same files yields the identical state.
	q3 := New(dir, cfg, log.New(io.Discard, "", 0), logging.Error)
	res2, err := q3.Recover()
	require.NoError(t, err)
	defer q3.Close()

	assert.Equal(t, res1.ReplayedEntries, res2.ReplayedEntries)
	assert.Equal(t, pending1, q3.Pending())
}

func TestRecover_ToleratesTornWALTail(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()

	q := newTestQueue(t, dir, cfg)
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(fmt.Sprintf("job-%d", i))
		require.NoError(t, err)
	}
	require.NoError(t, q.Close())

	// Chop bytes off the last line to simulate a crash mid-append.
	walPath := filepath.Join(dir, walFileName)
	data, err := os.ReadFile(walPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(walPath, data[:len(data)-10], 0644))

	q2 := New(dir, cfg, log.New(io.Discard, "", 0), logging.Error)
	res, err := q2.Recover()
	require.NoError(t, err)
	defer q2.Close()

	assert.Equal(t, 2, res.ReplayedEntries)
	assert.Equal(t, 1, res.SkippedLines)
	assert.Equal(t, []string{"job-0", "job-1"}, q2.Pending())
}

func TestRecover_CorruptSnapshotFails(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, snapshotFileName), []byte("{bad"), 0644))

	q := New(dir, testConfig(), log.New(io.Discard, "", 0), logging.Error)
	_, err := q.Recover()
	assert.Error(t, err)
}

func TestCheckpoint_TruncatesWAL(t *testing.T) {
	dir := t.TempDir()
	q := newTestQueue(t, dir, testConfig())

	for i := 0; i < 20; i++ {
		_, err := q.Enqueue(fmt.Sprintf("job-%d", i))
		require.NoError(t, err)
	}
	require.Greater(t, q.wal.Size(), int64(0))

	require.NoError(t, q.Checkpoint())
	assert.Equal(t, int64(0), q.wal.Size())

	snap, err := LoadSnapshot(filepath.Join(dir, snapshotFileName))
	require.NoError(t, err)
	assert.Len(t, snap.Items, 20)
	assert.Equal(t, uint64(20), snap.LastSequence)
}

func TestCheckpoint_ForcedByOpCount(t *testing.T) {
	cfg := testConfig()
	cfg.CheckpointOps = 5
	dir := t.TempDir()
	q := newTestQueue(t, dir, cfg)

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(fmt.Sprintf("job-%d", i))
		require.NoError(t, err)
	}

	// The fifth op crossed the threshold, so the WAL must already be empty.
	assert.Equal(t, int64(0), q.wal.Size())
	snap, err := LoadSnapshot(filepath.Join(dir, snapshotFileName))
	require.NoError(t, err)
	assert.Len(t, snap.Items, 5)
}

func TestCheckpoint_ForcedByWALSize(t *testing.T) {
	cfg := testConfig()
	cfg.WALMaxBytes = 256
	dir := t.TempDir()
	q := newTestQueue(t, dir, cfg)

	for i := 0; i < 10; i++ {
		_, err := q.Enqueue(fmt.Sprintf("job-%d", i))
		require.NoError(t, err)
	}
	assert.Less(t, q.wal.Size(), int64(cfg.WALMaxBytes)+200, "WAL must be reset by size-forced checkpoints")
}

func TestSetStatus_TerminalRemovesFromQueue(t *testing.T) {
	q := newTestQueue(t, t.TempDir(), testConfig())
	_, err := q.Enqueue("job-1")
	require.NoError(t, err)
	require.NoError(t, q.Dequeue("job-1"))

	require.NoError(t, q.SetStatus("job-1", model.JobCompleted))
	assert.False(t, q.Contains("job-1"))
	assert.Zero(t, q.Len())
}

func TestRecover_ThousandJobsWithStatusUpdates(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()

	q := newTestQueue(t, dir, cfg)
	ids := make([]string, 1000)
	for i := range ids {
		ids[i] = fmt.Sprintf("job-%04d", i)
		_, err := q.Enqueue(ids[i])
		require.NoError(t, err)
	}
	require.NoError(t, q.Checkpoint())

	// 500 dequeues after the checkpoint land in the WAL only.
	for i := 0; i < 500; i++ {
		require.NoError(t, q.Dequeue(ids[i]))
	}
	require.NoError(t, q.wal.Close()) // abandon without a clean shutdown

	start := time.Now()
	q2 := New(dir, cfg, log.New(io.Discard, "", 0), logging.Error)
	res, err := q2.Recover()
	require.NoError(t, err)
	defer q2.Close()
	elapsed := time.Since(start)

	assert.Equal(t, 1000, res.SnapshotItems)
	assert.Equal(t, 500, res.ReplayedEntries)
	assert.Equal(t, 500, res.RunningJobs)
	assert.Equal(t, 500, res.QueuedJobs)
	assert.Less(t, elapsed, time.Second, "recovery of 1000 jobs + 500 updates must finish in <1s")

	pending := q2.Pending()
	require.Len(t, pending, 500)
	assert.Equal(t, "job-0500", pending[0], "FIFO order must survive replay")
}
