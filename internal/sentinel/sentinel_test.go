package sentinel

import (
	"bytes"
	"context"
	"io"
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/batchd/internal/logging"
	"github.com/msageha/batchd/internal/model"
)

func heartbeatConfig() model.HeartbeatConfig {
	return model.HeartbeatConfig{
		IntervalSec:       30,
		FreshThresholdSec: 120,
		DeadThresholdSec:  600,
		StaleRecheckSec:   1,
		SweepIntervalSec:  60,
	}
}

func TestClassify_Boundaries(t *testing.T) {
	cfg := heartbeatConfig()

	tests := []struct {
		name string
		age  time.Duration
		want Freshness
	}{
		{"zero age", 0, Fresh},
		{"just under fresh threshold", 119 * time.Second, Fresh},
		{"ninety seconds", 90 * time.Second, Fresh},
		{"exactly fresh threshold", 120 * time.Second, Stale},
		{"mid band", 5 * time.Minute, Stale},
		{"just under dead threshold", 599 * time.Second, Stale},
		{"exactly dead threshold", 600 * time.Second, Dead},
		{"far beyond dead", time.Hour, Dead},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.age, cfg))
		})
	}
}

func TestRecord_WriteReadRemove(t *testing.T) {
	ws := t.TempDir()
	rec := &Record{
		JobID:         "job-1",
		Status:        model.JobRunning,
		LastHeartbeat: time.Now().UTC(),
		WorkspacePath: ws,
		SessionID:     "sess-1",
		StartedAt:     time.Now().UTC(),
		PID:           os.Getpid(),
	}
	require.NoError(t, WriteRecord(ws, rec))

	got, err := ReadRecord(ws)
	require.NoError(t, err)
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, "sess-1", got.SessionID)

	require.NoError(t, Remove(ws))
	_, err = ReadRecord(ws)
	assert.True(t, os.IsNotExist(err))

	// Removing twice is fine.
	require.NoError(t, Remove(ws))
}

func TestHeartbeat_WritesAndCompletes(t *testing.T) {
	ws := t.TempDir()
	job := model.NewJob("repo", nil)
	job.WorkspacePath = ws
	job.SessionID = "sess-1"
	require.NoError(t, job.Transition(model.JobRunning))

	hb := NewHeartbeat(job, time.Hour) // interval irrelevant: Start beats immediately
	require.NoError(t, hb.Start(context.Background()))

	rec, err := ReadRecord(ws)
	require.NoError(t, err)
	assert.Equal(t, job.ID, rec.JobID)
	assert.WithinDuration(t, time.Now().UTC(), rec.LastHeartbeat, 5*time.Second)

	require.NoError(t, hb.Complete())
	_, err = ReadRecord(ws)
	assert.True(t, os.IsNotExist(err), "sentinel must be deleted on completion")
}

func TestOutputWriter_DuplexAndRecovery(t *testing.T) {
	ws := t.TempDir()
	var transient bytes.Buffer

	w, err := NewOutputWriter(ws, "sess-1", &transient)
	require.NoError(t, err)
	_, err = w.Write([]byte("line one\n"))
	require.NoError(t, err)
	_, err = w.Write([]byte("line two\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.Equal(t, "line one\nline two\n", transient.String())

	// Reading the file directly recovers everything that was flushed.
	data, err := ReadOutput(ws, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", string(data))
}

func TestOutputWriter_ResumesAppendOnly(t *testing.T) {
	ws := t.TempDir()

	w, err := NewOutputWriter(ws, "sess-1", nil)
	require.NoError(t, err)
	_, err = w.Write([]byte("before crash\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Re-opening after a "restart" appends, never truncates.
	w2, err := NewOutputWriter(ws, "sess-1", nil)
	require.NoError(t, err)
	_, err = w2.Write([]byte("after restart\n"))
	require.NoError(t, err)
	require.NoError(t, w2.Close())

	data, err := ReadOutput(ws, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "before crash\nafter restart\n", string(data))
}

type fakeEngine struct {
	reattached map[string][]byte
	err        error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{reattached: make(map[string][]byte)}
}

func (e *fakeEngine) Reattach(_ context.Context, job *model.Job, _ *Record, output []byte) error {
	if e.err != nil {
		return e.err
	}
	e.reattached[job.ID] = output
	return nil
}

func runningJob(t *testing.T, ws string) *model.Job {
	t.Helper()
	job := model.NewJob("repo", nil)
	job.WorkspacePath = ws
	job.SessionID = "sess-1"
	require.NoError(t, job.Transition(model.JobRunning))
	return job
}

func newTestReattacher(engine Engine, onDead DeadFunc) *Reattacher {
	return NewReattacher(heartbeatConfig(), engine, onDead, log.New(io.Discard, "", 0), logging.Error)
}

func TestReattacher_FreshJobReattachedWithOutput(t *testing.T) {
	ws := t.TempDir()
	job := runningJob(t, ws)

	// Heartbeat frozen 90 seconds ago: inside the fresh window.
	require.NoError(t, WriteRecord(ws, &Record{
		JobID:         job.ID,
		Status:        model.JobRunning,
		LastHeartbeat: time.Now().UTC().Add(-90 * time.Second),
		WorkspacePath: ws,
		SessionID:     job.SessionID,
	}))
	w, err := NewOutputWriter(ws, job.SessionID, nil)
	require.NoError(t, err)
	_, err = w.Write([]byte("flushed before kill\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	engine := newFakeEngine()
	r := newTestReattacher(engine, func(*model.Job, string) error {
		t.Fatal("fresh job must not be marked dead")
		return nil
	})

	res, err := r.Recover(context.Background(), []*model.Job{job})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reattached)
	assert.Zero(t, res.Dead)
	assert.Equal(t, "flushed before kill\n", string(engine.reattached[job.ID]))
}

func TestReattacher_DeadJobMarkedFailed(t *testing.T) {
	ws := t.TempDir()
	job := runningJob(t, ws)

	require.NoError(t, WriteRecord(ws, &Record{
		JobID:         job.ID,
		LastHeartbeat: time.Now().UTC().Add(-time.Hour),
	}))

	var deadID, deadReason string
	r := newTestReattacher(newFakeEngine(), func(j *model.Job, reason string) error {
		deadID, deadReason = j.ID, reason
		return nil
	})

	res, err := r.Recover(context.Background(), []*model.Job{job})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dead)
	assert.Zero(t, res.Reattached)
	assert.Equal(t, job.ID, deadID)
	assert.Contains(t, deadReason, "heartbeat dead")
}

func TestReattacher_MissingSentinelIsDead(t *testing.T) {
	job := runningJob(t, t.TempDir())

	dead := 0
	r := newTestReattacher(newFakeEngine(), func(*model.Job, string) error {
		dead++
		return nil
	})

	res, err := r.Recover(context.Background(), []*model.Job{job})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dead)
	assert.Equal(t, 1, dead)
}

func TestReattacher_StaleRecheckedThenReattached(t *testing.T) {
	ws := t.TempDir()
	job := runningJob(t, ws)

	// In the stale band; after the 1s recheck it is still stale, which
	// resolves to reattach (the runtime sweep makes the terminal call).
	require.NoError(t, WriteRecord(ws, &Record{
		JobID:         job.ID,
		LastHeartbeat: time.Now().UTC().Add(-3 * time.Minute),
	}))

	engine := newFakeEngine()
	r := newTestReattacher(engine, func(*model.Job, string) error {
		t.Fatal("stale-but-not-dead job must not be marked dead")
		return nil
	})

	res, err := r.Recover(context.Background(), []*model.Job{job})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reattached)
	assert.Contains(t, engine.reattached, job.ID)
}
