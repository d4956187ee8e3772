package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobTransitions(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		ok       bool
	}{
		{JobQueued, JobRunning, true},
		{JobQueued, JobCancelling, true},
		{JobQueued, JobFailed, true},
		{JobRunning, JobCompleted, true},
		{JobRunning, JobFailed, true},
		{JobRunning, JobCancelling, true},
		{JobCancelling, JobFailed, true},
		{JobCancelling, JobCompleted, true},
		{JobQueued, JobCompleted, false},
		{JobCompleted, JobRunning, false},
		{JobFailed, JobQueued, false},
	}
	for _, tt := range tests {
		err := ValidateJobTransition(tt.from, tt.to)
		if tt.ok {
			assert.NoError(t, err, "%s → %s", tt.from, tt.to)
		} else {
			assert.Error(t, err, "%s → %s", tt.from, tt.to)
		}
	}
}

func TestCallbackTransitions(t *testing.T) {
	assert.NoError(t, ValidateCallbackTransition(CallbackPending, CallbackSending))
	assert.NoError(t, ValidateCallbackTransition(CallbackSending, CallbackSent))
	assert.NoError(t, ValidateCallbackTransition(CallbackSending, CallbackRetrying))
	assert.NoError(t, ValidateCallbackTransition(CallbackRetrying, CallbackSending))
	// The recovery-only edge.
	assert.NoError(t, ValidateCallbackTransition(CallbackSending, CallbackPending))

	assert.Error(t, ValidateCallbackTransition(CallbackSent, CallbackPending))
	assert.Error(t, ValidateCallbackTransition(CallbackPending, CallbackSent))
}

func TestJob_TransitionStampsTimestamps(t *testing.T) {
	job := NewJob("repoA", nil)
	require.NotEmpty(t, job.ID)
	assert.Equal(t, JobQueued, job.Status)

	require.NoError(t, job.Transition(JobRunning))
	require.NotNil(t, job.StartedAt)
	assert.Nil(t, job.FinishedAt)

	require.NoError(t, job.Transition(JobCompleted))
	require.NotNil(t, job.FinishedAt)

	assert.Error(t, job.Transition(JobRunning), "terminal jobs never transition")
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig_PartialFileFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"queue:\n  checkpoint_ops: 50\nheartbeat:\n  dead_threshold_sec: 900\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Queue.CheckpointOps)
	assert.Equal(t, 900, cfg.Heartbeat.DeadThresholdSec)
	// Unset values come from the defaults.
	assert.Equal(t, DefaultConfig().Queue.CheckpointIntervalSec, cfg.Queue.CheckpointIntervalSec)
	assert.Equal(t, DefaultConfig().Callbacks.BackoffStepsSec, cfg.Callbacks.BackoffStepsSec)
}

func TestLoadConfig_BadYAMLIsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue: ["), 0644))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}
