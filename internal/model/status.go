package model

import "fmt"

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobRunning    JobStatus = "running"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelling JobStatus = "cancelling"
)

type CallbackStatus string

const (
	CallbackPending  CallbackStatus = "pending"
	CallbackSending  CallbackStatus = "sending"
	CallbackSent     CallbackStatus = "sent"
	CallbackRetrying CallbackStatus = "retrying"
	CallbackFailed   CallbackStatus = "failed"
)

var terminalJobStatuses = map[JobStatus]bool{
	JobCompleted: true,
	JobFailed:    true,
}

// Job lifecycle: queued → running → completed|failed, with cooperative
// cancellation as a flag status observed by the sole processor of the job.
var validJobTransitions = map[JobStatus]map[JobStatus]bool{
	JobQueued: {
		JobRunning:    true,
		JobCancelling: true,
		JobFailed:     true,
	},
	JobRunning: {
		JobCompleted:  true,
		JobFailed:     true,
		JobCancelling: true,
	},
	JobCancelling: {
		JobFailed:    true,
		JobCompleted: true, // cancel requested after the work already finished
	},
}

var terminalCallbackStatuses = map[CallbackStatus]bool{
	CallbackSent:   true,
	CallbackFailed: true,
}

// Callback delivery: pending → sending → sent|retrying|failed. A crash while
// sending is always resolved to pending on recovery, so sending → pending is a
// valid (recovery-only) edge.
var validCallbackTransitions = map[CallbackStatus]map[CallbackStatus]bool{
	CallbackPending: {
		CallbackSending: true,
	},
	CallbackSending: {
		CallbackSent:     true,
		CallbackRetrying: true,
		CallbackFailed:   true,
		CallbackPending:  true,
	},
	CallbackRetrying: {
		CallbackSending: true,
		CallbackFailed:  true,
	},
}

func IsJobTerminal(s JobStatus) bool {
	return terminalJobStatuses[s]
}

func IsCallbackTerminal(s CallbackStatus) bool {
	return terminalCallbackStatuses[s]
}

func ValidateJobTransition(from, to JobStatus) error {
	if IsJobTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validJobTransitions[from]
	if !ok {
		return fmt.Errorf("unknown job status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid job transition: %q → %q", from, to)
	}
	return nil
}

func ValidateCallbackTransition(from, to CallbackStatus) error {
	if IsCallbackTerminal(from) {
		return fmt.Errorf("cannot transition from terminal callback status %q", from)
	}
	allowed, ok := validCallbackTransitions[from]
	if !ok {
		return fmt.Errorf("unknown callback status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid callback transition: %q → %q", from, to)
	}
	return nil
}
