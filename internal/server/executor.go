package server

import (
	"context"
	"io"

	"github.com/msageha/batchd/internal/model"
	"github.com/msageha/batchd/internal/sentinel"
)

// Executor runs the actual job work. The server owns durability (queue,
// locks, heartbeats, output files); the executor only does the work and
// writes its output to the writer it is given, which the server duplexes to
// disk.
type Executor interface {
	// Execute runs the job to completion. The returned error marks the job
	// failed; nil marks it completed.
	Execute(ctx context.Context, job *model.Job, output io.Writer) error

	// Reattach re-adopts a job that survived a server restart. recovered is
	// everything the job flushed to its durable output file before the crash;
	// output receives everything it produces from now on.
	Reattach(ctx context.Context, job *model.Job, rec *sentinel.Record, recovered []byte, output io.Writer) error
}
