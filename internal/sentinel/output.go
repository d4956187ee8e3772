package sentinel

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// OutputWriter duplexes job output: every write is appended to the durable
// session file and synced before it is echoed to the optional transient
// stream. The file is the only source of output that survives a server
// crash: once the original process handle is lost, a transient stream can
// never be re-captured.
type OutputWriter struct {
	mu        sync.Mutex
	f         *os.File
	transient io.Writer
}

// OutputPath returns the durable output file for a session inside a
// workspace.
func OutputPath(workspace, sessionID string) string {
	return filepath.Join(workspace, sessionID+".output")
}

// NewOutputWriter opens (or resumes) the append-only output file. transient
// may be nil.
func NewOutputWriter(workspace, sessionID string, transient io.Writer) (*OutputWriter, error) {
	f, err := os.OpenFile(OutputPath(workspace, sessionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open output file: %w", err)
	}
	return &OutputWriter{f: f, transient: transient}, nil
}

// Write appends p durably, then mirrors it to the transient stream. The
// durable write is flushed per call: whatever returned from Write survives a
// crash.
func (w *OutputWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := w.f.Write(p)
	if err != nil {
		return n, fmt.Errorf("append output: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return n, fmt.Errorf("sync output: %w", err)
	}
	if w.transient != nil {
		// Transient stream errors are not the durable file's problem.
		_, _ = w.transient.Write(p)
	}
	return n, nil
}

// Close closes the durable file. The file itself is never truncated or
// deleted here; it is preserved until job completion.
func (w *OutputWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// ReadOutput recovers whatever output was flushed before a crash by reading
// the durable file directly.
func ReadOutput(workspace, sessionID string) ([]byte, error) {
	data, err := os.ReadFile(OutputPath(workspace, sessionID))
	if err != nil {
		return nil, err
	}
	return data, nil
}
