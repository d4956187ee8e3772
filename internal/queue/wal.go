// Package queue implements the write-ahead-logged durable FIFO job queue.
// Every mutation appends a WAL entry before the in-memory queue changes;
// a background checkpoint collapses the WAL into a snapshot file.
package queue

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/msageha/batchd/internal/model"
)

type Operation string

const (
	OpEnqueue      Operation = "enqueue"
	OpDequeue      Operation = "dequeue"
	OpStatusChange Operation = "status_change"
)

// Entry is one append-only WAL record, serialized as a single JSON line.
// Entries are immutable once written; the log is truncated only after a
// successful checkpoint.
type Entry struct {
	Sequence  uint64          `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Operation Operation       `json:"operation"`
	JobID     string          `json:"job_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type statusPayload struct {
	Status model.JobStatus `json:"status"`
}

// WAL is the append-only JSON-lines log. Appends are flushed to stable
// storage individually: durability is quasi-real-time, not batched.
type WAL struct {
	mu   sync.Mutex
	path string
	f    *os.File
	size int64
}

func OpenWAL(path string) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat wal: %w", err)
	}
	return &WAL{path: path, f: f, size: info.Size()}, nil
}

func (w *WAL) Append(e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal wal entry: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := w.f.Write(line)
	w.size += int64(n)
	if err != nil {
		return fmt.Errorf("append wal entry: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("sync wal: %w", err)
	}
	return nil
}

func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Truncate discards the log. Called only after the checkpoint snapshot has
// been durably written.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.f.Truncate(0); err != nil {
		return fmt.Errorf("truncate wal: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("sync wal after truncate: %w", err)
	}
	w.size = 0
	return nil
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// ReplayWAL reads entries in file order. A torn tail (an undecodable final
// line left by a crash mid-append) is tolerated; it and anything after it
// are reported via the skipped count, never applied.
func ReplayWAL(path string) ([]Entry, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("open wal for replay: %w", err)
	}
	defer f.Close()

	var entries []Entry
	skipped := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			// Torn write: stop applying here so ordering is preserved.
			skipped++
			break
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return entries, skipped, fmt.Errorf("scan wal: %w", err)
	}
	return entries, skipped, nil
}
