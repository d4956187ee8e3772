package queue

import (
	"fmt"
	"os"
	"time"

	"github.com/msageha/batchd/internal/atomicfile"
	"github.com/msageha/batchd/internal/model"
)

// Snapshot is a periodic full serialization of the queue. It is superseded
// by the next snapshot and never read after a newer one exists.
type Snapshot struct {
	LastSequence uint64    `json:"last_sequence"`
	TakenAt      time.Time `json:"taken_at"`
	Items        []Item    `json:"items"`
}

// Item is one queue position: enough to rebuild FIFO order and liveness
// without reading the per-job files.
type Item struct {
	JobID    string          `json:"job_id"`
	Sequence uint64          `json:"sequence"`
	Status   model.JobStatus `json:"status"`
}

// LoadSnapshot reads the last checkpoint. A missing file yields an empty
// snapshot; an unparseable file is an error the caller escalates, since no
// other phase can proceed without a known queue state.
func LoadSnapshot(path string) (*Snapshot, error) {
	var snap Snapshot
	if err := atomicfile.ReadJSON(path, &snap); err != nil {
		if os.IsNotExist(err) {
			return &Snapshot{}, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return &snap, nil
}

func SaveSnapshot(path string, snap *Snapshot) error {
	if err := atomicfile.WriteJSON(path, snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}
