// Package callback implements durable webhook delivery. Every pending
// notification lives in callbacks.queue.json; the status is flipped to
// sending and persisted before any network I/O, so a crash mid-request is
// always recoverable. Delivery is at-least-once: receivers must deduplicate
// by callback ID.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/batchd/internal/atomicfile"
	"github.com/msageha/batchd/internal/logging"
	"github.com/msageha/batchd/internal/model"
)

// QueueFileName is the durable delivery queue, relative to the data dir.
const QueueFileName = "callbacks.queue.json"

// Entry is one webhook delivery in flight.
type Entry struct {
	ID            string               `json:"id"`
	JobID         string               `json:"job_id"`
	URL           string               `json:"url"`
	Event         string               `json:"event"`
	Status        model.CallbackStatus `json:"status"`
	Attempts      int                  `json:"attempts"`
	NextAttemptAt time.Time            `json:"next_attempt_at"`
	SentAt        *time.Time           `json:"sent_at,omitempty"`
	LastError     string               `json:"last_error,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// Payload is the JSON body POSTed to the callback URL. The callback ID lets
// receivers deduplicate redeliveries.
type Payload struct {
	CallbackID string    `json:"callback_id"`
	JobID      string    `json:"job_id"`
	Event      string    `json:"event"`
	Timestamp  time.Time `json:"timestamp"`
}

// Transport performs one delivery attempt.
type Transport interface {
	Deliver(ctx context.Context, entry *Entry) error
}

// HTTPTransport POSTs the payload as JSON. Any non-2xx response is a failed
// attempt.
type HTTPTransport struct {
	Client *http.Client
}

func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{Client: &http.Client{Timeout: timeout}}
}

func (t *HTTPTransport) Deliver(ctx context.Context, entry *Entry) error {
	body, err := json.Marshal(Payload{
		CallbackID: entry.ID,
		JobID:      entry.JobID,
		Event:      entry.Event,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, entry.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post callback: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
	return nil
}

// RecoverResult summarizes callback recovery for the startup log.
type RecoverResult struct {
	Loaded       int
	ResetSending int
	PrunedSent   int
}

// Queue is the durable delivery queue. All mutations persist the whole queue
// file atomically before they are considered applied.
type Queue struct {
	mu        sync.Mutex
	path      string
	cfg       model.CallbacksConfig
	entries   map[string]*Entry
	transport Transport

	logger   *log.Logger
	logLevel logging.Level
}

func NewQueue(path string, cfg model.CallbacksConfig, transport Transport, logger *log.Logger, logLevel logging.Level) *Queue {
	return &Queue{
		path:      path,
		cfg:       cfg,
		entries:   make(map[string]*Entry),
		transport: transport,
		logger:    logger,
		logLevel:  logLevel,
	}
}

// Recover loads the queue file and resolves interrupted deliveries: any entry
// stuck in sending was in-flight when the server died, and since the outcome
// is unknowable it is reset to pending for redelivery. Sent markers from the
// previous life have served their purpose and are pruned here.
func (q *Queue) Recover() (*RecoverResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var persisted []*Entry
	if err := atomicfile.ReadJSON(q.path, &persisted); err != nil {
		if os.IsNotExist(err) {
			return &RecoverResult{}, nil
		}
		return nil, fmt.Errorf("load callback queue: %w", err)
	}

	res := &RecoverResult{}
	for _, e := range persisted {
		if e.Status == model.CallbackSent {
			res.PrunedSent++
			continue
		}
		if e.Status == model.CallbackSending {
			e.Status = model.CallbackPending
			e.NextAttemptAt = time.Now().UTC()
			e.UpdatedAt = time.Now().UTC()
			res.ResetSending++
			q.log(logging.Warn, "recover reset in-flight callback=%s job=%s", e.ID, e.JobID)
		}
		q.entries[e.ID] = e
		res.Loaded++
	}

	if res.ResetSending > 0 || res.PrunedSent > 0 {
		if err := q.persistLocked(); err != nil {
			return nil, err
		}
	}
	q.log(logging.Info, "callback recovery loaded=%d reset=%d pruned_sent=%d",
		res.Loaded, res.ResetSending, res.PrunedSent)
	return res, nil
}

// Enqueue adds one pending delivery per callback target of the job event.
func (q *Queue) Enqueue(job *model.Job, event string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	var added []string
	for _, target := range job.Callbacks {
		if target.Event != "" && target.Event != event {
			continue
		}
		e := &Entry{
			ID:            uuid.NewString(),
			JobID:         job.ID,
			URL:           target.URL,
			Event:         event,
			Status:        model.CallbackPending,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		q.entries[e.ID] = e
		added = append(added, e.ID)
	}
	if len(added) == 0 {
		return nil
	}

	if err := q.persistLocked(); err != nil {
		for _, id := range added {
			delete(q.entries, id)
		}
		return fmt.Errorf("persist callback queue: %w", err)
	}
	q.log(logging.Debug, "enqueue job=%s event=%s callbacks=%d", job.ID, event, len(added))
	return nil
}

// DeliverDue attempts every entry whose retry time has arrived. It returns
// the number of successful deliveries.
func (q *Queue) DeliverDue(ctx context.Context) int {
	now := time.Now().UTC()

	q.mu.Lock()
	var due []*Entry
	for _, e := range q.entries {
		if (e.Status == model.CallbackPending || e.Status == model.CallbackRetrying) && !e.NextAttemptAt.After(now) {
			due = append(due, e)
		}
	}
	q.mu.Unlock()

	// Oldest first, so retries do not starve behind a burst of new entries.
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })

	sent := 0
	for _, e := range due {
		if ctx.Err() != nil {
			break
		}
		if q.deliverOne(ctx, e) {
			sent++
		}
	}
	return sent
}

// deliverOne marks the entry sending and persists that fact before touching
// the network. The persisted sending status is what makes a crash mid-request
// recoverable.
func (q *Queue) deliverOne(ctx context.Context, e *Entry) bool {
	q.mu.Lock()
	if err := q.setStatusLocked(e, model.CallbackSending); err != nil {
		q.mu.Unlock()
		q.log(logging.Error, "mark sending callback=%s error=%v", e.ID, err)
		return false
	}
	q.mu.Unlock()

	err := q.transport.Deliver(ctx, e)

	q.mu.Lock()
	defer q.mu.Unlock()

	if err == nil {
		now := time.Now().UTC()
		e.SentAt = &now
		e.Attempts++
		if serr := q.setStatusLocked(e, model.CallbackSent); serr != nil {
			q.log(logging.Error, "mark sent callback=%s error=%v", e.ID, serr)
		}
		q.log(logging.Info, "delivered callback=%s job=%s event=%s attempts=%d", e.ID, e.JobID, e.Event, e.Attempts)
		return true
	}

	e.Attempts++
	e.LastError = err.Error()
	if e.Attempts >= q.cfg.MaxRetries {
		if serr := q.setStatusLocked(e, model.CallbackFailed); serr != nil {
			q.log(logging.Error, "mark failed callback=%s error=%v", e.ID, serr)
		}
		q.log(logging.Warn, "callback exhausted retries callback=%s job=%s attempts=%d error=%v",
			e.ID, e.JobID, e.Attempts, err)
		return false
	}

	e.NextAttemptAt = time.Now().UTC().Add(q.backoff(e.Attempts))
	if serr := q.setStatusLocked(e, model.CallbackRetrying); serr != nil {
		q.log(logging.Error, "mark retrying callback=%s error=%v", e.ID, serr)
	}
	q.log(logging.Debug, "callback retry scheduled callback=%s attempt=%d next=%s error=%v",
		e.ID, e.Attempts, e.NextAttemptAt.Format(time.RFC3339), err)
	return false
}

// backoff returns the delay before the next attempt. The last configured step
// repeats once the schedule is exhausted.
func (q *Queue) backoff(attempts int) time.Duration {
	steps := q.cfg.BackoffStepsSec
	idx := attempts - 1
	if idx >= len(steps) {
		idx = len(steps) - 1
	}
	return time.Duration(steps[idx]) * time.Second
}

func (q *Queue) setStatusLocked(e *Entry, to model.CallbackStatus) error {
	if err := model.ValidateCallbackTransition(e.Status, to); err != nil {
		return err
	}
	e.Status = to
	e.UpdatedAt = time.Now().UTC()
	return q.persistLocked()
}

func (q *Queue) persistLocked() error {
	entries := make([]*Entry, 0, len(q.entries))
	for _, e := range q.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
	return atomicfile.WriteJSON(q.path, entries)
}

// Run delivers due callbacks on a fixed interval until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	interval := time.Duration(q.cfg.DeliveryIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.DeliverDue(ctx)
		}
	}
}

// Pending returns the non-terminal entries, oldest first.
func (q *Queue) Pending() []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Entry
	for _, e := range q.entries {
		if !model.IsCallbackTerminal(e.Status) {
			copied := *e
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Failed returns entries that exhausted their retries.
func (q *Queue) Failed() []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Entry
	for _, e := range q.entries {
		if e.Status == model.CallbackFailed {
			copied := *e
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (q *Queue) log(level logging.Level, format string, args ...any) {
	if level < q.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	q.logger.Printf("%s %s callback: %s", time.Now().Format(time.RFC3339), level, msg)
}
