package recovery

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/msageha/batchd/internal/atomicfile"
	"github.com/msageha/batchd/internal/logging"
	"github.com/msageha/batchd/internal/model"
)

// MarkerFileName flags a startup in progress. Finding it at boot means the
// previous startup itself was interrupted; it is diagnostic only and never
// changes recovery behavior, since every phase is idempotent anyway.
const MarkerFileName = ".startup-in-progress"

// Orchestrator runs registered phases in dependency order, phases with
// satisfied dependencies concurrently. A critical phase failure aborts
// startup; anything else degrades it and the server comes up.
type Orchestrator struct {
	dataDir string
	cfg     model.RecoveryConfig
	phases  []Phase

	logger   *log.Logger
	logLevel logging.Level

	mu      sync.Mutex
	current *StartupLog
	history []*StartupLog
}

func New(dataDir string, cfg model.RecoveryConfig, logger *log.Logger, logLevel logging.Level) *Orchestrator {
	return &Orchestrator{
		dataDir:  dataDir,
		cfg:      cfg,
		logger:   logger,
		logLevel: logLevel,
	}
}

// Register adds a phase. All registration happens before Run.
func (o *Orchestrator) Register(p Phase) {
	o.phases = append(o.phases, p)
}

// Current returns the log of the most recent startup, or nil before Run.
func (o *Orchestrator) Current() *StartupLog {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// History returns past startup logs, oldest first.
func (o *Orchestrator) History() []*StartupLog {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*StartupLog, len(o.history))
	copy(out, o.history)
	return out
}

func (o *Orchestrator) markerPath() string {
	return filepath.Join(o.dataDir, MarkerFileName)
}

// Run executes every registered phase and returns the startup log. The log
// is persisted to the bounded history file even when startup aborts, so a
// crash loop leaves evidence behind.
func (o *Orchestrator) Run(ctx context.Context) (*StartupLog, error) {
	startupLog := &StartupLog{StartedAt: time.Now().UTC()}

	if _, err := os.Stat(o.markerPath()); err == nil {
		startupLog.PreviousInterrupted = true
		o.log(logging.Warn, "previous startup was interrupted (marker present)")
	}
	if err := atomicfile.Write(o.markerPath(), []byte(startupLog.StartedAt.Format(time.RFC3339)+"\n")); err != nil {
		return nil, fmt.Errorf("write startup marker: %w", err)
	}

	order, err := topoSort(o.phases)
	if err != nil {
		return nil, fmt.Errorf("order recovery phases: %w", err)
	}

	done := make(map[string]chan struct{}, len(order))
	for _, p := range order {
		done[p.Name] = make(chan struct{})
	}

	var (
		entriesMu sync.Mutex
		entries   = make([]LogEntry, len(order))
		ran       = make([]bool, len(order))
		degraded  bool
	)
	timeout := time.Duration(o.cfg.PhaseTimeoutSec) * time.Second

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range order {
		i, p := i, p
		g.Go(func() error {
			defer close(done[p.Name])

			for _, dep := range p.DependsOn {
				select {
				case <-done[dep]:
				case <-gctx.Done():
					return gctx.Err()
				}
			}

			pctx, cancel := context.WithTimeout(gctx, timeout)
			start := time.Now()
			report, runErr := p.Run(pctx)
			cancel()

			entry := LogEntry{
				Component:          p.Name,
				Operation:          "recover",
				Timestamp:          start.UTC(),
				DurationMs:         time.Since(start).Milliseconds(),
				SuccessCount:       report.SuccessCount,
				FailureCount:       report.FailureCount,
				Degraded:           report.Degraded,
				CorruptedResources: report.CorruptedResources,
			}
			if runErr != nil {
				entry.Error = runErr.Error()
				if !p.Critical {
					entry.Degraded = true
				}
			}

			entriesMu.Lock()
			entries[i] = entry
			ran[i] = true
			if entry.Degraded || len(entry.CorruptedResources) > 0 {
				degraded = true
			}
			entriesMu.Unlock()

			if runErr != nil {
				if p.Critical {
					o.log(logging.Error, "critical phase failed phase=%s error=%v", p.Name, runErr)
					return fmt.Errorf("critical phase %s: %w", p.Name, runErr)
				}
				o.log(logging.Warn, "phase degraded phase=%s error=%v", p.Name, runErr)
				return nil
			}

			o.log(logging.Info, "phase done phase=%s duration_ms=%d ok=%d failed=%d degraded=%t",
				p.Name, entry.DurationMs, entry.SuccessCount, entry.FailureCount, entry.Degraded)
			return nil
		})
	}
	runErr := g.Wait()

	entriesMu.Lock()
	for i := range entries {
		if ran[i] {
			startupLog.Entries = append(startupLog.Entries, entries[i])
		}
	}
	startupLog.DegradedMode = degraded
	entriesMu.Unlock()

	startupLog.FinishedAt = time.Now().UTC()
	startupLog.DurationMs = startupLog.FinishedAt.Sub(startupLog.StartedAt).Milliseconds()
	startupLog.Aborted = runErr != nil

	o.mu.Lock()
	o.history = loadHistory(filepath.Join(o.dataDir, HistoryFileName))
	history, histErr := saveHistory(filepath.Join(o.dataDir, HistoryFileName), o.history, startupLog, o.cfg.HistoryLimit)
	if histErr != nil {
		o.log(logging.Error, "persist history error=%v", histErr)
	}
	o.history = history
	o.current = startupLog
	o.mu.Unlock()

	if runErr != nil {
		// The marker stays behind: an aborted startup is an interrupted one.
		return startupLog, runErr
	}
	if err := os.Remove(o.markerPath()); err != nil && !os.IsNotExist(err) {
		o.log(logging.Error, "remove startup marker error=%v", err)
	}

	o.log(logging.Info, "startup complete duration_ms=%d phases=%d degraded=%t",
		startupLog.DurationMs, len(startupLog.Entries), startupLog.DegradedMode)
	return startupLog, nil
}

func (o *Orchestrator) log(level logging.Level, format string, args ...any) {
	if level < o.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	o.logger.Printf("%s %s recovery: %s", time.Now().Format(time.RFC3339), level, msg)
}
