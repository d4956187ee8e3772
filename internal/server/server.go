// Package server wires the crash-resilience components into the batchd
// daemon: one process owns the data directory, recovers it at startup, and
// serializes all queue mutations through a single processor loop.
package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/batchd/internal/admin"
	"github.com/msageha/batchd/internal/atomicfile"
	"github.com/msageha/batchd/internal/callback"
	"github.com/msageha/batchd/internal/lockfile"
	"github.com/msageha/batchd/internal/logging"
	"github.com/msageha/batchd/internal/model"
	"github.com/msageha/batchd/internal/orphan"
	"github.com/msageha/batchd/internal/queue"
	"github.com/msageha/batchd/internal/recovery"
	"github.com/msageha/batchd/internal/sentinel"
	"github.com/msageha/batchd/internal/store"
)

// Server is the batchd daemon process.
type Server struct {
	dataDir  string
	config   model.Config
	logLevel logging.Level
	logger   *log.Logger
	logFile  io.Closer

	fileLock  *FileLock
	store     *store.Store
	queue     *queue.Queue
	stats     *queue.StatsManager
	locks     *lockfile.Manager
	waits     *lockfile.WaitRegistry
	callbacks *callback.Queue
	scanner   *orphan.Scanner
	orch      *recovery.Orchestrator
	adminSrv  *admin.Server
	watcher   *fsnotify.Watcher

	executor Executor

	jobsMu  sync.Mutex
	jobs    map[string]*model.Job
	cancels map[string]context.CancelFunc

	wake chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once

	forceExit atomic.Bool
}

// New creates a Server logging to logs/batchd.log under the data dir.
func New(dataDir string, cfg model.Config) (*Server, error) {
	logPath := filepath.Join(dataDir, "logs", "batchd.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open server log: %w", err)
	}
	return newServer(dataDir, cfg, logFile, logFile)
}

// newServer is the internal constructor for testing.
func newServer(dataDir string, cfg model.Config, w io.Writer, closer io.Closer) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())
	logLevel := logging.Parse(cfg.Logging.Level)
	logger := log.New(w, "", 0)

	st, err := store.New(filepath.Join(dataDir, "jobs"))
	if err != nil {
		cancel()
		return nil, err
	}
	locks, err := lockfile.NewManager(filepath.Join(dataDir, "locks"), cfg.Locks, logger, logLevel)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &Server{
		dataDir:  dataDir,
		config:   cfg,
		logLevel: logLevel,
		logger:   logger,
		logFile:  closer,
		fileLock: NewFileLock(filepath.Join(dataDir, "batchd.lock")),
		store:    st,
		queue:    queue.New(dataDir, cfg.Queue, logger, logLevel),
		stats:    queue.NewStatsManager(filepath.Join(dataDir, "statistics.json"), cfg.Queue.StatsHistorySize),
		locks:    locks,
		jobs:     make(map[string]*model.Job),
		cancels:  make(map[string]context.CancelFunc),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.waits = lockfile.NewWaitRegistry(st, logger, logLevel)
	s.callbacks = callback.NewQueue(
		filepath.Join(dataDir, callback.QueueFileName),
		cfg.Callbacks,
		callback.NewHTTPTransport(time.Duration(cfg.Callbacks.RequestTimeoutSec)*time.Second),
		logger, logLevel)
	s.scanner = orphan.NewScanner(s.workspacesDir(), cfg.Orphans, cfg.Heartbeat,
		orphan.DirCleaner{}, logger, logLevel)
	s.orch = recovery.New(dataDir, cfg.Recovery, logger, logLevel)
	s.adminSrv = admin.NewServer(cfg.Server.AdminAddr, s.orch, logger, logLevel)
	return s, nil
}

// SetExecutor wires the job execution engine. Must be called before Run.
func (s *Server) SetExecutor(e Executor) {
	s.executor = e
}

func (s *Server) workspacesDir() string {
	return filepath.Join(s.dataDir, "workspaces")
}

// Run starts the daemon and blocks until shutdown completes.
func (s *Server) Run() error {
	if err := s.start(); err != nil {
		return err
	}
	s.waitSignals()
	return nil
}

// start brings the server up: singleton lock, temp-file cleanup, recovery,
// admin API, background loops. Split from Run so tests can drive the
// lifecycle without signals.
func (s *Server) start() error {
	if s.executor == nil {
		return fmt.Errorf("no executor configured")
	}
	if err := s.fileLock.TryLock(); err != nil {
		return fmt.Errorf("server lock: %w", err)
	}
	s.log(logging.Info, "server starting pid=%d data_dir=%s", os.Getpid(), s.dataDir)

	if err := os.MkdirAll(s.workspacesDir(), 0755); err != nil {
		s.cleanup()
		return fmt.Errorf("ensure workspaces dir: %w", err)
	}

	// Interrupted atomic writes must vanish before anything reads its files.
	removed, err := atomicfile.CleanupTemp(s.dataDir)
	if err != nil {
		s.cleanup()
		return fmt.Errorf("cleanup temp files: %w", err)
	}
	if len(removed) > 0 {
		s.log(logging.Warn, "removed %d interrupted temp files", len(removed))
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.cleanup()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	s.watcher = watcher

	s.registerPhases()
	if _, err := s.orch.Run(s.ctx); err != nil {
		s.cleanup()
		return fmt.Errorf("startup recovery: %w", err)
	}

	if err := s.adminSrv.Start(); err != nil {
		s.cleanup()
		return fmt.Errorf("start admin server: %w", err)
	}

	s.wg.Add(5)
	go s.processorLoop()
	go s.sweepLoop()
	go s.fsnotifyLoop()
	go func() {
		defer s.wg.Done()
		s.queue.Run(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.callbacks.Run(s.ctx)
	}()

	s.wakeProcessor()
	s.log(logging.Info, "server ready queued=%d running=%d",
		len(s.queue.Pending()), len(s.queue.Running()))
	return nil
}

// fsnotifyLoop reacts to sentinel file changes in watched workspaces: a
// deleted sentinel means a job finished or died, so the sweep should look now
// instead of waiting for its next tick.
func (s *Server) fsnotifyLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != sentinel.FileName {
				continue
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				s.log(logging.Debug, "sentinel removed file=%s", event.Name)
				s.sweepOnce()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log(logging.Error, "fsnotify error=%v", err)
		}
	}
}

// waitSignals blocks until a shutdown signal is received.
func (s *Server) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	s.log(logging.Info, "received signal=%s, initiating graceful shutdown", sig)

	// Second signal → force exit
	go func() {
		<-sigCh
		s.log(logging.Warn, "received second signal, forcing exit")
		s.forceExit.Store(true)
		os.Exit(1)
	}()

	s.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (s *Server) Shutdown() {
	s.shutdown.Do(func() {
		s.log(logging.Info, "shutdown started")

		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			time.Duration(s.config.Daemon.ShutdownTimeoutSec)*time.Second)
		defer cancel()

		if s.adminSrv != nil {
			if err := s.adminSrv.Shutdown(shutdownCtx); err != nil {
				s.log(logging.Warn, "admin shutdown error=%v", err)
			}
		}

		s.cancel()
		if s.watcher != nil {
			s.watcher.Close()
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			s.log(logging.Info, "all goroutines drained")
		case <-shutdownCtx.Done():
			s.log(logging.Warn, "shutdown timeout, some operations may be incomplete")
		}

		if err := s.queue.Close(); err != nil {
			s.log(logging.Error, "queue close error=%v", err)
		}

		s.cleanup()
		s.log(logging.Info, "server stopped")
	})
}

// cleanup releases resources.
func (s *Server) cleanup() {
	s.fileLock.Unlock()
	if s.logFile != nil {
		s.logFile.Close()
	}
}

func (s *Server) wakeProcessor() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Server) getJob(jobID string) (*model.Job, bool) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	job, ok := s.jobs[jobID]
	return job, ok
}

func (s *Server) putJob(job *model.Job) {
	s.jobsMu.Lock()
	s.jobs[job.ID] = job
	s.jobsMu.Unlock()
}

// liveJobIDs returns the IDs of every non-terminal job.
func (s *Server) liveJobIDs() map[string]bool {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	out := make(map[string]bool, len(s.jobs))
	for id, job := range s.jobs {
		if !model.IsJobTerminal(job.Status) {
			out[id] = true
		}
	}
	return out
}

func (s *Server) log(level logging.Level, format string, args ...any) {
	if level < s.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	s.logger.Printf("%s %s server: %s", time.Now().Format(time.RFC3339), level, msg)
}
