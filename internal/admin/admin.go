// Package admin exposes the operator-facing HTTP surface. It is deliberately
// tiny: the one endpoint answers "what happened at the last startup".
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/msageha/batchd/internal/logging"
	"github.com/msageha/batchd/internal/recovery"
)

// StartupLogResponse is the body of GET /admin/startup-log.
type StartupLogResponse struct {
	Current            *recovery.StartupLog   `json:"current"`
	History            []*recovery.StartupLog `json:"history"`
	DegradedMode       bool                   `json:"degraded_mode"`
	CorruptedResources []string               `json:"corrupted_resources"`
}

// Server serves the admin API on a loopback address.
type Server struct {
	addr  string
	orch  *recovery.Orchestrator
	srv   *http.Server
	bound net.Addr

	logger   *log.Logger
	logLevel logging.Level
}

func NewServer(addr string, orch *recovery.Orchestrator, logger *log.Logger, logLevel logging.Level) *Server {
	s := &Server{
		addr:     addr,
		orch:     orch,
		logger:   logger,
		logLevel: logLevel,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/startup-log", s.handleStartupLog)
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start begins serving. It returns once the listener is bound; serve errors
// after that are logged, not returned.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen admin %s: %w", s.addr, err)
	}
	s.bound = ln.Addr()
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log(logging.Error, "serve error=%v", err)
		}
	}()
	s.log(logging.Info, "admin listening addr=%s", ln.Addr())
	return nil
}

// Addr returns the bound listen address, nil before Start.
func (s *Server) Addr() net.Addr {
	return s.bound
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleStartupLog(w http.ResponseWriter, _ *http.Request) {
	current := s.orch.Current()
	resp := StartupLogResponse{
		Current:            current,
		History:            s.orch.History(),
		CorruptedResources: []string{},
	}
	if current != nil {
		resp.DegradedMode = current.DegradedMode
		if corrupted := current.CorruptedResources(); corrupted != nil {
			resp.CorruptedResources = corrupted
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log(logging.Error, "encode startup-log error=%v", err)
	}
}

func (s *Server) log(level logging.Level, format string, args ...any) {
	if level < s.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	s.logger.Printf("%s %s admin: %s", time.Now().Format(time.RFC3339), level, msg)
}
