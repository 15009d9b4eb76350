// Package server exposes the executors, schedulers and quota tracker to the
// dashboard: a JSON API under /api and an event stream on /ws.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/engage/errors"
	"github.com/teranos/engage/logger"
	"github.com/teranos/engage/pulse/executor"
	"github.com/teranos/engage/pulse/quota"
	"github.com/teranos/engage/pulse/run"
	"github.com/teranos/engage/pulse/schedule"
	"github.com/teranos/engage/store"
)

// Deps are the components the server exposes. Executors and Schedulers are
// keyed by family; a family missing from a map answers 404.
type Deps struct {
	Executors  map[run.Family]*executor.Executor
	Schedulers map[run.Family]*schedule.Scheduler
	Store      store.Store
	History    *run.History
	Quota      *quota.Tracker
	Executions *schedule.ExecutionLog
	// Hub must be the same hub the executors and schedulers emit to.
	// The server creates one when nil.
	Hub            *Hub
	AllowedOrigins []string
	Logger         *zap.SugaredLogger
	Clock          func() time.Time
}

// Server is the dashboard API server.
type Server struct {
	executors      map[run.Family]*executor.Executor
	schedulers     map[run.Family]*schedule.Scheduler
	store          store.Store
	history        *run.History
	quota          *quota.Tracker
	executions     *schedule.ExecutionLog
	hub            *Hub
	allowedOrigins []string
	logger         *zap.SugaredLogger
	timeNow        func() time.Time

	// runCtx outlives HTTP requests; runs started over the API use it.
	runCtx context.Context
	cancel context.CancelFunc

	handler http.Handler
}

// New wires a server. Call Handler for tests or ListenAndServe to serve.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = logger.ComponentLogger("server")
	}
	if deps.Hub == nil {
		deps.Hub = NewHub(deps.Logger)
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		executors:      deps.Executors,
		schedulers:     deps.Schedulers,
		store:          deps.Store,
		history:        deps.History,
		quota:          deps.Quota,
		executions:     deps.Executions,
		hub:            deps.Hub,
		allowedOrigins: deps.AllowedOrigins,
		logger:         deps.Logger,
		timeNow:        deps.Clock,
		runCtx:         ctx,
		cancel:         cancel,
	}
	s.handler = s.routes()
	return s
}

// Handler is the full HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Hub is the event hub the server broadcasts through.
func (s *Server) Hub() *Hub { return s.hub }

// ListenAndServe runs the hub and the HTTP server until ctx is cancelled,
// then shuts down gracefully. Runs in flight are asked to stop.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// The hub outlives ctx so the final run_state of stopped runs still goes out.
	hubCtx, stopHub := context.WithCancel(context.WithoutCancel(ctx))
	defer stopHub()
	go s.hub.Run(hubCtx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("Dashboard API listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return errors.Wrapf(err, "failed to listen on port %d", port)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "failed to shut down HTTP server")
	}
	s.logger.Infow("Dashboard API stopped")
	return nil
}

// Shutdown asks every run in flight to stop and waits for them to finalize
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) {
	for family, ex := range s.executors {
		if res := ex.Stop(); res.Stopped {
			s.logger.Infow("Stopping run for shutdown", logger.FieldFamily, family, logger.FieldRunID, res.SessionID)
		}
	}
	for family, ex := range s.executors {
		if _, err := ex.Wait(ctx); err != nil {
			s.logger.Warnw("Run did not finish before shutdown", logger.FieldFamily, family, "error", err)
		}
	}
	s.cancel()
}

func (s *Server) executor(family run.Family) (*executor.Executor, error) {
	ex, ok := s.executors[family]
	if !ok {
		return nil, errors.NewNotFoundError("no executor for family %s", family)
	}
	return ex, nil
}

func (s *Server) scheduler(family run.Family) (*schedule.Scheduler, error) {
	sc, ok := s.schedulers[family]
	if !ok {
		return nil, errors.NewNotFoundError("no scheduler for family %s", family)
	}
	return sc, nil
}
