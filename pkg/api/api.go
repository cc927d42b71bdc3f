// Package api serves the benchmark registries, run documents, live
// progress and the leaderboard over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/forgis/factorybench/pkg/api/indexer"
	"github.com/forgis/factorybench/pkg/api/indexstore"
	"github.com/forgis/factorybench/pkg/config"
	"github.com/forgis/factorybench/pkg/cost"
	"github.com/forgis/factorybench/pkg/dataset"
	"github.com/forgis/factorybench/pkg/executor"
	"github.com/forgis/factorybench/pkg/progress"
	"github.com/forgis/factorybench/pkg/runstore"
	"github.com/forgis/factorybench/pkg/upload"
	"github.com/sirupsen/logrus"
)

const (
	shutdownTimeout = 10 * time.Second

	defaultIndexingInterval = 60 * time.Second
)

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
	// Handler returns the router. It is built by Start.
	Handler() http.Handler
}

// Deps are the shared components the server drives. Presigner is nil
// unless run documents are mirrored to S3.
type Deps struct {
	Config    *config.Config
	Tracker   *progress.Tracker
	Runs      runstore.Store
	Executor  executor.Executor
	Loader    dataset.Loader
	Costs     *cost.Table
	Presigner *upload.Presigner
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log      logrus.FieldLogger
	cfg      *config.APIConfig
	root     *config.Config
	tracker  *progress.Tracker
	runs     runstore.Store
	executor executor.Executor
	loader   dataset.Loader
	costs    *cost.Table
	presign  *upload.Presigner

	users        map[string][]byte
	pollInterval time.Duration

	indexStore indexstore.Store
	indexer    indexer.Indexer

	router     http.Handler
	httpServer *http.Server
	wg         sync.WaitGroup

	// Background runs outlive their request and are cancelled on Stop.
	runCtx    context.Context
	runCancel context.CancelFunc
	runWg     sync.WaitGroup
	runMu     sync.Mutex
	createMu  sync.Mutex

	now func() time.Time
}

// NewServer creates a new API server. deps.Config.API must be set.
func NewServer(log logrus.FieldLogger, deps *Deps) Server {
	runCtx, runCancel := context.WithCancel(context.Background())

	return &server{
		log:       log.WithField("component", "api"),
		cfg:       deps.Config.API,
		root:      deps.Config,
		tracker:   deps.Tracker,
		runs:      deps.Runs,
		executor:  deps.Executor,
		loader:    deps.Loader,
		costs:     deps.Costs,
		presign:   deps.Presigner,
		runCtx:    runCtx,
		runCancel: runCancel,
		now:       time.Now,
	}
}

// Start prepares auth and indexing, builds the router and serves HTTP.
// The index store is started before the router is built so the
// leaderboard can read from it; the indexer starts once listening.
func (s *server) Start(ctx context.Context) error {
	if err := s.prepare(ctx); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", ln.Addr().String()).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	if s.indexer != nil {
		if err := s.indexer.Start(ctx); err != nil {
			return fmt.Errorf("starting indexer: %w", err)
		}
	}

	return nil
}

// prepare sets up everything except the listener.
func (s *server) prepare(ctx context.Context) error {
	users, err := hashUsers(s.cfg.Auth.Basic)
	if err != nil {
		return fmt.Errorf("preparing basic auth: %w", err)
	}

	s.users = users

	s.pollInterval, err = time.ParseDuration(s.cfg.Server.ProgressPollInterval)
	if err != nil || s.pollInterval <= 0 {
		s.pollInterval = time.Second
	}

	if s.cfg.Indexing != nil && s.cfg.Indexing.Enabled {
		if err := s.prepareIndexing(ctx); err != nil {
			return fmt.Errorf("preparing indexing: %w", err)
		}
	}

	s.router = s.buildRouter()

	return nil
}

func (s *server) Handler() http.Handler {
	return s.router
}

// Stop interrupts background runs, then shuts down the HTTP server and
// the indexing service.
func (s *server) Stop() error {
	s.runMu.Lock()
	s.runCancel()
	s.runMu.Unlock()

	s.runWg.Wait()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	if s.indexer != nil {
		if err := s.indexer.Stop(); err != nil {
			s.log.WithError(err).Warn("Indexer stop error")
		}
	}

	if s.indexStore != nil {
		if err := s.indexStore.Stop(); err != nil {
			s.log.WithError(err).Warn("Index store stop error")
		}
	}

	s.log.Info("API server stopped")

	return nil
}

// prepareIndexing creates and starts the index store and creates the
// indexer without starting its background goroutine.
func (s *server) prepareIndexing(ctx context.Context) error {
	s.indexStore = indexstore.NewStore(s.log, &s.cfg.Indexing.Database)

	if err := s.indexStore.Start(ctx); err != nil {
		return fmt.Errorf("starting index store: %w", err)
	}

	interval := defaultIndexingInterval

	if s.cfg.Indexing.Interval != "" {
		d, err := time.ParseDuration(s.cfg.Indexing.Interval)
		if err != nil {
			return fmt.Errorf("parsing indexing interval: %w", err)
		}

		interval = d
	}

	s.indexer = indexer.NewIndexer(
		s.log, s.indexStore, s.runs, interval, s.cfg.Indexing.Concurrency,
	)

	s.log.Info("Indexing service enabled")

	return nil
}

// launch runs fn on a tracked goroutine bound to the server's run
// context. It returns false once the server is stopping.
func (s *server) launch(fn func(ctx context.Context)) bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.runCtx.Err() != nil {
		return false
	}

	s.runWg.Add(1)

	go func() {
		defer s.runWg.Done()

		fn(s.runCtx)
	}()

	return true
}
