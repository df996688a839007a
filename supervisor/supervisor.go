// Package supervisor wires portcache's components together into a
// runnable process: it builds RepoDB, BlobStorage, the Fetcher, the
// RepoSyncer, the HTTP front-end, and the debug/metrics server, then
// owns their lifecycle from startup through graceful shutdown.
//
// The shape — a NewRegistry-style constructor, a Run loop that drains
// connections for a configured timeout on shutdown, and a separate
// debug server carrying docker/go-metrics — is grounded directly on
// distribution/distribution's registry/registry.go.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/docker/go-metrics"
	gorhandlers "github.com/gorilla/handlers"
	"github.com/sirupsen/logrus"

	"github.com/xarblu/portcache/configuration"
	"github.com/xarblu/portcache/frontend"
	"github.com/xarblu/portcache/health"
	"github.com/xarblu/portcache/health/checks"
	"github.com/xarblu/portcache/internal/dcontext"
	"github.com/xarblu/portcache/recipe"
	"github.com/xarblu/portcache/repodb"
	"github.com/xarblu/portcache/reposync"
	"github.com/xarblu/portcache/storage"
)

var fetcherNamespace = metrics.NewNamespace("portcache", "fetcher", nil)

var fetchAttempts = fetcherNamespace.NewLabeledCounter(
	"attempts_total", "outbound fetch attempts by outcome", "outcome",
)

func init() {
	metrics.Register(fetcherNamespace)
}

// metricsAdapter satisfies storage.FetcherMetrics over the
// docker/go-metrics labeled counter registered above.
type metricsAdapter struct{}

func (metricsAdapter) ObserveAttempt(outcome string) {
	fetchAttempts.WithValues(outcome).Inc()
}

// Supervisor owns one running instance of portcache: its background
// syncer loop, its HTTP server, and its debug/metrics server.
type Supervisor struct {
	config *configuration.Configuration
	db     *repodb.DB
	syncer *reposync.Syncer
	server *http.Server
}

// New constructs every component described by SPEC_FULL.md from cfg,
// rooted at cfg.Storage.Location, and returns a Supervisor ready to
// Run. ctx's logger becomes every component's ambient logger.
func New(ctx context.Context, cfg *configuration.Configuration) (*Supervisor, error) {
	if err := os.MkdirAll(cfg.Storage.Location, 0o755); err != nil {
		return nil, fmt.Errorf("supervisor: creating storage root: %w", err)
	}

	db, err := repodb.Open(cfg.Storage.Location + "/db.sqlite3")
	if err != nil {
		return nil, fmt.Errorf("supervisor: opening repodb: %w", err)
	}

	fetcher, err := storage.NewFetcher(
		cfg.Storage.Location,
		cfg.Fetcher.Mirrors,
		db,
		storage.WithLayoutTimeout(cfg.Fetcher.LayoutTimeout),
		storage.WithMetrics(metricsAdapter{}),
		storage.WithHTTPClient(&http.Client{
			Timeout: cfg.Fetcher.TotalTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: cfg.Fetcher.ConnectTimeout}).DialContext,
			},
		}),
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("supervisor: constructing fetcher: %w", err)
	}

	blobs := storage.NewBlobStorage(cfg.Storage.Location, fetcher)

	parser := recipe.NewParser("")
	syncer, err := reposync.New(ctx, cfg.Storage.Location, cfg.Repo.Repos, db, parser,
		reposync.WithInterval(time.Duration(cfg.Repo.SyncInterval)*time.Minute))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("supervisor: constructing repo syncer: %w", err)
	}

	health.Register("repodb", checks.DBChecker(db.Underlying()))
	health.Register("storage", checks.StorageChecker(cfg.Storage.Location))

	var handler http.Handler = frontend.NewRouter(blobs)
	handler = health.Handler(handler)
	handler = panicRecovery(handler)
	handler = gorhandlers.CombinedLoggingHandler(os.Stdout, handler)

	return &Supervisor{
		config: cfg,
		db:     db,
		syncer: syncer,
		server: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port),
			Handler: handler,
		},
	}, nil
}

// Run starts the background repo-sync loop and serves HTTP until ctx is
// cancelled, then drains in-flight requests for up to
// cfg.Server.DrainTimeout before returning.
func (s *Supervisor) Run(ctx context.Context) error {
	logger := dcontext.GetLogger(ctx)

	if s.config.Debug.Address != "" {
		go s.runDebugServer(ctx)
	}

	syncErr := make(chan error, 1)
	go func() { syncErr <- s.syncer.Start(ctx) }()

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.server.ListenAndServe() }()
	logger.Infof("supervisor: listening on %s", s.server.Addr)

	select {
	case <-ctx.Done():
		logger.Info("supervisor: shutting down, draining connections")
		drainCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.DrainTimeout)
		defer cancel()
		err := s.server.Shutdown(drainCtx)
		<-syncErr
		return errors.Join(err, s.db.Close())
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return errors.Join(err, s.db.Close())
	}
}

func (s *Supervisor) runDebugServer(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/health", health.StatusHandler)
	mux.Handle(s.config.Debug.PrometheusPath, metrics.Handler())

	srv := &http.Server{Addr: s.config.Debug.Address, Handler: mux}
	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(c)
	}()

	dcontext.GetLogger(ctx).Infof("supervisor: debug server listening on %s", s.config.Debug.Address)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		dcontext.GetLogger(ctx).Warnf("supervisor: debug server: %v", err)
	}
}

// panicRecovery turns a handler panic into a 500 instead of crashing
// the process, the same middleware distribution/distribution's
// registry.go wraps every request in.
func panicRecovery(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logrus.Errorf("supervisor: panic handling %s %s: %v", r.Method, r.URL.Path, err)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		handler.ServeHTTP(w, r)
	})
}

// ConfigureLogging sets up logrus the way
// distribution/distribution's configureLogging does: level, formatter,
// and optional caller reporting, all sourced from cfg.Log.
func ConfigureLogging(cfg *configuration.Configuration) error {
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetReportCaller(cfg.Log.ReportCaller)

	switch cfg.Log.Formatter {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	case "text", "":
		logrus.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		return fmt.Errorf("supervisor: unsupported log formatter %q", cfg.Log.Formatter)
	}
	return nil
}
