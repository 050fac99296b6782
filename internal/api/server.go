// Package api serves the resource API: read-only views over the files the
// trading process writes, the control writes for the kill switch and
// capital allocation, and the /ws/spy live feed.
//
// Reads never fail because of missing or corrupt data. Snapshot routes
// answer {} and list routes answer [] until the producer has written
// something usable.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"qalgo-terminal/internal/common"
	"qalgo-terminal/internal/resource"
	"qalgo-terminal/internal/storage"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ErrNotObject rejects control writes whose body is not a JSON object.
var ErrNotObject = errors.New(common.ErrMsgNotObject)

// Metrics is the subset of metrics.MetricsWrapper the API reports to.
type Metrics interface {
	ObserveRequest(route, method string, code int, d time.Duration)
	StoreReadErrorInc()
	RecordsSkippedAdd(n int)
	ControlWriteInc(resource string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveRequest(string, string, int, time.Duration) {}
func (nopMetrics) StoreReadErrorInc()                                {}
func (nopMetrics) RecordsSkippedAdd(int)                             {}
func (nopMetrics) ControlWriteInc(string)                            {}

// Options wires a Server to its collaborators. Journal and Feed are
// optional; their routes are left out when nil.
type Options struct {
	Store      storage.Store
	Registry   *resource.Registry
	Journal    *storage.Journal
	Feed       http.Handler
	Metrics    Metrics
	WebDir     string
	WriteRPS   float64
	WriteBurst int
}

// Server is the HTTP front of the resource API.
type Server struct {
	store    storage.Store
	registry *resource.Registry
	journal  *storage.Journal
	feed     http.Handler
	metrics  Metrics
	webDir   string
	limiter  *rate.Limiter
	router   *mux.Router
	handler  http.Handler
	now      func() time.Time

	statusMu sync.Mutex // serializes read-merge-write of the status file in this process

	server *http.Server
	mu     sync.Mutex
}

// New builds the router. It does not listen until Start.
func New(opts Options) *Server {
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.WriteBurst < 1 {
		opts.WriteBurst = 1
	}
	limit := rate.Inf
	if opts.WriteRPS > 0 {
		limit = rate.Limit(opts.WriteRPS)
	}

	s := &Server{
		store:    opts.Store,
		registry: opts.Registry,
		journal:  opts.Journal,
		feed:     opts.Feed,
		metrics:  opts.Metrics,
		webDir:   opts.WebDir,
		limiter:  rate.NewLimiter(limit, opts.WriteBurst),
		router:   mux.NewRouter(),
		now:      time.Now,
	}
	s.routes()
	// CORS wraps the router so preflight requests are answered before
	// method matching.
	s.handler = cors(s.router)
	return s
}

// Handler returns the fully wired router.
func (s *Server) Handler() http.Handler { return s.handler }

// Start binds addr and serves in the background.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("api server is already running")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	go func() {
		log.Info().Str("address", ln.Addr().String()).Msg("Starting API server")
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("API server failed")
		}
	}()
	return nil
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown API server")
		return err
	}
	s.server = nil
	log.Info().Msg("API server stopped")
	return nil
}
