package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/leasesync/leasesync/pkg/listing"
	"github.com/leasesync/leasesync/pkg/scheduler"
	"github.com/leasesync/leasesync/pkg/storage"
)

// Store is the read side of the deal store and sync log.
type Store interface {
	ListRuns(ctx context.Context, limit int) ([]listing.SyncRun, error)
	ListDeals(ctx context.Context, opts storage.ListOptions) ([]listing.DealState, error)
	ListCooling(ctx context.Context, now time.Time) ([]listing.DealState, error)
	GetStats(ctx context.Context) ([]storage.Stats, error)
}

// Syncer starts manual runs.
type Syncer interface {
	Submit(ctx context.Context, req scheduler.Request, done func(listing.SyncRun, error)) (string, error)
	State() *scheduler.RunState
}

type Server struct {
	Store    Store
	Syncer   Syncer
	Username string
	Password string
	Log      logrus.FieldLogger
	// Metrics serves /metrics; promhttp.Handler() when nil.
	Metrics http.Handler
	// Now defaults to time.Now.
	Now func() time.Time

	// runCtx outlives requests so that submitted runs are not cancelled
	// when the response is written.
	runCtx context.Context
}

func New(store Store, syncer Syncer, user, pass string) *Server {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return &Server{
		Store:    store,
		Syncer:   syncer,
		Username: user,
		Password: pass,
		Log:      log,
		Now:      time.Now,
		runCtx:   context.Background(),
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	metrics := s.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	r.Method(http.MethodGet, "/metrics", metrics)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.basicAuth)
		r.Get("/stats", s.handleStats)
		r.Get("/runs", s.handleRuns)
		r.Get("/runs/active", s.handleActiveRuns)
		r.Get("/deals", s.handleDeals)
		r.Get("/cooling", s.handleCooling)
		r.Post("/sync", s.handleSync)
	})
	return r
}

// Start serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.runCtx = context.WithoutCancel(ctx)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.Log.Infof("Starting server on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Username == "" && s.Password == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.Username || pass != s.Password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
