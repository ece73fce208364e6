// Package api exposes the HTTP surface: dataset uploads, scenarios,
// forecast jobs, history and the websocket progress stream.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/herdcast/herdcast/internal/apierrors"
	"github.com/herdcast/herdcast/internal/bus"
	"github.com/herdcast/herdcast/internal/config"
	"github.com/herdcast/herdcast/internal/queue"
	"github.com/herdcast/herdcast/internal/storage/object"
	"github.com/herdcast/herdcast/internal/storage/postgres"
)

// Server is the HTTP front of the service.
type Server struct {
	cfg *config.Config
	log *zap.Logger

	store   *postgres.Store
	objects *object.Store
	rdb     *redis.Client
	queue   *queue.Queue
	bus     *bus.Bus

	httpServer *http.Server
}

// NewServer wires the server and its routes.
func NewServer(cfg *config.Config, log *zap.Logger, store *postgres.Store, objects *object.Store, rdb *redis.Client) *Server {
	s := &Server{
		cfg:     cfg,
		log:     log,
		store:   store,
		objects: objects,
		rdb:     rdb,
		queue:   queue.New(rdb, cfg.QueueName),
		bus:     bus.New(rdb, log),
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      s.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(withUser)

	r.Get("/health/live", s.handleLive)
	r.Get("/health/ready", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/datasets", func(r chi.Router) {
			r.Post("/", s.handleDatasetUpload)
			r.Get("/", s.handleDatasetList)
			r.Get("/{id}", s.handleDatasetGet)
			r.Get("/{id}/quality", s.handleDatasetQuality)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Post("/", s.handleScenarioCreate)
			r.Get("/", s.handleScenarioList)
			r.Get("/{id}", s.handleScenarioGet)
			r.Put("/{id}", s.handleScenarioUpdate)
			r.Delete("/{id}", s.handleScenarioDelete)
			r.Post("/{id}/run", s.handleScenarioRun)
		})

		r.Route("/forecast/jobs", func(r chi.Router) {
			r.Post("/", s.handleJobCreate)
			r.Get("/{id}", s.handleJobGet)
			r.Get("/{id}/result", s.handleJobResult)
			r.Get("/{id}/export/csv", s.handleJobExportCSV)
			r.Get("/{id}/export/xlsx", s.handleJobExportXLSX)
		})

		r.Get("/ws/forecast/jobs/{id}", s.handleJobStream)

		r.Route("/me/history/jobs", func(r chi.Router) {
			r.Get("/", s.handleHistoryList)
			r.Get("/{id}", s.handleHistoryGet)
			r.Get("/{id}/result", s.handleHistoryResult)
			r.Delete("/{id}", s.handleHistoryDelete)
			r.Post("/bulk-delete", s.handleHistoryBulkDelete)
		})

		// The synchronous forecast endpoints were replaced by the job
		// pipeline and now answer 410 with a pointer to it.
		r.Post("/forecast", s.handleSyncRemoved)
		r.Post("/forecast/future", s.handleSyncRemoved)
	})

	return r
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true
	check := func(name string, err error) {
		if err != nil {
			checks[name] = err.Error()
			healthy = false
			return
		}
		checks[name] = "ok"
	}
	check("postgres", s.store.Ping(ctx))
	check("redis", s.rdb.Ping(ctx).Err())
	check("object_storage", s.objects.Ping(ctx))

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, map[string]any{"healthy": healthy, "checks": checks})
}

func (s *Server) handleSyncRemoved(w http.ResponseWriter, r *http.Request) {
	s.respondError(w, r, apierrors.New(apierrors.CodeSyncEndpointRemoved,
		"synchronous forecasting was removed; create a job via POST /api/forecast/jobs"))
}

// Start serves until ctx is canceled, then drains with a grace period.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.log.Info("http server stopped")
	return nil
}
