package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/swiftraccoon/callreceiver/internal/audit"
	"github.com/swiftraccoon/callreceiver/internal/config"
	"github.com/swiftraccoon/callreceiver/internal/ingest"
	"github.com/swiftraccoon/callreceiver/internal/metrics"
	"github.com/swiftraccoon/callreceiver/internal/queue"
	"github.com/swiftraccoon/callreceiver/internal/store"
)

type Server struct {
	http   *http.Server
	log    zerolog.Logger
	health *HealthHandler
}

// ServerOptions wires the HTTP surface to its collaborators: the ingest
// handler, store, queue, and audit log.
type ServerOptions struct {
	Config  *config.Config
	Store   *store.Store
	Queue   *queue.Queue
	Audit   *audit.Log
	Ingest  *ingest.Handler
	Version string

	StartTime time.Time
	Log       zerolog.Logger

	// MetricsCollector, when non-nil, is registered and exposed at /metrics
	// alongside ServerOptions.Config.MetricsEnabled.
	MetricsCollector prometheus.Collector
}

func NewServer(opts ServerOptions) *Server {
	r := chi.NewRouter()

	var corsOrigins []string
	if opts.Config.CORSOrigins != "" {
		for _, o := range strings.Split(opts.Config.CORSOrigins, ",") {
			if s := strings.TrimSpace(o); s != "" {
				corsOrigins = append(corsOrigins, s)
			}
		}
	}

	// Global middleware (no MaxBodySize here — upload endpoint needs a larger limit)
	r.Use(RequestID)
	r.Use(CORSWithOrigins(corsOrigins))
	r.Use(RateLimiter(opts.Config.RateLimitRPS, opts.Config.RateLimitBurst))
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))

	// Unauthenticated endpoints
	health := NewHealthHandler(opts.Store, opts.Queue, opts.Version, opts.StartTime)
	r.Get("/api/v1/health", health.ServeHTTP)

	if opts.Config.MetricsEnabled {
		if opts.MetricsCollector != nil {
			prometheus.MustRegister(opts.MetricsCollector)
		}
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
	}

	// Upload endpoint: authenticated by form-field API key inside the
	// handler itself, separate from the bearer-token API surface below.
	r.Group(func(r chi.Router) {
		r.Use(MaxBodySize(int64(opts.Config.MaxFileSizeMB) << 20))
		r.Post("/api/call-upload", opts.Ingest.ServeUpload)
	})

	// Authenticated query/search surface.
	r.Group(func(r chi.Router) {
		r.Use(MaxBodySize(1 << 20)) // read-only requests never need a large body
		if opts.Config.MetricsEnabled {
			r.Use(metrics.InstrumentHandler)
		}
		r.Use(BearerAuth(opts.Config.AuthToken, opts.Config.WriteToken))
		r.Use(WriteAuth(opts.Config.WriteToken))
		r.Use(ResponseTimeout(opts.Config.WriteTimeout))

		r.Route("/api/v1", func(r chi.Router) {
			NewQueryHandler(opts.Store, opts.Audit).Routes(r)
		})
	})

	srv := &http.Server{
		Addr:         opts.Config.HTTPAddr,
		Handler:      r,
		ReadTimeout:  opts.Config.ReadTimeout,
		IdleTimeout:  opts.Config.IdleTimeout,
		WriteTimeout: opts.Config.WriteTimeout,
	}

	return &Server{
		http:   srv,
		log:    opts.Log,
		health: health,
	}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
