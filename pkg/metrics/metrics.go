// Package metrics holds the Prometheus instruments shared by the daemon,
// the broker and the client, and the HTTP endpoint that exposes them.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Download outcome labels.
const (
	OutcomeInstalled         = "installed"
	OutcomeAlreadyExists     = "already_exists"
	OutcomeNewerExists       = "newer_exists"
	OutcomeNotFound          = "not_found"
	OutcomeChecksumMismatch  = "checksum_mismatch"
	OutcomeSignatureMismatch = "signature_mismatch"
	OutcomeError             = "error"
)

// Metrics tracks protocol activity.
type Metrics struct {
	// Daemon
	QueriesReceived   prometheus.Counter
	QueriesAnswered   prometheus.Counter
	QueriesMissed     prometheus.Counter
	KeyringRequests   prometheus.Counter
	DispatchFailures  prometheus.Counter
	ServedPackages    prometheus.Gauge
	ServedMaintainers prometheus.Gauge
	Reloads           *prometheus.CounterVec

	// Client
	Downloads       *prometheus.CounterVec
	QueryLatency    prometheus.Histogram
	KeyringAccepted prometheus.Gauge
	KeyringRejected prometheus.Counter
}

// New creates the instruments and registers them with registry. A nil
// registry uses a private one.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)

	return &Metrics{
		QueriesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "pkgman_daemon_queries_received_total",
			Help: "Package queries received by the daemon",
		}),
		QueriesAnswered: factory.NewCounter(prometheus.CounterOpts{
			Name: "pkgman_daemon_queries_answered_total",
			Help: "Package queries answered with a record",
		}),
		QueriesMissed: factory.NewCounter(prometheus.CounterOpts{
			Name: "pkgman_daemon_queries_missed_total",
			Help: "Package queries for names the daemon does not serve",
		}),
		KeyringRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "pkgman_daemon_keyring_requests_total",
			Help: "Keyring requests answered by the daemon",
		}),
		DispatchFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "pkgman_daemon_dispatch_failures_total",
			Help: "Requests the daemon failed to answer",
		}),
		ServedPackages: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pkgman_daemon_served_packages",
			Help: "Packages currently served by the daemon",
		}),
		ServedMaintainers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pkgman_daemon_served_maintainers",
			Help: "Keyring entries currently served by the daemon",
		}),
		Reloads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pkgman_daemon_reloads_total",
			Help: "Reloads of the served package list and keyring",
		}, []string{"result"}),
		Downloads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pkgman_client_downloads_total",
			Help: "Package downloads by outcome",
		}, []string{"outcome"}),
		QueryLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pkgman_client_query_duration_seconds",
			Help:    "Time from publishing a query to its resolution",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 3, 5},
		}),
		KeyringAccepted: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pkgman_client_keyring_accepted",
			Help: "Maintainers accepted by the last keyring update",
		}),
		KeyringRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "pkgman_client_keyring_rejected_total",
			Help: "Keyring candidates rejected for lacking a valid authorization",
		}),
	}
}

// Server exposes /metrics and a liveness probe over HTTP.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewServer builds a metrics server for addr serving gatherer.
func NewServer(addr string, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return &Server{
		srv:    &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second},
		logger: logger,
	}
}

// Handler is the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Serve accepts connections on l until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	})
	defer stop()

	s.logger.Info("Starting metrics server", zap.String("address", l.Addr().String()))
	if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on the configured address and serves until ctx
// is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}
