// Package metrics provides Prometheus metrics for the hub.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	log "github.com/sirupsen/logrus"
)

const Namespace = "ensock"

// Metrics holds all Prometheus metrics for one hub.
type Metrics struct {
	registry *prometheus.Registry

	// Registry metrics
	ConnectedPeers prometheus.Gauge
	Admissions     prometheus.Counter
	Readmissions   prometheus.Counter
	Evictions      prometheus.Counter
	Confirmations  *prometheus.CounterVec

	// Probe metrics
	ProbeCycles   prometheus.Counter
	ProbeDuration prometheus.Histogram

	// Transport metrics
	OpenConnections prometheus.Gauge
	MessagesIn      *prometheus.CounterVec
	FramesOut       prometheus.Counter
	FramesDropped   *prometheus.CounterVec
	FramesRelayed   prometheus.Counter
}

// New creates a Metrics instance registered on its own registry, so several hubs can live in one process.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ConnectedPeers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "connected_peers",
			Help:      "Number of peers currently registered",
		}),
		Admissions: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "admissions_total",
			Help:      "Total number of peers admitted",
		}),
		Readmissions: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "readmissions_total",
			Help:      "Total number of request-connect messages for already registered peers",
		}),
		Evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "evictions_total",
			Help:      "Total number of peers evicted by the liveness probe",
		}),
		Confirmations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "confirmations_total",
			Help:      "Epoch confirmations by result",
		}, []string{"result"}),

		ProbeCycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "probe_cycles_total",
			Help:      "Total number of liveness probe cycles",
		}),
		ProbeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "probe_duration_seconds",
			Help:      "Time spent sweeping the registry and broadcasting the probe",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		}),

		OpenConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "open_connections",
			Help:      "Number of open transport connections",
		}),
		MessagesIn: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "messages_received_total",
			Help:      "Inbound messages by the dispatch tier that handled them",
		}, []string{"tier"}),
		FramesOut: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "frames_sent_total",
			Help:      "Total number of frames queued for sending",
		}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "frames_dropped_total",
			Help:      "Outbound frames dropped by reason",
		}, []string{"reason"}),
		FramesRelayed: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "frames_relayed_total",
			Help:      "Total number of inbound frames relayed to other connections",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordProbe records one probe cycle.
func (m *Metrics) RecordProbe(evicted int, connected int, duration time.Duration) {
	m.ProbeCycles.Inc()
	m.ProbeDuration.Observe(duration.Seconds())
	m.Evictions.Add(float64(evicted))
	m.ConnectedPeers.Set(float64(connected))
}

// Handler returns the HTTP handler exposing this instance's metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// Serve exposes /metrics on addr until the context is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Infof("Metrics: serving on http://%s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}
