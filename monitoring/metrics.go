// Package monitoring holds the prometheus collectors of the wallet.
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tanglewallet"

// Metrics bundles the collectors, registered on their own registry.
type Metrics struct {
	Registry *prometheus.Registry

	// PowDuration observes the seconds spent solving one transaction.
	PowDuration prometheus.Histogram

	// TipSelectionDuration observes the seconds spent in tip selection.
	TipSelectionDuration prometheus.Histogram

	// NodeRequests counts node commands by command and result.
	NodeRequests *prometheus.CounterVec

	// Sends counts sends by result.
	Sends *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		PowDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pow",
			Name:      "solve_duration_seconds",
			Help:      "Time spent finding the nonce of a transaction.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		TipSelectionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "node",
				Name:      "tip_selection_duration_seconds",
				Help:      "Time spent in tip selection.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		NodeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "requests_total",
			Help:      "Node API requests by command and result.",
		}, []string{"command", "result"}),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "send",
			Name:      "sends_total",
			Help:      "Sends by result.",
		}, []string{"result"}),
	}

	cs := []prometheus.Collector{
		m.PowDuration,
		m.TipSelectionDuration,
		m.NodeRequests,
		m.Sends,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(
			collectors.ProcessCollectorOpts{},
		),
	}
	for _, c := range cs {
		if err := m.Registry.Register(c); err != nil {
			return nil, fmt.Errorf("unable to register collector: %w",
				err)
		}
	}

	return m, nil
}

// Handler returns the HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Serve exposes the metrics on addr under /metrics until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(
			context.Background(), 5*time.Second,
		)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}
