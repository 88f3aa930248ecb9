// Package metrics exposes Prometheus metrics for the policy authority
// and runs the standalone metrics server its HTTP server wires up.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CertificationsIssued counts admission certificates issued.
	CertificationsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "certifier_certifications_issued_total",
		Help: "Number of admission certificates issued.",
	})

	// CertificationsDenied counts certification requests denied by
	// evidence verification or measurement policy.
	CertificationsDenied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "certifier_certifications_denied_total",
		Help: "Number of certification requests denied.",
	})
)

// MetricsServer serves the Prometheus scrape endpoint on its own
// listener, separate from the API server.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server listening on addr.
func New(addr string) (*MetricsServer, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &MetricsServer{
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}, nil
}

// ListenAndServe blocks serving the scrape endpoint.
func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

// Shutdown gracefully stops the metrics server.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
