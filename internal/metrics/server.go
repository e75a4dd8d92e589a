package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusServer exposes a PrometheusCollector's registry over HTTP.
type PrometheusServer struct {
	srv *http.Server
}

// NewPrometheusServer builds a Server that serves the default Prometheus
// registry's metrics at path on address.
func NewPrometheusServer(address, path string) *PrometheusServer {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}))
	return &PrometheusServer{srv: &http.Server{Addr: address, Handler: mux}}
}

// Start implements Server: it blocks until ctx is canceled, then shuts down.
func (s *PrometheusServer) Start(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- s.srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		_ = s.Shutdown(context.Background())
		return ctx.Err()
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown implements Server.
func (s *PrometheusServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
