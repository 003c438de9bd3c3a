// Package http provides the inbound HTTP transport for the gateway.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gatekeeper-sh/gatekeeper/internal/service"
)

// Transport is the inbound adapter that exposes the gateway over HTTP:
// the tool endpoint, the approval callbacks, health, and metrics.
type Transport struct {
	gateway  *service.Gateway
	server   *http.Server
	addr     string
	logger   *slog.Logger
	metrics  *service.Metrics
	registry *prometheus.Registry
}

// Option is a functional option for configuring Transport.
type Option func(*Transport)

// WithAddr sets the listen address for the HTTP server.
// Default is "127.0.0.1:8080" (localhost only).
func WithAddr(addr string) Option {
	return func(t *Transport) {
		t.addr = addr
	}
}

// WithLogger sets the logger for the HTTP transport.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithMetrics shares an existing metrics set (and the registry it was
// created on) with the transport, so the gateway and transport report into
// one /metrics endpoint.
func WithMetrics(m *service.Metrics, reg *prometheus.Registry) Option {
	return func(t *Transport) {
		t.metrics = m
		t.registry = reg
	}
}

// NewTransport creates an HTTP transport wrapping the given gateway.
func NewTransport(gateway *service.Gateway, opts ...Option) *Transport {
	t := &Transport{
		gateway: gateway,
		addr:    "127.0.0.1:8080",
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Handler builds the full handler chain: routes wrapped in request-id and
// request-log middleware. Creates a standalone metrics registry when none
// was shared via WithMetrics.
func (t *Transport) Handler() http.Handler {
	if t.registry == nil {
		t.registry = prometheus.NewRegistry()
		t.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	if t.metrics == nil {
		t.metrics = service.NewMetrics(t.registry)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", t.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{
		Registry: t.registry,
	}))
	mux.HandleFunc("POST /tool/{tool}", t.handleTool)
	mux.HandleFunc("GET /approve/{id}", t.handleCallback("approve"))
	mux.HandleFunc("GET /deny/{id}", t.handleCallback("deny"))

	var handler http.Handler = mux
	handler = RequestLogMiddleware(t.logger)(handler)
	handler = RequestIDMiddleware(t.logger)(handler)
	return handler
}

// Start begins accepting HTTP connections. It blocks until the context is
// cancelled or the server fails.
func (t *Transport) Start(ctx context.Context) error {
	t.server = &http.Server{
		Addr:              t.addr,
		Handler:           t.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		t.logger.Info("starting HTTP server", "addr", t.addr)
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		t.logger.Info("context cancelled, shutting down HTTP server")
		return t.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown performs graceful shutdown of the HTTP server.
func (t *Transport) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Error("error during server shutdown", "error", err)
		return err
	}
	t.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the transport.
func (t *Transport) Close() error {
	if t.server == nil {
		return nil
	}
	return t.shutdown()
}
