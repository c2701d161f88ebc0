// Package metrics contains the prometheus infrastructure.
package metrics

import (
	"context"
	"errors"
	stdLog "log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/restakefi/keyguard/log"
)

const (
	moduleName = "metrics"

	shutdownTimeout = 5 * time.Second
)

// PullService is a service that supports the Prometheus pull method.
type PullService struct {
	server *http.Server
	logger *log.Logger
}

// NewPullService creates a new Prometheus pull service.
func NewPullService(pullEndpoint string, logger *log.Logger) (*PullService, error) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	logger = logger.WithModule(moduleName)
	return &PullService{
		server: &http.Server{
			Addr:           pullEndpoint,
			Handler:        r,
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			MaxHeaderBytes: 1 << 20,
			ErrorLog:       stdLog.New(log.WriterIntoLogger(logger), "", 0),
		},
		logger: logger,
	}, nil
}

// Handler returns the HTTP handler serving /metrics and /healthz.
func (s *PullService) Handler() http.Handler {
	return s.server.Handler
}

// Run serves metrics until the context is canceled.
func (s *PullService) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting pull metrics service", "listen_addr", s.server.Addr)
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.logger.Error("metrics server stopped", "err", err)
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}
