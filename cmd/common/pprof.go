package common

import (
	"errors"
	stdLog "log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/restakefi/keyguard/log"
)

// startPprof serves the runtime profiles under /debug/pprof in the
// background. Failures are logged and otherwise ignored.
func startPprof(endpoint string) {
	r := chi.NewRouter()
	r.Mount("/debug", middleware.Profiler())

	server := &http.Server{
		Addr:         endpoint,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 60 * time.Second,
		ErrorLog:     stdLog.New(log.WriterIntoLogger(rootLogger.WithModule("pprof")), "", 0),
	}

	go func() {
		rootLogger.Info("starting pprof server", "listen_addr", endpoint)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rootLogger.Error("pprof server stopped", "err", err)
		}
	}()
}
