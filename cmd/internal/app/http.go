package app

import (
	"context"
	"net/http"
	"time"

	"sessiond/cmd/session"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// opsRoutes are the dependencies of the operational HTTP surface.
type opsRoutes struct {
	log       Logger
	ready     session.Pinger
	gatherer  prometheus.Gatherer
	requireDB bool
	dbEnabled bool
	timeout   time.Duration
}

func registerHTTP(mux *http.ServeMux, r opsRoutes) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, req *http.Request) {
		if r.requireDB && !r.dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}
		if r.ready != nil {
			ctx, cancel := context.WithTimeout(req.Context(), r.timeout)
			defer cancel()
			if err := r.ready.Ping(ctx); err != nil {
				http.Error(w, "storage not ready", http.StatusServiceUnavailable)
				r.log.InfoContext(req.Context(), "readyz.not_ready", "error", err)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if r.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{
			ErrorLog: slogErrorLog{r.log},
		}))
	}
}

// slogErrorLog adapts slog to promhttp.Logger.
type slogErrorLog struct{ log Logger }

func (l slogErrorLog) Println(v ...any) {
	l.log.Error("metrics.handler.fail", "detail", v)
}
