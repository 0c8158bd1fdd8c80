package app

import (
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// routes are the handlers mounted on the bridge mux. Nil entries are skipped.
type routes struct {
	auth     interface{ Register(*http.ServeMux) }
	diagrams interface{ Register(*http.ServeMux) }
	events   http.Handler
	proxy    http.Handler
	gatherer prometheus.Gatherer
}

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	dbPool *pgxpool.Pool,
	rt routes,
) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDB && dbPool == nil {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if dbPool != nil {
			if err := PingDB(r.Context(), dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if rt.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(rt.gatherer, promhttp.HandlerOpts{}))
	}
	if rt.auth != nil {
		rt.auth.Register(mux)
	}
	if rt.diagrams != nil {
		rt.diagrams.Register(mux)
	}
	if rt.events != nil {
		mux.Handle("/session/events", rt.events)
	}
	if rt.proxy != nil {
		mux.Handle(proxyPrefix+"/", rt.proxy)
	}
}
