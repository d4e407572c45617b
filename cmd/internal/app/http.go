package app

import (
	"net/http"

	"screenrelay/cmd/internal/relay"
	relayapi "screenrelay/cmd/internal/relay/api"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	ready func() bool,
	svc *relay.Service,
	gatherer prometheus.Gatherer,
	api *relayapi.Handler,
) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil && !ready() {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			log.Info("readyz.not_ready")
			return
		}
		if svc != nil {
			counts, results, err := svc.Counts(r.Context())
			if err != nil {
				http.Error(w, "store not ready", http.StatusServiceUnavailable)
				log.Warn("readyz.store.fail", "err", err)
				return
			}
			log.Debug("readyz.ok",
				"pending", counts[relay.StatePending],
				"processing", counts[relay.StateProcessing],
				"completed", counts[relay.StateCompleted],
				"results", results,
			)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	if api != nil {
		api.Register(mux)
	}
}
