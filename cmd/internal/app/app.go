// Package app wires the relay runtime: config, logging, HTTP routes, metrics and the reaper.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"screenrelay/cmd/internal/relay"
	relayapi "screenrelay/cmd/internal/relay/api"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App is the relay runtime: it owns the HTTP server, the relay service and its reaper.
type App struct {
	cfg Config
	log Logger

	svc    *relay.Service
	reaper *relay.Reaper
	api    *relayapi.Handler

	registry *prometheus.Registry
	ready    atomic.Bool
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	requests := relay.NewInMemoryRequestStore()
	results := relay.NewInMemoryResultStore()

	opts := []relay.Option{
		relay.WithHub(relay.NewHub(log)),
		relay.WithTTL(cfg.RequestTTL),
	}

	var registry *prometheus.Registry
	if cfg.MetricsEnabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			relay.NewStateCollector(requests),
		)
		opts = append(opts, relay.WithMetrics(relay.NewMetrics(registry)))
	}

	svc := relay.NewService(log, requests, results, opts...)

	handlerOpts := []relayapi.HandlerOption{
		relayapi.WithMaxUploadBytes(int64(cfg.MaxUploadBytes)),
		relayapi.WithPublicURL(cfg.BaseURL(), cfg.ViewerPath),
	}
	if cfg.WatchEnabled {
		gw, err := relayapi.NewWatchGateway(log, svc, cfg.WatchAllowedOrigins, cfg.WatchMaxWait)
		if err != nil {
			return nil, err
		}
		handlerOpts = append(handlerOpts, relayapi.WithWatchGateway(gw))
	}

	api, err := relayapi.NewHandler(log, svc, handlerOpts...)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:      cfg,
		log:      log,
		svc:      svc,
		reaper:   relay.NewReaper(log, svc, cfg.ReapInterval),
		api:      api,
		registry: registry,
	}, nil
}

// Handler returns the fully wrapped HTTP handler served by Run.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	var gatherer prometheus.Gatherer
	if a.registry != nil {
		gatherer = a.registry
	}
	registerHTTP(mux, a.log, a.ready.Load, a.svc, gatherer, a.api)

	return WithSecurityHeaders(WithRequestLogging(mux, a.log))
}

// Run starts the HTTP server and the reaper, and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 30*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 90*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		a.log.Error("server.listen.fail", "addr", a.cfg.HTTPAddr, "err", err)
		return err
	}

	base := a.cfg.BaseURL()
	a.log.Info("server.start",
		"addr", ln.Addr().String(),
		"relay_url", base,
		"viewer_url", base+"/"+strings.TrimLeft(a.cfg.ViewerPath, "/"),
		"metrics_enabled", a.registry != nil,
		"watch_enabled", a.cfg.WatchEnabled,
	)

	reapCtx, stopReaper := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.reaper.Run(reapCtx)
	}()
	defer func() {
		stopReaper()
		wg.Wait()
	}()

	a.ready.Store(true)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", contextCause(ctx))
	case err := <-errCh:
		a.ready.Store(false)
		a.log.Error("server.fail", "err", err)
		return err
	}

	a.ready.Store(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if err := a.svc.Close(); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// contextCause keeps shutdown logs readable when the root context carries a cause.
func contextCause(ctx context.Context) string {
	if err := context.Cause(ctx); err != nil {
		return err.Error()
	}
	return "context_done"
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
// Wildcard binds map to loopback.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}
