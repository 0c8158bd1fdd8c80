// Package app wires the modeler bridge runtime: config, logging, the session
// manager, HTTP routes and the session event stream.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	authapi "modeler/cmd/internal/auth/api"
	"modeler/cmd/internal/auth/interceptor"
	"modeler/cmd/internal/auth/session"
	"modeler/cmd/internal/credstore"
	"modeler/cmd/internal/diagram"
	"modeler/cmd/internal/realtime"
	"modeler/cmd/security/token"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// App is the bridge runtime: it owns the session, the HTTP server and the
// event stream.
type App struct {
	cfg Config
	log Logger

	store  Store
	dbPool *pgxpool.Pool

	sessions *session.Manager
	ws       *realtime.WSGateway
	handler  http.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	codec, err := token.New(sessCfg.TokenFormat, sessCfg.PasetoPublicKeyHex)
	if err != nil {
		return nil, err
	}

	creds, err := newCredentialStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a, err := build(cfg, log, sessCfg, codec, creds)
	if err != nil {
		_ = creds.closer.Close(ctx)
		return nil, err
	}
	return a, nil
}

func build(cfg Config, log Logger, sessCfg session.Config, codec token.Codec, creds credentialBackend) (*App, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	backend := session.NewHTTPBackend(sessCfg.APIBaseURL, &http.Client{Timeout: sessCfg.RequestTimeout})
	mgr, err := session.NewManager(sessCfg, session.Options{
		Backend:     backend,
		Credentials: credstore.NewCredentials(creds.store, log),
		Codec:       codec,
		Metrics:     session.NewMetrics(reg),
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}

	authorized := &interceptor.Transport{
		Session: mgr,
		Logger:  log,
		OnForbidden: func(r *http.Request) {
			log.Warn("session.forbidden", "method", r.Method, "path", r.URL.Path)
		},
	}

	authCfg := authapi.LoadConfigFromEnv()
	auth, err := authapi.NewHandler(log, mgr, authCfg)
	if err != nil {
		return nil, err
	}

	files, err := diagram.NewHTTPStore(sessCfg.APIBaseURL, &http.Client{Transport: authorized, Timeout: cfg.BackendTimeout})
	if err != nil {
		return nil, err
	}

	ws, err := realtime.NewWSGateway(log, realtime.NewHub(log), mgr)
	if err != nil {
		return nil, err
	}

	rt := routes{
		auth:     auth,
		diagrams: diagram.NewHandler(log, mgr, files, cfg.DiagramMaxBytes),
		events:   ws,
		gatherer: reg,
	}
	if cfg.ProxyEnabled {
		if rt.proxy, err = newBackendProxy(sessCfg.APIBaseURL, authorized, log); err != nil {
			return nil, err
		}
	}

	mux := http.NewServeMux()
	registerHTTP(mux, log, cfg, creds.pool, rt)

	return &App{
		cfg:      cfg,
		log:      log,
		store:    creds.closer,
		dbPool:   creds.pool,
		sessions: mgr,
		ws:       ws,
		handler:  WithRequestLogging(WithSecurityHeaders(WithCORS(mux, cfg, log)), log),
	}, nil
}

// Run restores the stored session, then serves HTTP and keeps the access
// token fresh until ctx is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	if snap, err := a.sessions.Restore(ctx); err != nil {
		a.log.Warn("session.restore.fail", "err", err)
	} else if snap.Authenticated() {
		a.log.Info("session.restored", "username", snap.User.Username)
	}

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"url", base,
		"events_url", wsBaseURL(base)+"/session/events",
		"credstore", a.cfg.CredStore,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		return a.sessions.RunRefresher(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()

		// Hijacked stream connections are not tracked by Shutdown.
		a.ws.Hub().CloseAll()

		err := srv.Shutdown(shutdownCtx)
		if err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
		}
		if cerr := a.store.Close(shutdownCtx); cerr != nil {
			a.log.Error("store.close.fail", "err", cerr)
		}
		return err
	})

	err := g.Wait()
	a.log.Info("server.stopped")
	return err
}

// Handler returns the bridge's root handler with middleware applied.
func (a *App) Handler() http.Handler { return a.handler }

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

// runtimeBaseURL turns a listen address into a URL a local client can dial.
// Wildcard binds are reported as 127.0.0.1.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// wsBaseURL maps an http(s) base URL to its ws(s) equivalent. A bare
// host:port is treated as plain http.
func wsBaseURL(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return "ws://" + strings.TrimPrefix(base, "//")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String()
}
