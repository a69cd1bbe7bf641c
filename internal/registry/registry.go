// Package registry serves the pool registry: nodes punch themselves in,
// clients select a live proxy, and a periodic sweep drops nodes that stop
// answering like a proxy.
package registry

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/acme/autocert"

	"github.com/koltyakov/distproxy/internal/config"
	"github.com/koltyakov/distproxy/internal/domain"
	"github.com/koltyakov/distproxy/internal/pool"
)

const (
	httpReadTimeout  = 30 * time.Second
	httpWriteTimeout = 30 * time.Second
	httpIdleTimeout  = 120 * time.Second
	shutdownTimeout  = 5 * time.Second
	closeTimeout     = 10 * time.Second
)

// Options carries test seams. The zero value is production.
type Options struct {
	Now func() time.Time
	// ProbeClient replaces the health probe client.
	ProbeClient *http.Client
}

type poolState struct {
	spec  config.PoolSpec
	ttl   time.Duration
	store *pool.Store
}

type Registry struct {
	cfg      config.RegistryConfig
	log      *slog.Logger
	now      func() time.Time
	pools    []*poolState
	metrics  *metrics
	validate *validator.Validate
	probe    *http.Client
	handler  http.Handler
}

// New opens one store per configured pool and builds the HTTP surface.
func New(cfg config.RegistryConfig, log *slog.Logger, opts Options) (*Registry, error) {
	if len(cfg.Pools) == 0 {
		return nil, fmt.Errorf("%w: at least one pool", domain.ErrMissingConfig)
	}
	if log == nil {
		log = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 * 1024
	}
	if cfg.HealthConcurrency <= 0 {
		cfg.HealthConcurrency = 32
	}

	r := &Registry{
		cfg:      cfg,
		log:      log,
		now:      opts.Now,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		probe:    opts.ProbeClient,
	}
	if r.probe == nil {
		r.probe = newProbeClient(cfg.HealthTimeout)
	}
	r.metrics = newMetrics(r.entryCounts)

	for _, spec := range cfg.Pools {
		ttl := spec.TTL
		if ttl <= 0 {
			ttl = cfg.ProxyTTL
		}
		store, err := pool.Open(spec.Name, pool.Options{
			Dir:       cfg.DataDir,
			Logger:    log,
			Now:       r.now,
			OnPersist: r.metrics.persistObserver(spec.Name),
		})
		if err != nil {
			_ = r.Close(context.Background())
			return nil, err
		}
		r.pools = append(r.pools, &poolState{spec: spec, ttl: ttl, store: store})
	}

	r.handler = r.routes()
	return r, nil
}

// Handler returns the registry's HTTP handler.
func (r *Registry) Handler() http.Handler { return r.handler }

// Store returns the store of pool-name name.
func (r *Registry) Store(name string) (*pool.Store, bool) {
	for _, p := range r.pools {
		if p.spec.Name == name {
			return p.store, true
		}
	}
	return nil, false
}

// Run listens on the configured address and serves until ctx is canceled.
func (r *Registry) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", r.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", r.cfg.Listen, err)
	}
	return r.Serve(ctx, ln)
}

// Serve runs the health loop and the HTTP(S) servers on ln until ctx is
// canceled or a server fails, then shuts down and closes every store.
func (r *Registry) Serve(ctx context.Context, ln net.Listener) error {
	sweepCtx, stopSweep := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.runHealthLoop(sweepCtx)
	}()

	httpHandler := r.handler
	var tlsServer *http.Server
	if r.cfg.TLSDomain != "" {
		manager := &autocert.Manager{
			Cache:      autocert.DirCache(r.cfg.CertCacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(r.cfg.TLSDomain),
		}
		httpHandler = manager.HTTPHandler(r.handler)
		tlsConfig := manager.TLSConfig()
		tlsConfig.MinVersion = tls.VersionTLS12
		tlsServer = &http.Server{
			Addr:              r.cfg.TLSListen,
			Handler:           r.handler,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       httpReadTimeout,
			WriteTimeout:      httpWriteTimeout,
			IdleTimeout:       httpIdleTimeout,
			ErrorLog:          slog.NewLogLogger(r.log.Handler(), slog.LevelWarn),
		}
	}

	httpServer := &http.Server{
		Handler:           httpHandler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       httpReadTimeout,
		WriteTimeout:      httpWriteTimeout,
		IdleTimeout:       httpIdleTimeout,
		ErrorLog:          slog.NewLogLogger(r.log.Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 2)
	go func() {
		r.log.Info("starting registry HTTP server", "addr", ln.Addr().String(), "pools", len(r.pools))
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	if tlsServer != nil {
		go func() {
			r.log.Info("starting registry HTTPS server", "addr", tlsServer.Addr, "domain", r.cfg.TLSDomain)
			if err := tlsServer.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	if err := shutdownServer(httpServer, shutdownTimeout); err != nil && runErr == nil {
		runErr = err
	}
	if tlsServer != nil {
		if err := shutdownServer(tlsServer, shutdownTimeout); err != nil && runErr == nil {
			runErr = err
		}
	}
	stopSweep()
	wg.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := r.Close(closeCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Close writes a final snapshot of every pool and waits for it.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	for _, p := range r.pools {
		if err := p.store.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) entryCounts() []entryCount {
	out := make([]entryCount, 0, len(r.pools)*len(domain.Transports))
	for _, p := range r.pools {
		for _, t := range domain.Transports {
			out = append(out, entryCount{pool: p.spec.Name, transport: t, n: p.store.Len(t)})
		}
	}
	return out
}

func shutdownServer(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
