// Package server orchestrates the gateway's main server and admin server.
// The main server carries proxied tenant traffic; the admin server exposes
// health checks, readiness probes, and Prometheus metrics.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/evasend/wagateway/internal/audit"
	"github.com/evasend/wagateway/internal/auth"
	"github.com/evasend/wagateway/internal/cache"
	"github.com/evasend/wagateway/internal/config"
	"github.com/evasend/wagateway/internal/gateway"
	"github.com/evasend/wagateway/internal/observability"
	"github.com/evasend/wagateway/internal/proxy"
	"github.com/evasend/wagateway/internal/ratelimit"
	iredis "github.com/evasend/wagateway/internal/redis"
)

// Server is the running gateway instance.
type Server struct {
	cfg             *config.Config
	logger          *slog.Logger
	version         string
	mainServer      *http.Server
	http3Server     *http3.Server // nil when HTTP/3 is disabled.
	adminServer     *http.Server
	handler         *gateway.Handler
	auditLog        *audit.Logger
	redisClient     iredis.Client
	health          *observability.HealthChecker
	metrics         *observability.Metrics
	tracingShutdown func(context.Context) error
	certs           *certHolder // non-nil when TLS is enabled; supports hot-reload.
}

// New creates a gateway server instance, connecting to Redis and wiring the
// full request pipeline.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	iredis.WarnInsecureRedis(cfg.Redis.TLS, logger)

	// The counter store client connects lazily so a Redis outage at boot
	// does not keep the gateway down; the limiter fails open until Redis
	// is reachable.
	redisClient, err := iredis.NewClientWithoutPing(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("create redis client: %w", err)
	}
	health.SetRedisPinger(pingAdapter{redisClient})

	cacheTTL := config.MustParseDuration(cfg.Store.CacheTTL, 5*time.Minute)
	var tokenCache auth.TokenCache
	if cfg.Store.CacheBackend == config.TokenCacheRedis {
		tokenCache = cache.NewRedis(redisClient, cfg.RateLimit.KeyPrefix, cacheTTL, logger)
	} else {
		tokenCache = cache.NewMemory(cacheTTL)
	}

	validator := auth.NewValidator(auth.NewStoreClient(cfg.Store), tokenCache, metrics, logger)
	limiter := ratelimit.NewLimiter(redisClient, cfg.RateLimit.PerMinute, cfg.RateLimit.KeyPrefix, logger)
	upstreams := proxy.NewUpstreams(cfg.Upstream, cfg.Store.AnonKey.Value(), logger)
	auditLog := audit.NewLogger(cfg.Store, cfg.Audit, metrics, logger)

	handler := gateway.New(validator, limiter, upstreams, auditLog, metrics, cfg, logger)

	mainServer, h3srv := buildMainServer(cfg, handler)
	adminServer := buildAdminServer(cfg, health, reg)

	return &Server{
		cfg:         cfg,
		logger:      logger,
		version:     version,
		mainServer:  mainServer,
		http3Server: h3srv,
		adminServer: adminServer,
		handler:     handler,
		auditLog:    auditLog,
		redisClient: redisClient,
		health:      health,
		metrics:     metrics,
	}, nil
}

// pingAdapter exposes a redis client's Ping as the error-returning form the
// health checker expects.
type pingAdapter struct {
	client iredis.Client
}

func (p pingAdapter) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func buildMainServer(cfg *config.Config, handler http.Handler) (*http.Server, *http3.Server) {
	readTimeout := config.MustParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout := config.MustParseDuration(cfg.Server.WriteTimeout, 60*time.Second)
	idleTimeout := config.MustParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	h2s := &http2.Server{}
	mainHandler := h2c.NewHandler(handler, h2s)

	var h3srv *http3.Server
	if cfg.Server.TLS.HTTP3Enabled {
		h3srv = &http3.Server{
			Addr:           cfg.Server.Address,
			Handler:        handler,
			MaxHeaderBytes: 1 << 20,
			IdleTimeout:    idleTimeout,
			QUICConfig: &quic.Config{
				MaxIdleTimeout: idleTimeout,
				Allow0RTT:      false, // 0-RTT is replayable.
			},
		}

		tcpHandler := mainHandler
		mainHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ProtoMajor < 3 {
				_ = h3srv.SetQUICHeaders(w.Header())
			}
			tcpHandler.ServeHTTP(w, r)
		})
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           mainHandler,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}

	return srv, h3srv
}

func buildAdminServer(cfg *config.Config, health *observability.HealthChecker, reg *prometheus.Registry) *http.Server {
	adminReadTimeout := config.MustParseDuration(cfg.Admin.ReadTimeout, 5*time.Second)
	adminWriteTimeout := config.MustParseDuration(cfg.Admin.WriteTimeout, 10*time.Second)
	adminIdleTimeout := config.MustParseDuration(cfg.Admin.IdleTimeout, 30*time.Second)

	adminMux := http.NewServeMux()
	adminMux.Handle("/startz", health.StartzHandler())
	adminMux.Handle("/healthz", health.HealthzHandler())
	adminMux.Handle("/readyz", health.ReadyzHandler())
	adminMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           adminMux,
		ReadTimeout:       adminReadTimeout,
		WriteTimeout:      adminWriteTimeout,
		IdleTimeout:       adminIdleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

// certHolder provides atomic TLS certificate hot-reload via GetCertificate.
type certHolder struct {
	cert atomic.Pointer[tls.Certificate]
}

func newCertHolder(certFile, keyFile string) (*certHolder, error) {
	ch := &certHolder{}
	if err := ch.Reload(certFile, keyFile); err != nil {
		return nil, err
	}
	return ch, nil
}

// Reload loads a new certificate from disk and atomically swaps it.
func (ch *certHolder) Reload(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("load TLS certificate: %w", err)
	}
	ch.cert.Store(&cert)
	return nil
}

// GetCertificate implements the tls.Config.GetCertificate callback.
func (ch *certHolder) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return ch.cert.Load(), nil
}

func tlsMinVersion(cfg *config.Config) uint16 {
	if cfg.Server.TLS.MinVersion == config.TLSVersion13 {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// Run starts both servers and blocks until the context is canceled, then
// performs a graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	tracingShutdown, err := observability.InitTracing(ctx, s.cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(_ context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	errCh := make(chan error, 3)

	// readyCh is closed after the main listener has bound, so readiness is
	// never reported before the server can accept connections.
	readyCh := make(chan struct{})

	go s.startAdminServer(errCh)
	go s.startMainServer(errCh, readyCh)

	if s.http3Server != nil {
		go s.startHTTP3Server(errCh)
	}

	s.health.SetStarted()

	select {
	case <-readyCh:
		s.health.SetReady()
		s.logger.Info("gateway is ready", "version", s.version)
	case srvErr := <-errCh:
		return srvErr
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case srvErr := <-errCh:
		return srvErr
	}

	return s.shutdown()
}

func (s *Server) startAdminServer(errCh chan<- error) {
	s.logger.Info("admin server starting", "address", s.cfg.Admin.Address)
	if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("admin server: %w", err)
	}
}

func (s *Server) startMainServer(errCh chan<- error, readyCh chan struct{}) {
	s.logger.Info("gateway server starting",
		"address", s.cfg.Server.Address,
		"external", s.cfg.Upstream.ExternalURL,
		"functions", s.cfg.Upstream.FunctionURL,
		"tls", s.cfg.Server.TLS.Enabled,
		"http3", s.cfg.Server.TLS.HTTP3Enabled)

	// Separate Listen from Serve so readiness can be signaled after bind.
	ln, listenErr := net.Listen("tcp", s.cfg.Server.Address)
	if listenErr != nil {
		errCh <- fmt.Errorf("gateway server listen: %w", listenErr)
		return
	}
	close(readyCh)

	var err error
	if s.cfg.Server.TLS.Enabled {
		ch, certErr := newCertHolder(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
		if certErr != nil {
			errCh <- certErr
			return
		}
		s.certs = ch

		minVer := max(tlsMinVersion(s.cfg), tls.VersionTLS12)
		tlsCfg := &tls.Config{
			MinVersion:     minVer,
			GetCertificate: ch.GetCertificate,
		}
		s.mainServer.TLSConfig = tlsCfg

		// Share the TLS config with the HTTP/3 server so both listeners
		// enforce identical MinVersion and ciphers.
		if s.http3Server != nil {
			s.http3Server.TLSConfig = tlsCfg
		}

		tlsLn := tls.NewListener(ln, tlsCfg)
		err = s.mainServer.Serve(tlsLn)
	} else {
		err = s.mainServer.Serve(ln)
	}

	if err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("gateway server: %w", err)
	}
}

func (s *Server) startHTTP3Server(errCh chan<- error) {
	s.logger.Info("HTTP/3 (QUIC) server starting", "address", s.cfg.Server.Address)
	err := s.http3Server.ListenAndServeTLS(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
	if err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("HTTP/3 server: %w", err)
	}
}

// Reload hot-swaps the rate limit, verbosity, and TLS certificates without
// restarting the server.
func (s *Server) Reload(newCfg *config.Config) error {
	if restart := newCfg.RequiresRestart(s.cfg); len(restart) > 0 {
		s.logger.Warn("config changes require a restart to take effect", "fields", restart)
	}

	s.handler.Reload(newCfg)

	if s.certs != nil && newCfg.Server.TLS.CertFile != "" && newCfg.Server.TLS.KeyFile != "" {
		if err := s.certs.Reload(newCfg.Server.TLS.CertFile, newCfg.Server.TLS.KeyFile); err != nil {
			s.logger.Error("TLS certificate reload failed, keeping old certificate", "error", err)
		} else {
			s.logger.Info("TLS certificates reloaded")
		}
	}

	s.cfg = newCfg
	return nil
}

func (s *Server) shutdown() error {
	s.health.SetNotReady()

	drainTimeout := config.MustParseDuration(s.cfg.Server.DrainTimeout, 30*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if s.http3Server != nil {
		if err := s.http3Server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP/3 server shutdown error", "error", err)
		}
	}

	if err := s.mainServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("main server shutdown error", "error", err)
	}

	if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}

	// Drain buffered audit records before dropping the Redis connection.
	if err := s.auditLog.Close(); err != nil {
		s.logger.Error("audit logger close error", "error", err)
	}

	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("redis client close error", "error", err)
	}

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(shutdownCtx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}
