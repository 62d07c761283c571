package gateway

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/aigate/internal/circuitbreaker"
	"github.com/wudi/aigate/internal/config"
	"github.com/wudi/aigate/internal/logging"
	"github.com/wudi/aigate/internal/webhook"
)

// Server wraps the gateway with its two listeners: the proxy listener
// serving pipeline traffic and the admin listener serving the
// management API and metrics.
type Server struct {
	gateway     *Gateway
	httpServer  *http.Server
	adminServer *http.Server
	watcher     *config.Watcher
	config      *config.Config
	configPath  string
	startTime   time.Time
	errCh       chan error

	mu            sync.Mutex
	reloadHistory []ReloadResult
}

// NewServer creates a gateway server.
// configPath is the path to the YAML config file (used for reload).
func NewServer(cfg *config.Config, configPath string) (*Server, error) {
	gw, err := New(cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		gateway:    gw,
		config:     cfg,
		configPath: configPath,
		startTime:  time.Now(),
		errCh:      make(chan error, 2),
	}

	s.httpServer = &http.Server{
		Addr:           cfg.Server.Address,
		Handler:        gw.Handler(),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}
	if cfg.Server.TLS.Enabled && cfg.Server.TLS.ClientCAFile != "" {
		tlsCfg, err := clientCAConfig(cfg.Server.TLS.ClientCAFile)
		if err != nil {
			gw.Close()
			return nil, err
		}
		s.httpServer.TLSConfig = tlsCfg
	}

	if cfg.Admin.Enabled {
		s.adminServer = &http.Server{
			Addr:         cfg.Admin.Address,
			Handler:      s.adminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	return s, nil
}

// clientCAConfig builds the listener TLS config for client certificate
// verification. Certificates stay optional: requests without one still
// pass and the tlsClientAuthenticated condition evaluates false.
func clientCAConfig(caFile string) (*tls.Config, error) {
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read client CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("client CA file %s: no certificates found", caFile)
	}
	return &tls.Config{
		ClientCAs:  pool,
		ClientAuth: tls.VerifyClientCertIfGiven,
	}, nil
}

// Start launches the listeners and the config file watcher. It returns
// an early startup error when a listener fails immediately, typically a
// port already in use.
func (s *Server) Start() error {
	go func() {
		logging.Info("Starting proxy server",
			zap.String("address", s.httpServer.Addr),
			zap.Bool("tls", s.config.Server.TLS.Enabled),
		)
		if err := s.listenAndServe(); err != nil && err != http.ErrServerClosed {
			s.errCh <- fmt.Errorf("proxy server error: %w", err)
		}
	}()

	if s.adminServer != nil {
		go func() {
			logging.Info("Starting admin server", zap.String("address", s.adminServer.Addr))
			if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.errCh <- fmt.Errorf("admin server error: %w", err)
			}
		}()
	}

	if err := s.startWatcher(); err != nil {
		logging.Warn("Config file watching disabled", zap.Error(err))
	}

	select {
	case err := <-s.errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		// Give listeners a moment to fail fast
	}
	return nil
}

func (s *Server) listenAndServe() error {
	if s.config.Server.TLS.Enabled {
		return s.httpServer.ListenAndServeTLS(s.config.Server.TLS.CertFile, s.config.Server.TLS.KeyFile)
	}
	return s.httpServer.ListenAndServe()
}

// startWatcher begins watching the config file for changes. Watcher
// failures are not fatal: SIGHUP and the admin reload endpoint still
// work without it.
func (s *Server) startWatcher() error {
	if s.configPath == "" {
		return nil
	}
	w, err := config.NewWatcher(s.configPath)
	if err != nil {
		return err
	}
	w.OnChange(func(cfg *config.Config, err error) {
		s.reload(cfg, err)
	})
	if err := w.Start(); err != nil {
		w.Stop()
		return err
	}
	s.watcher = w
	return nil
}

// Run starts the server and blocks until shutdown. SIGHUP triggers a
// config reload; SIGINT/SIGTERM triggers graceful shutdown.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case err := <-s.errCh:
			return err
		case <-gctx.Done():
			return nil
		}
	})

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-hup:
				logging.Info("SIGHUP received, reloading config")
				s.ReloadConfig()
			case <-gctx.Done():
				return nil
			}
		}
	})

	err := g.Wait()
	logging.Info("Shutting down gracefully...")
	if sderr := s.Shutdown(30 * time.Second); sderr != nil && err == nil {
		err = sderr
	}
	return err
}

// Shutdown gracefully stops the watcher, the listeners, and the gateway.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.adminServer != nil {
		if err := s.adminServer.Shutdown(ctx); err != nil {
			logging.Error("Admin server shutdown error", zap.Error(err))
		}
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		logging.Error("Proxy server shutdown error", zap.Error(err))
	}
	if err := s.gateway.Close(); err != nil {
		logging.Error("Gateway close error", zap.Error(err))
		return err
	}

	logging.Info("Server shutdown complete")
	return nil
}

// ReloadConfig loads the config file and performs a hot reload. SIGHUP,
// the admin endpoint, and the file watcher all converge on the same
// reload path.
func (s *Server) ReloadConfig() ReloadResult {
	if s.configPath == "" {
		result := ReloadResult{Timestamp: time.Now(), Error: "no config path configured"}
		s.appendHistory(result)
		return result
	}
	newCfg, err := config.NewLoader().Load(s.configPath)
	return s.reload(newCfg, err)
}

// reload applies one candidate config (or records its load failure) and
// tracks the outcome in the reload history.
func (s *Server) reload(newCfg *config.Config, loadErr error) ReloadResult {
	var result ReloadResult
	if loadErr != nil {
		result = s.gateway.reloadFailure(fmt.Sprintf("config load failed: %v", loadErr))
	} else {
		result = s.gateway.Reload(newCfg)
	}
	s.appendHistory(result)
	return result
}

func (s *Server) appendHistory(result ReloadResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadHistory = append(s.reloadHistory, result)
	if len(s.reloadHistory) > 50 {
		s.reloadHistory = s.reloadHistory[len(s.reloadHistory)-50:]
	}
}

// adminHandler builds the management API router.
func (s *Server) adminHandler() http.Handler {
	router := httprouter.New()

	router.HandlerFunc(http.MethodGet, "/admin/health", s.handleHealth)
	router.HandlerFunc(http.MethodGet, "/admin/routes", s.handleRoutes)
	router.HandlerFunc(http.MethodGet, "/admin/breakers", s.handleBreakers)
	router.HandlerFunc(http.MethodGet, "/admin/breakers/:provider", s.handleBreaker)
	router.HandlerFunc(http.MethodPost, "/admin/breakers/:provider/reset", s.handleBreakerReset)
	router.HandlerFunc(http.MethodPost, "/admin/breakers/:provider/force-open", s.handleBreakerForceOpen)
	router.HandlerFunc(http.MethodPost, "/admin/breakers/:provider/force-close", s.handleBreakerForceClose)
	router.HandlerFunc(http.MethodPost, "/admin/reload", s.handleReload)
	router.HandlerFunc(http.MethodGet, "/admin/reloads", s.handleReloads)
	router.HandlerFunc(http.MethodGet, "/admin/webhooks", s.handleWebhooks)
	router.Handler(http.MethodGet, "/metrics", s.gateway.collector.Handler())

	return router
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeAdminError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleHealth reports liveness plus a summary of the live config. An
// open breaker is a provider problem, not a gateway problem, so it
// never turns health into an error status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.gateway.state.Load()
	snaps := s.gateway.breakers.Snapshots()
	open := 0
	for _, snap := range snaps {
		if snap.State == circuitbreaker.StateOpen.String() {
			open++
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"timestamp":      time.Now().Format(time.RFC3339),
		"uptime":         time.Since(s.startTime).String(),
		"config_version": st.cfg.Checksum,
		"pipelines":      st.table.PipelineCount(),
		"api_endpoints":  st.table.EndpointCount(),
		"breakers": map[string]interface{}{
			"providers": len(snaps),
			"open":      open,
		},
	})
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	st := s.gateway.state.Load()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pipelines":     st.table.Routes(),
		"api_endpoints": st.table.Endpoints(),
	})
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	snaps := s.gateway.breakers.Snapshots()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(snaps),
		"breakers": snaps,
	})
}

func (s *Server) handleBreaker(w http.ResponseWriter, r *http.Request) {
	provider := httprouter.ParamsFromContext(r.Context()).ByName("provider")
	snap, ok := s.gateway.breakers.Snapshot(provider)
	if !ok {
		writeAdminError(w, http.StatusNotFound, fmt.Sprintf("unknown provider: %s", provider))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	provider := httprouter.ParamsFromContext(r.Context()).ByName("provider")
	b, ok := s.gateway.breakers.Lookup(provider)
	if !ok {
		writeAdminError(w, http.StatusNotFound, fmt.Sprintf("unknown provider: %s", provider))
		return
	}
	b.Reset()
	logging.Info("Circuit breaker reset", zap.String("provider", provider))
	snap, _ := s.gateway.breakers.Snapshot(provider)
	writeJSON(w, http.StatusOK, snap)
}

// handleBreakerForceOpen creates the breaker when the provider has not
// been seen yet, so operators can fence a provider ahead of traffic.
func (s *Server) handleBreakerForceOpen(w http.ResponseWriter, r *http.Request) {
	provider := httprouter.ParamsFromContext(r.Context()).ByName("provider")
	s.gateway.breakers.Get(provider).ForceOpen()
	logging.Info("Circuit breaker forced open", zap.String("provider", provider))
	snap, _ := s.gateway.breakers.Snapshot(provider)
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleBreakerForceClose(w http.ResponseWriter, r *http.Request) {
	provider := httprouter.ParamsFromContext(r.Context()).ByName("provider")
	s.gateway.breakers.Get(provider).ForceClose()
	logging.Info("Circuit breaker forced closed", zap.String("provider", provider))
	snap, _ := s.gateway.breakers.Snapshot(provider)
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	result := s.ReloadConfig()
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleReloads(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	history := make([]ReloadResult, len(s.reloadHistory))
	copy(history, s.reloadHistory)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(history),
		"reloads": history,
	})
}

func (s *Server) handleWebhooks(w http.ResponseWriter, r *http.Request) {
	if s.gateway.dispatcher == nil {
		writeJSON(w, http.StatusOK, webhook.Stats{})
		return
	}
	writeJSON(w, http.StatusOK, s.gateway.dispatcher.Stats())
}
