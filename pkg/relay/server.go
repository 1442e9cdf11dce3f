// Package relay is the HTTP gateway: an OpenAI-compatible surface on
// one side, the vendor's framed Protobuf protocol on the other.
package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/acme/autocert"

	"github.com/KilimcininKorOglu/cursor-api/pkg/cache"
	"github.com/KilimcininKorOglu/cursor-api/pkg/config"
	"github.com/KilimcininKorOglu/cursor-api/pkg/logring"
	"github.com/KilimcininKorOglu/cursor-api/pkg/pool"
	"github.com/KilimcininKorOglu/cursor-api/pkg/proxies"
	"github.com/KilimcininKorOglu/cursor-api/pkg/wire"
)

// Server wires the pool, proxy registry, telemetry ring and runtime
// config behind the HTTP surface.
type Server struct {
	cfg      *config.App
	runtime  *config.RuntimeStore
	pool     *pool.Pool
	registry *proxies.Registry
	ring     *logring.Ring
	vendor   *vendorClient
	logger   *log.Logger

	modelsCached atomic.Pointer[[]wire.CatalogModel]
	// configVersions caches vendor-issued config versions per alias so
	// /config-version/get does not hammer the vendor.
	configVersions *cache.TTLMap[string, string]
	httpServer     *http.Server
	startedAt      time.Time
}

// NewServer assembles the router. Stores must be loaded already.
func NewServer(cfg *config.App, runtime *config.RuntimeStore, p *pool.Pool, registry *proxies.Registry, ring *logring.Ring, logger *log.Logger) *Server {
	s := &Server{
		cfg:            cfg,
		runtime:        runtime,
		pool:           p,
		registry:       registry,
		ring:           ring,
		vendor:         newVendorClient(registry, cfg.UpstreamBase, nil),
		logger:         logger,
		configVersions: cache.NewTTLMap[string, string](),
		startedAt:      time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	mount := func(router chi.Router) {
		router.Get("/health", s.handleHealth)
		router.Get("/gen-uuid", s.handleGenUUID)
		router.Get("/gen-hash", s.handleGenHash)
		router.Get("/gen-checksum", s.handleGenChecksum)

		router.Route("/v1", func(v1 chi.Router) {
			v1.Get("/models", s.requireChatAuth(s.handleModels))
			v1.Post("/chat/completions", s.requireChatAuth(s.handleChatCompletions))
		})

		router.Route("/cpp", func(cpp chi.Router) {
			cpp.Get("/models", s.requireChatAuth(s.handleCppModels))
			cpp.Post("/config", s.requireChatAuth(s.handleCppConfig))
			cpp.Post("/stream", s.requireChatAuth(s.handleCppStream))
		})

		router.Route("/file", func(file chi.Router) {
			file.Post("/upload", s.requireChatAuth(s.handleFileUpload))
			file.Post("/sync", s.requireChatAuth(s.handleFileSync))
		})

		router.With(s.maybeRequireAdmin).Post("/build-key", s.handleBuildKey)
		router.With(s.maybeRequireAdmin).Post("/config-version/get", s.handleConfigVersionGet)

		router.Group(func(admin chi.Router) {
			admin.Use(s.requireAdmin)

			admin.Route("/tokens", func(t chi.Router) {
				t.Post("/add", s.handleTokensAdd)
				t.Post("/del", s.handleTokensDel)
				t.Post("/set", s.handleTokensSet)
				t.Post("/get", s.handleTokensGet)
				t.Post("/merge", s.handleTokensMerge)
				t.Post("/alias/set", s.handleTokensAliasSet)
				t.Post("/status/set", s.handleTokensStatusSet)
				t.Post("/proxy/set", s.handleTokensProxySet)
				t.Post("/timezone/set", s.handleTokensTimezoneSet)
				t.Post("/refresh", s.handleTokensRefresh)
				t.Post("/profile/update", s.handleTokensProfileUpdate)
				t.Post("/config-version/update", s.handleTokensConfigVersionUpdate)
			})

			admin.Route("/proxies", func(px chi.Router) {
				px.Post("/get", s.handleProxiesGet)
				px.Post("/set", s.handleProxiesSet)
				px.Post("/add", s.handleProxiesAdd)
				px.Post("/del", s.handleProxiesDel)
				px.Post("/set-general", s.handleProxiesSetGeneral)
			})

			admin.Post("/config/get", s.handleConfigGet)
			admin.Post("/config/set", s.handleConfigSet)
			admin.Get("/config/reload", s.handleConfigReload)

			admin.Get("/logs", s.handleLogsPage)
			admin.Get("/logs/ws", s.handleLogsWS)
		})

		// Telemetry queries are open to any authenticated caller;
		// non-admin principals see only their own tokens' records.
		router.Post("/logs/get", s.requireChatAuth(s.handleLogsGet))
		router.Post("/logs/tokens/get", s.requireChatAuth(s.handleLogsTokensGet))
	}

	if cfg.RoutePrefix != "" {
		r.Route(cfg.RoutePrefix, mount)
	} else {
		mount(r)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves until ctx is cancelled, then drains and flushes state.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	if s.cfg.TLSDomain != "" {
		mgr := &autocert.Manager{
			Cache:      autocert.DirCache(s.cfg.TLSCacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(s.cfg.TLSDomain),
			Email:      s.cfg.TLSEmail,
		}

		httpsSrv := &http.Server{
			Addr:              ":443",
			Handler:           s.httpServer.Handler,
			ReadHeaderTimeout: s.httpServer.ReadHeaderTimeout,
			ReadTimeout:       s.httpServer.ReadTimeout,
			WriteTimeout:      s.httpServer.WriteTimeout,
			IdleTimeout:       s.httpServer.IdleTimeout,
			TLSConfig:         &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12},
		}

		challenge := &http.Server{
			Addr:              ":80",
			Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			s.logger.Info("http challenge/redirect listening", "addr", ":80")
			if err := challenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http challenge server: %w", err)
			}
		}()
		go func() {
			s.logger.Info("https listening", "addr", ":443", "domain", s.cfg.TLSDomain)
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()

		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = challenge.Shutdown(shutdownCtx)
		_ = httpsSrv.Shutdown(shutdownCtx)
		s.flush()
		return firstErr(errCh)
	}

	go func() {
		s.logger.Info("gateway listening", "addr", s.cfg.ListenAddr(), "prefix", s.cfg.RoutePrefix)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway server: %w", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	s.flush()
	return firstErr(errCh)
}

func (s *Server) flush() {
	if err := s.pool.Flush(); err != nil {
		s.logger.Error("token snapshot flush failed", "err", err)
	}
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}

func firstErr(ch chan error) error {
	select {
	case err := <-ch:
		return err
	default:
		return nil
	}
}
