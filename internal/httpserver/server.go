package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lotwatch/internal/config"
	"lotwatch/internal/metrics"
	"lotwatch/internal/plugin"
	"lotwatch/internal/repo"
)

const maxBodyBytes = 1 << 20

// Options configures the HTTP surface.
type Options struct {
	BasePath   string
	AdminToken string
}

// Dependencies exposes core dependencies to the admin handlers.
type Dependencies struct {
	Store     repo.Store
	Plugins   *plugin.Registry
	Settings  config.SettingsSource
	Messenger plugin.Messenger
	Orders    OrderDesk
}

// Server wraps an http.Server with health, metrics and admin routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	deps       Dependencies
	basePath   string
	adminToken string
}

// New creates a new HTTP server listening on addr.
func New(addr string, logger *slog.Logger, metricRegistry *metrics.Metrics, opts Options) *Server {
	server := &Server{
		logger:     logger.With("component", "http"),
		metrics:    metricRegistry,
		basePath:   normaliseBasePath(opts.BasePath),
		adminToken: strings.TrimSpace(opts.AdminToken),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", server.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.Handle("GET /admin/plugins", server.admin(server.handleListPlugins))
	mux.Handle("POST /admin/plugins/load", server.admin(server.handleLoadPlugin))
	mux.Handle("POST /admin/plugins/{uuid}/enable", server.admin(server.handleSetPlugin(true)))
	mux.Handle("POST /admin/plugins/{uuid}/disable", server.admin(server.handleSetPlugin(false)))
	mux.Handle("DELETE /admin/plugins/{uuid...}", server.admin(server.handleRemovePlugin))
	mux.Handle("GET /admin/commands", server.admin(server.handleListCommands))
	mux.Handle("POST /admin/commands/{name}", server.admin(server.handleCommand))
	mux.Handle("POST /admin/callbacks", server.admin(server.handleCallback))
	mux.Handle("GET /admin/inventory", server.admin(server.handleListInventory))
	mux.Handle("POST /admin/inventory/{product}", server.admin(server.handleAddInventory))
	mux.Handle("DELETE /admin/inventory/{product}", server.admin(server.handleDeleteInventory))
	mux.Handle("POST /admin/orders/{id}/refund", server.admin(server.handleRefundOrder))
	mux.Handle("GET /admin/orders/stats", server.admin(server.handleSalesStats))

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mountWithBasePath(server.basePath, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if server.basePath != "" {
		server.logger.Info("http server configured with base path", "base_path", server.basePath)
	}
	if server.adminToken == "" {
		server.logger.Warn("ADMIN_TOKEN is empty, admin routes are disabled")
	}
	return server
}

// SetDependencies makes dependencies accessible to handlers.
func (s *Server) SetDependencies(deps Dependencies) {
	s.deps = deps
}

// Handler returns the root handler, base path included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(r.Context()); err != nil {
			s.logger.Warn("health check failed", "error", err)
			writeJSONStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "store": err.Error()})
			return
		}
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// admin guards h with the bearer token. Without a configured token every
// admin route answers 403.
func (s *Server) admin(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			writeError(w, http.StatusForbidden, "admin api disabled: ADMIN_TOKEN is not set")
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.adminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		h(w, r)
	})
}

// pluginContext builds a hook context from the current settings snapshot.
func (s *Server) pluginContext() *plugin.Context {
	st := config.DefaultSettings()
	if s.deps.Settings != nil {
		loaded, err := s.deps.Settings.Settings()
		if err != nil {
			s.logger.Warn("read settings failed, using defaults", "error", err)
		}
		st = loaded
	}
	return &plugin.Context{
		Session:   st.SessionCookie,
		Store:     s.deps.Store,
		Settings:  st,
		Messenger: s.deps.Messenger,
	}
}

func (s *Server) failed(w http.ResponseWriter, op string, err error) {
	s.logger.Error("admin request failed", "op", op, "error", err)
	if s.metrics != nil {
		s.metrics.Errors.WithLabelValues("http").Inc()
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONStatus(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, dest any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func mountWithBasePath(basePath string, handler http.Handler) http.Handler {
	if basePath == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rest, ok := strings.CutPrefix(r.URL.Path, basePath)
		if !ok || (rest != "" && rest[0] != '/') {
			http.NotFound(w, r)
			return
		}
		if rest == "" {
			rest = "/"
		}
		r.URL.Path = rest
		if r.URL.RawPath != "" {
			raw := strings.TrimPrefix(r.URL.RawPath, basePath)
			if raw == "" {
				raw = "/"
			}
			r.URL.RawPath = raw
		}
		handler.ServeHTTP(w, r)
	})
}

func normaliseBasePath(base string) string {
	base = strings.TrimSpace(base)
	if base == "" || base == "/" {
		return ""
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimSuffix(base, "/")
}
