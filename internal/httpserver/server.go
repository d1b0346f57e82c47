package httpserver

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fleetbridge/fleetd/internal/config"
	"github.com/fleetbridge/fleetd/pkg/authgate"
	"github.com/fleetbridge/fleetd/pkg/supervisor"
	"github.com/fleetbridge/fleetd/pkg/webhook"
)

// Server holds the HTTP server dependencies. Unlike the teacher's tenant-
// scoped API surface, this server is single-tenant-per-instance: every
// routable resource is keyed by instance_id, not by an authenticated
// tenant schema (spec §6 has no concept of human login).
type Server struct {
	Router    *chi.Mux
	Logger    *slog.Logger
	DB        *pgxpool.Pool
	Redis     *redis.Client
	Metrics   *prometheus.Registry
	gate      *authgate.Gate
	sup       *supervisor.Supervisor
	webhook   *webhook.Processor
	oauth     *OAuthHandler
	startedAt time.Time
}

// AuditRouter is mounted verbatim under /admin/audit; kept as an interface
// so this package doesn't need to import internal/audit (which would import
// pgstore, which doesn't need to know about the HTTP layer).
type AuditRouter interface {
	Routes() chi.Router
}

// NewServer wires the core's full HTTP surface: health/readiness/metrics,
// the billing webhook intake, the admin instance-control surface, and the
// instance-scoped worker-forwarding routes described in spec §6.
func NewServer(cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client,
	metricsReg *prometheus.Registry, gate *authgate.Gate, sup *supervisor.Supervisor,
	wh *webhook.Processor, auditRoutes AuditRouter, oauth *OAuthHandler) *Server {

	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		DB:        db,
		Redis:     rdb,
		Metrics:   metricsReg,
		gate:      gate,
		sup:       sup,
		webhook:   wh,
		oauth:     oauth,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Signature"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Handle(cfg.MetricsPath, promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	s.Router.Post("/billing/webhooks/{gateway}", s.handleWebhook)

	if oauth != nil {
		s.Router.Get("/oauth/{service}/authorize", func(w http.ResponseWriter, r *http.Request) {
			s.oauth.HandleAuthorize(w, r, chi.URLParam(r, "service"))
		})
		s.Router.Get("/oauth/{service}/callback", func(w http.ResponseWriter, r *http.Request) {
			s.oauth.HandleCallback(w, r, chi.URLParam(r, "service"))
		})
	}

	s.Router.Route("/admin", func(r chi.Router) {
		r.Get("/instances/{instance_id}/status", s.handleInstanceStatus)
		r.Post("/instances/{instance_id}/start", s.handleInstanceStart)
		r.Post("/instances/{instance_id}/stop", s.handleInstanceStop)
		if auditRoutes != nil {
			r.Mount("/audit", auditRoutes.Routes())
		}
	})

	// Instance-scoped worker forwarding, per spec §6: the core resolves a
	// bearer for instance_id and forwards the request verbatim.
	s.Router.Route("/{instance_id}/mcp/{service}", func(r chi.Router) {
		r.Get("/info", s.handleForward)
		r.Get("/tools", s.handleForward)
		r.Post("/rpc", s.handleForward)
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.DB.Ping(ctx); err != nil {
		s.Logger.Error("readiness check: database ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "database not ready")
		return
	}

	if err := s.Redis.Ping(ctx).Err(); err != nil {
		s.Logger.Error("readiness check: redis ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "redis not ready")
		return
	}

	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	gateway := chi.URLParam(r, "gateway")
	sig := r.Header.Get("X-Signature")

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return
	}

	if err := s.webhook.Handle(r.Context(), gateway, body, sig); err != nil {
		s.Logger.Warn("webhook rejected", "gateway", gateway, "error", err)
		RespondError(w, http.StatusBadRequest, "invalid_signature", "signature verification failed")
		return
	}

	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// startRequest is the admin-surface body for starting an instance. It
// mirrors supervisor.SpawnInput.
type startRequest struct {
	ServiceName     string    `json:"service_name" validate:"required"`
	UserID          uuid.UUID `json:"user_id" validate:"required"`
	CredentialsJSON string    `json:"credentials_json"`
	ConfigJSON      string    `json:"config_json"`
}

func (s *Server) handleInstanceStart(w http.ResponseWriter, r *http.Request) {
	instanceID, err := uuid.Parse(chi.URLParam(r, "instance_id"))
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid instance_id")
		return
	}

	var req startRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	wr, err := s.sup.Start(r.Context(), instanceID, supervisor.SpawnInput{
		ServiceName:     req.ServiceName,
		UserID:          req.UserID,
		CredentialsJSON: req.CredentialsJSON,
		ConfigJSON:      req.ConfigJSON,
	})
	if err != nil {
		s.Logger.Error("starting instance", "instance_id", instanceID, "error", err)
		RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	Respond(w, http.StatusOK, wr)
}

func (s *Server) handleInstanceStop(w http.ResponseWriter, r *http.Request) {
	instanceID, err := uuid.Parse(chi.URLParam(r, "instance_id"))
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid instance_id")
		return
	}

	if err := s.sup.Stop(r.Context(), instanceID); err != nil {
		s.Logger.Error("stopping instance", "instance_id", instanceID, "error", err)
		RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	Respond(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) handleInstanceStatus(w http.ResponseWriter, r *http.Request) {
	instanceID, err := uuid.Parse(chi.URLParam(r, "instance_id"))
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid instance_id")
		return
	}

	Respond(w, http.StatusOK, s.sup.Status(instanceID))
}

// handleForward resolves the bearer for instance_id, confirms the worker is
// ready, and reverse-proxies the request to the worker's assigned port. The
// core never interprets the forwarded body (spec §6).
func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	rawID := chi.URLParam(r, "instance_id")

	result, err := s.gate.Resolve(r.Context(), rawID)
	if err != nil {
		authgate.WriteError(w, err)
		return
	}

	wr := s.sup.Status(result.InstanceID)
	if wr.State != supervisor.StateReady && wr.State != supervisor.StateDegraded {
		RespondError(w, http.StatusServiceUnavailable, "worker_unavailable", fmt.Sprintf("worker is %s", wr.State))
		return
	}

	target, err := url.Parse(fmt.Sprintf("http://127.0.0.1:%d", wr.Port))
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "internal_error", "invalid worker target")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	proxy := httputil.NewSingleHostReverseProxy(target)
	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.Header.Set("Authorization", "Bearer "+result.Token)
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		s.Logger.Error("forwarding to worker", "instance_id", result.InstanceID, "error", err)
		RespondError(w, http.StatusBadGateway, "worker_unreachable", "failed to reach worker")
	}

	proxy.ServeHTTP(w, r)
}
