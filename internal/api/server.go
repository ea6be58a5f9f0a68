package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/auditconsole/classify/internal/auth"
	"github.com/auditconsole/classify/internal/classification"
	"github.com/auditconsole/classify/internal/config"
	"github.com/auditconsole/classify/internal/models"
	"github.com/auditconsole/classify/internal/queue"
	"github.com/auditconsole/classify/internal/review"
	"github.com/auditconsole/classify/internal/rules"
	"github.com/auditconsole/classify/internal/scheduler"
	"github.com/auditconsole/classify/internal/store"
)

// AssetStore is the inventory view the API reads and registers assets through.
type AssetStore interface {
	CreateAsset(ctx context.Context, asset *models.DataAsset) error
	GetAsset(ctx context.Context, id uuid.UUID) (*models.DataAsset, error)
	ListAssets(ctx context.Context, filters store.ListAssetFilters) ([]*models.DataAsset, int, error)
	CountAssetsByLevel(ctx context.Context) (map[string]int, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Services are the components the handlers drive. Scheduler, Queue and
// Health may be nil; their routes then answer 503.
type Services struct {
	Auth      *auth.Service
	Engine    *classification.Engine
	Workflow  *review.Workflow
	Rules     *rules.Service
	Assets    AssetStore
	Scheduler *scheduler.Scheduler
	Queue     *queue.Queue
	Health    Pinger
}

type Server struct {
	cfg    *config.Config
	router *chi.Mux
	http   *http.Server
	logger *slog.Logger

	authService *auth.Service
	engine      *classification.Engine
	workflow    *review.Workflow
	rules       *rules.Service
	assets      AssetStore
	scheduler   *scheduler.Scheduler
	queue       *queue.Queue
	health      Pinger
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(cfg *config.Config, svc Services, opts ...ServerOption) (*Server, error) {
	if svc.Auth == nil || svc.Engine == nil || svc.Workflow == nil || svc.Rules == nil || svc.Assets == nil {
		return nil, errors.New("api: auth, engine, workflow, rules and assets are required")
	}

	s := &Server{
		cfg:         cfg,
		router:      chi.NewRouter(),
		logger:      slog.Default(),
		authService: svc.Auth,
		engine:      svc.Engine,
		workflow:    svc.Workflow,
		rules:       svc.Rules,
		assets:      svc.Assets,
		scheduler:   svc.Scheduler,
		queue:       svc.Queue,
		health:      svc.Health,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(s.corsMiddleware())
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	allowOrigin := s.cfg.Server.CORSAllowOrigin
	if allowOrigin == "" {
		allowOrigin = "*"
		s.logger.Warn("CORS Allow-Origin set to '*', configure server.cors_allow_origin in production")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Credentials", "true")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.healthCheck)
	s.router.Get("/ready", s.readyCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", s.login)
		r.Post("/auth/refresh", s.refresh)

		r.Group(func(r chi.Router) {
			r.Use(s.authService.Middleware)

			r.Post("/auth/logout", s.logout)
			r.Get("/auth/me", s.getCurrentUser)

			r.Route("/users", func(r chi.Router) {
				r.Use(auth.RequireRole(auth.RoleAdmin))
				r.Get("/", s.listUsers)
				r.Post("/", s.createUser)
				r.Put("/{userID}/role", s.updateUserRole)
				r.Delete("/{userID}", s.deleteUser)
			})

			r.Route("/assets", func(r chi.Router) {
				r.Get("/", s.listAssets)
				r.Get("/{assetID}", s.getAsset)
				r.With(auth.RequireRole(auth.OperatorRoles...)).Post("/", s.createAsset)
			})

			r.Get("/dashboard/summary", s.getDashboardSummary)

			r.Route("/classification", func(r chi.Router) {
				r.Post("/match", s.matchRules)
				r.Get("/assets/{assetID}/needs-review", s.needsReview)
				r.Get("/jobs/{jobID}", s.getClassificationJob)
				r.Get("/queue/stats", s.getQueueStats)

				r.Group(func(r chi.Router) {
					r.Use(auth.RequireRole(auth.OperatorRoles...))
					r.Post("/assets/{assetID}/classify", s.classifyAsset)
					r.Post("/batch", s.batchClassify)
					r.Post("/batch/async", s.enqueueBatchClassify)
					r.Post("/unclassified", s.classifyUnclassified)
				})
			})

			r.Route("/review", func(r chi.Router) {
				r.Get("/pending", s.listPendingReviews)
				r.Get("/assets/{assetID}/history", s.getHistory)
				r.Get("/assets/{assetID}/history/latest", s.getLatestHistory)

				r.Group(func(r chi.Router) {
					r.Use(auth.RequireRole(auth.OperatorRoles...))
					r.Post("/assets/{assetID}/manual", s.manualClassify)
					r.Post("/assets/{assetID}/submit", s.submitReview)
				})

				r.Group(func(r chi.Router) {
					r.Use(auth.RequireRole(auth.ReviewerRoles...))
					r.Post("/assets/{assetID}/decision", s.reviewDecision)
					r.Post("/batch/approve", s.batchApprove)
					r.Post("/batch/reject", s.batchReject)
				})
			})

			r.Route("/rules", func(r chi.Router) {
				r.Get("/", s.listRules)
				r.Get("/templates", s.getRuleTemplates)
				r.Post("/test", s.testRule)
				r.Get("/{ruleID}", s.getRule)

				r.Group(func(r chi.Router) {
					r.Use(auth.RequireRole(auth.RoleAdmin))
					r.Post("/", s.createRule)
					r.Put("/order", s.reorderRules)
					r.Put("/{ruleID}", s.updateRule)
					r.Delete("/{ruleID}", s.deleteRule)
				})
			})

			r.Route("/jobs", func(r chi.Router) {
				r.Get("/", s.listScheduledJobs)
				r.Get("/{jobID}", s.getScheduledJob)
				r.Get("/{jobID}/executions", s.getJobExecutions)

				r.Group(func(r chi.Router) {
					r.Use(auth.RequireRole(auth.RoleAdmin))
					r.Post("/", s.createScheduledJob)
					r.Put("/{jobID}", s.updateScheduledJob)
					r.Delete("/{jobID}", s.deleteScheduledJob)
					r.Post("/{jobID}/run", s.runScheduledJobNow)
				})
			})
		})
	})
}

func (s *Server) Run(ctx context.Context) error {
	if s.scheduler != nil {
		if err := s.scheduler.Start(ctx); err != nil {
			s.logger.Error("failed to start scheduler", "error", err)
		}
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		if s.scheduler != nil {
			<-s.scheduler.Stop().Done()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
	Meta    *apiMeta    `json:"meta,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiMeta struct {
	Total  int `json:"total"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	})
}

func respondJSONWithMeta(w http.ResponseWriter, status int, data interface{}, meta *apiMeta) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
		Meta:    meta,
	})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: false,
		Error: &apiError{
			Code:    code,
			Message: message,
		},
	})
}

// respondErr maps the domain error taxonomy onto HTTP statuses. Store
// failures are logged and reported without their cause.
func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, models.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, models.ErrStateConflict):
		respondError(w, http.StatusConflict, "state_conflict", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "timeout", "request timed out")
	default:
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func actor(r *http.Request) string {
	who, _ := auth.Actor(r.Context())
	return who
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func (s *Server) readyCheck(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, "db_unavailable", "Database not available")
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
