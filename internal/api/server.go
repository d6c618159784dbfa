package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"resource-pipeline/internal/auth"
	"resource-pipeline/internal/config"
	"resource-pipeline/internal/costs"
	"resource-pipeline/internal/dependency"
	"resource-pipeline/internal/errs"
	"resource-pipeline/internal/logging"
	"resource-pipeline/internal/models"
	"resource-pipeline/internal/ratelimit"
	"resource-pipeline/internal/store"
	"resource-pipeline/internal/telemetry"
)

// JobQueue is the part of queue.RedisQueue the API uses.
type JobQueue interface {
	Submit(ctx context.Context, queueName, callerID string, payload map[string]any) (models.Job, error)
	Get(ctx context.Context, jobID string) (models.Job, error)
	Stats(ctx context.Context, queueName string) (models.QueueStats, error)
	Subscribe(ctx context.Context, jobID string) (<-chan models.JobEvent, func(), error)
}

// Validator answers dependency checks.
type Validator interface {
	Validate(ctx context.Context, userID, resourceID string) (models.ValidationResult, bool, error)
	ValidateBatch(ctx context.Context, userID string, resourceIDs []string) ([]dependency.BatchItem, error)
}

// ContextBuilder assembles cumulative context previews.
type ContextBuilder interface {
	Aggregate(ctx context.Context, userID, targetResourceID string) (models.PromptContext, bool, error)
}

// CostHistory reads persisted completion totals.
type CostHistory interface {
	CompletionTotals(ctx context.Context, since time.Time) ([]store.ModelTotal, error)
}

// Deps bundles the collaborators of a Server. Costs, History and Checks are optional.
type Deps struct {
	Queue     JobQueue
	Limiter   *ratelimit.Limiter
	Tiers     ratelimit.TierResolver
	Auth      *auth.Service
	Validator Validator
	Contexts  ContextBuilder
	Costs     *costs.Tracker
	History   CostHistory
	// Checks are run by /healthz, keyed by dependency name.
	Checks map[string]func(ctx context.Context) error
}

// Server wires HTTP handlers for the pipeline API.
type Server struct {
	cfg      config.Config
	deps     Deps
	validate *validator.Validate
	log      zerolog.Logger
	now      func() time.Time
}

// New constructs the API server.
func New(cfg config.Config, deps Deps) *Server {
	return &Server{
		cfg:      cfg,
		deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      logging.With("api"),
		now:      time.Now,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		if s.cfg.IPRequestsPerMin > 0 {
			r.Use(httprate.LimitByIP(s.cfg.IPRequestsPerMin, time.Minute))
		}
		if s.deps.Auth != nil {
			r.Use(s.deps.Auth.Middleware)
		}

		r.Post("/jobs/{queueKind}", s.handleSubmit)
		r.Get("/jobs/{jobId}", s.handleGetJob)
		r.Get("/jobs/{jobId}/events", s.handleJobEvents)
		r.Get("/queues/{queueName}/stats", s.handleQueueStats)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireUser)
			r.Post("/dependencies/validate", s.handleValidate)
			r.Post("/dependencies/validate/batch", s.handleValidateBatch)
			r.Post("/context/aggregate", s.handleAggregate)
			r.Get("/costs/summary", s.handleCostSummary)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]string{}
	healthy := true
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			status[name] = err.Error()
			healthy = false
			continue
		}
		status[name] = "ok"
	}
	if !healthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "checks": status})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "checks": status})
}

// identity returns the caller resolved by the auth middleware, or an anonymous IP identity.
func identity(r *http.Request) auth.Identity {
	if id, ok := auth.FromContext(r.Context()); ok {
		return id
	}
	return auth.Identity{ID: "ip:" + r.RemoteAddr, Anonymous: true}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		log := s.log.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()
		next.ServeHTTP(ww, r.WithContext(logging.WithContext(r.Context(), log)))
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", s.now().Sub(start)).
			Msg("request")
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errs.Wrap(errs.ErrInvalidPayload, "invalid json: %v", err)
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			e := errs.Wrap(errs.ErrInvalidPayload, "request body failed validation")
			e.Fields = make(map[string]string, len(verrs))
			for _, fe := range verrs {
				e.Fields[fe.Field()] = fe.Tag()
			}
			return e
		}
		return errs.Wrap(errs.ErrInvalidPayload, "%v", err)
	}
	return nil
}

type errorResponse struct {
	Error  string            `json:"error"`
	Code   string            `json:"code,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.HTTPStatus(err)
	body := errorResponse{Error: http.StatusText(status)}
	var e *errs.Error
	if errors.As(err, &e) {
		body.Code = e.Code
		body.Fields = e.Fields
		if status < http.StatusInternalServerError {
			body.Error = e.Message
		}
	}
	if status >= http.StatusInternalServerError {
		logging.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
