// Package api exposes the HTTP interface for the watcher service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/pdf-watcher/internal/metrics"
	"github.com/JakeFAU/pdf-watcher/internal/orchestrator"
	"github.com/JakeFAU/pdf-watcher/internal/watcher"
)

const (
	defaultRequestTimeout = 10 * time.Minute
	maxBodyBytes          = 8 << 20
)

// Runs drives the resumable run. *orchestrator.Orchestrator satisfies it.
type Runs interface {
	Run(ctx context.Context, mode orchestrator.Mode, user string) (orchestrator.Result, error)
	Status(ctx context.Context) (orchestrator.Snapshot, error)
	Cancel(ctx context.Context, user string) (orchestrator.Result, error)
}

// ReadyCheck reports whether downstream dependencies are reachable.
type ReadyCheck func(ctx context.Context) error

// Options configures a Server. Runs and Batches may be nil, in which case
// their routes answer 503.
type Options struct {
	Runs    Runs
	Batches watcher.BatchRunner
	History *HistoryHandler
	Ready   ReadyCheck
	// APIKey enables key authentication on /v1 routes when set.
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the orchestrator and batch runner.
type Server struct {
	router   chi.Router
	runs     Runs
	batches  watcher.BatchRunner
	ready    ReadyCheck
	validate *validator.Validate
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.History == nil {
		opts.History = NewHistoryHandler(nil, nil, logger)
	}
	s := &Server{
		runs:     opts.Runs,
		batches:  opts.Batches,
		ready:    opts.Ready,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Post("/batches", s.runBatch)
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.startRun)
			r.Post("/continue", s.continueRun)
			r.Get("/state", s.runState)
			r.Delete("/", s.cancelRun)
		})
		r.Get("/runlog", opts.History.ListRunLogs)
		r.Get("/changes", opts.History.ListChanges)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) runBatch(w http.ResponseWriter, r *http.Request) {
	if s.batches == nil {
		writeError(w, http.StatusServiceUnavailable, "batch runner unavailable")
		return
	}
	var req watcher.BatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	res, err := s.batches.RunBatch(r.Context(), req)
	if err != nil {
		s.logger.Error("run batch failed", zap.Int("pages", len(req.Pages)), zap.Error(err))
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	s.invoke(w, r, orchestrator.ModeStart, http.StatusAccepted)
}

func (s *Server) continueRun(w http.ResponseWriter, r *http.Request) {
	s.invoke(w, r, orchestrator.ModeContinue, http.StatusOK)
}

func (s *Server) invoke(w http.ResponseWriter, r *http.Request, mode orchestrator.Mode, okStatus int) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator unavailable")
		return
	}
	user, err := requestUser(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.runs.Run(r.Context(), mode, user)
	if err != nil {
		s.logger.Warn("invocation failed",
			zap.String("mode", string(mode)),
			zap.String("outcome", string(res.Outcome)),
			zap.Error(err),
		)
		writeJSON(w, statusFor(err), runResponse{Result: res, Error: err.Error()})
		return
	}
	writeJSON(w, okStatus, runResponse{Result: res})
}

func (s *Server) runState(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator unavailable")
		return
	}
	snap, err := s.runs.Status(r.Context())
	if err != nil {
		s.logger.Error("load run state failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run state")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator unavailable")
		return
	}
	user, err := requestUser(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.runs.Cancel(r.Context(), user)
	if err != nil {
		writeJSON(w, statusFor(err), runResponse{Result: res, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, runResponse{Result: res})
}

type runRequest struct {
	User string `json:"user" validate:"omitempty,max=128"`
}

type runResponse struct {
	orchestrator.Result
	Error string `json:"error,omitempty"`
}

// requestUser reads the user from the optional JSON body, the user query
// parameter or the X-User header, in that order.
func requestUser(r *http.Request) (string, error) {
	var req runRequest
	if r.Body != nil {
		err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req)
		if err != nil && !errors.Is(err, io.EOF) {
			return "", errors.New("invalid JSON")
		}
	}
	if req.User == "" {
		req.User = r.URL.Query().Get("user")
	}
	if req.User == "" {
		req.User = r.Header.Get("X-User")
	}
	if len(req.User) > 128 {
		return "", errors.New("user too long")
	}
	return req.User, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrLockBusy), errors.Is(err, orchestrator.ErrRunActive):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	return "invalid field " + fe.Namespace() + ": failed " + fe.Tag()
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
