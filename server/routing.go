package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/teranos/engage/logger"
	"github.com/teranos/engage/version"
)

// routes builds the chi router with every endpoint
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.requestLogger, middleware.Recoverer, s.corsMiddleware)

	r.Get("/health", s.HandleHealth)
	r.Get("/ws", s.HandleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/runs", s.HandleListRuns)
		r.Route("/runs/{family}", func(r chi.Router) {
			r.Post("/", s.HandleStartRun)
			r.Get("/", s.HandleRunStatus)
			r.Delete("/", s.HandleStopRun)
		})

		// Registered before /{family} so "executions" is not taken for a family
		r.Get("/schedules/executions", s.HandleListExecutions)
		r.Route("/schedules/{family}", func(r chi.Router) {
			r.Get("/", s.HandleGetSchedules)
			r.Get("/status", s.HandleScheduleStatus)
			r.Put("/entries", s.HandlePutSchedule)
			r.Delete("/entries/{time}", s.HandleDeleteSchedule)
			r.Put("/defaults", s.HandlePutDefaults)
			r.Post("/enable", s.HandleEnableSchedules)
			r.Post("/disable", s.HandleDisableSchedules)
		})

		r.Get("/quota", s.HandleQuota)
		r.Get("/quota/history", s.HandleQuotaHistory)
	})
	return r
}

// requestLogger logs each request at debug level with its chi request ID.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		reqID := middleware.GetReqID(r.Context())
		ctx := logger.WithRequestID(r.Context(), reqID)

		next.ServeHTTP(ww, r.WithContext(ctx))

		logger.FromContext(ctx, s.logger).Debugw("HTTP request",
			logger.FieldMethod, r.Method,
			logger.FieldPath, r.URL.Path,
			logger.FieldStatus, ww.Status(),
			logger.FieldDurationMS, time.Since(start).Milliseconds(),
		)
	})
}

// corsMiddleware adds CORS headers for allowed origins and answers preflight requests
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkOrigin allows requests without an Origin (CLI, tests) and origins
// starting with a configured prefix, so any port matches.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.allowedOrigins) == 0 {
		return strings.HasPrefix(origin, "http://localhost") ||
			strings.HasPrefix(origin, "https://localhost")
	}
	for _, allowed := range s.allowedOrigins {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}

// HandleHealth reports liveness and build information
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	info := version.Get()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": info.Version,
		"commit":  info.Short(),
		"clients": s.hub.ClientCount(),
	})
}
