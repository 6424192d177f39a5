package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/PlainFunction/vaultquery/internal/common/apperr"
	"github.com/PlainFunction/vaultquery/internal/common/config"
	"github.com/PlainFunction/vaultquery/internal/common/logger"
)

const (
	headerRequestID  = "X-Request-ID"
	headerQueryToken = "Query-Token"
)

type Server struct {
	config  *config.Config
	router  *mux.Router
	handler *Handler
	http    *http.Server
	log     *logrus.Entry
}

func NewServer(cfg *config.Config, handler *Handler) *Server {
	server := &Server{
		config:  cfg,
		router:  mux.NewRouter(),
		handler: handler,
		log:     logger.WithComponent("API"),
	}

	server.setupRoutes()

	return server
}

func (s *Server) setupRoutes() {
	// Health check
	s.router.HandleFunc("/health", s.handler.HealthCheck).Methods("GET")

	// API v1 routes
	api := s.router.PathPrefix("/v1").Subrouter()

	// Tokens
	api.HandleFunc("/tokens/access", s.handler.IssueAccessToken).Methods("POST")
	api.HandleFunc("/tokens/query", s.handler.IssueQueryToken).Methods("POST")
	api.HandleFunc("/tokens/revoke", s.handler.RevokeToken).Methods("POST")

	// Records and queries
	api.HandleFunc("/records", s.handler.AddRecord).Methods("POST")
	api.HandleFunc("/query/exact", s.handler.ExactMatch).Methods("POST")
	api.HandleFunc("/query/range", s.handler.RangeQuery).Methods("POST")
	api.HandleFunc("/query/knn", s.handler.KnnQuery).Methods("POST")

	// Encrypted aggregation
	api.HandleFunc("/aggregate/encrypt", s.handler.EncryptField).Methods("POST")
	api.HandleFunc("/aggregate/add", s.handler.HomomorphicAdd).Methods("POST")
	api.HandleFunc("/aggregate/sum", s.handler.EncryptedSum).Methods("POST")
	api.HandleFunc("/aggregate/decrypt", s.handler.DecryptValues).Methods("POST")

	// Metrics endpoint (Prometheus)
	api.Handle("/metrics", s.handler.Metrics()).Methods("GET")

	// Audit logs endpoint
	api.HandleFunc("/audit/logs", s.handler.GetAuditLogs).Methods("GET")

	// Middleware
	middleware := []mux.MiddlewareFunc{
		requestIDMiddleware,
		s.loggingMiddleware,
		s.recoveryMiddleware,
		s.handler.metricsMiddleware,
	}
	s.router.Use(middleware...)

	// mux skips Use middleware for unmatched routes, so wrap this one by hand
	var notFound http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, apperr.NotFound("route not found"))
	})
	for i := len(middleware) - 1; i >= 0; i-- {
		notFound = middleware[i](notFound)
	}
	s.router.NotFoundHandler = notFound
}

// Router returns the root handler. CORS wraps the router so preflight
// requests are answered before route matching.
func (s *Server) Router() http.Handler {
	return corsMiddleware(s.router)
}

func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         ":" + s.config.APIPort,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) code() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func recorder(w http.ResponseWriter) *statusRecorder {
	if rec, ok := w.(*statusRecorder); ok {
		return rec
	}
	return &statusRecorder{ResponseWriter: w}
}

type ctxKey int

const requestIDKey ctxKey = iota

// Middleware functions
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := recorder(w)
		next.ServeHTTP(rec, r)

		s.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.code(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  requestIDFrom(r.Context()),
		}).Info("request handled")
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				s.log.WithField("panic", p).WithField("path", r.URL.Path).Error("handler panicked")
				writeError(w, apperr.New(apperr.KindInternal, "internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Query-Token, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
