package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/PlainFunction/vaultquery/internal/common/apperr"
	"github.com/PlainFunction/vaultquery/internal/common/logger"
	"github.com/PlainFunction/vaultquery/internal/common/models"
	"github.com/PlainFunction/vaultquery/internal/common/records"
	"github.com/PlainFunction/vaultquery/internal/common/types"
	"github.com/PlainFunction/vaultquery/internal/services"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// DecryptorHealth reports the decryption authority's gRPC health status.
type DecryptorHealth interface {
	Health(ctx context.Context) (*healthpb.HealthCheckResponse, error)
}

type Handler struct {
	gateway   *services.GatewayService
	decryptor DecryptorHealth
	registry  *prometheus.Registry
	log       *logrus.Entry

	// Prometheus metrics
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewHandler registers the HTTP metrics on reg, which is also what /v1/metrics
// serves. decryptor may be nil.
func NewHandler(gateway *services.GatewayService, decryptor DecryptorHealth, reg *prometheus.Registry) *Handler {
	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vaultquery",
			Name:      "api_requests_total",
			Help:      "Total number of API requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vaultquery",
			Name:      "api_request_duration_seconds",
			Help:      "Duration of API requests",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	reg.MustRegister(requestsTotal, requestDuration)

	return &Handler{
		gateway:         gateway,
		decryptor:       decryptor,
		registry:        reg,
		log:             logger.WithComponent("Handler"),
		requestsTotal:   requestsTotal,
		requestDuration: requestDuration,
	}
}

type healthResponse struct {
	*types.HealthCheckResponse
	Decryptor json.RawMessage `json:"decryptor_grpc,omitempty"`
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := healthResponse{HealthCheckResponse: h.gateway.Health(ctx)}

	if h.decryptor != nil {
		if hr, err := h.decryptor.Health(ctx); err != nil {
			resp.Details["decryptor_grpc"] = "unreachable"
			resp.Status = "unhealthy"
		} else {
			// Convert protobuf to JSON
			if jsonBytes, err := protojson.Marshal(hr); err == nil {
				resp.Decryptor = jsonBytes
			}
			if hr.GetStatus() != healthpb.HealthCheckResponse_SERVING {
				resp.Status = "unhealthy"
			}
		}
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (h *Handler) IssueAccessToken(w http.ResponseWriter, r *http.Request) {
	req := &models.IssueAccessTokenRequest{}
	if !h.decode(w, r, req) {
		return
	}
	resp, err := h.gateway.IssueAccessToken(r.Context(), credentials(r), req)
	h.respond(w, http.StatusOK, resp, err)
}

func (h *Handler) IssueQueryToken(w http.ResponseWriter, r *http.Request) {
	resp, err := h.gateway.IssueQueryToken(r.Context(), credentials(r))
	h.respond(w, http.StatusOK, resp, err)
}

func (h *Handler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	req := &models.RevokeTokenRequest{}
	if !h.decode(w, r, req) {
		return
	}
	resp, err := h.gateway.RevokeToken(r.Context(), credentials(r), req)
	h.respond(w, http.StatusOK, resp, err)
}

func (h *Handler) AddRecord(w http.ResponseWriter, r *http.Request) {
	var rec records.Record
	if !h.decode(w, r, &rec) {
		return
	}
	resp, err := h.gateway.AddRecord(r.Context(), credentials(r), rec)
	h.respond(w, http.StatusCreated, resp, err)
}

func (h *Handler) ExactMatch(w http.ResponseWriter, r *http.Request) {
	req := &models.ExactMatchRequest{}
	if !h.decode(w, r, req) {
		return
	}
	resp, err := h.gateway.ExactMatch(r.Context(), credentials(r), req)
	h.respond(w, http.StatusOK, resp, err)
}

func (h *Handler) RangeQuery(w http.ResponseWriter, r *http.Request) {
	req := &models.RangeQueryRequest{}
	if !h.decode(w, r, req) {
		return
	}
	resp, err := h.gateway.RangeQuery(r.Context(), credentials(r), req)
	h.respond(w, http.StatusOK, resp, err)
}

func (h *Handler) KnnQuery(w http.ResponseWriter, r *http.Request) {
	req := &models.KnnQueryRequest{}
	if !h.decode(w, r, req) {
		return
	}
	resp, err := h.gateway.KnnQuery(r.Context(), credentials(r), req)
	h.respond(w, http.StatusOK, resp, err)
}

func (h *Handler) EncryptField(w http.ResponseWriter, r *http.Request) {
	req := &models.EncryptFieldRequest{}
	if !h.decode(w, r, req) {
		return
	}
	resp, err := h.gateway.EncryptField(r.Context(), credentials(r), req)
	h.respond(w, http.StatusOK, resp, err)
}

func (h *Handler) HomomorphicAdd(w http.ResponseWriter, r *http.Request) {
	req := &models.HomomorphicAddRequest{}
	if !h.decode(w, r, req) {
		return
	}
	resp, err := h.gateway.HomomorphicAdd(r.Context(), credentials(r), req)
	h.respond(w, http.StatusOK, resp, err)
}

func (h *Handler) EncryptedSum(w http.ResponseWriter, r *http.Request) {
	req := &models.EncryptedSumRequest{}
	if !h.decode(w, r, req) {
		return
	}
	resp, err := h.gateway.EncryptedSum(r.Context(), credentials(r), req)
	h.respond(w, http.StatusOK, resp, err)
}

func (h *Handler) DecryptValues(w http.ResponseWriter, r *http.Request) {
	req := &models.DecryptValuesRequest{}
	if !h.decode(w, r, req) {
		return
	}
	resp, err := h.gateway.DecryptValues(r.Context(), credentials(r), req)
	h.respond(w, http.StatusOK, resp, err)
}

func (h *Handler) Metrics() http.Handler {
	return promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{Registry: h.registry})
}

func (h *Handler) GetAuditLogs(w http.ResponseWriter, r *http.Request) {
	// Parse query parameters
	req := &types.GetAuditLogsRequest{}
	q := r.URL.Query()

	// Parse time range
	if startTimeStr := q.Get("startTime"); startTimeStr != "" {
		startTime, err := time.Parse(time.RFC3339, startTimeStr)
		if err != nil {
			writeError(w, apperr.InvalidParameter("startTime must be RFC3339"))
			return
		}
		req.StartTime = startTime
	}
	if endTimeStr := q.Get("endTime"); endTimeStr != "" {
		endTime, err := time.Parse(time.RFC3339, endTimeStr)
		if err != nil {
			writeError(w, apperr.InvalidParameter("endTime must be RFC3339"))
			return
		}
		req.EndTime = endTime
	}

	// Parse other filters
	req.Operation = q.Get("operation")
	req.UserID = q.Get("userId")
	req.RequestingService = q.Get("requestingService")

	// Parse limit and offset
	if limitStr := q.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
			req.Limit = int32(limit)
		}
	}
	if offsetStr := q.Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil && offset >= 0 {
			req.Offset = int32(offset)
		}
	}

	resp, err := h.gateway.AuditLogs(r.Context(), credentials(r), req)
	h.respond(w, http.StatusOK, resp, err)
}

func (h *Handler) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := recorder(w)
		next.ServeHTTP(rec, r)

		// unmatched paths share one label
		endpoint := "unmatched"
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tmpl
			}
		}
		h.requestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.code())).Inc()
		h.requestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}

// decode reads a JSON body into v, writing an error response on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	if err := decoder.Decode(v); err != nil {
		h.log.WithError(err).WithField("path", r.URL.Path).Debug("invalid request body")
		writeError(w, apperr.InvalidParameter("Invalid request body"))
		return false
	}
	return true
}

func (h *Handler) respond(w http.ResponseWriter, status int, resp interface{}, err error) {
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			h.log.WithError(err).Error("request failed")
		}
		writeError(w, err)
		return
	}
	writeJSON(w, status, resp)
}

// credentials collects the tokens and caller details from r. The access
// token may be sent bare or as a bearer token.
func credentials(r *http.Request) models.Credentials {
	access := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(access) > 7 && strings.EqualFold(access[:7], "bearer ") {
		access = strings.TrimSpace(access[7:])
	}
	return models.Credentials{
		AccessToken: access,
		QueryToken:  strings.TrimSpace(r.Header.Get(headerQueryToken)),
		ClientIP:    clientIP(r),
		RequestID:   requestIDFrom(r.Context()),
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	writeJSON(w, apperr.HTTPStatus(kind), models.ErrorResponse{
		Error:   string(kind),
		Code:    strings.ToUpper(string(kind)),
		Message: apperr.MessageOf(err),
	})
}
