package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/matt-riley/covercheck/internal/core"
	"github.com/matt-riley/covercheck/internal/metrics"
	"github.com/matt-riley/covercheck/internal/middleware"
	"github.com/matt-riley/covercheck/internal/service"
)

const defaultMaxJSONBodyBytes int64 = 1 << 20

var errJSONBodyTooLarge = errors.New("json request body too large")

// HTTPOption configures the HTTP handler.
type HTTPOption func(*httpConfig)

type httpConfig struct {
	maxJSONBodyBytes int64
	metrics          *metrics.Metrics
	auth             func(http.Handler) http.Handler
	middlewares      []func(http.Handler) http.Handler
	corsOrigins      []string
}

// WithMaxJSONBodySize caps request bodies. Non-positive values keep the
// 1 MiB default.
func WithMaxJSONBodySize(n int64) HTTPOption {
	return func(c *httpConfig) {
		if n > 0 {
			c.maxJSONBodyBytes = n
		}
	}
}

// WithMetrics records request metrics and serves GET /metrics.
func WithMetrics(m *metrics.Metrics) HTTPOption {
	return func(c *httpConfig) { c.metrics = m }
}

// WithAuth protects every /v1 route with mw.
func WithAuth(mw func(http.Handler) http.Handler) HTTPOption {
	return func(c *httpConfig) { c.auth = mw }
}

// WithMiddleware wraps every route, outermost first.
func WithMiddleware(mw ...func(http.Handler) http.Handler) HTTPOption {
	return func(c *httpConfig) { c.middlewares = append(c.middlewares, mw...) }
}

// WithCORSOrigins enables CORS for the given origins.
func WithCORSOrigins(origins ...string) HTTPOption {
	return func(c *httpConfig) { c.corsOrigins = append(c.corsOrigins, origins...) }
}

type HTTPServer struct {
	service          Service
	maxJSONBodyBytes int64
}

type checkEligibilityJSONRequest struct {
	MemberID    string `json:"member_id"`
	ProviderID  string `json:"provider_id,omitempty"`
	ServiceDate string `json:"service_date"`
	ServiceCode string `json:"service_code,omitempty"`
}

func NewHTTPHandler(svc Service, opts ...HTTPOption) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	cfg := httpConfig{maxJSONBodyBytes: defaultMaxJSONBodyBytes}
	for _, opt := range opts {
		opt(&cfg)
	}

	server := &HTTPServer{
		service:          svc,
		maxJSONBodyBytes: cfg.maxJSONBodyBytes,
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(cfg.middlewares...)
	if cfg.metrics != nil {
		r.Use(cfg.metrics.HTTPMiddleware)
	}
	if len(cfg.corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.corsOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", middleware.CorrelationIDHeader},
			ExposedHeaders:   []string{middleware.CorrelationIDHeader},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", server.handleHealthz)
	if cfg.metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		if cfg.auth != nil {
			r.Use(cfg.auth)
		}
		r.Post("/eligibility/check", server.handleCheckEligibility)
		r.Get("/eligibility/audit/{requestID}", server.handleGetAuditRecord)
		r.Get("/members/{memberID}/eligibility/audit", server.handleListMemberAudit)
		r.Get("/coverage", server.handleResolveCoverage)
		r.Get("/rules", server.handleRules)
	})

	return r
}

func (s *HTTPServer) handleCheckEligibility(w http.ResponseWriter, r *http.Request) {
	var request checkEligibilityJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	actor, _ := middleware.ActorFromContext(r.Context())
	decision := s.service.CheckEligibility(r.Context(), service.CheckRequest{
		MemberID:    request.MemberID,
		ProviderID:  request.ProviderID,
		ServiceDate: request.ServiceDate,
		ServiceCode: request.ServiceCode,
	}, actor, middleware.ClientInfoFromRequest(r))

	writeJSON(w, http.StatusOK, decision)
}

func (s *HTTPServer) handleGetAuditRecord(w http.ResponseWriter, r *http.Request) {
	requestID := strings.TrimSpace(chi.URLParam(r, "requestID"))
	if requestID == "" {
		writeJSONError(w, http.StatusBadRequest, "request id is required")
		return
	}

	actor, _ := middleware.ActorFromContext(r.Context())
	record, err := s.service.GetAuditRecord(r.Context(), requestID, actor)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, record)
}

func (s *HTTPServer) handleListMemberAudit(w http.ResponseWriter, r *http.Request) {
	memberID := strings.TrimSpace(chi.URLParam(r, "memberID"))
	if memberID == "" {
		writeJSONError(w, http.StatusBadRequest, "member id is required")
		return
	}

	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	actor, _ := middleware.ActorFromContext(r.Context())
	records, err := s.service.ListAuditRecords(r.Context(), memberID, limit, actor)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *HTTPServer) handleResolveCoverage(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	amount, err := parseAmount(query.Get("amount"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	result, err := s.service.ResolveCoverage(r.Context(), query.Get("policy_id"), query.Get("service_code"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, coverageResponse(result, amount))
}

func (s *HTTPServer) handleRules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]core.RuleInfo{"rules": s.service.Rules()})
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseLimit accepts an empty value (service default) or a positive integer.
func parseLimit(value string) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(value)
	if err != nil || limit <= 0 {
		return 0, errors.New("invalid limit")
	}
	return limit, nil
}

// parseAmount reads a billed amount in minor units.
func parseAmount(value string) (*int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	amount, err := strconv.ParseInt(value, 10, 64)
	if err != nil || amount < 0 {
		return nil, errors.New("invalid amount")
	}
	return &amount, nil
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxJSONBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
