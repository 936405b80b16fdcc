// Package transport provides HTTP API handlers.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/sealerbench/internal/analyzer"
	"github.com/gateway-fm/sealerbench/internal/config"
	"github.com/gateway-fm/sealerbench/internal/rpc"
	"github.com/gateway-fm/sealerbench/internal/storage"
	"github.com/gateway-fm/sealerbench/pkg/types"
)

// Input validation constants
const (
	maxSpan        = 100000 // heights per analysis
	maxEndpoints   = 32
	analyzeBudget  = 10 * time.Minute
	maxInjectCount = 100000
	maxIntervalMs  = 60000
)

// ErrInjectionRunning is returned by StartInjection while a run is in progress.
var ErrInjectionRunning = errors.New("an injection run is already in progress")

// validateAnalyzeRequest validates the analyze request parameters
func validateAnalyzeRequest(req *types.AnalyzeRequest) error {
	if req.From > req.To {
		return fmt.Errorf("from (%d) must not be after to (%d)", req.From, req.To)
	}
	if req.To-req.From+1 > maxSpan {
		return fmt.Errorf("span exceeds maximum of %d heights", maxSpan)
	}
	if len(req.Endpoints) > maxEndpoints {
		return fmt.Errorf("endpoints exceeds maximum of %d", maxEndpoints)
	}
	for _, ep := range req.Endpoints {
		u, err := url.Parse(ep)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid endpoint: %q", ep)
		}
	}
	return nil
}

// validateInjectRequest validates the inject request parameters
func validateInjectRequest(req *types.InjectRequest) error {
	if req.Count < 0 || req.Count > maxInjectCount {
		return fmt.Errorf("count must be between 0 and %d", maxInjectCount)
	}
	if req.IntervalMs < 0 || req.IntervalMs > maxIntervalMs {
		return fmt.Errorf("intervalMs must be between 0 and %d", maxIntervalMs)
	}
	if strings.ContainsAny(req.Fleet, "/ ") {
		return fmt.Errorf("invalid fleet id: %q", req.Fleet)
	}
	return nil
}

// HarnessAPI defines the interface for the harness that handlers need.
type HarnessAPI interface {
	ListFleets(ctx context.Context) ([]types.FleetSummary, error)
	// FleetStatus returns nil without error for an unknown fleet.
	FleetStatus(ctx context.Context, id string) (*types.FleetStatus, error)
	Analyze(ctx context.Context, req types.AnalyzeRequest) (*types.AnalyzeResponse, error)
	// InjectionRun returns nil without error for an unknown run.
	InjectionRun(ctx context.Context, id string) (*storage.InjectionRun, error)
	InjectionTransactions(ctx context.Context, id string, limit, offset int) (*storage.PaginatedTxLogs, error)
	// StartInjection records a new run and sends its load in the background.
	StartInjection(ctx context.Context, req types.InjectRequest) (*storage.InjectionRun, error)
}

// HealthChecker defines the interface for health checking.
type HealthChecker interface {
	// CheckRPC probes the configured scrape endpoints.
	CheckRPC(ctx context.Context) []types.ReadinessCheck
}

// Server handles HTTP requests for the harness.
type Server struct {
	api       HarnessAPI
	health    HealthChecker
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	startTime time.Time
	heads     *HeadStream

	// CORS configuration
	corsAllowedOrigins []string
	corsAllowAll       bool
}

// NewServer creates a new HTTP server. A nil gatherer serves the default
// Prometheus registry.
func NewServer(api HarnessAPI, health HealthChecker, gatherer prometheus.Gatherer, logger *slog.Logger, corsAllowedOrigins string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	heads := NewHeadStream(logger)
	heads.Start()

	s := &Server{
		api:       api,
		health:    health,
		gatherer:  gatherer,
		logger:    logger,
		startTime: time.Now(),
		heads:     heads,
	}

	origins := strings.TrimSpace(corsAllowedOrigins)
	if origins == "" || origins == "*" {
		s.corsAllowAll = true
	} else {
		s.corsAllowedOrigins = strings.Split(origins, ",")
		for i, o := range s.corsAllowedOrigins {
			s.corsAllowedOrigins[i] = strings.TrimSpace(o)
		}
	}

	return s
}

// Heads returns the head event stream served on /v1/heads.
func (s *Server) Heads() *HeadStream {
	return s.heads
}

// Close stops the head stream.
func (s *Server) Close() {
	s.heads.Stop()
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/fleets", s.corsMiddleware(s.handleFleets))
	mux.HandleFunc("/v1/fleets/", s.corsMiddleware(s.handleFleetDetail))
	mux.HandleFunc("/v1/analyze", s.corsMiddleware(s.handleAnalyze))
	mux.HandleFunc("/v1/injections", s.corsMiddleware(s.handleStartInjection))
	mux.HandleFunc("/v1/injections/", s.corsMiddleware(s.handleInjectionDetail))
	mux.HandleFunc("/v1/heads", s.heads.Handler())

	// Health endpoints (unversioned - standard Kubernetes probes)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return mux
}

// corsMiddleware adds CORS headers based on the configured allowed origins.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.corsAllowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			for _, o := range s.corsAllowedOrigins {
				if o == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
					break
				}
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// handleFleets lists registered fleets.
func (s *Server) handleFleets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	fleets, err := s.api.ListFleets(r.Context())
	if err != nil {
		s.writeJSONError(w, "Failed to list fleets: "+err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, fleets)
}

// handleFleetDetail handles GET /v1/fleets/{id}.
func (s *Server) handleFleetDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/fleets/"), "/")
	if id == "" || strings.Contains(id, "/") {
		s.writeJSONError(w, "Missing fleet ID", http.StatusBadRequest)
		return
	}

	status, err := s.api.FleetStatus(r.Context(), id)
	if err != nil {
		s.writeJSONError(w, "Failed to get fleet status: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if status == nil {
		s.writeJSONError(w, "Fleet not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, status)
}

// handleAnalyze runs a fairness analysis over the requested span.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req types.AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := validateAnalyzeRequest(&req); err != nil {
		s.writeJSONError(w, "Validation error: "+err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), analyzeBudget)
	defer cancel()

	resp, err := s.api.Analyze(ctx, req)
	if err != nil {
		s.logger.Warn("analysis failed", "from", req.From, "to", req.To, "error", err)
		s.writeJSONError(w, "Analysis failed: "+err.Error(), analyzeStatus(err))
		return
	}
	s.writeJSON(w, resp)
}

// analyzeStatus maps analysis errors to HTTP status codes.
func analyzeStatus(err error) int {
	var cfgErr *config.Error
	var epErr *rpc.EndpointError
	switch {
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest
	case errors.Is(err, analyzer.ErrInsufficientData):
		return http.StatusUnprocessableEntity
	case errors.As(err, &epErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// handleStartInjection handles POST /v1/injections.
func (s *Server) handleStartInjection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req types.InjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := validateInjectRequest(&req); err != nil {
		s.writeJSONError(w, "Validation error: "+err.Error(), http.StatusBadRequest)
		return
	}

	run, err := s.api.StartInjection(r.Context(), req)
	if err != nil {
		var cfgErr *config.Error
		switch {
		case errors.Is(err, ErrInjectionRunning):
			s.writeJSONError(w, err.Error(), http.StatusConflict)
		case errors.As(err, &cfgErr):
			s.writeJSONError(w, "Invalid injection: "+err.Error(), http.StatusBadRequest)
		default:
			s.writeJSONError(w, "Failed to start injection: "+err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Location", "/v1/injections/"+url.PathEscape(run.ID))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(run)
}

// handleInjectionDetail handles /v1/injections/{id} and /v1/injections/{id}/transactions.
func (s *Server) handleInjectionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/injections/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		s.writeJSONError(w, "Missing injection run ID", http.StatusBadRequest)
		return
	}
	runID := parts[0]

	if len(parts) > 1 && parts[1] == "transactions" {
		s.handleInjectionTransactions(w, r, runID)
		return
	}

	run, err := s.api.InjectionRun(r.Context(), runID)
	if err != nil {
		s.writeJSONError(w, "Failed to get injection run: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		s.writeJSONError(w, "Injection run not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, run)
}

// handleInjectionTransactions handles GET /v1/injections/{id}/transactions.
func (s *Server) handleInjectionTransactions(w http.ResponseWriter, r *http.Request, runID string) {
	limit := 100
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	result, err := s.api.InjectionTransactions(r.Context(), runID, limit, offset)
	if err != nil {
		s.writeJSONError(w, "Failed to get transactions: "+err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, result)
}

// handleHealth handles liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, types.HealthResponse{
		Status:        "healthy",
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		UptimeSeconds: time.Since(s.startTime).Seconds(),
	})
}

// handleReady handles readiness probes.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := types.ReadyResponse{Ready: true, Checks: []types.ReadinessCheck{}}
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		resp.Checks = s.health.CheckRPC(ctx)
	}
	for _, c := range resp.Checks {
		if c.Status != "ok" {
			resp.Ready = false
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}
