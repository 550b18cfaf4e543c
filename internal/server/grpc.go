package server

import (
	"SerpLedger/internal/config"
	"SerpLedger/internal/ingestion"
	"SerpLedger/internal/ledger"
	"SerpLedger/internal/observability"
	"SerpLedger/internal/projection"
	"SerpLedger/internal/query"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// GRPCServer wraps the gRPC server and the grpc-gateway HTTP mux. The gRPC
// side carries the standard health service plus reflection; the query surface
// itself is HTTP/JSON routed through the gateway mux.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	healthServer  *health.Server
	healthChecker *observability.HealthChecker
	deps          *ServerDeps
	logger        zerolog.Logger
}

// ServerDeps holds the dependencies the HTTP handlers read from.
type ServerDeps struct {
	DB            *sql.DB
	QueryService  *query.QueryService
	Injector      *ingestion.Injector
	Metrics       *observability.Metrics
	HealthChecker *observability.HealthChecker
	Logger        zerolog.Logger
}

func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:    grpcServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthServer:  healthServer,
		healthChecker: deps.HealthChecker,
		deps:          deps,
		logger:        deps.Logger,
	}
}

// SetServing flips the gRPC health status. Called once replay finishes and
// the ingestion loop is live.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway starts the HTTP/JSON query surface (blocking). Routes are
// registered on a grpc-gateway ServeMux via HandlePath so path parameters
// follow the same {name} template syntax as generated gateway stubs.
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	mux := runtime.NewServeMux()

	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{http.MethodGet, "/v1/balances/{account}/{symbol}", s.handleGetBalance},
		{http.MethodGet, "/v1/issuance/{symbol}", s.handleGetIssuance},
		{http.MethodGet, "/v1/adjustments/{symbol}", s.handleGetAdjustments},
		{http.MethodGet, "/v1/journal/{account}", s.handleGetJournal},
		{http.MethodGet, "/v1/integrity", s.handleIntegrity},
		{http.MethodPost, "/v1/admin/rebuild-projections", s.handleRebuildProjections},
		{http.MethodPost, "/v1/admin/inject/deposit", s.handleInjectDeposit},
		{http.MethodPost, "/v1/admin/inject/withdrawal", s.handleInjectWithdrawal},
		{http.MethodPost, "/v1/admin/inject/transfer", s.handleInjectTransfer},
		{http.MethodPost, "/v1/admin/inject/price", s.handleInjectPrice},
		{http.MethodPost, "/v1/admin/inject/tick", s.handleInjectTick},
		{http.MethodPost, "/v1/admin/inject/params", s.handleInjectParams},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.handler); err != nil {
			return fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	}
	httpMux.Handle("/", mux)

	s.httpServer = &http.Server{
		Addr:    s.httpAddr,
		Handler: httpMux,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ============================================================================
// HTTP handlers
// ============================================================================

func (s *GRPCServer) handleGetBalance(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	start := time.Now()
	const endpoint = "get_balance"

	account, err := uuid.Parse(pathParams["account"])
	if err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, fmt.Sprintf("invalid account: %v", err))
		return
	}

	bal, err := s.deps.QueryService.GetBalance(r.Context(), account, pathParams["symbol"])
	if err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, endpoint, start, bal)
}

func (s *GRPCServer) handleGetIssuance(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	start := time.Now()
	const endpoint = "get_issuance"

	iss, err := s.deps.QueryService.GetIssuance(r.Context(), pathParams["symbol"])
	if err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, endpoint, start, iss)
}

func (s *GRPCServer) handleGetAdjustments(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	start := time.Now()
	const endpoint = "get_adjustments"

	symbol := pathParams["symbol"]
	currencyID, ok := ledger.GetCurrencyID(symbol)
	if !ok || !ledger.IsStableCurrency(currencyID) {
		s.writeError(w, endpoint, http.StatusBadRequest, fmt.Sprintf("not a stable currency: %q", symbol))
		return
	}

	limit := parseIntParam(r, "limit", 50, 500)
	var beforeEpoch *int64
	if v := r.URL.Query().Get("before_epoch"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeError(w, endpoint, http.StatusBadRequest, "invalid before_epoch")
			return
		}
		beforeEpoch = &n
	}

	history, err := s.deps.QueryService.GetAdjustments(r.Context(), symbol, limit, beforeEpoch)
	if err != nil {
		s.writeError(w, endpoint, http.StatusInternalServerError, err.Error())
		return
	}
	if history == nil {
		history = []query.AdjustmentResponse{}
	}

	s.writeJSON(w, endpoint, start, map[string]interface{}{
		"symbol":      symbol,
		"adjustments": history,
	})
}

func (s *GRPCServer) handleGetJournal(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	start := time.Now()
	const endpoint = "get_journal"

	account, err := uuid.Parse(pathParams["account"])
	if err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, fmt.Sprintf("invalid account: %v", err))
		return
	}

	var symbol *string
	if v := r.URL.Query().Get("symbol"); v != "" {
		symbol = &v
	}

	limit := parseIntParam(r, "limit", 100, 500)
	var beforeSeq *int64
	if v := r.URL.Query().Get("before_sequence"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeError(w, endpoint, http.StatusBadRequest, "invalid before_sequence")
			return
		}
		beforeSeq = &n
	}

	entries, err := s.deps.QueryService.GetJournalHistory(r.Context(), account, symbol, limit, beforeSeq)
	if err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, err.Error())
		return
	}
	if entries == nil {
		entries = []query.JournalHistoryEntry{}
	}

	s.writeJSON(w, endpoint, start, map[string]interface{}{
		"account": account,
		"entries": entries,
	})
}

func (s *GRPCServer) handleIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	start := time.Now()
	const endpoint = "integrity"

	report, err := s.deps.QueryService.VerifyIntegrity(r.Context())
	if err != nil {
		s.writeError(w, endpoint, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, endpoint, start, report)
}

func (s *GRPCServer) handleRebuildProjections(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	start := time.Now()
	const endpoint = "rebuild_projections"

	symbolFor := func(id uint16) (string, bool) {
		return ledger.GetCurrencySymbol(ledger.CurrencyID(id))
	}
	if err := projection.RebuildProjections(r.Context(), s.deps.DB, symbolFor, s.logger); err != nil {
		s.writeError(w, endpoint, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, endpoint, start, map[string]interface{}{
		"rebuilt": true,
	})
}

// ============================================================================
// Admin injection
//
// These endpoints queue events into the same inbound path as NATS; a 200
// response means accepted, not applied. Duplicate injections dedup on the
// event's idempotency key like any other event, and balance commands must
// carry the currency partition's next expected source sequence or the core
// rejects them as out of order.
// ============================================================================

func (s *GRPCServer) handleInjectDeposit(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	start := time.Now()
	const endpoint = "inject_deposit"

	var req struct {
		Account  string `json:"account"`
		Symbol   string `json:"symbol"`
		Amount   uint64 `json:"amount"`
		Sequence int64  `json:"sequence"`
	}
	if !s.decodeInjectBody(w, r, endpoint, &req) {
		return
	}

	account, err := uuid.Parse(req.Account)
	if err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, fmt.Sprintf("invalid account: %v", err))
		return
	}

	if err := s.deps.Injector.InjectDeposit(r.Context(), account, req.Symbol, req.Amount, req.Sequence); err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, endpoint, start, map[string]interface{}{"queued": true})
}

func (s *GRPCServer) handleInjectWithdrawal(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	start := time.Now()
	const endpoint = "inject_withdrawal"

	var req struct {
		Account  string `json:"account"`
		Symbol   string `json:"symbol"`
		Amount   uint64 `json:"amount"`
		Sequence int64  `json:"sequence"`
	}
	if !s.decodeInjectBody(w, r, endpoint, &req) {
		return
	}

	account, err := uuid.Parse(req.Account)
	if err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, fmt.Sprintf("invalid account: %v", err))
		return
	}

	if err := s.deps.Injector.InjectWithdrawal(r.Context(), account, req.Symbol, req.Amount, req.Sequence); err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, endpoint, start, map[string]interface{}{"queued": true})
}

func (s *GRPCServer) handleInjectTransfer(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	start := time.Now()
	const endpoint = "inject_transfer"

	var req struct {
		From     string `json:"from"`
		To       string `json:"to"`
		Symbol   string `json:"symbol"`
		Amount   uint64 `json:"amount"`
		Sequence int64  `json:"sequence"`
	}
	if !s.decodeInjectBody(w, r, endpoint, &req) {
		return
	}

	from, err := uuid.Parse(req.From)
	if err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, fmt.Sprintf("invalid from account: %v", err))
		return
	}
	to, err := uuid.Parse(req.To)
	if err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, fmt.Sprintf("invalid to account: %v", err))
		return
	}

	if err := s.deps.Injector.InjectTransfer(r.Context(), from, to, req.Symbol, req.Amount, req.Sequence); err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, endpoint, start, map[string]interface{}{"queued": true})
}

func (s *GRPCServer) handleInjectPrice(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	start := time.Now()
	const endpoint = "inject_price"

	var req struct {
		Symbol        string `json:"symbol"`
		Price         uint64 `json:"price"`
		PriceSequence int64  `json:"price_sequence"`
	}
	if !s.decodeInjectBody(w, r, endpoint, &req) {
		return
	}

	if err := s.deps.Injector.InjectPrice(r.Context(), req.Symbol, req.Price, req.PriceSequence); err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, endpoint, start, map[string]interface{}{"queued": true})
}

func (s *GRPCServer) handleInjectTick(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	start := time.Now()
	const endpoint = "inject_tick"

	var req struct {
		Symbol string `json:"symbol"`
		Epoch  int64  `json:"epoch"`
	}
	if !s.decodeInjectBody(w, r, endpoint, &req) {
		return
	}

	if err := s.deps.Injector.InjectTick(r.Context(), req.Symbol, req.Epoch); err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, endpoint, start, map[string]interface{}{"queued": true})
}

func (s *GRPCServer) handleInjectParams(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	start := time.Now()
	const endpoint = "inject_params"

	var req struct {
		Symbol              string `json:"symbol"`
		PegUnit             uint64 `json:"peg_unit"`
		Tolerance           uint64 `json:"tolerance"`
		IncentiveRate       string `json:"incentive_rate"` // decimal string, e.g. "0.01"
		AdjustmentFrequency int64  `json:"adjustment_frequency"`
		Serper              string `json:"serper"`
		Version             int64  `json:"version"`
	}
	if !s.decodeInjectBody(w, r, endpoint, &req) {
		return
	}

	rate, err := config.ParseRate(req.IncentiveRate)
	if err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, fmt.Sprintf("invalid incentive_rate: %v", err))
		return
	}
	serper, err := uuid.Parse(req.Serper)
	if err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, fmt.Sprintf("invalid serper: %v", err))
		return
	}

	if err := s.deps.Injector.InjectParams(r.Context(), req.Symbol, req.PegUnit, req.Tolerance,
		rate, req.AdjustmentFrequency, serper, req.Version); err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, endpoint, start, map[string]interface{}{"queued": true})
}

func (s *GRPCServer) decodeInjectBody(w http.ResponseWriter, r *http.Request, endpoint string, v interface{}) bool {
	if s.deps.Injector == nil {
		s.writeError(w, endpoint, http.StatusServiceUnavailable, "injection unavailable")
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return false
	}
	return true
}

// ============================================================================
// Helpers
// ============================================================================

func (s *GRPCServer) writeJSON(w http.ResponseWriter, endpoint string, start time.Time, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Str("endpoint", endpoint).Msg("encode response")
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.QueryRequests.WithLabelValues(endpoint, "ok").Inc()
		s.deps.Metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

func (s *GRPCServer) writeError(w http.ResponseWriter, endpoint string, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
	if s.deps.Metrics != nil {
		s.deps.Metrics.QueryRequests.WithLabelValues(endpoint, "error").Inc()
		s.deps.Metrics.QueryErrors.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
	}
}

func parseIntParam(r *http.Request, name string, def, max int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > max {
		return def
	}
	return n
}
