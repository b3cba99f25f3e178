package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"IrmaLedger/internal/core"
	"IrmaLedger/internal/ledger"
	"IrmaLedger/internal/observability"
	"IrmaLedger/internal/query"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// QueryReader is the read side served under /v1.
type QueryReader interface {
	GetLedger(ctx context.Context) (*query.LedgerResponse, error)
	GetAsset(ctx context.Context, symbol string) (*query.AssetResponse, error)
	GetRedemptions(ctx context.Context, filter query.RedemptionFilter) (*query.RedemptionPage, error)
	GetJournalHistory(ctx context.Context, symbol string, limit int, beforeSequence *int64) ([]query.JournalEntry, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// AdminSubmitter injects operator requests into the core.
type AdminSubmitter interface {
	Initialize(ctx context.Context, requestID uuid.UUID) (*core.CoreOutput, error)
	SetMintPrice(ctx context.Context, requestID uuid.UUID, asset string, price decimal.Decimal) (*core.CoreOutput, error)
	ReportInflation(ctx context.Context, asset string, inflationPercent, referencePriceUSD decimal.Decimal, readingSequence int64) (*core.CoreOutput, error)
}

// APIDeps holds everything the HTTP API serves from.
type APIDeps struct {
	Query   QueryReader
	Admin   AdminSubmitter
	Rebuild func(ctx context.Context) error // nil disables the rebuild endpoint

	AdminToken     string  // bearer token for /v1/admin; empty disables the check
	AdminRateLimit float64 // requests per second
	AdminBurst     int
	RequestTimeout time.Duration

	Metrics *observability.Metrics
	Log     zerolog.Logger
}

// API is the HTTP/JSON surface, routed by the gateway mux.
type API struct {
	deps      APIDeps
	mux       *runtime.ServeMux
	marshaler runtime.Marshaler
	limiter   *rate.Limiter
}

// NewAPI registers every route on a fresh gateway mux.
func NewAPI(deps APIDeps) (*API, error) {
	if deps.AdminRateLimit <= 0 {
		deps.AdminRateLimit = 5
	}
	if deps.AdminBurst <= 0 {
		deps.AdminBurst = 1
	}
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 10 * time.Second
	}

	a := &API{
		deps:      deps,
		mux:       runtime.NewServeMux(),
		marshaler: &runtime.JSONBuiltin{},
		limiter:   rate.NewLimiter(rate.Limit(deps.AdminRateLimit), deps.AdminBurst),
	}

	routes := []struct {
		method, pattern, name string
		admin                 bool
		h                     runtime.HandlerFunc
	}{
		{http.MethodGet, "/v1/ledger", "ledger", false, a.getLedger},
		{http.MethodGet, "/v1/assets/{asset}", "asset", false, a.getAsset},
		{http.MethodGet, "/v1/assets/{asset}/journal", "journal", false, a.getJournal},
		{http.MethodGet, "/v1/redemptions", "redemptions", false, a.listRedemptions},
		{http.MethodPost, "/v1/admin/initialize", "admin_initialize", true, a.initialize},
		{http.MethodPost, "/v1/admin/mint-price", "admin_mint_price", true, a.setMintPrice},
		{http.MethodPost, "/v1/admin/oracle", "admin_oracle", true, a.reportInflation},
		{http.MethodPost, "/v1/admin/rebuild-projections", "admin_rebuild", true, a.rebuildProjections},
		{http.MethodGet, "/v1/admin/integrity", "admin_integrity", true, a.verifyIntegrity},
	}
	for _, r := range routes {
		h := r.h
		if r.admin {
			h = a.adminOnly(h)
		}
		if err := a.mux.HandlePath(r.method, r.pattern, a.instrument(r.name, h)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}
	return a, nil
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

// === Middleware ===

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *API) instrument(route string, next runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}

		ctx, cancel := context.WithTimeout(r.Context(), a.deps.RequestTimeout)
		defer cancel()
		next(rec, r.WithContext(ctx), params)

		if m := a.deps.Metrics; m != nil {
			m.QueryRequests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
			m.QueryDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
		a.deps.Log.Debug().
			Str("route", route).
			Int("code", rec.code).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

func (a *API) adminOnly(next runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		if tok := a.deps.AdminToken; tok != "" && r.Header.Get("Authorization") != "Bearer "+tok {
			a.writeError(w, http.StatusUnauthorized, "Unauthorized", "missing or invalid admin token")
			return
		}
		if !a.limiter.Allow() {
			a.writeError(w, http.StatusTooManyRequests, "RateLimited", "admin rate limit exceeded")
			return
		}
		next(w, r, params)
	}
}

// === Read routes ===

func (a *API) getLedger(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := a.deps.Query.GetLedger(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	a.write(w, http.StatusOK, resp)
}

func (a *API) getAsset(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := a.deps.Query.GetAsset(r.Context(), params["asset"])
	if err != nil {
		a.fail(w, err)
		return
	}
	a.write(w, http.StatusOK, resp)
}

func (a *API) getJournal(w http.ResponseWriter, r *http.Request, params map[string]string) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "InvalidArgument", "limit: "+err.Error())
		return
	}
	before, err := cursorParam(q.Get("before"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "InvalidArgument", "before: "+err.Error())
		return
	}
	entries, err := a.deps.Query.GetJournalHistory(r.Context(), params["asset"], int(limit), before)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.write(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (a *API) listRedemptions(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "InvalidArgument", "limit: "+err.Error())
		return
	}
	before, err := cursorParam(q.Get("before"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "InvalidArgument", "before: "+err.Error())
		return
	}
	page, err := a.deps.Query.GetRedemptions(r.Context(), query.RedemptionFilter{
		Quote:          q.Get("quote"),
		Trader:         q.Get("trader"),
		BeforeSequence: before,
		Limit:          int(limit),
	})
	if err != nil {
		a.fail(w, err)
		return
	}
	a.write(w, http.StatusOK, page)
}

// === Admin routes ===

// AdminResponse reports how the core decided an admin request.
type AdminResponse struct {
	Duplicate    bool   `json:"duplicate"`
	Sequence     int64  `json:"sequence,omitempty"`
	EventType    string `json:"event_type,omitempty"`
	Rejection    string `json:"rejection,omitempty"`
	RejectReason string `json:"reject_reason,omitempty"`
	StateHash    string `json:"state_hash,omitempty"`
}

type initializeRequest struct {
	RequestID string `json:"request_id"`
}

type mintPriceRequest struct {
	RequestID string          `json:"request_id"`
	Asset     string          `json:"asset"`
	Price     decimal.Decimal `json:"price"`
}

type oracleRequest struct {
	Asset             string          `json:"asset"`
	InflationPercent  decimal.Decimal `json:"inflation_percent"`
	ReferencePriceUSD decimal.Decimal `json:"reference_price_usd"`
	ReadingSequence   int64           `json:"reading_sequence"`
}

func (a *API) initialize(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req initializeRequest
	if !a.decode(w, r, &req) {
		return
	}
	id, ok := a.requestID(w, req.RequestID)
	if !ok {
		return
	}
	out, err := a.deps.Admin.Initialize(r.Context(), id)
	a.decided(w, out, err)
}

func (a *API) setMintPrice(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req mintPriceRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.Asset == "" {
		a.writeError(w, http.StatusBadRequest, "InvalidArgument", "asset is required")
		return
	}
	id, ok := a.requestID(w, req.RequestID)
	if !ok {
		return
	}
	out, err := a.deps.Admin.SetMintPrice(r.Context(), id, req.Asset, req.Price)
	a.decided(w, out, err)
}

func (a *API) reportInflation(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req oracleRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.Asset == "" || req.ReadingSequence <= 0 {
		a.writeError(w, http.StatusBadRequest, "InvalidArgument", "asset and a positive reading_sequence are required")
		return
	}
	out, err := a.deps.Admin.ReportInflation(r.Context(), req.Asset, req.InflationPercent, req.ReferencePriceUSD, req.ReadingSequence)
	a.decided(w, out, err)
}

func (a *API) rebuildProjections(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if a.deps.Rebuild == nil {
		a.writeError(w, http.StatusNotImplemented, "Unimplemented", "projection rebuild is not configured")
		return
	}
	if err := a.deps.Rebuild(r.Context()); err != nil {
		a.fail(w, err)
		return
	}
	a.write(w, http.StatusOK, map[string]bool{"rebuilt": true})
}

func (a *API) verifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	report, err := a.deps.Query.VerifyIntegrity(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	a.write(w, http.StatusOK, report)
}

// decided writes the outcome of a core submission. A nil output with no error
// is a duplicate or stale request that changed nothing.
func (a *API) decided(w http.ResponseWriter, out *core.CoreOutput, err error) {
	if err != nil {
		a.fail(w, err)
		return
	}
	if out == nil || out.Envelope == nil {
		a.write(w, http.StatusOK, AdminResponse{Duplicate: true})
		return
	}
	resp := AdminResponse{
		Sequence:     out.Envelope.Sequence,
		EventType:    out.Envelope.EventType.String(),
		Rejection:    out.Rejection,
		RejectReason: out.RejectReason,
		StateHash:    fmt.Sprintf("%x", out.Envelope.StateHash),
	}
	status := http.StatusOK
	if out.Rejected() {
		status = http.StatusUnprocessableEntity
	}
	a.write(w, status, resp)
}

// === Encoding ===

func (a *API) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		a.writeError(w, http.StatusBadRequest, "InvalidArgument", "malformed body: "+err.Error())
		return false
	}
	return true
}

func (a *API) requestID(w http.ResponseWriter, s string) (uuid.UUID, bool) {
	if s == "" {
		return uuid.Nil, true
	}
	id, err := uuid.Parse(s)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "InvalidArgument", "request_id: "+err.Error())
		return uuid.Nil, false
	}
	return id, true
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// fail maps an error to its HTTP status.
func (a *API) fail(w http.ResponseWriter, err error) {
	status, code := httpStatus(err)
	if status >= http.StatusInternalServerError {
		a.deps.Log.Error().Err(err).Msg("request failed")
	}
	a.writeError(w, status, code, err.Error())
}

func httpStatus(err error) (int, string) {
	switch {
	case errors.Is(err, query.ErrNotFound):
		return http.StatusNotFound, "NotFound"
	case errors.Is(err, query.ErrInvalidArgument):
		return http.StatusBadRequest, "InvalidArgument"
	case errors.Is(err, core.ErrSequenceGap), errors.Is(err, core.ErrOutOfOrder):
		return http.StatusConflict, "SequenceConflict"
	case errors.Is(err, core.ErrLoopStopped):
		return http.StatusServiceUnavailable, "Unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "DeadlineExceeded"
	}
	if code := ledger.ErrorCode(err); code != ledger.CodeInternal {
		return http.StatusBadRequest, code
	}
	return http.StatusInternalServerError, ledger.CodeInternal
}

func (a *API) writeError(w http.ResponseWriter, status int, code, msg string) {
	a.write(w, status, errorBody{Code: code, Message: msg})
}

func (a *API) write(w http.ResponseWriter, status int, v interface{}) {
	data, err := a.marshaler.Marshal(v)
	if err != nil {
		a.deps.Log.Error().Err(err).Msg("encode response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", a.marshaler.ContentType(v))
	w.WriteHeader(status)
	w.Write(data)
}

func intParam(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func cursorParam(s string) (*int64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
