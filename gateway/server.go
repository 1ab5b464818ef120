package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crosslend/audit"
	"crosslend/native/common"
	"crosslend/native/crosschain"
	"crosslend/native/lending"
	"crosslend/native/oracle"
	"crosslend/native/ratelimit"
	"crosslend/native/registry"
)

// Deps collects everything the HTTP surface exposes. Audit is optional; the
// listing routes return 404 without it.
type Deps struct {
	Ledger       *lending.Ledger
	Health       *lending.HealthEngine
	Liquidations *lending.LiquidationEngine
	Registry     *registry.Registry
	Reconciler   *crosschain.Reconciler
	Limiter      *ratelimit.Limiter
	Audit        *audit.Store
	AdminSecret  string
	Logger       *slog.Logger
}

// Server is the JSON gateway in front of the lending core.
type Server struct {
	ledger       *lending.Ledger
	health       *lending.HealthEngine
	liquidations *lending.LiquidationEngine
	registry     *registry.Registry
	reconciler   *crosschain.Reconciler
	limiter      *ratelimit.Limiter
	audit        *audit.Store
	adminSecret  string
	log          *slog.Logger
	router       chi.Router
}

// NewServer builds the router.
func NewServer(deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		ledger:       deps.Ledger,
		health:       deps.Health,
		liquidations: deps.Liquidations,
		registry:     deps.Registry,
		reconciler:   deps.Reconciler,
		limiter:      deps.Limiter,
		audit:        deps.Audit,
		adminSecret:  deps.AdminSecret,
		log:          log,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/positions/{user}", func(r chi.Router) {
			r.Get("/", s.handleListPositions)
			r.Get("/health", s.handleHealth)
			r.Get("/state", s.handlePositionState)
			r.Post("/deposit", s.handleMutation(lending.OpDeposit))
			r.Post("/withdraw", s.handleMutation(lending.OpWithdraw))
			r.Post("/borrow", s.handleMutation(lending.OpBorrow))
			r.Post("/repay", s.handleMutation(lending.OpRepay))
		})

		r.Route("/liquidations", func(r chi.Router) {
			r.Get("/", s.handleListLiquidations)
			r.Post("/evaluate", s.handleEvaluate)
			r.Post("/execute", s.handleExecute)
			r.Post("/selection", s.handleRequestSelection)
			r.Post("/selection/{id}/fulfill", s.handleFulfillSelection)
		})

		r.Route("/messages", func(r chi.Router) {
			r.Post("/", s.handleSubmitMessage)
			r.Get("/pending", s.handlePendingMessages)
		})

		r.Get("/assets", s.handleListAssets)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Put("/assets", s.handleUpsertAsset)
			r.Post("/assets/{key}/active", s.handleSetAssetActive)
			r.Post("/emergency", s.handleEmergency)
			r.Get("/gaps", s.handleListGaps)
		})
	})

	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// --- wire types ---

type amountRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type positionResponse struct {
	User       string `json:"user"`
	Asset      string `json:"asset"`
	Collateral string `json:"collateral"`
	Debt       string `json:"debt"`
	UpdatedAt  uint64 `json:"updated_at"`
}

type healthResponse struct {
	TotalCollateralValue    string `json:"total_collateral_value"`
	WeightedCollateralValue string `json:"weighted_collateral_value"`
	BorrowCapacityValue     string `json:"borrow_capacity_value"`
	TotalBorrowValue        string `json:"total_borrow_value"`
	HealthFactor            string `json:"health_factor"`
}

type evaluateRequest struct {
	Borrower        string `json:"borrower"`
	DebtAsset       string `json:"debt_asset"`
	CollateralAsset string `json:"collateral_asset"`
}

type opportunityResponse struct {
	Borrower        string `json:"borrower"`
	DebtAsset       string `json:"debt_asset"`
	CollateralAsset string `json:"collateral_asset"`
	HealthFactor    string `json:"health_factor"`
	MaxRepay        string `json:"max_repay"`
	SeizeEstimate   string `json:"seize_estimate"`
	EvaluatedAt     int64  `json:"evaluated_at"`
}

type executeRequest struct {
	Borrower        string `json:"borrower"`
	Liquidator      string `json:"liquidator"`
	DebtAsset       string `json:"debt_asset"`
	CollateralAsset string `json:"collateral_asset"`
	Repay           string `json:"repay"`
	EvaluatedAt     int64  `json:"evaluated_at"`
}

type recordResponse struct {
	ID               uint64 `json:"id"`
	Borrower         string `json:"borrower"`
	Liquidator       string `json:"liquidator"`
	DebtAsset        string `json:"debt_asset"`
	CollateralAsset  string `json:"collateral_asset"`
	DebtRepaid       string `json:"debt_repaid"`
	CollateralSeized string `json:"collateral_seized"`
	Timestamp        uint64 `json:"timestamp"`
	Emergency        bool   `json:"emergency"`
}

type selectionRequestBody struct {
	Borrower   string   `json:"borrower"`
	Candidates []string `json:"candidates"`
}

type fulfillRequestBody struct {
	RandomWord string `json:"random_word"`
}

type assetRequest struct {
	Key                     string `json:"key"`
	LTVBps                  uint64 `json:"ltv_bps"`
	LiquidationThresholdBps uint64 `json:"liquidation_threshold_bps"`
	LiquidationBonusBps     uint64 `json:"liquidation_bonus_bps"`
	CanBeCollateral         bool   `json:"can_be_collateral"`
	CanBeBorrowed           bool   `json:"can_be_borrowed"`
	Active                  bool   `json:"active"`
	Decimals                uint8  `json:"decimals"`
}

// --- handlers ---

func (s *Server) handleMutation(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := chi.URLParam(r, "user")
		var req amountRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed_request", err.Error())
			return
		}
		amount, err := parseAmount(req.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_amount", err.Error())
			return
		}

		var pos *lending.Position
		switch op {
		case lending.OpDeposit:
			pos, err = s.ledger.Credit(user, req.Asset, amount)
		case lending.OpWithdraw:
			pos, err = s.ledger.Debit(user, req.Asset, amount)
		case lending.OpBorrow:
			pos, err = s.ledger.IncurDebt(user, req.Asset, amount)
		case lending.OpRepay:
			pos, err = s.ledger.RepayDebt(user, req.Asset, amount)
		}
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toPositionResponse(pos))
	}
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.ledger.ListPositions(chi.URLParam(r, "user"))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	out := make([]positionResponse, 0, len(positions))
	for _, pos := range positions {
		out = append(out, toPositionResponse(pos))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.health.ComputeHealth(chi.URLParam(r, "user"))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		TotalCollateralValue:    snapshot.TotalCollateralValue.String(),
		WeightedCollateralValue: snapshot.WeightedCollateralValue.String(),
		BorrowCapacityValue:     snapshot.BorrowCapacityValue.String(),
		TotalBorrowValue:        snapshot.TotalBorrowValue.String(),
		HealthFactor:            snapshot.HealthFactor.String(),
	})
}

func (s *Server) handlePositionState(w http.ResponseWriter, r *http.Request) {
	state, err := s.liquidations.PositionState(chi.URLParam(r, "user"))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": state.String()})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_request", err.Error())
		return
	}
	opp, err := s.liquidations.Evaluate(req.Borrower, req.DebtAsset, req.CollateralAsset)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, opportunityResponse{
		Borrower:        opp.Borrower,
		DebtAsset:       opp.DebtAsset,
		CollateralAsset: opp.CollateralAsset,
		HealthFactor:    opp.HealthFactor.String(),
		MaxRepay:        opp.MaxRepay.String(),
		SeizeEstimate:   opp.SeizeEstimate.String(),
		EvaluatedAt:     opp.EvaluatedAt.Unix(),
	})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_request", err.Error())
		return
	}
	repay, err := parseAmount(req.Repay)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_amount", err.Error())
		return
	}
	record, err := s.liquidations.Execute(
		req.Borrower, req.Liquidator, req.DebtAsset, req.CollateralAsset,
		repay, time.Unix(req.EvaluatedAt, 0),
	)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recordResponse{
		ID:               record.ID,
		Borrower:         record.Borrower,
		Liquidator:       record.Liquidator,
		DebtAsset:        record.DebtAsset,
		CollateralAsset:  record.CollateralAsset,
		DebtRepaid:       record.DebtRepaid.String(),
		CollateralSeized: record.CollateralSeized.String(),
		Timestamp:        record.Timestamp,
		Emergency:        record.Emergency,
	})
}

func (s *Server) handleRequestSelection(w http.ResponseWriter, r *http.Request) {
	var req selectionRequestBody
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_request", err.Error())
		return
	}
	request, err := s.liquidations.RequestSelection(req.Borrower, req.Candidates)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"request_id": request.ID,
		"borrower":   request.Borrower,
		"candidates": request.Candidates,
	})
}

func (s *Server) handleFulfillSelection(w http.ResponseWriter, r *http.Request) {
	var req fulfillRequestBody
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_request", err.Error())
		return
	}
	word, ok := new(big.Int).SetString(strings.TrimSpace(req.RandomWord), 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_amount", "random_word must be a base-10 integer")
		return
	}
	winner, err := s.liquidations.FulfillSelection(chi.URLParam(r, "id"), word)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"liquidator": winner})
}

func (s *Server) handleSubmitMessage(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed_request", err.Error())
		return
	}
	msg, err := crosschain.ParseMessage(payload)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	status, err := s.reconciler.Submit(msg)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	code := http.StatusOK
	if status == crosschain.StatusPendingOrder {
		code = http.StatusAccepted
	}
	writeJSON(w, code, map[string]string{"status": string(status)})
}

func (s *Server) handlePendingMessages(w http.ResponseWriter, r *http.Request) {
	source := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("source")))
	writeJSON(w, http.StatusOK, map[string]any{
		"source": source,
		"nonces": s.reconciler.Pending(source),
	})
}

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := s.registry.List()
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	out := make([]assetRequest, 0, len(assets))
	for _, asset := range assets {
		out = append(out, assetRequest{
			Key:                     asset.Key,
			LTVBps:                  asset.LTVBps,
			LiquidationThresholdBps: asset.LiquidationThresholdBps,
			LiquidationBonusBps:     asset.LiquidationBonusBps,
			CanBeCollateral:         asset.CanBeCollateral,
			CanBeBorrowed:           asset.CanBeBorrowed,
			Active:                  asset.Active,
			Decimals:                asset.Decimals,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUpsertAsset(w http.ResponseWriter, r *http.Request) {
	var req assetRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_request", err.Error())
		return
	}
	err := s.registry.Upsert(&registry.Asset{
		Key:                     req.Key,
		LTVBps:                  req.LTVBps,
		LiquidationThresholdBps: req.LiquidationThresholdBps,
		LiquidationBonusBps:     req.LiquidationBonusBps,
		CanBeCollateral:         req.CanBeCollateral,
		CanBeBorrowed:           req.CanBeBorrowed,
		Active:                  req.Active,
		Decimals:                req.Decimals,
	})
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset": registry.NormalizeKey(req.Key)})
}

func (s *Server) handleSetAssetActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active bool `json:"active"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_request", err.Error())
		return
	}
	key := chi.URLParam(r, "key")
	if err := s.registry.SetActive(key, req.Active); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"asset": registry.NormalizeKey(key), "active": req.Active})
}

func (s *Server) handleEmergency(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active bool `json:"active"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_request", err.Error())
		return
	}
	s.limiter.SetEmergency(req.Active)
	s.log.Warn("emergency mode toggled", "active", req.Active)
	writeJSON(w, http.StatusOK, map[string]bool{"active": req.Active})
}

func (s *Server) handleListLiquidations(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotFound, "not_found", "audit log is not configured")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := s.audit.ListLiquidations(r.URL.Query().Get("borrower"), limit)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleListGaps(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotFound, "not_found", "audit log is not configured")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := s.audit.ListGaps(r.URL.Query().Get("source"), limit)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// --- helpers ---

func toPositionResponse(pos *lending.Position) positionResponse {
	return positionResponse{
		User:       pos.User,
		Asset:      pos.Asset,
		Collateral: pos.Collateral.String(),
		Debt:       pos.Debt.String(),
		UpdatedAt:  pos.UpdatedAt,
	}
}

func decodeBody(r *http.Request, out any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("invalid request body: %v", err)
	}
	return nil
}

func parseAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("amount %q is not a base-10 integer", raw)
	}
	return amount, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "error": message})
}

// writeMappedError translates core sentinel errors into HTTP statuses and
// stable reason codes.
func (s *Server) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	var throttled *ratelimit.Error
	switch {
	case errors.As(err, &throttled):
		w.Header().Set("Retry-After", strconv.Itoa(int(throttled.RetryAfter.Seconds())+1))
		writeError(w, http.StatusTooManyRequests, "rate_limited", err.Error())
	case errors.Is(err, common.ErrEmergencyHalt):
		writeError(w, http.StatusServiceUnavailable, "emergency_halt", err.Error())
	case errors.Is(err, oracle.ErrStalePrice), errors.Is(err, oracle.ErrFeedUnavailable):
		writeError(w, http.StatusServiceUnavailable, "price_unavailable", err.Error())
	case errors.Is(err, registry.ErrUnknownAsset), errors.Is(err, lending.ErrUnknownRequest):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, lending.ErrInvalidAmount),
		errors.Is(err, registry.ErrInvalidRiskParams),
		errors.Is(err, crosschain.ErrMalformedMessage):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, crosschain.ErrUnknownSource):
		writeError(w, http.StatusForbidden, "unknown_source", err.Error())
	case errors.Is(err, lending.ErrInsufficientCollateral),
		errors.Is(err, lending.ErrHealthFactorViolation),
		errors.Is(err, lending.ErrExceedsBorrowCapacity),
		errors.Is(err, lending.ErrOverRepayment),
		errors.Is(err, lending.ErrAssetNotCollateral),
		errors.Is(err, lending.ErrAssetNotBorrowable),
		errors.Is(err, lending.ErrNoDebt),
		errors.Is(err, lending.ErrPositionHealthy),
		errors.Is(err, lending.ErrStaleEvaluation),
		errors.Is(err, lending.ErrExceedsCloseFactor),
		errors.Is(err, lending.ErrRequestFulfilled),
		errors.Is(err, lending.ErrSelectionExpired),
		errors.Is(err, lending.ErrNoCandidates):
		writeError(w, http.StatusConflict, "rejected", err.Error())
	default:
		s.log.Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
