package portfolio

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/crickx/trading-engine/internal/model"
	"github.com/crickx/trading-engine/internal/store"
)

// ErrUnauthorized is returned when a request arrives without a verified
// user id from the auth layer.
var ErrUnauthorized = errors.New("portfolio: unauthorized")

// OrderRequest is the JSON body for POST /api/v1/buy and /api/v1/sell.
type OrderRequest struct {
	MatchID   string          `json:"match_id"`
	AssetID   string          `json:"asset_id"`
	AssetKind model.AssetKind `json:"asset_kind"` // "player" or "team"
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

// verifiedUser extracts the user id the auth collaborator placed on the
// request. Empty means the request never passed identity verification.
func verifiedUser(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

// HandleBuy handles POST /api/v1/buy.
func (s *Service) HandleBuy(w http.ResponseWriter, r *http.Request) {
	s.handleOrder(w, r, true)
}

// HandleSell handles POST /api/v1/sell.
func (s *Service) HandleSell(w http.ResponseWriter, r *http.Request) {
	s.handleOrder(w, r, false)
}

func (s *Service) handleOrder(w http.ResponseWriter, r *http.Request, buy bool) {
	userID := verifiedUser(r)
	if userID == "" {
		writeError(w, ErrUnauthorized.Error(), http.StatusUnauthorized)
		return
	}

	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.MatchID == "" || req.AssetID == "" {
		writeError(w, "match_id and asset_id are required", http.StatusBadRequest)
		return
	}
	if buy && req.AssetKind != model.AssetPlayer && req.AssetKind != model.AssetTeam {
		writeError(w, "asset_kind must be player or team", http.StatusBadRequest)
		return
	}

	var res *TradeResult
	var err error
	if buy {
		res, err = s.Buy(r.Context(), userID, req.MatchID, req.AssetID, req.AssetKind, req.Quantity, req.Price)
	} else {
		res, err = s.Sell(r.Context(), userID, req.MatchID, req.AssetID, req.Quantity, req.Price)
	}
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

// HandlePortfolio handles GET /api/v1/portfolio.
// Query: ?page=N&page_size=M for the closed-history pagination.
func (s *Service) HandlePortfolio(w http.ResponseWriter, r *http.Request) {
	userID := verifiedUser(r)
	if userID == "" {
		writeError(w, ErrUnauthorized.Error(), http.StatusUnauthorized)
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))

	view, err := s.List(r.Context(), userID, page, pageSize)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(view)
}

// statusFor maps ledger errors to HTTP statuses. Retryable conditions
// return 503 so clients back off and retry.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrOverSell):
		return http.StatusConflict
	case errors.Is(err, ErrNoSuchHolding):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidOrder):
		return http.StatusBadRequest
	case errors.Is(err, ErrLockTimeout), errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
