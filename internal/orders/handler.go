// Package orders exposes the thin HTTP controllers over the execution
// engine. Handlers only decode requests, resolve the caller's account and
// map engine errors to HTTP statuses; all business rules live in the
// engine.
package orders

import (
	"encoding/json"
	"net/http"
	"strconv"

	"papertrade/internal/engine"
	"papertrade/internal/httputil"
	"papertrade/internal/ledger"
	"papertrade/internal/types"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type Handler struct {
	primary *engine.Engine
	event   *engine.Engine
	log     *zap.Logger
}

func NewHandler(primary, event *engine.Engine, log *zap.Logger) *Handler {
	return &Handler{primary: primary, event: event, log: log}
}

type orderPayload struct {
	Exchange string        `json:"exchange"`
	Symbol   string        `json:"symbol"`
	Qty      int64         `json:"qty"`
	Product  types.Product `json:"product"`
}

func (h *Handler) Buy(w http.ResponseWriter, r *http.Request, userID string) {
	h.submit(w, r, userID, h.primary, "", types.SideBuy)
}

func (h *Handler) Sell(w http.ResponseWriter, r *http.Request, userID string) {
	h.submit(w, r, userID, h.primary, "", types.SideSell)
}

func (h *Handler) EventBuy(w http.ResponseWriter, r *http.Request, userID string) {
	h.submit(w, r, userID, h.event, chi.URLParam(r, "eventID"), types.SideBuy)
}

func (h *Handler) EventSell(w http.ResponseWriter, r *http.Request, userID string) {
	h.submit(w, r, userID, h.event, chi.URLParam(r, "eventID"), types.SideSell)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, userID string, eng *engine.Engine, scope string, side types.Side) {
	accountID, err := h.resolveAccount(w, r, eng.Store(), userID, scope)
	if err != nil {
		return
	}

	var body orderPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid json body"})
		return
	}

	req := engine.OrderRequest{
		AccountID: accountID,
		Exchange:  body.Exchange,
		Symbol:    body.Symbol,
		Qty:       body.Qty,
		Product:   body.Product,
	}
	var res engine.ExecutionResult
	if side == types.SideBuy {
		res, err = eng.SubmitBuy(r.Context(), req)
	} else {
		res, err = eng.SubmitSell(r.Context(), req)
	}
	if err != nil {
		e := engine.AsError(err)
		httputil.WriteJSON(w, statusFor(e.Code), e)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) Positions(w http.ResponseWriter, r *http.Request, userID string) {
	h.listPositions(w, r, userID, h.primary.Store(), "")
}

func (h *Handler) EventPositions(w http.ResponseWriter, r *http.Request, userID string) {
	h.listPositions(w, r, userID, h.event.Store(), chi.URLParam(r, "eventID"))
}

func (h *Handler) listPositions(w http.ResponseWriter, r *http.Request, userID string, store ledger.Store, scope string) {
	accountID, err := h.resolveAccount(w, r, store, userID, scope)
	if err != nil {
		return
	}
	openOnly := r.URL.Query().Get("open") == "true"
	positions, err := store.ListPositions(r.Context(), accountID, openOnly)
	if err != nil {
		h.log.Error("list positions failed", zap.Error(err))
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "internal error"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"items": positions})
}

func (h *Handler) Account(w http.ResponseWriter, r *http.Request, userID string) {
	h.getAccount(w, r, userID, h.primary.Store(), "")
}

func (h *Handler) EventAccount(w http.ResponseWriter, r *http.Request, userID string) {
	h.getAccount(w, r, userID, h.event.Store(), chi.URLParam(r, "eventID"))
}

func (h *Handler) getAccount(w http.ResponseWriter, r *http.Request, userID string, store ledger.Store, scope string) {
	accountID, err := h.resolveAccount(w, r, store, userID, scope)
	if err != nil {
		return
	}
	acct, err := store.GetAccount(r.Context(), accountID)
	if err != nil {
		h.log.Error("get account failed", zap.Error(err))
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "internal error"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, acct)
}

func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request, userID string) {
	h.listTransactions(w, r, userID, h.primary.Store(), "")
}

func (h *Handler) EventTransactions(w http.ResponseWriter, r *http.Request, userID string) {
	h.listTransactions(w, r, userID, h.event.Store(), chi.URLParam(r, "eventID"))
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request, userID string, store ledger.Store, scope string) {
	accountID, err := h.resolveAccount(w, r, store, userID, scope)
	if err != nil {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	txs, err := store.ListTransactions(r.Context(), accountID, limit)
	if err != nil {
		h.log.Error("list transactions failed", zap.Error(err))
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "internal error"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"items": txs})
}

// resolveAccount writes the error response itself so callers can just
// return on a non-nil error.
func (h *Handler) resolveAccount(w http.ResponseWriter, r *http.Request, store ledger.Store, userID, scope string) (string, error) {
	accountID, err := store.AccountIDForUser(r.Context(), userID, scope)
	if err == ledger.ErrNotFound {
		httputil.WriteJSON(w, http.StatusNotFound, &engine.Error{Code: types.CodeNotFound, Message: "no account on this ledger"})
		return "", err
	}
	if err != nil {
		h.log.Error("account lookup failed", zap.Error(err))
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "internal error"})
		return "", err
	}
	return accountID, nil
}

func statusFor(code types.ErrorCode) int {
	switch code {
	case types.CodeValidation:
		return http.StatusUnprocessableEntity
	case types.CodeInsufficientFunds, types.CodeInsufficientQuantity:
		return http.StatusBadRequest
	case types.CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}
