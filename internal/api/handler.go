// Package api exposes the game over HTTP and WebSocket.
//
// All monetary values are JSON strings produced by shopspring/decimal.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/fxsim/internal/game"
	"github.com/atmx/fxsim/internal/ledger"
	"github.com/atmx/fxsim/internal/model"
	"github.com/atmx/fxsim/internal/store"
)

// Handler serves the REST endpoints.
type Handler struct {
	svc *game.Service
}

// NewHandler creates a Handler over svc.
func NewHandler(svc *game.Service) *Handler {
	return &Handler{svc: svc}
}

// Routes mounts the API on r. Pass a nil hub to skip the WebSocket route.
func (h *Handler) Routes(r chi.Router, hub *WSHub) {
	if hub != nil {
		r.Get("/ws", hub.HandleWS)
	}

	r.Get("/market", h.GetMarket)
	r.Get("/market/history", h.GetHistory)
	r.Get("/ranking", h.GetRanking)

	r.Post("/users", h.RegisterUser)
	r.Get("/users/{username}", h.GetUser)
	r.Post("/users/{username}/open", h.OpenPosition)
	r.Post("/users/{username}/close", h.ClosePosition)
	r.Get("/users/{username}/trades", h.GetTrades)
}

// --- Request/Response types ---

// RegisterRequest is the JSON body for POST /users.
type RegisterRequest struct {
	Username string `json:"username"`
}

// OpenRequest is the JSON body for POST /users/{username}/open.
type OpenRequest struct {
	Notional decimal.Decimal `json:"notional"`
	Max      bool            `json:"max"` // spend all cash
}

// CloseRequest is the JSON body for POST /users/{username}/close.
type CloseRequest struct {
	Notional decimal.Decimal `json:"notional"`
	All      bool            `json:"all"` // close the whole position
}

// HistoryResponse is returned from GET /market/history.
type HistoryResponse struct {
	Price   decimal.Decimal    `json:"price"`
	History []model.PricePoint `json:"history"`
}

// --- HTTP Handlers ---

// GetMarket handles GET /api/v1/market
func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Snapshot(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetHistory handles GET /api/v1/market/history
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Snapshot(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Price: view.Price, History: view.History})
}

// GetRanking handles GET /api/v1/ranking
func (h *Handler) GetRanking(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.Ranking(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []model.RankEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// RegisterUser handles POST /api/v1/users
// Returns 201 for a new account and 200 when the name already exists.
func (h *Handler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	view, err := h.svc.Register(r.Context(), req.Username)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	status := http.StatusOK
	if view.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, view)
}

// GetUser handles GET /api/v1/users/{username}
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Account(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// OpenPosition handles POST /api/v1/users/{username}/open
func (h *Handler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Max && !req.Notional.IsPositive() {
		writeError(w, "notional must be positive", http.StatusBadRequest)
		return
	}

	res, err := h.svc.Open(r.Context(), game.OpenRequest{
		Username: chi.URLParam(r, "username"),
		Notional: req.Notional,
		Max:      req.Max,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ClosePosition handles POST /api/v1/users/{username}/close
func (h *Handler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	var req CloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.All && !req.Notional.IsPositive() {
		writeError(w, "notional must be positive", http.StatusBadRequest)
		return
	}

	res, err := h.svc.Close(r.Context(), game.CloseRequest{
		Username: chi.URLParam(r, "username"),
		Notional: req.Notional,
		All:      req.All,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetTrades handles GET /api/v1/users/{username}/trades?limit=N
func (h *Handler) GetTrades(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := h.svc.Trades(r.Context(), chi.URLParam(r, "username"), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Helpers ---

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, game.ErrInvalidUsername),
		errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, game.ErrUnknownUser):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrExceedsPosition),
		errors.Is(err, ledger.ErrNoPosition),
		errors.Is(err, ledger.ErrPositionExists),
		errors.Is(err, ledger.ErrInvalidPrice):
		return http.StatusConflict
	case errors.Is(err, store.ErrLockHeld),
		errors.Is(err, game.ErrPersistenceUnavailable),
		errors.Is(err, store.ErrCorruptState):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
