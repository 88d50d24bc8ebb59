package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/offsetx/exchange/internal/auth"
	"github.com/offsetx/exchange/internal/book"
	"github.com/offsetx/exchange/internal/engine"
	"github.com/offsetx/exchange/internal/ledger"
	"github.com/offsetx/exchange/internal/models"
	"github.com/offsetx/exchange/internal/pricing"
	"github.com/offsetx/exchange/internal/store"
)

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Store       store.Store
	Ledger      *ledger.Ledger
	Engine      *engine.Engine
	Book        *book.Book
	Pricing     *pricing.Service
	AuthService *auth.AuthService
	Log         *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(st store.Store, lg *ledger.Ledger, en *engine.Engine, bk *book.Book, pr *pricing.Service, authService *auth.AuthService, log *zap.Logger) *Handler {
	return &Handler{Store: st, Ledger: lg, Engine: en, Book: bk, Pricing: pr, AuthService: authService, Log: log}
}

// Routes mounts all handlers on a router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)

	r.Get("/marketplace/orderbook", h.GetOrderBook)
	r.Get("/marketplace/trades", h.GetAllTrades)
	r.Get("/marketplace/price-history", h.GetPriceHistory)
	r.Get("/marketplace/price/last", h.GetLastTradedPrice)
	r.Get("/marketplace/price/dynamic", h.GetDynamicPrice)

	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)
		r.Post("/marketplace/orders", h.PlaceOrder)
		r.Delete("/marketplace/orders/{id}", h.CancelOrder)
		r.Get("/marketplace/orders/my", h.GetUserOrders)
		r.Get("/marketplace/trades/my", h.GetUserTrades)
		r.Get("/wallet", h.GetWallet)
		r.Post("/wallet/deposit", h.Deposit)
		r.Post("/retirements", h.RetireCredits)
		r.Get("/retirements/my", h.GetUserRetirements)

		r.Group(func(r chi.Router) {
			r.Use(h.AdminOnlyMiddleware)
			r.Post("/admin/match", h.TriggerMatching)
			r.Post("/admin/credits/mint", h.MintCredits)
			r.Post("/admin/credits/burn", h.BurnCredits)
			r.Get("/admin/retirements", h.GetAllRetirements)
		})
	})
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	if req.Username == "" || req.Password == "" {
		http.Error(w, `{"error": "Username and password required"}`, http.StatusBadRequest)
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateUsername) {
			http.Error(w, `{"error": "Username already taken"}`, http.StatusConflict)
			return
		}
		http.Error(w, `{"error": "Failed to register user"}`, http.StatusInternalServerError)
		return
	}

	// Materialize a zero-balance wallet alongside the account.
	if err := h.Ledger.CreateIfAbsent(r.Context(), user.ID); err != nil {
		h.Log.Error("failed to create wallet", zap.String("user_id", user.ID), zap.Error(err))
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		http.Error(w, `{"error": "Invalid credentials"}`, http.StatusUnauthorized)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			http.Error(w, `{"error": "Authorization header required"}`, http.StatusUnauthorized)
			return
		}

		// Remove "Bearer " prefix if present
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		claims, err := h.AuthService.GetUserFromToken(tokenString)
		if err != nil {
			http.Error(w, `{"error": "Invalid or expired token"}`, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), "user_id", claims.UserID)
		ctx = context.WithValue(ctx, "is_admin", claims.Admin)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminOnlyMiddleware rejects non-admin users.
func (h *Handler) AdminOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isAdmin, _ := r.Context().Value("is_admin").(bool)
		if !isAdmin {
			http.Error(w, `{"error": "Admin access required"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// PlaceOrder handles order placement and matching
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("user_id").(string)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req struct {
		Side     string  `json:"side"`
		Price    float64 `json:"price"`
		Quantity float64 `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	order, err := h.Engine.PlaceOrder(r.Context(), userID, models.Side(req.Side), req.Quantity, req.Price)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrInvalidOrder), errors.Is(err, engine.ErrPriceOutOfBand):
			http.Error(w, `{"error": "`+err.Error()+`"}`, http.StatusBadRequest)
		case errors.Is(err, ledger.ErrInsufficientBalance):
			http.Error(w, `{"error": "Insufficient funds or credits to place order"}`, http.StatusBadRequest)
		default:
			h.Log.Error("failed to place order", zap.String("user_id", userID), zap.Error(err))
			http.Error(w, `{"error": "Failed to place order"}`, http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(order)
}

// CancelOrder cancels an open order
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("user_id").(string)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}
	isAdmin, _ := r.Context().Value("is_admin").(bool)

	orderID := chi.URLParam(r, "id")
	order, err := h.Engine.CancelOrder(r.Context(), orderID, userID, isAdmin)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			http.Error(w, `{"error": "Order not found"}`, http.StatusNotFound)
		case errors.Is(err, engine.ErrUnauthorized):
			http.Error(w, `{"error": "Unauthorized to cancel this order"}`, http.StatusForbidden)
		case errors.Is(err, engine.ErrOrderNotOpen):
			http.Error(w, `{"error": "Order cannot be cancelled"}`, http.StatusBadRequest)
		default:
			h.Log.Error("failed to cancel order", zap.String("order_id", orderID), zap.Error(err))
			http.Error(w, `{"error": "Failed to cancel order"}`, http.StatusInternalServerError)
		}
		return
	}

	json.NewEncoder(w).Encode(order)
}

// GetOrderBook returns both sides of the book, anonymized, in priority order.
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	anonymize := func(orders []models.Order) []models.Order {
		public := make([]models.Order, len(orders))
		for i, order := range orders {
			public[i] = order.Anonymized()
		}
		return public
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"buy_orders":  anonymize(h.Book.BuySide()),
		"sell_orders": anonymize(h.Book.SellSide()),
	})
}

// GetUserOrders retrieves a user's orders
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("user_id").(string)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	orders, err := h.Store.ListOrdersByUser(r.Context(), userID)
	if err != nil {
		http.Error(w, `{"error": "Failed to retrieve orders"}`, http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(orders)
}

// GetAllTrades returns the full trade history, oldest first.
func (h *Handler) GetAllTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.Store.ListTrades(r.Context())
	if err != nil {
		http.Error(w, `{"error": "Failed to retrieve trades"}`, http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(trades)
}

// GetPriceHistory returns all trades oldest first, for charting.
func (h *Handler) GetPriceHistory(w http.ResponseWriter, r *http.Request) {
	h.GetAllTrades(w, r)
}

// GetUserTrades retrieves a user's trade history
func (h *Handler) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("user_id").(string)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	trades, err := h.Store.ListTradesByUser(r.Context(), userID)
	if err != nil {
		http.Error(w, `{"error": "Failed to retrieve trades"}`, http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(trades)
}

// GetLastTradedPrice returns the most recent trade price or the base price.
func (h *Handler) GetLastTradedPrice(w http.ResponseWriter, r *http.Request) {
	price, err := h.Pricing.LastTradedPrice(r.Context())
	if err != nil {
		http.Error(w, `{"error": "Failed to compute price"}`, http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]float64{"price": price})
}

// GetDynamicPrice returns the supply/demand adjusted quote. Query params
// base and sensitivity override the configured defaults.
func (h *Handler) GetDynamicPrice(w http.ResponseWriter, r *http.Request) {
	base := pricing.DefaultBasePrice
	if v := r.URL.Query().Get("base"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil || parsed <= 0 {
			http.Error(w, `{"error": "Invalid base price"}`, http.StatusBadRequest)
			return
		}
		base = parsed
	}
	sensitivity := pricing.DefaultSensitivity
	if v := r.URL.Query().Get("sensitivity"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil || parsed < 0 {
			http.Error(w, `{"error": "Invalid sensitivity"}`, http.StatusBadRequest)
			return
		}
		sensitivity = parsed
	}

	price, err := h.Pricing.DynamicPrice(r.Context(), base, sensitivity)
	if err != nil {
		http.Error(w, `{"error": "Failed to compute price"}`, http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]float64{"price": price})
}

// GetWallet returns the authenticated user's wallet snapshot.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("user_id").(string)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	wallet, err := h.Ledger.Wallet(r.Context(), userID)
	if err != nil {
		http.Error(w, `{"error": "Failed to retrieve wallet"}`, http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(wallet)
}

// Deposit adds funds to the authenticated user's money balance.
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("user_id").(string)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req struct {
		Amount float64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Amount <= 0 {
		http.Error(w, `{"error": "Amount must be positive"}`, http.StatusBadRequest)
		return
	}

	if err := h.Ledger.Deposit(r.Context(), userID, req.Amount); err != nil {
		http.Error(w, `{"error": "Failed to deposit"}`, http.StatusInternalServerError)
		return
	}

	wallet, err := h.Ledger.Wallet(r.Context(), userID)
	if err != nil {
		http.Error(w, `{"error": "Failed to retrieve wallet"}`, http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(wallet)
}

// RetireCredits permanently burns credits on behalf of a beneficiary.
func (h *Handler) RetireCredits(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("user_id").(string)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req struct {
		Quantity    float64 `json:"quantity"`
		Beneficiary string  `json:"beneficiary"`
		Reason      string  `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Quantity <= 0 {
		http.Error(w, `{"error": "Quantity must be positive"}`, http.StatusBadRequest)
		return
	}

	if err := h.Ledger.Retire(r.Context(), userID, req.Quantity); err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			http.Error(w, `{"error": "Insufficient credits to retire"}`, http.StatusBadRequest)
			return
		}
		http.Error(w, `{"error": "Failed to retire credits"}`, http.StatusInternalServerError)
		return
	}

	retirement := &models.Retirement{
		ID:          uuid.NewString(),
		UserID:      userID,
		Quantity:    req.Quantity,
		Beneficiary: req.Beneficiary,
		Reason:      req.Reason,
		RetiredAt:   time.Now(),
	}
	if err := h.Store.CreateRetirement(r.Context(), retirement); err != nil {
		h.Log.Error("failed to record retirement", zap.String("user_id", userID), zap.Error(err))
		http.Error(w, `{"error": "Failed to record retirement"}`, http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(retirement)
}

// GetUserRetirements lists the authenticated user's retirements.
func (h *Handler) GetUserRetirements(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("user_id").(string)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	records, err := h.Store.ListRetirementsByUser(r.Context(), userID)
	if err != nil {
		http.Error(w, `{"error": "Failed to retrieve retirements"}`, http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(records)
}

// GetAllRetirements lists every retirement record.
func (h *Handler) GetAllRetirements(w http.ResponseWriter, r *http.Request) {
	records, err := h.Store.ListRetirements(r.Context())
	if err != nil {
		http.Error(w, `{"error": "Failed to retrieve retirements"}`, http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(records)
}

// TriggerMatching runs a matching pass over the book.
func (h *Handler) TriggerMatching(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.TriggerMatching(r.Context()); err != nil {
		h.Log.Error("matching trigger failed", zap.Error(err))
		http.Error(w, `{"error": "Failed to match orders"}`, http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"message": "Order matching triggered"})
}

// MintCredits adds credits to a user's balance (project verification flow).
func (h *Handler) MintCredits(w http.ResponseWriter, r *http.Request) {
	h.adjustCredits(w, r, 1)
}

// BurnCredits removes credits from a user's balance (consumption flow). The
// credit balance may go negative, modeling a carbon debt.
func (h *Handler) BurnCredits(w http.ResponseWriter, r *http.Request) {
	h.adjustCredits(w, r, -1)
}

func (h *Handler) adjustCredits(w http.ResponseWriter, r *http.Request, sign float64) {
	var req struct {
		UserID string  `json:"user_id"`
		Amount float64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.Amount <= 0 {
		http.Error(w, `{"error": "user_id and positive amount required"}`, http.StatusBadRequest)
		return
	}

	if err := h.Ledger.CreateIfAbsent(r.Context(), req.UserID); err != nil {
		http.Error(w, `{"error": "Failed to adjust credits"}`, http.StatusInternalServerError)
		return
	}
	if err := h.Ledger.UpdateBalance(r.Context(), req.UserID, 0, sign*req.Amount); err != nil {
		http.Error(w, `{"error": "Failed to adjust credits"}`, http.StatusInternalServerError)
		return
	}

	wallet, err := h.Ledger.Wallet(r.Context(), req.UserID)
	if err != nil {
		http.Error(w, `{"error": "Failed to retrieve wallet"}`, http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(wallet)
}
