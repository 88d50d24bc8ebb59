package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/offsetx/exchange/internal/auth"
	"github.com/offsetx/exchange/internal/book"
	"github.com/offsetx/exchange/internal/engine"
	"github.com/offsetx/exchange/internal/ledger"
	"github.com/offsetx/exchange/internal/models"
	"github.com/offsetx/exchange/internal/pricing"
	"github.com/offsetx/exchange/internal/store"
)

const testSecret = "test-secret-key"

type testServer struct {
	srv   *httptest.Server
	store *store.Memory
	ldg   *ledger.Ledger
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := zap.NewNop()
	mem := store.NewMemory()
	ldg := ledger.New(log, mem)
	bk := book.New()
	pr := pricing.New(mem, mem, pricing.DefaultBasePrice)
	en := engine.New(log, bk, ldg, mem, pr)
	authService := auth.NewAuthService(mem, testSecret)

	h := NewHandler(mem, ldg, en, bk, pr, authService, log)
	r := chi.NewRouter()
	h.Routes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, store: mem, ldg: ldg}
}

// request sends a JSON request and decodes the response body into out (if
// non-nil), returning the status code.
func (ts *testServer) request(t *testing.T, method, path, token string, body, out interface{}) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (ts *testServer) registerAndLogin(t *testing.T, username string) (id, token string) {
	t.Helper()
	creds := map[string]string{"username": username, "password": "password123"}
	var reg struct {
		ID string `json:"id"`
	}
	require.Equal(t, http.StatusCreated, ts.request(t, http.MethodPost, "/auth/register", "", creds, &reg))
	var login struct {
		Token string `json:"token"`
	}
	require.Equal(t, http.StatusOK, ts.request(t, http.MethodPost, "/auth/login", "", creds, &login))
	return reg.ID, login.Token
}

// adminToken signs a token with the admin claim set. Admin promotion happens
// out of band (cmd/seed), so tests mint the token directly.
func adminToken(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":  "admin-user",
		"username": "admin",
		"admin":    true,
		"exp":      time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func TestRegisterAndLogin(t *testing.T) {
	ts := newTestServer(t)

	creds := map[string]string{"username": "alice", "password": "password123"}
	var reg struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	}
	require.Equal(t, http.StatusCreated, ts.request(t, http.MethodPost, "/auth/register", "", creds, &reg))
	assert.NotEmpty(t, reg.ID)
	assert.Equal(t, "alice", reg.Username)

	// Registration materializes an empty wallet.
	wallets, err := ts.store.ListWallets(context.Background())
	require.NoError(t, err)
	require.Len(t, wallets, 1)
	assert.Equal(t, reg.ID, wallets[0].UserID)

	assert.Equal(t, http.StatusConflict, ts.request(t, http.MethodPost, "/auth/register", "", creds, nil))

	var login struct {
		Token string `json:"token"`
	}
	require.Equal(t, http.StatusOK, ts.request(t, http.MethodPost, "/auth/login", "", creds, &login))
	assert.NotEmpty(t, login.Token)

	bad := map[string]string{"username": "alice", "password": "wrong"}
	assert.Equal(t, http.StatusUnauthorized, ts.request(t, http.MethodPost, "/auth/login", "", bad, nil))
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	order := map[string]interface{}{"side": "buy", "price": 10000.0, "quantity": 1.0}
	assert.Equal(t, http.StatusUnauthorized, ts.request(t, http.MethodPost, "/marketplace/orders", "", order, nil))
	assert.Equal(t, http.StatusUnauthorized, ts.request(t, http.MethodGet, "/wallet", "garbage-token", nil, nil))

	// Public marketplace endpoints need no token.
	assert.Equal(t, http.StatusOK, ts.request(t, http.MethodGet, "/marketplace/orderbook", "", nil, nil))
	assert.Equal(t, http.StatusOK, ts.request(t, http.MethodGet, "/marketplace/price/last", "", nil, nil))
}

func TestAdminOnly(t *testing.T) {
	ts := newTestServer(t)
	_, token := ts.registerAndLogin(t, "alice")

	assert.Equal(t, http.StatusForbidden, ts.request(t, http.MethodPost, "/admin/match", token, nil, nil))
	assert.Equal(t, http.StatusForbidden, ts.request(t, http.MethodGet, "/admin/retirements", token, nil, nil))

	assert.Equal(t, http.StatusOK, ts.request(t, http.MethodPost, "/admin/match", adminToken(t), nil, nil))
}

func TestTradingFlow(t *testing.T) {
	ts := newTestServer(t)
	admin := adminToken(t)

	aliceID, aliceToken := ts.registerAndLogin(t, "alice")
	bobID, bobToken := ts.registerAndLogin(t, "bob")

	// Alice funds her account, bob is issued credits.
	var wallet models.Wallet
	require.Equal(t, http.StatusOK, ts.request(t, http.MethodPost, "/wallet/deposit", aliceToken,
		map[string]float64{"amount": 100000}, &wallet))
	assert.Equal(t, 100000.0, wallet.Balance)

	require.Equal(t, http.StatusOK, ts.request(t, http.MethodPost, "/admin/credits/mint", admin,
		map[string]interface{}{"user_id": bobID, "amount": 10.0}, &wallet))
	assert.Equal(t, 10.0, wallet.CreditBalance)

	// Bob offers 5 credits at the base price, alice lifts them.
	var sell models.Order
	require.Equal(t, http.StatusCreated, ts.request(t, http.MethodPost, "/marketplace/orders", bobToken,
		map[string]interface{}{"side": "sell", "price": 10000.0, "quantity": 5.0}, &sell))
	assert.Equal(t, models.OrderPending, sell.Status)

	var buy models.Order
	require.Equal(t, http.StatusCreated, ts.request(t, http.MethodPost, "/marketplace/orders", aliceToken,
		map[string]interface{}{"side": "buy", "price": 10000.0, "quantity": 5.0}, &buy))
	assert.Equal(t, models.OrderExecuted, buy.Status)

	var trades []models.Trade
	require.Equal(t, http.StatusOK, ts.request(t, http.MethodGet, "/marketplace/trades", "", nil, &trades))
	require.Len(t, trades, 1)
	assert.Equal(t, 5.0, trades[0].Quantity)
	assert.Equal(t, 10000.0, trades[0].Price)
	assert.Equal(t, aliceID, trades[0].BuyerID)
	assert.Equal(t, bobID, trades[0].SellerID)

	var myTrades []models.Trade
	require.Equal(t, http.StatusOK, ts.request(t, http.MethodGet, "/marketplace/trades/my", bobToken, nil, &myTrades))
	assert.Len(t, myTrades, 1)

	// Settled balances on both sides.
	require.Equal(t, http.StatusOK, ts.request(t, http.MethodGet, "/wallet", aliceToken, nil, &wallet))
	assert.Equal(t, 50000.0, wallet.Balance)
	assert.Equal(t, 5.0, wallet.CreditBalance)

	require.Equal(t, http.StatusOK, ts.request(t, http.MethodGet, "/wallet", bobToken, nil, &wallet))
	assert.Equal(t, 50000.0, wallet.Balance)
	assert.Equal(t, 5.0, wallet.CreditBalance)

	var price map[string]float64
	require.Equal(t, http.StatusOK, ts.request(t, http.MethodGet, "/marketplace/price/last", "", nil, &price))
	assert.Equal(t, 10000.0, price["price"])

	// The book is empty again.
	var bookResp struct {
		BuyOrders  []models.Order `json:"buy_orders"`
		SellOrders []models.Order `json:"sell_orders"`
	}
	require.Equal(t, http.StatusOK, ts.request(t, http.MethodGet, "/marketplace/orderbook", "", nil, &bookResp))
	assert.Empty(t, bookResp.BuyOrders)
	assert.Empty(t, bookResp.SellOrders)
}

func TestOrderRejections(t *testing.T) {
	ts := newTestServer(t)
	_, token := ts.registerAndLogin(t, "alice")

	// No funds deposited.
	assert.Equal(t, http.StatusBadRequest, ts.request(t, http.MethodPost, "/marketplace/orders", token,
		map[string]interface{}{"side": "buy", "price": 10000.0, "quantity": 1.0}, nil))

	// Outside the admission band around the base price.
	assert.Equal(t, http.StatusBadRequest, ts.request(t, http.MethodPost, "/marketplace/orders", token,
		map[string]interface{}{"side": "buy", "price": 20000.0, "quantity": 1.0}, nil))

	// Non-positive quantity.
	assert.Equal(t, http.StatusBadRequest, ts.request(t, http.MethodPost, "/marketplace/orders", token,
		map[string]interface{}{"side": "buy", "price": 10000.0, "quantity": 0.0}, nil))

	// Unknown side.
	assert.Equal(t, http.StatusBadRequest, ts.request(t, http.MethodPost, "/marketplace/orders", token,
		map[string]interface{}{"side": "hold", "price": 10000.0, "quantity": 1.0}, nil))
}

func TestCancelOrderEndpoint(t *testing.T) {
	ts := newTestServer(t)
	_, aliceToken := ts.registerAndLogin(t, "alice")
	_, bobToken := ts.registerAndLogin(t, "bob")

	var wallet models.Wallet
	require.Equal(t, http.StatusOK, ts.request(t, http.MethodPost, "/wallet/deposit", aliceToken,
		map[string]float64{"amount": 50000}, &wallet))

	var order models.Order
	require.Equal(t, http.StatusCreated, ts.request(t, http.MethodPost, "/marketplace/orders", aliceToken,
		map[string]interface{}{"side": "buy", "price": 9500.0, "quantity": 2.0}, &order))

	// Someone else cannot cancel it.
	assert.Equal(t, http.StatusForbidden, ts.request(t, http.MethodDelete, "/marketplace/orders/"+order.ID, bobToken, nil, nil))
	assert.Equal(t, http.StatusNotFound, ts.request(t, http.MethodDelete, "/marketplace/orders/no-such-order", aliceToken, nil, nil))

	var cancelled models.Order
	require.Equal(t, http.StatusOK, ts.request(t, http.MethodDelete, "/marketplace/orders/"+order.ID, aliceToken, nil, &cancelled))
	assert.Equal(t, models.OrderCancelled, cancelled.Status)

	// The reservation is released.
	require.Equal(t, http.StatusOK, ts.request(t, http.MethodGet, "/wallet", aliceToken, nil, &wallet))
	assert.Equal(t, 50000.0, wallet.Balance)
	assert.Equal(t, 0.0, wallet.MoneyLocked)

	// Cancelling twice fails.
	assert.Equal(t, http.StatusBadRequest, ts.request(t, http.MethodDelete, "/marketplace/orders/"+order.ID, aliceToken, nil, nil))
}

func TestRetirementFlow(t *testing.T) {
	ts := newTestServer(t)
	admin := adminToken(t)
	userID, token := ts.registerAndLogin(t, "alice")

	var wallet models.Wallet
	require.Equal(t, http.StatusOK, ts.request(t, http.MethodPost, "/admin/credits/mint", admin,
		map[string]interface{}{"user_id": userID, "amount": 10.0}, &wallet))

	var retirement models.Retirement
	require.Equal(t, http.StatusCreated, ts.request(t, http.MethodPost, "/retirements", token,
		map[string]interface{}{"quantity": 4.0, "beneficiary": "ACME Corp", "reason": "2025 offsets"}, &retirement))
	assert.Equal(t, 4.0, retirement.Quantity)
	assert.Equal(t, "ACME Corp", retirement.Beneficiary)

	require.Equal(t, http.StatusOK, ts.request(t, http.MethodGet, "/wallet", token, nil, &wallet))
	assert.Equal(t, 6.0, wallet.CreditBalance)

	// Retiring more than held is rejected.
	assert.Equal(t, http.StatusBadRequest, ts.request(t, http.MethodPost, "/retirements", token,
		map[string]interface{}{"quantity": 100.0}, nil))

	var mine []models.Retirement
	require.Equal(t, http.StatusOK, ts.request(t, http.MethodGet, "/retirements/my", token, nil, &mine))
	require.Len(t, mine, 1)
	assert.Equal(t, retirement.ID, mine[0].ID)

	var all []models.Retirement
	require.Equal(t, http.StatusOK, ts.request(t, http.MethodGet, "/admin/retirements", admin, nil, &all))
	assert.Len(t, all, 1)
}

func TestBurnCredits(t *testing.T) {
	ts := newTestServer(t)
	admin := adminToken(t)
	userID, _ := ts.registerAndLogin(t, "alice")

	var wallet models.Wallet
	require.Equal(t, http.StatusOK, ts.request(t, http.MethodPost, "/admin/credits/mint", admin,
		map[string]interface{}{"user_id": userID, "amount": 3.0}, &wallet))
	// Burning past zero leaves a carbon debt.
	require.Equal(t, http.StatusOK, ts.request(t, http.MethodPost, "/admin/credits/burn", admin,
		map[string]interface{}{"user_id": userID, "amount": 5.0}, &wallet))
	assert.Equal(t, -2.0, wallet.CreditBalance)

	assert.Equal(t, http.StatusBadRequest, ts.request(t, http.MethodPost, "/admin/credits/mint", admin,
		map[string]interface{}{"user_id": "", "amount": 5.0}, nil))
	assert.Equal(t, http.StatusBadRequest, ts.request(t, http.MethodPost, "/admin/credits/burn", admin,
		map[string]interface{}{"user_id": userID, "amount": -1.0}, nil))
}

func TestDynamicPriceEndpoint(t *testing.T) {
	ts := newTestServer(t)
	_, token := ts.registerAndLogin(t, "alice")

	var wallet models.Wallet
	require.Equal(t, http.StatusOK, ts.request(t, http.MethodPost, "/wallet/deposit", token,
		map[string]float64{"amount": 1000000}, &wallet))

	// Pending demand of 20 with no supply.
	var order models.Order
	require.Equal(t, http.StatusCreated, ts.request(t, http.MethodPost, "/marketplace/orders", token,
		map[string]interface{}{"side": "buy", "price": 10000.0, "quantity": 20.0}, &order))

	var price map[string]float64
	require.Equal(t, http.StatusOK, ts.request(t, http.MethodGet, "/marketplace/price/dynamic", "", nil, &price))
	assert.InDelta(t, pricing.DefaultBasePrice*1.1, price["price"], 1e-9)

	require.Equal(t, http.StatusOK, ts.request(t, http.MethodGet,
		fmt.Sprintf("/marketplace/price/dynamic?base=%g&sensitivity=%g", 100.0, 0.5), "", nil, &price))
	assert.InDelta(t, 150.0, price["price"], 1e-9)

	assert.Equal(t, http.StatusBadRequest, ts.request(t, http.MethodGet, "/marketplace/price/dynamic?base=-5", "", nil, nil))
	assert.Equal(t, http.StatusBadRequest, ts.request(t, http.MethodGet, "/marketplace/price/dynamic?sensitivity=abc", "", nil, nil))
}

func TestGetUserOrders(t *testing.T) {
	ts := newTestServer(t)
	_, token := ts.registerAndLogin(t, "alice")
	_, otherToken := ts.registerAndLogin(t, "bob")

	var wallet models.Wallet
	require.Equal(t, http.StatusOK, ts.request(t, http.MethodPost, "/wallet/deposit", token,
		map[string]float64{"amount": 50000}, &wallet))
	var order models.Order
	require.Equal(t, http.StatusCreated, ts.request(t, http.MethodPost, "/marketplace/orders", token,
		map[string]interface{}{"side": "buy", "price": 9500.0, "quantity": 2.0}, &order))

	var orders []models.Order
	require.Equal(t, http.StatusOK, ts.request(t, http.MethodGet, "/marketplace/orders/my", token, nil, &orders))
	require.Len(t, orders, 1)
	assert.Equal(t, order.ID, orders[0].ID)

	require.Equal(t, http.StatusOK, ts.request(t, http.MethodGet, "/marketplace/orders/my", otherToken, nil, &orders))
	assert.Empty(t, orders)
}
