package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Mart95Dev/glowloops-v4-sub002/internal/domain"
	"github.com/Mart95Dev/glowloops-v4-sub002/internal/metrics"
	"github.com/Mart95Dev/glowloops-v4-sub002/internal/service"
	"github.com/Mart95Dev/glowloops-v4-sub002/internal/storage"
	"github.com/Mart95Dev/glowloops-v4-sub002/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSession = "session-abc"

type failingProvider struct {
	err error
}

func (f failingProvider) Cart(context.Context, string) (*store.Store, error) {
	return nil, f.err
}

func setupRouter(t *testing.T) (http.Handler, *service.CartService) {
	t.Helper()
	m := metrics.New()
	svc := service.NewCartService(storage.NewMemoryStorage(), service.Config{}, zap.NewNop(), m)
	handler := NewCartHandler(svc, 0)
	router := NewRouter(handler, RouterConfig{
		RequestTimeout: 5 * time.Second,
		Metrics:        m.Handler(),
	}, zap.NewNop())
	return router, svc
}

func doRequest(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SessionHeader, testSession)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeSnapshot(t *testing.T, rec *httptest.ResponseRecorder) domain.Snapshot {
	t.Helper()
	var snap domain.Snapshot
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&snap))
	return snap
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestGetCart_Empty(t *testing.T) {
	router, _ := setupRouter(t)

	rec := doRequest(t, router, http.MethodGet, "/api/v1/cart", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"lines":[]`)
	snap := decodeSnapshot(t, rec)
	assert.Equal(t, domain.SnapshotVersion, snap.Version)
	assert.Equal(t, 0, snap.TotalItems)
}

func TestSessionCookieIssued(t *testing.T) {
	router, _ := setupRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, DefaultSessionCookie, cookies[0].Name)
	assert.NotEmpty(t, cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)
}

func TestSessionFromCookie(t *testing.T) {
	router, svc := setupRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/cart/items",
		bytes.NewBufferString(`{"productId":"P1","name":"Ring","unitPrice":"10"}`))
	req.AddCookie(&http.Cookie{Name: DefaultSessionCookie, Value: "cookie-session"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Empty(t, rec.Result().Cookies())

	cart, err := svc.Cart(context.Background(), "cookie-session")
	require.NoError(t, err)
	assert.Equal(t, 1, cart.Totals().TotalItems)
}

func TestAddItem_CreatesAndMergesLines(t *testing.T) {
	router, _ := setupRouter(t)
	body := map[string]interface{}{
		"productId": "ring-01",
		"name":      "Gold ring",
		"unitPrice": "120.00",
		"quantity":  1,
		"imageRef":  "img/ring-01.webp",
		"optionalAttributes": map[string]interface{}{
			"color":    map[string]interface{}{"value": "gold"},
			"warranty": map[string]interface{}{"value": "2y", "priceDelta": "15.50"},
		},
	}

	rec := doRequest(t, router, http.MethodPost, "/api/v1/cart/items", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/api/v1/cart/items", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	snap := decodeSnapshot(t, rec)
	require.Len(t, snap.Lines, 1)
	assert.Equal(t, 2, snap.Lines[0].Quantity)
	assert.Equal(t, 2, snap.TotalItems)
	assert.True(t, decimal.RequireFromString("271").Equal(snap.TotalPrice))
}

func TestAddItem_NumericPriceAccepted(t *testing.T) {
	router, _ := setupRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/api/v1/cart/items",
		`{"productId":"P1","name":"Ring","unitPrice":12.5,"quantity":2}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	snap := decodeSnapshot(t, rec)
	assert.True(t, decimal.NewFromInt(25).Equal(snap.TotalPrice))
}

func TestAddItem_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
		code string
	}{
		{name: "invalid json", body: `{"productId":`, code: "invalid_request"},
		{name: "missing product", body: `{"name":"Ring","unitPrice":"1"}`, code: "validation_failed"},
		{name: "zero quantity", body: `{"productId":"P","name":"Ring","unitPrice":"1","quantity":0}`, code: "validation_failed"},
		{name: "too many", body: `{"productId":"P","name":"Ring","unitPrice":"1","quantity":100}`, code: "validation_failed"},
		{name: "empty option value", body: `{"productId":"P","name":"Ring","unitPrice":"1","optionalAttributes":{"color":{"value":""}}}`, code: "validation_failed"},
		{name: "negative price", body: `{"productId":"P","name":"Ring","unitPrice":"-1"}`, code: "invalid_input"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, svc := setupRouter(t)

			rec := doRequest(t, router, http.MethodPost, "/api/v1/cart/items", tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Code)

			cart, err := svc.Cart(context.Background(), testSession)
			require.NoError(t, err)
			assert.Empty(t, cart.Lines())
		})
	}
}

func TestUpdateQuantity(t *testing.T) {
	router, _ := setupRouter(t)
	rec := doRequest(t, router, http.MethodPost, "/api/v1/cart/items",
		`{"productId":"A","name":"Hoop","unitPrice":"10","quantity":2}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, router, http.MethodPut, "/api/v1/cart/items/A", `{"quantity":5}`)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decodeSnapshot(t, rec)
	assert.Equal(t, 5, snap.TotalItems)
	assert.True(t, decimal.NewFromInt(50).Equal(snap.TotalPrice))

	rec = doRequest(t, router, http.MethodPut, "/api/v1/cart/items/unknown", `{"quantity":3}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, decodeSnapshot(t, rec).TotalItems)

	rec = doRequest(t, router, http.MethodPut, "/api/v1/cart/items/A", `{"quantity":0}`)
	require.Equal(t, http.StatusOK, rec.Code)
	snap = decodeSnapshot(t, rec)
	assert.Empty(t, snap.Lines)
	assert.Equal(t, 0, snap.TotalItems)
}

func TestUpdateQuantity_NegativeRemoves(t *testing.T) {
	router, _ := setupRouter(t)
	doRequest(t, router, http.MethodPost, "/api/v1/cart/items", `{"productId":"A","name":"Hoop","unitPrice":"10"}`)

	rec := doRequest(t, router, http.MethodPut, "/api/v1/cart/items/A", `{"quantity":-3}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeSnapshot(t, rec).Lines)
}

func TestUpdateQuantity_MissingQuantity(t *testing.T) {
	router, _ := setupRouter(t)

	rec := doRequest(t, router, http.MethodPut, "/api/v1/cart/items/A", `{}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_failed", decodeError(t, rec).Code)
}

func TestRemoveItemAndClear(t *testing.T) {
	router, _ := setupRouter(t)
	doRequest(t, router, http.MethodPost, "/api/v1/cart/items", `{"productId":"A","name":"Hoop","unitPrice":"10","quantity":2}`)
	doRequest(t, router, http.MethodPost, "/api/v1/cart/items", `{"productId":"B","name":"Chain","unitPrice":"5"}`)

	rec := doRequest(t, router, http.MethodDelete, "/api/v1/cart/items/B", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decodeSnapshot(t, rec)
	assert.Equal(t, 2, snap.TotalItems)
	assert.True(t, decimal.NewFromInt(20).Equal(snap.TotalPrice))

	// removing twice is harmless
	rec = doRequest(t, router, http.MethodDelete, "/api/v1/cart/items/B", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decodeSnapshot(t, rec).TotalItems)

	rec = doRequest(t, router, http.MethodDelete, "/api/v1/cart", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap = decodeSnapshot(t, rec)
	assert.Empty(t, snap.Lines)
	assert.True(t, snap.TotalPrice.IsZero())
}

func TestRecalculateTotals(t *testing.T) {
	router, _ := setupRouter(t)
	doRequest(t, router, http.MethodPost, "/api/v1/cart/items", `{"productId":"A","name":"Hoop","unitPrice":"10","quantity":3}`)

	rec := doRequest(t, router, http.MethodPost, "/api/v1/cart/recalculate", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var totals domain.Totals
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&totals))
	assert.Equal(t, 3, totals.TotalItems)
	assert.True(t, decimal.NewFromInt(30).Equal(totals.TotalPrice))
}

func TestHandler_MissingSession(t *testing.T) {
	svc := service.NewCartService(storage.NewMemoryStorage(), service.Config{}, nil, nil)
	handler := NewCartHandler(svc, 0)

	rec := httptest.NewRecorder()
	handler.GetCart(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "missing_session", decodeError(t, rec).Code)
}

func TestHandler_InternalError(t *testing.T) {
	handler := NewCartHandler(failingProvider{err: errors.New("boom")}, 0)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), sessionIDKey, "s1"))
	handler.GetCart(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "internal_error", resp.Code)
	assert.NotContains(t, resp.Error, "boom")
}

func TestHealthAndMetrics(t *testing.T) {
	router, _ := setupRouter(t)
	doRequest(t, router, http.MethodPost, "/api/v1/cart/items", `{"productId":"A","name":"Hoop","unitPrice":"10"}`)

	rec := doRequest(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")

	rec = doRequest(t, router, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `cart_mutations_total{op="add_item"} 1`)
	assert.Contains(t, rec.Body.String(), "cart_open_sessions 1")
}
