package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/quantmesh/lobcore/internal/book"
	"github.com/quantmesh/lobcore/internal/clock"
)

func newTestServer(t *testing.T) (*gin.Engine, *Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := NewRegistry()
	bk := book.NewCoarseBook("BTC-USD", nil, clock.NewFixed(1000))
	reg.Add(bk)

	router := gin.New()
	NewHandler(reg, nil).RegisterRoutes(router)
	return router, reg
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCreateOrderAndGetBook(t *testing.T) {
	t.Parallel()
	router, _ := newTestServer(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/orders", CreateOrderRequest{
		Symbol: "BTC-USD", Side: "BUY", Type: "LIMIT", Price: mustDecimal("100"), Quantity: mustDecimal("1"),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create order status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/book?symbol=BTC-USD", nil)
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get book status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	bids, _ := resp["bids"].([]any)
	if len(bids) != 1 {
		t.Fatalf("bids = %v, want 1 level", resp["bids"])
	}
}

func TestCreateOrderUnknownSymbol(t *testing.T) {
	t.Parallel()
	router, _ := newTestServer(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/orders", CreateOrderRequest{
		Symbol: "ETH-USD", Side: "BUY", Type: "LIMIT", Price: mustDecimal("100"), Quantity: mustDecimal("1"),
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCancelOrder(t *testing.T) {
	t.Parallel()
	router, _ := newTestServer(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/orders", CreateOrderRequest{
		Symbol: "BTC-USD", Side: "BUY", Type: "LIMIT", Price: mustDecimal("100"), Quantity: mustDecimal("1"),
	})
	var created map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	id := created["id"].(string)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/orders/"+id+"?symbol=BTC-USD", nil)
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestGetTradesAfterFill(t *testing.T) {
	t.Parallel()
	router, _ := newTestServer(t)

	doJSON(t, router, http.MethodPost, "/api/v1/orders", CreateOrderRequest{
		Symbol: "BTC-USD", Side: "SELL", Type: "LIMIT", Price: mustDecimal("100"), Quantity: mustDecimal("1"),
	})
	doJSON(t, router, http.MethodPost, "/api/v1/orders", CreateOrderRequest{
		Symbol: "BTC-USD", Side: "BUY", Type: "LIMIT", Price: mustDecimal("100"), Quantity: mustDecimal("1"),
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/trades?symbol=BTC-USD", nil)
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	trades, _ := resp["trades"].([]any)
	if len(trades) != 1 {
		t.Fatalf("trades = %v, want 1 fill", resp["trades"])
	}
}

func mustDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
