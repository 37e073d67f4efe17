// Package httpapi exposes a live order book over HTTP: submitting and
// cancelling orders, and reading the current book depth and recent
// trades. It follows the same Gin handler shape as the order bounded
// context's HTTP interface, just backed directly by internal/book
// instead of a CQRS application service.
package httpapi

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantmesh/lobcore/internal/book"
	"github.com/quantmesh/lobcore/pkg/logger"
	"github.com/quantmesh/lobcore/pkg/metrics"
)

// Registry looks up the live OrderBook for a symbol. cmd/lobcore wires
// one entry per recovered/started symbol.
type Registry struct {
	mu     sync.RWMutex
	books  map[string]book.OrderBook
	trades map[string][]TradeView
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{books: make(map[string]book.OrderBook), trades: make(map[string][]TradeView)}
}

// Add registers bk under its own symbol and subscribes to its updates
// to maintain the in-memory recent-trades view GET /trades serves.
func (r *Registry) Add(bk book.OrderBook) {
	r.mu.Lock()
	r.books[bk.Symbol()] = bk
	r.mu.Unlock()

	bk.SubscribeUpdates(func(u book.Update) {
		if len(u.Fills) == 0 {
			return
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, f := range u.Fills {
			r.trades[u.Symbol] = append(r.trades[u.Symbol], TradeView{
				Symbol:   u.Symbol,
				Sequence: u.Sequence,
				TakerID:  u.OrderID,
				MakerID:  f.MakerID,
				Price:    f.Price,
				Quantity: f.Quantity,
			})
		}
		const maxRecent = 500
		if t := r.trades[u.Symbol]; len(t) > maxRecent {
			r.trades[u.Symbol] = t[len(t)-maxRecent:]
		}
	})
}

func (r *Registry) get(symbol string) (book.OrderBook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bk, ok := r.books[symbol]
	return bk, ok
}

func (r *Registry) recentTrades(symbol string) []TradeView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]TradeView(nil), r.trades[symbol]...)
}

// TradeView is one fill leg as served by GET /trades.
type TradeView struct {
	Symbol   string          `json:"symbol"`
	Sequence uint64          `json:"sequence"`
	TakerID  string          `json:"taker_id"`
	MakerID  string          `json:"maker_id"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Handler binds the Registry to Gin routes. metrics may be nil, in
// which case recording is a no-op.
type Handler struct {
	registry *Registry
	metrics  *metrics.Metrics
}

// NewHandler builds a Handler serving books from registry.
func NewHandler(registry *Registry, m *metrics.Metrics) *Handler {
	return &Handler{registry: registry, metrics: m}
}

// RegisterRoutes mounts the order book HTTP surface on router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.POST("/orders", h.CreateOrder)
		api.DELETE("/orders/:id", h.CancelOrder)
		api.GET("/book", h.GetBook)
		api.GET("/trades", h.GetTrades)
	}
}

// CreateOrderRequest is the POST /orders body.
type CreateOrderRequest struct {
	Symbol   string          `json:"symbol" binding:"required"`
	Side     string          `json:"side" binding:"required,oneof=BUY SELL"`
	Type     string          `json:"type" binding:"required,oneof=LIMIT MARKET"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity" binding:"required"`
}

// CreateOrder submits a new order to its symbol's book.
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	bk, ok := h.registry.get(req.Symbol)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown symbol: " + req.Symbol})
		return
	}

	side, err := parseSide(req.Side)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	typ, err := parseType(req.Type)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Quantity.Sign() <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "quantity must be positive"})
		return
	}

	o := &book.Order{
		ID:       uuid.NewString(),
		Symbol:   req.Symbol,
		Side:     side,
		Type:     typ,
		Price:    req.Price,
		Quantity: req.Quantity,
	}
	if !bk.Add(o) {
		logger.Error(c.Request.Context(), "order rejected", "symbol", req.Symbol, "order_id", o.ID)
		if h.metrics != nil {
			h.metrics.RecordReject()
		}
		c.JSON(http.StatusConflict, gin.H{"error": "order rejected"})
		return
	}
	if h.metrics != nil {
		h.metrics.RecordOrder()
		h.metrics.SetUpdateSequence(bk.UpdateSequence())
		if o.FilledQuantity.Sign() > 0 {
			h.metrics.RecordTrade()
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"id": o.ID, "status": o.Status.String(),
		"filled_quantity": o.FilledQuantity.String(),
	})
}

// CancelOrder removes an order by id. Since a symbol is required to
// locate the order's book and the path carries only the order id, the
// caller supplies it as a query parameter.
func (h *Handler) CancelOrder(c *gin.Context) {
	id := c.Param("id")
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol query parameter is required"})
		return
	}
	bk, ok := h.registry.get(symbol)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown symbol: " + symbol})
		return
	}
	if !bk.Cancel(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found or already terminal"})
		return
	}
	if h.metrics != nil {
		h.metrics.RecordCancel()
		h.metrics.SetUpdateSequence(bk.UpdateSequence())
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": "CANCELED"})
}

// GetBook returns the current depth for a symbol.
func (h *Handler) GetBook(c *gin.Context) {
	symbol := c.Query("symbol")
	bk, ok := h.registry.get(symbol)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown symbol: " + symbol})
		return
	}
	depth := 50
	c.JSON(http.StatusOK, gin.H{
		"symbol": symbol,
		"bids":   bk.BidLevels(depth),
		"asks":   bk.AskLevels(depth),
		"mid":    bk.MidPrice(),
		"spread": bk.Spread(),
	})
}

func parseSide(s string) (book.Side, error) {
	switch s {
	case "BUY":
		return book.Buy, nil
	case "SELL":
		return book.Sell, nil
	default:
		return 0, fmt.Errorf("unknown side: %s", s)
	}
}

func parseType(s string) (book.Type, error) {
	switch s {
	case "LIMIT":
		return book.Limit, nil
	case "MARKET":
		return book.Market, nil
	default:
		return 0, fmt.Errorf("unknown order type: %s", s)
	}
}

// GetTrades returns recent fills for a symbol.
func (h *Handler) GetTrades(c *gin.Context) {
	symbol := c.Query("symbol")
	if _, ok := h.registry.get(symbol); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown symbol: " + symbol})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "trades": h.registry.recentTrades(symbol)})
}
