package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"purchase-service/internal/models"
	"purchase-service/internal/service"
	"purchase-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// IdempotencyStore remembers which order a client request key produced
type IdempotencyStore interface {
	LookupOrder(ctx context.Context, key string) (int64, bool, error)
	RememberOrder(ctx context.Context, key string, orderID int64, ttl time.Duration) error
}

// HandlerConfig holds optional collaborators and presentation policy
type HandlerConfig struct {
	// CurrencyScale is the number of decimal places amounts are rendered with.
	CurrencyScale int32

	Idempotency    IdempotencyStore
	IdempotencyTTL time.Duration

	// Ready reports whether backing services are reachable.
	Ready func(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	pipeline *service.OrderPipeline
	reader   *service.OrderReader
	cfg      HandlerConfig
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(pipeline *service.OrderPipeline, reader *service.OrderReader, cfg HandlerConfig) *Handler {
	return &Handler{
		pipeline: pipeline,
		reader:   reader,
		cfg:      cfg,
		logger:   util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(requestLogger(h.logger))

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.GET("/users/:id/orders", h.listUserOrders)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	if h.cfg.Ready != nil {
		if err := h.cfg.Ready(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "not_ready",
				"details": err.Error(),
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// CreateOrderRequest is the body of POST /api/v1/orders. ProductIDs stays
// undecoded so the pipeline can tell absent, null and malformed values apart.
type CreateOrderRequest struct {
	UserID     int64           `json:"user_id" binding:"required"`
	ProductIDs json.RawMessage `json:"product_ids"`
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   string(service.KindMalformedRequest),
			"stage":   string(service.StageValidateRequest),
			"message": "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	ctx := c.Request.Context()
	idemKey := c.GetHeader("Idempotency-Key")
	if idemKey != "" && h.cfg.Idempotency != nil {
		idemKey = fmt.Sprintf("%d:%s", req.UserID, idemKey)
		if h.replayOrder(c, idemKey) {
			return
		}
	}

	result, err := h.pipeline.CreateOrderFromJSON(ctx, req.UserID, req.ProductIDs)
	if err != nil {
		h.writeFailure(c, err)
		return
	}

	if idemKey != "" && h.cfg.Idempotency != nil {
		if err := h.cfg.Idempotency.RememberOrder(ctx, idemKey, result.Order.ID, h.cfg.IdempotencyTTL); err != nil {
			h.logger.Warn("Failed to remember idempotency key",
				zap.Int64("order_id", result.Order.ID),
				zap.Error(err))
		}
	}

	c.JSON(http.StatusCreated, h.orderWithProductsResponse(result))
}

// replayOrder answers with the order an earlier request with the same key
// created. It returns false when the request must be processed normally.
func (h *Handler) replayOrder(c *gin.Context, key string) bool {
	ctx := c.Request.Context()

	orderID, found, err := h.cfg.Idempotency.LookupOrder(ctx, key)
	if err != nil {
		h.logger.Warn("Idempotency lookup failed, processing request", zap.Error(err))
		return false
	}
	if !found {
		return false
	}

	order, err := h.reader.GetOrderWithItems(ctx, orderID)
	if err != nil || order == nil {
		h.logger.Warn("Remembered order could not be loaded",
			zap.Int64("order_id", orderID),
			zap.Error(err))
		return false
	}

	util.IdempotentReplaysTotal.Inc()
	products := make([]models.Product, 0, len(order.Lines))
	for _, l := range order.Lines {
		p := l.Product
		p.Price = l.Line.Price
		products = append(products, p)
	}
	c.JSON(http.StatusOK, h.orderWithProductsResponse(&models.OrderWithProducts{
		Order:    order.Order,
		Products: products,
	}))
	return true
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := parseID(c)
	if !ok {
		return
	}

	order, err := h.reader.GetOrderWithItems(c.Request.Context(), orderID)
	if err != nil {
		h.logger.Error("Failed to get order", zap.Int64("order_id", orderID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get order",
		})
		return
	}
	if order == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Order not found",
		})
		return
	}

	items := make([]lineResponse, 0, len(order.Lines))
	for _, l := range order.Lines {
		items = append(items, lineResponse{
			ID:        l.Line.ID,
			ProductID: l.Line.ProductID,
			Price:     h.amount(l.Line.Price),
			Product:   h.productResponse(l.Product),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"order": h.orderResponse(order.Order),
		"items": items,
	})
}

// listUserOrders handles listing a user's orders
func (h *Handler) listUserOrders(c *gin.Context) {
	userID, ok := parseID(c)
	if !ok {
		return
	}

	orders, err := h.reader.ListOrders(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to list orders", zap.Int64("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list orders",
		})
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, h.orderResponse(o))
	}
	c.JSON(http.StatusOK, gin.H{"orders": resp})
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid ID",
		})
		return 0, false
	}
	return id, true
}

var failureStatus = map[service.FailureKind]int{
	service.KindEmptyRequest:        http.StatusBadRequest,
	service.KindMalformedRequest:    http.StatusBadRequest,
	service.KindDuplicateInRequest:  http.StatusBadRequest,
	service.KindUserNotFound:        http.StatusNotFound,
	service.KindProductsNotFound:    http.StatusNotFound,
	service.KindAlreadyOwned:        http.StatusConflict,
	service.KindInsufficientBalance: http.StatusPaymentRequired,
	service.KindPersistenceFailure:  http.StatusInternalServerError,
}

var failureMessage = map[service.FailureKind]string{
	service.KindEmptyRequest:        "No products requested",
	service.KindMalformedRequest:    "product_ids must be a list of product identifiers",
	service.KindDuplicateInRequest:  "A product is listed more than once",
	service.KindUserNotFound:        "User not found",
	service.KindProductsNotFound:    "Some products do not exist",
	service.KindAlreadyOwned:        "Some products are already owned",
	service.KindInsufficientBalance: "Balance is too low for this order",
	service.KindPersistenceFailure:  "Failed to create order",
}

func (h *Handler) writeFailure(c *gin.Context, err error) {
	var f *service.Failure
	if !errors.As(err, &f) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": string(service.KindPersistenceFailure)})
		return
	}

	status, ok := failureStatus[f.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}

	body := gin.H{
		"error":   string(f.Kind),
		"stage":   string(f.Stage),
		"message": failureMessage[f.Kind],
	}
	if len(f.ProductIDs) > 0 {
		body["product_ids"] = f.ProductIDs
	}
	if f.Kind == service.KindMalformedRequest && f.Err != nil {
		body["details"] = f.Err.Error()
	}
	if f.Retryable() {
		// lost a race with another purchase; nothing was written
		status = http.StatusServiceUnavailable
		body["retryable"] = true
		body["message"] = "Order conflicted with a concurrent update, retry the request"
		c.Header("Retry-After", "1")
	}
	c.JSON(status, body)
}

type orderResponse struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Total     string    `json:"total"`
	CreatedAt time.Time `json:"created_at"`
}

type productResponse struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Price string `json:"price"`
}

type lineResponse struct {
	ID        int64           `json:"id"`
	ProductID int64           `json:"product_id"`
	Price     string          `json:"price"`
	Product   productResponse `json:"product"`
}

type orderWithProductsResponse struct {
	Order    orderResponse     `json:"order"`
	Products []productResponse `json:"products"`
}

func (h *Handler) amount(d decimal.Decimal) string {
	return d.StringFixed(h.cfg.CurrencyScale)
}

func (h *Handler) orderResponse(o models.Order) orderResponse {
	return orderResponse{
		ID:        o.ID,
		UserID:    o.UserID,
		Total:     h.amount(o.Total),
		CreatedAt: o.CreatedAt,
	}
}

func (h *Handler) productResponse(p models.Product) productResponse {
	return productResponse{ID: p.ID, Name: p.Name, Price: h.amount(p.Price)}
}

func (h *Handler) orderWithProductsResponse(r *models.OrderWithProducts) orderWithProductsResponse {
	products := make([]productResponse, 0, len(r.Products))
	for _, p := range r.Products {
		products = append(products, h.productResponse(p))
	}
	return orderWithProductsResponse{
		Order:    h.orderResponse(r.Order),
		Products: products,
	}
}
