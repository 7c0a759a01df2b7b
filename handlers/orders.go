package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"purchase-service/internal/orders"
	"purchase-service/pkg/ctxmanage"
	"purchase-service/pkg/logkey"
)

const defaultStaleAfter = 30 * time.Minute

// ListOrders is the caller's purchase history, newest first.
func (h *Handler) ListOrders(c *gin.Context) {
	traceId := ctxmanage.GetTraceIdOfRequest(c)
	claims, ok := claimsOf(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": http.StatusText(http.StatusUnauthorized)})
		return
	}
	limit, offset, err := page(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	list, err := h.Orders.ListByBuyer(c.Request.Context(), claims.Subject, limit, offset)
	if err != nil {
		slog.Error("error in listing orders", slog.String(logkey.TraceID, traceId),
			slog.String(logkey.BuyerID, claims.Subject), slog.String(logkey.ERROR, err.Error()))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch orders"})
		return
	}
	c.JSON(http.StatusOK, list)
}

// GetOrder returns one order. Orders of other buyers look the same as missing ones.
func (h *Handler) GetOrder(c *gin.Context) {
	traceId := ctxmanage.GetTraceIdOfRequest(c)
	claims, ok := claimsOf(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": http.StatusText(http.StatusUnauthorized)})
		return
	}
	orderID := c.Param("orderId")

	o, err := h.Orders.FindByOrderID(c.Request.Context(), orderID)
	if err != nil && !errors.Is(err, orders.ErrOrderNotFound) {
		slog.Error("error in retrieving order", slog.String(logkey.TraceID, traceId),
			slog.String(logkey.OrderID, orderID), slog.String(logkey.ERROR, err.Error()))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch order"})
		return
	}
	if err != nil || o.BuyerID != claims.Subject {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		return
	}
	c.JSON(http.StatusOK, o)
}

// StaleOrders lists orders stuck in pending so operators can reconcile them by hand.
func (h *Handler) StaleOrders(c *gin.Context) {
	traceId := ctxmanage.GetTraceIdOfRequest(c)
	olderThan := defaultStaleAfter
	if s := c.Query("olderThan"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "olderThan must be a positive duration such as 30m"})
			return
		}
		olderThan = d
	}
	limit := maxPageSize
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, 1000)
	}

	list, err := h.Orders.ListStalePending(c.Request.Context(), olderThan, limit)
	if err != nil {
		slog.Error("error in listing stale orders", slog.String(logkey.TraceID, traceId), slog.String(logkey.ERROR, err.Error()))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch orders"})
		return
	}
	c.JSON(http.StatusOK, list)
}
