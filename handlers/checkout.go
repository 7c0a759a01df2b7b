package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"purchase-service/internal/catalog"
	"purchase-service/internal/gateway"
	"purchase-service/internal/orders"
	"purchase-service/pkg/ctxmanage"
	"purchase-service/pkg/logkey"
)

type checkoutRequest struct {
	ItemType string `json:"item_type" validate:"required,oneof=course product"`
	ItemID   string `json:"item_id" validate:"required,max=64"`
}

// checkoutResponse carries what the client-side payment widget needs. The amount is the
// catalog price; the browser only echoes it back.
type checkoutResponse struct {
	OrderID     string `json:"orderId"`
	OrderName   string `json:"orderName"`
	Amount      int64  `json:"amount"`
	CustomerKey string `json:"customerKey"`
	ClientKey   string `json:"clientKey"`
	SuccessURL  string `json:"successUrl"`
	FailURL     string `json:"failUrl"`

	PaymentIntentID string `json:"paymentIntentId,omitempty"`
	ClientSecret    string `json:"clientSecret,omitempty"`
}

// Checkout creates the pending order for an item at its current catalog price.
func (h *Handler) Checkout(c *gin.Context) {
	traceId := ctxmanage.GetTraceIdOfRequest(c)
	claims, ok := claimsOf(c)
	if !ok {
		slog.Error("claims not found", slog.String(logkey.TraceID, traceId))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": http.StatusText(http.StatusUnauthorized)})
		return
	}

	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.Error("json validation error", slog.String(logkey.TraceID, traceId), slog.String(logkey.ERROR, err.Error()))
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": http.StatusText(http.StatusBadRequest)})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		slog.Error("validation failed", slog.String(logkey.TraceID, traceId), slog.String(logkey.ERROR, err.Error()))
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": validationMessage(err)})
		return
	}
	ref := catalog.Ref{Type: catalog.ItemType(req.ItemType), ID: req.ItemID}
	ctx := c.Request.Context()

	item, err := h.Catalog.GetItem(ctx, ref)
	if err != nil {
		if errors.Is(err, catalog.ErrItemNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Item not found"})
			return
		}
		slog.Error("error in retrieving item", slog.String(logkey.TraceID, traceId),
			slog.String(logkey.ItemID, ref.ID), slog.String(logkey.ERROR, err.Error()))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch item"})
		return
	}

	if h.Entitlements != nil {
		owned, err := h.Entitlements.HasAccess(ctx, claims.Subject, ref)
		if err != nil {
			slog.Error("error in checking entitlement", slog.String(logkey.TraceID, traceId),
				slog.String(logkey.BuyerID, claims.Subject), slog.String(logkey.ERROR, err.Error()))
		} else if owned {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "Item already purchased"})
			return
		}
	}

	orderID := uuid.NewString()
	var intent gateway.Intent
	if h.Payments != nil && item.Price > 0 {
		intent, err = h.Payments.Prepare(ctx, gateway.IntentRequest{
			OrderID:     orderID,
			BuyerID:     claims.Subject,
			Description: item.Name,
			Amount:      item.Price,
		})
		if err != nil {
			slog.Error("error creating payment intent", slog.String(logkey.TraceID, traceId),
				slog.String(logkey.OrderID, orderID), slog.String(logkey.ERROR, err.Error()))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to create payment"})
			return
		}
	}

	order, err := h.Orders.CreatePending(ctx, orders.NewOrder{
		OrderID:        orderID,
		BuyerID:        claims.Subject,
		Item:           ref,
		ItemName:       item.Name,
		ExpectedAmount: item.Price,
	})
	if err != nil {
		slog.Error("error creating order", slog.String(logkey.TraceID, traceId), slog.String(logkey.ERROR, err.Error()))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to create order"})
		return
	}
	slog.Info("pending order created", slog.String(logkey.TraceID, traceId), slog.String(logkey.OrderID, order.OrderID),
		slog.String(logkey.BuyerID, order.BuyerID), slog.String(logkey.ItemType, string(ref.Type)), slog.String(logkey.ItemID, ref.ID))

	successURL := h.PublicURL + h.prefix + "/" + string(ref.Type) + "s/" + url.PathEscape(ref.ID) + "/purchase/success"
	if intent.PaymentKey != "" {
		// the SDK only appends payment_intent on return, so the order id and amount ride along
		successURL += "?" + url.Values{
			"orderId": {order.OrderID},
			"amount":  {strconv.FormatInt(order.ExpectedAmount, 10)},
		}.Encode()
	}
	c.JSON(http.StatusOK, checkoutResponse{
		OrderID:         order.OrderID,
		OrderName:       order.ItemName,
		Amount:          order.ExpectedAmount,
		CustomerKey:     claims.Subject,
		ClientKey:       h.ClientKey,
		SuccessURL:      successURL,
		FailURL:         h.PublicURL + h.prefix + "/purchase/fail",
		PaymentIntentID: intent.PaymentKey,
		ClientSecret:    intent.ClientSecret,
	})
}

func validationMessage(err error) string {
	var vErrs validator.ValidationErrors
	if errors.As(err, &vErrs) {
		for _, vErr := range vErrs {
			switch vErr.Tag() {
			case "required", "required_unless":
				return vErr.Field() + " value missing"
			case "min", "gte":
				return vErr.Field() + " value is less than " + vErr.Param()
			case "max":
				return vErr.Field() + " value is too long"
			case "oneof":
				return vErr.Field() + " must be one of " + vErr.Param()
			}
		}
	}
	return http.StatusText(http.StatusBadRequest)
}
