package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"purchase-service/internal/catalog"
	"purchase-service/internal/orders"
	"purchase-service/internal/purchase"
	"purchase-service/pkg/ctxmanage"
	"purchase-service/pkg/logkey"
	"purchase-service/web"
)

const (
	msgMalformed       = "the payment confirmation request is missing or has malformed parameters"
	msgGatewayDeclined = "the payment was cancelled or declined"
)

// maxGatewayTextLen bounds redirect parameters copied into the logs.
const maxGatewayTextLen = 200

// confirmBody is the server-to-server confirmation payload. Amount is a pointer so a missing
// amount is told apart from a free order.
type confirmBody struct {
	PaymentKey string `json:"paymentKey"`
	OrderID    string `json:"orderId"`
	Amount     *int64 `json:"amount"`
}

// PurchaseSuccess handles the gateway's browser redirect for one item type and renders the
// outcome as a page.
func (h *Handler) PurchaseSuccess(itemType catalog.ItemType, flow purchase.Flow) gin.HandlerFunc {
	return func(c *gin.Context) {
		traceId := ctxmanage.GetTraceIdOfRequest(c)
		claims, ok := claimsOf(c)
		if !ok {
			slog.Error("claims not found", slog.String(logkey.TraceID, traceId))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": http.StatusText(http.StatusUnauthorized)})
			return
		}
		ref := catalog.Ref{Type: itemType, ID: c.Param("id")}
		orderID := c.Query("orderId")

		amount, err := strconv.ParseInt(c.Query("amount"), 10, 64)
		if err != nil {
			slog.Info("malformed amount on redirect", slog.String(logkey.TraceID, traceId),
				slog.String(logkey.OrderID, orderID), slog.String("amount", c.Query("amount")))
			h.renderFailure(c, http.StatusBadRequest, orderID, msgMalformed, ref)
			return
		}

		paymentKey := c.Query("paymentKey")
		if paymentKey == "" {
			paymentKey = c.Query("payment_intent")
		}
		req := purchase.Request{
			PaymentKey: paymentKey,
			OrderID:    orderID,
			Amount:     amount,
			Flow:       flow,
			BuyerID:    claims.Subject,
			Item:       &ref,
		}
		if flow == purchase.AllowLazy {
			item, err := h.Catalog.GetItem(c.Request.Context(), ref)
			if err != nil {
				if errors.Is(err, catalog.ErrItemNotFound) {
					h.renderFailure(c, http.StatusNotFound, orderID, "item not found", ref)
					return
				}
				slog.Error("error in retrieving item", slog.String(logkey.TraceID, traceId),
					slog.String(logkey.ItemID, ref.ID), slog.String(logkey.ERROR, err.Error()))
				h.renderFailure(c, http.StatusInternalServerError, orderID, "the purchase service is temporarily unavailable, please try again", ref)
				return
			}
			req.Lazy = &purchase.LazyOrder{
				BuyerID:        claims.Subject,
				Item:           ref,
				ItemName:       item.Name,
				ExpectedAmount: item.Price,
			}
		}

		out := h.Confirmer.Confirm(c.Request.Context(), req)
		slog.Info("purchase confirmation finished", slog.String(logkey.TraceID, traceId),
			slog.String(logkey.OrderID, orderID), slog.String(logkey.State, string(out.State)))
		if !out.Success() {
			h.renderFailure(c, out.HTTPStatus(), orderID, out.Message, ref)
			return
		}
		c.HTML(http.StatusOK, web.SuccessTemplate, successView(out.Order, h.itemURL(ref)))
	}
}

// PurchaseFail handles the gateway's failure redirect. A pending order owned by the caller is
// closed so it cannot be confirmed later. The redirect's code and message are client supplied,
// so they only reach the logs.
func (h *Handler) PurchaseFail(c *gin.Context) {
	traceId := ctxmanage.GetTraceIdOfRequest(c)
	claims, ok := claimsOf(c)
	if !ok {
		slog.Error("claims not found", slog.String(logkey.TraceID, traceId))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": http.StatusText(http.StatusUnauthorized)})
		return
	}
	orderID := c.Query("orderId")
	retryURL := h.SiteURL

	if orderID != "" {
		o, err := h.Orders.FindByOrderID(c.Request.Context(), orderID)
		switch {
		case err == nil && o.BuyerID == claims.Subject:
			retryURL = h.itemURL(o.Item)
			if o.Status == orders.StatusPending {
				if _, err := h.Orders.MarkFailed(c.Request.Context(), orderID, msgGatewayDeclined); err != nil && !errors.Is(err, orders.ErrNotPending) {
					slog.Error("error marking order failed", slog.String(logkey.TraceID, traceId),
						slog.String(logkey.OrderID, orderID), slog.String(logkey.ERROR, err.Error()))
				}
			}
		case err != nil && !errors.Is(err, orders.ErrOrderNotFound):
			slog.Error("error in retrieving order", slog.String(logkey.TraceID, traceId),
				slog.String(logkey.OrderID, orderID), slog.String(logkey.ERROR, err.Error()))
		}
	}
	slog.Info("payment failed at gateway", slog.String(logkey.TraceID, traceId), slog.String(logkey.OrderID, orderID),
		slog.String("code", truncate(c.Query("code"), maxGatewayTextLen)),
		slog.String("message", truncate(c.Query("message"), maxGatewayTextLen)))
	c.HTML(http.StatusOK, web.FailureTemplate, web.FailureView{OrderID: orderID, Reason: msgGatewayDeclined, RetryURL: retryURL})
}

// ConfirmPayment is the server-to-server confirmation. It only confirms orders created at
// checkout.
func (h *Handler) ConfirmPayment(c *gin.Context) {
	traceId := ctxmanage.GetTraceIdOfRequest(c)
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 64*1024)

	var body confirmBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Amount == nil {
		msg := "amount missing"
		if err != nil {
			msg = err.Error()
		}
		slog.Info("invalid confirmation body", slog.String(logkey.TraceID, traceId), slog.String(logkey.ERROR, msg))
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msgMalformed})
		return
	}

	out := h.Confirmer.Confirm(c.Request.Context(), purchase.Request{
		PaymentKey: body.PaymentKey,
		OrderID:    body.OrderID,
		Amount:     *body.Amount,
		Flow:       purchase.RequirePending,
	})
	slog.Info("payment confirmation finished", slog.String(logkey.TraceID, traceId),
		slog.String(logkey.OrderID, body.OrderID), slog.String(logkey.State, string(out.State)))
	if !out.Success() {
		c.AbortWithStatusJSON(out.HTTPStatus(), gin.H{"error": out.Message})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "payment": paymentView(out.Order)})
}

func (h *Handler) renderFailure(c *gin.Context, status int, orderID, reason string, ref catalog.Ref) {
	c.HTML(status, web.FailureTemplate, web.FailureView{OrderID: orderID, Reason: reason, RetryURL: h.itemURL(ref)})
}

func successView(o orders.Order, itemURL string) web.SuccessView {
	v := web.SuccessView{
		OrderID:  o.OrderID,
		ItemName: o.ItemName,
		Amount:   o.AmountPaid,
		Method:   o.PaymentMethod,
		ItemURL:  itemURL,
	}
	if o.ApprovedAt != nil {
		v.ApprovedAt = *o.ApprovedAt
	}
	return v
}

type payment struct {
	OrderID     string     `json:"orderId"`
	PaymentKey  string     `json:"paymentKey,omitempty"`
	ItemType    string     `json:"itemType"`
	ItemID      string     `json:"itemId"`
	OrderName   string     `json:"orderName"`
	TotalAmount int64      `json:"totalAmount"`
	Method      string     `json:"method"`
	ApprovedAt  *time.Time `json:"approvedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

func paymentView(o orders.Order) payment {
	return payment{
		OrderID:     o.OrderID,
		PaymentKey:  o.PaymentReference,
		ItemType:    string(o.Item.Type),
		ItemID:      o.Item.ID,
		OrderName:   o.ItemName,
		TotalAmount: o.AmountPaid,
		Method:      o.PaymentMethod,
		ApprovedAt:  o.ApprovedAt,
		CompletedAt: o.CompletedAt,
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
