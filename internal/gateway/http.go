package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"purchase-service/pkg/ctxmanage"
	"purchase-service/pkg/logkey"
)

const maxResponseBytes = 1 << 20

// HTTPClient confirms payments against a Toss Payments style approval endpoint:
// POST {paymentKey, orderId, amount} authenticated with the secret key as the basic-auth user.
type HTTPClient struct {
	confirmURL string
	authHeader string
	timeout    time.Duration
	client     *http.Client
}

func NewHTTPClient(confirmURL, secretKey string, timeout time.Duration) (*HTTPClient, error) {
	if confirmURL == "" {
		return nil, errors.New("confirm url is empty")
	}
	if secretKey == "" {
		return nil, errors.New("secret key is empty")
	}
	if timeout <= 0 {
		return nil, errors.New("timeout must be positive")
	}
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = timeout
	return &HTTPClient{
		confirmURL: confirmURL,
		authHeader: "Basic " + base64.StdEncoding.EncodeToString([]byte(secretKey+":")),
		timeout:    timeout,
		client:     client,
	}, nil
}

type confirmBody struct {
	PaymentKey string `json:"paymentKey"`
	OrderID    string `json:"orderId"`
	Amount     int64  `json:"amount"`
}

type approvalResponse struct {
	PaymentKey  string `json:"paymentKey"`
	OrderID     string `json:"orderId"`
	Status      string `json:"status"`
	TotalAmount int64  `json:"totalAmount"`
	Method      string `json:"method"`
	ApprovedAt  string `json:"approvedAt"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *HTTPClient) Confirm(ctx context.Context, req ConfirmRequest) Result {
	traceId := ctxmanage.GetTraceId(ctx)
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	body, err := json.Marshal(confirmBody{PaymentKey: req.PaymentKey, OrderID: req.OrderID, Amount: req.Amount})
	if err != nil {
		return Rejected{Code: CodeBadResponse, Message: "could not prepare the payment confirmation"}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.confirmURL, bytes.NewReader(body))
	if err != nil {
		return Rejected{Code: CodeNetwork, Message: "could not reach the payment service"}
	}
	httpReq.Header.Set("Authorization", h.authHeader)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.OrderID)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			slog.Error("payment confirmation timed out", slog.String(logkey.TraceID, traceId),
				slog.String(logkey.OrderID, req.OrderID), slog.String(logkey.ERROR, err.Error()))
			return Rejected{Code: CodeTimeout, Message: "the payment service did not respond in time"}
		}
		slog.Error("payment confirmation request failed", slog.String(logkey.TraceID, traceId),
			slog.String(logkey.OrderID, req.OrderID), slog.String(logkey.ERROR, err.Error()))
		return Rejected{Code: CodeNetwork, Message: "could not reach the payment service"}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		slog.Error("reading payment confirmation response", slog.String(logkey.TraceID, traceId),
			slog.String(logkey.OrderID, req.OrderID), slog.String(logkey.ERROR, err.Error()))
		if isTimeout(err) {
			return Rejected{Code: CodeTimeout, Message: "the payment service did not respond in time"}
		}
		return Rejected{Code: CodeNetwork, Message: "could not reach the payment service"}
	}

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		if err := json.Unmarshal(raw, &e); err != nil || e.Message == "" {
			return Rejected{Code: CodeBadResponse, Message: fmt.Sprintf("payment was not approved (status %d)", resp.StatusCode)}
		}
		slog.Info("payment rejected by gateway", slog.String(logkey.TraceID, traceId),
			slog.String(logkey.OrderID, req.OrderID), slog.String("code", e.Code), slog.String("message", e.Message))
		if e.Code == CodeAlreadyProcessed {
			return h.lookup(ctx, req)
		}
		return Rejected{Code: e.Code, Message: e.Message}
	}
	return h.decodeApproval(traceId, req, raw)
}

// lookup reads the payment an earlier confirmation already approved. When it cannot be read the
// result stays CodeAlreadyProcessed so the caller knows money may have moved.
func (h *HTTPClient) lookup(ctx context.Context, req ConfirmRequest) Result {
	traceId := ctxmanage.GetTraceId(ctx)
	unknown := Rejected{Code: CodeAlreadyProcessed, Message: "the payment was already processed"}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, h.paymentURL(req.PaymentKey), nil)
	if err != nil {
		return unknown
	}
	httpReq.Header.Set("Authorization", h.authHeader)
	resp, err := h.client.Do(httpReq)
	if err != nil {
		slog.Error("payment lookup failed", slog.String(logkey.TraceID, traceId),
			slog.String(logkey.OrderID, req.OrderID), slog.String(logkey.ERROR, err.Error()))
		return unknown
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil || resp.StatusCode != http.StatusOK {
		slog.Error("payment lookup returned no payment", slog.String(logkey.TraceID, traceId),
			slog.String(logkey.OrderID, req.OrderID), slog.Int("status", resp.StatusCode))
		return unknown
	}
	res := h.decodeApproval(traceId, req, raw)
	if _, ok := res.(Approved); !ok {
		slog.Error("already processed payment is not approved", slog.String(logkey.TraceID, traceId),
			slog.String(logkey.OrderID, req.OrderID), slog.String("result", fmt.Sprintf("%+v", res)))
	}
	return res
}

// paymentURL is the read endpoint next to the confirm endpoint: .../payments/{paymentKey}.
func (h *HTTPClient) paymentURL(paymentKey string) string {
	return strings.TrimSuffix(h.confirmURL, "/confirm") + "/" + url.PathEscape(paymentKey)
}

func (h *HTTPClient) decodeApproval(traceId string, req ConfirmRequest, raw []byte) Result {
	var a approvalResponse
	if err := json.Unmarshal(raw, &a); err != nil {
		slog.Error("decoding payment approval", slog.String(logkey.TraceID, traceId),
			slog.String(logkey.OrderID, req.OrderID), slog.String(logkey.ERROR, err.Error()))
		return Rejected{Code: CodeBadResponse, Message: "the payment service returned an unreadable response"}
	}
	if a.OrderID != "" && a.OrderID != req.OrderID {
		return Rejected{Code: CodeOrderMismatch, Message: "the approved payment belongs to a different order"}
	}
	if a.Status != "" && a.Status != "DONE" {
		return Rejected{Code: CodeNotApproved, Message: fmt.Sprintf("payment is %s, not approved", a.Status)}
	}

	approvedAt, err := time.Parse(time.RFC3339, a.ApprovedAt)
	if err != nil {
		approvedAt = time.Now()
	}
	paymentKey := a.PaymentKey
	if paymentKey == "" {
		paymentKey = req.PaymentKey
	}
	return Approved{
		PaymentKey:  paymentKey,
		TotalAmount: a.TotalAmount,
		Method:      a.Method,
		ApprovedAt:  approvedAt,
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
