// Package purchase confirms payments against the gateway and settles the matching order
// exactly once.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"purchase-service/internal/catalog"
	"purchase-service/internal/entitlement"
	"purchase-service/internal/gateway"
	"purchase-service/internal/orders"
	"purchase-service/pkg/ctxmanage"
	"purchase-service/pkg/logkey"
)

type Flow int

const (
	// RequirePending needs an order created at checkout.
	RequirePending Flow = iota
	// AllowLazy creates the order at confirmation from Request.Lazy when none exists.
	AllowLazy
)

// LazyOrder is the server-trusted context for an order that has no pending record yet.
// ExpectedAmount must come from the catalog.
type LazyOrder struct {
	BuyerID        string `validate:"required"`
	Item           catalog.Ref
	ItemName       string
	ExpectedAmount int64 `validate:"gte=0"`
}

// Request carries what the gateway redirect or the server-to-server call supplied. BuyerID and
// Item, when set, must match the stored order.
type Request struct {
	PaymentKey string `validate:"required_unless=Amount 0,max=200"`
	OrderID    string `validate:"required,max=64"`
	Amount     int64  `validate:"gte=0"`
	Flow       Flow
	BuyerID    string
	Item       *catalog.Ref
	Lazy       *LazyOrder
}

// Store is the subset of orders.Conf the confirmer needs.
type Store interface {
	FindByOrderID(ctx context.Context, orderID string) (orders.Order, error)
	MarkCompleted(ctx context.Context, orderID string, cp orders.Completion) (orders.Order, error)
	MarkFailed(ctx context.Context, orderID, reason string) (orders.Order, error)
	CreateSettled(ctx context.Context, o orders.Order) (orders.Order, error)
}

// Locker serialises confirmations of one order across instances.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(), acquired bool, err error)
}

const (
	defaultEntitlementTimeout = 10 * time.Second
	defaultLockWait           = 5 * time.Second
	lockPollInterval          = 100 * time.Millisecond
	freeMethod                = "free"
)

type Confirmer struct {
	store              Store
	gw                 gateway.Gateway
	granter            entitlement.Granter
	locker             Locker
	validate           *validator.Validate
	entitlementTimeout time.Duration
	lockWait           time.Duration
	now                func() time.Time
	grants             sync.WaitGroup
}

type Option func(*Confirmer)

func WithLocker(l Locker) Option {
	return func(c *Confirmer) { c.locker = l }
}

func WithEntitlementTimeout(d time.Duration) Option {
	return func(c *Confirmer) {
		if d > 0 {
			c.entitlementTimeout = d
		}
	}
}

// WithLockWait bounds how long a request that lost the lock waits for the holder to settle.
func WithLockWait(d time.Duration) Option {
	return func(c *Confirmer) {
		if d >= 0 {
			c.lockWait = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Confirmer) { c.now = now }
}

// NewConfirmer wires the confirmer. granter may be nil when nothing should happen after
// completion.
func NewConfirmer(store Store, gw gateway.Gateway, granter entitlement.Granter, opts ...Option) (*Confirmer, error) {
	if store == nil {
		return nil, errors.New("order store is nil")
	}
	if gw == nil {
		return nil, errors.New("payment gateway is nil")
	}
	c := &Confirmer{
		store:              store,
		gw:                 gw,
		granter:            granter,
		validate:           validator.New(),
		entitlementTimeout: defaultEntitlementTimeout,
		lockWait:           defaultLockWait,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Confirm drives one confirmation to a terminal outcome. Terminal orders short-circuit before
// any gateway call, so replays never approve twice.
func (c *Confirmer) Confirm(ctx context.Context, req Request) Outcome {
	traceId := ctxmanage.GetTraceId(ctx)
	if err := c.validateRequest(req); err != nil {
		slog.Info("invalid confirmation request", slog.String(logkey.TraceID, traceId),
			slog.String(logkey.OrderID, req.OrderID), slog.String(logkey.ERROR, err.Error()))
		return Outcome{State: StateInvalid, Message: msgInvalid}
	}

	o, found, out, done := c.lookup(ctx, req)
	if done {
		return out
	}
	if found && o.Status.Terminal() {
		return terminalOutcome(o)
	}

	if c.locker != nil {
		unlock, acquired, err := c.locker.TryLock(ctx, lockKey(req.OrderID))
		switch {
		case err != nil:
			// the conditional writes in the store still keep a single winner
			slog.Error("confirmation lock unavailable", slog.String(logkey.TraceID, traceId),
				slog.String(logkey.OrderID, req.OrderID), slog.String(logkey.ERROR, err.Error()))
		case !acquired:
			return c.awaitSettled(ctx, req)
		default:
			defer unlock()
			o, found, out, done = c.lookup(ctx, req)
			if done {
				return out
			}
			if found && o.Status.Terminal() {
				return terminalOutcome(o)
			}
		}
	}

	if !found {
		if req.Flow != AllowLazy {
			slog.Info("confirmation for unknown order", slog.String(logkey.TraceID, traceId),
				slog.String(logkey.OrderID, req.OrderID))
			return Outcome{State: StateNoOrder, Message: msgNoOrder}
		}
		o = orders.Order{
			OrderID:        req.OrderID,
			BuyerID:        req.Lazy.BuyerID,
			Item:           req.Lazy.Item,
			ItemName:       req.Lazy.ItemName,
			ExpectedAmount: req.Lazy.ExpectedAmount,
			Status:         orders.StatusPending,
		}
	}

	// Past this point money may move, so the buyer disconnecting must not abandon the write.
	return c.settle(context.WithoutCancel(ctx), req, o, found)
}

// Wait blocks until in-flight entitlement grants finish.
func (c *Confirmer) Wait() {
	c.grants.Wait()
}

func (c *Confirmer) validateRequest(req Request) error {
	if err := c.validate.Struct(req); err != nil {
		return err
	}
	switch req.Flow {
	case RequirePending:
	case AllowLazy:
		if req.Lazy == nil {
			return errors.New("lazy flow without order context")
		}
		if err := c.validate.Struct(req.Lazy); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown flow %d", req.Flow)
	}
	return nil
}

// lookup reads the order. done is set when the read itself decided the outcome.
func (c *Confirmer) lookup(ctx context.Context, req Request) (o orders.Order, found bool, out Outcome, done bool) {
	traceId := ctxmanage.GetTraceId(ctx)
	o, err := c.store.FindByOrderID(ctx, req.OrderID)
	if err != nil {
		if errors.Is(err, orders.ErrOrderNotFound) {
			return orders.Order{}, false, Outcome{}, false
		}
		slog.Error("order lookup failed", slog.String(logkey.TraceID, traceId),
			slog.String(logkey.OrderID, req.OrderID), slog.String(logkey.ERROR, err.Error()))
		return orders.Order{}, false, Outcome{State: StateUnavailable, Message: msgUnavailable}, true
	}
	if !owns(req, o) {
		slog.Warn("confirmation does not match stored order", slog.String(logkey.TraceID, traceId),
			slog.String(logkey.OrderID, req.OrderID), slog.String(logkey.BuyerID, req.BuyerID))
		return orders.Order{}, false, Outcome{State: StateNoOrder, Message: msgNoOrder}, true
	}
	return o, true, Outcome{}, false
}

func owns(req Request, o orders.Order) bool {
	buyerID := req.BuyerID
	if buyerID == "" && req.Lazy != nil {
		buyerID = req.Lazy.BuyerID
	}
	if buyerID != "" && buyerID != o.BuyerID {
		return false
	}
	if req.Item != nil && *req.Item != o.Item {
		return false
	}
	return true
}

func (c *Confirmer) settle(ctx context.Context, req Request, o orders.Order, persisted bool) Outcome {
	traceId := ctxmanage.GetTraceId(ctx)
	if req.Amount != o.ExpectedAmount {
		slog.Warn("confirmation amount differs from order", slog.String(logkey.TraceID, traceId),
			slog.String(logkey.OrderID, o.OrderID), slog.Int64("requested", req.Amount),
			slog.Int64("expected", o.ExpectedAmount))
		return c.fail(ctx, o, persisted, StateAmountMismatch, msgAmountMismatch)
	}

	if o.ExpectedAmount == 0 {
		return c.complete(ctx, o, persisted, orders.Completion{
			PaymentReference: req.PaymentKey,
			PaymentMethod:    freeMethod,
			AmountPaid:       0,
			ApprovedAt:       c.now(),
		})
	}

	res := c.gw.Confirm(ctx, gateway.ConfirmRequest{
		PaymentKey: req.PaymentKey,
		OrderID:    o.OrderID,
		Amount:     o.ExpectedAmount,
	})
	switch r := res.(type) {
	case gateway.Approved:
		if r.TotalAmount != o.ExpectedAmount {
			slog.Error("gateway approved a different amount than the order", slog.String(logkey.TraceID, traceId),
				slog.String(logkey.OrderID, o.OrderID), slog.String("payment_key", r.PaymentKey),
				slog.Int64("approved", r.TotalAmount), slog.Int64("expected", o.ExpectedAmount),
				slog.String(logkey.ERROR, "payment integrity"))
			return c.fail(ctx, o, persisted, StateAmountMismatch, msgAmountMismatch)
		}
		return c.complete(ctx, o, persisted, orders.Completion{
			PaymentReference: r.PaymentKey,
			PaymentMethod:    r.Method,
			AmountPaid:       r.TotalAmount,
			ApprovedAt:       r.ApprovedAt,
		})
	case gateway.Rejected:
		if r.Code == gateway.CodeAlreadyProcessed {
			// an earlier attempt was approved but its write was lost; the order stays pending for
			// reconciliation
			slog.Error("gateway already processed a payment for a pending order", slog.String(logkey.TraceID, traceId),
				slog.String(logkey.OrderID, o.OrderID), slog.String("payment_key", req.PaymentKey),
				slog.String(logkey.ERROR, "payment integrity"))
			return Outcome{State: StatePersistFailed, Order: o, Message: msgPersistFailed}
		}
		slog.Info("gateway rejected payment", slog.String(logkey.TraceID, traceId),
			slog.String(logkey.OrderID, o.OrderID), slog.String("code", r.Code), slog.String("message", r.Message))
		msg := r.Message
		if msg == "" {
			msg = msgGatewayFailed
		}
		return c.fail(ctx, o, persisted, StateGatewayApprovalFailed, msg)
	default:
		slog.Error("unknown gateway result", slog.String(logkey.TraceID, traceId),
			slog.String(logkey.OrderID, o.OrderID), slog.String("type", fmt.Sprintf("%T", res)))
		return c.fail(ctx, o, persisted, StateGatewayApprovalFailed, msgGatewayFailed)
	}
}

// fail records a terminal failure. A store error here leaves the order pending, which is safe:
// no money moved, and the next attempt re-runs the same checks.
func (c *Confirmer) fail(ctx context.Context, o orders.Order, persisted bool, state State, msg string) Outcome {
	traceId := ctxmanage.GetTraceId(ctx)
	var (
		failed orders.Order
		err    error
	)
	if persisted {
		failed, err = c.store.MarkFailed(ctx, o.OrderID, msg)
	} else {
		o.Status = orders.StatusFailed
		o.FailureReason = msg
		failed, err = c.store.CreateSettled(ctx, o)
	}
	switch {
	case err == nil:
		slog.Info("order failed", slog.String(logkey.TraceID, traceId),
			slog.String(logkey.OrderID, o.OrderID), slog.String(logkey.State, string(state)))
		return Outcome{State: state, Order: failed, Message: msg}
	case errors.Is(err, orders.ErrNotPending), errors.Is(err, orders.ErrDuplicateOrder):
		return c.resolveRace(ctx, o.OrderID, Outcome{State: state, Order: o, Message: msg})
	default:
		slog.Error("recording order failure", slog.String(logkey.TraceID, traceId),
			slog.String(logkey.OrderID, o.OrderID), slog.String(logkey.ERROR, err.Error()))
		return Outcome{State: state, Order: o, Message: msg}
	}
}

func (c *Confirmer) complete(ctx context.Context, o orders.Order, persisted bool, cp orders.Completion) Outcome {
	traceId := ctxmanage.GetTraceId(ctx)
	var (
		completed orders.Order
		err       error
	)
	if persisted {
		completed, err = c.store.MarkCompleted(ctx, o.OrderID, cp)
	} else {
		o.Status = orders.StatusCompleted
		o.PaymentReference = cp.PaymentReference
		o.PaymentMethod = cp.PaymentMethod
		o.AmountPaid = cp.AmountPaid
		o.ApprovedAt = &cp.ApprovedAt
		completed, err = c.store.CreateSettled(ctx, o)
	}
	switch {
	case err == nil:
	case errors.Is(err, orders.ErrNotPending), errors.Is(err, orders.ErrDuplicateOrder):
		return c.resolveRace(ctx, o.OrderID, Outcome{State: StatePersistFailed, Order: o, Message: msgPersistFailed})
	default:
		slog.Error("payment approved but order not recorded", slog.String(logkey.TraceID, traceId),
			slog.String(logkey.OrderID, o.OrderID), slog.String("payment_key", cp.PaymentReference),
			slog.Int64("amount", cp.AmountPaid), slog.String(logkey.ERROR, err.Error()))
		return Outcome{State: StatePersistFailed, Order: o, Message: msgPersistFailed}
	}

	slog.Info("order completed", slog.String(logkey.TraceID, traceId),
		slog.String(logkey.OrderID, completed.OrderID), slog.String(logkey.BuyerID, completed.BuyerID),
		slog.String(logkey.ItemType, string(completed.Item.Type)), slog.String(logkey.ItemID, completed.Item.ID))
	c.grantAsync(ctx, completed)
	return Outcome{State: StateCompleted, Order: completed}
}

// resolveRace handles a lost conditional write: another attempt settled the order first, so the
// winner's record is the answer. fallback is used when the winner cannot be read.
func (c *Confirmer) resolveRace(ctx context.Context, orderID string, fallback Outcome) Outcome {
	traceId := ctxmanage.GetTraceId(ctx)
	o, err := c.store.FindByOrderID(ctx, orderID)
	if err != nil || !o.Status.Terminal() {
		msg := "order not terminal after lost write"
		if err != nil {
			msg = err.Error()
		}
		slog.Error("re-reading order after lost write", slog.String(logkey.TraceID, traceId),
			slog.String(logkey.OrderID, orderID), slog.String(logkey.ERROR, msg))
		return fallback
	}
	if fallback.State == StatePersistFailed && o.Status == orders.StatusFailed {
		slog.Error("payment approved for an order another attempt failed", slog.String(logkey.TraceID, traceId),
			slog.String(logkey.OrderID, orderID), slog.String(logkey.ERROR, "payment integrity"))
	}
	slog.Info("order settled by a concurrent attempt", slog.String(logkey.TraceID, traceId),
		slog.String(logkey.OrderID, orderID), slog.String(logkey.State, string(o.Status)))
	return terminalOutcome(o)
}

// awaitSettled polls until the lock holder settles the order or lockWait runs out.
func (c *Confirmer) awaitSettled(ctx context.Context, req Request) Outcome {
	deadline := time.NewTimer(c.lockWait)
	defer deadline.Stop()
	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Outcome{State: StateInProgress, Message: msgInProgress}
		case <-deadline.C:
			return Outcome{State: StateInProgress, Message: msgInProgress}
		case <-ticker.C:
			o, found, out, done := c.lookup(ctx, req)
			if done {
				return out
			}
			if found && o.Status.Terminal() {
				return terminalOutcome(o)
			}
		}
	}
}

func (c *Confirmer) grantAsync(ctx context.Context, o orders.Order) {
	if c.granter == nil {
		return
	}
	traceId := ctxmanage.GetTraceId(ctx)
	c.grants.Add(1)
	go func() {
		defer c.grants.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.entitlementTimeout)
		defer cancel()
		if err := c.granter.Grant(ctx, o); err != nil {
			slog.Error("granting entitlement", slog.String(logkey.TraceID, traceId),
				slog.String(logkey.OrderID, o.OrderID), slog.String(logkey.ERROR, err.Error()))
			return
		}
		slog.Info("entitlement granted", slog.String(logkey.TraceID, traceId), slog.String(logkey.OrderID, o.OrderID))
	}()
}

func terminalOutcome(o orders.Order) Outcome {
	if o.Status == orders.StatusCompleted {
		return Outcome{State: StateAlreadyCompleted, Order: o}
	}
	msg := o.FailureReason
	if msg == "" {
		msg = msgAlreadyFailed
	}
	return Outcome{State: StateAlreadyFailed, Order: o, Message: msg}
}

func lockKey(orderID string) string {
	return "purchase:confirm:" + orderID
}
