package purchase

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"purchase-service/internal/catalog"
	"purchase-service/internal/gateway"
	"purchase-service/internal/orders"
)

// memStore mirrors the conditional writes of orders.Conf in memory.
type memStore struct {
	mu     sync.Mutex
	orders map[string]orders.Order

	FindErr     error
	CompleteErr error
	FailErr     error
	SettleErr   error

	// beforeWrite runs before each conditional write; tests use it to interleave a competitor.
	beforeWrite func()
}

func newMemStore(list ...orders.Order) *memStore {
	s := &memStore{orders: map[string]orders.Order{}}
	for _, o := range list {
		s.orders[o.OrderID] = o
	}
	return s
}

func (s *memStore) get(id string) (orders.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	return o, ok
}

func (s *memStore) FindByOrderID(ctx context.Context, orderID string) (orders.Order, error) {
	if s.FindErr != nil {
		return orders.Order{}, s.FindErr
	}
	o, ok := s.get(orderID)
	if !ok {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	return o, nil
}

func (s *memStore) MarkCompleted(ctx context.Context, orderID string, cp orders.Completion) (orders.Order, error) {
	if s.beforeWrite != nil {
		s.beforeWrite()
	}
	if s.CompleteErr != nil {
		return orders.Order{}, s.CompleteErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok || o.Status != orders.StatusPending {
		return orders.Order{}, orders.ErrNotPending
	}
	now := time.Now()
	o.Status = orders.StatusCompleted
	o.PaymentReference = cp.PaymentReference
	o.PaymentMethod = cp.PaymentMethod
	o.AmountPaid = cp.AmountPaid
	o.ApprovedAt = &cp.ApprovedAt
	o.CompletedAt = &now
	s.orders[orderID] = o
	return o, nil
}

func (s *memStore) MarkFailed(ctx context.Context, orderID, reason string) (orders.Order, error) {
	if s.beforeWrite != nil {
		s.beforeWrite()
	}
	if s.FailErr != nil {
		return orders.Order{}, s.FailErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok || o.Status != orders.StatusPending {
		return orders.Order{}, orders.ErrNotPending
	}
	o.Status = orders.StatusFailed
	o.FailureReason = reason
	s.orders[orderID] = o
	return o, nil
}

func (s *memStore) CreateSettled(ctx context.Context, o orders.Order) (orders.Order, error) {
	if s.beforeWrite != nil {
		s.beforeWrite()
	}
	if s.SettleErr != nil {
		return orders.Order{}, s.SettleErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.OrderID]; ok {
		return orders.Order{}, orders.ErrDuplicateOrder
	}
	now := time.Now()
	o.CreatedAt = now
	if o.Status == orders.StatusCompleted {
		o.CompletedAt = &now
	} else {
		o.AmountPaid = 0
	}
	s.orders[o.OrderID] = o
	return o, nil
}

type fakeGateway struct {
	calls     atomic.Int32
	ConfirmFn func(ctx context.Context, req gateway.ConfirmRequest) gateway.Result
}

func (g *fakeGateway) Confirm(ctx context.Context, req gateway.ConfirmRequest) gateway.Result {
	g.calls.Add(1)
	return g.ConfirmFn(ctx, req)
}

func approveAs(total int64, method string) *fakeGateway {
	return &fakeGateway{ConfirmFn: func(ctx context.Context, req gateway.ConfirmRequest) gateway.Result {
		return gateway.Approved{
			PaymentKey:  req.PaymentKey,
			TotalAmount: total,
			Method:      method,
			ApprovedAt:  time.Date(2024, 2, 13, 12, 18, 14, 0, time.UTC),
		}
	}}
}

func rejectWith(code, msg string) *fakeGateway {
	return &fakeGateway{ConfirmFn: func(ctx context.Context, req gateway.ConfirmRequest) gateway.Result {
		return gateway.Rejected{Code: code, Message: msg}
	}}
}

type recordingGranter struct {
	mu      sync.Mutex
	granted []string
	err     error
}

func (r *recordingGranter) Grant(ctx context.Context, o orders.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.granted = append(r.granted, o.OrderID)
	return r.err
}

func (r *recordingGranter) grants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.granted...)
}

// memLocker is a process-local Locker.
type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
	err  error
}

func newMemLocker() *memLocker {
	return &memLocker{held: map[string]bool{}}
}

func (l *memLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	if l.err != nil {
		return func() {}, false, l.err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return func() {}, false, nil
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, true, nil
}

var goCourse = catalog.Ref{Type: catalog.ItemCourse, ID: "go-101"}

func pendingOrder(id string, expected int64) orders.Order {
	return orders.Order{
		OrderID:        id,
		BuyerID:        "buyer-1",
		Item:           goCourse,
		ItemName:       "Go 101",
		ExpectedAmount: expected,
		Status:         orders.StatusPending,
		CreatedAt:      time.Now(),
	}
}
