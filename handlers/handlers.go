package handlers

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"purchase-service/internal/auth"
	"purchase-service/internal/catalog"
	"purchase-service/internal/gateway"
	"purchase-service/internal/orders"
	"purchase-service/internal/purchase"
	"purchase-service/middleware"
	"purchase-service/web"
)

type Catalog interface {
	GetItem(ctx context.Context, ref catalog.Ref) (catalog.Item, error)
	ListItems(ctx context.Context, itemType catalog.ItemType, limit, offset int) ([]catalog.Item, error)
	UpsertItem(ctx context.Context, ni catalog.NewItem) (catalog.Item, error)
}

type OrderStore interface {
	CreatePending(ctx context.Context, no orders.NewOrder) (orders.Order, error)
	FindByOrderID(ctx context.Context, orderID string) (orders.Order, error)
	MarkFailed(ctx context.Context, orderID, reason string) (orders.Order, error)
	ListByBuyer(ctx context.Context, buyerID string, limit, offset int) ([]orders.Order, error)
	ListStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]orders.Order, error)
}

type Confirmer interface {
	Confirm(ctx context.Context, req purchase.Request) purchase.Outcome
}

// Payments opens a gateway payment at checkout for providers whose client SDK needs one.
type Payments interface {
	Prepare(ctx context.Context, req gateway.IntentRequest) (gateway.Intent, error)
}

type Entitlements interface {
	HasAccess(ctx context.Context, buyerID string, item catalog.Ref) (bool, error)
}

// Deps are the collaborators behind the routes. Entitlements and Payments are optional.
type Deps struct {
	Catalog      Catalog
	Orders       OrderStore
	Confirmer    Confirmer
	Entitlements Entitlements
	Payments     Payments

	// ClientKey is the gateway's public widget key.
	ClientKey string
	// PublicURL is where the gateway redirects the browser back to this service.
	PublicURL string
	// SiteURL is the storefront that hosts item pages.
	SiteURL    string
	ServiceKey string
}

type Handler struct {
	Deps
	prefix   string
	validate *validator.Validate
}

func NewHandler(prefix string, d Deps) *Handler {
	return &Handler{
		Deps:     d,
		prefix:   prefix,
		validate: validator.New(),
	}
}

func API(endpointPrefix string, k *auth.Keys, limiter *middleware.IPRateLimiter, d Deps) *gin.Engine {
	r := gin.New()
	mode := os.Getenv("GIN_MODE")
	if mode == gin.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	}
	m, err := middleware.NewMid(k)
	if err != nil {
		panic(err)
	}

	h := NewHandler(endpointPrefix, d)
	r.SetHTMLTemplate(web.Templates())
	r.Use(middleware.Logger(), gin.Recovery())

	r.GET("/ping", HealthCheck)
	v1 := r.Group(endpointPrefix)
	{
		v1.GET("/items", h.ListItems)
		v1.GET("/items/:type/:id", h.GetItem)
		v1.POST("/payments/confirm", middleware.RateLimit(limiter), middleware.ServiceKey(d.ServiceKey), h.ConfirmPayment)
	}

	authed := r.Group(endpointPrefix)
	{
		authed.Use(m.Authentication())
		authed.POST("/checkout", m.Authorize(h.Checkout, auth.RoleUser, auth.RoleAdmin))
		authed.GET("/courses/:id/purchase/success", middleware.RateLimit(limiter),
			h.PurchaseSuccess(catalog.ItemCourse, purchase.RequirePending))
		authed.GET("/products/:id/purchase/success", middleware.RateLimit(limiter),
			h.PurchaseSuccess(catalog.ItemProduct, purchase.AllowLazy))
		authed.GET("/purchase/fail", h.PurchaseFail)
		authed.GET("/orders", h.ListOrders)
		authed.GET("/orders/:orderId", h.GetOrder)

		authed.PUT("/admin/items/:type/:id", m.Authorize(h.UpsertItem, auth.RoleAdmin))
		authed.GET("/admin/orders/stale", m.Authorize(h.StaleOrders, auth.RoleAdmin))
	}
	return r
}

func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
	})
}

func claimsOf(c *gin.Context) (auth.Claims, bool) {
	claims, ok := c.Request.Context().Value(auth.ClaimsKey).(auth.Claims)
	return claims, ok
}

// itemURL is the storefront page a failed purchase sends the buyer back to.
func (h *Handler) itemURL(ref catalog.Ref) string {
	return h.SiteURL + "/" + string(ref.Type) + "s/" + ref.ID
}
