// Package handler exposes the marketplace services over HTTP
package handler

import (
	"net/http"
	"strconv"

	"github.com/0097eo/cafe-zuko/internal/apperror"
	"github.com/0097eo/cafe-zuko/internal/middleware"
	"github.com/0097eo/cafe-zuko/internal/service"
	"github.com/0097eo/cafe-zuko/pkg/logger"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// Services groups the dependencies of the API handlers
type Services struct {
	Accounts *service.AccountService
	Catalog  *service.CatalogService
	Carts    *service.CartService
	Orders   *service.OrderService
	Payments *service.PaymentService
}

// Handler serves the /api routes
type Handler struct {
	accounts *service.AccountService
	catalog  *service.CatalogService
	carts    *service.CartService
	orders   *service.OrderService
	payments *service.PaymentService
	tokens   middleware.TokenValidator
}

func New(svcs Services, tokens middleware.TokenValidator) *Handler {
	return &Handler{
		accounts: svcs.Accounts,
		catalog:  svcs.Catalog,
		carts:    svcs.Carts,
		orders:   svcs.Orders,
		payments: svcs.Payments,
		tokens:   tokens,
	}
}

// Register mounts every API route on e under /api
func (h *Handler) Register(e *echo.Echo) {
	if e.Validator == nil {
		e.Validator = NewValidator()
	}
	requireAuth := middleware.Auth(h.tokens)
	optionalAuth := middleware.OptionalAuth(h.tokens)

	api := e.Group("/api")

	auth := api.Group("/auth")
	auth.POST("/signup", h.Signup)
	auth.POST("/login", h.Login)
	auth.POST("/refresh", h.RefreshToken)
	auth.GET("/profile", h.GetProfile, requireAuth)
	auth.PUT("/profile", h.UpdateProfile, requireAuth)

	categories := api.Group("/categories")
	categories.GET("", h.ListCategories)
	categories.GET("/:id", h.GetCategory)
	categories.POST("", h.CreateCategory, requireAuth)
	categories.PUT("/:id", h.UpdateCategory, requireAuth)
	categories.DELETE("/:id", h.DeleteCategory, requireAuth)

	products := api.Group("/products")
	products.GET("", h.ListProducts, optionalAuth)
	products.GET("/:id", h.GetProduct)
	products.POST("", h.CreateProduct, requireAuth)
	products.PUT("/:id", h.UpdateProduct, requireAuth)
	products.DELETE("/:id", h.DeleteProduct, requireAuth)
	products.GET("/:id/reviews", h.ListReviews)
	products.GET("/:id/reviews/:review_id", h.GetReview)
	products.POST("/:id/reviews", h.CreateReview, requireAuth)
	products.PUT("/:id/reviews/:review_id", h.UpdateReview, requireAuth)
	products.DELETE("/:id/reviews/:review_id", h.DeleteReview, requireAuth)

	cart := api.Group("/cart", requireAuth)
	cart.GET("", h.ListCarts)
	cart.POST("", h.AddCartItem)
	cart.PUT("/items/:id", h.SetCartItemQuantity)
	cart.DELETE("/items/:id", h.DeleteCartItem)

	orders := api.Group("/orders", requireAuth)
	orders.GET("", h.ListOrders)
	orders.POST("", h.CreateOrder)
	orders.POST("/checkout", h.Checkout)
	orders.GET("/:id", h.GetOrder)
	orders.PUT("/:id", h.UpdateOrder)
	orders.PATCH("/:id", h.UpdateOrder)
	orders.DELETE("/:id", h.DeleteOrder)

	// the gateway calls back without credentials
	api.POST("/payments/callback", h.PaymentCallback)
	payments := api.Group("/payments", requireAuth)
	payments.GET("", h.ListPayments)
	payments.POST("/initiate", h.InitiatePayment)
	payments.GET("/:id", h.GetPayment)
	payments.POST("/:id/refund", h.RefundPayment)
}

// respondError writes err as {"error", "fields", "details"} with the status
// of its kind. Unclassified errors are logged and hidden behind a 500.
func respondError(c echo.Context, err error) error {
	log := logger.FromEcho(c)

	appErr, ok := apperror.As(err)
	if !ok || appErr.Kind == apperror.KindInternal {
		log.Error("Request failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}

	status := appErr.HTTPStatus()
	if appErr.Kind == apperror.KindUpstreamGateway {
		log.Warn("Payment gateway error", zap.Int("status", status), zap.Error(err))
	} else {
		log.Debug("Request rejected", zap.String("kind", appErr.Kind.String()), zap.String("error", appErr.Message))
	}

	body := echo.Map{"error": appErr.Message}
	if len(appErr.Fields) > 0 {
		body["fields"] = appErr.Fields
	}
	if appErr.Details != nil {
		body["details"] = appErr.Details
	}
	return c.JSON(status, body)
}

// bind decodes the request body into req and runs its validate tags
func bind(c echo.Context, req interface{}) error {
	if err := (&echo.DefaultBinder{}).BindBody(c, req); err != nil {
		return apperror.Validation("invalid request body", nil)
	}
	return c.Validate(req)
}

// pathID parses a numeric path parameter. Anything else can not match a
// row, so it is reported as a missing resource.
func pathID(c echo.Context, name, resource string) (uint, error) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		return 0, apperror.NotFound(resource)
	}
	return uint(id), nil
}

// queryID parses an optional numeric query parameter
func queryID(c echo.Context, name string) (uint, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, apperror.InvalidField(name, "a valid integer is required")
	}
	return uint(id), nil
}
