package handler

import (
	"net/http"

	"github.com/0097eo/cafe-zuko/internal/middleware"
	"github.com/0097eo/cafe-zuko/internal/model"
	"github.com/0097eo/cafe-zuko/internal/service"
	"github.com/labstack/echo/v4"
)

type orderItemRequest struct {
	Product  uint `json:"product" validate:"required"`
	Quantity int  `json:"quantity" validate:"min=1"`
}

type createOrderRequest struct {
	Items           []orderItemRequest `json:"items" validate:"required,min=1,dive"`
	ShippingAddress string             `json:"shipping_address" validate:"required"`
	PhoneNumber     string             `json:"phone_number" validate:"omitempty,phone"`
}

type checkoutRequest struct {
	CartID          uint   `json:"cart_id" validate:"required"`
	ShippingAddress string `json:"shipping_address"`
	PhoneNumber     string `json:"phone_number" validate:"omitempty,phone"`
}

type orderPatchRequest struct {
	Status          *model.OrderStatus `json:"status"`
	ShippingAddress *string            `json:"shipping_address"`
	PhoneNumber     *string            `json:"phone_number" validate:"omitempty,phone"`
	TrackingNumber  *string            `json:"tracking_number" validate:"omitempty,max=100"`
	Items           []orderItemRequest `json:"items" validate:"omitempty,dive"`
}

func orderItems(items []orderItemRequest) []service.OrderItemInput {
	if items == nil {
		return nil
	}
	out := make([]service.OrderItemInput, 0, len(items))
	for _, item := range items {
		out = append(out, service.OrderItemInput{ProductID: item.Product, Quantity: item.Quantity})
	}
	return out
}

// ListOrders supports the status, created_at, search and ordering query
// parameters
func (h *Handler) ListOrders(c echo.Context) error {
	orders, err := h.orders.ListOrders(c.Request().Context(), middleware.ActorFrom(c), service.OrderQuery{
		Status:    model.OrderStatus(c.QueryParam("status")),
		CreatedOn: c.QueryParam("created_at"),
		Search:    c.QueryParam("search"),
		Ordering:  c.QueryParam("ordering"),
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, orders)
}

func (h *Handler) CreateOrder(c echo.Context) error {
	var req createOrderRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	order, err := h.orders.CreateOrder(c.Request().Context(), middleware.ActorFrom(c), service.CreateOrderInput{
		Items:           orderItems(req.Items),
		ShippingAddress: req.ShippingAddress,
		PhoneNumber:     req.PhoneNumber,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, order)
}

// Checkout turns a cart into an order
func (h *Handler) Checkout(c echo.Context) error {
	var req checkoutRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	order, err := h.orders.Checkout(c.Request().Context(), middleware.ActorFrom(c), service.CheckoutInput{
		CartID:          req.CartID,
		ShippingAddress: req.ShippingAddress,
		PhoneNumber:     req.PhoneNumber,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, order)
}

func (h *Handler) GetOrder(c echo.Context) error {
	id, err := pathID(c, "id", "order")
	if err != nil {
		return respondError(c, err)
	}
	order, err := h.orders.GetOrder(c.Request().Context(), middleware.ActorFrom(c), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, order)
}

// UpdateOrder serves both PUT and PATCH. Omitted fields keep their value;
// a supplied items list replaces every line.
func (h *Handler) UpdateOrder(c echo.Context) error {
	id, err := pathID(c, "id", "order")
	if err != nil {
		return respondError(c, err)
	}
	var req orderPatchRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	order, err := h.orders.UpdateOrder(c.Request().Context(), middleware.ActorFrom(c), id, service.OrderPatch{
		Status:          req.Status,
		ShippingAddress: req.ShippingAddress,
		PhoneNumber:     req.PhoneNumber,
		TrackingNumber:  req.TrackingNumber,
		Items:           orderItems(req.Items),
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, order)
}

func (h *Handler) DeleteOrder(c echo.Context) error {
	id, err := pathID(c, "id", "order")
	if err != nil {
		return respondError(c, err)
	}
	if err := h.orders.DeleteOrder(c.Request().Context(), middleware.ActorFrom(c), id); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
