package handler

import (
	"net/http"

	"github.com/0097eo/cafe-zuko/internal/middleware"
	"github.com/0097eo/cafe-zuko/internal/service"
	"github.com/labstack/echo/v4"
)

type addItemRequest struct {
	VendorID  uint `json:"vendor_id" validate:"required"`
	ProductID uint `json:"product_id" validate:"required"`
	Quantity  *int `json:"quantity"`
}

type setQuantityRequest struct {
	Quantity int `json:"quantity"`
}

func (h *Handler) ListCarts(c echo.Context) error {
	carts, err := h.carts.ListCarts(c.Request().Context(), middleware.ActorFrom(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, carts)
}

// AddCartItem adds a product to the caller's cart for its vendor. Quantity
// defaults to 1.
func (h *Handler) AddCartItem(c echo.Context) error {
	var req addItemRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	quantity := 1
	if req.Quantity != nil {
		quantity = *req.Quantity
	}

	cart, err := h.carts.AddItem(c.Request().Context(), middleware.ActorFrom(c), service.AddItemInput{
		VendorID:  req.VendorID,
		ProductID: req.ProductID,
		Quantity:  quantity,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, cart)
}

// SetCartItemQuantity answers 204 when a zero quantity emptied the cart
func (h *Handler) SetCartItemQuantity(c echo.Context) error {
	id, err := pathID(c, "id", "cart item")
	if err != nil {
		return respondError(c, err)
	}
	var req setQuantityRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}

	cart, err := h.carts.SetItemQuantity(c.Request().Context(), middleware.ActorFrom(c), id, req.Quantity)
	if err != nil {
		return respondError(c, err)
	}
	if cart == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, cart)
}

func (h *Handler) DeleteCartItem(c echo.Context) error {
	id, err := pathID(c, "id", "cart item")
	if err != nil {
		return respondError(c, err)
	}
	cart, err := h.carts.DeleteItem(c.Request().Context(), middleware.ActorFrom(c), id)
	if err != nil {
		return respondError(c, err)
	}
	if cart == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, cart)
}
