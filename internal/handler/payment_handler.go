package handler

import (
	"io"
	"net/http"

	"github.com/0097eo/cafe-zuko/internal/apperror"
	"github.com/0097eo/cafe-zuko/internal/middleware"
	"github.com/0097eo/cafe-zuko/internal/service"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
)

const maxCallbackBytes = 1 << 20

type initiatePaymentRequest struct {
	OrderID     uint            `json:"order_id"`
	Amount      decimal.Decimal `json:"amount"`
	PhoneNumber string          `json:"phone_number"`
}

type refundRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

func (h *Handler) ListPayments(c echo.Context) error {
	payments, err := h.payments.ListPayments(c.Request().Context(), middleware.ActorFrom(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, payments)
}

func (h *Handler) GetPayment(c echo.Context) error {
	id, err := pathID(c, "id", "payment")
	if err != nil {
		return respondError(c, err)
	}
	payment, err := h.payments.GetPayment(c.Request().Context(), middleware.ActorFrom(c), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, payment)
}

// InitiatePayment sends an STK push to the customer's phone
func (h *Handler) InitiatePayment(c echo.Context) error {
	var req initiatePaymentRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	res, err := h.payments.Initiate(c.Request().Context(), middleware.ActorFrom(c), service.InitiatePaymentInput{
		OrderID:     req.OrderID,
		Amount:      req.Amount,
		PhoneNumber: req.PhoneNumber,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// PaymentCallback receives the gateway's STK result. The raw body is kept
// with the payment.
func (h *Handler) PaymentCallback(c echo.Context) error {
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxCallbackBytes))
	if err != nil {
		return respondError(c, apperror.Validation("invalid request body", nil))
	}
	res, err := h.payments.HandleCallback(c.Request().Context(), raw)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) RefundPayment(c echo.Context) error {
	id, err := pathID(c, "id", "payment")
	if err != nil {
		return respondError(c, err)
	}
	var req refundRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	refund, err := h.payments.Refund(c.Request().Context(), middleware.ActorFrom(c), id, service.RefundInput{
		Amount: req.Amount,
		Reason: req.Reason,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, refund)
}
