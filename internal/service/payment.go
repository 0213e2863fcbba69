package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/0097eo/cafe-zuko/internal/apperror"
	"github.com/0097eo/cafe-zuko/internal/model"
	"github.com/0097eo/cafe-zuko/pkg/events"
	"github.com/0097eo/cafe-zuko/pkg/logger"
	"github.com/0097eo/cafe-zuko/pkg/mpesa"
	"github.com/0097eo/cafe-zuko/prometheus"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Gateway submits STK push requests to the mobile-money provider
type Gateway interface {
	STKPush(ctx context.Context, in mpesa.STKPushRequest) (*mpesa.STKPushResponse, error)
}

// InitiatePaymentInput requests an STK push for an order
type InitiatePaymentInput struct {
	OrderID     uint
	Amount      decimal.Decimal
	PhoneNumber string
}

// RefundInput returns part or all of a completed payment
type RefundInput struct {
	Amount decimal.Decimal
	Reason string
}

// RefundView is a refund as shown to clients
type RefundView struct {
	ID        uint               `json:"id"`
	Payment   uint               `json:"payment"`
	Amount    string             `json:"amount"`
	Reason    string             `json:"reason"`
	Status    model.RefundStatus `json:"status"`
	RefundID  string             `json:"refund_id"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// PaymentView is a payment as shown to clients
type PaymentView struct {
	ID                uint                `json:"id"`
	Order             uint                `json:"order"`
	Amount            string              `json:"amount"`
	PaymentMethod     string              `json:"payment_method"`
	Status            model.PaymentStatus `json:"status"`
	TransactionID     string              `json:"transaction_id"`
	MerchantRequestID string              `json:"merchant_request_id"`
	PaymentIntentID   string              `json:"payment_intent_id"`
	PhoneNumber       string              `json:"phone_number"`
	FailureReason     string              `json:"failure_reason,omitempty"`
	Refunds           []RefundView        `json:"refunds"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// InitiateResult acknowledges an STK push
type InitiateResult struct {
	Message           string      `json:"message"`
	PaymentID         uint        `json:"payment_id"`
	CheckoutRequestID string      `json:"checkout_request_id"`
	CustomerMessage   string      `json:"customer_message,omitempty"`
	Payment           PaymentView `json:"payment"`
}

// CallbackResult is the acknowledgement returned to the gateway
type CallbackResult struct {
	Message string              `json:"message"`
	Status  model.PaymentStatus `json:"status"`
	Reason  string              `json:"reason,omitempty"`
}

// PaymentService runs the M-Pesa payment lifecycle:
//
//	PENDING -> COMPLETED -> REFUNDED
//	PENDING -> FAILED
type PaymentService struct {
	db      *gorm.DB
	gateway Gateway
	events  events.Publisher
}

func NewPaymentService(db *gorm.DB, gateway Gateway, publisher events.Publisher) *PaymentService {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &PaymentService{db: db, gateway: gateway, events: publisher}
}

// Initiate sends an STK push for one of the actor's orders and records a
// PENDING payment keyed by the gateway's checkout request id. Nothing is
// stored when the gateway rejects the request.
func (s *PaymentService) Initiate(ctx context.Context, actor Actor, in InitiatePaymentInput) (_ *InitiateResult, err error) {
	ctx, span := startSpan(ctx, "InitiatePayment", actor, attribute.Int64("order.id", int64(in.OrderID)))
	defer func() { endSpan(span, err) }()
	log := logger.FromContext(ctx).With(zap.Uint("order_id", in.OrderID))

	fields := map[string]string{}
	if in.OrderID == 0 {
		fields["order_id"] = "this field is required"
	}
	if !in.Amount.IsPositive() {
		fields["amount"] = "amount must be greater than 0"
	}
	if in.PhoneNumber == "" {
		fields["phone_number"] = "this field is required"
	} else if !validPhone(in.PhoneNumber) {
		fields["phone_number"] = "phone number must be 9 to 15 digits with an optional leading +"
	}
	if len(fields) > 0 {
		return nil, apperror.Validation("please provide all required fields", fields)
	}

	db := s.db.WithContext(ctx)
	if err := visibleOrders(db, actor).Select("id").First(&model.Order{}, in.OrderID).Error; err != nil {
		return nil, notFoundOr(err, "order")
	}
	if err := checkNoActivePayment(db, in.OrderID); err != nil {
		return nil, err
	}

	// the gateway only takes whole units
	charged := in.Amount.Ceil()
	resp, err := s.gateway.STKPush(ctx, mpesa.STKPushRequest{
		Amount:           charged.IntPart(),
		PhoneNumber:      strings.TrimPrefix(in.PhoneNumber, "+"),
		AccountReference: fmt.Sprintf("Order_%d", in.OrderID),
		Description:      fmt.Sprintf("Payment for order %d", in.OrderID),
	})
	if err != nil {
		log.Error("STK push failed", zap.Error(err))
		return nil, gatewayError(err)
	}

	payment := model.Payment{
		OrderID:           in.OrderID,
		Amount:            charged,
		PaymentMethod:     model.PaymentMethodMpesa,
		Status:            model.PaymentPending,
		TransactionID:     resp.CheckoutRequestID,
		MerchantRequestID: resp.MerchantRequestID,
		PhoneNumber:       in.PhoneNumber,
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(forUpdate()).Select("id").First(&model.Order{}, in.OrderID).Error; err != nil {
			return notFoundOr(err, "order")
		}
		if err := checkNoActivePayment(tx, in.OrderID); err != nil {
			return err
		}
		if err := tx.Create(&payment).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return apperror.Duplicate("payment for this checkout request already exists")
			}
			return err
		}
		return nil
	})
	if err != nil {
		log.Warn("STK push sent but payment was not recorded",
			zap.String("checkout_request_id", resp.CheckoutRequestID),
			zap.Error(err))
		return nil, internal(err)
	}

	prometheus.PaymentTransitionsCounter.WithLabelValues(string(model.PaymentPending)).Inc()
	log.Info("Payment initiated",
		zap.Uint("payment_id", payment.ID),
		zap.String("checkout_request_id", payment.TransactionID))

	return &InitiateResult{
		Message:           "Payment initiated successfully",
		PaymentID:         payment.ID,
		CheckoutRequestID: payment.TransactionID,
		CustomerMessage:   resp.CustomerMessage,
		Payment:           newPaymentView(&payment),
	}, nil
}

// HandleCallback applies the gateway's asynchronous result to the payment
// with the matching checkout request id. Repeated deliveries for a payment
// that is no longer PENDING are acknowledged without changes.
func (s *PaymentService) HandleCallback(ctx context.Context, raw []byte) (_ *CallbackResult, err error) {
	ctx, span := startSpan(ctx, "HandlePaymentCallback", Actor{})
	defer func() { endSpan(span, err) }()
	log := logger.FromContext(ctx)

	var envelope mpesa.CallbackEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, apperror.InvalidField("Body", "malformed callback payload")
	}
	cb := envelope.Body.STKCallback
	if cb.CheckoutRequestID == "" {
		return nil, apperror.InvalidField("CheckoutRequestID", "this field is required")
	}
	span.SetAttributes(attribute.String("payment.checkout_request_id", cb.CheckoutRequestID))
	log = log.With(zap.String("checkout_request_id", cb.CheckoutRequestID))

	var (
		payment    model.Payment
		transition bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(forUpdate()).Where("transaction_id = ?", cb.CheckoutRequestID).First(&payment).Error; err != nil {
			return notFoundOr(err, "payment")
		}
		if payment.Status.Settled() {
			return nil
		}
		transition = true

		updates := map[string]interface{}{"callback_payload": datatypes.JSON(raw)}
		if cb.Succeeded() {
			payment.Status = model.PaymentCompleted
			payment.PaymentIntentID = cb.ReceiptNumber()
			updates["payment_intent_id"] = payment.PaymentIntentID
		} else {
			payment.Status = model.PaymentFailed
			payment.FailureReason = cb.ResultDesc
			updates["failure_reason"] = payment.FailureReason
		}
		updates["status"] = payment.Status
		if err := tx.Model(&payment).Updates(updates).Error; err != nil {
			return err
		}

		if payment.Status == model.PaymentCompleted {
			return tx.Model(&model.Order{}).
				Where("id = ? AND status = ?", payment.OrderID, model.OrderPending).
				Update("status", model.OrderProcessing).Error
		}
		return nil
	})
	if err != nil {
		return nil, internal(err)
	}

	if !transition {
		log.Info("Duplicate callback ignored", zap.String("status", string(payment.Status)))
		return &CallbackResult{Message: "Callback already processed", Status: payment.Status}, nil
	}

	prometheus.PaymentTransitionsCounter.WithLabelValues(string(payment.Status)).Inc()
	topic := events.TopicPaymentFailed
	result := &CallbackResult{Message: "Payment failed", Status: payment.Status, Reason: payment.FailureReason}
	if payment.Status == model.PaymentCompleted {
		topic = events.TopicPaymentCompleted
		result = &CallbackResult{Message: "Payment completed successfully", Status: payment.Status}
	}
	log.Info("Payment settled",
		zap.Uint("payment_id", payment.ID),
		zap.String("status", string(payment.Status)),
		zap.String("result_code", cb.ResultCode.String()))
	s.publish(ctx, topic, &payment)

	return result, nil
}

// Refund refunds a COMPLETED payment and marks it REFUNDED. Staff and the
// vendors selling on the order may refund.
func (s *PaymentService) Refund(ctx context.Context, actor Actor, paymentID uint, in RefundInput) (_ *RefundView, err error) {
	ctx, span := startSpan(ctx, "RefundPayment", actor, attribute.Int64("payment.id", int64(paymentID)))
	defer func() { endSpan(span, err) }()

	fields := map[string]string{}
	if !in.Amount.IsPositive() {
		fields["amount"] = "amount must be greater than 0"
	}
	if strings.TrimSpace(in.Reason) == "" {
		fields["reason"] = "this field is required"
	}
	if len(fields) > 0 {
		return nil, apperror.Validation("missing required parameters", fields)
	}

	var (
		payment model.Payment
		refund  model.Refund
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := visiblePayments(tx, actor).Clauses(forUpdate()).First(&payment, paymentID).Error; err != nil {
			return notFoundOr(err, "payment")
		}
		if !actor.IsStaff {
			sells, err := vendorSellsOnOrder(tx, actor, payment.OrderID)
			if err != nil {
				return err
			}
			if !sells {
				return apperror.Forbidden("only staff or the selling vendor can refund a payment")
			}
		}

		if payment.Status != model.PaymentCompleted {
			return apperror.InvalidState("cannot refund incomplete payment")
		}
		if in.Amount.GreaterThan(payment.Amount) {
			return apperror.InvalidField("amount", "refund amount exceeds the payment amount")
		}

		refund = model.Refund{
			PaymentID: payment.ID,
			Amount:    in.Amount.Round(moneyPlaces),
			Reason:    strings.TrimSpace(in.Reason),
			Status:    model.RefundProcessed,
			RefundID:  "REF_" + payment.TransactionID,
		}
		if err := createOrDuplicate(tx, &refund, "payment has already been refunded"); err != nil {
			return err
		}

		payment.Status = model.PaymentRefunded
		return tx.Model(&payment).Update("status", payment.Status).Error
	})
	if err != nil {
		return nil, internal(err)
	}

	prometheus.PaymentTransitionsCounter.WithLabelValues(string(model.PaymentRefunded)).Inc()
	logger.FromContext(ctx).Info("Payment refunded",
		zap.Uint("payment_id", payment.ID),
		zap.String("refund_id", refund.RefundID),
		zap.String("amount", refund.Amount.StringFixed(moneyPlaces)))

	payment.Refunds = []model.Refund{refund}
	s.publish(ctx, events.TopicPaymentRefunded, &payment)

	view := newRefundView(&refund)
	return &view, nil
}

// GetPayment returns a payment visible to the actor
func (s *PaymentService) GetPayment(ctx context.Context, actor Actor, id uint) (_ *PaymentView, err error) {
	ctx, span := startSpan(ctx, "GetPayment", actor, attribute.Int64("payment.id", int64(id)))
	defer func() { endSpan(span, err) }()

	var payment model.Payment
	if err := visiblePayments(s.db.WithContext(ctx), actor).Preload("Refunds").First(&payment, id).Error; err != nil {
		return nil, notFoundOr(err, "payment")
	}
	view := newPaymentView(&payment)
	return &view, nil
}

// ListPayments lists every payment for staff, the payments of orders
// containing a vendor's products for vendors, and their own payments for
// customers
func (s *PaymentService) ListPayments(ctx context.Context, actor Actor) (_ []PaymentView, err error) {
	ctx, span := startSpan(ctx, "ListPayments", actor)
	defer func() { endSpan(span, err) }()

	db := s.db.WithContext(ctx)
	query := db
	switch {
	case actor.IsStaff:
	case actor.IsVendor():
		query = db.Where("order_id IN (?)", vendorOrderIDs(db, actor.UserID))
	default:
		query = db.Where("order_id IN (?)", customerOrderIDs(db, actor.UserID))
	}

	var payments []model.Payment
	if err := query.Preload("Refunds").Order("created_at DESC").Order("id DESC").Find(&payments).Error; err != nil {
		return nil, internal(err)
	}
	views := make([]PaymentView, 0, len(payments))
	for i := range payments {
		views = append(views, newPaymentView(&payments[i]))
	}
	return views, nil
}

func (s *PaymentService) publish(ctx context.Context, topic string, payment *model.Payment) {
	if err := s.events.Publish(ctx, topic, payment.OrderID, newPaymentView(payment)); err != nil {
		logger.FromContext(ctx).Error("Failed to publish payment event",
			zap.String("topic", topic),
			zap.Uint("payment_id", payment.ID),
			zap.Error(err))
	}
}

// checkNoActivePayment rejects a new payment while the order has one that
// is pending or went through. Failed payments may be retried.
func checkNoActivePayment(db *gorm.DB, orderID uint) error {
	var count int64
	err := db.Model(&model.Payment{}).
		Where("order_id = ? AND status IN ?", orderID, []model.PaymentStatus{
			model.PaymentPending, model.PaymentCompleted, model.PaymentRefunded,
		}).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return apperror.InvalidState("order already has an active payment")
	}
	return nil
}

// gatewayError classifies a gateway failure. Rejections carry the gateway's
// payload; unreachable or failing gateways map to 502.
func gatewayError(err error) error {
	var gwErr *mpesa.GatewayError
	if errors.As(err, &gwErr) {
		var details interface{}
		if gwErr.Body != nil {
			details = gwErr.Body
		}
		e := apperror.Upstream("failed to initiate payment", details, err)
		if gwErr.StatusCode >= http.StatusInternalServerError {
			e.Status = http.StatusBadGateway
		}
		return e
	}
	return apperror.Upstream("payment gateway unavailable", nil, err)
}

// visiblePayments scopes a query to the payments the actor may see: staff
// see all, customers their own orders' and vendors also those of orders
// containing their products
func visiblePayments(db *gorm.DB, actor Actor) *gorm.DB {
	if actor.IsStaff {
		return db
	}
	root := db.Session(&gorm.Session{NewDB: true})
	if actor.IsVendor() {
		return db.Where("(order_id IN (?) OR order_id IN (?))",
			customerOrderIDs(root, actor.UserID),
			vendorOrderIDs(root, actor.UserID))
	}
	return db.Where("order_id IN (?)", customerOrderIDs(root, actor.UserID))
}

func customerOrderIDs(db *gorm.DB, userID uint) *gorm.DB {
	return db.Model(&model.Order{}).Select("id").Where("customer_id = ?", userID)
}

func vendorOrderIDs(db *gorm.DB, userID uint) *gorm.DB {
	return db.Table("order_items").
		Select("order_items.order_id").
		Joins("JOIN products ON products.id = order_items.product_id").
		Joins("JOIN vendor_profiles ON vendor_profiles.id = products.vendor_id").
		Where("vendor_profiles.user_id = ?", userID)
}

func vendorSellsOnOrder(tx *gorm.DB, actor Actor, orderID uint) (bool, error) {
	if !actor.IsVendor() {
		return false, nil
	}
	var count int64
	err := vendorOrderIDs(tx.Session(&gorm.Session{NewDB: true}), actor.UserID).
		Where("order_items.order_id = ?", orderID).
		Count(&count).Error
	return count > 0, err
}

func newRefundView(r *model.Refund) RefundView {
	return RefundView{
		ID:        r.ID,
		Payment:   r.PaymentID,
		Amount:    r.Amount.StringFixed(moneyPlaces),
		Reason:    r.Reason,
		Status:    r.Status,
		RefundID:  r.RefundID,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func newPaymentView(p *model.Payment) PaymentView {
	view := PaymentView{
		ID:                p.ID,
		Order:             p.OrderID,
		Amount:            p.Amount.StringFixed(moneyPlaces),
		PaymentMethod:     p.PaymentMethod,
		Status:            p.Status,
		TransactionID:     p.TransactionID,
		MerchantRequestID: p.MerchantRequestID,
		PaymentIntentID:   p.PaymentIntentID,
		PhoneNumber:       p.PhoneNumber,
		FailureReason:     p.FailureReason,
		Refunds:           make([]RefundView, 0, len(p.Refunds)),
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
	for i := range p.Refunds {
		view.Refunds = append(view.Refunds, newRefundView(&p.Refunds[i]))
	}
	return view
}
