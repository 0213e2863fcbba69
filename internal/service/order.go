package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/0097eo/cafe-zuko/internal/apperror"
	"github.com/0097eo/cafe-zuko/internal/model"
	"github.com/0097eo/cafe-zuko/pkg/events"
	"github.com/0097eo/cafe-zuko/pkg/logger"
	"github.com/0097eo/cafe-zuko/prometheus"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const dayLayout = "2006-01-02"

// OrderItemInput requests Quantity units of a product
type OrderItemInput struct {
	ProductID uint
	Quantity  int
}

// CreateOrderInput is a direct order submission
type CreateOrderInput struct {
	Items           []OrderItemInput
	ShippingAddress string
	PhoneNumber     string
}

// CheckoutInput turns one of the actor's carts into an order. Empty
// shipping details fall back to the actor's profile.
type CheckoutInput struct {
	CartID          uint
	ShippingAddress string
	PhoneNumber     string
}

// OrderPatch updates an order in place. Nil fields are left unchanged; a
// non-nil Items replaces the whole item set.
type OrderPatch struct {
	Status          *model.OrderStatus
	ShippingAddress *string
	PhoneNumber     *string
	TrackingNumber  *string
	Items           []OrderItemInput
}

// OrderQuery filters and sorts an order listing
type OrderQuery struct {
	Status    model.OrderStatus
	CreatedOn string // YYYY-MM-DD
	Search    string
	Ordering  string // created_at, updated_at or total_amount, optionally prefixed with -
}

// OrderItemView is an order line at its frozen price
type OrderItemView struct {
	ID        uint      `json:"id"`
	Product   uint      `json:"product"`
	Quantity  int       `json:"quantity"`
	Price     string    `json:"price"`
	LineTotal string    `json:"line_total"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OrderView is an order with its lines
type OrderView struct {
	ID              uint              `json:"id"`
	Customer        uint              `json:"customer"`
	Status          model.OrderStatus `json:"status"`
	TotalAmount     string            `json:"total_amount"`
	ShippingAddress string            `json:"shipping_address"`
	PhoneNumber     string            `json:"phone_number"`
	TrackingNumber  string            `json:"tracking_number"`
	Items           []OrderItemView   `json:"items"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

var orderingColumns = map[string]string{
	"created_at":   "created_at",
	"updated_at":   "updated_at",
	"total_amount": "total_amount",
}

// OrderService manages orders. Staff see every order, other users only their own.
type OrderService struct {
	db     *gorm.DB
	events events.Publisher
}

func NewOrderService(db *gorm.DB, publisher events.Publisher) *OrderService {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &OrderService{db: db, events: publisher}
}

// CreateOrder places an order for the actor, freezing current product prices
func (s *OrderService) CreateOrder(ctx context.Context, actor Actor, in CreateOrderInput) (_ *OrderView, err error) {
	ctx, span := startSpan(ctx, "CreateOrder", actor, attribute.Int("order.items", len(in.Items)))
	defer func() { endSpan(span, err) }()

	if err := validateShipping(in.ShippingAddress, in.PhoneNumber); err != nil {
		return nil, err
	}
	if err := validateOrderItems(in.Items); err != nil {
		return nil, err
	}

	var view *OrderView
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lines, total, err := freezeItems(tx, in.Items)
		if err != nil {
			return err
		}
		order := model.Order{
			CustomerID:      actor.UserID,
			Status:          model.OrderPending,
			TotalAmount:     total,
			ShippingAddress: strings.TrimSpace(in.ShippingAddress),
			PhoneNumber:     in.PhoneNumber,
			Items:           lines,
		}
		if err := tx.Create(&order).Error; err != nil {
			return err
		}
		view, err = loadOrderView(tx, order.ID)
		return err
	})
	if err != nil {
		return nil, internal(err)
	}

	s.created(ctx, view, "direct")
	return view, nil
}

// Checkout snapshots one of the actor's active carts into an order and
// removes the cart
func (s *OrderService) Checkout(ctx context.Context, actor Actor, in CheckoutInput) (_ *OrderView, err error) {
	ctx, span := startSpan(ctx, "Checkout", actor, attribute.Int64("cart.id", int64(in.CartID)))
	defer func() { endSpan(span, err) }()

	var view *OrderView
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cart model.Cart
		if err := tx.Clauses(forUpdate()).
			Where("user_id = ? AND is_active = ?", actor.UserID, true).
			First(&cart, in.CartID).Error; err != nil {
			return notFoundOr(err, "cart")
		}

		var items []model.CartItem
		if err := tx.Where("cart_id = ?", cart.ID).Order("id").Find(&items).Error; err != nil {
			return err
		}
		if len(items) == 0 {
			return apperror.InvalidState("cart is empty")
		}

		address, phone := strings.TrimSpace(in.ShippingAddress), in.PhoneNumber
		if address == "" || phone == "" {
			var user model.User
			if err := tx.First(&user, actor.UserID).Error; err != nil {
				return notFoundOr(err, "user")
			}
			if address == "" {
				address = user.Address
			}
			if phone == "" {
				phone = user.PhoneNumber
			}
		}
		if err := validateShipping(address, phone); err != nil {
			return err
		}

		requested := make([]OrderItemInput, 0, len(items))
		for _, item := range items {
			requested = append(requested, OrderItemInput{ProductID: item.ProductID, Quantity: item.Quantity})
		}
		lines, total, err := freezeItems(tx, requested)
		if err != nil {
			return err
		}

		order := model.Order{
			CustomerID:      actor.UserID,
			Status:          model.OrderPending,
			TotalAmount:     total,
			ShippingAddress: address,
			PhoneNumber:     phone,
			Items:           lines,
		}
		if err := tx.Create(&order).Error; err != nil {
			return err
		}

		if err := tx.Where("cart_id = ?", cart.ID).Delete(&model.CartItem{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&cart).Error; err != nil {
			return err
		}

		view, err = loadOrderView(tx, order.ID)
		return err
	})
	if err != nil {
		return nil, internal(err)
	}

	prometheus.CartOperationsCounter.WithLabelValues("cart_removed").Inc()
	s.created(ctx, view, "checkout")
	return view, nil
}

// GetOrder returns an order visible to the actor
func (s *OrderService) GetOrder(ctx context.Context, actor Actor, id uint) (_ *OrderView, err error) {
	ctx, span := startSpan(ctx, "GetOrder", actor, attribute.Int64("order.id", int64(id)))
	defer func() { endSpan(span, err) }()

	var order model.Order
	if err := visibleOrders(s.db.WithContext(ctx), actor).Preload("Items", orderByID).First(&order, id).Error; err != nil {
		return nil, notFoundOr(err, "order")
	}
	view := newOrderView(&order)
	return &view, nil
}

// ListOrders lists the orders visible to the actor
func (s *OrderService) ListOrders(ctx context.Context, actor Actor, q OrderQuery) (_ []OrderView, err error) {
	ctx, span := startSpan(ctx, "ListOrders", actor)
	defer func() { endSpan(span, err) }()

	defer prometheus.TrackDBOperation("list_orders")(time.Now())
	query := visibleOrders(s.db.WithContext(ctx), actor)

	if q.Status != "" {
		if !q.Status.Valid() {
			return nil, apperror.InvalidField("status", fmt.Sprintf("%q is not a valid choice", q.Status))
		}
		query = query.Where("status = ?", q.Status)
	}
	if q.CreatedOn != "" {
		day, err := time.Parse(dayLayout, q.CreatedOn)
		if err != nil {
			return nil, apperror.InvalidField("created_at", "enter a date in YYYY-MM-DD format")
		}
		query = query.Where("created_at >= ? AND created_at < ?", day, day.AddDate(0, 0, 1))
	}
	if search := strings.ToLower(strings.TrimSpace(q.Search)); search != "" {
		like := "%" + search + "%"
		query = query.Where("(CAST(id AS TEXT) LIKE ? OR LOWER(tracking_number) LIKE ? OR LOWER(shipping_address) LIKE ?)",
			like, like, like)
	}

	orderBy, err := orderingClause(q.Ordering)
	if err != nil {
		return nil, err
	}

	var orders []model.Order
	if err := query.Preload("Items", orderByID).Order(orderBy).Order("id DESC").Find(&orders).Error; err != nil {
		return nil, internal(err)
	}

	views := make([]OrderView, 0, len(orders))
	for i := range orders {
		views = append(views, newOrderView(&orders[i]))
	}
	return views, nil
}

// UpdateOrder applies patch to an order visible to the actor. Replacing the
// items recomputes the total from freshly frozen prices.
func (s *OrderService) UpdateOrder(ctx context.Context, actor Actor, id uint, patch OrderPatch) (_ *OrderView, err error) {
	ctx, span := startSpan(ctx, "UpdateOrder", actor, attribute.Int64("order.id", int64(id)))
	defer func() { endSpan(span, err) }()

	fields := map[string]string{}
	if patch.Status != nil && !patch.Status.Valid() {
		fields["status"] = fmt.Sprintf("%q is not a valid choice", *patch.Status)
	}
	if patch.ShippingAddress != nil && strings.TrimSpace(*patch.ShippingAddress) == "" {
		fields["shipping_address"] = "this field may not be blank"
	}
	if patch.PhoneNumber != nil && !validPhone(*patch.PhoneNumber) {
		fields["phone_number"] = "phone number must be 9 to 15 digits with an optional leading +"
	}
	if len(fields) > 0 {
		return nil, apperror.Validation("validation failed", fields)
	}
	if patch.Items != nil {
		if err := validateOrderItems(patch.Items); err != nil {
			return nil, err
		}
	}

	var view *OrderView
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order model.Order
		if err := visibleOrders(tx, actor).Clauses(forUpdate()).First(&order, id).Error; err != nil {
			return notFoundOr(err, "order")
		}

		updates := map[string]interface{}{}
		if patch.Status != nil {
			updates["status"] = *patch.Status
		}
		if patch.ShippingAddress != nil {
			updates["shipping_address"] = strings.TrimSpace(*patch.ShippingAddress)
		}
		if patch.PhoneNumber != nil {
			updates["phone_number"] = *patch.PhoneNumber
		}
		if patch.TrackingNumber != nil {
			updates["tracking_number"] = *patch.TrackingNumber
		}

		if patch.Items != nil {
			lines, total, err := freezeItems(tx, patch.Items)
			if err != nil {
				return err
			}
			if err := tx.Where("order_id = ?", order.ID).Delete(&model.OrderItem{}).Error; err != nil {
				return err
			}
			for i := range lines {
				lines[i].OrderID = order.ID
			}
			if err := tx.Create(&lines).Error; err != nil {
				return err
			}
			updates["total_amount"] = total
		}

		if len(updates) > 0 {
			if err := tx.Model(&order).Updates(updates).Error; err != nil {
				return err
			}
		}

		var err error
		view, err = loadOrderView(tx, order.ID)
		return err
	})
	if err != nil {
		return nil, internal(err)
	}

	logger.FromContext(ctx).Info("Order updated",
		zap.Uint("order_id", id),
		zap.String("status", string(view.Status)),
		zap.Bool("items_replaced", patch.Items != nil))
	return view, nil
}

// DeleteOrder removes an order visible to the actor. Orders with payments
// are kept as financial records.
func (s *OrderService) DeleteOrder(ctx context.Context, actor Actor, id uint) (err error) {
	ctx, span := startSpan(ctx, "DeleteOrder", actor, attribute.Int64("order.id", int64(id)))
	defer func() { endSpan(span, err) }()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order model.Order
		if err := visibleOrders(tx, actor).Clauses(forUpdate()).First(&order, id).Error; err != nil {
			return notFoundOr(err, "order")
		}

		var payments int64
		if err := tx.Model(&model.Payment{}).Where("order_id = ?", order.ID).Count(&payments).Error; err != nil {
			return err
		}
		if payments > 0 {
			return apperror.InvalidState("order has payments and can not be deleted")
		}

		if err := tx.Where("order_id = ?", order.ID).Delete(&model.OrderItem{}).Error; err != nil {
			return err
		}
		return tx.Delete(&order).Error
	})
	if err != nil {
		return internal(err)
	}

	logger.FromContext(ctx).Info("Order deleted", zap.Uint("order_id", id))
	return nil
}

func (s *OrderService) created(ctx context.Context, view *OrderView, source string) {
	prometheus.OrdersCreatedCounter.WithLabelValues(source).Inc()
	logger.FromContext(ctx).Info("Order created",
		zap.Uint("order_id", view.ID),
		zap.Uint("customer_id", view.Customer),
		zap.String("total_amount", view.TotalAmount),
		zap.String("source", source))

	if err := s.events.Publish(ctx, events.TopicOrderCreated, view.ID, view); err != nil {
		logger.FromContext(ctx).Error("Failed to publish order event", zap.Uint("order_id", view.ID), zap.Error(err))
	}
}

// visibleOrders scopes a query to the orders the actor may see
func visibleOrders(db *gorm.DB, actor Actor) *gorm.DB {
	if actor.IsStaff {
		return db
	}
	return db.Where("customer_id = ?", actor.UserID)
}

func orderByID(db *gorm.DB) *gorm.DB {
	return db.Order("id")
}

func orderingClause(ordering string) (string, error) {
	if ordering == "" {
		return "created_at DESC", nil
	}
	direction := "ASC"
	field := ordering
	if strings.HasPrefix(field, "-") {
		direction = "DESC"
		field = field[1:]
	}
	column, ok := orderingColumns[field]
	if !ok {
		return "", apperror.InvalidField("ordering", fmt.Sprintf("cannot order by %q", ordering))
	}
	return column + " " + direction, nil
}

// freezeItems prices each requested line at the product's current price and
// returns the lines with their total
func freezeItems(tx *gorm.DB, requested []OrderItemInput) ([]model.OrderItem, decimal.Decimal, error) {
	ids := make([]uint, 0, len(requested))
	for _, r := range requested {
		ids = append(ids, r.ProductID)
	}

	var products []model.Product
	if err := tx.Where("id IN ?", ids).Find(&products).Error; err != nil {
		return nil, decimal.Zero, err
	}
	prices := make(map[uint]decimal.Decimal, len(products))
	for _, p := range products {
		prices[p.ID] = p.Price
	}

	lines := make([]model.OrderItem, 0, len(requested))
	total := decimal.Zero
	for i, r := range requested {
		price, ok := prices[r.ProductID]
		if !ok {
			return nil, decimal.Zero, apperror.InvalidField(
				"items["+strconv.Itoa(i)+"].product",
				fmt.Sprintf("product %d does not exist", r.ProductID))
		}
		line := model.OrderItem{ProductID: r.ProductID, Quantity: r.Quantity, Price: price}
		total = total.Add(line.LineTotal())
		lines = append(lines, line)
	}
	return lines, total, nil
}

func validateOrderItems(items []OrderItemInput) error {
	if len(items) == 0 {
		return apperror.InvalidField("items", "an order needs at least one item")
	}
	fields := map[string]string{}
	for i, item := range items {
		if item.ProductID == 0 {
			fields["items["+strconv.Itoa(i)+"].product"] = "this field is required"
		}
		if item.Quantity < 1 {
			fields["items["+strconv.Itoa(i)+"].quantity"] = "quantity must be at least 1"
		}
	}
	if len(fields) > 0 {
		return apperror.Validation("validation failed", fields)
	}
	return nil
}

func validateShipping(address, phone string) error {
	fields := map[string]string{}
	if strings.TrimSpace(address) == "" {
		fields["shipping_address"] = "this field is required"
	}
	if !validPhone(phone) {
		fields["phone_number"] = "phone number must be 9 to 15 digits with an optional leading +"
	}
	if len(fields) > 0 {
		return apperror.Validation("validation failed", fields)
	}
	return nil
}

func loadOrderView(tx *gorm.DB, id uint) (*OrderView, error) {
	var order model.Order
	if err := tx.Preload("Items", orderByID).First(&order, id).Error; err != nil {
		return nil, notFoundOr(err, "order")
	}
	view := newOrderView(&order)
	return &view, nil
}

func newOrderView(o *model.Order) OrderView {
	view := OrderView{
		ID:              o.ID,
		Customer:        o.CustomerID,
		Status:          o.Status,
		TotalAmount:     o.TotalAmount.StringFixed(moneyPlaces),
		ShippingAddress: o.ShippingAddress,
		PhoneNumber:     o.PhoneNumber,
		TrackingNumber:  o.TrackingNumber,
		Items:           make([]OrderItemView, 0, len(o.Items)),
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
	for _, item := range o.Items {
		view.Items = append(view.Items, OrderItemView{
			ID:        item.ID,
			Product:   item.ProductID,
			Quantity:  item.Quantity,
			Price:     item.Price.StringFixed(moneyPlaces),
			LineTotal: item.LineTotal().StringFixed(moneyPlaces),
			CreatedAt: item.CreatedAt,
			UpdatedAt: item.UpdatedAt,
		})
	}
	return view
}
