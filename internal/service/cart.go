package service

import (
	"context"
	"errors"
	"time"

	"github.com/0097eo/cafe-zuko/internal/apperror"
	"github.com/0097eo/cafe-zuko/internal/model"
	"github.com/0097eo/cafe-zuko/pkg/logger"
	"github.com/0097eo/cafe-zuko/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AddItemInput adds Quantity units of a vendor's product to the actor's cart
type AddItemInput struct {
	VendorID  uint
	ProductID uint
	Quantity  int
}

// CartProductView is the product summary shown on a cart line
type CartProductView struct {
	ID          uint            `json:"id"`
	Name        string          `json:"name"`
	Price       string          `json:"price"`
	RoastType   model.RoastType `json:"roast_type"`
	Image       string          `json:"image"`
	IsAvailable bool            `json:"is_available"`
}

// CartItemView is a cart line priced at the product's current price
type CartItemView struct {
	ID        uint            `json:"id"`
	Product   CartProductView `json:"product"`
	Quantity  int             `json:"quantity"`
	Subtotal  string          `json:"subtotal"`
	CreatedAt time.Time       `json:"created_at"`
}

// CartView is an active cart with live totals
type CartView struct {
	ID         uint           `json:"id"`
	Vendor     uint           `json:"vendor"`
	VendorName string         `json:"vendor_name"`
	Items      []CartItemView `json:"items"`
	Total      string         `json:"total"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// CartService manages the per-vendor shopping carts of users
type CartService struct {
	db *gorm.DB
}

func NewCartService(db *gorm.DB) *CartService {
	return &CartService{db: db}
}

// ListCarts returns every active cart of the actor
func (s *CartService) ListCarts(ctx context.Context, actor Actor) (_ []CartView, err error) {
	ctx, span := startSpan(ctx, "ListCarts", actor)
	defer func() { endSpan(span, err) }()

	var carts []model.Cart
	if err := withCartAssociations(s.db.WithContext(ctx)).
		Where("user_id = ? AND is_active = ?", actor.UserID, true).
		Order("id").
		Find(&carts).Error; err != nil {
		return nil, internal(err)
	}

	views := make([]CartView, 0, len(carts))
	for i := range carts {
		views = append(views, newCartView(&carts[i]))
	}
	return views, nil
}

// AddItem puts a product in the actor's active cart for its vendor, creating
// the cart if needed. Adding a product already in the cart increases its
// quantity.
func (s *CartService) AddItem(ctx context.Context, actor Actor, in AddItemInput) (_ *CartView, err error) {
	ctx, span := startSpan(ctx, "AddItem", actor,
		attribute.Int64("vendor.id", int64(in.VendorID)),
		attribute.Int64("product.id", int64(in.ProductID)),
		attribute.Int("quantity", in.Quantity))
	defer func() { endSpan(span, err) }()

	if in.Quantity < 1 {
		return nil, apperror.InvalidField("quantity", "quantity must be at least 1")
	}

	var view *CartView
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Select("id").First(&model.VendorProfile{}, in.VendorID).Error; err != nil {
			return notFoundOr(err, "vendor")
		}

		var product model.Product
		if err := tx.First(&product, in.ProductID).Error; err != nil {
			return notFoundOr(err, "product")
		}
		if product.VendorID != in.VendorID {
			return apperror.InvalidField("product_id", "product does not belong to this vendor")
		}
		if !product.IsAvailable {
			return apperror.NotFound("product")
		}

		cart, err := activeCart(tx, actor.UserID, in.VendorID)
		if err != nil {
			return err
		}

		now := time.Now()
		item := model.CartItem{CartID: cart.ID, ProductID: product.ID, Quantity: in.Quantity}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "cart_id"}, {Name: "product_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"quantity":   gorm.Expr("cart_items.quantity + excluded.quantity"),
				"updated_at": now,
			}),
		}).Create(&item).Error; err != nil {
			return err
		}
		if err := tx.Model(cart).Update("updated_at", now).Error; err != nil {
			return err
		}

		view, err = loadCartView(tx, cart.ID)
		return err
	})
	if err != nil {
		return nil, internal(err)
	}

	prometheus.CartOperationsCounter.WithLabelValues("add").Inc()
	logger.FromContext(ctx).Info("Item added to cart",
		zap.Uint("cart_id", view.ID),
		zap.Uint("product_id", in.ProductID),
		zap.Int("quantity", in.Quantity))
	return view, nil
}

// SetItemQuantity sets the quantity of a line in one of the actor's carts.
// Zero removes the line, and the cart with it when it was the last one; the
// returned view is nil in that case.
func (s *CartService) SetItemQuantity(ctx context.Context, actor Actor, itemID uint, quantity int) (_ *CartView, err error) {
	ctx, span := startSpan(ctx, "SetItemQuantity", actor,
		attribute.Int64("cart_item.id", int64(itemID)),
		attribute.Int("quantity", quantity))
	defer func() { endSpan(span, err) }()

	if quantity < 0 {
		return nil, apperror.InvalidField("quantity", "quantity must not be negative")
	}
	if quantity == 0 {
		return s.DeleteItem(ctx, actor, itemID)
	}

	var view *CartView
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, cart, err := ownedItem(tx, actor, itemID)
		if err != nil {
			return err
		}
		if err := tx.Model(item).Update("quantity", quantity).Error; err != nil {
			return err
		}
		if err := tx.Model(cart).Update("updated_at", time.Now()).Error; err != nil {
			return err
		}
		view, err = loadCartView(tx, cart.ID)
		return err
	})
	if err != nil {
		return nil, internal(err)
	}

	prometheus.CartOperationsCounter.WithLabelValues("set_quantity").Inc()
	return view, nil
}

// DeleteItem removes a line from one of the actor's carts. A cart left
// empty is removed and the returned view is nil.
func (s *CartService) DeleteItem(ctx context.Context, actor Actor, itemID uint) (_ *CartView, err error) {
	ctx, span := startSpan(ctx, "DeleteItem", actor, attribute.Int64("cart_item.id", int64(itemID)))
	defer func() { endSpan(span, err) }()

	var (
		view        *CartView
		cartRemoved bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, cart, err := ownedItem(tx, actor, itemID)
		if err != nil {
			return err
		}
		if err := tx.Delete(item).Error; err != nil {
			return err
		}

		var remaining int64
		if err := tx.Model(&model.CartItem{}).Where("cart_id = ?", cart.ID).Count(&remaining).Error; err != nil {
			return err
		}
		if remaining == 0 {
			cartRemoved = true
			return tx.Delete(cart).Error
		}

		if err := tx.Model(cart).Update("updated_at", time.Now()).Error; err != nil {
			return err
		}
		view, err = loadCartView(tx, cart.ID)
		return err
	})
	if err != nil {
		return nil, internal(err)
	}

	prometheus.CartOperationsCounter.WithLabelValues("delete_item").Inc()
	if cartRemoved {
		prometheus.CartOperationsCounter.WithLabelValues("cart_removed").Inc()
		logger.FromContext(ctx).Info("Cart removed after its last item", zap.Uint("cart_item_id", itemID))
	}
	return view, nil
}

// activeCart returns the user's active cart for vendorID under a row lock,
// creating it if there is none. A concurrent creator wins through the
// partial unique index and the row is read back.
func activeCart(tx *gorm.DB, userID, vendorID uint) (*model.Cart, error) {
	find := func() (*model.Cart, error) {
		var cart model.Cart
		err := tx.Clauses(forUpdate()).
			Where("user_id = ? AND vendor_id = ? AND is_active = ?", userID, vendorID, true).
			First(&cart).Error
		if err != nil {
			return nil, err
		}
		return &cart, nil
	}

	cart, err := find()
	if err == nil {
		return cart, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	created := model.Cart{UserID: userID, VendorID: vendorID, IsActive: true}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&created).Error; err != nil {
		return nil, err
	}
	return find()
}

// ownedItem loads a line of one of the actor's active carts and locks its cart
func ownedItem(tx *gorm.DB, actor Actor, itemID uint) (*model.CartItem, *model.Cart, error) {
	var item model.CartItem
	err := tx.Joins("JOIN carts ON carts.id = cart_items.cart_id").
		Where("cart_items.id = ? AND carts.user_id = ? AND carts.is_active = ?", itemID, actor.UserID, true).
		First(&item).Error
	if err != nil {
		return nil, nil, notFoundOr(err, "cart item")
	}

	var cart model.Cart
	if err := tx.Clauses(forUpdate()).First(&cart, item.CartID).Error; err != nil {
		return nil, nil, notFoundOr(err, "cart item")
	}
	return &item, &cart, nil
}

func withCartAssociations(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Vendor").
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Preload("Items.Product")
}

func loadCartView(tx *gorm.DB, cartID uint) (*CartView, error) {
	var cart model.Cart
	if err := withCartAssociations(tx).First(&cart, cartID).Error; err != nil {
		return nil, notFoundOr(err, "cart")
	}
	view := newCartView(&cart)
	return &view, nil
}

func newCartView(c *model.Cart) CartView {
	view := CartView{
		ID:        c.ID,
		Vendor:    c.VendorID,
		Items:     make([]CartItemView, 0, len(c.Items)),
		Total:     c.Total().StringFixed(moneyPlaces),
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
	if c.Vendor != nil {
		view.VendorName = c.Vendor.BusinessName
	}
	for i := range c.Items {
		item := &c.Items[i]
		line := CartItemView{
			ID:        item.ID,
			Quantity:  item.Quantity,
			Subtotal:  item.Subtotal().StringFixed(moneyPlaces),
			CreatedAt: item.CreatedAt,
		}
		if p := item.Product; p != nil {
			line.Product = CartProductView{
				ID:          p.ID,
				Name:        p.Name,
				Price:       p.Price.StringFixed(moneyPlaces),
				RoastType:   p.RoastType,
				Image:       p.Image,
				IsAvailable: p.IsAvailable,
			}
		}
		view.Items = append(view.Items, line)
	}
	return view
}
