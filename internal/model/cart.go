package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Cart is a user's in-progress basket for a single vendor.
// At most one active cart exists per (user, vendor).
type Cart struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	UserID    uint      `json:"user_id" gorm:"not null;uniqueIndex:idx_cart_active_owner,where:is_active = true"`
	VendorID  uint      `json:"vendor" gorm:"not null;index;uniqueIndex:idx_cart_active_owner,where:is_active = true"`
	IsActive  bool      `json:"is_active" gorm:"not null;default:true"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Vendor *VendorProfile `json:"-" gorm:"foreignKey:VendorID"`
	Items  []CartItem     `json:"-" gorm:"foreignKey:CartID"`
}

// Total sums the live subtotals of the loaded items
func (c *Cart) Total() decimal.Decimal {
	total := decimal.Zero
	for i := range c.Items {
		total = total.Add(c.Items[i].Subtotal())
	}
	return total
}

// CartItem is one product line in a cart
type CartItem struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CartID    uint      `json:"cart_id" gorm:"not null;uniqueIndex:idx_cart_item_product"`
	ProductID uint      `json:"product_id" gorm:"not null;uniqueIndex:idx_cart_item_product"`
	Quantity  int       `json:"quantity" gorm:"not null;default:1"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Product *Product `json:"-" gorm:"foreignKey:ProductID"`
}

// Subtotal is the current product price times the quantity.
// It is zero when the product was not loaded.
func (i *CartItem) Subtotal() decimal.Decimal {
	if i.Product == nil {
		return decimal.Zero
	}
	return i.Product.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}
