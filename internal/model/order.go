package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus tracks the fulfilment lifecycle of an order
type OrderStatus string

const (
	OrderPending    OrderStatus = "PENDING"
	OrderProcessing OrderStatus = "PROCESSING"
	OrderShipped    OrderStatus = "SHIPPED"
	OrderDelivered  OrderStatus = "DELIVERED"
	OrderCancelled  OrderStatus = "CANCELLED"
)

// Valid reports whether s is a known order status
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderProcessing, OrderShipped, OrderDelivered, OrderCancelled:
		return true
	}
	return false
}

// Order is a customer's purchase. TotalAmount is stored at creation and is
// not derived from live product prices.
type Order struct {
	ID              uint            `json:"id" gorm:"primaryKey"`
	CustomerID      uint            `json:"customer" gorm:"index;not null"`
	Status          OrderStatus     `json:"status" gorm:"type:varchar(20);index;not null;default:'PENDING'"`
	TotalAmount     decimal.Decimal `json:"total_amount" gorm:"type:decimal(10,2);not null"`
	ShippingAddress string          `json:"shipping_address" gorm:"type:text"`
	PhoneNumber     string          `json:"phone_number" gorm:"type:varchar(17)"`
	TrackingNumber  string          `json:"tracking_number" gorm:"type:varchar(100);index"`
	CreatedAt       time.Time       `json:"created_at" gorm:"index"`
	UpdatedAt       time.Time       `json:"updated_at"`

	Items []OrderItem `json:"items" gorm:"foreignKey:OrderID"`
}

// OrderItem freezes the unit price of a product at the time of purchase
type OrderItem struct {
	ID        uint            `json:"id" gorm:"primaryKey"`
	OrderID   uint            `json:"-" gorm:"index;not null"`
	ProductID uint            `json:"product" gorm:"index;not null"`
	Quantity  int             `json:"quantity" gorm:"not null"`
	Price     decimal.Decimal `json:"price" gorm:"type:decimal(10,2);not null"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// LineTotal is price times quantity
func (i OrderItem) LineTotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}
