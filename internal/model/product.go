package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// RoastType is the roast level of a coffee product
type RoastType string

const (
	RoastLight  RoastType = "LIGHT"
	RoastMedium RoastType = "MEDIUM"
	RoastDark   RoastType = "DARK"
)

// Valid reports whether r is a known roast level
func (r RoastType) Valid() bool {
	switch r {
	case RoastLight, RoastMedium, RoastDark:
		return true
	}
	return false
}

// Category groups products, managed by staff
type Category struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	Name        string    `json:"name" gorm:"type:varchar(100);not null;uniqueIndex"`
	Description string    `json:"description" gorm:"type:text"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Product is a coffee listing owned by a vendor
type Product struct {
	ID          uint            `json:"id" gorm:"primaryKey"`
	VendorID    uint            `json:"vendor_id" gorm:"index;not null"`
	CategoryID  *uint           `json:"category" gorm:"index"`
	Name        string          `json:"name" gorm:"type:varchar(200);not null"`
	Description string          `json:"description" gorm:"type:text"`
	Price       decimal.Decimal `json:"price" gorm:"type:decimal(10,2);not null"`
	Stock       int             `json:"stock" gorm:"not null;default:0"`
	RoastType   RoastType       `json:"roast_type" gorm:"type:varchar(20)"`
	Origin      string          `json:"origin" gorm:"type:varchar(100)"`
	Image       string          `json:"image" gorm:"type:varchar(500)"`
	IsAvailable bool            `json:"is_available" gorm:"not null;default:true"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	DeletedAt   gorm.DeletedAt  `json:"-" gorm:"index"`

	Vendor   *VendorProfile  `json:"-" gorm:"foreignKey:VendorID"`
	Category *Category       `json:"-" gorm:"foreignKey:CategoryID"`
	Reviews  []ProductReview `json:"-" gorm:"foreignKey:ProductID"`
}

// ProductReview is one user's rating of a product
type ProductReview struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	ProductID uint      `json:"product_id" gorm:"uniqueIndex:idx_review_product_user;not null"`
	UserID    uint      `json:"user_id" gorm:"uniqueIndex:idx_review_product_user;not null"`
	Rating    int       `json:"rating" gorm:"not null"`
	Comment   string    `json:"comment" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	User *User `json:"-" gorm:"foreignKey:UserID"`
}
