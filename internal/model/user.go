package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role is the account type chosen at signup
type Role string

const (
	RoleCustomer Role = "CUSTOMER"
	RoleVendor   Role = "VENDOR"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	return r == RoleCustomer || r == RoleVendor
}

// User represents a marketplace account
type User struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	Username    string    `json:"username" gorm:"type:varchar(150);uniqueIndex;not null"`
	Email       string    `json:"email" gorm:"type:varchar(254);uniqueIndex;not null"`
	Password    string    `json:"-" gorm:"type:varchar(255);not null"`
	Role        Role      `json:"user_type" gorm:"type:varchar(10);not null;default:'CUSTOMER'"`
	IsStaff     bool      `json:"is_staff" gorm:"default:false"`
	PhoneNumber string    `json:"phone_number" gorm:"type:varchar(17)"`
	Address     string    `json:"address" gorm:"type:text"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	VendorProfile *VendorProfile `json:"vendor_profile,omitempty" gorm:"foreignKey:UserID"`
}

// VendorProfile holds the business details of a VENDOR user
type VendorProfile struct {
	ID                  uint            `json:"id" gorm:"primaryKey"`
	UserID              uint            `json:"user" gorm:"uniqueIndex;not null"`
	BusinessName        string          `json:"business_name" gorm:"type:varchar(255)"`
	BusinessDescription string          `json:"business_description" gorm:"type:text"`
	BusinessAddress     string          `json:"business_address" gorm:"type:text"`
	Logo                string          `json:"logo" gorm:"type:varchar(500)"`
	IsVerified          bool            `json:"is_verified" gorm:"default:false"`
	Rating              decimal.Decimal `json:"rating" gorm:"type:decimal(3,2);not null;default:0"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`

	User *User `json:"-" gorm:"foreignKey:UserID"`
}
