package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// PaymentStatus is the settlement state of a payment.
//
//	PENDING -> COMPLETED -> REFUNDED
//	PENDING -> FAILED
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentRefunded  PaymentStatus = "REFUNDED"
)

// PaymentMethodMpesa is the only supported payment method
const PaymentMethodMpesa = "MPESA"

// Settled reports whether the gateway has already decided the payment
func (s PaymentStatus) Settled() bool {
	return s != PaymentPending
}

// Payment is a mobile-money charge for an order. TransactionID holds the
// gateway's checkout-request id and correlates the asynchronous callback.
type Payment struct {
	ID                uint            `json:"id" gorm:"primaryKey"`
	OrderID           uint            `json:"order" gorm:"index;not null"`
	Amount            decimal.Decimal `json:"amount" gorm:"type:decimal(10,2);not null"`
	PaymentMethod     string          `json:"payment_method" gorm:"type:varchar(50);not null"`
	Status            PaymentStatus   `json:"status" gorm:"type:varchar(20);index;not null;default:'PENDING'"`
	TransactionID     string          `json:"transaction_id" gorm:"type:varchar(100);uniqueIndex;not null"`
	MerchantRequestID string          `json:"merchant_request_id" gorm:"type:varchar(100)"`
	PaymentIntentID   string          `json:"payment_intent_id" gorm:"type:varchar(100)"`
	PhoneNumber       string          `json:"phone_number" gorm:"type:varchar(17)"`
	FailureReason     string          `json:"failure_reason,omitempty" gorm:"type:text"`
	CallbackPayload   datatypes.JSON  `json:"-"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`

	Order   *Order   `json:"-" gorm:"foreignKey:OrderID"`
	Refunds []Refund `json:"refunds,omitempty" gorm:"foreignKey:PaymentID"`
}

// RefundStatus is the processing state of a refund
type RefundStatus string

const (
	RefundPending   RefundStatus = "PENDING"
	RefundProcessed RefundStatus = "PROCESSED"
	RefundRejected  RefundStatus = "REJECTED"
)

// Refund returns money for a completed payment
type Refund struct {
	ID        uint            `json:"id" gorm:"primaryKey"`
	PaymentID uint            `json:"payment" gorm:"index;not null"`
	Amount    decimal.Decimal `json:"amount" gorm:"type:decimal(10,2);not null"`
	Reason    string          `json:"reason" gorm:"type:text;not null"`
	Status    RefundStatus    `json:"status" gorm:"type:varchar(20);not null;default:'PENDING'"`
	RefundID  string          `json:"refund_id" gorm:"type:varchar(100);uniqueIndex;not null"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// All lists every persisted model in migration order
func All() []interface{} {
	return []interface{}{
		&User{},
		&VendorProfile{},
		&Category{},
		&Product{},
		&ProductReview{},
		&Cart{},
		&CartItem{},
		&Order{},
		&OrderItem{},
		&Payment{},
		&Refund{},
	}
}
