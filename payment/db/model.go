package db

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentSuccess PaymentStatus = "SUCCESS"
	PaymentFailed  PaymentStatus = "FAILED"
)

// Terminal reports whether the payment can no longer transition.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentSuccess || s == PaymentFailed
}

type OrderStatus string

const (
	OrderPendingPayment   OrderStatus = "PENDING_PAYMENT"
	OrderPendingPackaging OrderStatus = "PENDING_PACKAGING"
	OrderCancelled        OrderStatus = "CANCELLED"
)

type Payment struct {
	ID        uint          `gorm:"primaryKey" json:"id"`
	UserID    uint          `gorm:"index" json:"userId"`
	Gateway   string        `gorm:"size:32" json:"gateway"`
	Status    PaymentStatus `gorm:"size:16;index;not null" json:"status"`
	Orders    []Order       `gorm:"foreignKey:PaymentID" json:"orders,omitempty"`
	ExpiresAt *time.Time    `gorm:"index" json:"expiresAt,omitempty"` // set once a pay URL was issued
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// Expired reports whether a PENDING payment may be failed by the sweep. A
// payment with an issued pay URL lives until ExpiresAt, any other one until
// the checkout cutoff.
func (p *Payment) Expired(cutoff, now time.Time) bool {
	if p.ExpiresAt != nil {
		return p.ExpiresAt.Before(now)
	}
	return p.CreatedAt.Before(cutoff)
}

// Total is the authoritative amount the gateway must report for this payment.
func (p *Payment) Total() decimal.Decimal {
	total := decimal.Zero
	for _, o := range p.Orders {
		total = total.Add(o.TotalPrice)
	}
	return total
}

type Order struct {
	ID         uint            `gorm:"primaryKey" json:"id"`
	PaymentID  uint            `gorm:"index;not null" json:"paymentId"`
	UserID     uint            `gorm:"index" json:"userId"`
	ShopID     uint            `json:"shopId"`
	TotalPrice decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"totalPrice"`
	Status     OrderStatus     `gorm:"size:24;index;not null" json:"status"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// GatewayTransaction is one row per distinct gateway transaction. The unique
// (gateway, reference_number) pair is what makes callback processing idempotent.
type GatewayTransaction struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	Gateway         string         `gorm:"size:32;not null;uniqueIndex:idx_gateway_reference" json:"gateway"`
	ReferenceNumber string         `gorm:"size:64;not null;uniqueIndex:idx_gateway_reference" json:"referenceNumber"`
	Code            string         `gorm:"size:64" json:"code"`
	PaymentID       uint           `gorm:"index" json:"paymentId"`
	AmountIn        int64          `json:"amountIn"` // raw gateway amount, minor units
	TransactionDate *time.Time     `json:"transactionDate"`
	Body            datatypes.JSON `json:"body"`
	CreatedAt       time.Time      `json:"createdAt"`
}
