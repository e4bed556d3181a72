// Package domain contains the invoice model and its amount arithmetic.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type InvoiceStatus string

const (
	InvoiceStatusPending InvoiceStatus = "PENDING"
	InvoiceStatusPaid    InvoiceStatus = "PAID"
	InvoiceStatusFailed  InvoiceStatus = "FAILED"
	// InvoiceStatusVoid closes an unpaid invoice that no longer matches the
	// subscription, such as a renewal for a period a cycle change replaced.
	InvoiceStatusVoid InvoiceStatus = "VOID"
)

// Payable reports whether an invoice in status s can still be collected.
func (s InvoiceStatus) Payable() bool {
	return s == InvoiceStatusPending || s == InvoiceStatusFailed
}

// InvoiceKind records why an invoice was issued. Only NEW and RENEWAL
// invoices move a subscription's billing period when paid.
type InvoiceKind string

const (
	InvoiceKindNew       InvoiceKind = "NEW"
	InvoiceKindRenewal   InvoiceKind = "RENEWAL"
	InvoiceKindProration InvoiceKind = "PRORATION"
	InvoiceKindManual    InvoiceKind = "MANUAL"
)

// ExtendsPeriod reports whether paying an invoice of this kind buys a
// billing period.
func (k InvoiceKind) ExtendsPeriod() bool {
	return k == InvoiceKindNew || k == InvoiceKindRenewal
}

// Invoice belongs to exactly one subscription. All amounts are minor units.
type Invoice struct {
	ID             snowflake.ID   `gorm:"primaryKey" json:"id"`
	OrgID          snowflake.ID   `gorm:"not null;index" json:"orgId"`
	SubscriptionID snowflake.ID   `gorm:"not null;uniqueIndex:ux_invoices_period,priority:1" json:"subscriptionId"`
	InvoiceNumber  string         `gorm:"type:text;not null;uniqueIndex" json:"invoiceNumber"`
	Kind           InvoiceKind    `gorm:"type:text;not null;uniqueIndex:ux_invoices_period,priority:2" json:"kind"`
	Status         InvoiceStatus  `gorm:"type:text;not null" json:"status"`
	Currency       string         `gorm:"type:text;not null" json:"currency"`
	Subtotal       int64          `gorm:"not null" json:"subtotal"`
	Discount       int64          `gorm:"not null" json:"discount"`
	Tax            int64          `gorm:"not null" json:"tax"`
	Total          int64          `gorm:"not null" json:"total"`
	Amount         int64          `gorm:"not null" json:"amount"`
	AppliedBalance int64          `gorm:"not null;default:0" json:"appliedBalance"`
	PeriodStart    *time.Time     `gorm:"uniqueIndex:ux_invoices_period,priority:3" json:"periodStart,omitempty"`
	PeriodEnd      *time.Time     `json:"periodEnd,omitempty"`
	IssuedAt       time.Time      `gorm:"not null" json:"issuedAt"`
	DueDate        time.Time      `gorm:"not null" json:"dueDate"`
	PaidDate       *time.Time     `json:"paidDate,omitempty"`
	PaymentMethod  *string        `gorm:"type:text" json:"paymentMethod,omitempty"`
	LineItems      datatypes.JSON `json:"lineItems"`
	CreatedAt      time.Time      `gorm:"not null" json:"createdAt"`
	UpdatedAt      time.Time      `gorm:"not null" json:"updatedAt"`
}

func (Invoice) TableName() string { return "invoices" }

// InvoiceSequence backs the per-scope invoice number counter.
type InvoiceSequence struct {
	Scope     string    `gorm:"primaryKey;type:text"`
	NextValue int64     `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (InvoiceSequence) TableName() string { return "invoice_sequences" }

type LineItem struct {
	SKU       string `json:"sku"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unitPrice"`
	Quantity  int64  `json:"quantity"`
	Amount    int64  `json:"amount"`
}

// NewLineItem computes the line amount from price and quantity.
func NewLineItem(sku, name string, unitPrice, quantity int64) LineItem {
	return LineItem{
		SKU:       sku,
		Name:      name,
		UnitPrice: unitPrice,
		Quantity:  quantity,
		Amount:    unitPrice * quantity,
	}
}
