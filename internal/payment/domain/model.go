// Package domain holds payment transactions and the gateway contract.
package domain

import (
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// PaymentStatus is the gateway-neutral status of one collection attempt.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusSuccess   PaymentStatus = "SUCCESS"
	PaymentStatusFailed    PaymentStatus = "FAILED"
	PaymentStatusCancelled PaymentStatus = "CANCELLED"
)

// Terminal reports whether s ends the attempt.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusSuccess || s == PaymentStatusFailed || s == PaymentStatusCancelled
}

// GatewayManual marks payments recorded by an operator rather than a gateway.
const GatewayManual = "manual"

// PaymentTransaction is one attempt to collect an invoice through one gateway.
type PaymentTransaction struct {
	ID                   snowflake.ID   `gorm:"primaryKey" json:"id"`
	OrgID                snowflake.ID   `gorm:"not null;index" json:"orgId"`
	InvoiceID            snowflake.ID   `gorm:"not null;index" json:"invoiceId"`
	SubscriptionID       snowflake.ID   `gorm:"not null;index" json:"subscriptionId"`
	Amount               int64          `gorm:"not null" json:"amount"`
	Currency             string         `gorm:"type:text;not null" json:"currency"`
	Status               PaymentStatus  `gorm:"type:text;not null" json:"status"`
	PaymentMethod        string         `gorm:"type:text;not null" json:"paymentMethod"`
	PaymentGateway       string         `gorm:"type:text;not null;uniqueIndex:ux_payment_gateway_ref,priority:1" json:"paymentGateway"`
	GatewayTransactionID string         `gorm:"type:text;not null;uniqueIndex:ux_payment_gateway_ref,priority:2" json:"gatewayTransactionId"`
	ExternalRef          *string        `gorm:"type:text" json:"externalRef,omitempty"`
	RedirectURL          *string        `gorm:"type:text" json:"redirectUrl,omitempty"`
	PayCode              *string        `gorm:"type:text" json:"payCode,omitempty"`
	GatewayResponse      datatypes.JSON `json:"gatewayResponse"`
	PaidAt               *time.Time     `json:"paidAt,omitempty"`
	CreatedAt            time.Time      `gorm:"not null" json:"createdAt"`
	UpdatedAt            time.Time      `gorm:"not null" json:"updatedAt"`
}

func (PaymentTransaction) TableName() string { return "payment_transactions" }

// ResponseEntry is one element of the append-only gateway response history.
type ResponseEntry struct {
	ReceivedAt time.Time       `json:"received_at"`
	Source     string          `json:"source"`
	Payload    json.RawMessage `json:"payload"`
}

const (
	SourceChargeRequest  = "charge_request"
	SourceChargeResponse = "charge_response"
	SourceChargeError    = "charge_error"
	SourceNotification   = "notification"
	SourceManual         = "manual"
	SourceSuperseded     = "superseded"
)

// AppendResponse returns history with entry appended. Unreadable history is
// kept as the first entry instead of being dropped.
func AppendResponse(history datatypes.JSON, entry ResponseEntry) (datatypes.JSON, error) {
	var entries []ResponseEntry
	if len(history) > 0 && string(history) != "null" {
		if err := json.Unmarshal(history, &entries); err != nil {
			entries = []ResponseEntry{{Source: "legacy", Payload: json.RawMessage(history)}}
		}
	}
	if !json.Valid(entry.Payload) {
		quoted, err := json.Marshal(string(entry.Payload))
		if err != nil {
			return nil, err
		}
		entry.Payload = quoted
	}
	entries = append(entries, entry)
	raw, err := json.Marshal(entries)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}
