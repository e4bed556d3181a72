package domain

import (
	"context"
	"net/http"
	"time"

	"github.com/smallbiznis/tenantbilling/internal/errs"
)

type Customer struct {
	Name  string `json:"name" validate:"required"`
	Email string `json:"email" validate:"required,email"`
	Phone string `json:"phone" validate:"omitempty,min=6"`
}

type LineItem struct {
	SKU       string `json:"sku" validate:"required"`
	Name      string `json:"name" validate:"required"`
	UnitPrice int64  `json:"unitPrice" validate:"gte=0"`
	Quantity  int64  `json:"quantity" validate:"gt=0"`
}

// ChargeRequest is what every gateway needs to open a payment.
type ChargeRequest struct {
	OrderRef  string     `validate:"required"`
	Amount    int64      `validate:"gt=0"`
	Currency  string     `validate:"required,len=3"`
	Method    string     `validate:"omitempty"`
	Customer  Customer   `validate:"required"`
	LineItems []LineItem `validate:"required,min=1,dive"`
	ExpiresAt *time.Time `validate:"omitempty"`
}

// ChargeResult carries what the tenant needs to complete payment: a redirect
// URL or a pay code, and the gateway's own reference.
type ChargeResult struct {
	ExternalRef string
	RedirectURL string
	PayCode     string
	Raw         []byte
}

// Notification is a decoded, authenticated gateway callback.
type Notification struct {
	Gateway       string
	OrderRef      string
	ExternalRef   string
	RawStatus     string
	FraudStatus   string
	Amount        int64
	PaymentMethod string
	PaidAt        *time.Time
	Payload       []byte
}

// Gateway is one payment provider. Each implementation owns its signature
// scheme and status vocabulary.
type Gateway interface {
	Name() string
	CreateCharge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	// SignatureFrom extracts the signature from wherever the gateway sends it.
	SignatureFrom(payload []byte, headers http.Header) string
	VerifyNotification(payload []byte, signature string) bool
	// ParseNotification decodes payload into a Notification, failing with
	// ErrInvalidPayload on malformed input and ErrEventIgnored for callback
	// types that carry no payment status.
	ParseNotification(payload []byte, headers http.Header) (Notification, error)
	NormalizeStatus(n Notification) PaymentStatus
}

var (
	ErrGatewayNotFound     = errs.New(errs.ErrNotFound, "gateway_not_found")
	ErrTransactionNotFound = errs.New(errs.ErrNotFound, "transaction_not_found")
	ErrInvalidSignature    = errs.New(errs.ErrInvalidSignature, "invalid_signature")
	ErrInvalidPayload      = errs.New(errs.ErrValidation, "invalid_payload")
	ErrInvalidCharge       = errs.New(errs.ErrValidation, "invalid_charge_request")
	ErrEventIgnored        = errs.New(errs.ErrValidation, "event_ignored")
	ErrGatewayFailure      = errs.New(errs.ErrGateway, "gateway_failure")
	ErrInvoiceNotPayable   = errs.New(errs.ErrInvalidStateTransition, "invoice_not_payable")
	ErrAlreadyPaid         = errs.New(errs.ErrInvalidStateTransition, "invoice_already_paid")
	ErrTransactionConflict = errs.New(errs.ErrConcurrencyConflict, "transaction_status_conflict")
)
