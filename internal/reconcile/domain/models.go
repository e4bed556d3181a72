// Package domain describes the outcome of applying one gateway callback.
package domain

import (
	"context"
	"net/http"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/tenantbilling/internal/payment/domain"
)

type Outcome string

const (
	// OutcomeApplied means the callback changed the transaction status.
	OutcomeApplied Outcome = "APPLIED"
	// OutcomeDuplicate is a replay of the status already stored.
	OutcomeDuplicate Outcome = "DUPLICATE"
	// OutcomeIgnored is a callback recorded for audit that moves nothing,
	// such as a late PENDING after SUCCESS.
	OutcomeIgnored Outcome = "IGNORED"
)

type Result struct {
	Outcome        Outcome                     `json:"outcome"`
	Gateway        string                      `json:"gateway"`
	TransactionID  snowflake.ID                `json:"transactionId,omitempty"`
	InvoiceID      snowflake.ID                `json:"invoiceId,omitempty"`
	SubscriptionID snowflake.ID                `json:"subscriptionId,omitempty"`
	PreviousStatus paymentdomain.PaymentStatus `json:"previousStatus,omitempty"`
	Status         paymentdomain.PaymentStatus `json:"status,omitempty"`
	Reason         string                      `json:"reason,omitempty"`
}

type Service interface {
	// Reconcile verifies, decodes and applies one raw callback body. Nothing
	// is read from the database before the signature checks out.
	Reconcile(ctx context.Context, gateway string, payload []byte, headers http.Header) (Result, error)
}

const (
	ReasonEventIgnored   = "event_ignored"
	ReasonStickySuccess  = "already_successful"
	ReasonTerminal       = "transaction_terminal"
	ReasonInvoicePaid    = "invoice_already_paid"
	ReasonAmountMismatch = "amount_mismatch"
	ReasonInvoiceVoid    = "invoice_void"

	// ReasonInvoiceRepriced is a success for a charge opened before the
	// invoice total changed.
	ReasonInvoiceRepriced = "invoice_repriced"
)
