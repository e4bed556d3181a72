package domain

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	catalogdomain "github.com/smallbiznis/tenantbilling/internal/catalog/domain"
	"github.com/smallbiznis/tenantbilling/internal/errs"
	invoicedomain "github.com/smallbiznis/tenantbilling/internal/invoice/domain"
	"gorm.io/gorm"
)

// InitialPayment records a payment collected outside the gateways at signup,
// such as a bank transfer confirmed by sales.
type InitialPayment struct {
	Method    string `json:"method" validate:"required"`
	Reference string `json:"reference"`
}

type CreateRequest struct {
	OrgID           snowflake.ID               `json:"orgId" validate:"required"`
	Tier            catalogdomain.Tier         `json:"tier" validate:"required"`
	BillingCycle    catalogdomain.BillingCycle `json:"billingCycle" validate:"required"`
	DiscountPercent decimal.Decimal            `json:"discountPercent"`
	DiscountEndDate *time.Time                 `json:"discountEndDate,omitempty"`
	InitialPayment  *InitialPayment            `json:"initialPayment,omitempty"`
}

type CreateResult struct {
	Subscription *Subscription          `json:"subscription"`
	Invoice      *invoicedomain.Invoice `json:"invoice,omitempty"`
}

type ProrationOption string

const (
	ProrationImmediate ProrationOption = "IMMEDIATE"
	ProrationNextCycle ProrationOption = "NEXT_CYCLE"
)

func ParseProrationOption(value string) (ProrationOption, error) {
	switch option := ProrationOption(strings.ToUpper(strings.TrimSpace(value))); option {
	case ProrationImmediate, ProrationNextCycle:
		return option, nil
	case "":
		return ProrationImmediate, nil
	default:
		return "", ErrInvalidProrationOption
	}
}

type ChangeRequest struct {
	SubscriptionID  snowflake.ID
	NewTier         catalogdomain.Tier
	NewBillingCycle *catalogdomain.BillingCycle
	EffectiveDate   *time.Time
	ProrationOption ProrationOption
}

type ChangeResult struct {
	Subscription    *Subscription          `json:"subscription"`
	ProrationAmount int64                  `json:"prorationAmount"`
	Invoice         *invoicedomain.Invoice `json:"invoice,omitempty"`
	// Renewal is the already issued renewal invoice the change repriced,
	// voided or reissued.
	Renewal *invoicedomain.Invoice `json:"renewal,omitempty"`
}

// PaymentOutcome is a settled payment as seen by the state machine.
// PeriodStart is the start of the period the invoice billed; a renewal paid
// for a period the subscription is no longer about to enter does not move
// the period.
type PaymentOutcome struct {
	SubscriptionID snowflake.ID
	InvoiceKind    invoicedomain.InvoiceKind
	PeriodStart    *time.Time
	PaidAt         time.Time
}

type Service interface {
	Create(ctx context.Context, req CreateRequest) (CreateResult, error)
	Change(ctx context.Context, req ChangeRequest) (ChangeResult, error)
	Cancel(ctx context.Context, id snowflake.ID, reason string) (*Subscription, error)
	ApplyPaymentOutcome(ctx context.Context, tx *gorm.DB, outcome PaymentOutcome) ([]Transition, error)
	AdvanceLifecycle(ctx context.Context, tx *gorm.DB, sub *Subscription, now time.Time) ([]Transition, error)
	IssueRenewal(ctx context.Context, tx *gorm.DB, sub *Subscription, now time.Time) (*invoicedomain.Invoice, bool, error)
	LockForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Subscription, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Subscription, error)
	GetByOrgID(ctx context.Context, orgID snowflake.ID) (*Subscription, error)
	List(ctx context.Context, req ListRequest) ([]Subscription, error)
}

var (
	ErrSubscriptionNotFound   = errs.New(errs.ErrNotFound, "subscription_not_found")
	ErrDuplicateSubscription  = errs.New(errs.ErrValidation, "duplicate_subscription")
	ErrInvalidOrganization    = errs.New(errs.ErrValidation, "invalid_organization")
	ErrInvalidDiscount        = errs.New(errs.ErrValidation, "invalid_discount")
	ErrInvalidInitialPayment  = errs.New(errs.ErrValidation, "invalid_initial_payment")
	ErrInvalidProrationOption = errs.New(errs.ErrValidation, "invalid_proration_option")
	ErrInvalidEffectiveDate   = errs.New(errs.ErrValidation, "invalid_effective_date")
	ErrInvalidTierTransition  = errs.New(errs.ErrInvalidStateTransition, "invalid_tier_transition")
	ErrInvalidStateTransition = errs.New(errs.ErrInvalidStateTransition, "invalid_subscription_transition")
	ErrVersionConflict        = errs.New(errs.ErrConcurrencyConflict, "subscription_version_conflict")
)
