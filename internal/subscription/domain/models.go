// Package domain contains the subscription model and its lifecycle rules.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	catalogdomain "github.com/smallbiznis/tenantbilling/internal/catalog/domain"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusTrial       SubscriptionStatus = "TRIAL"
	SubscriptionStatusActive      SubscriptionStatus = "ACTIVE"
	SubscriptionStatusGracePeriod SubscriptionStatus = "GRACE_PERIOD"
	SubscriptionStatusExpired     SubscriptionStatus = "EXPIRED"
	SubscriptionStatusCancelled   SubscriptionStatus = "CANCELLED"
)

// Subscription is the single billing agreement of one tenant organization.
// Rows are never deleted; CANCELLED is kept for history.
type Subscription struct {
	ID                 snowflake.ID               `gorm:"primaryKey" json:"id"`
	OrgID              snowflake.ID               `gorm:"not null;uniqueIndex" json:"orgId"`
	Tier               catalogdomain.Tier         `gorm:"type:text;not null" json:"tier"`
	Status             SubscriptionStatus         `gorm:"type:text;not null;index" json:"status"`
	BillingCycle       catalogdomain.BillingCycle `gorm:"type:text;not null" json:"billingCycle"`
	Price              int64                      `gorm:"not null" json:"price"`
	Currency           string                     `gorm:"type:text;not null" json:"currency"`
	DiscountPercent    decimal.Decimal            `gorm:"type:numeric(5,2);not null;default:0" json:"discountPercent"`
	DiscountEndDate    *time.Time                 `json:"discountEndDate,omitempty"`
	StartDate          time.Time                  `gorm:"not null" json:"startDate"`
	EndDate            *time.Time                 `json:"endDate,omitempty"`
	TrialEndDate       *time.Time                 `json:"trialEndDate,omitempty"`
	CurrentPeriodStart time.Time                  `gorm:"not null" json:"currentPeriodStart"`
	CurrentPeriodEnd   time.Time                  `gorm:"not null" json:"currentPeriodEnd"`
	NextBillingDate    *time.Time                 `json:"nextBillingDate,omitempty"`
	LastPaymentDate    *time.Time                 `json:"lastPaymentDate,omitempty"`
	ProrationBalance   int64                      `gorm:"not null;default:0" json:"prorationBalance"`
	CancelReason       *string                    `gorm:"type:text" json:"cancelReason,omitempty"`
	Version            int64                      `gorm:"not null;default:1" json:"version"`
	CreatedAt          time.Time                  `gorm:"not null" json:"createdAt"`
	UpdatedAt          time.Time                  `gorm:"not null" json:"updatedAt"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// Terminal reports whether no time-based transition can apply any more.
func (s Subscription) Terminal() bool {
	return s.Status == SubscriptionStatusExpired || s.Status == SubscriptionStatusCancelled
}

// ActiveDiscount returns the discount percent in force at now.
func (s Subscription) ActiveDiscount(now time.Time) decimal.Decimal {
	if s.DiscountEndDate != nil && !now.Before(*s.DiscountEndDate) {
		return decimal.Zero
	}
	return s.DiscountPercent
}

// Transition is one status change with the reason it happened.
type Transition struct {
	From   SubscriptionStatus `json:"from"`
	To     SubscriptionStatus `json:"to"`
	At     time.Time          `json:"at"`
	Reason string             `json:"reason"`
}

const (
	ReasonTrialEnded        = "trial_ended"
	ReasonPeriodEnded       = "period_ended"
	ReasonGraceElapsed      = "grace_elapsed"
	ReasonPaymentReceived   = "payment_received"
	ReasonAdminCancellation = "admin_cancellation"
)
