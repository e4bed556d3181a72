// Package domain holds the tier catalog: prices and limits per tier and
// billing cycle, and the proration arithmetic built on them.
package domain

import (
	"strings"
	"time"

	"github.com/smallbiznis/tenantbilling/internal/errs"
)

type Tier string

const (
	TierTrial      Tier = "TRIAL"
	TierBasic      Tier = "BASIC"
	TierStandard   Tier = "STANDARD"
	TierPremium    Tier = "PREMIUM"
	TierEnterprise Tier = "ENTERPRISE"
)

// Tiers lists every tier in catalog order.
var Tiers = []Tier{TierTrial, TierBasic, TierStandard, TierPremium, TierEnterprise}

type BillingCycle string

const (
	BillingCycleMonthly BillingCycle = "MONTHLY"
	BillingCycleYearly  BillingCycle = "YEARLY"
)

// Unlimited is the limit sentinel for metrics without a cap.
const Unlimited int64 = -1

type Limits struct {
	MaxStudents        int64 `json:"maxStudents"`
	MaxTeachers        int64 `json:"maxTeachers"`
	MaxStorageGB       int64 `json:"maxStorageGB"`
	MaxSMSPerMonth     int64 `json:"maxSMSPerMonth"`
	MaxEmailsPerMonth  int64 `json:"maxEmailsPerMonth"`
	MaxReportsPerMonth int64 `json:"maxReportsPerMonth"`
}

// Plan is one (tier, cycle) row of the catalog. Price is nil for negotiated
// tiers.
type Plan struct {
	Tier         Tier         `json:"tier"`
	BillingCycle BillingCycle `json:"billingCycle"`
	Price        *int64       `json:"price"`
	Currency     string       `json:"currency"`
	Limits       Limits       `json:"limits"`
}

// Amount returns the numeric price, failing for negotiated tiers instead of
// reporting zero.
func (p Plan) Amount() (int64, error) {
	if p.Price == nil {
		return 0, ErrPlanUnavailable
	}
	return *p.Price, nil
}

// SelfServe reports whether a tenant may move onto this plan without sales.
func (p Plan) SelfServe() bool {
	return p.Price != nil && p.Tier != TierTrial
}

var (
	ErrPlanNotFound           = errs.New(errs.ErrNotFound, "plan_not_found")
	ErrPlanUnavailable        = errs.New(errs.ErrNotFound, "plan_unavailable")
	ErrInvalidTier            = errs.New(errs.ErrValidation, "invalid_tier")
	ErrInvalidBillingCycle    = errs.New(errs.ErrValidation, "invalid_billing_cycle")
	ErrInvalidProrationWindow = errs.New(errs.ErrValidation, "invalid_proration_window")
)

func ParseTier(value string) (Tier, error) {
	tier := Tier(strings.ToUpper(strings.TrimSpace(value)))
	for _, known := range Tiers {
		if tier == known {
			return tier, nil
		}
	}
	return "", ErrInvalidTier
}

func ParseBillingCycle(value string) (BillingCycle, error) {
	switch cycle := BillingCycle(strings.ToUpper(strings.TrimSpace(value))); cycle {
	case BillingCycleMonthly, BillingCycleYearly:
		return cycle, nil
	default:
		return "", ErrInvalidBillingCycle
	}
}

// TotalDaysInCycle is the proration denominator: 30 for monthly and 365 for
// yearly plans regardless of the calendar.
func TotalDaysInCycle(cycle BillingCycle) int {
	if cycle == BillingCycleYearly {
		return 365
	}
	return 30
}

// AddCycle returns the end of a billing period starting at start. Periods
// follow the calendar; only proration uses the fixed day counts.
func AddCycle(start time.Time, cycle BillingCycle) time.Time {
	if cycle == BillingCycleYearly {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}

// DaysRemaining counts whole days from at until periodEnd, rounding a partial
// day up, clamped to [0, TotalDaysInCycle(cycle)].
func DaysRemaining(periodEnd, at time.Time, cycle BillingCycle) int {
	left := periodEnd.Sub(at)
	if left <= 0 {
		return 0
	}
	days := int(left / (24 * time.Hour))
	if left%(24*time.Hour) != 0 {
		days++
	}
	return min(days, TotalDaysInCycle(cycle))
}
