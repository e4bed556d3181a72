package domain

import "context"

type ProrationRequest struct {
	CurrentTier   Tier         `json:"currentTier" binding:"required"`
	NewTier       Tier         `json:"newTier" binding:"required"`
	BillingCycle  BillingCycle `json:"billingCycle" binding:"required"`
	DaysRemaining int          `json:"daysRemaining"`
	TotalDays     int          `json:"totalDays"`
}

type ProrationResponse struct {
	CurrentPlan Plan  `json:"currentPlan"`
	NewPlan     Plan  `json:"newPlan"`
	Amount      int64 `json:"amount"`
}

type Service interface {
	GetPlan(ctx context.Context, tier Tier, cycle BillingCycle) (Plan, error)
	GetAllPlans(ctx context.Context, cycle BillingCycle) ([]Plan, error)
	CalculateProration(ctx context.Context, req ProrationRequest) (ProrationResponse, error)
}
