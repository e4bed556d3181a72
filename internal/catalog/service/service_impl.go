package service

import (
	"context"
	"strings"

	"github.com/samber/lo"
	catalogdomain "github.com/smallbiznis/tenantbilling/internal/catalog/domain"
	"github.com/smallbiznis/tenantbilling/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log     *zap.Logger
	Cfg     config.Config
	Billing *config.BillingConfigHolder
}

type Service struct {
	log      *zap.Logger
	currency string
	billing  *config.BillingConfigHolder
}

func NewService(p Params) catalogdomain.Service {
	return New(p.Log, p.Cfg.Currency, p.Billing)
}

// New builds the catalog over the hot-reloaded billing policy.
func New(log *zap.Logger, currency string, billing *config.BillingConfigHolder) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if strings.TrimSpace(currency) == "" {
		currency = "IDR"
	}
	return &Service{
		log:      log.Named("catalog.service"),
		currency: strings.ToUpper(currency),
		billing:  billing,
	}
}

func (s *Service) GetPlan(_ context.Context, tier catalogdomain.Tier, cycle catalogdomain.BillingCycle) (catalogdomain.Plan, error) {
	return s.plan(s.billing.Get(), tier, cycle)
}

func (s *Service) GetAllPlans(_ context.Context, cycle catalogdomain.BillingCycle) ([]catalogdomain.Plan, error) {
	if _, err := catalogdomain.ParseBillingCycle(string(cycle)); err != nil {
		return nil, err
	}
	cfg := s.billing.Get()
	plans := make([]catalogdomain.Plan, 0, len(catalogdomain.Tiers))
	for _, tier := range catalogdomain.Tiers {
		plan, err := s.plan(cfg, tier, cycle)
		if err != nil {
			continue
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

func (s *Service) CalculateProration(ctx context.Context, req catalogdomain.ProrationRequest) (catalogdomain.ProrationResponse, error) {
	current, err := s.GetPlan(ctx, req.CurrentTier, req.BillingCycle)
	if err != nil {
		return catalogdomain.ProrationResponse{}, err
	}
	next, err := s.GetPlan(ctx, req.NewTier, req.BillingCycle)
	if err != nil {
		return catalogdomain.ProrationResponse{}, err
	}

	totalDays := req.TotalDays
	if totalDays == 0 {
		totalDays = catalogdomain.TotalDaysInCycle(req.BillingCycle)
	}
	amount, err := catalogdomain.CalculateProration(current, next, req.DaysRemaining, totalDays)
	if err != nil {
		return catalogdomain.ProrationResponse{}, err
	}

	return catalogdomain.ProrationResponse{
		CurrentPlan: current,
		NewPlan:     next,
		Amount:      amount,
	}, nil
}

func (s *Service) plan(cfg config.BillingConfig, tier catalogdomain.Tier, cycle catalogdomain.BillingCycle) (catalogdomain.Plan, error) {
	if _, err := catalogdomain.ParseBillingCycle(string(cycle)); err != nil {
		return catalogdomain.Plan{}, catalogdomain.ErrPlanNotFound
	}
	row, ok := lo.Find(cfg.Tiers, func(t config.TierConfig) bool {
		return strings.EqualFold(strings.TrimSpace(t.Tier), string(tier))
	})
	if !ok {
		return catalogdomain.Plan{}, catalogdomain.ErrPlanNotFound
	}

	plan := catalogdomain.Plan{
		Tier:         tier,
		BillingCycle: cycle,
		Currency:     s.currency,
		Limits: catalogdomain.Limits{
			MaxStudents:        row.Limits.MaxStudents,
			MaxTeachers:        row.Limits.MaxTeachers,
			MaxStorageGB:       row.Limits.MaxStorageGB,
			MaxSMSPerMonth:     row.Limits.MaxSMSPerMonth,
			MaxEmailsPerMonth:  row.Limits.MaxEmailsPerMonth,
			MaxReportsPerMonth: row.Limits.MaxReportsPerMonth,
		},
	}
	if row.MonthlyPrice == nil {
		return plan, nil
	}

	switch {
	case cycle == catalogdomain.BillingCycleMonthly:
		plan.Price = lo.ToPtr(*row.MonthlyPrice)
	case row.YearlyPrice != nil:
		plan.Price = lo.ToPtr(*row.YearlyPrice)
	case tier == catalogdomain.TierTrial:
		plan.Price = lo.ToPtr(int64(0))
	default:
		plan.Price = lo.ToPtr(catalogdomain.YearlyFromMonthly(*row.MonthlyPrice, cfg.YearlyDiscountPercent))
	}
	return plan, nil
}
