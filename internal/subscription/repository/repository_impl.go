package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/tenantbilling/internal/subscription/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultPageSize = 100

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (
			id, org_id, tier, status, billing_cycle, price, currency, discount_percent,
			discount_end_date, start_date, end_date, trial_end_date, current_period_start,
			current_period_end, next_billing_date, last_payment_date, proration_balance,
			cancel_reason, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		subscription.ID,
		subscription.OrgID,
		subscription.Tier,
		subscription.Status,
		subscription.BillingCycle,
		subscription.Price,
		subscription.Currency,
		subscription.DiscountPercent,
		subscription.DiscountEndDate,
		subscription.StartDate,
		subscription.EndDate,
		subscription.TrialEndDate,
		subscription.CurrentPeriodStart,
		subscription.CurrentPeriodEnd,
		subscription.NextBillingDate,
		subscription.LastPaymentDate,
		subscription.ProrationBalance,
		subscription.CancelReason,
		subscription.Version,
		subscription.CreatedAt,
		subscription.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return first(db.WithContext(ctx).Where("id = ?", id))
}

// FindByIDForUpdate takes a row lock on dialects that support it. Writers
// still go through the version guard in Update.
func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return first(db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id))
}

func (r *repo) FindByOrgID(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return first(db.WithContext(ctx).Where("org_id = ?", orgID))
}

// List pages by id so a sweep is stable while rows change status under it.
func (r *repo) List(ctx context.Context, db *gorm.DB, req subscriptiondomain.ListRequest) ([]subscriptiondomain.Subscription, error) {
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	query := db.WithContext(ctx).Model(&subscriptiondomain.Subscription{})
	if len(req.Statuses) > 0 {
		query = query.Where("status IN ?", req.Statuses)
	}
	if req.AfterID != 0 {
		query = query.Where("id > ?", req.AfterID)
	}

	var items []subscriptiondomain.Subscription
	err := query.Order("id ASC").Limit(pageSize).Find(&items).Error
	return items, err
}

// Update writes every mutable column when the stored version still matches,
// then bumps the version on the struct.
func (r *repo) Update(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	res := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET tier = ?, status = ?, billing_cycle = ?, price = ?, discount_percent = ?,
			discount_end_date = ?, end_date = ?, trial_end_date = ?, current_period_start = ?,
			current_period_end = ?, next_billing_date = ?, last_payment_date = ?,
			proration_balance = ?, cancel_reason = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		subscription.Tier,
		subscription.Status,
		subscription.BillingCycle,
		subscription.Price,
		subscription.DiscountPercent,
		subscription.DiscountEndDate,
		subscription.EndDate,
		subscription.TrialEndDate,
		subscription.CurrentPeriodStart,
		subscription.CurrentPeriodEnd,
		subscription.NextBillingDate,
		subscription.LastPaymentDate,
		subscription.ProrationBalance,
		subscription.CancelReason,
		subscription.UpdatedAt,
		subscription.ID,
		subscription.Version,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return subscriptiondomain.ErrVersionConflict
	}
	subscription.Version++
	return nil
}

func first(query *gorm.DB) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := query.Take(&subscription).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &subscription, nil
}
