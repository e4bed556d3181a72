package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/smallbiznis/tenantbilling/internal/usage/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() usagedomain.Repository {
	return &repo{}
}

func (r *repo) Increment(ctx context.Context, db *gorm.DB, id, orgID snowflake.ID, metric usagedomain.Metric, periodKey string, delta int64, now time.Time) (int64, error) {
	var value int64
	err := db.WithContext(ctx).Raw(
		`INSERT INTO usage_counters (id, org_id, metric, period_key, value, created_at, updated_at)
		 VALUES (?, ?, ?, ?, CASE WHEN ? < 0 THEN 0 ELSE ? END, ?, ?)
		 ON CONFLICT (org_id, metric, period_key) DO UPDATE
		 SET value = CASE WHEN usage_counters.value + ? < 0 THEN 0 ELSE usage_counters.value + ? END,
			updated_at = excluded.updated_at
		 RETURNING value`,
		id, orgID, metric, periodKey,
		delta, delta,
		now, now,
		delta, delta,
	).Scan(&value).Error
	return value, err
}

func (r *repo) Set(ctx context.Context, db *gorm.DB, id, orgID snowflake.ID, metric usagedomain.Metric, periodKey string, value int64, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO usage_counters (id, org_id, metric, period_key, value, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (org_id, metric, period_key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		id, orgID, metric, periodKey, value, now, now,
	).Error
}

func (r *repo) ListByPeriods(ctx context.Context, db *gorm.DB, orgID snowflake.ID, periodKeys []string) ([]usagedomain.UsageCounter, error) {
	var items []usagedomain.UsageCounter
	err := db.WithContext(ctx).
		Where("org_id = ? AND period_key IN ?", orgID, periodKeys).
		Find(&items).Error
	return items, err
}
