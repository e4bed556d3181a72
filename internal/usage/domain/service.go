package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenantbilling/internal/errs"
	"gorm.io/gorm"
)

type TrackRequest struct {
	Metric    string `json:"metric" validate:"required"`
	Increment *int64 `json:"increment"`
}

type Repository interface {
	// Increment adds delta to the counter in one statement and returns the
	// new value. Cumulative counters never drop below zero.
	Increment(ctx context.Context, db *gorm.DB, id, orgID snowflake.ID, metric Metric, periodKey string, delta int64, now time.Time) (int64, error)
	Set(ctx context.Context, db *gorm.DB, id, orgID snowflake.ID, metric Metric, periodKey string, value int64, now time.Time) error
	ListByPeriods(ctx context.Context, db *gorm.DB, orgID snowflake.ID, periodKeys []string) ([]UsageCounter, error)
}

type Service interface {
	TrackUsage(ctx context.Context, orgID snowflake.ID, metric string, increment int64) (int64, error)
	SetUsage(ctx context.Context, orgID snowflake.ID, metric string, value int64) error
	GetUsage(ctx context.Context, orgID snowflake.ID) (Usage, error)
	CheckUsageLimits(ctx context.Context, orgID snowflake.ID) (LimitsReport, error)
}

var (
	ErrInvalidMetric     = errs.New(errs.ErrValidation, "invalid_metric")
	ErrInvalidIncrement  = errs.New(errs.ErrValidation, "invalid_increment")
	ErrNotCumulative     = errs.New(errs.ErrValidation, "metric_not_settable")
	ErrInvalidUsageValue = errs.New(errs.ErrValidation, "invalid_usage_value")
)
