package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type ListRequest struct {
	Statuses []SubscriptionStatus
	AfterID  snowflake.ID
	PageSize int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByOrgID(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*Subscription, error)
	List(ctx context.Context, db *gorm.DB, req ListRequest) ([]Subscription, error)
	Update(ctx context.Context, db *gorm.DB, subscription *Subscription) error
}
