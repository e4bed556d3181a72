package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	notificationdomain "github.com/smallbiznis/tenantbilling/internal/notification/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() notificationdomain.Repository {
	return &repo{}
}

// Insert stores n unless a row with the same dedupe key exists. It reports
// whether a row was written.
func (r *repo) Insert(ctx context.Context, db *gorm.DB, n *notificationdomain.Notification) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO notification_outbox (
			id, org_id, subscription_id, kind, dedupe_key, payload, status, attempts,
			last_error, available_at, sent_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dedupe_key) DO NOTHING`,
		n.ID,
		n.OrgID,
		n.SubscriptionID,
		n.Kind,
		n.DedupeKey,
		n.Payload,
		n.Status,
		n.Attempts,
		n.LastError,
		n.AvailableAt,
		n.SentAt,
		n.CreatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]notificationdomain.Notification, error) {
	var rows []notificationdomain.Notification
	err := db.WithContext(ctx).
		Where("status = ? AND available_at <= ?", notificationdomain.StatusPending, now).
		Order("available_at ASC, id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *repo) MarkSent(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE notification_outbox SET status = ?, sent_at = ?, attempts = attempts + 1, last_error = NULL
		 WHERE id = ? AND status = ?`,
		notificationdomain.StatusSent,
		at,
		id,
		notificationdomain.StatusPending,
	).Error
}

func (r *repo) MarkAttemptFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, lastError string, nextAvailable time.Time, terminal bool) error {
	status := notificationdomain.StatusPending
	if terminal {
		status = notificationdomain.StatusFailed
	}
	return db.WithContext(ctx).Exec(
		`UPDATE notification_outbox SET status = ?, attempts = attempts + 1, last_error = ?, available_at = ?
		 WHERE id = ? AND status = ?`,
		status,
		lastError,
		nextAvailable,
		id,
		notificationdomain.StatusPending,
	).Error
}

func (r *repo) ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]notificationdomain.Notification, error) {
	var rows []notificationdomain.Notification
	err := db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	return rows, err
}
