// Package domain describes the notification outbox: what the engine decided
// to tell a tenant, stored until a sender delivers it.
package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenantbilling/internal/errs"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Kind string

const (
	KindTrialEnding           Kind = "TRIAL_ENDING"
	KindPeriodEnding          Kind = "PERIOD_ENDING"
	KindGracePeriodStarted    Kind = "GRACE_PERIOD_STARTED"
	KindSubscriptionExpired   Kind = "SUBSCRIPTION_EXPIRED"
	KindSubscriptionCancelled Kind = "SUBSCRIPTION_CANCELLED"
	KindPaymentSucceeded      Kind = "PAYMENT_SUCCEEDED"
	KindPaymentFailed         Kind = "PAYMENT_FAILED"
	KindInvoiceIssued         Kind = "INVOICE_ISSUED"
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
)

// MaxAttempts is the number of delivery attempts before a row is parked as FAILED.
const MaxAttempts = 5

type Notification struct {
	ID             snowflake.ID   `gorm:"primaryKey" json:"id"`
	OrgID          snowflake.ID   `gorm:"not null;index" json:"orgId"`
	SubscriptionID snowflake.ID   `gorm:"not null;index" json:"subscriptionId"`
	Kind           Kind           `gorm:"type:text;not null" json:"kind"`
	DedupeKey      string         `gorm:"type:text;not null;uniqueIndex" json:"dedupeKey"`
	Payload        datatypes.JSON `json:"payload"`
	Status         Status         `gorm:"type:text;not null;index:ix_outbox_due,priority:1" json:"status"`
	Attempts       int            `gorm:"not null;default:0" json:"attempts"`
	LastError      *string        `gorm:"type:text" json:"lastError,omitempty"`
	AvailableAt    time.Time      `gorm:"not null;index:ix_outbox_due,priority:2" json:"availableAt"`
	SentAt         *time.Time     `json:"sentAt,omitempty"`
	CreatedAt      time.Time      `gorm:"not null" json:"createdAt"`
}

func (Notification) TableName() string { return "notification_outbox" }

// Message is what callers enqueue. DedupeKey makes enqueueing idempotent;
// when empty it defaults to kind:subscription:reference.
type Message struct {
	OrgID          snowflake.ID
	SubscriptionID snowflake.ID
	Kind           Kind
	DedupeKey      string
	Reference      string
	Payload        map[string]any
}

// Sender delivers one notification over an external transport.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

type DispatchReport struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
	Parked int `json:"parked"`
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, n *Notification) (bool, error)
	ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Notification, error)
	MarkSent(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	MarkAttemptFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, lastError string, nextAvailable time.Time, terminal bool) error
	ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]Notification, error)
}

type Service interface {
	Enqueue(ctx context.Context, tx *gorm.DB, msg Message) (bool, error)
	Dispatch(ctx context.Context, limit int) (DispatchReport, error)
	ListBySubscription(ctx context.Context, subscriptionID snowflake.ID) ([]Notification, error)
}

var ErrInvalidMessage = errs.New(errs.ErrValidation, "invalid_notification")

// ReminderKey identifies one reminder for one due date so a rerun of the
// daily sweep never sends it twice.
func ReminderKey(kind Kind, subscriptionID snowflake.ID, offsetDays int, due time.Time) string {
	return fmt.Sprintf("%s:%s:%d:%s", kind, subscriptionID, offsetDays, due.UTC().Format("2006-01-02"))
}

// DefaultKey is the dedupe key for one-shot events tied to a reference such
// as a transaction or invoice id.
func DefaultKey(kind Kind, subscriptionID snowflake.ID, reference string) string {
	return fmt.Sprintf("%s:%s:%s", kind, subscriptionID, reference)
}
