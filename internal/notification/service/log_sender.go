package service

import (
	"context"

	notificationdomain "github.com/smallbiznis/tenantbilling/internal/notification/domain"
	"go.uber.org/zap"
)

// LogSender records notifications in the log. It stands in until an email or
// messaging transport is wired to the outbox.
type LogSender struct {
	log *zap.Logger
}

func NewLogSender(log *zap.Logger) notificationdomain.Sender {
	return &LogSender{log: log.Named("notification.sender")}
}

func (s *LogSender) Send(_ context.Context, n notificationdomain.Notification) error {
	s.log.Info("notification",
		zap.String("notification_id", n.ID.String()),
		zap.String("org_id", n.OrgID.String()),
		zap.String("subscription_id", n.SubscriptionID.String()),
		zap.String("kind", string(n.Kind)),
		zap.ByteString("payload", n.Payload),
	)
	return nil
}
