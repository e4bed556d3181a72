package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenantbilling/internal/clock"
	notificationdomain "github.com/smallbiznis/tenantbilling/internal/notification/domain"
	"github.com/smallbiznis/tenantbilling/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    notificationdomain.Repository
	Sender  notificationdomain.Sender
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    notificationdomain.Repository
	sender  notificationdomain.Sender
	metrics *metrics.Metrics
}

func NewService(p Params) notificationdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("notification.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		sender:  p.Sender,
		metrics: p.Metrics,
	}
}

// Enqueue writes msg to the outbox inside tx. A message whose dedupe key was
// already enqueued is dropped and reported as false.
func (s *Service) Enqueue(ctx context.Context, tx *gorm.DB, msg notificationdomain.Message) (bool, error) {
	if msg.Kind == "" || msg.SubscriptionID == 0 {
		return false, notificationdomain.ErrInvalidMessage
	}
	key := strings.TrimSpace(msg.DedupeKey)
	if key == "" {
		key = notificationdomain.DefaultKey(msg.Kind, msg.SubscriptionID, msg.Reference)
	}

	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return false, err
	}

	now := s.clock.Now()
	inserted, err := s.repo.Insert(ctx, tx, &notificationdomain.Notification{
		ID:             s.genID.Generate(),
		OrgID:          msg.OrgID,
		SubscriptionID: msg.SubscriptionID,
		Kind:           msg.Kind,
		DedupeKey:      key,
		Payload:        datatypes.JSON(payload),
		Status:         notificationdomain.StatusPending,
		AvailableAt:    now,
		CreatedAt:      now,
	})
	if err != nil {
		return false, err
	}
	if inserted {
		s.log.Debug("notification enqueued",
			zap.String("kind", string(msg.Kind)),
			zap.String("subscription_id", msg.SubscriptionID.String()),
			zap.String("dedupe_key", key),
		)
	}
	return inserted, nil
}

// Dispatch hands up to limit due rows to the sender. Failed deliveries back
// off linearly and are parked after MaxAttempts.
func (s *Service) Dispatch(ctx context.Context, limit int) (notificationdomain.DispatchReport, error) {
	var report notificationdomain.DispatchReport
	if limit <= 0 {
		limit = 100
	}

	due, err := s.repo.ListDue(ctx, s.db, s.clock.Now(), limit)
	if err != nil {
		return report, err
	}

	for _, n := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		sendErr := s.sender.Send(ctx, n)
		now := s.clock.Now()
		if sendErr == nil {
			if err := s.repo.MarkSent(ctx, s.db, n.ID, now); err != nil {
				return report, err
			}
			report.Sent++
			s.metrics.RecordNotification(ctx, string(n.Kind), "sent")
			continue
		}

		attempts := n.Attempts + 1
		terminal := attempts >= notificationdomain.MaxAttempts
		next := now.Add(time.Duration(attempts) * time.Minute)
		if err := s.repo.MarkAttemptFailed(ctx, s.db, n.ID, sendErr.Error(), next, terminal); err != nil {
			return report, err
		}
		if terminal {
			report.Parked++
			s.metrics.RecordNotification(ctx, string(n.Kind), "parked")
		} else {
			report.Failed++
			s.metrics.RecordNotification(ctx, string(n.Kind), "retry")
		}
		s.log.Warn("notification delivery failed",
			zap.String("notification_id", n.ID.String()),
			zap.String("kind", string(n.Kind)),
			zap.Int("attempts", attempts),
			zap.Bool("parked", terminal),
			zap.Error(sendErr),
		)
	}
	return report, nil
}

func (s *Service) ListBySubscription(ctx context.Context, subscriptionID snowflake.ID) ([]notificationdomain.Notification, error) {
	return s.repo.ListBySubscription(ctx, s.db, subscriptionID)
}
