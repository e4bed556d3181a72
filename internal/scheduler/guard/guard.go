// Package guard holds the pure date rules the daily sweep applies before it
// touches a subscription.
package guard

import (
	"math"
	"time"

	notificationdomain "github.com/smallbiznis/tenantbilling/internal/notification/domain"
	subscriptiondomain "github.com/smallbiznis/tenantbilling/internal/subscription/domain"
)

// Reminder is one T-minus notice due for a subscription.
type Reminder struct {
	Kind       notificationdomain.Kind
	OffsetDays int
	EndsAt     time.Time
}

// DaysLeft counts partial days as whole days. It is zero or negative once
// end has passed.
func DaysLeft(end, now time.Time) int {
	return int(math.Ceil(end.Sub(now).Hours() / 24))
}

// ReminderDue returns the reminder matching one of offsets for sub at now.
// Only TRIAL and ACTIVE subscriptions get reminders.
func ReminderDue(sub subscriptiondomain.Subscription, now time.Time, offsets []int) (Reminder, bool) {
	var (
		kind notificationdomain.Kind
		end  time.Time
	)
	switch sub.Status {
	case subscriptiondomain.SubscriptionStatusTrial:
		kind = notificationdomain.KindTrialEnding
		end = sub.CurrentPeriodEnd
		if sub.TrialEndDate != nil {
			end = *sub.TrialEndDate
		}
	case subscriptiondomain.SubscriptionStatusActive:
		kind = notificationdomain.KindPeriodEnding
		end = sub.CurrentPeriodEnd
	default:
		return Reminder{}, false
	}

	left := DaysLeft(end, now)
	if left <= 0 {
		return Reminder{}, false
	}
	for _, offset := range offsets {
		if offset == left {
			return Reminder{Kind: kind, OffsetDays: offset, EndsAt: end}, true
		}
	}
	return Reminder{}, false
}

// TransitionNotice maps a time-driven transition to the notice it triggers.
func TransitionNotice(to subscriptiondomain.SubscriptionStatus) (notificationdomain.Kind, bool) {
	switch to {
	case subscriptiondomain.SubscriptionStatusGracePeriod:
		return notificationdomain.KindGracePeriodStarted, true
	case subscriptiondomain.SubscriptionStatusExpired:
		return notificationdomain.KindSubscriptionExpired, true
	default:
		return "", false
	}
}
