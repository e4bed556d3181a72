package domain

// allowedTransitions is the complete lifecycle graph. EXPIRED -> ACTIVE is
// only taken when a NEW or RENEWAL invoice is paid after expiry.
var allowedTransitions = map[SubscriptionStatus][]SubscriptionStatus{
	SubscriptionStatusTrial:       {SubscriptionStatusActive, SubscriptionStatusExpired, SubscriptionStatusCancelled},
	SubscriptionStatusActive:      {SubscriptionStatusGracePeriod, SubscriptionStatusCancelled},
	SubscriptionStatusGracePeriod: {SubscriptionStatusActive, SubscriptionStatusExpired, SubscriptionStatusCancelled},
	SubscriptionStatusExpired:     {SubscriptionStatusActive},
	SubscriptionStatusCancelled:   nil,
}

// CanTransition reports whether from -> to is a lifecycle edge.
func CanTransition(from, to SubscriptionStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transit moves sub to status, failing with ErrInvalidStateTransition on an
// edge outside the lifecycle graph.
func Transit(sub *Subscription, to SubscriptionStatus) error {
	if !CanTransition(sub.Status, to) {
		return ErrInvalidStateTransition
	}
	sub.Status = to
	return nil
}
