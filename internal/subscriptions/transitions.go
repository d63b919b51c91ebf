package subscriptions

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/outbox"
	"github.com/angelmondragon/billing-engine/pkg/outbox/payloads"
)

var transitions = map[enums.SubscriptionStatus][]enums.SubscriptionStatus{
	enums.SubscriptionStatusPending: {
		enums.SubscriptionStatusActive,
		enums.SubscriptionStatusTrialing,
		enums.SubscriptionStatusCancelled,
		enums.SubscriptionStatusExpired,
	},
	enums.SubscriptionStatusTrialing: {
		enums.SubscriptionStatusActive,
		enums.SubscriptionStatusExpired,
		enums.SubscriptionStatusCancelled,
		enums.SubscriptionStatusPastDue,
	},
	enums.SubscriptionStatusActive: {
		enums.SubscriptionStatusPastDue,
		enums.SubscriptionStatusCancelled,
	},
	enums.SubscriptionStatusPastDue: {
		enums.SubscriptionStatusActive,
		enums.SubscriptionStatusExpired,
		enums.SubscriptionStatusCancelled,
	},
}

// CanTransition reports whether a subscription may move from one status to another.
func CanTransition(from, to enums.SubscriptionStatus) bool {
	for _, candidate := range transitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

func checkTransition(sub *models.Subscription, to enums.SubscriptionStatus) error {
	if CanTransition(sub.Status, to) {
		return nil
	}
	return pkgerrors.New(pkgerrors.CodeStateConflict,
		fmt.Sprintf("subscription cannot move from %s to %s", sub.Status, to)).
		WithDetails(map[string]any{"from": sub.Status, "to": to})
}

// moveTo applies the status change and the timestamps that come with it. Callers persist the row.
func moveTo(sub *models.Subscription, to enums.SubscriptionStatus, now time.Time) {
	if to == enums.SubscriptionStatusPastDue {
		if sub.Status != enums.SubscriptionStatusPastDue || sub.PastDueSince == nil {
			sub.PastDueSince = &now
		}
	} else {
		sub.PastDueSince = nil
	}
	sub.Status = to
	if to.IsTerminal() {
		sub.EndedAt = &now
		sub.AutoRenew = false
	}
	if to == enums.SubscriptionStatusCancelled && sub.CancelledAt == nil {
		sub.CancelledAt = &now
	}
	if to != enums.SubscriptionStatusTrialing {
		sub.IsTrialPeriod = false
	}
}

func subscriptionPayload(sub *models.Subscription, previous enums.SubscriptionStatus, reason string) payloads.SubscriptionEvent {
	return payloads.SubscriptionEvent{
		SubscriptionID:     sub.ID,
		TenantID:           sub.TenantID,
		PlanID:             sub.PlanID,
		Status:             sub.Status,
		PreviousStatus:     previous,
		BillingCycle:       sub.BillingCycle,
		Provider:           sub.PaymentProvider,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		TrialEnd:           sub.TrialEnd,
		Reason:             reason,
	}
}

func (s *Service) emitSubscription(ctx context.Context, tx *gorm.DB, eventType enums.OutboxEventType, sub *models.Subscription, previous enums.SubscriptionStatus, reason string) error {
	err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: enums.AggregateSubscription,
		AggregateID:   sub.ID,
		Actor:         outbox.Actor(ctx, sub.TenantID),
		Data:          subscriptionPayload(sub, previous, reason),
		OccurredAt:    s.now().UTC(),
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "emit "+string(eventType))
	}
	return nil
}
