package enums

import "fmt"

// OutboxAggregateType maps to outbox_events.aggregate_type.
type OutboxAggregateType string

const (
	AggregateSubscription OutboxAggregateType = "subscription"
	AggregatePayment      OutboxAggregateType = "subscription_payment"
	AggregateInvoice      OutboxAggregateType = "invoice"
	AggregatePlanChange   OutboxAggregateType = "pending_plan_change"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregateSubscription,
	AggregatePayment,
	AggregateInvoice,
	AggregatePlanChange,
}

// IsValid reports whether the value matches a known aggregate type.
func (a OutboxAggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseOutboxAggregateType converts raw input into OutboxAggregateType.
func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	for _, candidate := range validAggregateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// OutboxEventType maps to outbox_events.event_type.
type OutboxEventType string

const (
	EventTrialStarted            OutboxEventType = "trial_started"
	EventTrialEndingReminder     OutboxEventType = "trial_ending_reminder"
	EventTrialExpired            OutboxEventType = "trial_expired"
	EventSubscriptionActivated   OutboxEventType = "subscription_activated"
	EventSubscriptionRenewed     OutboxEventType = "subscription_renewed"
	EventSubscriptionWillCancel  OutboxEventType = "subscription_will_cancel"
	EventSubscriptionCancelled   OutboxEventType = "subscription_cancelled"
	EventSubscriptionReactivated OutboxEventType = "subscription_reactivated"
	EventSubscriptionPastDue     OutboxEventType = "subscription_past_due"
	EventSubscriptionExpired     OutboxEventType = "subscription_expired"
	EventPaymentSucceeded        OutboxEventType = "payment_succeeded"
	EventPaymentFailed           OutboxEventType = "payment_failed"
	EventRenewalPaymentRequired  OutboxEventType = "renewal_payment_required"
	EventInvoiceReady            OutboxEventType = "invoice_ready"
	EventPlanUpgraded            OutboxEventType = "plan_upgraded"
	EventPlanDowngradeScheduled  OutboxEventType = "plan_downgrade_scheduled"
	EventPlanChangeApplied       OutboxEventType = "plan_change_applied"
	EventPlanChangeExpired       OutboxEventType = "plan_change_expired"
	EventPlanChangeCancelled     OutboxEventType = "plan_change_cancelled"
)

var validOutboxEventTypes = []OutboxEventType{
	EventTrialStarted,
	EventTrialEndingReminder,
	EventTrialExpired,
	EventSubscriptionActivated,
	EventSubscriptionRenewed,
	EventSubscriptionWillCancel,
	EventSubscriptionCancelled,
	EventSubscriptionReactivated,
	EventSubscriptionPastDue,
	EventSubscriptionExpired,
	EventPaymentSucceeded,
	EventPaymentFailed,
	EventRenewalPaymentRequired,
	EventInvoiceReady,
	EventPlanUpgraded,
	EventPlanDowngradeScheduled,
	EventPlanChangeApplied,
	EventPlanChangeExpired,
	EventPlanChangeCancelled,
}

// IsValid reports whether the value matches a known event type.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid outbox event type %q", value)
}
