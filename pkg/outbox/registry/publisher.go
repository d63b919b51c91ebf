package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/angelmondragon/billing-engine/pkg/config"
	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	"github.com/angelmondragon/billing-engine/pkg/outbox"
	"github.com/angelmondragon/billing-engine/pkg/outbox/payloads"
	"github.com/google/uuid"
)

// EventDescriptor links an event type to its aggregate/topic/payload schema.
type EventDescriptor struct {
	EventType      enums.OutboxEventType
	AggregateType  enums.OutboxAggregateType
	Topic          string
	PayloadFactory func() interface{}
}

// ResolvedEvent is the result of decoding an outbox row.
type ResolvedEvent struct {
	Descriptor EventDescriptor
	Envelope   outbox.PayloadEnvelope
	Payload    interface{}
}

// EventRegistry maps each supported event type to its descriptor.
type EventRegistry struct {
	entries map[enums.OutboxEventType]EventDescriptor
}

// NonRetryableError signals the dispatcher should stop retrying a row.
type NonRetryableError struct {
	Err error
}

// Error implements error.
func (e NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable error"
	}
	return e.Err.Error()
}

// Unwrap exposes the wrapped error.
func (e NonRetryableError) Unwrap() error {
	return e.Err
}

// NewEventRegistry builds the registry with the configured topic names.
// Lifecycle facts go to the billing topic; anything a tenant must be told about goes to the notification topic.
func NewEventRegistry(cfg config.PubSubConfig) (*EventRegistry, error) {
	if cfg.BillingTopic == "" {
		return nil, fmt.Errorf("billing topic is required")
	}
	if cfg.NotificationTopic == "" {
		return nil, fmt.Errorf("notification topic is required")
	}

	reg := &EventRegistry{entries: make(map[enums.OutboxEventType]EventDescriptor)}
	billingTopic := cfg.BillingTopic
	notificationTopic := cfg.NotificationTopic

	subscriptionEvent := func() interface{} { return &payloads.SubscriptionEvent{} }
	paymentEvent := func() interface{} { return &payloads.PaymentEvent{} }
	planChangeEvent := func() interface{} { return &payloads.PlanChangeEvent{} }

	for eventType, topic := range map[enums.OutboxEventType]string{
		enums.EventTrialStarted:            billingTopic,
		enums.EventTrialExpired:            notificationTopic,
		enums.EventSubscriptionActivated:   billingTopic,
		enums.EventSubscriptionRenewed:     billingTopic,
		enums.EventSubscriptionWillCancel:  notificationTopic,
		enums.EventSubscriptionCancelled:   billingTopic,
		enums.EventSubscriptionReactivated: billingTopic,
		enums.EventSubscriptionPastDue:     notificationTopic,
		enums.EventSubscriptionExpired:     billingTopic,
	} {
		reg.register(EventDescriptor{
			EventType:      eventType,
			AggregateType:  enums.AggregateSubscription,
			Topic:          topic,
			PayloadFactory: subscriptionEvent,
		})
	}
	for eventType, topic := range map[enums.OutboxEventType]string{
		enums.EventPaymentSucceeded: billingTopic,
		enums.EventPaymentFailed:    notificationTopic,
	} {
		reg.register(EventDescriptor{
			EventType:      eventType,
			AggregateType:  enums.AggregatePayment,
			Topic:          topic,
			PayloadFactory: paymentEvent,
		})
	}
	for _, eventType := range []enums.OutboxEventType{
		enums.EventPlanUpgraded,
		enums.EventPlanDowngradeScheduled,
		enums.EventPlanChangeApplied,
		enums.EventPlanChangeExpired,
		enums.EventPlanChangeCancelled,
	} {
		reg.register(EventDescriptor{
			EventType:      eventType,
			AggregateType:  enums.AggregatePlanChange,
			Topic:          billingTopic,
			PayloadFactory: planChangeEvent,
		})
	}
	for _, desc := range []EventDescriptor{
		{
			EventType:      enums.EventTrialEndingReminder,
			AggregateType:  enums.AggregateSubscription,
			Topic:          notificationTopic,
			PayloadFactory: func() interface{} { return &payloads.TrialReminderEvent{} },
		},
		{
			EventType:      enums.EventRenewalPaymentRequired,
			AggregateType:  enums.AggregateSubscription,
			Topic:          notificationTopic,
			PayloadFactory: func() interface{} { return &payloads.RenewalPaymentRequiredEvent{} },
		},
		{
			EventType:      enums.EventInvoiceReady,
			AggregateType:  enums.AggregateInvoice,
			Topic:          notificationTopic,
			PayloadFactory: func() interface{} { return &payloads.InvoiceReadyEvent{} },
		},
	} {
		reg.register(desc)
	}

	return reg, nil
}

// Topics returns the distinct topics referenced by registered events.
func (r *EventRegistry) Topics() []string {
	seen := map[string]struct{}{}
	topics := []string{}
	for _, desc := range r.entries {
		if _, ok := seen[desc.Topic]; ok {
			continue
		}
		seen[desc.Topic] = struct{}{}
		topics = append(topics, desc.Topic)
	}
	sort.Strings(topics)
	return topics
}

func (r *EventRegistry) register(desc EventDescriptor) {
	if desc.PayloadFactory == nil {
		return
	}
	r.entries[desc.EventType] = desc
}

// Resolve validates the row and decodes its typed payload.
func (r *EventRegistry) Resolve(event models.OutboxEvent) (*ResolvedEvent, error) {
	desc, ok := r.entries[event.EventType]
	if !ok {
		return nil, NewNonRetryableError(fmt.Errorf("unsupported event type %s", event.EventType))
	}
	if desc.AggregateType != event.AggregateType {
		return nil, NewNonRetryableError(fmt.Errorf("aggregate mismatch: expected %s got %s", desc.AggregateType, event.AggregateType))
	}
	if event.AggregateID == uuid.Nil {
		return nil, NewNonRetryableError(fmt.Errorf("missing aggregate_id"))
	}

	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(event.Payload, &envelope); err != nil {
		return nil, NewNonRetryableError(fmt.Errorf("decode envelope: %w", err))
	}

	trimmed := bytes.TrimSpace(envelope.Data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, NewNonRetryableError(fmt.Errorf("payload missing for %s", event.EventType))
	}

	payload := desc.PayloadFactory()
	if payload == nil {
		return nil, NewNonRetryableError(fmt.Errorf("payload factory not configured for %s", event.EventType))
	}
	if err := json.Unmarshal(envelope.Data, payload); err != nil {
		return nil, NewNonRetryableError(fmt.Errorf("decode %s payload: %w", event.EventType, err))
	}

	return &ResolvedEvent{
		Descriptor: desc,
		Envelope:   envelope,
		Payload:    payload,
	}, nil
}

// NewNonRetryableError wraps an error to signal no retries.
func NewNonRetryableError(err error) NonRetryableError {
	return NonRetryableError{Err: err}
}
