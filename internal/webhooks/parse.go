package webhooks

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v82"

	"github.com/angelmondragon/billing-engine/internal/payments"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	"github.com/angelmondragon/billing-engine/pkg/iyzico"
	"github.com/angelmondragon/billing-engine/pkg/paytr"
)

// Parse decodes a verified provider payload into a payment event. ok is false for notification types
// that carry no payment outcome.
func Parse(provider enums.PaymentProvider, payload []byte) (evt payments.Event, ok bool, err error) {
	switch provider {
	case enums.PaymentProviderStripe:
		return parseStripe(payload)
	case enums.PaymentProviderSquare:
		return parseSquare(payload)
	case enums.PaymentProviderPayTR:
		return parsePayTR(payload)
	case enums.PaymentProviderIyzico:
		return parseIyzico(payload)
	default:
		return payments.Event{}, false, fmt.Errorf("%w %q", errUnsupportedProvider, provider)
	}
}

func parseStripe(payload []byte) (payments.Event, bool, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return payments.Event{}, false, fmt.Errorf("decode stripe event: %w", err)
	}
	var outcome payments.Outcome
	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded:
		outcome = payments.OutcomeSucceeded
	case stripe.EventTypePaymentIntentPaymentFailed:
		outcome = payments.OutcomeFailed
	default:
		return payments.Event{}, false, nil
	}
	if event.ID == "" || event.Data == nil {
		return payments.Event{}, false, fmt.Errorf("stripe event missing id or data")
	}
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return payments.Event{}, false, fmt.Errorf("decode payment intent: %w", err)
	}
	if intent.ID == "" {
		return payments.Event{}, false, fmt.Errorf("stripe event missing payment intent id")
	}

	evt := payments.Event{
		Provider:      enums.PaymentProviderStripe,
		EventID:       event.ID,
		CorrelationID: intent.ID,
		Outcome:       outcome,
		Amount:        decimal.New(intent.Amount, -2),
		Currency:      strings.ToUpper(string(intent.Currency)),
		OccurredAt:    time.Unix(event.Created, 0).UTC(),
	}
	if ref := intent.Metadata[payments.CorrelationMetadataKey]; ref != "" {
		evt.CorrelationID = ref
	}
	if intent.LastPaymentError != nil {
		evt.FailureReason = intent.LastPaymentError.Msg
	}
	if outcome == payments.OutcomeSucceeded && intent.PaymentMethod != nil {
		evt.PaymentMethodRef = intent.PaymentMethod.ID
	}
	return evt, true, nil
}

type squareNotification struct {
	EventID   string `json:"event_id"`
	Type      string `json:"type"`
	CreatedAt string `json:"created_at"`
	Data      struct {
		Object struct {
			Payment *squarePayment `json:"payment"`
		} `json:"object"`
	} `json:"data"`
}

type squarePayment struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	ReferenceID string `json:"reference_id"`
	AmountMoney struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	} `json:"amount_money"`
	CardDetails *struct {
		Status string   `json:"status"`
		Errors []string `json:"errors"`
	} `json:"card_details"`
}

func parseSquare(payload []byte) (payments.Event, bool, error) {
	var note squareNotification
	if err := json.Unmarshal(payload, &note); err != nil {
		return payments.Event{}, false, fmt.Errorf("decode square notification: %w", err)
	}
	switch strings.ToLower(note.Type) {
	case "payment.created", "payment.updated":
	default:
		return payments.Event{}, false, nil
	}
	payment := note.Data.Object.Payment
	if note.EventID == "" || payment == nil {
		return payments.Event{}, false, fmt.Errorf("square notification missing event id or payment")
	}

	var outcome payments.Outcome
	switch strings.ToUpper(payment.Status) {
	case "COMPLETED":
		outcome = payments.OutcomeSucceeded
	case "FAILED", "CANCELED":
		outcome = payments.OutcomeFailed
	default:
		return payments.Event{}, false, nil
	}
	if payment.ReferenceID == "" {
		return payments.Event{}, false, fmt.Errorf("square payment %s has no reference id", payment.ID)
	}

	evt := payments.Event{
		Provider:      enums.PaymentProviderSquare,
		EventID:       note.EventID,
		CorrelationID: payment.ReferenceID,
		Outcome:       outcome,
		Amount:        decimal.New(payment.AmountMoney.Amount, -2),
		Currency:      strings.ToUpper(payment.AmountMoney.Currency),
	}
	if at, err := time.Parse(time.RFC3339, note.CreatedAt); err == nil {
		evt.OccurredAt = at.UTC()
	}
	if outcome == payments.OutcomeFailed {
		evt.FailureReason = "square payment " + strings.ToLower(payment.Status)
		if payment.CardDetails != nil && len(payment.CardDetails.Errors) > 0 {
			evt.FailureReason = strings.Join(payment.CardDetails.Errors, ", ")
		}
	}
	return evt, true, nil
}

// parsePayTR reads the posted callback form. PayTR repeats the same form on retries, so the merchant
// order id and status identify the delivery.
func parsePayTR(payload []byte) (payments.Event, bool, error) {
	form, err := url.ParseQuery(string(payload))
	if err != nil {
		return payments.Event{}, false, fmt.Errorf("decode paytr callback: %w", err)
	}
	cb, err := paytr.ParseCallback(form)
	if err != nil {
		return payments.Event{}, false, err
	}
	evt := payments.Event{
		Provider:      enums.PaymentProviderPayTR,
		EventID:       cb.MerchantOID + ":" + cb.Status,
		CorrelationID: cb.MerchantOID,
		Outcome:       payments.OutcomeFailed,
		Amount:        cb.Amount(),
		Currency:      strings.ToUpper(cb.Currency),
	}
	if cb.Status == paytr.StatusSuccess {
		evt.Outcome = payments.OutcomeSucceeded
	} else {
		evt.FailureReason = strings.TrimSpace(cb.FailedReasonMsg)
		if evt.FailureReason == "" && cb.FailedReasonCode != "" {
			evt.FailureReason = "paytr failure " + cb.FailedReasonCode
		}
	}
	if evt.Currency == "TL" {
		evt.Currency = "TRY"
	}
	return evt, true, nil
}

func parseIyzico(payload []byte) (payments.Event, bool, error) {
	hook, err := iyzico.ParseWebhook(payload)
	if err != nil {
		return payments.Event{}, false, err
	}
	evt := payments.Event{
		Provider:      enums.PaymentProviderIyzico,
		EventID:       hook.PaymentID + ":" + strings.ToUpper(hook.Status),
		CorrelationID: hook.ConversationID,
		Outcome:       payments.OutcomeFailed,
		Currency:      strings.ToUpper(hook.Currency),
		FailureReason: hook.ErrorMessage,
	}
	if hook.Succeeded() {
		evt.Outcome = payments.OutcomeSucceeded
		evt.FailureReason = ""
	}
	if price, err := decimal.NewFromString(hook.PaidPrice); err == nil {
		evt.Amount = price
	}
	if hook.EventTime > 0 {
		evt.OccurredAt = time.UnixMilli(hook.EventTime).UTC()
	}
	return evt, true, nil
}
