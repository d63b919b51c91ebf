package webhooks

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/billing-engine/internal/payments"
	"github.com/angelmondragon/billing-engine/pkg/enums"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		provider enums.PaymentProvider
		payload  string
		wantOK   bool
		wantErr  bool
		want     payments.Event
	}{
		{
			name:     "stripe failure carries decline message",
			provider: enums.PaymentProviderStripe,
			payload: `{"id":"evt_1","object":"event","type":"payment_intent.payment_failed","created":1700000000,` +
				`"data":{"object":{"id":"pi_1","object":"payment_intent","amount":1250,"currency":"usd",` +
				`"metadata":{"correlation_id":"RNWabc"},"last_payment_error":{"message":"insufficient funds"}}}}`,
			wantOK: true,
			want: payments.Event{
				EventID:       "evt_1",
				CorrelationID: "RNWabc",
				Outcome:       payments.OutcomeFailed,
				Amount:        decimal.RequireFromString("12.5"),
				Currency:      "USD",
				FailureReason: "insufficient funds",
			},
		},
		{
			name:     "stripe unrelated type",
			provider: enums.PaymentProviderStripe,
			payload:  `{"id":"evt_2","object":"event","type":"customer.created","data":{"object":{}}}`,
		},
		{
			name:     "square completed",
			provider: enums.PaymentProviderSquare,
			payload: `{"event_id":"sq_evt","type":"payment.updated","created_at":"2024-01-02T03:04:05Z",` +
				`"data":{"object":{"payment":{"id":"p1","status":"COMPLETED","reference_id":"SUBabc",` +
				`"amount_money":{"amount":999,"currency":"usd"}}}}}`,
			wantOK: true,
			want: payments.Event{
				EventID:       "sq_evt",
				CorrelationID: "SUBabc",
				Outcome:       payments.OutcomeSucceeded,
				Amount:        decimal.RequireFromString("9.99"),
				Currency:      "USD",
			},
		},
		{
			name:     "square approved is not final",
			provider: enums.PaymentProviderSquare,
			payload: `{"event_id":"sq_evt","type":"payment.updated",` +
				`"data":{"object":{"payment":{"id":"p1","status":"APPROVED","reference_id":"SUBabc"}}}}`,
		},
		{
			name:     "square without reference",
			provider: enums.PaymentProviderSquare,
			payload: `{"event_id":"sq_evt","type":"payment.updated",` +
				`"data":{"object":{"payment":{"id":"p1","status":"COMPLETED"}}}}`,
			wantErr: true,
		},
		{
			name:     "paytr success in lira",
			provider: enums.PaymentProviderPayTR,
			payload:  "merchant_oid=SUB1&status=success&total_amount=34900&hash=x&currency=TL",
			wantOK:   true,
			want: payments.Event{
				EventID:       "SUB1:success",
				CorrelationID: "SUB1",
				Outcome:       payments.OutcomeSucceeded,
				Amount:        decimal.RequireFromString("349"),
				Currency:      "TRY",
			},
		},
		{
			name:     "iyzico failure",
			provider: enums.PaymentProviderIyzico,
			payload: `{"iyziEventType":"CHECKOUT_FORM_AUTH","paymentId":"42","paymentConversationId":"PLANxyz",` +
				`"status":"failure","errorMessage":"Kart limiti yetersiz","paidPrice":"100.00","currency":"try"}`,
			wantOK: true,
			want: payments.Event{
				EventID:       "42:FAILURE",
				CorrelationID: "PLANxyz",
				Outcome:       payments.OutcomeFailed,
				Amount:        decimal.RequireFromString("100"),
				Currency:      "TRY",
				FailureReason: "Kart limiti yetersiz",
			},
		},
		{
			name:     "iyzico missing ids",
			provider: enums.PaymentProviderIyzico,
			payload:  `{"status":"success"}`,
			wantErr:  true,
		},
		{
			name:     "unknown provider",
			provider: enums.PaymentProvider("ADYEN"),
			payload:  `{}`,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := Parse(tt.provider, []byte(tt.payload))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if got.Provider != tt.provider {
				t.Fatalf("provider = %s", got.Provider)
			}
			if got.EventID != tt.want.EventID || got.CorrelationID != tt.want.CorrelationID {
				t.Fatalf("ids = %s/%s, want %s/%s", got.EventID, got.CorrelationID, tt.want.EventID, tt.want.CorrelationID)
			}
			if got.Outcome != tt.want.Outcome {
				t.Fatalf("outcome = %s, want %s", got.Outcome, tt.want.Outcome)
			}
			if !got.Amount.Equal(tt.want.Amount) || got.Currency != tt.want.Currency {
				t.Fatalf("amount = %s %s, want %s %s", got.Amount, got.Currency, tt.want.Amount, tt.want.Currency)
			}
			if got.FailureReason != tt.want.FailureReason {
				t.Fatalf("failure reason = %q, want %q", got.FailureReason, tt.want.FailureReason)
			}
		})
	}
}
