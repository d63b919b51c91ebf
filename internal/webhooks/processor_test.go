package webhooks_test

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/angelmondragon/billing-engine/internal/billingtest"
	"github.com/angelmondragon/billing-engine/internal/payments"
	"github.com/angelmondragon/billing-engine/internal/webhooks"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/paytr"
	"github.com/angelmondragon/billing-engine/pkg/redis"
	stripeclient "github.com/angelmondragon/billing-engine/pkg/stripe"
)

const stripeSecret = "whsec_test_secret"

// signingStripe verifies signatures like the real client and refuses every API call.
type signingStripe struct{}

func (signingStripe) CreateCustomer(context.Context, stripeclient.CustomerParams) (string, error) {
	return "", errors.New("not used")
}

func (signingStripe) CreatePaymentIntent(context.Context, stripeclient.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return nil, errors.New("not used")
}

func (signingStripe) ConfirmPaymentIntent(context.Context, string, string) (*stripe.PaymentIntent, error) {
	return nil, errors.New("not used")
}

func (signingStripe) ConstructEvent(payload []byte, signature string) (stripe.Event, error) {
	return stripeclient.ConstructEvent(payload, signature, stripeSecret)
}

type hashingPayTR struct {
	key, salt string
}

func (hashingPayTR) CreatePaymentLink(context.Context, paytr.LinkRequest) (*paytr.LinkResult, error) {
	return nil, errors.New("not used")
}

func (h hashingPayTR) VerifyCallback(cb paytr.Callback) bool {
	return paytr.VerifyCallback(h.key, h.salt, cb)
}

func newProcessor(t *testing.T, s *billingtest.Stack, reconciler payments.Reconciler) (*webhooks.Processor, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewFromRaw(goredis.NewClient(&goredis.Options{Addr: srv.Addr()}))
	t.Cleanup(func() { _ = client.Close() })
	guard, err := webhooks.NewIdempotencyGuard(client, time.Hour, "webhook")
	require.NoError(t, err)

	s.Register(payments.NewStripeGateway(signingStripe{}))
	s.Register(payments.NewPayTRGateway(hashingPayTR{key: "merchant-key", salt: "merchant-salt"}))
	if reconciler == nil {
		reconciler = s.Reconciler
	}
	processor, err := webhooks.NewProcessor(webhooks.ProcessorParams{
		Gateways:   s.Gateways,
		Reconciler: reconciler,
		Guard:      guard,
		Logger:     s.Logger,
	})
	require.NoError(t, err)
	return processor, srv
}

func signedIntentEvent(t *testing.T, eventID, eventType, intentID string, amount int64, metadata string) (payload []byte, header string) {
	t.Helper()
	raw := fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"created":%d,"api_version":"2020-01-01",`+
		`"data":{"object":{"id":%q,"object":"payment_intent","amount":%d,"currency":"usd","status":"succeeded","metadata":{%s}}}}`,
		eventID, eventType, time.Now().Unix(), intentID, amount, metadata)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(raw),
		Secret:    stripeSecret,
		Timestamp: time.Now(),
	})
	return signed.Payload, signed.Header
}

func TestSameStripeDeliveryTwiceSettlesOnce(t *testing.T) {
	s := billingtest.New(t)
	processor, _ := newProcessor(t, s, nil)
	ctx := context.Background()
	sub := s.Subscription(enums.PlanTierBasic, enums.SubscriptionStatusPending, enums.PaymentProviderStripe, "")
	payment := s.Payment(sub, "pi_123", enums.PaymentPurposeSubscription)

	payload, header := signedIntentEvent(t, "evt_same", "payment_intent.succeeded", "pi_123", 2999, "")
	first, err := processor.Process(ctx, enums.PaymentProviderStripe, payload, header)
	require.NoError(t, err)
	require.Equal(t, payments.ResultApplied, first)

	second, err := processor.Process(ctx, enums.PaymentProviderStripe, payload, header)
	require.NoError(t, err)
	require.Equal(t, payments.ResultDuplicate, second)

	require.Equal(t, enums.PaymentStatusSucceeded, s.ReloadPayment(payment.ID).Status)
	require.EqualValues(t, 1, s.Count("subscription_payments", "status = ?", enums.PaymentStatusSucceeded))
	require.EqualValues(t, 1, s.Count("invoices", ""))
	require.Equal(t, enums.SubscriptionStatusActive, s.Reload(sub.ID).Status)
}

func TestRedeliveryWithNewEventIDIsStillOneInvoice(t *testing.T) {
	s := billingtest.New(t)
	processor, _ := newProcessor(t, s, nil)
	ctx := context.Background()
	sub := s.Subscription(enums.PlanTierBasic, enums.SubscriptionStatusActive, enums.PaymentProviderStripe, "pm_card_visa")
	s.Payment(sub, "RNWcorrelation", enums.PaymentPurposeRenewal)

	meta := fmt.Sprintf(`%q:%q`, payments.CorrelationMetadataKey, "RNWcorrelation")
	for _, id := range []string{"evt_a", "evt_b"} {
		payload, header := signedIntentEvent(t, id, "payment_intent.succeeded", "pi_offsession", 2999, meta)
		_, err := processor.Process(ctx, enums.PaymentProviderStripe, payload, header)
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, s.Count("invoices", ""))
}

func TestInvalidSignatureWritesNothing(t *testing.T) {
	s := billingtest.New(t)
	processor, srv := newProcessor(t, s, nil)
	ctx := context.Background()
	sub := s.Subscription(enums.PlanTierBasic, enums.SubscriptionStatusPending, enums.PaymentProviderStripe, "")
	payment := s.Payment(sub, "pi_bad", enums.PaymentPurposeSubscription)
	events := s.Count("outbox_events", "")

	payload, _ := signedIntentEvent(t, "evt_forged", "payment_intent.succeeded", "pi_bad", 2999, "")
	_, err := processor.Process(ctx, enums.PaymentProviderStripe, payload, "t=1,v1=deadbeef")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeUnauthorized), "expected unauthorized, got %v", err)

	require.Equal(t, enums.PaymentStatusPending, s.ReloadPayment(payment.ID).Status)
	require.Equal(t, enums.SubscriptionStatusPending, s.Reload(sub.ID).Status)
	require.EqualValues(t, 0, s.Count("invoices", ""))
	require.Equal(t, events, s.Count("outbox_events", ""))
	require.Empty(t, srv.Keys())
}

func TestIrrelevantStripeEventIsIgnored(t *testing.T) {
	s := billingtest.New(t)
	processor, _ := newProcessor(t, s, nil)
	payload, header := signedIntentEvent(t, "evt_other", "payment_intent.created", "pi_x", 100, "")

	result, err := processor.Process(context.Background(), enums.PaymentProviderStripe, payload, header)
	require.NoError(t, err)
	require.Equal(t, payments.ResultIgnored, result)
}

func TestPayTRCallbackFailsPayment(t *testing.T) {
	s := billingtest.New(t)
	processor, _ := newProcessor(t, s, nil)
	sub := s.Subscription(enums.PlanTierBasic, enums.SubscriptionStatusActive, enums.PaymentProviderPayTR, "")
	payment := s.Payment(sub, "RNW0001", enums.PaymentPurposeRenewal)

	form := url.Values{}
	form.Set("merchant_oid", "RNW0001")
	form.Set("status", paytr.StatusFailed)
	form.Set("total_amount", "2999")
	form.Set("failed_reason_msg", "Yetersiz bakiye")
	form.Set("hash", paytr.CallbackHash("merchant-key", "merchant-salt", "RNW0001", paytr.StatusFailed, "2999"))

	result, err := processor.Process(context.Background(), enums.PaymentProviderPayTR, []byte(form.Encode()), "")
	require.NoError(t, err)
	require.Equal(t, payments.ResultApplied, result)

	got := s.ReloadPayment(payment.ID)
	require.Equal(t, enums.PaymentStatusFailed, got.Status)
	require.Equal(t, "Yetersiz bakiye", *got.FailureReason)
	require.Equal(t, enums.SubscriptionStatusPastDue, s.Reload(sub.ID).Status)
}

func TestPayTRTamperedAmountIsRejected(t *testing.T) {
	s := billingtest.New(t)
	processor, _ := newProcessor(t, s, nil)
	form := url.Values{}
	form.Set("merchant_oid", "SUB1")
	form.Set("status", paytr.StatusSuccess)
	form.Set("total_amount", "1")
	form.Set("hash", paytr.CallbackHash("merchant-key", "merchant-salt", "SUB1", paytr.StatusSuccess, "2999"))

	_, err := processor.Process(context.Background(), enums.PaymentProviderPayTR, []byte(form.Encode()), "")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeUnauthorized))
}

type flakyReconciler struct {
	calls int
}

func (f *flakyReconciler) Apply(context.Context, payments.Event) (payments.Result, error) {
	f.calls++
	if f.calls == 1 {
		return "", pkgerrors.New(pkgerrors.CodeDependency, "database unavailable")
	}
	return payments.ResultApplied, nil
}

func TestRetryableFailureReleasesIdempotencyKey(t *testing.T) {
	s := billingtest.New(t)
	flaky := &flakyReconciler{}
	processor, _ := newProcessor(t, s, flaky)
	payload, header := signedIntentEvent(t, "evt_retry", "payment_intent.succeeded", "pi_retry", 100, "")

	_, err := processor.Process(context.Background(), enums.PaymentProviderStripe, payload, header)
	require.True(t, pkgerrors.IsRetryable(err), "expected retryable error, got %v", err)

	result, err := processor.Process(context.Background(), enums.PaymentProviderStripe, payload, header)
	require.NoError(t, err)
	require.Equal(t, payments.ResultApplied, result)
	require.Equal(t, 2, flaky.calls)
}
