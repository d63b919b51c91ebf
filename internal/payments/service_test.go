package payments_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/billing-engine/internal/billingtest"
	"github.com/angelmondragon/billing-engine/internal/payments"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
)

func stripeStack(t *testing.T) (*billingtest.Stack, *billingtest.FakeGateway) {
	t.Helper()
	s := billingtest.New(t)
	gw := billingtest.NewFakeGateway(enums.PaymentProviderStripe)
	gw.CustomerRef = "cus_123"
	s.Register(gw)
	return s, gw
}

func TestCreatePaymentIntentOpensPendingSignup(t *testing.T) {
	s, gw := stripeStack(t)
	ctx := context.Background()
	tenant := uuid.New()
	basic := s.Plan(enums.PlanTierBasic)

	res, err := s.Payments.CreatePaymentIntent(ctx, payments.IntentInput{
		TenantID:     tenant,
		PlanID:       basic.ID,
		BillingCycle: enums.BillingCycleMonthly,
		Buyer:        payments.Buyer{Email: "owner@example.com"},
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if res.ClientSecret == "" || !strings.HasPrefix(res.TransactionRef, "pi_SUB") {
		t.Fatalf("expected stripe client secret and SUB reference, got %+v", res)
	}
	if !res.Amount.Equal(basic.PriceFor(enums.BillingCycleMonthly)) {
		t.Fatalf("expected plan price, got %s", res.Amount)
	}

	sub := s.Reload(res.SubscriptionID)
	if sub.Status != enums.SubscriptionStatusPending || sub.TenantID != tenant {
		t.Fatalf("expected PENDING signup for tenant, got %s", sub.Status)
	}
	if sub.ProviderCustomerID == nil || *sub.ProviderCustomerID != "cus_123" {
		t.Fatalf("expected provider customer to be stored, got %v", sub.ProviderCustomerID)
	}
	payment := s.ReloadPayment(res.PaymentID)
	if payment.Status != enums.PaymentStatusPending || payment.Purpose != enums.PaymentPurposeSubscription {
		t.Fatalf("expected pending subscription payment, got %s/%s", payment.Status, payment.Purpose)
	}
	if len(gw.Charges) != 1 || gw.Charges[0].CustomerRef != "cus_123" || gw.Charges[0].OffSession {
		t.Fatalf("unexpected charge requests %+v", gw.Charges)
	}
}

func TestCreatePaymentIntentPurposeFollowsSubscription(t *testing.T) {
	s, _ := stripeStack(t)
	ctx := context.Background()

	trialing := s.Subscription(enums.PlanTierBasic, enums.SubscriptionStatusTrialing, enums.PaymentProviderStripe, "")
	res, err := s.Payments.CreatePaymentIntent(ctx, payments.IntentInput{TenantID: trialing.TenantID, PlanID: trialing.PlanID})
	if err != nil {
		t.Fatalf("trial intent: %v", err)
	}
	if got := s.ReloadPayment(res.PaymentID).Purpose; got != enums.PaymentPurposeSubscription {
		t.Fatalf("trial payment purpose = %s", got)
	}

	active := s.Subscription(enums.PlanTierBasic, enums.SubscriptionStatusActive, enums.PaymentProviderStripe, "")
	res, err = s.Payments.CreatePaymentIntent(ctx, payments.IntentInput{TenantID: active.TenantID, PlanID: active.PlanID})
	if err != nil {
		t.Fatalf("active intent: %v", err)
	}
	if got := s.ReloadPayment(res.PaymentID).Purpose; got != enums.PaymentPurposeRenewal {
		t.Fatalf("active payment purpose = %s", got)
	}
}

func TestCreatePaymentIntentRejectsOtherPlan(t *testing.T) {
	s, gw := stripeStack(t)
	sub := s.Subscription(enums.PlanTierBasic, enums.SubscriptionStatusActive, enums.PaymentProviderStripe, "")

	_, err := s.Payments.CreatePaymentIntent(context.Background(), payments.IntentInput{
		TenantID: sub.TenantID,
		PlanID:   s.Plan(enums.PlanTierPro).ID,
	})
	if !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(gw.Charges) != 0 {
		t.Fatalf("no charge expected")
	}
}

func TestCreatePaymentIntentWithoutGateway(t *testing.T) {
	s := billingtest.New(t)
	_, err := s.Payments.CreatePaymentIntent(context.Background(), payments.IntentInput{
		TenantID:     uuid.New(),
		PlanID:       s.Plan(enums.PlanTierBasic).ID,
		BillingCycle: enums.BillingCycleMonthly,
	})
	if !pkgerrors.IsCode(err, pkgerrors.CodeDependency) {
		t.Fatalf("expected dependency error, got %v", err)
	}
}

func TestConfirmPaymentSettlesThroughReconciler(t *testing.T) {
	s, gw := stripeStack(t)
	ctx := context.Background()
	sub := s.Subscription(enums.PlanTierBasic, enums.SubscriptionStatusPending, enums.PaymentProviderStripe, "")
	s.Payment(sub, "pi_confirm", enums.PaymentPurposeSubscription)
	gw.ConfirmResult = payments.ConfirmResult{Status: payments.ChargeSucceeded, PaymentMethodRef: "pm_card"}

	payment, err := s.Payments.ConfirmPayment(ctx, sub.TenantID, "pi_confirm", "pm_card")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if payment.Status != enums.PaymentStatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", payment.Status)
	}
	got := s.Reload(sub.ID)
	if got.Status != enums.SubscriptionStatusActive || !got.HasPaymentMethod() || *got.PaymentMethodRef != "pm_card" {
		t.Fatalf("expected active subscription with stored method, got %s", got.Status)
	}

	again, err := s.Payments.ConfirmPayment(ctx, sub.TenantID, "pi_confirm", "pm_card")
	if err != nil || again.Status != enums.PaymentStatusSucceeded {
		t.Fatalf("second confirm: %v", err)
	}
	if len(gw.Confirms) != 1 {
		t.Fatalf("settled payment must not be confirmed twice, got %d calls", len(gw.Confirms))
	}
	if n := s.Count("invoices", ""); n != 1 {
		t.Fatalf("expected one invoice, got %d", n)
	}
}

func TestConfirmPaymentDeclined(t *testing.T) {
	s, gw := stripeStack(t)
	sub := s.Subscription(enums.PlanTierBasic, enums.SubscriptionStatusActive, enums.PaymentProviderStripe, "")
	s.Payment(sub, "pi_declined", enums.PaymentPurposeRenewal)
	gw.ConfirmResult = payments.ConfirmResult{Status: payments.ChargeFailed, FailureReason: "card declined"}

	payment, err := s.Payments.ConfirmPayment(context.Background(), sub.TenantID, "pi_declined", "pm_card")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if payment.Status != enums.PaymentStatusFailed || payment.FailureReason == nil || *payment.FailureReason != "card declined" {
		t.Fatalf("expected FAILED with reason, got %+v", payment)
	}
	if got := s.Reload(sub.ID).Status; got != enums.SubscriptionStatusPastDue {
		t.Fatalf("expected PAST_DUE, got %s", got)
	}
}

func TestConfirmPaymentUnknownOutcomeStaysPending(t *testing.T) {
	s, gw := stripeStack(t)
	sub := s.Subscription(enums.PlanTierBasic, enums.SubscriptionStatusPending, enums.PaymentProviderStripe, "")
	s.Payment(sub, "pi_slow", enums.PaymentPurposeSubscription)
	gw.ConfirmErr = fmt.Errorf("STRIPE confirm_charge: %w", payments.ErrOutcomeUnknown)

	payment, err := s.Payments.ConfirmPayment(context.Background(), sub.TenantID, "pi_slow", "pm_card")
	if err != nil {
		t.Fatalf("unknown outcome must not fail the request: %v", err)
	}
	if payment.Status != enums.PaymentStatusPending {
		t.Fatalf("expected PENDING, got %s", payment.Status)
	}
	if got := s.Reload(sub.ID).Status; got != enums.SubscriptionStatusPending {
		t.Fatalf("subscription must wait for the webhook, got %s", got)
	}
}

func TestConfirmPaymentHidesOtherTenants(t *testing.T) {
	s, gw := stripeStack(t)
	sub := s.Subscription(enums.PlanTierBasic, enums.SubscriptionStatusPending, enums.PaymentProviderStripe, "")
	s.Payment(sub, "pi_owned", enums.PaymentPurposeSubscription)

	_, err := s.Payments.ConfirmPayment(context.Background(), uuid.New(), "pi_owned", "pm_card")
	if !pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	_, err = s.Payments.ConfirmPayment(context.Background(), sub.TenantID, "pi_missing", "pm_card")
	if !pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		t.Fatalf("expected not found for unknown ref, got %v", err)
	}
	if len(gw.Confirms) != 0 {
		t.Fatalf("gateway must not be called")
	}
}

func TestCreatePlanChangePayment(t *testing.T) {
	s, gw := stripeStack(t)
	ctx := context.Background()
	sub := s.Subscription(enums.PlanTierBasic, enums.SubscriptionStatusActive, enums.PaymentProviderStripe, "")
	result, err := s.Subscriptions.ChangePlan(ctx, sub.TenantID, sub.ID, s.Plan(enums.PlanTierPro).ID, "")
	if err != nil {
		t.Fatalf("change plan: %v", err)
	}
	change := result.PendingChange

	res, err := s.Payments.CreatePlanChangePayment(ctx, sub.TenantID, change.ID, payments.Buyer{})
	if err != nil {
		t.Fatalf("plan change payment: %v", err)
	}
	if !res.Amount.Equal(decimal.RequireFromString("50")) {
		t.Fatalf("expected proration amount, got %s", res.Amount)
	}
	payment := s.ReloadPayment(res.PaymentID)
	if payment.Purpose != enums.PaymentPurposePlanChange || payment.PendingChangeID == nil || *payment.PendingChangeID != change.ID {
		t.Fatalf("expected plan change payment linked to change, got %+v", payment)
	}
	if !strings.HasPrefix(gw.Charges[0].CorrelationID, "PLAN") {
		t.Fatalf("expected PLAN correlation, got %s", gw.Charges[0].CorrelationID)
	}

	s.Clock.Advance(25 * time.Hour)
	_, err = s.Payments.CreatePlanChangePayment(ctx, sub.TenantID, change.ID, payments.Buyer{})
	if !pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) {
		t.Fatalf("expected state conflict for expired change, got %v", err)
	}
}

func TestCreatePlanChangePaymentForDowngrade(t *testing.T) {
	s, _ := stripeStack(t)
	ctx := context.Background()
	sub := s.Subscription(enums.PlanTierPro, enums.SubscriptionStatusActive, enums.PaymentProviderStripe, "")
	result, err := s.Subscriptions.ChangePlan(ctx, sub.TenantID, sub.ID, s.Plan(enums.PlanTierBasic).ID, "")
	if err != nil {
		t.Fatalf("change plan: %v", err)
	}
	_, err = s.Payments.CreatePlanChangePayment(ctx, sub.TenantID, result.PendingChange.ID, payments.Buyer{})
	if !pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) {
		t.Fatalf("downgrades need no payment, got %v", err)
	}
}

func TestRenewalChargesStoredMethod(t *testing.T) {
	s, gw := stripeStack(t)
	ctx := context.Background()
	gw.ChargeStatus = payments.ChargeSucceeded
	sub := s.Subscription(enums.PlanTierBasic, enums.SubscriptionStatusActive, enums.PaymentProviderStripe, "pm_saved")
	s.Clock.Advance(31 * 24 * time.Hour)

	renewal := s.Payments.NewRenewal(enums.PaymentPurposeRenewal)
	renewed, err := s.Subscriptions.Renew(ctx, sub.ID, s.Clock.Now(), renewal.Hook)
	if err != nil || !renewed {
		t.Fatalf("renew: renewed=%v err=%v", renewed, err)
	}
	if err := renewal.Collect(ctx); err != nil {
		t.Fatalf("collect: %v", err)
	}

	if len(gw.Charges) != 1 || !gw.Charges[0].OffSession || gw.Charges[0].PaymentMethodRef != "pm_saved" {
		t.Fatalf("expected one off-session charge on the stored method, got %+v", gw.Charges)
	}
	if !strings.HasPrefix(gw.Charges[0].CorrelationID, "RNW") {
		t.Fatalf("expected RNW correlation, got %s", gw.Charges[0].CorrelationID)
	}
	if n := s.Count("subscription_payments", "status = ?", enums.PaymentStatusSucceeded); n != 1 {
		t.Fatalf("expected one settled payment, got %d", n)
	}
	if n := s.Count("invoices", ""); n != 1 {
		t.Fatalf("expected one invoice, got %d", n)
	}
	if got := s.Reload(sub.ID).Status; got != enums.SubscriptionStatusActive {
		t.Fatalf("expected ACTIVE, got %s", got)
	}
}

func TestRenewalGatewayErrorFailsPayment(t *testing.T) {
	s, gw := stripeStack(t)
	ctx := context.Background()
	gw.ChargeErr = errors.New("card_declined")
	sub := s.Subscription(enums.PlanTierBasic, enums.SubscriptionStatusActive, enums.PaymentProviderStripe, "pm_saved")
	s.Clock.Advance(31 * 24 * time.Hour)

	renewal := s.Payments.NewRenewal(enums.PaymentPurposeRenewal)
	if _, err := s.Subscriptions.Renew(ctx, sub.ID, s.Clock.Now(), renewal.Hook); err != nil {
		t.Fatalf("renew: %v", err)
	}
	if err := renewal.Collect(ctx); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if n := s.Count("subscription_payments", "status = ?", enums.PaymentStatusFailed); n != 1 {
		t.Fatalf("expected one failed payment, got %d", n)
	}
	if got := s.Reload(sub.ID).Status; got != enums.SubscriptionStatusPastDue {
		t.Fatalf("expected PAST_DUE, got %s", got)
	}
}

func TestRenewalTimeoutLeavesPaymentPending(t *testing.T) {
	s, gw := stripeStack(t)
	ctx := context.Background()
	gw.ChargeErr = fmt.Errorf("STRIPE create_charge: %w", payments.ErrOutcomeUnknown)
	sub := s.Subscription(enums.PlanTierBasic, enums.SubscriptionStatusActive, enums.PaymentProviderStripe, "pm_saved")
	s.Clock.Advance(31 * 24 * time.Hour)

	renewal := s.Payments.NewRenewal(enums.PaymentPurposeRenewal)
	if _, err := s.Subscriptions.Renew(ctx, sub.ID, s.Clock.Now(), renewal.Hook); err != nil {
		t.Fatalf("renew: %v", err)
	}
	if err := renewal.Collect(ctx); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if n := s.Count("subscription_payments", "status = ?", enums.PaymentStatusPending); n != 1 {
		t.Fatalf("expected pending payment, got %d", n)
	}
	if got := s.Reload(sub.ID).Status; got != enums.SubscriptionStatusActive {
		t.Fatalf("expected ACTIVE while outcome unknown, got %s", got)
	}
}

func TestRenewalWithoutOffSessionSupportRequestsPayment(t *testing.T) {
	s := billingtest.New(t)
	ctx := context.Background()
	sub := s.Subscription(enums.PlanTierBasic, enums.SubscriptionStatusActive, enums.PaymentProviderPayTR, "")
	s.Clock.Advance(31 * 24 * time.Hour)

	renewal := s.Payments.NewRenewal(enums.PaymentPurposeRenewal)
	if _, err := s.Subscriptions.Renew(ctx, sub.ID, s.Clock.Now(), renewal.Hook); err != nil {
		t.Fatalf("renew: %v", err)
	}
	if err := renewal.Collect(ctx); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if n := s.Count("subscription_payments", ""); n != 0 {
		t.Fatalf("hosted providers cannot be charged off-session, got %d payments", n)
	}
	events := s.Events(enums.AggregateSubscription, sub.ID)
	if !billingtest.HasEvent(events, enums.EventRenewalPaymentRequired) {
		t.Fatalf("expected renewal_payment_required, got %v", events)
	}
	renewed := s.Reload(sub.ID)
	where := "subscription_id = ? AND status = ? AND payment_id IS NULL"
	if n := s.Count("invoices", where, sub.ID, enums.InvoiceStatusOpen); n != 1 {
		t.Fatalf("expected one open renewal invoice, got %d", n)
	}
	overdue, err := s.Ledger.ListOverdue(ctx, s.Clock.Now().Add(billingtest.PaymentWindow), 10)
	if err != nil || len(overdue) != 1 || !overdue[0].PeriodStart.Equal(renewed.CurrentPeriodStart) {
		t.Fatalf("expected the renewal invoice due after the payment window, got %d %v", len(overdue), err)
	}
}

func TestHostedRenewalPaymentSettlesOpenInvoice(t *testing.T) {
	s := billingtest.New(t)
	ctx := context.Background()
	sub := s.Subscription(enums.PlanTierBasic, enums.SubscriptionStatusActive, enums.PaymentProviderPayTR, "")
	s.Clock.Advance(31 * 24 * time.Hour)

	renewal := s.Payments.NewRenewal(enums.PaymentPurposeRenewal)
	if _, err := s.Subscriptions.Renew(ctx, sub.ID, s.Clock.Now(), renewal.Hook); err != nil {
		t.Fatalf("renew: %v", err)
	}
	payment := s.Payment(sub, "PTRREN1", enums.PaymentPurposeRenewal)
	s.Clock.Advance(time.Hour)
	res, err := s.Reconciler.Apply(ctx, payments.Event{
		Provider:      enums.PaymentProviderPayTR,
		EventID:       "evt_renewal_paid",
		CorrelationID: payment.ProviderTransactionID,
		Outcome:       payments.OutcomeSucceeded,
	})
	if err != nil || res != payments.ResultApplied {
		t.Fatalf("apply: %s %v", res, err)
	}

	if n := s.Count("invoices", "subscription_id = ?", sub.ID); n != 1 {
		t.Fatalf("payment should settle the open invoice rather than issue another, got %d invoices", n)
	}
	if n := s.Count("invoices", "payment_id = ? AND status = ?", payment.ID, enums.InvoiceStatusPaid); n != 1 {
		t.Fatalf("expected the renewal invoice paid by the payment")
	}
	overdue, err := s.Ledger.ListOverdue(ctx, s.Clock.Now().Add(billingtest.PaymentWindow), 10)
	if err != nil || len(overdue) != 0 {
		t.Fatalf("settled invoice should not be overdue, got %d %v", len(overdue), err)
	}
}
