package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	sq "github.com/square/square-go-sdk"

	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/square"
)

type fakeSquare struct {
	paymentStatus string
	paymentErr    error
	cardErr       error
	payments      []square.PaymentCreateParams
	cards         []square.CardCreateParams
}

func strPtr(v string) *string { return &v }

func (f *fakeSquare) EnsureCustomer(_ context.Context, params square.CustomerCreateParams) (*sq.Customer, error) {
	return &sq.Customer{ID: strPtr("cust_" + params.ReferenceID[:8])}, nil
}

func (f *fakeSquare) CreatePayment(_ context.Context, params square.PaymentCreateParams) (*sq.Payment, error) {
	f.payments = append(f.payments, params)
	if f.paymentErr != nil {
		return nil, f.paymentErr
	}
	return &sq.Payment{ID: strPtr("sqpay_1"), Status: strPtr(f.paymentStatus)}, nil
}

func (f *fakeSquare) CreateCard(_ context.Context, params square.CardCreateParams) (*sq.Card, error) {
	f.cards = append(f.cards, params)
	if f.cardErr != nil {
		return nil, f.cardErr
	}
	return &sq.Card{ID: strPtr("ccof:card_1")}, nil
}

func (f *fakeSquare) LocationID() string { return "LOC1" }

func (f *fakeSquare) VerifySignature([]byte, string) bool { return true }

func TestSquareOnSessionChargeWaitsForConfirm(t *testing.T) {
	api := &fakeSquare{}
	res, err := NewSquareGateway(api).CreateCharge(context.Background(), ChargeRequest{CorrelationID: "SUBabc"})
	if err != nil {
		t.Fatalf("create charge: %v", err)
	}
	if res.TransactionRef != "SUBabc" || res.Status != ChargePending || len(api.payments) != 0 {
		t.Fatalf("expected a reserved reference and no payment, got %+v", res)
	}
}

func TestSquareConfirmStoresCardForRenewals(t *testing.T) {
	api := &fakeSquare{paymentStatus: "COMPLETED"}
	res, err := NewSquareGateway(api).ConfirmCharge(context.Background(), ConfirmRequest{
		TransactionRef:   "SUBabc",
		PaymentMethodRef: "cnon:nonce",
		CustomerRef:      "cust_1",
		Amount:           decimal.RequireFromString("29.99"),
		Currency:         "USD",
	})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if res.Status != ChargeSucceeded || res.PaymentMethodRef != "ccof:card_1" {
		t.Fatalf("unexpected result %+v", res)
	}
	if api.payments[0].AmountCents != 2999 || api.payments[0].ReferenceID != "SUBabc" || api.payments[0].IdempotencyKey != "SUBabc" {
		t.Fatalf("unexpected payment params %+v", api.payments[0])
	}
	if len(api.cards) != 1 || api.cards[0].SourceID != "sqpay_1" || api.cards[0].CustomerID != "cust_1" {
		t.Fatalf("expected the completed payment to be vaulted, got %+v", api.cards)
	}
	if len(api.cards[0].IdempotencyKey) > 45 {
		t.Fatalf("card idempotency key too long: %q", api.cards[0].IdempotencyKey)
	}
}

func TestSquareConfirmWithoutVaultedCardKeepsPayment(t *testing.T) {
	api := &fakeSquare{paymentStatus: "COMPLETED", cardErr: errors.New("card declined for storage")}
	res, err := NewSquareGateway(api).ConfirmCharge(context.Background(), ConfirmRequest{
		TransactionRef:   "SUBabc",
		PaymentMethodRef: "cnon:nonce",
		CustomerRef:      "cust_1",
	})
	if err != nil {
		t.Fatalf("vault failure must not fail the payment: %v", err)
	}
	if res.Status != ChargeSucceeded || res.PaymentMethodRef != "" {
		t.Fatalf("a nonce is single use and must not be stored, got %+v", res)
	}
}

func TestSquareDeclineAndPendingAreNotVaulted(t *testing.T) {
	api := &fakeSquare{paymentErr: pkgerrors.New(pkgerrors.CodePaymentFailed, "card declined")}
	gw := NewSquareGateway(api)
	res, err := gw.ConfirmCharge(context.Background(), ConfirmRequest{TransactionRef: "SUBx", PaymentMethodRef: "cnon:1", CustomerRef: "cust_1"})
	if err != nil || res.Status != ChargeFailed {
		t.Fatalf("expected failed result, got %+v (%v)", res, err)
	}

	api = &fakeSquare{paymentStatus: "APPROVED"}
	res, err = NewSquareGateway(api).ConfirmCharge(context.Background(), ConfirmRequest{TransactionRef: "SUBy", PaymentMethodRef: "cnon:1", CustomerRef: "cust_1"})
	if err != nil || res.Status != ChargePending {
		t.Fatalf("expected pending result, got %+v (%v)", res, err)
	}
	if len(api.cards) != 0 {
		t.Fatalf("only completed payments are vaulted")
	}

	if _, err := gw.ConfirmCharge(context.Background(), ConfirmRequest{TransactionRef: "SUBz"}); !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error without a card source, got %v", err)
	}
}

func TestSquareOffSessionChargesStoredCard(t *testing.T) {
	api := &fakeSquare{paymentStatus: "COMPLETED"}
	gw := NewSquareGateway(api)
	res, err := gw.CreateCharge(context.Background(), ChargeRequest{
		CorrelationID:    "RNWabc",
		OffSession:       true,
		PaymentMethodRef: "ccof:card_1",
		CustomerRef:      "cust_1",
		Amount:           decimal.NewFromInt(10),
		Currency:         "USD",
	})
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if res.Status != ChargeSucceeded || res.TransactionRef != "RNWabc" || api.payments[0].SourceID != "ccof:card_1" {
		t.Fatalf("unexpected result %+v", res)
	}

	ref, err := gw.CreateCustomer(context.Background(), CustomerRequest{TenantID: uuid.MustParse("abcdef12-0000-0000-0000-000000000000")})
	if err != nil || ref != "cust_abcdef12" {
		t.Fatalf("unexpected customer %q (%v)", ref, err)
	}
}
