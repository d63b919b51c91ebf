package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/iyzico"
	"github.com/angelmondragon/billing-engine/pkg/paytr"
)

type fakePayTR struct {
	last  paytr.LinkRequest
	err   error
	valid bool
}

func (f *fakePayTR) CreatePaymentLink(_ context.Context, req paytr.LinkRequest) (*paytr.LinkResult, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &paytr.LinkResult{Token: "tok", URL: "https://www.paytr.com/odeme/guvenli/tok"}, nil
}

func (f *fakePayTR) VerifyCallback(paytr.Callback) bool { return f.valid }

type fakeIyzico struct {
	last  iyzico.CheckoutFormRequest
	valid bool
}

func (f *fakeIyzico) InitializeCheckoutForm(_ context.Context, req iyzico.CheckoutFormRequest) (*iyzico.CheckoutForm, error) {
	f.last = req
	return &iyzico.CheckoutForm{Status: iyzico.StatusSuccess, PaymentPageURL: "https://sandbox.iyzipay.com/pay"}, nil
}

func (f *fakeIyzico) VerifySignatureV3(iyzico.WebhookEvent, string) bool { return f.valid }

func TestPayTRChargeReturnsHostedLink(t *testing.T) {
	api := &fakePayTR{}
	gw := NewPayTRGateway(api)
	res, err := gw.CreateCharge(context.Background(), ChargeRequest{
		Amount:        decimal.RequireFromString("199.90"),
		Currency:      "TRY",
		CorrelationID: "SUBabc123",
		Buyer:         Buyer{Name: "Ada Lovelace", Email: "ada@example.com", IP: "10.0.0.1"},
	})
	if err != nil {
		t.Fatalf("create charge: %v", err)
	}
	if res.RedirectURL == "" || res.TransactionRef != "SUBabc123" || res.Status != ChargePending {
		t.Fatalf("unexpected result %+v", res)
	}
	if api.last.AmountKurus != 19990 || api.last.MerchantOID != "SUBabc123" || api.last.UserIP != "10.0.0.1" {
		t.Fatalf("unexpected link request %+v", api.last)
	}

	if _, err := gw.CreateCharge(context.Background(), ChargeRequest{OffSession: true}); !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error for off-session, got %v", err)
	}
	if _, err := gw.ConfirmCharge(context.Background(), ConfirmRequest{}); !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("hosted payments have no confirm step, got %v", err)
	}
}

func TestPayTRTransportErrorIsDependency(t *testing.T) {
	gw := NewPayTRGateway(&fakePayTR{err: errors.New("dial tcp: timeout")})
	_, err := gw.CreateCharge(context.Background(), ChargeRequest{CorrelationID: "SUBx"})
	if !pkgerrors.IsCode(err, pkgerrors.CodeDependency) {
		t.Fatalf("expected dependency error, got %v", err)
	}
}

func TestPayTRVerifiesPostedForm(t *testing.T) {
	form := []byte("merchant_oid=SUBabc&status=success&total_amount=19990&hash=abc")
	if !NewPayTRGateway(&fakePayTR{valid: true}).VerifyInboundEvent(form, "") {
		t.Fatalf("expected a complete form with a valid hash to verify")
	}
	if NewPayTRGateway(&fakePayTR{valid: true}).VerifyInboundEvent([]byte("status=success"), "") {
		t.Fatalf("a form missing identity fields must not verify")
	}
	if NewPayTRGateway(&fakePayTR{}).VerifyInboundEvent(form, "") {
		t.Fatalf("a bad hash must not verify")
	}
}

func TestIyzicoChargeSplitsBuyerName(t *testing.T) {
	api := &fakeIyzico{}
	res, err := NewIyzicoGateway(api).CreateCharge(context.Background(), ChargeRequest{
		Amount:        decimal.RequireFromString("99.90"),
		Currency:      "TRY",
		CorrelationID: "CHGabc",
		Buyer:         Buyer{TenantID: "t-1", Name: "Grace Brewster Hopper"},
	})
	if err != nil {
		t.Fatalf("create charge: %v", err)
	}
	if res.RedirectURL != "https://sandbox.iyzipay.com/pay" || res.TransactionRef != "CHGabc" {
		t.Fatalf("unexpected result %+v", res)
	}
	if api.last.ConversationID != "CHGabc" || api.last.Buyer.Name != "Grace Brewster" || api.last.Buyer.Surname != "Hopper" {
		t.Fatalf("unexpected checkout request %+v", api.last)
	}
}

func TestIyzicoVerifiesParsedWebhook(t *testing.T) {
	payload := []byte(`{"iyziEventType":"CHECKOUT_FORM_AUTH","paymentId":"1","paymentConversationId":"CHGabc","status":"SUCCESS"}`)
	if !NewIyzicoGateway(&fakeIyzico{valid: true}).VerifyInboundEvent(payload, "sig") {
		t.Fatalf("expected valid webhook to verify")
	}
	if NewIyzicoGateway(&fakeIyzico{valid: true}).VerifyInboundEvent([]byte(`{}`), "sig") {
		t.Fatalf("an incomplete webhook must not verify")
	}
}

func TestSplitName(t *testing.T) {
	cases := map[string][2]string{
		"":             {"Tenant", "Account"},
		"Cher":         {"Cher", "Cher"},
		"  Ada Byron ": {"Ada", "Byron"},
	}
	for in, want := range cases {
		name, surname := splitName(in)
		if name != want[0] || surname != want[1] {
			t.Fatalf("splitName(%q) = %q %q", in, name, surname)
		}
	}
}
