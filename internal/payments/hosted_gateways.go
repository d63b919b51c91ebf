package payments

import (
	"context"
	"net/url"
	"strings"

	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/iyzico"
	"github.com/angelmondragon/billing-engine/pkg/paytr"
)

func errHostedConfirm() error {
	return pkgerrors.New(pkgerrors.CodeValidation, "payment is completed on the provider's hosted page")
}

type paytrAPI interface {
	CreatePaymentLink(ctx context.Context, req paytr.LinkRequest) (*paytr.LinkResult, error)
	VerifyCallback(cb paytr.Callback) bool
}

type paytrGateway struct {
	api paytrAPI
}

// NewPayTRGateway adapts the PayTR link API. The tenant pays on the returned URL and PayTR posts the
// result to the callback; there is no stored-card charging.
func NewPayTRGateway(api paytrAPI) Gateway {
	return &paytrGateway{api: api}
}

func (g *paytrGateway) Provider() enums.PaymentProvider {
	return enums.PaymentProviderPayTR
}

func (g *paytrGateway) CreateCustomer(context.Context, CustomerRequest) (string, error) {
	return "", nil
}

func (g *paytrGateway) CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if req.OffSession {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "paytr does not support off-session charges")
	}
	link, err := g.api.CreatePaymentLink(ctx, paytr.LinkRequest{
		MerchantOID: req.CorrelationID,
		Email:       req.Buyer.Email,
		AmountKurus: paytr.ToKurus(req.Amount),
		Currency:    req.Currency,
		UserName:    req.Buyer.Name,
		UserPhone:   req.Buyer.Phone,
		UserAddress: req.Buyer.Address,
		UserIP:      req.Buyer.IP,
		Description: req.Description,
	})
	if err != nil {
		return nil, gatewayError(g.Provider(), "create payment link", err)
	}
	return &ChargeResult{TransactionRef: req.CorrelationID, RedirectURL: link.URL, Status: ChargePending}, nil
}

func (g *paytrGateway) ConfirmCharge(context.Context, ConfirmRequest) (*ConfirmResult, error) {
	return nil, errHostedConfirm()
}

// VerifyInboundEvent checks the hash PayTR embeds in the posted form; there is no signature header.
func (g *paytrGateway) VerifyInboundEvent(payload []byte, _ string) bool {
	form, err := url.ParseQuery(string(payload))
	if err != nil {
		return false
	}
	cb, err := paytr.ParseCallback(form)
	if err != nil {
		return false
	}
	return g.api.VerifyCallback(cb)
}

type iyzicoAPI interface {
	InitializeCheckoutForm(ctx context.Context, req iyzico.CheckoutFormRequest) (*iyzico.CheckoutForm, error)
	VerifySignatureV3(evt iyzico.WebhookEvent, signature string) bool
}

type iyzicoGateway struct {
	api iyzicoAPI
}

// NewIyzicoGateway adapts the Iyzico checkout form. The conversation id is the correlation id.
func NewIyzicoGateway(api iyzicoAPI) Gateway {
	return &iyzicoGateway{api: api}
}

func (g *iyzicoGateway) Provider() enums.PaymentProvider {
	return enums.PaymentProviderIyzico
}

func (g *iyzicoGateway) CreateCustomer(context.Context, CustomerRequest) (string, error) {
	return "", nil
}

func (g *iyzicoGateway) CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if req.OffSession {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "iyzico does not support off-session charges")
	}
	name, surname := splitName(req.Buyer.Name)
	form, err := g.api.InitializeCheckoutForm(ctx, iyzico.CheckoutFormRequest{
		ConversationID: req.CorrelationID,
		Price:          req.Amount,
		Currency:       req.Currency,
		Description:    req.Description,
		Buyer: iyzico.Buyer{
			ID:        req.Buyer.TenantID,
			Name:      name,
			Surname:   surname,
			Email:     req.Buyer.Email,
			GSMNumber: req.Buyer.Phone,
			Address:   req.Buyer.Address,
			IP:        req.Buyer.IP,
			City:      req.Buyer.City,
			Country:   req.Buyer.Country,
		},
	})
	if err != nil {
		return nil, gatewayError(g.Provider(), "initialize checkout form", err)
	}
	return &ChargeResult{TransactionRef: req.CorrelationID, RedirectURL: form.PaymentPageURL, Status: ChargePending}, nil
}

func (g *iyzicoGateway) ConfirmCharge(context.Context, ConfirmRequest) (*ConfirmResult, error) {
	return nil, errHostedConfirm()
}

func (g *iyzicoGateway) VerifyInboundEvent(payload []byte, signature string) bool {
	evt, err := iyzico.ParseWebhook(payload)
	if err != nil {
		return false
	}
	return g.api.VerifySignatureV3(evt, signature)
}

func splitName(full string) (string, string) {
	full = strings.TrimSpace(full)
	if full == "" {
		return "Tenant", "Account"
	}
	idx := strings.LastIndex(full, " ")
	if idx <= 0 {
		return full, full
	}
	return full[:idx], full[idx+1:]
}
