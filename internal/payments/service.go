package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-engine/internal/subscriptions"
	dbpkg "github.com/angelmondragon/billing-engine/pkg/db"
	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/logger"
	"github.com/angelmondragon/billing-engine/pkg/outbox"
	"github.com/angelmondragon/billing-engine/pkg/outbox/payloads"
)

// SubscriptionSource is the slice of the subscription service payments depend on.
type SubscriptionSource interface {
	GetOpen(ctx context.Context, tenantID uuid.UUID) (*models.Subscription, error)
	Get(ctx context.Context, tenantID, subscriptionID uuid.UUID) (*models.Subscription, error)
	PrepareSignup(ctx context.Context, input subscriptions.SignupInput) (*models.Subscription, error)
	AttachCustomer(ctx context.Context, subscriptionID uuid.UUID, customerRef string) error
	GetChange(ctx context.Context, tenantID, changeID uuid.UUID) (*models.PendingPlanChange, *models.Subscription, error)
}

// GatewaySource hands out the gateway for a provider.
type GatewaySource interface {
	Get(provider enums.PaymentProvider) (Gateway, error)
}

// RenewalInvoicer opens the invoice a hosted renewal is paid against.
type RenewalInvoicer interface {
	OpenRenewalInvoice(ctx context.Context, tx *gorm.DB, sub models.Subscription, dueAt time.Time) (*models.Invoice, bool, error)
}

type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

const defaultPaymentWindow = 72 * time.Hour

// ServiceParams groups dependencies for the payments service.
type ServiceParams struct {
	Repo          Repository
	Subscriptions SubscriptionSource
	Gateways      GatewaySource
	Reconciler    Reconciler
	Invoices      RenewalInvoicer
	Outbox        outbox.Emitter
	Tx            TxRunner
	Logger        *logger.Logger
	Now           func() time.Time
	// PaymentWindow is how long a renewal without a stored method stays payable before the subscription
	// goes PAST_DUE.
	PaymentWindow time.Duration
}

// Service opens, confirms and collects subscription payments.
type Service struct {
	repo       Repository
	subs       SubscriptionSource
	gateways   GatewaySource
	reconciler Reconciler
	invoices   RenewalInvoicer
	outbox     outbox.Emitter
	tx         TxRunner
	logg       *logger.Logger
	now        func() time.Time
	window     time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, errors.New("payment repository is required")
	}
	if params.Subscriptions == nil {
		return nil, errors.New("subscription source is required")
	}
	if params.Gateways == nil {
		return nil, errors.New("gateway source is required")
	}
	if params.Reconciler == nil {
		return nil, errors.New("reconciler is required")
	}
	if params.Invoices == nil {
		return nil, errors.New("renewal invoicer is required")
	}
	if params.Outbox == nil {
		return nil, errors.New("outbox emitter is required")
	}
	if params.Tx == nil {
		return nil, errors.New("transaction runner is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	window := params.PaymentWindow
	if window <= 0 {
		window = defaultPaymentWindow
	}
	return &Service{
		repo:       params.Repo,
		subs:       params.Subscriptions,
		gateways:   params.Gateways,
		reconciler: params.Reconciler,
		invoices:   params.Invoices,
		outbox:     params.Outbox,
		tx:         params.Tx,
		logg:       params.Logger,
		now:        now,
		window:     window,
	}, nil
}

// IntentInput asks for a charge covering the tenant's subscription on planID.
type IntentInput struct {
	TenantID     uuid.UUID
	PlanID       uuid.UUID
	BillingCycle enums.BillingCycle
	Provider     enums.PaymentProvider
	Region       string
	Buyer        Buyer
}

// IntentResult is what the tenant's client needs to complete the payment.
type IntentResult struct {
	PaymentID      uuid.UUID             `json:"paymentId"`
	SubscriptionID uuid.UUID             `json:"subscriptionId"`
	Provider       enums.PaymentProvider `json:"provider"`
	TransactionRef string                `json:"transactionRef"`
	ClientSecret   string                `json:"clientSecret,omitempty"`
	RedirectURL    string                `json:"redirectUrl,omitempty"`
	Amount         decimal.Decimal       `json:"amount"`
	Currency       string                `json:"currency"`
}

// CreatePaymentIntent opens a charge for the tenant's open subscription, or for a PENDING signup when the
// tenant has none. The payment row is keyed by the ref the provider reports back.
func (s *Service) CreatePaymentIntent(ctx context.Context, input IntentInput) (*IntentResult, error) {
	if input.TenantID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "tenant id is required")
	}
	if input.PlanID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan id is required")
	}

	sub, err := s.subs.GetOpen(ctx, input.TenantID)
	if err != nil {
		return nil, err
	}
	purpose := enums.PaymentPurposeSubscription
	switch {
	case sub == nil:
		sub, err = s.subs.PrepareSignup(ctx, subscriptions.SignupInput{
			TenantID:     input.TenantID,
			PlanID:       input.PlanID,
			BillingCycle: input.BillingCycle,
			Provider:     input.Provider,
			Region:       input.Region,
		})
		if err != nil {
			return nil, err
		}
	case sub.PlanID != input.PlanID:
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription is on another plan; request a plan change instead").
			WithDetails(map[string]any{"subscriptionId": sub.ID})
	case sub.Status != enums.SubscriptionStatusTrialing:
		purpose = enums.PaymentPurposeRenewal
	}

	gw, err := s.gateways.Get(sub.PaymentProvider)
	if err != nil {
		return nil, err
	}
	customerRef, err := s.ensureCustomer(ctx, gw, sub, input.Buyer)
	if err != nil {
		return nil, err
	}

	correlation := NewCorrelationID(purpose, sub.ID, s.now().UTC())
	buyer := input.Buyer
	buyer.TenantID = input.TenantID.String()
	res, err := gw.CreateCharge(ctx, ChargeRequest{
		Amount:        sub.Amount,
		Currency:      sub.Currency,
		CustomerRef:   customerRef,
		CorrelationID: correlation,
		Description:   fmt.Sprintf("%s subscription %s", strings.ToLower(string(sub.BillingCycle)), sub.ID),
		Metadata: map[string]string{
			"tenant_id":       input.TenantID.String(),
			"subscription_id": sub.ID.String(),
			"purpose":         string(purpose),
		},
		Buyer: buyer,
	})
	if err != nil {
		return nil, err
	}

	payment := &models.SubscriptionPayment{
		SubscriptionID:        sub.ID,
		Provider:              sub.PaymentProvider,
		ProviderTransactionID: res.TransactionRef,
		Amount:                sub.Amount,
		Currency:              sub.Currency,
		Status:                enums.PaymentStatusPending,
		Purpose:               purpose,
		CreatedAt:             s.now().UTC(),
	}
	if err := s.insert(ctx, payment); err != nil {
		return nil, err
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"tenant_id":       input.TenantID.String(),
		"subscription_id": sub.ID.String(),
		"payment_id":      payment.ID.String(),
		"provider":        payment.Provider,
		"purpose":         purpose,
	})
	s.logg.Info(logCtx, "payment intent created")
	return intentResult(payment, res), nil
}

// CreatePlanChangePayment opens the proration charge for an upgrade waiting on payment.
func (s *Service) CreatePlanChangePayment(ctx context.Context, tenantID, changeID uuid.UUID, buyer Buyer) (*IntentResult, error) {
	change, sub, err := s.subs.GetChange(ctx, tenantID, changeID)
	if err != nil {
		return nil, err
	}
	if change.PaymentStatus != enums.PlanChangeStatusPending || !change.PaymentRequired {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("plan change is %s and needs no payment", change.PaymentStatus))
	}
	if change.ExpiresAt != nil && !change.ExpiresAt.After(s.now().UTC()) {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "plan change expired")
	}

	gw, err := s.gateways.Get(sub.PaymentProvider)
	if err != nil {
		return nil, err
	}
	customerRef, err := s.ensureCustomer(ctx, gw, sub, buyer)
	if err != nil {
		return nil, err
	}
	buyer.TenantID = sub.TenantID.String()
	res, err := gw.CreateCharge(ctx, ChargeRequest{
		Amount:        change.ProrationAmount,
		Currency:      change.Currency,
		CustomerRef:   customerRef,
		CorrelationID: NewCorrelationID(enums.PaymentPurposePlanChange, change.ID, s.now().UTC()),
		Description:   "plan upgrade proration",
		Metadata: map[string]string{
			"tenant_id":       sub.TenantID.String(),
			"subscription_id": sub.ID.String(),
			"change_id":       change.ID.String(),
			"purpose":         string(enums.PaymentPurposePlanChange),
		},
		Buyer: buyer,
	})
	if err != nil {
		return nil, err
	}

	changeRef := change.ID
	payment := &models.SubscriptionPayment{
		SubscriptionID:        sub.ID,
		PendingChangeID:       &changeRef,
		Provider:              sub.PaymentProvider,
		ProviderTransactionID: res.TransactionRef,
		Amount:                change.ProrationAmount,
		Currency:              change.Currency,
		Status:                enums.PaymentStatusPending,
		Purpose:               enums.PaymentPurposePlanChange,
		CreatedAt:             s.now().UTC(),
	}
	if err := s.insert(ctx, payment); err != nil {
		return nil, err
	}
	return intentResult(payment, res), nil
}

// ConfirmPayment completes a charge with the tenant's payment method. A settled outcome goes through the
// reconciler like a webhook would; an unknown one leaves the payment PENDING.
func (s *Service) ConfirmPayment(ctx context.Context, tenantID uuid.UUID, transactionRef, methodRef string) (*models.SubscriptionPayment, error) {
	transactionRef = strings.TrimSpace(transactionRef)
	if transactionRef == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "transaction ref is required")
	}
	payment, err := s.repo.FindByTransaction(ctx, transactionRef)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment")
	}
	if payment == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
	}
	sub, err := s.subs.Get(ctx, tenantID, payment.SubscriptionID)
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
		}
		return nil, err
	}
	if payment.Status != enums.PaymentStatusPending {
		return payment, nil
	}

	gw, err := s.gateways.Get(payment.Provider)
	if err != nil {
		return nil, err
	}
	customerRef := ""
	if sub.ProviderCustomerID != nil {
		customerRef = *sub.ProviderCustomerID
	}
	res, err := gw.ConfirmCharge(ctx, ConfirmRequest{
		TransactionRef:   payment.ProviderTransactionID,
		PaymentMethodRef: strings.TrimSpace(methodRef),
		CustomerRef:      customerRef,
		Amount:           payment.Amount,
		Currency:         payment.Currency,
	})
	if err != nil {
		if errors.Is(err, ErrOutcomeUnknown) {
			s.logg.Warn(s.paymentCtx(ctx, payment), "payment confirmation outcome unknown; waiting for webhook")
			return payment, nil
		}
		return nil, err
	}

	if outcome, ok := outcomeOf(res.Status); ok {
		method := res.PaymentMethodRef
		if method == "" {
			method = strings.TrimSpace(methodRef)
		}
		_, err := s.reconciler.Apply(ctx, Event{
			Provider:         payment.Provider,
			EventID:          "confirm:" + payment.ProviderTransactionID,
			CorrelationID:    payment.ProviderTransactionID,
			Outcome:          outcome,
			Amount:           payment.Amount,
			Currency:         payment.Currency,
			FailureReason:    res.FailureReason,
			PaymentMethodRef: method,
			OccurredAt:       s.now().UTC(),
		})
		if err != nil {
			return nil, err
		}
	}

	updated, err := s.repo.FindByID(ctx, payment.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload payment")
	}
	return updated, nil
}

// History lists a tenant subscription's payments, newest first.
func (s *Service) History(ctx context.Context, tenantID, subscriptionID uuid.UUID) ([]models.SubscriptionPayment, error) {
	if _, err := s.subs.Get(ctx, tenantID, subscriptionID); err != nil {
		return nil, err
	}
	payments, err := s.repo.ListBySubscription(ctx, subscriptionID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list payments")
	}
	return payments, nil
}

func (s *Service) ensureCustomer(ctx context.Context, gw Gateway, sub *models.Subscription, buyer Buyer) (string, error) {
	if sub.ProviderCustomerID != nil && *sub.ProviderCustomerID != "" {
		return *sub.ProviderCustomerID, nil
	}
	ref, err := gw.CreateCustomer(ctx, CustomerRequest{TenantID: sub.TenantID, Email: buyer.Email, Name: buyer.Name})
	if err != nil {
		return "", err
	}
	if ref == "" {
		return "", nil
	}
	if err := s.subs.AttachCustomer(ctx, sub.ID, ref); err != nil {
		return "", err
	}
	return ref, nil
}

func (s *Service) insert(ctx context.Context, payment *models.SubscriptionPayment) error {
	if err := s.repo.Create(ctx, payment); err != nil {
		if dbpkg.IsUniqueViolation(err, "") {
			return pkgerrors.New(pkgerrors.CodeConflict, "payment already recorded for this transaction")
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create payment")
	}
	return nil
}

func (s *Service) paymentCtx(ctx context.Context, payment *models.SubscriptionPayment) context.Context {
	return s.logg.WithFields(ctx, map[string]any{
		"payment_id":      payment.ID.String(),
		"subscription_id": payment.SubscriptionID.String(),
		"provider":        payment.Provider,
		"transaction_ref": payment.ProviderTransactionID,
	})
}

func intentResult(payment *models.SubscriptionPayment, res *ChargeResult) *IntentResult {
	return &IntentResult{
		PaymentID:      payment.ID,
		SubscriptionID: payment.SubscriptionID,
		Provider:       payment.Provider,
		TransactionRef: payment.ProviderTransactionID,
		ClientSecret:   res.ClientSecret,
		RedirectURL:    res.RedirectURL,
		Amount:         payment.Amount,
		Currency:       payment.Currency,
	}
}

func outcomeOf(status ChargeStatus) (Outcome, bool) {
	switch status {
	case ChargeSucceeded:
		return OutcomeSucceeded, true
	case ChargeFailed:
		return OutcomeFailed, true
	default:
		return "", false
	}
}

// Renewal requests payment for periods opened by the scheduler. Hook runs inside the period transaction
// and records what to charge; Collect charges stored methods once that transaction committed.
type Renewal struct {
	svc     *Service
	purpose enums.PaymentPurpose
	charges []models.SubscriptionPayment
	methods map[uuid.UUID]offSession
}

type offSession struct {
	customerRef string
	methodRef   string
}

// NewRenewal starts a batch of period charges tagged with purpose.
func (s *Service) NewRenewal(purpose enums.PaymentPurpose) *Renewal {
	return &Renewal{svc: s, purpose: purpose, methods: map[uuid.UUID]offSession{}}
}

// Hook implements subscriptions.PeriodHook. Providers without off-session charging, and subscriptions
// without a stored method, get an open invoice due after the payment window and a
// renewal_payment_required event instead of a charge.
func (r *Renewal) Hook(ctx context.Context, tx *gorm.DB, sub *models.Subscription) error {
	now := r.svc.now().UTC()
	if !sub.PaymentProvider.SupportsOffSessionCharges() || !sub.HasPaymentMethod() {
		invoice, _, err := r.svc.invoices.OpenRenewalInvoice(ctx, tx, *sub, now.Add(r.svc.window))
		if err != nil {
			return err
		}
		err = r.svc.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventRenewalPaymentRequired,
			AggregateType: enums.AggregateSubscription,
			AggregateID:   sub.ID,
			Actor:         outbox.Actor(ctx, sub.TenantID),
			Data: payloads.RenewalPaymentRequiredEvent{
				SubscriptionID: sub.ID,
				TenantID:       sub.TenantID,
				InvoiceID:      invoice.ID,
				InvoiceNumber:  invoice.InvoiceNumber,
				Provider:       sub.PaymentProvider,
				Amount:         invoice.Total,
				Currency:       sub.Currency,
				PeriodStart:    sub.CurrentPeriodStart,
				PeriodEnd:      sub.CurrentPeriodEnd,
				DueDate:        *invoice.DueDate,
			},
			OccurredAt: now,
		})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "emit renewal_payment_required")
		}
		return nil
	}

	payment := models.SubscriptionPayment{
		SubscriptionID:        sub.ID,
		Provider:              sub.PaymentProvider,
		ProviderTransactionID: NewCorrelationID(r.purpose, sub.ID, now),
		Amount:                sub.Amount,
		Currency:              sub.Currency,
		Status:                enums.PaymentStatusPending,
		Purpose:               r.purpose,
		CreatedAt:             now,
	}
	if err := r.svc.repo.WithTx(tx).Create(ctx, &payment); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create renewal payment")
	}
	method := offSession{methodRef: *sub.PaymentMethodRef}
	if sub.ProviderCustomerID != nil {
		method.customerRef = *sub.ProviderCustomerID
	}
	r.charges = append(r.charges, payment)
	r.methods[payment.ID] = method
	return nil
}

// Collect charges every payment recorded by Hook. Timeouts leave the payment PENDING for the webhook;
// any other gateway error counts as a failed charge.
func (r *Renewal) Collect(ctx context.Context) error {
	var errs error
	for _, payment := range r.charges {
		if err := r.collect(ctx, payment); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("payment %s: %w", payment.ID, err))
		}
	}
	r.charges = nil
	return errs
}

func (r *Renewal) collect(ctx context.Context, payment models.SubscriptionPayment) error {
	s := r.svc
	logCtx := s.paymentCtx(ctx, &payment)
	gw, err := s.gateways.Get(payment.Provider)
	if err != nil {
		return err
	}
	method := r.methods[payment.ID]
	res, err := gw.CreateCharge(ctx, ChargeRequest{
		Amount:           payment.Amount,
		Currency:         payment.Currency,
		CustomerRef:      method.customerRef,
		PaymentMethodRef: method.methodRef,
		OffSession:       true,
		CorrelationID:    payment.ProviderTransactionID,
		Description:      "subscription renewal",
		Metadata: map[string]string{
			"subscription_id": payment.SubscriptionID.String(),
			"purpose":         string(payment.Purpose),
		},
	})
	if errors.Is(err, ErrOutcomeUnknown) {
		s.logg.Warn(logCtx, "renewal charge outcome unknown; waiting for webhook")
		return nil
	}
	if err != nil {
		s.logg.Error(logCtx, "renewal charge failed", err)
		res = &ChargeResult{Status: ChargeFailed, FailureReason: err.Error()}
	}
	outcome, settled := outcomeOf(res.Status)
	if !settled {
		return nil
	}
	_, err = s.reconciler.Apply(ctx, Event{
		Provider:      payment.Provider,
		EventID:       "charge:" + payment.ProviderTransactionID,
		CorrelationID: payment.ProviderTransactionID,
		Outcome:       outcome,
		Amount:        payment.Amount,
		Currency:      payment.Currency,
		FailureReason: res.FailureReason,
		OccurredAt:    s.now().UTC(),
	})
	return err
}
