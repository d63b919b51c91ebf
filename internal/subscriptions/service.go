package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-engine/internal/billing"
	"github.com/angelmondragon/billing-engine/internal/limits"
	dbpkg "github.com/angelmondragon/billing-engine/pkg/db"
	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/logger"
	"github.com/angelmondragon/billing-engine/pkg/outbox"
)

const (
	defaultChangeTTL        = 24 * time.Hour
	defaultRenewalLookahead = 24 * time.Hour
)

// PlanCatalog resolves plans for new subscriptions and plan changes.
type PlanCatalog interface {
	GetPlan(ctx context.Context, id uuid.UUID) (*models.Plan, error)
	GetActivePlan(ctx context.Context, id uuid.UUID) (*models.Plan, error)
}

// UsageChecker reports which limits of a target plan the tenant's usage does not fit.
type UsageChecker interface {
	DowngradeViolations(ctx context.Context, tenantID uuid.UUID, target models.Plan) ([]limits.Violation, error)
}

// InvoiceIssuer records settled zero-amount invoices for trial and free periods and closes the renewal
// invoices a subscription leaves unpaid.
type InvoiceIssuer interface {
	CreateZeroInvoice(ctx context.Context, tx *gorm.DB, sub models.Subscription, description string) (*models.Invoice, error)
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]models.Invoice, error)
	FindOpen(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.Invoice, error)
	CloseOpen(ctx context.Context, tx *gorm.DB, subscriptionID uuid.UUID, to enums.InvoiceStatus) (int, error)
}

// ProviderResolver picks the payment provider for a tenant region.
type ProviderResolver interface {
	ResolveProvider(region string) enums.PaymentProvider
}

type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// PeriodHook runs inside the transaction that opened a new paid period, with the subscription row locked.
type PeriodHook func(ctx context.Context, tx *gorm.DB, sub *models.Subscription) error

// ServiceParams groups dependencies for the subscription service.
type ServiceParams struct {
	Repo             Repository
	Plans            PlanCatalog
	Usage            UsageChecker
	Invoices         InvoiceIssuer
	Outbox           outbox.Emitter
	Tx               TxRunner
	Providers        ProviderResolver
	Logger           *logger.Logger
	PendingChangeTTL time.Duration
	RenewalLookahead time.Duration
	Now              func() time.Time
}

// Service owns subscription status, billing periods and plan changes.
type Service struct {
	repo      Repository
	plans     PlanCatalog
	usage     UsageChecker
	invoices  InvoiceIssuer
	outbox    outbox.Emitter
	tx        TxRunner
	providers ProviderResolver
	resolver  *LivePlanResolver
	logg      *logger.Logger
	changeTTL time.Duration
	lookahead time.Duration
	now       func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, errors.New("subscription repository is required")
	}
	if params.Plans == nil {
		return nil, errors.New("plan catalog is required")
	}
	if params.Usage == nil {
		return nil, errors.New("usage checker is required")
	}
	if params.Invoices == nil {
		return nil, errors.New("invoice issuer is required")
	}
	if params.Outbox == nil {
		return nil, errors.New("outbox emitter is required")
	}
	if params.Tx == nil {
		return nil, errors.New("transaction runner is required")
	}
	if params.Providers == nil {
		return nil, errors.New("provider resolver is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	changeTTL := params.PendingChangeTTL
	if changeTTL <= 0 {
		changeTTL = defaultChangeTTL
	}
	lookahead := params.RenewalLookahead
	if lookahead < 0 {
		lookahead = defaultRenewalLookahead
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		repo:      params.Repo,
		plans:     params.Plans,
		usage:     params.Usage,
		invoices:  params.Invoices,
		outbox:    params.Outbox,
		tx:        params.Tx,
		providers: params.Providers,
		resolver:  NewLivePlanResolver(params.Repo, params.Plans),
		logg:      params.Logger,
		changeTTL: changeTTL,
		lookahead: lookahead,
		now:       now,
	}, nil
}

// CreateInput captures the data required to start a subscription.
type CreateInput struct {
	TenantID         uuid.UUID
	PlanID           uuid.UUID
	BillingCycle     enums.BillingCycle
	PaymentMethodRef *string
	Provider         enums.PaymentProvider
	Region           string
}

// Create starts a subscription. A trial is granted once per tenant on non-free plans with trial days.
func (s *Service) Create(ctx context.Context, input CreateInput) (*models.Subscription, error) {
	if err := validateStart(input.TenantID, input.BillingCycle); err != nil {
		return nil, err
	}
	plan, err := s.plans.GetActivePlan(ctx, input.PlanID)
	if err != nil {
		return nil, err
	}
	provider, err := s.resolveProvider(input.Provider, input.Region)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	var created *models.Subscription
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		live, err := repo.FindLive(ctx, input.TenantID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load live subscription")
		}
		if live != nil {
			return pkgerrors.New(pkgerrors.CodeConflict, "tenant already has an active subscription").
				WithDetails(map[string]any{"subscriptionId": live.ID})
		}
		hadTrial, err := repo.HasHadTrial(ctx, input.TenantID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check trial history")
		}
		if err := s.supersedeSignup(ctx, tx, input.TenantID, now); err != nil {
			return err
		}

		sub := &models.Subscription{
			TenantID:         input.TenantID,
			PlanID:           plan.ID,
			BillingCycle:     input.BillingCycle,
			PaymentProvider:  provider,
			Amount:           plan.EffectivePrice(input.BillingCycle, now),
			Currency:         plan.Currency,
			StartDate:        now,
			AutoRenew:        true,
			PaymentMethodRef: trimmedRef(input.PaymentMethodRef),
			CreatedAt:        now,
		}
		trial := plan.TrialDays > 0 && !plan.IsFree() && !hadTrial
		eventType := enums.EventSubscriptionActivated
		if trial {
			trialEnd := billing.AddDays(now, plan.TrialDays)
			sub.Status = enums.SubscriptionStatusTrialing
			sub.IsTrialPeriod = true
			sub.TrialStart = &now
			sub.TrialEnd = &trialEnd
			sub.CurrentPeriodStart = now
			sub.CurrentPeriodEnd = trialEnd
			eventType = enums.EventTrialStarted
		} else {
			sub.Status = enums.SubscriptionStatusActive
			sub.CurrentPeriodStart = now
			sub.CurrentPeriodEnd = billing.AddBillingPeriod(now, input.BillingCycle)
		}

		if err := repo.Create(ctx, sub); err != nil {
			if dbpkg.IsUniqueViolation(err, "") {
				return pkgerrors.New(pkgerrors.CodeConflict, "tenant already has an active subscription")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create subscription")
		}
		if trial || plan.IsFree() {
			if err := s.issueZeroInvoice(ctx, tx, sub, plan, trial); err != nil {
				return err
			}
		}
		if err := s.emitSubscription(ctx, tx, eventType, sub, "", ""); err != nil {
			return err
		}
		created = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"tenant_id":       created.TenantID.String(),
		"subscription_id": created.ID.String(),
		"plan":            plan.Name,
		"status":          created.Status,
		"provider":        created.PaymentProvider,
	})
	s.logg.Info(logCtx, "subscription created")
	return created, nil
}

// SignupInput describes a paid subscription that becomes ACTIVE once its first payment succeeds.
type SignupInput struct {
	TenantID     uuid.UUID
	PlanID       uuid.UUID
	BillingCycle enums.BillingCycle
	Provider     enums.PaymentProvider
	Region       string
}

// PrepareSignup creates or refreshes the tenant's PENDING subscription awaiting its first payment.
func (s *Service) PrepareSignup(ctx context.Context, input SignupInput) (*models.Subscription, error) {
	if err := validateStart(input.TenantID, input.BillingCycle); err != nil {
		return nil, err
	}
	plan, err := s.plans.GetActivePlan(ctx, input.PlanID)
	if err != nil {
		return nil, err
	}
	if plan.IsFree() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "free plans do not require payment")
	}
	provider, err := s.resolveProvider(input.Provider, input.Region)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	var pending *models.Subscription
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		live, err := repo.FindLive(ctx, input.TenantID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load live subscription")
		}
		if live != nil {
			return pkgerrors.New(pkgerrors.CodeConflict, "tenant already has an active subscription")
		}
		sub, err := repo.FindPendingSignup(ctx, input.TenantID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load pending signup")
		}
		if sub == nil {
			sub = &models.Subscription{
				TenantID:  input.TenantID,
				Status:    enums.SubscriptionStatusPending,
				AutoRenew: true,
				CreatedAt: now,
			}
		}
		sub.PlanID = plan.ID
		sub.BillingCycle = input.BillingCycle
		sub.PaymentProvider = provider
		sub.Amount = plan.EffectivePrice(input.BillingCycle, now)
		sub.Currency = plan.Currency
		sub.StartDate = now
		sub.CurrentPeriodStart = now
		sub.CurrentPeriodEnd = billing.AddBillingPeriod(now, input.BillingCycle)

		if sub.ID == uuid.Nil {
			err = repo.Create(ctx, sub)
		} else {
			err = repo.Save(ctx, sub)
		}
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save pending signup")
		}
		pending = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pending, nil
}

// GetCurrent returns the tenant's live subscription, or nil when there is none.
func (s *Service) GetCurrent(ctx context.Context, tenantID uuid.UUID) (*models.Subscription, error) {
	sub, err := s.repo.FindLive(ctx, tenantID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load live subscription")
	}
	return sub, nil
}

// GetOpen returns the tenant's newest subscription that still expects payments, PAST_DUE included.
func (s *Service) GetOpen(ctx context.Context, tenantID uuid.UUID) (*models.Subscription, error) {
	sub, err := s.repo.FindLatestOpen(ctx, tenantID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
	}
	return sub, nil
}

// Get loads a subscription owned by the tenant. A nil tenant skips the ownership check.
func (s *Service) Get(ctx context.Context, tenantID, subscriptionID uuid.UUID) (*models.Subscription, error) {
	sub, err := s.repo.FindByID(ctx, subscriptionID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
	}
	if err := checkOwner(sub, tenantID); err != nil {
		return nil, err
	}
	return sub, nil
}

// History lists every subscription the tenant ever had, newest first.
func (s *Service) History(ctx context.Context, tenantID uuid.UUID) ([]models.Subscription, error) {
	subs, err := s.repo.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list subscriptions")
	}
	return subs, nil
}

// Cancel ends the subscription now or flags it to end with the current period.
func (s *Service) Cancel(ctx context.Context, tenantID, subscriptionID uuid.UUID, immediate bool, reason string) (*models.Subscription, error) {
	now := s.now().UTC()
	var result *models.Subscription
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		sub, err := s.lockOwned(ctx, repo, tenantID, subscriptionID)
		if err != nil {
			return err
		}
		if sub.Status.IsTerminal() {
			return pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("subscription is already %s", sub.Status))
		}
		if trimmed := strings.TrimSpace(reason); trimmed != "" {
			sub.CancellationReason = &trimmed
		}

		previous := sub.Status
		eventType := enums.EventSubscriptionWillCancel
		if immediate {
			if err := checkTransition(sub, enums.SubscriptionStatusCancelled); err != nil {
				return err
			}
			moveTo(sub, enums.SubscriptionStatusCancelled, now)
			eventType = enums.EventSubscriptionCancelled
		} else {
			if sub.CancelAtPeriodEnd {
				result = sub
				return nil
			}
			sub.CancelAtPeriodEnd = true
			sub.AutoRenew = false
		}
		if err := repo.Save(ctx, sub); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save subscription")
		}
		if err := s.cancelOpenChange(ctx, tx, sub, "subscription_cancelled"); err != nil {
			return err
		}
		if immediate {
			if err := s.closeOpenInvoices(ctx, tx, sub); err != nil {
				return err
			}
		}
		if err := s.emitSubscription(ctx, tx, eventType, sub, previous, reason); err != nil {
			return err
		}
		result = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"subscription_id": result.ID.String(),
		"immediate":       immediate,
	})
	s.logg.Info(logCtx, "subscription cancellation recorded")
	return result, nil
}

// Reactivate withdraws an at-period-end cancellation.
func (s *Service) Reactivate(ctx context.Context, tenantID, subscriptionID uuid.UUID) (*models.Subscription, error) {
	var result *models.Subscription
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		sub, err := s.lockOwned(ctx, repo, tenantID, subscriptionID)
		if err != nil {
			return err
		}
		if sub.Status.IsTerminal() {
			return pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("subscription is already %s", sub.Status))
		}
		if !sub.CancelAtPeriodEnd {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "subscription is not scheduled for cancellation")
		}
		sub.CancelAtPeriodEnd = false
		sub.AutoRenew = true
		sub.CancellationReason = nil
		if err := repo.Save(ctx, sub); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save subscription")
		}
		if err := s.emitSubscription(ctx, tx, enums.EventSubscriptionReactivated, sub, sub.Status, ""); err != nil {
			return err
		}
		result = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SettingsInput holds the tenant-editable subscription settings.
type SettingsInput struct {
	AutoRenew        *bool
	PaymentMethodRef *string
}

// UpdateSettings changes auto-renewal or the stored payment method.
func (s *Service) UpdateSettings(ctx context.Context, tenantID, subscriptionID uuid.UUID, input SettingsInput) (*models.Subscription, error) {
	var result *models.Subscription
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		sub, err := s.lockOwned(ctx, repo, tenantID, subscriptionID)
		if err != nil {
			return err
		}
		if sub.Status.IsTerminal() {
			return pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("subscription is already %s", sub.Status))
		}
		if input.AutoRenew != nil {
			if *input.AutoRenew && sub.CancelAtPeriodEnd {
				return pkgerrors.New(pkgerrors.CodeValidation, "subscription is scheduled for cancellation; reactivate it instead")
			}
			sub.AutoRenew = *input.AutoRenew
		}
		if input.PaymentMethodRef != nil {
			sub.PaymentMethodRef = trimmedRef(input.PaymentMethodRef)
		}
		if err := repo.Save(ctx, sub); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save subscription")
		}
		result = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AttachCustomer stores the provider-side customer created for the subscription's tenant.
func (s *Service) AttachCustomer(ctx context.Context, subscriptionID uuid.UUID, customerRef string) error {
	ref := trimmedRef(&customerRef)
	if ref == nil {
		return nil
	}
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		sub, err := s.lockOwned(ctx, repo, uuid.Nil, subscriptionID)
		if err != nil {
			return err
		}
		sub.ProviderCustomerID = ref
		if err := repo.Save(ctx, sub); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save provider customer")
		}
		return nil
	})
}

// RecordPaymentMethod stores the method a successful payment was made with, inside the caller's
// transaction. Terminal subscriptions and blank refs are ignored.
func (s *Service) RecordPaymentMethod(ctx context.Context, tx *gorm.DB, subscriptionID uuid.UUID, methodRef string) error {
	ref := trimmedRef(&methodRef)
	if ref == nil {
		return nil
	}
	repo := s.repo.WithTx(tx)
	sub, err := s.lockOwned(ctx, repo, uuid.Nil, subscriptionID)
	if err != nil {
		return err
	}
	if sub.Status.IsTerminal() || (sub.PaymentMethodRef != nil && *sub.PaymentMethodRef == *ref) {
		return nil
	}
	sub.PaymentMethodRef = ref
	if err := repo.Save(ctx, sub); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save payment method")
	}
	return nil
}

func (s *Service) supersedeSignup(ctx context.Context, tx *gorm.DB, tenantID uuid.UUID, now time.Time) error {
	repo := s.repo.WithTx(tx)
	pending, err := repo.FindPendingSignup(ctx, tenantID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load pending signup")
	}
	if pending == nil {
		return nil
	}
	reason := "superseded"
	pending.CancellationReason = &reason
	moveTo(pending, enums.SubscriptionStatusCancelled, now)
	if err := repo.Save(ctx, pending); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "close pending signup")
	}
	return nil
}

func (s *Service) issueZeroInvoice(ctx context.Context, tx *gorm.DB, sub *models.Subscription, plan *models.Plan, trial bool) error {
	description := fmt.Sprintf("%s plan", plan.DisplayName)
	if trial {
		description = fmt.Sprintf("%s plan trial (%d days)", plan.DisplayName, plan.TrialDays)
	}
	invoice, err := s.invoices.CreateZeroInvoice(ctx, tx, *sub, description)
	if err != nil {
		return err
	}
	if err := s.outbox.Emit(ctx, tx, billing.InvoiceReadyEvent(ctx, invoice, sub.TenantID, s.now().UTC())); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "emit invoice_ready")
	}
	return nil
}

func (s *Service) resolveProvider(requested enums.PaymentProvider, region string) (enums.PaymentProvider, error) {
	if requested != "" {
		if !requested.IsValid() {
			return "", pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown payment provider %q", requested))
		}
		return requested, nil
	}
	provider := s.providers.ResolveProvider(region)
	if !provider.IsValid() {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "no payment provider configured for region")
	}
	return provider, nil
}

func (s *Service) lockOwned(ctx context.Context, repo Repository, tenantID, subscriptionID uuid.UUID) (*models.Subscription, error) {
	sub, err := repo.LockByID(ctx, subscriptionID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock subscription")
	}
	if err := checkOwner(sub, tenantID); err != nil {
		return nil, err
	}
	return sub, nil
}

func checkOwner(sub *models.Subscription, tenantID uuid.UUID) error {
	if sub == nil || (tenantID != uuid.Nil && sub.TenantID != tenantID) {
		return pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	return nil
}

func validateStart(tenantID uuid.UUID, cycle enums.BillingCycle) error {
	if tenantID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "tenant id is required")
	}
	if !cycle.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid billing cycle %q", cycle))
	}
	return nil
}

func trimmedRef(ref *string) *string {
	if ref == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*ref)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
