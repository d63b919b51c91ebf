// Package billingtest wires the billing services against an in-memory database for package tests.
package billingtest

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-engine/internal/billing"
	"github.com/angelmondragon/billing-engine/internal/limits"
	"github.com/angelmondragon/billing-engine/internal/payments"
	"github.com/angelmondragon/billing-engine/internal/plans"
	"github.com/angelmondragon/billing-engine/internal/subscriptions"
	"github.com/angelmondragon/billing-engine/internal/webhooks"
	dbpkg "github.com/angelmondragon/billing-engine/pkg/db"
	"github.com/angelmondragon/billing-engine/pkg/db/dbtest"
	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	"github.com/angelmondragon/billing-engine/pkg/logger"
	"github.com/angelmondragon/billing-engine/pkg/outbox"
)

// PaymentWindow is how long renewals without a stored method stay payable in the stack.
const PaymentWindow = 72 * time.Hour

// Clock is a settable time source truncated to whole seconds.
type Clock struct {
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Now().UTC().Truncate(time.Second)}
}

func (c *Clock) Now() time.Time { return c.now }

func (c *Clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// Gateways is a fixed provider table satisfying both the resolver and gateway source interfaces.
type Gateways struct {
	Default enums.PaymentProvider
	ByName  map[enums.PaymentProvider]payments.Gateway
}

func (g *Gateways) ResolveProvider(string) enums.PaymentProvider {
	return g.Default
}

func (g *Gateways) Get(provider enums.PaymentProvider) (payments.Gateway, error) {
	gw, ok := g.ByName[provider]
	if !ok {
		return nil, errUnconfigured(provider)
	}
	return gw, nil
}

// Stack holds the wired services sharing one database.
type Stack struct {
	T             *testing.T
	Conn          *gorm.DB
	Clock         *Clock
	Logger        *logger.Logger
	Plans         *plans.Service
	Limiter       *limits.Limiter
	Subscriptions *subscriptions.Service
	Ledger        *billing.Ledger
	Outbox        *outbox.Service
	PaymentRepo   payments.Repository
	Reconciler    *webhooks.Reconciler
	Gateways      *Gateways
	Payments      *payments.Service
}

// New opens a database, seeds the default plans and wires every service with STRIPE as the default provider.
func New(t *testing.T) *Stack {
	t.Helper()
	conn := dbtest.Open(t)
	clock := NewClock()
	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	tx := dbpkg.NewFromConn(conn)

	planSvc, err := plans.NewService(plans.ServiceParams{Repo: plans.NewRepository(conn), Logger: logg, Now: clock.Now})
	if err != nil {
		t.Fatalf("new plan service: %v", err)
	}
	if _, err := planSvc.Seed(context.Background(), plans.DefaultPlans("USD")); err != nil {
		t.Fatalf("seed plans: %v", err)
	}
	ledger, err := billing.NewLedger(billing.LedgerParams{Repo: billing.NewRepository(conn), Logger: logg, Now: clock.Now})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	emitter := outbox.NewService(outbox.NewRepository(conn), logg)
	gateways := &Gateways{Default: enums.PaymentProviderStripe, ByName: map[enums.PaymentProvider]payments.Gateway{}}

	subRepo := subscriptions.NewRepository(conn)
	limiter, err := limits.NewLimiter(limits.NewGormCounter(conn), subscriptions.NewLivePlanResolver(subRepo, planSvc), clock.Now)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	subSvc, err := subscriptions.NewService(subscriptions.ServiceParams{
		Repo:             subRepo,
		Plans:            planSvc,
		Usage:            limiter,
		Invoices:         ledger,
		Outbox:           emitter,
		Tx:               tx,
		Providers:        gateways,
		Logger:           logg,
		PendingChangeTTL: 24 * time.Hour,
		RenewalLookahead: 24 * time.Hour,
		Now:              clock.Now,
	})
	if err != nil {
		t.Fatalf("new subscription service: %v", err)
	}

	paymentRepo := payments.NewRepository(conn)
	reconciler, err := webhooks.NewReconciler(webhooks.ReconcilerParams{
		Payments:      paymentRepo,
		Subscriptions: subSvc,
		Invoices:      ledger,
		Outbox:        emitter,
		Tx:            tx,
		Logger:        logg,
		Now:           clock.Now,
	})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	paySvc, err := payments.NewService(payments.ServiceParams{
		Repo:          paymentRepo,
		Subscriptions: subSvc,
		Gateways:      gateways,
		Reconciler:    reconciler,
		Invoices:      ledger,
		Outbox:        emitter,
		Tx:            tx,
		Logger:        logg,
		Now:           clock.Now,
		PaymentWindow: PaymentWindow,
	})
	if err != nil {
		t.Fatalf("new payments service: %v", err)
	}

	return &Stack{
		T:             t,
		Conn:          conn,
		Clock:         clock,
		Logger:        logg,
		Plans:         planSvc,
		Limiter:       limiter,
		Subscriptions: subSvc,
		Ledger:        ledger,
		Outbox:        emitter,
		PaymentRepo:   paymentRepo,
		Reconciler:    reconciler,
		Gateways:      gateways,
		Payments:      paySvc,
	}
}

func (s *Stack) Plan(tier enums.PlanTier) *models.Plan {
	s.T.Helper()
	plan, err := s.Plans.GetPlanByTier(context.Background(), tier)
	if err != nil {
		s.T.Fatalf("load %s plan: %v", tier, err)
	}
	return plan
}

// Subscription inserts a subscription on tier with a period starting now. A non-empty methodRef is stored
// as the payment method.
func (s *Stack) Subscription(tier enums.PlanTier, status enums.SubscriptionStatus, provider enums.PaymentProvider, methodRef string) *models.Subscription {
	s.T.Helper()
	plan := s.Plan(tier)
	now := s.Clock.Now()
	sub := &models.Subscription{
		TenantID:           uuid.New(),
		PlanID:             plan.ID,
		Status:             status,
		BillingCycle:       enums.BillingCycleMonthly,
		PaymentProvider:    provider,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   billing.AddBillingPeriod(now, enums.BillingCycleMonthly),
		Amount:             plan.PriceFor(enums.BillingCycleMonthly),
		Currency:           plan.Currency,
		StartDate:          now,
		AutoRenew:          true,
		CreatedAt:          now,
	}
	if methodRef != "" {
		sub.PaymentMethodRef = &methodRef
	}
	if err := subscriptions.NewRepository(s.Conn).Create(context.Background(), sub); err != nil {
		s.T.Fatalf("insert subscription: %v", err)
	}
	return sub
}

// Payment inserts a PENDING payment for sub keyed by ref.
func (s *Stack) Payment(sub *models.Subscription, ref string, purpose enums.PaymentPurpose) *models.SubscriptionPayment {
	s.T.Helper()
	payment := &models.SubscriptionPayment{
		SubscriptionID:        sub.ID,
		Provider:              sub.PaymentProvider,
		ProviderTransactionID: ref,
		Amount:                sub.Amount,
		Currency:              sub.Currency,
		Status:                enums.PaymentStatusPending,
		Purpose:               purpose,
		CreatedAt:             s.Clock.Now(),
	}
	if err := s.PaymentRepo.Create(context.Background(), payment); err != nil {
		s.T.Fatalf("insert payment: %v", err)
	}
	return payment
}

func (s *Stack) Reload(id uuid.UUID) *models.Subscription {
	s.T.Helper()
	sub, err := subscriptions.NewRepository(s.Conn).FindByID(context.Background(), id)
	if err != nil || sub == nil {
		s.T.Fatalf("reload subscription %s: %v", id, err)
	}
	return sub
}

func (s *Stack) ReloadPayment(id uuid.UUID) *models.SubscriptionPayment {
	s.T.Helper()
	payment, err := s.PaymentRepo.FindByID(context.Background(), id)
	if err != nil || payment == nil {
		s.T.Fatalf("reload payment %s: %v", id, err)
	}
	return payment
}

// Count returns the number of rows in table matching the optional where clause.
func (s *Stack) Count(table, where string, args ...any) int64 {
	s.T.Helper()
	var n int64
	query := s.Conn.Table(table)
	if where != "" {
		query = query.Where(where, args...)
	}
	if err := query.Count(&n).Error; err != nil {
		s.T.Fatalf("count %s: %v", table, err)
	}
	return n
}

// Events lists the outbox event types recorded for an aggregate, oldest first.
func (s *Stack) Events(aggregateType enums.OutboxAggregateType, id uuid.UUID) []enums.OutboxEventType {
	s.T.Helper()
	rows, err := outbox.NewRepository(s.Conn).ListForAggregate(nil, aggregateType, id)
	if err != nil {
		s.T.Fatalf("list events: %v", err)
	}
	types := make([]enums.OutboxEventType, 0, len(rows))
	for _, row := range rows {
		types = append(types, row.EventType)
	}
	return types
}

func HasEvent(types []enums.OutboxEventType, want enums.OutboxEventType) bool {
	for _, got := range types {
		if got == want {
			return true
		}
	}
	return false
}
