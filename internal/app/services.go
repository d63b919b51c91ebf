// Package app assembles the billing service graph shared by the api and cron-worker binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/billing-engine/internal/billing"
	"github.com/angelmondragon/billing-engine/internal/limits"
	"github.com/angelmondragon/billing-engine/internal/payments"
	"github.com/angelmondragon/billing-engine/internal/plans"
	"github.com/angelmondragon/billing-engine/internal/subscriptions"
	"github.com/angelmondragon/billing-engine/internal/webhooks"
	"github.com/angelmondragon/billing-engine/pkg/config"
	"github.com/angelmondragon/billing-engine/pkg/db"
	"github.com/angelmondragon/billing-engine/pkg/iyzico"
	"github.com/angelmondragon/billing-engine/pkg/logger"
	"github.com/angelmondragon/billing-engine/pkg/metrics"
	"github.com/angelmondragon/billing-engine/pkg/outbox"
	"github.com/angelmondragon/billing-engine/pkg/paytr"
	"github.com/angelmondragon/billing-engine/pkg/redis"
	"github.com/angelmondragon/billing-engine/pkg/square"
	"github.com/angelmondragon/billing-engine/pkg/stripe"
)

const webhookIdempotencyScope = "webhook"

type Params struct {
	Config   *config.Config
	Logger   *logger.Logger
	DB       *db.Client
	Redis    *redis.Client
	Registry prometheus.Registerer
}

// Services is the wired graph. Processor is nil unless Redis is supplied.
type Services struct {
	Plans         *plans.Service
	Ledger        *billing.Ledger
	Outbox        *outbox.Service
	Limiter       *limits.Limiter
	Subscriptions *subscriptions.Service
	Gateways      *payments.Factory
	Reconciler    *webhooks.Reconciler
	Payments      *payments.Service
	Processor     *webhooks.Processor
}

func NewServices(ctx context.Context, params Params) (*Services, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	reg := params.Registry
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	cfg, logg, conn := params.Config, params.Logger, params.DB.DB()

	gatewayList, err := buildGateways(ctx, cfg, logg)
	if err != nil {
		return nil, err
	}
	factory, err := payments.NewFactory(payments.FactoryParams{
		DefaultProvider: cfg.Billing.DefaultProvider,
		RegionProviders: cfg.Billing.RegionProviders,
		Timeout:         cfg.Billing.GatewayTimeout,
		Metrics:         metrics.NewGatewayMetrics(reg),
		Gateways:        gatewayList,
	})
	if err != nil {
		return nil, fmt.Errorf("payment gateways: %w", err)
	}

	planSvc, err := plans.NewService(plans.ServiceParams{
		Repo:      plans.NewRepository(conn),
		Logger:    logg,
		CacheSize: cfg.Billing.PlanCacheSize,
		CacheTTL:  cfg.Billing.PlanCacheTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("plan service: %w", err)
	}
	taxRate, err := billing.ParseFlatTaxRate(cfg.Billing.TaxRate)
	if err != nil {
		return nil, fmt.Errorf("tax rate: %w", err)
	}
	ledger, err := billing.NewLedger(billing.LedgerParams{
		Repo:    billing.NewRepository(conn),
		TaxRate: taxRate,
		Logger:  logg,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	emitter := outbox.NewService(outbox.NewRepository(conn), logg)

	subRepo := subscriptions.NewRepository(conn)
	limiter, err := limits.NewLimiter(limits.NewGormCounter(conn), subscriptions.NewLivePlanResolver(subRepo, planSvc), nil)
	if err != nil {
		return nil, fmt.Errorf("limiter: %w", err)
	}
	subSvc, err := subscriptions.NewService(subscriptions.ServiceParams{
		Repo:             subRepo,
		Plans:            planSvc,
		Usage:            limiter,
		Invoices:         ledger,
		Outbox:           emitter,
		Tx:               params.DB,
		Providers:        factory,
		Logger:           logg,
		PendingChangeTTL: cfg.Billing.PendingChangeTTL,
		RenewalLookahead: cfg.Billing.RenewalLookahead,
	})
	if err != nil {
		return nil, fmt.Errorf("subscription service: %w", err)
	}

	paymentRepo := payments.NewRepository(conn)
	reconciler, err := webhooks.NewReconciler(webhooks.ReconcilerParams{
		Payments:      paymentRepo,
		Subscriptions: subSvc,
		Invoices:      ledger,
		Outbox:        emitter,
		Tx:            params.DB,
		Logger:        logg,
	})
	if err != nil {
		return nil, fmt.Errorf("reconciler: %w", err)
	}
	paySvc, err := payments.NewService(payments.ServiceParams{
		Repo:          paymentRepo,
		Subscriptions: subSvc,
		Gateways:      factory,
		Reconciler:    reconciler,
		Invoices:      ledger,
		Outbox:        emitter,
		Tx:            params.DB,
		Logger:        logg,
		PaymentWindow: cfg.Billing.PaymentWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("payments service: %w", err)
	}

	services := &Services{
		Plans:         planSvc,
		Ledger:        ledger,
		Outbox:        emitter,
		Limiter:       limiter,
		Subscriptions: subSvc,
		Gateways:      factory,
		Reconciler:    reconciler,
		Payments:      paySvc,
	}
	if params.Redis == nil {
		return services, nil
	}

	guard, err := webhooks.NewIdempotencyGuard(params.Redis, cfg.Webhooks.IdempotencyTTL, webhookIdempotencyScope)
	if err != nil {
		return nil, fmt.Errorf("webhook guard: %w", err)
	}
	services.Processor, err = webhooks.NewProcessor(webhooks.ProcessorParams{
		Gateways:   factory,
		Reconciler: reconciler,
		Guard:      guard,
		Metrics:    metrics.NewWebhookMetrics(reg),
		Logger:     logg,
	})
	if err != nil {
		return nil, fmt.Errorf("webhook processor: %w", err)
	}
	return services, nil
}

// buildGateways connects every provider with credentials configured.
func buildGateways(ctx context.Context, cfg *config.Config, logg *logger.Logger) ([]payments.Gateway, error) {
	httpClient := &http.Client{Timeout: cfg.Billing.GatewayTimeout}
	var gateways []payments.Gateway

	if cfg.Stripe.Enabled() {
		client, err := stripe.NewClient(ctx, cfg.Stripe, logg)
		if err != nil {
			return nil, fmt.Errorf("stripe client: %w", err)
		}
		gateways = append(gateways, payments.NewStripeGateway(client))
	}
	if cfg.Square.Enabled() {
		client, err := square.NewClient(ctx, cfg.Square, logg)
		if err != nil {
			return nil, fmt.Errorf("square client: %w", err)
		}
		gateways = append(gateways, payments.NewSquareGateway(client))
	}
	if cfg.PayTR.Enabled() {
		client, err := paytr.NewClient(cfg.PayTR, httpClient, logg)
		if err != nil {
			return nil, fmt.Errorf("paytr client: %w", err)
		}
		gateways = append(gateways, payments.NewPayTRGateway(client))
	}
	if cfg.Iyzico.Enabled() {
		client, err := iyzico.NewClient(cfg.Iyzico, httpClient, logg)
		if err != nil {
			return nil, fmt.Errorf("iyzico client: %w", err)
		}
		gateways = append(gateways, payments.NewIyzicoGateway(client))
	}
	if len(gateways) == 0 {
		logg.Warn(ctx, "no payment provider credentials configured")
	}
	return gateways, nil
}
