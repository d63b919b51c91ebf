package routes

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/billing-engine/api/controllers"
	billingcontrollers "github.com/angelmondragon/billing-engine/api/controllers/billing"
	paymentcontrollers "github.com/angelmondragon/billing-engine/api/controllers/payments"
	subscriptioncontrollers "github.com/angelmondragon/billing-engine/api/controllers/subscriptions"
	webhookcontrollers "github.com/angelmondragon/billing-engine/api/controllers/webhooks"
	"github.com/angelmondragon/billing-engine/api/middleware"
	"github.com/angelmondragon/billing-engine/internal/plans"
	"github.com/angelmondragon/billing-engine/pkg/config"
	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	"github.com/angelmondragon/billing-engine/pkg/logger"
	"github.com/angelmondragon/billing-engine/pkg/metrics"
	"github.com/angelmondragon/billing-engine/pkg/redis"
)

// PlanService serves the public catalog and plan lookups for invoices.
type PlanService interface {
	GetAvailablePlans(ctx context.Context) ([]plans.PlanView, error)
	GetPlan(ctx context.Context, id uuid.UUID) (*models.Plan, error)
}

// SubscriptionService is everything the tenant endpoints need from the subscription service.
type SubscriptionService interface {
	subscriptioncontrollers.Service
	subscriptioncontrollers.FeatureChecker
	Get(ctx context.Context, tenantID, subscriptionID uuid.UUID) (*models.Subscription, error)
}

// Deps are the collaborators NewRouter mounts. Nil services answer 500 on their routes.
type Deps struct {
	DB            controllers.Pinger
	Redis         *redis.Client
	Gatherer      prometheus.Gatherer
	HTTPMetrics   *metrics.HTTPMetrics
	Plans         PlanService
	Subscriptions SubscriptionService
	Limits        subscriptioncontrollers.LimitChecker
	Invoices      billingcontrollers.InvoiceLedger
	Payments      paymentcontrollers.Service
	Webhooks      webhookcontrollers.Processor
}

func NewRouter(cfg *config.Config, logg *logger.Logger, deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg, deps.HTTPMetrics),
		middleware.CORS(cfg.HTTP.CORSOrigins),
	)

	var (
		idempotencyStore redis.IdempotencyStore
		rateStore        middleware.RateLimitStore
		readiness        = map[string]controllers.Pinger{}
	)
	if deps.DB != nil {
		readiness["database"] = deps.DB
	}
	if deps.Redis != nil {
		idempotencyStore = deps.Redis
		rateStore = deps.Redis
		readiness["redis"] = deps.Redis
	}
	publicPolicy := middleware.NewRateLimitPolicy("public", cfg.HTTP.RateLimitWindow, cfg.HTTP.RateLimitIP, 0)
	tenantPolicy := middleware.NewRateLimitPolicy("tenant", cfg.HTTP.RateLimitWindow, cfg.HTTP.RateLimitIP, cfg.HTTP.RateLimitTenant)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, readiness))
	})
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/public", func(r chi.Router) {
		r.Use(middleware.RateLimit(publicPolicy, rateStore, logg))
		r.Get("/plans", billingcontrollers.PublicPlansList(deps.Plans, logg))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/webhooks", func(r chi.Router) {
			maxBody := cfg.Webhooks.MaxBodyBytes
			r.Post("/stripe", webhookcontrollers.ProviderWebhook(enums.PaymentProviderStripe, deps.Webhooks, maxBody, logg))
			r.Post("/square", webhookcontrollers.ProviderWebhook(enums.PaymentProviderSquare, deps.Webhooks, maxBody, logg))
			r.Post("/paytr", webhookcontrollers.ProviderWebhook(enums.PaymentProviderPayTR, deps.Webhooks, maxBody, logg))
			r.Post("/iyzico", webhookcontrollers.ProviderWebhook(enums.PaymentProviderIyzico, deps.Webhooks, maxBody, logg))
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWT, logg))
			r.Use(middleware.RateLimit(tenantPolicy, rateStore, logg))
			r.Use(middleware.Idempotency(idempotencyStore, logg))

			r.Route("/subscriptions", func(r chi.Router) {
				r.Get("/", subscriptioncontrollers.SubscriptionHistory(deps.Subscriptions, logg))
				r.Post("/", subscriptioncontrollers.SubscriptionCreate(deps.Subscriptions, logg))
				r.Get("/current", subscriptioncontrollers.SubscriptionCurrent(deps.Subscriptions, logg))
				r.Route("/{id}", func(r chi.Router) {
					r.Patch("/", subscriptioncontrollers.SubscriptionUpdateSettings(deps.Subscriptions, logg))
					r.Post("/change-plan", subscriptioncontrollers.SubscriptionChangePlan(deps.Subscriptions, logg))
					r.Delete("/pending-change", subscriptioncontrollers.SubscriptionCancelPendingChange(deps.Subscriptions, logg))
					r.Post("/cancel", subscriptioncontrollers.SubscriptionCancel(deps.Subscriptions, logg))
					r.Post("/reactivate", subscriptioncontrollers.SubscriptionReactivate(deps.Subscriptions, logg))
					r.Get("/payments", paymentcontrollers.PaymentHistory(deps.Payments, logg))
				})
			})

			r.Route("/entitlements", func(r chi.Router) {
				r.Get("/features/{feature}", subscriptioncontrollers.EntitlementFeature(deps.Subscriptions, logg))
				r.Get("/limits/{category}", subscriptioncontrollers.EntitlementLimit(deps.Limits, logg))
			})
			r.Get("/usage", subscriptioncontrollers.EntitlementUsage(deps.Limits, logg))

			r.Route("/payments", func(r chi.Router) {
				r.Post("/intents", paymentcontrollers.PaymentIntentCreate(deps.Payments, logg))
				r.Post("/confirm", paymentcontrollers.PaymentConfirm(deps.Payments, logg))
			})

			r.Route("/invoices", func(r chi.Router) {
				r.Get("/", billingcontrollers.InvoicesList(deps.Subscriptions, deps.Invoices, logg))
				r.Get("/{id}/pdf", billingcontrollers.InvoicePDF(deps.Subscriptions, deps.Invoices, deps.Plans, logg))
			})
		})
	})

	return r
}
