package app

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/billing-engine/pkg/config"
	"github.com/angelmondragon/billing-engine/pkg/db"
	"github.com/angelmondragon/billing-engine/pkg/db/dbtest"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/logger"
	"github.com/angelmondragon/billing-engine/pkg/redis"
)

func testConfig() *config.Config {
	return &config.Config{
		Billing: config.BillingConfig{
			DefaultProvider:  "STRIPE",
			RegionProviders:  map[string]string{"TR": "PAYTR"},
			BaseCurrency:     "USD",
			TaxRate:          "18%",
			GatewayTimeout:   5 * time.Second,
			PendingChangeTTL: 24 * time.Hour,
			RenewalLookahead: 24 * time.Hour,
			PlanCacheTTL:     time.Minute,
			PlanCacheSize:    8,
		},
		Webhooks: config.WebhookConfig{IdempotencyTTL: time.Hour},
	}
}

func testParams(t *testing.T, cfg *config.Config) Params {
	t.Helper()
	return Params{
		Config:   cfg,
		Logger:   logger.New(logger.Options{ServiceName: "app-test", Output: io.Discard}),
		DB:       db.NewFromConn(dbtest.Open(t)),
		Registry: prometheus.NewRegistry(),
	}
}

func TestNewServicesWithoutRedisSkipsProcessor(t *testing.T) {
	services, err := NewServices(context.Background(), testParams(t, testConfig()))
	require.NoError(t, err)
	require.NotNil(t, services.Subscriptions)
	require.NotNil(t, services.Payments)
	require.Nil(t, services.Processor)

	require.Equal(t, enums.PaymentProviderPayTR, services.Gateways.ResolveProvider("tr"))
	require.Equal(t, enums.PaymentProviderStripe, services.Gateways.ResolveProvider("US"))

	_, err = services.Gateways.Get(enums.PaymentProviderStripe)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency), "unconfigured provider must be a dependency error")
}

func TestNewServicesWithRedisBuildsProcessor(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewFromRaw(goredis.NewClient(&goredis.Options{Addr: srv.Addr()}))
	t.Cleanup(func() { _ = client.Close() })

	params := testParams(t, testConfig())
	params.Redis = client
	services, err := NewServices(context.Background(), params)
	require.NoError(t, err)
	require.NotNil(t, services.Processor)
}

func TestNewServicesRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Billing.TaxRate = "150%"
	_, err := NewServices(context.Background(), testParams(t, cfg))
	require.Error(t, err)

	cfg = testConfig()
	cfg.Billing.DefaultProvider = "PAYPAL"
	_, err = NewServices(context.Background(), testParams(t, cfg))
	require.Error(t, err)

	_, err = NewServices(context.Background(), Params{})
	require.Error(t, err)
}
