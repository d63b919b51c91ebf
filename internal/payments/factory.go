package payments

import (
	"fmt"
	"strings"
	"time"

	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/metrics"
)

// FactoryParams configures provider routing. Gateways holds one adapter per configured provider.
type FactoryParams struct {
	DefaultProvider string
	RegionProviders map[string]string
	Timeout         time.Duration
	Metrics         *metrics.GatewayMetrics
	Gateways        []Gateway
}

// Factory is built once at startup and hands out gateways by provider.
type Factory struct {
	gateways map[enums.PaymentProvider]Gateway
	regions  map[string]enums.PaymentProvider
	fallback enums.PaymentProvider
}

func NewFactory(params FactoryParams) (*Factory, error) {
	fallback, err := enums.ParsePaymentProvider(params.DefaultProvider)
	if err != nil {
		return nil, fmt.Errorf("default provider: %w", err)
	}
	regions := make(map[string]enums.PaymentProvider, len(params.RegionProviders))
	for region, raw := range params.RegionProviders {
		provider, err := enums.ParsePaymentProvider(raw)
		if err != nil {
			return nil, fmt.Errorf("region %s: %w", region, err)
		}
		regions[normalizeRegion(region)] = provider
	}
	gateways := make(map[enums.PaymentProvider]Gateway, len(params.Gateways))
	for _, gw := range params.Gateways {
		if gw == nil {
			continue
		}
		gateways[gw.Provider()] = withTimeout(gw, params.Timeout, params.Metrics)
	}
	return &Factory{gateways: gateways, regions: regions, fallback: fallback}, nil
}

// ResolveProvider picks the provider for a tenant region, falling back to the default provider.
func (f *Factory) ResolveProvider(region string) enums.PaymentProvider {
	if provider, ok := f.regions[normalizeRegion(region)]; ok {
		return provider
	}
	return f.fallback
}

// Get returns the gateway for provider, or DEPENDENCY_ERROR when it is not configured.
func (f *Factory) Get(provider enums.PaymentProvider) (Gateway, error) {
	gw, ok := f.gateways[provider]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, fmt.Sprintf("payment provider %s is not configured", provider))
	}
	return gw, nil
}

func normalizeRegion(region string) string {
	return strings.ToUpper(strings.TrimSpace(region))
}
