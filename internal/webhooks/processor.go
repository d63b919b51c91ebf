package webhooks

import (
	"context"

	"github.com/angelmondragon/billing-engine/internal/payments"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/logger"
	"github.com/angelmondragon/billing-engine/pkg/metrics"
)

// GatewaySource hands out the gateway whose signature scheme verifies a provider's notifications.
type GatewaySource interface {
	Get(provider enums.PaymentProvider) (payments.Gateway, error)
}

// ProcessorParams groups dependencies for inbound notification handling. Guard and Metrics are optional.
type ProcessorParams struct {
	Gateways   GatewaySource
	Reconciler payments.Reconciler
	Guard      *IdempotencyGuard
	Metrics    *metrics.WebhookMetrics
	Logger     *logger.Logger
}

// Processor verifies, decodes and applies provider notifications.
type Processor struct {
	gateways   GatewaySource
	reconciler payments.Reconciler
	guard      *IdempotencyGuard
	metrics    *metrics.WebhookMetrics
	logg       *logger.Logger
}

func NewProcessor(params ProcessorParams) (*Processor, error) {
	if params.Gateways == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "gateway source required")
	}
	if params.Reconciler == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "reconciler required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &Processor{
		gateways:   params.Gateways,
		reconciler: params.Reconciler,
		guard:      params.Guard,
		metrics:    params.Metrics,
		logg:       params.Logger,
	}, nil
}

// Process handles one delivery. Nothing is written unless the signature verifies. Errors that are not
// retryable should still be acknowledged to the provider.
func (p *Processor) Process(ctx context.Context, provider enums.PaymentProvider, payload []byte, signature string) (payments.Result, error) {
	ctx = p.logg.WithProvider(ctx, string(provider))
	gw, err := p.gateways.Get(provider)
	if err != nil {
		p.record(provider, "unconfigured")
		return "", err
	}
	if !gw.VerifyInboundEvent(payload, signature) {
		p.record(provider, "invalid_signature")
		p.logg.Warn(ctx, "webhook signature verification failed")
		return "", pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid webhook signature")
	}

	evt, ok, err := Parse(provider, payload)
	if err != nil {
		p.record(provider, "invalid_payload")
		return "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid webhook payload")
	}
	if !ok {
		p.record(provider, string(payments.ResultIgnored))
		return payments.ResultIgnored, nil
	}
	ctx = p.logg.WithField(ctx, "event_id", evt.EventID)

	if p.guard != nil {
		seen, err := p.guard.CheckAndMark(ctx, string(provider), evt.EventID)
		switch {
		case err != nil:
			p.logg.Warn(ctx, "webhook idempotency guard unavailable; relying on payment status")
		case seen:
			p.record(provider, string(payments.ResultDuplicate))
			return payments.ResultDuplicate, nil
		}
	}

	result, err := p.reconciler.Apply(ctx, evt)
	if err != nil {
		if p.guard != nil && pkgerrors.IsRetryable(err) {
			if releaseErr := p.guard.Release(ctx, string(provider), evt.EventID); releaseErr != nil {
				p.logg.Error(ctx, "release webhook idempotency key", releaseErr)
			}
		}
		p.record(provider, "error")
		return "", err
	}
	p.record(provider, string(result))
	return result, nil
}

func (p *Processor) record(provider enums.PaymentProvider, result string) {
	p.metrics.Inc(string(provider), result)
}
