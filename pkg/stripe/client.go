package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/angelmondragon/billing-engine/pkg/config"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/logger"
)

const (
	testEnv = "test"
	liveEnv = "live"
)

var (
	errAPIKeyRequired   = errors.New("stripe api key is required")
	errSecretRequired   = errors.New("stripe webhook secret is required")
	errInvalidStripeEnv = fmt.Errorf("stripe environment must be %q or %q", testEnv, liveEnv)
)

// Client wraps the package-level Stripe API plus env-specific metadata.
type Client struct {
	environment   string
	signingSecret string
	logg          *logger.Logger
}

// NewClient initializes Stripe once with the configured secrets and env.
func NewClient(ctx context.Context, cfg config.StripeConfig, logg *logger.Logger) (*Client, error) {
	env, err := normalizeEnv(cfg.Environment())
	if err != nil {
		return nil, err
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errAPIKeyRequired
	}

	signingSecret := strings.TrimSpace(cfg.WebhookSecret)
	if signingSecret == "" {
		return nil, errSecretRequired
	}

	if err := validateAPIKey(env, apiKey); err != nil {
		return nil, err
	}

	stripe.Key = apiKey

	if logg != nil {
		logg.Info(ctx, fmt.Sprintf("stripe client initialized (%s)", env))
	}

	return &Client{
		environment:   env,
		signingSecret: signingSecret,
		logg:          logg,
	}, nil
}

// Environment reports the normalized Stripe environment in use.
func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.environment
}

// CustomerParams describes the Stripe customer created for a tenant.
type CustomerParams struct {
	TenantID string
	Email    string
	Name     string
}

func (c *Client) CreateCustomer(ctx context.Context, params CustomerParams) (string, error) {
	p := &stripe.CustomerParams{
		Params:   stripe.Params{Context: ctx},
		Metadata: map[string]string{"tenant_id": params.TenantID},
	}
	if email := strings.TrimSpace(params.Email); email != "" {
		p.Email = stripe.String(email)
	}
	if name := strings.TrimSpace(params.Name); name != "" {
		p.Name = stripe.String(name)
	}
	p.SetIdempotencyKey("customer-" + params.TenantID)

	cust, err := customer.New(p)
	if err != nil {
		return "", mapStripeError(err, "create customer")
	}
	return cust.ID, nil
}

// PaymentIntentParams describes a charge. OffSession charges confirm immediately against a saved method.
type PaymentIntentParams struct {
	AmountMinor     int64
	Currency        string
	CustomerID      string
	PaymentMethodID string
	OffSession      bool
	Description     string
	Metadata        map[string]string
	IdempotencyKey  string
}

func (c *Client) CreatePaymentIntent(ctx context.Context, params PaymentIntentParams) (*stripe.PaymentIntent, error) {
	p := &stripe.PaymentIntentParams{
		Params:   stripe.Params{Context: ctx},
		Amount:   stripe.Int64(params.AmountMinor),
		Currency: stripe.String(strings.ToLower(params.Currency)),
		Metadata: params.Metadata,
	}
	if params.CustomerID != "" {
		p.Customer = stripe.String(params.CustomerID)
	}
	if params.Description != "" {
		p.Description = stripe.String(params.Description)
	}
	if params.OffSession && params.PaymentMethodID != "" {
		p.PaymentMethod = stripe.String(params.PaymentMethodID)
		p.OffSession = stripe.Bool(true)
		p.Confirm = stripe.Bool(true)
	} else {
		p.SetupFutureUsage = stripe.String(string(stripe.PaymentIntentSetupFutureUsageOffSession))
		p.AutomaticPaymentMethods = &stripe.PaymentIntentAutomaticPaymentMethodsParams{Enabled: stripe.Bool(true)}
	}
	if params.IdempotencyKey != "" {
		p.SetIdempotencyKey(params.IdempotencyKey)
	}

	intent, err := paymentintent.New(p)
	if err != nil {
		return nil, mapStripeError(err, "create payment intent")
	}
	c.logIntent(ctx, "stripe payment intent created", intent)
	return intent, nil
}

func (c *Client) ConfirmPaymentIntent(ctx context.Context, intentID, paymentMethodID string) (*stripe.PaymentIntent, error) {
	p := &stripe.PaymentIntentConfirmParams{
		Params: stripe.Params{Context: ctx},
	}
	if paymentMethodID != "" {
		p.PaymentMethod = stripe.String(paymentMethodID)
	}
	intent, err := paymentintent.Confirm(intentID, p)
	if err != nil {
		return nil, mapStripeError(err, "confirm payment intent")
	}
	c.logIntent(ctx, "stripe payment intent confirmed", intent)
	return intent, nil
}

// ConstructEvent verifies the Stripe-Signature header and decodes the event.
func (c *Client) ConstructEvent(payload []byte, signature string) (stripe.Event, error) {
	if c == nil {
		return stripe.Event{}, errSecretRequired
	}
	return ConstructEvent(payload, signature, c.signingSecret)
}

func ConstructEvent(payload []byte, signature, secret string) (stripe.Event, error) {
	return webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
}

func (c *Client) logIntent(ctx context.Context, msg string, intent *stripe.PaymentIntent) {
	if c == nil || c.logg == nil || intent == nil {
		return
	}
	ctx = c.logg.WithFields(ctx, map[string]any{
		"payment_intent_id": intent.ID,
		"status":            intent.Status,
		"amount":            intent.Amount,
	})
	c.logg.Info(ctx, msg)
}

// mapStripeError converts SDK errors into typed errors; card declines become PAYMENT_FAILED.
func mapStripeError(err error, op string) error {
	if err == nil {
		return nil
	}
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("stripe %s failed", op))
	}
	if stripeErr.Type == stripe.ErrorTypeCard {
		return pkgerrors.Wrap(pkgerrors.CodePaymentFailed, err, stripeErr.Msg)
	}
	var code pkgerrors.Code
	switch stripeErr.HTTPStatusCode {
	case http.StatusUnauthorized:
		code = pkgerrors.CodeUnauthorized
	case http.StatusNotFound:
		code = pkgerrors.CodeNotFound
	case http.StatusConflict:
		code = pkgerrors.CodeIdempotency
	case http.StatusTooManyRequests:
		code = pkgerrors.CodeRateLimit
	case http.StatusBadRequest:
		code = pkgerrors.CodeValidation
	default:
		code = pkgerrors.CodeDependency
	}
	return pkgerrors.Wrap(code, err, fmt.Sprintf("stripe %s failed", op))
}

func normalizeEnv(raw string) (string, error) {
	env := strings.TrimSpace(strings.ToLower(raw))
	if env == "" {
		env = testEnv
	}
	switch env {
	case testEnv, liveEnv:
		return env, nil
	default:
		return "", errInvalidStripeEnv
	}
}

func validateAPIKey(env, key string) error {
	switch env {
	case testEnv:
		if strings.HasPrefix(key, "sk_test") || strings.HasPrefix(key, "rk_test") {
			return nil
		}
		return fmt.Errorf("stripe environment %q requires a test secret key (sk_test/rk_test)", testEnv)
	case liveEnv:
		if strings.HasPrefix(key, "sk_live") || strings.HasPrefix(key, "rk_live") {
			return nil
		}
		return fmt.Errorf("stripe environment %q requires a live secret key (sk_live/rk_live)", liveEnv)
	default:
		return errInvalidStripeEnv
	}
}
