package webhooks

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/angelmondragon/billing-engine/api/responses"
	"github.com/angelmondragon/billing-engine/internal/payments"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/iyzico"
	"github.com/angelmondragon/billing-engine/pkg/logger"
)

const defaultMaxBodyBytes = 1 << 20

// Processor verifies and applies one provider notification.
type Processor interface {
	Process(ctx context.Context, provider enums.PaymentProvider, payload []byte, signature string) (payments.Result, error)
}

// signatureHeaders names where each provider puts its signature. PayTR signs inside the form body.
var signatureHeaders = map[enums.PaymentProvider]string{
	enums.PaymentProviderStripe: "Stripe-Signature",
	enums.PaymentProviderSquare: "X-Square-Hmacsha256-Signature",
	enums.PaymentProviderIyzico: iyzico.SignatureHeader,
}

type ackResponse struct {
	Received bool   `json:"received"`
	Result   string `json:"result,omitempty"`
}

// ProviderWebhook receives notifications from one provider. Bad signatures get 401, retryable failures a
// non-2xx so the provider redelivers, and everything else is acknowledged.
func ProviderWebhook(provider enums.PaymentProvider, proc Processor, maxBodyBytes int64, logg *logger.Logger) http.HandlerFunc {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if logg != nil {
			ctx = logg.WithProvider(ctx, string(provider))
		}
		if proc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook processor unavailable"))
			return
		}

		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "webhook payload too large"))
				return
			}
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
			return
		}

		signature := ""
		if header, ok := signatureHeaders[provider]; ok {
			signature = r.Header.Get(header)
		}

		result, err := proc.Process(ctx, provider, payload, signature)
		if err != nil {
			if pkgerrors.IsCode(err, pkgerrors.CodeUnauthorized) || pkgerrors.IsRetryable(err) {
				reply(ctx, w, provider, err, logg)
				return
			}
			if logg != nil {
				logg.Error(ctx, "webhook not applied; acknowledging", err)
			}
			reply(ctx, w, provider, nil, logg)
			return
		}

		if logg != nil {
			logg.Info(logg.WithField(ctx, "result", string(result)), "webhook processed")
		}
		if provider == enums.PaymentProviderPayTR {
			responses.WriteText(w, http.StatusOK, "OK")
			return
		}
		responses.WriteSuccess(w, ackResponse{Received: true, Result: string(result)})
	}
}

// reply writes err, or a bare acknowledgement when err is nil. PayTR only understands a literal body.
func reply(ctx context.Context, w http.ResponseWriter, provider enums.PaymentProvider, err error, logg *logger.Logger) {
	if provider == enums.PaymentProviderPayTR {
		if err == nil {
			responses.WriteText(w, http.StatusOK, "OK")
			return
		}
		status := http.StatusServiceUnavailable
		if typed := pkgerrors.As(err); typed != nil {
			status = pkgerrors.MetadataFor(typed.Code()).HTTPStatus
		}
		if logg != nil {
			logg.Warn(ctx, "paytr callback rejected")
		}
		responses.WriteText(w, status, "FAIL")
		return
	}
	if err != nil {
		responses.WriteError(ctx, logg, w, err)
		return
	}
	responses.WriteSuccess(w, ackResponse{Received: true})
}
