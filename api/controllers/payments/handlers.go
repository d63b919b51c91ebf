package payments

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/billing-engine/api/middleware"
	"github.com/angelmondragon/billing-engine/api/responses"
	"github.com/angelmondragon/billing-engine/api/validators"
	paymentsvc "github.com/angelmondragon/billing-engine/internal/payments"
	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/logger"
)

// Service is the slice of the payments service the tenant endpoints use.
type Service interface {
	CreatePaymentIntent(ctx context.Context, input paymentsvc.IntentInput) (*paymentsvc.IntentResult, error)
	CreatePlanChangePayment(ctx context.Context, tenantID, changeID uuid.UUID, buyer paymentsvc.Buyer) (*paymentsvc.IntentResult, error)
	ConfirmPayment(ctx context.Context, tenantID uuid.UUID, transactionRef, methodRef string) (*models.SubscriptionPayment, error)
	History(ctx context.Context, tenantID, subscriptionID uuid.UUID) ([]models.SubscriptionPayment, error)
}

type buyerRequest struct {
	Name    string `json:"name,omitempty" validate:"max=200"`
	Email   string `json:"email,omitempty" validate:"omitempty,email"`
	Phone   string `json:"phone,omitempty" validate:"max=40"`
	Address string `json:"address,omitempty" validate:"max=500"`
	City    string `json:"city,omitempty" validate:"max=100"`
	Country string `json:"country,omitempty" validate:"omitempty,iso3166_1_alpha2"`
}

// intentRequest opens either a subscription charge (planId) or the payment for a pending plan change (changeId).
type intentRequest struct {
	PlanID       string        `json:"planId,omitempty" validate:"omitempty,uuid"`
	ChangeID     string        `json:"changeId,omitempty" validate:"omitempty,uuid"`
	BillingCycle string        `json:"billingCycle,omitempty" validate:"omitempty,billing_cycle"`
	Provider     string        `json:"provider,omitempty" validate:"omitempty,payment_provider"`
	Region       string        `json:"region,omitempty" validate:"omitempty,iso3166_1_alpha2"`
	Buyer        *buyerRequest `json:"buyer,omitempty"`
}

type confirmRequest struct {
	TransactionRef   string `json:"transactionRef" validate:"required,max=255"`
	PaymentMethodRef string `json:"paymentMethodRef,omitempty" validate:"max=255"`
}

type paymentResponse struct {
	ID             uuid.UUID             `json:"id"`
	SubscriptionID uuid.UUID             `json:"subscriptionId"`
	Provider       enums.PaymentProvider `json:"provider"`
	TransactionRef string                `json:"transactionRef"`
	Amount         decimal.Decimal       `json:"amount"`
	Currency       string                `json:"currency"`
	Status         enums.PaymentStatus   `json:"status"`
	Purpose        enums.PaymentPurpose  `json:"purpose"`
	FailureReason  *string               `json:"failureReason,omitempty"`
	PaidAt         *time.Time            `json:"paidAt,omitempty"`
	CreatedAt      time.Time             `json:"createdAt"`
}

func newPaymentResponse(p *models.SubscriptionPayment) paymentResponse {
	return paymentResponse{
		ID:             p.ID,
		SubscriptionID: p.SubscriptionID,
		Provider:       p.Provider,
		TransactionRef: p.ProviderTransactionID,
		Amount:         p.Amount,
		Currency:       p.Currency,
		Status:         p.Status,
		Purpose:        p.Purpose,
		FailureReason:  p.FailureReason,
		PaidAt:         p.PaidAt,
		CreatedAt:      p.CreatedAt,
	}
}

func buyerFrom(r *http.Request, tenantID uuid.UUID, req *buyerRequest) paymentsvc.Buyer {
	buyer := paymentsvc.Buyer{TenantID: tenantID.String(), IP: middleware.ClientIP(r)}
	if req != nil {
		buyer.Name = validators.SanitizeString(req.Name, 200)
		buyer.Email = validators.SanitizeString(req.Email, 254)
		buyer.Phone = validators.SanitizeString(req.Phone, 40)
		buyer.Address = validators.SanitizeString(req.Address, 500)
		buyer.City = validators.SanitizeString(req.City, 100)
		buyer.Country = strings.ToUpper(req.Country)
	}
	return buyer
}

// PaymentIntentCreate opens a provider charge the tenant's client completes on-session.
func PaymentIntentCreate(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payment service unavailable"))
			return
		}

		var payload intentRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if (payload.PlanID == "") == (payload.ChangeID == "") {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "exactly one of planId or changeId is required"))
			return
		}
		tenantID := middleware.TenantIDFromContext(ctx)
		buyer := buyerFrom(r, tenantID, payload.Buyer)

		var (
			result *paymentsvc.IntentResult
			err    error
		)
		if payload.ChangeID != "" {
			result, err = svc.CreatePlanChangePayment(ctx, tenantID, uuid.MustParse(payload.ChangeID), buyer)
		} else {
			cycle := enums.BillingCycle(payload.BillingCycle)
			if cycle == "" {
				cycle = enums.BillingCycleMonthly
			}
			result, err = svc.CreatePaymentIntent(ctx, paymentsvc.IntentInput{
				TenantID:     tenantID,
				PlanID:       uuid.MustParse(payload.PlanID),
				BillingCycle: cycle,
				Provider:     enums.PaymentProvider(payload.Provider),
				Region:       strings.ToUpper(payload.Region),
				Buyer:        buyer,
			})
		}
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, result)
	}
}

// PaymentConfirm asks the provider for the charge outcome and applies it.
func PaymentConfirm(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payment service unavailable"))
			return
		}

		var payload confirmRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		payment, err := svc.ConfirmPayment(ctx, middleware.TenantIDFromContext(ctx), payload.TransactionRef, payload.PaymentMethodRef)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, newPaymentResponse(payment))
	}
}

func PaymentHistory(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payment service unavailable"))
			return
		}
		subscriptionID, err := validators.PathUUID(r, "id")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		list, err := svc.History(ctx, middleware.TenantIDFromContext(ctx), subscriptionID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		result := make([]paymentResponse, 0, len(list))
		for i := range list {
			result = append(result, newPaymentResponse(&list[i]))
		}
		responses.WriteSuccess(w, map[string]any{"payments": result})
	}
}
