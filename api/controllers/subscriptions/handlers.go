package subscriptions

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/billing-engine/api/middleware"
	"github.com/angelmondragon/billing-engine/api/responses"
	"github.com/angelmondragon/billing-engine/api/validators"
	subsvc "github.com/angelmondragon/billing-engine/internal/subscriptions"
	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/logger"
)

// Service is the slice of the subscription service the tenant endpoints use.
type Service interface {
	GetCurrent(ctx context.Context, tenantID uuid.UUID) (*models.Subscription, error)
	GetOpen(ctx context.Context, tenantID uuid.UUID) (*models.Subscription, error)
	History(ctx context.Context, tenantID uuid.UUID) ([]models.Subscription, error)
	Create(ctx context.Context, input subsvc.CreateInput) (*models.Subscription, error)
	ChangePlan(ctx context.Context, tenantID, subscriptionID, newPlanID uuid.UUID, cycle enums.BillingCycle) (*subsvc.ChangeResult, error)
	GetPendingChange(ctx context.Context, tenantID, subscriptionID uuid.UUID) (*models.PendingPlanChange, error)
	CancelPendingChange(ctx context.Context, tenantID, subscriptionID uuid.UUID) (*models.PendingPlanChange, error)
	Cancel(ctx context.Context, tenantID, subscriptionID uuid.UUID, immediate bool, reason string) (*models.Subscription, error)
	Reactivate(ctx context.Context, tenantID, subscriptionID uuid.UUID) (*models.Subscription, error)
	UpdateSettings(ctx context.Context, tenantID, subscriptionID uuid.UUID, input subsvc.SettingsInput) (*models.Subscription, error)
}

type createRequest struct {
	PlanID           string  `json:"planId" validate:"required,uuid"`
	BillingCycle     string  `json:"billingCycle" validate:"required,billing_cycle"`
	PaymentMethodRef *string `json:"paymentMethodRef,omitempty" validate:"omitempty,max=255"`
	Provider         string  `json:"provider,omitempty" validate:"omitempty,payment_provider"`
	Region           string  `json:"region,omitempty" validate:"omitempty,iso3166_1_alpha2"`
}

type changePlanRequest struct {
	NewPlanID    string `json:"newPlanId" validate:"required,uuid"`
	BillingCycle string `json:"billingCycle,omitempty" validate:"omitempty,billing_cycle"`
}

type cancelRequest struct {
	Immediate bool   `json:"immediate"`
	Reason    string `json:"reason,omitempty" validate:"max=500"`
}

type settingsRequest struct {
	AutoRenew        *bool   `json:"autoRenew,omitempty"`
	PaymentMethodRef *string `json:"paymentMethodRef,omitempty" validate:"omitempty,max=255"`
}

// SubscriptionCurrent returns the tenant's live subscription, or a PAST_DUE one awaiting payment.
func SubscriptionCurrent(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}
		tenantID := middleware.TenantIDFromContext(ctx)

		sub, err := svc.GetCurrent(ctx, tenantID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if sub == nil {
			open, err := svc.GetOpen(ctx, tenantID)
			if err != nil {
				responses.WriteError(ctx, logg, w, err)
				return
			}
			if open != nil && open.Status == enums.SubscriptionStatusPastDue {
				sub = open
			}
		}
		if sub == nil {
			responses.WriteSuccess(w, currentResponse{})
			return
		}

		change, err := svc.GetPendingChange(ctx, tenantID, sub.ID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, currentResponse{
			Subscription:  newSubscriptionResponse(sub),
			PendingChange: newPendingChangeResponse(change),
		})
	}
}

// SubscriptionHistory lists every subscription of the tenant, newest first.
func SubscriptionHistory(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}
		subs, err := svc.History(ctx, middleware.TenantIDFromContext(ctx))
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		result := make([]*subscriptionResponse, 0, len(subs))
		for i := range subs {
			result = append(result, newSubscriptionResponse(&subs[i]))
		}
		responses.WriteSuccess(w, map[string]any{"subscriptions": result})
	}
}

func SubscriptionCreate(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}

		var payload createRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		sub, err := svc.Create(ctx, subsvc.CreateInput{
			TenantID:         middleware.TenantIDFromContext(ctx),
			PlanID:           uuid.MustParse(payload.PlanID),
			BillingCycle:     enums.BillingCycle(payload.BillingCycle),
			PaymentMethodRef: payload.PaymentMethodRef,
			Provider:         enums.PaymentProvider(payload.Provider),
			Region:           strings.ToUpper(payload.Region),
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, newSubscriptionResponse(sub))
	}
}

func SubscriptionChangePlan(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}
		subscriptionID, err := validators.PathUUID(r, "id")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var payload changePlanRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		result, err := svc.ChangePlan(ctx, middleware.TenantIDFromContext(ctx), subscriptionID, uuid.MustParse(payload.NewPlanID), enums.BillingCycle(payload.BillingCycle))
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, changeResponse{
			Subscription:  newSubscriptionResponse(result.Subscription),
			PendingChange: newPendingChangeResponse(result.PendingChange),
			Applied:       result.Applied,
		})
	}
}

func SubscriptionCancelPendingChange(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}
		subscriptionID, err := validators.PathUUID(r, "id")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		change, err := svc.CancelPendingChange(ctx, middleware.TenantIDFromContext(ctx), subscriptionID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, newPendingChangeResponse(change))
	}
}

// SubscriptionCancel ends the subscription at period end, or now when immediate is set in the body or query.
func SubscriptionCancel(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}
		subscriptionID, err := validators.PathUUID(r, "id")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var payload cancelRequest
		if r.ContentLength != 0 {
			if err := validators.DecodeJSONBody(r, &payload); err != nil {
				responses.WriteError(ctx, logg, w, err)
				return
			}
		}
		immediate, err := validators.ParseQueryBool(r, "immediate")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		payload.Immediate = payload.Immediate || immediate

		sub, err := svc.Cancel(ctx, middleware.TenantIDFromContext(ctx), subscriptionID, payload.Immediate, validators.SanitizeString(payload.Reason, 500))
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, newSubscriptionResponse(sub))
	}
}

func SubscriptionReactivate(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}
		subscriptionID, err := validators.PathUUID(r, "id")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		sub, err := svc.Reactivate(ctx, middleware.TenantIDFromContext(ctx), subscriptionID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, newSubscriptionResponse(sub))
	}
}

func SubscriptionUpdateSettings(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}
		subscriptionID, err := validators.PathUUID(r, "id")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var payload settingsRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if payload.AutoRenew == nil && payload.PaymentMethodRef == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "nothing to update"))
			return
		}

		sub, err := svc.UpdateSettings(ctx, middleware.TenantIDFromContext(ctx), subscriptionID, subsvc.SettingsInput{
			AutoRenew:        payload.AutoRenew,
			PaymentMethodRef: payload.PaymentMethodRef,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, newSubscriptionResponse(sub))
	}
}
