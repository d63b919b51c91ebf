package billing

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/billing-engine/api/middleware"
	"github.com/angelmondragon/billing-engine/api/responses"
	"github.com/angelmondragon/billing-engine/api/validators"
	billingsvc "github.com/angelmondragon/billing-engine/internal/billing"
	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/logger"
	"github.com/angelmondragon/billing-engine/pkg/pagination"
)

// InvoiceLedger reads issued invoices.
type InvoiceLedger interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Invoice, error)
	ListPage(ctx context.Context, params pagination.Params, subscriptionIDs ...uuid.UUID) (*billingsvc.InvoicePage, error)
}

// SubscriptionReader scopes invoices to the subscriptions a tenant owns.
type SubscriptionReader interface {
	Get(ctx context.Context, tenantID, subscriptionID uuid.UUID) (*models.Subscription, error)
	History(ctx context.Context, tenantID uuid.UUID) ([]models.Subscription, error)
}

type PlanReader interface {
	GetPlan(ctx context.Context, id uuid.UUID) (*models.Plan, error)
}

type invoiceResponse struct {
	ID             uuid.UUID           `json:"id"`
	SubscriptionID uuid.UUID           `json:"subscriptionId"`
	InvoiceNumber  string              `json:"invoiceNumber"`
	Subtotal       decimal.Decimal     `json:"subtotal"`
	Tax            decimal.Decimal     `json:"tax"`
	Total          decimal.Decimal     `json:"total"`
	Currency       string              `json:"currency"`
	PeriodStart    time.Time           `json:"periodStart"`
	PeriodEnd      time.Time           `json:"periodEnd"`
	Status         enums.InvoiceStatus `json:"status"`
	DueDate        *time.Time          `json:"dueDate,omitempty"`
	PaidAt         *time.Time          `json:"paidAt,omitempty"`
	Description    *string             `json:"description,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
}

func newInvoiceResponse(inv models.Invoice) invoiceResponse {
	return invoiceResponse{
		ID:             inv.ID,
		SubscriptionID: inv.SubscriptionID,
		InvoiceNumber:  inv.InvoiceNumber,
		Subtotal:       inv.Subtotal,
		Tax:            inv.Tax,
		Total:          inv.Total,
		Currency:       inv.Currency,
		PeriodStart:    inv.PeriodStart,
		PeriodEnd:      inv.PeriodEnd,
		Status:         inv.Status,
		DueDate:        inv.DueDate,
		PaidAt:         inv.PaidAt,
		Description:    inv.Description,
		CreatedAt:      inv.CreatedAt,
	}
}

// InvoicesList pages through invoices across the tenant's subscriptions with ?limit and ?cursor.
func InvoicesList(subs SubscriptionReader, ledger InvoiceLedger, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if subs == nil || ledger == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "invoice service unavailable"))
			return
		}

		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		params := pagination.Params{Limit: limit, Cursor: strings.TrimSpace(r.URL.Query().Get("cursor"))}

		history, err := subs.History(ctx, middleware.TenantIDFromContext(ctx))
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		result := []invoiceResponse{}
		nextCursor := ""
		if len(history) > 0 {
			ids := make([]uuid.UUID, 0, len(history))
			for _, sub := range history {
				ids = append(ids, sub.ID)
			}
			page, err := ledger.ListPage(ctx, params, ids...)
			if err != nil {
				responses.WriteError(ctx, logg, w, err)
				return
			}
			for _, inv := range page.Invoices {
				result = append(result, newInvoiceResponse(inv))
			}
			nextCursor = page.NextCursor
		}
		responses.WriteSuccess(w, map[string]any{"invoices": result, "nextCursor": nextCursor})
	}
}

// InvoicePDF streams the rendered invoice. Invoices of other tenants read as NOT_FOUND.
func InvoicePDF(subs SubscriptionReader, ledger InvoiceLedger, plans PlanReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if subs == nil || ledger == nil || plans == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "invoice service unavailable"))
			return
		}
		invoiceID, err := validators.PathUUID(r, "id")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		tenantID := middleware.TenantIDFromContext(ctx)

		invoice, err := ledger.Get(ctx, invoiceID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		sub, err := subs.Get(ctx, tenantID, invoice.SubscriptionID)
		if err != nil {
			if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
				err = pkgerrors.New(pkgerrors.CodeNotFound, "invoice not found")
			}
			responses.WriteError(ctx, logg, w, err)
			return
		}
		plan, err := plans.GetPlan(ctx, sub.PlanID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		body, err := billingsvc.RenderPDF(*invoice, plan, tenantID.String())
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "render invoice"))
			return
		}
		responses.WriteAttachment(w, "application/pdf", fmt.Sprintf("%s.pdf", invoice.InvoiceNumber), body)
	}
}
