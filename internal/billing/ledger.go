package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	dbpkg "github.com/angelmondragon/billing-engine/pkg/db"
	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/logger"
	"github.com/angelmondragon/billing-engine/pkg/outbox"
	"github.com/angelmondragon/billing-engine/pkg/outbox/payloads"
	"github.com/angelmondragon/billing-engine/pkg/pagination"
)

const (
	invoiceNumberAttempts = 2
	invoiceSavepoint      = "invoice_number"
)

// LedgerParams groups dependencies for the invoice ledger.
type LedgerParams struct {
	Repo    Repository
	TaxRate TaxRate
	Logger  *logger.Logger
	Now     func() time.Time
}

// Ledger issues and maintains invoices.
type Ledger struct {
	repo Repository
	tax  TaxRate
	logg *logger.Logger
	now  func() time.Time
}

func NewLedger(params LedgerParams) (*Ledger, error) {
	if params.Repo == nil {
		return nil, errors.New("invoice repository is required")
	}
	tax := params.TaxRate
	if tax == nil {
		tax = FlatTaxRate{Rate: decimal.Zero}
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Ledger{repo: params.Repo, tax: tax, logg: params.Logger, now: now}, nil
}

// InvoiceNumber formats INV-YYYYMM-#### for the seq-th invoice of the month.
func InvoiceNumber(at time.Time, seq int64) string {
	return fmt.Sprintf("%s%04d", invoicePrefix(at), seq)
}

func invoicePrefix(at time.Time) string {
	return fmt.Sprintf("INV-%04d%02d-", at.Year(), int(at.Month()))
}

// CreateForPayment issues the invoice for a payment. It returns the existing invoice when one was already
// issued for the payment. A succeeded renewal payment settles the invoice left open for the current period
// instead of issuing a second one. created reports whether an invoice was issued or settled.
func (l *Ledger) CreateForPayment(ctx context.Context, tx *gorm.DB, sub models.Subscription, payment models.SubscriptionPayment, description string) (*models.Invoice, bool, error) {
	repo := l.repo.WithTx(tx)
	existing, err := repo.FindByPaymentID(ctx, payment.ID)
	if err != nil {
		return nil, false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load invoice for payment")
	}
	if existing != nil {
		return existing, false, nil
	}
	if payment.Status == enums.PaymentStatusSucceeded && payment.Purpose == enums.PaymentPurposeRenewal {
		open, err := repo.FindOpenForPeriod(ctx, sub.ID, sub.CurrentPeriodStart)
		if err != nil {
			return nil, false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load open invoice")
		}
		if open != nil {
			if err := l.markPaid(ctx, repo, open, payment); err != nil {
				return nil, false, err
			}
			l.logSettled(ctx, open)
			return open, true, nil
		}
	}

	now := l.now().UTC()
	paymentID := payment.ID
	invoice := &models.Invoice{
		SubscriptionID: sub.ID,
		PaymentID:      &paymentID,
		Currency:       payment.Currency,
		PeriodStart:    sub.CurrentPeriodStart,
		PeriodEnd:      sub.CurrentPeriodEnd,
		Status:         enums.InvoiceStatusOpen,
		DueDate:        &now,
	}
	invoice.Subtotal = payment.Amount
	invoice.Tax, invoice.Total = ComputeTotals(payment.Amount, l.tax)
	if payment.Status == enums.PaymentStatusSucceeded {
		invoice.Status = enums.InvoiceStatusPaid
		paidAt := now
		if payment.PaidAt != nil {
			paidAt = payment.PaidAt.UTC()
		}
		invoice.PaidAt = &paidAt
	}
	invoice.Description = describe(description, sub)

	if err := l.insertNumbered(ctx, tx, repo, invoice, now); err != nil {
		return nil, false, err
	}
	l.logCreated(ctx, invoice)
	return invoice, true, nil
}

// CreateZeroInvoice records a free or trial period as a settled zero-amount invoice.
func (l *Ledger) CreateZeroInvoice(ctx context.Context, tx *gorm.DB, sub models.Subscription, description string) (*models.Invoice, error) {
	repo := l.repo.WithTx(tx)
	now := l.now().UTC()
	invoice := &models.Invoice{
		SubscriptionID: sub.ID,
		Subtotal:       decimal.Zero,
		Tax:            decimal.Zero,
		Total:          decimal.Zero,
		Currency:       sub.Currency,
		PeriodStart:    sub.CurrentPeriodStart,
		PeriodEnd:      sub.CurrentPeriodEnd,
		Status:         enums.InvoiceStatusPaid,
		DueDate:        &now,
		PaidAt:         &now,
		Description:    describe(description, sub),
	}
	if err := l.insertNumbered(ctx, tx, repo, invoice, now); err != nil {
		return nil, err
	}
	l.logCreated(ctx, invoice)
	return invoice, nil
}

// insertNumbered assigns the next monthly number and retries once when a concurrent writer took it.
// The retry re-counts, so the winner's row is already included.
func (l *Ledger) insertNumbered(ctx context.Context, tx *gorm.DB, repo Repository, invoice *models.Invoice, now time.Time) error {
	prefix := invoicePrefix(now)
	var lastErr error
	for attempt := 0; attempt < invoiceNumberAttempts; attempt++ {
		count, err := repo.CountByNumberPrefix(ctx, prefix)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count invoices")
		}
		invoice.ID = uuid.Nil
		invoice.InvoiceNumber = InvoiceNumber(now, count+1)

		if tx != nil {
			if err := tx.SavePoint(invoiceSavepoint).Error; err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "invoice savepoint")
			}
		}
		lastErr = repo.Create(ctx, invoice)
		if lastErr == nil {
			return nil
		}
		if tx != nil {
			if err := tx.RollbackTo(invoiceSavepoint).Error; err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "rollback invoice savepoint")
			}
		}
		if !dbpkg.IsUniqueViolation(lastErr, "") {
			break
		}
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, lastErr, "create invoice")
}

func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*models.Invoice, error) {
	invoice, err := l.repo.FindByID(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load invoice")
	}
	if invoice == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "invoice not found")
	}
	return invoice, nil
}

// InvoicePage is one page of a tenant's invoice history. NextCursor is empty on the last page.
type InvoicePage struct {
	Invoices   []models.Invoice
	NextCursor string
}

// ListPage pages through invoices of the given subscriptions, newest first.
func (l *Ledger) ListPage(ctx context.Context, params pagination.Params, subscriptionIDs ...uuid.UUID) (*InvoicePage, error) {
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	limit := pagination.NormalizeLimit(params.Limit)
	rows, err := l.repo.ListPage(ctx, subscriptionIDs, cursor, pagination.LimitWithBuffer(params.Limit))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list invoices")
	}
	page := &InvoicePage{Invoices: rows}
	if len(rows) > limit {
		page.Invoices = rows[:limit]
		last := page.Invoices[limit-1]
		page.NextCursor = pagination.EncodeCursor(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return page, nil
}

// OpenRenewalInvoice records the amount owed for a period nobody was charged for yet. It returns the
// invoice already open for the subscription's current period when there is one.
func (l *Ledger) OpenRenewalInvoice(ctx context.Context, tx *gorm.DB, sub models.Subscription, dueAt time.Time) (*models.Invoice, bool, error) {
	repo := l.repo.WithTx(tx)
	existing, err := repo.FindOpenForPeriod(ctx, sub.ID, sub.CurrentPeriodStart)
	if err != nil {
		return nil, false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load open invoice")
	}
	if existing != nil {
		return existing, false, nil
	}

	now := l.now().UTC()
	due := dueAt.UTC()
	invoice := &models.Invoice{
		SubscriptionID: sub.ID,
		Currency:       sub.Currency,
		PeriodStart:    sub.CurrentPeriodStart,
		PeriodEnd:      sub.CurrentPeriodEnd,
		Status:         enums.InvoiceStatusOpen,
		DueDate:        &due,
		Description:    describe("", sub),
	}
	invoice.Subtotal = sub.Amount
	invoice.Tax, invoice.Total = ComputeTotals(sub.Amount, l.tax)
	if err := l.insertNumbered(ctx, tx, repo, invoice, now); err != nil {
		return nil, false, err
	}
	l.logCreated(ctx, invoice)
	return invoice, true, nil
}

// ListOverdue returns open renewal invoices whose due date passed, oldest due first.
func (l *Ledger) ListOverdue(ctx context.Context, now time.Time, limit int) ([]models.Invoice, error) {
	rows, err := l.repo.ListOverdue(ctx, now, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list overdue invoices")
	}
	return rows, nil
}

// FindOpen returns the invoice when it is still OPEN and unpaid, nil otherwise.
func (l *Ledger) FindOpen(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.Invoice, error) {
	invoice, err := l.repo.WithTx(tx).FindByID(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load invoice")
	}
	if invoice == nil || invoice.Status != enums.InvoiceStatusOpen || invoice.PaymentID != nil {
		return nil, nil
	}
	return invoice, nil
}

// CloseOpen moves every open invoice of a subscription to VOID or UNCOLLECTIBLE and reports how many
// it closed.
func (l *Ledger) CloseOpen(ctx context.Context, tx *gorm.DB, subscriptionID uuid.UUID, to enums.InvoiceStatus) (int, error) {
	if to != enums.InvoiceStatusVoid && to != enums.InvoiceStatusUncollectible {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("cannot close invoices as %s", to))
	}
	repo := l.repo.WithTx(tx)
	open, err := repo.ListOpenBySubscription(ctx, subscriptionID)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list open invoices")
	}
	for i := range open {
		if err := l.transition(ctx, repo, &open[i], to); err != nil {
			return 0, err
		}
	}
	return len(open), nil
}

func (l *Ledger) markPaid(ctx context.Context, repo Repository, invoice *models.Invoice, payment models.SubscriptionPayment) error {
	if invoice.Status != enums.InvoiceStatusOpen && invoice.Status != enums.InvoiceStatusDraft {
		return pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("invoice is %s", invoice.Status))
	}
	paidAt := l.now().UTC()
	if payment.PaidAt != nil {
		paidAt = payment.PaidAt.UTC()
	}
	paymentID := payment.ID
	invoice.Status = enums.InvoiceStatusPaid
	invoice.PaymentID = &paymentID
	invoice.PaidAt = &paidAt
	if err := repo.Update(ctx, invoice); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update invoice")
	}
	return nil
}

func (l *Ledger) transition(ctx context.Context, repo Repository, invoice *models.Invoice, to enums.InvoiceStatus) error {
	if invoice.Status == to {
		return nil
	}
	allowed := invoice.Status == enums.InvoiceStatusOpen ||
		(to == enums.InvoiceStatusVoid && invoice.Status == enums.InvoiceStatusDraft)
	if !allowed {
		return pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("cannot move invoice from %s to %s", invoice.Status, to))
	}
	invoice.Status = to
	if to == enums.InvoiceStatusVoid {
		now := l.now().UTC()
		invoice.VoidedAt = &now
	}
	if err := repo.Update(ctx, invoice); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update invoice")
	}
	return nil
}

func describe(description string, sub models.Subscription) *string {
	if description == "" {
		description = fmt.Sprintf("Subscription invoice for %s - %s",
			sub.CurrentPeriodStart.Format("2006-01-02"), sub.CurrentPeriodEnd.Format("2006-01-02"))
	}
	return &description
}

func (l *Ledger) logCreated(ctx context.Context, invoice *models.Invoice) {
	if l.logg == nil {
		return
	}
	logCtx := l.logg.WithFields(ctx, map[string]any{
		"invoice_id":      invoice.ID.String(),
		"invoice_number":  invoice.InvoiceNumber,
		"subscription_id": invoice.SubscriptionID.String(),
		"status":          invoice.Status,
	})
	l.logg.Info(logCtx, "invoice created")
}

func (l *Ledger) logSettled(ctx context.Context, invoice *models.Invoice) {
	if l.logg == nil {
		return
	}
	logCtx := l.logg.WithFields(ctx, map[string]any{
		"invoice_id":      invoice.ID.String(),
		"invoice_number":  invoice.InvoiceNumber,
		"subscription_id": invoice.SubscriptionID.String(),
	})
	l.logg.Info(logCtx, "open invoice settled")
}

// InvoiceReadyEvent builds the outbox event announcing an issued invoice.
func InvoiceReadyEvent(ctx context.Context, invoice *models.Invoice, tenantID uuid.UUID, at time.Time) outbox.DomainEvent {
	return outbox.DomainEvent{
		EventType:     enums.EventInvoiceReady,
		AggregateType: enums.AggregateInvoice,
		AggregateID:   invoice.ID,
		Actor:         outbox.Actor(ctx, tenantID),
		Data: payloads.InvoiceReadyEvent{
			InvoiceID:      invoice.ID,
			SubscriptionID: invoice.SubscriptionID,
			TenantID:       tenantID,
			PaymentID:      invoice.PaymentID,
			InvoiceNumber:  invoice.InvoiceNumber,
			Status:         invoice.Status,
			Total:          invoice.Total,
			Currency:       invoice.Currency,
			PeriodStart:    invoice.PeriodStart,
			PeriodEnd:      invoice.PeriodEnd,
		},
		OccurredAt: at,
	}
}
