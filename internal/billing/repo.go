package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	"github.com/angelmondragon/billing-engine/pkg/pagination"
)

// Repository persists invoices.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, invoice *models.Invoice) error
	Update(ctx context.Context, invoice *models.Invoice) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Invoice, error)
	FindByPaymentID(ctx context.Context, paymentID uuid.UUID) (*models.Invoice, error)
	ListPage(ctx context.Context, subscriptionIDs []uuid.UUID, cursor *pagination.Cursor, limit int) ([]models.Invoice, error)
	CountByNumberPrefix(ctx context.Context, prefix string) (int64, error)
	FindOpenForPeriod(ctx context.Context, subscriptionID uuid.UUID, periodStart time.Time) (*models.Invoice, error)
	ListOpenBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]models.Invoice, error)
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]models.Invoice, error)
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, invoice *models.Invoice) error {
	return r.db.WithContext(ctx).Create(invoice).Error
}

func (r *repository) Update(ctx context.Context, invoice *models.Invoice) error {
	return r.db.WithContext(ctx).Save(invoice).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Invoice, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *repository) FindByPaymentID(ctx context.Context, paymentID uuid.UUID) (*models.Invoice, error) {
	return r.first(ctx, "payment_id = ?", paymentID)
}

// FindOpenForPeriod returns the unpaid open invoice of a subscription period, if any.
func (r *repository) FindOpenForPeriod(ctx context.Context, subscriptionID uuid.UUID, periodStart time.Time) (*models.Invoice, error) {
	return r.first(ctx, "subscription_id = ? AND period_start = ? AND status = ? AND payment_id IS NULL",
		subscriptionID, periodStart, enums.InvoiceStatusOpen)
}

func (r *repository) ListOpenBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]models.Invoice, error) {
	var invoices []models.Invoice
	err := r.db.WithContext(ctx).
		Where("subscription_id = ? AND status = ?", subscriptionID, enums.InvoiceStatusOpen).
		Order("period_start ASC").
		Find(&invoices).Error
	return invoices, err
}

// ListOverdue returns unpaid open invoices due at or before now.
func (r *repository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]models.Invoice, error) {
	var invoices []models.Invoice
	err := r.db.WithContext(ctx).
		Where("status = ? AND payment_id IS NULL AND due_date <= ?", enums.InvoiceStatusOpen, now).
		Order("due_date ASC, id ASC").
		Limit(limit).
		Find(&invoices).Error
	return invoices, err
}

func (r *repository) first(ctx context.Context, query string, args ...any) (*models.Invoice, error) {
	var invoice models.Invoice
	if err := r.db.WithContext(ctx).Where(query, args...).First(&invoice).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &invoice, nil
}

// ListPage returns up to limit invoices older than cursor, newest first.
func (r *repository) ListPage(ctx context.Context, subscriptionIDs []uuid.UUID, cursor *pagination.Cursor, limit int) ([]models.Invoice, error) {
	if len(subscriptionIDs) == 0 {
		return nil, nil
	}
	query := r.db.WithContext(ctx).Where("subscription_id IN ?", subscriptionIDs)
	if cursor != nil {
		query = query.Where("created_at < ? OR (created_at = ? AND id < ?)", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
	var invoices []models.Invoice
	if err := query.Order("created_at DESC, id DESC").Limit(limit).Find(&invoices).Error; err != nil {
		return nil, err
	}
	return invoices, nil
}

func (r *repository) CountByNumberPrefix(ctx context.Context, prefix string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Invoice{}).
		Where("invoice_number LIKE ?", prefix+"%").
		Count(&count).Error
	return count, err
}
