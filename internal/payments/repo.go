package payments

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbpkg "github.com/angelmondragon/billing-engine/pkg/db"
	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
)

// Repository persists subscription payments.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, payment *models.SubscriptionPayment) error
	Save(ctx context.Context, payment *models.SubscriptionPayment) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.SubscriptionPayment, error)
	FindByTransaction(ctx context.Context, ref string) (*models.SubscriptionPayment, error)
	LockByTransaction(ctx context.Context, provider enums.PaymentProvider, ref string) (*models.SubscriptionPayment, error)
	FindPendingForChange(ctx context.Context, changeID uuid.UUID) (*models.SubscriptionPayment, error)
	ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]models.SubscriptionPayment, error)
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

func (r *repository) Create(ctx context.Context, payment *models.SubscriptionPayment) error {
	return r.db.WithContext(ctx).Create(payment).Error
}

func (r *repository) Save(ctx context.Context, payment *models.SubscriptionPayment) error {
	return r.db.WithContext(ctx).Save(payment).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.SubscriptionPayment, error) {
	return firstPayment(r.db.WithContext(ctx).Where("id = ?", id))
}

// FindByTransaction looks a payment up by the ref handed to the tenant's client.
func (r *repository) FindByTransaction(ctx context.Context, ref string) (*models.SubscriptionPayment, error) {
	return firstPayment(r.db.WithContext(ctx).Where("provider_transaction_id = ?", ref).Order("created_at DESC"))
}

func (r *repository) LockByTransaction(ctx context.Context, provider enums.PaymentProvider, ref string) (*models.SubscriptionPayment, error) {
	return firstPayment(dbpkg.ForUpdate(r.db.WithContext(ctx)).
		Where("provider = ? AND provider_transaction_id = ?", provider, ref))
}

func (r *repository) FindPendingForChange(ctx context.Context, changeID uuid.UUID) (*models.SubscriptionPayment, error) {
	return firstPayment(r.db.WithContext(ctx).
		Where("pending_change_id = ? AND status = ?", changeID, enums.PaymentStatusPending).
		Order("created_at DESC"))
}

func (r *repository) ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]models.SubscriptionPayment, error) {
	var payments []models.SubscriptionPayment
	err := r.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("created_at DESC").
		Find(&payments).Error
	return payments, err
}

func firstPayment(query *gorm.DB) (*models.SubscriptionPayment, error) {
	var payment models.SubscriptionPayment
	if err := query.First(&payment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &payment, nil
}
