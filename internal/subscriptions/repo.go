package subscriptions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbpkg "github.com/angelmondragon/billing-engine/pkg/db"
	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
)

const defaultBatchLimit = 200

// Repository persists subscriptions and their plan changes.
type Repository interface {
	WithTx(tx *gorm.DB) Repository

	Create(ctx context.Context, sub *models.Subscription) error
	Save(ctx context.Context, sub *models.Subscription) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
	LockByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
	FindLive(ctx context.Context, tenantID uuid.UUID) (*models.Subscription, error)
	FindLatestOpen(ctx context.Context, tenantID uuid.UUID) (*models.Subscription, error)
	FindPendingSignup(ctx context.Context, tenantID uuid.UUID) (*models.Subscription, error)
	HasHadTrial(ctx context.Context, tenantID uuid.UUID) (bool, error)
	ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]models.Subscription, error)

	ListTrialsEnded(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error)
	ListTrialsEndingBetween(ctx context.Context, from, to time.Time, limit int) ([]models.Subscription, error)
	ListDueForRenewal(ctx context.Context, horizon time.Time, limit int) ([]models.Subscription, error)
	ListPendingCancellations(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error)
	ListPastDueSince(ctx context.Context, cutoff time.Time, limit int) ([]models.Subscription, error)
	ListAbandonedSignups(ctx context.Context, cutoff time.Time, limit int) ([]models.Subscription, error)

	CreateChange(ctx context.Context, change *models.PendingPlanChange) error
	SaveChange(ctx context.Context, change *models.PendingPlanChange) error
	FindChange(ctx context.Context, id uuid.UUID) (*models.PendingPlanChange, error)
	LockChange(ctx context.Context, id uuid.UUID) (*models.PendingPlanChange, error)
	FindOpenChange(ctx context.Context, subscriptionID uuid.UUID) (*models.PendingPlanChange, error)
	ListStaleChanges(ctx context.Context, cutoff time.Time, limit int) ([]models.PendingPlanChange, error)
	ListDueDowngrades(ctx context.Context, now time.Time, limit int) ([]models.PendingPlanChange, error)
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

func (r *repository) Create(ctx context.Context, sub *models.Subscription) error {
	return r.db.WithContext(ctx).Create(sub).Error
}

func (r *repository) Save(ctx context.Context, sub *models.Subscription) error {
	return r.db.WithContext(ctx).Save(sub).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	return firstSubscription(r.db.WithContext(ctx).Where("id = ?", id))
}

func (r *repository) LockByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	return firstSubscription(dbpkg.ForUpdate(r.db.WithContext(ctx)).Where("id = ?", id))
}

// FindLive returns the tenant's TRIALING or ACTIVE subscription, newest first.
func (r *repository) FindLive(ctx context.Context, tenantID uuid.UUID) (*models.Subscription, error) {
	return firstSubscription(r.db.WithContext(ctx).
		Where("tenant_id = ? AND status IN ?", tenantID, enums.LiveSubscriptionStatuses).
		Order("created_at DESC"))
}

// FindLatestOpen also returns PAST_DUE subscriptions so the tenant can settle them.
func (r *repository) FindLatestOpen(ctx context.Context, tenantID uuid.UUID) (*models.Subscription, error) {
	statuses := []enums.SubscriptionStatus{
		enums.SubscriptionStatusTrialing,
		enums.SubscriptionStatusActive,
		enums.SubscriptionStatusPastDue,
	}
	return firstSubscription(r.db.WithContext(ctx).
		Where("tenant_id = ? AND status IN ?", tenantID, statuses).
		Order("created_at DESC"))
}

func (r *repository) FindPendingSignup(ctx context.Context, tenantID uuid.UUID) (*models.Subscription, error) {
	return firstSubscription(r.db.WithContext(ctx).
		Where("tenant_id = ? AND status = ?", tenantID, enums.SubscriptionStatusPending).
		Order("created_at DESC"))
}

func (r *repository) HasHadTrial(ctx context.Context, tenantID uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("tenant_id = ? AND trial_start IS NOT NULL", tenantID).
		Count(&count).Error
	return count > 0, err
}

func (r *repository) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at DESC").
		Find(&subs).Error
	return subs, err
}

func (r *repository) ListTrialsEnded(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	return r.listSubscriptions(ctx, limit, "status = ? AND is_trial_period = ? AND trial_end <= ?",
		enums.SubscriptionStatusTrialing, true, now)
}

func (r *repository) ListTrialsEndingBetween(ctx context.Context, from, to time.Time, limit int) ([]models.Subscription, error) {
	return r.listSubscriptions(ctx, limit, "status = ? AND is_trial_period = ? AND trial_end > ? AND trial_end <= ?",
		enums.SubscriptionStatusTrialing, true, from, to)
}

func (r *repository) ListDueForRenewal(ctx context.Context, horizon time.Time, limit int) ([]models.Subscription, error) {
	return r.listSubscriptions(ctx, limit,
		"status = ? AND auto_renew = ? AND cancel_at_period_end = ? AND current_period_end <= ?",
		enums.SubscriptionStatusActive, true, false, horizon)
}

func (r *repository) ListPendingCancellations(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	return r.listSubscriptions(ctx, limit, "status IN ? AND cancel_at_period_end = ? AND current_period_end <= ?",
		[]enums.SubscriptionStatus{enums.SubscriptionStatusTrialing, enums.SubscriptionStatusActive, enums.SubscriptionStatusPastDue},
		true, now)
}

func (r *repository) ListPastDueSince(ctx context.Context, cutoff time.Time, limit int) ([]models.Subscription, error) {
	return r.listSubscriptions(ctx, limit, "status = ? AND past_due_since <= ?", enums.SubscriptionStatusPastDue, cutoff)
}

func (r *repository) ListAbandonedSignups(ctx context.Context, cutoff time.Time, limit int) ([]models.Subscription, error) {
	return r.listSubscriptions(ctx, limit, "status = ? AND created_at <= ?", enums.SubscriptionStatusPending, cutoff)
}

func (r *repository) listSubscriptions(ctx context.Context, limit int, query string, args ...any) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Where(query, args...).
		Order("current_period_end ASC").
		Limit(batchLimit(limit)).
		Find(&subs).Error
	return subs, err
}

func (r *repository) CreateChange(ctx context.Context, change *models.PendingPlanChange) error {
	return r.db.WithContext(ctx).Create(change).Error
}

func (r *repository) SaveChange(ctx context.Context, change *models.PendingPlanChange) error {
	return r.db.WithContext(ctx).Save(change).Error
}

func (r *repository) FindChange(ctx context.Context, id uuid.UUID) (*models.PendingPlanChange, error) {
	return firstChange(r.db.WithContext(ctx).Where("id = ?", id))
}

func (r *repository) LockChange(ctx context.Context, id uuid.UUID) (*models.PendingPlanChange, error) {
	return firstChange(dbpkg.ForUpdate(r.db.WithContext(ctx)).Where("id = ?", id))
}

// FindOpenChange returns the change awaiting payment or the downgrade still waiting for its date.
func (r *repository) FindOpenChange(ctx context.Context, subscriptionID uuid.UUID) (*models.PendingPlanChange, error) {
	return firstChange(r.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Where("payment_status = ? OR (payment_status = ? AND applied_at IS NULL)",
			enums.PlanChangeStatusPending, enums.PlanChangeStatusCompleted).
		Order("created_at DESC"))
}

func (r *repository) ListStaleChanges(ctx context.Context, cutoff time.Time, limit int) ([]models.PendingPlanChange, error) {
	var changes []models.PendingPlanChange
	err := r.db.WithContext(ctx).
		Where("payment_status = ? AND created_at <= ?", enums.PlanChangeStatusPending, cutoff).
		Order("created_at ASC").
		Limit(batchLimit(limit)).
		Find(&changes).Error
	return changes, err
}

func (r *repository) ListDueDowngrades(ctx context.Context, now time.Time, limit int) ([]models.PendingPlanChange, error) {
	var changes []models.PendingPlanChange
	err := r.db.WithContext(ctx).
		Where("payment_status = ? AND is_upgrade = ? AND applied_at IS NULL AND scheduled_for <= ?",
			enums.PlanChangeStatusCompleted, false, now).
		Order("scheduled_for ASC").
		Limit(batchLimit(limit)).
		Find(&changes).Error
	return changes, err
}

func firstSubscription(query *gorm.DB) (*models.Subscription, error) {
	var sub models.Subscription
	if err := query.First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func firstChange(query *gorm.DB) (*models.PendingPlanChange, error) {
	var change models.PendingPlanChange
	if err := query.First(&change).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &change, nil
}

func batchLimit(limit int) int {
	if limit <= 0 {
		return defaultBatchLimit
	}
	return limit
}
