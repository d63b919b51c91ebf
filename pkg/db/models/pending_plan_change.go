package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-engine/pkg/enums"
)

// PendingPlanChange is a requested plan switch awaiting payment or its scheduled date.
type PendingPlanChange struct {
	ID                  uuid.UUID              `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	SubscriptionID      uuid.UUID              `gorm:"column:subscription_id;type:uuid;not null;index"`
	CurrentPlanID       uuid.UUID              `gorm:"column:current_plan_id;type:uuid;not null"`
	NewPlanID           uuid.UUID              `gorm:"column:new_plan_id;type:uuid;not null"`
	CurrentBillingCycle enums.BillingCycle     `gorm:"column:current_billing_cycle;type:billing_cycle;not null"`
	NewBillingCycle     enums.BillingCycle     `gorm:"column:new_billing_cycle;type:billing_cycle;not null"`
	IsUpgrade           bool                   `gorm:"column:is_upgrade;not null"`
	ProrationAmount     decimal.Decimal        `gorm:"column:proration_amount;type:numeric(12,2);not null;default:0"`
	Currency            string                 `gorm:"column:currency;not null"`
	PaymentRequired     bool                   `gorm:"column:payment_required;not null;default:false"`
	PaymentStatus       enums.PlanChangeStatus `gorm:"column:payment_status;type:plan_change_status;not null"`
	ScheduledFor        *time.Time             `gorm:"column:scheduled_for"`
	AppliedAt           *time.Time             `gorm:"column:applied_at"`
	ExpiresAt           *time.Time             `gorm:"column:expires_at"`
	CreatedAt           time.Time              `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time              `gorm:"column:updated_at;autoUpdateTime"`
}

func (c *PendingPlanChange) BeforeCreate(*gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

// IsApplied reports whether the change already moved the subscription.
func (c PendingPlanChange) IsApplied() bool {
	return c.AppliedAt != nil
}
