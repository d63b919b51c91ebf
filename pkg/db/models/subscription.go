package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-engine/pkg/enums"
)

// Subscription binds a tenant to a plan for a billing period.
type Subscription struct {
	ID                     uuid.UUID                `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	TenantID               uuid.UUID                `gorm:"column:tenant_id;type:uuid;not null;index"`
	PlanID                 uuid.UUID                `gorm:"column:plan_id;type:uuid;not null"`
	Status                 enums.SubscriptionStatus `gorm:"column:status;type:subscription_status;not null"`
	BillingCycle           enums.BillingCycle       `gorm:"column:billing_cycle;type:billing_cycle;not null"`
	PaymentProvider        enums.PaymentProvider    `gorm:"column:payment_provider;type:payment_provider;not null"`
	CurrentPeriodStart     time.Time                `gorm:"column:current_period_start;not null"`
	CurrentPeriodEnd       time.Time                `gorm:"column:current_period_end;not null"`
	IsTrialPeriod          bool                     `gorm:"column:is_trial_period;not null;default:false"`
	TrialStart             *time.Time               `gorm:"column:trial_start"`
	TrialEnd               *time.Time               `gorm:"column:trial_end"`
	Amount                 decimal.Decimal          `gorm:"column:amount;type:numeric(12,2);not null"`
	Currency               string                   `gorm:"column:currency;not null"`
	AutoRenew              bool                     `gorm:"column:auto_renew;not null;default:true"`
	CancelAtPeriodEnd      bool                     `gorm:"column:cancel_at_period_end;not null;default:false"`
	CancelledAt            *time.Time               `gorm:"column:cancelled_at"`
	CancellationReason     *string                  `gorm:"column:cancellation_reason"`
	EndedAt                *time.Time               `gorm:"column:ended_at"`
	PastDueSince           *time.Time               `gorm:"column:past_due_since"`
	StartDate              time.Time                `gorm:"column:start_date;not null"`
	PaymentMethodRef       *string                  `gorm:"column:payment_method_ref"`
	ProviderCustomerID     *string                  `gorm:"column:provider_customer_id"`
	ProviderSubscriptionID *string                  `gorm:"column:provider_subscription_id"`
	CreatedAt              time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt              time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}

func (s *Subscription) BeforeCreate(*gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// HasPaymentMethod reports whether a stored payment method can be charged.
func (s Subscription) HasPaymentMethod() bool {
	return s.PaymentMethodRef != nil && *s.PaymentMethodRef != ""
}
