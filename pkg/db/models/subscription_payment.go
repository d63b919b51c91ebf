package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-engine/pkg/enums"
)

// SubscriptionPayment records one attempt to collect money for a subscription.
type SubscriptionPayment struct {
	ID                    uuid.UUID             `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	SubscriptionID        uuid.UUID             `gorm:"column:subscription_id;type:uuid;not null;index"`
	PendingChangeID       *uuid.UUID            `gorm:"column:pending_change_id;type:uuid"`
	Provider              enums.PaymentProvider `gorm:"column:provider;type:payment_provider;not null;uniqueIndex:ux_subscription_payments_provider_txn"`
	ProviderTransactionID string                `gorm:"column:provider_transaction_id;not null;uniqueIndex:ux_subscription_payments_provider_txn"`
	Amount                decimal.Decimal       `gorm:"column:amount;type:numeric(12,2);not null"`
	Currency              string                `gorm:"column:currency;not null"`
	Status                enums.PaymentStatus   `gorm:"column:status;type:payment_status;not null"`
	Purpose               enums.PaymentPurpose  `gorm:"column:purpose;type:payment_purpose;not null"`
	FailureReason         *string               `gorm:"column:failure_reason"`
	RetryCount            int                   `gorm:"column:retry_count;not null;default:0"`
	PaidAt                *time.Time            `gorm:"column:paid_at"`
	LastEventID           *string               `gorm:"column:last_event_id"`
	CreatedAt             time.Time             `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time             `gorm:"column:updated_at;autoUpdateTime"`
}

func (p *SubscriptionPayment) BeforeCreate(*gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}
