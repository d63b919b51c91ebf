package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-engine/pkg/enums"
)

// Invoice is the billing document issued for a subscription period.
type Invoice struct {
	ID             uuid.UUID           `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	SubscriptionID uuid.UUID           `gorm:"column:subscription_id;type:uuid;not null;index"`
	PaymentID      *uuid.UUID          `gorm:"column:payment_id;type:uuid;uniqueIndex"`
	InvoiceNumber  string              `gorm:"column:invoice_number;not null;uniqueIndex"`
	Subtotal       decimal.Decimal     `gorm:"column:subtotal;type:numeric(12,2);not null"`
	Tax            decimal.Decimal     `gorm:"column:tax;type:numeric(12,2);not null;default:0"`
	Total          decimal.Decimal     `gorm:"column:total;type:numeric(12,2);not null"`
	Currency       string              `gorm:"column:currency;not null"`
	PeriodStart    time.Time           `gorm:"column:period_start;not null"`
	PeriodEnd      time.Time           `gorm:"column:period_end;not null"`
	Status         enums.InvoiceStatus `gorm:"column:status;type:invoice_status;not null"`
	DueDate        *time.Time          `gorm:"column:due_date"`
	PaidAt         *time.Time          `gorm:"column:paid_at"`
	VoidedAt       *time.Time          `gorm:"column:voided_at"`
	Description    *string             `gorm:"column:description"`
	CreatedAt      time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

func (i *Invoice) BeforeCreate(*gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}
