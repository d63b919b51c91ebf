package payloads

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/billing-engine/pkg/enums"
)

// SubscriptionEvent covers every lifecycle transition of a subscription.
type SubscriptionEvent struct {
	SubscriptionID     uuid.UUID                `json:"subscriptionId"`
	TenantID           uuid.UUID                `json:"tenantId"`
	PlanID             uuid.UUID                `json:"planId"`
	Status             enums.SubscriptionStatus `json:"status"`
	PreviousStatus     enums.SubscriptionStatus `json:"previousStatus,omitempty"`
	BillingCycle       enums.BillingCycle       `json:"billingCycle"`
	Provider           enums.PaymentProvider    `json:"provider"`
	CurrentPeriodStart time.Time                `json:"currentPeriodStart"`
	CurrentPeriodEnd   time.Time                `json:"currentPeriodEnd"`
	TrialEnd           *time.Time               `json:"trialEnd,omitempty"`
	Reason             string                   `json:"reason,omitempty"`
}

// TrialReminderEvent asks the notification service to warn a tenant before the trial ends.
type TrialReminderEvent struct {
	SubscriptionID uuid.UUID `json:"subscriptionId"`
	TenantID       uuid.UUID `json:"tenantId"`
	PlanID         uuid.UUID `json:"planId"`
	TrialEnd       time.Time `json:"trialEnd"`
	DaysLeft       int       `json:"daysLeft"`
	HasPayment     bool      `json:"hasPaymentMethod"`
}

// RenewalPaymentRequiredEvent is emitted for renewals nobody can charge off-session. The invoice stays
// open until DueDate.
type RenewalPaymentRequiredEvent struct {
	SubscriptionID uuid.UUID             `json:"subscriptionId"`
	TenantID       uuid.UUID             `json:"tenantId"`
	InvoiceID      uuid.UUID             `json:"invoiceId"`
	InvoiceNumber  string                `json:"invoiceNumber"`
	Provider       enums.PaymentProvider `json:"provider"`
	Amount         decimal.Decimal       `json:"amount"`
	Currency       string                `json:"currency"`
	PeriodStart    time.Time             `json:"periodStart"`
	PeriodEnd      time.Time             `json:"periodEnd"`
	DueDate        time.Time             `json:"dueDate"`
}

type PaymentEvent struct {
	PaymentID             uuid.UUID             `json:"paymentId"`
	SubscriptionID        uuid.UUID             `json:"subscriptionId"`
	TenantID              uuid.UUID             `json:"tenantId"`
	Provider              enums.PaymentProvider `json:"provider"`
	ProviderTransactionID string                `json:"providerTransactionId"`
	Purpose               enums.PaymentPurpose  `json:"purpose"`
	Status                enums.PaymentStatus   `json:"status"`
	Amount                decimal.Decimal       `json:"amount"`
	Currency              string                `json:"currency"`
	FailureReason         *string               `json:"failureReason,omitempty"`
	RetryCount            int                   `json:"retryCount"`
	PaidAt                *time.Time            `json:"paidAt,omitempty"`
}

type InvoiceReadyEvent struct {
	InvoiceID      uuid.UUID           `json:"invoiceId"`
	SubscriptionID uuid.UUID           `json:"subscriptionId"`
	TenantID       uuid.UUID           `json:"tenantId"`
	PaymentID      *uuid.UUID          `json:"paymentId,omitempty"`
	InvoiceNumber  string              `json:"invoiceNumber"`
	Status         enums.InvoiceStatus `json:"status"`
	Total          decimal.Decimal     `json:"total"`
	Currency       string              `json:"currency"`
	PeriodStart    time.Time           `json:"periodStart"`
	PeriodEnd      time.Time           `json:"periodEnd"`
}

// PlanChangeEvent describes a pending, scheduled, applied or abandoned plan change.
type PlanChangeEvent struct {
	ChangeID            uuid.UUID              `json:"changeId"`
	SubscriptionID      uuid.UUID              `json:"subscriptionId"`
	TenantID            uuid.UUID              `json:"tenantId"`
	CurrentPlanID       uuid.UUID              `json:"currentPlanId"`
	NewPlanID           uuid.UUID              `json:"newPlanId"`
	CurrentBillingCycle enums.BillingCycle     `json:"currentBillingCycle"`
	NewBillingCycle     enums.BillingCycle     `json:"newBillingCycle"`
	IsUpgrade           bool                   `json:"isUpgrade"`
	ProrationAmount     decimal.Decimal        `json:"prorationAmount"`
	Currency            string                 `json:"currency"`
	PaymentStatus       enums.PlanChangeStatus `json:"paymentStatus"`
	ScheduledFor        *time.Time             `json:"scheduledFor,omitempty"`
	AppliedAt           *time.Time             `json:"appliedAt,omitempty"`
}
