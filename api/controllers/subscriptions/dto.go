package subscriptions

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
)

type subscriptionResponse struct {
	ID                 uuid.UUID                `json:"id"`
	PlanID             uuid.UUID                `json:"planId"`
	Status             enums.SubscriptionStatus `json:"status"`
	BillingCycle       enums.BillingCycle       `json:"billingCycle"`
	PaymentProvider    enums.PaymentProvider    `json:"paymentProvider"`
	Amount             decimal.Decimal          `json:"amount"`
	Currency           string                   `json:"currency"`
	CurrentPeriodStart time.Time                `json:"currentPeriodStart"`
	CurrentPeriodEnd   time.Time                `json:"currentPeriodEnd"`
	IsTrialPeriod      bool                     `json:"isTrialPeriod"`
	TrialEnd           *time.Time               `json:"trialEnd,omitempty"`
	AutoRenew          bool                     `json:"autoRenew"`
	CancelAtPeriodEnd  bool                     `json:"cancelAtPeriodEnd"`
	CancelledAt        *time.Time               `json:"cancelledAt,omitempty"`
	EndedAt            *time.Time               `json:"endedAt,omitempty"`
	HasPaymentMethod   bool                     `json:"hasPaymentMethod"`
	StartDate          time.Time                `json:"startDate"`
}

type pendingChangeResponse struct {
	ID              uuid.UUID              `json:"id"`
	NewPlanID       uuid.UUID              `json:"newPlanId"`
	NewBillingCycle enums.BillingCycle     `json:"newBillingCycle"`
	IsUpgrade       bool                   `json:"isUpgrade"`
	ProrationAmount decimal.Decimal        `json:"prorationAmount"`
	Currency        string                 `json:"currency"`
	PaymentRequired bool                   `json:"paymentRequired"`
	PaymentStatus   enums.PlanChangeStatus `json:"paymentStatus"`
	ScheduledFor    *time.Time             `json:"scheduledFor,omitempty"`
	ExpiresAt       *time.Time             `json:"expiresAt,omitempty"`
}

type currentResponse struct {
	Subscription  *subscriptionResponse  `json:"subscription"`
	PendingChange *pendingChangeResponse `json:"pendingChange,omitempty"`
}

type changeResponse struct {
	Subscription  *subscriptionResponse  `json:"subscription"`
	PendingChange *pendingChangeResponse `json:"pendingChange,omitempty"`
	Applied       bool                   `json:"applied"`
}

func newSubscriptionResponse(sub *models.Subscription) *subscriptionResponse {
	if sub == nil {
		return nil
	}
	return &subscriptionResponse{
		ID:                 sub.ID,
		PlanID:             sub.PlanID,
		Status:             sub.Status,
		BillingCycle:       sub.BillingCycle,
		PaymentProvider:    sub.PaymentProvider,
		Amount:             sub.Amount,
		Currency:           sub.Currency,
		CurrentPeriodStart: sub.CurrentPeriodStart.UTC(),
		CurrentPeriodEnd:   sub.CurrentPeriodEnd.UTC(),
		IsTrialPeriod:      sub.IsTrialPeriod,
		TrialEnd:           sub.TrialEnd,
		AutoRenew:          sub.AutoRenew,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CancelledAt:        sub.CancelledAt,
		EndedAt:            sub.EndedAt,
		HasPaymentMethod:   sub.HasPaymentMethod(),
		StartDate:          sub.StartDate.UTC(),
	}
}

func newPendingChangeResponse(change *models.PendingPlanChange) *pendingChangeResponse {
	if change == nil {
		return nil
	}
	return &pendingChangeResponse{
		ID:              change.ID,
		NewPlanID:       change.NewPlanID,
		NewBillingCycle: change.NewBillingCycle,
		IsUpgrade:       change.IsUpgrade,
		ProrationAmount: change.ProrationAmount,
		Currency:        change.Currency,
		PaymentRequired: change.PaymentRequired,
		PaymentStatus:   change.PaymentStatus,
		ScheduledFor:    change.ScheduledFor,
		ExpiresAt:       change.ExpiresAt,
	}
}
