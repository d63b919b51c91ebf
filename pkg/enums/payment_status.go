package enums

import "fmt"

// PaymentStatus tracks a single payment attempt.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusSucceeded PaymentStatus = "SUCCEEDED"
	PaymentStatusFailed    PaymentStatus = "FAILED"
	PaymentStatusRefunded  PaymentStatus = "REFUNDED"
)

var validPaymentStatuses = []PaymentStatus{
	PaymentStatusPending,
	PaymentStatusSucceeded,
	PaymentStatusFailed,
	PaymentStatusRefunded,
}

// String implements fmt.Stringer.
func (s PaymentStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is known.
func (s PaymentStatus) IsValid() bool {
	for _, candidate := range validPaymentStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParsePaymentStatus converts raw input into a PaymentStatus.
func ParsePaymentStatus(value string) (PaymentStatus, error) {
	for _, candidate := range validPaymentStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payment status %q", value)
}

// PaymentPurpose records why a payment was requested.
type PaymentPurpose string

const (
	PaymentPurposeSubscription PaymentPurpose = "SUBSCRIPTION"
	PaymentPurposePlanChange   PaymentPurpose = "PLAN_CHANGE"
	PaymentPurposeRenewal      PaymentPurpose = "RENEWAL"
)

var validPaymentPurposes = []PaymentPurpose{
	PaymentPurposeSubscription,
	PaymentPurposePlanChange,
	PaymentPurposeRenewal,
}

// IsValid reports whether the value is known.
func (p PaymentPurpose) IsValid() bool {
	for _, candidate := range validPaymentPurposes {
		if candidate == p {
			return true
		}
	}
	return false
}

// CorrelationPrefix is the short tag embedded in merchant order ids.
func (p PaymentPurpose) CorrelationPrefix() string {
	switch p {
	case PaymentPurposePlanChange:
		return "PLAN"
	case PaymentPurposeRenewal:
		return "RNW"
	default:
		return "SUB"
	}
}
