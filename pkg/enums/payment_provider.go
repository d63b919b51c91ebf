package enums

import (
	"fmt"
	"strings"
)

// PaymentProvider identifies the external processor backing a subscription.
type PaymentProvider string

const (
	PaymentProviderStripe PaymentProvider = "STRIPE"
	PaymentProviderSquare PaymentProvider = "SQUARE"
	PaymentProviderPayTR  PaymentProvider = "PAYTR"
	PaymentProviderIyzico PaymentProvider = "IYZICO"
)

var validPaymentProviders = []PaymentProvider{
	PaymentProviderStripe,
	PaymentProviderSquare,
	PaymentProviderPayTR,
	PaymentProviderIyzico,
}

// String implements fmt.Stringer.
func (p PaymentProvider) String() string {
	return string(p)
}

// IsValid reports whether the value is known.
func (p PaymentProvider) IsValid() bool {
	for _, candidate := range validPaymentProviders {
		if candidate == p {
			return true
		}
	}
	return false
}

// SupportsOffSessionCharges reports whether a stored payment method can be charged without the tenant present.
func (p PaymentProvider) SupportsOffSessionCharges() bool {
	return p == PaymentProviderStripe || p == PaymentProviderSquare
}

// ParsePaymentProvider converts raw input into a PaymentProvider. Input is case-insensitive.
func ParsePaymentProvider(value string) (PaymentProvider, error) {
	normalized := strings.ToUpper(strings.TrimSpace(value))
	for _, candidate := range validPaymentProviders {
		if string(candidate) == normalized {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payment provider %q", value)
}
