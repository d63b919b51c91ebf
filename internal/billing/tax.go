package billing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// TaxRate computes tax owed on a subtotal.
type TaxRate interface {
	TaxFor(subtotal decimal.Decimal) decimal.Decimal
}

// FlatTaxRate applies one fractional rate to every subtotal (0.18 = 18%).
type FlatTaxRate struct {
	Rate decimal.Decimal
}

func (f FlatTaxRate) TaxFor(subtotal decimal.Decimal) decimal.Decimal {
	if !f.Rate.IsPositive() {
		return decimal.Zero
	}
	return subtotal.Mul(f.Rate).Round(2)
}

// ParseFlatTaxRate reads rates like "0.18" or "18%".
func ParseFlatTaxRate(raw string) (FlatTaxRate, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return FlatTaxRate{Rate: decimal.Zero}, nil
	}
	percent := strings.HasSuffix(raw, "%")
	value, err := decimal.NewFromString(strings.TrimSuffix(raw, "%"))
	if err != nil {
		return FlatTaxRate{}, fmt.Errorf("invalid tax rate %q: %w", raw, err)
	}
	if percent {
		value = value.Div(decimal.NewFromInt(100))
	}
	if value.IsNegative() || value.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return FlatTaxRate{}, fmt.Errorf("tax rate %q out of range", raw)
	}
	return FlatTaxRate{Rate: value}, nil
}

// ComputeTotals returns tax and total for a tax-exclusive subtotal.
func ComputeTotals(subtotal decimal.Decimal, rate TaxRate) (decimal.Decimal, decimal.Decimal) {
	tax := decimal.Zero
	if rate != nil {
		tax = rate.TaxFor(subtotal)
	}
	return tax, subtotal.Add(tax)
}
