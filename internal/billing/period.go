package billing

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/billing-engine/pkg/enums"
)

const day = 24 * time.Hour

// AddBillingPeriod advances t by one calendar month or year. Overflowing days roll into the next month.
func AddBillingPeriod(t time.Time, cycle enums.BillingCycle) time.Time {
	if cycle == enums.BillingCycleYearly {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}

// AddDays adds whole days to t.
func AddDays(t time.Time, days int) time.Time {
	return t.AddDate(0, 0, days)
}

// DaysBetween is ceil((b-a)/24h), clamped at zero.
func DaysBetween(a, b time.Time) int {
	if !b.After(a) {
		return 0
	}
	return int(math.Ceil(float64(b.Sub(a)) / float64(day)))
}

// MonthStart returns the first instant of t's calendar month in t's location.
func MonthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

// CalculateProration returns the charge for switching plans with daysRemaining of totalDays left.
// Positive means the tenant owes money, negative is unused credit.
func CalculateProration(currentAmount, newAmount decimal.Decimal, daysRemaining, totalDays int) decimal.Decimal {
	if totalDays <= 0 {
		return decimal.Zero
	}
	if daysRemaining < 0 {
		daysRemaining = 0
	}
	remaining := decimal.NewFromInt(int64(daysRemaining))
	total := decimal.NewFromInt(int64(totalDays))

	unused := currentAmount.Mul(remaining).Div(total)
	newPortion := newAmount.Mul(remaining).Div(total)
	return newPortion.Sub(unused).Round(2)
}

// ProrationForPeriod prorates the switch at now within [periodStart, periodEnd).
func ProrationForPeriod(currentAmount, newAmount decimal.Decimal, periodStart, periodEnd, now time.Time) decimal.Decimal {
	total := DaysBetween(periodStart, periodEnd)
	remaining := DaysBetween(now, periodEnd)
	if remaining > total {
		remaining = total
	}
	return CalculateProration(currentAmount, newAmount, remaining, total)
}
