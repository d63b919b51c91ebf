package billing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/billing-engine/pkg/enums"
)

func TestCalculateProration(t *testing.T) {
	cases := []struct {
		name      string
		current   string
		next      string
		remaining int
		total     int
		want      string
	}{
		{name: "upgrade", current: "100", next: "200", remaining: 15, total: 30, want: "50"},
		{name: "downgrade", current: "200", next: "100", remaining: 15, total: 30, want: "-50"},
		{name: "rounding", current: "29.99", next: "79.99", remaining: 10, total: 31, want: "16.13"},
		{name: "zero total", current: "10", next: "20", remaining: 5, total: 0, want: "0"},
		{name: "negative remaining", current: "10", next: "20", remaining: -3, total: 30, want: "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := CalculateProration(decimal.RequireFromString(tc.current), decimal.RequireFromString(tc.next), tc.remaining, tc.total)
			if !got.Equal(decimal.RequireFromString(tc.want)) {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestCalculateProrationSamePriceIsZero(t *testing.T) {
	for _, amount := range []string{"0", "9.99", "199.99", "1000"} {
		for _, d := range []int{0, 1, 15, 30, 365} {
			for _, total := range []int{1, 30, 31, 365} {
				x := decimal.RequireFromString(amount)
				if got := CalculateProration(x, x, d, total); !got.IsZero() {
					t.Fatalf("(%s,%s,%d,%d) expected 0, got %s", amount, amount, d, total, got)
				}
			}
		}
	}
}

func TestAddBillingPeriod(t *testing.T) {
	start := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	if got := AddBillingPeriod(start, enums.BillingCycleMonthly); !got.Equal(time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("monthly: got %s", got)
	}
	if got := AddBillingPeriod(start, enums.BillingCycleYearly); !got.Equal(time.Date(2027, 1, 15, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("yearly: got %s", got)
	}
	endOfJan := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	if got := AddBillingPeriod(endOfJan, enums.BillingCycleMonthly); !got.Equal(time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("overflow: got %s", got)
	}
}

func TestDaysBetween(t *testing.T) {
	a := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := DaysBetween(a, a.Add(36*time.Hour)); got != 2 {
		t.Fatalf("expected ceil to 2, got %d", got)
	}
	if got := DaysBetween(a, a.Add(48*time.Hour)); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
	if got := DaysBetween(a.Add(time.Hour), a); got != 0 {
		t.Fatalf("expected 0 for reversed range, got %d", got)
	}
}

func TestProrationForPeriod(t *testing.T) {
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	end := AddBillingPeriod(start, enums.BillingCycleMonthly)
	now := start.AddDate(0, 0, 15)
	got := ProrationForPeriod(decimal.NewFromInt(100), decimal.NewFromInt(200), start, end, now)
	if !got.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected 50, got %s", got)
	}
	before := start.Add(-48 * time.Hour)
	got = ProrationForPeriod(decimal.NewFromInt(100), decimal.NewFromInt(200), start, end, before)
	if !got.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("remaining days must clamp to the period, got %s", got)
	}
}

func TestParseFlatTaxRate(t *testing.T) {
	rate, err := ParseFlatTaxRate("18%")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	tax, total := ComputeTotals(decimal.NewFromInt(100), rate)
	if !tax.Equal(decimal.NewFromInt(18)) || !total.Equal(decimal.NewFromInt(118)) {
		t.Fatalf("unexpected totals tax=%s total=%s", tax, total)
	}
	zero, err := ParseFlatTaxRate("")
	if err != nil {
		t.Fatalf("parse empty: %v", err)
	}
	if tax, _ := ComputeTotals(decimal.NewFromInt(50), zero); !tax.IsZero() {
		t.Fatalf("expected zero tax, got %s", tax)
	}
	if _, err := ParseFlatTaxRate("1.5"); err == nil {
		t.Fatal("expected out of range error")
	}
	if _, err := ParseFlatTaxRate("abc"); err == nil {
		t.Fatal("expected parse error")
	}
}
