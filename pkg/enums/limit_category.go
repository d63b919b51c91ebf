package enums

import "fmt"

// LimitCategory names a countable resource bounded by a plan.
type LimitCategory string

const (
	LimitCategoryUsers         LimitCategory = "users"
	LimitCategoryTables        LimitCategory = "tables"
	LimitCategoryProducts      LimitCategory = "products"
	LimitCategoryCategories    LimitCategory = "categories"
	LimitCategoryMonthlyOrders LimitCategory = "monthly_orders"
)

var validLimitCategories = []LimitCategory{
	LimitCategoryUsers,
	LimitCategoryTables,
	LimitCategoryProducts,
	LimitCategoryCategories,
	LimitCategoryMonthlyOrders,
}

// DowngradeLimitCategories are checked against current usage before a downgrade is accepted.
var DowngradeLimitCategories = []LimitCategory{
	LimitCategoryUsers,
	LimitCategoryTables,
	LimitCategoryProducts,
	LimitCategoryCategories,
}

// AllLimitCategories returns every known category.
func AllLimitCategories() []LimitCategory {
	out := make([]LimitCategory, len(validLimitCategories))
	copy(out, validLimitCategories)
	return out
}

// String implements fmt.Stringer.
func (c LimitCategory) String() string {
	return string(c)
}

// Label is the human readable name used in violation messages.
func (c LimitCategory) Label() string {
	switch c {
	case LimitCategoryUsers:
		return "Users"
	case LimitCategoryTables:
		return "Tables"
	case LimitCategoryProducts:
		return "Products"
	case LimitCategoryCategories:
		return "Categories"
	case LimitCategoryMonthlyOrders:
		return "Monthly orders"
	default:
		return string(c)
	}
}

// IsValid reports whether the value is known.
func (c LimitCategory) IsValid() bool {
	for _, candidate := range validLimitCategories {
		if candidate == c {
			return true
		}
	}
	return false
}

// ParseLimitCategory converts raw input into a LimitCategory.
func ParseLimitCategory(value string) (LimitCategory, error) {
	for _, candidate := range validLimitCategories {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid limit category %q", value)
}
