package plans

import (
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
)

// DefaultPlans is the catalog seeded into a fresh database.
func DefaultPlans(currency string) []models.Plan {
	if currency == "" {
		currency = "TRY"
	}
	return []models.Plan{
		{
			Name:             enums.PlanTierFree,
			DisplayName:      "Free Plan",
			Description:      strPtr("Perfect for small restaurants getting started"),
			MonthlyPrice:     decimal.Zero,
			YearlyPrice:      decimal.Zero,
			Currency:         currency,
			MaxUsers:         2,
			MaxTables:        5,
			MaxProducts:      25,
			MaxCategories:    5,
			MaxMonthlyOrders: 50,
			KDSIntegration:   true,
			IsActive:         true,
			SortOrder:        0,
		},
		{
			Name:              enums.PlanTierBasic,
			DisplayName:       "Basic Plan",
			Description:       strPtr("Great for growing restaurants"),
			MonthlyPrice:      decimal.RequireFromString("29.99"),
			YearlyPrice:       decimal.RequireFromString("299.99"),
			Currency:          currency,
			TrialDays:         14,
			MaxUsers:          5,
			MaxTables:         20,
			MaxProducts:       100,
			MaxCategories:     20,
			MaxMonthlyOrders:  500,
			InventoryTracking: true,
			KDSIntegration:    true,
			IsActive:          true,
			SortOrder:         1,
		},
		{
			Name:              enums.PlanTierPro,
			DisplayName:       "Pro Plan",
			Description:       strPtr("For established restaurants with multiple locations"),
			MonthlyPrice:      decimal.RequireFromString("79.99"),
			YearlyPrice:       decimal.RequireFromString("799.99"),
			Currency:          currency,
			TrialDays:         14,
			MaxUsers:          15,
			MaxTables:         50,
			MaxProducts:       500,
			MaxCategories:     50,
			MaxMonthlyOrders:  2000,
			AdvancedReports:   true,
			MultiLocation:     true,
			CustomBranding:    true,
			PrioritySupport:   true,
			InventoryTracking: true,
			KDSIntegration:    true,
			IsActive:          true,
			SortOrder:         2,
		},
		{
			Name:              enums.PlanTierBusiness,
			DisplayName:       "Business Plan",
			Description:       strPtr("Enterprise solution for large restaurant chains"),
			MonthlyPrice:      decimal.RequireFromString("199.99"),
			YearlyPrice:       decimal.RequireFromString("1999.99"),
			Currency:          currency,
			TrialDays:         14,
			MaxUsers:          models.UnlimitedLimit,
			MaxTables:         models.UnlimitedLimit,
			MaxProducts:       models.UnlimitedLimit,
			MaxCategories:     models.UnlimitedLimit,
			MaxMonthlyOrders:  models.UnlimitedLimit,
			AdvancedReports:   true,
			MultiLocation:     true,
			CustomBranding:    true,
			APIAccess:         true,
			PrioritySupport:   true,
			InventoryTracking: true,
			KDSIntegration:    true,
			IsActive:          true,
			SortOrder:         3,
		},
	}
}

func strPtr(s string) *string {
	return &s
}
