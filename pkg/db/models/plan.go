package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-engine/pkg/enums"
)

// UnlimitedLimit marks a plan limit with no upper bound.
const UnlimitedLimit = -1

// Plan is a purchasable tier with its prices, limits and feature flags.
type Plan struct {
	ID                 uuid.UUID       `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Name               enums.PlanTier  `gorm:"column:name;type:plan_tier;not null;uniqueIndex"`
	DisplayName        string          `gorm:"column:display_name;not null"`
	Description        *string         `gorm:"column:description"`
	MonthlyPrice       decimal.Decimal `gorm:"column:monthly_price;type:numeric(12,2);not null"`
	YearlyPrice        decimal.Decimal `gorm:"column:yearly_price;type:numeric(12,2);not null"`
	Currency           string          `gorm:"column:currency;not null;default:'USD'"`
	TrialDays          int             `gorm:"column:trial_days;not null;default:0"`
	MaxUsers           int             `gorm:"column:max_users;not null"`
	MaxTables          int             `gorm:"column:max_tables;not null"`
	MaxProducts        int             `gorm:"column:max_products;not null"`
	MaxCategories      int             `gorm:"column:max_categories;not null"`
	MaxMonthlyOrders   int             `gorm:"column:max_monthly_orders;not null"`
	AdvancedReports    bool            `gorm:"column:advanced_reports;not null;default:false"`
	MultiLocation      bool            `gorm:"column:multi_location;not null;default:false"`
	CustomBranding     bool            `gorm:"column:custom_branding;not null;default:false"`
	APIAccess          bool            `gorm:"column:api_access;not null;default:false"`
	PrioritySupport    bool            `gorm:"column:priority_support;not null;default:false"`
	InventoryTracking  bool            `gorm:"column:inventory_tracking;not null;default:false"`
	KDSIntegration     bool            `gorm:"column:kds_integration;not null;default:false"`
	IsActive           bool            `gorm:"column:is_active;not null;default:true"`
	SortOrder          int             `gorm:"column:sort_order;not null;default:0"`
	DiscountPercentage decimal.Decimal `gorm:"column:discount_percentage;type:numeric(5,2);not null;default:0"`
	DiscountStartDate  *time.Time      `gorm:"column:discount_start_date"`
	DiscountEndDate    *time.Time      `gorm:"column:discount_end_date"`
	IsDiscountActive   bool            `gorm:"column:is_discount_active;not null;default:false"`
	CreatedAt          time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (p *Plan) BeforeCreate(*gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// Limit returns the configured bound for the category; UnlimitedLimit means no bound.
func (p Plan) Limit(category enums.LimitCategory) int {
	switch category {
	case enums.LimitCategoryUsers:
		return p.MaxUsers
	case enums.LimitCategoryTables:
		return p.MaxTables
	case enums.LimitCategoryProducts:
		return p.MaxProducts
	case enums.LimitCategoryCategories:
		return p.MaxCategories
	case enums.LimitCategoryMonthlyOrders:
		return p.MaxMonthlyOrders
	default:
		return 0
	}
}

// HasFeature reports whether the plan enables the feature flag.
func (p Plan) HasFeature(feature enums.Feature) bool {
	switch feature {
	case enums.FeatureAdvancedReports:
		return p.AdvancedReports
	case enums.FeatureMultiLocation:
		return p.MultiLocation
	case enums.FeatureCustomBranding:
		return p.CustomBranding
	case enums.FeatureAPIAccess:
		return p.APIAccess
	case enums.FeaturePrioritySupport:
		return p.PrioritySupport
	case enums.FeatureInventoryTracking:
		return p.InventoryTracking
	case enums.FeatureKDSIntegration:
		return p.KDSIntegration
	default:
		return false
	}
}

// PriceFor returns the list price for the billing cycle.
func (p Plan) PriceFor(cycle enums.BillingCycle) decimal.Decimal {
	if cycle == enums.BillingCycleYearly {
		return p.YearlyPrice
	}
	return p.MonthlyPrice
}

// DiscountApplies reports whether the plan discount is active at now.
func (p Plan) DiscountApplies(now time.Time) bool {
	if !p.IsDiscountActive || !p.DiscountPercentage.IsPositive() {
		return false
	}
	if p.DiscountStartDate != nil && now.Before(*p.DiscountStartDate) {
		return false
	}
	if p.DiscountEndDate != nil && now.After(*p.DiscountEndDate) {
		return false
	}
	return true
}

// EffectivePrice is the cycle price after an in-window discount, rounded to cents.
func (p Plan) EffectivePrice(cycle enums.BillingCycle, now time.Time) decimal.Decimal {
	price := p.PriceFor(cycle)
	if !p.DiscountApplies(now) {
		return price
	}
	hundred := decimal.NewFromInt(100)
	factor := hundred.Sub(p.DiscountPercentage).Div(hundred)
	return price.Mul(factor).Round(2)
}

// IsFree reports whether the plan is the free tier.
func (p Plan) IsFree() bool {
	return p.Name == enums.PlanTierFree
}
