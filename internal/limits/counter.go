package limits

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-engine/internal/billing"
	"github.com/angelmondragon/billing-engine/pkg/enums"
)

// UsageCounter reports how many resources of a category a tenant currently holds.
type UsageCounter interface {
	Count(ctx context.Context, tenantID uuid.UUID, category enums.LimitCategory, now time.Time) (int64, error)
}

type gormCounter struct {
	db *gorm.DB
}

// NewGormCounter counts rows in the tables owned by the catalog, staff and ordering modules.
func NewGormCounter(db *gorm.DB) UsageCounter {
	return &gormCounter{db: db}
}

func (c *gormCounter) Count(ctx context.Context, tenantID uuid.UUID, category enums.LimitCategory, now time.Time) (int64, error) {
	query := c.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	switch category {
	case enums.LimitCategoryUsers:
		query = query.Table("users").Where("is_active = ?", true)
	case enums.LimitCategoryTables:
		query = query.Table("tables")
	case enums.LimitCategoryProducts:
		query = query.Table("products")
	case enums.LimitCategoryCategories:
		query = query.Table("categories")
	case enums.LimitCategoryMonthlyOrders:
		query = query.Table("orders").Where("created_at >= ?", billing.MonthStart(now.UTC()))
	default:
		return 0, fmt.Errorf("unknown limit category %q", category)
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
