// Package dbtest opens isolated in-memory sqlite databases carrying the billing schema.
package dbtest

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var schema = []string{
	`CREATE TABLE plans (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL UNIQUE,
  display_name TEXT NOT NULL,
  description TEXT,
  monthly_price NUMERIC NOT NULL,
  yearly_price NUMERIC NOT NULL,
  currency TEXT NOT NULL DEFAULT 'USD',
  trial_days INTEGER NOT NULL DEFAULT 0,
  max_users INTEGER NOT NULL,
  max_tables INTEGER NOT NULL,
  max_products INTEGER NOT NULL,
  max_categories INTEGER NOT NULL,
  max_monthly_orders INTEGER NOT NULL,
  advanced_reports BOOLEAN NOT NULL DEFAULT 0,
  multi_location BOOLEAN NOT NULL DEFAULT 0,
  custom_branding BOOLEAN NOT NULL DEFAULT 0,
  api_access BOOLEAN NOT NULL DEFAULT 0,
  priority_support BOOLEAN NOT NULL DEFAULT 0,
  inventory_tracking BOOLEAN NOT NULL DEFAULT 0,
  kds_integration BOOLEAN NOT NULL DEFAULT 0,
  is_active BOOLEAN NOT NULL DEFAULT 1,
  sort_order INTEGER NOT NULL DEFAULT 0,
  discount_percentage NUMERIC NOT NULL DEFAULT 0,
  discount_start_date DATETIME,
  discount_end_date DATETIME,
  is_discount_active BOOLEAN NOT NULL DEFAULT 0,
  created_at DATETIME,
  updated_at DATETIME
);`,
	`CREATE TABLE subscriptions (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL,
  plan_id TEXT NOT NULL,
  status TEXT NOT NULL,
  billing_cycle TEXT NOT NULL,
  payment_provider TEXT NOT NULL,
  current_period_start DATETIME NOT NULL,
  current_period_end DATETIME NOT NULL,
  is_trial_period BOOLEAN NOT NULL DEFAULT 0,
  trial_start DATETIME,
  trial_end DATETIME,
  amount NUMERIC NOT NULL,
  currency TEXT NOT NULL,
  auto_renew BOOLEAN NOT NULL DEFAULT 1,
  cancel_at_period_end BOOLEAN NOT NULL DEFAULT 0,
  cancelled_at DATETIME,
  cancellation_reason TEXT,
  ended_at DATETIME,
  past_due_since DATETIME,
  start_date DATETIME NOT NULL,
  payment_method_ref TEXT,
  provider_customer_id TEXT,
  provider_subscription_id TEXT,
  created_at DATETIME,
  updated_at DATETIME
);`,
	`CREATE UNIQUE INDEX ux_subscriptions_live_tenant ON subscriptions (tenant_id) WHERE status IN ('ACTIVE', 'TRIALING');`,
	`CREATE TABLE pending_plan_changes (
  id TEXT PRIMARY KEY,
  subscription_id TEXT NOT NULL,
  current_plan_id TEXT NOT NULL,
  new_plan_id TEXT NOT NULL,
  current_billing_cycle TEXT NOT NULL,
  new_billing_cycle TEXT NOT NULL,
  is_upgrade BOOLEAN NOT NULL,
  proration_amount NUMERIC NOT NULL DEFAULT 0,
  currency TEXT NOT NULL,
  payment_required BOOLEAN NOT NULL DEFAULT 0,
  payment_status TEXT NOT NULL,
  scheduled_for DATETIME,
  applied_at DATETIME,
  expires_at DATETIME,
  created_at DATETIME,
  updated_at DATETIME
);`,
	`CREATE UNIQUE INDEX ux_pending_plan_changes_open ON pending_plan_changes (subscription_id) WHERE payment_status = 'PENDING';`,
	`CREATE TABLE subscription_payments (
  id TEXT PRIMARY KEY,
  subscription_id TEXT NOT NULL,
  pending_change_id TEXT,
  provider TEXT NOT NULL,
  provider_transaction_id TEXT NOT NULL,
  amount NUMERIC NOT NULL,
  currency TEXT NOT NULL,
  status TEXT NOT NULL,
  purpose TEXT NOT NULL,
  failure_reason TEXT,
  retry_count INTEGER NOT NULL DEFAULT 0,
  paid_at DATETIME,
  last_event_id TEXT,
  created_at DATETIME,
  updated_at DATETIME,
  UNIQUE (provider, provider_transaction_id)
);`,
	`CREATE TABLE invoices (
  id TEXT PRIMARY KEY,
  subscription_id TEXT NOT NULL,
  payment_id TEXT UNIQUE,
  invoice_number TEXT NOT NULL UNIQUE,
  subtotal NUMERIC NOT NULL,
  tax NUMERIC NOT NULL DEFAULT 0,
  total NUMERIC NOT NULL,
  currency TEXT NOT NULL,
  period_start DATETIME NOT NULL,
  period_end DATETIME NOT NULL,
  status TEXT NOT NULL,
  due_date DATETIME,
  paid_at DATETIME,
  voided_at DATETIME,
  description TEXT,
  created_at DATETIME,
  updated_at DATETIME
);`,
	`CREATE TABLE outbox_events (
  id TEXT PRIMARY KEY,
  event_type TEXT NOT NULL,
  aggregate_type TEXT NOT NULL,
  aggregate_id TEXT NOT NULL,
  payload TEXT NOT NULL,
  created_at DATETIME,
  published_at DATETIME,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  last_error TEXT
);`,
	`CREATE TABLE outbox_dlqs (
  id TEXT PRIMARY KEY,
  event_id TEXT NOT NULL,
  event_type TEXT NOT NULL,
  aggregate_type TEXT NOT NULL,
  aggregate_id TEXT NOT NULL,
  payload_json TEXT NOT NULL,
  error_reason TEXT NOT NULL,
  error_message TEXT,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  failed_at DATETIME,
  created_at DATETIME
);`,
	`CREATE TABLE users (id TEXT PRIMARY KEY, tenant_id TEXT NOT NULL, is_active BOOLEAN NOT NULL DEFAULT 1);`,
	`CREATE TABLE tables (id TEXT PRIMARY KEY, tenant_id TEXT NOT NULL);`,
	`CREATE TABLE products (id TEXT PRIMARY KEY, tenant_id TEXT NOT NULL);`,
	`CREATE TABLE categories (id TEXT PRIMARY KEY, tenant_id TEXT NOT NULL);`,
	`CREATE TABLE orders (id TEXT PRIMARY KEY, tenant_id TEXT NOT NULL, created_at DATETIME NOT NULL);`,
}

// Open returns a fresh database with the billing schema applied.
func Open(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Discard,
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	for _, stmt := range schema {
		if err := conn.Exec(stmt).Error; err != nil {
			t.Fatalf("failed to apply schema: %v", err)
		}
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return conn
}

// Insert creates a row in one of the usage tables owned by other modules.
func Insert(t *testing.T, conn *gorm.DB, table string, values map[string]any) {
	t.Helper()
	if _, ok := values["id"]; !ok {
		values["id"] = uuid.NewString()
	}
	if err := conn.Table(table).Create(values).Error; err != nil {
		t.Fatalf("insert into %s: %v", table, err)
	}
}
