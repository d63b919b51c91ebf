package migrate_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/angelmondragon/billing-engine/pkg/migrate"
)

func readMigration(t *testing.T, suffix string) string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join("migrations", "*_"+suffix+".sql"))
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	if len(matches) == 0 {
		t.Fatalf("no %s migration file found", suffix)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read migration file: %v", err)
	}
	return string(data)
}

func TestSubscriptionsMigrationEnforcesSingleLiveSubscription(t *testing.T) {
	content := readMigration(t, "create_subscriptions")

	checks := []string{
		"CREATE TABLE IF NOT EXISTS subscriptions",
		"CREATE UNIQUE INDEX IF NOT EXISTS ux_subscriptions_live_tenant",
		"WHERE status IN ('ACTIVE', 'TRIALING')",
		"FOREIGN KEY (plan_id) REFERENCES plans(id) ON DELETE RESTRICT",
		"DROP TABLE IF EXISTS subscriptions",
	}
	for _, sub := range checks {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}

func TestPastDueSinceMigrationBackfillsAndReverts(t *testing.T) {
	content := readMigration(t, "add_subscription_past_due_since")

	for _, sub := range []string{
		"ADD COLUMN IF NOT EXISTS past_due_since timestamptz",
		"SET past_due_since = updated_at",
		"WHERE status = 'PAST_DUE'",
		"DROP COLUMN IF EXISTS past_due_since",
	} {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}

func TestInvoiceOverdueIndexMigrationCoversUnpaidOpenInvoices(t *testing.T) {
	content := readMigration(t, "add_invoice_overdue_index")

	for _, sub := range []string{
		"CREATE INDEX IF NOT EXISTS idx_invoices_overdue",
		"WHERE status = 'OPEN' AND payment_id IS NULL",
		"DROP INDEX IF EXISTS idx_invoices_overdue",
		"DROP INDEX IF EXISTS idx_invoices_open_period",
	} {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}

func TestPaymentAndInvoiceMigrationsAreIdempotencyKeyed(t *testing.T) {
	payments := readMigration(t, "create_subscription_payments")
	if !strings.Contains(payments, "ON subscription_payments (provider, provider_transaction_id)") {
		t.Errorf("payments must be unique per provider transaction")
	}

	invoices := readMigration(t, "create_invoices")
	for _, sub := range []string{
		"CREATE UNIQUE INDEX IF NOT EXISTS ux_invoices_number ON invoices (invoice_number)",
		"CREATE UNIQUE INDEX IF NOT EXISTS ux_invoices_payment ON invoices (payment_id) WHERE payment_id IS NOT NULL",
	} {
		if !strings.Contains(invoices, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}

func TestPendingChangesMigrationAllowsOneOpenChange(t *testing.T) {
	content := readMigration(t, "create_pending_plan_changes")
	if !strings.Contains(content, "WHERE payment_status = 'PENDING'") {
		t.Errorf("expected partial unique index over pending changes")
	}
}

func TestValidateDirAcceptsShippedMigrations(t *testing.T) {
	if err := migrate.ValidateDir("migrations"); err != nil {
		t.Fatalf("shipped migrations failed validation: %v", err)
	}
}

func TestCreateSQLMigrationWritesGooseTemplate(t *testing.T) {
	dir := t.TempDir()
	path, err := migrate.CreateSQLMigration(dir, "Add Invoice Notes!")
	if err != nil {
		t.Fatalf("create migration: %v", err)
	}
	if !strings.HasSuffix(path, "_add_invoice_notes.sql") {
		t.Fatalf("unexpected migration path %q", path)
	}
	if err := migrate.ValidateDir(dir); err != nil {
		t.Fatalf("created migration failed validation: %v", err)
	}
}
