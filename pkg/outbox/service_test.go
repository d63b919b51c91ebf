package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-engine/pkg/db/dbtest"
	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	"github.com/angelmondragon/billing-engine/pkg/logger"
)

func newTestService(t *testing.T) (*Service, *Repository, *gorm.DB) {
	t.Helper()
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	logg := logger.New(logger.Options{ServiceName: "outbox-test", Output: io.Discard})
	svc := NewService(repo, logg)
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
	return svc, repo, conn
}

func TestEmitWritesEnvelope(t *testing.T) {
	svc, repo, conn := newTestService(t)
	subID := uuid.New()
	tenantID := uuid.New()

	err := conn.Transaction(func(tx *gorm.DB) error {
		return svc.Emit(context.Background(), tx, DomainEvent{
			EventType:     enums.EventTrialStarted,
			AggregateType: enums.AggregateSubscription,
			AggregateID:   subID,
			Actor:         &ActorRef{TenantID: tenantID, Source: SourceAPI},
			Data:          map[string]string{"status": "TRIALING"},
		})
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	rows, err := repo.ListForAggregate(nil, enums.AggregateSubscription, subID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one row, got %d", len(rows))
	}
	var envelope PayloadEnvelope
	if err := json.Unmarshal(rows[0].Payload, &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.Version != 1 || envelope.EventID == "" {
		t.Fatalf("unexpected envelope %+v", envelope)
	}
	if envelope.Actor == nil || envelope.Actor.TenantID != tenantID {
		t.Fatalf("actor not preserved: %+v", envelope.Actor)
	}
	if !envelope.OccurredAt.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected occurredAt %v", envelope.OccurredAt)
	}
}

func TestEmitRequiresTransaction(t *testing.T) {
	svc, _, _ := newTestService(t)
	if err := svc.Emit(context.Background(), nil, DomainEvent{}); err == nil {
		t.Fatal("expected error without transaction")
	}
}

func TestEmitIfNotExistsSkipsDuplicates(t *testing.T) {
	svc, repo, conn := newTestService(t)
	subID := uuid.New()
	event := DomainEvent{
		EventType:     enums.EventTrialEndingReminder,
		AggregateType: enums.AggregateSubscription,
		AggregateID:   subID,
		Data:          map[string]int{"daysLeft": 3},
	}

	for i := 0; i < 2; i++ {
		if err := conn.Transaction(func(tx *gorm.DB) error {
			return svc.EmitIfNotExists(context.Background(), tx, event)
		}); err != nil {
			t.Fatalf("emit %d: %v", i, err)
		}
	}

	rows, err := repo.ListForAggregate(nil, enums.AggregateSubscription, subID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected a single reminder, got %d", len(rows))
	}
}

func TestRepositoryPublishLifecycle(t *testing.T) {
	svc, repo, conn := newTestService(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := conn.Transaction(func(tx *gorm.DB) error {
			return svc.Emit(ctx, tx, DomainEvent{
				EventType:     enums.EventPaymentSucceeded,
				AggregateType: enums.AggregatePayment,
				AggregateID:   uuid.New(),
				Data:          map[string]string{},
			})
		}); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}

	var batch []models.OutboxEvent
	if err := conn.Transaction(func(tx *gorm.DB) error {
		var err error
		batch, err = repo.FetchUnpublishedForPublish(tx, 10, 3)
		if err != nil {
			return err
		}
		if err := repo.MarkPublishedTx(tx, batch[0].ID); err != nil {
			return err
		}
		if err := repo.MarkFailedTx(tx, batch[1].ID, errors.New("unavailable")); err != nil {
			return err
		}
		return repo.MarkTerminalTx(tx, batch[2].ID, errors.New("bad payload"), 3)
	}); err != nil {
		t.Fatalf("publish cycle: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("expected 3 rows fetched, got %d", len(batch))
	}

	var remaining []models.OutboxEvent
	if err := conn.Transaction(func(tx *gorm.DB) error {
		var err error
		remaining, err = repo.FetchUnpublishedForPublish(tx, 10, 3)
		return err
	}); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != batch[1].ID {
		t.Fatalf("expected only the failed row to remain, got %+v", remaining)
	}
	if remaining[0].AttemptCount != 1 || remaining[0].LastError == nil || *remaining[0].LastError != "unavailable" {
		t.Fatalf("failure not recorded: %+v", remaining[0])
	}
}

func TestDLQRepositoryTruncatesAndLists(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewDLQRepository(conn)
	long := make([]byte, maxDLQErrorLen+100)
	for i := range long {
		long[i] = 'x'
	}
	msg := string(long)
	eventID := uuid.New()

	if err := conn.Transaction(func(tx *gorm.DB) error {
		return repo.InsertTx(tx, models.OutboxDLQ{
			EventID:       eventID,
			EventType:     enums.EventInvoiceReady,
			AggregateType: enums.AggregateInvoice,
			AggregateID:   uuid.New(),
			Payload:       json.RawMessage(`{}`),
			ErrorReason:   enums.OutboxDLQReasonNonRetryable,
			ErrorMessage:  &msg,
		})
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	found, err := repo.FindByEventID(context.Background(), eventID)
	if err != nil || found == nil {
		t.Fatalf("find: %v %v", found, err)
	}
	if len(*found.ErrorMessage) != maxDLQErrorLen {
		t.Fatalf("expected truncated message, got %d chars", len(*found.ErrorMessage))
	}
	rows, err := repo.ListByReason(context.Background(), enums.OutboxDLQReasonMaxAttempts, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no max-attempt rows, got %d", len(rows))
	}
	missing, err := repo.FindByEventID(context.Background(), uuid.New())
	if err != nil || missing != nil {
		t.Fatalf("expected nil for unknown event, got %v %v", missing, err)
	}
}

func TestDeletePublishedBeforeKeepsRecentAndPendingRows(t *testing.T) {
	_, repo, conn := newTestService(t)
	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	old := cutoff.Add(-time.Hour)
	recent := cutoff.Add(time.Hour)
	rows := []models.OutboxEvent{
		{EventType: enums.EventInvoiceReady, CreatedAt: old, PublishedAt: &old},
		{EventType: enums.EventInvoiceReady, CreatedAt: old, PublishedAt: &recent},
		{EventType: enums.EventInvoiceReady, CreatedAt: old, AttemptCount: 5},
		{EventType: enums.EventInvoiceReady, CreatedAt: old, AttemptCount: 1},
	}
	for i := range rows {
		rows[i].AggregateType = enums.AggregateInvoice
		rows[i].AggregateID = uuid.New()
		rows[i].Payload = json.RawMessage(`{}`)
		if err := conn.Create(&rows[i]).Error; err != nil {
			t.Fatalf("insert row: %v", err)
		}
	}

	deleted, err := repo.DeletePublishedBefore(context.Background(), nil, cutoff, 5)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected the old published row and the parked row to go, deleted %d", deleted)
	}
	var left int64
	conn.Model(&models.OutboxEvent{}).Count(&left)
	if left != 2 {
		t.Fatalf("expected 2 rows left, got %d", left)
	}
}
