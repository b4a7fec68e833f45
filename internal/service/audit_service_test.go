package service

import (
	"context"
	"testing"
	"time"

	"token-sale-settlement/internal/core/domain"
	"token-sale-settlement/internal/core/ports/mocks"

	"github.com/google/uuid"
	"go.uber.org/mock/gomock"
)

func TestAuditService_Log_PersistsToRepo(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockRepo := mocks.NewMockAuditRepository(ctrl)
	svc := NewAuditService(mockRepo, newTestLogger())

	done := make(chan struct{})
	mockRepo.EXPECT().Create(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, log *domain.AuditLog) error {
			if log.Action != domain.AuditActionSettlementRetry {
				t.Errorf("expected SETTLEMENT_RETRY, got %s", log.Action)
			}
			if log.Actor != "operator:ops-key" {
				t.Errorf("unexpected actor %q", log.Actor)
			}
			if log.ID == uuid.Nil || log.CreatedAt.IsZero() {
				t.Error("expected id and created_at to be filled in")
			}
			close(done)
			return nil
		},
	)

	svc.Log(context.Background(), &domain.AuditLog{
		Actor:        "operator:ops-key",
		Action:       domain.AuditActionSettlementRetry,
		ResourceType: "transaction",
		ResourceID:   uuid.New().String(),
		IPAddress:    "127.0.0.1",
	})

	select {
	case <-done:
		// OK
	case <-time.After(2 * time.Second):
		t.Fatal("audit log not persisted in time")
	}
}

func TestAuditService_Log_NilRepo(t *testing.T) {
	svc := NewAuditService(nil, newTestLogger())

	// Should not panic
	svc.Log(context.Background(), &domain.AuditLog{
		Actor:        "user:42",
		Action:       domain.AuditActionPurchaseIntent,
		ResourceType: "transaction",
		IPAddress:    "127.0.0.1",
	})

	time.Sleep(50 * time.Millisecond) // let goroutine run
}
