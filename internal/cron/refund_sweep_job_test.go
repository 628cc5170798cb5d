package cron

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/pixmint/credits-backend/internal/accounts"
	"github.com/pixmint/credits-backend/internal/audit"
	"github.com/pixmint/credits-backend/internal/operations"
	"github.com/pixmint/credits-backend/internal/pushsync"
	"github.com/pixmint/credits-backend/pkg/db/models"
	"github.com/pixmint/credits-backend/pkg/enums"
	"github.com/pixmint/credits-backend/pkg/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
}

type stubTxRunner struct{}

func (s *stubTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

type stubOperationRepo struct {
	pending    []models.OperationLog
	terminal   []models.OperationLog
	refundOK   map[string]bool
	refunded   []string
	deleted    [][]string
	listErr    error
	refundErrs map[string]error
}

func (s *stubOperationRepo) WithTx(tx *gorm.DB) operations.Repository { return s }

func (s *stubOperationRepo) Create(ctx context.Context, log *models.OperationLog) error { return nil }

func (s *stubOperationRepo) FindByReqID(ctx context.Context, reqID string) (*models.OperationLog, error) {
	return nil, nil
}

func (s *stubOperationRepo) ListRecentByUID(ctx context.Context, uid string, limit int) ([]models.OperationLog, error) {
	return nil, nil
}

func (s *stubOperationRepo) MarkCompleted(ctx context.Context, reqID, resultRef string, finishedAt time.Time) (bool, error) {
	return false, nil
}

func (s *stubOperationRepo) MarkRefunded(ctx context.Context, reqID, errorCode, errorDetail string, finishedAt time.Time) (bool, error) {
	if err, ok := s.refundErrs[reqID]; ok {
		return false, err
	}
	if s.refundOK != nil && !s.refundOK[reqID] {
		return false, nil
	}
	s.refunded = append(s.refunded, reqID)
	return true, nil
}

func (s *stubOperationRepo) MarkFailed(ctx context.Context, reqID, errorCode, errorDetail string, finishedAt time.Time) (bool, error) {
	return false, nil
}

func (s *stubOperationRepo) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.OperationLog, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.pending, nil
}

func (s *stubOperationRepo) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.OperationLog, error) {
	batch := s.terminal
	s.terminal = nil
	return batch, nil
}

func (s *stubOperationRepo) DeleteByReqIDs(ctx context.Context, reqIDs []string) (int64, error) {
	s.deleted = append(s.deleted, reqIDs)
	return int64(len(reqIDs)), nil
}

type stubAccountRepo struct {
	credits  map[string]int64
	credited map[string]int64
}

func newStubAccountRepo() *stubAccountRepo {
	return &stubAccountRepo{credits: map[string]int64{}, credited: map[string]int64{}}
}

func (s *stubAccountRepo) WithTx(tx *gorm.DB) accounts.Repository { return s }

func (s *stubAccountRepo) EnsureAccount(ctx context.Context, uid string) (*models.Account, error) {
	return &models.Account{UID: uid, Credits: s.credits[uid]}, nil
}

func (s *stubAccountRepo) FindByUID(ctx context.Context, uid string) (*models.Account, error) {
	return &models.Account{UID: uid, Credits: s.credits[uid]}, nil
}

func (s *stubAccountRepo) Credit(ctx context.Context, uid string, delta int64) error {
	s.credits[uid] += delta
	s.credited[uid] += delta
	return nil
}

func (s *stubAccountRepo) DebitIfSufficient(ctx context.Context, uid string, cost int64) (bool, error) {
	return false, nil
}

func (s *stubAccountRepo) Clawback(ctx context.Context, uid string, delta int64) error {
	s.credits[uid] -= delta
	return nil
}

type stubAuditRepo struct {
	events []enums.AuditEventType
}

func (s *stubAuditRepo) WithTx(tx *gorm.DB) audit.Repository { return s }

func (s *stubAuditRepo) Create(ctx context.Context, entry *models.AuditEntry) error { return nil }

func (s *stubAuditRepo) Record(ctx context.Context, eventType enums.AuditEventType, uid string, details any) error {
	s.events = append(s.events, eventType)
	return nil
}

func (s *stubAuditRepo) ListRecentByUID(ctx context.Context, uid string, limit int) ([]models.AuditEntry, error) {
	return nil, nil
}

type stubPusher struct {
	events  []enums.PushEvent
	changes []pushsync.BalanceChange
}

func (s *stubPusher) BalanceChanged(ctx context.Context, change pushsync.BalanceChange) {
	s.events = append(s.events, change.Event)
	s.changes = append(s.changes, change)
}

func stuckOperation(reqID, uid string, cost int64) models.OperationLog {
	return models.OperationLog{
		ReqID:     reqID,
		UID:       uid,
		Cost:      cost,
		Status:    enums.OperationStatusPending,
		StartedAt: time.Now().UTC().Add(-time.Hour),
	}
}

func newSweepJob(t *testing.T, ops *stubOperationRepo, accountRepo *stubAccountRepo, auditRepo *stubAuditRepo, pusher *stubPusher) Job {
	t.Helper()
	job, err := NewRefundSweepJob(RefundSweepJobParams{
		Logger:         testLogger(),
		DB:             &stubTxRunner{},
		Operations:     ops,
		Accounts:       accountRepo,
		Audit:          auditRepo,
		Pusher:         pusher,
		StuckThreshold: 15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("setup job: %v", err)
	}
	return job
}

func TestRefundSweepRefundsStuckOperations(t *testing.T) {
	ops := &stubOperationRepo{pending: []models.OperationLog{
		stuckOperation("req-1", "user-1", 10),
		stuckOperation("req-2", "user-2", 20),
	}}
	accountRepo := newStubAccountRepo()
	auditRepo := &stubAuditRepo{}
	pusher := &stubPusher{}
	job := newSweepJob(t, ops, accountRepo, auditRepo, pusher)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(ops.refunded) != 2 {
		t.Fatalf("expected both operations refunded, got %v", ops.refunded)
	}
	if accountRepo.credited["user-1"] != 10 || accountRepo.credited["user-2"] != 20 {
		t.Fatalf("debits not reversed: %v", accountRepo.credited)
	}
	if len(auditRepo.events) != 2 || auditRepo.events[0] != enums.AuditEventAutoTimeoutRefund {
		t.Fatalf("expected timeout refund audit entries, got %v", auditRepo.events)
	}
	if len(pusher.events) != 2 || pusher.events[0] != enums.PushEventGenerateRefunded {
		t.Fatalf("expected refund pushes, got %v", pusher.events)
	}
}

func TestRefundSweepGroupsPushesPerUser(t *testing.T) {
	ops := &stubOperationRepo{pending: []models.OperationLog{
		stuckOperation("req-1", "user-1", 10),
		stuckOperation("req-2", "user-1", 20),
	}}
	accountRepo := newStubAccountRepo()
	pusher := &stubPusher{}
	job := newSweepJob(t, ops, accountRepo, &stubAuditRepo{}, pusher)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(pusher.changes) != 1 {
		t.Fatalf("expected one grouped push, got %d", len(pusher.changes))
	}
	if pusher.changes[0].UID != "user-1" || pusher.changes[0].Delta != 30 {
		t.Fatalf("grouped push must carry the summed refund: %+v", pusher.changes[0])
	}
}

func TestRefundSweepSkipsRacedOperations(t *testing.T) {
	// The executor finished between the query and the sweep; the conditional
	// transition matches nothing and the balance stays untouched.
	ops := &stubOperationRepo{
		pending:  []models.OperationLog{stuckOperation("req-1", "user-1", 10)},
		refundOK: map[string]bool{"req-1": false},
	}
	accountRepo := newStubAccountRepo()
	auditRepo := &stubAuditRepo{}
	pusher := &stubPusher{}
	job := newSweepJob(t, ops, accountRepo, auditRepo, pusher)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if accountRepo.credited["user-1"] != 0 {
		t.Fatalf("raced operation must not be credited, got %d", accountRepo.credited["user-1"])
	}
	if len(pusher.events) != 0 {
		t.Fatalf("raced operation must not push, got %v", pusher.events)
	}
}

func TestRefundSweepContinuesPastFailures(t *testing.T) {
	ops := &stubOperationRepo{
		pending: []models.OperationLog{
			stuckOperation("req-bad", "user-1", 10),
			stuckOperation("req-good", "user-2", 10),
		},
		refundErrs: map[string]error{"req-bad": errors.New("deadlock detected")},
	}
	accountRepo := newStubAccountRepo()
	job := newSweepJob(t, ops, accountRepo, &stubAuditRepo{}, &stubPusher{})

	err := job.Run(context.Background())
	if err == nil {
		t.Fatalf("per-operation failures must surface")
	}
	if accountRepo.credited["user-2"] != 10 {
		t.Fatalf("failure on one operation must not block the rest: %v", accountRepo.credited)
	}
}
