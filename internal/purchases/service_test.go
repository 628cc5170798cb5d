package purchases

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/pixmint/credits-backend/internal/accounts"
	"github.com/pixmint/credits-backend/internal/ackretry"
	"github.com/pixmint/credits-backend/internal/pushsync"
	"github.com/pixmint/credits-backend/pkg/db/models"
	"github.com/pixmint/credits-backend/pkg/enums"
	pkgerrors "github.com/pixmint/credits-backend/pkg/errors"
	"github.com/pixmint/credits-backend/pkg/googleplay"
	"github.com/pixmint/credits-backend/pkg/logger"
)

type stubTxRunner struct{}

func (s *stubTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

type stubPurchaseRepo struct {
	mu            sync.Mutex
	rows          map[string]*models.Purchase
	createErr     error
	missFirstFind bool
	findCalls     int
	acked         chan string
}

func newStubPurchaseRepo() *stubPurchaseRepo {
	return &stubPurchaseRepo{rows: map[string]*models.Purchase{}, acked: make(chan string, 1)}
}

func (s *stubPurchaseRepo) WithTx(tx *gorm.DB) Repository { return s }

func (s *stubPurchaseRepo) Create(ctx context.Context, purchase *models.Purchase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	copied := *purchase
	s.rows[purchase.PurchaseToken] = &copied
	return nil
}

func (s *stubPurchaseRepo) FindByToken(ctx context.Context, purchaseToken string) (*models.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findCalls++
	if s.missFirstFind && s.findCalls == 1 {
		return nil, nil
	}
	row, ok := s.rows[purchaseToken]
	if !ok {
		return nil, nil
	}
	copied := *row
	return &copied, nil
}

func (s *stubPurchaseRepo) FindByOrderID(ctx context.Context, orderID string) (*models.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.OrderID == orderID {
			copied := *row
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *stubPurchaseRepo) MarkAcknowledged(ctx context.Context, purchaseToken string, at time.Time) error {
	s.mu.Lock()
	if row, ok := s.rows[purchaseToken]; ok {
		row.AcknowledgedAt = &at
	}
	s.mu.Unlock()
	select {
	case s.acked <- purchaseToken:
	default:
	}
	return nil
}

func (s *stubPurchaseRepo) MarkRefundedIfCompleted(ctx context.Context, orderID string, at time.Time) (*models.Purchase, error) {
	return nil, nil
}

type stubAccountRepo struct {
	mu      sync.Mutex
	credits int64
}

func (s *stubAccountRepo) WithTx(tx *gorm.DB) accounts.Repository { return s }

func (s *stubAccountRepo) EnsureAccount(ctx context.Context, uid string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &models.Account{UID: uid, Credits: s.credits}, nil
}

func (s *stubAccountRepo) FindByUID(ctx context.Context, uid string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &models.Account{UID: uid, Credits: s.credits}, nil
}

func (s *stubAccountRepo) Credit(ctx context.Context, uid string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credits += delta
	return nil
}

func (s *stubAccountRepo) DebitIfSufficient(ctx context.Context, uid string, cost int64) (bool, error) {
	return false, nil
}

func (s *stubAccountRepo) Clawback(ctx context.Context, uid string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credits -= delta
	return nil
}

type stubAckRetryRepo struct {
	mu       sync.Mutex
	enqueued []*models.AckRetry
}

func (s *stubAckRetryRepo) WithTx(tx *gorm.DB) ackretry.Repository { return s }

func (s *stubAckRetryRepo) Enqueue(ctx context.Context, row *models.AckRetry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueued = append(s.enqueued, row)
	return nil
}

func (s *stubAckRetryRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]models.AckRetry, error) {
	return nil, nil
}

func (s *stubAckRetryRepo) MarkDone(ctx context.Context, id uuid.UUID) error { return nil }

func (s *stubAckRetryRepo) RecordFailure(ctx context.Context, id uuid.UUID, attempts int, nextAttemptAt time.Time, lastError string) error {
	return nil
}

func (s *stubAckRetryRepo) MarkExhausted(ctx context.Context, id uuid.UUID, lastError string) error {
	return nil
}

type stubPlayClient struct {
	mu         sync.Mutex
	record     *googleplay.ProductPurchase
	verifyErr  error
	ackErr     error
	consumeErr error
	ackCalls   int
	consumed   int
}

func (s *stubPlayClient) VerifyProduct(ctx context.Context, skuID, purchaseToken string) (*googleplay.ProductPurchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.verifyErr != nil {
		return nil, s.verifyErr
	}
	return s.record, nil
}

func (s *stubPlayClient) Acknowledge(ctx context.Context, skuID, purchaseToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ackCalls++
	return s.ackErr
}

func (s *stubPlayClient) Consume(ctx context.Context, skuID, purchaseToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumed++
	return s.consumeErr
}

type stubPusher struct {
	mu      sync.Mutex
	events  []enums.PushEvent
	changes []pushsync.BalanceChange
}

func (s *stubPusher) BalanceChanged(ctx context.Context, change pushsync.BalanceChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, change.Event)
	s.changes = append(s.changes, change)
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
}

type serviceFixture struct {
	service    *Service
	repo       *stubPurchaseRepo
	accounts   *stubAccountRepo
	ackRetries *stubAckRetryRepo
	play       *stubPlayClient
	pusher     *stubPusher
}

func newFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		repo:       newStubPurchaseRepo(),
		accounts:   &stubAccountRepo{},
		ackRetries: &stubAckRetryRepo{},
		play: &stubPlayClient{record: &googleplay.ProductPurchase{
			OrderID:       "GPA.1234-5678",
			PurchaseState: googleplay.PurchaseStatePurchased,
		}},
		pusher: &stubPusher{},
	}
	service, err := NewService(ServiceParams{
		Logger:         testLogger(),
		DB:             &stubTxRunner{},
		Repo:           f.repo,
		Accounts:       f.accounts,
		AckRetries:     f.ackRetries,
		Play:           f.play,
		Pusher:         f.pusher,
		AckMaxAttempts: 1,
	})
	if err != nil {
		t.Fatalf("setup service: %v", err)
	}
	f.service = service
	return f
}

func TestVerifyAndCreditGrantsPack(t *testing.T) {
	f := newFixture(t)

	result, err := f.service.VerifyAndCredit(context.Background(), "user-1", "credits_120", "token-1", "")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Replayed {
		t.Fatalf("fresh grant reported as replay")
	}
	if result.Purchase.OrderID != "GPA.1234-5678" {
		t.Fatalf("order id not recorded: %q", result.Purchase.OrderID)
	}
	if result.Purchase.Amount != 100 || result.Purchase.BonusAmount != 20 {
		t.Fatalf("wrong pack amounts: %d/%d", result.Purchase.Amount, result.Purchase.BonusAmount)
	}
	if !result.Purchase.PriceAmount.Equal(decimal.RequireFromString("1.99")) || result.Purchase.PriceCurrency != "USD" {
		t.Fatalf("list price not recorded: %s %s", result.Purchase.PriceAmount, result.Purchase.PriceCurrency)
	}
	if result.Balance != 120 {
		t.Fatalf("expected balance 120, got %d", result.Balance)
	}

	select {
	case <-f.repo.acked:
	case <-time.After(2 * time.Second):
		t.Fatalf("acknowledgement never completed")
	}
	f.play.mu.Lock()
	defer f.play.mu.Unlock()
	if f.play.ackCalls != 1 || f.play.consumed != 1 {
		t.Fatalf("expected one acknowledge and one consume, got %d/%d", f.play.ackCalls, f.play.consumed)
	}
}

func TestVerifyAndCreditRejectsUnknownSKU(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.VerifyAndCredit(context.Background(), "user-1", "credits_999", "token-1", "")
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestVerifyAndCreditReplaysOwnToken(t *testing.T) {
	f := newFixture(t)
	f.accounts.credits = 120
	f.repo.rows["token-1"] = &models.Purchase{
		OrderID: "GPA.1", PurchaseToken: "token-1", UID: "user-1",
		SKUID: "credits_120", Amount: 100, BonusAmount: 20,
		Status: enums.PurchaseStatusCompleted,
	}
	f.play.verifyErr = errors.New("store must not be called on replay")

	result, err := f.service.VerifyAndCredit(context.Background(), "user-1", "credits_120", "token-1", "")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !result.Replayed {
		t.Fatalf("expected replayed result")
	}
	if result.Balance != 120 {
		t.Fatalf("replay must report current balance, got %d", result.Balance)
	}
}

func TestVerifyAndCreditRejectsForeignToken(t *testing.T) {
	f := newFixture(t)
	f.repo.rows["token-1"] = &models.Purchase{
		PurchaseToken: "token-1", UID: "user-2", Status: enums.PurchaseStatusCompleted,
	}

	_, err := f.service.VerifyAndCredit(context.Background(), "user-1", "credits_50", "token-1", "")
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeDuplicatePurchase {
		t.Fatalf("expected duplicate purchase, got %v", err)
	}
}

func TestVerifyAndCreditRejectsRefundedToken(t *testing.T) {
	f := newFixture(t)
	f.repo.rows["token-1"] = &models.Purchase{
		PurchaseToken: "token-1", UID: "user-1", Status: enums.PurchaseStatusRefunded,
	}

	_, err := f.service.VerifyAndCredit(context.Background(), "user-1", "credits_50", "token-1", "")
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeInvalidPurchase {
		t.Fatalf("expected invalid purchase, got %v", err)
	}
}

func TestVerifyAndCreditResolvesInsertRace(t *testing.T) {
	f := newFixture(t)
	f.accounts.credits = 50
	// The first lookup misses, the insert loses to a concurrent verify, and
	// the winner's row resolves the replay.
	f.repo.missFirstFind = true
	f.repo.createErr = errors.New(`duplicate key value violates unique constraint "idx_purchases_token"`)
	f.repo.rows["token-1"] = &models.Purchase{
		OrderID: "GPA.2", PurchaseToken: "token-1", UID: "user-1",
		SKUID: "credits_50", Amount: 50, Status: enums.PurchaseStatusCompleted,
	}

	result, err := f.service.VerifyAndCredit(context.Background(), "user-1", "credits_50", "token-1", "")
	if err != nil {
		t.Fatalf("race resolution: %v", err)
	}
	if !result.Replayed {
		t.Fatalf("expected replayed result from the winning insert")
	}
}

func TestValidatePurchaseRecord(t *testing.T) {
	cases := []struct {
		name   string
		record *googleplay.ProductPurchase
		code   pkgerrors.Code
	}{
		{"nil record", nil, pkgerrors.CodeInvalidPurchase},
		{"pending", &googleplay.ProductPurchase{OrderID: "o", PurchaseState: googleplay.PurchaseStatePending}, pkgerrors.CodeProcessing},
		{"canceled", &googleplay.ProductPurchase{OrderID: "o", PurchaseState: googleplay.PurchaseStateCanceled}, pkgerrors.CodeInvalidPurchase},
		{"consumed", &googleplay.ProductPurchase{OrderID: "o", PurchaseState: googleplay.PurchaseStatePurchased, ConsumptionState: googleplay.ConsumptionStateConsumed}, pkgerrors.CodeDuplicatePurchase},
		{"missing order id", &googleplay.ProductPurchase{PurchaseState: googleplay.PurchaseStatePurchased}, pkgerrors.CodeInvalidPurchase},
		{"valid", &googleplay.ProductPurchase{OrderID: "o", PurchaseState: googleplay.PurchaseStatePurchased}, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validatePurchaseRecord(tc.record)
			if tc.code == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			typed := pkgerrors.As(err)
			if typed == nil || typed.Code() != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
		})
	}
}

func TestAcknowledgeWithRetryTreatsStateConflictAsDone(t *testing.T) {
	f := newFixture(t)
	f.play.ackErr = pkgerrors.New(pkgerrors.CodeStateConflict, "already acknowledged")

	if err := f.service.acknowledgeWithRetry(context.Background(), "credits_50", "token-1"); err != nil {
		t.Fatalf("state conflict must read as success: %v", err)
	}
	if f.play.consumed != 1 {
		t.Fatalf("consume must still run, got %d calls", f.play.consumed)
	}
}

func TestAcknowledgeWithRetryStopsOnFatalError(t *testing.T) {
	f := newFixture(t)
	f.service.ackMaxAttempts = 3
	f.play.ackErr = pkgerrors.New(pkgerrors.CodeInvalidPurchase, "token revoked")

	err := f.service.acknowledgeWithRetry(context.Background(), "credits_50", "token-1")
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeInvalidPurchase {
		t.Fatalf("expected fatal error surfaced, got %v", err)
	}
	if f.play.ackCalls != 1 {
		t.Fatalf("fatal errors must not retry, got %d attempts", f.play.ackCalls)
	}
}

func TestEnqueueAckRetryBuildsDurableRow(t *testing.T) {
	f := newFixture(t)
	f.service.ackMaxAttempts = 5
	before := time.Now().UTC()

	f.service.enqueueAckRetry(context.Background(), "user-1", "credits_50", "token-1", errors.New("upstream timeout"))

	if len(f.ackRetries.enqueued) != 1 {
		t.Fatalf("expected one durable row, got %d", len(f.ackRetries.enqueued))
	}
	row := f.ackRetries.enqueued[0]
	if row.PurchaseToken != "token-1" || row.UID != "user-1" || row.SKUID != "credits_50" {
		t.Fatalf("row identity mismatch: %+v", row)
	}
	if row.Attempts != 5 {
		t.Fatalf("attempts must carry the in-process count, got %d", row.Attempts)
	}
	if row.LastError == nil || *row.LastError != "upstream timeout" {
		t.Fatalf("last error not recorded: %v", row.LastError)
	}
	if row.NextAttemptAt.Before(before.Add(time.Minute - time.Second)) {
		t.Fatalf("next attempt scheduled too soon: %v", row.NextAttemptAt)
	}
}
