package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/pixmint/credits-backend/internal/ackretry"
	"github.com/pixmint/credits-backend/internal/audit"
	"github.com/pixmint/credits-backend/internal/purchases"
	"github.com/pixmint/credits-backend/pkg/db/models"
	"github.com/pixmint/credits-backend/pkg/enums"
	pkgerrors "github.com/pixmint/credits-backend/pkg/errors"
	"github.com/pixmint/credits-backend/pkg/logger"
)

const ackRetryBackoffBase = time.Minute

type playAcknowledger interface {
	Acknowledge(ctx context.Context, skuID, purchaseToken string) error
	Consume(ctx context.Context, skuID, purchaseToken string) error
}

// AckRetryJobParams configure the durable acknowledgement drainer.
type AckRetryJobParams struct {
	Logger      *logger.Logger
	AckRetries  ackretry.Repository
	Purchases   purchases.Repository
	Audit       audit.Repository
	Play        playAcknowledger
	MaxAttempts int
	BatchSize   int
}

// NewAckRetryJob builds the job that retries purchase acknowledgements whose
// in-process attempts were exhausted. Rows that hit the attempt cap are marked
// exhausted and audited; the provider will eventually auto-refund and the
// refund reconciler claws the credits back.
func NewAckRetryJob(params AckRetryJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.AckRetries == nil {
		return nil, fmt.Errorf("ack retry repo required")
	}
	if params.Purchases == nil {
		return nil, fmt.Errorf("purchases repo required")
	}
	if params.Audit == nil {
		return nil, fmt.Errorf("audit repo required")
	}
	if params.Play == nil {
		return nil, fmt.Errorf("play client required")
	}
	maxAttempts := params.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	batchSize := params.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	return &ackRetryJob{
		logg:        params.Logger,
		ackRetries:  params.AckRetries,
		purchases:   params.Purchases,
		audit:       params.Audit,
		play:        params.Play,
		maxAttempts: maxAttempts,
		batchSize:   batchSize,
		now:         time.Now,
	}, nil
}

type ackRetryJob struct {
	logg        *logger.Logger
	ackRetries  ackretry.Repository
	purchases   purchases.Repository
	audit       audit.Repository
	play        playAcknowledger
	maxAttempts int
	batchSize   int
	now         func() time.Time
}

func (j *ackRetryJob) Name() string { return "ack-retry" }

func (j *ackRetryJob) Run(ctx context.Context) error {
	due, err := j.ackRetries.ListDue(ctx, j.now().UTC(), j.batchSize)
	if err != nil {
		return fmt.Errorf("query due ack retries: %w", err)
	}

	var errs []error
	done := 0
	for _, row := range due {
		ok, err := j.retryOne(ctx, row)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			done++
		}
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{"due": len(due), "acknowledged": done})
	j.logg.Info(logCtx, "ack retry drain complete")
	return multierr.Combine(errs...)
}

func (j *ackRetryJob) retryOne(ctx context.Context, row models.AckRetry) (bool, error) {
	ackErr := j.acknowledge(ctx, row)
	if ackErr == nil {
		if err := j.ackRetries.MarkDone(ctx, row.ID); err != nil {
			return false, fmt.Errorf("mark ack done: %w", err)
		}
		if err := j.purchases.MarkAcknowledged(ctx, row.PurchaseToken, j.now().UTC()); err != nil {
			j.logg.Error(ctx, "record acknowledgement timestamp", err)
		}
		return true, nil
	}

	attempts := row.Attempts + 1
	if attempts >= j.maxAttempts {
		if err := j.ackRetries.MarkExhausted(ctx, row.ID, ackErr.Error()); err != nil {
			return false, fmt.Errorf("mark ack exhausted: %w", err)
		}
		auditErr := j.audit.Record(ctx, enums.AuditEventAckExhausted, row.UID, map[string]any{
			"sku_id":   row.SKUID,
			"attempts": attempts,
			"error":    ackErr.Error(),
		})
		if auditErr != nil {
			j.logg.Error(ctx, "record ack exhaustion audit", auditErr)
		}
		return false, nil
	}

	nextAttempt := j.now().UTC().Add(ackRetryBackoffBase << uint(attempts))
	if err := j.ackRetries.RecordFailure(ctx, row.ID, attempts, nextAttempt, ackErr.Error()); err != nil {
		return false, fmt.Errorf("record ack failure: %w", err)
	}
	return false, nil
}

func (j *ackRetryJob) acknowledge(ctx context.Context, row models.AckRetry) error {
	if err := j.play.Acknowledge(ctx, row.SKUID, row.PurchaseToken); err != nil && !isAlreadyAcked(err) {
		return err
	}
	if err := j.play.Consume(ctx, row.SKUID, row.PurchaseToken); err != nil && !isAlreadyAcked(err) {
		return err
	}
	return nil
}

// isAlreadyAcked treats a state conflict as success: a previous attempt landed.
func isAlreadyAcked(err error) bool {
	typed := pkgerrors.As(err)
	return typed != nil && typed.Code() == pkgerrors.CodeStateConflict
}
