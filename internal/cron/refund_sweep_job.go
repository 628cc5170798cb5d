package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/pixmint/credits-backend/internal/accounts"
	"github.com/pixmint/credits-backend/internal/audit"
	"github.com/pixmint/credits-backend/internal/operations"
	"github.com/pixmint/credits-backend/internal/pushsync"
	"github.com/pixmint/credits-backend/pkg/db/models"
	"github.com/pixmint/credits-backend/pkg/enums"
	pkgerrors "github.com/pixmint/credits-backend/pkg/errors"
	"github.com/pixmint/credits-backend/pkg/logger"
)

const refundSweepBatch = 200

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type balancePusher interface {
	BalanceChanged(ctx context.Context, change pushsync.BalanceChange)
}

// RefundSweepJobParams configure the stuck-operation sweeper.
type RefundSweepJobParams struct {
	Logger         *logger.Logger
	DB             txRunner
	Operations     operations.Repository
	Accounts       accounts.Repository
	Audit          audit.Repository
	Pusher         balancePusher
	StuckThreshold time.Duration
}

// NewRefundSweepJob builds the job that refunds operations stuck in pending.
// An operation left pending past the threshold means its executor died between
// debit and outcome; the user paid for nothing, so the debit is reversed.
func NewRefundSweepJob(params RefundSweepJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Operations == nil {
		return nil, fmt.Errorf("operations repo required")
	}
	if params.Accounts == nil {
		return nil, fmt.Errorf("accounts repo required")
	}
	if params.Audit == nil {
		return nil, fmt.Errorf("audit repo required")
	}
	threshold := params.StuckThreshold
	if threshold <= 0 {
		threshold = 15 * time.Minute
	}
	return &refundSweepJob{
		logg:       params.Logger,
		db:         params.DB,
		operations: params.Operations,
		accounts:   params.Accounts,
		audit:      params.Audit,
		pusher:     params.Pusher,
		threshold:  threshold,
		now:        time.Now,
	}, nil
}

type refundSweepJob struct {
	logg       *logger.Logger
	db         txRunner
	operations operations.Repository
	accounts   accounts.Repository
	audit      audit.Repository
	pusher     balancePusher
	threshold  time.Duration
	now        func() time.Time
}

func (j *refundSweepJob) Name() string { return "refund-sweep" }

func (j *refundSweepJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.threshold)
	stuck, err := j.operations.ListPendingBefore(ctx, cutoff, refundSweepBatch)
	if err != nil {
		return fmt.Errorf("query stuck operations: %w", err)
	}

	var errs []error
	refunded := 0
	creditedByUID := map[string]int64{}
	for _, operation := range stuck {
		applied, err := j.refundOperation(ctx, operation)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if applied {
			refunded++
			creditedByUID[operation.UID] += operation.Cost
		}
	}

	// One push per user, not one per refunded row.
	for uid, credited := range creditedByUID {
		j.notify(ctx, uid, credited)
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{"stuck": len(stuck), "refunded": refunded})
	j.logg.Info(logCtx, "refund sweep complete")
	return multierr.Combine(errs...)
}

// refundOperation reverses one stuck debit. The conditional transition makes
// the sweep race-safe against a late-finishing executor: whoever flips the
// status first wins, the other side observes zero rows.
func (j *refundSweepJob) refundOperation(ctx context.Context, operation models.OperationLog) (bool, error) {
	var applied bool
	err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
		ok, err := j.operations.WithTx(tx).MarkRefunded(
			ctx,
			operation.ReqID,
			string(pkgerrors.CodeDependency),
			"operation timed out; auto refund",
			j.now().UTC(),
		)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		applied = true
		if err := j.accounts.WithTx(tx).Credit(ctx, operation.UID, operation.Cost); err != nil {
			return fmt.Errorf("refund debit: %w", err)
		}
		return j.audit.WithTx(tx).Record(ctx, enums.AuditEventAutoTimeoutRefund, operation.UID, map[string]any{
			"req_id": operation.ReqID,
			"cost":   operation.Cost,
		})
	})
	if err != nil {
		return false, fmt.Errorf("refund operation %s: %w", operation.ReqID, err)
	}
	return applied, nil
}

func (j *refundSweepJob) notify(ctx context.Context, uid string, credited int64) {
	if j.pusher == nil {
		return
	}
	account, err := j.accounts.FindByUID(ctx, uid)
	if err != nil || account == nil {
		return
	}
	j.pusher.BalanceChanged(ctx, pushsync.BalanceChange{
		UID:     uid,
		Event:   enums.PushEventGenerateRefunded,
		Delta:   credited,
		Balance: account.Credits,
	})
}
