package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/pixmint/credits-backend/internal/operations"
	"github.com/pixmint/credits-backend/pkg/db/models"
	"github.com/pixmint/credits-backend/pkg/logger"
)

type tableInserter interface {
	InsertRows(ctx context.Context, table string, rows []any) error
}

// ArchiveJobParams configure the operation retention job.
type ArchiveJobParams struct {
	Logger     *logger.Logger
	Operations operations.Repository
	Inserter   tableInserter
	Table      string
	Retention  time.Duration
	BatchSize  int
}

// OperationArchiveRow is the BigQuery shape of an archived operation.
type OperationArchiveRow struct {
	ReqID      string     `bigquery:"req_id"`
	UID        string     `bigquery:"uid"`
	Cost       int64      `bigquery:"cost"`
	Status     string     `bigquery:"status"`
	ResultRef  *string    `bigquery:"result_ref"`
	ErrorCode  *string    `bigquery:"error_code"`
	StartedAt  time.Time  `bigquery:"started_at"`
	FinishedAt *time.Time `bigquery:"finished_at"`
	CreatedAt  time.Time  `bigquery:"created_at"`
	ArchivedAt time.Time  `bigquery:"archived_at"`
}

// NewArchiveJob builds the job that exports terminal operations past the
// retention window to BigQuery and deletes them in the same batch. Export
// before delete: a crash between the two leaves duplicate archive rows, never
// lost ones.
func NewArchiveJob(params ArchiveJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Operations == nil {
		return nil, fmt.Errorf("operations repo required")
	}
	if params.Inserter == nil {
		return nil, fmt.Errorf("bigquery inserter required")
	}
	if params.Table == "" {
		return nil, fmt.Errorf("archive table required")
	}
	retention := params.Retention
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}
	batchSize := params.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &archiveJob{
		logg:       params.Logger,
		operations: params.Operations,
		inserter:   params.Inserter,
		table:      params.Table,
		retention:  retention,
		batchSize:  batchSize,
		now:        time.Now,
	}, nil
}

type archiveJob struct {
	logg       *logger.Logger
	operations operations.Repository
	inserter   tableInserter
	table      string
	retention  time.Duration
	batchSize  int
	now        func() time.Time
}

func (j *archiveJob) Name() string { return "operation-archive" }

func (j *archiveJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.retention)
	archived := int64(0)

	for {
		batch, err := j.operations.ListTerminalBefore(ctx, cutoff, j.batchSize)
		if err != nil {
			return fmt.Errorf("query expired operations: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		deleted, err := j.archiveBatch(ctx, batch)
		if err != nil {
			return err
		}
		archived += deleted

		if len(batch) < j.batchSize {
			break
		}
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{"archived": archived})
	j.logg.Info(logCtx, "operation archive complete")
	return nil
}

func (j *archiveJob) archiveBatch(ctx context.Context, batch []models.OperationLog) (int64, error) {
	archivedAt := j.now().UTC()
	rows := make([]any, 0, len(batch))
	reqIDs := make([]string, 0, len(batch))
	for _, operation := range batch {
		rows = append(rows, &OperationArchiveRow{
			ReqID:      operation.ReqID,
			UID:        operation.UID,
			Cost:       operation.Cost,
			Status:     string(operation.Status),
			ResultRef:  operation.ResultRef,
			ErrorCode:  operation.ErrorCode,
			StartedAt:  operation.StartedAt,
			FinishedAt: operation.FinishedAt,
			CreatedAt:  operation.CreatedAt,
			ArchivedAt: archivedAt,
		})
		reqIDs = append(reqIDs, operation.ReqID)
	}

	if err := j.inserter.InsertRows(ctx, j.table, rows); err != nil {
		return 0, fmt.Errorf("export archive rows: %w", err)
	}

	deleted, err := j.operations.DeleteByReqIDs(ctx, reqIDs)
	if err != nil {
		return 0, fmt.Errorf("delete archived operations: %w", err)
	}
	return deleted, nil
}
