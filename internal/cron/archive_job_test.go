package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pixmint/credits-backend/pkg/db/models"
	"github.com/pixmint/credits-backend/pkg/enums"
)

type stubInserter struct {
	tables  []string
	batches [][]any
	err     error
}

func (s *stubInserter) InsertRows(ctx context.Context, table string, rows []any) error {
	if s.err != nil {
		return s.err
	}
	s.tables = append(s.tables, table)
	s.batches = append(s.batches, rows)
	return nil
}

func terminalOperation(reqID string) models.OperationLog {
	finished := time.Now().UTC().Add(-100 * 24 * time.Hour)
	return models.OperationLog{
		ReqID:      reqID,
		UID:        "user-1",
		Cost:       10,
		Status:     enums.OperationStatusCompleted,
		FinishedAt: &finished,
		CreatedAt:  finished.Add(-time.Minute),
	}
}

func newArchive(t *testing.T, ops *stubOperationRepo, inserter *stubInserter) Job {
	t.Helper()
	job, err := NewArchiveJob(ArchiveJobParams{
		Logger:     testLogger(),
		Operations: ops,
		Inserter:   inserter,
		Table:      "ops_archive",
		Retention:  90 * 24 * time.Hour,
		BatchSize:  100,
	})
	if err != nil {
		t.Fatalf("setup job: %v", err)
	}
	return job
}

func TestArchiveExportsBeforeDeleting(t *testing.T) {
	ops := &stubOperationRepo{terminal: []models.OperationLog{
		terminalOperation("req-1"),
		terminalOperation("req-2"),
	}}
	inserter := &stubInserter{}
	job := newArchive(t, ops, inserter)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(inserter.batches) != 1 || len(inserter.batches[0]) != 2 {
		t.Fatalf("expected one export batch of 2, got %v", inserter.batches)
	}
	if inserter.tables[0] != "ops_archive" {
		t.Fatalf("wrong table: %q", inserter.tables[0])
	}
	if len(ops.deleted) != 1 || len(ops.deleted[0]) != 2 {
		t.Fatalf("expected both rows deleted after export, got %v", ops.deleted)
	}

	row, ok := inserter.batches[0][0].(*OperationArchiveRow)
	if !ok {
		t.Fatalf("unexpected row type %T", inserter.batches[0][0])
	}
	if row.ReqID != "req-1" || row.Status != string(enums.OperationStatusCompleted) {
		t.Fatalf("archive row mismatch: %+v", row)
	}
	if row.ArchivedAt.IsZero() {
		t.Fatalf("archive timestamp missing")
	}
}

func TestArchiveKeepsRowsWhenExportFails(t *testing.T) {
	ops := &stubOperationRepo{terminal: []models.OperationLog{terminalOperation("req-1")}}
	inserter := &stubInserter{err: errors.New("streaming insert quota")}
	job := newArchive(t, ops, inserter)

	if err := job.Run(context.Background()); err == nil {
		t.Fatalf("export failure must surface")
	}
	if len(ops.deleted) != 0 {
		t.Fatalf("rows must never be deleted before a successful export, got %v", ops.deleted)
	}
}

func TestArchiveNoExpiredRowsIsNoop(t *testing.T) {
	ops := &stubOperationRepo{}
	inserter := &stubInserter{}
	job := newArchive(t, ops, inserter)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(inserter.batches) != 0 || len(ops.deleted) != 0 {
		t.Fatalf("nothing to archive must write nothing")
	}
}
