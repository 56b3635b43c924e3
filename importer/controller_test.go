package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"bitbucket.org/mmdatafocus/resto_analytics/models"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.MigrateTablesOn(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestRunner(db *gorm.DB) *Runner {
	r := NewRunner(db)
	// Summary rebuild has its own tests; keep job tests focused.
	r.refresh = func(ctx context.Context, db *gorm.DB, tenantId string) (RefreshStats, error) {
		return RefreshStats{}, nil
	}
	r.publish = func(ctx context.Context, job *models.ImportJob) error { return nil }
	return r
}

func createJob(t *testing.T, db *gorm.DB, tenantId, fileName string) *models.ImportJob {
	t.Helper()
	job, err := models.CreateImportJob(context.Background(), db, tenantId, "user-1", fileName, "", 0)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func loadJob(t *testing.T, db *gorm.DB, tenantId, jobId string) *models.ImportJob {
	t.Helper()
	job, err := models.GetImportJobById(context.Background(), db, tenantId, jobId)
	if err != nil {
		t.Fatalf("load job: %v", err)
	}
	return job
}

// Receipt A: two items, subtotal 100, service charge 10, tax 12, no discount.
// Receipt B: one item.
const fixtureFile = fixtureHeader +
	"R-A,2026-08-03 12:30:00,Main,,,,,,,\n" +
	"R-A,2026-08-03 12:30:00,Main,Service Charge,,,,,10.00,\n" +
	"R-A,2026-08-03 12:30:00,Main,Carbonara,Pasta,1,60.00,7.20,,0\n" +
	"R-A,2026-08-03 12:30:00,Main,Iced Tea,Tea,2,40.00,4.80,,0\n" +
	"R-A,2026-08-03 12:30:00,Main,Payment: Cash,,,,,,\n" +
	"R-B,2026-08-04 19:00:00,Main,Burger,Mains,1,25.00,3.00,,0\n"

func TestRunEndToEnd(t *testing.T) {
	db := newTestDB(t)
	runner := newTestRunner(db)
	ctx := context.Background()

	// Pre-existing row: receipt B's line was imported by an earlier file.
	prior := createJob(t, db, "tenant-1", "earlier.csv")
	if err := runner.Run(ctx, "tenant-1", prior.ID, "earlier.csv",
		[]byte(fixtureHeader+"R-B,2026-08-04 19:00:00,Main,Burger,Mains,1,25.00,3.00,,0\n")); err != nil {
		t.Fatalf("prior import: %v", err)
	}

	job := createJob(t, db, "tenant-1", "export.csv")
	if err := runner.Run(ctx, "tenant-1", job.ID, "export.csv", []byte(fixtureFile)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := loadJob(t, db, "tenant-1", job.ID)
	if got.Status != models.ImportJobStatusCompleted {
		t.Fatalf("status = %q, want completed (error: %s)", got.Status, got.ErrorMessage)
	}
	if got.InsertedRows != 2 {
		t.Errorf("inserted_rows = %d, want 2", got.InsertedRows)
	}
	details := models.DecodeErrorDetails(got.ErrorDetails)
	if details.DuplicateRows < 1 {
		t.Errorf("duplicate_rows = %d, want >= 1", details.DuplicateRows)
	}
	if got.SkippedRows < 1 {
		t.Errorf("skipped_rows = %d, want >= 1", got.SkippedRows)
	}
	if got.TotalRows != 6 {
		t.Errorf("total_rows = %d, want 6", got.TotalRows)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Error("lifecycle timestamps not set")
	}
	if got.DateRangeStart == nil || got.DateRangeEnd == nil {
		t.Fatal("date range not detected")
	}
	if got.DateRangeStart.Format("2006-01-02") != "2026-08-03" || got.DateRangeEnd.Format("2006-01-02") != "2026-08-04" {
		t.Errorf("date range = %s..%s", got.DateRangeStart, got.DateRangeEnd)
	}

	var txns []models.Transaction
	if err := db.Where("tenant_id = ?", "tenant-1").Find(&txns).Error; err != nil {
		t.Fatal(err)
	}
	if len(txns) != 3 {
		t.Fatalf("fact rows = %d, want 3", len(txns))
	}
	for _, txn := range txns {
		want := txn.Subtotal.Add(txn.Tax).Add(txn.ServiceCharge).Add(txn.Discount)
		if txn.GrossRevenue.Cmp(want) != 0 {
			t.Errorf("%s: gross %s != %s", txn.ItemName, txn.GrossRevenue, want)
		}
	}
}

// Importing the same file twice must leave the fact table unchanged, with the
// second pass fully duplicate-skipped.
func TestRunIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	runner := newTestRunner(db)
	ctx := context.Background()

	first := createJob(t, db, "tenant-1", "export.csv")
	if err := runner.Run(ctx, "tenant-1", first.ID, "export.csv", []byte(fixtureFile)); err != nil {
		t.Fatalf("first run: %v", err)
	}
	countAfterFirst, err := models.CountTransactions(ctx, db, "tenant-1")
	if err != nil {
		t.Fatal(err)
	}

	second := createJob(t, db, "tenant-1", "export.csv")
	if err := runner.Run(ctx, "tenant-1", second.ID, "export.csv", []byte(fixtureFile)); err != nil {
		t.Fatalf("second run: %v", err)
	}

	countAfterSecond, err := models.CountTransactions(ctx, db, "tenant-1")
	if err != nil {
		t.Fatal(err)
	}
	if countAfterSecond != countAfterFirst {
		t.Errorf("row count changed on re-import: %d -> %d", countAfterFirst, countAfterSecond)
	}

	got := loadJob(t, db, "tenant-1", second.ID)
	if got.Status != models.ImportJobStatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	if got.InsertedRows != 0 {
		t.Errorf("second pass inserted %d rows, want 0", got.InsertedRows)
	}
	details := models.DecodeErrorDetails(got.ErrorDetails)
	if details.DuplicateRows != int(countAfterFirst) {
		t.Errorf("duplicate_rows = %d, want %d", details.DuplicateRows, countAfterFirst)
	}
}

// cancellingWriter cancels the job through the public endpoint path after the
// first batch lands, as a concurrent operator would.
type cancellingWriter struct {
	db      *gorm.DB
	jobId   string
	batches int
}

func (w *cancellingWriter) WriteBatch(ctx context.Context, db *gorm.DB, batch []models.Transaction) (int64, error) {
	n, err := models.InsertTransactionsBatch(ctx, db, batch)
	w.batches++
	if w.batches == 1 {
		if _, _, cerr := CancelImportJob(ctx, w.db, "tenant-1", w.jobId); cerr != nil {
			return n, cerr
		}
	}
	return n, err
}

func TestRunCancellationCompensates(t *testing.T) {
	db := newTestDB(t)
	runner := newTestRunner(db)
	ctx := context.Background()

	job := createJob(t, db, "tenant-1", "export.csv")
	writer := &cancellingWriter{db: db, jobId: job.ID}
	runner.Writer = writer
	runner.BatchSize = 1

	if err := runner.Run(ctx, "tenant-1", job.ID, "export.csv", []byte(fixtureFile)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := loadJob(t, db, "tenant-1", job.ID)
	if got.Status != models.ImportJobStatusCancelled {
		t.Fatalf("status = %q, want cancelled", got.Status)
	}
	if writer.batches >= 3 {
		t.Errorf("writer ran %d batches; cancel should stop the loop at the next boundary", writer.batches)
	}

	count, err := models.CountTransactions(ctx, db, "tenant-1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("fact rows after cancel = %d, want 0", count)
	}
}

// A cancel issued while the file is still parsing must stick: the runner may
// not drag the job back to processing and run it to completion.
func TestRunObservesCancelDuringParse(t *testing.T) {
	db := newTestDB(t)
	runner := newTestRunner(db)
	ctx := context.Background()

	job := createJob(t, db, "tenant-1", "export.csv")

	batches := 0
	runner.Writer = writerFunc(func(ctx context.Context, db *gorm.DB, batch []models.Transaction) (int64, error) {
		batches++
		return models.InsertTransactionsBatch(ctx, db, batch)
	})
	realParse := runner.parse
	runner.parse = func(fileName string, data []byte) ([]*Row, error) {
		if _, _, err := CancelImportJob(ctx, db, "tenant-1", job.ID); err != nil {
			t.Fatalf("cancel during parse: %v", err)
		}
		return realParse(fileName, data)
	}

	if err := runner.Run(ctx, "tenant-1", job.ID, "export.csv", []byte(fixtureFile)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := loadJob(t, db, "tenant-1", job.ID)
	if got.Status != models.ImportJobStatusCancelled {
		t.Fatalf("status = %q, want cancelled to stick", got.Status)
	}
	if got.StartedAt != nil {
		t.Error("cancelled job must not enter processing")
	}
	if batches != 0 {
		t.Errorf("writer ran %d batches after cancel", batches)
	}
	count, _ := models.CountTransactions(ctx, db, "tenant-1")
	if count != 0 {
		t.Errorf("fact rows after cancel = %d, want 0", count)
	}
}

type failingWriter struct {
	calls int
}

func (w *failingWriter) WriteBatch(ctx context.Context, db *gorm.DB, batch []models.Transaction) (int64, error) {
	w.calls++
	return 0, errors.New("storage unreachable")
}

func TestRunAbortsAfterFiveConsecutiveFailures(t *testing.T) {
	db := newTestDB(t)
	runner := newTestRunner(db)
	writer := &failingWriter{}
	runner.Writer = writer
	runner.BatchSize = 1

	file := fixtureHeader
	for i := 1; i <= 8; i++ {
		file += fmt.Sprintf("R-%d,2026-08-03 12:00:00,Main,Item %d,Mains,1,10.00,1.20,,0\n", i, i)
	}

	job := createJob(t, db, "tenant-1", "export.csv")
	err := runner.Run(context.Background(), "tenant-1", job.ID, "export.csv", []byte(file))
	if err == nil {
		t.Fatal("Run should surface the abort")
	}

	if writer.calls != 5 {
		t.Errorf("writer called %d times, want exactly 5", writer.calls)
	}

	got := loadJob(t, db, "tenant-1", job.ID)
	if got.Status != models.ImportJobStatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "5 consecutive") {
		t.Errorf("error message should report the failure streak: %q", got.ErrorMessage)
	}
	if got.CompletedAt == nil {
		t.Error("failed job should carry completed_at")
	}
}

func TestRunRecoversFromTransientBatchFailures(t *testing.T) {
	db := newTestDB(t)
	runner := newTestRunner(db)
	runner.BatchSize = 1
	flaky := 0
	runner.Writer = writerFunc(func(ctx context.Context, db *gorm.DB, batch []models.Transaction) (int64, error) {
		flaky++
		if flaky == 1 {
			return 0, errors.New("transient")
		}
		return models.InsertTransactionsBatch(ctx, db, batch)
	})

	job := createJob(t, db, "tenant-1", "export.csv")
	if err := runner.Run(context.Background(), "tenant-1", job.ID, "export.csv", []byte(fixtureFile)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := loadJob(t, db, "tenant-1", job.ID)
	if got.Status != models.ImportJobStatusCompleted {
		t.Fatalf("status = %q, want completed after recovery", got.Status)
	}
	if got.InsertedRows != 2 {
		t.Errorf("inserted_rows = %d, want 2", got.InsertedRows)
	}
	// The row the transient failure dropped must be accounted, not lost.
	if got.ErrorRows != 1 {
		t.Errorf("error_rows = %d, want 1 for the unpersisted row", got.ErrorRows)
	}
	details := models.DecodeErrorDetails(got.ErrorDetails)
	if len(details.Errors) != 1 || details.Errors[0].Row != 3 {
		t.Fatalf("error details = %+v, want one entry for source row 3", details.Errors)
	}
	if !strings.Contains(details.Errors[0].Error, "not persisted") {
		t.Errorf("error %q should say the row was not persisted", details.Errors[0].Error)
	}
}

// A failed multi-row batch is retried row-by-row, so a batch-level fault does
// not discard rows that insert fine on their own.
func TestRunRetriesFailedBatchRowByRow(t *testing.T) {
	db := newTestDB(t)
	runner := newTestRunner(db)
	runner.Writer = writerFunc(func(ctx context.Context, db *gorm.DB, batch []models.Transaction) (int64, error) {
		if len(batch) > 1 {
			return 0, errors.New("batch write refused")
		}
		return models.InsertTransactionsBatch(ctx, db, batch)
	})

	job := createJob(t, db, "tenant-1", "export.csv")
	if err := runner.Run(context.Background(), "tenant-1", job.ID, "export.csv", []byte(fixtureFile)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := loadJob(t, db, "tenant-1", job.ID)
	if got.Status != models.ImportJobStatusCompleted {
		t.Fatalf("status = %q, want completed (error: %s)", got.Status, got.ErrorMessage)
	}
	if got.InsertedRows != 3 {
		t.Errorf("inserted_rows = %d, want all 3 via row retries", got.InsertedRows)
	}
	if got.ErrorRows != 0 {
		t.Errorf("error_rows = %d, want 0", got.ErrorRows)
	}
	count, _ := models.CountTransactions(context.Background(), db, "tenant-1")
	if count != 3 {
		t.Errorf("fact rows = %d, want 3", count)
	}
}

// Rows that fail even the row-level retry show up in the error detail with
// their source row numbers.
func TestRunRecordsRowsLostInBatchRetry(t *testing.T) {
	db := newTestDB(t)
	runner := newTestRunner(db)
	runner.Writer = writerFunc(func(ctx context.Context, db *gorm.DB, batch []models.Transaction) (int64, error) {
		if len(batch) > 1 {
			return 0, errors.New("batch write refused")
		}
		if batch[0].ItemName == "Iced Tea" {
			return 0, errors.New("row write refused")
		}
		return models.InsertTransactionsBatch(ctx, db, batch)
	})

	job := createJob(t, db, "tenant-1", "export.csv")
	if err := runner.Run(context.Background(), "tenant-1", job.ID, "export.csv", []byte(fixtureFile)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := loadJob(t, db, "tenant-1", job.ID)
	if got.InsertedRows != 2 {
		t.Errorf("inserted_rows = %d, want 2", got.InsertedRows)
	}
	if got.ErrorRows != 1 {
		t.Errorf("error_rows = %d, want 1", got.ErrorRows)
	}
	details := models.DecodeErrorDetails(got.ErrorDetails)
	if len(details.Errors) != 1 || details.Errors[0].Row != 4 {
		t.Fatalf("error details = %+v, want one entry for source row 4", details.Errors)
	}
}

type writerFunc func(ctx context.Context, db *gorm.DB, batch []models.Transaction) (int64, error)

func (f writerFunc) WriteBatch(ctx context.Context, db *gorm.DB, batch []models.Transaction) (int64, error) {
	return f(ctx, db, batch)
}

func TestRunRecordsRowErrorsWithoutAborting(t *testing.T) {
	db := newTestDB(t)
	runner := newTestRunner(db)

	file := fixtureHeader +
		"R-1,garbage,Main,Soup,Soups,1,5.00,,,\n" + // bad timestamp
		"R-2,2026-08-03 12:00:00,Main,Salad,Salads,1,,,,\n" + // missing subtotal
		"R-3,2026-08-03 12:00:00,Main,Burger,Mains,1,25.00,3.00,,0\n"

	job := createJob(t, db, "tenant-1", "export.csv")
	if err := runner.Run(context.Background(), "tenant-1", job.ID, "export.csv", []byte(file)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := loadJob(t, db, "tenant-1", job.ID)
	if got.Status != models.ImportJobStatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	if got.ErrorRows != 2 {
		t.Errorf("error_rows = %d, want 2", got.ErrorRows)
	}
	if got.InsertedRows != 1 {
		t.Errorf("inserted_rows = %d, want 1", got.InsertedRows)
	}
	details := models.DecodeErrorDetails(got.ErrorDetails)
	if len(details.Errors) != 2 {
		t.Fatalf("error detail entries = %d, want 2", len(details.Errors))
	}
	if details.Errors[0].Row != 1 || details.Errors[1].Row != 2 {
		t.Errorf("error rows = %d,%d want 1,2", details.Errors[0].Row, details.Errors[1].Row)
	}
	if got.ErrorMessage != "" {
		t.Errorf("row-level errors must not set the job error message, got %q", got.ErrorMessage)
	}
}

func TestRunSkipsExcludedCategories(t *testing.T) {
	db := newTestDB(t)
	runner := newTestRunner(db)

	file := fixtureHeader +
		"R-1,2026-08-03 12:00:00,Main,House Red,Wine,1,30.00,3.60,,0\n" +
		"R-1,2026-08-03 12:00:00,Main,Burger,Mains,1,25.00,3.00,,0\n"

	job := createJob(t, db, "tenant-1", "export.csv")
	if err := runner.Run(context.Background(), "tenant-1", job.ID, "export.csv", []byte(file)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := loadJob(t, db, "tenant-1", job.ID)
	if got.InsertedRows != 1 {
		t.Errorf("inserted_rows = %d, want 1", got.InsertedRows)
	}
	details := models.DecodeErrorDetails(got.ErrorDetails)
	if details.ExcludedRows != 1 {
		t.Errorf("excluded_rows = %d, want 1", details.ExcludedRows)
	}

	count, _ := models.CountTransactions(context.Background(), db, "tenant-1")
	if count != 1 {
		t.Errorf("fact rows = %d, want 1 (excluded line must not persist)", count)
	}
}

func TestRunDoesNotTouchTerminalJob(t *testing.T) {
	db := newTestDB(t)
	runner := newTestRunner(db)
	ctx := context.Background()

	job := createJob(t, db, "tenant-1", "export.csv")
	if _, _, err := CancelImportJob(ctx, db, "tenant-1", job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if err := runner.Run(ctx, "tenant-1", job.ID, "export.csv", []byte(fixtureFile)); err != nil {
		t.Fatalf("Run on terminal job: %v", err)
	}
	got := loadJob(t, db, "tenant-1", job.ID)
	if got.Status != models.ImportJobStatusCancelled {
		t.Errorf("terminal status mutated to %q", got.Status)
	}
	count, _ := models.CountTransactions(ctx, db, "tenant-1")
	if count != 0 {
		t.Errorf("terminal job inserted %d rows", count)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	job := createJob(t, db, "tenant-1", "export.csv")
	if _, _, err := CancelImportJob(ctx, db, "tenant-1", job.ID); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	deleted, got, err := CancelImportJob(ctx, db, "tenant-1", job.ID)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if deleted != 0 || got.Status != models.ImportJobStatusCancelled {
		t.Errorf("re-cancel: deleted=%d status=%q", deleted, got.Status)
	}
}

func TestCancelRejectsCompletedJob(t *testing.T) {
	db := newTestDB(t)
	runner := newTestRunner(db)
	ctx := context.Background()

	job := createJob(t, db, "tenant-1", "export.csv")
	if err := runner.Run(ctx, "tenant-1", job.ID, "export.csv", []byte(fixtureFile)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, _, err := CancelImportJob(ctx, db, "tenant-1", job.ID); err == nil {
		t.Fatal("cancelling a completed job should fail")
	}
}

func TestDeleteImportJobData(t *testing.T) {
	db := newTestDB(t)
	runner := newTestRunner(db)
	ctx := context.Background()

	job := createJob(t, db, "tenant-1", "export.csv")
	if err := runner.Run(ctx, "tenant-1", job.ID, "export.csv", []byte(fixtureFile)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	deleted, err := DeleteImportJobData(ctx, db, "tenant-1", job.ID)
	if err != nil {
		t.Fatalf("DeleteImportJobData: %v", err)
	}
	if deleted != 3 {
		t.Errorf("deleted = %d, want 3", deleted)
	}
	count, _ := models.CountTransactions(ctx, db, "tenant-1")
	if count != 0 {
		t.Errorf("fact rows after delete = %d, want 0", count)
	}
}

func TestDeleteImportJobDataRejectsActiveJob(t *testing.T) {
	db := newTestDB(t)
	job := createJob(t, db, "tenant-1", "export.csv")
	if _, err := DeleteImportJobData(context.Background(), db, "tenant-1", job.ID); err == nil {
		t.Fatal("deleting a non-terminal job's data should fail")
	}
}

func TestRunFailsOnUnreadableFile(t *testing.T) {
	db := newTestDB(t)
	runner := newTestRunner(db)

	job := createJob(t, db, "tenant-1", "export.csv")
	err := runner.Run(context.Background(), "tenant-1", job.ID, "export.csv",
		[]byte("Receipt Number,Time\nR-1,2026-08-03 12:00:00\n"))
	if err == nil {
		t.Fatal("file without an Item column should fail the job")
	}
	got := loadJob(t, db, "tenant-1", job.ID)
	if got.Status != models.ImportJobStatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Error("job-level failure should set error_message")
	}
}
