package importer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/resto_analytics/config"
	"bitbucket.org/mmdatafocus/resto_analytics/models"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("resto-analytics")

const (
	defaultBatchSize        = 500
	errorDetailCap          = 100
	consecutiveFailureLimit = 5

	// Generous upper bound on one job's wall clock; the lock dies with it.
	importLockTTL = 2 * time.Hour
)

// batchWriter is the persistence seam of the batch loop.
type batchWriter interface {
	WriteBatch(ctx context.Context, db *gorm.DB, batch []models.Transaction) (int64, error)
}

type transactionWriter struct{}

func (transactionWriter) WriteBatch(ctx context.Context, db *gorm.DB, batch []models.Transaction) (int64, error) {
	return models.InsertTransactionsBatch(ctx, db, batch)
}

// Runner drives one import job from parsed file to terminal state. One
// Runner is safe for concurrent Run calls; all mutable state is per-call.
type Runner struct {
	DB        *gorm.DB
	Logger    *logrus.Logger
	BatchSize int
	Writer    batchWriter

	// refresh, publish, and parse are swappable for tests.
	refresh func(ctx context.Context, db *gorm.DB, tenantId string) (RefreshStats, error)
	publish func(ctx context.Context, job *models.ImportJob) error
	parse   func(fileName string, data []byte) ([]*Row, error)
}

func NewRunner(db *gorm.DB) *Runner {
	return &Runner{
		DB:        db,
		Logger:    config.GetLogger(),
		BatchSize: defaultBatchSize,
		Writer:    transactionWriter{},
		refresh:   RefreshSummaries,
		publish:   PublishJobCompleted,
		parse:     parseImportFile,
	}
}

// Run executes the job state machine: pending -> processing -> terminal.
// It never returns row-level problems as errors; those accumulate on the job
// record. The returned error is for job-level conditions the caller may want
// to log, and the job row is already terminal when it is non-nil.
func (r *Runner) Run(ctx context.Context, tenantId string, jobId string, fileName string, data []byte) error {
	ctx, span := tracer.Start(ctx, "importer.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenantId),
		attribute.String("job_id", jobId),
	)

	log := r.Logger.WithFields(logrus.Fields{
		"module":    "importer",
		"tenant_id": tenantId,
		"job_id":    jobId,
	})

	job, err := models.GetImportJobById(ctx, r.DB, tenantId, jobId)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return nil
	}

	if lock, err := obtainTenantLock(ctx, tenantId); err != nil {
		msg := "another import is already running for this tenant"
		_ = models.MarkImportJobFailed(ctx, r.DB, tenantId, jobId, msg)
		return errors.New(msg)
	} else if lock != nil {
		defer func() { _ = lock.Release(context.Background()) }()
	}

	rows, parseErr := r.parse(fileName, data)
	if parseErr != nil {
		_ = models.MarkImportJobFailed(ctx, r.DB, tenantId, jobId, "unreadable file: "+parseErr.Error())
		return parseErr
	}
	var details jobDetails

	// Parsing a large file takes long enough for a cancel or the reaper to
	// land in between; only a still-pending job may enter processing.
	now := time.Now()
	started := r.DB.WithContext(ctx).Model(&models.ImportJob{}).
		Where("id = ? AND tenant_id = ? AND status = ?", jobId, tenantId, models.ImportJobStatusPending).
		Updates(map[string]interface{}{
			"status":     models.ImportJobStatusProcessing,
			"started_at": now,
			"total_rows": len(rows),
		})
	if started.Error != nil {
		return started.Error
	}
	if started.RowsAffected == 0 {
		log.Info("job left pending while the file was parsing; not processing")
		return nil
	}

	candidates, rowNums, rangeStart, rangeEnd := r.buildCandidates(tenantId, jobId, fileName, rows, &details)

	var (
		processed           int
		inserted            int64
		consecutiveFailures int
	)

	for start := 0; start < len(candidates); start += r.batchSize() {
		end := start + r.batchSize()
		if end > len(candidates) {
			end = len(candidates)
		}
		batch := candidates[start:end]

		// Cancellation is cooperative: checked once per batch, never mid-batch.
		status, err := models.ReloadImportJobStatus(ctx, r.DB, tenantId, jobId)
		if err == nil && status == models.ImportJobStatusCancelled {
			// The cancel endpoint already compensated; repeat for any batch
			// that landed after its delete. Idempotent either way.
			if _, derr := models.DeleteTransactionsByJob(ctx, r.DB, tenantId, jobId); derr != nil {
				config.LogError(r.Logger, "importer", "Run", "compensating delete after cancel", jobId, derr)
			}
			log.Info("import cancelled; inserted rows removed")
			return nil
		}

		n, err := r.Writer.WriteBatch(ctx, r.DB, batch)
		if err != nil {
			consecutiveFailures++
			config.LogError(r.Logger, "importer", "Run", fmt.Sprintf("batch %d-%d failed (consecutive=%d)", start, end, consecutiveFailures), jobId, err)
			if consecutiveFailures >= consecutiveFailureLimit {
				return r.abortJob(ctx, tenantId, jobId, fmt.Sprintf(
					"aborted after %d consecutive batch failures: %v", consecutiveFailures, err))
			}
			// Retry row-by-row so a partial write failure leaves a per-row
			// trace instead of silently dropping the batch. A single-row
			// batch was already a row-level attempt.
			if len(batch) == 1 {
				details.addError(rowNums[start], "row not persisted: "+err.Error())
			} else {
				ins, failed := r.insertRowsIndividually(ctx, batch, rowNums[start:end], &details)
				inserted += ins
				if failed == 0 {
					consecutiveFailures = 0
				}
			}
			processed += len(batch)
			r.updateProgress(ctx, tenantId, jobId, processed, inserted, skippedCount(details))
			continue
		}
		consecutiveFailures = 0
		inserted += n
		details.DuplicateRows += len(batch) - int(n)
		processed += len(batch)

		r.updateProgress(ctx, tenantId, jobId, processed, inserted, skippedCount(details))
	}

	finished := time.Now()
	update := map[string]interface{}{
		"status":         models.ImportJobStatusCompleted,
		"processed_rows": len(candidates),
		"inserted_rows":  inserted,
		"skipped_rows":   skippedCount(details),
		"error_rows":     details.errorRows,
		"error_details":  models.EncodeErrorDetails(details.ImportErrorDetails),
		"completed_at":   finished,
	}
	if rangeStart != nil {
		update["date_range_start"] = *rangeStart
		update["date_range_end"] = *rangeEnd
	}

	// Summaries refresh before the job goes terminal, so a poller seeing
	// "completed" can trust the dashboards. A refresh failure is recoverable
	// via the manual refresh endpoint and does not fail the import.
	if _, err := r.refresh(ctx, r.DB, tenantId); err != nil {
		config.LogError(r.Logger, "importer", "Run", "summary refresh after import", jobId, err)
	}

	res := r.DB.WithContext(ctx).Model(&models.ImportJob{}).
		Where("id = ? AND tenant_id = ? AND status = ?", jobId, tenantId, models.ImportJobStatusProcessing).
		Updates(update)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Lost a race with cancel or the reaper; the job is no longer ours.
		return nil
	}

	job, err = models.GetImportJobById(ctx, r.DB, tenantId, jobId)
	if err == nil && config.EmitImportEvents() {
		if perr := r.publish(ctx, job); perr != nil {
			config.LogError(r.Logger, "importer", "Run", "publish completion event", jobId, perr)
		}
	}

	log.WithFields(logrus.Fields{
		"inserted":   inserted,
		"duplicates": details.DuplicateRows,
		"errors":     details.errorRows,
	}).Info("import completed")
	return nil
}

func (r *Runner) batchSize() int {
	if r.BatchSize > 0 {
		return r.BatchSize
	}
	return defaultBatchSize
}

// jobDetails tracks the row-level tallies. The error list is capped; the
// errorRows counter is not.
type jobDetails struct {
	models.ImportErrorDetails
	errorRows int
}

func (d *jobDetails) addError(rowNumber int, msg string) {
	d.errorRows++
	if len(d.Errors) < errorDetailCap {
		d.Errors = append(d.Errors, models.RowError{Row: rowNumber, Error: msg})
	}
}

func skippedCount(d jobDetails) int {
	return d.NonItemRows + d.ExcludedRows + d.DuplicateRows
}

func parseImportFile(fileName string, data []byte) ([]*Row, error) {
	parser, err := NewParserForFile(fileName, data)
	if err != nil {
		return nil, err
	}
	defer parser.Close()
	return ParseAll(parser)
}

// buildCandidates runs the cleaning pipeline over parsed rows: classify,
// exclude, enrich. Rejections and parse errors land in details. rowNums holds
// the source row number of each candidate, for error reporting on writes.
func (r *Runner) buildCandidates(tenantId, jobId, fileName string, rows []*Row, details *jobDetails) ([]models.Transaction, []int, *time.Time, *time.Time) {
	totals := ComputeReceiptTotals(rows)

	var (
		candidates []models.Transaction
		rowNums    []int
		rangeStart *time.Time
		rangeEnd   *time.Time
	)
	for _, row := range rows {
		if row.Err != nil {
			details.addError(row.RowNumber, row.Err.Error())
			continue
		}
		if row.Kind != RowKindItem {
			details.NonItemRows++
			continue
		}
		if IsExcludedCategory(row.Category) {
			details.ExcludedRows++
			continue
		}

		txn, err := BuildTransaction(row, totals)
		if err != nil {
			details.addError(row.RowNumber, err.Error())
			continue
		}
		txn.TenantId = tenantId
		txn.ImportJobId = jobId
		txn.SourceFile = fileName
		candidates = append(candidates, *txn)
		rowNums = append(rowNums, row.RowNumber)

		d := txn.BusinessDate
		if rangeStart == nil || d.Before(*rangeStart) {
			dd := d
			rangeStart = &dd
		}
		if rangeEnd == nil || d.After(*rangeEnd) {
			dd := d
			rangeEnd = &dd
		}
	}
	return candidates, rowNums, rangeStart, rangeEnd
}

// insertRowsIndividually is the fallback after a failed batch write: each row
// gets its own insert, and rows that still fail are recorded against their
// source row number.
func (r *Runner) insertRowsIndividually(ctx context.Context, batch []models.Transaction, rowNums []int, details *jobDetails) (int64, int) {
	var (
		inserted int64
		failed   int
	)
	for i := range batch {
		n, err := r.Writer.WriteBatch(ctx, r.DB, batch[i:i+1])
		if err != nil {
			details.addError(rowNums[i], "row not persisted: "+err.Error())
			failed++
			continue
		}
		inserted += n
		details.DuplicateRows += 1 - int(n)
	}
	return inserted, failed
}

func (r *Runner) updateProgress(ctx context.Context, tenantId, jobId string, processed int, inserted int64, skipped int) {
	err := r.DB.WithContext(ctx).Model(&models.ImportJob{}).
		Where("id = ? AND tenant_id = ? AND status = ?", jobId, tenantId, models.ImportJobStatusProcessing).
		Updates(map[string]interface{}{
			"processed_rows": processed,
			"inserted_rows":  inserted,
			"skipped_rows":   skipped,
		}).Error
	if err != nil {
		config.LogError(r.Logger, "importer", "updateProgress", "progress update", jobId, err)
	}
}

// abortJob is the failure-containment path: undo the partial import, then
// mark the job failed with a human-readable message.
func (r *Runner) abortJob(ctx context.Context, tenantId, jobId string, msg string) error {
	if _, err := models.DeleteTransactionsByJob(ctx, r.DB, tenantId, jobId); err != nil {
		config.LogError(r.Logger, "importer", "abortJob", "compensating delete", jobId, err)
	}
	if err := models.MarkImportJobFailed(ctx, r.DB, tenantId, jobId, msg); err != nil {
		return err
	}
	return errors.New(msg)
}

// obtainTenantLock takes the per-tenant advisory lock when Redis is up.
// Without Redis the reaper sweep remains the only overlap protection, which
// the REQUIRE_TENANT_IMPORT_LOCK flag can tighten into a hard failure.
func obtainTenantLock(ctx context.Context, tenantId string) (*redislock.Lock, error) {
	locker := config.GetRedisLock()
	if locker == nil {
		if config.RequireTenantImportLock() {
			return nil, errors.New("tenant import lock required but redis is unavailable")
		}
		return nil, nil
	}
	lock, err := locker.Obtain(ctx, "import-lock:"+tenantId, importLockTTL, nil)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, errors.New("import lock held by another job")
		}
		if config.RequireTenantImportLock() {
			return nil, err
		}
		return nil, nil
	}
	return lock, nil
}

// CancelImportJob transitions a job toward cancelled and undoes its inserted
// rows. Safe to call while the runner is mid-flight: the runner observes the
// status at its next batch boundary and repeats the compensating delete for
// anything that raced in. Returns the number of fact rows deleted.
func CancelImportJob(ctx context.Context, db *gorm.DB, tenantId string, jobId string) (int64, *models.ImportJob, error) {
	job, err := models.GetImportJobById(ctx, db, tenantId, jobId)
	if err != nil {
		return 0, nil, err
	}
	if job.IsTerminal() {
		if job.Status == models.ImportJobStatusCancelled {
			// Idempotent re-cancel.
			deleted, derr := models.DeleteTransactionsByJob(ctx, db, tenantId, jobId)
			return deleted, job, derr
		}
		return 0, job, fmt.Errorf("job is already %s", job.Status)
	}

	now := time.Now()
	res := db.WithContext(ctx).Model(&models.ImportJob{}).
		Where("id = ? AND tenant_id = ? AND status IN ?", jobId, tenantId,
			[]string{models.ImportJobStatusPending, models.ImportJobStatusProcessing}).
		Updates(map[string]interface{}{
			"status":       models.ImportJobStatusCancelled,
			"completed_at": now,
		})
	if res.Error != nil {
		return 0, job, res.Error
	}

	deleted, err := models.DeleteTransactionsByJob(ctx, db, tenantId, jobId)
	if err != nil {
		return deleted, job, err
	}
	job.Status = models.ImportJobStatusCancelled
	job.CompletedAt = &now
	return deleted, job, nil
}

// DeleteImportJobData removes a terminal job's fact rows and rebuilds the
// tenant's summaries. Post-hoc correction, distinct from cancellation.
func DeleteImportJobData(ctx context.Context, db *gorm.DB, tenantId string, jobId string) (int64, error) {
	job, err := models.GetImportJobById(ctx, db, tenantId, jobId)
	if err != nil {
		return 0, err
	}
	if !job.IsTerminal() {
		return 0, fmt.Errorf("job is still %s; cancel it instead", job.Status)
	}
	deleted, err := models.DeleteTransactionsByJob(ctx, db, tenantId, jobId)
	if err != nil {
		return deleted, err
	}
	if _, err := RefreshSummaries(ctx, db, tenantId); err != nil {
		return deleted, err
	}
	return deleted, nil
}
