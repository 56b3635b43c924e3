package importer

import (
	"context"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/resto_analytics/models"
	"gorm.io/gorm"
)

func backdateJob(t *testing.T, db *gorm.DB, jobId string, column string, age time.Duration) {
	t.Helper()
	err := db.Model(&models.ImportJob{}).
		Where("id = ?", jobId).
		Update(column, time.Now().Add(-age)).Error
	if err != nil {
		t.Fatalf("backdate %s: %v", column, err)
	}
}

func TestReapStaleJobs(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	stalePending := createJob(t, db, "tenant-1", "a.csv")
	backdateJob(t, db, stalePending.ID, "created_at", 2*time.Hour)

	staleProcessing := createJob(t, db, "tenant-1", "b.csv")
	db.Model(&models.ImportJob{}).Where("id = ?", staleProcessing.ID).
		Update("status", models.ImportJobStatusProcessing)
	backdateJob(t, db, staleProcessing.ID, "started_at", 2*time.Hour)

	fresh := createJob(t, db, "tenant-1", "c.csv")

	done := createJob(t, db, "tenant-1", "d.csv")
	db.Model(&models.ImportJob{}).Where("id = ?", done.ID).
		Update("status", models.ImportJobStatusCompleted)
	backdateJob(t, db, done.ID, "created_at", 3*time.Hour)

	n, err := ReapStaleJobs(ctx, db, "tenant-1", time.Hour)
	if err != nil {
		t.Fatalf("ReapStaleJobs: %v", err)
	}
	if n != 2 {
		t.Errorf("reaped = %d, want 2", n)
	}

	for _, jobId := range []string{stalePending.ID, staleProcessing.ID} {
		got := loadJob(t, db, "tenant-1", jobId)
		if got.Status != models.ImportJobStatusFailed {
			t.Errorf("job %s: status = %q, want failed", jobId, got.Status)
		}
		if !strings.Contains(got.ErrorMessage, "timed out") {
			t.Errorf("job %s: message %q should mention the timeout", jobId, got.ErrorMessage)
		}
		if got.CompletedAt == nil {
			t.Errorf("job %s: completed_at not set", jobId)
		}
	}

	if got := loadJob(t, db, "tenant-1", fresh.ID); got.Status != models.ImportJobStatusPending {
		t.Errorf("fresh job reaped: status = %q", got.Status)
	}
	if got := loadJob(t, db, "tenant-1", done.ID); got.Status != models.ImportJobStatusCompleted {
		t.Errorf("terminal job mutated: status = %q", got.Status)
	}
}

// The reaper leaves partially inserted rows alone: the owner that could
// coordinate a safe compensating delete is gone.
func TestReapDoesNotDeleteFactRows(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	job := createJob(t, db, "tenant-1", "a.csv")
	db.Model(&models.ImportJob{}).Where("id = ?", job.ID).
		Update("status", models.ImportJobStatusProcessing)
	backdateJob(t, db, job.ID, "started_at", 2*time.Hour)

	seedTxn(t, db, "tenant-1", "R-1", "Carbonara", "Main", "Pasta", recentDate(1), 12, "60.00")
	db.Model(&models.Transaction{}).Where("tenant_id = ?", "tenant-1").
		Update("import_job_id", job.ID)

	if _, err := ReapStaleJobs(ctx, db, "tenant-1", time.Hour); err != nil {
		t.Fatal(err)
	}

	count, err := models.CountTransactions(ctx, db, "tenant-1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("fact rows = %d, want 1 untouched", count)
	}
}

func TestReapScopedToTenant(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	mine := createJob(t, db, "tenant-1", "a.csv")
	backdateJob(t, db, mine.ID, "created_at", 2*time.Hour)
	other := createJob(t, db, "tenant-2", "b.csv")
	backdateJob(t, db, other.ID, "created_at", 2*time.Hour)

	n, err := ReapStaleJobs(ctx, db, "tenant-1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("reaped = %d, want 1", n)
	}
	if got := loadJob(t, db, "tenant-2", other.ID); got.Status != models.ImportJobStatusPending {
		t.Errorf("other tenant's job reaped: %q", got.Status)
	}

	// The global sweep picks up the rest.
	n, err = ReapStaleJobs(ctx, db, "", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("global sweep reaped = %d, want 1", n)
	}
}

func TestStaleTimeoutDefault(t *testing.T) {
	t.Setenv("IMPORT_STALE_TIMEOUT_MINUTES", "")
	if got := StaleTimeout(); got != time.Hour {
		t.Errorf("default timeout = %s, want 1h", got)
	}
	t.Setenv("IMPORT_STALE_TIMEOUT_MINUTES", "15")
	if got := StaleTimeout(); got != 15*time.Minute {
		t.Errorf("timeout = %s, want 15m", got)
	}
	t.Setenv("IMPORT_STALE_TIMEOUT_MINUTES", "bogus")
	if got := StaleTimeout(); got != time.Hour {
		t.Errorf("invalid value should fall back to 1h, got %s", got)
	}
}
