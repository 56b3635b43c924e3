package importer

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/resto_analytics/models"
	"gorm.io/gorm"
)

const defaultStaleTimeoutMinutes = 60

// StaleTimeout reads the orphaned-job timeout, default one hour.
func StaleTimeout() time.Duration {
	if raw := os.Getenv("IMPORT_STALE_TIMEOUT_MINUTES"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return time.Duration(n) * time.Minute
		}
	}
	return defaultStaleTimeoutMinutes * time.Minute
}

// ReapStaleJobs force-fails pending/processing jobs whose owner has been
// silent past the timeout. The age baseline is started_at, or created_at for
// jobs that never left pending. Partially inserted fact rows are left in
// place: the process that could coordinate a safe compensating delete is
// presumed dead, and a post-hoc delete of the job cleans them up.
//
// Runs at process start and again before each upload. Pass an empty tenantId
// to sweep all tenants.
func ReapStaleJobs(ctx context.Context, db *gorm.DB, tenantId string, timeout time.Duration) (int64, error) {
	cutoff := time.Now().Add(-timeout)
	msg := fmt.Sprintf("timed out: no progress for over %s; the importing process likely died", timeout)

	q := db.WithContext(ctx).Model(&models.ImportJob{}).
		Where("status IN ?", []string{models.ImportJobStatusPending, models.ImportJobStatusProcessing}).
		Where("COALESCE(started_at, created_at) < ?", cutoff)
	if tenantId != "" {
		q = q.Where("tenant_id = ?", tenantId)
	}

	res := q.Updates(map[string]interface{}{
		"status":        models.ImportJobStatusFailed,
		"error_message": msg,
		"completed_at":  time.Now(),
	})
	return res.RowsAffected, res.Error
}
