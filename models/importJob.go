package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/resto_analytics/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Import job lifecycle. A job is terminal once completed/failed/cancelled;
// after that only the stale-job sweep may touch the row (pending/processing
// jobs whose owner died).
const (
	ImportJobStatusPending    = "pending"
	ImportJobStatusProcessing = "processing"
	ImportJobStatusCompleted  = "completed"
	ImportJobStatusFailed     = "failed"
	ImportJobStatusCancelled  = "cancelled"
)

// ImportJob tracks one uploaded file through the pipeline.
type ImportJob struct {
	ID       string `gorm:"primaryKey;size:36" json:"id"`
	TenantId string `gorm:"size:36;not null;index" json:"tenant_id"`

	FileName      string `gorm:"size:255" json:"file_name"`
	FilePath      string `gorm:"size:512" json:"file_path"`
	FileSizeBytes int64  `json:"file_size_bytes"`

	Status string `gorm:"size:16;not null;default:'pending';index" json:"status"`

	TotalRows     int `json:"total_rows"`
	ProcessedRows int `json:"processed_rows"`
	InsertedRows  int `json:"inserted_rows"`
	SkippedRows   int `json:"skipped_rows"`
	ErrorRows     int `json:"error_rows"`

	DateRangeStart *time.Time `gorm:"type:date" json:"date_range_start"`
	DateRangeEnd   *time.Time `gorm:"type:date" json:"date_range_end"`

	// ErrorMessage is set on job-level failure only; row-level issues live in
	// ErrorDetails.
	ErrorMessage string `gorm:"type:text" json:"error_message"`
	ErrorDetails []byte `gorm:"type:json" json:"error_details"`

	CreatedBy   string     `gorm:"size:36" json:"created_by"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

func (j *ImportJob) IsTerminal() bool {
	switch j.Status {
	case ImportJobStatusCompleted, ImportJobStatusFailed, ImportJobStatusCancelled:
		return true
	}
	return false
}

// RowError is one row-level parse/validation failure. The list in
// ErrorDetails is capped; the error_rows counter is not.
type RowError struct {
	Row   int    `json:"row"`
	Error string `json:"error"`
}

// ImportErrorDetails is the JSON payload of ImportJob.ErrorDetails.
type ImportErrorDetails struct {
	Errors        []RowError `json:"errors,omitempty"`
	DuplicateRows int        `json:"duplicate_rows"`
	ExcludedRows  int        `json:"excluded_rows"`
	NonItemRows   int        `json:"non_item_rows"`
}

func EncodeErrorDetails(details ImportErrorDetails) []byte {
	b, _ := json.Marshal(details)
	return b
}

func DecodeErrorDetails(raw []byte) ImportErrorDetails {
	if len(raw) == 0 {
		return ImportErrorDetails{}
	}
	var details ImportErrorDetails
	if err := json.Unmarshal(raw, &details); err != nil {
		return ImportErrorDetails{}
	}
	return details
}

func CreateImportJob(ctx context.Context, db *gorm.DB, tenantId string, createdBy string, fileName string, filePath string, fileSize int64) (*ImportJob, error) {
	job := ImportJob{
		ID:            uuid.New().String(),
		TenantId:      tenantId,
		FileName:      fileName,
		FilePath:      filePath,
		FileSizeBytes: fileSize,
		Status:        ImportJobStatusPending,
		CreatedBy:     createdBy,
	}
	if err := db.WithContext(ctx).Create(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

func GetImportJobById(ctx context.Context, db *gorm.DB, tenantId string, jobId string) (*ImportJob, error) {
	var job ImportJob
	err := db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", jobId, tenantId).
		Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func ListImportJobs(ctx context.Context, db *gorm.DB, tenantId string, limit int, offset int) ([]ImportJob, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var jobs []ImportJob
	err := db.WithContext(ctx).
		Where("tenant_id = ?", tenantId).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&jobs).Error
	return jobs, err
}

// ReloadImportJobStatus reads just the status column. The batch loop calls
// this at every batch boundary, so keep it cheap.
func ReloadImportJobStatus(ctx context.Context, db *gorm.DB, tenantId string, jobId string) (string, error) {
	var job ImportJob
	err := db.WithContext(ctx).
		Select("status").
		Where("id = ? AND tenant_id = ?", jobId, tenantId).
		Take(&job).Error
	return job.Status, err
}

// MarkImportJobFailed force-transitions a job with a human-readable message.
func MarkImportJobFailed(ctx context.Context, db *gorm.DB, tenantId string, jobId string, message string) error {
	now := time.Now()
	return db.WithContext(ctx).
		Model(&ImportJob{}).
		Where("id = ? AND tenant_id = ?", jobId, tenantId).
		Updates(map[string]interface{}{
			"status":        ImportJobStatusFailed,
			"error_message": message,
			"completed_at":  now,
		}).Error
}
