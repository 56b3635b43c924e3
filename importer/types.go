package importer

import "bitbucket.org/mmdatafocus/resto_analytics/models"

type UploadResponse struct {
	JobId   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type JobListResponse struct {
	Jobs []models.ImportJob `json:"jobs"`
}

type CancelResponse struct {
	JobId       string `json:"job_id"`
	Status      string `json:"status"`
	DeletedRows int64  `json:"deleted_rows"`
}

type DeleteJobResponse struct {
	JobId       string `json:"job_id"`
	DeletedRows int64  `json:"deleted_rows"`
}

type RefreshResponse struct {
	TenantId string       `json:"tenant_id"`
	Stats    RefreshStats `json:"stats"`
}

type AddExclusionRequest struct {
	ItemName string `json:"item_name"`
	Reason   string `json:"reason"`
}

// JobCompletedEvent is the downstream signal published after a job reaches
// completed. Anomaly detection keys its scan off this.
type JobCompletedEvent struct {
	TenantId       string `json:"tenant_id"`
	JobId          string `json:"job_id"`
	Status         string `json:"status"`
	InsertedRows   int    `json:"inserted_rows"`
	SkippedRows    int    `json:"skipped_rows"`
	ErrorRows      int    `json:"error_rows"`
	DateRangeStart string `json:"date_range_start,omitempty"`
	DateRangeEnd   string `json:"date_range_end,omitempty"`
	CompletedAt    string `json:"completed_at,omitempty"`
}
