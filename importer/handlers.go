package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/resto_analytics/config"
	"bitbucket.org/mmdatafocus/resto_analytics/middlewares"
	"bitbucket.org/mmdatafocus/resto_analytics/models"
	"bitbucket.org/mmdatafocus/resto_analytics/utils"
	"github.com/gin-gonic/gin"
)

const maxUploadBytes = 50 << 20

// RegisterRoutes mounts the pipeline's endpoints. The group is expected to
// already carry the session middleware that resolves the tenant.
func RegisterRoutes(r gin.IRouter) {
	data := r.Group("/data", middlewares.RequireTenant())
	{
		data.POST("/import", UploadHandler())
		data.GET("/imports", ListJobsHandler())
		data.GET("/import/:jobId", JobStatusHandler())
		data.POST("/import/:jobId/cancel", CancelJobHandler())
		data.DELETE("/import/:jobId", DeleteJobHandler())
		data.POST("/refresh", RefreshHandler())
		data.GET("/exclusions", ListExclusionsHandler())
		data.POST("/exclusions", AddExclusionHandler())
		data.DELETE("/exclusions/:id", RemoveExclusionHandler())
		data.GET("/branches", BranchesHandler())
		data.GET("/categories", CategoriesHandler())
	}
}

func resolveTenantID(c *gin.Context) (string, error) {
	tenantId, ok := utils.GetTenantIdFromContext(c.Request.Context())
	if !ok || tenantId == "" {
		return "", errors.New("no tenant in session")
	}
	return tenantId, nil
}

// UploadHandler accepts the export file, creates the job, and hands off to a
// background runner. The response carries only the job id; callers poll the
// status endpoint.
func UploadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, err := resolveTenantID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		userId, _ := utils.GetUserIdFromContext(c.Request.Context())

		fileHeader, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
			return
		}
		if fileHeader.Size > maxUploadBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
			return
		}
		ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
		if ext != ".csv" && ext != ".xlsx" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "only .csv and .xlsx files are supported"})
			return
		}

		f, err := fileHeader.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
			return
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
			return
		}

		ctx := c.Request.Context()
		db := config.GetDB()
		logger := config.GetLogger()

		// Sweep orphaned jobs for this tenant first so a dead import does not
		// look like a live one.
		if n, err := ReapStaleJobs(ctx, db, tenantId, StaleTimeout()); err != nil {
			config.LogError(logger, "importer", "UploadHandler", "pre-upload reap", tenantId, err)
		} else if n > 0 {
			logger.WithField("tenant_id", tenantId).Warnf("marked %d stale import job(s) failed", n)
		}

		objectName := archiveUpload(ctx, tenantId, fileHeader.Filename, data, ext)

		job, err := models.CreateImportJob(ctx, db, tenantId, userId, fileHeader.Filename, objectName, fileHeader.Size)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		// Processing outlives the request; detach from its context but keep
		// the tenant identity.
		runCtx := utils.SetTenantIdInContext(context.Background(), tenantId)
		runner := NewRunner(db)
		go func() {
			if err := runner.Run(runCtx, tenantId, job.ID, job.FileName, data); err != nil {
				config.LogError(logger, "importer", "UploadHandler", "background import", job.ID, err)
			}
		}()

		c.JSON(http.StatusAccepted, UploadResponse{
			JobId:   job.ID,
			Status:  job.Status,
			Message: "import started",
		})
	}
}

// archiveUpload stores the raw file for audit. Storage is optional: failures
// are logged and the import proceeds from the in-memory copy.
func archiveUpload(ctx context.Context, tenantId string, fileName string, data []byte, ext string) string {
	if utils.GetStorageProvider() != utils.StorageProviderGCS {
		return ""
	}
	objectName := fmt.Sprintf("%s/imports/%s_%s", tenantId, time.Now().Format("20060102T150405"), filepath.Base(fileName))
	contentType := "text/csv"
	if ext == ".xlsx" {
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	if err := utils.UploadBytesToGCS(ctx, objectName, data, contentType); err != nil {
		config.LogError(config.GetLogger(), "importer", "archiveUpload", "archive to gcs", objectName, err)
		return ""
	}
	return objectName
}

func ListJobsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, err := resolveTenantID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

		jobs, err := models.ListImportJobs(c.Request.Context(), config.GetDB(), tenantId, limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, JobListResponse{Jobs: jobs})
	}
}

func JobStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, err := resolveTenantID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		job, err := models.GetImportJobById(c.Request.Context(), config.GetDB(), tenantId, c.Param("jobId"))
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

func CancelJobHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, err := resolveTenantID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		deleted, job, err := CancelImportJob(c.Request.Context(), config.GetDB(), tenantId, c.Param("jobId"))
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
				return
			}
			if job != nil && job.IsTerminal() {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, CancelResponse{
			JobId:       job.ID,
			Status:      job.Status,
			DeletedRows: deleted,
		})
	}
}

func DeleteJobHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, err := resolveTenantID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		jobId := c.Param("jobId")
		deleted, err := DeleteImportJobData(c.Request.Context(), config.GetDB(), tenantId, jobId)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
				return
			}
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, DeleteJobResponse{JobId: jobId, DeletedRows: deleted})
	}
}

// RefreshHandler is the operator recovery path: rebuild summaries outside the
// normal post-import trigger.
func RefreshHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, err := resolveTenantID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		stats, err := RefreshSummaries(c.Request.Context(), config.GetDB(), tenantId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, RefreshResponse{TenantId: tenantId, Stats: stats})
	}
}

func ListExclusionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, err := resolveTenantID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		items, err := models.ListExcludedItems(c.Request.Context(), config.GetDB(), tenantId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"exclusions": items})
	}
}

func AddExclusionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, err := resolveTenantID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		var req AddExclusionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		req.ItemName = strings.TrimSpace(req.ItemName)
		if req.ItemName == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "item_name is required"})
			return
		}
		if req.Reason == "" {
			req.Reason = models.ExclusionReasonManual
		}
		if !models.IsValidExclusionReason(req.Reason) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid reason"})
			return
		}
		userId, _ := utils.GetUserIdFromContext(c.Request.Context())

		item := models.ExcludedItem{
			TenantId:   tenantId,
			ItemName:   req.ItemName,
			Reason:     req.Reason,
			ExcludedBy: userId,
		}
		if err := config.GetDB().WithContext(c.Request.Context()).Create(&item).Error; err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": "item is already excluded"})
			return
		}
		c.JSON(http.StatusCreated, item)
	}
}

func RemoveExclusionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, err := resolveTenantID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		res := config.GetDB().WithContext(c.Request.Context()).
			Where("id = ? AND tenant_id = ?", id, tenantId).
			Delete(&models.ExcludedItem{})
		if res.Error != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": res.Error.Error()})
			return
		}
		if res.RowsAffected == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "exclusion not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": true})
	}
}

// BranchesHandler returns distinct store names for dashboard filters, cached
// briefly behind the versioned cache key.
func BranchesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, err := resolveTenantID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		cacheKey := utils.DashboardCacheKey("Branches", tenantId)
		var cached []string
		if ok, _ := config.GetRedisObject(cacheKey, &cached); ok {
			c.JSON(http.StatusOK, gin.H{"branches": cached})
			return
		}

		names, err := models.GetDistinctStoreNames(c.Request.Context(), config.GetDB(), tenantId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		_ = config.SetRedisObject(cacheKey, names, utils.CacheShortTTL())
		c.JSON(http.StatusOK, gin.H{"branches": names})
	}
}

func CategoriesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, err := resolveTenantID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		cacheKey := utils.DashboardCacheKey("Categories", tenantId)
		var cached []string
		if ok, _ := config.GetRedisObject(cacheKey, &cached); ok {
			c.JSON(http.StatusOK, gin.H{"categories": cached})
			return
		}

		categories, err := models.GetDistinctCategories(c.Request.Context(), config.GetDB(), tenantId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		_ = config.SetRedisObject(cacheKey, categories, utils.CacheShortTTL())
		c.JSON(http.StatusOK, gin.H{"categories": categories})
	}
}
