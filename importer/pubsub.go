package importer

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/resto_analytics/config"
	"bitbucket.org/mmdatafocus/resto_analytics/models"
	"cloud.google.com/go/pubsub"
)

// PublishJobCompleted emits the completion event downstream consumers
// (anomaly detection) subscribe to. The pipeline only guarantees the signal
// exists after a job is completed; it never calls consumers directly.
func PublishJobCompleted(ctx context.Context, job *models.ImportJob) error {
	topicName := strings.TrimSpace(os.Getenv("IMPORT_EVENTS_TOPIC"))
	if topicName == "" {
		topicName = "import-events"
	}

	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}

	topic, err := config.CreateTopicIfNotExists(client, topicName)
	if err != nil {
		return err
	}

	event := JobCompletedEvent{
		TenantId:     job.TenantId,
		JobId:        job.ID,
		Status:       job.Status,
		InsertedRows: job.InsertedRows,
		SkippedRows:  job.SkippedRows,
		ErrorRows:    job.ErrorRows,
	}
	if job.DateRangeStart != nil {
		event.DateRangeStart = job.DateRangeStart.Format("2006-01-02")
	}
	if job.DateRangeEnd != nil {
		event.DateRangeEnd = job.DateRangeEnd.Format("2006-01-02")
	}
	if job.CompletedAt != nil {
		event.CompletedAt = job.CompletedAt.Format(time.RFC3339)
	}

	data, _ := json.Marshal(event)
	res := topic.Publish(ctx, &pubsub.Message{Data: data})
	_, err = res.Get(ctx)
	return err
}
