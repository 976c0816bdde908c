package worker

import (
	"time"

	"github.com/ptrus/rofl-x402-service/internal/jobs"
)

// ResultBody is the unsigned response body of a completed job. Every value
// is a string or an integer so the canonical form is stable.
func ResultBody(job jobs.Job, summary, provider string, completedAt time.Time) map[string]any {
	return map[string]any{
		"job_id":               job.ID,
		"status":               string(jobs.StatusCompleted),
		"summary":              summary,
		"word_count":           job.Input.Words,
		"character_count":      job.Input.Characters,
		"reading_time":         job.Input.ReadingTime(),
		"reading_time_minutes": job.Input.ReadingMinutes,
		"provider":             provider,
		"created_at":           job.CreatedAt.UTC().Format(time.RFC3339),
		"completed_at":         completedAt.UTC().Format(time.RFC3339),
		"timestamp":            completedAt.Unix(),
	}
}
