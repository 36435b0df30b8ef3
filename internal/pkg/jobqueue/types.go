package jobqueue

import (
	"encoding/json"
	"time"
)

// JobType selects the handler for a job
type JobType string

// JobTypeSendNotification delivers one customer or operator email.
const JobTypeSendNotification JobType = "send_notification"

// JobStatus is the lifecycle state of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusRetrying   JobStatus = "retrying"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Job is the Redis record of one unit of background work
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// NotificationJobPayload is an outbound email queued by the notifier
type NotificationJobPayload struct {
	Kind      string `json:"kind"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	Reference string `json:"reference"` // invoice, order or subscription id
}

// ToMap flattens the payload into the generic job payload
func (p NotificationJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"kind":      p.Kind,
		"to":        p.To,
		"subject":   p.Subject,
		"body":      p.Body,
		"reference": p.Reference,
	}
}

// NotificationJobPayloadFromMap reads a payload stored by ToMap
func NotificationJobPayloadFromMap(data map[string]interface{}) (*NotificationJobPayload, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var p NotificationJobPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// IsRetryable reports whether a failed job has attempts left
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.ErrorMsg = ""
	j.UpdatedAt = now
	j.CompletedAt = &now
}

// MarkAsFailed records the error and counts the attempt
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.ErrorMsg = errorMsg
	j.RetryCount++
	j.UpdatedAt = time.Now()
}

func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}
