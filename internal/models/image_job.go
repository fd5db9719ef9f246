package models

import (
	"time"

	"github.com/google/uuid"
)

// Image job statuses. Jobs only move forward: queued -> processing ->
// completed | failed.
const (
	ImageJobQueued     = "queued"
	ImageJobProcessing = "processing"
	ImageJobCompleted  = "completed"
	ImageJobFailed     = "failed"
)

type ImageJob struct {
	ID            uuid.UUID  `json:"id"`
	AccountID     uuid.UUID  `json:"account_id"`
	Status        string     `json:"status"`
	Prompt        string     `json:"prompt"`
	Quality       string     `json:"quality"`
	Output        *string    `json:"output,omitempty"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
	TransactionID *uuid.UUID `json:"transaction_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
