package models

import (
	"time"
)

// DeliveryStatus values written to delivery_logs.
const (
	DeliveryStatusSent      = "sent"
	DeliveryStatusFailed    = "failed"
	DeliveryStatusJobFailed = "job_failed"
)

// DeliveryRecord is the audit row for one recipient's terminal outcome
// (or, for job_failed, one row covering the whole campaign).
type DeliveryRecord struct {
	ID             int64      `json:"id,omitempty"`
	JobID          string     `json:"job_id,omitempty"`
	Email          string     `json:"email"`
	Status         string     `json:"status"`
	Error          string     `json:"error,omitempty"`
	IP             string     `json:"ip"`
	Attempts       int        `json:"attempts"`
	RecipientCount int        `json:"recipient_count"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}
