package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JournalEntry records one submit attempt against the backend
type JournalEntry struct {
	ID           uuid.UUID       `json:"id"`
	ResourceURL  string          `json:"resource_url"`
	ResourceType string          `json:"resource_type"`
	SubmittedBy  string          `json:"submitted_by,omitempty"`
	Operations   json.RawMessage `json:"operations"`
	OpCount      int             `json:"op_count"`
	Outcome      string          `json:"outcome"`
	StatusCode   int             `json:"status_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Drift        json.RawMessage `json:"drift,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
