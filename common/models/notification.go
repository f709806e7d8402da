package models

import "time"

// NotificationType mirrors the four user-facing notification levels
type NotificationType string

const (
	NotificationSuccess NotificationType = "success"
	NotificationError   NotificationType = "error"
	NotificationInfo    NotificationType = "info"
	NotificationWarning NotificationType = "warning"
)

// Notification is a user-visible message about a resource edit
type Notification struct {
	ID          string           `json:"id"`
	Type        NotificationType `json:"type"`
	Title       string           `json:"title"`
	Content     string           `json:"content,omitempty"`
	ResourceURL string           `json:"resource_url"`
	CreatedAt   time.Time        `json:"created_at"`
}
