package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/openrepo/editsync/common/logger"
	"github.com/openrepo/editsync/common/metrics"
	"github.com/openrepo/editsync/common/models"
	"github.com/openrepo/editsync/common/queue"
)

// Topic is the queue topic notifications are published on
const Topic = "editsync.notifications"

// Notifier reports submit outcomes to users through the queue. The websocket
// fanout consumes the topic; with no queue configured notifications are only logged.
type Notifier struct {
	queue   queue.Queue
	log     *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a notifier. q and m may be nil.
func New(q queue.Queue, log *logger.Logger, m *metrics.Metrics) *Notifier {
	return &Notifier{queue: q, log: log, metrics: m, now: time.Now}
}

// Success publishes a success notification for resourceURL
func (n *Notifier) Success(ctx context.Context, resourceURL, title, content string) models.Notification {
	return n.send(ctx, models.NotificationSuccess, resourceURL, title, content)
}

// Error publishes an error notification for resourceURL
func (n *Notifier) Error(ctx context.Context, resourceURL, title, content string) models.Notification {
	return n.send(ctx, models.NotificationError, resourceURL, title, content)
}

// Warning publishes a warning notification for resourceURL
func (n *Notifier) Warning(ctx context.Context, resourceURL, title, content string) models.Notification {
	return n.send(ctx, models.NotificationWarning, resourceURL, title, content)
}

// Info publishes an info notification for resourceURL
func (n *Notifier) Info(ctx context.Context, resourceURL, title, content string) models.Notification {
	return n.send(ctx, models.NotificationInfo, resourceURL, title, content)
}

func (n *Notifier) send(ctx context.Context, kind models.NotificationType, resourceURL, title, content string) models.Notification {
	note := models.Notification{
		ID:          ulid.Make().String(),
		Type:        kind,
		Title:       title,
		Content:     content,
		ResourceURL: resourceURL,
		CreatedAt:   n.now().UTC(),
	}
	if err := n.Publish(ctx, note); err != nil {
		n.log.Warn("notification not delivered", "resource_url", resourceURL, "type", kind, "error", err)
	}
	return note
}

// Publish puts note on the queue keyed by its resource URL
func (n *Notifier) Publish(ctx context.Context, note models.Notification) error {
	n.metrics.Notification(string(note.Type))
	n.log.Info("notification",
		"resource_url", note.ResourceURL,
		"type", note.Type,
		"title", note.Title,
	)

	if n.queue == nil {
		return nil
	}

	payload, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return n.queue.Publish(ctx, Topic, note.ResourceURL, payload)
}

// Decode parses a notification read from the queue
func Decode(payload []byte) (models.Notification, error) {
	var note models.Notification
	if err := json.Unmarshal(payload, &note); err != nil {
		return models.Notification{}, fmt.Errorf("decode notification: %w", err)
	}
	return note, nil
}
