package fanout

import (
	"context"
	"fmt"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
	"github.com/openrepo/editsync/common/notify"
	"github.com/openrepo/editsync/common/objectupdates"
	"github.com/openrepo/editsync/common/queue"
)

// NewUpgrader accepts websocket handshakes from the given origins; "*" allows any
func NewUpgrader(origins []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(origins, "*") || slices.Contains(origins, origin)
		},
	}
}

// Serve upgrades the request and streams snapshots from sub and notifications
// for resourceURL until the peer goes away. sub is cancelled when the client leaves.
func (h *Hub) Serve(upgrader *websocket.Upgrader, w http.ResponseWriter, r *http.Request, resourceURL string, sub *objectupdates.Subscription) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Cancel()
		return fmt.Errorf("websocket upgrade: %w", err)
	}

	client := NewClient(h, conn, resourceURL)
	select {
	case h.register <- client:
	case <-h.done:
		sub.Cancel()
		conn.Close()
		return ErrHubStopped
	}

	h.log.Info("websocket connected", "resource_url", resourceURL, "remote", r.RemoteAddr)

	go client.writePump()
	go client.readPump()
	go client.forwardSnapshots(sub)
	return nil
}

// ConsumeNotifications forwards notifications published on the queue to the
// clients watching their resource
func (h *Hub) ConsumeNotifications(ctx context.Context, q queue.Queue) error {
	return q.Subscribe(ctx, notify.Topic, func(_ context.Context, _ string, value []byte) error {
		note, err := notify.Decode(value)
		if err != nil {
			return err
		}
		return h.Broadcast(note.ResourceURL, TypeNotification, note)
	})
}
