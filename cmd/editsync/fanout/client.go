package fanout

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/openrepo/editsync/common/objectupdates"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 30 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 25 * time.Second

	// Maximum message size allowed from peer (clients only send pongs, not data)
	maxMessageSize = 512

	sendBuffer = 64
)

// Client represents a WebSocket connection watching one resource
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	resourceURL string
	send        chan []byte

	// closed when the read side ends
	closed chan struct{}
}

// NewClient creates a new Client instance
func NewClient(hub *Hub, conn *websocket.Conn, resourceURL string) *Client {
	return &Client{
		hub:         hub,
		conn:        conn,
		resourceURL: resourceURL,
		send:        make(chan []byte, sendBuffer),
		closed:      make(chan struct{}),
	}
}

// readPump detects disconnects and answers pongs. Clients never send data.
func (c *Client) readPump() {
	defer func() {
		close(c.closed)
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("websocket read failed", "resource_url", c.resourceURL, "error", err)
			}
			return
		}
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// one frame per envelope so the browser can parse each JSON object
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// forwardSnapshots relays the store's merged view to this client only, until
// the client disconnects or the update set is torn down
func (c *Client) forwardSnapshots(sub *objectupdates.Subscription) {
	defer sub.Cancel()

	for {
		select {
		case <-c.closed:
			return
		case snap, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(Envelope{Type: TypeSnapshot, Data: snap})
			if err != nil {
				c.hub.log.Warn("failed to encode snapshot", "resource_url", c.resourceURL, "error", err)
				continue
			}
			if err := c.hub.enqueue(&Message{ResourceURL: c.resourceURL, Data: data, Client: c}); err != nil {
				return
			}
		}
	}
}
