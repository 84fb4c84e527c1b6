package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/sirupsen/logrus"

	"github.com/lectern/transcriber/internal/model"
)

// Client is one subscriber to the events of a video
type Client struct {
	VideoID string
	Send    chan []byte
}

// Hub fans pipeline events out to websocket subscribers, grouped by video
type Hub struct {
	// Clients grouped by video ID
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	done       chan struct{}
	stopOnce   sync.Once

	mu  sync.RWMutex
	log *logrus.Logger
}

// BroadcastMessage is an encoded message for the subscribers of one video
type BroadcastMessage struct {
	VideoID string
	Message []byte
}

// NewHub creates a new Hub
func NewHub(log *logrus.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run starts the hub's main loop and returns after Stop
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for id, clients := range h.clients {
				for client := range clients {
					close(client.Send)
				}
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.VideoID] == nil {
				h.clients[client.VideoID] = make(map[*Client]bool)
			}
			h.clients[client.VideoID][client] = true
			h.mu.Unlock()
			h.log.WithField("videoId", client.VideoID).Debug("websocket client registered")

		case client := <-h.unregister:
			h.remove(client)
			h.log.WithField("videoId", client.VideoID).Debug("websocket client unregistered")

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients[msg.VideoID] {
				select {
				case client.Send <- msg.Message:
				default:
					// slow subscriber
					close(client.Send)
					delete(h.clients[msg.VideoID], client)
				}
			}
			if len(h.clients[msg.VideoID]) == 0 {
				delete(h.clients, msg.VideoID)
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.clients[client.VideoID]; ok {
		if _, ok := clients[client]; ok {
			delete(clients, client)
			close(client.Send)
			if len(clients) == 0 {
				delete(h.clients, client.VideoID)
			}
		}
	}
}

// Stop ends Run and closes every subscriber
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Register adds a new client
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		close(client.Send)
	}
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Subscribers returns the number of clients watching a video
func (h *Hub) Subscribers(videoID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[videoID])
}

// Publish implements events.Sink. Events are dropped when the hub is
// saturated or stopped.
func (h *Hub) Publish(ev model.Event) {
	data, err := json.Marshal(model.WSEventMessage{Type: model.WSMessageTypeEvent, Event: ev})
	if err != nil {
		h.log.WithError(err).Error("failed to marshal event message")
		return
	}

	select {
	case <-h.done:
		return
	default:
	}

	select {
	case h.broadcast <- &BroadcastMessage{VideoID: ev.VideoID, Message: data}:
	default:
		h.log.WithField("videoId", ev.VideoID).Warn("websocket broadcast buffer full, dropping event")
	}
}

// HandleConnection serves one websocket until the peer goes away
func (h *Hub) HandleConnection(c *websocket.Conn, videoID string) {
	client := &Client{
		VideoID: videoID,
		Send:    make(chan []byte, 64),
	}

	// owned by this connection; the hub may close client.Send at any time
	pongs := make(chan []byte, 1)

	h.Register(client)
	defer h.Unregister(client)

	// Writer
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case pong := <-pongs:
				if err := c.WriteMessage(websocket.TextMessage, pong); err != nil {
					return
				}

			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.WithError(err).WithField("videoId", videoID).Warn("websocket error")
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == model.WSMessageTypePing {
			pong, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			select {
			case pongs <- pong:
			default:
			}
		}
	}
}
