package services

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"autoflow/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// FeedMessage is one frame pushed to feed subscribers.
type FeedMessage struct {
	Type       string      `json:"type"`
	WorkflowID uint        `json:"workflow_id,omitempty"`
	Data       interface{} `json:"data,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// feedCommand is what a subscriber may send: {"type":"subscribe","workflow_id":3}.
// A workflow id of 0 subscribes to everything.
type feedCommand struct {
	Type       string `json:"type"`
	WorkflowID uint   `json:"workflow_id"`
}

type FeedClient struct {
	ID   string
	Conn *websocket.Conn
	Send chan FeedMessage
	Hub  *ExecutionFeed

	mu         sync.RWMutex
	workflowID uint
}

func (c *FeedClient) wants(workflowID uint) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.workflowID == 0 || c.workflowID == workflowID
}

func (c *FeedClient) follow(workflowID uint) {
	c.mu.Lock()
	c.workflowID = workflowID
	c.mu.Unlock()
}

// ExecutionFeed pushes finished executions to websocket subscribers.
type ExecutionFeed struct {
	clients    map[string]*FeedClient
	broadcast  chan FeedMessage
	register   chan *FeedClient
	unregister chan *FeedClient
	done       chan struct{}
	mutex      sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *logrus.Logger
}

func NewExecutionFeed(logger *logrus.Logger, allowedOrigins []string) *ExecutionFeed {
	if logger == nil {
		logger = logrus.New()
	}
	return &ExecutionFeed{
		clients:    make(map[string]*FeedClient),
		broadcast:  make(chan FeedMessage, 256),
		register:   make(chan *FeedClient),
		unregister: make(chan *FeedClient),
		done:       make(chan struct{}),
		upgrader:   websocket.Upgrader{CheckOrigin: originChecker(allowedOrigins)},
		logger:     logger,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// Run dispatches registrations and broadcasts until ctx is done.
func (h *ExecutionFeed) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mutex.Lock()
			for id, client := range h.clients {
				close(client.Send)
				delete(h.clients, id)
			}
			h.mutex.Unlock()
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.ID] = client
			h.mutex.Unlock()
			h.logger.Debugf("feed client %s connected", client.ID)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.Send)
				h.logger.Debugf("feed client %s disconnected", client.ID)
			}
			h.mutex.Unlock()

		case message := <-h.broadcast:
			h.mutex.Lock()
			for id, client := range h.clients {
				if !client.wants(message.WorkflowID) {
					continue
				}
				select {
				case client.Send <- message:
				default:
					// slow consumer
					close(client.Send)
					delete(h.clients, id)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// PublishExecution queues exec for subscribers; it never blocks the engine.
func (h *ExecutionFeed) PublishExecution(exec *models.Execution) {
	msg := FeedMessage{
		Type:       "execution",
		WorkflowID: exec.WorkflowID,
		Data:       exec,
		Timestamp:  time.Now().UTC(),
	}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warnf("execution feed full, dropped run %s", exec.RunID)
	}
}

// HandleWebSocket upgrades the request; ?workflow_id=N narrows the feed to one workflow.
func (h *ExecutionFeed) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Errorf("feed upgrade failed: %v", err)
		return
	}

	client := &FeedClient{
		ID:   newRunID(),
		Conn: conn,
		Send: make(chan FeedMessage, 64),
		Hub:  h,
	}
	if id, err := strconv.ParseUint(c.Query("workflow_id"), 10, 64); err == nil {
		client.follow(uint(id))
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *FeedClient) readPump() {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.done:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(512)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Warnf("feed client %s: %v", c.ID, err)
			}
			return
		}
		var cmd feedCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			continue
		}
		if cmd.Type == "subscribe" {
			c.follow(cmd.WorkflowID)
		}
	}
}

func (c *FeedClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *ExecutionFeed) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}
