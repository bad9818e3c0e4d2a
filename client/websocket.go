package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Event is one notification pushed to an agent's subscription.
type Event struct {
	Type      string         `json:"type"`
	Project   string         `json:"project"`
	Agent     string         `json:"agent,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Decode re-marshals the event payload into out.
func (e Event) Decode(out any) error {
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// EventHandler is called for each event received via WebSocket
type EventHandler func(event Event)

// WSClient holds one agent's event subscription.
type WSClient struct {
	baseURL   string
	project   string
	agent     string
	conn      *websocket.Conn
	handlers  []EventHandler
	mu        sync.RWMutex
	done      chan struct{}
	closeOnce sync.Once
	reconnect bool
	closed    chan error
}

// WSOption configures the WebSocket client
type WSOption func(*WSClient)

func WithWSProject(project string) WSOption {
	return func(c *WSClient) {
		c.project = project
	}
}

// WithAutoReconnect enables reconnection with backoff after a dropped
// connection. A server-side revocation (the agent was deregistered) is final.
func WithAutoReconnect(enabled bool) WSOption {
	return func(c *WSClient) {
		c.reconnect = enabled
	}
}

// NewWSClient creates a subscription client for agent.
func NewWSClient(baseURL, agent string, opts ...WSOption) *WSClient {
	c := &WSClient{
		baseURL: baseURL,
		agent:   agent,
		done:    make(chan struct{}),
		closed:  make(chan error, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnEvent registers an event handler
func (c *WSClient) OnEvent(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// Connect dials the subscription and starts delivering events to handlers.
func (c *WSClient) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	go c.readLoop(ctx)
	return nil
}

// Done yields the terminal error once the subscription ends for good.
func (c *WSClient) Done() <-chan error {
	return c.closed
}

// Close closes the WebSocket connection
func (c *WSClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if conn := c.current(); conn != nil {
			err = conn.Close(websocket.StatusNormalClosure, "client closing")
		}
	})
	return err
}

func (c *WSClient) dial(ctx context.Context) error {
	wsURL, err := c.buildWSURL()
	if err != nil {
		return fmt.Errorf("build websocket url: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *WSClient) current() *websocket.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *WSClient) buildWSURL() (string, error) {
	if c.agent == "" {
		return "", errors.New("agent name required")
	}
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws/agents/" + url.PathEscape(c.agent)

	if c.project != "" {
		q := u.Query()
		q.Set("project", c.project)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *WSClient) readLoop(ctx context.Context) {
	for {
		var event Event
		err := wsjson.Read(ctx, c.current(), &event)
		if err == nil {
			c.dispatchEvent(event)
			continue
		}

		select {
		case <-c.done:
			c.finish(nil)
			return
		default:
		}
		if !c.reconnect || websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
			c.finish(err)
			return
		}
		if err := c.redial(ctx); err != nil {
			c.finish(err)
			return
		}
	}
}

func (c *WSClient) finish(err error) {
	select {
	case c.closed <- err:
	default:
	}
}

func (c *WSClient) dispatchEvent(event Event) {
	c.mu.RLock()
	handlers := make([]EventHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

func (c *WSClient) redial(ctx context.Context) error {
	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-c.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		if err := c.dial(ctx); err == nil {
			return nil
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// EventFilter provides typed event filtering
type EventFilter struct {
	Types []string // e.g. "message.created"
	Agent string
}

// FilteredEventHandler wraps an EventHandler with filtering logic
func FilteredEventHandler(filter EventFilter, handler EventHandler) EventHandler {
	return func(event Event) {
		if len(filter.Types) > 0 {
			matched := false
			for _, t := range filter.Types {
				if event.Type == t {
					matched = true
					break
				}
			}
			if !matched {
				return
			}
		}
		if filter.Agent != "" && event.Agent != filter.Agent {
			return
		}
		handler(event)
	}
}

// EventTypes lists the event type names the server pushes.
var EventTypes = struct {
	AgentRegistered     string
	AgentDeregistered   string
	ContactLinked       string
	ReservationCreated  string
	ReservationReleased string
	ReservationExpired  string
	MessageCreated      string
	MessageRead         string
	MessageAck          string
}{
	AgentRegistered:     "agent.registered",
	AgentDeregistered:   "agent.deregistered",
	ContactLinked:       "contact.linked",
	ReservationCreated:  "reservation.created",
	ReservationReleased: "reservation.released",
	ReservationExpired:  "reservation.expired",
	MessageCreated:      "message.created",
	MessageRead:         "message.read",
	MessageAck:          "message.ack",
}
