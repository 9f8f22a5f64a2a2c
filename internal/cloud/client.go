// Package cloud provides communication with the AgroSmart broker over a
// WebSocket pub/sub session, plus the connectivity state machine that keeps
// that session alive without ever blocking the control loop.
package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// MessageType defines the type of WebSocket envelope
type MessageType string

const (
	MsgTypePublish   MessageType = "publish"
	MsgTypeSubscribe MessageType = "subscribe"
	MsgTypeSubAck    MessageType = "suback"
)

// Message is the WebSocket envelope to/from the broker
type Message struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"`
	Topic     string          `json:"topic,omitempty"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ErrNotConnected is returned by Publish when there is no live session.
var ErrNotConnected = errors.New("not connected to broker")

// Config holds broker client configuration
type Config struct {
	BrokerURL string // WebSocket URL (wss://broker.agrosmart.io/ws/device)
	DeviceID  string // Device identifier sent on connect
	APIKey    string // API key for authentication

	PingInterval  time.Duration // Interval for ping/keepalive
	WriteTimeout  time.Duration // Timeout for write operations
	ReadTimeout   time.Duration // Timeout for read operations
	SubackTimeout time.Duration // Timeout waiting for a subscribe ack
}

// DefaultConfig returns default broker client configuration
func DefaultConfig() Config {
	return Config{
		PingInterval:  30 * time.Second,
		WriteTimeout:  10 * time.Second,
		ReadTimeout:   60 * time.Second,
		SubackTimeout: 10 * time.Second,
	}
}

// MessageHandler receives inbound publishes on subscribed topics.
type MessageHandler func(topic string, payload []byte)

// Client is a WebSocket connection to the broker. It does not reconnect on
// its own; the connectivity manager owns that policy.
type Client struct {
	config    Config
	onMessage MessageHandler

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	pending   map[string]chan error // suback waiters by envelope id
	stopChan  chan struct{}
	wg        sync.WaitGroup

	wmu sync.Mutex // serializes frame writes
}

// New creates a new broker client
func New(config Config) *Client {
	return &Client{
		config:  config,
		pending: make(map[string]chan error),
	}
}

// SetMessageHandler sets the callback for inbound topic publishes. Must be
// called before Dial.
func (c *Client) SetMessageHandler(h MessageHandler) {
	c.mu.Lock()
	c.onMessage = h
	c.mu.Unlock()
}

// Connected returns whether the WebSocket is connected
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Dial establishes the WebSocket connection and starts the read and
// keepalive loops. Any previous connection is torn down first.
func (c *Client) Dial(ctx context.Context) error {
	c.Close()

	wsURL := fmt.Sprintf("%s?api_key=%s&device_id=%s",
		c.config.BrokerURL, c.config.APIKey, c.config.DeviceID)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.stopChan = make(chan struct{})
	c.mu.Unlock()

	c.wg.Add(2)
	go c.readLoop(conn)
	go c.pingLoop(conn)

	log.Printf("Connected to broker: %s", c.config.BrokerURL)
	return nil
}

// Close tears down the connection and waits for the loops to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.conn = nil
	c.connected = false
	close(c.stopChan)
	c.failPendingLocked(ErrNotConnected)
	c.mu.Unlock()

	conn.Close()
	c.wg.Wait()
	return nil
}

// markDisconnected flips the client offline after a read or ping failure.
// The manager notices via Connected and schedules the reconnect.
func (c *Client) markDisconnected(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.connected = false
		close(c.stopChan)
		c.failPendingLocked(ErrNotConnected)
	}
	c.mu.Unlock()
	conn.Close()
}

// failPendingLocked unblocks every suback waiter. Caller holds c.mu.
func (c *Client) failPendingLocked(err error) {
	for id, ch := range c.pending {
		ch <- err
		delete(c.pending, id)
	}
}

// Subscribe performs the session handshake for the given topics and waits
// for the broker's acknowledgement.
func (c *Client) Subscribe(ctx context.Context, topics ...string) error {
	payload, err := json.Marshal(map[string]interface{}{"topics": topics})
	if err != nil {
		return fmt.Errorf("marshal subscribe payload: %w", err)
	}

	id := uuid.New().String()
	ack := make(chan error, 1)
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.pending[id] = ack
	c.mu.Unlock()

	msg := &Message{
		Type:      MsgTypeSubscribe,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}
	if err := c.writeMessage(msg); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}

	select {
	case err := <-ack:
		return err
	case <-time.After(c.config.SubackTimeout):
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("subscribe not acknowledged within %s", c.config.SubackTimeout)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	}
}

// Publish sends one payload on a topic. A nil return means the frame was
// written to the socket; that write is the delivery confirmation the rest of
// the pipeline relies on.
func (c *Client) Publish(topic string, payload []byte) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	msg := &Message{
		Type:      MsgTypePublish,
		ID:        uuid.New().String(),
		Topic:     topic,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}
	return c.writeMessage(msg)
}

// writeMessage marshals and writes one envelope under the write lock
func (c *Client) writeMessage(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

// readLoop reads envelopes from the WebSocket until the connection drops
func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	defer c.markDisconnected(conn)

	for {
		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket read error: %v", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("Failed to parse message: %v", err)
			continue
		}

		c.handleMessage(&msg)
	}
}

// pingLoop sends WebSocket ping frames to keep the session alive
func (c *Client) pingLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	c.mu.Lock()
	stop := c.stopChan
	c.mu.Unlock()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.wmu.Lock()
			conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.wmu.Unlock()
			if err != nil {
				log.Printf("Ping failed: %v", err)
				c.markDisconnected(conn)
				return
			}
		}
	}
}

// subAckPayload is the broker's response to a subscribe handshake.
type subAckPayload struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// handleMessage processes an incoming envelope
func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case MsgTypeSubAck:
		var ackErr error
		var ack subAckPayload
		if err := json.Unmarshal(msg.Payload, &ack); err != nil {
			ackErr = fmt.Errorf("malformed suback: %w", err)
		} else if !ack.OK {
			ackErr = fmt.Errorf("subscribe rejected: %s", ack.Error)
		}
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		if ok {
			delete(c.pending, msg.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- ackErr
		}

	case MsgTypePublish:
		c.mu.Lock()
		handler := c.onMessage
		c.mu.Unlock()
		if handler != nil {
			handler(msg.Topic, msg.Payload)
		}

	default:
		log.Printf("Unknown message type: %s", msg.Type)
	}
}
