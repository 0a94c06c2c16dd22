// ABOUTME: WebSocket client of the monitor feed
// ABOUTME: Handles connection, greeting and routing of feed messages to channels
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Resonate-Protocol/streamsync/internal/acquire"
	"github.com/gorilla/websocket"
)

const helloTimeout = 5 * time.Second

var ErrNotConnected = errors.New("monitor: not connected")

// envelope is Message with the payload left undecoded
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Client reads a monitor feed
type Client struct {
	conn  *websocket.Conn
	mu    sync.RWMutex
	hello Hello

	// Message channels
	Snapshots chan Snapshot
	Details   chan SyncDetails
	Offsets   chan SyncOffset
	Stats     chan acquire.StreamStats
	Errors    chan ErrorPayload

	// State
	connected bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// Dial connects to a feed URL such as ws://host:8930/ws and waits for the greeting
func Dial(url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:      conn,
		Snapshots: make(chan Snapshot, 4),
		Details:   make(chan SyncDetails, sendBuffer),
		Offsets:   make(chan SyncOffset, sendBuffer),
		Stats:     make(chan acquire.StreamStats, sendBuffer),
		Errors:    make(chan ErrorPayload, 4),
		connected: true,
		ctx:       ctx,
		cancel:    cancel,
	}

	if err := c.handshake(); err != nil {
		c.Close()
		return nil, fmt.Errorf("handshake failed: %w", err)
	}

	go c.readMessages()
	return c, nil
}

// handshake reads the monitor/hello greeting
func (c *Client) handshake() error {
	c.conn.SetReadDeadline(time.Now().Add(helloTimeout))
	var env envelope
	if err := c.conn.ReadJSON(&env); err != nil {
		return fmt.Errorf("failed to read %s: %w", TypeHello, err)
	}
	c.conn.SetReadDeadline(time.Time{})

	if env.Type != TypeHello {
		return fmt.Errorf("expected %s, got %s", TypeHello, env.Type)
	}
	if err := json.Unmarshal(env.Payload, &c.hello); err != nil {
		return fmt.Errorf("failed to parse %s: %w", TypeHello, err)
	}
	return nil
}

// Hello returns the greeting of the feed
func (c *Client) Hello() Hello {
	return c.hello
}

// Done is closed when the connection ends
func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

// RequestSnapshot asks the hub for the current state of every stream
func (c *Client) RequestSnapshot() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.connected {
		return ErrNotConnected
	}
	return c.conn.WriteJSON(Message{Type: TypeSnapshot})
}

// readMessages reads and routes incoming messages
func (c *Client) readMessages() {
	defer c.Close()

	for {
		var env envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if c.IsConnected() {
				log.Printf("Monitor read error: %v", err)
			}
			return
		}
		if err := c.route(env); err != nil {
			log.Printf("Monitor message %s: %v", env.Type, err)
		}
	}
}

func deliver[T any](ctx context.Context, ch chan T, payload json.RawMessage) error {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return err
	}
	select {
	case ch <- v:
	case <-ctx.Done():
	}
	return nil
}

func (c *Client) route(env envelope) error {
	switch env.Type {
	case TypeSnapshot:
		return deliver(c.ctx, c.Snapshots, env.Payload)
	case TypeDetails:
		return deliver(c.ctx, c.Details, env.Payload)
	case TypeOffset:
		return deliver(c.ctx, c.Offsets, env.Payload)
	case TypeStats:
		return deliver(c.ctx, c.Stats, env.Payload)
	case TypeError:
		return deliver(c.ctx, c.Errors, env.Payload)
	default:
		log.Printf("Unknown monitor message type: %s", env.Type)
	}
	return nil
}

// Close closes the connection
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		c.connected = false
		c.cancel()
		c.conn.Close()
	}
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}
