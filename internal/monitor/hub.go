// ABOUTME: Websocket hub broadcasting synchronizer notifications and stream stats
// ABOUTME: Keeps the last state per stream so new clients start with a snapshot
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Resonate-Protocol/streamsync/internal/acquire"
	"github.com/Resonate-Protocol/streamsync/pkg/tsync"
	"github.com/gorilla/websocket"
)

const (
	sendBuffer    = 64
	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second
)

// Hub fans notifications out to websocket clients. It implements
// tsync.EventHandler and acquire.StatsSink.
type Hub struct {
	hello    Hello
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	details map[string]SyncDetails
	offsets map[string]SyncOffset
	stats   map[string]acquire.StreamStats
	closed  bool

	srv      *http.Server
	wg       sync.WaitGroup
	dropped  int64
	stopOnce sync.Once
}

type client struct {
	conn     *websocket.Conn
	sendChan chan Message
}

var _ tsync.EventHandler = (*Hub)(nil)
var _ acquire.StatsSink = (*Hub)(nil)

// NewHub creates a hub greeting clients with hello
func NewHub(hello Hello) *Hub {
	return &Hub{
		hello: hello,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// read-only status feed for the local network
				return true
			},
		},
		clients: make(map[*client]struct{}),
		details: make(map[string]SyncDetails),
		offsets: make(map[string]SyncOffset),
		stats:   make(map[string]acquire.StreamStats),
	}
}

// SyncDetailsChanged implements tsync.EventHandler
func (h *Hub) SyncDetailsChanged(id string, strategies tsync.Strategy, tolerance time.Duration) {
	d := SyncDetails{Stream: id, Strategies: strategies.String(), ToleranceMicros: tolerance.Microseconds()}
	h.mu.Lock()
	h.details[id] = d
	h.mu.Unlock()
	h.broadcast(Message{Type: TypeDetails, Payload: d})
}

// OffsetChanged implements tsync.EventHandler
func (h *Hub) OffsetChanged(id string, deviation time.Duration) {
	o := SyncOffset{Stream: id, DeviationMicros: deviation.Microseconds()}
	h.mu.Lock()
	h.offsets[id] = o
	h.mu.Unlock()
	h.broadcast(Message{Type: TypeOffset, Payload: o})
}

// StreamStats implements acquire.StatsSink
func (h *Hub) StreamStats(s acquire.StreamStats) {
	h.mu.Lock()
	h.stats[s.Name] = s
	h.mu.Unlock()
	h.broadcast(Message{Type: TypeStats, Payload: s})
}

// Snapshot returns the last known state, sorted by stream
func (h *Hub) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

func (h *Hub) snapshotLocked() Snapshot {
	var snap Snapshot
	for _, d := range h.details {
		snap.Details = append(snap.Details, d)
	}
	for _, o := range h.offsets {
		snap.Offsets = append(snap.Offsets, o)
	}
	for _, s := range h.stats {
		snap.Stats = append(snap.Stats, s)
	}
	slices.SortFunc(snap.Details, func(a, b SyncDetails) int { return strings.Compare(a.Stream, b.Stream) })
	slices.SortFunc(snap.Offsets, func(a, b SyncOffset) int { return strings.Compare(a.Stream, b.Stream) })
	slices.SortFunc(snap.Stats, func(a, b acquire.StreamStats) int { return strings.Compare(a.Name, b.Name) })
	return snap
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// broadcast queues msg for every client, dropping it for clients that
// cannot keep up
func (h *Hub) broadcast(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.sendChan <- msg:
		default:
			h.dropped++
			if h.dropped == 1 || h.dropped%1000 == 0 {
				log.Printf("Monitor: slow client %s, %d messages dropped", c.conn.RemoteAddr(), h.dropped)
			}
		}
	}
}

// Handler serves the feed on /ws
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWebSocket)
	return mux
}

// Start listens on addr and serves the feed in the background
func (h *Hub) Start(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("monitor listen: %w", err)
	}
	h.srv = &http.Server{Handler: h.Handler()}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Monitor server error: %v", err)
		}
	}()

	log.Printf("Monitor listening on %s", ln.Addr())
	return ln.Addr(), nil
}

// Stop disconnects every client and shuts the server down
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		for c := range h.clients {
			c.conn.Close()
		}
		h.mu.Unlock()

		if h.srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			h.srv.Shutdown(ctx)
		}
		h.wg.Wait()
	})
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Monitor: websocket upgrade error: %v", err)
		return
	}
	log.Printf("Monitor: client connected from %s", r.RemoteAddr)
	h.handleConnection(conn)
}

func (h *Hub) handleConnection(conn *websocket.Conn) {
	defer conn.Close()

	c := &client{conn: conn, sendChan: make(chan Message, sendBuffer)}

	// hello and snapshot are queued before the client is visible to broadcasts
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	c.sendChan <- Message{Type: TypeHello, Payload: h.hello}
	c.sendChan <- Message{Type: TypeSnapshot, Payload: h.snapshotLocked()}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.clientWriter(c)
	}()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		close(c.sendChan)
		h.mu.Unlock()
		<-done
		log.Printf("Monitor: client %s disconnected", conn.RemoteAddr())
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("Monitor: websocket error: %v", err)
			}
			return
		}
		h.handleClientMessage(c, data)
	}
}

// handleClientMessage answers snapshot requests, the only message clients send
func (h *Hub) handleClientMessage(c *client, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("Monitor: bad message: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var reply Message
	switch msg.Type {
	case TypeSnapshot:
		reply = Message{Type: TypeSnapshot, Payload: h.snapshotLocked()}
	default:
		reply = Message{Type: TypeError, Payload: ErrorPayload{
			Error:   "unknown_type",
			Message: fmt.Sprintf("unknown message type %q", msg.Type),
		}}
	}

	select {
	case c.sendChan <- reply:
	default:
	}
}

func (h *Hub) clientWriter(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.sendChan:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				log.Printf("Monitor: error marshaling message: %v", err)
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				// the read loop notices the broken connection
				c.conn.Close()
				for range c.sendChan {
				}
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeDeadline)); err != nil {
				c.conn.Close()
				for range c.sendChan {
				}
				return
			}
		}
	}
}
