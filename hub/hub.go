// Package hub is the fan-out layer (§4.F): it tracks every connected
// control client, routes commands up to the supervisor, and routes events
// back down — broadcast for everything except log:entry, which only goes
// to clients that have subscribed to the emitting worker.
//
// Shaped after the linkflow-ai gateway Hub: a register/unregister/broadcast
// channel trio drained by one goroutine, so client bookkeeping is never
// touched from more than one place at a time, with per-client readPump/
// writePump goroutines doing the actual socket IO.
package hub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fleetcontrol/fleet-supervisor/logging"
	"github.com/fleetcontrol/fleet-supervisor/wire"
)

// HeartbeatInterval is the default ping period; a client that hasn't
// answered the previous ping by the next tick is dropped.
const HeartbeatInterval = 30 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// CommandHandler receives every inbound command that isn't a log
// subscription toggle (those are handled entirely inside the hub).
type CommandHandler func(wire.Command)

// Client is one connected control session.
type Client struct {
	ID   string
	conn *websocket.Conn
	send chan wire.Event

	mu            sync.Mutex
	subscriptions map[string]bool // workerId -> subscribed
	alive         bool            // answered the last ping
}

func (c *Client) isSubscribed(workerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptions[workerID]
}

// Hub owns the client registry and the single goroutine that mutates it.
type Hub struct {
	onCommand CommandHandler
	log       *zap.SugaredLogger

	register   chan *Client
	unregister chan *Client
	broadcast  chan wire.Event
	targeted   chan targetedEvent

	mu      sync.RWMutex
	clients map[*Client]bool

	heartbeat time.Duration
	done      chan struct{}
}

type targetedEvent struct {
	workerID string
	event    wire.Event
}

// New creates a Hub. log may be nil, in which case log output is
// discarded. Run must be called once before clients can connect.
func New(onCommand CommandHandler, heartbeat time.Duration, log *zap.SugaredLogger) *Hub {
	if heartbeat <= 0 {
		heartbeat = HeartbeatInterval
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Hub{
		onCommand:  onCommand,
		log:        log,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan wire.Event, 64),
		targeted:   make(chan targetedEvent, 64),
		clients:    make(map[*Client]bool),
		heartbeat:  heartbeat,
		done:       make(chan struct{}),
	}
}

// Run drains the register/unregister/broadcast channels until Close.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case ev := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				h.deliver(c, ev)
			}
			h.mu.RUnlock()

		case t := <-h.targeted:
			h.mu.RLock()
			for c := range h.clients {
				if c.isSubscribed(t.workerID) {
					h.deliver(c, t.event)
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[*Client]bool)
			h.mu.Unlock()
			return
		}
	}
}

// deliver is non-blocking: a slow client never stalls the fan-out loop.
// Send failures (a full send buffer here, a failed socket write in
// writePump) are logged and never evict a client by themselves; a client is
// dropped when it misses a ping or when reading from its connection fails.
func (h *Hub) deliver(c *Client, ev wire.Event) {
	select {
	case c.send <- ev:
	default:
		h.log.Warnf("hub: dropping event for slow client %s", c.ID)
	}
}

// Broadcast routes an event to every connected client. Used for every
// event except log:entry.
func (h *Hub) Broadcast(ev wire.Event) {
	select {
	case h.broadcast <- ev:
	case <-h.done:
	}
}

// SendToLogSubscribers delivers a log:entry only to clients subscribed to
// workerID.
func (h *Hub) SendToLogSubscribers(workerID string, ev wire.Event) {
	select {
	case h.targeted <- targetedEvent{workerID: workerID, event: ev}:
	case <-h.done:
	}
}

// Close shuts down the hub, closing every client connection with the
// server-shutdown close code.
func (h *Hub) Close() {
	close(h.done)
}

// ClientCount reports how many clients are currently registered.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Done is closed once Close has been called, so background helpers (e.g.
// the supervisor's gauge refresher) can stop alongside Run.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// ServeHTTP upgrades the request to a WebSocket connection and begins the
// client's read/write pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Errorf("hub: upgrade failed: %v", err)
		return
	}

	c := &Client{
		ID:            uuid.NewString(),
		conn:          conn,
		send:          make(chan wire.Event, 64),
		subscriptions: make(map[string]bool),
		alive:         true,
	}

	h.register <- c

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) readPump(c *Client) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1 << 20)
	c.conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.alive = true
		c.mu.Unlock()
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		cmd, err := wire.DecodeCommand(raw)
		if err != nil {
			h.log.Debugf("hub: ignoring malformed/unknown command from %s: %v", c.ID, err)
			continue
		}

		switch tc := cmd.(type) {
		case wire.SubscribeLogsCommand:
			c.mu.Lock()
			c.subscriptions[tc.WorkerID] = true
			c.mu.Unlock()
		case wire.UnsubscribeLogsCommand:
			c.mu.Lock()
			delete(c.subscriptions, tc.WorkerID)
			c.mu.Unlock()
		default:
			if h.onCommand != nil {
				h.onCommand(cmd)
			}
		}
	}
}

func (h *Hub) writePump(c *Client) {
	ticker := time.NewTicker(h.heartbeat)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				code := websocket.CloseNormalClosure
				msg := "Administrative disconnect"
				select {
				case <-h.done:
					code = websocket.CloseGoingAway
					msg = "Server shutting down"
				default:
				}
				c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, msg),
					time.Now().Add(time.Second))
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				h.log.Errorf("hub: failed to marshal event for %s: %v", c.ID, err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.log.Warnf("hub: write to client %s failed: %v", c.ID, err)
			}

		case <-ticker.C:
			c.mu.Lock()
			wasAlive := c.alive
			c.alive = false
			c.mu.Unlock()
			if !wasAlive {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.log.Warnf("hub: ping to client %s failed: %v", c.ID, err)
			}
		}
	}
}
