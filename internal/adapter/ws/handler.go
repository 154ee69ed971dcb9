// Package ws implements the WebSocket adapter that streams policy changes
// and orchestration progress to dashboards.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

const (
	writeTimeout = 5 * time.Second
	outboxSize   = 64
)

// client is one dashboard connection. Frames are queued on outbox and
// written by the client's own goroutine so a slow reader never blocks the
// broadcaster; when the outbox is full the client is evicted.
type client struct {
	ws     *websocket.Conn
	types  map[string]bool // nil means every event
	outbox chan []byte
	done   chan struct{}

	once   sync.Once
	code   websocket.StatusCode
	reason string
}

func newClient(ws *websocket.Conn, types map[string]bool) *client {
	return &client{
		ws:     ws,
		types:  types,
		outbox: make(chan []byte, outboxSize),
		done:   make(chan struct{}),
	}
}

func (c *client) wants(eventType string) bool {
	return c.types == nil || c.types[eventType]
}

// Hub tracks dashboard connections and fans events out to them.
type Hub struct {
	mu             sync.RWMutex
	conns          map[*client]struct{}
	allowedOrigins []string
	seq            atomic.Uint64
	writers        sync.WaitGroup
}

// NewHub creates a hub. allowedOrigins lists the origin patterns accepted
// on upgrade; empty disables the origin check.
func NewHub(allowedOrigins ...string) *Hub {
	return &Hub{
		conns:          make(map[*client]struct{}),
		allowedOrigins: allowedOrigins,
	}
}

// HandleWS upgrades the request to a WebSocket. The optional "types" query
// parameter is a comma-separated list of event types to receive.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{OriginPatterns: h.allowedOrigins}
	if len(h.allowedOrigins) == 0 {
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}

	filter := r.URL.Query().Get("types")
	c := newClient(conn, parseTypes(filter))

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	slog.Info("websocket connected", "remote", r.RemoteAddr, "types", filter)

	// Dashboards never send data; CloseRead discards control frames and
	// cancels ctx once the peer goes away.
	ctx := conn.CloseRead(context.Background())
	h.writers.Add(1)
	go h.serve(ctx, c, r.RemoteAddr)
}

func (h *Hub) serve(ctx context.Context, c *client, remote string) {
	defer h.writers.Done()
	defer func() {
		h.stop(c, websocket.StatusNormalClosure, "")
		_ = c.ws.Close(c.code, c.reason)
		slog.Info("websocket disconnected", "remote", remote, "code", c.code)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case frame := <-c.outbox:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				slog.Debug("websocket write failed", "remote", remote, "error", err)
				return
			}
		}
	}
}

// stop unregisters c and tells its writer to close with code. Only the
// first call wins; it reports whether this call did the work.
func (h *Hub) stop(c *client, code websocket.StatusCode, reason string) bool {
	stopped := false
	c.once.Do(func() {
		h.mu.Lock()
		delete(h.conns, c)
		h.mu.Unlock()
		c.code, c.reason = code, reason
		close(c.done)
		stopped = true
	})
	return stopped
}

func parseTypes(raw string) map[string]bool {
	var types map[string]bool
	for t := range strings.SplitSeq(raw, ",") {
		if t = strings.TrimSpace(t); t == "" {
			continue
		}
		if types == nil {
			types = make(map[string]bool)
		}
		types[t] = true
	}
	return types
}

// Broadcast queues msg for every client subscribed to its type. It never
// blocks on a client; one whose outbox is full is disconnected.
func (h *Hub) Broadcast(_ context.Context, msg Message) {
	frame, err := json.Marshal(msg)
	if err != nil {
		slog.Error("websocket marshal failed", "error", err)
		return
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.conns {
		if !c.wants(msg.Type) {
			continue
		}
		select {
		case c.outbox <- frame:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		if h.stop(c, websocket.StatusPolicyViolation, "too slow") {
			slog.Warn("websocket client evicted", "reason", "outbox full", "type", msg.Type)
		}
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close disconnects every client and waits for their writers to exit.
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*client, 0, len(h.conns))
	for c := range h.conns {
		all = append(all, c)
	}
	h.mu.RUnlock()

	for _, c := range all {
		h.stop(c, websocket.StatusGoingAway, "shutting down")
	}
	h.writers.Wait()
}
