package webui

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"workdeck/pkg/events"
	"workdeck/pkg/logx"
)

const wsWriteTimeout = 500 * time.Millisecond

// eventHub streams broker events to websocket clients. Writes use a short
// timeout so one stalled client cannot hold up the fan-out loop.
type eventHub struct {
	broker *events.Broker
	logger *logx.Logger

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	nextID int

	cancel func()
	done   chan struct{}
}

func newEventHub(broker *events.Broker) *eventHub {
	return &eventHub{
		broker: broker,
		logger: logx.NewLogger("webui-events"),
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

// start subscribes to the broker and begins fanning events out.
func (h *eventHub) start() {
	ch, cancel := h.broker.Subscribe()
	h.cancel = cancel
	h.done = make(chan struct{})

	go func() {
		defer close(h.done)
		for event := range ch {
			h.broadcast(event)
		}
	}()
}

// stop detaches from the broker and closes all client connections.
func (h *eventHub) stop() {
	if h.cancel != nil {
		h.cancel()
		<-h.done
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	h.conns = make(map[*websocket.Conn]struct{})
}

func (h *eventHub) broadcast(event events.Event) {
	data, err := event.ToJSON()
	if err != nil {
		h.logger.Warn("Failed to serialize %s event: %v", event.Kind, err)
		return
	}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		err := conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			h.remove(conn)
			_ = conn.Close(websocket.StatusPolicyViolation, "write failed")
		}
	}
}

func (h *eventHub) add(conn *websocket.Conn) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	h.conns[conn] = struct{}{}
	return h.nextID
}

func (h *eventHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn)
}

// handleWS upgrades the request and streams events until the client
// disconnects. The read loop exists only to observe the close.
func (h *eventHub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket accept failed: %v", err)
		return
	}

	id := h.add(conn)
	h.logger.Info("Event stream client %d connected", id)

	defer func() {
		h.remove(conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
		h.logger.Info("Event stream client %d disconnected", id)
	}()

	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
	}
}
